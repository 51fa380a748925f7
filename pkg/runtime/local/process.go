// Package local implements the process runtime over os/exec: step commands
// run as shell processes on the host, with step arguments exposed through
// the environment.
package local

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"

	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/pkg/runtime"
)

// ProcessRuntime runs step commands via "sh -c" on the host.
type ProcessRuntime struct {
	logger *zap.Logger
}

// NewProcessRuntime creates a local process runtime. A nil logger falls
// back to a no-op logger.
func NewProcessRuntime(logger *zap.Logger) *ProcessRuntime {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProcessRuntime{logger: logger}
}

// RunProcess executes the resolved command in a shell, inheriting the host
// environment plus the step's resolved arguments. The process is killed
// when the context is cancelled.
func (r *ProcessRuntime) RunProcess(ctx context.Context, spec runtime.ProcessSpec) (runtime.ProcessResult, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", spec.Command)
	cmd.Dir = spec.WorkingDir
	cmd.Env = append(os.Environ(), spec.Args...)

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	r.logger.Debug("running step process",
		zap.String("command", spec.Command),
		zap.String("working_dir", spec.WorkingDir))

	err := cmd.Run()
	result := runtime.ProcessResult{Output: out.String()}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			// The process ran and exited non-zero; that is a step
			// outcome, not a runtime error.
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		return result, err
	}

	return result, nil
}
