// Package runtime defines the contracts between the execution engine and
// the external runtimes that actually start sidecar services and run step
// commands. The engine drives these interfaces; the local and docker
// subpackages implement them.
package runtime

import "context"

// ServiceHandle identifies a started sidecar service to its runtime.
type ServiceHandle string

// ServiceSpec describes a sidecar service with its environment already
// resolved against the owning instance's matrix bindings.
type ServiceSpec struct {
	// Name is the service name, unique within the owning job
	Name string

	// Image is the container image to run
	Image string

	// HostPort and ContainerPort describe the single published port
	// mapping, zero when the service publishes nothing
	HostPort      int
	ContainerPort int

	// Env holds resolved environment entries in "NAME=value" form
	Env []string

	// RunID namespaces runtime resources so concurrent runs cannot
	// collide on service names
	RunID string
}

// ServiceRuntime starts and stops sidecar services.
//
// StopService must be callable even if StartService partially failed, and
// must be idempotent: stopping an already stopped or unknown handle is not
// an error.
type ServiceRuntime interface {
	StartService(ctx context.Context, spec ServiceSpec) (ServiceHandle, error)
	StopService(ctx context.Context, handle ServiceHandle) error
}

// ProcessSpec describes one step command with its command line and
// arguments already resolved against the owning instance's bindings.
type ProcessSpec struct {
	// Command is the resolved shell command
	Command string

	// Args holds resolved step arguments in "name=value" form; runtimes
	// expose them to the command as environment variables
	Args []string

	// WorkingDir is the directory the command runs in
	WorkingDir string

	// Image is the owning job's base image, used by container-backed
	// runtimes and ignored by the local runtime
	Image string
}

// ProcessResult is the outcome of a finished step process.
type ProcessResult struct {
	// ExitCode is the process exit status
	ExitCode int

	// Output is the combined stdout and stderr of the process
	Output string
}

// ProcessRuntime executes step commands to completion. A non-zero exit is
// reported through ProcessResult.ExitCode, not through the error return;
// the error return is for failures to run the process at all.
type ProcessRuntime interface {
	RunProcess(ctx context.Context, spec ProcessSpec) (ProcessResult, error)
}
