package resolve

import (
	stderrors "errors"
	"testing"

	"github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/pipeline"
)

func TestString(t *testing.T) {
	bindings := map[string]string{"go": "1.22", "os": "linux"}

	t.Run("single placeholder", func(t *testing.T) {
		out, err := String("go test -tags ${os}", bindings)
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if out != "go test -tags linux" {
			t.Errorf("Unexpected output: %q", out)
		}
	})

	t.Run("repeated and adjacent placeholders", func(t *testing.T) {
		out, err := String("${go}-${os}-${go}", bindings)
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if out != "1.22-linux-1.22" {
			t.Errorf("Unexpected output: %q", out)
		}
	})

	t.Run("no placeholders", func(t *testing.T) {
		out, err := String("make build", bindings)
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if out != "make build" {
			t.Errorf("Unexpected output: %q", out)
		}
	})

	t.Run("unknown placeholder", func(t *testing.T) {
		_, err := String("echo ${arch}", bindings)
		if err == nil {
			t.Fatal("Expected error for unknown placeholder")
		}
		var re *errors.ResolutionError
		if !stderrors.As(err, &re) {
			t.Fatalf("Expected ResolutionError, got %T: %v", err, err)
		}
		if re.Placeholder != "arch" {
			t.Errorf("Expected placeholder %q, got %q", "arch", re.Placeholder)
		}
	})

	t.Run("empty bindings", func(t *testing.T) {
		if _, err := String("echo ${go}", nil); err == nil {
			t.Fatal("Expected error with empty bindings")
		}
	})
}

func TestStep(t *testing.T) {
	bindings := map[string]string{"version": "1.22"}
	step := pipeline.Step{
		Kind:    pipeline.StepRun,
		Command: "go${version} build",
		Args: []pipeline.StepArg{
			{Name: "target", Value: "bin-${version}"},
		},
	}

	resolved, err := Step(step, bindings)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if resolved.Command != "go1.22 build" {
		t.Errorf("Unexpected command: %q", resolved.Command)
	}
	if resolved.Args[0].Value != "bin-1.22" {
		t.Errorf("Unexpected arg value: %q", resolved.Args[0].Value)
	}

	// The input step must not be modified; resolution is pure.
	if step.Command != "go${version} build" || step.Args[0].Value != "bin-${version}" {
		t.Error("Step resolution modified its input")
	}
}

func TestStepUnresolvedArg(t *testing.T) {
	step := pipeline.Step{
		Kind:    pipeline.StepRun,
		Command: "make",
		Args:    []pipeline.StepArg{{Name: "target", Value: "${missing}"}},
	}

	if _, err := Step(step, map[string]string{}); !errors.IsResolutionError(err) {
		t.Fatalf("Expected ResolutionError, got %v", err)
	}
}

func TestServiceEnv(t *testing.T) {
	svc := pipeline.Service{
		Name:  "db",
		Image: "postgres:16",
		Env: []pipeline.EnvVar{
			{Name: "POSTGRES_DB", Value: "app_${suite}"},
			{Name: "POSTGRES_PASSWORD", Value: "secret"},
		},
	}

	env, err := ServiceEnv(svc, map[string]string{"suite": "integration"})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	want := []string{"POSTGRES_DB=app_integration", "POSTGRES_PASSWORD=secret"}
	if len(env) != len(want) {
		t.Fatalf("Expected %d entries, got %d", len(want), len(env))
	}
	for i := range want {
		if env[i] != want[i] {
			t.Errorf("Entry %d: expected %q, got %q", i, want[i], env[i])
		}
	}
}
