package matrix

import (
	"strings"
	"testing"

	"github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/pipeline"
)

func TestExpandNoAxes(t *testing.T) {
	job := &pipeline.Job{Name: "build"}

	instances, err := Expand(job, 0)
	if err != nil {
		t.Fatalf("Expand returned unexpected error: %v", err)
	}
	if len(instances) != 1 {
		t.Fatalf("Expected 1 instance, got %d", len(instances))
	}
	if instances[0].Identity != "build" {
		t.Errorf("Expected identity %q, got %q", "build", instances[0].Identity)
	}
	if len(instances[0].Bindings) != 0 {
		t.Errorf("Expected empty bindings, got %v", instances[0].Bindings)
	}
}

func TestExpandLastAxisVariesFastest(t *testing.T) {
	job := &pipeline.Job{
		Name: "test",
		Matrix: []pipeline.MatrixAxis{
			{Name: "a", Values: []string{"a1", "a2"}},
			{Name: "b", Values: []string{"b1", "b2", "b3"}},
		},
	}

	instances, err := Expand(job, 0)
	if err != nil {
		t.Fatalf("Expand returned unexpected error: %v", err)
	}
	if len(instances) != 6 {
		t.Fatalf("Expected 6 instances, got %d", len(instances))
	}

	wantOrder := []string{
		"test-a1-b1", "test-a1-b2", "test-a1-b3",
		"test-a2-b1", "test-a2-b2", "test-a2-b3",
	}
	for i, want := range wantOrder {
		if instances[i].Identity != want {
			t.Errorf("Instance %d: expected identity %q, got %q", i, want, instances[i].Identity)
		}
		if instances[i].Ordinal != i {
			t.Errorf("Instance %d: expected ordinal %d, got %d", i, i, instances[i].Ordinal)
		}
	}

	if instances[4].Bindings["a"] != "a2" || instances[4].Bindings["b"] != "b2" {
		t.Errorf("Instance 4: unexpected bindings %v", instances[4].Bindings)
	}
}

func TestExpandCapExceeded(t *testing.T) {
	job := &pipeline.Job{
		Name: "test",
		Matrix: []pipeline.MatrixAxis{
			{Name: "a", Values: []string{"1", "2", "3"}},
			{Name: "b", Values: []string{"x", "y"}},
		},
	}

	instances, err := Expand(job, 4)
	if err == nil {
		t.Fatal("Expected error for oversized expansion")
	}
	if !errors.IsConfigError(err) {
		t.Errorf("Expected ConfigError, got %T: %v", err, err)
	}
	if len(instances) != 0 {
		t.Errorf("Expected zero instances for oversized expansion, got %d", len(instances))
	}
}

func TestExpandDefaultCap(t *testing.T) {
	values := make([]string, 257)
	for i := range values {
		values[i] = strings.Repeat("v", i+1)
	}
	job := &pipeline.Job{
		Name:   "test",
		Matrix: []pipeline.MatrixAxis{{Name: "a", Values: values}},
	}

	if _, err := Expand(job, 0); err == nil {
		t.Fatal("Expected error when exceeding the default cap")
	}
}

func TestExpandIdentityCollision(t *testing.T) {
	// "go-1" x "x" and "go" x "1-x" both derive "test-go-1-x".
	job := &pipeline.Job{
		Name: "test",
		Matrix: []pipeline.MatrixAxis{
			{Name: "a", Values: []string{"go-1", "go"}},
			{Name: "b", Values: []string{"x", "1-x"}},
		},
	}

	instances, err := Expand(job, 0)
	if err == nil {
		t.Fatal("Expected error for identity collision")
	}
	if !errors.IsConfigError(err) {
		t.Errorf("Expected ConfigError, got %T: %v", err, err)
	}
	if len(instances) != 0 {
		t.Errorf("Expected zero instances on collision, got %d", len(instances))
	}
}

func TestExpandStage(t *testing.T) {
	stage := &pipeline.Stage{
		Name: "verify",
		Jobs: []pipeline.Job{
			{Name: "lint"},
			{Name: "test", Matrix: []pipeline.MatrixAxis{{Name: "go", Values: []string{"1.21", "1.22"}}}},
		},
	}

	instances, err := ExpandStage(stage, 0)
	if err != nil {
		t.Fatalf("ExpandStage returned unexpected error: %v", err)
	}
	if len(instances) != 3 {
		t.Fatalf("Expected 3 instances, got %d", len(instances))
	}

	wantOrder := []string{"lint", "test-1.21", "test-1.22"}
	for i, want := range wantOrder {
		if instances[i].Identity != want {
			t.Errorf("Instance %d: expected identity %q, got %q", i, want, instances[i].Identity)
		}
		if instances[i].Ordinal != i {
			t.Errorf("Instance %d: expected stage-wide ordinal %d, got %d", i, i, instances[i].Ordinal)
		}
	}
}
