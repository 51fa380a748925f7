package report

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestTerminalStatuses(t *testing.T) {
	terminal := []Status{StatusSucceeded, StatusFailed, StatusCancelled}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("Expected %s to be terminal", s)
		}
	}

	active := []Status{StatusPending, StatusStartingServices, StatusRunningSteps, StatusCollectingArtifacts}
	for _, s := range active {
		if s.Terminal() {
			t.Errorf("Expected %s not to be terminal", s)
		}
	}
}

func TestAddStageRegistersPendingInstances(t *testing.T) {
	r := New("run-1", "ci")

	st := r.AddStage("build", []string{"compile-1.21", "compile-1.22"}, []map[string]string{
		{"go": "1.21"},
		{"go": "1.22"},
	})

	if len(st.Instances) != 2 {
		t.Fatalf("Expected 2 instances, got %d", len(st.Instances))
	}
	for _, inst := range st.Instances {
		if inst.Status != StatusPending {
			t.Errorf("Instance %s expected pending, got %s", inst.Identity, inst.Status)
		}
	}
	if st.Instances[1].Bindings["go"] != "1.22" {
		t.Errorf("Unexpected bindings: %+v", st.Instances[1].Bindings)
	}
}

func TestCancelInstanceLeavesTerminalStatesAlone(t *testing.T) {
	r := New("run-1", "ci")
	st := r.AddStage("build", []string{"a", "b", "c"}, nil)

	r.SetInstanceStatus(st.Instances[0], StatusSucceeded)
	r.FailInstance(st.Instances[1], errors.New("exit 2"))

	for _, inst := range st.Instances {
		r.CancelInstance(inst)
	}

	if got := r.InstanceStatus(st.Instances[0]); got != StatusSucceeded {
		t.Errorf("Succeeded instance mutated to %s", got)
	}
	if got := r.InstanceStatus(st.Instances[1]); got != StatusFailed {
		t.Errorf("Failed instance mutated to %s", got)
	}
	if st.Instances[1].Error != "exit 2" {
		t.Errorf("Expected error detail preserved, got %q", st.Instances[1].Error)
	}
	if got := r.InstanceStatus(st.Instances[2]); got != StatusCancelled {
		t.Errorf("Pending instance expected cancelled, got %s", got)
	}
}

func TestArtifactAggregateIsDeduplicated(t *testing.T) {
	r := New("run-1", "ci")
	st := r.AddStage("build", []string{"a", "b"}, nil)

	r.RecordArtifacts(st.Instances[0], []string{"dist/**", "coverage.out"})
	r.RecordArtifacts(st.Instances[1], []string{"dist/**", "reports/junit.xml"})
	r.AddPipelineArtifacts([]string{"coverage.out", "changelog.md"})

	want := []string{"dist/**", "coverage.out", "reports/junit.xml", "changelog.md"}
	if len(r.Artifacts) != len(want) {
		t.Fatalf("Expected %d aggregate artifacts, got %v", len(want), r.Artifacts)
	}
	for i, p := range want {
		if r.Artifacts[i] != p {
			t.Errorf("Aggregate[%d] = %q, want %q", i, r.Artifacts[i], p)
		}
	}

	// Per-instance lists keep what each instance produced, duplicates included.
	if len(st.Instances[1].Artifacts) != 2 {
		t.Errorf("Unexpected instance artifacts: %v", st.Instances[1].Artifacts)
	}
}

func TestSnapshotIsIndependent(t *testing.T) {
	r := New("run-1", "ci")
	st := r.AddStage("build", []string{"a"}, []map[string]string{{"go": "1.22"}})
	r.AddStepResult(st.Instances[0], StepResult{Command: "go build", ExitCode: 0})

	snap := r.Snapshot()

	r.SetInstanceStatus(st.Instances[0], StatusFailed)
	r.AddStepResult(st.Instances[0], StepResult{Command: "go test", ExitCode: 1})

	got := snap.Stages[0].Instances[0]
	if got.Status != StatusPending {
		t.Errorf("Snapshot mutated: status %s", got.Status)
	}
	if len(got.Steps) != 1 {
		t.Errorf("Snapshot mutated: %d steps", len(got.Steps))
	}
}

func TestMarshalJSON(t *testing.T) {
	r := New("run-1", "ci")
	st := r.AddStage("build", []string{"a"}, nil)
	r.SetInstanceStatus(st.Instances[0], StatusSucceeded)
	r.SetStageStatus(st, StatusSucceeded)
	r.Finish(StatusSucceeded)

	data, err := json.Marshal(r)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	var decoded map[string]any
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if decoded["runId"] != "run-1" || decoded["status"] != "succeeded" {
		t.Errorf("Unexpected payload: %s", data)
	}
	if _, ok := decoded["finishedAt"]; !ok {
		t.Errorf("Expected finishedAt after Finish, got: %s", data)
	}
}
