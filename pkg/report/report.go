// Package report holds the mutable, derived result state of a pipeline run:
// per-instance status and produced artifacts, per-stage status, and the
// pipeline's aggregate status and artifact set.
//
// A report is created at run start, mutated by the scheduler as execution
// proceeds, and is the single place run state lives; the definition tree is
// never touched. All mutation goes through methods that hold the report's
// lock, so the report may be read while a run is in flight.
package report

import (
	"encoding/json"
	"sync"
	"time"
)

// Status describes where a job instance, stage or pipeline is in its
// lifecycle.
type Status string

const (
	// StatusPending means the instance was created but has not acquired a
	// worker slot yet
	StatusPending Status = "pending"

	// StatusStartingServices means sidecar services are being started
	StatusStartingServices Status = "starting-services"

	// StatusRunningSteps means steps are executing in declared order
	StatusRunningSteps Status = "running-steps"

	// StatusCollectingArtifacts means steps succeeded and declared
	// artifact patterns are being captured
	StatusCollectingArtifacts Status = "collecting-artifacts"

	// StatusSucceeded is the successful terminal state
	StatusSucceeded Status = "succeeded"

	// StatusFailed is the failed terminal state
	StatusFailed Status = "failed"

	// StatusCancelled is the terminal state of deliberately stopped work.
	// It is always distinct from StatusFailed.
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether s is a terminal state
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// StepResult records one executed step of an instance.
type StepResult struct {
	Command  string `json:"command"`
	ExitCode int    `json:"exitCode"`
	Output   string `json:"output,omitempty"`
}

// InstanceReport is the run state of one job instance.
type InstanceReport struct {
	Identity  string            `json:"identity"`
	Bindings  map[string]string `json:"bindings,omitempty"`
	Status    Status            `json:"status"`
	Steps     []StepResult      `json:"steps,omitempty"`
	Artifacts []string          `json:"artifacts,omitempty"`
	Error     string            `json:"error,omitempty"`
}

// StageReport is the run state of one stage.
type StageReport struct {
	Name      string            `json:"name"`
	Status    Status            `json:"status"`
	Instances []*InstanceReport `json:"instances"`
}

// Report is the run state of one pipeline invocation.
type Report struct {
	mu sync.Mutex

	RunID      string         `json:"runId"`
	Pipeline   string         `json:"pipeline"`
	Status     Status         `json:"status"`
	Stages     []*StageReport `json:"stages"`
	Artifacts  []string       `json:"artifacts,omitempty"`
	StartedAt  time.Time      `json:"startedAt"`
	FinishedAt time.Time      `json:"finishedAt,omitzero"`

	artifactSet map[string]struct{}
}

// New creates a report for a run of the named pipeline. Stages and
// instances are registered afterwards via AddStage as expansion proceeds.
func New(runID, pipeline string) *Report {
	return &Report{
		RunID:       runID,
		Pipeline:    pipeline,
		Status:      StatusPending,
		StartedAt:   time.Now().UTC(),
		artifactSet: make(map[string]struct{}),
	}
}

// AddStage registers a stage and the instance identities expanded for it,
// all starting out Pending. It returns the stage's report.
func (r *Report) AddStage(name string, identities []string, bindings []map[string]string) *StageReport {
	r.mu.Lock()
	defer r.mu.Unlock()

	st := &StageReport{
		Name:      name,
		Status:    StatusPending,
		Instances: make([]*InstanceReport, len(identities)),
	}
	for i, identity := range identities {
		var b map[string]string
		if i < len(bindings) {
			b = bindings[i]
		}
		st.Instances[i] = &InstanceReport{
			Identity: identity,
			Bindings: b,
			Status:   StatusPending,
		}
	}

	r.Stages = append(r.Stages, st)
	return st
}

// SetInstanceStatus transitions an instance to the given status
func (r *Report) SetInstanceStatus(inst *InstanceReport, status Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst.Status = status
}

// FailInstance marks an instance Failed and records the error detail
func (r *Report) FailInstance(inst *InstanceReport, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst.Status = StatusFailed
	if err != nil {
		inst.Error = err.Error()
	}
}

// CancelInstance marks an instance Cancelled unless it already reached a
// terminal state.
func (r *Report) CancelInstance(inst *InstanceReport) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !inst.Status.Terminal() {
		inst.Status = StatusCancelled
	}
}

// AddStepResult appends one executed step to an instance
func (r *Report) AddStepResult(inst *InstanceReport, result StepResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst.Steps = append(inst.Steps, result)
}

// RecordArtifacts stores the artifact path patterns an instance produced
// and merges them into the pipeline-level aggregate set, deduplicated by
// path. Only the scheduler calls this, and only for succeeded instances.
func (r *Report) RecordArtifacts(inst *InstanceReport, paths []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst.Artifacts = append(inst.Artifacts, paths...)
	r.mergeArtifactsLocked(paths)
}

// AddPipelineArtifacts merges pipeline-level declared artifact patterns
// into the aggregate set.
func (r *Report) AddPipelineArtifacts(paths []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mergeArtifactsLocked(paths)
}

func (r *Report) mergeArtifactsLocked(paths []string) {
	for _, p := range paths {
		if _, dup := r.artifactSet[p]; dup {
			continue
		}
		r.artifactSet[p] = struct{}{}
		r.Artifacts = append(r.Artifacts, p)
	}
}

// SetStageStatus transitions a stage to the given status
func (r *Report) SetStageStatus(st *StageReport, status Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	st.Status = status
}

// Finish records the pipeline's final status and completion time
func (r *Report) Finish(status Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Status = status
	r.FinishedAt = time.Now().UTC()
}

// InstanceStatus returns the current status of the instance
func (r *Report) InstanceStatus(inst *InstanceReport) Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return inst.Status
}

// Snapshot returns a deep copy of the report safe to read or serialize
// while the run is still mutating the original.
func (r *Report) Snapshot() *Report {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := &Report{
		RunID:      r.RunID,
		Pipeline:   r.Pipeline,
		Status:     r.Status,
		Artifacts:  append([]string(nil), r.Artifacts...),
		StartedAt:  r.StartedAt,
		FinishedAt: r.FinishedAt,
	}
	for _, st := range r.Stages {
		stCopy := &StageReport{
			Name:      st.Name,
			Status:    st.Status,
			Instances: make([]*InstanceReport, len(st.Instances)),
		}
		for i, inst := range st.Instances {
			instCopy := &InstanceReport{
				Identity:  inst.Identity,
				Status:    inst.Status,
				Steps:     append([]StepResult(nil), inst.Steps...),
				Artifacts: append([]string(nil), inst.Artifacts...),
				Error:     inst.Error,
			}
			if inst.Bindings != nil {
				instCopy.Bindings = make(map[string]string, len(inst.Bindings))
				for k, v := range inst.Bindings {
					instCopy.Bindings[k] = v
				}
			}
			stCopy.Instances[i] = instCopy
		}
		out.Stages = append(out.Stages, stCopy)
	}
	return out
}

// MarshalJSON serializes a consistent snapshot of the report
func (r *Report) MarshalJSON() ([]byte, error) {
	snap := r.Snapshot()
	type plain Report
	return json.Marshal((*plain)(snap))
}
