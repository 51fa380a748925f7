// Package pipeline defines the immutable pipeline definition tree and its
// validation rules. A definition is built once, either by the YAML parser in
// this package or by an external producer, and is read-only for the duration
// of a run; all mutable run state lives in the report package.
package pipeline

// TriggerKind identifies the event family a trigger reacts to.
type TriggerKind string

const (
	// TriggerPush matches branch push events against a glob ref pattern
	TriggerPush TriggerKind = "push"

	// TriggerTag matches tag events against a glob ref pattern
	TriggerTag TriggerKind = "tag"

	// TriggerSchedule matches clock events against a cron pattern
	TriggerSchedule TriggerKind = "schedule"

	// TriggerManual matches explicit manual-run requests
	TriggerManual TriggerKind = "manual"
)

// Valid reports whether k is a known trigger kind
func (k TriggerKind) Valid() bool {
	switch k {
	case TriggerPush, TriggerTag, TriggerSchedule, TriggerManual:
		return true
	}
	return false
}

// StepKind identifies what a step does with its command.
type StepKind string

const (
	// StepRun executes the command as a shell process
	StepRun StepKind = "run"

	// StepRestore fetches previously stored paths before running
	StepRestore StepKind = "restore"

	// StepUpload stores paths produced by earlier steps
	StepUpload StepKind = "upload"
)

// Valid reports whether k is a known step kind
func (k StepKind) Valid() bool {
	switch k {
	case StepRun, StepRestore, StepUpload:
		return true
	}
	return false
}

// Pipeline is the top-level definition: triggers deciding when it runs,
// stages executed in declaration order, and pipeline-level artifacts
// aggregated from successful job instances.
type Pipeline struct {
	Name      string     `yaml:"name" json:"name"`
	Triggers  []Trigger  `yaml:"triggers,omitempty" json:"triggers,omitempty"`
	Stages    []Stage    `yaml:"stages" json:"stages"`
	Artifacts []Artifact `yaml:"artifacts,omitempty" json:"artifacts,omitempty"`
}

// Trigger is a single run condition. Pattern semantics are kind-specific:
// glob over refs for push and tag triggers, cron for schedule triggers,
// empty for manual triggers.
type Trigger struct {
	Kind    TriggerKind `yaml:"kind" json:"kind"`
	Pattern string      `yaml:"pattern,omitempty" json:"pattern,omitempty"`
}

// Stage is a sequential barrier unit: its jobs run concurrently, and the
// next stage does not begin until every job instance of this stage has
// reached a terminal state.
type Stage struct {
	Name string `yaml:"name" json:"name"`
	Jobs []Job  `yaml:"jobs" json:"jobs"`
}

// Job is a template for one or more concrete job instances, parameterized
// by its matrix axes. A job with no axes expands to exactly one instance.
type Job struct {
	Name      string       `yaml:"name" json:"name"`
	Image     string       `yaml:"image,omitempty" json:"image,omitempty"`
	Services  []Service    `yaml:"services,omitempty" json:"services,omitempty"`
	Steps     []Step       `yaml:"steps" json:"steps"`
	Artifacts []Artifact   `yaml:"artifacts,omitempty" json:"artifacts,omitempty"`
	Matrix    []MatrixAxis `yaml:"matrix,omitempty" json:"matrix,omitempty"`
}

// MatrixAxis is a named dimension of variation. The cartesian product of a
// job's axes yields its instances, with the last declared axis varying
// fastest.
type MatrixAxis struct {
	Name   string   `yaml:"name" json:"name"`
	Values []string `yaml:"values" json:"values"`
}

// Service is a sidecar container started alongside a job instance's steps
// and stopped once the instance ends, on every exit path.
type Service struct {
	Name          string   `yaml:"name" json:"name"`
	Image         string   `yaml:"image" json:"image"`
	HostPort      int      `yaml:"hostPort,omitempty" json:"hostPort,omitempty"`
	ContainerPort int      `yaml:"containerPort,omitempty" json:"containerPort,omitempty"`
	Env           []EnvVar `yaml:"env,omitempty" json:"env,omitempty"`
}

// EnvVar is a single environment entry. Values may contain matrix
// placeholders, resolved per instance just before the service starts.
type EnvVar struct {
	Name  string `yaml:"name" json:"name"`
	Value string `yaml:"value" json:"value"`
}

// Step is one ordered unit of command execution within a job instance.
// Commands and argument values may contain matrix placeholders.
type Step struct {
	Kind    StepKind  `yaml:"kind" json:"kind"`
	Command string    `yaml:"command" json:"command"`
	Args    []StepArg `yaml:"args,omitempty" json:"args,omitempty"`
}

// StepArg is a named parameter handed to a step's command.
type StepArg struct {
	Name  string `yaml:"name" json:"name"`
	Value string `yaml:"value" json:"value"`
}

// Artifact declares an output path pattern captured after successful
// execution. Patterns use doublestar glob syntax relative to the run's
// working directory.
type Artifact struct {
	Path string `yaml:"path" json:"path"`
}

// Catalog is an ordered set of loaded pipelines, typically the contents of
// one definition document. Pipeline names are unique within a catalog.
type Catalog struct {
	Pipelines []Pipeline `yaml:"pipelines" json:"pipelines"`
}

// Lookup returns the pipeline with the given name, or nil if the catalog
// does not contain one.
func (c *Catalog) Lookup(name string) *Pipeline {
	for i := range c.Pipelines {
		if c.Pipelines[i].Name == name {
			return &c.Pipelines[i]
		}
	}
	return nil
}
