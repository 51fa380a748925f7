package pipeline

import (
	"github.com/bmatcuk/doublestar/v4"
	"github.com/robfig/cron/v3"

	"github.com/wehubfusion/Daedalus/pkg/errors"
)

// Validator re-checks every structural invariant of a definition tree. The
// engine runs this pass before creating any job instance, even for trees
// handed over by an external producer: structural violations are cheap to
// find here and expensive to discover mid-run.
type Validator struct {
	cronParser cron.Parser
}

// NewValidator creates a new definition validator
func NewValidator() *Validator {
	return &Validator{
		cronParser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
	}
}

// Validate checks a single pipeline. It returns a *errors.ConfigError
// describing the first violation found, or nil if the tree is sound.
func (v *Validator) Validate(p *Pipeline) error {
	if p == nil {
		return errors.NewConfigError("pipeline is nil")
	}
	if p.Name == "" {
		return errors.NewConfigError("pipeline name cannot be empty")
	}

	for i, t := range p.Triggers {
		if err := v.validateTrigger(p.Name, i, t); err != nil {
			return err
		}
	}

	if len(p.Stages) == 0 {
		return errors.NewConfigError("pipeline %q has no stages", p.Name)
	}

	stageNames := make(map[string]struct{}, len(p.Stages))
	for _, st := range p.Stages {
		if st.Name == "" {
			return errors.NewConfigError("pipeline %q has a stage with no name", p.Name)
		}
		if _, dup := stageNames[st.Name]; dup {
			return errors.NewConfigError("duplicate stage name %q in pipeline %q", st.Name, p.Name)
		}
		stageNames[st.Name] = struct{}{}

		if err := v.validateStage(p.Name, st); err != nil {
			return err
		}
	}

	for _, a := range p.Artifacts {
		if err := v.validateArtifact(p.Name, a); err != nil {
			return err
		}
	}

	return nil
}

// ValidateCatalog checks every pipeline in a catalog plus the uniqueness of
// pipeline names across it.
func (v *Validator) ValidateCatalog(c *Catalog) error {
	if c == nil {
		return errors.NewConfigError("catalog is nil")
	}

	names := make(map[string]struct{}, len(c.Pipelines))
	for i := range c.Pipelines {
		p := &c.Pipelines[i]
		if err := v.Validate(p); err != nil {
			return err
		}
		if _, dup := names[p.Name]; dup {
			return errors.NewConfigError("duplicate pipeline name %q in catalog", p.Name)
		}
		names[p.Name] = struct{}{}
	}

	return nil
}

func (v *Validator) validateTrigger(pipeline string, index int, t Trigger) error {
	if !t.Kind.Valid() {
		return errors.NewConfigError("pipeline %q trigger %d has unknown kind %q", pipeline, index, t.Kind)
	}

	switch t.Kind {
	case TriggerPush, TriggerTag:
		if t.Pattern == "" {
			return errors.NewConfigError("pipeline %q %s trigger requires a ref pattern", pipeline, t.Kind)
		}
		if !doublestar.ValidatePattern(t.Pattern) {
			return errors.NewConfigError("pipeline %q %s trigger has invalid glob pattern %q", pipeline, t.Kind, t.Pattern)
		}
	case TriggerSchedule:
		if t.Pattern == "" {
			return errors.NewConfigError("pipeline %q schedule trigger requires a cron pattern", pipeline)
		}
		if _, err := v.cronParser.Parse(t.Pattern); err != nil {
			return errors.WrapConfigError("pipeline "+pipeline+" schedule trigger has invalid cron pattern "+t.Pattern, err)
		}
	case TriggerManual:
		if t.Pattern != "" {
			return errors.NewConfigError("pipeline %q manual trigger must not carry a pattern", pipeline)
		}
	}

	return nil
}

func (v *Validator) validateStage(pipeline string, st Stage) error {
	if len(st.Jobs) == 0 {
		return errors.NewConfigError("stage %q in pipeline %q has no jobs", st.Name, pipeline)
	}

	jobNames := make(map[string]struct{}, len(st.Jobs))
	for _, j := range st.Jobs {
		if j.Name == "" {
			return errors.NewConfigError("stage %q in pipeline %q has a job with no name", st.Name, pipeline)
		}
		if _, dup := jobNames[j.Name]; dup {
			return errors.NewConfigError("duplicate job name %q in stage %q", j.Name, st.Name)
		}
		jobNames[j.Name] = struct{}{}

		if err := v.validateJob(st.Name, j); err != nil {
			return err
		}
	}

	return nil
}

func (v *Validator) validateJob(stage string, j Job) error {
	axisNames := make(map[string]struct{}, len(j.Matrix))
	for _, axis := range j.Matrix {
		if axis.Name == "" {
			return errors.NewConfigError("job %q in stage %q has a matrix axis with no name", j.Name, stage)
		}
		if _, dup := axisNames[axis.Name]; dup {
			return errors.NewConfigError("duplicate matrix axis %q in job %q", axis.Name, j.Name)
		}
		axisNames[axis.Name] = struct{}{}

		if len(axis.Values) == 0 {
			return errors.NewConfigError("matrix axis %q in job %q has no values", axis.Name, j.Name)
		}
	}

	serviceNames := make(map[string]struct{}, len(j.Services))
	for _, svc := range j.Services {
		if svc.Name == "" {
			return errors.NewConfigError("job %q has a service with no name", j.Name)
		}
		if _, dup := serviceNames[svc.Name]; dup {
			return errors.NewConfigError("duplicate service name %q in job %q", svc.Name, j.Name)
		}
		serviceNames[svc.Name] = struct{}{}

		if svc.Image == "" {
			return errors.NewConfigError("service %q in job %q has no image", svc.Name, j.Name)
		}

		envNames := make(map[string]struct{}, len(svc.Env))
		for _, env := range svc.Env {
			if env.Name == "" {
				return errors.NewConfigError("service %q in job %q has an env var with no name", svc.Name, j.Name)
			}
			if _, dup := envNames[env.Name]; dup {
				return errors.NewConfigError("duplicate env var %q in service %q", env.Name, svc.Name)
			}
			envNames[env.Name] = struct{}{}
		}
	}

	if len(j.Steps) == 0 {
		return errors.NewConfigError("job %q in stage %q has no steps", j.Name, stage)
	}
	for i, step := range j.Steps {
		if !step.Kind.Valid() {
			return errors.NewConfigError("step %d of job %q has unknown kind %q", i, j.Name, step.Kind)
		}
		if step.Command == "" {
			return errors.NewConfigError("step %d of job %q has no command", i, j.Name)
		}

		argNames := make(map[string]struct{}, len(step.Args))
		for _, arg := range step.Args {
			if arg.Name == "" {
				return errors.NewConfigError("step %d of job %q has an argument with no name", i, j.Name)
			}
			if _, dup := argNames[arg.Name]; dup {
				return errors.NewConfigError("duplicate argument %q in step %d of job %q", arg.Name, i, j.Name)
			}
			argNames[arg.Name] = struct{}{}
		}
	}

	for _, a := range j.Artifacts {
		if err := v.validateArtifact(j.Name, a); err != nil {
			return err
		}
	}

	return nil
}

func (v *Validator) validateArtifact(owner string, a Artifact) error {
	if a.Path == "" {
		return errors.NewConfigError("%q declares an artifact with an empty path pattern", owner)
	}
	if !doublestar.ValidatePattern(a.Path) {
		return errors.NewConfigError("%q declares an invalid artifact path pattern %q", owner, a.Path)
	}
	return nil
}
