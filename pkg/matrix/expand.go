// Package matrix expands job templates into concrete job instances.
//
// Expansion is the cartesian product of a job's matrix axes enumerated with
// the last declared axis varying fastest, i.e. nested-loop order over the
// declaration order. The order is deterministic and reproducible; the
// scheduler relies on it for FIFO slot acquisition.
package matrix

import (
	"strings"

	"github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/pipeline"
)

// DefaultCap is the default upper bound on the number of instances a single
// job may expand to.
const DefaultCap = 256

// IdentitySeparator joins the job name and bound axis values into an
// instance identity.
const IdentitySeparator = "-"

// Instance is one concrete execution of a job for one matrix-axis
// combination. Instances carry read-only references into the definition
// tree; their mutable run state lives in the report package.
type Instance struct {
	// Identity is the job name joined with the bound values in
	// axis-declaration order, e.g. "test-1.22-linux".
	Identity string

	// Job is the template this instance was expanded from
	Job *pipeline.Job

	// Bindings maps axis names to the values bound for this instance
	Bindings map[string]string

	// Ordinal is the position of this instance in expansion order,
	// starting at zero
	Ordinal int
}

// Expand converts a job into its ordered sequence of instances. A job with
// zero axes yields a single instance with an empty binding context. The
// product size must not exceed cap (DefaultCap if cap is zero or negative);
// exceeding it, or two combinations deriving the same identity, is a
// ConfigError and yields no instances.
func Expand(job *pipeline.Job, cap int) ([]*Instance, error) {
	if job == nil {
		return nil, errors.NewConfigError("cannot expand a nil job")
	}
	if cap <= 0 {
		cap = DefaultCap
	}

	product := 1
	for _, axis := range job.Matrix {
		if len(axis.Values) == 0 {
			return nil, errors.NewConfigError("matrix axis %q in job %q has no values", axis.Name, job.Name)
		}
		if product > cap/len(axis.Values) {
			return nil, errors.NewConfigError(
				"matrix expansion of job %q exceeds the configured cap of %d instances", job.Name, cap)
		}
		product *= len(axis.Values)
	}

	instances := make([]*Instance, 0, product)
	seen := make(map[string]struct{}, product)

	for ordinal := 0; ordinal < product; ordinal++ {
		bindings := make(map[string]string, len(job.Matrix))
		values := make([]string, len(job.Matrix))

		// Mixed-radix decomposition with the last axis as the least
		// significant digit gives nested-loop enumeration order.
		rest := ordinal
		for i := len(job.Matrix) - 1; i >= 0; i-- {
			axis := job.Matrix[i]
			values[i] = axis.Values[rest%len(axis.Values)]
			bindings[axis.Name] = values[i]
			rest /= len(axis.Values)
		}

		identity := strings.Join(append([]string{job.Name}, values...), IdentitySeparator)
		if _, dup := seen[identity]; dup {
			return nil, errors.NewConfigError(
				"matrix expansion of job %q derives identity %q more than once", job.Name, identity)
		}
		seen[identity] = struct{}{}

		instances = append(instances, &Instance{
			Identity: identity,
			Job:      job,
			Bindings: bindings,
			Ordinal:  ordinal,
		})
	}

	return instances, nil
}

// ExpandStage expands every job of a stage in declaration order and returns
// the concatenated instance sequence. Ordinals are renumbered to be unique
// across the stage so the scheduler can use them directly for FIFO
// submission.
func ExpandStage(stage *pipeline.Stage, cap int) ([]*Instance, error) {
	if stage == nil {
		return nil, errors.NewConfigError("cannot expand a nil stage")
	}

	var all []*Instance
	for i := range stage.Jobs {
		instances, err := Expand(&stage.Jobs[i], cap)
		if err != nil {
			return nil, err
		}
		all = append(all, instances...)
	}

	for i, inst := range all {
		inst.Ordinal = i
	}

	return all, nil
}
