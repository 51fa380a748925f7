// Package resolve substitutes matrix bindings into the strings a job
// instance is about to use: service environment values, step commands and
// step argument values.
//
// Placeholders use the ${name} form, where name references a matrix axis of
// the instance's binding context. Resolution is pure and re-derivable; it is
// applied fresh each time an instance needs a string and never cached across
// instances.
package resolve

import (
	"regexp"

	"github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/pipeline"
)

var placeholderPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_.-]*)\}`)

// String replaces every ${name} placeholder in input with the value bound
// for name. A placeholder referencing a name absent from bindings fails
// with a *errors.ResolutionError naming the offending placeholder.
func String(input string, bindings map[string]string) (string, error) {
	var unresolved *errors.ResolutionError

	out := placeholderPattern.ReplaceAllStringFunc(input, func(match string) string {
		name := match[2 : len(match)-1]
		value, ok := bindings[name]
		if !ok {
			if unresolved == nil {
				unresolved = errors.NewResolutionError(name, input)
			}
			return match
		}
		return value
	})

	if unresolved != nil {
		return "", unresolved
	}
	return out, nil
}

// Step resolves a step's command and argument values against the binding
// context, returning a resolved copy. The input step is not modified.
func Step(step pipeline.Step, bindings map[string]string) (pipeline.Step, error) {
	command, err := String(step.Command, bindings)
	if err != nil {
		return pipeline.Step{}, err
	}

	resolved := pipeline.Step{Kind: step.Kind, Command: command}
	if len(step.Args) > 0 {
		resolved.Args = make([]pipeline.StepArg, len(step.Args))
		for i, arg := range step.Args {
			value, err := String(arg.Value, bindings)
			if err != nil {
				return pipeline.Step{}, err
			}
			resolved.Args[i] = pipeline.StepArg{Name: arg.Name, Value: value}
		}
	}

	return resolved, nil
}

// ServiceEnv resolves a service's environment values against the binding
// context and returns them in "NAME=value" form, preserving declaration
// order.
func ServiceEnv(svc pipeline.Service, bindings map[string]string) ([]string, error) {
	env := make([]string, 0, len(svc.Env))
	for _, entry := range svc.Env {
		value, err := String(entry.Value, bindings)
		if err != nil {
			return nil, err
		}
		env = append(env, entry.Name+"="+value)
	}
	return env, nil
}
