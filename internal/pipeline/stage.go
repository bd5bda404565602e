package pipeline

import (
	"context"
	"strings"
)

// Stage is one named step of a cycle with its declared data dependencies.
type Stage struct {
	Name   string
	Reads  []Field
	Writes []Field

	// External marks a stage with side effects outside the process. Once an
	// external stage has started the cycle can no longer be canceled: later
	// stages run detached from the caller's cancellation.
	External bool

	Run func(ctx context.Context, st *RunState) error
}

// Step is one position of the pipeline. A step with several stages is a
// fork: its stages run concurrently on the same snapshot and are joined
// before the next step starts.
type Step []Stage

// Validate checks a pipeline definition statically, given the fields that
// are available before the first step.
//
// It rejects a stage that reads a field no earlier step wrote, a field
// written twice, two stages of one fork writing the same field (stages of a
// fork cannot see each other's writes), undeclared fields, missing Run
// functions and duplicate stage names.
func Validate(steps []Step, initial []Field) error {
	available := make(map[Field]bool, len(fieldCopiers))
	for _, f := range initial {
		if _, ok := fieldCopiers[f]; !ok {
			return wiringError("", "unknown input field %s", f)
		}
		available[f] = true
	}

	names := make(map[string]bool)
	for i, step := range steps {
		if len(step) == 0 {
			return wiringError("", "step %d has no stages", i)
		}

		stepWrites := make(map[Field]string)
		for _, stage := range step {
			if stage.Name == "" {
				return wiringError("", "step %d has a stage without a name", i)
			}
			if names[stage.Name] {
				return wiringError(stage.Name, "duplicate stage name")
			}
			names[stage.Name] = true
			if stage.Run == nil {
				return wiringError(stage.Name, "stage has no run function")
			}

			for _, f := range stage.Reads {
				if _, ok := fieldCopiers[f]; !ok {
					return wiringError(stage.Name, "reads unknown field %s", f)
				}
				if available[f] {
					continue
				}
				if writer := forkWriter(step, f); writer != "" && writer != stage.Name {
					return wiringError(stage.Name, "reads %s written by %s in the same fork", f, writer)
				}
				return wiringError(stage.Name, "reads %s before any stage writes it", f)
			}
			for _, f := range stage.Writes {
				if _, ok := fieldCopiers[f]; !ok {
					return wiringError(stage.Name, "writes unknown field %s", f)
				}
				if available[f] {
					return wiringError(stage.Name, "writes %s which is already written", f)
				}
				if writer, ok := stepWrites[f]; ok {
					return wiringError(stage.Name, "writes %s which %s in the same fork also writes", f, writer)
				}
				stepWrites[f] = stage.Name
			}
		}
		for f := range stepWrites {
			available[f] = true
		}
	}
	return nil
}

func forkWriter(step Step, f Field) string {
	for _, stage := range step {
		for _, w := range stage.Writes {
			if w == f {
				return stage.Name
			}
		}
	}
	return ""
}

// String renders a step for logs, e.g. "{explanation, governance}".
func (s Step) String() string {
	names := make([]string, len(s))
	for i, stage := range s {
		names[i] = stage.Name
	}
	if len(names) == 1 {
		return names[0]
	}
	return "{" + strings.Join(names, ", ") + "}"
}

func checkReads(stage Stage, st *RunState) error {
	for _, f := range stage.Reads {
		if !st.Has(f) {
			return wiringError(stage.Name, "%s not available at run time", f)
		}
	}
	return nil
}
