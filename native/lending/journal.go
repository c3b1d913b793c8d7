package lending

import (
	"context"
	"errors"
	"fmt"
)

// journal records compensating actions for fund movements that already
// completed so a failed operation can be unwound in reverse order.
type journal struct {
	steps []journalStep
}

type journalStep struct {
	name string
	undo func(context.Context) error
}

func (j *journal) record(name string, undo func(context.Context) error) {
	j.steps = append(j.steps, journalStep{name: name, undo: undo})
}

func (j *journal) rollback(ctx context.Context) error {
	var errs []error
	for i := len(j.steps) - 1; i >= 0; i-- {
		step := j.steps[i]
		if err := step.undo(ctx); err != nil {
			errs = append(errs, fmt.Errorf("undo %s: %w", step.name, err))
		}
	}
	j.steps = nil
	return errors.Join(errs...)
}
