// Package taskstore persists task records. Every lifecycle change after
// creation goes through Transition, a compare-and-swap on the task state; it
// is the only mutual exclusion the pipeline relies on.
package taskstore

import (
	"context"
	"errors"
	"fmt"

	"go-flipqueue/model"
)

var (
	ErrNotFound          = errors.New("task not found")
	ErrInvalidTransition = errors.New("invalid task state transition")
)

type Store interface {
	// NextID reserves a fresh task identifier.
	NextID(ctx context.Context) (int64, error)
	Create(ctx context.Context, task model.Task) error
	Get(ctx context.Context, id int64) (model.Task, error)
	// Transition moves the task from one state to another only if its current
	// state is from. derivedRef must be set exactly when to is Done. It
	// reports false when the task is missing or no longer in state from.
	Transition(ctx context.Context, id int64, from, to model.TaskState, derivedRef string) (bool, error)
}

func checkTransition(from, to model.TaskState, derivedRef string) error {
	if !model.CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	if (to == model.StateDone) != (derivedRef != "") {
		return fmt.Errorf("%w: derived asset must be set exactly when moving to %s", ErrInvalidTransition, model.StateDone)
	}
	return nil
}

func checkNew(task model.Task) error {
	if task.State != model.StateCreated {
		return fmt.Errorf("%w: new tasks start in %s, got %s", ErrInvalidTransition, model.StateCreated, task.State)
	}
	return task.Validate()
}
