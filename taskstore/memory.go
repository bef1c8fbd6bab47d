package taskstore

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go-flipqueue/model"
)

// Memory is an in-process Store with the same compare-and-swap semantics as
// Postgres.
type Memory struct {
	seq   atomic.Int64
	mu    sync.Mutex
	tasks map[int64]model.Task
}

func NewMemory() *Memory {
	return &Memory{tasks: make(map[int64]model.Task)}
}

func (m *Memory) NextID(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return m.seq.Add(1), nil
}

func (m *Memory) Create(ctx context.Context, task model.Task) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := checkNew(task); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[task.ID]; ok {
		return fmt.Errorf("insert task %d: duplicate id", task.ID)
	}
	now := time.Now().UTC()
	task.CreatedAt, task.UpdatedAt = now, now
	m.tasks[task.ID] = task
	return nil
}

func (m *Memory) Get(ctx context.Context, id int64) (model.Task, error) {
	if err := ctx.Err(); err != nil {
		return model.Task{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return model.Task{}, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	return task, nil
}

func (m *Memory) Transition(ctx context.Context, id int64, from, to model.TaskState, derivedRef string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := checkTransition(from, to, derivedRef); err != nil {
		return false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok || task.State != from {
		return false, nil
	}
	task.State = to
	task.DerivedAssetRef = derivedRef
	task.UpdatedAt = time.Now().UTC()
	m.tasks[id] = task
	return true, nil
}

// Delete removes a record. The pipeline never deletes tasks; this exists for
// retention tooling and tests.
func (m *Memory) Delete(id int64) {
	m.mu.Lock()
	delete(m.tasks, id)
	m.mu.Unlock()
}
