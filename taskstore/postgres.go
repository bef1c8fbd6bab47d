package taskstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"go-flipqueue/model"
)

type Postgres struct {
	dbPool *pgxpool.Pool
	table  string
}

// NewPostgres stores tasks in table, which Migrate must have created.
func NewPostgres(dbPool *pgxpool.Pool, table string) *Postgres {
	return &Postgres{dbPool: dbPool, table: tableIdent(table)}
}

func (s *Postgres) NextID(ctx context.Context) (int64, error) {
	var id int64
	err := s.dbPool.QueryRow(ctx,
		`SELECT nextval(pg_get_serial_sequence($1, 'task_id'))`, s.table).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("reserve task id: %w", err)
	}
	return id, nil
}

func (s *Postgres) Create(ctx context.Context, task model.Task) error {
	if err := checkNew(task); err != nil {
		return err
	}
	_, err := s.dbPool.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s (task_id, original_file_path, task_state)
		VALUES ($1, $2, $3)`, s.table),
		task.ID, task.OriginalAssetRef, task.State,
	)
	if err != nil {
		return fmt.Errorf("insert task %d: %w", task.ID, err)
	}
	return nil
}

func (s *Postgres) Get(ctx context.Context, id int64) (model.Task, error) {
	var (
		task      model.Task
		processed *string
		state     string
	)
	err := s.dbPool.QueryRow(ctx, fmt.Sprintf(`
		SELECT task_id, original_file_path, processed_file_path, task_state, created_at, updated_at
		FROM %s WHERE task_id = $1`, s.table), id).Scan(
		&task.ID, &task.OriginalAssetRef, &processed, &state, &task.CreatedAt, &task.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Task{}, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	if err != nil {
		return model.Task{}, fmt.Errorf("select task %d: %w", id, err)
	}

	task.State, err = model.ParseTaskState(state)
	if err != nil {
		return model.Task{}, fmt.Errorf("task %d: %w", id, err)
	}
	if processed != nil {
		task.DerivedAssetRef = *processed
	}
	return task, nil
}

func (s *Postgres) Transition(ctx context.Context, id int64, from, to model.TaskState, derivedRef string) (bool, error) {
	if err := checkTransition(from, to, derivedRef); err != nil {
		return false, err
	}

	var processed *string
	if derivedRef != "" {
		processed = &derivedRef
	}

	cmdTag, err := s.dbPool.Exec(ctx, fmt.Sprintf(`
		UPDATE %s
		SET task_state = $3, processed_file_path = $4, updated_at = CURRENT_TIMESTAMP
		WHERE task_id = $1 AND task_state = $2`, s.table),
		id, from, to, processed,
	)
	if err != nil {
		return false, fmt.Errorf("transition task %d %s -> %s: %w", id, from, to, err)
	}
	return cmdTag.RowsAffected() == 1, nil
}
