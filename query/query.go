// Package query answers read-only questions about tasks and their images.
package query

import (
	"context"
	"errors"
	"fmt"

	"go-flipqueue/blob"
	"go-flipqueue/model"
	"go-flipqueue/taskstore"
)

var (
	ErrTaskNotFound   = errors.New("task not found")
	ErrUnknownVariant = errors.New("unknown asset variant")
)

// AssetNotReadyError reports a task that exists but does not have the
// requested asset yet.
type AssetNotReadyError struct {
	TaskID  int64
	Variant model.Variant
	State   model.TaskState
}

func (e *AssetNotReadyError) Error() string {
	return fmt.Sprintf("task %d has no %s asset in state %s", e.TaskID, e.Variant, e.State)
}

// ErrAssetNotReady matches any *AssetNotReadyError with errors.Is.
var ErrAssetNotReady = &AssetNotReadyError{}

func (e *AssetNotReadyError) Is(target error) bool {
	return target == ErrAssetNotReady
}

type AssetLocation struct {
	TaskID  int64         `json:"taskId"`
	Variant model.Variant `json:"variant"`
	Key     string        `json:"key"`
	URL     string        `json:"url"`
}

type Service struct {
	tasks taskstore.Store
	blobs blob.Store
}

func NewService(tasks taskstore.Store, blobs blob.Store) *Service {
	return &Service{tasks: tasks, blobs: blobs}
}

func (s *Service) GetTask(ctx context.Context, id int64) (model.Task, error) {
	task, err := s.tasks.Get(ctx, id)
	if errors.Is(err, taskstore.ErrNotFound) {
		return model.Task{}, fmt.Errorf("%w: %d", ErrTaskNotFound, id)
	}
	if err != nil {
		return model.Task{}, fmt.Errorf("get task %d: %w", id, err)
	}
	return task, nil
}

// GetAsset resolves a variant of a task's image to a location. The flipped
// variant is not ready until the task is Done.
func (s *Service) GetAsset(ctx context.Context, id int64, variant model.Variant) (AssetLocation, error) {
	task, err := s.GetTask(ctx, id)
	if err != nil {
		return AssetLocation{}, err
	}

	var key string
	switch variant {
	case model.VariantOriginal:
		key = task.OriginalAssetRef
	case model.VariantFlipped:
		key = task.DerivedAssetRef
	default:
		return AssetLocation{}, fmt.Errorf("%w: %q", ErrUnknownVariant, variant)
	}
	if key == "" {
		return AssetLocation{}, &AssetNotReadyError{TaskID: id, Variant: variant, State: task.State}
	}

	url, err := s.blobs.Locate(ctx, key)
	if errors.Is(err, blob.ErrNotFound) {
		// Recorded but the object is gone from the bucket.
		return AssetLocation{}, &AssetNotReadyError{TaskID: id, Variant: variant, State: task.State}
	}
	if err != nil {
		return AssetLocation{}, fmt.Errorf("locate %s: %w", key, err)
	}

	return AssetLocation{TaskID: id, Variant: variant, Key: key, URL: url}, nil
}
