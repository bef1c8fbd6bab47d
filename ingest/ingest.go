// Package ingest accepts uploaded images and turns them into queued tasks.
package ingest

import (
	"context"
	"errors"
	"fmt"

	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"

	"go-flipqueue/blob"
	"go-flipqueue/model"
	"go-flipqueue/queue"
	"go-flipqueue/taskstore"
	"go-flipqueue/transform"
)

var (
	ErrEmptyUpload     = errors.New("no image uploaded")
	ErrTooLarge        = errors.New("image exceeds the upload limit")
	ErrUnsupportedType = errors.New("unsupported image type")
)

// Upload is one image received from a client. ContentType is what the client
// declared; the stored type is sniffed from Data.
type Upload struct {
	Filename    string
	ContentType string
	Data        []byte
}

type Service struct {
	blobs    blob.Store
	tasks    taskstore.Store
	queue    queue.Producer
	maxBytes int64
	logger   *zap.Logger
}

func NewService(blobs blob.Store, tasks taskstore.Store, q queue.Producer, maxBytes int64, logger *zap.Logger) *Service {
	return &Service{blobs: blobs, tasks: tasks, queue: q, maxBytes: maxBytes, logger: logger}
}

// Submit stores the original image, records the task and enqueues it, in that
// order. The id is returned only when all three succeeded. A failed step is
// not retried; resubmitting creates a new task.
func (s *Service) Submit(ctx context.Context, up Upload) (int64, error) {
	if len(up.Data) == 0 {
		return 0, ErrEmptyUpload
	}
	if int64(len(up.Data)) > s.maxBytes {
		return 0, fmt.Errorf("%w: %d bytes, limit %d", ErrTooLarge, len(up.Data), s.maxBytes)
	}
	mtype := mimetype.Detect(up.Data)
	if !transform.Supported(mtype.String()) {
		return 0, fmt.Errorf("%w: %s", ErrUnsupportedType, mtype.String())
	}

	id, err := s.tasks.NextID(ctx)
	if err != nil {
		return 0, fmt.Errorf("reserve task id: %w", err)
	}
	logger := s.logger.With(zap.Int64("task_id", id))

	key := model.OriginalKey(id, up.Filename, mtype.Extension())
	if err := s.blobs.Put(ctx, key, up.Data, mtype.String()); err != nil {
		logger.Error("failed to store original image", zap.String("key", key), zap.Error(err))
		return 0, fmt.Errorf("store original: %w", err)
	}

	task := model.Task{ID: id, State: model.StateCreated, OriginalAssetRef: key}
	if err := s.tasks.Create(ctx, task); err != nil {
		logger.Error("failed to create task record", zap.Error(err))
		return 0, fmt.Errorf("create task: %w", err)
	}

	// If this fails the record stays Created and nothing will pick it up.
	if err := s.queue.Enqueue(ctx, model.NewWorkItem(task)); err != nil {
		logger.Error("failed to enqueue task", zap.Error(err))
		return 0, fmt.Errorf("enqueue task: %w", err)
	}

	logger.Info("task submitted",
		zap.String("key", key),
		zap.String("content_type", mtype.String()),
		zap.String("declared_type", up.ContentType),
		zap.Int("size", len(up.Data)),
	)
	return id, nil
}

// IsClientError reports whether err was caused by the upload itself.
func IsClientError(err error) bool {
	return errors.Is(err, ErrEmptyUpload) || errors.Is(err, ErrTooLarge) || errors.Is(err, ErrUnsupportedType)
}
