// Package worker turns queued tasks into flipped images.
//
// A delivery is only a hint: the worker re-reads the task record and moves
// it forward with compare-and-swap updates, so duplicate and concurrent
// deliveries of the same task are harmless.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/getsentry/sentry-go"
	"go.uber.org/zap"

	"go-flipqueue/blob"
	"go-flipqueue/model"
	"go-flipqueue/queue"
	"go-flipqueue/taskstore"
	"go-flipqueue/transform"
)

type Outcome int

const (
	Ack Outcome = iota
	Nack
)

func (o Outcome) String() string {
	if o == Ack {
		return "ack"
	}
	return "nack"
}

// errStateChanged means another worker moved the task while we were on it.
var errStateChanged = errors.New("task state changed concurrently")

type Worker struct {
	tasks       taskstore.Store
	blobs       blob.Store
	transformer transform.Transformer
	timeout     time.Duration
	logger      *zap.Logger
}

func New(tasks taskstore.Store, blobs blob.Store, transformer transform.Transformer, timeout time.Duration, logger *zap.Logger) *Worker {
	return &Worker{
		tasks:       tasks,
		blobs:       blobs,
		transformer: transformer,
		timeout:     timeout,
		logger:      logger,
	}
}

// Start runs workerCount goroutines, each with its own consumer named
// name-<n>, until ctx is cancelled.
func (w *Worker) Start(ctx context.Context, source queue.Source, name string, workerCount int, wg *sync.WaitGroup) {
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			w.loop(ctx, id, source.Consumer(fmt.Sprintf("%s-%d", name, id)))
		}(i + 1)
	}
}

func (w *Worker) loop(ctx context.Context, id int, consumer queue.Consumer) {
	logger := w.logger.With(zap.Int("worker_id", id))
	logger.Info("worker started")

	for {
		select {
		case <-ctx.Done():
			logger.Info("worker shutting down")
			return
		default:
		}

		deliveries, err := consumer.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			logger.Error("receive failed", zap.Error(err))
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
			continue
		}

		for _, d := range deliveries {
			w.settle(ctx, logger, consumer, d, w.Handle(ctx, d))
		}
	}
}

func (w *Worker) settle(ctx context.Context, logger *zap.Logger, consumer queue.Consumer, d queue.Delivery, outcome Outcome) {
	// Settle even when shutting down so finished work is not redelivered.
	ctx = context.WithoutCancel(ctx)

	var err error
	if outcome == Ack {
		err = consumer.Ack(ctx, d)
	} else {
		err = consumer.Nack(ctx, d)
	}
	if errors.Is(err, queue.ErrNotOwner) {
		logger.Info("delivery was taken over by another consumer, leaving it to them",
			zap.String("message_id", d.ID),
		)
		return
	}
	if err != nil {
		logger.Error("failed to settle delivery",
			zap.String("message_id", d.ID),
			zap.Stringer("outcome", outcome),
			zap.Error(err),
		)
	}
}

// Handle processes one delivery and reports whether it may be acknowledged.
// It never panics.
func (w *Worker) Handle(ctx context.Context, d queue.Delivery) (outcome Outcome) {
	id := d.Item.TaskID
	logger := w.logger.With(zap.Int64("task_id", id), zap.String("message_id", d.ID))

	claimed := false
	defer func() {
		if r := recover(); r != nil {
			sentry.CurrentHub().Recover(r)
			logger.Error("panic while handling task", zap.Any("panic", r), zap.Stack("stack"))
			if claimed {
				outcome = w.fail(ctx, logger, id, fmt.Errorf("panic: %v", r))
			} else {
				outcome = Nack
			}
		}
	}()

	task, err := w.tasks.Get(ctx, id)
	if errors.Is(err, taskstore.ErrNotFound) {
		logger.Warn("dropping delivery for unknown task")
		return Ack
	}
	if err != nil {
		logger.Error("failed to load task", zap.Error(err))
		sentry.CaptureException(err)
		return Nack
	}

	switch task.State {
	case model.StateCreated:
		ok, err := w.tasks.Transition(ctx, id, model.StateCreated, model.StateInProgress, "")
		if err != nil {
			logger.Error("failed to claim task", zap.Error(err))
			return Nack
		}
		if !ok {
			logger.Info("task claimed by another worker, dropping delivery")
			return Ack
		}
	case model.StateInProgress:
		// A redelivery of an unacked message means the worker holding it
		// died or gave up; pick the task up where it stopped.
		if !d.Redelivered {
			logger.Info("task already in progress, dropping duplicate delivery")
			return Ack
		}
		logger.Info("resuming task after redelivery")
	default:
		logger.Debug("task already finished, dropping delivery", zap.String("state", string(task.State)))
		return Ack
	}
	claimed = true

	derived, err := w.complete(ctx, task)
	switch {
	case err == nil:
		logger.Info("task done", zap.String("derived", derived))
		return Ack
	case errors.Is(err, errStateChanged):
		logger.Info("task finished elsewhere, dropping delivery")
		return Ack
	case ctx.Err() != nil:
		// Shutting down; the message stays pending and is resumed later.
		logger.Warn("task interrupted", zap.Error(err))
		return Nack
	default:
		return w.fail(ctx, logger, id, err)
	}
}

// complete runs the fetch, transform, store and Done steps under the
// transform timeout. The steps run on their own goroutine so a transform
// that ignores cancellation cannot hold the worker past the deadline.
func (w *Worker) complete(ctx context.Context, task model.Task) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	type result struct {
		derived string
		err     error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				sentry.CurrentHub().Recover(r)
				done <- result{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		derived, err := w.process(ctx, task)
		done <- result{derived, err}
	}()

	select {
	case res := <-done:
		return res.derived, res.err
	case <-ctx.Done():
		return "", fmt.Errorf("process task %d: %w", task.ID, ctx.Err())
	}
}

func (w *Worker) process(ctx context.Context, task model.Task) (string, error) {
	obj, err := w.blobs.Get(ctx, task.OriginalAssetRef)
	if err != nil {
		return "", fmt.Errorf("fetch original: %w", err)
	}

	contentType := obj.ContentType
	if !transform.Supported(contentType) {
		contentType = mimetype.Detect(obj.Data).String()
	}

	out, err := w.transformer.Apply(obj.Data, contentType)
	if err != nil {
		return "", fmt.Errorf("transform: %w", err)
	}

	derived := model.DerivedKey(task.OriginalAssetRef)
	if err := w.blobs.Put(ctx, derived, out, contentType); err != nil {
		return "", fmt.Errorf("store derived: %w", err)
	}

	ok, err := w.tasks.Transition(ctx, task.ID, model.StateInProgress, model.StateDone, derived)
	if err != nil {
		return "", fmt.Errorf("mark done: %w", err)
	}
	if !ok {
		return "", errStateChanged
	}
	return derived, nil
}

// fail marks a claimed task Failed. If the store cannot be updated the
// delivery is left unacked so it comes back later.
func (w *Worker) fail(ctx context.Context, logger *zap.Logger, id int64, cause error) Outcome {
	logger.Error("task failed", zap.Error(cause))
	sentry.CaptureException(cause)

	ok, err := w.tasks.Transition(context.WithoutCancel(ctx), id, model.StateInProgress, model.StateFailed, "")
	if err != nil {
		logger.Error("failed to mark task failed", zap.Error(err))
		return Nack
	}
	if !ok {
		logger.Info("task left InProgress before it could be marked failed")
	}
	return Ack
}
