// Package queue carries task-ready notifications from ingestion to workers
// with at-least-once delivery.
package queue

import (
	"context"
	"errors"

	"go-flipqueue/model"
)

var (
	ErrClosed = errors.New("queue is closed")
	// ErrNotOwner is returned by Ack when the message was handed to another
	// consumer in the meantime; the delivery must be left to that consumer.
	ErrNotOwner = errors.New("delivery is owned by another consumer")
)

// Delivery is one received message. Redelivered is set when the message was
// handed out before and never acknowledged.
type Delivery struct {
	ID          string
	Item        model.WorkItem
	Redelivered bool
}

type Producer interface {
	Enqueue(ctx context.Context, item model.WorkItem) error
}

type Consumer interface {
	// Receive blocks until messages are available, the backend's poll
	// interval elapses (empty result) or ctx is done.
	Receive(ctx context.Context) ([]Delivery, error)
	Ack(ctx context.Context, d Delivery) error
	// Nack gives the message back for a later redelivery.
	Nack(ctx context.Context, d Delivery) error
}

// Source hands out named consumers that share one delivery group.
type Source interface {
	Consumer(name string) Consumer
}
