package queue

import (
	"context"
	"strconv"
	"sync"
	"time"

	"go-flipqueue/model"
)

// Memory is an in-process queue with the same at-least-once contract as
// RedisStream: received messages stay pending until acked, nacked messages
// are delivered again.
type Memory struct {
	pollInterval time.Duration

	mu      sync.Mutex
	closed  bool
	seq     int
	ready   []Delivery
	pending map[string]Delivery
	notify  chan struct{}
}

func NewMemory(pollInterval time.Duration) *Memory {
	return &Memory{
		pollInterval: pollInterval,
		pending:      make(map[string]Delivery),
		notify:       make(chan struct{}, 1),
	}
}

func (m *Memory) Enqueue(ctx context.Context, item model.WorkItem) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.seq++
	m.ready = append(m.ready, Delivery{ID: strconv.Itoa(m.seq), Item: item})
	m.mu.Unlock()
	m.wake()
	return nil
}

// Redeliver puts a message on the queue again as if its first delivery had
// been lost.
func (m *Memory) Redeliver(d Delivery) {
	d.Redelivered = true
	m.mu.Lock()
	m.ready = append(m.ready, d)
	m.mu.Unlock()
	m.wake()
}

func (m *Memory) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
}

// Consumer returns the queue itself; all in-process consumers share it.
func (m *Memory) Consumer(string) Consumer {
	return m
}

func (m *Memory) Receive(ctx context.Context) ([]Delivery, error) {
	timer := time.NewTimer(m.pollInterval)
	defer timer.Stop()

	for {
		if d, ok := m.pop(); ok {
			return []Delivery{d}, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, nil
		case <-m.notify:
		}
	}
}

func (m *Memory) pop() (Delivery, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.ready) == 0 {
		return Delivery{}, false
	}
	d := m.ready[0]
	m.ready = m.ready[1:]
	m.pending[d.ID] = d
	if len(m.ready) > 0 {
		select {
		case m.notify <- struct{}{}:
		default:
		}
	}
	return d, true
}

func (m *Memory) Ack(ctx context.Context, d Delivery) error {
	m.mu.Lock()
	delete(m.pending, d.ID)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Nack(ctx context.Context, d Delivery) error {
	m.mu.Lock()
	_, ok := m.pending[d.ID]
	delete(m.pending, d.ID)
	m.mu.Unlock()
	if ok {
		m.Redeliver(d)
	}
	return nil
}

// Len is the number of messages waiting to be received.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.ready)
}

// Pending is the number of received but unacknowledged messages.
func (m *Memory) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

func (m *Memory) wake() {
	select {
	case m.notify <- struct{}{}:
	default:
	}
}
