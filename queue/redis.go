package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"go-flipqueue/config"
	"go-flipqueue/model"
)

const payloadField = "payload"

// Entries are read one at a time so none sits idle in a local batch long
// enough to be reclaimed by another consumer.
const batchSize = 1

// ackIfOwned acknowledges an entry only while it is still pending for the
// given consumer. After XAUTOCLAIM moved it elsewhere, the new owner is the
// only one allowed to settle it.
var ackIfOwned = redis.NewScript(`
local owned = redis.call('XPENDING', KEYS[1], ARGV[1], ARGV[2], ARGV[2], 1, ARGV[3])
if #owned == 0 then
	return -1
end
return redis.call('XACK', KEYS[1], ARGV[1], ARGV[2])
`)

// RedisStream is a work queue on a Redis stream with a consumer group.
// Entries stay in the group's pending list until acknowledged; entries idle
// longer than ReclaimIdle are claimed by another consumer and redelivered.
type RedisStream struct {
	client redis.UniversalClient
	cfg    config.QueueConfig
	logger *zap.Logger

	mu         sync.Mutex
	groupReady bool
}

func NewRedisStream(client redis.UniversalClient, cfg config.QueueConfig, logger *zap.Logger) *RedisStream {
	return &RedisStream{client: client, cfg: cfg, logger: logger}
}

func (q *RedisStream) Enqueue(ctx context.Context, item model.WorkItem) error {
	data, err := json.Marshal(item)
	if err != nil {
		return err
	}
	err = q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.cfg.Stream,
		MaxLen: q.cfg.MaxLen,
		Approx: true,
		Values: map[string]any{payloadField: string(data)},
	}).Err()
	if err != nil {
		return fmt.Errorf("enqueue task %d: %w", item.TaskID, err)
	}
	return nil
}

// EnsureGroup creates the consumer group (and the stream) if needed.
func (q *RedisStream) EnsureGroup(ctx context.Context) error {
	err := q.client.XGroupCreateMkStream(ctx, q.cfg.Stream, q.cfg.Group, "0").Err()
	// BUSYGROUP means the group already exists.
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group %s: %w", q.cfg.Group, err)
	}
	return nil
}

// PruneConsumers removes consumers of the group that have nothing pending and
// have been idle for at least idle. Consumers with pending entries are kept;
// deleting them would drop those entries from the group.
func (q *RedisStream) PruneConsumers(ctx context.Context, idle time.Duration) (int, error) {
	consumers, err := q.client.XInfoConsumers(ctx, q.cfg.Stream, q.cfg.Group).Result()
	if err != nil {
		return 0, fmt.Errorf("list consumers of %s: %w", q.cfg.Group, err)
	}

	pruned := 0
	for _, c := range consumers {
		if c.Pending > 0 || c.Idle < idle {
			continue
		}
		if err := q.client.XGroupDelConsumer(ctx, q.cfg.Stream, q.cfg.Group, c.Name).Err(); err != nil {
			return pruned, fmt.Errorf("delete consumer %s: %w", c.Name, err)
		}
		q.logger.Info("removed idle consumer", zap.String("consumer", c.Name), zap.Duration("idle", c.Idle))
		pruned++
	}
	return pruned, nil
}

func (q *RedisStream) ensureGroupOnce(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.groupReady {
		return nil
	}
	if err := q.EnsureGroup(ctx); err != nil {
		return err
	}
	q.groupReady = true
	return nil
}

func (q *RedisStream) Consumer(name string) Consumer {
	return &streamConsumer{q: q, name: name, backlogFrom: "0"}
}

type streamConsumer struct {
	q         *RedisStream
	name      string
	lastClaim time.Time
	claimFrom string
	// backlogFrom walks entries still pending for this consumer name from a
	// previous run. Empty once the backlog is drained.
	backlogFrom string
}

func (c *streamConsumer) Receive(ctx context.Context) ([]Delivery, error) {
	if err := c.q.ensureGroupOnce(ctx); err != nil {
		return nil, err
	}

	if c.backlogFrom != "" {
		backlog, err := c.read(ctx, c.backlogFrom, 0)
		if err != nil {
			return nil, err
		}
		if len(backlog) > 0 {
			c.backlogFrom = backlog[len(backlog)-1].ID
			return c.decode(ctx, backlog, true), nil
		}
		c.backlogFrom = ""
	}

	if time.Since(c.lastClaim) >= c.q.cfg.ReclaimIdle/2 {
		claimed, err := c.reclaim(ctx)
		if err != nil {
			return nil, err
		}
		if len(claimed) > 0 {
			return claimed, nil
		}
	}

	msgs, err := c.read(ctx, ">", c.q.cfg.BlockTimeout)
	if err != nil {
		return nil, err
	}
	return c.decode(ctx, msgs, false), nil
}

// read reads from the group starting after id; ">" means new entries.
func (c *streamConsumer) read(ctx context.Context, id string, block time.Duration) ([]redis.XMessage, error) {
	args := &redis.XReadGroupArgs{
		Group:    c.q.cfg.Group,
		Consumer: c.name,
		Streams:  []string{c.q.cfg.Stream, id},
		Count:    batchSize,
		Block:    block,
	}
	if block == 0 {
		// Zero would block forever.
		args.Block = -1
	}
	streams, err := c.q.client.XReadGroup(ctx, args).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		if strings.HasPrefix(err.Error(), "NOGROUP") {
			// The stream was deleted under us; recreate it on the next call.
			c.q.mu.Lock()
			c.q.groupReady = false
			c.q.mu.Unlock()
		}
		return nil, fmt.Errorf("read group %s: %w", c.q.cfg.Group, err)
	}

	var out []redis.XMessage
	for _, s := range streams {
		out = append(out, s.Messages...)
	}
	return out, nil
}

// reclaim takes over entries another consumer received but never acked,
// e.g. because it crashed or nacked them.
func (c *streamConsumer) reclaim(ctx context.Context) ([]Delivery, error) {
	c.lastClaim = time.Now()
	if c.claimFrom == "" {
		c.claimFrom = "0-0"
	}

	msgs, next, err := c.q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   c.q.cfg.Stream,
		Group:    c.q.cfg.Group,
		Consumer: c.name,
		MinIdle:  c.q.cfg.ReclaimIdle,
		Start:    c.claimFrom,
		Count:    batchSize,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("autoclaim %s: %w", c.q.cfg.Stream, err)
	}
	c.claimFrom = next

	return c.decode(ctx, msgs, true), nil
}

func (c *streamConsumer) decode(ctx context.Context, msgs []redis.XMessage, redelivered bool) []Delivery {
	out := make([]Delivery, 0, len(msgs))
	for _, m := range msgs {
		raw, ok := m.Values[payloadField].(string)
		var item model.WorkItem
		if ok {
			ok = json.Unmarshal([]byte(raw), &item) == nil && item.TaskID > 0
		}
		if !ok {
			// A malformed entry would be redelivered forever.
			c.q.logger.Warn("dropping undecodable queue entry",
				zap.String("message_id", m.ID),
				zap.Any("values", m.Values),
			)
			if err := c.q.client.XAck(ctx, c.q.cfg.Stream, c.q.cfg.Group, m.ID).Err(); err != nil {
				c.q.logger.Error("failed to ack undecodable entry", zap.String("message_id", m.ID), zap.Error(err))
			}
			continue
		}
		out = append(out, Delivery{ID: m.ID, Item: item, Redelivered: redelivered})
	}
	return out
}

func (c *streamConsumer) Ack(ctx context.Context, d Delivery) error {
	n, err := ackIfOwned.Run(ctx, c.q.client,
		[]string{c.q.cfg.Stream}, c.q.cfg.Group, d.ID, c.name,
	).Int64()
	if err != nil {
		return fmt.Errorf("ack %s: %w", d.ID, err)
	}
	if n < 0 {
		return fmt.Errorf("ack %s by %s: %w", d.ID, c.name, ErrNotOwner)
	}
	return nil
}

// Nack leaves the entry pending; reclaim picks it up once it has been idle
// for ReclaimIdle.
func (c *streamConsumer) Nack(ctx context.Context, d Delivery) error {
	return nil
}
