package queue

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap/zaptest"

	"go-flipqueue/config"
)

func startRedis(t *testing.T) *redis.Client {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping redis integration test in short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
		},
		Started: true,
	})
	testcontainers.CleanupContainer(t, container)
	require.NoError(t, err)

	endpoint, err := container.Endpoint(ctx, "")
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: endpoint})
	t.Cleanup(func() { _ = client.Close() })
	require.NoError(t, client.Ping(ctx).Err())
	return client
}

func testQueueConfig(stream string) config.QueueConfig {
	return config.QueueConfig{
		Stream:       stream,
		Group:        stream + "-workers",
		MaxLen:       1000,
		BlockTimeout: 200 * time.Millisecond,
		ReclaimIdle:  300 * time.Millisecond,
	}
}

func receiveOne(t *testing.T, c Consumer) Delivery {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		ds, err := c.Receive(context.Background())
		require.NoError(t, err)
		if len(ds) > 0 {
			require.Len(t, ds, 1)
			return ds[0]
		}
	}
	t.Fatal("no delivery received")
	return Delivery{}
}

func TestRedisStreamRoundTrip(t *testing.T) {
	client := startRedis(t)
	ctx := context.Background()
	q := NewRedisStream(client, testQueueConfig("roundtrip"), zaptest.NewLogger(t))

	require.NoError(t, q.EnsureGroup(ctx))
	// Creating the group twice is fine.
	require.NoError(t, q.EnsureGroup(ctx))

	require.NoError(t, q.Enqueue(ctx, item(42)))

	c := q.Consumer("c1")
	d := receiveOne(t, c)
	assert.Equal(t, int64(42), d.Item.TaskID)
	assert.Equal(t, "tasks/x/a.jpg", d.Item.OriginalFilePath)
	assert.False(t, d.Redelivered)

	require.NoError(t, c.Ack(ctx, d))
	pending, err := client.XPending(ctx, "roundtrip", "roundtrip-workers").Result()
	require.NoError(t, err)
	assert.Zero(t, pending.Count)
}

func TestRedisStreamRedeliversUnacked(t *testing.T) {
	client := startRedis(t)
	ctx := context.Background()
	q := NewRedisStream(client, testQueueConfig("redeliver"), zaptest.NewLogger(t))
	require.NoError(t, q.Enqueue(ctx, item(7)))

	first := q.Consumer("crashed")
	d := receiveOne(t, first)
	require.NoError(t, first.Nack(ctx, d))

	// Another consumer takes the entry over once it has been idle long enough.
	time.Sleep(400 * time.Millisecond)
	second := q.Consumer("survivor")
	again := receiveOne(t, second)
	assert.Equal(t, d.ID, again.ID)
	assert.Equal(t, int64(7), again.Item.TaskID)
	assert.True(t, again.Redelivered)
	require.NoError(t, second.Ack(ctx, again))
}

func TestRedisStreamDropsMalformedEntries(t *testing.T) {
	client := startRedis(t)
	ctx := context.Background()
	cfg := testQueueConfig("malformed")
	q := NewRedisStream(client, cfg, zaptest.NewLogger(t))
	require.NoError(t, q.EnsureGroup(ctx))

	require.NoError(t, client.XAdd(ctx, &redis.XAddArgs{
		Stream: cfg.Stream,
		Values: map[string]any{payloadField: "{not json"},
	}).Err())
	require.NoError(t, q.Enqueue(ctx, item(3)))

	d := receiveOne(t, q.Consumer("c1"))
	assert.Equal(t, int64(3), d.Item.TaskID)

	pending, err := client.XPending(ctx, cfg.Stream, cfg.Group).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), pending.Count)
}

func TestRedisStreamAckAfterReclaimIsRefused(t *testing.T) {
	client := startRedis(t)
	ctx := context.Background()
	cfg := testQueueConfig("handover")
	q := NewRedisStream(client, cfg, zaptest.NewLogger(t))
	require.NoError(t, q.Enqueue(ctx, item(11)))

	slow := q.Consumer("slow")
	d := receiveOne(t, slow)

	// slow sits on the entry past ReclaimIdle and fast takes it over.
	time.Sleep(400 * time.Millisecond)
	fast := q.Consumer("fast")
	taken := receiveOne(t, fast)
	require.Equal(t, d.ID, taken.ID)
	require.True(t, taken.Redelivered)

	// The late ack from slow must not settle an entry fast now owns.
	assert.ErrorIs(t, slow.Ack(ctx, d), ErrNotOwner)
	pending, err := client.XPending(ctx, cfg.Stream, cfg.Group).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), pending.Count)
	assert.Equal(t, int64(1), pending.Consumers["fast"])

	require.NoError(t, fast.Ack(ctx, taken))
	pending, err = client.XPending(ctx, cfg.Stream, cfg.Group).Result()
	require.NoError(t, err)
	assert.Zero(t, pending.Count)
}

func TestRedisStreamReadsOneEntryAtATime(t *testing.T) {
	client := startRedis(t)
	ctx := context.Background()
	q := NewRedisStream(client, testQueueConfig("single"), zaptest.NewLogger(t))
	for i := int64(1); i <= 3; i++ {
		require.NoError(t, q.Enqueue(ctx, item(i)))
	}

	c := q.Consumer("c1")
	for i := int64(1); i <= 3; i++ {
		d := receiveOne(t, c)
		assert.Equal(t, i, d.Item.TaskID)
		require.NoError(t, c.Ack(ctx, d))
	}
}

func TestRedisStreamPruneConsumers(t *testing.T) {
	client := startRedis(t)
	ctx := context.Background()
	cfg := testQueueConfig("prune")
	q := NewRedisStream(client, cfg, zaptest.NewLogger(t))
	require.NoError(t, q.Enqueue(ctx, item(1)))
	require.NoError(t, q.Enqueue(ctx, item(2)))

	done := q.Consumer("finished")
	d := receiveOne(t, done)
	require.NoError(t, done.Ack(ctx, d))

	busy := q.Consumer("busy")
	receiveOne(t, busy)

	time.Sleep(50 * time.Millisecond)
	pruned, err := q.PruneConsumers(ctx, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 1, pruned)

	consumers, err := client.XInfoConsumers(ctx, cfg.Stream, cfg.Group).Result()
	require.NoError(t, err)
	require.Len(t, consumers, 1)
	assert.Equal(t, "busy", consumers[0].Name)
	assert.Equal(t, int64(1), consumers[0].Pending)
}

func TestRedisStreamRestartedConsumerResumesItsBacklog(t *testing.T) {
	client := startRedis(t)
	ctx := context.Background()
	cfg := testQueueConfig("restart")
	cfg.ReclaimIdle = time.Hour
	q := NewRedisStream(client, cfg, zaptest.NewLogger(t))
	require.NoError(t, q.Enqueue(ctx, item(5)))
	require.NoError(t, q.Enqueue(ctx, item(6)))

	before := q.Consumer("host-1")
	first := receiveOne(t, before)
	require.Equal(t, int64(5), first.Item.TaskID)

	// Same name after a restart: the unacked entry comes back right away,
	// without waiting for ReclaimIdle, followed by new work.
	after := q.Consumer("host-1")
	again := receiveOne(t, after)
	assert.Equal(t, first.ID, again.ID)
	assert.True(t, again.Redelivered)
	require.NoError(t, after.Ack(ctx, again))

	next := receiveOne(t, after)
	assert.Equal(t, int64(6), next.Item.TaskID)
	assert.False(t, next.Redelivered)
}
