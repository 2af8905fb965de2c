package mq

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiralightyagami/polling/keys"
)

// collector 收集处理过的事件
type collector struct {
	mu     sync.Mutex
	events []*Event
}

func (c *collector) handle(_ context.Context, ev *Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return nil
}

func (c *collector) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func (c *collector) ids() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.events))
	for i, ev := range c.events {
		out[i] = ev.ID
	}
	return out
}

func setupRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
	})
	return mr, client
}

func TestNewEvent(t *testing.T) {
	tallies := []uint64{1, 0}
	ev := NewEvent(EventVoteCast, 7, keys.Identity{1}, tallies).WithOption(0)
	tallies[0] = 99

	assert.NotEmpty(t, ev.ID)
	assert.Equal(t, []uint64{1, 0}, ev.Tallies)
	require.NotNil(t, ev.Option)
	assert.Equal(t, 0, *ev.Option)

	bz, err := json.Marshal(NewEvent(EventPollCreated, 7, keys.Identity{}, nil))
	require.NoError(t, err)
	assert.NotContains(t, string(bz), `"option"`)
}

func TestMemoryQueue_DeliversInOrder(t *testing.T) {
	q := NewMemoryQueue(0)
	defer q.Close()
	c := &collector{}

	var want []string
	for i := 0; i < 5; i++ {
		ev := NewEvent(EventVoteCast, 1, keys.Identity{}, nil)
		want = append(want, ev.ID)
		require.NoError(t, q.Publish(context.Background(), ev))
	}
	require.NoError(t, q.Consume(c.handle))

	assert.Eventually(t, func() bool { return c.len() == 5 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, want, c.ids())
}

func TestMemoryQueue_Closed(t *testing.T) {
	q := NewMemoryQueue(1)
	require.NoError(t, q.Close())

	err := q.Publish(context.Background(), NewEvent(EventPollCreated, 1, keys.Identity{}, nil))
	assert.ErrorIs(t, err, ErrQueueClosed)
	assert.ErrorIs(t, q.Consume(func(context.Context, *Event) error { return nil }), ErrQueueClosed)
}

func TestMemoryQueue_PublishRespectsContext(t *testing.T) {
	q := NewMemoryQueue(1)
	defer q.Close()

	require.NoError(t, q.Publish(context.Background(), NewEvent(EventPollCreated, 1, keys.Identity{}, nil)))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := q.Publish(ctx, NewEvent(EventPollCreated, 2, keys.Identity{}, nil))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRedisMQ_PublishConsume(t *testing.T) {
	_, client := setupRedis(t)
	q := NewRedisMQ(client, RedisMQOptions{PollTimeout: 50 * time.Millisecond})
	defer q.Close()
	c := &collector{}
	ctx := context.Background()

	ev := NewEvent(EventVoteCast, 3, keys.Identity{2}, []uint64{0, 1}).WithOption(1)
	require.NoError(t, q.Publish(ctx, ev))
	// 同一事件重复发布只入队一次
	require.NoError(t, q.Publish(ctx, ev))
	assert.Equal(t, int64(1), q.Stats(ctx)["main_queue"])

	require.NoError(t, q.Consume(c.handle))
	assert.Eventually(t, func() bool { return c.len() == 1 }, 2*time.Second, 10*time.Millisecond)

	got := c.events[0]
	assert.Equal(t, ev.ID, got.ID)
	assert.Equal(t, uint32(3), got.PollID)
	assert.Equal(t, []uint64{0, 1}, got.Tallies)

	assert.Eventually(t, func() bool {
		return q.Stats(ctx)["processing_queue"] == 0
	}, time.Second, 10*time.Millisecond)
}

func TestRedisMQ_DeadLetter(t *testing.T) {
	_, client := setupRedis(t)
	q := NewRedisMQ(client, RedisMQOptions{
		PollTimeout: 50 * time.Millisecond,
		RetryDelay:  10 * time.Millisecond,
		MaxRetries:  2,
	})
	defer q.Close()
	ctx := context.Background()

	var (
		mu       sync.Mutex
		attempts int
	)
	require.NoError(t, q.Consume(func(context.Context, *Event) error {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		return errors.New("handler down")
	}))
	require.NoError(t, q.Publish(ctx, NewEvent(EventVoteCast, 1, keys.Identity{}, nil)))

	assert.Eventually(t, func() bool {
		return q.Stats(ctx)["dead_letter_queue"] == 1
	}, 3*time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.Equal(t, 3, attempts) // 首次处理加两次重试
	mu.Unlock()

	n, err := q.RetryDeadLetters(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, int64(0), q.Stats(ctx)["dead_letter_queue"])
}

func TestBuildMessage(t *testing.T) {
	ev := NewEvent(EventVoteCast, 12, keys.Identity{}, []uint64{1})
	msg, err := buildMessage(TopicPollEvents, ev)
	require.NoError(t, err)

	assert.Equal(t, TopicPollEvents, msg.Topic)
	assert.Equal(t, "vote_cast", msg.GetTags())
	assert.Equal(t, ev.ID, msg.GetKeys())
	assert.Equal(t, "12", msg.GetShardingKey())

	var decoded Event
	require.NoError(t, json.Unmarshal(msg.Body, &decoded))
	assert.Equal(t, ev.ID, decoded.ID)
}

func TestProcessedSet(t *testing.T) {
	now := time.Unix(1000, 0)
	s := newProcessedSet(time.Minute, 2)
	s.now = func() time.Time { return now }

	s.Add("a")
	assert.True(t, s.Contains("a"))
	assert.False(t, s.Contains("b"))

	now = now.Add(2 * time.Minute)
	assert.False(t, s.Contains("a"))

	s.Add("b")
	s.Add("c") // 触发清理过期的a
	assert.True(t, s.Contains("b"))
	assert.True(t, s.Contains("c"))
}

func TestNewQueue(t *testing.T) {
	_, client := setupRedis(t)

	q, err := NewQueue(Config{Backend: "memory"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "memory", q.Name())

	q, err = NewQueue(Config{Backend: "none"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "none", q.Name())

	q, err = NewQueue(Config{Backend: "redis"}, client)
	require.NoError(t, err)
	assert.Equal(t, "redis", q.Name())
	require.NoError(t, q.Close())

	_, err = NewQueue(Config{Backend: "redis"}, nil)
	assert.Error(t, err)

	_, err = NewQueue(Config{Backend: "kafka"}, nil)
	assert.Error(t, err)
}
