package cache

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Cache is the caching interface. All cache operations go through here.
// Implementations must be safe for concurrent use.
type Cache interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Delete(ctx context.Context, key string) error
	Ping(ctx context.Context) error
	IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error)

	RequestCancel(ctx context.Context, jobID uuid.UUID, ttl time.Duration) error
	IsCancelRequested(ctx context.Context, jobID uuid.UUID) (bool, error)
	ClearCancel(ctx context.Context, jobID uuid.UUID) error

	PublishJobUpdate(ctx context.Context, jobID uuid.UUID, status string) error
	SubscribeJobUpdates(ctx context.Context, jobID uuid.UUID) (Subscription, error)
}

// Subscription delivers update notifications for a single job.
type Subscription interface {
	// Updates is closed after Close.
	Updates() <-chan string
	Close() error
}

// RedisCache implements the Cache interface using go-redis/v9.
type RedisCache struct {
	client *redis.Client
}

var _ Cache = (*RedisCache)(nil)

// NewRedisCache creates a new RedisCache from a Redis URL.
func NewRedisCache(redisURL string) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	return &RedisCache{client: redis.NewClient(opts)}, nil
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return c.client.Set(ctx, key, value, ttl).Err()
}

func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := c.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

func (c *RedisCache) Delete(ctx context.Context, key string) error {
	return c.client.Del(ctx, key).Err()
}

func (c *RedisCache) IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error) {
	pipe := c.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, expiry)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

// --- Cooperative cancellation ---

// RequestCancel raises the cancellation flag for a streaming job. The worker
// polls it between flushes. The ttl bounds how long an unobserved flag lingers.
func (c *RedisCache) RequestCancel(ctx context.Context, jobID uuid.UUID, ttl time.Duration) error {
	return c.client.Set(ctx, CancelKey(jobID), "1", ttl).Err()
}

func (c *RedisCache) IsCancelRequested(ctx context.Context, jobID uuid.UUID) (bool, error) {
	n, err := c.client.Exists(ctx, CancelKey(jobID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (c *RedisCache) ClearCancel(ctx context.Context, jobID uuid.UUID) error {
	return c.client.Del(ctx, CancelKey(jobID)).Err()
}

// --- Update notifications ---

// PublishJobUpdate notifies watchers that the job row changed. The payload is
// only a hint; subscribers re-read the job from the store.
func (c *RedisCache) PublishJobUpdate(ctx context.Context, jobID uuid.UUID, status string) error {
	return c.client.Publish(ctx, JobUpdatesChannel(jobID), status).Err()
}

// SubscribeJobUpdates opens a pub/sub subscription for one job. The returned
// subscription must be closed by the caller.
func (c *RedisCache) SubscribeJobUpdates(ctx context.Context, jobID uuid.UUID) (Subscription, error) {
	ps := c.client.Subscribe(ctx, JobUpdatesChannel(jobID))
	// Wait for the subscribe confirmation so no publish after this call is missed.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, err
	}
	return newSubscription(ps), nil
}

// redisSubscription coalesces notifications: a slow reader sees at least one
// pending notification, never a backlog.
type redisSubscription struct {
	ps   *redis.PubSub
	ch   chan string
	done chan struct{}
	once sync.Once
}

func newSubscription(ps *redis.PubSub) *redisSubscription {
	s := &redisSubscription{ps: ps, ch: make(chan string, 1), done: make(chan struct{})}
	go s.forward()
	return s
}

func (s *redisSubscription) forward() {
	defer close(s.ch)
	for msg := range s.ps.Channel() {
		select {
		case s.ch <- msg.Payload:
		case <-s.done:
			return
		default:
		}
	}
}

func (s *redisSubscription) Updates() <-chan string {
	return s.ch
}

func (s *redisSubscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.ps.Close()
	})
	return err
}
