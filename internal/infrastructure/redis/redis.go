package redis

import (
	"context"
	"fmt"
	"sync"
	"time"

	"supportchat-ws/internal/domain"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker/v2"
)

const (
	queueSize = 1024
	opTimeout = 2 * time.Second
)

type op struct {
	name string
	run  func(ctx context.Context) error
}

// RedisClient mirrors this instance's presence, typing and admin status into
// Redis so every instance can read the cluster-wide view. Writes are queued and
// applied in order by one worker; callers never block on Redis.
type RedisClient struct {
	client      *redis.Client
	instanceID  string
	readTimeout time.Duration

	breaker       *gobreaker.CircuitBreaker[[]domain.PresenceEntry]
	statusBreaker *gobreaker.CircuitBreaker[[]domain.AdminStatus]
	typingBreaker *gobreaker.CircuitBreaker[[]domain.TypingState]

	mu     sync.RWMutex
	closed bool
	ops    chan op
	done   chan struct{}
}

func NewRedisClient(addr, password, instanceID string, readTimeout time.Duration) *RedisClient {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       0,
	})
	return newClient(client, instanceID, readTimeout)
}

func newClient(client *redis.Client, instanceID string, readTimeout time.Duration) *RedisClient {
	if readTimeout <= 0 {
		readTimeout = 3 * time.Second
	}
	r := &RedisClient{
		client:      client,
		instanceID:  instanceID,
		readTimeout: readTimeout,
		ops:         make(chan op, queueSize),
		done:        make(chan struct{}),
	}
	r.breaker = newBreaker[[]domain.PresenceEntry]("redis-roster")
	r.statusBreaker = newBreaker[[]domain.AdminStatus]("redis-admin-status")
	r.typingBreaker = newBreaker[[]domain.TypingState]("redis-typing")
	go r.worker()
	return r
}

// newBreaker opens after three consecutive read failures and retries after 30s.
func newBreaker[T any](name string) *gobreaker.CircuitBreaker[T] {
	return gobreaker.NewCircuitBreaker[T](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state changed")
		},
	})
}

func (r *RedisClient) worker() {
	defer close(r.done)
	defer func() {
		if rec := recover(); rec != nil {
			log.Error().Interface("panic", rec).Msg("redis mirror worker recovered from panic")
		}
	}()
	for o := range r.ops {
		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		if err := o.run(ctx); err != nil {
			log.Warn().Err(err).Str("op", o.name).Msg("redis mirror write failed")
		}
		cancel()
	}
}

// enqueue schedules a write. A full queue drops the write; the next change of
// the same key repairs it.
func (r *RedisClient) enqueue(name string, run func(ctx context.Context) error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	select {
	case r.ops <- op{name: name, run: run}:
	default:
		log.Warn().Str("op", name).Msg("redis mirror queue full, dropping write")
	}
}

func (r *RedisClient) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close drains pending writes, removes this instance's presence and closes the client.
func (r *RedisClient) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.ops)
	r.mu.Unlock()
	<-r.done

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	if err := r.clearInstance(ctx); err != nil {
		log.Warn().Err(err).Msg("failed to clear instance presence")
	}
	if err := r.client.Close(); err != nil {
		return fmt.Errorf("close redis client: %w", err)
	}
	return nil
}
