package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/webcall-app/realtime/internal/v1/logging"
	"github.com/webcall-app/realtime/internal/v1/metrics"
)

const presenceTTL = time.Hour

// RedisBus is the cross-process SignalBus. Signals travel on
// "room:{uuid}:signals", chat on the sibling "room:{uuid}:chat", and presence
// lives in the hash "room:{uuid}:presence" with a one-hour TTL.
//
// Publishes run through a circuit breaker: when Redis is down messages are
// dropped rather than crashing the hot path.
type RedisBus struct {
	client *redis.Client
	cb     *gobreaker.CircuitBreaker
}

// NewRedisBus creates a Redis-backed bus and verifies connectivity.
func NewRedisBus(addr, password string) (*RedisBus, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           0,
		DialTimeout:  10 * time.Second,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	st := gobreaker.Settings{
		Name:        "redis-bus",
		MaxRequests: 5,
		Interval:    time.Minute,
		Timeout:     15 * time.Second,
		OnStateChange: func(name string, from, to gobreaker.State) {
			var stateVal float64
			switch to {
			case gobreaker.StateClosed:
				stateVal = 0
			case gobreaker.StateOpen:
				stateVal = 1
			case gobreaker.StateHalfOpen:
				stateVal = 2
			}
			metrics.CircuitBreakerState.WithLabelValues("redis").Set(stateVal)
		},
	}

	logging.Info(context.Background(), "connected to Redis pub/sub", zap.String("addr", addr))
	return &RedisBus{client: rdb, cb: gobreaker.NewCircuitBreaker(st)}, nil
}

// NewRedisBusFromClient wraps an existing client (tests use miniredis here).
func NewRedisBusFromClient(client *redis.Client) *RedisBus {
	return &RedisBus{
		client: client,
		cb:     gobreaker.NewCircuitBreaker(gobreaker.Settings{Name: "redis-bus"}),
	}
}

// Client exposes the underlying Redis client for components that share the
// connection (invite backend, limiter store).
func (b *RedisBus) Client() *redis.Client {
	if b == nil {
		return nil
	}
	return b.client
}

func signalChannel(roomID uuid.UUID) string { return fmt.Sprintf("room:%s:signals", roomID) }
func chatChannel(roomID uuid.UUID) string   { return fmt.Sprintf("room:%s:chat", roomID) }
func presenceKey(roomID uuid.UUID) string   { return fmt.Sprintf("room:%s:presence", roomID) }

func (b *RedisBus) publish(ctx context.Context, channel string, payload any) error {
	if b == nil || b.client == nil {
		return nil
	}
	_, err := b.cb.Execute(func() (any, error) {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal payload: %w", err)
		}
		return nil, b.client.Publish(ctx, channel, data).Err()
	})
	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
			logging.Warn(ctx, "redis circuit breaker open: dropping publish", zap.String("channel", channel))
			return nil // graceful degradation: drop, don't crash the caller
		}
		logging.Error(ctx, "redis publish failed", zap.String("channel", channel), zap.Error(err))
		return err
	}
	return nil
}

// Publish broadcasts a signal to every subscriber of the room, on this
// process and all others.
func (b *RedisBus) Publish(ctx context.Context, roomID uuid.UUID, sig Signal) error {
	return b.publish(ctx, signalChannel(roomID), sig)
}

// Subscribe starts a background listener on the room's signal channel.
func (b *RedisBus) Subscribe(ctx context.Context, roomID uuid.UUID) (<-chan Signal, func()) {
	return subscribeJSON[Signal](ctx, b.client, signalChannel(roomID))
}

// ChatEnabled is true: chat must cross process boundaries via Redis.
func (b *RedisBus) ChatEnabled() bool { return true }

// PublishChat broadcasts a chat event on the room's chat channel.
func (b *RedisBus) PublishChat(ctx context.Context, roomID uuid.UUID, ev ChatEvent) error {
	return b.publish(ctx, chatChannel(roomID), ev)
}

// SubscribeChat starts a background listener on the room's chat channel.
func (b *RedisBus) SubscribeChat(ctx context.Context, roomID uuid.UUID) (<-chan ChatEvent, func()) {
	return subscribeJSON[ChatEvent](ctx, b.client, chatChannel(roomID))
}

// subscribeJSON subscribes to channel and decodes every message into T.
// The stream closes when cancel is called, the context ends, or the
// connection dies; no backlog is retained.
func subscribeJSON[T any](ctx context.Context, client *redis.Client, channel string) (<-chan T, func()) {
	out := make(chan T, subscriberBuffer)
	if client == nil {
		close(out)
		return out, func() {}
	}

	subCtx, cancel := context.WithCancel(ctx)
	pubsub := client.Subscribe(subCtx, channel)

	go func() {
		defer close(out)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					logging.Warn(subCtx, "redis subscription channel closed", zap.String("channel", channel))
					return
				}
				var v T
				if err := json.Unmarshal([]byte(msg.Payload), &v); err != nil {
					logging.Error(subCtx, "failed to unmarshal redis message", zap.String("channel", channel), zap.Error(err))
					continue
				}
				select {
				case out <- v:
				case <-subCtx.Done():
					return
				}
			}
		}
	}()

	return out, cancel
}

// UpdatePresence records best-effort presence in the room's presence hash.
func (b *RedisBus) UpdatePresence(ctx context.Context, roomID uuid.UUID, userID string, present bool) error {
	if b == nil || b.client == nil {
		return nil
	}
	key := presenceKey(roomID)
	_, err := b.cb.Execute(func() (any, error) {
		pipe := b.client.Pipeline()
		if present {
			pipe.HSet(ctx, key, userID, `{"present":true}`)
		} else {
			pipe.HDel(ctx, key, userID)
		}
		pipe.Expire(ctx, key, presenceTTL)
		_, err := pipe.Exec(ctx)
		return nil, err
	})
	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
			return nil
		}
		return fmt.Errorf("failed to update presence: %w", err)
	}
	return nil
}

// ListPresence returns the users recorded present in the room.
func (b *RedisBus) ListPresence(ctx context.Context, roomID uuid.UUID) ([]string, error) {
	if b == nil || b.client == nil {
		return nil, nil
	}
	res, err := b.cb.Execute(func() (any, error) {
		return b.client.HKeys(ctx, presenceKey(roomID)).Result()
	})
	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
			return nil, nil // degrade to empty so the room still functions locally
		}
		return nil, fmt.Errorf("failed to list presence: %w", err)
	}
	return res.([]string), nil
}

// Ping checks Redis connectivity; used by health checks.
func (b *RedisBus) Ping(ctx context.Context) error {
	if b == nil || b.client == nil {
		return nil
	}
	_, err := b.cb.Execute(func() (any, error) {
		return nil, b.client.Ping(ctx).Err()
	})
	if err != nil && err == gobreaker.ErrOpenState {
		metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
	}
	return err
}

// Close shuts down the Redis connection.
func (b *RedisBus) Close() error {
	if b == nil || b.client == nil {
		return nil
	}
	return b.client.Close()
}
