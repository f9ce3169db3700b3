// Package bus wraps the Redis pub/sub channels and shared keys that carry all
// cross-process room coordination. Every sync delta, event, chat line, and
// unload notice flows through here; the snapshot keys let a cold process serve
// a full sync without owning the room.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"

	"github.com/watchroom/backend/go/internal/v1/logging"
	"github.com/watchroom/backend/go/internal/v1/metrics"
	"go.uber.org/zap"
)

// AnnouncementChannel carries service-wide broadcasts to every socket.
const AnnouncementChannel = "announcement"

// RoomChannel returns the pub/sub channel for one room's traffic.
func RoomChannel(name string) string {
	return "room:" + name
}

// RoomSyncKey returns the key holding a room's latest full snapshot.
func RoomSyncKey(name string) string {
	return "room-sync:" + name
}

// snapshotTTL bounds how long an orphaned snapshot key lingers after its room
// unloads without cleanup.
const snapshotTTL = 24 * time.Hour

// Service handles all interaction with the Redis cluster. A Service built by
// NewLocalService carries no Redis client and routes everything through an
// in-process hub instead.
type Service struct {
	client *redis.Client
	cb     *gobreaker.CircuitBreaker
	local  *localHub
}

// Client returns the underlying Redis client.
func (s *Service) Client() *redis.Client {
	if s == nil {
		return nil
	}
	return s.client
}

// NewService creates a Redis connection and verifies it with a ping.
func NewService(addr, password string) (*Service, error) {
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
		Name:        "redis",
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     15 * time.Second,
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
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

	logging.Info(context.Background(), "Connected to Redis", zap.String("addr", addr))
	return &Service{
		client: rdb,
		cb:     gobreaker.NewCircuitBreaker(st),
	}, nil
}

// encodePayload marshals structs and maps; []byte and string pass through so
// pre-serialized frames can be rebroadcast without a decode round trip.
func encodePayload(payload any) ([]byte, error) {
	switch p := payload.(type) {
	case []byte:
		return p, nil
	case string:
		return []byte(p), nil
	default:
		b, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal bus payload: %w", err)
		}
		return b, nil
	}
}

// Publish sends a JSON payload to a channel.
func (s *Service) Publish(ctx context.Context, channel string, payload any) error {
	if s == nil {
		return nil
	}
	if s.local != nil {
		return s.local.publish(channel, payload)
	}
	if s.client == nil {
		return nil
	}

	_, err := s.cb.Execute(func() (interface{}, error) {
		data, err := encodePayload(payload)
		if err != nil {
			return nil, err
		}
		return nil, s.client.Publish(ctx, channel, data).Err()
	})

	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
			logging.Warn(ctx, "Redis circuit breaker open: dropping publish", zap.String("channel", channel))
			return nil // Graceful degradation: the next sync re-sends the full dirty state
		}
		logging.Error(ctx, "Redis publish failed", zap.String("channel", channel), zap.Error(err))
		return err
	}

	return nil
}

// SetKey writes a snapshot value under key.
func (s *Service) SetKey(ctx context.Context, key string, value []byte) error {
	if s == nil {
		return nil
	}
	if s.local != nil {
		s.local.setKey(key, value)
		return nil
	}
	if s.client == nil {
		return nil
	}

	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.client.Set(ctx, key, value, snapshotTTL).Err()
	})

	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
			logging.Warn(ctx, "Redis circuit breaker open: skipping SetKey", zap.String("key", key))
			return nil
		}
		logging.Error(ctx, "Redis SetKey failed", zap.String("key", key), zap.Error(err))
		return fmt.Errorf("failed to set key: %w", err)
	}
	return nil
}

// GetKey reads a snapshot value. A missing key returns (nil, nil).
func (s *Service) GetKey(ctx context.Context, key string) ([]byte, error) {
	if s == nil {
		return nil, nil
	}
	if s.local != nil {
		return s.local.getKey(key), nil
	}
	if s.client == nil {
		return nil, nil
	}

	res, err := s.cb.Execute(func() (interface{}, error) {
		b, err := s.client.Get(ctx, key).Bytes()
		if err == redis.Nil {
			return []byte(nil), nil
		}
		return b, err
	})

	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
			logging.Warn(ctx, "Redis circuit breaker open: returning empty value", zap.String("key", key))
			return nil, nil
		}
		logging.Error(ctx, "Redis GetKey failed", zap.String("key", key), zap.Error(err))
		return nil, fmt.Errorf("failed to get key: %w", err)
	}
	return res.([]byte), nil
}

// DelKey removes a snapshot key, used when a room unloads.
func (s *Service) DelKey(ctx context.Context, key string) error {
	if s == nil {
		return nil
	}
	if s.local != nil {
		s.local.delKey(key)
		return nil
	}
	if s.client == nil {
		return nil
	}
	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.client.Del(ctx, key).Err()
	})
	if err != nil && err != gobreaker.ErrOpenState {
		logging.Error(ctx, "Redis DelKey failed", zap.String("key", key), zap.Error(err))
		return err
	}
	return nil
}

// Subscription is a live pub/sub subscription whose channel set can grow as
// local clients join rooms hosted elsewhere. Either pubsub (Redis) or hub
// (in-process) is set.
type Subscription struct {
	pubsub *redis.PubSub
	mu     sync.Mutex
	subbed map[string]bool

	hub     *localHub
	handler func(channel, payload string)
}

// AddChannel subscribes to an additional channel if not already subscribed.
func (sub *Subscription) AddChannel(ctx context.Context, channel string) error {
	if sub == nil {
		return nil
	}
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.subbed[channel] {
		return nil
	}
	if sub.pubsub != nil {
		if err := sub.pubsub.Subscribe(ctx, channel); err != nil {
			return err
		}
	}
	sub.subbed[channel] = true
	return nil
}

// wants reports whether the subscription covers channel.
func (sub *Subscription) wants(channel string) bool {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	return sub.subbed[channel]
}

// Close terminates the subscription.
func (sub *Subscription) Close() error {
	if sub == nil {
		return nil
	}
	if sub.hub != nil {
		sub.hub.unsubscribe(sub)
		return nil
	}
	if sub.pubsub == nil {
		return nil
	}
	return sub.pubsub.Close()
}

// Subscribe opens a subscription on the given channels and starts a listener
// goroutine that invokes handler for every message. Per-channel ordering
// follows Redis delivery order.
func (s *Service) Subscribe(ctx context.Context, wg *sync.WaitGroup, handler func(channel, payload string), channels ...string) *Subscription {
	if s == nil {
		return nil
	}
	if s.local != nil {
		return s.local.subscribe(handler, channels...)
	}
	if s.client == nil {
		return nil
	}

	pubsub := s.client.Subscribe(ctx, channels...)
	sub := &Subscription{pubsub: pubsub, subbed: make(map[string]bool, len(channels))}
	for _, c := range channels {
		sub.subbed[c] = true
	}

	if wg != nil {
		wg.Add(1)
	}
	go func() {
		defer func() { _ = pubsub.Close() }()
		if wg != nil {
			defer wg.Done()
		}

		logging.Info(ctx, "Subscribed to Redis channels", zap.Strings("channels", channels))

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					logging.Warn(ctx, "Redis subscription channel closed")
					return
				}
				handler(msg.Channel, msg.Payload)
			}
		}
	}()

	return sub
}

// Ping checks Redis connectivity, used by health checks. The in-process bus
// is always reachable.
func (s *Service) Ping(ctx context.Context) error {
	if s == nil || s.client == nil {
		return nil
	}

	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.client.Ping(ctx).Err()
	})

	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
		}
		return err
	}
	return nil
}

// Close gracefully shuts down the Redis connection or the in-process hub.
func (s *Service) Close() error {
	if s == nil {
		return nil
	}
	if s.local != nil {
		s.local.close()
		return nil
	}
	if s.client == nil {
		return nil
	}
	return s.client.Close()
}
