package redis_cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// ClaimOutcome is broadcast to every watcher of a (source_id, stage) claim
// when the winning claimant calls release().
type ClaimOutcome struct {
	Succeeded bool   `json:"succeeded"`
	ErrorKind string `json:"error_kind,omitempty"`
}

// WatchRegistry lets a losing claimant block on a winner's release()
// without polling the catalog. It is a thin Redis pub/sub layer, the
// same pattern cache_invalidation_manager.go uses to fan out cache
// invalidations across processes.
type WatchRegistry struct {
	client *redis.Client
	logger *zap.Logger
}

// NewWatchRegistry builds a WatchRegistry over client.
func NewWatchRegistry(client *redis.Client, logger *zap.Logger) *WatchRegistry {
	return &WatchRegistry{client: client, logger: logger}
}

func channelFor(key string) string {
	return "dedup:watch:" + key
}

// Watch subscribes to outcomes for key and returns a channel that
// receives exactly one ClaimOutcome (or is closed without one, on ctx
// cancellation). Callers should also poll the catalog once after
// subscribing in case release() happened before the subscription landed.
func (r *WatchRegistry) Watch(ctx context.Context, key string) (<-chan ClaimOutcome, func(), error) {
	sub := r.client.Subscribe(ctx, channelFor(key))
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, fmt.Errorf("watch registry: subscribe: %w", err)
	}

	out := make(chan ClaimOutcome, 1)
	go func() {
		defer close(out)
		ch := sub.Channel()
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var outcome ClaimOutcome
			if err := json.Unmarshal([]byte(msg.Payload), &outcome); err != nil {
				r.logger.Warn("watch registry: malformed outcome", zap.Error(err))
				return
			}
			select {
			case out <- outcome:
			default:
			}
		case <-ctx.Done():
		}
	}()

	cancel := func() { _ = sub.Close() }
	return out, cancel, nil
}

// Release broadcasts outcome to every current watcher of key and lets the
// message expire naturally (Redis pub/sub is fire-and-forget, matching
// the Progress Bus's own "best-effort, lossy" delivery semantics — a
// watcher that isn't subscribed yet falls back to its post-subscribe
// catalog poll).
func (r *WatchRegistry) Release(ctx context.Context, key string, outcome ClaimOutcome) error {
	data, err := json.Marshal(outcome)
	if err != nil {
		return fmt.Errorf("watch registry: marshal: %w", err)
	}
	if err := r.client.Publish(ctx, channelFor(key), data).Err(); err != nil {
		return fmt.Errorf("watch registry: publish: %w", err)
	}
	return nil
}

// PublishWithDeadline is Release bounded by a timeout, used when the
// claimant itself must not block indefinitely on a slow Redis instance.
func (r *WatchRegistry) PublishWithDeadline(key string, outcome ClaimOutcome, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return r.Release(ctx, key, outcome)
}
