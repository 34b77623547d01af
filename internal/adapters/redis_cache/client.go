package redis_cache

import (
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/okinrev/veza-web-app/internal/config"
)

// NewClient builds a Redis client for the Deduplication Index's
// cross-process watch registry.
func NewClient(cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:            fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
		Password:        cfg.Password,
		DB:              cfg.Database,
		PoolSize:        cfg.PoolSize,
		MaxRetries:      cfg.MaxRetries,
		MinRetryBackoff: 8 * time.Millisecond,
		MaxRetryBackoff: 512 * time.Millisecond,
		DialTimeout:     cfg.DialTimeout,
		ReadTimeout:     cfg.ReadTimeout,
		WriteTimeout:    cfg.WriteTimeout,
		PoolTimeout:     4 * time.Second,
	})

	return client, nil
}
