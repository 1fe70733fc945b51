package config

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	jww "github.com/spf13/jwalterweatherman"

	"github.com/whisper/anygle/internal/common"
)

// NewRedis opens a client for the configured Redis and pings it.
func NewRedis(ctx context.Context, c Config) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     c.RedisAddr,
		Password: c.RedisPass,
		DB:       c.RedisDB,
	})

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, common.Unavailable("redis ping", err)
	}

	jww.INFO.Printf("[config] redis connected addr=%s db=%d", c.RedisAddr, c.RedisDB)
	return rdb, nil
}
