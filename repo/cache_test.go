package repo

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func TestRedisCacheTreatsBackendFailureAsMiss(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	cache := NewRedisCacheFromClient(rdb, time.Minute, slog.New(slog.NewTextHandler(io.Discard, nil)))
	defer cache.Close()

	ctx := context.Background()
	cache.Set(ctx, "k", "v")
	if _, ok := cache.Get(ctx, "k"); ok {
		t.Error("expected a miss when Redis is unreachable")
	}
	cache.Delete(ctx, "k")
	cache.Delete(ctx)
}

func TestNewRedisCacheFailsWithoutServer(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := NewRedisCache(ctx, "127.0.0.1:1", time.Minute, nil); err == nil {
		t.Error("expected ping failure")
	}
}
