package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/redis/go-redis/v9"
)

// RedisLimiter divide o limite de cada adaptador entre várias instâncias usando
// janelas fixas de um minuto no Redis.
type RedisLimiter struct {
	rdb       redis.Cmdable
	clock     clock.Clock
	def       BucketConfig
	overrides map[string]BucketConfig
	prefix    string
}

// NewRedisClient conecta a partir de uma URL redis://
func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, errors.Annotatef(err, "redis.ParseURL(%q)", redisURL)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, errors.Annotate(err, "redis ping")
	}
	return client, nil
}

// NewRedisLimiter cria o limitador distribuído
func NewRedisLimiter(rdb redis.Cmdable, clk clock.Clock, def BucketConfig, overrides map[string]BucketConfig) *RedisLimiter {
	if clk == nil {
		clk = clock.WallClock
	}
	return &RedisLimiter{rdb: rdb, clock: clk, def: def, overrides: overrides, prefix: "monitor-precos:ratelimit"}
}

// Acquire incrementa o contador da janela atual; se estiver cheio, espera a próxima
// janela desde que caiba em MaxWait.
func (l *RedisLimiter) Acquire(ctx context.Context, adapter string) error {
	cfg := l.overrides[adapter].withDefaults(l.def)
	limit := int64(cfg.PerMinute)
	if limit < 1 {
		limit = 1
	}
	deadline := l.clock.Now().Add(cfg.MaxWait)

	for {
		now := l.clock.Now()
		if paused, err := l.rdb.PTTL(ctx, l.pauseKey(adapter)).Result(); err == nil && paused > 0 {
			if now.Add(paused).After(deadline) {
				return errors.Annotatef(ErrRateLimitExceeded, "%s pausado por %s", adapter, paused)
			}
			if err := l.sleep(ctx, paused); err != nil {
				return err
			}
			continue
		}

		window := now.Truncate(time.Minute)
		key := fmt.Sprintf("%s:%s:%d", l.prefix, adapter, window.Unix())
		count, err := l.rdb.Incr(ctx, key).Result()
		if err != nil {
			return errors.Annotate(err, "redis incr")
		}
		if count == 1 {
			l.rdb.Expire(ctx, key, 2*time.Minute)
		}
		if count <= limit {
			return nil
		}

		next := window.Add(time.Minute)
		if next.After(deadline) {
			return errors.Annotatef(ErrRateLimitExceeded, "%s: janela cheia (%d/%d)", adapter, count, limit)
		}
		if err := l.sleep(ctx, next.Sub(now)); err != nil {
			return err
		}
	}
}

// Throttle grava uma pausa compartilhada por todas as instâncias
func (l *RedisLimiter) Throttle(adapter string, pause time.Duration) {
	if pause <= 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := l.rdb.Set(ctx, l.pauseKey(adapter), 1, pause).Err(); err != nil {
		logger.Warningf("não foi possível pausar %s no redis: %v", adapter, err)
	}
}

func (l *RedisLimiter) pauseKey(adapter string) string {
	return l.prefix + ":pause:" + adapter
}

func (l *RedisLimiter) sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-l.clock.After(d):
		return nil
	case <-ctx.Done():
		return errors.Trace(ctx.Err())
	}
}
