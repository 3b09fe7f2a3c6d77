// Package ratelimit controla a cadência de requisições por adaptador e o
// backoff por alvo.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo"
	"golang.org/x/time/rate"
)

var logger = loggo.GetLogger("monitor-precos.ratelimit")

// ErrRateLimitExceeded indica que a espera por um token passaria do máximo permitido
const ErrRateLimitExceeded = errors.ConstError("limite de requisições excedido")

// Limiter libera requisições para um adaptador
type Limiter interface {
	// Acquire retorna quando houver um token disponível, ou ErrRateLimitExceeded
	// se a espera passar do máximo.
	Acquire(ctx context.Context, adapter string) error
	// Throttle pausa o adaptador depois de uma resposta 429 da fonte.
	Throttle(adapter string, pause time.Duration)
}

// BucketConfig define o balde de um adaptador
type BucketConfig struct {
	PerMinute float64       `yaml:"per_minute"`
	Burst     int           `yaml:"burst"`
	MaxWait   time.Duration `yaml:"max_wait"`
}

func (c BucketConfig) withDefaults(def BucketConfig) BucketConfig {
	if c.PerMinute <= 0 {
		c.PerMinute = def.PerMinute
	}
	if c.Burst <= 0 {
		c.Burst = def.Burst
	}
	if c.MaxWait <= 0 {
		c.MaxWait = def.MaxWait
	}
	return c
}

type bucket struct {
	lim       *rate.Limiter
	maxWait   time.Duration
	coolUntil time.Time
}

// Buckets mantém um token bucket por adaptador, compartilhado por todos os jobs
type Buckets struct {
	clock     clock.Clock
	def       BucketConfig
	overrides map[string]BucketConfig

	mu      sync.Mutex
	buckets map[string]*bucket
}

// NewBuckets cria os baldes. overrides pode ajustar adaptadores específicos.
func NewBuckets(clk clock.Clock, def BucketConfig, overrides map[string]BucketConfig) *Buckets {
	if clk == nil {
		clk = clock.WallClock
	}
	return &Buckets{
		clock:     clk,
		def:       def,
		overrides: overrides,
		buckets:   make(map[string]*bucket),
	}
}

func (b *Buckets) get(adapter string) *bucket {
	b.mu.Lock()
	defer b.mu.Unlock()
	if bk, ok := b.buckets[adapter]; ok {
		return bk
	}
	cfg := b.overrides[adapter].withDefaults(b.def)
	bk := &bucket{
		lim:     rate.NewLimiter(rate.Limit(cfg.PerMinute/60), cfg.Burst),
		maxWait: cfg.MaxWait,
	}
	b.buckets[adapter] = bk
	return bk
}

// Acquire reserva um token do adaptador e espera por ele, no máximo MaxWait
func (b *Buckets) Acquire(ctx context.Context, adapter string) error {
	bk := b.get(adapter)
	now := b.clock.Now()

	b.mu.Lock()
	r := bk.lim.ReserveN(now, 1)
	delay := r.DelayFrom(now)
	if cool := bk.coolUntil.Sub(now); cool > delay {
		delay = cool
	}
	b.mu.Unlock()

	if !r.OK() || delay > bk.maxWait {
		r.CancelAt(now)
		return errors.Annotatef(ErrRateLimitExceeded, "%s: espera de %s", adapter, delay)
	}
	if delay <= 0 {
		return nil
	}

	logger.Tracef("aguardando %s por token de %s", delay, adapter)
	select {
	case <-b.clock.After(delay):
		return nil
	case <-ctx.Done():
		r.CancelAt(b.clock.Now())
		return errors.Trace(ctx.Err())
	}
}

// Throttle impede novas requisições ao adaptador durante a pausa
func (b *Buckets) Throttle(adapter string, pause time.Duration) {
	if pause <= 0 {
		return
	}
	bk := b.get(adapter)
	until := b.clock.Now().Add(pause)

	b.mu.Lock()
	defer b.mu.Unlock()
	if until.After(bk.coolUntil) {
		bk.coolUntil = until
		logger.Warningf("adaptador %s pausado por %s", adapter, pause)
	}
}
