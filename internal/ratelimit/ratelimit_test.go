package ratelimit

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/juju/errors"
)

func TestBucketsAcquireWithinBurst(t *testing.T) {
	clk := testclock.NewClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	b := NewBuckets(clk, BucketConfig{PerMinute: 60, Burst: 2, MaxWait: 500 * time.Millisecond}, nil)

	for i := 0; i < 2; i++ {
		if err := b.Acquire(context.Background(), "fixture"); err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
	}
	err := b.Acquire(context.Background(), "fixture")
	if !errors.Is(err, ErrRateLimitExceeded) {
		t.Fatalf("esperava ErrRateLimitExceeded, obteve %v", err)
	}

	// outro adaptador tem seu próprio balde
	if err := b.Acquire(context.Background(), "ebay"); err != nil {
		t.Fatalf("ebay: %v", err)
	}
}

func TestBucketsAcquireWaitsForToken(t *testing.T) {
	clk := testclock.NewClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	b := NewBuckets(clk, BucketConfig{PerMinute: 60, Burst: 1, MaxWait: 5 * time.Second}, nil)

	if err := b.Acquire(context.Background(), "fixture"); err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() { done <- b.Acquire(context.Background(), "fixture") }()

	select {
	case err := <-done:
		t.Fatalf("Acquire retornou antes do token: %v", err)
	case <-time.After(20 * time.Millisecond):
	}
	if err := clk.WaitAdvance(time.Second, time.Second, 1); err != nil {
		t.Fatal(err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Acquire: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Acquire não retornou após o avanço do relógio")
	}
}

func TestBucketsOverridesAndThrottle(t *testing.T) {
	clk := testclock.NewClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	b := NewBuckets(clk,
		BucketConfig{PerMinute: 60, Burst: 1, MaxWait: time.Second},
		map[string]BucketConfig{"ebay": {Burst: 3}})

	for i := 0; i < 3; i++ {
		if err := b.Acquire(context.Background(), "ebay"); err != nil {
			t.Fatalf("ebay %d: %v", i, err)
		}
	}

	b.Throttle("fixture", time.Minute)
	if err := b.Acquire(context.Background(), "fixture"); !errors.Is(err, ErrRateLimitExceeded) {
		t.Fatalf("adaptador pausado deveria recusar, obteve %v", err)
	}
	clk.Advance(time.Minute)
	if err := b.Acquire(context.Background(), "fixture"); err != nil {
		t.Fatalf("após a pausa: %v", err)
	}
}

func TestBucketsAcquireCancelled(t *testing.T) {
	clk := testclock.NewClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	b := NewBuckets(clk, BucketConfig{PerMinute: 60, Burst: 1, MaxWait: time.Minute}, nil)
	if err := b.Acquire(context.Background(), "fixture"); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := b.Acquire(ctx, "fixture"); !errors.Is(err, context.Canceled) {
		t.Fatalf("esperava context.Canceled, obteve %v", err)
	}
}

func TestBackoffsStrictlyIncreasingThenReset(t *testing.T) {
	b := NewBackoffs(100*time.Millisecond, time.Minute)

	var prev time.Duration
	for i := 0; i < 3; i++ {
		d := b.Next(7)
		if d <= prev {
			t.Fatalf("intervalo %d = %s não é maior que %s", i+1, d, prev)
		}
		prev = d
	}
	if b.Failures(7) != 3 {
		t.Errorf("Failures = %d", b.Failures(7))
	}

	// outro alvo não é afetado
	if d := b.Next(8); d < 100*time.Millisecond || d > 120*time.Millisecond {
		t.Errorf("primeiro intervalo de outro alvo = %s", d)
	}

	b.Reset(7)
	if d := b.Next(7); d < 100*time.Millisecond || d > 120*time.Millisecond {
		t.Errorf("após reset o intervalo deveria voltar à base, obteve %s", d)
	}
}

func TestBackoffsJitterBounds(t *testing.T) {
	b := NewBackoffs(time.Second, time.Hour)
	for n := 0; n < 5; n++ {
		d := b.Next(3)
		nominal := time.Second << n
		low, high := nominal*8/10, nominal*12/10
		if low < time.Second {
			low = time.Second
		}
		if d < low || d > high {
			t.Errorf("falha %d: intervalo %s fora de [%s, %s]", n+1, d, low, high)
		}
	}
}

func TestBackoffsCappedAtMax(t *testing.T) {
	b := NewBackoffs(time.Second, 4*time.Second)
	var last time.Duration
	for i := 0; i < 10; i++ {
		last = b.Next(1)
		if last > 4*time.Second {
			t.Fatalf("intervalo %s passou do máximo", last)
		}
	}
	if last != 4*time.Second {
		t.Errorf("após muitas falhas o intervalo deveria ser o máximo, obteve %s", last)
	}
}

func TestRedisLimiter(t *testing.T) {
	url := os.Getenv("REDIS_TEST_URL")
	if url == "" {
		t.Skip("REDIS_TEST_URL não definido")
	}
	ctx := context.Background()
	rdb, err := NewRedisClient(ctx, url)
	if err != nil {
		t.Fatal(err)
	}
	defer rdb.Close()

	clk := testclock.NewClock(time.Now())
	l := NewRedisLimiter(rdb, clk, BucketConfig{PerMinute: 2, MaxWait: time.Millisecond}, nil)
	l.prefix = "monitor-precos-test:" + t.Name() + ":" + time.Now().Format("150405.000")

	for i := 0; i < 2; i++ {
		if err := l.Acquire(ctx, "fixture"); err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
	}
	if err := l.Acquire(ctx, "fixture"); !errors.Is(err, ErrRateLimitExceeded) {
		t.Fatalf("esperava ErrRateLimitExceeded, obteve %v", err)
	}
}
