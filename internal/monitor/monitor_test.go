package monitor

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/shopspring/decimal"

	"monitor-precos/internal/alerts"
	"monitor-precos/internal/database"
	"monitor-precos/internal/models"
	"monitor-precos/internal/ratelimit"
	"monitor-precos/internal/scraper"
)

// fakeAdapter devolve as respostas programadas em ordem; a última se repete
type fakeAdapter struct {
	mu        sync.Mutex
	responses []fakeResponse
	calls     int32
	entered   chan struct{}
	release   chan struct{}
}

type fakeResponse struct {
	snap models.ProductSnapshot
	err  error
}

func (f *fakeAdapter) Name() string { return "fake" }
func (f *fakeAdapter) CanHandle(identifier string) bool {
	return strings.HasPrefix(identifier, "fake://")
}

func (f *fakeAdapter) Fetch(ctx context.Context, identifier string) (models.ProductSnapshot, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.entered != nil {
		f.entered <- struct{}{}
	}
	if f.release != nil {
		<-f.release
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	r := f.responses[0]
	if len(f.responses) > 1 {
		f.responses = f.responses[1:]
	}
	return r.snap, r.err
}

func (f *fakeAdapter) Calls() int { return int(atomic.LoadInt32(&f.calls)) }

func price(v int64) fakeResponse {
	return fakeResponse{snap: models.ProductSnapshot{Title: "TV", Price: decimal.NewFromInt(v), Currency: "USD"}}
}

func failure(kind scraper.FetchErrorKind) fakeResponse {
	return fakeResponse{err: &scraper.FetchError{Kind: kind, Reason: "teste"}}
}

// recordingClock registra as esperas de backoff sem dormir
type recordingClock struct {
	clock.Clock
	mu    sync.Mutex
	waits []time.Duration
}

func (c *recordingClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	c.waits = append(c.waits, d)
	c.mu.Unlock()
	ch := make(chan time.Time, 1)
	ch <- c.Now()
	return ch
}

func (c *recordingClock) Waits() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.waits...)
}

type fakeNotifier struct {
	mu      sync.Mutex
	records []models.NotificationRecord
}

func (n *fakeNotifier) Enqueue(rec models.NotificationRecord) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.records = append(n.records, rec)
}

func (n *fakeNotifier) Records() []models.NotificationRecord {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]models.NotificationRecord(nil), n.records...)
}

type harness struct {
	db       *database.DB
	adapter  *fakeAdapter
	clock    *recordingClock
	backoffs *ratelimit.Backoffs
	notifier *fakeNotifier
	exec     *Executor
	target   models.Target
}

func newHarness(t *testing.T, responses ...fakeResponse) *harness {
	t.Helper()
	db, err := database.New(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	target, err := db.FindOrCreateProductTarget(context.Background(), "fake://tv", "fake")
	if err != nil {
		t.Fatal(err)
	}

	h := &harness{
		db:       db,
		adapter:  &fakeAdapter{responses: responses},
		clock:    &recordingClock{Clock: clock.WallClock},
		backoffs: ratelimit.NewBackoffs(100*time.Millisecond, time.Minute),
		notifier: &fakeNotifier{},
		target:   target,
	}
	h.exec = NewExecutor(ExecutorParams{
		Store:    db,
		Registry: scraper.NewRegistry(h.adapter),
		Limiter:  ratelimit.NewBuckets(clock.WallClock, ratelimit.BucketConfig{PerMinute: 6000, Burst: 100, MaxWait: time.Second}, nil),
		Backoffs: h.backoffs,
		Matcher:  alerts.NewMatcher(db, nil),
		Notifier: h.notifier,
		Clock:    h.clock,
		Config:   ExecutorConfig{NotFoundThreshold: 3, MaxAttempts: 6},
	})
	return h
}

func (h *harness) subscribe(t *testing.T, trigger models.Trigger) models.Subscription {
	t.Helper()
	sub, err := h.db.CreateSubscription(context.Background(), models.Subscription{
		OwnerID: 42, Kind: models.KindProduct, TargetID: h.target.ID, Trigger: trigger, Channel: "telegram",
	})
	if err != nil {
		t.Fatal(err)
	}
	return sub
}

func (h *harness) history(t *testing.T) []models.PricePoint {
	t.Helper()
	points, err := h.db.PriceHistory(context.Background(), h.target.ID, 100)
	if err != nil {
		t.Fatal(err)
	}
	return points
}

func TestRunScrapeJobSingleFlight(t *testing.T) {
	h := newHarness(t, price(100))
	h.adapter.entered = make(chan struct{}, 2)
	h.adapter.release = make(chan struct{})

	var wg sync.WaitGroup
	results := make([]JobResult, 2)
	run := func(i int) {
		defer wg.Done()
		res, err := h.exec.RunScrapeJob(context.Background(), h.target.ID, 1)
		if err != nil {
			t.Error(err)
		}
		results[i] = res
	}

	wg.Add(1)
	go run(0)
	<-h.adapter.entered

	wg.Add(1)
	go run(1)
	// dá tempo para a segunda chamada se juntar à primeira
	time.Sleep(50 * time.Millisecond)
	close(h.adapter.release)
	wg.Wait()

	if h.adapter.Calls() != 1 {
		t.Fatalf("fetch chamado %d vezes, want 1", h.adapter.Calls())
	}
	if !results[0].Shared || !results[1].Shared {
		t.Errorf("as duas chamadas deveriam compartilhar o resultado: %+v", results)
	}
	if len(h.history(t)) != 1 {
		t.Errorf("esperava um único preço gravado")
	}
}

func TestRunScrapeJobBackoffGrowsThenResets(t *testing.T) {
	h := newHarness(t,
		failure(scraper.Transient), failure(scraper.Transient), failure(scraper.Transient),
		price(100),
	)

	res, err := h.exec.RunScrapeJob(context.Background(), h.target.ID, 1)
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeSuccess || res.Attempts != 4 {
		t.Fatalf("resultado = %+v", res)
	}

	waits := h.clock.Waits()
	if len(waits) != 3 {
		t.Fatalf("esperava 3 esperas, obteve %v", waits)
	}
	for i := 1; i < len(waits); i++ {
		if waits[i] <= waits[i-1] {
			t.Errorf("esperas não crescem estritamente: %v", waits)
		}
	}
	if h.backoffs.Failures(h.target.ID) != 0 {
		t.Errorf("sucesso deveria zerar o backoff")
	}
	if d := h.backoffs.Next(h.target.ID); d > 120*time.Millisecond {
		t.Errorf("após sucesso o intervalo deveria voltar à base, obteve %s", d)
	}
}

func TestRunScrapeJobRateLimitedThenTransientThenSuccess(t *testing.T) {
	observed := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	ok := price(85)
	ok.snap.ObservedAt = observed
	h := newHarness(t,
		failure(scraper.RateLimited), failure(scraper.RateLimited), failure(scraper.RateLimited),
		failure(scraper.Transient),
		ok,
	)
	h.subscribe(t, models.ThresholdTrigger(decimal.NewFromInt(90)))

	res, err := h.exec.RunScrapeJob(context.Background(), h.target.ID, 1)
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeSuccess || res.Attempts != 5 || h.adapter.Calls() != 5 {
		t.Fatalf("resultado = %+v, chamadas = %d", res, h.adapter.Calls())
	}
	if len(h.notifier.Records()) != 1 {
		t.Fatalf("esperava uma notificação, obteve %d", len(h.notifier.Records()))
	}

	// reentrega do mesmo job: mesma observação, nenhum ponto ou notificação nova
	res, err = h.exec.RunScrapeJob(context.Background(), h.target.ID, 1)
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeSuccess || res.Point == nil {
		t.Fatalf("reexecução = %+v", res)
	}
	points := h.history(t)
	if len(points) != 1 || !points[0].ObservedAt.Equal(observed) {
		t.Fatalf("histórico = %+v, esperava um único ponto", points)
	}
	if len(h.notifier.Records()) != 1 {
		t.Errorf("reexecução não deveria criar notificação nova")
	}
}

func TestRunScrapeJobNotFoundDeactivatesAfterThreshold(t *testing.T) {
	h := newHarness(t, failure(scraper.NotFound))
	want := []Outcome{OutcomeNotFound, OutcomeNotFound, OutcomeDeactivated, OutcomeInactive}

	for i, w := range want {
		res, err := h.exec.RunScrapeJob(context.Background(), h.target.ID, 1)
		if err != nil {
			t.Fatal(err)
		}
		if res.Outcome != w {
			t.Errorf("execução %d: %s, want %s", i+1, res.Outcome, w)
		}
	}
	if h.adapter.Calls() != 3 {
		t.Errorf("fetch chamado %d vezes, want 3", h.adapter.Calls())
	}
	target, err := h.db.GetTarget(context.Background(), h.target.ID)
	if err != nil {
		t.Fatal(err)
	}
	if target.Active {
		t.Error("alvo deveria estar inativo")
	}
	if len(h.clock.Waits()) != 0 {
		t.Error("NotFound não deve ser repetido com backoff")
	}
}

func TestRunScrapeJobSuccessResetsMisses(t *testing.T) {
	h := newHarness(t, failure(scraper.NotFound), failure(scraper.NotFound), price(100), failure(scraper.NotFound))
	for i := 0; i < 4; i++ {
		if _, err := h.exec.RunScrapeJob(context.Background(), h.target.ID, 1); err != nil {
			t.Fatal(err)
		}
	}
	target, _ := h.db.GetTarget(context.Background(), h.target.ID)
	if !target.Active || target.Misses != 1 {
		t.Errorf("alvo = %+v, esperava ativo com 1 falha", target)
	}
}

func TestRunScrapeJobMalformedSkipsCycle(t *testing.T) {
	h := newHarness(t, failure(scraper.Malformed), price(100))
	res, err := h.exec.RunScrapeJob(context.Background(), h.target.ID, 1)
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeSkipped || h.adapter.Calls() != 1 || len(h.clock.Waits()) != 0 {
		t.Errorf("resultado = %+v, chamadas = %d", res, h.adapter.Calls())
	}
	if len(h.history(t)) != 0 {
		t.Error("nenhum preço deveria ser gravado")
	}
}

func TestRunScrapeJobExhaustsAttempts(t *testing.T) {
	h := newHarness(t, failure(scraper.Transient))
	res, err := h.exec.RunScrapeJob(context.Background(), h.target.ID, 4)
	if err != nil {
		t.Fatal(err)
	}
	// começa na tentativa 4 de 6
	if res.Outcome != OutcomeExhausted || h.adapter.Calls() != 3 {
		t.Errorf("resultado = %+v, chamadas = %d", res, h.adapter.Calls())
	}
}

func TestRunScrapeJobDeferredByRateLimiter(t *testing.T) {
	h := newHarness(t, price(100))
	h.exec.limiter = ratelimit.NewBuckets(clock.WallClock, ratelimit.BucketConfig{PerMinute: 1, Burst: 1, MaxWait: time.Millisecond}, nil)

	if res, _ := h.exec.RunScrapeJob(context.Background(), h.target.ID, 1); res.Outcome != OutcomeSuccess {
		t.Fatalf("primeira execução = %+v", res)
	}
	res, err := h.exec.RunScrapeJob(context.Background(), h.target.ID, 1)
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeDeferred || h.adapter.Calls() != 1 {
		t.Errorf("resultado = %+v, chamadas = %d", res, h.adapter.Calls())
	}
}

func TestRunScrapeJobUnknownAdapter(t *testing.T) {
	h := newHarness(t, price(100))
	target, err := h.db.FindOrCreateProductTarget(context.Background(), "https://desconhecido.example/item", "")
	if err != nil {
		t.Fatal(err)
	}
	res, err := h.exec.RunScrapeJob(context.Background(), target.ID, 1)
	if err != nil {
		t.Fatal(err)
	}
	if res.Outcome != OutcomeNoAdapter {
		t.Errorf("resultado = %+v", res)
	}
}

func TestRunScrapeJobEmitsOnlyDrops(t *testing.T) {
	h := newHarness(t, price(100), price(120), price(110))
	h.subscribe(t, models.ThresholdTrigger(decimal.NewFromInt(1000)))

	var events int
	for i := 0; i < 3; i++ {
		res, err := h.exec.RunScrapeJob(context.Background(), h.target.ID, 1)
		if err != nil {
			t.Fatal(err)
		}
		if res.Event != nil {
			events++
		}
	}
	// primeira observação e a queda de 120 para 110
	if events != 2 || len(h.notifier.Records()) != 2 {
		t.Errorf("eventos = %d, notificações = %d, want 2 e 2", events, len(h.notifier.Records()))
	}
}

// flakyMatcher falha na chamada de número failOn e delega as demais
type flakyMatcher struct {
	next   EventMatcher
	failOn int
	fail   func() error
	calls  int
}

func (m *flakyMatcher) Match(ctx context.Context, ev models.PriceChangeEvent) ([]alerts.Match, error) {
	m.calls++
	if m.calls == m.failOn {
		return nil, m.fail()
	}
	return m.next.Match(ctx, ev)
}

func TestRunScrapeJobMatchFailureDoesNotLoseDrop(t *testing.T) {
	tests := []struct {
		name string
		// fail devolve o erro do matcher e o contexto usado no job que falha
		fail func() (func() error, context.Context)
	}{
		{"erro do banco", func() (func() error, context.Context) {
			return func() error { return errors.New("database is locked") }, context.Background()
		}},
		{"contexto cancelado", func() (func() error, context.Context) {
			ctx, cancel := context.WithCancel(context.Background())
			return func() error {
				cancel()
				return ctx.Err()
			}, ctx
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, price(100), price(85), price(85))
			h.subscribe(t, models.ThresholdTrigger(decimal.NewFromInt(90)))
			fail, failCtx := tt.fail()
			// a primeira chamada avalia o preço inicial e a segunda a queda
			h.exec.matcher = &flakyMatcher{next: h.exec.matcher, failOn: 2, fail: fail}

			if _, err := h.exec.RunScrapeJob(context.Background(), h.target.ID, 1); err != nil {
				t.Fatal(err)
			}
			if _, err := h.exec.RunScrapeJob(failCtx, h.target.ID, 1); err == nil {
				t.Fatal("esperava erro na avaliação da queda")
			}
			if len(h.notifier.Records()) != 0 {
				t.Fatalf("nenhuma notificação deveria existir ainda: %+v", h.notifier.Records())
			}

			res, err := h.exec.RunScrapeJob(context.Background(), h.target.ID, 1)
			if err != nil {
				t.Fatal(err)
			}
			if res.Outcome != OutcomeSuccess || res.Event != nil {
				t.Errorf("o preço repetido não é uma queda: %+v", res)
			}
			if len(h.history(t)) != 3 {
				t.Errorf("esperava 3 preços gravados, obteve %d", len(h.history(t)))
			}

			records := h.notifier.Records()
			if len(records) != 1 {
				t.Fatalf("esperava uma notificação, obteve %d", len(records))
			}
			rec := records[0]
			if !rec.NewPrice.Equal(decimal.NewFromInt(85)) || !rec.OldPrice.Valid || !rec.OldPrice.Decimal.Equal(decimal.NewFromInt(100)) {
				t.Errorf("notificação = %+v", rec)
			}

			// nada mais fica pendente: outro ciclo não repete a notificação
			if _, err := h.exec.RunScrapeJob(context.Background(), h.target.ID, 1); err != nil {
				t.Fatal(err)
			}
			if len(h.notifier.Records()) != 1 {
				t.Errorf("a queda foi notificada de novo: %+v", h.notifier.Records())
			}
		})
	}
}
