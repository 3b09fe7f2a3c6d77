// Package monitor executa as consultas de preço por alvo e os ciclos periódicos.
package monitor

import (
	"context"
	"strconv"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo"
	"golang.org/x/sync/singleflight"

	"monitor-precos/internal/alerts"
	"monitor-precos/internal/database"
	"monitor-precos/internal/metrics"
	"monitor-precos/internal/models"
	"monitor-precos/internal/ratelimit"
	"monitor-precos/internal/scraper"
)

var logger = loggo.GetLogger("monitor-precos.monitor")

// Outcome resume o resultado de um job de consulta
type Outcome string

const (
	OutcomeSuccess     Outcome = "success"
	OutcomeNotFound    Outcome = "not_found"
	OutcomeDeactivated Outcome = "deactivated"
	OutcomeNoAdapter   Outcome = "no_adapter"
	OutcomeDeferred    Outcome = "deferred"  // limite de requisições: fica para o próximo ciclo
	OutcomeExhausted   Outcome = "exhausted" // tentativas do ciclo esgotadas
	OutcomeSkipped     Outcome = "skipped"   // resposta mal formada ou observação fora de ordem
	OutcomeInactive    Outcome = "inactive"
)

// Store é o subconjunto do banco usado pelo executor
type Store interface {
	GetTarget(ctx context.Context, id int64) (models.Target, error)
	UpdateTargetMetadata(ctx context.Context, id int64, snap models.ProductSnapshot) error
	AppendPricePoint(ctx context.Context, p models.PricePoint) (database.AppendResult, error)
	RecordMiss(ctx context.Context, id int64) (int, error)
	ResetMisses(ctx context.Context, id int64) error
	DeactivateTarget(ctx context.Context, id int64) error
	UnevaluatedPricePoints(ctx context.Context, targetID int64) ([]database.PendingEvaluation, error)
	MarkPricePointEvaluated(ctx context.Context, id int64) error
}

// EventMatcher recebe os eventos de queda de preço
type EventMatcher interface {
	Match(ctx context.Context, ev models.PriceChangeEvent) ([]alerts.Match, error)
}

// Notifier recebe as notificações recém-criadas para entrega
type Notifier interface {
	Enqueue(rec models.NotificationRecord)
}

// ExecutorConfig contém os parâmetros do executor
type ExecutorConfig struct {
	NotFoundThreshold int // falhas permanentes consecutivas antes de desativar o alvo
	MaxAttempts       int // tentativas por job antes de desistir até o próximo ciclo
}

// JobResult descreve um job de consulta concluído
type JobResult struct {
	TargetID int64
	Outcome  Outcome
	Attempts int
	Point    *models.PricePoint
	Event    *models.PriceChangeEvent
	Matches  []alerts.Match
	Shared   bool // outra chamada concorrente executou a consulta
}

// Executor consulta um alvo, grava o preço e emite eventos de queda
type Executor struct {
	store    Store
	registry *scraper.Registry
	limiter  ratelimit.Limiter
	backoffs *ratelimit.Backoffs
	matcher  EventMatcher
	notifier Notifier
	clock    clock.Clock
	metrics  *metrics.Collector
	cfg      ExecutorConfig

	group singleflight.Group
}

// ExecutorParams agrupa as dependências do executor
type ExecutorParams struct {
	Store    Store
	Registry *scraper.Registry
	Limiter  ratelimit.Limiter
	Backoffs *ratelimit.Backoffs
	Matcher  EventMatcher
	Notifier Notifier
	Clock    clock.Clock
	Metrics  *metrics.Collector
	Config   ExecutorConfig
}

// NewExecutor cria o executor
func NewExecutor(p ExecutorParams) *Executor {
	if p.Clock == nil {
		p.Clock = clock.WallClock
	}
	if p.Backoffs == nil {
		p.Backoffs = ratelimit.NewBackoffs(2*time.Second, 2*time.Minute)
	}
	if p.Config.NotFoundThreshold <= 0 {
		p.Config.NotFoundThreshold = 3
	}
	if p.Config.MaxAttempts <= 0 {
		p.Config.MaxAttempts = 6
	}
	return &Executor{
		store:    p.Store,
		registry: p.Registry,
		limiter:  p.Limiter,
		backoffs: p.Backoffs,
		matcher:  p.Matcher,
		notifier: p.Notifier,
		clock:    p.Clock,
		metrics:  p.Metrics,
		cfg:      p.Config,
	}
}

// RunScrapeJob consulta o alvo. Chamadas simultâneas para o mesmo alvo
// compartilham uma única consulta. Reexecutar um job já concluído não duplica
// preços nem notificações.
func (e *Executor) RunScrapeJob(ctx context.Context, targetID int64, attempt int) (JobResult, error) {
	v, err, shared := e.group.Do(strconv.FormatInt(targetID, 10), func() (any, error) {
		return e.run(ctx, targetID, attempt)
	})
	res, _ := v.(JobResult)
	res.Shared = shared
	return res, err
}

func (e *Executor) run(ctx context.Context, targetID int64, attempt int) (JobResult, error) {
	result := JobResult{TargetID: targetID}

	target, err := e.store.GetTarget(ctx, targetID)
	if err != nil {
		return result, errors.Trace(err)
	}
	if !target.Active || !target.Scrapable() {
		result.Outcome = OutcomeInactive
		return result, nil
	}

	adapter, err := e.registry.Resolve(target.URL)
	if errors.Is(err, scraper.ErrAdapterNotFound) {
		logger.Warningf("Nenhum adaptador encontrado para URL: %s", target.URL)
		e.metrics.Scrape("none", metrics.OutcomeNoAdapter)
		return e.miss(ctx, target, OutcomeNoAdapter, result)
	} else if err != nil {
		return result, errors.Trace(err)
	}
	name := adapter.Name()

	if attempt < 1 {
		attempt = 1
	}
	for ; attempt <= e.cfg.MaxAttempts; attempt++ {
		result.Attempts = attempt

		if err := e.limiter.Acquire(ctx, name); err != nil {
			if errors.Is(err, ratelimit.ErrRateLimitExceeded) {
				logger.Infof("alvo %d adiado para o próximo ciclo: %v", target.ID, err)
				e.metrics.Scrape(name, metrics.OutcomeDeferred)
				result.Outcome = OutcomeDeferred
				return result, nil
			}
			return result, errors.Trace(err)
		}

		snap, err := adapter.Fetch(ctx, target.URL)
		if err == nil {
			e.metrics.Scrape(name, metrics.OutcomeSuccess)
			return e.record(ctx, target, name, snap, result)
		}
		if ctx.Err() != nil {
			return result, errors.Trace(ctx.Err())
		}

		fe := scraper.AsFetchError(err)
		e.metrics.Scrape(name, fe.Kind.String())
		switch fe.Kind {
		case scraper.NotFound:
			logger.Warningf("Produto %d não encontrado (%s): %v", target.ID, target.URL, fe)
			return e.miss(ctx, target, OutcomeNotFound, result)
		case scraper.Malformed:
			logger.Warningf("Resposta inválida para o produto %d, ignorando este ciclo: %v", target.ID, fe)
			result.Outcome = OutcomeSkipped
			return result, nil
		}

		if fe.Kind == scraper.RateLimited {
			e.limiter.Throttle(name, fe.RetryAfter)
		}
		wait := e.backoffs.Next(target.ID)
		if fe.RetryAfter > wait {
			wait = fe.RetryAfter
		}
		if attempt == e.cfg.MaxAttempts {
			break
		}
		logger.Warningf("Erro ao buscar preço do produto %d (tentativa %d/%d, nova tentativa em %s): %v",
			target.ID, attempt, e.cfg.MaxAttempts, wait.Round(time.Millisecond), fe)
		select {
		case <-e.clock.After(wait):
		case <-ctx.Done():
			return result, errors.Trace(ctx.Err())
		}
	}

	logger.Errorf("Produto %d sem resposta após %d tentativas, fica para o próximo ciclo", target.ID, result.Attempts)
	result.Outcome = OutcomeExhausted
	return result, nil
}

// record grava o preço observado e avalia as inscrições se houve queda
func (e *Executor) record(ctx context.Context, target models.Target, source string, snap models.ProductSnapshot, result JobResult) (JobResult, error) {
	e.backoffs.Reset(target.ID)
	if target.Misses > 0 {
		if err := e.store.ResetMisses(ctx, target.ID); err != nil {
			return result, errors.Trace(err)
		}
	}
	if err := e.store.UpdateTargetMetadata(ctx, target.ID, snap); err != nil {
		return result, errors.Annotate(err, "atualizando dados do alvo")
	}

	observed := snap.ObservedAt
	if observed.IsZero() {
		observed = e.clock.Now()
	}
	appended, err := e.store.AppendPricePoint(ctx, models.PricePoint{
		TargetID:   target.ID,
		Price:      snap.Price,
		Currency:   snap.Currency,
		ObservedAt: observed,
		Source:     source,
	})
	if errors.Is(err, errors.NotValid) {
		logger.Warningf("observação fora de ordem para o produto %d: %v", target.ID, err)
		result.Outcome = OutcomeSkipped
		return result, nil
	}
	if err != nil {
		return result, errors.Annotate(err, "gravando preço")
	}
	if appended.Created {
		e.metrics.PricePointAppended()
	}
	result.Point = &appended.Point
	result.Outcome = OutcomeSuccess
	result.Event = changeEvent(appended.Point, appended.Previous)

	// Avalia em ordem os preços pendentes, inclusive os de um job anterior que
	// falhou ou foi cancelado depois de gravar. O banco descarta notificações
	// repetidas.
	pending, err := e.store.UnevaluatedPricePoints(ctx, target.ID)
	if err != nil {
		return result, errors.Annotate(err, "buscando preços não avaliados")
	}
	for _, pe := range pending {
		if ev := changeEvent(pe.Point, pe.Previous); ev != nil {
			matches, err := e.matcher.Match(ctx, *ev)
			result.Matches = append(result.Matches, matches...)
			if err != nil {
				return result, errors.Annotatef(err, "avaliando inscrições para o preço %d", pe.Point.ID)
			}
			for _, m := range matches {
				if m.Created && e.notifier != nil {
					e.notifier.Enqueue(m.Record)
				}
			}
		}
		if err := e.store.MarkPricePointEvaluated(ctx, pe.Point.ID); err != nil {
			return result, errors.Trace(err)
		}
	}
	return result, nil
}

// changeEvent retorna um evento para a primeira observação ou para uma queda
// de preço na mesma moeda
func changeEvent(p models.PricePoint, prev *models.PricePoint) *models.PriceChangeEvent {
	ev := &models.PriceChangeEvent{
		TargetID:     p.TargetID,
		PricePointID: p.ID,
		NewPrice:     p.Price,
		Currency:     p.Currency,
		ObservedAt:   p.ObservedAt,
	}
	if prev == nil {
		return ev
	}
	if prev.Currency != p.Currency || !p.Price.LessThan(prev.Price) {
		return nil
	}
	ev.OldPrice.Decimal = prev.Price
	ev.OldPrice.Valid = true
	return ev
}

// miss conta uma falha permanente e desativa o alvo ao atingir o limite
func (e *Executor) miss(ctx context.Context, target models.Target, outcome Outcome, result JobResult) (JobResult, error) {
	result.Outcome = outcome
	misses, err := e.store.RecordMiss(ctx, target.ID)
	if err != nil {
		return result, errors.Trace(err)
	}
	if misses < e.cfg.NotFoundThreshold {
		return result, nil
	}
	if err := e.store.DeactivateTarget(ctx, target.ID); err != nil {
		return result, errors.Trace(err)
	}
	e.backoffs.Reset(target.ID)
	e.metrics.TargetDeactivated()
	logger.Errorf("Produto %d desativado após %d falhas consecutivas (%s)", target.ID, misses, target.URL)
	result.Outcome = OutcomeDeactivated
	return result, nil
}
