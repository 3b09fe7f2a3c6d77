package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"monitor-precos/internal/metrics"
	"monitor-precos/internal/models"
)

// TargetLister lista os alvos com ao menos uma inscrição ativa
type TargetLister interface {
	ListActiveTargets(ctx context.Context) ([]models.Target, error)
}

// JobRunner executa um job de consulta
type JobRunner interface {
	RunScrapeJob(ctx context.Context, targetID int64, attempt int) (JobResult, error)
}

// CycleReport resume um ciclo de monitoramento
type CycleReport struct {
	ID        string
	Targets   int
	Submitted int
	Skipped   int // alvos que já estavam em andamento
	Failed    int
	Outcomes  map[Outcome]int
	Duration  time.Duration
}

// Scheduler dispara ciclos periódicos e distribui os jobs entre os workers
type Scheduler struct {
	lister   TargetLister
	runner   JobRunner
	workers  int
	interval time.Duration
	clock    clock.Clock
	metrics  *metrics.Collector
	cron     *cron.Cron
	wg       sync.WaitGroup // ciclo inicial disparado por Start

	mu       sync.Mutex
	inflight map[int64]struct{}
}

// NewScheduler cria o agendador
func NewScheduler(lister TargetLister, runner JobRunner, workers int, interval time.Duration, clk clock.Clock, m *metrics.Collector) *Scheduler {
	if workers <= 0 {
		workers = 1
	}
	if clk == nil {
		clk = clock.WallClock
	}
	return &Scheduler{
		lister:   lister,
		runner:   runner,
		workers:  workers,
		interval: interval,
		clock:    clk,
		metrics:  m,
		cron:     cron.New(),
		inflight: make(map[int64]struct{}),
	}
}

// Start registra o ciclo no cron e executa um ciclo imediatamente
func (s *Scheduler) Start(ctx context.Context) error {
	spec := fmt.Sprintf("@every %s", s.interval)
	_, err := s.cron.AddFunc(spec, func() {
		if _, err := s.RunMonitoringCycle(ctx); err != nil {
			logger.Errorf("Erro no ciclo de monitoramento: %v", err)
		}
	})
	if err != nil {
		return errors.Annotatef(err, "cron.AddFunc(%q)", spec)
	}
	s.cron.Start()
	logger.Infof("Monitor iniciado. Verificando produtos a cada %v", s.interval)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if _, err := s.RunMonitoringCycle(ctx); err != nil {
			logger.Errorf("Erro no ciclo de monitoramento: %v", err)
		}
	}()
	return nil
}

// Stop para o cron e espera os ciclos em andamento terminarem
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.wg.Wait()
	logger.Infof("Monitor parado")
}

// RunMonitoringCycle consulta todos os alvos ativos. Alvos ainda em andamento
// de um ciclo anterior são ignorados. Erros de um alvo não afetam os demais.
func (s *Scheduler) RunMonitoringCycle(ctx context.Context) (CycleReport, error) {
	start := s.clock.Now()
	report := CycleReport{ID: uuid.NewString(), Outcomes: make(map[Outcome]int)}

	targets, err := s.lister.ListActiveTargets(ctx)
	if err != nil {
		return report, errors.Annotate(err, "listando alvos")
	}
	report.Targets = len(targets)
	if len(targets) == 0 {
		logger.Debugf("[ciclo %s] nenhum produto para verificar", report.ID)
		return report, nil
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for _, t := range targets {
		if gctx.Err() != nil {
			break
		}
		if !s.claim(t.ID) {
			report.Skipped++
			continue
		}
		report.Submitted++
		g.Go(func() error {
			defer s.release(t.ID)
			res, err := s.runner.RunScrapeJob(gctx, t.ID, 1)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				report.Failed++
				logger.Errorf("[ciclo %s] Erro ao verificar produto %d (%s): %v", report.ID, t.ID, t.URL, err)
				return nil
			}
			report.Outcomes[res.Outcome]++
			return nil
		})
	}
	_ = g.Wait()

	report.Duration = s.clock.Now().Sub(start)
	s.metrics.CycleFinished(report.Duration)
	logger.Infof("[ciclo %s] concluído: %d alvos, %d enviados, %d em andamento, %d erros, %v",
		report.ID, report.Targets, report.Submitted, report.Skipped, report.Failed, report.Outcomes)
	return report, errors.Trace(ctx.Err())
}

func (s *Scheduler) claim(id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inflight[id]; busy {
		return false
	}
	s.inflight[id] = struct{}{}
	return true
}

func (s *Scheduler) release(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inflight, id)
}

// InFlight indica se há um job em andamento para o alvo
func (s *Scheduler) InFlight(id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, busy := s.inflight[id]
	return busy
}
