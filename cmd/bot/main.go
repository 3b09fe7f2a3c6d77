package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"monitor-precos/config"
	"monitor-precos/internal/alerts"
	"monitor-precos/internal/bot"
	"monitor-precos/internal/database"
	"monitor-precos/internal/metrics"
	"monitor-precos/internal/models"
	"monitor-precos/internal/monitor"
	"monitor-precos/internal/notify"
	"monitor-precos/internal/ratelimit"
	"monitor-precos/internal/scraper"
	"monitor-precos/internal/subscriptions"
)

var logger = loggo.GetLogger("monitor-precos")

func main() {
	if err := run(); err != nil {
		logger.Criticalf("%v", errors.ErrorStack(err))
		os.Exit(1)
	}
}

func run() error {
	// Carregar configurações
	cfg, err := config.Load()
	if err != nil {
		return errors.Annotate(err, "erro ao carregar configurações")
	}
	if err := cfg.ConfigureLogging(); err != nil {
		return errors.Trace(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Inicializar banco de dados
	db, err := database.New(cfg.DatabasePath)
	if err != nil {
		return errors.Annotate(err, "erro ao inicializar banco de dados")
	}
	defer db.Close()

	// Inicializar bot do Telegram
	api, err := bot.Init(cfg.TelegramBotToken)
	if err != nil {
		return errors.Annotate(err, "erro ao inicializar bot do Telegram")
	}

	registry, err := newRegistry(cfg)
	if err != nil {
		return errors.Trace(err)
	}
	logger.Infof("Adaptadores ativos: %v", registry.Names())

	limiter, err := newLimiter(ctx, cfg)
	if err != nil {
		return errors.Trace(err)
	}

	collector := metrics.NewCollector()
	prometheus.MustRegister(collector)

	dispatcher := notify.NewDispatcher(db, bot.NewSender(api), clock.WallClock, collector, notify.Config{
		MaxAttempts: cfg.DeliveryMaxAttempts,
		BaseDelay:   cfg.DeliveryBaseDelay,
		Workers:     cfg.DeliveryWorkers,
	}, func(rec models.NotificationRecord, err error) {
		logger.Errorf("notificação %d da inscrição %d descartada: %v", rec.ID, rec.SubscriptionID, err)
	})

	executor := monitor.NewExecutor(monitor.ExecutorParams{
		Store:    db,
		Registry: registry,
		Limiter:  limiter,
		Backoffs: ratelimit.NewBackoffs(cfg.BackoffBase, cfg.BackoffMax),
		Matcher:  alerts.NewMatcher(db, collector),
		Notifier: dispatcher,
		Clock:    clock.WallClock,
		Metrics:  collector,
		Config: monitor.ExecutorConfig{
			NotFoundThreshold: cfg.NotFoundThreshold,
			MaxAttempts:       cfg.ScrapeMaxAttempts,
		},
	})
	scheduler := monitor.NewScheduler(db, executor, cfg.ScrapeWorkers, cfg.CheckInterval, clock.WallClock, collector)

	service := subscriptions.NewService(db, registry, executor)
	telegram := bot.New(api, bot.NewHandler(service), cfg.TelegramChatID)

	metricsServer := &http.Server{Addr: cfg.MetricsAddr, Handler: metricsMux()}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return dispatcher.Run(gctx) })
	g.Go(func() error { return telegram.Run(gctx) })
	g.Go(func() error {
		logger.Infof("Métricas em %s/metrics", cfg.MetricsAddr)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Annotate(err, "servidor de métricas")
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return metricsServer.Shutdown(shutdownCtx)
	})

	if err := scheduler.Start(gctx); err != nil {
		stop()
		g.Wait()
		return errors.Annotate(err, "iniciando agendador")
	}
	logger.Infof("Monitoramento iniciado (intervalo: %s)", cfg.CheckInterval)

	err = g.Wait()
	logger.Infof("Encerrando bot...")
	scheduler.Stop()
	if err != nil && !errors.Is(err, context.Canceled) {
		return errors.Trace(err)
	}
	return nil
}

// newRegistry registra os adaptadores do mais específico para o mais genérico
func newRegistry(cfg *config.Config) (*scraper.Registry, error) {
	registry := scraper.NewRegistry(scraper.NewMercadoLivreAdapter(nil))
	if cfg.EbayEnabled() {
		ebay, err := scraper.NewEbayAdapter(cfg.Ebay, nil)
		if err != nil {
			return nil, errors.Annotate(err, "adaptador do eBay")
		}
		registry.Register(ebay)
	} else {
		logger.Infof("EBAY_CLIENT_ID/EBAY_CLIENT_SECRET ausentes: adaptador do eBay desativado")
	}
	registry.Register(scraper.NewFixtureAdapter(cfg.FixtureDir))
	return registry, nil
}

func newLimiter(ctx context.Context, cfg *config.Config) (ratelimit.Limiter, error) {
	if cfg.RedisURL == "" {
		return ratelimit.NewBuckets(clock.WallClock, cfg.RateLimit, cfg.AdapterLimits), nil
	}
	rdb, err := ratelimit.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return nil, errors.Annotate(err, "conectando ao Redis")
	}
	logger.Infof("Limite de requisições compartilhado via Redis")
	return ratelimit.NewRedisLimiter(rdb, clock.WallClock, cfg.RateLimit, cfg.AdapterLimits), nil
}

func metricsMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}
