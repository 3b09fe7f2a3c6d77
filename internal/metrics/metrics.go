package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "monitor_precos"

// Resultados de uma consulta de preço
const (
	OutcomeSuccess     = "success"
	OutcomeNotFound    = "not_found"
	OutcomeRateLimited = "rate_limited"
	OutcomeTransient   = "transient"
	OutcomeMalformed   = "malformed"
	OutcomeDeferred    = "deferred"
	OutcomeNoAdapter   = "no_adapter"
)

// Collector é um prometheus.Collector com as métricas do pipeline.
// Todos os métodos aceitam receptor nil, o que desliga as métricas.
type Collector struct {
	scrapes                 *prometheus.CounterVec
	pricePoints             prometheus.Counter
	targetsDeactivated      prometheus.Counter
	rateLimitDeferrals      *prometheus.CounterVec
	notificationsCreated    prometheus.Counter
	notificationsSent       prometheus.Counter
	notificationsFailed     prometheus.Counter
	notificationsSuperseded prometheus.Counter
	deliveryAttempts        prometheus.Counter
	cycleDuration           prometheus.Histogram
}

// NewCollector retorna um novo Collector
func NewCollector() *Collector {
	return &Collector{
		scrapes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "scrapes_total",
				Help:      "Consultas de preço por adaptador e resultado.",
			}, []string{"adapter", "outcome"},
		),
		pricePoints: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "price_points_total",
				Help:      "Preços gravados no histórico.",
			},
		),
		targetsDeactivated: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "targets_deactivated_total",
				Help:      "Alvos desativados após falhas permanentes repetidas.",
			},
		),
		rateLimitDeferrals: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "rate_limit_deferrals_total",
				Help:      "Jobs adiados para o próximo ciclo por limite de requisições.",
			}, []string{"adapter"},
		),
		notificationsCreated: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "notifications_created_total",
				Help:      "Notificações criadas pelo matcher.",
			},
		),
		notificationsSent: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "notifications_sent_total",
				Help:      "Notificações entregues.",
			},
		),
		notificationsFailed: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "notifications_failed_total",
				Help:      "Notificações que falharam permanentemente.",
			},
		),
		notificationsSuperseded: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "notifications_superseded_total",
				Help:      "Notificações descartadas porque uma queda mais recente já foi entregue.",
			},
		),
		deliveryAttempts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "delivery_attempts_total",
				Help:      "Tentativas de entrega, incluindo as que falharam.",
			},
		),
		cycleDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "cycle_duration_seconds",
				Help:      "Duração de um ciclo de monitoramento.",
				Buckets:   []float64{0.5, 1, 5, 15, 30, 60, 120, 300},
			},
		),
	}
}

// Describe is part of the prometheus.Collector interface.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.scrapes.Describe(ch)
	c.pricePoints.Describe(ch)
	c.targetsDeactivated.Describe(ch)
	c.rateLimitDeferrals.Describe(ch)
	c.notificationsCreated.Describe(ch)
	c.notificationsSent.Describe(ch)
	c.notificationsFailed.Describe(ch)
	c.notificationsSuperseded.Describe(ch)
	c.deliveryAttempts.Describe(ch)
	c.cycleDuration.Describe(ch)
}

// Collect is part of the prometheus.Collector interface.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.scrapes.Collect(ch)
	c.pricePoints.Collect(ch)
	c.targetsDeactivated.Collect(ch)
	c.rateLimitDeferrals.Collect(ch)
	c.notificationsCreated.Collect(ch)
	c.notificationsSent.Collect(ch)
	c.notificationsFailed.Collect(ch)
	c.notificationsSuperseded.Collect(ch)
	c.deliveryAttempts.Collect(ch)
	c.cycleDuration.Collect(ch)
}

func (c *Collector) Scrape(adapter, outcome string) {
	if c == nil {
		return
	}
	c.scrapes.WithLabelValues(adapter, outcome).Inc()
	if outcome == OutcomeDeferred {
		c.rateLimitDeferrals.WithLabelValues(adapter).Inc()
	}
}

func (c *Collector) PricePointAppended() {
	if c != nil {
		c.pricePoints.Inc()
	}
}

func (c *Collector) TargetDeactivated() {
	if c != nil {
		c.targetsDeactivated.Inc()
	}
}

func (c *Collector) NotificationCreated() {
	if c != nil {
		c.notificationsCreated.Inc()
	}
}

func (c *Collector) DeliveryAttempt() {
	if c != nil {
		c.deliveryAttempts.Inc()
	}
}

func (c *Collector) NotificationSent() {
	if c != nil {
		c.notificationsSent.Inc()
	}
}

func (c *Collector) NotificationFailed() {
	if c != nil {
		c.notificationsFailed.Inc()
	}
}

func (c *Collector) NotificationSuperseded() {
	if c != nil {
		c.notificationsSuperseded.Inc()
	}
}

func (c *Collector) CycleFinished(d time.Duration) {
	if c != nil {
		c.cycleDuration.Observe(d.Seconds())
	}
}
