// Package notify entrega as notificações pendentes pelo front-end de chat.
package notify

import (
	"context"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo"
	"github.com/juju/retry"
	"golang.org/x/sync/errgroup"

	"monitor-precos/internal/metrics"
	"monitor-precos/internal/models"
)

var logger = loggo.GetLogger("monitor-precos.notify")

const (
	// ErrDelivery marca falhas de envio que podem ser repetidas
	ErrDelivery = errors.ConstError("falha na entrega")
	// ErrRecipientBlocked indica que o destinatário não aceita mais mensagens
	ErrRecipientBlocked = errors.ConstError("destinatário bloqueou o bot")
)

// ReasonSuperseded é o motivo gravado quando uma queda mais recente da mesma
// inscrição já foi entregue
const ReasonSuperseded = "superseded"

// Sender é a interface de envio do front-end de chat
type Sender interface {
	Send(ctx context.Context, channel string, ownerID int64, payload models.Payload) error
}

// Store é o subconjunto do banco usado pelo dispatcher
type Store interface {
	GetTarget(ctx context.Context, id int64) (models.Target, error)
	GetNotification(ctx context.Context, id int64) (models.NotificationRecord, error)
	PendingNotifications(ctx context.Context, limit int) ([]models.NotificationRecord, error)
	PendingForSubscription(ctx context.Context, subscriptionID int64) ([]models.NotificationRecord, error)
	SentAfter(ctx context.Context, subscriptionID int64, at time.Time) (bool, error)
	RecordDeliveryAttempt(ctx context.Context, id int64, attempts int, at time.Time, reason string) error
	MarkNotificationSent(ctx context.Context, id int64, attempts int, at time.Time) error
	MarkNotificationFailed(ctx context.Context, id int64, attempts int, at time.Time, reason string) error
	DeactivateSubscription(ctx context.Context, id int64) error
}

// Config contém os parâmetros de entrega
type Config struct {
	MaxAttempts   int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	Workers       int
	SweepInterval time.Duration // intervalo da varredura de pendentes
	QueueSize     int
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = time.Second
	}
	if c.MaxDelay < c.BaseDelay {
		c.MaxDelay = 30 * c.BaseDelay
	}
	if c.Workers <= 0 {
		c.Workers = 1
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Minute
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 1024
	}
	return c
}

// FailureFunc é chamada quando uma notificação falha permanentemente
type FailureFunc func(rec models.NotificationRecord, err error)

// Dispatcher entrega notificações pendentes em ordem por inscrição
type Dispatcher struct {
	store     Store
	sender    Sender
	clock     clock.Clock
	metrics   *metrics.Collector
	cfg       Config
	onFailure FailureFunc

	queue chan int64

	locksMu sync.Mutex
	locks   map[int64]*subscriptionLock
}

// subscriptionLock serializa as entregas de uma inscrição; refs conta quem
// está segurando ou esperando o lock
type subscriptionLock struct {
	sync.Mutex
	refs int
}

// NewDispatcher cria o dispatcher
func NewDispatcher(store Store, sender Sender, clk clock.Clock, m *metrics.Collector, cfg Config, onFailure FailureFunc) *Dispatcher {
	if clk == nil {
		clk = clock.WallClock
	}
	cfg = cfg.withDefaults()
	return &Dispatcher{
		store:     store,
		sender:    sender,
		clock:     clk,
		metrics:   m,
		cfg:       cfg,
		onFailure: onFailure,
		queue:     make(chan int64, cfg.QueueSize),
		locks:     make(map[int64]*subscriptionLock),
	}
}

// Enqueue agenda a entrega de uma notificação recém-criada. Com a fila cheia
// o registro continua pendente e é recuperado na próxima varredura.
func (d *Dispatcher) Enqueue(rec models.NotificationRecord) {
	select {
	case d.queue <- rec.ID:
	default:
		logger.Warningf("fila de entrega cheia, notificação %d fica para a varredura", rec.ID)
	}
}

// Run recupera as pendências de execuções anteriores e processa a fila até ctx terminar
func (d *Dispatcher) Run(ctx context.Context) error {
	if n, err := d.RecoverPending(ctx); err != nil {
		logger.Errorf("Erro ao recuperar notificações pendentes: %v", err)
	} else if n > 0 {
		logger.Infof("%d notificações pendentes recuperadas", n)
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < d.cfg.Workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return nil
				case id := <-d.queue:
					if _, err := d.RunDeliverNotification(gctx, id, 0); err != nil && gctx.Err() == nil {
						logger.Errorf("Erro ao entregar notificação %d: %v", id, err)
					}
				}
			}
		})
	}
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-d.clock.After(d.cfg.SweepInterval):
				if _, err := d.RecoverPending(gctx); err != nil && gctx.Err() == nil {
					logger.Errorf("Erro ao recuperar notificações pendentes: %v", err)
				}
			}
		}
	})
	return g.Wait()
}

// RecoverPending coloca na fila as notificações ainda pendentes
func (d *Dispatcher) RecoverPending(ctx context.Context) (int, error) {
	pending, err := d.store.PendingNotifications(ctx, d.cfg.QueueSize)
	if err != nil {
		return 0, errors.Trace(err)
	}
	for _, rec := range pending {
		d.Enqueue(rec)
	}
	return len(pending), nil
}

// RunDeliverNotification entrega a notificação. Pendências mais antigas da mesma
// inscrição são entregues antes. Registros já finalizados não são reenviados.
// attempt indica tentativas já feitas por um executor externo.
func (d *Dispatcher) RunDeliverNotification(ctx context.Context, id int64, attempt int) (models.NotificationStatus, error) {
	rec, err := d.store.GetNotification(ctx, id)
	if err != nil {
		return "", errors.Trace(err)
	}
	if rec.Status != models.StatusPending {
		return rec.Status, nil
	}

	unlock := d.lock(rec.SubscriptionID)
	defer unlock()

	queue, err := d.store.PendingForSubscription(ctx, rec.SubscriptionID)
	if err != nil {
		return "", errors.Trace(err)
	}
	for _, r := range queue {
		if r.TriggeredAt.After(rec.TriggeredAt) || (r.TriggeredAt.Equal(rec.TriggeredAt) && r.ID > rec.ID) {
			break
		}
		if r.ID == rec.ID && attempt-1 > r.Attempts {
			r.Attempts = attempt - 1
		}
		status, err := d.deliver(ctx, r)
		if err != nil {
			return status, errors.Trace(err)
		}
		if r.ID == rec.ID {
			return status, nil
		}
	}

	// entregue por outro worker enquanto esperávamos a vez
	rec, err = d.store.GetNotification(ctx, id)
	if err != nil {
		return "", errors.Trace(err)
	}
	return rec.Status, nil
}

// lock adquire o lock da inscrição e retorna a função que o libera. A entrada
// do mapa é removida quando ninguém mais a usa.
func (d *Dispatcher) lock(subscriptionID int64) func() {
	d.locksMu.Lock()
	l, ok := d.locks[subscriptionID]
	if !ok {
		l = &subscriptionLock{}
		d.locks[subscriptionID] = l
	}
	l.refs++
	d.locksMu.Unlock()

	l.Lock()
	return func() {
		l.Unlock()
		d.locksMu.Lock()
		defer d.locksMu.Unlock()
		l.refs--
		if l.refs == 0 {
			delete(d.locks, subscriptionID)
		}
	}
}

// deliver envia um registro com backoff exponencial até MaxAttempts
func (d *Dispatcher) deliver(ctx context.Context, rec models.NotificationRecord) (models.NotificationStatus, error) {
	newer, err := d.store.SentAfter(ctx, rec.SubscriptionID, rec.TriggeredAt)
	if err != nil {
		return models.StatusPending, errors.Trace(err)
	}
	if newer {
		return d.supersede(ctx, rec)
	}

	target, err := d.store.GetTarget(ctx, rec.TargetID)
	if err != nil {
		return models.StatusPending, errors.Trace(err)
	}
	payload := models.NewPayload(rec, target)

	attempts := rec.Attempts
	remaining := d.cfg.MaxAttempts - attempts
	if remaining <= 0 {
		return d.fail(ctx, rec, attempts, errors.Annotate(ErrDelivery, "tentativas esgotadas"))
	}

	var lastErr error
	err = retry.Call(retry.CallArgs{
		Func: func() error {
			attempts++
			d.metrics.DeliveryAttempt()
			if err := d.sender.Send(ctx, rec.Channel, rec.OwnerID, payload); err != nil {
				return errors.Trace(err)
			}
			return nil
		},
		IsFatalError: func(err error) bool {
			return errors.Is(err, ErrRecipientBlocked)
		},
		NotifyFunc: func(err error, i int) {
			lastErr = err
			logger.Warningf("Erro ao enviar notificação %d (tentativa %d/%d): %v", rec.ID, attempts, d.cfg.MaxAttempts, err)
			if err := d.store.RecordDeliveryAttempt(ctx, rec.ID, attempts, d.clock.Now(), err.Error()); err != nil {
				logger.Errorf("Erro ao registrar tentativa da notificação %d: %v", rec.ID, err)
			}
		},
		Attempts:    remaining,
		Delay:       d.cfg.BaseDelay,
		MaxDelay:    d.cfg.MaxDelay,
		BackoffFunc: retry.ExpBackoff(d.cfg.BaseDelay, d.cfg.MaxDelay, 2, true),
		Clock:       d.clock,
		Stop:        ctx.Done(),
	})

	switch {
	case err == nil:
		if err := d.store.MarkNotificationSent(ctx, rec.ID, attempts, d.clock.Now()); err != nil && !errors.Is(err, errors.NotFound) {
			return models.StatusSent, errors.Trace(err)
		}
		d.metrics.NotificationSent()
		logger.Infof("Notificação enviada para inscrição %d (alvo %d)", rec.SubscriptionID, rec.TargetID)
		return models.StatusSent, nil
	case retry.IsRetryStopped(err):
		return models.StatusPending, errors.Trace(ctx.Err())
	case retry.IsAttemptsExceeded(err):
		if lastErr == nil {
			lastErr = retry.LastError(err)
		}
		return d.fail(ctx, rec, attempts, lastErr)
	default:
		status, ferr := d.fail(ctx, rec, attempts, err)
		if ferr == nil && errors.Is(err, ErrRecipientBlocked) {
			if derr := d.store.DeactivateSubscription(ctx, rec.SubscriptionID); derr != nil {
				logger.Errorf("Erro ao desativar inscrição %d: %v", rec.SubscriptionID, derr)
			} else {
				logger.Warningf("Inscrição %d desativada: destinatário inacessível", rec.SubscriptionID)
			}
		}
		return status, ferr
	}
}

// supersede descarta um registro cuja inscrição já recebeu uma queda mais recente
func (d *Dispatcher) supersede(ctx context.Context, rec models.NotificationRecord) (models.NotificationStatus, error) {
	if err := d.store.MarkNotificationFailed(ctx, rec.ID, rec.Attempts, d.clock.Now(), ReasonSuperseded); err != nil && !errors.Is(err, errors.NotFound) {
		return models.StatusPending, errors.Trace(err)
	}
	d.metrics.NotificationSuperseded()
	logger.Warningf("Notificação %d da inscrição %d descartada: queda mais recente já entregue", rec.ID, rec.SubscriptionID)
	return models.StatusFailed, nil
}

// fail marca o registro como falho e torna a falha visível
func (d *Dispatcher) fail(ctx context.Context, rec models.NotificationRecord, attempts int, cause error) (models.NotificationStatus, error) {
	reason := "desconhecido"
	if cause != nil {
		reason = cause.Error()
	}
	if err := d.store.MarkNotificationFailed(ctx, rec.ID, attempts, d.clock.Now(), reason); err != nil && !errors.Is(err, errors.NotFound) {
		return models.StatusPending, errors.Trace(err)
	}
	d.metrics.NotificationFailed()
	logger.Errorf("Notificação %d da inscrição %d falhou após %d tentativas: %s", rec.ID, rec.SubscriptionID, attempts, reason)
	if d.onFailure != nil {
		rec.Status = models.StatusFailed
		rec.Attempts = attempts
		rec.LastError = reason
		d.onFailure(rec, cause)
	}
	return models.StatusFailed, nil
}
