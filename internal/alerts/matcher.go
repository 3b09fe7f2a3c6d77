// Package alerts decide quais inscrições disparam para uma mudança de preço.
package alerts

import (
	"context"
	"sort"

	"github.com/juju/errors"
	"github.com/juju/loggo"
	"github.com/shopspring/decimal"

	"monitor-precos/internal/metrics"
	"monitor-precos/internal/models"
)

var logger = loggo.GetLogger("monitor-precos.alerts")

var hundred = decimal.NewFromInt(100)

// Store é o subconjunto do banco usado pelo matcher
type Store interface {
	GetTarget(ctx context.Context, id int64) (models.Target, error)
	SubscriptionsForTarget(ctx context.Context, t models.Target) ([]models.Subscription, error)
	CreateNotification(ctx context.Context, n models.NotificationRecord) (models.NotificationRecord, bool, error)
}

// Match é uma inscrição que disparou e o registro de notificação correspondente
type Match struct {
	Subscription models.Subscription
	Record       models.NotificationRecord
	Created      bool // falso quando o registro já existia
}

// Matcher avalia eventos de preço contra as inscrições ativas
type Matcher struct {
	store   Store
	metrics *metrics.Collector
}

// NewMatcher cria o matcher
func NewMatcher(store Store, m *metrics.Collector) *Matcher {
	return &Matcher{store: store, metrics: m}
}

// Qualifies aplica a regra do gatilho ao evento.
// Queda percentual exige preço anterior: a primeira observação nunca dispara.
func Qualifies(trigger models.Trigger, ev models.PriceChangeEvent) bool {
	switch trigger.Type {
	case models.TriggerThreshold:
		return ev.NewPrice.LessThanOrEqual(trigger.Amount)
	case models.TriggerPercentage:
		if ev.FirstObservation() || !ev.OldPrice.Decimal.IsPositive() {
			return false
		}
		old := ev.OldPrice.Decimal
		// (old - new) / old >= percent / 100
		return old.Sub(ev.NewPrice).Mul(hundred).GreaterThanOrEqual(trigger.Percent.Mul(old))
	}
	return false
}

// Match encontra as inscrições que disparam para o evento e cria um registro
// pendente para cada uma. Registros já existentes para o mesmo par
// (inscrição, preço) são devolvidos com Created=false.
func (m *Matcher) Match(ctx context.Context, ev models.PriceChangeEvent) ([]Match, error) {
	target, err := m.store.GetTarget(ctx, ev.TargetID)
	if err != nil {
		return nil, errors.Trace(err)
	}
	subs, err := m.store.SubscriptionsForTarget(ctx, target)
	if err != nil {
		return nil, errors.Annotatef(err, "inscrições do alvo %d", target.ID)
	}
	sort.Slice(subs, func(i, j int) bool { return subs[i].ID < subs[j].ID })

	var matches []Match
	for _, sub := range subs {
		if !sub.Active || !sub.Covers(target) || !Qualifies(sub.Trigger, ev) {
			continue
		}
		rec, created, err := m.store.CreateNotification(ctx, models.NotificationRecord{
			SubscriptionID: sub.ID,
			TargetID:       target.ID,
			PricePointID:   ev.PricePointID,
			OwnerID:        sub.OwnerID,
			Channel:        sub.Channel,
			OldPrice:       ev.OldPrice,
			NewPrice:       ev.NewPrice,
			Currency:       ev.Currency,
			TriggeredAt:    ev.ObservedAt,
		})
		if err != nil {
			return matches, errors.Annotatef(err, "notificação da inscrição %d", sub.ID)
		}
		if created {
			m.metrics.NotificationCreated()
			logger.Infof("inscrição %d disparou para o alvo %d (%s %s)", sub.ID, target.ID, ev.NewPrice.StringFixed(2), ev.Currency)
		} else {
			logger.Debugf("notificação já existente para inscrição %d e preço %d", sub.ID, ev.PricePointID)
		}
		matches = append(matches, Match{Subscription: sub, Record: rec, Created: created})
	}
	return matches, nil
}
