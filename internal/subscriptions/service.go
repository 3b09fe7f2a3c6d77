// Package subscriptions cria e remove inscrições em nome dos usuários.
package subscriptions

import (
	"context"
	"strings"

	"github.com/juju/errors"
	"github.com/juju/loggo"
	"github.com/shopspring/decimal"

	"monitor-precos/internal/models"
	"monitor-precos/internal/monitor"
	"monitor-precos/internal/scraper"
)

var logger = loggo.GetLogger("monitor-precos.subscriptions")

// Store é o subconjunto do banco usado pelo serviço
type Store interface {
	FindOrCreateProductTarget(ctx context.Context, url, adapter string) (models.Target, error)
	FindOrCreateLabelTarget(ctx context.Context, kind models.TargetKind, label string) (models.Target, error)
	CreateSubscription(ctx context.Context, s models.Subscription) (models.Subscription, error)
	GetSubscription(ctx context.Context, id int64) (models.Subscription, error)
	DeactivateSubscription(ctx context.Context, id int64) error
	ListSubscriptionsByOwner(ctx context.Context, ownerID int64) ([]models.Subscription, error)
	GetTarget(ctx context.Context, id int64) (models.Target, error)
	PriceHistory(ctx context.Context, targetID int64, limit int) ([]models.PricePoint, error)
}

// Resolver encontra o adaptador de uma URL
type Resolver interface {
	Resolve(identifier string) (scraper.Adapter, error)
}

// Checker executa uma consulta imediata
type Checker interface {
	RunScrapeJob(ctx context.Context, targetID int64, attempt int) (monitor.JobResult, error)
}

// Entry é uma inscrição com o alvo correspondente
type Entry struct {
	Subscription models.Subscription
	Target       models.Target
}

// Service implementa as operações de inscrição
type Service struct {
	store    Store
	resolver Resolver
	checker  Checker
}

// NewService cria o serviço
func NewService(store Store, resolver Resolver, checker Checker) *Service {
	return &Service{store: store, resolver: resolver, checker: checker}
}

// CreateSubscription inscreve o usuário em um produto (ref é a URL) ou em um
// rótulo de marca, categoria ou palavra-chave (ref é o rótulo).
func (s *Service) CreateSubscription(ctx context.Context, ownerID int64, kind models.TargetKind, ref string, trigger models.Trigger, channel string) (models.Subscription, error) {
	if !kind.Valid() {
		return models.Subscription{}, errors.NotValidf("tipo %q", kind)
	}
	if err := trigger.Validate(); err != nil {
		return models.Subscription{}, errors.Annotate(err, "gatilho")
	}
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return models.Subscription{}, errors.NotValidf("alvo vazio")
	}

	var (
		target models.Target
		err    error
	)
	if kind == models.KindProduct {
		adapter, rerr := s.resolver.Resolve(ref)
		if rerr != nil {
			return models.Subscription{}, errors.Annotate(rerr, "URL não suportada")
		}
		target, err = s.store.FindOrCreateProductTarget(ctx, ref, adapter.Name())
	} else {
		target, err = s.store.FindOrCreateLabelTarget(ctx, kind, ref)
	}
	if err != nil {
		return models.Subscription{}, errors.Trace(err)
	}

	sub, err := s.store.CreateSubscription(ctx, models.Subscription{
		OwnerID:  ownerID,
		Kind:     kind,
		TargetID: target.ID,
		Label:    target.Label,
		Trigger:  trigger,
		Channel:  channel,
	})
	if err != nil {
		return models.Subscription{}, errors.Trace(err)
	}
	logger.Infof("inscrição %d criada: usuário %d, %s %q, gatilho %s", sub.ID, ownerID, kind, ref, trigger)
	return sub, nil
}

// owned retorna a inscrição ativa se ela pertencer ao usuário
func (s *Service) owned(ctx context.Context, ownerID, id int64) (models.Subscription, error) {
	sub, err := s.store.GetSubscription(ctx, id)
	if err != nil {
		return models.Subscription{}, errors.Trace(err)
	}
	if sub.OwnerID != ownerID || !sub.Active {
		return models.Subscription{}, errors.NotFoundf("inscrição %d", id)
	}
	return sub, nil
}

// DeactivateSubscription remove a inscrição do usuário
func (s *Service) DeactivateSubscription(ctx context.Context, ownerID, id int64) (Entry, error) {
	sub, err := s.owned(ctx, ownerID, id)
	if err != nil {
		return Entry{}, err
	}
	if err := s.store.DeactivateSubscription(ctx, id); err != nil {
		return Entry{}, errors.Trace(err)
	}
	target, err := s.store.GetTarget(ctx, sub.TargetID)
	if err != nil {
		return Entry{}, errors.Trace(err)
	}
	sub.Active = false
	return Entry{Subscription: sub, Target: target}, nil
}

// List retorna as inscrições ativas do usuário
func (s *Service) List(ctx context.Context, ownerID int64) ([]Entry, error) {
	subs, err := s.store.ListSubscriptionsByOwner(ctx, ownerID)
	if err != nil {
		return nil, errors.Trace(err)
	}
	entries := make([]Entry, 0, len(subs))
	for _, sub := range subs {
		target, err := s.store.GetTarget(ctx, sub.TargetID)
		if err != nil {
			return nil, errors.Trace(err)
		}
		entries = append(entries, Entry{Subscription: sub, Target: target})
	}
	return entries, nil
}

// History retorna os últimos preços do produto de uma inscrição
func (s *Service) History(ctx context.Context, ownerID, id int64, limit int) (Entry, []models.PricePoint, error) {
	sub, err := s.owned(ctx, ownerID, id)
	if err != nil {
		return Entry{}, nil, err
	}
	if sub.Kind != models.KindProduct {
		return Entry{}, nil, errors.NotSupportedf("histórico de %s", sub.Kind)
	}
	target, err := s.store.GetTarget(ctx, sub.TargetID)
	if err != nil {
		return Entry{}, nil, errors.Trace(err)
	}
	points, err := s.store.PriceHistory(ctx, target.ID, limit)
	if err != nil {
		return Entry{}, nil, errors.Trace(err)
	}
	return Entry{Subscription: sub, Target: target}, points, nil
}

// Check consulta agora o produto de uma inscrição e retorna o alvo atualizado
func (s *Service) Check(ctx context.Context, ownerID, id int64) (Entry, monitor.JobResult, error) {
	sub, err := s.owned(ctx, ownerID, id)
	if err != nil {
		return Entry{}, monitor.JobResult{}, err
	}
	if sub.Kind != models.KindProduct {
		return Entry{}, monitor.JobResult{}, errors.NotSupportedf("verificação de %s", sub.Kind)
	}
	res, err := s.checker.RunScrapeJob(ctx, sub.TargetID, 1)
	if err != nil {
		return Entry{}, res, errors.Trace(err)
	}
	target, err := s.store.GetTarget(ctx, sub.TargetID)
	if err != nil {
		return Entry{}, res, errors.Trace(err)
	}
	return Entry{Subscription: sub, Target: target}, res, nil
}

// ParseRef interpreta "brand:X", "category:X", "keyword:X" ou uma URL
func ParseRef(arg string) (models.TargetKind, string, error) {
	arg = strings.TrimSpace(arg)
	if prefix, rest, ok := strings.Cut(arg, ":"); ok {
		switch strings.ToLower(prefix) {
		case "brand", "marca":
			return models.KindBrand, rest, nonEmpty(rest)
		case "category", "categoria":
			return models.KindCategory, rest, nonEmpty(rest)
		case "keyword", "palavra":
			return models.KindKeyword, rest, nonEmpty(rest)
		}
	}
	return models.KindProduct, arg, nonEmpty(arg)
}

func nonEmpty(s string) error {
	if strings.TrimSpace(s) == "" {
		return errors.NotValidf("alvo vazio")
	}
	return nil
}

// ParseTrigger interpreta "3000", "2.999,90" ou "15%"
func ParseTrigger(arg string) (models.Trigger, error) {
	arg = strings.TrimSpace(arg)
	if pct, ok := strings.CutSuffix(arg, "%"); ok {
		p, err := decimal.NewFromString(strings.ReplaceAll(pct, ",", "."))
		if err != nil {
			return models.Trigger{}, errors.NotValidf("desconto %q", arg)
		}
		t := models.PercentageTrigger(p)
		if err := t.Validate(); err != nil {
			return models.Trigger{}, errors.Annotate(err, "desconto")
		}
		return t, nil
	}

	clean := arg
	if strings.Contains(clean, ",") {
		clean = strings.ReplaceAll(clean, ".", "")
		clean = strings.ReplaceAll(clean, ",", ".")
	}
	amount, err := decimal.NewFromString(clean)
	if err != nil {
		return models.Trigger{}, errors.NotValidf("preço %q", arg)
	}
	t := models.ThresholdTrigger(amount)
	if err := t.Validate(); err != nil {
		return models.Trigger{}, errors.Annotate(err, "preço")
	}
	return t, nil
}
