package database

import (
	"context"

	"github.com/juju/errors"

	"monitor-precos/internal/models"
)

const subscriptionSelect = `SELECT s.id, s.owner_id, s.kind, s.target_id, COALESCE(t.label, ''), s.trigger_type,
	s.trigger_amount, s.trigger_percent, s.channel, s.active, s.created_at
	FROM subscriptions s JOIN targets t ON t.id = s.target_id`

func scanSubscription(row scanner) (models.Subscription, error) {
	var s models.Subscription
	err := row.Scan(&s.ID, &s.OwnerID, &s.Kind, &s.TargetID, &s.Label, &s.Trigger.Type,
		&s.Trigger.Amount, &s.Trigger.Percent, &s.Channel, &s.Active, &s.CreatedAt)
	return s, err
}

// CreateSubscription grava uma nova inscrição ativa
func (db *DB) CreateSubscription(ctx context.Context, s models.Subscription) (models.Subscription, error) {
	s.CreatedAt = db.now()
	s.Active = true
	res, err := db.conn.ExecContext(ctx,
		`INSERT INTO subscriptions (owner_id, kind, target_id, trigger_type, trigger_amount, trigger_percent, channel, active, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, 1, ?)`,
		s.OwnerID, s.Kind, s.TargetID, s.Trigger.Type, s.Trigger.Amount, s.Trigger.Percent, s.Channel, s.CreatedAt)
	if err != nil {
		return models.Subscription{}, errors.Annotate(err, "inserindo inscrição")
	}
	if s.ID, err = res.LastInsertId(); err != nil {
		return models.Subscription{}, errors.Trace(err)
	}
	return s, nil
}

// GetSubscription retorna uma inscrição pelo ID
func (db *DB) GetSubscription(ctx context.Context, id int64) (models.Subscription, error) {
	s, err := scanSubscription(db.conn.QueryRowContext(ctx, subscriptionSelect+" WHERE s.id = ?", id))
	if err != nil {
		return models.Subscription{}, notFoundOr(err, "inscrição %d", id)
	}
	return s, nil
}

// DeactivateSubscription desativa uma inscrição
func (db *DB) DeactivateSubscription(ctx context.Context, id int64) error {
	res, err := db.conn.ExecContext(ctx, "UPDATE subscriptions SET active = 0 WHERE id = ?", id)
	if err != nil {
		return errors.Trace(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NotFoundf("inscrição %d", id)
	}
	return nil
}

// ActiveSubscriptions retorna todas as inscrições ativas
func (db *DB) ActiveSubscriptions(ctx context.Context) ([]models.Subscription, error) {
	return db.querySubscriptions(ctx, subscriptionSelect+" WHERE s.active = 1 ORDER BY s.id")
}

// ListSubscriptionsByOwner retorna as inscrições ativas de um usuário
func (db *DB) ListSubscriptionsByOwner(ctx context.Context, ownerID int64) ([]models.Subscription, error) {
	return db.querySubscriptions(ctx,
		subscriptionSelect+" WHERE s.active = 1 AND s.owner_id = ? ORDER BY s.id", ownerID)
}

// SubscriptionsForTarget retorna as inscrições ativas que cobrem o alvo,
// diretamente (produto) ou por marca/categoria/palavra-chave.
func (db *DB) SubscriptionsForTarget(ctx context.Context, t models.Target) ([]models.Subscription, error) {
	subs, err := db.ActiveSubscriptions(ctx)
	if err != nil {
		return nil, errors.Trace(err)
	}
	covering := subs[:0]
	for _, s := range subs {
		if s.Covers(t) {
			covering = append(covering, s)
		}
	}
	return covering, nil
}

func (db *DB) querySubscriptions(ctx context.Context, query string, args ...any) ([]models.Subscription, error) {
	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Trace(err)
	}
	defer rows.Close()

	var subs []models.Subscription
	for rows.Next() {
		s, err := scanSubscription(rows)
		if err != nil {
			return nil, errors.Trace(err)
		}
		subs = append(subs, s)
	}
	return subs, errors.Trace(rows.Err())
}
