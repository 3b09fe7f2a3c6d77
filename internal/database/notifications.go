package database

import (
	"context"
	"database/sql"
	"time"

	"github.com/juju/errors"

	"monitor-precos/internal/models"
)

const notificationColumns = `id, subscription_id, target_id, price_point_id, owner_id, channel, old_price,
	new_price, currency, triggered_at, status, attempts, last_attempt, last_error, created_at`

func scanNotification(row scanner) (models.NotificationRecord, error) {
	var (
		n           models.NotificationRecord
		triggered   int64
		lastAttempt sql.NullTime
	)
	err := row.Scan(&n.ID, &n.SubscriptionID, &n.TargetID, &n.PricePointID, &n.OwnerID, &n.Channel, &n.OldPrice,
		&n.NewPrice, &n.Currency, &triggered, &n.Status, &n.Attempts, &lastAttempt, &n.LastError, &n.CreatedAt)
	if err != nil {
		return models.NotificationRecord{}, err
	}
	n.TriggeredAt = fromNanos(triggered)
	if lastAttempt.Valid {
		n.LastAttempt = lastAttempt.Time
	}
	return n, nil
}

// CreateNotification grava um registro pendente. Se já existir um registro para o
// mesmo par (inscrição, preço), retorna o existente com created=false: a
// restrição de unicidade é quem garante a deduplicação entre workers.
func (db *DB) CreateNotification(ctx context.Context, n models.NotificationRecord) (models.NotificationRecord, bool, error) {
	n.Status = models.StatusPending
	n.Attempts = 0
	n.CreatedAt = db.now()
	res, err := db.conn.ExecContext(ctx,
		`INSERT INTO notifications (subscription_id, target_id, price_point_id, owner_id, channel, old_price,
			new_price, currency, triggered_at, status, attempts, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?)`,
		n.SubscriptionID, n.TargetID, n.PricePointID, n.OwnerID, n.Channel, n.OldPrice,
		n.NewPrice, n.Currency, nanos(n.TriggeredAt), n.Status, n.CreatedAt)
	if isUniqueViolation(err) {
		existing, err := db.findNotification(ctx, n.SubscriptionID, n.PricePointID)
		if err != nil {
			return models.NotificationRecord{}, false, errors.Trace(err)
		}
		return existing, false, nil
	}
	if err != nil {
		return models.NotificationRecord{}, false, errors.Annotate(err, "inserindo notificação")
	}
	if n.ID, err = res.LastInsertId(); err != nil {
		return models.NotificationRecord{}, false, errors.Trace(err)
	}
	n.TriggeredAt = n.TriggeredAt.UTC()
	return n, true, nil
}

func (db *DB) findNotification(ctx context.Context, subscriptionID, pricePointID int64) (models.NotificationRecord, error) {
	n, err := scanNotification(db.conn.QueryRowContext(ctx,
		"SELECT "+notificationColumns+" FROM notifications WHERE subscription_id = ? AND price_point_id = ?",
		subscriptionID, pricePointID))
	if err != nil {
		return models.NotificationRecord{}, notFoundOr(err, "notificação (%d, %d)", subscriptionID, pricePointID)
	}
	return n, nil
}

// GetNotification retorna uma notificação pelo ID
func (db *DB) GetNotification(ctx context.Context, id int64) (models.NotificationRecord, error) {
	n, err := scanNotification(db.conn.QueryRowContext(ctx,
		"SELECT "+notificationColumns+" FROM notifications WHERE id = ?", id))
	if err != nil {
		return models.NotificationRecord{}, notFoundOr(err, "notificação %d", id)
	}
	return n, nil
}

// PendingNotifications retorna notificações pendentes, da mais antiga para a mais nova
func (db *DB) PendingNotifications(ctx context.Context, limit int) ([]models.NotificationRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	return db.queryNotifications(ctx,
		"SELECT "+notificationColumns+` FROM notifications WHERE status = 'pending'
			ORDER BY triggered_at, id LIMIT ?`, limit)
}

// PendingForSubscription retorna a fila pendente de uma inscrição em ordem de disparo
func (db *DB) PendingForSubscription(ctx context.Context, subscriptionID int64) ([]models.NotificationRecord, error) {
	return db.queryNotifications(ctx,
		"SELECT "+notificationColumns+` FROM notifications WHERE status = 'pending' AND subscription_id = ?
			ORDER BY triggered_at, id`, subscriptionID)
}

// NotificationsForSubscription retorna todas as notificações de uma inscrição em ordem de disparo
func (db *DB) NotificationsForSubscription(ctx context.Context, subscriptionID int64) ([]models.NotificationRecord, error) {
	return db.queryNotifications(ctx,
		"SELECT "+notificationColumns+" FROM notifications WHERE subscription_id = ? ORDER BY triggered_at, id",
		subscriptionID)
}

// SentAfter informa se a inscrição já recebeu uma notificação disparada depois de at
func (db *DB) SentAfter(ctx context.Context, subscriptionID int64, at time.Time) (bool, error) {
	var exists bool
	err := db.conn.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM notifications
			WHERE subscription_id = ? AND status = 'sent' AND triggered_at > ?)`,
		subscriptionID, nanos(at)).Scan(&exists)
	return exists, errors.Trace(err)
}

// RecordDeliveryAttempt registra uma tentativa de entrega que falhou
func (db *DB) RecordDeliveryAttempt(ctx context.Context, id int64, attempts int, at time.Time, reason string) error {
	_, err := db.conn.ExecContext(ctx,
		"UPDATE notifications SET attempts = ?, last_attempt = ?, last_error = ? WHERE id = ? AND status = 'pending'",
		attempts, at.UTC(), reason, id)
	return errors.Trace(err)
}

// MarkNotificationSent marca a notificação como enviada
func (db *DB) MarkNotificationSent(ctx context.Context, id int64, attempts int, at time.Time) error {
	return db.finishNotification(ctx, id, models.StatusSent, attempts, at, "")
}

// MarkNotificationFailed marca a notificação como falha permanente
func (db *DB) MarkNotificationFailed(ctx context.Context, id int64, attempts int, at time.Time, reason string) error {
	return db.finishNotification(ctx, id, models.StatusFailed, attempts, at, reason)
}

func (db *DB) finishNotification(ctx context.Context, id int64, status models.NotificationStatus, attempts int, at time.Time, reason string) error {
	res, err := db.conn.ExecContext(ctx,
		`UPDATE notifications SET status = ?, attempts = ?, last_attempt = ?, last_error = ?
		 WHERE id = ? AND status = 'pending'`,
		status, attempts, at.UTC(), reason, id)
	if err != nil {
		return errors.Trace(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.NotFoundf("notificação pendente %d", id)
	}
	return nil
}

func (db *DB) queryNotifications(ctx context.Context, query string, args ...any) ([]models.NotificationRecord, error) {
	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Trace(err)
	}
	defer rows.Close()

	var out []models.NotificationRecord
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, errors.Trace(err)
		}
		out = append(out, n)
	}
	return out, errors.Trace(rows.Err())
}
