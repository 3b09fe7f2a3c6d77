package database

import (
	"context"
	"database/sql"

	"github.com/juju/errors"

	"monitor-precos/internal/models"
)

const targetColumns = `id, kind, url, label, title, brand, category, canonical_url, current_price,
	currency, adapter, last_checked, misses, active, created_at`

func scanTarget(row scanner) (models.Target, error) {
	var (
		t           models.Target
		url, label  sql.NullString
		lastChecked sql.NullTime
	)
	err := row.Scan(&t.ID, &t.Kind, &url, &label, &t.Title, &t.Brand, &t.Category, &t.CanonicalURL,
		&t.CurrentPrice, &t.Currency, &t.Adapter, &lastChecked, &t.Misses, &t.Active, &t.CreatedAt)
	if err != nil {
		return models.Target{}, err
	}
	t.URL = url.String
	t.Label = label.String
	if lastChecked.Valid {
		t.LastChecked = lastChecked.Time
	}
	return t, nil
}

// GetTarget retorna um alvo pelo ID
func (db *DB) GetTarget(ctx context.Context, id int64) (models.Target, error) {
	row := db.conn.QueryRowContext(ctx, "SELECT "+targetColumns+" FROM targets WHERE id = ?", id)
	t, err := scanTarget(row)
	if err != nil {
		return models.Target{}, notFoundOr(err, "alvo %d", id)
	}
	return t, nil
}

// FindOrCreateProductTarget retorna o alvo da URL, criando-o se necessário.
// Um alvo desativado volta a ficar ativo quando alguém se inscreve de novo.
func (db *DB) FindOrCreateProductTarget(ctx context.Context, url, adapter string) (models.Target, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return models.Target{}, errors.Trace(err)
	}
	defer tx.Rollback()

	t, err := scanTarget(tx.QueryRowContext(ctx,
		"SELECT "+targetColumns+" FROM targets WHERE kind = 'product' AND url = ?", url))
	switch {
	case err == nil:
		if !t.Active || t.Adapter != adapter {
			if _, err := tx.ExecContext(ctx,
				"UPDATE targets SET active = 1, misses = 0, adapter = ? WHERE id = ?", adapter, t.ID); err != nil {
				return models.Target{}, errors.Trace(err)
			}
			t.Active, t.Misses, t.Adapter = true, 0, adapter
		}
	case errors.Is(err, sql.ErrNoRows):
		now := db.now()
		res, err := tx.ExecContext(ctx,
			"INSERT INTO targets (kind, url, adapter, active, created_at) VALUES ('product', ?, ?, 1, ?)",
			url, adapter, now)
		if err != nil {
			return models.Target{}, errors.Annotate(err, "inserindo alvo")
		}
		id, err := res.LastInsertId()
		if err != nil {
			return models.Target{}, errors.Trace(err)
		}
		t = models.Target{ID: id, Kind: models.KindProduct, URL: url, Adapter: adapter, Active: true, CreatedAt: now}
	default:
		return models.Target{}, errors.Trace(err)
	}

	if err := tx.Commit(); err != nil {
		return models.Target{}, errors.Trace(err)
	}
	return t, nil
}

// FindOrCreateLabelTarget retorna o alvo de marca/categoria/palavra-chave
func (db *DB) FindOrCreateLabelTarget(ctx context.Context, kind models.TargetKind, label string) (models.Target, error) {
	if kind == models.KindProduct || !kind.Valid() {
		return models.Target{}, errors.NotValidf("tipo de rótulo %q", kind)
	}
	label = models.NormalizeLabel(label)
	if label == "" {
		return models.Target{}, errors.NotValidf("rótulo vazio")
	}

	_, err := db.conn.ExecContext(ctx,
		"INSERT INTO targets (kind, label, active, created_at) VALUES (?, ?, 1, ?) ON CONFLICT DO NOTHING",
		kind, label, db.now())
	if err != nil {
		return models.Target{}, errors.Annotate(err, "inserindo rótulo")
	}

	row := db.conn.QueryRowContext(ctx,
		"SELECT "+targetColumns+" FROM targets WHERE kind = ? AND label = ?", kind, label)
	t, err := scanTarget(row)
	if err != nil {
		return models.Target{}, notFoundOr(err, "rótulo %q", label)
	}
	return t, nil
}

// UpdateTargetMetadata grava os dados descritivos vindos da última consulta
func (db *DB) UpdateTargetMetadata(ctx context.Context, id int64, snap models.ProductSnapshot) error {
	_, err := db.conn.ExecContext(ctx,
		`UPDATE targets SET title = COALESCE(NULLIF(?, ''), title), brand = ?, category = ?,
			canonical_url = COALESCE(NULLIF(?, ''), canonical_url), last_checked = ? WHERE id = ?`,
		snap.Title, snap.Brand, snap.Category, snap.CanonicalURL, db.now(), id)
	return errors.Trace(err)
}

// RecordMiss incrementa o contador de falhas permanentes e retorna o novo valor
func (db *DB) RecordMiss(ctx context.Context, id int64) (int, error) {
	var misses int
	err := db.conn.QueryRowContext(ctx,
		"UPDATE targets SET misses = misses + 1, last_checked = ? WHERE id = ? RETURNING misses",
		db.now(), id).Scan(&misses)
	if err != nil {
		return 0, notFoundOr(err, "alvo %d", id)
	}
	return misses, nil
}

// ResetMisses zera o contador de falhas após uma consulta bem-sucedida
func (db *DB) ResetMisses(ctx context.Context, id int64) error {
	_, err := db.conn.ExecContext(ctx, "UPDATE targets SET misses = 0 WHERE id = ? AND misses <> 0", id)
	return errors.Trace(err)
}

// DeactivateTarget desativa um alvo
func (db *DB) DeactivateTarget(ctx context.Context, id int64) error {
	_, err := db.conn.ExecContext(ctx, "UPDATE targets SET active = 0 WHERE id = ?", id)
	return errors.Trace(err)
}

// ListActiveTargets retorna os produtos ativos cobertos por ao menos uma inscrição ativa
func (db *DB) ListActiveTargets(ctx context.Context) ([]models.Target, error) {
	subs, err := db.ActiveSubscriptions(ctx)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if len(subs) == 0 {
		return nil, nil
	}

	rows, err := db.conn.QueryContext(ctx,
		"SELECT "+targetColumns+" FROM targets WHERE kind = 'product' AND active = 1 ORDER BY id")
	if err != nil {
		return nil, errors.Trace(err)
	}
	defer rows.Close()

	var targets []models.Target
	for rows.Next() {
		t, err := scanTarget(rows)
		if err != nil {
			return nil, errors.Trace(err)
		}
		for _, s := range subs {
			if s.Covers(t) {
				targets = append(targets, t)
				break
			}
		}
	}
	return targets, errors.Trace(rows.Err())
}
