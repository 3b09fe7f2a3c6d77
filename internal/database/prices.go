package database

import (
	"context"
	"database/sql"

	"github.com/juju/errors"

	"monitor-precos/internal/models"
)

// AppendResult descreve o resultado de AppendPricePoint
type AppendResult struct {
	Point    models.PricePoint
	Previous *models.PricePoint // preço imediatamente anterior, se houver
	Created  bool               // falso quando o ponto já existia (reexecução)
}

const priceColumns = "id, target_id, price, currency, observed_at, source"

func scanPricePoint(row scanner) (models.PricePoint, error) {
	var (
		p        models.PricePoint
		observed int64
	)
	if err := row.Scan(&p.ID, &p.TargetID, &p.Price, &p.Currency, &observed, &p.Source); err != nil {
		return models.PricePoint{}, err
	}
	p.ObservedAt = fromNanos(observed)
	return p, nil
}

// AppendPricePoint grava um novo preço e atualiza o preço atual do alvo numa
// única transação. Repetir a mesma observação (mesmo observed-at) não cria um
// segundo registro. Observações mais antigas que a última gravada são rejeitadas.
func (db *DB) AppendPricePoint(ctx context.Context, p models.PricePoint) (AppendResult, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return AppendResult{}, errors.Trace(err)
	}
	defer tx.Rollback()

	result := AppendResult{}
	existing, err := scanPricePoint(tx.QueryRowContext(ctx,
		"SELECT "+priceColumns+" FROM price_points WHERE target_id = ? AND observed_at = ?",
		p.TargetID, nanos(p.ObservedAt)))
	switch {
	case err == nil:
		result.Point = existing
	case errors.Is(err, sql.ErrNoRows):
		latest, err := latestPricePoint(ctx, tx, p.TargetID)
		if err != nil {
			return AppendResult{}, errors.Trace(err)
		}
		if latest != nil && p.ObservedAt.Before(latest.ObservedAt) {
			return AppendResult{}, errors.NotValidf("observação %s anterior à última (%s)",
				p.ObservedAt.Format("2006-01-02T15:04:05.000Z07:00"), latest.ObservedAt.Format("2006-01-02T15:04:05.000Z07:00"))
		}

		res, err := tx.ExecContext(ctx,
			"INSERT INTO price_points (target_id, price, currency, observed_at, source, evaluated) VALUES (?, ?, ?, ?, ?, 0)",
			p.TargetID, p.Price, p.Currency, nanos(p.ObservedAt), p.Source)
		if err != nil {
			return AppendResult{}, errors.Annotate(err, "inserindo preço")
		}
		if p.ID, err = res.LastInsertId(); err != nil {
			return AppendResult{}, errors.Trace(err)
		}
		p.ObservedAt = p.ObservedAt.UTC()

		if _, err := tx.ExecContext(ctx,
			"UPDATE targets SET current_price = ?, currency = ?, last_checked = ? WHERE id = ?",
			p.Price, p.Currency, db.now(), p.TargetID); err != nil {
			return AppendResult{}, errors.Annotate(err, "atualizando preço atual")
		}
		result.Point = p
		result.Created = true
	default:
		return AppendResult{}, errors.Trace(err)
	}

	prev, err := scanPricePoint(tx.QueryRowContext(ctx,
		"SELECT "+priceColumns+` FROM price_points WHERE target_id = ? AND observed_at < ?
			ORDER BY observed_at DESC, id DESC LIMIT 1`,
		p.TargetID, nanos(result.Point.ObservedAt)))
	switch {
	case err == nil:
		result.Previous = &prev
	case !errors.Is(err, sql.ErrNoRows):
		return AppendResult{}, errors.Trace(err)
	}

	if err := tx.Commit(); err != nil {
		return AppendResult{}, errors.Trace(err)
	}
	return result, nil
}

func latestPricePoint(ctx context.Context, tx *sql.Tx, targetID int64) (*models.PricePoint, error) {
	p, err := scanPricePoint(tx.QueryRowContext(ctx,
		"SELECT "+priceColumns+" FROM price_points WHERE target_id = ? ORDER BY observed_at DESC, id DESC LIMIT 1",
		targetID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// PendingEvaluation é um preço gravado cujas inscrições ainda não foram avaliadas
type PendingEvaluation struct {
	Point    models.PricePoint
	Previous *models.PricePoint
}

// UnevaluatedPricePoints retorna os preços do alvo ainda não avaliados, do mais
// antigo para o mais novo, cada um com o preço imediatamente anterior.
func (db *DB) UnevaluatedPricePoints(ctx context.Context, targetID int64) ([]PendingEvaluation, error) {
	rows, err := db.conn.QueryContext(ctx,
		"SELECT "+priceColumns+" FROM price_points WHERE target_id = ? AND evaluated = 0 ORDER BY observed_at, id",
		targetID)
	if err != nil {
		return nil, errors.Trace(err)
	}
	var pending []PendingEvaluation
	for rows.Next() {
		p, err := scanPricePoint(rows)
		if err != nil {
			rows.Close()
			return nil, errors.Trace(err)
		}
		pending = append(pending, PendingEvaluation{Point: p})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, errors.Trace(err)
	}

	// a conexão é única: os anteriores só podem ser lidos depois de fechar rows
	for i := range pending {
		prev, err := scanPricePoint(db.conn.QueryRowContext(ctx,
			"SELECT "+priceColumns+` FROM price_points WHERE target_id = ? AND observed_at < ?
				ORDER BY observed_at DESC, id DESC LIMIT 1`,
			targetID, nanos(pending[i].Point.ObservedAt)))
		switch {
		case err == nil:
			pending[i].Previous = &prev
		case !errors.Is(err, sql.ErrNoRows):
			return nil, errors.Trace(err)
		}
	}
	return pending, nil
}

// MarkPricePointEvaluated registra que as inscrições foram avaliadas para o preço
func (db *DB) MarkPricePointEvaluated(ctx context.Context, id int64) error {
	res, err := db.conn.ExecContext(ctx, "UPDATE price_points SET evaluated = 1 WHERE id = ?", id)
	if err != nil {
		return errors.Trace(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Trace(err)
	}
	if n == 0 {
		return errors.NotFoundf("preço %d", id)
	}
	return nil
}

// GetPricePoint retorna um preço pelo ID
func (db *DB) GetPricePoint(ctx context.Context, id int64) (models.PricePoint, error) {
	p, err := scanPricePoint(db.conn.QueryRowContext(ctx,
		"SELECT "+priceColumns+" FROM price_points WHERE id = ?", id))
	if err != nil {
		return models.PricePoint{}, notFoundOr(err, "preço %d", id)
	}
	return p, nil
}

// PriceHistory retorna os preços mais recentes de um alvo, do mais novo para o mais antigo
func (db *DB) PriceHistory(ctx context.Context, targetID int64, limit int) ([]models.PricePoint, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := db.conn.QueryContext(ctx,
		"SELECT "+priceColumns+" FROM price_points WHERE target_id = ? ORDER BY observed_at DESC, id DESC LIMIT ?",
		targetID, limit)
	if err != nil {
		return nil, errors.Trace(err)
	}
	defer rows.Close()

	var points []models.PricePoint
	for rows.Next() {
		p, err := scanPricePoint(rows)
		if err != nil {
			return nil, errors.Trace(err)
		}
		points = append(points, p)
	}
	return points, errors.Trace(rows.Err())
}
