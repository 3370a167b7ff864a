package repository

import (
	"context"

	"github.com/jmehdipour/event-gateway/internal/model"
	"github.com/jmoiron/sqlx"
)

type OutcomeQuery struct {
	EventID string
	Result  model.OutcomeResult
	Limit   int
	Offset  int
}

// CHOutcomesRepository reads delivery outcomes back from ClickHouse.
type CHOutcomesRepository interface {
	ListByOwner(ctx context.Context, ownerID string, q OutcomeQuery) ([]model.Outcome, error)
}

type chOutcomesRepository struct {
	ch *sqlx.DB // ClickHouse connection
}

func NewCHOutcomesRepository(ch *sqlx.DB) CHOutcomesRepository {
	return &chOutcomesRepository{ch: ch}
}

func (r *chOutcomesRepository) ListByOwner(ctx context.Context, ownerID string, q OutcomeQuery) ([]model.Outcome, error) {
	if q.Limit <= 0 || q.Limit > 1000 {
		q.Limit = 50
	}
	if q.Offset < 0 {
		q.Offset = 0
	}

	query := `
		SELECT event_id, owner_id, type, attempt, result, error, latency_ms, at
		FROM evgw.delivery_outcomes
		WHERE owner_id = ?
	`
	args := []any{ownerID}

	if q.EventID != "" {
		query += " AND event_id = ?"
		args = append(args, q.EventID)
	}
	if q.Result != "" {
		query += " AND result = ?"
		args = append(args, q.Result.String())
	}

	query += " ORDER BY at DESC LIMIT ? OFFSET ?"
	args = append(args, q.Limit, q.Offset)

	var rows []model.Outcome
	if err := r.ch.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	return rows, nil
}
