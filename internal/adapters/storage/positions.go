package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/alejandrodnm/deltamaker/internal/domain"
)

// ─── Positions ───────────────────────────────────────────────────────────────

// SavePosition hace upsert de la posición de un token.
func (s *SQLiteStorage) SavePosition(ctx context.Context, p domain.Position) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO positions (token_id, market_id, outcome, size, avg_cost, realized_pnl, updated_at)
		VALUES (?,?,?,?,?,?,?)
		ON CONFLICT(token_id) DO UPDATE SET
		  market_id=excluded.market_id, outcome=excluded.outcome, size=excluded.size,
		  avg_cost=excluded.avg_cost, realized_pnl=excluded.realized_pnl, updated_at=excluded.updated_at`,
		p.TokenID, p.MarketID, string(p.Outcome), p.Size, p.AvgCost, p.RealizedPnL, p.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("storage.SavePosition: %w", err)
	}
	return nil
}

// LoadPositions devuelve el ledger completo, incluidas las posiciones planas.
func (s *SQLiteStorage) LoadPositions(ctx context.Context) ([]domain.Position, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT token_id, market_id, outcome, size, avg_cost, realized_pnl, updated_at
		FROM positions ORDER BY market_id, outcome`)
	if err != nil {
		return nil, fmt.Errorf("storage.LoadPositions: %w", err)
	}
	defer rows.Close()

	var out []domain.Position
	for rows.Next() {
		var p domain.Position
		var outcome string
		if err := rows.Scan(&p.TokenID, &p.MarketID, &outcome, &p.Size, &p.AvgCost, &p.RealizedPnL, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("storage.LoadPositions: scan: %w", err)
		}
		p.Outcome = domain.Outcome(outcome)
		out = append(out, p)
	}
	return out, rows.Err()
}

// ─── Reconciliation ──────────────────────────────────────────────────────────

// SaveReconciliationEvent registra un evento. Los eventos son inmutables.
func (s *SQLiteStorage) SaveReconciliationEvent(ctx context.Context, e domain.ReconciliationEvent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO reconciliation_events (id, market_id, token_id, outcome, local, venue, diff, at)
		VALUES (?,?,?,?,?,?,?,?)`,
		e.ID, e.MarketID, e.TokenID, string(e.Outcome), e.Local, e.Venue, e.Diff, e.At.UTC(),
	)
	if err != nil {
		return fmt.Errorf("storage.SaveReconciliationEvent: %w", err)
	}
	return nil
}

// GetReconciliationEvents devuelve los eventos desde since, más recientes primero.
func (s *SQLiteStorage) GetReconciliationEvents(ctx context.Context, since time.Time) ([]domain.ReconciliationEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, market_id, token_id, outcome, local, venue, diff, at
		FROM reconciliation_events WHERE at >= ? ORDER BY at DESC`, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("storage.GetReconciliationEvents: %w", err)
	}
	defer rows.Close()

	var out []domain.ReconciliationEvent
	for rows.Next() {
		e, err := scanReconciliationEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("storage.GetReconciliationEvents: scan: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanReconciliationEvent(rows *sql.Rows) (domain.ReconciliationEvent, error) {
	var e domain.ReconciliationEvent
	var outcome string
	err := rows.Scan(&e.ID, &e.MarketID, &e.TokenID, &outcome, &e.Local, &e.Venue, &e.Diff, &e.At)
	e.Outcome = domain.Outcome(outcome)
	return e, err
}
