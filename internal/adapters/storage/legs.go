package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/alejandrodnm/deltamaker/internal/domain"
)

// ─── Legs ────────────────────────────────────────────────────────────────────

// SaveLeg hace upsert de una pata.
func (s *SQLiteStorage) SaveLeg(ctx context.Context, l domain.OrderLeg) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO legs
		  (id, pair_id, market_id, outcome, token_id, venue_order_id, side, price, size,
		   filled_size, avg_fill_price, state, placed_at, updated_at, reason)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		l.ID, l.PairID, l.MarketID, string(l.Outcome), l.TokenID, l.VenueOrderID, string(l.Side),
		l.Price, l.Size, l.FilledSize, l.AvgFillPrice, string(l.State),
		l.PlacedAt.UTC(), l.UpdatedAt.UTC(), l.Reason,
	)
	if err != nil {
		return fmt.Errorf("storage.SaveLeg: %w", err)
	}
	return nil
}

// GetOpenLegs devuelve las patas no terminales (PENDING u OPEN).
func (s *SQLiteStorage) GetOpenLegs(ctx context.Context) ([]domain.OrderLeg, error) {
	return s.queryLegs(ctx, `WHERE state IN ('PENDING','OPEN')`)
}

// GetLegsByPair devuelve las patas de un par.
func (s *SQLiteStorage) GetLegsByPair(ctx context.Context, pairID string) ([]domain.OrderLeg, error) {
	return s.queryLegs(ctx, `WHERE pair_id=?`, pairID)
}

func (s *SQLiteStorage) queryLegs(ctx context.Context, where string, args ...any) ([]domain.OrderLeg, error) {
	q := `SELECT id, pair_id, market_id, outcome, token_id, venue_order_id, side, price, size,
		         filled_size, avg_fill_price, state, placed_at, updated_at, reason
		  FROM legs ` + where + ` ORDER BY placed_at ASC, outcome DESC`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("storage.queryLegs: %w", err)
	}
	defer rows.Close()

	var legs []domain.OrderLeg
	for rows.Next() {
		l, err := scanLeg(rows)
		if err != nil {
			return nil, fmt.Errorf("storage.queryLegs: scan: %w", err)
		}
		legs = append(legs, l)
	}
	return legs, rows.Err()
}

func scanLeg(rows *sql.Rows) (domain.OrderLeg, error) {
	var l domain.OrderLeg
	var outcome, side, state string
	err := rows.Scan(
		&l.ID, &l.PairID, &l.MarketID, &outcome, &l.TokenID, &l.VenueOrderID, &side,
		&l.Price, &l.Size, &l.FilledSize, &l.AvgFillPrice, &state,
		&l.PlacedAt, &l.UpdatedAt, &l.Reason,
	)
	l.Outcome = domain.Outcome(outcome)
	l.Side = domain.Side(side)
	l.State = domain.LegState(state)
	return l, err
}

// ─── Orphans ─────────────────────────────────────────────────────────────────

// SaveOrphan abre un registro de exposición sin cubrir. Si el par ya tiene
// registro, se conserva el primero.
func (s *SQLiteStorage) SaveOrphan(ctx context.Context, r domain.OrphanRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO orphans (pair_id, market_id, outcome, size, unresolved, opened_at, resolved_at, resolution)
		VALUES (?,?,?,?,?,?,?,?)`,
		r.PairID, r.MarketID, string(r.Outcome), r.Size, boolToInt(r.Unresolved),
		r.OpenedAt.UTC(), nullTime(r.ResolvedAt), r.Resolution,
	)
	if err != nil {
		return fmt.Errorf("storage.SaveOrphan: %w", err)
	}
	return nil
}

// ResolveOrphans cierra los registros abiertos de un mercado.
func (s *SQLiteStorage) ResolveOrphans(ctx context.Context, marketID, resolution string, at time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE orphans SET resolved_at=?, resolution=? WHERE market_id=? AND resolved_at IS NULL`,
		at.UTC(), resolution, marketID)
	if err != nil {
		return 0, fmt.Errorf("storage.ResolveOrphans: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// GetOpenOrphans devuelve los registros sin resolver.
func (s *SQLiteStorage) GetOpenOrphans(ctx context.Context) ([]domain.OrphanRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT pair_id, market_id, outcome, size, unresolved, opened_at, resolved_at, resolution
		FROM orphans WHERE resolved_at IS NULL ORDER BY opened_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("storage.GetOpenOrphans: %w", err)
	}
	defer rows.Close()

	var out []domain.OrphanRecord
	for rows.Next() {
		var r domain.OrphanRecord
		var outcome string
		var unresolved int
		var resolvedAt sql.NullTime
		if err := rows.Scan(&r.PairID, &r.MarketID, &outcome, &r.Size, &unresolved,
			&r.OpenedAt, &resolvedAt, &r.Resolution); err != nil {
			return nil, fmt.Errorf("storage.GetOpenOrphans: scan: %w", err)
		}
		r.Outcome = domain.Outcome(outcome)
		r.Unresolved = unresolved != 0
		r.ResolvedAt = timePtr(resolvedAt)
		out = append(out, r)
	}
	return out, rows.Err()
}
