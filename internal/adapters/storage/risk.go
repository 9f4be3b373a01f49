package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/alejandrodnm/deltamaker/internal/domain"
)

// ─── Kill Switch ─────────────────────────────────────────────────────────────

// SaveKillSwitch persiste el estado del kill switch.
func (s *SQLiteStorage) SaveKillSwitch(ctx context.Context, ks domain.KillSwitchState) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE kill_switch SET
		  engaged=?, source=?, reason=?, engaged_at=?, cleared_at=?, cleared_by=?
		WHERE id=1`,
		boolToInt(ks.Engaged), string(ks.Source), ks.Reason,
		nullTimeVal(ks.EngagedAt), nullTimeVal(ks.ClearedAt), ks.ClearedBy,
	)
	if err != nil {
		return fmt.Errorf("storage.SaveKillSwitch: %w", err)
	}
	return nil
}

// LoadKillSwitch carga el estado persistido del kill switch.
func (s *SQLiteStorage) LoadKillSwitch(ctx context.Context) (domain.KillSwitchState, error) {
	var ks domain.KillSwitchState
	var engaged int
	var source string
	var engagedAt, clearedAt sql.NullTime

	err := s.db.QueryRowContext(ctx, `
		SELECT engaged, source, reason, engaged_at, cleared_at, cleared_by
		FROM kill_switch WHERE id=1`).Scan(
		&engaged, &source, &ks.Reason, &engagedAt, &clearedAt, &ks.ClearedBy,
	)
	if err != nil {
		return ks, fmt.Errorf("storage.LoadKillSwitch: %w", err)
	}

	ks.Engaged = engaged != 0
	ks.Source = domain.KillSwitchSource(source)
	if t := timePtr(engagedAt); t != nil {
		ks.EngagedAt = *t
	}
	if t := timePtr(clearedAt); t != nil {
		ks.ClearedAt = *t
	}
	return ks, nil
}

// ─── Daily PnL ───────────────────────────────────────────────────────────────

// SaveDailyPnL hace upsert de los contadores del día.
func (s *SQLiteStorage) SaveDailyPnL(ctx context.Context, d domain.DailyPnL) error {
	updated := d.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO risk_daily (date, realized_pnl, unrealized_pnl, loss_count, fill_count, updated_at)
		VALUES (?,?,?,?,?,?)
		ON CONFLICT(date) DO UPDATE SET
		  realized_pnl=excluded.realized_pnl, unrealized_pnl=excluded.unrealized_pnl,
		  loss_count=excluded.loss_count, fill_count=excluded.fill_count,
		  updated_at=excluded.updated_at`,
		d.Date, d.RealizedPnL, d.UnrealizedPnL, d.LossCount, d.FillCount, updated.UTC(),
	)
	if err != nil {
		return fmt.Errorf("storage.SaveDailyPnL: %w", err)
	}
	return nil
}

// LoadDailyPnL devuelve los contadores de date. Un día sin fila devuelve ceros.
func (s *SQLiteStorage) LoadDailyPnL(ctx context.Context, date string) (domain.DailyPnL, error) {
	d := domain.DailyPnL{Date: date}
	err := s.db.QueryRowContext(ctx, `
		SELECT realized_pnl, unrealized_pnl, loss_count, fill_count, updated_at
		FROM risk_daily WHERE date=?`, date).Scan(
		&d.RealizedPnL, &d.UnrealizedPnL, &d.LossCount, &d.FillCount, &d.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return d, nil
	}
	if err != nil {
		return d, fmt.Errorf("storage.LoadDailyPnL: %w", err)
	}
	return d, nil
}
