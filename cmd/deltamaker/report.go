package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/alejandrodnm/deltamaker/config"
	"github.com/alejandrodnm/deltamaker/internal/adapters/notify"
	"github.com/alejandrodnm/deltamaker/internal/adapters/storage"
	"github.com/alejandrodnm/deltamaker/internal/application/delta"
	"github.com/alejandrodnm/deltamaker/internal/application/risk"
)

const reportLookback = 24 * time.Hour

// runReport imprime el estado persistido: kill switch, pnl del día,
// posiciones, huérfanas abiertas y reconciliaciones recientes.
func runReport(ctx context.Context, cfg *config.Config, store *storage.SQLiteStorage, out io.Writer) error {
	monitor := risk.NewMonitor(store, nil, nil, riskLimits(cfg.Trading))
	if err := monitor.Restore(ctx); err != nil {
		return fmt.Errorf("report: risk state: %w", err)
	}
	tracker := delta.NewTracker(store, monitor, nil, nil, trackerConfig(cfg.Trading))
	if err := tracker.Restore(ctx); err != nil {
		return fmt.Errorf("report: positions: %w", err)
	}

	orphans, err := store.GetOpenOrphans(ctx)
	if err != nil {
		return fmt.Errorf("report: orphans: %w", err)
	}
	now := time.Now()
	events, err := store.GetReconciliationEvents(ctx, now.Add(-reportLookback))
	if err != nil {
		return fmt.Errorf("report: reconciliation events: %w", err)
	}

	notify.NewConsoleWriter(out).PrintStatus(notify.StatusReport{
		GeneratedAt:     now,
		Risk:            monitor.State(),
		Delta:           tracker.Snapshot(),
		Positions:       tracker.Positions(),
		Orphans:         orphans,
		Reconciliations: events,
	})
	return nil
}
