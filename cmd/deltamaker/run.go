package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alejandrodnm/deltamaker/config"
	"github.com/alejandrodnm/deltamaker/internal/adapters/httpapi"
	"github.com/alejandrodnm/deltamaker/internal/adapters/metrics"
	"github.com/alejandrodnm/deltamaker/internal/adapters/notify"
	"github.com/alejandrodnm/deltamaker/internal/adapters/paper"
	"github.com/alejandrodnm/deltamaker/internal/adapters/polymarket"
	"github.com/alejandrodnm/deltamaker/internal/adapters/storage"
	"github.com/alejandrodnm/deltamaker/internal/application/delta"
	"github.com/alejandrodnm/deltamaker/internal/application/executor"
	"github.com/alejandrodnm/deltamaker/internal/application/orchestrator"
	"github.com/alejandrodnm/deltamaker/internal/application/risk"
	"github.com/alejandrodnm/deltamaker/internal/domain"
	"github.com/alejandrodnm/deltamaker/internal/ports"
	"github.com/coreos/go-systemd/v22/daemon"
)

const paperStepInterval = time.Second

// run arma el engine completo y bloquea hasta que ctx termina y todas las
// ventanas quedan liquidadas.
func run(ctx context.Context, cfg *config.Config, configPath string, store *storage.SQLiteStorage, paperMode bool) error {
	prom := metrics.NewPrometheus()
	alerts := newAlertManager(cfg.Alerts)

	client := polymarket.NewClient(endpoints(cfg.API))
	markets := polymarket.NewSlugMarkets(client, cfg.Markets.Slugs)

	var venue ports.Venue
	if paperMode {
		pv := paper.NewVenue(client)
		go pv.Run(ctx, paperStepInterval)
		venue = pv
		slog.Info("venue: paper (fills simulated against live books)")
	} else {
		if cfg.PrivateKey == "" {
			return errors.New("run: POLY_PRIVATE_KEY is required for live trading (use -paper for a dry run)")
		}
		auth, err := polymarket.NewAuthClient(endpoints(cfg.API), cfg.PrivateKey, cfg.API.Funder)
		if err != nil {
			return fmt.Errorf("run: %w", err)
		}
		if err := auth.EnsureCreds(ctx); err != nil {
			return fmt.Errorf("run: api credentials: %w", err)
		}
		venue = polymarket.NewTradingClient(auth, cfg.API.UserWS)
		slog.Info("venue: polymarket CLOB", "address", auth.Address(), "funder", auth.Funder())
	}

	monitor := risk.NewMonitor(store, alerts, prom, riskLimits(cfg.Trading))
	tracker := delta.NewTracker(store, monitor, alerts, prom, trackerConfig(cfg.Trading))
	monitor.SetExposure(tracker)
	exec := executor.New(venue, monitor, tracker, store, alerts, prom, executorConfig(cfg.Trading))
	tracker.SetInFlight(exec)

	if err := restore(ctx, tracker, monitor, exec); err != nil {
		return err
	}

	runner := orchestrator.NewRunner(markets, venue, exec, tracker, orchestrator.Deps{
		Trader:  exec,
		Risk:    monitor,
		Ledger:  tracker,
		Books:   venue,
		Orphans: store,
		Metrics: prom,
	}, alerts, runnerConfig(cfg))

	watcher, err := config.NewWatcher(configPath, func(c *config.Config) {
		monitor.SetLimits(riskLimits(c.Trading))
		tracker.SetConfig(trackerConfig(c.Trading))
		markets.SetSlugs(c.Markets.Slugs)
		runner.SetConfig(runnerConfig(c))
		slog.Info("config: limits applied",
			"size", c.Trading.PositionSizePerMarket,
			"daily_loss_limit", c.Trading.DailyLossLimit,
			"markets", len(c.Markets.Slugs))
	})
	if err != nil {
		slog.Warn("config: hot reload disabled", "err", err)
	} else {
		go watcher.Run(ctx)
	}

	if cfg.Admin.Listen != "" {
		srv := httpapi.New(httpapi.Deps{
			Risk:    monitor,
			Delta:   tracker,
			Windows: runner,
			Alerts:  alerts,
			Metrics: prom.Handler(),
		})
		go func() {
			if err := srv.Serve(ctx, cfg.Admin.Listen); err != nil {
				slog.Error("httpapi: server stopped", "err", err)
			}
		}()
	}

	notifySupervisor(ctx)
	err = runner.Run(ctx)
	if _, serr := daemon.SdNotify(false, daemon.SdNotifyStopping); serr != nil {
		slog.Debug("systemd: stopping notification failed", "err", serr)
	}
	if err != nil {
		return fmt.Errorf("run: %w", err)
	}

	snap := tracker.Snapshot()
	slog.Info("deltamaker: final exposure", "aggregate_delta", fmt.Sprintf("%+.2f", snap.Aggregate),
		"markets", len(snap.PerMarket), "daily_pnl", fmt.Sprintf("%+.2f", monitor.State().Daily.Total()))
	return nil
}

// restore recupera el estado persistido y cancela las patas que un proceso
// anterior dejó abiertas.
func restore(ctx context.Context, tracker *delta.Tracker, monitor *risk.Monitor, exec *executor.Executor) error {
	if err := tracker.Restore(ctx); err != nil {
		return fmt.Errorf("run: restore positions: %w", err)
	}
	if err := monitor.Restore(ctx); err != nil {
		return fmt.Errorf("run: restore risk state: %w", err)
	}
	n, err := exec.CancelStale(ctx)
	if err != nil {
		return fmt.Errorf("run: cancel stale legs: %w", err)
	}

	st := monitor.State()
	slog.Info("deltamaker: state restored",
		"positions", len(tracker.Positions()),
		"kill_switch", st.KillSwitch.Engaged,
		"daily_pnl", fmt.Sprintf("%+.2f", st.Daily.Total()),
		"stale_legs_cancelled", n,
	)
	if st.KillSwitch.Engaged {
		slog.Warn("deltamaker: kill switch is engaged, no new pairs until cleared",
			"reason", st.KillSwitch.Reason, "since", st.KillSwitch.EngagedAt)
	}
	return nil
}

// notifySupervisor avisa READY a systemd y, si hay watchdog, lo alimenta.
// Fuera de systemd no hace nada.
func notifySupervisor(ctx context.Context) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if err != nil {
		slog.Warn("systemd: ready notification failed", "err", err)
	}
	if !sent {
		return
	}
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval == 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval / 2)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				daemon.SdNotify(false, daemon.SdNotifyWatchdog)
			}
		}
	}()
}

// runKillSwitch activa o limpia el kill switch persistido sin arrancar el engine.
func runKillSwitch(ctx context.Context, cfg *config.Config, store *storage.SQLiteStorage, reason, operator string) error {
	monitor := risk.NewMonitor(store, newAlertManager(cfg.Alerts), nil, riskLimits(cfg.Trading))
	if err := monitor.Restore(ctx); err != nil {
		return fmt.Errorf("kill switch: %w", err)
	}
	if reason != "" {
		if err := monitor.Engage(ctx, domain.KillSwitchManual, reason); err != nil {
			return fmt.Errorf("kill switch: engage: %w", err)
		}
		slog.Warn("kill switch engaged", "reason", reason)
		return nil
	}
	if err := monitor.Clear(ctx, operator); err != nil {
		return fmt.Errorf("kill switch: clear: %w", err)
	}
	slog.Warn("kill switch cleared", "operator", operator)
	return nil
}

// ─── Config → componentes ────────────────────────────────────────────────────

func endpoints(api config.APIConfig) polymarket.Endpoints {
	return polymarket.Endpoints{CLOB: api.CLOBBase, Gamma: api.GammaBase, Data: api.DataBase}
}

func newAlertManager(cfg config.AlertsConfig) *notify.AlertManager {
	channels := []notify.Channel{notify.NewSlogChannel(nil)}
	if cfg.WebhookURL != "" {
		channels = append(channels, notify.NewWebhookChannel(cfg.WebhookURL))
	}
	return notify.NewAlertManager(cfg.Throttle, channels...)
}

func riskLimits(t config.TradingConfig) risk.Limits {
	return risk.Limits{
		PositionSizePerMarket:  t.PositionSizePerMarket,
		MaxConcurrentPositions: t.MaxConcurrentPositions,
		DeltaLimitPct:          t.DeltaLimitPct,
		DailyLossLimit:         t.DailyLossLimit,
		StalenessThreshold:     t.StalenessThreshold,
		MismatchEscalation:     t.MismatchEscalation,
	}
}

func trackerConfig(t config.TradingConfig) delta.Config {
	return delta.Config{Tolerance: t.ReconciliationTolerance, RebalanceThreshold: t.RebalanceThreshold}
}

func executorConfig(t config.TradingConfig) executor.Config {
	return executor.Config{
		OrphanGraceTimeout:  t.OrphanGraceTimeout,
		SubmissionSkewBound: t.SubmissionSkewBound,
		StatusPollInterval:  t.StatusPollInterval,
		CancelMaxRetries:    t.CancelMaxRetries,
		CancelBaseBackoff:   t.CancelBaseBackoff,
	}
}

func runnerConfig(c *config.Config) orchestrator.RunnerConfig {
	t := c.Trading
	return orchestrator.RunnerConfig{
		DiscoveryInterval:      c.Markets.DiscoveryInterval,
		ReconciliationInterval: t.ReconciliationInterval,
		MonitorInterval:        t.MonitorInterval,
		UnknownInterval:        t.StatusPollInterval,
		AutoRebalance:          t.AutoRebalance,
		Window: orchestrator.WindowConfig{
			Size:                  t.PositionSizePerMarket,
			MinEdge:               t.MinEdge,
			MonitorInterval:       t.MonitorInterval,
			UnwindLead:            t.UnwindLead,
			SettleTimeout:         t.SettleTimeout,
			MaxSubmissionAttempts: t.MaxSubmissionAttempts,
			FlattenOnKill:         t.FlattenOnKillEnabled(),
		},
	}
}
