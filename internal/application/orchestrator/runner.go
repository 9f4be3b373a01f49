package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/alejandrodnm/deltamaker/internal/application/executor"
	"github.com/alejandrodnm/deltamaker/internal/domain"
	"github.com/alejandrodnm/deltamaker/internal/ports"
)

// EventRouter consume el stream del venue y resuelve patas UNKNOWN (el executor).
type EventRouter interface {
	Run(ctx context.Context, events <-chan domain.OrderEvent)
	ResolveUnknown(ctx context.Context) int
}

// Reconciler es la parte del Delta Tracker que usa el runner.
type Reconciler interface {
	Reconcile(ctx context.Context, snap domain.VenueSnapshot) ([]domain.ReconciliationEvent, error)
	SuggestRebalance() (domain.RebalanceInstruction, bool)
}

// VenueFeed es el stream de eventos más la foto de posiciones del venue.
type VenueFeed interface {
	ports.EventStream
	ports.PositionProvider
}

// RunnerConfig son los intervalos del runner y la config de cada ventana.
type RunnerConfig struct {
	DiscoveryInterval      time.Duration
	ReconciliationInterval time.Duration
	MonitorInterval        time.Duration
	UnknownInterval        time.Duration
	AutoRebalance          bool
	Window                 WindowConfig
}

const (
	finishedKeep = 50
	seenTTL      = time.Hour
)

// Runner lanza una ventana por mercado y corre los loops globales:
// reconciliación, rebalance y resolución de patas UNKNOWN.
type Runner struct {
	markets ports.MarketProvider
	venue   VenueFeed
	router  EventRouter
	recon   Reconciler
	deps    Deps
	alerts  ports.Alerter
	now     func() time.Time

	cfgMu sync.RWMutex
	cfg   RunnerConfig

	mu        sync.Mutex
	windows   map[string]*Window
	seen      map[string]time.Time // conditionID → fin de ventana
	finished  []WindowStatus
	rebalance *executor.Pair

	wg sync.WaitGroup
}

// NewRunner crea el runner. alerts puede ser nil.
func NewRunner(markets ports.MarketProvider, venue VenueFeed, router EventRouter, recon Reconciler, deps Deps, alerts ports.Alerter, cfg RunnerConfig) *Runner {
	if alerts == nil {
		alerts = ports.NopAlerter{}
	}
	if deps.Metrics == nil {
		deps.Metrics = ports.NopMetrics{}
	}
	if cfg.UnknownInterval <= 0 {
		cfg.UnknownInterval = 30 * time.Second
	}
	return &Runner{
		markets: markets,
		venue:   venue,
		router:  router,
		recon:   recon,
		deps:    deps,
		alerts:  alerts,
		now:     time.Now,
		cfg:     cfg,
		windows: make(map[string]*Window),
		seen:    make(map[string]time.Time),
	}
}

// SetConfig aplica la config recargada. Los intervalos se fijan al arrancar;
// la config de ventana aplica a las ventanas nuevas.
func (r *Runner) SetConfig(cfg RunnerConfig) {
	r.cfgMu.Lock()
	r.cfg.AutoRebalance = cfg.AutoRebalance
	r.cfg.Window = cfg.Window
	r.cfgMu.Unlock()
}

func (r *Runner) config() RunnerConfig {
	r.cfgMu.RLock()
	defer r.cfgMu.RUnlock()
	return r.cfg
}

// Run bloquea hasta que ctx termina y todas las ventanas quedan SETTLED.
func (r *Runner) Run(ctx context.Context) error {
	events, err := r.venue.SubscribeEvents(ctx)
	if err != nil {
		return fmt.Errorf("orchestrator.Run: subscribe events: %w", err)
	}

	var loops sync.WaitGroup
	loops.Add(1)
	go func() {
		defer loops.Done()
		r.router.Run(ctx, events)
	}()

	cfg := r.config()
	discovery := time.NewTicker(cfg.DiscoveryInterval)
	defer discovery.Stop()
	reconcile := time.NewTicker(cfg.ReconciliationInterval)
	defer reconcile.Stop()
	rebalance := time.NewTicker(cfg.MonitorInterval)
	defer rebalance.Stop()
	unknown := time.NewTicker(cfg.UnknownInterval)
	defer unknown.Stop()

	slog.Info("runner: started",
		"discovery", cfg.DiscoveryInterval,
		"reconciliation", cfg.ReconciliationInterval,
		"auto_rebalance", cfg.AutoRebalance,
	)
	r.discover(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("runner: stopping, waiting for windows to settle")
			r.wg.Wait()
			loops.Wait()
			return nil
		case <-discovery.C:
			r.discover(ctx)
		case <-reconcile.C:
			r.Reconcile(ctx)
		case <-rebalance.C:
			r.checkRebalance(ctx)
		case <-unknown.C:
			if n := r.router.ResolveUnknown(ctx); n > 0 {
				slog.Info("runner: UNKNOWN legs resolved", "count", n)
			}
		}
	}
}

// ─── Discovery ───────────────────────────────────────────────────────────────

// discover resuelve los mercados configurados y lanza una ventana por cada
// mercado nuevo y no expirado.
func (r *Runner) discover(ctx context.Context) {
	markets, err := r.markets.ActiveMarkets(ctx)
	if err != nil {
		slog.Warn("runner: market lookup failed", "err", err)
		return
	}
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()
	for id, end := range r.seen {
		if now.Sub(end) > seenTTL {
			delete(r.seen, id)
		}
	}

	cfg := r.config()
	launched := 0
	for _, m := range markets {
		if _, ok := r.seen[m.ConditionID]; ok || m.Expired(now) {
			continue
		}
		r.seen[m.ConditionID] = m.WindowEnd
		w := NewWindow(m, r.deps, cfg.Window)
		r.windows[m.ConditionID] = w
		launched++

		r.wg.Add(1)
		go func(id string) {
			defer r.wg.Done()
			w.Run(ctx)
			r.retire(id, w)
		}(m.ConditionID)
	}
	if launched > 0 {
		slog.Info("runner: windows launched", "new", launched, "active", len(r.windows))
	}
}

func (r *Runner) retire(id string, w *Window) {
	st := w.Status()
	r.mu.Lock()
	delete(r.windows, id)
	r.finished = append(r.finished, st)
	if len(r.finished) > finishedKeep {
		r.finished = r.finished[len(r.finished)-finishedKeep:]
	}
	r.mu.Unlock()
}

// Windows devuelve el estado de las ventanas activas y las últimas cerradas.
func (r *Runner) Windows() []WindowStatus {
	r.mu.Lock()
	active := make([]*Window, 0, len(r.windows))
	for _, w := range r.windows {
		active = append(active, w)
	}
	out := append([]WindowStatus(nil), r.finished...)
	r.mu.Unlock()

	for _, w := range active {
		out = append(out, w.Status())
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].WindowEnd.Before(out[j].WindowEnd) })
	return out
}

// ─── Reconciliación y rebalance ──────────────────────────────────────────────

// Reconcile toma una foto de posiciones del venue y corrige el ledger.
func (r *Runner) Reconcile(ctx context.Context) {
	at := r.now()
	positions, err := r.venue.GetPositions(ctx)
	if err != nil {
		slog.Warn("runner: venue positions unavailable, reconciliation skipped", "err", err)
		return
	}
	events, err := r.recon.Reconcile(ctx, domain.VenueSnapshot{At: at, Positions: positions})
	if err != nil {
		slog.Error("runner: reconciliation incomplete", "err", err)
	}
	slog.Debug("runner: reconciliation done", "venue_positions", len(positions), "events", len(events))
}

func (r *Runner) checkRebalance(ctx context.Context) {
	ins, ok := r.recon.SuggestRebalance()
	if !ok {
		return
	}
	cfg := r.config()
	slog.Info("delta: rebalance suggested", "market", ins.MarketID, "buy", ins.Side,
		"size", fmt.Sprintf("%.2f", ins.Size), "aggregate", fmt.Sprintf("%+.2f", ins.Delta),
		"auto", cfg.AutoRebalance)
	r.alerts.Alert(ctx, domain.Alert{
		Kind:     domain.AlertRebalance,
		Level:    domain.AlertInfo,
		Message:  fmt.Sprintf("aggregate delta %+.2f: buy %.2f %s", ins.Delta, ins.Size, ins.Side),
		MarketID: ins.MarketID,
		At:       r.now(),
	})
	if !cfg.AutoRebalance {
		return
	}

	r.mu.Lock()
	pending := r.rebalance
	w := r.windows[ins.MarketID]
	r.mu.Unlock()
	if pending != nil {
		select {
		case <-pending.Done():
		default:
			return
		}
	}
	if w == nil {
		slog.Warn("runner: rebalance market has no active window", "market", ins.MarketID)
		return
	}

	m := w.market
	token := m.TokenFor(ins.Side).TokenID
	books, err := r.deps.Books.GetOrderBooks(ctx, []string{token})
	if err != nil {
		slog.Warn("runner: rebalance book fetch failed", "market", m.ConditionID, "err", err)
		return
	}
	price := HedgePrice(m, books[token])
	if price <= 0 {
		slog.Warn("runner: rebalance skipped, no asks", "market", m.ConditionID, "outcome", ins.Side)
		return
	}
	hedge, err := r.deps.Trader.PlaceHedge(ctx, m, ins.Side, price, ins.Size)
	if err != nil {
		slog.Warn("runner: rebalance hedge rejected", "market", m.ConditionID, "err", err)
		return
	}
	r.mu.Lock()
	r.rebalance = hedge
	r.mu.Unlock()
}
