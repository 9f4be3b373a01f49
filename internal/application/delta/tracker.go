// Package delta lleva el ledger de posiciones por token y calcula la
// exposición neta (delta) por mercado y agregada.
package delta

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/alejandrodnm/deltamaker/internal/domain"
	"github.com/alejandrodnm/deltamaker/internal/ports"
	"github.com/google/uuid"
	"go.uber.org/multierr"
)

// RiskSink es lo que el tracker reporta al Risk Monitor.
type RiskSink interface {
	PostTradeAccount(ctx context.Context, acct domain.FillAccounting)
	MarkToMarket(ctx context.Context, marketID string, unrealized float64)
	ReportReconciliation(ctx context.Context, events []domain.ReconciliationEvent)
}

// InFlight dice si un mercado tiene órdenes cuyos fills aún no llegaron al
// ledger (el Executor).
type InFlight interface {
	InFlight(marketID string) bool
}

// Config son los umbrales del tracker. Se pueden cambiar en caliente.
type Config struct {
	Tolerance          float64 // diferencia local/venue que se ignora (shares)
	RebalanceThreshold float64 // |delta agregado| a partir del cual se sugiere cubrir
}

// Tracker es el único que modifica posiciones. Serializa por mercado:
// mercados distintos se actualizan en paralelo.
type Tracker struct {
	store   ports.PositionStore
	risk    RiskSink
	alerts  ports.Alerter
	metrics ports.Metrics
	now     func() time.Time

	cfgMu    sync.RWMutex
	cfg      Config
	inflight InFlight

	mu      sync.RWMutex
	markets map[string]*marketBook // conditionID → libro
	tokens  map[string]string      // tokenID → conditionID
}

// marketBook son las dos posiciones de un mercado. mu serializa sus updates.
type marketBook struct {
	mu         sync.Mutex
	id         string
	up         domain.Position
	down       domain.Position
	matched    float64 // pares completos ya contabilizados como edge
	unrealized float64
	updatedAt  time.Time
}

func (b *marketBook) position(o domain.Outcome) *domain.Position {
	if o == domain.OutcomeDown {
		return &b.down
	}
	return &b.up
}

func (b *marketBook) delta() float64 {
	return b.up.Size - b.down.Size
}

func (b *marketBook) matchedSize() float64 {
	return math.Max(0, math.Min(b.up.Size, b.down.Size))
}

// NewTracker crea el tracker. alerts y metrics pueden ser nil.
func NewTracker(store ports.PositionStore, risk RiskSink, alerts ports.Alerter, metrics ports.Metrics, cfg Config) *Tracker {
	if alerts == nil {
		alerts = ports.NopAlerter{}
	}
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	return &Tracker{
		store:   store,
		risk:    risk,
		alerts:  alerts,
		metrics: metrics,
		now:     time.Now,
		cfg:     cfg,
		markets: make(map[string]*marketBook),
		tokens:  make(map[string]string),
	}
}

// SetConfig aplica nuevos umbrales (recarga de config).
func (t *Tracker) SetConfig(cfg Config) {
	t.cfgMu.Lock()
	t.cfg = cfg
	t.cfgMu.Unlock()
}

// SetClock reemplaza el reloj (tests).
func (t *Tracker) SetClock(now func() time.Time) {
	t.now = now
}

// SetInFlight conecta la fuente de mercados en vuelo. Reconcile no corrige
// esos mercados.
func (t *Tracker) SetInFlight(f InFlight) {
	t.cfgMu.Lock()
	t.inflight = f
	t.cfgMu.Unlock()
}

func (t *Tracker) busy(marketID string) bool {
	t.cfgMu.RLock()
	f := t.inflight
	t.cfgMu.RUnlock()
	return f != nil && f.InFlight(marketID)
}

func (t *Tracker) config() Config {
	t.cfgMu.RLock()
	defer t.cfgMu.RUnlock()
	return t.cfg
}

// Track registra los tokens de un mercado.
func (t *Tracker) Track(m domain.Market) {
	t.mu.Lock()
	defer t.mu.Unlock()
	b := t.bookLocked(m.ConditionID)
	t.tokens[m.Up.TokenID] = m.ConditionID
	t.tokens[m.Down.TokenID] = m.ConditionID

	b.mu.Lock()
	b.up.MarketID, b.up.TokenID, b.up.Outcome = m.ConditionID, m.Up.TokenID, domain.OutcomeUp
	b.down.MarketID, b.down.TokenID, b.down.Outcome = m.ConditionID, m.Down.TokenID, domain.OutcomeDown
	b.mu.Unlock()
}

// bookLocked devuelve (creando si hace falta) el libro del mercado. Requiere t.mu.
func (t *Tracker) bookLocked(marketID string) *marketBook {
	b, ok := t.markets[marketID]
	if !ok {
		b = &marketBook{id: marketID}
		b.up.MarketID, b.up.Outcome = marketID, domain.OutcomeUp
		b.down.MarketID, b.down.Outcome = marketID, domain.OutcomeDown
		t.markets[marketID] = b
	}
	return b
}

func (t *Tracker) book(marketID string) (*marketBook, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	b, ok := t.markets[marketID]
	return b, ok
}

// ─── Fills ───────────────────────────────────────────────────────────────────

// RecordFill aplica el hecho terminal de una pata. Una pata sin fills no
// mueve la posición.
func (t *Tracker) RecordFill(ctx context.Context, fact domain.LegFact) error {
	leg := fact.Leg
	if !leg.HasFills() {
		return nil
	}

	t.mu.Lock()
	marketID := leg.MarketID
	if m, ok := t.tokens[leg.TokenID]; ok {
		marketID = m
	} else {
		t.tokens[leg.TokenID] = marketID
	}
	b := t.bookLocked(marketID)
	t.mu.Unlock()

	qty := leg.FilledSize
	if leg.Side == domain.SideSell {
		qty = -qty
	}

	now := t.now()
	b.mu.Lock()
	pos := b.position(leg.Outcome)
	if pos.TokenID == "" {
		pos.TokenID = leg.TokenID
	}
	realized := pos.Apply(qty, leg.AvgFillPrice)
	pos.UpdatedAt = now

	// edge bloqueado por cada par completo nuevo
	if matched := b.matchedSize(); matched > b.matched {
		edge := (matched - b.matched) * (1 - b.up.AvgCost - b.down.AvgCost)
		pos.RealizedPnL += edge
		realized += edge
	}
	b.matched = b.matchedSize()
	b.updatedAt = now
	saved := *pos
	marketDelta := b.delta()
	b.mu.Unlock()

	var err error
	if serr := t.store.SavePosition(ctx, saved); serr != nil {
		err = fmt.Errorf("delta.RecordFill: save position %s: %w", saved.TokenID, serr)
		slog.Error("delta: position not persisted", "token", saved.TokenID, "err", serr)
	}

	t.metrics.Delta(marketID, marketDelta)
	t.metrics.AggregateDelta(t.AggregateDelta())

	slog.Info("delta: fill recorded",
		"market", marketID,
		"outcome", leg.Outcome,
		"qty", fmt.Sprintf("%+.2f", qty),
		"price", fmt.Sprintf("%.4f", leg.AvgFillPrice),
		"delta", fmt.Sprintf("%+.2f", marketDelta),
		"realized", fmt.Sprintf("%.4f", realized),
	)

	t.risk.PostTradeAccount(ctx, domain.FillAccounting{
		MarketID:    marketID,
		TokenID:     leg.TokenID,
		LegID:       leg.ID,
		Filled:      leg.FilledSize,
		RealizedPnL: realized,
		At:          now,
	})
	return err
}

// ─── Delta ───────────────────────────────────────────────────────────────────

// ComputeDelta devuelve up - down del mercado, en shares.
func (t *Tracker) ComputeDelta(marketID string) float64 {
	b, ok := t.book(marketID)
	if !ok {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.delta()
}

// AggregateDelta suma el delta de todos los mercados.
func (t *Tracker) AggregateDelta() float64 {
	return t.Snapshot().Aggregate
}

// Snapshot devuelve el delta por mercado y el agregado.
func (t *Tracker) Snapshot() domain.DeltaSnapshot {
	snap := domain.DeltaSnapshot{At: t.now(), PerMarket: make(map[string]float64)}
	for _, b := range t.books() {
		b.mu.Lock()
		d := b.delta()
		b.mu.Unlock()
		snap.PerMarket[b.id] = d
		snap.Aggregate += d
	}
	return snap
}

// MarketSize devuelve el tamaño de la pata más grande del mercado, en shares.
func (t *Tracker) MarketSize(marketID string) float64 {
	b, ok := t.book(marketID)
	if !ok {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return math.Max(math.Abs(b.up.Size), math.Abs(b.down.Size))
}

// Positions devuelve una copia del ledger (posiciones no planas).
func (t *Tracker) Positions() []domain.Position {
	var out []domain.Position
	for _, b := range t.books() {
		b.mu.Lock()
		for _, p := range []domain.Position{b.up, b.down} {
			if !p.Flat() {
				out = append(out, p)
			}
		}
		b.mu.Unlock()
	}
	return out
}

func (t *Tracker) books() []*marketBook {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*marketBook, 0, len(t.markets))
	for _, b := range t.markets {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// MarkToMarket valora el exceso no emparejado a los mids y lo reporta al
// Risk Monitor. Devuelve el pnl no realizado del mercado.
func (t *Tracker) MarkToMarket(ctx context.Context, marketID string, midUp, midDown float64) float64 {
	b, ok := t.book(marketID)
	if !ok {
		return 0
	}
	b.mu.Lock()
	matched := b.matchedSize()
	var u float64
	if midUp > 0 {
		u += (b.up.Size - matched) * (midUp - b.up.AvgCost)
	}
	if midDown > 0 {
		u += (b.down.Size - matched) * (midDown - b.down.AvgCost)
	}
	b.unrealized = u
	b.mu.Unlock()

	t.risk.MarkToMarket(ctx, marketID, u)
	return u
}

// ─── Rebalance ───────────────────────────────────────────────────────────────

// SuggestRebalance propone comprar la pata opuesta a la dirección neta cuando
// |delta agregado| supera el umbral. Es sólo una sugerencia.
func (t *Tracker) SuggestRebalance() (domain.RebalanceInstruction, bool) {
	snap := t.Snapshot()
	threshold := t.config().RebalanceThreshold
	if math.Abs(snap.Aggregate) <= threshold || snap.Aggregate == 0 {
		return domain.RebalanceInstruction{}, false
	}

	sign := 1.0
	side := domain.OutcomeDown
	if snap.Aggregate < 0 {
		sign, side = -1, domain.OutcomeUp
	}

	// el mercado que más aporta a la dirección neta
	var best string
	bestContrib := 0.0
	ids := make([]string, 0, len(snap.PerMarket))
	for id := range snap.PerMarket {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if c := snap.PerMarket[id] * sign; c > bestContrib {
			best, bestContrib = id, c
		}
	}

	return domain.RebalanceInstruction{
		MarketID: best,
		Side:     side,
		Size:     math.Abs(snap.Aggregate),
		Delta:    snap.Aggregate,
	}, true
}

// ─── Reconciliación ──────────────────────────────────────────────────────────

// Reconcile compara el ledger con la foto del venue y corrige lo local a lo
// del venue. Los mercados tocados después de snap.At o con órdenes en vuelo
// se saltan este ciclo.
// Un token seguido que el venue no reporta cuenta como 0; los tokens que no
// seguimos se ignoran.
func (t *Tracker) Reconcile(ctx context.Context, snap domain.VenueSnapshot) ([]domain.ReconciliationEvent, error) {
	venue := make(map[string]domain.VenuePosition, len(snap.Positions))
	for _, p := range snap.Positions {
		venue[p.TokenID] = p
	}
	tol := t.config().Tolerance
	now := t.now()

	var (
		events  []domain.ReconciliationEvent
		changed []domain.Position
	)
	for _, b := range t.books() {
		if t.busy(b.id) {
			slog.Debug("delta: market has orders in flight, skipping", "market", b.id)
			continue
		}
		b.mu.Lock()
		if b.updatedAt.After(snap.At) {
			b.mu.Unlock()
			slog.Debug("delta: market updated after snapshot, skipping", "market", b.id)
			continue
		}
		for _, pos := range []*domain.Position{&b.up, &b.down} {
			if pos.TokenID == "" {
				continue
			}
			vp := venue[pos.TokenID]
			diff := vp.Size - pos.Size
			if math.Abs(diff) <= tol {
				continue
			}

			ev := domain.ReconciliationEvent{
				ID:       uuid.NewString(),
				MarketID: b.id,
				TokenID:  pos.TokenID,
				Outcome:  pos.Outcome,
				Local:    pos.Size,
				Venue:    vp.Size,
				Diff:     diff,
				At:       now,
			}
			events = append(events, ev)

			pos.Size = vp.Size
			switch {
			case pos.Flat():
				pos.Size, pos.AvgCost = 0, 0
			case vp.AvgPrice > 0:
				pos.AvgCost = vp.AvgPrice
			}
			pos.UpdatedAt = now
			changed = append(changed, *pos)
		}
		// la corrección no genera edge
		b.matched = b.matchedSize()
		b.mu.Unlock()
	}

	var errs error
	for _, p := range changed {
		if err := t.store.SavePosition(ctx, p); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("save position %s: %w", p.TokenID, err))
		}
	}
	for _, ev := range events {
		if err := t.store.SaveReconciliationEvent(ctx, ev); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("save event %s: %w", ev.ID, err))
		}
		t.metrics.ReconciliationEvent(ev.MarketID)
		mismatch := &domain.ReconciliationMismatch{Event: ev}
		slog.Warn("delta: reconciliation corrected", "err", mismatch, "diff", fmt.Sprintf("%+.4f", ev.Diff))
		t.alerts.Alert(ctx, domain.Alert{
			Kind:     domain.AlertReconciliationMismatch,
			Level:    domain.AlertWarning,
			Message:  mismatch.Error(),
			MarketID: ev.MarketID,
			Fields:   map[string]any{"token": ev.TokenID, "local": ev.Local, "venue": ev.Venue},
			At:       now,
		})
	}
	if len(events) > 0 {
		snapAfter := t.Snapshot()
		for id, d := range snapAfter.PerMarket {
			t.metrics.Delta(id, d)
		}
		t.metrics.AggregateDelta(snapAfter.Aggregate)
	}

	t.risk.ReportReconciliation(ctx, events)

	if errs != nil {
		return events, fmt.Errorf("delta.Reconcile: %w", errs)
	}
	return events, nil
}

// ─── Ciclo de vida ───────────────────────────────────────────────────────────

// Restore carga el ledger persistido. Las posiciones planas se ignoran.
func (t *Tracker) Restore(ctx context.Context) error {
	positions, err := t.store.LoadPositions(ctx)
	if err != nil {
		return fmt.Errorf("delta.Restore: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	restored := 0
	for _, p := range positions {
		if p.Flat() {
			continue
		}
		b := t.bookLocked(p.MarketID)
		b.mu.Lock()
		*b.position(p.Outcome) = p
		b.matched = b.matchedSize()
		if p.UpdatedAt.After(b.updatedAt) {
			b.updatedAt = p.UpdatedAt
		}
		b.mu.Unlock()
		t.tokens[p.TokenID] = p.MarketID
		restored++
	}
	slog.Info("delta: ledger restored", "positions", restored, "markets", len(t.markets))
	return nil
}

// Settle cierra el mercado al final de la ventana: las shares se resuelven
// fuera del engine, así que el mercado deja de contar para el delta.
// Las filas quedan persistidas con tamaño 0.
func (t *Tracker) Settle(ctx context.Context, marketID string) error {
	t.mu.Lock()
	b, ok := t.markets[marketID]
	if ok {
		delete(t.markets, marketID)
		for token, m := range t.tokens {
			if m == marketID {
				delete(t.tokens, token)
			}
		}
	}
	t.mu.Unlock()
	if !ok {
		return nil
	}

	now := t.now()
	b.mu.Lock()
	final := []domain.Position{b.up, b.down}
	b.mu.Unlock()

	var errs error
	for _, p := range final {
		if p.TokenID == "" {
			continue
		}
		slog.Info("delta: position settled", "market", marketID, "outcome", p.Outcome,
			"size", fmt.Sprintf("%.2f", p.Size), "realized", fmt.Sprintf("%.4f", p.RealizedPnL))
		p.Size, p.AvgCost, p.UpdatedAt = 0, 0, now
		if err := t.store.SavePosition(ctx, p); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	t.metrics.AggregateDelta(t.AggregateDelta())
	if errs != nil {
		return fmt.Errorf("delta.Settle: %w", errs)
	}
	return nil
}
