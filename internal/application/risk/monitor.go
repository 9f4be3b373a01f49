// Package risk contiene el Risk Monitor: límites pre-trade, pnl diario,
// kill switch y detección de datos stale.
package risk

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
)

// Limits son los umbrales del monitor. Se pueden cambiar en caliente.
type Limits struct {
	PositionSizePerMarket  float64 // shares por pata
	MaxConcurrentPositions int
	DeltaLimitPct          float64
	DailyLossLimit         float64 // USDC, positivo
	StalenessThreshold     time.Duration
	MismatchEscalation     int // ciclos de reconciliación seguidos con diferencia
}

// MaxAggregateDelta es el techo de |delta agregado| en shares.
func (l Limits) MaxAggregateDelta() float64 {
	return l.DeltaLimitPct / 100 * l.PositionSizePerMarket * float64(l.MaxConcurrentPositions)
}

// Exposure es la vista del ledger que necesita el pre-trade check.
type Exposure interface {
	AggregateDelta() float64
	MarketSize(marketID string) float64
}

// Monitor es el dueño de RiskState.
type Monitor struct {
	ks       *KillSwitch
	store    ports.RiskStore
	alerts   ports.Alerter
	metrics  ports.Metrics
	exposure Exposure
	now      func() time.Time

	mu         sync.Mutex
	limits     Limits
	daily      domain.DailyPnL
	unrealized map[string]float64   // conditionID → pnl no realizado
	active     map[string]struct{}  // mercados con slot reservado
	lastData   map[string]time.Time // conditionID → último book recibido
	suspended  map[string]bool
	unknown    map[string]float64 // legID → exposure sin resolver
	streaks    map[string]int     // tokenID → ciclos seguidos con diferencia
}

// NewMonitor crea el monitor. alerts y metrics pueden ser nil.
func NewMonitor(store ports.RiskStore, alerts ports.Alerter, metrics ports.Metrics, limits Limits) *Monitor {
	if alerts == nil {
		alerts = ports.NopAlerter{}
	}
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	m := &Monitor{
		ks:         NewKillSwitch(store, alerts, metrics),
		store:      store,
		alerts:     alerts,
		metrics:    metrics,
		now:        time.Now,
		limits:     limits,
		unrealized: make(map[string]float64),
		active:     make(map[string]struct{}),
		lastData:   make(map[string]time.Time),
		suspended:  make(map[string]bool),
		unknown:    make(map[string]float64),
		streaks:    make(map[string]int),
	}
	m.daily = domain.DailyPnL{Date: domain.DayKey(m.now())}
	return m
}

// SetExposure conecta el ledger. Se llama una vez durante el wiring, porque
// el tracker a su vez reporta a este monitor.
func (m *Monitor) SetExposure(e Exposure) {
	m.mu.Lock()
	m.exposure = e
	m.mu.Unlock()
}

// SetClock reemplaza el reloj (tests).
func (m *Monitor) SetClock(now func() time.Time) {
	m.mu.Lock()
	m.now = now
	m.daily = domain.DailyPnL{Date: domain.DayKey(now())}
	m.mu.Unlock()
	m.ks.mu.Lock()
	m.ks.now = now
	m.ks.mu.Unlock()
}

// SetLimits aplica nuevos límites (recarga de config).
func (m *Monitor) SetLimits(l Limits) {
	m.mu.Lock()
	m.limits = l
	m.mu.Unlock()
	slog.Info("risk: limits updated",
		"size_per_market", l.PositionSizePerMarket,
		"max_concurrent", l.MaxConcurrentPositions,
		"delta_limit_pct", l.DeltaLimitPct,
		"daily_loss_limit", l.DailyLossLimit,
	)
}

// Limits devuelve los límites vigentes.
func (m *Monitor) Limits() Limits {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.limits
}

// ─── Kill switch ─────────────────────────────────────────────────────────────

// KillSwitch expone el kill switch para suscripciones.
func (m *Monitor) KillSwitch() *KillSwitch { return m.ks }

// Engage activa el kill switch.
func (m *Monitor) Engage(ctx context.Context, source domain.KillSwitchSource, reason string) error {
	return m.ks.Engage(ctx, source, reason)
}

// Clear desactiva el kill switch (manual).
func (m *Monitor) Clear(ctx context.Context, operator string) error {
	return m.ks.Clear(ctx, operator)
}

// Engaged lee el flag del kill switch.
func (m *Monitor) Engaged() bool { return m.ks.Engaged() }

// Subscribe avisa de cada cambio del kill switch.
func (m *Monitor) Subscribe() (<-chan domain.KillSwitchState, func()) {
	return m.ks.Subscribe()
}

// ─── Pre-trade ───────────────────────────────────────────────────────────────

// PreTradeCheck valida una cotización antes de enviarla. Si pasa, el
// mercado queda con el slot reservado hasta Release.
func (m *Monitor) PreTradeCheck(ctx context.Context, q domain.Quote) error {
	if m.ks.Engaged() {
		st := m.ks.State()
		return &domain.RiskBreach{Rule: domain.RuleKillSwitch, Detail: fmt.Sprintf("engaged (%s): %s", st.Source, st.Reason)}
	}

	marketID := q.Market.ConditionID
	if err := m.CheckStaleness(ctx, marketID, m.clock()); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	l := m.limits

	if _, ok := m.active[marketID]; !ok && len(m.active) >= l.MaxConcurrentPositions {
		return &domain.RiskBreach{
			Rule:   domain.RuleMaxConcurrent,
			Detail: fmt.Sprintf("%d active markets, limit %d", len(m.active), l.MaxConcurrentPositions),
		}
	}

	var held, agg float64
	if m.exposure != nil {
		held = m.exposure.MarketSize(marketID)
		agg = m.exposure.AggregateDelta()
	}
	if held+q.Size > l.PositionSizePerMarket+1e-9 {
		return &domain.RiskBreach{
			Rule:   domain.RuleMaxMarketSize,
			Detail: fmt.Sprintf("market %s holds %.2f, quote %.2f, limit %.2f", marketID, held, q.Size, l.PositionSizePerMarket),
		}
	}

	unknown := 0.0
	for _, u := range m.unknown {
		unknown += u
	}
	if projected := math.Abs(agg) + unknown + q.Size; projected > l.MaxAggregateDelta()+1e-9 {
		return &domain.RiskBreach{
			Rule: domain.RuleMaxAggregateDelta,
			Detail: fmt.Sprintf("|delta| %.2f + unresolved %.2f + quote %.2f > %.2f",
				math.Abs(agg), unknown, q.Size, l.MaxAggregateDelta()),
		}
	}

	m.active[marketID] = struct{}{}
	return nil
}

// Release libera el slot del mercado.
func (m *Monitor) Release(marketID string) {
	m.mu.Lock()
	delete(m.active, marketID)
	m.mu.Unlock()
}

// ─── Post-trade ──────────────────────────────────────────────────────────────

// PostTradeAccount suma el pnl realizado de un hecho y evalúa el límite diario.
func (m *Monitor) PostTradeAccount(ctx context.Context, acct domain.FillAccounting) {
	m.mu.Lock()
	m.rolloverLocked()
	m.daily.RealizedPnL += acct.RealizedPnL
	m.daily.FillCount++
	if acct.RealizedPnL < 0 {
		m.daily.LossCount++
	}
	m.daily.UpdatedAt = m.now()
	daily := m.daily
	m.mu.Unlock()

	m.persistDaily(ctx, daily)
	m.checkDailyLoss(ctx, daily)
}

// MarkToMarket actualiza el pnl no realizado del mercado.
func (m *Monitor) MarkToMarket(ctx context.Context, marketID string, unrealized float64) {
	m.mu.Lock()
	m.rolloverLocked()
	m.unrealized[marketID] = unrealized
	m.daily.UnrealizedPnL = m.sumUnrealizedLocked()
	m.daily.UpdatedAt = m.now()
	daily := m.daily
	m.mu.Unlock()

	m.persistDaily(ctx, daily)
	m.checkDailyLoss(ctx, daily)
}

// SettleMarket pasa el pnl no realizado del mercado a realizado al cerrar la ventana.
func (m *Monitor) SettleMarket(ctx context.Context, marketID string) {
	m.mu.Lock()
	m.rolloverLocked()
	u, ok := m.unrealized[marketID]
	delete(m.unrealized, marketID)
	if ok {
		m.daily.RealizedPnL += u
		if u < 0 {
			m.daily.LossCount++
		}
	}
	m.daily.UnrealizedPnL = m.sumUnrealizedLocked()
	m.daily.UpdatedAt = m.now()
	daily := m.daily
	delete(m.lastData, marketID)
	delete(m.suspended, marketID)
	m.mu.Unlock()

	if ok {
		slog.Info("risk: market settled", "market", marketID, "pnl", fmt.Sprintf("%.4f", u))
	}
	m.persistDaily(ctx, daily)
	m.checkDailyLoss(ctx, daily)
}

func (m *Monitor) sumUnrealizedLocked() float64 {
	var s float64
	for _, u := range m.unrealized {
		s += u
	}
	return s
}

// rolloverLocked reinicia los contadores al cambiar el día UTC. El no
// realizado sigue abierto, así que se arrastra.
func (m *Monitor) rolloverLocked() {
	today := domain.DayKey(m.now())
	if m.daily.Date == today {
		return
	}
	slog.Info("risk: daily counters rolled over", "from", m.daily.Date, "to", today,
		"realized", fmt.Sprintf("%.4f", m.daily.RealizedPnL))
	m.daily = domain.DailyPnL{Date: today, UnrealizedPnL: m.sumUnrealizedLocked()}
}

func (m *Monitor) persistDaily(ctx context.Context, d domain.DailyPnL) {
	m.metrics.DailyPnL(d.RealizedPnL, d.UnrealizedPnL)
	if err := m.store.SaveDailyPnL(ctx, d); err != nil {
		slog.Error("risk: daily pnl not persisted", "date", d.Date, "err", err)
	}
}

func (m *Monitor) checkDailyLoss(ctx context.Context, d domain.DailyPnL) {
	limit := m.Limits().DailyLossLimit
	if limit <= 0 || d.Total() > -limit || m.ks.Engaged() {
		return
	}
	reason := fmt.Sprintf("daily loss %.2f reached limit -%.2f", d.Total(), limit)
	m.alerts.Alert(ctx, domain.Alert{
		Kind:        domain.AlertDailyLossBreach,
		Level:       domain.AlertCritical,
		Message:     reason,
		Fields:      map[string]any{"realized": d.RealizedPnL, "unrealized": d.UnrealizedPnL, "limit": limit},
		RequiresAck: true,
		At:          m.clock(),
	})
	if err := m.ks.Engage(ctx, domain.KillSwitchAuto, reason); err != nil {
		slog.Error("risk: kill switch engage failed", "err", err)
	}
}

// ─── Staleness ───────────────────────────────────────────────────────────────

// RecordMarketData marca datos frescos para el mercado. Si estaba suspendido
// se reanuda.
func (m *Monitor) RecordMarketData(marketID string, at time.Time) {
	m.mu.Lock()
	if at.After(m.lastData[marketID]) {
		m.lastData[marketID] = at
	}
	resumed := m.suspended[marketID] && m.now().Sub(m.lastData[marketID]) <= m.limits.StalenessThreshold
	if resumed {
		delete(m.suspended, marketID)
	}
	m.mu.Unlock()

	if resumed {
		m.metrics.Suspended(marketID, false)
		slog.Info("risk: market data fresh again, quoting resumed", "market", marketID)
	}
}

// CheckStaleness devuelve ErrStaleMarketData si el último dato del mercado
// es más viejo que el umbral. La primera detección suspende y alerta.
func (m *Monitor) CheckStaleness(ctx context.Context, marketID string, now time.Time) error {
	m.mu.Lock()
	last, seen := m.lastData[marketID]
	threshold := m.limits.StalenessThreshold
	age := now.Sub(last)
	if seen && age <= threshold {
		m.mu.Unlock()
		return nil
	}
	first := !m.suspended[marketID]
	m.suspended[marketID] = true
	m.mu.Unlock()

	var err error
	if seen {
		err = fmt.Errorf("%w: market %s last data %s ago (threshold %s)", domain.ErrStaleMarketData, marketID, age.Round(time.Millisecond), threshold)
	} else {
		err = fmt.Errorf("%w: market %s has no data yet", domain.ErrStaleMarketData, marketID)
	}

	if first {
		m.metrics.Suspended(marketID, true)
		slog.Warn("risk: market suspended", "market", marketID, "err", err)
		if seen {
			m.alerts.Alert(ctx, domain.Alert{
				Kind:     domain.AlertStaleness,
				Level:    domain.AlertWarning,
				Message:  err.Error(),
				MarketID: marketID,
				At:       now,
			})
		}
	}
	return err
}

// ─── Patas UNKNOWN ───────────────────────────────────────────────────────────

// EscalateUnknownLeg registra una pata cuyo cancel no se pudo confirmar.
// Lo que le queda por llenar cuenta como exposición en el pre-trade check.
func (m *Monitor) EscalateUnknownLeg(ctx context.Context, leg domain.OrderLeg) {
	exposure := leg.Remaining()
	m.mu.Lock()
	m.unknown[leg.ID] = exposure
	n := len(m.unknown)
	m.mu.Unlock()

	slog.Error("risk: leg escalated as UNKNOWN", "leg", leg.ID, "market", leg.MarketID,
		"venue_order", leg.VenueOrderID, "exposure", exposure, "unknown_legs", n)
	m.alerts.Alert(ctx, domain.Alert{
		Kind:     domain.AlertUnknownLeg,
		Level:    domain.AlertCritical,
		Message:  fmt.Sprintf("cancel unconfirmed for leg %s (%s), up to %.2f shares may still fill", leg.ID, leg.Outcome, exposure),
		MarketID: leg.MarketID,
		Fields:   map[string]any{"leg": leg.ID, "venue_order": leg.VenueOrderID},
		At:       m.clock(),
	})
}

// ResolveEscalation limpia una pata UNKNOWN ya confirmada por el venue.
func (m *Monitor) ResolveEscalation(legID string) {
	m.mu.Lock()
	_, ok := m.unknown[legID]
	delete(m.unknown, legID)
	m.mu.Unlock()
	if ok {
		slog.Info("risk: UNKNOWN leg resolved", "leg", legID)
	}
}

// UnknownExposure suma la exposición de las patas UNKNOWN.
func (m *Monitor) UnknownExposure() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var s float64
	for _, u := range m.unknown {
		s += u
	}
	return s
}

// ─── Reconciliación ──────────────────────────────────────────────────────────

// ReportReconciliation cuenta ciclos seguidos con diferencia por token. Un
// ciclo limpio reinicia la racha.
func (m *Monitor) ReportReconciliation(ctx context.Context, events []domain.ReconciliationEvent) {
	hit := make(map[string]domain.ReconciliationEvent, len(events))
	for _, ev := range events {
		hit[ev.TokenID] = ev
	}

	m.mu.Lock()
	threshold := m.limits.MismatchEscalation
	for token := range m.streaks {
		if _, ok := hit[token]; !ok {
			delete(m.streaks, token)
		}
	}
	var escalate []domain.ReconciliationEvent
	for token, ev := range hit {
		m.streaks[token]++
		if threshold > 0 && m.streaks[token] == threshold {
			escalate = append(escalate, ev)
		}
	}
	m.mu.Unlock()

	for _, ev := range escalate {
		slog.Error("risk: repeated reconciliation mismatch", "token", ev.TokenID, "market", ev.MarketID, "cycles", threshold)
		m.alerts.Alert(ctx, domain.Alert{
			Kind:     domain.AlertRepeatedMismatch,
			Level:    domain.AlertCritical,
			Message:  fmt.Sprintf("token %s mismatched venue for %d consecutive cycles (last diff %+.4f)", ev.TokenID, threshold, ev.Diff),
			MarketID: ev.MarketID,
			Fields:   map[string]any{"token": ev.TokenID},
			At:       m.clock(),
		})
	}
}

// ─── Estado ──────────────────────────────────────────────────────────────────

// State devuelve una copia de RiskState.
func (m *Monitor) State() domain.RiskState {
	m.mu.Lock()
	m.rolloverLocked()
	st := domain.RiskState{
		Daily:         m.daily,
		ActiveMarkets: len(m.active),
		UnknownLegs:   len(m.unknown),
	}
	for id := range m.suspended {
		st.Suspended = append(st.Suspended, id)
	}
	m.mu.Unlock()
	sort.Strings(st.Suspended)
	st.KillSwitch = m.ks.State()
	return st
}

// Restore carga el kill switch y los contadores de hoy.
func (m *Monitor) Restore(ctx context.Context) error {
	if err := m.ks.Restore(ctx); err != nil {
		return err
	}
	today := domain.DayKey(m.clock())
	d, err := m.store.LoadDailyPnL(ctx, today)
	if err != nil {
		return fmt.Errorf("risk.Restore: %w", err)
	}
	m.mu.Lock()
	m.daily = d
	m.mu.Unlock()

	m.metrics.DailyPnL(d.RealizedPnL, d.UnrealizedPnL)
	slog.Info("risk: state restored", "date", d.Date,
		"realized", fmt.Sprintf("%.4f", d.RealizedPnL), "kill_switch", m.ks.Engaged())
	return nil
}

func (m *Monitor) clock() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now()
}
