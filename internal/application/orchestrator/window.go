// Package orchestrator lleva el ciclo de vida de cada ventana de mercado
// (IDLE → QUOTING → MONITORING → UNWINDING → SETTLED) y el runner que las
// lanza en paralelo.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/alejandrodnm/deltamaker/internal/application/executor"
	"github.com/alejandrodnm/deltamaker/internal/domain"
	"github.com/alejandrodnm/deltamaker/internal/ports"
)

// State es el estado de una ventana.
type State string

const (
	StateIdle       State = "IDLE"
	StateQuoting    State = "QUOTING"
	StateMonitoring State = "MONITORING"
	StateUnwinding  State = "UNWINDING"
	StateSettled    State = "SETTLED"
)

// Trader coloca pares y hedges (el executor).
type Trader interface {
	PlacePair(ctx context.Context, m domain.Market, priceUp, priceDown, size float64) (*executor.Pair, error)
	PlaceHedge(ctx context.Context, m domain.Market, o domain.Outcome, price, size float64) (*executor.Pair, error)
}

// RiskGate es la parte del Risk Monitor que usa una ventana.
type RiskGate interface {
	PreTradeCheck(ctx context.Context, q domain.Quote) error
	RecordMarketData(marketID string, at time.Time)
	CheckStaleness(ctx context.Context, marketID string, now time.Time) error
	Engaged() bool
	Subscribe() (<-chan domain.KillSwitchState, func())
	SettleMarket(ctx context.Context, marketID string)
	Release(marketID string)
}

// Ledger es la parte del Delta Tracker que usa una ventana.
type Ledger interface {
	Track(m domain.Market)
	ComputeDelta(marketID string) float64
	MarkToMarket(ctx context.Context, marketID string, midUp, midDown float64) float64
	Settle(ctx context.Context, marketID string) error
}

// Deps agrupa los colaboradores de una ventana.
type Deps struct {
	Trader  Trader
	Risk    RiskGate
	Ledger  Ledger
	Books   ports.BookProvider
	Orphans ports.LegStore
	Metrics ports.Metrics
}

// WindowConfig son los parámetros de una ventana.
type WindowConfig struct {
	Size                  float64 // shares por pata
	MinEdge               float64
	MonitorInterval       time.Duration
	UnwindLead            time.Duration
	SettleTimeout         time.Duration
	MaxSubmissionAttempts int
	FlattenOnKill         bool
}

// WindowStatus es la foto de una ventana para /status.
type WindowStatus struct {
	MarketID   string            `json:"market_id"`
	Slug       string            `json:"slug"`
	State      State             `json:"state"`
	WindowEnd  time.Time         `json:"window_end"`
	PairID     string            `json:"pair_id,omitempty"`
	PairStatus domain.PairStatus `json:"pair_status,omitempty"`
	Attempts   int               `json:"attempts"`
	Delta      float64           `json:"delta"`
	LastError  string            `json:"last_error,omitempty"`
}

// Window es la máquina de estados de un mercado.
type Window struct {
	market domain.Market
	deps   Deps
	cfg    WindowConfig
	now    func() time.Time

	mu       sync.Mutex
	state    State
	pair     *executor.Pair
	quote    domain.Quote
	attempts int
	lastErr  error

	// sólo los toca la goroutine de Run
	unwindAt  time.Time
	hedge     *executor.Pair
	hedgeAt   time.Time
	flattened bool
	overdue   bool
}

// NewWindow crea la ventana en IDLE.
func NewWindow(m domain.Market, deps Deps, cfg WindowConfig) *Window {
	if deps.Metrics == nil {
		deps.Metrics = ports.NopMetrics{}
	}
	if cfg.MonitorInterval <= 0 {
		cfg.MonitorInterval = 2 * time.Second
	}
	if cfg.MaxSubmissionAttempts <= 0 {
		cfg.MaxSubmissionAttempts = 1
	}
	if cfg.SettleTimeout <= 0 {
		cfg.SettleTimeout = 30 * time.Second
	}
	return &Window{market: m, deps: deps, cfg: cfg, now: time.Now, state: StateIdle}
}

// SetClock reemplaza el reloj (tests).
func (w *Window) SetClock(now func() time.Time) { w.now = now }

// State devuelve el estado actual.
func (w *Window) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Status devuelve la foto de la ventana.
func (w *Window) Status() WindowStatus {
	w.mu.Lock()
	st := WindowStatus{
		MarketID:  w.market.ConditionID,
		Slug:      w.market.Slug,
		State:     w.state,
		WindowEnd: w.market.WindowEnd,
		Attempts:  w.attempts,
	}
	pair, lastErr := w.pair, w.lastErr
	w.mu.Unlock()

	if pair != nil {
		h := pair.Handle()
		st.PairID, st.PairStatus = h.ID, h.Status()
	}
	if lastErr != nil {
		st.LastError = lastErr.Error()
	}
	st.Delta = w.deps.Ledger.ComputeDelta(w.market.ConditionID)
	return st
}

// deadline es el momento en que la ventana deja de cotizar y deshace.
func (w *Window) deadline() time.Time {
	return w.market.WindowEnd.Add(-w.cfg.UnwindLead)
}

func (w *Window) transition(to State) {
	w.mu.Lock()
	from := w.state
	w.state = to
	w.mu.Unlock()
	if from == to {
		return
	}
	w.deps.Metrics.WindowState(w.market.ConditionID, string(to))
	slog.Info("window: state change", "market", w.market.ConditionID, "slug", w.market.Slug,
		"from", from, "to", to)
}

// Run ejecuta la ventana hasta SETTLED. Cancelar ctx deshace lo abierto y
// liquida antes de volver.
func (w *Window) Run(ctx context.Context) {
	w.deps.Ledger.Track(w.market)
	w.deps.Metrics.WindowState(w.market.ConditionID, string(StateIdle))

	ks, unsubscribe := w.deps.Risk.Subscribe()
	defer unsubscribe()
	ticker := time.NewTicker(w.cfg.MonitorInterval)
	defer ticker.Stop()

	for {
		st := w.State()
		if st == StateSettled {
			return
		}
		if ctx.Err() != nil && st != StateUnwinding {
			w.transition(StateUnwinding)
			continue
		}

		var next State
		switch st {
		case StateIdle:
			next = w.stepIdle(ctx)
		case StateQuoting:
			next = w.stepQuoting(ctx)
		case StateMonitoring:
			next = w.stepMonitoring(ctx)
		case StateUnwinding:
			next = w.stepUnwinding(ctx)
		}
		if next == StateSettled {
			w.settle(ctx)
		}
		w.transition(next)

		if next != st || next == StateQuoting {
			continue
		}
		// mismo estado de espera: hasta el próximo tick o un evento
		var pairDone <-chan struct{}
		if p := w.awaited(next); p != nil && !isDone(p) {
			pairDone = p.Done()
		}
		stop := ctx.Done()
		if next == StateUnwinding {
			// ya cancelado: sólo esperamos a las patas
			stop = nil
		}
		select {
		case <-stop:
		case <-ticker.C:
		case <-ks:
		case <-pairDone:
		}
	}
}

func (w *Window) currentPair() *executor.Pair {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.pair
}

// awaited es el par cuyo fin despierta la ventana en el estado dado.
func (w *Window) awaited(st State) *executor.Pair {
	switch st {
	case StateMonitoring:
		return w.currentPair()
	case StateUnwinding:
		if w.hedge != nil {
			return w.hedge
		}
		return w.currentPair()
	}
	return nil
}

func isDone(p *executor.Pair) bool {
	select {
	case <-p.Done():
		return true
	default:
		return false
	}
}

func (w *Window) setErr(err error) {
	w.mu.Lock()
	w.lastErr = err
	w.mu.Unlock()
}

// ─── IDLE ────────────────────────────────────────────────────────────────────

func (w *Window) stepIdle(ctx context.Context) State {
	id := w.market.ConditionID
	if w.deps.Risk.Engaged() {
		slog.Warn("window: kill switch engaged, not quoting", "market", id)
		return StateSettled
	}
	if !w.now().Before(w.deadline()) {
		slog.Info("window: unwind deadline reached before quoting", "market", id)
		return StateSettled
	}

	up, down, err := w.fetchBooks(ctx)
	if err != nil {
		w.setErr(err)
		return StateIdle
	}
	q, ok := PriceQuote(w.market, up, down, w.cfg.Size, w.cfg.MinEdge)
	if !ok {
		slog.Debug("window: no quote at current books", "market", id,
			"up_bid", up.BestBid(), "down_bid", down.BestBid())
		return StateIdle
	}

	if err := w.deps.Risk.PreTradeCheck(ctx, q); err != nil {
		w.setErr(err)
		var rb *domain.RiskBreach
		if errors.As(err, &rb) && rb.Rule == domain.RuleKillSwitch {
			return StateSettled
		}
		slog.Debug("window: pre-trade check blocked quote", "market", id, "err", err)
		return StateIdle
	}

	w.mu.Lock()
	w.quote = q
	w.mu.Unlock()
	return StateQuoting
}

// fetchBooks pide ambos books y alimenta la detección de staleness.
func (w *Window) fetchBooks(ctx context.Context) (domain.OrderBook, domain.OrderBook, error) {
	id := w.market.ConditionID
	upID, downID := w.market.Up.TokenID, w.market.Down.TokenID

	books, err := w.deps.Books.GetOrderBooks(ctx, []string{upID, downID})
	if err == nil {
		up, okUp := books[upID]
		down, okDown := books[downID]
		if okUp && okDown {
			at := up.FetchedAt
			if down.FetchedAt.Before(at) {
				at = down.FetchedAt
			}
			if at.IsZero() {
				at = w.now()
			}
			w.deps.Risk.RecordMarketData(id, at)
			return up, down, nil
		}
		err = fmt.Errorf("books missing for market %s", id)
	}

	slog.Warn("window: book fetch failed", "market", id, "err", err)
	if serr := w.deps.Risk.CheckStaleness(ctx, id, w.now()); serr != nil {
		err = fmt.Errorf("%w (%v)", serr, err)
	}
	return domain.OrderBook{}, domain.OrderBook{}, err
}

// ─── QUOTING ─────────────────────────────────────────────────────────────────

func (w *Window) stepQuoting(ctx context.Context) State {
	w.mu.Lock()
	q := w.quote
	w.mu.Unlock()

	pair, err := w.deps.Trader.PlacePair(ctx, w.market, q.PriceUp, q.PriceDown, q.Size)
	if err == nil {
		w.mu.Lock()
		w.pair = pair
		w.lastErr = nil
		w.mu.Unlock()
		if w.deps.Risk.Engaged() {
			return StateUnwinding
		}
		return StateMonitoring
	}

	w.setErr(err)
	w.mu.Lock()
	w.attempts++
	attempts := w.attempts
	w.mu.Unlock()

	var rb *domain.RiskBreach
	switch {
	case errors.Is(err, domain.ErrSubmission):
		if attempts >= w.cfg.MaxSubmissionAttempts {
			slog.Warn("window: submission attempts exhausted", "market", w.market.ConditionID, "attempts", attempts, "err", err)
			return StateSettled
		}
		slog.Warn("window: submission rejected, retrying", "market", w.market.ConditionID, "attempt", attempts, "err", err)
		return StateIdle
	case errors.As(err, &rb) && rb.Rule == domain.RuleKillSwitch:
		return StateSettled
	case errors.Is(err, domain.ErrRiskBreach), errors.Is(err, domain.ErrStaleMarketData):
		return StateIdle
	default:
		slog.Error("window: quote not placeable", "market", w.market.ConditionID, "err", err)
		return StateSettled
	}
}

// ─── MONITORING ──────────────────────────────────────────────────────────────

func (w *Window) stepMonitoring(ctx context.Context) State {
	id := w.market.ConditionID
	if w.deps.Risk.Engaged() {
		slog.Warn("window: kill switch engaged, unwinding", "market", id)
		return StateUnwinding
	}
	if !w.now().Before(w.deadline()) {
		return StateUnwinding
	}

	if up, down, err := w.fetchBooks(ctx); err == nil {
		w.deps.Ledger.MarkToMarket(ctx, id, up.Midpoint(), down.Midpoint())
	}

	// el venue canceló el par sin fills: se puede volver a cotizar
	if p := w.currentPair(); p != nil {
		select {
		case <-p.Done():
			if p.Handle().Status() == domain.PairBothCancelled {
				w.mu.Lock()
				w.attempts++
				retry := w.attempts < w.cfg.MaxSubmissionAttempts
				if retry {
					w.pair = nil
				}
				w.mu.Unlock()
				if retry {
					slog.Info("window: pair cancelled without fills, re-quoting", "market", id)
					return StateIdle
				}
			}
		default:
		}
	}
	return StateMonitoring
}

// ─── UNWINDING ───────────────────────────────────────────────────────────────

// stepUnwinding cancela lo abierto y, con el kill switch activo, neutraliza
// el delta del mercado. La ventana no sale de UNWINDING mientras quede una
// pata viva: pasado settle_timeout se avisa y el cancel se repite cada tick.
func (w *Window) stepUnwinding(ctx context.Context) State {
	now := w.now()
	if w.unwindAt.IsZero() {
		w.unwindAt = now
	}

	if p := w.currentPair(); p != nil && !isDone(p) {
		p.Cancel("unwind")
		if now.Sub(w.unwindAt) > w.cfg.SettleTimeout {
			w.warnOverdue("pair", now.Sub(w.unwindAt))
		}
		return StateUnwinding
	}

	if w.deps.Risk.Engaged() && w.cfg.FlattenOnKill && !w.flattened {
		w.flattened = true
		w.hedge = w.flatten(context.WithoutCancel(ctx))
		w.hedgeAt = now
	}
	if h := w.hedge; h != nil && !isDone(h) {
		if elapsed := now.Sub(w.hedgeAt); elapsed > w.cfg.SettleTimeout {
			h.Cancel("settle timeout")
			w.warnOverdue("flatten hedge", elapsed)
		}
		return StateUnwinding
	}
	return StateSettled
}

func (w *Window) warnOverdue(what string, elapsed time.Duration) {
	id := w.market.ConditionID
	if w.overdue {
		slog.Debug("window: still waiting for terminal legs", "market", id, "what", what, "elapsed", elapsed)
		return
	}
	w.overdue = true
	err := fmt.Errorf("%s legs not terminal after %s, cancel re-issued each tick", what, elapsed.Round(time.Millisecond))
	w.setErr(err)
	slog.Error("window: legs not terminal within settle timeout", "market", id,
		"what", what, "timeout", w.cfg.SettleTimeout, "err", err)
}

// flatten compra el lado corto al ask para dejar el mercado sin delta.
// Devuelve el hedge colocado o nil.
func (w *Window) flatten(ctx context.Context) *executor.Pair {
	id := w.market.ConditionID
	d := w.deps.Ledger.ComputeDelta(id)
	if math.Abs(d) < 1e-6 {
		return nil
	}
	outcome := domain.OutcomeDown
	if d < 0 {
		outcome = domain.OutcomeUp
	}

	bctx, cancel := context.WithTimeout(ctx, w.cfg.SettleTimeout)
	up, down, err := w.fetchBooks(bctx)
	cancel()
	if err != nil {
		slog.Error("window: cannot flatten without books", "market", id, "delta", d, "err", err)
		return nil
	}
	book := up
	if outcome == domain.OutcomeDown {
		book = down
	}
	price := HedgePrice(w.market, book)
	if price <= 0 {
		slog.Error("window: cannot flatten, no asks", "market", id, "outcome", outcome)
		return nil
	}

	slog.Warn("window: flattening delta after kill switch", "market", id,
		"delta", fmt.Sprintf("%+.2f", d), "buy", outcome, "price", price)
	hedge, err := w.deps.Trader.PlaceHedge(ctx, w.market, outcome, price, math.Abs(d))
	if err != nil {
		slog.Error("window: flatten hedge rejected", "market", id, "err", err)
		return nil
	}
	return hedge
}

// settle cierra la contabilidad de la ventana.
func (w *Window) settle(ctx context.Context) {
	id := w.market.ConditionID
	bg := context.WithoutCancel(ctx)

	if p := w.currentPair(); p != nil {
		if err := p.Err(); err != nil {
			slog.Warn("window: pair finished unhedged", "market", id, "err", err)
		}
	}
	final := w.deps.Ledger.ComputeDelta(id)
	w.deps.Risk.SettleMarket(bg, id)
	if err := w.deps.Ledger.Settle(bg, id); err != nil {
		slog.Error("window: positions not settled", "market", id, "err", err)
	}
	if n, err := w.deps.Orphans.ResolveOrphans(bg, id, "window settled", w.now()); err != nil {
		slog.Error("window: orphan records not resolved", "market", id, "err", err)
	} else if n > 0 {
		slog.Info("window: orphan records resolved", "market", id, "count", n)
	}
	w.deps.Risk.Release(id)
	slog.Info("window: settled", "market", id, "final_delta", fmt.Sprintf("%+.2f", final))
}
