// Package executor coloca y supervisa pares de órdenes maker (Up + Down) y
// resuelve las patas huérfanas.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alejandrodnm/deltamaker/internal/domain"
	"github.com/alejandrodnm/deltamaker/internal/ports"
	"github.com/google/uuid"
)

// Gate es lo que el executor necesita del Risk Monitor.
type Gate interface {
	PreTradeCheck(ctx context.Context, q domain.Quote) error
	EscalateUnknownLeg(ctx context.Context, leg domain.OrderLeg)
	ResolveEscalation(legID string)
	Engaged() bool
}

// FactSink recibe los hechos terminales de cada pata (el Delta Tracker).
type FactSink interface {
	RecordFill(ctx context.Context, fact domain.LegFact) error
}

// Config son los tiempos y reintentos del executor.
type Config struct {
	OrphanGraceTimeout  time.Duration
	SubmissionSkewBound time.Duration
	StatusPollInterval  time.Duration
	CancelMaxRetries    int
	CancelBaseBackoff   time.Duration
}

const (
	inboxSize     = 256
	earlyMaxAge   = time.Minute
	earlyMaxCount = 1024
)

// Executor es el Dual-Order Executor.
type Executor struct {
	venue   ports.OrderVenue
	gate    Gate
	facts   FactSink
	legs    ports.LegStore
	alerts  ports.Alerter
	metrics ports.Metrics
	cfg     Config
	now     func() time.Time

	mu      sync.Mutex
	routes  map[string]*Pair             // venueOrderID → par que la supervisa
	early   map[string][]domain.OrderEvent // eventos de órdenes aún sin ruta
	unknown map[string]domain.OrderLeg     // legID → pata UNKNOWN
	live    map[string]int                 // conditionID → pares sin terminar
}

// New crea el executor. alerts y metrics pueden ser nil.
func New(venue ports.OrderVenue, gate Gate, facts FactSink, legs ports.LegStore, alerts ports.Alerter, metrics ports.Metrics, cfg Config) *Executor {
	if alerts == nil {
		alerts = ports.NopAlerter{}
	}
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	if cfg.StatusPollInterval <= 0 {
		cfg.StatusPollInterval = 5 * time.Second
	}
	if cfg.CancelMaxRetries <= 0 {
		cfg.CancelMaxRetries = 1
	}
	return &Executor{
		venue:   venue,
		gate:    gate,
		facts:   facts,
		legs:    legs,
		alerts:  alerts,
		metrics: metrics,
		cfg:     cfg,
		now:     time.Now,
		routes:  make(map[string]*Pair),
		early:   make(map[string][]domain.OrderEvent),
		unknown: make(map[string]domain.OrderLeg),
		live:    make(map[string]int),
	}
}

// ─── Placement ───────────────────────────────────────────────────────────────

type submission struct {
	venueID string
	err     error
	at      time.Time
}

// PlacePair valida la cotización, pasa el pre-trade check y envía ambas patas
// a la vez. Si el venue rechaza alguna, la otra se cancela y se devuelve
// *domain.SubmissionError. El par queda supervisado hasta que ambas patas
// son terminales.
func (e *Executor) PlacePair(ctx context.Context, market domain.Market, priceUp, priceDown, size float64) (*Pair, error) {
	q := domain.Quote{Market: market, PriceUp: priceUp, PriceDown: priceDown, Size: size}
	if err := q.Validate(e.now()); err != nil {
		return nil, fmt.Errorf("executor.PlacePair: %w", err)
	}
	if err := e.gate.PreTradeCheck(ctx, q); err != nil {
		return nil, err
	}

	now := e.now()
	p := newPair(e, market, false, domain.PairHandle{
		ID:        uuid.NewString(),
		MarketID:  market.ConditionID,
		WindowEnd: market.WindowEnd,
		CreatedAt: now,
	})
	e.hold(p)
	up := p.addLeg(e.newLeg(p.id, market, domain.OutcomeUp, priceUp, size, now))
	down := p.addLeg(e.newLeg(p.id, market, domain.OutcomeDown, priceDown, size, now))
	p.syncHandle()

	tracks := []*legTrack{up, down}
	for _, lt := range tracks {
		e.saveLeg(ctx, lt.leg)
	}

	// barrera común: ambas goroutines salen a la vez
	results := make([]submission, len(tracks))
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i, lt := range tracks {
		req := orderRequest(market, lt.leg, true)
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			results[i].at = time.Now()
			results[i].venueID, results[i].err = e.venue.PlaceOrder(ctx, req)
		}(i)
	}
	close(start)
	wg.Wait()

	skew := results[0].at.Sub(results[1].at)
	if skew < 0 {
		skew = -skew
	}
	e.metrics.SubmissionSkew(skew)
	if e.cfg.SubmissionSkewBound > 0 && skew > e.cfg.SubmissionSkewBound {
		slog.Warn("executor: submission skew above bound", "pair", p.id,
			"skew", skew, "bound", e.cfg.SubmissionSkewBound)
	}

	var rejected *legTrack
	var rejectErr error
	for i, lt := range tracks {
		res := results[i]
		if res.err != nil {
			lt.leg.State = domain.LegRejected
			lt.leg.Reason = res.err.Error()
			lt.leg.UpdatedAt = e.now()
			if rejected == nil {
				rejected, rejectErr = lt, res.err
			}
			continue
		}
		lt.leg.VenueOrderID = res.venueID
		lt.leg.State = domain.LegOpen
		lt.leg.UpdatedAt = e.now()
		e.register(res.venueID, p)
	}
	p.syncHandle()

	if rejected != nil {
		return nil, e.abortPair(ctx, p, rejected, rejectErr)
	}

	for _, lt := range tracks {
		e.saveLeg(ctx, lt.leg)
	}
	e.metrics.PairPlaced("placed")
	slog.Info("executor: pair placed",
		"pair", p.id,
		"market", market.ConditionID,
		"up", fmt.Sprintf("%.2f@%.4f", size, priceUp),
		"down", fmt.Sprintf("%.2f@%.4f", size, priceDown),
		"skew", skew,
	)

	go p.supervise(ctx)
	return p, nil
}

// abortPair cancela la pata aceptada tras un rechazo y cierra el par.
func (e *Executor) abortPair(ctx context.Context, p *Pair, rejected *legTrack, cause error) error {
	p.aborted = true
	serr := &domain.SubmissionError{PairID: p.id, Outcome: rejected.leg.Outcome, Err: cause}
	slog.Warn("executor: leg rejected, aborting pair", "pair", p.id, "leg", rejected.leg.Outcome, "err", cause)
	e.metrics.PairPlaced("rejected")
	e.alerts.Alert(ctx, domain.Alert{
		Kind:     domain.AlertSubmissionRejected,
		Level:    domain.AlertWarning,
		Message:  serr.Error(),
		MarketID: p.market.ConditionID,
		At:       e.now(),
	})

	for _, lt := range p.tracks {
		if lt.leg.State == domain.LegRejected {
			p.markTerminal(ctx, lt)
			continue
		}
		p.cancelLeg(ctx, lt, "pair aborted: other leg rejected")
	}
	p.finish(ctx)
	return serr
}

// PlaceHedge coloca una orden suelta para reducir delta. No pasa por el
// pre-trade check y no es post-only: puede cruzar el libro.
func (e *Executor) PlaceHedge(ctx context.Context, market domain.Market, outcome domain.Outcome, price, size float64) (*Pair, error) {
	if size <= 0 || price <= 0 || price >= 1 {
		return nil, fmt.Errorf("executor.PlaceHedge: %w: price %.4f size %.4f", domain.ErrInvalidQuote, price, size)
	}
	now := e.now()
	p := newPair(e, market, true, domain.PairHandle{
		ID:        uuid.NewString(),
		MarketID:  market.ConditionID,
		WindowEnd: market.WindowEnd,
		CreatedAt: now,
	})
	e.hold(p)
	lt := p.addLeg(e.newLeg(p.id, market, outcome, price, size, now))
	p.syncHandle()
	e.saveLeg(ctx, lt.leg)

	venueID, err := e.venue.PlaceOrder(ctx, orderRequest(market, lt.leg, false))
	if err != nil {
		lt.leg.State = domain.LegRejected
		lt.leg.Reason = err.Error()
		p.markTerminal(ctx, lt)
		p.finish(ctx)
		return nil, &domain.SubmissionError{PairID: p.id, Outcome: outcome, Err: err}
	}
	lt.leg.VenueOrderID = venueID
	lt.leg.State = domain.LegOpen
	lt.leg.UpdatedAt = e.now()
	p.syncHandle()
	e.saveLeg(ctx, lt.leg)
	e.register(venueID, p)

	slog.Info("executor: hedge placed", "market", market.ConditionID, "outcome", outcome,
		"size", fmt.Sprintf("%.2f", size), "price", fmt.Sprintf("%.4f", price))
	go p.supervise(ctx)
	return p, nil
}

func (e *Executor) newLeg(pairID string, m domain.Market, o domain.Outcome, price, size float64, now time.Time) domain.OrderLeg {
	return domain.OrderLeg{
		ID:        uuid.NewString(),
		PairID:    pairID,
		MarketID:  m.ConditionID,
		Outcome:   o,
		TokenID:   m.TokenFor(o).TokenID,
		Side:      domain.SideBuy,
		Price:     price,
		Size:      size,
		State:     domain.LegPending,
		PlacedAt:  now,
		UpdatedAt: now,
	}
}

func orderRequest(m domain.Market, leg domain.OrderLeg, postOnly bool) domain.OrderRequest {
	return domain.OrderRequest{
		ClientID: leg.ID,
		MarketID: m.ConditionID,
		TokenID:  leg.TokenID,
		Side:     leg.Side,
		Price:    leg.Price,
		Size:     leg.Size,
		TickSize: m.Tick(),
		NegRisk:  m.NegRisk,
		PostOnly: postOnly,
	}
}

func (e *Executor) saveLeg(ctx context.Context, leg domain.OrderLeg) {
	if err := e.legs.SaveLeg(ctx, leg); err != nil {
		slog.Error("executor: leg not persisted", "leg", leg.ID, "state", leg.State, "err", err)
	}
}

// ─── Event routing ───────────────────────────────────────────────────────────

// Run reparte los eventos del venue a los supervisores por venue order id.
// Bloquea hasta que events se cierra o ctx termina.
func (e *Executor) Run(ctx context.Context, events <-chan domain.OrderEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			e.route(ev)
		}
	}
}

func (e *Executor) route(ev domain.OrderEvent) {
	e.mu.Lock()
	p, ok := e.routes[ev.VenueOrderID]
	if !ok {
		// el evento puede llegar antes de que PlaceOrder devuelva el id
		e.stashLocked(ev)
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()
	p.deliver(ev)
}

func (e *Executor) stashLocked(ev domain.OrderEvent) {
	cutoff := e.now().Add(-earlyMaxAge)
	n := 0
	for id, evs := range e.early {
		if len(evs) == 0 || evs[len(evs)-1].At.Before(cutoff) {
			delete(e.early, id)
			continue
		}
		n += len(evs)
	}
	if n >= earlyMaxCount {
		return
	}
	if ev.At.IsZero() {
		ev.At = e.now()
	}
	e.early[ev.VenueOrderID] = append(e.early[ev.VenueOrderID], ev)
}

// register asocia un venue id a su par y entrega lo que llegó antes.
func (e *Executor) register(venueID string, p *Pair) {
	e.mu.Lock()
	e.routes[venueID] = p
	pending := e.early[venueID]
	delete(e.early, venueID)
	e.mu.Unlock()

	for _, ev := range pending {
		p.deliver(ev)
	}
}

func (e *Executor) unregister(venueIDs ...string) {
	e.mu.Lock()
	for _, id := range venueIDs {
		delete(e.routes, id)
	}
	e.mu.Unlock()
}

// ─── Mercados en vuelo ───────────────────────────────────────────────────────

// hold marca el mercado del par como en vuelo hasta que finish lo suelte.
func (e *Executor) hold(p *Pair) {
	e.mu.Lock()
	e.live[p.market.ConditionID]++
	e.mu.Unlock()
	p.held = true
}

func (e *Executor) release(p *Pair) {
	if !p.held {
		return
	}
	p.held = false
	e.mu.Lock()
	if e.live[p.market.ConditionID]--; e.live[p.market.ConditionID] <= 0 {
		delete(e.live, p.market.ConditionID)
	}
	e.mu.Unlock()
}

// InFlight indica si el mercado tiene un par sin terminar o una pata UNKNOWN.
// Sus fills aún no están en el ledger: la posición del venue va por delante.
func (e *Executor) InFlight(marketID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.live[marketID] > 0 {
		return true
	}
	for _, l := range e.unknown {
		if l.MarketID == marketID {
			return true
		}
	}
	return false
}

// ─── UNKNOWN legs ────────────────────────────────────────────────────────────

func (e *Executor) trackUnknown(ctx context.Context, leg domain.OrderLeg) {
	e.mu.Lock()
	e.unknown[leg.ID] = leg
	e.mu.Unlock()
	e.gate.EscalateUnknownLeg(ctx, leg)
}

// UnknownLegs devuelve las patas con cancel sin confirmar.
func (e *Executor) UnknownLegs() []domain.OrderLeg {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]domain.OrderLeg, 0, len(e.unknown))
	for _, l := range e.unknown {
		out = append(out, l)
	}
	return out
}

// ResolveUnknown vuelve a consultar las patas UNKNOWN. Las que el venue da
// por terminadas se cierran: si llenaron más de lo registrado se emite un
// hecho con la diferencia. Devuelve cuántas se resolvieron.
func (e *Executor) ResolveUnknown(ctx context.Context) int {
	resolved := 0
	for _, leg := range e.UnknownLegs() {
		st, err := e.venue.GetOrderStatus(ctx, leg.VenueOrderID)
		switch {
		case errors.Is(err, domain.ErrOrderNotFound):
			// fuera del libro sin rastro: nos quedamos con lo conocido
			st = domain.OrderStatus{VenueOrderID: leg.VenueOrderID, SizeMatched: leg.FilledSize}
		case err != nil:
			slog.Warn("executor: UNKNOWN leg still unreachable", "leg", leg.ID, "err", err)
			continue
		}
		if st.Live {
			if err := e.venue.CancelOrder(ctx, leg.VenueOrderID); err != nil {
				slog.Warn("executor: UNKNOWN leg cancel retry failed", "leg", leg.ID, "err", err)
			}
			continue
		}

		extra := st.SizeMatched - leg.FilledSize
		final := leg
		if extra > 0 {
			final.ApplyFill(final.Price, extra)
		}
		final.State = final.SettleState()
		final.Reason = "resolved after unconfirmed cancel"
		final.UpdatedAt = e.now()
		e.saveLeg(ctx, final)
		e.metrics.LegTerminal(string(final.State))

		if applied := final.FilledSize - leg.FilledSize; applied > 0 {
			delta := final
			delta.FilledSize = applied
			delta.AvgFillPrice = final.Price
			if err := e.facts.RecordFill(ctx, domain.LegFact{Leg: delta, Emitted: e.now()}); err != nil {
				slog.Error("executor: late fill not recorded", "leg", leg.ID, "err", err)
			}
		}

		e.mu.Lock()
		delete(e.unknown, leg.ID)
		e.mu.Unlock()
		e.gate.ResolveEscalation(leg.ID)
		slog.Info("executor: UNKNOWN leg resolved", "leg", leg.ID, "state", final.State,
			"filled", fmt.Sprintf("%.2f", final.FilledSize))
		resolved++
	}
	return resolved
}

// CancelStale cancela las patas que un proceso anterior dejó abiertas y
// emite sus hechos. Se llama una vez al arrancar.
func (e *Executor) CancelStale(ctx context.Context) (int, error) {
	open, err := e.legs.GetOpenLegs(ctx)
	if err != nil {
		return 0, fmt.Errorf("executor.CancelStale: %w", err)
	}
	for _, leg := range open {
		p := newPair(e, domain.Market{ConditionID: leg.MarketID}, true,
			domain.PairHandle{ID: leg.PairID, MarketID: leg.MarketID})
		lt := p.addLeg(leg)
		if leg.VenueOrderID == "" {
			// nunca llegó al venue
			lt.leg.State = domain.LegCancelled
			lt.leg.Reason = "not submitted before restart"
			p.markTerminal(ctx, lt)
			continue
		}
		p.cancelLeg(ctx, lt, "left open by previous run")
		slog.Info("executor: stale leg closed", "leg", leg.ID, "state", lt.leg.State,
			"filled", fmt.Sprintf("%.2f", lt.leg.FilledSize))
	}
	return len(open), nil
}
