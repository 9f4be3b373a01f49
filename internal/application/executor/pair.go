package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/alejandrodnm/deltamaker/internal/domain"
)

const shutdownCancelTimeout = 10 * time.Second

// legTrack es el estado privado del supervisor para una pata. traded suma los
// trades recibidos; matched es el acumulado que reporta el venue. El fill de
// la pata es el máximo de ambos, así un trade y su update no cuentan doble.
type legTrack struct {
	leg     domain.OrderLeg
	traded  float64
	matched float64
	emitted bool
}

// Pair es un par (o una orden de hedge suelta) bajo supervisión.
// Las patas las modifica sólo la goroutine supervisora.
type Pair struct {
	id     string
	ex     *Executor
	market domain.Market
	hedge  bool

	inbox     chan domain.OrderEvent
	cancelReq chan string
	done      chan struct{}

	tracks   []*legTrack
	seen     map[string]struct{} // trade ids ya aplicados
	aborted  bool
	finished bool
	held     bool // cuenta en Executor.live

	mu     sync.Mutex
	handle domain.PairHandle
	result error
}

func newPair(e *Executor, m domain.Market, hedge bool, h domain.PairHandle) *Pair {
	return &Pair{
		id:        h.ID,
		handle:    h,
		ex:        e,
		market:    m,
		hedge:     hedge,
		inbox:     make(chan domain.OrderEvent, inboxSize),
		cancelReq: make(chan string, 1),
		done:      make(chan struct{}),
		seen:      make(map[string]struct{}),
	}
}

func (p *Pair) addLeg(leg domain.OrderLeg) *legTrack {
	lt := &legTrack{leg: leg, matched: leg.FilledSize}
	p.tracks = append(p.tracks, lt)
	return lt
}

// Handle devuelve la foto actual del par.
func (p *Pair) Handle() domain.PairHandle {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.handle
}

// Market devuelve el mercado del par.
func (p *Pair) Market() domain.Market { return p.market }

// Done se cierra cuando todas las patas son terminales y el par está resuelto.
func (p *Pair) Done() <-chan struct{} { return p.done }

// Err devuelve el resultado del par: nil o *domain.OrphanLegError.
// Sólo es definitivo después de Done.
func (p *Pair) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.result
}

// Wait bloquea hasta que el par termina o ctx vence.
func (p *Pair) Wait(ctx context.Context) (domain.PairHandle, error) {
	select {
	case <-p.done:
		return p.Handle(), p.Err()
	case <-ctx.Done():
		return p.Handle(), ctx.Err()
	}
}

// Cancel pide cancelar las patas no terminales. No bloquea.
func (p *Pair) Cancel(reason string) {
	select {
	case <-p.done:
		return
	default:
	}
	select {
	case p.cancelReq <- reason:
	default:
		// ya hay un cancel pendiente
	}
}

func (p *Pair) deliver(ev domain.OrderEvent) {
	select {
	case p.inbox <- ev:
	case <-p.done:
	default:
		slog.Warn("executor: pair inbox full, event dropped (poll will recover)",
			"pair", p.id, "venue_order", ev.VenueOrderID, "kind", ev.Kind)
	}
}

func (p *Pair) syncHandle() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, lt := range p.tracks {
		if lt.leg.Outcome == domain.OutcomeDown {
			p.handle.Down = lt.leg
		} else {
			p.handle.Up = lt.leg
		}
	}
}

// ─── Supervisión ─────────────────────────────────────────────────────────────

func (p *Pair) supervise(ctx context.Context) {
	ticker := time.NewTicker(p.ex.cfg.StatusPollInterval)
	defer ticker.Stop()

	var orphan <-chan time.Time
	var orphanTimer *time.Timer
	defer func() {
		if orphanTimer != nil {
			orphanTimer.Stop()
		}
	}()

	for !p.allTerminal() {
		if orphan == nil && !p.hedge && p.oneSided() && p.ex.cfg.OrphanGraceTimeout > 0 {
			p.markOrphanSince()
			orphanTimer = time.NewTimer(p.ex.cfg.OrphanGraceTimeout)
			orphan = orphanTimer.C
			slog.Warn("executor: pair one-sided, orphan timer armed", "pair", p.id,
				"grace", p.ex.cfg.OrphanGraceTimeout)
		}

		select {
		case <-ctx.Done():
			sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownCancelTimeout)
			p.cancelOpen(sctx, "shutdown")
			cancel()
		case ev := <-p.inbox:
			p.apply(ctx, ev)
		case <-ticker.C:
			p.poll(ctx)
			if !p.hedge && p.ex.gate.Engaged() {
				p.cancelOpen(ctx, "kill switch engaged")
			}
		case reason := <-p.cancelReq:
			p.cancelOpen(ctx, reason)
		case <-orphan:
			slog.Warn("executor: orphan grace timeout, cancelling open leg", "pair", p.id)
			p.cancelOpen(ctx, "orphan grace timeout")
		}
	}
	p.finish(ctx)
}

func (p *Pair) allTerminal() bool {
	for _, lt := range p.tracks {
		if !lt.leg.State.Terminal() {
			return false
		}
	}
	return true
}

// oneSided: exactamente una pata es terminal.
func (p *Pair) oneSided() bool {
	n := 0
	for _, lt := range p.tracks {
		if lt.leg.State.Terminal() {
			n++
		}
	}
	return n == 1 && len(p.tracks) == 2
}

func (p *Pair) markOrphanSince() {
	p.mu.Lock()
	if p.handle.OrphanSince.IsZero() {
		p.handle.OrphanSince = p.ex.now()
	}
	p.mu.Unlock()
}

func (p *Pair) trackFor(venueID string) *legTrack {
	for _, lt := range p.tracks {
		if lt.leg.VenueOrderID == venueID {
			return lt
		}
	}
	return nil
}

func (p *Pair) apply(ctx context.Context, ev domain.OrderEvent) {
	lt := p.trackFor(ev.VenueOrderID)
	if lt == nil {
		return
	}
	if lt.leg.State.Terminal() {
		slog.Debug("executor: event for terminal leg ignored", "leg", lt.leg.ID, "kind", ev.Kind)
		return
	}

	switch ev.Kind {
	case domain.EventTrade:
		if ev.TradeID != "" {
			if _, dup := p.seen[ev.TradeID]; dup {
				return
			}
			p.seen[ev.TradeID] = struct{}{}
		}
		lt.traded += ev.Size
		p.fill(lt, ev.Price)
	case domain.EventUpdate:
		lt.matched = math.Max(lt.matched, ev.SizeMatched)
		p.fill(lt, 0)
	case domain.EventCancel:
		lt.matched = math.Max(lt.matched, ev.SizeMatched)
		p.fill(lt, 0)
		lt.leg.State = lt.leg.SettleState()
		lt.leg.Reason = "cancelled by venue"
		p.markTerminal(ctx, lt)
		return
	}

	if lt.leg.FullyFilled() {
		lt.leg.State = domain.LegFilled
		p.markTerminal(ctx, lt)
		return
	}
	p.syncHandle()
}

// fill lleva FilledSize al máximo entre trades y acumulado del venue.
// price <= 0 usa el precio límite de la pata.
func (p *Pair) fill(lt *legTrack, price float64) {
	target := math.Max(lt.traded, lt.matched)
	if target <= lt.leg.FilledSize {
		return
	}
	if price <= 0 {
		price = lt.leg.Price
	}
	if applied := lt.leg.ApplyFill(price, target-lt.leg.FilledSize); applied > 0 {
		lt.leg.UpdatedAt = p.ex.now()
		slog.Debug("executor: fill", "leg", lt.leg.ID, "outcome", lt.leg.Outcome,
			"applied", applied, "filled", lt.leg.FilledSize)
	}
}

// poll recupera eventos perdidos consultando el estado en el venue.
func (p *Pair) poll(ctx context.Context) {
	for _, lt := range p.tracks {
		if lt.leg.State.Terminal() || lt.leg.VenueOrderID == "" {
			continue
		}
		st, err := p.ex.venue.GetOrderStatus(ctx, lt.leg.VenueOrderID)
		if err != nil {
			slog.Debug("executor: status poll failed", "leg", lt.leg.ID, "err", err)
			continue
		}
		lt.matched = math.Max(lt.matched, st.SizeMatched)
		p.fill(lt, 0)
		switch {
		case !st.Live:
			lt.leg.State = lt.leg.SettleState()
			lt.leg.Reason = "closed on venue"
			p.markTerminal(ctx, lt)
		case lt.leg.FullyFilled():
			lt.leg.State = domain.LegFilled
			p.markTerminal(ctx, lt)
		default:
			p.syncHandle()
		}
	}
}

// ─── Cancel ──────────────────────────────────────────────────────────────────

func (p *Pair) cancelOpen(ctx context.Context, reason string) {
	for _, lt := range p.tracks {
		if !lt.leg.State.Terminal() {
			p.cancelLeg(ctx, lt, reason)
		}
	}
}

// cancelLeg cancela con backoff exponencial y confirma el fill final en el
// venue. Sin confirmación tras los reintentos la pata queda UNKNOWN.
func (p *Pair) cancelLeg(ctx context.Context, lt *legTrack, reason string) {
	cfg := p.ex.cfg
	backoff := cfg.CancelBaseBackoff
	var lastErr error

	for attempt := 0; attempt < cfg.CancelMaxRetries; attempt++ {
		if attempt > 0 {
			p.ex.metrics.CancelRetry()
			if err := sleepCtx(ctx, backoff); err != nil {
				lastErr = err
				break
			}
			backoff *= 2
		}

		if err := p.ex.venue.CancelOrder(ctx, lt.leg.VenueOrderID); err != nil {
			lastErr = err
			slog.Warn("executor: cancel failed", "leg", lt.leg.ID, "attempt", attempt+1, "err", err)
			continue
		}
		final, err := p.confirmCancel(ctx, lt)
		if err != nil {
			lastErr = err
			continue
		}
		if final {
			lt.leg.State = lt.leg.SettleState()
			lt.leg.Reason = reason
			p.markTerminal(ctx, lt)
			return
		}
		lastErr = errors.New("order still live after cancel")
	}

	lt.leg.State = domain.LegUnknown
	lt.leg.Reason = fmt.Sprintf("cancel unconfirmed after %d attempts: %v", cfg.CancelMaxRetries, lastErr)
	p.markTerminal(ctx, lt)
	p.ex.trackUnknown(context.WithoutCancel(ctx), lt.leg)
}

// confirmCancel lee el estado final: un fill reportado por el venue manda
// sobre nuestro cancel.
func (p *Pair) confirmCancel(ctx context.Context, lt *legTrack) (bool, error) {
	st, err := p.ex.venue.GetOrderStatus(ctx, lt.leg.VenueOrderID)
	if errors.Is(err, domain.ErrOrderNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	lt.matched = math.Max(lt.matched, st.SizeMatched)
	p.fill(lt, 0)
	return !st.Live, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// ─── Terminal ────────────────────────────────────────────────────────────────

// markTerminal persiste la pata y emite su hecho, una sola vez.
func (p *Pair) markTerminal(ctx context.Context, lt *legTrack) {
	if lt.emitted {
		return
	}
	lt.emitted = true
	lt.leg.UpdatedAt = p.ex.now()
	p.syncHandle()

	bg := context.WithoutCancel(ctx)
	p.ex.saveLeg(bg, lt.leg)
	p.ex.metrics.LegTerminal(string(lt.leg.State))
	slog.Info("executor: leg terminal", "pair", p.id, "leg", lt.leg.ID,
		"outcome", lt.leg.Outcome, "state", lt.leg.State,
		"filled", fmt.Sprintf("%.2f/%.2f", lt.leg.FilledSize, lt.leg.Size), "reason", lt.leg.Reason)

	if err := p.ex.facts.RecordFill(bg, domain.LegFact{Leg: lt.leg, Emitted: p.ex.now()}); err != nil {
		slog.Error("executor: fact not recorded", "leg", lt.leg.ID, "err", err)
	}
}

// finish resuelve el par y libera sus rutas.
func (p *Pair) finish(ctx context.Context) {
	if p.finished {
		return
	}
	p.finished = true

	var ids []string
	for _, lt := range p.tracks {
		if lt.leg.VenueOrderID != "" {
			ids = append(ids, lt.leg.VenueOrderID)
		}
	}
	p.ex.unregister(ids...)

	if !p.hedge {
		p.finalize(context.WithoutCancel(ctx))
	}
	p.ex.release(p)
	close(p.done)
}

func (p *Pair) finalize(ctx context.Context) {
	h := p.Handle()
	status := h.Status()

	switch status {
	case domain.PairHedged:
		p.setResult(nil, "hedged")
		slog.Info("executor: pair hedged", "pair", h.ID, "filled", fmt.Sprintf("%.2f", h.Up.FilledSize))
		return
	case domain.PairBothCancelled:
		p.setResult(nil, "cancelled")
		slog.Info("executor: pair cancelled without fills", "pair", h.ID)
		return
	}

	imbalance := h.Imbalance()
	outcome := domain.OutcomeUp
	if imbalance < 0 {
		outcome = domain.OutcomeDown
	}
	exposure := math.Abs(imbalance)
	unresolved := h.Up.State == domain.LegUnknown || h.Down.State == domain.LegUnknown
	if exposure == 0 && unresolved {
		// lo que aún puede llenar la pata UNKNOWN
		if h.Up.State == domain.LegUnknown {
			outcome, exposure = domain.OutcomeUp, h.Up.Remaining()
		} else {
			outcome, exposure = domain.OutcomeDown, h.Down.Remaining()
		}
	}

	since := h.OrphanSince
	if since.IsZero() {
		since = p.ex.now()
	}
	rec := domain.OrphanRecord{
		PairID:     h.ID,
		MarketID:   h.MarketID,
		Outcome:    outcome,
		Size:       exposure,
		Unresolved: unresolved,
		OpenedAt:   since,
	}
	if err := p.ex.legs.SaveOrphan(ctx, rec); err != nil {
		slog.Error("executor: orphan record not persisted", "pair", h.ID, "err", err)
	}

	oerr := &domain.OrphanLegError{
		PairID:     h.ID,
		MarketID:   h.MarketID,
		Outcome:    outcome,
		Exposure:   exposure,
		Unresolved: unresolved,
	}
	p.ex.metrics.OrphanDetected(h.MarketID)
	slog.Warn("executor: pair unhedged", "err", oerr)
	p.ex.alerts.Alert(ctx, domain.Alert{
		Kind:     domain.AlertOrphanLeg,
		Level:    domain.AlertWarning,
		Message:  oerr.Error(),
		MarketID: h.MarketID,
		Fields:   map[string]any{"pair": h.ID, "outcome": string(outcome), "size": exposure},
		At:       p.ex.now(),
	})
	p.setResult(oerr, "unhedged")
}

func (p *Pair) setResult(err error, label string) {
	p.mu.Lock()
	p.result = err
	p.mu.Unlock()
	if !p.aborted {
		p.ex.metrics.PairPlaced(label)
	}
}
