// Package paper simula el venue en proceso: books reales, fills simulados.
package paper

// venue.go — venue simulado para `deltamaker -paper`.
//
// Las órdenes viven en memoria. En cada Step se piden los books reales de los
// tokens con órdenes vivas y una orden de compra se llena contra los asks con
// precio <= su límite (al precio de la orden). Cada fill emite TRADE + UPDATE
// por el mismo canal que usaría el venue real.

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
)

const eventBuffer = 256

type order struct {
	id       string
	req      domain.OrderRequest
	matched  float64
	live     bool
	placedAt time.Time
}

func (o *order) remaining() float64 { return o.req.Size - o.matched }

type position struct {
	marketID string
	size     float64
	avgPrice float64
}

// Venue implementa ports.Venue en memoria.
type Venue struct {
	books ports.BookProvider
	now   func() time.Time

	mu        sync.Mutex
	orders    map[string]*order
	positions map[string]*position
	subs      []chan domain.OrderEvent
}

// NewVenue crea el venue sobre un proveedor de books real.
func NewVenue(books ports.BookProvider) *Venue {
	return &Venue{
		books:     books,
		now:       time.Now,
		orders:    make(map[string]*order),
		positions: make(map[string]*position),
	}
}

// ─── OrderVenue ──────────────────────────────────────────────────────────────

func (v *Venue) PlaceOrder(ctx context.Context, req domain.OrderRequest) (string, error) {
	if req.Price <= 0 || req.Price >= 1 || req.Size <= 0 {
		return "", fmt.Errorf("paper: invalid order price=%.4f size=%.4f", req.Price, req.Size)
	}
	if req.PostOnly && req.Side == domain.SideBuy {
		books, err := v.books.GetOrderBooks(ctx, []string{req.TokenID})
		if err != nil {
			return "", fmt.Errorf("paper: book for post-only check: %w", err)
		}
		if ask := books[req.TokenID].BestAsk(); ask > 0 && req.Price >= ask {
			return "", fmt.Errorf("paper: post-only order would cross (bid %.4f >= ask %.4f)", req.Price, ask)
		}
	}

	o := &order{id: "paper-" + uuid.NewString(), req: req, live: true}
	v.mu.Lock()
	o.placedAt = v.now()
	v.orders[o.id] = o
	v.mu.Unlock()

	slog.Debug("paper: order placed", "id", o.id, "token", req.TokenID, "side", req.Side,
		"price", req.Price, "size", req.Size)
	return o.id, nil
}

func (v *Venue) CancelOrder(_ context.Context, venueOrderID string) error {
	v.mu.Lock()
	o, ok := v.orders[venueOrderID]
	if !ok || !o.live {
		v.mu.Unlock()
		return nil
	}
	o.live = false
	ev := domain.OrderEvent{
		Kind:         domain.EventCancel,
		VenueOrderID: o.id,
		TokenID:      o.req.TokenID,
		Price:        o.req.Price,
		SizeMatched:  o.matched,
		At:           v.now(),
	}
	v.mu.Unlock()

	v.publish(ev)
	return nil
}

func (v *Venue) GetOrderStatus(_ context.Context, venueOrderID string) (domain.OrderStatus, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	o, ok := v.orders[venueOrderID]
	if !ok {
		return domain.OrderStatus{}, fmt.Errorf("paper: order %s: %w", venueOrderID, domain.ErrOrderNotFound)
	}
	return domain.OrderStatus{
		VenueOrderID: o.id,
		Live:         o.live,
		SizeMatched:  o.matched,
		Price:        o.req.Price,
		Size:         o.req.Size,
	}, nil
}

// ─── BookProvider / PositionProvider / EventStream ───────────────────────────

func (v *Venue) GetOrderBooks(ctx context.Context, tokenIDs []string) (map[string]domain.OrderBook, error) {
	return v.books.GetOrderBooks(ctx, tokenIDs)
}

func (v *Venue) GetPositions(_ context.Context) ([]domain.VenuePosition, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]domain.VenuePosition, 0, len(v.positions))
	for token, p := range v.positions {
		out = append(out, domain.VenuePosition{TokenID: token, MarketID: p.marketID, Size: p.size, AvgPrice: p.avgPrice})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TokenID < out[j].TokenID })
	return out, nil
}

func (v *Venue) SubscribeEvents(ctx context.Context) (<-chan domain.OrderEvent, error) {
	ch := make(chan domain.OrderEvent, eventBuffer)
	v.mu.Lock()
	v.subs = append(v.subs, ch)
	v.mu.Unlock()

	go func() {
		<-ctx.Done()
		v.mu.Lock()
		defer v.mu.Unlock()
		for i, s := range v.subs {
			if s == ch {
				v.subs = append(v.subs[:i], v.subs[i+1:]...)
				break
			}
		}
		close(ch)
	}()
	return ch, nil
}

// publish entrega ev a los suscriptores sin bloquear.
func (v *Venue) publish(ev domain.OrderEvent) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, ch := range v.subs {
		select {
		case ch <- ev:
		default:
			slog.Warn("paper: subscriber full, event dropped", "order", ev.VenueOrderID, "kind", ev.Kind)
		}
	}
}

// ─── Simulación ──────────────────────────────────────────────────────────────

// Run simula fills cada interval hasta que ctx termina.
func (v *Venue) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := v.Step(ctx); err != nil {
				slog.Warn("paper: step failed", "err", err)
			}
		}
	}
}

// Step cruza las órdenes vivas contra los books actuales. Devuelve cuántos fills hubo.
func (v *Venue) Step(ctx context.Context) (int, error) {
	v.mu.Lock()
	tokens := make(map[string]struct{})
	for _, o := range v.orders {
		if o.live {
			tokens[o.req.TokenID] = struct{}{}
		}
	}
	v.mu.Unlock()
	if len(tokens) == 0 {
		return 0, nil
	}

	ids := make([]string, 0, len(tokens))
	for t := range tokens {
		ids = append(ids, t)
	}
	books, err := v.books.GetOrderBooks(ctx, ids)
	if err != nil {
		return 0, fmt.Errorf("paper.Step: books: %w", err)
	}

	var events []domain.OrderEvent

	v.mu.Lock()
	now := v.now()
	// la liquidez que cruza se consume entre órdenes del mismo token
	used := make(map[string]float64)
	for _, o := range v.sortedLiveOrders() {
		book, ok := books[o.req.TokenID]
		if !ok {
			continue
		}
		avail := crossingSize(book, o.req) - used[o.req.TokenID]
		qty := math.Min(avail, o.remaining())
		if qty <= 1e-9 {
			continue
		}
		used[o.req.TokenID] += qty

		o.matched += qty
		if o.remaining() <= 1e-9 {
			o.live = false
		}
		v.applyPosition(o.req, qty)

		events = append(events,
			domain.OrderEvent{Kind: domain.EventTrade, VenueOrderID: o.id, TradeID: uuid.NewString(),
				TokenID: o.req.TokenID, Price: o.req.Price, Size: qty, At: now},
			domain.OrderEvent{Kind: domain.EventUpdate, VenueOrderID: o.id,
				TokenID: o.req.TokenID, Price: o.req.Price, SizeMatched: o.matched, At: now},
		)
		slog.Info("paper: fill", "order", o.id, "token", o.req.TokenID, "side", o.req.Side,
			"qty", fmt.Sprintf("%.2f", qty), "price", o.req.Price, "matched", fmt.Sprintf("%.2f/%.2f", o.matched, o.req.Size))
	}
	v.mu.Unlock()

	for _, ev := range events {
		v.publish(ev)
	}
	return len(events) / 2, nil
}

// sortedLiveOrders ordena por antigüedad (prioridad de cola). Requiere v.mu.
func (v *Venue) sortedLiveOrders() []*order {
	out := make([]*order, 0, len(v.orders))
	for _, o := range v.orders {
		if o.live {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].placedAt.Before(out[j].placedAt) })
	return out
}

// crossingSize es el tamaño del lado contrario que cruza el límite de la orden.
func crossingSize(book domain.OrderBook, req domain.OrderRequest) float64 {
	var total float64
	if req.Side == domain.SideBuy {
		for _, a := range book.Asks {
			if a.Price > req.Price {
				break
			}
			total += a.Size
		}
		return total
	}
	for _, b := range book.Bids {
		if b.Price < req.Price {
			break
		}
		total += b.Size
	}
	return total
}

// applyPosition actualiza la posición simulada. Requiere v.mu.
func (v *Venue) applyPosition(req domain.OrderRequest, qty float64) {
	p, ok := v.positions[req.TokenID]
	if !ok {
		p = &position{marketID: req.MarketID}
		v.positions[req.TokenID] = p
	}
	if req.Side == domain.SideSell {
		p.size -= qty
		if p.size <= 1e-9 {
			p.size, p.avgPrice = 0, 0
		}
		return
	}
	total := p.size + qty
	p.avgPrice = (p.avgPrice*p.size + req.Price*qty) / total
	p.size = total
}

// SetClock reemplaza el reloj (tests).
func (v *Venue) SetClock(now func() time.Time) {
	v.mu.Lock()
	v.now = now
	v.mu.Unlock()
}
