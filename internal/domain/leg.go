package domain

import "time"

// LegState es el estado de una pata en su ciclo de vida.
type LegState string

const (
	LegPending         LegState = "PENDING"
	LegOpen            LegState = "OPEN"
	LegFilled          LegState = "FILLED"
	LegPartiallyFilled LegState = "PARTIALLY_FILLED" // cancelada con fill parcial
	LegCancelled       LegState = "CANCELLED"
	LegRejected        LegState = "REJECTED"
	LegUnknown         LegState = "UNKNOWN" // cancel sin confirmar, exposición no resuelta
)

// Terminal indica si el executor ya no supervisa la pata.
func (s LegState) Terminal() bool {
	switch s {
	case LegFilled, LegPartiallyFilled, LegCancelled, LegRejected, LegUnknown:
		return true
	}
	return false
}

// Side es la dirección de una orden en el venue.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// sizeEpsilon absorbe el redondeo de los tamaños que devuelve el venue.
const sizeEpsilon = 1e-6

// OrderLeg es un lado de un Quote (o una orden de hedge suelta).
type OrderLeg struct {
	ID           string
	PairID       string
	MarketID     string
	Outcome      Outcome
	TokenID      string
	VenueOrderID string
	Side         Side
	Price        float64
	Size         float64
	FilledSize   float64
	AvgFillPrice float64
	State        LegState
	PlacedAt     time.Time
	UpdatedAt    time.Time
	Reason       string
}

// Remaining devuelve el tamaño aún sin llenar.
func (l OrderLeg) Remaining() float64 {
	r := l.Size - l.FilledSize
	if r < sizeEpsilon {
		return 0
	}
	return r
}

// HasFills indica si la pata recibió algún fill.
func (l OrderLeg) HasFills() bool {
	return l.FilledSize > sizeEpsilon
}

// FullyFilled indica si el fill cubre todo el tamaño.
func (l OrderLeg) FullyFilled() bool {
	return l.Size > 0 && l.Remaining() == 0
}

// ApplyFill suma un fill al tamaño llenado y recalcula el precio medio.
// Devuelve la cantidad efectivamente aplicada (capada al tamaño restante).
func (l *OrderLeg) ApplyFill(price, size float64) float64 {
	if size <= 0 {
		return 0
	}
	if rem := l.Size - l.FilledSize; size > rem {
		size = rem
	}
	if size <= 0 {
		return 0
	}
	total := l.FilledSize + size
	l.AvgFillPrice = (l.AvgFillPrice*l.FilledSize + price*size) / total
	l.FilledSize = total
	return size
}

// SettleState devuelve el estado terminal que corresponde a una pata que ya no
// está en el libro, según el fill confirmado.
func (l OrderLeg) SettleState() LegState {
	switch {
	case l.FullyFilled():
		return LegFilled
	case l.HasFills():
		return LegPartiallyFilled
	default:
		return LegCancelled
	}
}

// LegFact es lo que el executor entrega al Delta Tracker cuando una pata
// llega a estado terminal. Se emite exactamente una vez por pata.
type LegFact struct {
	Leg     OrderLeg
	Emitted time.Time
}

// OrderRequest es lo que se envía al venue para colocar una orden límite.
type OrderRequest struct {
	ClientID string // id local de la pata
	MarketID string
	TokenID  string
	Side     Side
	Price    float64
	Size     float64 // shares
	TickSize float64
	NegRisk  bool
	PostOnly bool
}

// OrderStatus es la vista del venue de una orden.
type OrderStatus struct {
	VenueOrderID string
	Live         bool    // sigue en el libro
	SizeMatched  float64 // shares llenadas según el venue
	Price        float64
	Size         float64
}

// OrderEventKind clasifica los eventos del stream del venue.
type OrderEventKind string

const (
	EventTrade  OrderEventKind = "TRADE"  // fill
	EventUpdate OrderEventKind = "UPDATE" // cambio de size_matched
	EventCancel OrderEventKind = "CANCEL" // orden fuera del libro sin fill completo
)

// OrderEvent es un evento tipado del venue para una orden concreta.
type OrderEvent struct {
	Kind         OrderEventKind
	VenueOrderID string
	TradeID      string
	TokenID      string
	Price        float64
	Size         float64 // TRADE: shares de este fill
	SizeMatched  float64 // UPDATE/CANCEL: acumulado según el venue
	At           time.Time
}
