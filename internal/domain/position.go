package domain

import (
	"math"
	"time"
)

// Position es el tamaño firmado y coste medio de un token.
// Sólo el Delta Tracker la modifica.
type Position struct {
	MarketID    string
	TokenID     string
	Outcome     Outcome
	Size        float64 // shares; negativo = corto
	AvgCost     float64
	RealizedPnL float64
	UpdatedAt   time.Time
}

// Apply aplica un fill firmado (qty > 0 compra, qty < 0 venta) y devuelve el
// pnl realizado por la parte que reduce la posición.
func (p *Position) Apply(qty, price float64) float64 {
	if qty == 0 {
		return 0
	}

	// misma dirección (o plana): promedia coste
	if p.Size == 0 || (p.Size > 0) == (qty > 0) {
		total := p.Size + qty
		p.AvgCost = (math.Abs(p.Size)*p.AvgCost + math.Abs(qty)*price) / math.Abs(total)
		p.Size = total
		return 0
	}

	closing := math.Min(math.Abs(qty), math.Abs(p.Size))
	var realized float64
	if p.Size > 0 {
		realized = (price - p.AvgCost) * closing
	} else {
		realized = (p.AvgCost - price) * closing
	}
	p.RealizedPnL += realized

	p.Size += qty
	switch {
	case math.Abs(p.Size) < sizeEpsilon:
		p.Size = 0
		p.AvgCost = 0
	case (p.Size > 0) == (qty > 0):
		// cruzó a la otra dirección: el resto abre al precio del fill
		p.AvgCost = price
	}
	return realized
}

// Flat indica si no hay posición.
func (p Position) Flat() bool {
	return math.Abs(p.Size) < sizeEpsilon
}

// DeltaSnapshot es la exposición neta por mercado y agregada en un instante.
type DeltaSnapshot struct {
	At        time.Time
	PerMarket map[string]float64 // conditionID → up - down (shares)
	Aggregate float64
}

// RebalanceInstruction es la sugerencia (sólo consultiva) de cobertura.
type RebalanceInstruction struct {
	MarketID string
	Side     Outcome // pata a comprar: la opuesta a la dirección neta
	Size     float64
	Delta    float64 // delta agregado que la originó
}

// FillAccounting es lo que el Delta Tracker reporta al Risk Monitor por cada hecho.
type FillAccounting struct {
	MarketID    string
	TokenID     string
	LegID       string
	Filled      float64
	RealizedPnL float64
	At          time.Time
}

// VenuePosition es la posición que reporta el venue para un token.
type VenuePosition struct {
	TokenID  string
	MarketID string
	Size     float64
	AvgPrice float64
}

// VenueSnapshot agrupa las posiciones del venue tomadas en At.
type VenueSnapshot struct {
	At        time.Time
	Positions []VenuePosition
}
