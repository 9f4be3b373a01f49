package domain

import (
	"fmt"
	"time"
)

// Quote es el par simétrico pedido por el orquestador.
type Quote struct {
	Market    Market
	PriceUp   float64
	PriceDown float64
	Size      float64 // shares por pata
}

// Validate comprueba las restricciones que el executor exige antes de enviar.
// El tick lo valida el venue.
func (q Quote) Validate(now time.Time) error {
	if q.Size <= 0 {
		return fmt.Errorf("%w: size must be > 0, got %.4f", ErrInvalidQuote, q.Size)
	}
	if q.PriceUp <= 0 || q.PriceUp >= 1 || q.PriceDown <= 0 || q.PriceDown >= 1 {
		return fmt.Errorf("%w: prices must be in (0,1), got up=%.4f down=%.4f", ErrInvalidQuote, q.PriceUp, q.PriceDown)
	}
	if q.Market.Up.TokenID == "" || q.Market.Down.TokenID == "" {
		return fmt.Errorf("%w: market %s without both tokens", ErrInvalidQuote, q.Market.ConditionID)
	}
	if q.Market.Expired(now) {
		return fmt.Errorf("%w: market %s window ended at %s", ErrWindowExpired, q.Market.ConditionID, q.Market.WindowEnd.Format(time.RFC3339))
	}
	return nil
}

// Cost devuelve el coste por share del par completo.
func (q Quote) Cost() float64 {
	return q.PriceUp + q.PriceDown
}

// PairStatus es el estado derivado de un par.
type PairStatus string

const (
	PairBothOpen      PairStatus = "BOTH_OPEN"
	PairOrphanRisk    PairStatus = "ORPHAN_RISK"
	PairHedged        PairStatus = "HEDGED"
	PairUnhedged      PairStatus = "UNHEDGED"
	PairBothCancelled PairStatus = "BOTH_CANCELLED"
)

// PairHandle es la foto de un par: siempre un mercado y una ventana.
type PairHandle struct {
	ID          string
	MarketID    string
	WindowEnd   time.Time
	Up          OrderLeg
	Down        OrderLeg
	CreatedAt   time.Time
	OrphanSince time.Time // cero mientras ninguna pata quede sola
}

// Status deriva el estado del par a partir de sus patas.
func (h PairHandle) Status() PairStatus {
	return DerivePairStatus(h.Up, h.Down)
}

// Done indica si ambas patas son terminales.
func (h PairHandle) Done() bool {
	return h.Up.State.Terminal() && h.Down.State.Terminal()
}

// Leg devuelve la pata del outcome indicado.
func (h PairHandle) Leg(o Outcome) OrderLeg {
	if o == OutcomeDown {
		return h.Down
	}
	return h.Up
}

// Imbalance devuelve filled(up) - filled(down).
func (h PairHandle) Imbalance() float64 {
	return h.Up.FilledSize - h.Down.FilledSize
}

// DerivePairStatus aplica las reglas de estado del par.
func DerivePairStatus(up, down OrderLeg) PairStatus {
	upDone, downDone := up.State.Terminal(), down.State.Terminal()

	if upDone && downDone {
		if up.State == LegUnknown || down.State == LegUnknown {
			return PairUnhedged
		}
		diff := up.FilledSize - down.FilledSize
		switch {
		case !up.HasFills() && !down.HasFills():
			return PairBothCancelled
		case diff < sizeEpsilon && diff > -sizeEpsilon:
			return PairHedged
		default:
			return PairUnhedged
		}
	}

	if upDone != downDone || up.HasFills() || down.HasFills() {
		return PairOrphanRisk
	}
	return PairBothOpen
}

// OrphanRecord registra una exposición sin cubrir hasta que se resuelve.
// Hay a lo sumo un registro abierto por par.
type OrphanRecord struct {
	PairID     string
	MarketID   string
	Outcome    Outcome // pata con exceso de fill
	Size       float64 // shares sin cubrir
	Unresolved bool    // alguna pata quedó UNKNOWN
	OpenedAt   time.Time
	ResolvedAt *time.Time
	Resolution string
}

// Open indica si el registro sigue abierto.
func (r OrphanRecord) Open() bool {
	return r.ResolvedAt == nil
}
