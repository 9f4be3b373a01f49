package domain

import (
	"errors"
	"fmt"
)

// Sentinels de la taxonomía de errores. Los tipos concretos de abajo hacen
// match con errors.Is y llevan el detalle para errors.As.
var (
	ErrSubmission             = errors.New("submission error")
	ErrOrphanLeg              = errors.New("orphan leg")
	ErrReconciliationMismatch = errors.New("reconciliation mismatch")
	ErrRiskBreach             = errors.New("risk breach")
	ErrVenueUnavailable       = errors.New("venue unavailable")

	ErrInvalidQuote    = errors.New("invalid quote")
	ErrWindowExpired   = errors.New("market window expired")
	ErrStaleMarketData = errors.New("market data stale")
	ErrOrderNotFound   = errors.New("order not found")
)

// SubmissionError: el venue rechazó una pata. Sólo aborta ese par.
type SubmissionError struct {
	PairID  string
	Outcome Outcome // pata rechazada
	Err     error
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("submission rejected for pair %s leg %s: %v", e.PairID, e.Outcome, e.Err)
}

func (e *SubmissionError) Unwrap() error { return e.Err }

func (e *SubmissionError) Is(target error) bool { return target == ErrSubmission }

// OrphanLegError: el par terminó con exposición sin cubrir.
type OrphanLegError struct {
	PairID     string
	MarketID   string
	Outcome    Outcome // pata con exceso
	Exposure   float64 // shares sin cubrir
	Unresolved bool    // alguna pata quedó UNKNOWN
}

func (e *OrphanLegError) Error() string {
	if e.Unresolved {
		return fmt.Sprintf("orphan leg on pair %s (market %s): cancel unconfirmed, exposure %+.2f %s",
			e.PairID, e.MarketID, e.Exposure, e.Outcome)
	}
	return fmt.Sprintf("orphan leg on pair %s (market %s): %.2f %s unhedged",
		e.PairID, e.MarketID, e.Exposure, e.Outcome)
}

func (e *OrphanLegError) Is(target error) bool { return target == ErrOrphanLeg }

// ReconciliationMismatch envuelve un evento de reconciliación.
type ReconciliationMismatch struct {
	Event ReconciliationEvent
}

func (e *ReconciliationMismatch) Error() string {
	return fmt.Sprintf("reconciliation mismatch on %s: local %.4f venue %.4f",
		e.Event.TokenID, e.Event.Local, e.Event.Venue)
}

func (e *ReconciliationMismatch) Is(target error) bool { return target == ErrReconciliationMismatch }

// Reglas de RiskBreach.
const (
	RuleKillSwitch        = "kill_switch"
	RuleMaxConcurrent     = "max_concurrent_positions"
	RuleMaxMarketSize     = "max_size_per_market"
	RuleMaxAggregateDelta = "max_aggregate_delta"
)

// RiskBreach: el pre-trade check rechazó la cotización.
type RiskBreach struct {
	Rule   string
	Detail string
}

func (e *RiskBreach) Error() string {
	return fmt.Sprintf("risk breach [%s]: %s", e.Rule, e.Detail)
}

func (e *RiskBreach) Is(target error) bool { return target == ErrRiskBreach }

// VenueUnavailable: el venue no respondió tras los reintentos.
type VenueUnavailable struct {
	Op  string
	Err error
}

func (e *VenueUnavailable) Error() string {
	return fmt.Sprintf("venue unavailable during %s: %v", e.Op, e.Err)
}

func (e *VenueUnavailable) Unwrap() error { return e.Err }

func (e *VenueUnavailable) Is(target error) bool { return target == ErrVenueUnavailable }
