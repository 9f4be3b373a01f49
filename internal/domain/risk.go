package domain

import "time"

// KillSwitchSource indica quién activó el kill switch.
type KillSwitchSource string

const (
	KillSwitchManual KillSwitchSource = "manual"
	KillSwitchAuto   KillSwitchSource = "auto"
)

// KillSwitchState es el estado persistido del kill switch.
type KillSwitchState struct {
	Engaged   bool
	Source    KillSwitchSource
	Reason    string
	EngagedAt time.Time
	ClearedAt time.Time
	ClearedBy string
}

// DailyPnL son los contadores diarios del Risk Monitor (día UTC).
type DailyPnL struct {
	Date          string // YYYY-MM-DD
	RealizedPnL   float64
	UnrealizedPnL float64
	LossCount     int
	FillCount     int
	UpdatedAt     time.Time
}

// Total devuelve realized + unrealized.
func (d DailyPnL) Total() float64 {
	return d.RealizedPnL + d.UnrealizedPnL
}

// DayKey formatea t como clave de día UTC.
func DayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// RiskState agrupa todo lo que el Risk Monitor posee.
type RiskState struct {
	KillSwitch    KillSwitchState
	Daily         DailyPnL
	ActiveMarkets int
	Suspended     []string // mercados con datos stale
	UnknownLegs   int
}

// ReconciliationEvent registra una discrepancia entre posición local y venue.
// Inmutable una vez registrado.
type ReconciliationEvent struct {
	ID       string
	MarketID string
	TokenID  string
	Outcome  Outcome
	Local    float64
	Venue    float64
	Diff     float64 // venue - local
	At       time.Time
}
