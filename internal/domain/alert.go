package domain

import "time"

// AlertLevel es la severidad de una alerta.
type AlertLevel string

const (
	AlertInfo     AlertLevel = "INFO"
	AlertWarning  AlertLevel = "WARNING"
	AlertCritical AlertLevel = "CRITICAL"
)

// AlertKind identifica el motivo de la alerta.
type AlertKind string

const (
	AlertKillSwitchEngaged      AlertKind = "kill_switch_engaged"
	AlertKillSwitchCleared      AlertKind = "kill_switch_cleared"
	AlertDailyLossBreach        AlertKind = "daily_loss_breach"
	AlertReconciliationMismatch AlertKind = "reconciliation_mismatch"
	AlertRepeatedMismatch       AlertKind = "repeated_mismatch"
	AlertOrphanLeg              AlertKind = "orphan_leg"
	AlertSubmissionRejected     AlertKind = "submission_rejected"
	AlertStaleness              AlertKind = "staleness_suspended"
	AlertUnknownLeg             AlertKind = "cancel_unconfirmed"
	AlertRebalance              AlertKind = "rebalance_suggested"
)

// Alert es un evento para el colaborador de notificaciones.
type Alert struct {
	Kind        AlertKind
	Level       AlertLevel
	Message     string
	MarketID    string
	Fields      map[string]any
	RequiresAck bool
	At          time.Time
}

// Key agrupa alertas equivalentes para el throttling.
func (a Alert) Key() string {
	return string(a.Kind) + ":" + a.MarketID
}
