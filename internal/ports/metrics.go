package ports

import "time"

// Metrics recibe las mediciones del core. La implementación real es Prometheus.
type Metrics interface {
	PairPlaced(result string)
	SubmissionSkew(d time.Duration)
	LegTerminal(state string)
	OrphanDetected(marketID string)
	CancelRetry()
	ReconciliationEvent(marketID string)
	Delta(marketID string, delta float64)
	AggregateDelta(delta float64)
	DailyPnL(realized, unrealized float64)
	KillSwitch(engaged bool)
	Suspended(marketID string, suspended bool)
	WindowState(marketID, state string)
}

// NopMetrics descarta todas las mediciones.
type NopMetrics struct{}

func (NopMetrics) PairPlaced(string) {}
func (NopMetrics) SubmissionSkew(time.Duration) {}
func (NopMetrics) LegTerminal(string) {}
func (NopMetrics) OrphanDetected(string) {}
func (NopMetrics) CancelRetry() {}
func (NopMetrics) ReconciliationEvent(string) {}
func (NopMetrics) Delta(string, float64) {}
func (NopMetrics) AggregateDelta(float64) {}
func (NopMetrics) DailyPnL(float64, float64) {}
func (NopMetrics) KillSwitch(bool) {}
func (NopMetrics) Suspended(string, bool) {}
func (NopMetrics) WindowState(string, string) {}
