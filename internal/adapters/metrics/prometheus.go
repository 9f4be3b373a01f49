// Package metrics expone las mediciones del engine en Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "deltamaker"

// Prometheus implementa ports.Metrics sobre un registry propio.
type Prometheus struct {
	reg *prometheus.Registry

	pairsPlaced    *prometheus.CounterVec
	submissionSkew prometheus.Histogram
	legsTerminal   *prometheus.CounterVec
	orphans        *prometheus.CounterVec
	cancelRetries  prometheus.Counter
	reconEvents    *prometheus.CounterVec
	marketDelta    *prometheus.GaugeVec
	aggregateDelta prometheus.Gauge
	pnlRealized    prometheus.Gauge
	pnlUnrealized  prometheus.Gauge
	killSwitch     prometheus.Gauge
	suspended      *prometheus.GaugeVec
	windowState    *prometheus.GaugeVec
}

// windowStates son los valores posibles del gauge de estado de ventana.
var windowStates = []string{"IDLE", "QUOTING", "MONITORING", "UNWINDING", "SETTLED"}

// NewPrometheus registra todas las series en un registry nuevo.
func NewPrometheus() *Prometheus {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Prometheus{
		reg: reg,
		pairsPlaced: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "pairs_total",
			Help: "Pairs submitted, by result.",
		}, []string{"result"}),
		submissionSkew: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "submission_skew_seconds",
			Help:    "Time between the dispatch of the two legs of a pair.",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		}),
		legsTerminal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "legs_terminal_total",
			Help: "Legs that reached a terminal state, by state.",
		}, []string{"state"}),
		orphans: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "orphan_legs_total",
			Help: "Pairs that ended with unhedged exposure.",
		}, []string{"market"}),
		cancelRetries: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "cancel_retries_total",
			Help: "Cancel attempts that had to be retried.",
		}),
		reconEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "reconciliation_events_total",
			Help: "Local vs venue position mismatches.",
		}, []string{"market"}),
		marketDelta: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "market_delta_shares",
			Help: "Net exposure per market (up - down).",
		}, []string{"market"}),
		aggregateDelta: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "aggregate_delta_shares",
			Help: "Net exposure across all markets.",
		}),
		pnlRealized: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "daily_realized_pnl_usdc",
			Help: "Realized pnl for the current UTC day.",
		}),
		pnlUnrealized: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "daily_unrealized_pnl_usdc",
			Help: "Unrealized pnl for the current UTC day.",
		}),
		killSwitch: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "kill_switch_engaged",
			Help: "1 while the kill switch is engaged.",
		}),
		suspended: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "market_suspended",
			Help: "1 while a market is suspended for stale data.",
		}, []string{"market"}),
		windowState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "window_state",
			Help: "1 for the current state of each market window.",
		}, []string{"market", "state"}),
	}
}

// Handler sirve /metrics.
func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.reg, promhttp.HandlerOpts{Registry: p.reg})
}

// Registry devuelve el registry (tests).
func (p *Prometheus) Registry() *prometheus.Registry { return p.reg }

func (p *Prometheus) PairPlaced(result string) { p.pairsPlaced.WithLabelValues(result).Inc() }

func (p *Prometheus) SubmissionSkew(d time.Duration) { p.submissionSkew.Observe(d.Seconds()) }

func (p *Prometheus) LegTerminal(state string) { p.legsTerminal.WithLabelValues(state).Inc() }

func (p *Prometheus) OrphanDetected(marketID string) { p.orphans.WithLabelValues(marketID).Inc() }

func (p *Prometheus) CancelRetry() { p.cancelRetries.Inc() }

func (p *Prometheus) ReconciliationEvent(marketID string) {
	p.reconEvents.WithLabelValues(marketID).Inc()
}

func (p *Prometheus) Delta(marketID string, delta float64) {
	p.marketDelta.WithLabelValues(marketID).Set(delta)
}

func (p *Prometheus) AggregateDelta(delta float64) { p.aggregateDelta.Set(delta) }

func (p *Prometheus) DailyPnL(realized, unrealized float64) {
	p.pnlRealized.Set(realized)
	p.pnlUnrealized.Set(unrealized)
}

func (p *Prometheus) KillSwitch(engaged bool) { p.killSwitch.Set(boolGauge(engaged)) }

func (p *Prometheus) Suspended(marketID string, suspended bool) {
	p.suspended.WithLabelValues(marketID).Set(boolGauge(suspended))
}

// WindowState marca el estado actual de la ventana y apaga los demás.
// SETTLED borra las series del mercado.
func (p *Prometheus) WindowState(marketID, state string) {
	if state == "SETTLED" {
		p.windowState.DeletePartialMatch(prometheus.Labels{"market": marketID})
		p.marketDelta.DeleteLabelValues(marketID)
		p.suspended.DeleteLabelValues(marketID)
		return
	}
	for _, s := range windowStates {
		p.windowState.WithLabelValues(marketID, s).Set(boolGauge(s == state))
	}
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
