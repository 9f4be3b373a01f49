// Package httpapi expone la API de operación: salud, estado, métricas,
// kill switch y confirmación de alertas.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alejandrodnm/deltamaker/internal/application/orchestrator"
	"github.com/alejandrodnm/deltamaker/internal/application/risk"
	"github.com/alejandrodnm/deltamaker/internal/domain"
	"github.com/gin-gonic/gin"
)

// RiskControl es la parte del Risk Monitor que maneja el operador.
type RiskControl interface {
	State() domain.RiskState
	Engage(ctx context.Context, source domain.KillSwitchSource, reason string) error
	Clear(ctx context.Context, operator string) error
}

// DeltaView da la exposición actual.
type DeltaView interface {
	Snapshot() domain.DeltaSnapshot
	Positions() []domain.Position
}

// WindowView da el estado de las ventanas.
type WindowView interface {
	Windows() []orchestrator.WindowStatus
}

// AlertQueue son las alertas pendientes de confirmación.
type AlertQueue interface {
	Pending() []domain.Alert
	Acknowledge(kind domain.AlertKind) int
}

// Deps agrupa lo que sirve la API. Metrics puede ser nil.
type Deps struct {
	Risk    RiskControl
	Delta   DeltaView
	Windows WindowView
	Alerts  AlertQueue
	Metrics http.Handler
}

// Server sirve la API de operación.
type Server struct {
	deps    Deps
	started time.Time
}

// New crea el servidor.
func New(deps Deps) *Server {
	return &Server{deps: deps, started: time.Now()}
}

// Router devuelve el handler con todas las rutas.
func (s *Server) Router() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery(), requestLog())

	r.GET("/healthz", s.handleHealth)
	r.GET("/status", s.handleStatus)
	if s.deps.Metrics != nil {
		r.GET("/metrics", gin.WrapH(s.deps.Metrics))
	}

	ks := r.Group("/kill-switch")
	ks.POST("/engage", s.handleEngage)
	ks.POST("/clear", s.handleClear)

	alerts := r.Group("/alerts")
	alerts.GET("/pending", s.handlePendingAlerts)
	alerts.POST("/ack", s.handleAck)
	return r
}

// Serve escucha en addr hasta que ctx termina.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	slog.Info("httpapi: listening", "addr", addr)

	select {
	case err := <-errc:
		return fmt.Errorf("httpapi.Serve: %w", err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("httpapi.Serve: shutdown: %w", err)
	}
	return nil
}

func requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		if c.Request.URL.Path == "/metrics" || c.Request.URL.Path == "/healthz" {
			return
		}
		slog.Debug("httpapi: request", "method", c.Request.Method, "path", c.Request.URL.Path,
			"status", c.Writer.Status(), "elapsed", time.Since(start))
	}
}

// ─── Handlers ────────────────────────────────────────────────────────────────

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"uptime":      time.Since(s.started).Round(time.Second).String(),
		"kill_switch": s.deps.Risk.State().KillSwitch.Engaged,
	})
}

type statusResponse struct {
	KillSwitch     domain.KillSwitchState      `json:"kill_switch"`
	Daily          domain.DailyPnL             `json:"daily_pnl"`
	ActiveMarkets  int                         `json:"active_markets"`
	Suspended      []string                    `json:"suspended"`
	UnknownLegs    int                         `json:"unknown_legs"`
	AggregateDelta float64                     `json:"aggregate_delta"`
	PerMarket      map[string]float64          `json:"per_market_delta"`
	Positions      []domain.Position           `json:"positions"`
	Windows        []orchestrator.WindowStatus `json:"windows"`
	PendingAlerts  int                         `json:"pending_alerts"`
}

func (s *Server) handleStatus(c *gin.Context) {
	rs := s.deps.Risk.State()
	snap := s.deps.Delta.Snapshot()
	resp := statusResponse{
		KillSwitch:     rs.KillSwitch,
		Daily:          rs.Daily,
		ActiveMarkets:  rs.ActiveMarkets,
		Suspended:      rs.Suspended,
		UnknownLegs:    rs.UnknownLegs,
		AggregateDelta: snap.Aggregate,
		PerMarket:      snap.PerMarket,
		Positions:      s.deps.Delta.Positions(),
	}
	if s.deps.Windows != nil {
		resp.Windows = s.deps.Windows.Windows()
	}
	if s.deps.Alerts != nil {
		resp.PendingAlerts = len(s.deps.Alerts.Pending())
	}
	c.JSON(http.StatusOK, resp)
}

type engageRequest struct {
	Reason string `json:"reason" binding:"required"`
}

func (s *Server) handleEngage(c *gin.Context) {
	var req engageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "reason is required"})
		return
	}
	if err := s.deps.Risk.Engage(c.Request.Context(), domain.KillSwitchManual, req.Reason); err != nil {
		slog.Error("httpapi: kill switch engage failed", "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	slog.Warn("httpapi: kill switch engaged by operator", "reason", req.Reason, "remote", c.ClientIP())
	c.JSON(http.StatusOK, s.deps.Risk.State().KillSwitch)
}

type clearRequest struct {
	Operator string `json:"operator"`
}

func (s *Server) handleClear(c *gin.Context) {
	var req clearRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	err := s.deps.Risk.Clear(c.Request.Context(), req.Operator)
	switch {
	case errors.Is(err, risk.ErrClearNeedsOperator):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	case err != nil:
		slog.Error("httpapi: kill switch clear failed", "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	slog.Warn("httpapi: kill switch cleared", "operator", req.Operator, "remote", c.ClientIP())
	c.JSON(http.StatusOK, s.deps.Risk.State().KillSwitch)
}

func (s *Server) handlePendingAlerts(c *gin.Context) {
	if s.deps.Alerts == nil {
		c.JSON(http.StatusOK, []domain.Alert{})
		return
	}
	c.JSON(http.StatusOK, s.deps.Alerts.Pending())
}

type ackRequest struct {
	Kind string `json:"kind" binding:"required"`
}

func (s *Server) handleAck(c *gin.Context) {
	var req ackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "kind is required"})
		return
	}
	n := 0
	if s.deps.Alerts != nil {
		n = s.deps.Alerts.Acknowledge(domain.AlertKind(req.Kind))
	}
	c.JSON(http.StatusOK, gin.H{"acknowledged": n})
}
