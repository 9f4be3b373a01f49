package notify

// alert.go — entrega de alertas a los canales configurados.
//
// Las alertas con RequiresAck (kill switch, pérdida diaria) no pasan por el
// throttling y quedan pendientes hasta que un operador las confirma.

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alejandrodnm/deltamaker/internal/domain"
	"go.uber.org/multierr"
)

// Channel es un transporte de alertas.
type Channel interface {
	Send(ctx context.Context, a domain.Alert) error
	Name() string
}

// AlertManager implementa ports.Alerter.
type AlertManager struct {
	channels []Channel
	throttle time.Duration
	now      func() time.Time

	mu       sync.Mutex
	lastSent map[string]time.Time
	pending  []domain.Alert
}

// NewAlertManager crea un manager que reparte a todos los canales.
func NewAlertManager(throttle time.Duration, channels ...Channel) *AlertManager {
	return &AlertManager{
		channels: channels,
		throttle: throttle,
		now:      time.Now,
		lastSent: make(map[string]time.Time),
	}
}

// Alert envía a, salvo que una alerta equivalente haya salido hace menos del throttle.
func (m *AlertManager) Alert(ctx context.Context, a domain.Alert) {
	if a.At.IsZero() {
		a.At = m.now()
	}

	m.mu.Lock()
	if !a.RequiresAck && m.throttle > 0 {
		if last, ok := m.lastSent[a.Key()]; ok && a.At.Sub(last) < m.throttle {
			m.mu.Unlock()
			return
		}
	}
	m.lastSent[a.Key()] = a.At
	if a.RequiresAck {
		m.pending = append(m.pending, a)
	}
	m.mu.Unlock()

	if err := m.send(ctx, a); err != nil {
		slog.Warn("alert: delivery failed", "kind", a.Kind, "err", err)
	}
}

func (m *AlertManager) send(ctx context.Context, a domain.Alert) error {
	var errs error
	delivered := 0
	for _, ch := range m.channels {
		if err := ch.Send(ctx, a); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("channel %s: %w", ch.Name(), err))
			continue
		}
		delivered++
	}
	if delivered == 0 {
		return errs
	}
	return nil
}

// Pending devuelve las alertas que esperan confirmación del operador.
func (m *AlertManager) Pending() []domain.Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Alert, len(m.pending))
	copy(out, m.pending)
	return out
}

// Acknowledge confirma las alertas pendientes de kind. Devuelve cuántas cerró.
func (m *AlertManager) Acknowledge(kind domain.AlertKind) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.pending[:0]
	acked := 0
	for _, a := range m.pending {
		if a.Kind == kind {
			acked++
			continue
		}
		kept = append(kept, a)
	}
	m.pending = kept
	return acked
}
