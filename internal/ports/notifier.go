package ports

import (
	"context"

	"github.com/alejandrodnm/deltamaker/internal/domain"
)

// Alerter entrega alertas al colaborador de notificaciones.
// No devuelve error: un fallo de transporte no debe frenar el trading.
type Alerter interface {
	Alert(ctx context.Context, a domain.Alert)
}

// NopAlerter descarta todas las alertas.
type NopAlerter struct{}

func (NopAlerter) Alert(context.Context, domain.Alert) {}
