package ports

import (
	"context"

	"github.com/alejandrodnm/deltamaker/internal/domain"
)

// OrderVenue coloca, cancela y consulta órdenes en el venue.
type OrderVenue interface {
	// PlaceOrder firma y envía una orden límite. Devuelve el id del venue.
	PlaceOrder(ctx context.Context, req domain.OrderRequest) (string, error)

	// CancelOrder cancela una orden por su id del venue.
	// Cancelar una orden que ya no está en el libro no es error.
	CancelOrder(ctx context.Context, venueOrderID string) error

	// GetOrderStatus devuelve la vista del venue de la orden.
	GetOrderStatus(ctx context.Context, venueOrderID string) (domain.OrderStatus, error)
}

// EventStream entrega fills y cambios de estado de las órdenes propias.
type EventStream interface {
	// SubscribeEvents abre la suscripción. El canal se cierra cuando ctx termina.
	SubscribeEvents(ctx context.Context) (<-chan domain.OrderEvent, error)
}

// PositionProvider devuelve las posiciones según el venue (fuente de verdad).
type PositionProvider interface {
	GetPositions(ctx context.Context) ([]domain.VenuePosition, error)
}

// Venue es el Market Adapter completo.
type Venue interface {
	OrderVenue
	EventStream
	PositionProvider
	BookProvider
}
