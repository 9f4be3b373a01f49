package ports

import (
	"context"

	"github.com/alejandrodnm/deltamaker/internal/domain"
)

// BookProvider obtiene orderbooks del CLOB.
type BookProvider interface {
	// GetOrderBooks devuelve los books de los tokens dados, indexados por tokenID.
	GetOrderBooks(ctx context.Context, tokenIDs []string) (map[string]domain.OrderBook, error)
}
