package ports

import (
	"context"

	"github.com/alejandrodnm/deltamaker/internal/domain"
)

// MarketProvider resuelve las ventanas de mercado a operar.
// El descubrimiento (qué slugs) es externo: aquí sólo se resuelven.
type MarketProvider interface {
	ActiveMarkets(ctx context.Context) ([]domain.Market, error)
}
