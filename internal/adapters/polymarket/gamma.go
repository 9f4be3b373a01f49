package polymarket

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"

	"github.com/alejandrodnm/deltamaker/internal/domain"
)

const (
	gammaMarketsPath = "/markets"
	gammaSlugMax     = 20
)

// MarketsBySlug resuelve las ventanas de Gamma para los slugs dados.
// Las ventanas cerradas o sin tokens reconocibles se descartan con un log.
func (c *Client) MarketsBySlug(ctx context.Context, slugs []string) ([]domain.Market, error) {
	var markets []domain.Market

	for i := 0; i < len(slugs); i += gammaSlugMax {
		end := i + gammaSlugMax
		if end > len(slugs) {
			end = len(slugs)
		}

		q := url.Values{}
		for _, s := range slugs[i:end] {
			q.Add("slug", s)
		}
		q.Set("limit", fmt.Sprint(end-i))

		var resp gammaMarketsResponse
		if err := c.get(ctx, c.gammaLimiter, c.gammaBase+gammaMarketsPath+"?"+q.Encode(), &resp); err != nil {
			return nil, venueErr("gamma.MarketsBySlug", err)
		}

		for _, gm := range resp {
			if gm.Closed || !gm.Active {
				slog.Debug("gamma: skipping closed market", "slug", gm.Slug)
				continue
			}
			m, err := mapGammaMarket(gm)
			if err != nil {
				slog.Warn("gamma: skipping market", "slug", gm.Slug, "err", err)
				continue
			}
			markets = append(markets, m)
		}
	}

	slog.Debug("gamma markets resolved", "requested", len(slugs), "resolved", len(markets))
	return markets, nil
}

// SlugMarkets implementa ports.MarketProvider sobre una lista de slugs
// calculada fuera del engine. La lista se puede cambiar en caliente.
type SlugMarkets struct {
	client *Client

	mu    sync.RWMutex
	slugs []string
}

// NewSlugMarkets crea el proveedor.
func NewSlugMarkets(client *Client, slugs []string) *SlugMarkets {
	return &SlugMarkets{client: client, slugs: append([]string(nil), slugs...)}
}

// SetSlugs reemplaza la lista (recarga de config).
func (s *SlugMarkets) SetSlugs(slugs []string) {
	s.mu.Lock()
	s.slugs = append([]string(nil), slugs...)
	s.mu.Unlock()
}

// ActiveMarkets devuelve las ventanas activas de los slugs configurados.
func (s *SlugMarkets) ActiveMarkets(ctx context.Context) ([]domain.Market, error) {
	s.mu.RLock()
	slugs := append([]string(nil), s.slugs...)
	s.mu.RUnlock()
	if len(slugs) == 0 {
		return nil, nil
	}
	return s.client.MarketsBySlug(ctx, slugs)
}
