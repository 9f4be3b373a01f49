package polymarket

import (
	"context"
	"fmt"
	"net/url"

	"github.com/alejandrodnm/deltamaker/internal/domain"
)

const (
	positionsPath  = "/positions"
	positionsLimit = 500
)

// FetchPositions devuelve las posiciones de user según el data-api.
// Es la fuente de verdad para la reconciliación.
func (c *Client) FetchPositions(ctx context.Context, user string) ([]domain.VenuePosition, error) {
	var all []domain.VenuePosition

	for offset := 0; ; offset += positionsLimit {
		q := url.Values{}
		q.Set("user", user)
		q.Set("sizeThreshold", "0")
		q.Set("limit", fmt.Sprint(positionsLimit))
		q.Set("offset", fmt.Sprint(offset))

		var resp []dataPosition
		if err := c.get(ctx, c.dataLimiter, c.dataBase+positionsPath+"?"+q.Encode(), &resp); err != nil {
			return nil, venueErr("data.FetchPositions", err)
		}
		for _, p := range resp {
			all = append(all, domain.VenuePosition{
				TokenID:  p.Asset,
				MarketID: p.ConditionID,
				Size:     p.Size,
				AvgPrice: p.AvgPrice,
			})
		}
		if len(resp) < positionsLimit {
			break
		}
	}
	return all, nil
}
