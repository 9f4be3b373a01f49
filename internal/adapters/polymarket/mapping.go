package polymarket

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/alejandrodnm/deltamaker/internal/domain"
)

// mapOrderBooks convierte la respuesta batch de /books a un map tokenID→OrderBook.
func mapOrderBooks(raw []orderBookResponse, fetchedAt time.Time) map[string]domain.OrderBook {
	result := make(map[string]domain.OrderBook, len(raw))
	for _, r := range raw {
		result[r.AssetID] = domain.OrderBook{
			TokenID:   r.AssetID,
			Bids:      mapBookEntries(r.Bids, false),
			Asks:      mapBookEntries(r.Asks, true),
			FetchedAt: fetchedAt,
		}
	}
	return result
}

// mapBookEntries convierte entries raw a domain.BookEntry y los ordena.
// ascending=true → menor a mayor (asks), ascending=false → mayor a menor (bids).
func mapBookEntries(raw []bookEntryRaw, ascending bool) []domain.BookEntry {
	entries := make([]domain.BookEntry, 0, len(raw))
	for _, r := range raw {
		price, _ := strconv.ParseFloat(r.Price, 64)
		size, _ := strconv.ParseFloat(r.Size, 64)
		if price <= 0 || size <= 0 {
			continue
		}
		entries = append(entries, domain.BookEntry{Price: price, Size: size})
	}

	sort.Slice(entries, func(i, j int) bool {
		if ascending {
			return entries[i].Price < entries[j].Price
		}
		return entries[i].Price > entries[j].Price
	})

	return entries
}

// mapOrderStatus convierte la orden del CLOB a la vista del core.
func mapOrderStatus(o clobOrder) domain.OrderStatus {
	return domain.OrderStatus{
		VenueOrderID: o.ID,
		Live:         strings.EqualFold(o.Status, "LIVE"),
		SizeMatched:  parseFloat(o.SizeMatched),
		Price:        parseFloat(o.Price),
		Size:         parseFloat(o.OriginalSize),
	}
}

// mapGammaMarket convierte una ventana de Gamma a domain.Market.
// Falla si no se pueden identificar los tokens Up y Down.
func mapGammaMarket(gm gammaMarket) (domain.Market, error) {
	var outcomes, tokenIDs []string
	if err := json.Unmarshal([]byte(gm.Outcomes), &outcomes); err != nil {
		return domain.Market{}, fmt.Errorf("market %s: outcomes: %w", gm.Slug, err)
	}
	if err := json.Unmarshal([]byte(gm.ClobTokenIDs), &tokenIDs); err != nil {
		return domain.Market{}, fmt.Errorf("market %s: clobTokenIds: %w", gm.Slug, err)
	}
	if len(outcomes) != 2 || len(tokenIDs) != 2 {
		return domain.Market{}, fmt.Errorf("market %s: expected 2 outcomes, got %d/%d", gm.Slug, len(outcomes), len(tokenIDs))
	}

	m := domain.Market{
		ConditionID: gm.ConditionID,
		Slug:        gm.Slug,
		Question:    gm.Question,
		NegRisk:     gm.NegRisk,
		WindowEnd:   parseISO(gm.EndDate),
		WindowStart: parseISO(gm.EventStartTime),
	}
	if m.WindowStart.IsZero() {
		m.WindowStart = parseISO(gm.StartDate)
	}
	if tick, err := gm.TickSize.Float64(); err == nil && tick > 0 {
		m.TickSize = tick
	}

	for i, name := range outcomes {
		switch strings.ToLower(name) {
		case "up", "yes":
			m.Up = domain.Token{TokenID: tokenIDs[i], Outcome: domain.OutcomeUp}
		case "down", "no":
			m.Down = domain.Token{TokenID: tokenIDs[i], Outcome: domain.OutcomeDown}
		}
	}
	if m.Up.TokenID == "" || m.Down.TokenID == "" {
		return domain.Market{}, fmt.Errorf("market %s: unrecognized outcomes %v", gm.Slug, outcomes)
	}
	return m, nil
}

// parseISO prueba los formatos de fecha que usa Polymarket.
func parseISO(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{
		time.RFC3339,
		"2006-01-02T15:04:05.000Z",
		"2006-01-02T15:04:05Z",
		"2006-01-02 15:04:05+00",
		"2006-01-02",
	} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

// parseTimestamp interpreta los timestamps del websocket (segundos o ms).
func parseTimestamp(s string) time.Time {
	ts, err := strconv.ParseInt(s, 10, 64)
	if err != nil || ts <= 0 {
		return time.Now().UTC()
	}
	if ts > 1e12 {
		return time.UnixMilli(ts).UTC()
	}
	return time.Unix(ts, 0).UTC()
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(strings.TrimSpace(s), 64)
	return f
}
