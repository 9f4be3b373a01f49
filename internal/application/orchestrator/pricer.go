package orchestrator

import (
	"github.com/alejandrodnm/deltamaker/internal/domain"
	"github.com/shopspring/decimal"
)

// PriceQuote arma la cotización simétrica a partir de los best bids: cada
// pata se redondea hacia abajo al tick y, mientras up+down supere 1-minEdge,
// se baja un tick la pata más cara. Devuelve false si algún libro no tiene
// bids o el recorte deja una pata sin precio.
func PriceQuote(m domain.Market, upBook, downBook domain.OrderBook, size, minEdge float64) (domain.Quote, bool) {
	bu, bd := upBook.BestBid(), downBook.BestBid()
	if bu <= 0 || bd <= 0 || size <= 0 {
		return domain.Quote{}, false
	}

	tick := decimal.NewFromFloat(m.Tick())
	up := floorTick(decimal.NewFromFloat(bu), tick)
	down := floorTick(decimal.NewFromFloat(bd), tick)
	maxSum := decimal.NewFromInt(1).Sub(decimal.NewFromFloat(minEdge))

	for up.Add(down).GreaterThan(maxSum) {
		if up.GreaterThanOrEqual(down) {
			up = up.Sub(tick)
		} else {
			down = down.Sub(tick)
		}
		if !up.IsPositive() || !down.IsPositive() {
			return domain.Quote{}, false
		}
	}

	// post-only: nunca a la altura del ask
	if ask := upBook.BestAsk(); ask > 0 && up.GreaterThanOrEqual(decimal.NewFromFloat(ask)) {
		return domain.Quote{}, false
	}
	if ask := downBook.BestAsk(); ask > 0 && down.GreaterThanOrEqual(decimal.NewFromFloat(ask)) {
		return domain.Quote{}, false
	}

	pu, _ := up.Float64()
	pd, _ := down.Float64()
	return domain.Quote{Market: m, PriceUp: pu, PriceDown: pd, Size: size}, true
}

// HedgePrice devuelve el best ask redondeado hacia arriba al tick, para una
// orden que cruce el libro. 0 si no hay asks.
func HedgePrice(m domain.Market, book domain.OrderBook) float64 {
	ask := book.BestAsk()
	if ask <= 0 {
		return 0
	}
	tick := decimal.NewFromFloat(m.Tick())
	p := decimal.NewFromFloat(ask).Div(tick).Ceil().Mul(tick)
	if p.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		p = decimal.NewFromInt(1).Sub(tick)
	}
	f, _ := p.Float64()
	return f
}

func floorTick(p, tick decimal.Decimal) decimal.Decimal {
	return p.Div(tick).Floor().Mul(tick)
}
