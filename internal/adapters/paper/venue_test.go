package paper_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alejandrodnm/deltamaker/internal/adapters/paper"
	"github.com/alejandrodnm/deltamaker/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBooks struct {
	mu    sync.Mutex
	books map[string]domain.OrderBook
}

func (f *fakeBooks) set(token string, bid, ask, askSize float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.books == nil {
		f.books = make(map[string]domain.OrderBook)
	}
	f.books[token] = domain.OrderBook{
		TokenID: token,
		Bids:    []domain.BookEntry{{Price: bid, Size: 500}},
		Asks:    []domain.BookEntry{{Price: ask, Size: askSize}},
	}
}

func (f *fakeBooks) GetOrderBooks(_ context.Context, ids []string) (map[string]domain.OrderBook, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]domain.OrderBook, len(ids))
	for _, id := range ids {
		if b, ok := f.books[id]; ok {
			out[id] = b
		}
	}
	return out, nil
}

func buy(token string, price, size float64) domain.OrderRequest {
	return domain.OrderRequest{MarketID: "0xm", TokenID: token, Side: domain.SideBuy, Price: price, Size: size, PostOnly: true}
}

func TestVenue_PostOnlyRejectsCrossingOrder(t *testing.T) {
	books := &fakeBooks{}
	books.set("up", 0.45, 0.48, 100)
	v := paper.NewVenue(books)

	_, err := v.PlaceOrder(context.Background(), buy("up", 0.48, 10))
	assert.Error(t, err)

	_, err = v.PlaceOrder(context.Background(), buy("up", 0.47, 10))
	assert.NoError(t, err)
}

func TestVenue_FillsWhenAskCrosses(t *testing.T) {
	books := &fakeBooks{}
	books.set("up", 0.45, 0.50, 100)
	v := paper.NewVenue(books)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, err := v.SubscribeEvents(ctx)
	require.NoError(t, err)

	id, err := v.PlaceOrder(ctx, buy("up", 0.47, 100))
	require.NoError(t, err)

	n, err := v.Step(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "el ask no cruza todavía")

	books.set("up", 0.44, 0.46, 60)
	n, err = v.Step(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	trade := <-events
	assert.Equal(t, domain.EventTrade, trade.Kind)
	assert.Equal(t, id, trade.VenueOrderID)
	assert.InDelta(t, 60, trade.Size, 1e-9)
	assert.InDelta(t, 0.47, trade.Price, 1e-9)
	update := <-events
	assert.Equal(t, domain.EventUpdate, update.Kind)
	assert.InDelta(t, 60, update.SizeMatched, 1e-9)

	st, err := v.GetOrderStatus(ctx, id)
	require.NoError(t, err)
	assert.True(t, st.Live)
	assert.InDelta(t, 60, st.SizeMatched, 1e-9)

	// segundo step completa la orden
	_, err = v.Step(ctx)
	require.NoError(t, err)
	st, _ = v.GetOrderStatus(ctx, id)
	assert.False(t, st.Live)
	assert.InDelta(t, 100, st.SizeMatched, 1e-9)

	pos, err := v.GetPositions(ctx)
	require.NoError(t, err)
	require.Len(t, pos, 1)
	assert.Equal(t, "up", pos[0].TokenID)
	assert.InDelta(t, 100, pos[0].Size, 1e-9)
	assert.InDelta(t, 0.47, pos[0].AvgPrice, 1e-9)
}

func TestVenue_LiquiditySharedAcrossOrders(t *testing.T) {
	books := &fakeBooks{}
	books.set("up", 0.40, 0.45, 100)
	v := paper.NewVenue(books)
	v.SetClock(func() time.Time { return time.Unix(100, 0) })
	ctx := context.Background()

	first, _ := v.PlaceOrder(ctx, domain.OrderRequest{TokenID: "up", Side: domain.SideBuy, Price: 0.47, Size: 80})
	v.SetClock(func() time.Time { return time.Unix(200, 0) })
	second, _ := v.PlaceOrder(ctx, domain.OrderRequest{TokenID: "up", Side: domain.SideBuy, Price: 0.47, Size: 80})

	_, err := v.Step(ctx)
	require.NoError(t, err)

	s1, _ := v.GetOrderStatus(ctx, first)
	s2, _ := v.GetOrderStatus(ctx, second)
	assert.InDelta(t, 80, s1.SizeMatched, 1e-9)
	assert.InDelta(t, 20, s2.SizeMatched, 1e-9)
}

func TestVenue_CancelEmitsEventAndIsIdempotent(t *testing.T) {
	books := &fakeBooks{}
	books.set("up", 0.45, 0.50, 100)
	v := paper.NewVenue(books)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events, _ := v.SubscribeEvents(ctx)

	id, err := v.PlaceOrder(ctx, buy("up", 0.47, 10))
	require.NoError(t, err)

	require.NoError(t, v.CancelOrder(ctx, id))
	require.NoError(t, v.CancelOrder(ctx, id))
	require.NoError(t, v.CancelOrder(ctx, "unknown"))

	ev := <-events
	assert.Equal(t, domain.EventCancel, ev.Kind)
	assert.Zero(t, ev.SizeMatched)
	select {
	case extra := <-events:
		t.Fatalf("unexpected event %+v", extra)
	default:
	}

	_, err = v.GetOrderStatus(ctx, "unknown")
	assert.ErrorIs(t, err, domain.ErrOrderNotFound)
}

func TestVenue_SubscriptionClosesWithContext(t *testing.T) {
	v := paper.NewVenue(&fakeBooks{})
	ctx, cancel := context.WithCancel(context.Background())
	events, _ := v.SubscribeEvents(ctx)
	cancel()

	select {
	case _, ok := <-events:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed")
	}
}
