package polymarket_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/alejandrodnm/deltamaker/internal/adapters/polymarket"
	"github.com/alejandrodnm/deltamaker/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const booksFixture = `[
	{"asset_id": "tok_up", "bids": [{"price": "0.45", "size": "100"}, {"price": "0.47", "size": "50"}],
	 "asks": [{"price": "0.51", "size": "20"}, {"price": "0.49", "size": "10"}]},
	{"asset_id": "tok_down", "bids": [{"price": "0.50", "size": "30"}], "asks": [{"price": "0.53", "size": "0"}]}
]`

func newTestClient(srv *httptest.Server) *polymarket.Client {
	return polymarket.NewClient(polymarket.Endpoints{CLOB: srv.URL, Gamma: srv.URL, Data: srv.URL})
}

func TestGetOrderBooks_Batch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/books", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(booksFixture))
	}))
	defer srv.Close()

	books, err := newTestClient(srv).GetOrderBooks(context.Background(), []string{"tok_up", "tok_down"})
	require.NoError(t, err)
	require.Len(t, books, 2)

	up := books["tok_up"]
	assert.InDelta(t, 0.47, up.BestBid(), 1e-9)
	assert.InDelta(t, 0.49, up.BestAsk(), 1e-9)
	assert.InDelta(t, 0.48, up.Midpoint(), 1e-9)
	assert.False(t, up.FetchedAt.IsZero())

	down := books["tok_down"]
	assert.InDelta(t, 0.50, down.BestBid(), 1e-9)
	assert.Empty(t, down.Asks, "niveles con size 0 se descartan")
}

func TestGetOrderBooks_BatchSplitting(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode([]any{})
	}))
	defer srv.Close()

	// 25 token_ids → 2 requests (batch de 20 + batch de 5)
	tokenIDs := make([]string, 25)
	for i := range tokenIDs {
		tokenIDs[i] = "token_" + string(rune('a'+i))
	}

	_, err := newTestClient(srv).GetOrderBooks(context.Background(), tokenIDs)
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestGetOrderBooks_ClientErrorIsNotUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad token", http.StatusBadRequest)
	}))
	defer srv.Close()

	_, err := newTestClient(srv).GetOrderBooks(context.Background(), []string{"x"})
	require.Error(t, err)
	assert.False(t, errors.Is(err, domain.ErrVenueUnavailable))
}

func TestMarketsBySlug(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/markets", r.URL.Path)
		assert.ElementsMatch(t, []string{"btc-updown-15m-1", "btc-updown-15m-2", "eth-updown-15m-1"}, r.URL.Query()["slug"])
		w.Write([]byte(`[
			{"conditionId": "0xc1", "slug": "btc-updown-15m-1", "question": "BTC Up or Down?",
			 "eventStartTime": "2026-10-19T12:00:00Z", "endDate": "2026-10-19T12:15:00Z",
			 "outcomes": "[\"Up\", \"Down\"]", "clobTokenIds": "[\"111\", \"222\"]",
			 "orderPriceMinTickSize": 0.01, "active": true, "closed": false},
			{"conditionId": "0xc2", "slug": "btc-updown-15m-2", "outcomes": "[\"Down\", \"Up\"]",
			 "clobTokenIds": "[\"333\", \"444\"]", "endDate": "2026-10-19T12:30:00Z", "active": true},
			{"conditionId": "0xc3", "slug": "eth-updown-15m-1", "outcomes": "[\"Up\", \"Down\"]",
			 "clobTokenIds": "[\"555\", \"666\"]", "active": true, "closed": true}
		]`))
	}))
	defer srv.Close()

	markets, err := newTestClient(srv).MarketsBySlug(context.Background(),
		[]string{"btc-updown-15m-1", "btc-updown-15m-2", "eth-updown-15m-1"})
	require.NoError(t, err)
	require.Len(t, markets, 2)

	m := markets[0]
	assert.Equal(t, "0xc1", m.ConditionID)
	assert.Equal(t, "111", m.Up.TokenID)
	assert.Equal(t, "222", m.Down.TokenID)
	assert.Equal(t, 12, m.WindowStart.Hour())
	assert.Equal(t, 15, m.WindowEnd.Minute())
	assert.InDelta(t, 0.01, m.Tick(), 1e-9)

	// outcomes en orden inverso
	assert.Equal(t, "444", markets[1].Up.TokenID)
	assert.Equal(t, "333", markets[1].Down.TokenID)
}

func TestSlugMarkets_EmptyListSkipsRequest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("unexpected request")
	}))
	defer srv.Close()

	p := polymarket.NewSlugMarkets(newTestClient(srv), nil)
	markets, err := p.ActiveMarkets(context.Background())
	require.NoError(t, err)
	assert.Empty(t, markets)
}

func TestFetchPositions(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/positions", r.URL.Path)
		assert.Equal(t, "0xabc", r.URL.Query().Get("user"))
		assert.Equal(t, "0", r.URL.Query().Get("sizeThreshold"))
		w.Write([]byte(`[
			{"asset": "111", "conditionId": "0xc1", "size": 100, "avgPrice": 0.48, "outcome": "Up"},
			{"asset": "222", "conditionId": "0xc1", "size": 40.5, "avgPrice": 0.5, "outcome": "Down"}
		]`))
	}))
	defer srv.Close()

	pos, err := newTestClient(srv).FetchPositions(context.Background(), "0xabc")
	require.NoError(t, err)
	require.Len(t, pos, 2)
	assert.Equal(t, "111", pos[0].TokenID)
	assert.Equal(t, "0xc1", pos[0].MarketID)
	assert.InDelta(t, 100, pos[0].Size, 1e-9)
	assert.InDelta(t, 40.5, pos[1].Size, 1e-9)
}

func TestFetchPositions_ServerErrorIsUnavailable(t *testing.T) {
	if testing.Short() {
		t.Skip("retries with backoff")
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := newTestClient(srv).FetchPositions(context.Background(), "0xabc")
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrVenueUnavailable))
}
