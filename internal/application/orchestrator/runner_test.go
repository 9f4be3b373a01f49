package orchestrator_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alejandrodnm/deltamaker/internal/application/orchestrator"
	"github.com/alejandrodnm/deltamaker/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMarkets struct {
	mu      sync.Mutex
	markets []domain.Market
	calls   int
}

func (f *fakeMarkets) ActiveMarkets(context.Context) ([]domain.Market, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return append([]domain.Market(nil), f.markets...), nil
}

var testRunnerConfig = orchestrator.RunnerConfig{
	DiscoveryInterval:      20 * time.Millisecond,
	ReconciliationInterval: time.Hour,
	MonitorInterval:        time.Hour,
	UnknownInterval:        time.Hour,
	Window:                 testWindowConfig,
}

func TestRunner_LaunchesOneWindowPerMarketAndDrainsOnShutdown(t *testing.T) {
	m := testMarket()
	expired := testMarket()
	expired.ConditionID = "0xold"
	expired.WindowEnd = time.Now().Add(-time.Minute)

	h := newHarness(t, m)
	markets := &fakeMarkets{markets: []domain.Market{m, expired}}
	r := orchestrator.NewRunner(markets, h.venue, h.exec, h.tracker, h.deps, nil, testRunnerConfig)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errc := make(chan error, 1)
	go func() { errc <- r.Run(ctx) }()

	require.Eventually(t, func() bool {
		ws := r.Windows()
		return len(ws) == 1 && ws[0].State == orchestrator.StateMonitoring
	}, 2*time.Second, 5*time.Millisecond)

	// varios ciclos de discovery no duplican la ventana
	require.Eventually(t, func() bool {
		markets.mu.Lock()
		defer markets.mu.Unlock()
		return markets.calls >= 3
	}, 2*time.Second, 5*time.Millisecond)
	assert.Len(t, r.Windows(), 1)

	cancel()
	select {
	case err := <-errc:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("runner did not stop")
	}

	ws := r.Windows()
	require.Len(t, ws, 1)
	assert.Equal(t, m.ConditionID, ws[0].MarketID)
	assert.Equal(t, orchestrator.StateSettled, ws[0].State)
	assert.Equal(t, domain.PairBothCancelled, ws[0].PairStatus)
}

func TestRunner_ReconcileAdoptsVenuePositions(t *testing.T) {
	m := testMarket()
	h := newHarness(t, m)
	h.tracker.Track(m)
	r := orchestrator.NewRunner(&fakeMarkets{}, h.venue, h.exec, h.tracker, h.deps, nil, testRunnerConfig)
	ctx := context.Background()

	// una orden fuera del executor llena en el venue: el ledger no la vio
	_, err := h.venue.PlaceOrder(ctx, domain.OrderRequest{
		MarketID: m.ConditionID, TokenID: m.Up.TokenID, Side: domain.SideBuy, Price: 0.50, Size: 5,
	})
	require.NoError(t, err)
	n, err := h.venue.Step(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	assert.Zero(t, h.tracker.ComputeDelta(m.ConditionID))

	r.Reconcile(ctx)

	assert.InDelta(t, 5, h.tracker.ComputeDelta(m.ConditionID), 1e-9)
	events, err := h.store.GetReconciliationEvents(ctx, time.Time{})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, m.Up.TokenID, events[0].TokenID)
}
