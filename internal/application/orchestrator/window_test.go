package orchestrator_test

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/alejandrodnm/deltamaker/internal/application/orchestrator"
	"github.com/alejandrodnm/deltamaker/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runWindow(ctx context.Context, w *orchestrator.Window) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Run(ctx)
	}()
	return done
}

func waitDone(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("window did not settle")
	}
}

func TestWindow_QuotesFillsAndSettlesHedged(t *testing.T) {
	m := testMarket()
	h := newHarness(t, m)
	ctx := h.start(t)

	wctx, stop := context.WithCancel(ctx)
	w := orchestrator.NewWindow(m, h.deps, testWindowConfig)
	done := runWindow(wctx, w)

	require.Eventually(t, func() bool { return w.State() == orchestrator.StateMonitoring }, 2*time.Second, 5*time.Millisecond)
	st := w.Status()
	assert.NotEmpty(t, st.PairID)
	assert.Equal(t, 1, h.risk.State().ActiveMarkets)

	// los asks bajan hasta nuestros bids: ambas patas llenan
	h.books.set(m.Up.TokenID, 0.46, 0.48)
	h.books.set(m.Down.TokenID, 0.47, 0.49)
	require.Eventually(t, func() bool { return w.Status().PairStatus == domain.PairHedged }, 2*time.Second, 5*time.Millisecond)

	// edge bloqueado: 10 * (1 - 0.48 - 0.49)
	require.Eventually(t, func() bool {
		return math.Abs(h.risk.State().Daily.RealizedPnL-0.30) < 1e-6
	}, 2*time.Second, 5*time.Millisecond)
	assert.InDelta(t, 0, h.tracker.ComputeDelta(m.ConditionID), 1e-9)

	stop()
	waitDone(t, done)
	assert.Equal(t, orchestrator.StateSettled, w.State())
	assert.Zero(t, h.risk.State().ActiveMarkets)
}

func TestWindow_DeadlinePassedNeverQuotes(t *testing.T) {
	m := testMarket()
	m.WindowEnd = time.Now().Add(30 * time.Second) // dentro del unwind lead
	h := newHarness(t, m)
	ctx := h.start(t)

	w := orchestrator.NewWindow(m, h.deps, testWindowConfig)
	waitDone(t, runWindow(ctx, w))

	assert.Equal(t, orchestrator.StateSettled, w.State())
	assert.Empty(t, w.Status().PairID)
	open, err := h.store.GetOpenLegs(context.Background())
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestWindow_KillSwitchBlocksQuoting(t *testing.T) {
	m := testMarket()
	h := newHarness(t, m)
	ctx := h.start(t)
	require.NoError(t, h.risk.Engage(ctx, domain.KillSwitchManual, "operator test"))

	w := orchestrator.NewWindow(m, h.deps, testWindowConfig)
	waitDone(t, runWindow(ctx, w))

	assert.Equal(t, orchestrator.StateSettled, w.State())
	assert.Empty(t, w.Status().PairID)
}

func TestWindow_ShutdownCancelsOpenLegs(t *testing.T) {
	m := testMarket()
	h := newHarness(t, m)
	ctx := h.start(t)

	wctx, stop := context.WithCancel(ctx)
	w := orchestrator.NewWindow(m, h.deps, testWindowConfig)
	done := runWindow(wctx, w)
	require.Eventually(t, func() bool { return w.State() == orchestrator.StateMonitoring }, 2*time.Second, 5*time.Millisecond)

	stop()
	waitDone(t, done)

	assert.Equal(t, orchestrator.StateSettled, w.State())
	assert.Equal(t, domain.PairBothCancelled, w.Status().PairStatus)
	open, err := h.store.GetOpenLegs(context.Background())
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestWindow_KillSwitchFlattensOrphanDelta(t *testing.T) {
	m := testMarket()
	h := newHarness(t, m)
	ctx := h.start(t)

	w := orchestrator.NewWindow(m, h.deps, testWindowConfig)
	done := runWindow(ctx, w)
	require.Eventually(t, func() bool { return w.State() == orchestrator.StateMonitoring }, 2*time.Second, 5*time.Millisecond)

	// sólo llena Up: queda +10 de delta
	h.books.set(m.Up.TokenID, 0.46, 0.48)
	require.Eventually(t, func() bool {
		return h.tracker.ComputeDelta(m.ConditionID) > 9.99
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, h.risk.Engage(ctx, domain.KillSwitchManual, "operator test"))
	waitDone(t, done)
	assert.Equal(t, orchestrator.StateSettled, w.State())

	// el hedge compró Down al ask: el venue queda plano
	positions, err := h.venue.GetPositions(context.Background())
	require.NoError(t, err)
	sizes := make(map[string]float64)
	for _, p := range positions {
		sizes[p.TokenID] = p.Size
	}
	assert.InDelta(t, 10, sizes[m.Up.TokenID], 1e-9)
	assert.InDelta(t, 10, sizes[m.Down.TokenID], 1e-9)

	orphans, err := h.store.GetOpenOrphans(context.Background())
	require.NoError(t, err)
	assert.Empty(t, orphans, "settle resolves orphan records")
}

func TestWindow_UnwindingWaitsForSlowCancelPastSettleTimeout(t *testing.T) {
	m := testMarket()
	h := newHarness(t, m, withCancelDelay(700*time.Millisecond))
	ctx := h.start(t)

	cfg := testWindowConfig
	cfg.SettleTimeout = 100 * time.Millisecond
	w := orchestrator.NewWindow(m, h.deps, cfg)
	done := runWindow(ctx, w)
	require.Eventually(t, func() bool { return w.State() == orchestrator.StateMonitoring }, 2*time.Second, 5*time.Millisecond)

	h.books.set(m.Up.TokenID, 0.46, 0.48)
	require.Eventually(t, func() bool {
		return h.tracker.ComputeDelta(m.ConditionID) > 9.99
	}, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, h.risk.Engage(ctx, domain.KillSwitchManual, "operator test"))

	// mientras Down siga viva la ventana no puede liquidar
	sawOverdue := false
	require.Eventually(t, func() bool {
		st := w.State()
		busy := h.exec.InFlight(m.ConditionID)
		if st == orchestrator.StateSettled {
			assert.False(t, busy, "settled with a live leg")
			return true
		}
		if st == orchestrator.StateUnwinding && busy && w.Status().LastError != "" {
			sawOverdue = true
		}
		return false
	}, 5*time.Second, 5*time.Millisecond)
	waitDone(t, done)
	assert.True(t, sawOverdue, "window should report legs past settle timeout")

	assert.Zero(t, h.risk.State().ActiveMarkets)
	assert.Equal(t, domain.PairUnhedged, w.Status().PairStatus)
	orphans, err := h.store.GetOpenOrphans(context.Background())
	require.NoError(t, err)
	assert.Empty(t, orphans)
	open, err := h.store.GetOpenLegs(context.Background())
	require.NoError(t, err)
	assert.Empty(t, open)
}
