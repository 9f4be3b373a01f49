package risk_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alejandrodnm/deltamaker/internal/adapters/storage"
	"github.com/alejandrodnm/deltamaker/internal/application/risk"
	"github.com/alejandrodnm/deltamaker/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeExposure struct {
	agg  float64
	size map[string]float64
}

func (f *fakeExposure) AggregateDelta() float64            { return f.agg }
func (f *fakeExposure) MarketSize(marketID string) float64 { return f.size[marketID] }

type fakeAlerts struct {
	mu     sync.Mutex
	alerts []domain.Alert
}

func (a *fakeAlerts) Alert(_ context.Context, al domain.Alert) {
	a.mu.Lock()
	a.alerts = append(a.alerts, al)
	a.mu.Unlock()
}

func (a *fakeAlerts) kinds() []domain.AlertKind {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []domain.AlertKind
	for _, al := range a.alerts {
		out = append(out, al.Kind)
	}
	return out
}

var defaultLimits = risk.Limits{
	PositionSizePerMarket:  100,
	MaxConcurrentPositions: 2,
	DeltaLimitPct:          50,
	DailyLossLimit:         30,
	StalenessThreshold:     15 * time.Second,
	MismatchEscalation:     3,
}

type fixture struct {
	mon    *risk.Monitor
	store  *storage.SQLiteStorage
	exp    *fakeExposure
	alerts *fakeAlerts
	now    time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := storage.NewSQLiteStorage(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	f := &fixture{
		store:  db,
		exp:    &fakeExposure{size: map[string]float64{}},
		alerts: &fakeAlerts{},
		now:    time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC),
	}
	f.mon = risk.NewMonitor(db, f.alerts, nil, defaultLimits)
	f.mon.SetClock(func() time.Time { return f.now })
	f.mon.SetExposure(f.exp)
	return f
}

func quote(id string, size float64) domain.Quote {
	return domain.Quote{
		Market: domain.Market{
			ConditionID: id,
			Up:          domain.Token{TokenID: id + "-up"},
			Down:        domain.Token{TokenID: id + "-down"},
		},
		PriceUp:   0.50,
		PriceDown: 0.49,
		Size:      size,
	}
}

func (f *fixture) fresh(ids ...string) {
	for _, id := range ids {
		f.mon.RecordMarketData(id, f.now)
	}
}

func assertBreach(t *testing.T, err error, rule string) {
	t.Helper()
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrRiskBreach))
	var rb *domain.RiskBreach
	require.True(t, errors.As(err, &rb))
	assert.Equal(t, rule, rb.Rule)
}

func TestPreTradeCheck_PassReservesSlot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fresh("m1", "m2", "m3")

	require.NoError(t, f.mon.PreTradeCheck(ctx, quote("m1", 50)))
	require.NoError(t, f.mon.PreTradeCheck(ctx, quote("m2", 50)))
	// el mismo mercado no consume otro slot
	require.NoError(t, f.mon.PreTradeCheck(ctx, quote("m1", 50)))
	assert.Equal(t, 2, f.mon.State().ActiveMarkets)

	assertBreach(t, f.mon.PreTradeCheck(ctx, quote("m3", 50)), domain.RuleMaxConcurrent)

	f.mon.Release("m1")
	assert.NoError(t, f.mon.PreTradeCheck(ctx, quote("m3", 50)))
}

func TestPreTradeCheck_MarketSizeLimit(t *testing.T) {
	f := newFixture(t)
	f.fresh("m1")
	f.exp.size["m1"] = 60

	assertBreach(t, f.mon.PreTradeCheck(context.Background(), quote("m1", 50)), domain.RuleMaxMarketSize)
	assert.NoError(t, f.mon.PreTradeCheck(context.Background(), quote("m1", 40)))
}

func TestPreTradeCheck_AggregateDeltaIncludesUnknown(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fresh("m1")
	// techo: 50% de 100·2 = 100
	f.exp.agg = -40

	require.NoError(t, f.mon.PreTradeCheck(ctx, quote("m1", 50)))
	f.mon.Release("m1")

	f.mon.EscalateUnknownLeg(ctx, domain.OrderLeg{ID: "leg-x", MarketID: "m9", Size: 30, FilledSize: 10})
	assert.InDelta(t, 20, f.mon.UnknownExposure(), 1e-9)
	assertBreach(t, f.mon.PreTradeCheck(ctx, quote("m1", 50)), domain.RuleMaxAggregateDelta)
	assert.Contains(t, f.alerts.kinds(), domain.AlertUnknownLeg)

	f.mon.ResolveEscalation("leg-x")
	assert.NoError(t, f.mon.PreTradeCheck(ctx, quote("m1", 50)))
}

func TestPreTradeCheck_StaleData(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	err := f.mon.PreTradeCheck(ctx, quote("m1", 10))
	assert.ErrorIs(t, err, domain.ErrStaleMarketData)

	f.fresh("m1")
	require.NoError(t, f.mon.PreTradeCheck(ctx, quote("m1", 10)))

	f.now = f.now.Add(20 * time.Second)
	err = f.mon.PreTradeCheck(ctx, quote("m1", 10))
	assert.ErrorIs(t, err, domain.ErrStaleMarketData)
	assert.Equal(t, []string{"m1"}, f.mon.State().Suspended)
	assert.Contains(t, f.alerts.kinds(), domain.AlertStaleness)

	f.fresh("m1")
	assert.Empty(t, f.mon.State().Suspended)
	assert.NoError(t, f.mon.PreTradeCheck(ctx, quote("m1", 10)))
}

func TestDailyLoss_EngagesKillSwitch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fresh("m1")

	f.mon.PostTradeAccount(ctx, domain.FillAccounting{MarketID: "m1", RealizedPnL: -20})
	assert.False(t, f.mon.Engaged())

	f.mon.MarkToMarket(ctx, "m1", -11)
	require.True(t, f.mon.Engaged())

	ks := f.mon.KillSwitch().State()
	assert.Equal(t, domain.KillSwitchAuto, ks.Source)
	assert.Contains(t, ks.Reason, "-31.00")

	assertBreach(t, f.mon.PreTradeCheck(ctx, quote("m1", 10)), domain.RuleKillSwitch)
	kinds := f.alerts.kinds()
	assert.Contains(t, kinds, domain.AlertDailyLossBreach)
	assert.Contains(t, kinds, domain.AlertKillSwitchEngaged)

	// persistido
	saved, err := f.store.LoadKillSwitch(ctx)
	require.NoError(t, err)
	assert.True(t, saved.Engaged)
	d, err := f.store.LoadDailyPnL(ctx, "2026-10-19")
	require.NoError(t, err)
	assert.InDelta(t, -31, d.Total(), 1e-9)
}

func TestKillSwitch_ManualClearOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fresh("m1")

	require.NoError(t, f.mon.Engage(ctx, domain.KillSwitchManual, "operator stop"))
	require.NoError(t, f.mon.Engage(ctx, domain.KillSwitchAuto, "second"))
	assert.Equal(t, "operator stop", f.mon.KillSwitch().State().Reason)

	assert.ErrorIs(t, f.mon.Clear(ctx, ""), risk.ErrClearNeedsOperator)
	assert.True(t, f.mon.Engaged())

	require.NoError(t, f.mon.Clear(ctx, "alice"))
	assert.False(t, f.mon.Engaged())
	st := f.mon.KillSwitch().State()
	assert.Equal(t, "alice", st.ClearedBy)
	assert.NoError(t, f.mon.PreTradeCheck(ctx, quote("m1", 10)))
}

func TestKillSwitch_SubscribersNotified(t *testing.T) {
	f := newFixture(t)
	ch, unsubscribe := f.mon.KillSwitch().Subscribe()
	defer unsubscribe()

	require.NoError(t, f.mon.Engage(context.Background(), domain.KillSwitchManual, "test"))
	select {
	case st := <-ch:
		assert.True(t, st.Engaged)
	case <-time.After(time.Second):
		t.Fatal("subscriber not notified")
	}
}

func TestKillSwitch_SurvivesRestart(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.mon.Engage(ctx, domain.KillSwitchManual, "maintenance"))
	f.mon.PostTradeAccount(ctx, domain.FillAccounting{RealizedPnL: 2.5})

	restarted := risk.NewMonitor(f.store, nil, nil, defaultLimits)
	restarted.SetClock(func() time.Time { return f.now })
	require.NoError(t, restarted.Restore(ctx))

	assert.True(t, restarted.Engaged())
	st := restarted.State()
	assert.Equal(t, "maintenance", st.KillSwitch.Reason)
	assert.InDelta(t, 2.5, st.Daily.RealizedPnL, 1e-9)
}

func TestDailyRollover(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.mon.PostTradeAccount(ctx, domain.FillAccounting{RealizedPnL: -10})
	assert.Equal(t, 1, f.mon.State().Daily.LossCount)

	f.now = f.now.Add(13 * time.Hour)
	st := f.mon.State()
	assert.Equal(t, "2026-10-20", st.Daily.Date)
	assert.Zero(t, st.Daily.RealizedPnL)
	assert.Zero(t, st.Daily.LossCount)
}

func TestSettleMarket_MovesUnrealizedToRealized(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.mon.MarkToMarket(ctx, "m1", -4)
	f.mon.MarkToMarket(ctx, "m2", 1)

	f.mon.SettleMarket(ctx, "m1")
	d := f.mon.State().Daily
	assert.InDelta(t, -4, d.RealizedPnL, 1e-9)
	assert.InDelta(t, 1, d.UnrealizedPnL, 1e-9)
	assert.Equal(t, 1, d.LossCount)
}

func TestReportReconciliation_EscalatesStreak(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ev := []domain.ReconciliationEvent{{ID: "e", MarketID: "m1", TokenID: "t1", Diff: -1}}

	f.mon.ReportReconciliation(ctx, ev)
	f.mon.ReportReconciliation(ctx, ev)
	// un ciclo limpio reinicia la racha
	f.mon.ReportReconciliation(ctx, nil)
	f.mon.ReportReconciliation(ctx, ev)
	f.mon.ReportReconciliation(ctx, ev)
	assert.NotContains(t, f.alerts.kinds(), domain.AlertRepeatedMismatch)

	f.mon.ReportReconciliation(ctx, ev)
	assert.Contains(t, f.alerts.kinds(), domain.AlertRepeatedMismatch)
}

func TestSetLimits_HotReload(t *testing.T) {
	f := newFixture(t)
	f.fresh("m1")
	f.exp.size["m1"] = 60

	assertBreach(t, f.mon.PreTradeCheck(context.Background(), quote("m1", 50)), domain.RuleMaxMarketSize)

	l := defaultLimits
	l.PositionSizePerMarket = 200
	f.mon.SetLimits(l)
	assert.NoError(t, f.mon.PreTradeCheck(context.Background(), quote("m1", 50)))
}
