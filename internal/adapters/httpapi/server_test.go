package httpapi_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alejandrodnm/deltamaker/internal/adapters/httpapi"
	"github.com/alejandrodnm/deltamaker/internal/adapters/notify"
	"github.com/alejandrodnm/deltamaker/internal/adapters/storage"
	"github.com/alejandrodnm/deltamaker/internal/application/orchestrator"
	"github.com/alejandrodnm/deltamaker/internal/application/risk"
	"github.com/alejandrodnm/deltamaker/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() { gin.SetMode(gin.TestMode) }

type fakeDelta struct{}

func (fakeDelta) Snapshot() domain.DeltaSnapshot {
	return domain.DeltaSnapshot{At: time.Now(), PerMarket: map[string]float64{"0xm1": 25}, Aggregate: 25}
}

func (fakeDelta) Positions() []domain.Position {
	return []domain.Position{{MarketID: "0xm1", TokenID: "up-1", Outcome: domain.OutcomeUp, Size: 25, AvgCost: 0.5}}
}

type fakeWindows struct{}

func (fakeWindows) Windows() []orchestrator.WindowStatus {
	return []orchestrator.WindowStatus{{MarketID: "0xm1", State: orchestrator.StateMonitoring, Delta: 25}}
}

type fixture struct {
	router  http.Handler
	monitor *risk.Monitor
	alerts  *notify.AlertManager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := storage.NewSQLiteStorage(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	alerts := notify.NewAlertManager(0)
	monitor := risk.NewMonitor(db, alerts, nil, risk.Limits{
		PositionSizePerMarket:  100,
		MaxConcurrentPositions: 5,
		DeltaLimitPct:          50,
		DailyLossLimit:         30,
		StalenessThreshold:     15 * time.Second,
		MismatchEscalation:     3,
	})
	srv := httpapi.New(httpapi.Deps{
		Risk:    monitor,
		Delta:   fakeDelta{},
		Windows: fakeWindows{},
		Alerts:  alerts,
		Metrics: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.Write([]byte("deltamaker_kill_switch 0\n"))
		}),
	})
	return &fixture{router: srv.Router(), monitor: monitor, alerts: alerts}
}

func (f *fixture) do(method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	rec := f.do(http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, false, body["kill_switch"])
}

func TestStatus_ReportsDeltaAndWindows(t *testing.T) {
	f := newFixture(t)
	rec := f.do(http.MethodGet, "/status", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		AggregateDelta float64 `json:"aggregate_delta"`
		Windows        []orchestrator.WindowStatus `json:"windows"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.InDelta(t, 25, body.AggregateDelta, 1e-9)
	require.Len(t, body.Windows, 1)
	assert.Equal(t, orchestrator.StateMonitoring, body.Windows[0].State)
}

func TestMetricsRoute(t *testing.T) {
	f := newFixture(t)
	rec := f.do(http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "deltamaker_kill_switch")
}

func TestKillSwitch_EngageAndClear(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodPost, "/kill-switch/engage", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.False(t, f.monitor.Engaged())

	rec = f.do(http.MethodPost, "/kill-switch/engage", `{"reason":"venue acting weird"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, f.monitor.Engaged())
	assert.Equal(t, "venue acting weird", f.monitor.State().KillSwitch.Reason)

	err := f.monitor.PreTradeCheck(context.Background(), domain.Quote{})
	assert.ErrorIs(t, err, domain.ErrRiskBreach)

	rec = f.do(http.MethodPost, "/kill-switch/clear", `{"operator":""}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.True(t, f.monitor.Engaged())

	rec = f.do(http.MethodPost, "/kill-switch/clear", `{"operator":"alice"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, f.monitor.Engaged())
}

func TestAlerts_PendingAndAck(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.monitor.Engage(context.Background(), domain.KillSwitchManual, "test"))

	rec := f.do(http.MethodGet, "/alerts/pending", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var pending []domain.Alert
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &pending))
	require.Len(t, pending, 1)
	assert.Equal(t, domain.AlertKillSwitchEngaged, pending[0].Kind)

	rec = f.do(http.MethodPost, "/alerts/ack", `{"kind":"kill_switch_engaged"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"acknowledged":1}`, rec.Body.String())
	assert.Empty(t, f.alerts.Pending())
}
