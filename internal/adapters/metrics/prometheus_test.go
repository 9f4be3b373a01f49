package metrics_test

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alejandrodnm/deltamaker/internal/adapters/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrometheus_RecordsSeries(t *testing.T) {
	p := metrics.NewPrometheus()

	p.PairPlaced("hedged")
	p.PairPlaced("hedged")
	p.PairPlaced("orphan")
	p.Delta("0xa", 100)
	p.AggregateDelta(-25)
	p.KillSwitch(true)
	p.DailyPnL(-4, 1.5)
	p.SubmissionSkew(30 * time.Millisecond)

	assert.Equal(t, 2, testutil.CollectAndCount(p.Registry(), "deltamaker_pairs_total"))
	assert.Equal(t, 1, testutil.CollectAndCount(p.Registry(), "deltamaker_submission_skew_seconds"))

	body := scrape(t, p)
	assert.Contains(t, body, `deltamaker_pairs_total{result="hedged"} 2`)
	assert.Contains(t, body, `deltamaker_market_delta_shares{market="0xa"} 100`)
	assert.Contains(t, body, "deltamaker_aggregate_delta_shares -25")
	assert.Contains(t, body, "deltamaker_kill_switch_engaged 1")
	assert.Contains(t, body, "deltamaker_daily_realized_pnl_usdc -4")
}

func TestPrometheus_WindowStateLifecycle(t *testing.T) {
	p := metrics.NewPrometheus()

	p.WindowState("0xa", "QUOTING")
	p.WindowState("0xa", "MONITORING")
	body := scrape(t, p)
	assert.Contains(t, body, `deltamaker_window_state{market="0xa",state="MONITORING"} 1`)
	assert.Contains(t, body, `deltamaker_window_state{market="0xa",state="QUOTING"} 0`)

	p.Delta("0xa", 3)
	p.WindowState("0xa", "SETTLED")
	body = scrape(t, p)
	assert.NotContains(t, body, `market="0xa"`)
}

func scrape(t *testing.T, p *metrics.Prometheus) string {
	t.Helper()
	srv := httptest.NewServer(p.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(b)
}
