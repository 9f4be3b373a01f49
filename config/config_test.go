package config_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alejandrodnm/deltamaker/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_Defaults(t *testing.T) {
	cfg, err := config.Parse([]byte("markets:\n  slugs: [btc-updown-15m]\n"))
	require.NoError(t, err)

	tr := cfg.Trading
	assert.Equal(t, 100.0, tr.PositionSizePerMarket)
	assert.Equal(t, 5, tr.MaxConcurrentPositions)
	assert.Equal(t, 50.0, tr.DeltaLimitPct)
	assert.Equal(t, 30.0, tr.DailyLossLimit)
	assert.Equal(t, 30*time.Second, tr.OrphanGraceTimeout)
	assert.Equal(t, 15*time.Second, tr.StalenessThreshold)
	assert.Equal(t, time.Minute, tr.ReconciliationInterval)
	assert.Equal(t, 250*time.Millisecond, tr.SubmissionSkewBound)
	assert.True(t, tr.FlattenOnKillEnabled())
	assert.False(t, tr.AutoRebalance)
	assert.Equal(t, []string{"btc-updown-15m"}, cfg.Markets.Slugs)
	assert.Equal(t, "https://data-api.polymarket.com", cfg.API.DataBase)
}

func TestParse_DurationsAndOverrides(t *testing.T) {
	yml := `
trading:
  position_size_per_market: 40
  daily_loss_limit: 12.5
  orphan_grace_timeout: 5s
  submission_skew_bound: 100ms
  flatten_on_kill: false
log:
  level: debug
`
	cfg, err := config.Parse([]byte(yml))
	require.NoError(t, err)

	assert.Equal(t, 40.0, cfg.Trading.PositionSizePerMarket)
	assert.Equal(t, 12.5, cfg.Trading.DailyLossLimit)
	assert.Equal(t, 5*time.Second, cfg.Trading.OrphanGraceTimeout)
	assert.Equal(t, 100*time.Millisecond, cfg.Trading.SubmissionSkewBound)
	assert.False(t, cfg.Trading.FlattenOnKillEnabled())
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestParse_EnvOverrides(t *testing.T) {
	t.Setenv("LOG_FORMAT", "json")
	t.Setenv("POLY_PRIVATE_KEY", "abc123")
	t.Setenv("DELTAMAKER_DB", ":memory:")

	cfg, err := config.Parse([]byte("log:\n  format: text\n"))
	require.NoError(t, err)

	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, "abc123", cfg.PrivateKey)
	assert.Equal(t, ":memory:", cfg.Storage.DSN)
}

func TestParse_RejectsInvalid(t *testing.T) {
	_, err := config.Parse([]byte("trading:\n  delta_limit_pct: 150\n"))
	assert.Error(t, err)

	_, err = config.Parse([]byte("trading:\n  min_edge: 1.5\n"))
	assert.Error(t, err)

	_, err = config.Parse([]byte("trading: [not, a, map]\n"))
	assert.Error(t, err)
}

func TestWatcher_ReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("trading:\n  daily_loss_limit: 10\n"), 0o600))

	got := make(chan *config.Config, 1)
	w, err := config.NewWatcher(path, func(c *config.Config) {
		// el truncado previo a la escritura también dispara un evento
		if c.Trading.DailyLossLimit != 20 {
			return
		}
		select {
		case got <- c:
		default:
		}
	})
	require.NoError(t, err)
	w.SetCooldown(0)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	require.NoError(t, os.WriteFile(path, []byte("trading:\n  daily_loss_limit: 20\n"), 0o600))

	select {
	case c := <-got:
		assert.Equal(t, 20.0, c.Trading.DailyLossLimit)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not reload")
	}

	cancel()
	<-w.Done()
}
