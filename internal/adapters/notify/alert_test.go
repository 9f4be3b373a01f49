package notify_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alejandrodnm/deltamaker/internal/adapters/notify"
	"github.com/alejandrodnm/deltamaker/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingChannel struct {
	mu   sync.Mutex
	sent []domain.Alert
	err  error
}

func (c *recordingChannel) Name() string { return "recording" }

func (c *recordingChannel) Send(_ context.Context, a domain.Alert) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.sent = append(c.sent, a)
	return nil
}

func (c *recordingChannel) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

func TestAlertManager_ThrottlesByKey(t *testing.T) {
	ch := &recordingChannel{}
	m := notify.NewAlertManager(time.Minute, ch)
	ctx := context.Background()
	t0 := time.Now()

	m.Alert(ctx, domain.Alert{Kind: domain.AlertReconciliationMismatch, MarketID: "0xa", At: t0})
	m.Alert(ctx, domain.Alert{Kind: domain.AlertReconciliationMismatch, MarketID: "0xa", At: t0.Add(10 * time.Second)})
	m.Alert(ctx, domain.Alert{Kind: domain.AlertReconciliationMismatch, MarketID: "0xb", At: t0.Add(10 * time.Second)})
	m.Alert(ctx, domain.Alert{Kind: domain.AlertReconciliationMismatch, MarketID: "0xa", At: t0.Add(2 * time.Minute)})

	assert.Equal(t, 3, ch.count())
}

func TestAlertManager_AckAlertsBypassThrottleAndStayPending(t *testing.T) {
	ch := &recordingChannel{}
	m := notify.NewAlertManager(time.Hour, ch)
	ctx := context.Background()

	crit := domain.Alert{Kind: domain.AlertKillSwitchEngaged, Level: domain.AlertCritical, RequiresAck: true}
	m.Alert(ctx, crit)
	m.Alert(ctx, crit)
	m.Alert(ctx, domain.Alert{Kind: domain.AlertDailyLossBreach, Level: domain.AlertCritical, RequiresAck: true})

	assert.Equal(t, 3, ch.count())
	assert.Len(t, m.Pending(), 3)

	assert.Equal(t, 2, m.Acknowledge(domain.AlertKillSwitchEngaged))
	pending := m.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, domain.AlertDailyLossBreach, pending[0].Kind)
}

func TestAlertManager_OneFailingChannelDoesNotBlockOthers(t *testing.T) {
	bad := &recordingChannel{err: errors.New("boom")}
	good := &recordingChannel{}
	m := notify.NewAlertManager(0, bad, good)

	m.Alert(context.Background(), domain.Alert{Kind: domain.AlertOrphanLeg, MarketID: "0xa"})
	assert.Equal(t, 1, good.count())
}

func TestWebhookChannel_PostsJSON(t *testing.T) {
	got := make(chan map[string]any, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		got <- body
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	ch := notify.NewWebhookChannel(srv.URL)
	err := ch.Send(context.Background(), domain.Alert{
		Kind:     domain.AlertOrphanLeg,
		Level:    domain.AlertWarning,
		Message:  "orphan",
		MarketID: "0xa",
		At:       time.Now(),
	})
	require.NoError(t, err)

	body := <-got
	assert.Equal(t, "orphan_leg", body["kind"])
	assert.Equal(t, "WARNING", body["level"])
	assert.Equal(t, "0xa", body["market"])
}

func TestWebhookChannel_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	err := notify.NewWebhookChannel(srv.URL).Send(context.Background(), domain.Alert{Kind: domain.AlertOrphanLeg})
	assert.Error(t, err)
}
