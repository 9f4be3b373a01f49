package orchestrator_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alejandrodnm/deltamaker/internal/adapters/paper"
	"github.com/alejandrodnm/deltamaker/internal/adapters/storage"
	"github.com/alejandrodnm/deltamaker/internal/application/delta"
	"github.com/alejandrodnm/deltamaker/internal/application/executor"
	"github.com/alejandrodnm/deltamaker/internal/application/orchestrator"
	"github.com/alejandrodnm/deltamaker/internal/application/risk"
	"github.com/alejandrodnm/deltamaker/internal/domain"
	"github.com/alejandrodnm/deltamaker/internal/ports"
	"github.com/stretchr/testify/require"
)

// fakeBooks es el libro que ve tanto el paper venue como la ventana.
type fakeBooks struct {
	mu    sync.Mutex
	books map[string]domain.OrderBook
}

func (f *fakeBooks) set(token string, bid, ask float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.books == nil {
		f.books = make(map[string]domain.OrderBook)
	}
	f.books[token] = domain.OrderBook{
		TokenID: token,
		Bids:    []domain.BookEntry{{Price: bid, Size: 500}},
		Asks:    []domain.BookEntry{{Price: ask, Size: 500}},
	}
}

func (f *fakeBooks) GetOrderBooks(_ context.Context, ids []string) (map[string]domain.OrderBook, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]domain.OrderBook, len(ids))
	for _, id := range ids {
		if b, ok := f.books[id]; ok {
			b.FetchedAt = time.Now()
			out[id] = b
		}
	}
	return out, nil
}

func testMarket() domain.Market {
	return domain.Market{
		ConditionID: "0xwin",
		Slug:        "btc-updown-15m-test",
		Up:          domain.Token{TokenID: "win-up", Outcome: domain.OutcomeUp},
		Down:        domain.Token{TokenID: "win-down", Outcome: domain.OutcomeDown},
		WindowEnd:   time.Now().Add(time.Hour),
	}
}

// harness monta el core completo sobre el paper venue y sqlite en memoria.
type harness struct {
	books   *fakeBooks
	venue   *paper.Venue
	orders  ports.OrderVenue // lo que ve el executor; por defecto venue
	store   *storage.SQLiteStorage
	risk    *risk.Monitor
	tracker *delta.Tracker
	exec    *executor.Executor
	deps    orchestrator.Deps
}

var testWindowConfig = orchestrator.WindowConfig{
	Size:                  10,
	MinEdge:               0.02,
	MonitorInterval:       10 * time.Millisecond,
	UnwindLead:            time.Minute,
	SettleTimeout:         3 * time.Second,
	MaxSubmissionAttempts: 2,
	FlattenOnKill:         true,
}

// slowCancelVenue tarda en confirmar cada cancel, como un venue degradado.
type slowCancelVenue struct {
	*paper.Venue
	delay time.Duration
}

func (v slowCancelVenue) CancelOrder(ctx context.Context, id string) error {
	time.Sleep(v.delay)
	return v.Venue.CancelOrder(ctx, id)
}

func withCancelDelay(d time.Duration) func(*harness) {
	return func(h *harness) { h.orders = slowCancelVenue{Venue: h.venue, delay: d} }
}

func newHarness(t *testing.T, m domain.Market, opts ...func(*harness)) *harness {
	t.Helper()
	db, err := storage.NewSQLiteStorage(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	h := &harness{books: &fakeBooks{}, store: db}
	h.books.set(m.Up.TokenID, 0.48, 0.50)
	h.books.set(m.Down.TokenID, 0.49, 0.51)
	h.venue = paper.NewVenue(h.books)
	h.orders = h.venue
	for _, opt := range opts {
		opt(h)
	}

	h.risk = risk.NewMonitor(db, nil, nil, risk.Limits{
		PositionSizePerMarket:  100,
		MaxConcurrentPositions: 3,
		DeltaLimitPct:          50,
		DailyLossLimit:         1000,
		StalenessThreshold:     15 * time.Second,
		MismatchEscalation:     3,
	})
	h.tracker = delta.NewTracker(db, h.risk, nil, nil, delta.Config{Tolerance: 0.01, RebalanceThreshold: 1000})
	h.risk.SetExposure(h.tracker)
	h.exec = executor.New(h.orders, h.risk, h.tracker, db, nil, nil, executor.Config{
		OrphanGraceTimeout:  time.Hour,
		SubmissionSkewBound: time.Second,
		StatusPollInterval:  20 * time.Millisecond,
		CancelMaxRetries:    3,
		CancelBaseBackoff:   time.Millisecond,
	})
	h.tracker.SetInFlight(h.exec)
	h.deps = orchestrator.Deps{
		Trader:  h.exec,
		Risk:    h.risk,
		Ledger:  h.tracker,
		Books:   h.venue,
		Orphans: db,
	}
	return h
}

// start arranca el stream de eventos y la simulación de fills.
func (h *harness) start(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	events, err := h.venue.SubscribeEvents(ctx)
	require.NoError(t, err)
	go h.exec.Run(ctx, events)
	go h.venue.Run(ctx, 5*time.Millisecond)
	return ctx
}
