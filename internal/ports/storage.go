package ports

import (
	"context"
	"time"

	"github.com/alejandrodnm/deltamaker/internal/domain"
)

// PositionStore persiste el ledger de posiciones.
type PositionStore interface {
	SavePosition(ctx context.Context, p domain.Position) error
	LoadPositions(ctx context.Context) ([]domain.Position, error)
	SaveReconciliationEvent(ctx context.Context, e domain.ReconciliationEvent) error
	GetReconciliationEvents(ctx context.Context, since time.Time) ([]domain.ReconciliationEvent, error)
}

// LegStore persiste las patas y los registros de huérfanas.
type LegStore interface {
	SaveLeg(ctx context.Context, l domain.OrderLeg) error
	GetOpenLegs(ctx context.Context) ([]domain.OrderLeg, error)
	GetLegsByPair(ctx context.Context, pairID string) ([]domain.OrderLeg, error)

	// SaveOrphan abre un registro; un segundo registro para el mismo par se ignora.
	SaveOrphan(ctx context.Context, r domain.OrphanRecord) error
	ResolveOrphans(ctx context.Context, marketID, resolution string, at time.Time) (int, error)
	GetOpenOrphans(ctx context.Context) ([]domain.OrphanRecord, error)
}

// RiskStore persiste el kill switch y los contadores diarios.
type RiskStore interface {
	SaveKillSwitch(ctx context.Context, ks domain.KillSwitchState) error
	LoadKillSwitch(ctx context.Context) (domain.KillSwitchState, error)
	SaveDailyPnL(ctx context.Context, d domain.DailyPnL) error
	LoadDailyPnL(ctx context.Context, date string) (domain.DailyPnL, error)
}

// Store agrupa todo lo persistido.
type Store interface {
	PositionStore
	LegStore
	RiskStore
}
