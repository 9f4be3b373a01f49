package risk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alejandrodnm/deltamaker/internal/domain"
	"github.com/alejandrodnm/deltamaker/internal/ports"
)

// ErrClearNeedsOperator: el clear es siempre manual y con nombre.
var ErrClearNeedsOperator = errors.New("kill switch clear requires an operator")

// KillSwitch es la parada global de trading. El flag es atómico para que
// cualquier goroutine lo lea sin lock; el estado completo se persiste.
// Una vez activado sólo se desactiva con Clear.
type KillSwitch struct {
	engaged atomic.Bool

	store   ports.RiskStore
	alerts  ports.Alerter
	metrics ports.Metrics
	now     func() time.Time

	mu    sync.Mutex
	state domain.KillSwitchState
	subs  map[int]chan domain.KillSwitchState
	next  int
}

// NewKillSwitch crea el kill switch desactivado. Llamar Restore para cargar
// el estado persistido.
func NewKillSwitch(store ports.RiskStore, alerts ports.Alerter, metrics ports.Metrics) *KillSwitch {
	if alerts == nil {
		alerts = ports.NopAlerter{}
	}
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	return &KillSwitch{
		store:   store,
		alerts:  alerts,
		metrics: metrics,
		now:     time.Now,
		subs:    make(map[int]chan domain.KillSwitchState),
	}
}

// Engaged es la lectura rápida del flag.
func (k *KillSwitch) Engaged() bool {
	return k.engaged.Load()
}

// State devuelve una copia del estado completo.
func (k *KillSwitch) State() domain.KillSwitchState {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.state
}

// Subscribe devuelve un canal que recibe cada cambio de estado. La entrega es
// no bloqueante: un suscriptor lento ve el último cambio, no todos.
func (k *KillSwitch) Subscribe() (<-chan domain.KillSwitchState, func()) {
	ch := make(chan domain.KillSwitchState, 1)
	k.mu.Lock()
	id := k.next
	k.next++
	k.subs[id] = ch
	k.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			k.mu.Lock()
			delete(k.subs, id)
			k.mu.Unlock()
		})
	}
}

// Engage activa el kill switch. Es idempotente: si ya estaba activo no
// cambia el motivo original.
func (k *KillSwitch) Engage(ctx context.Context, source domain.KillSwitchSource, reason string) error {
	k.mu.Lock()
	if k.state.Engaged {
		k.mu.Unlock()
		slog.Debug("risk: kill switch already engaged", "source", source, "reason", reason)
		return nil
	}
	// el flag primero: ningún tick posterior debe ver el switch apagado
	k.engaged.Store(true)
	k.state = domain.KillSwitchState{
		Engaged:   true,
		Source:    source,
		Reason:    reason,
		EngagedAt: k.now(),
	}
	st := k.state
	k.broadcastLocked(st)
	k.mu.Unlock()

	k.metrics.KillSwitch(true)
	slog.Error("risk: KILL SWITCH ENGAGED", "source", source, "reason", reason)
	k.alerts.Alert(ctx, domain.Alert{
		Kind:        domain.AlertKillSwitchEngaged,
		Level:       domain.AlertCritical,
		Message:     fmt.Sprintf("kill switch engaged (%s): %s", source, reason),
		Fields:      map[string]any{"source": string(source)},
		RequiresAck: true,
		At:          st.EngagedAt,
	})

	if err := k.store.SaveKillSwitch(ctx, st); err != nil {
		return fmt.Errorf("risk.KillSwitch.Engage: persist: %w", err)
	}
	return nil
}

// Clear desactiva el kill switch. Sólo un operador puede hacerlo.
func (k *KillSwitch) Clear(ctx context.Context, operator string) error {
	if operator == "" {
		return ErrClearNeedsOperator
	}
	k.mu.Lock()
	if !k.state.Engaged {
		k.mu.Unlock()
		return nil
	}
	k.state.Engaged = false
	k.state.ClearedAt = k.now()
	k.state.ClearedBy = operator
	k.engaged.Store(false)
	st := k.state
	k.broadcastLocked(st)
	k.mu.Unlock()

	k.metrics.KillSwitch(false)
	slog.Warn("risk: kill switch cleared", "operator", operator, "was", st.Reason)
	k.alerts.Alert(ctx, domain.Alert{
		Kind:        domain.AlertKillSwitchCleared,
		Level:       domain.AlertCritical,
		Message:     fmt.Sprintf("kill switch cleared by %s (was: %s)", operator, st.Reason),
		Fields:      map[string]any{"operator": operator},
		RequiresAck: true,
		At:          st.ClearedAt,
	})

	if err := k.store.SaveKillSwitch(ctx, st); err != nil {
		return fmt.Errorf("risk.KillSwitch.Clear: persist: %w", err)
	}
	return nil
}

// Restore carga el estado persistido. Un switch activo al apagar sigue activo.
func (k *KillSwitch) Restore(ctx context.Context) error {
	st, err := k.store.LoadKillSwitch(ctx)
	if err != nil {
		return fmt.Errorf("risk.KillSwitch.Restore: %w", err)
	}
	k.mu.Lock()
	k.state = st
	k.engaged.Store(st.Engaged)
	k.mu.Unlock()

	k.metrics.KillSwitch(st.Engaged)
	if st.Engaged {
		slog.Warn("risk: kill switch restored ENGAGED", "source", st.Source, "reason", st.Reason,
			"since", st.EngagedAt.Format(time.RFC3339))
	}
	return nil
}

func (k *KillSwitch) broadcastLocked(st domain.KillSwitchState) {
	for _, ch := range k.subs {
		// descarta el valor viejo si nadie lo leyó
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- st:
		default:
		}
	}
}
