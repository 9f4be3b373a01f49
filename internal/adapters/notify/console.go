package notify

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/alejandrodnm/deltamaker/internal/domain"
	"github.com/olekukonko/tablewriter"
)

// Console escribe alertas y reportes de estado en texto plano.
type Console struct {
	out io.Writer
}

// NewConsole crea una consola sobre stdout.
func NewConsole() *Console {
	return &Console{out: os.Stdout}
}

// NewConsoleWriter crea una consola sobre w (tests).
func NewConsoleWriter(w io.Writer) *Console {
	return &Console{out: w}
}

// ─── Channel ─────────────────────────────────────────────────────────────────

func (c *Console) Name() string { return "console" }

// Send imprime la alerta en una línea.
func (c *Console) Send(_ context.Context, a domain.Alert) error {
	ack := ""
	if a.RequiresAck {
		ack = " [ACK REQUIRED]"
	}
	market := ""
	if a.MarketID != "" {
		market = " " + shortID(a.MarketID)
	}
	_, err := fmt.Fprintf(c.out, "[%s] %-8s %s%s: %s%s\n",
		a.At.Format("15:04:05"), a.Level, a.Kind, market, a.Message, ack)
	return err
}

// ─── Status report ───────────────────────────────────────────────────────────

// StatusReport es la foto que imprime `deltamaker -report`.
type StatusReport struct {
	GeneratedAt     time.Time
	Risk            domain.RiskState
	Delta           domain.DeltaSnapshot
	Positions       []domain.Position
	Orphans         []domain.OrphanRecord
	Reconciliations []domain.ReconciliationEvent
	PendingAlerts   []domain.Alert
}

// PrintStatus imprime el reporte completo.
func (c *Console) PrintStatus(r StatusReport) {
	fmt.Fprintf(c.out, "\n=== deltamaker status @ %s ===\n", r.GeneratedAt.UTC().Format(time.RFC3339))

	ks := r.Risk.KillSwitch
	if ks.Engaged {
		fmt.Fprintf(c.out, "  KILL SWITCH: ENGAGED (%s) since %s: %s\n",
			ks.Source, ks.EngagedAt.UTC().Format(time.RFC3339), ks.Reason)
	} else {
		fmt.Fprintf(c.out, "  KILL SWITCH: off\n")
	}
	d := r.Risk.Daily
	fmt.Fprintf(c.out, "  PnL %s: realized $%.2f  unrealized $%.2f  total $%.2f  (fills %d, losses %d)\n",
		d.Date, d.RealizedPnL, d.UnrealizedPnL, d.Total(), d.FillCount, d.LossCount)
	fmt.Fprintf(c.out, "  Active markets: %d  Unknown legs: %d  Aggregate delta: %+.2f\n",
		r.Risk.ActiveMarkets, r.Risk.UnknownLegs, r.Delta.Aggregate)
	if len(r.Risk.Suspended) > 0 {
		fmt.Fprintf(c.out, "  Suspended (stale data): %v\n", r.Risk.Suspended)
	}

	c.printPositions(r.Positions, r.Delta)
	c.printOrphans(r.Orphans)
	c.printReconciliations(r.Reconciliations)

	if len(r.PendingAlerts) > 0 {
		fmt.Fprintf(c.out, "\n  Pending acknowledgements:\n")
		for _, a := range r.PendingAlerts {
			fmt.Fprintf(c.out, "    %s %s: %s\n", a.At.UTC().Format(time.RFC3339), a.Kind, a.Message)
		}
	}
}

func (c *Console) printPositions(positions []domain.Position, delta domain.DeltaSnapshot) {
	if len(positions) == 0 {
		fmt.Fprintf(c.out, "\n  No open positions.\n")
		return
	}
	sorted := make([]domain.Position, len(positions))
	copy(sorted, positions)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].MarketID != sorted[j].MarketID {
			return sorted[i].MarketID < sorted[j].MarketID
		}
		return sorted[i].Outcome < sorted[j].Outcome
	})

	fmt.Fprintln(c.out)
	table := tablewriter.NewWriter(c.out)
	table.Header("Market", "Outcome", "Size", "AvgCost", "Realized", "Delta", "Updated")
	for _, p := range sorted {
		table.Append(
			shortID(p.MarketID),
			string(p.Outcome),
			fmt.Sprintf("%.2f", p.Size),
			fmt.Sprintf("%.4f", p.AvgCost),
			fmt.Sprintf("$%.2f", p.RealizedPnL),
			fmt.Sprintf("%+.2f", delta.PerMarket[p.MarketID]),
			p.UpdatedAt.UTC().Format("15:04:05"),
		)
	}
	table.Render()
}

func (c *Console) printOrphans(orphans []domain.OrphanRecord) {
	if len(orphans) == 0 {
		return
	}
	fmt.Fprintf(c.out, "\n  Open orphan exposure:\n")
	table := tablewriter.NewWriter(c.out)
	table.Header("Pair", "Market", "Outcome", "Size", "Unresolved", "Since")
	for _, o := range orphans {
		table.Append(
			shortID(o.PairID),
			shortID(o.MarketID),
			string(o.Outcome),
			fmt.Sprintf("%.2f", o.Size),
			fmt.Sprintf("%t", o.Unresolved),
			o.OpenedAt.UTC().Format(time.RFC3339),
		)
	}
	table.Render()
}

func (c *Console) printReconciliations(events []domain.ReconciliationEvent) {
	if len(events) == 0 {
		return
	}
	fmt.Fprintf(c.out, "\n  Reconciliation events:\n")
	table := tablewriter.NewWriter(c.out)
	table.Header("At", "Market", "Outcome", "Local", "Venue", "Diff")
	for _, e := range events {
		table.Append(
			e.At.UTC().Format("01-02 15:04:05"),
			shortID(e.MarketID),
			string(e.Outcome),
			fmt.Sprintf("%.2f", e.Local),
			fmt.Sprintf("%.2f", e.Venue),
			fmt.Sprintf("%+.2f", e.Diff),
		)
	}
	table.Render()
}

func shortID(id string) string {
	if len(id) <= 12 {
		return id
	}
	return id[:10] + ".."
}
