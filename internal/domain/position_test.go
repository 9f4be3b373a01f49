package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// --- Position.Apply ---

func TestPositionApply_BuysAverageCost(t *testing.T) {
	var p Position
	assert.Zero(t, p.Apply(100, 0.50))
	assert.Zero(t, p.Apply(100, 0.40))
	assert.InDelta(t, 200, p.Size, 1e-9)
	assert.InDelta(t, 0.45, p.AvgCost, 1e-9)
}

func TestPositionApply_SellRealizesAgainstAverage(t *testing.T) {
	p := Position{Size: 100, AvgCost: 0.45}
	realized := p.Apply(-40, 0.60)
	assert.InDelta(t, 6.0, realized, 1e-9)
	assert.InDelta(t, 60, p.Size, 1e-9)
	assert.InDelta(t, 0.45, p.AvgCost, 1e-9, "reducing keeps the average")
	assert.InDelta(t, 6.0, p.RealizedPnL, 1e-9)
}

func TestPositionApply_CloseGoesFlat(t *testing.T) {
	p := Position{Size: 50, AvgCost: 0.50}
	realized := p.Apply(-50, 0.40)
	assert.InDelta(t, -5.0, realized, 1e-9)
	assert.True(t, p.Flat())
	assert.Zero(t, p.AvgCost)
}

func TestPositionApply_FlipOpensAtFillPrice(t *testing.T) {
	p := Position{Size: 10, AvgCost: 0.50}
	realized := p.Apply(-30, 0.55)
	assert.InDelta(t, 0.5, realized, 1e-9)
	assert.InDelta(t, -20, p.Size, 1e-9)
	assert.InDelta(t, 0.55, p.AvgCost, 1e-9)

	// cubrir el corto más barato gana
	realized = p.Apply(20, 0.50)
	assert.InDelta(t, 1.0, realized, 1e-9)
	assert.True(t, p.Flat())
}

func TestPositionApply_ZeroQtyNoop(t *testing.T) {
	p := Position{Size: 10, AvgCost: 0.5}
	assert.Zero(t, p.Apply(0, 0.9))
	assert.Equal(t, Position{Size: 10, AvgCost: 0.5}, p)
}
