package pricer

import (
	"context"
	"math/rand"
	"sync"

	"github.com/shopspring/decimal"
)

// RandomWalkPricer simulates a market by walking the price a bounded
// percentage step on every call. Used by the simulation binary and tests.
type RandomWalkPricer struct {
	mu      sync.Mutex
	price   decimal.Decimal
	stepPct decimal.Decimal
	rnd     *rand.Rand
}

// NewRandomWalkPricer creates a pricer starting at the given price that
// moves up to stepPct percent per call. A fixed seed makes runs repeatable.
func NewRandomWalkPricer(start decimal.Decimal, stepPct decimal.Decimal, seed int64) *RandomWalkPricer {
	if stepPct.LessThanOrEqual(decimal.Zero) {
		stepPct = decimal.NewFromFloat(0.5)
	}
	return &RandomWalkPricer{
		price:   start,
		stepPct: stepPct,
		rnd:     rand.New(rand.NewSource(seed)),
	}
}

// GetPrice advances the walk and returns the new price.
func (p *RandomWalkPricer) GetPrice(_ context.Context) (decimal.Decimal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	// step in (-stepPct, +stepPct) percent
	factor := decimal.NewFromFloat(p.rnd.Float64()*2 - 1)
	delta := p.price.Mul(p.stepPct).Mul(factor).Div(decimal.NewFromInt(100))

	next := p.price.Add(delta)
	if next.IsPositive() {
		p.price = next
	}

	return p.price, nil
}
