package modload

import (
	"sync"

	"github.com/Mindburn-Labs/keel/pkg/kernelerr"
)

// DefaultGas is the compute budget issued to a spawned program per
// execution: one mandatory-yield interval of steps.
const DefaultGas uint64 = 1_000_000

// GasMeter meters computational steps against a fixed budget. Exhaustion is
// a typed resource error, never a silent stall.
type GasMeter struct {
	mu        sync.Mutex
	remaining uint64
	budget    uint64
}

// NewGasMeter creates a meter with the given budget.
func NewGasMeter(budget uint64) *GasMeter {
	return &GasMeter{remaining: budget, budget: budget}
}

// Consume deducts steps, failing when the budget runs out.
func (g *GasMeter) Consume(steps uint64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if steps > g.remaining {
		g.remaining = 0
		return kernelerr.New(kernelerr.CodeGasExhausted, kernelerr.CategoryResource,
			"compute budget exhausted (budget %d)", g.budget)
	}
	g.remaining -= steps
	return nil
}

// Remaining reports the unspent budget.
func (g *GasMeter) Remaining() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.remaining
}

// Refill resets the meter to its full budget, at slice boundaries.
func (g *GasMeter) Refill() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.remaining = g.budget
}
