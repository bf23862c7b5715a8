package cfr

import (
	"errors"
	"math/rand"
	"time"

	"github.com/gtocluster/solver/abstraction"
	"github.com/gtocluster/solver/cards"
	"github.com/gtocluster/solver/eval"
	"github.com/gtocluster/solver/gamestate"
)

// Variant selects which CFR update rule a Task runs under. All three share
// the traversal skeleton in traversal.go, parameterised by actionWeighting,
// strategySumWeighting and the clampNonNegative flag RegretEntry.ApplyDelta
// takes (set for Plus) instead of a type hierarchy.
type Variant uint8

const (
	Vanilla Variant = iota
	ChanceSampling
	Plus
)

func (v Variant) String() string {
	switch v {
	case Vanilla:
		return "vanilla"
	case ChanceSampling:
		return "chance_sampling"
	case Plus:
		return "plus"
	default:
		return "unknown"
	}
}

// Task carries a subtree root state and everything the engine needs to
// traverse it without reaching for ambient state: the iteration index (for
// the vanilla discount schedule), the variant selector, which player this
// task updates (meaningful for ChanceSampling's external sampling), the
// remaining deck to deal further streets from, and an injected RNG so the
// whole traversal is reproducible from a seed.
type Task struct {
	RootState    *gamestate.State
	Iteration    int
	Variant      Variant
	UpdatePlayer int
	Alpha        float64 // vanilla discount exponent: d_t = t^-alpha
	Timeout      time.Duration

	Deck      *cards.Deck
	RNG       *rand.Rand
	Bucket    abstraction.Config
	Evaluator func(cards.Hand, cards.Board) eval.HandRank
}

// RegretDelta maps InfoSetKey.String() to a per-abstracted-action regret
// vector accumulated by one task's traversal.
type RegretDelta map[string][]float64

// StrategyDelta maps InfoSetKey.String() to a per-abstracted-action
// strategy-sum contribution accumulated by one task's traversal.
type StrategyDelta map[string][]float64

// Result is what a Task traversal returns to the aggregator: the deltas to
// fold into the Simulation's node table, plus the per-player value estimate
// observed at the root under the current strategy.
type Result struct {
	Regret        RegretDelta
	Strategy      StrategyDelta
	ValueEstimate []float64
}

var (
	// ErrInvalidTask is returned when a Task's payload cannot be traversed:
	// a nil root state, an out-of-range player, or a malformed deck.
	ErrInvalidTask = errors.New("cfr: invalid task")
	// ErrBudgetExceeded is returned when a task's walltime exceeds Timeout.
	// Per contract, partial deltas are discarded: the whole task fails.
	ErrBudgetExceeded = errors.New("cfr: task exceeded its walltime budget")
)
