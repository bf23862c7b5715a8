package abstraction

import (
	"math/rand"

	"github.com/gtocluster/solver/cards"
	"github.com/gtocluster/solver/eval"
)

// Config holds the tunables of the hand and action abstraction: how many
// postflop equity buckets to use and how many samples to spend estimating
// equity per bucket lookup.
type Config struct {
	// PostflopEquityBuckets is K in "N_preflop + floor(equity*K)".
	PostflopEquityBuckets int
	// EquitySamples is the Monte Carlo sample budget per bucket lookup.
	// Spec leaves the exploitability estimator's sampling budget
	// configurable rather than fixed; the same knob governs bucketing here.
	EquitySamples int
}

// DefaultConfig returns reasonable abstraction tunables for interactive use.
func DefaultConfig() Config {
	return Config{
		PostflopEquityBuckets: 10,
		EquitySamples:         200,
	}
}

// TotalBuckets returns the size of the combined hole-bucket space: 169
// preflop classes, or 169 + K postflop equity bands per board class.
func (c Config) TotalBuckets() int {
	return PreflopBucketCount() + c.PostflopEquityBuckets
}

// HoleBucket maps a hand plus board into a bucket index. Preflop (no board)
// uses the 169-class canonical partition directly. Postflop, the bucket is
// N_preflop + floor(equity*K), where equity is a Monte Carlo estimate
// against a uniform valid opponent range on the current board.
func (c Config) HoleBucket(hand cards.Hand, board cards.Board, rng *rand.Rand) int {
	if len(board) == 0 {
		return PreflopBucket(hand)
	}

	equity := eval.EstimateEquity(hand[:], board, eval.RandomRange{}, c.EquitySamples, rng)
	band := int(equity * float64(c.PostflopEquityBuckets))
	if band >= c.PostflopEquityBuckets {
		band = c.PostflopEquityBuckets - 1
	}
	if band < 0 {
		band = 0
	}
	return PreflopBucketCount() + band
}

// BoardBucket returns the isomorphism-invariant board class used to key
// postflop information sets alongside the hole bucket, so two suit-relabelled
// boards with identical structure collapse to the same InfoSetKey component.
func (c Config) BoardBucket(board cards.Board) int {
	return IsoClass(board)
}
