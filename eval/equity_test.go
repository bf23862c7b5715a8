package eval

import (
	"math/rand"
	"testing"

	"github.com/gtocluster/solver/cards"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEstimateEquityPocketAcesVsRandom(t *testing.T) {
	hole := must(t, "AsAh")
	rng := rand.New(rand.NewSource(1))
	equity := EstimateEquity(hole, nil, RandomRange{}, 2000, rng)
	assert.Greater(t, equity, 0.75)
	assert.LessOrEqual(t, equity, 1.0)
}

func TestEstimateEquityWeakVsStrongIsLow(t *testing.T) {
	hole := must(t, "7c2d")
	rng := rand.New(rand.NewSource(2))
	equity := EstimateEquity(hole, nil, TightRange{}, 2000, rng)
	assert.Less(t, equity, 0.45)
}

func TestEstimateEquityRejectsBadInput(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	assert.Equal(t, 0.0, EstimateEquity(must(t, "As"), nil, RandomRange{}, 100, rng))
	sixCards := must(t, "2s3s4s5s6s7s")
	assert.Equal(t, 0.0, EstimateEquity(must(t, "AsAh"), sixCards, RandomRange{}, 100, rng))
}

func TestEstimateEquitySequentialAndParallelAgreeRoughly(t *testing.T) {
	hole := must(t, "KsKh")
	board := must(t, "2c7d9h")

	seqRng := rand.New(rand.NewSource(42))
	parRng := rand.New(rand.NewSource(42))

	seq := EstimateEquitySequential(hole, board, RandomRange{}, 3000, seqRng)
	par := EstimateEquityParallel(hole, board, RandomRange{}, 3000, parRng)

	assert.InDelta(t, seq, par, 0.05)
}

func TestCardSetAddContains(t *testing.T) {
	var cs CardSet
	ace := cards.Card{Rank: cards.Ace, Suit: cards.Spades}
	king := cards.Card{Rank: cards.King, Suit: cards.Hearts}
	cs.Add(ace)
	assert.True(t, cs.Contains(ace))
	assert.False(t, cs.Contains(king))
}

func TestRangeSamplersReturnDistinctCards(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	available := fullDeckExcluding(CardSet(0))

	for _, r := range []Range{RandomRange{}, TightRange{}, MediumRange{}, LooseRange{}} {
		hand, ok := r.SampleHand(available, rng)
		require.True(t, ok)
		require.Len(t, hand, 2)
		assert.NotEqual(t, hand[0], hand[1])
	}
}

func TestEvaluateHandStrengthOrdering(t *testing.T) {
	rng := rand.New(rand.NewSource(9))
	strong := EvaluateHandStrength(must(t, "AsAh"), nil, rng)
	weak := EvaluateHandStrength(must(t, "7c2d"), nil, rng)
	assert.Less(t, strong, weak)
}
