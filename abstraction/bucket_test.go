package abstraction

import (
	"math/rand"
	"testing"

	"github.com/gtocluster/solver/cards"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustHand(t *testing.T, a, b cards.Card) cards.Hand {
	t.Helper()
	h, err := cards.NewHand(a, b)
	require.NoError(t, err)
	return h
}

func TestHoleBucketPreflopUsesPreflopBucket(t *testing.T) {
	cfg := DefaultConfig()
	h := mustHand(t, cards.Card{Rank: cards.Ace, Suit: cards.Spades}, cards.Card{Rank: cards.Ace, Suit: cards.Hearts})
	rng := rand.New(rand.NewSource(1))
	bucket := cfg.HoleBucket(h, nil, rng)
	assert.Equal(t, PreflopBucket(h), bucket)
	assert.Less(t, bucket, PreflopBucketCount())
}

func TestHoleBucketPostflopIsOffsetByPreflopCount(t *testing.T) {
	cfg := DefaultConfig()
	h := mustHand(t, cards.Card{Rank: cards.Ace, Suit: cards.Spades}, cards.Card{Rank: cards.Ace, Suit: cards.Hearts})
	board := cards.Board{
		{Rank: cards.Two, Suit: cards.Clubs},
		{Rank: cards.Seven, Suit: cards.Diamonds},
		{Rank: cards.Nine, Suit: cards.Hearts},
	}
	rng := rand.New(rand.NewSource(1))
	bucket := cfg.HoleBucket(h, board, rng)
	assert.GreaterOrEqual(t, bucket, PreflopBucketCount())
	assert.Less(t, bucket, cfg.TotalBuckets())
}

func TestBoardBucketMatchesIsoClass(t *testing.T) {
	cfg := DefaultConfig()
	board := cards.Board{
		{Rank: cards.Ace, Suit: cards.Spades},
		{Rank: cards.Ace, Suit: cards.Hearts},
		{Rank: cards.King, Suit: cards.Diamonds},
	}
	assert.Equal(t, IsoClass(board), cfg.BoardBucket(board))
}

func TestTotalBucketsAccountsForPreflopAndPostflop(t *testing.T) {
	cfg := Config{PostflopEquityBuckets: 5, EquitySamples: 50}
	assert.Equal(t, PreflopBucketCount()+5, cfg.TotalBuckets())
}
