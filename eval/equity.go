package eval

import (
	"context"
	"math/rand"
	"runtime"
	"sync"

	"github.com/gtocluster/solver/cards"
	"golang.org/x/sync/errgroup"
)

// workerResult holds one parallel Monte Carlo worker's partial tally.
type workerResult struct {
	wins         int
	ties         int
	validSamples int
}

// CardSet is a bitset over the 52-card universe, one bit per cards.Card.Index().
type CardSet uint64

// Add adds a card to the set.
func (cs *CardSet) Add(c cards.Card) {
	*cs |= 1 << uint(c.Index())
}

// Contains reports whether a card is in the set.
func (cs CardSet) Contains(c cards.Card) bool {
	return cs&(1<<uint(c.Index())) != 0
}

// NewCardSet builds a CardSet from a slice of cards.
func NewCardSet(cs []cards.Card) CardSet {
	var set CardSet
	for _, c := range cs {
		set.Add(c)
	}
	return set
}

var boardCandidatesPool = sync.Pool{
	New: func() interface{} {
		return make([]cards.Card, 0, 52)
	},
}

// Range samples a plausible opponent hole-card pair from the remaining deck,
// used to bias the equity estimator's opponent model.
type Range interface {
	SampleHand(availableCards []cards.Card, rng *rand.Rand) ([]cards.Card, bool)
}

// RandomRange samples any two remaining cards uniformly.
type RandomRange struct{}

func (r RandomRange) SampleHand(availableCards []cards.Card, rng *rand.Rand) ([]cards.Card, bool) {
	if len(availableCards) < 2 {
		return nil, false
	}
	idx1 := rng.Intn(len(availableCards))
	idx2 := rng.Intn(len(availableCards) - 1)
	if idx2 >= idx1 {
		idx2++
	}
	return []cards.Card{availableCards[idx1], availableCards[idx2]}, true
}

// TightRange samples from a narrow, strong opening range.
type TightRange struct{}

func (r TightRange) SampleHand(availableCards []cards.Card, rng *rand.Rand) ([]cards.Card, bool) {
	if len(availableCards) < 2 {
		return nil, false
	}
	for attempts := 0; attempts < 200; attempts++ {
		idx1 := rng.Intn(len(availableCards))
		idx2 := rng.Intn(len(availableCards) - 1)
		if idx2 >= idx1 {
			idx2++
		}
		hand := []cards.Card{availableCards[idx1], availableCards[idx2]}
		if isTightHand(hand) {
			return hand, true
		}
	}
	return MediumRange{}.SampleHand(availableCards, rng)
}

// MediumRange samples from a range between tight and loose.
type MediumRange struct{}

func (r MediumRange) SampleHand(availableCards []cards.Card, rng *rand.Rand) ([]cards.Card, bool) {
	for attempts := 0; attempts < 50; attempts++ {
		hand, ok := RandomRange{}.SampleHand(availableCards, rng)
		if !ok {
			return hand, false
		}
		if isTightHand(hand) {
			return hand, true
		}
		if isMediumHand(hand) && rng.Float64() < 0.6 {
			return hand, true
		}
	}
	return RandomRange{}.SampleHand(availableCards, rng)
}

// LooseRange samples any two remaining cards, same as RandomRange but kept
// as a distinct type so callers can select an opponent model by name.
type LooseRange struct{}

func (r LooseRange) SampleHand(availableCards []cards.Card, rng *rand.Rand) ([]cards.Card, bool) {
	return RandomRange{}.SampleHand(availableCards, rng)
}

func isTightHand(hand []cards.Card) bool {
	if len(hand) != 2 {
		return false
	}
	c1, c2 := hand[0], hand[1]

	if c1.Rank == c2.Rank && c1.Rank >= cards.Ten {
		return true
	}
	if c1.Rank >= cards.Jack && c2.Rank >= cards.Jack {
		return true
	}
	if c1.Suit == c2.Suit {
		gap := absRank(c1.Rank - c2.Rank)
		if gap <= 1 && ((c1.Rank >= cards.Ten && c2.Rank >= cards.Nine) ||
			(c2.Rank >= cards.Ten && c1.Rank >= cards.Nine)) {
			return true
		}
	}
	if (c1.Rank == cards.Ace && c2.Rank >= cards.Ten) ||
		(c2.Rank == cards.Ace && c1.Rank >= cards.Ten) {
		return true
	}
	return false
}

func isMediumHand(hand []cards.Card) bool {
	if len(hand) != 2 {
		return false
	}
	if isTightHand(hand) {
		return false
	}
	c1, c2 := hand[0], hand[1]

	if c1.Rank == c2.Rank && c1.Rank >= 6 && c1.Rank <= 9 {
		return true
	}
	if (c1.Rank >= 8 && c2.Rank >= 6) || (c2.Rank >= 8 && c1.Rank >= 6) {
		return true
	}
	if c1.Suit == c2.Suit && (c1.Rank >= 7 || c2.Rank >= 7) {
		return true
	}
	if c1.Rank == cards.Ace || c2.Rank == cards.Ace {
		return true
	}
	return false
}

func absRank(r cards.Rank) int {
	if r < 0 {
		return int(-r)
	}
	return int(r)
}

func fullDeckExcluding(used CardSet) []cards.Card {
	out := make([]cards.Card, 0, 52)
	for suit := cards.Spades; suit <= cards.Clubs; suit++ {
		for rank := cards.Two; rank <= cards.Ace; rank++ {
			c := cards.NewCard(rank, suit)
			if !used.Contains(c) {
				out = append(out, c)
			}
		}
	}
	return out
}

// EstimateEquity estimates hero's share of the pot against opponentRange over
// numSamples Monte Carlo rollouts, dispatching to the parallel estimator once
// the sample count makes worker fan-out worthwhile.
func EstimateEquity(hole []cards.Card, board []cards.Card, opponentRange Range, numSamples int, rng *rand.Rand) float64 {
	if numSamples >= 500 {
		return EstimateEquityParallel(hole, board, opponentRange, numSamples, rng)
	}
	return EstimateEquitySequential(hole, board, opponentRange, numSamples, rng)
}

// EstimateEquitySequential runs the Monte Carlo rollout on the calling
// goroutine; used directly for small sample counts where fan-out overhead
// would dominate.
func EstimateEquitySequential(hole []cards.Card, board []cards.Card, opponentRange Range, numSamples int, rng *rand.Rand) float64 {
	if len(hole) != 2 || len(board) > 5 {
		return 0.0
	}

	var usedCards CardSet
	for _, c := range hole {
		usedCards.Add(c)
	}
	for _, c := range board {
		usedCards.Add(c)
	}
	availableCards := fullDeckExcluding(usedCards)

	result := runEquityWorker(hole, board, availableCards, opponentRange, numSamples, rng)
	if result.validSamples == 0 {
		return 0.0
	}
	return (float64(result.wins) + float64(result.ties)/2.0) / float64(result.validSamples)
}

// EstimateEquityParallel fans the rollout out across up to 8 worker
// goroutines, each seeded independently off rng so the overall estimate stays
// reproducible for a fixed seed regardless of scheduling.
func EstimateEquityParallel(hole []cards.Card, board []cards.Card, opponentRange Range, numSamples int, rng *rand.Rand) float64 {
	if len(hole) != 2 || len(board) > 5 {
		return 0.0
	}

	workers := runtime.NumCPU()
	if workers > 8 {
		workers = 8
	}
	if workers < 1 {
		workers = 1
	}

	samplesPerWorker := numSamples / workers
	remainder := numSamples % workers

	var usedCards CardSet
	for _, c := range hole {
		usedCards.Add(c)
	}
	for _, c := range board {
		usedCards.Add(c)
	}
	availableCards := fullDeckExcluding(usedCards)

	g, ctx := errgroup.WithContext(context.Background())
	results := make(chan workerResult, workers)

	for w := 0; w < workers; w++ {
		workerSamples := samplesPerWorker
		if w < remainder {
			workerSamples++
		}
		workerSeed := rng.Int63()

		g.Go(func() error {
			workerRng := rand.New(rand.NewSource(workerSeed))
			result := runEquityWorker(hole, board, availableCards, opponentRange, workerSamples, workerRng)
			select {
			case results <- result:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
	}

	go func() {
		defer close(results)
		g.Wait()
	}()

	totalWins, totalTies, totalValid := 0, 0, 0
	for result := range results {
		totalWins += result.wins
		totalTies += result.ties
		totalValid += result.validSamples
	}

	if err := g.Wait(); err != nil {
		return EstimateEquitySequential(hole, board, opponentRange, numSamples, rng)
	}
	if totalValid == 0 {
		return 0.0
	}
	return (float64(totalWins) + float64(totalTies)/2.0) / float64(totalValid)
}

func runEquityWorker(hole []cards.Card, board []cards.Card, availableCards []cards.Card,
	opponentRange Range, numSamples int, rng *rand.Rand) workerResult {

	wins, ties, validSamples := 0, 0, 0

	finalBoard := make([]cards.Card, 5)
	heroHand := make([]cards.Card, 7)
	oppHand := make([]cards.Card, 7)

	var baseUsedCards CardSet
	for _, c := range hole {
		baseUsedCards.Add(c)
	}
	for _, c := range board {
		baseUsedCards.Add(c)
	}

	for i := 0; i < numSamples; i++ {
		oppHole, ok := opponentRange.SampleHand(availableCards, rng)
		if !ok {
			continue
		}

		tempUsed := baseUsedCards
		for _, c := range oppHole {
			tempUsed.Add(c)
		}

		copy(finalBoard[:len(board)], board)
		boardNeeded := 5 - len(board)
		filled := 0

		boardCandidates := boardCandidatesPool.Get().([]cards.Card)
		boardCandidates = boardCandidates[:0]
		for _, c := range availableCards {
			if !tempUsed.Contains(c) {
				boardCandidates = append(boardCandidates, c)
			}
		}

		for filled < boardNeeded && filled < len(boardCandidates) {
			idx := rng.Intn(len(boardCandidates) - filled)
			finalBoard[len(board)+filled] = boardCandidates[idx]
			boardCandidates[idx], boardCandidates[len(boardCandidates)-1-filled] =
				boardCandidates[len(boardCandidates)-1-filled], boardCandidates[idx]
			filled++
		}
		boardCandidatesPool.Put(boardCandidates)

		copy(heroHand[:2], hole)
		copy(heroHand[2:], finalBoard)
		copy(oppHand[:2], oppHole)
		copy(oppHand[2:], finalBoard)

		heroScore := Evaluate7(heroHand)
		oppScore := Evaluate7(oppHand)

		switch heroScore.Compare(oppScore) {
		case 1:
			wins++
		case 0:
			ties++
		}
		validSamples++
	}

	return workerResult{wins: wins, ties: ties, validSamples: validSamples}
}

// EvaluateHandStrength converts estimated equity against a random opponent
// into a single score where lower means stronger, for use as a quick ranking
// signal outside the CFR abstraction (e.g. operator tooling, sanity checks).
func EvaluateHandStrength(hole []cards.Card, board []cards.Card, rng *rand.Rand) int {
	if len(hole) != 2 || len(board) > 5 {
		return (HighCardType << 20) | 0xFFFFF
	}
	equity := EstimateEquity(hole, board, RandomRange{}, 1000, rng)
	return int((1.0-equity)*9000000) + 1000000
}
