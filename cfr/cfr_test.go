package cfr

import (
	"context"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gtocluster/solver/abstraction"
	"github.com/gtocluster/solver/cards"
	"github.com/gtocluster/solver/gamestate"
)

// headsUpRoot deals a fresh heads-up 100bb root state and its remaining deck
// from rng: stacks/blinds match the S1 smoke-test scenario.
func headsUpRoot(rng *rand.Rand) (*gamestate.State, *cards.Deck, error) {
	cfg := gamestate.Config{SmallBlind: 50, BigBlind: 100, AllowedBetFractions: []float64{1.0}}
	deck := cards.NewDeck(rng)
	s, err := gamestate.New(cfg, []int{10000, 10000}, 0)
	if err != nil {
		return nil, nil, err
	}
	hand0, err := cards.NewHand(mustDeal(deck), mustDeal(deck))
	if err != nil {
		return nil, nil, err
	}
	hand1, err := cards.NewHand(mustDeal(deck), mustDeal(deck))
	if err != nil {
		return nil, nil, err
	}
	s.Hands = []cards.Hand{hand0, hand1}
	return s, deck, nil
}

func mustDeal(d *cards.Deck) cards.Card {
	c, _ := d.Deal()
	return c
}

func TestInfoSetKeyStringRoundTrips(t *testing.T) {
	k := InfoSetKey{Player: 0, Street: 0, BoardClass: 3, ActionHistory: "CALL.RAISE(300)", PlayerBucket: 42}
	other := InfoSetKey{Player: 0, Street: 0, BoardClass: 3, ActionHistory: "CALL.RAISE(300)", PlayerBucket: 42}
	require.Equal(t, k.String(), other.String())

	diff := InfoSetKey{Player: 1, Street: 0, BoardClass: 3, ActionHistory: "CALL.RAISE(300)", PlayerBucket: 42}
	require.NotEqual(t, k.String(), diff.String())
}

func TestEncodeActionHistoryIncludesRaiseAmount(t *testing.T) {
	path := []abstraction.Action{
		{Kind: abstraction.Call},
		{Kind: abstraction.Raise, Amount: 300},
	}
	enc := EncodeActionHistory(path)
	require.Contains(t, enc, "300")
}

func TestRegretMatchUniformWhenAllNonPositive(t *testing.T) {
	strat := regretMatch([]float64{0, -5, -1})
	for _, p := range strat {
		require.InDelta(t, 1.0/3.0, p, 1e-9)
	}
}

func TestRegretMatchProportionalToPositiveRegret(t *testing.T) {
	strat := regretMatch([]float64{3, 1, -2})
	require.InDelta(t, 0.75, strat[0], 1e-9)
	require.InDelta(t, 0.25, strat[1], 1e-9)
	require.InDelta(t, 0, strat[2], 1e-9)
}

func TestRegretEntryApplyDeltaClampsUnderPlus(t *testing.T) {
	e := newRegretEntry(2)
	e.ApplyDelta([]float64{-5, 2}, []float64{1, 1}, true)
	require.Equal(t, []float64{0, 2}, e.RegretSum)
}

func TestRegretEntryApplyDeltaNoClampUnderVanilla(t *testing.T) {
	e := newRegretEntry(2)
	e.ApplyDelta([]float64{-5, 2}, []float64{1, 1}, false)
	require.Equal(t, []float64{-5, 2}, e.RegretSum)
}

func TestRegretEntryAverageStrategyUniformWhenUnvisited(t *testing.T) {
	e := newRegretEntry(4)
	avg := e.AverageStrategy()
	for _, p := range avg {
		require.InDelta(t, 0.25, p, 1e-9)
	}
}

func TestRegretTableGetIsIdempotent(t *testing.T) {
	table := NewRegretTable()
	key := InfoSetKey{Player: 0, Street: 0, ActionHistory: "", PlayerBucket: 1}
	a := table.Get(key, 3)
	b := table.Get(key, 3)
	require.Same(t, a, b)
	require.Equal(t, 1, table.Size())
}

func TestRegretTableApplyResultFoldsDeltas(t *testing.T) {
	table := NewRegretTable()
	key := InfoSetKey{Player: 0, Street: 0, ActionHistory: "", PlayerBucket: 1}
	result := Result{
		Regret:   RegretDelta{key.String(): {1, -1}},
		Strategy: StrategyDelta{key.String(): {0.5, 0.5}},
	}
	table.ApplyResult(result, Vanilla)
	entry := table.Get(key, 2)
	require.Equal(t, []float64{1, -1}, entry.RegretSum)

	table.ApplyResult(result, Plus)
	require.Equal(t, []float64{2, 0}, entry.RegretSum)
}

func TestRunRejectsNilRootState(t *testing.T) {
	table := NewRegretTable()
	task := Task{RootState: nil, RNG: rand.New(rand.NewSource(1))}
	_, err := Run(task, table)
	require.ErrorIs(t, err, ErrInvalidTask)
}

func TestRunRejectsOutOfRangeUpdatePlayer(t *testing.T) {
	table := NewRegretTable()
	rng := rand.New(rand.NewSource(1))
	root, deck, err := headsUpRoot(rng)
	require.NoError(t, err)
	task := Task{RootState: root, UpdatePlayer: 5, RNG: rng, Deck: deck, Bucket: abstraction.DefaultConfig(), Evaluator: gamestate.Eval7}
	_, err = Run(task, table)
	require.ErrorIs(t, err, ErrInvalidTask)
}

func TestRunProducesValueEstimatePerPlayer(t *testing.T) {
	table := NewRegretTable()
	rng := rand.New(rand.NewSource(7))
	root, deck, err := headsUpRoot(rng)
	require.NoError(t, err)

	task := Task{
		RootState:    root,
		Iteration:    1,
		Variant:      Vanilla,
		UpdatePlayer: 0,
		Deck:         deck,
		RNG:          rng,
		Bucket:       abstraction.DefaultConfig(),
		Evaluator:    gamestate.Eval7,
	}
	result, err := Run(task, table)
	require.NoError(t, err)
	require.Len(t, result.ValueEstimate, 2)
	require.Greater(t, table.Size(), 0)
}

func TestRunVariantsProduceFiniteValues(t *testing.T) {
	for _, variant := range []Variant{Vanilla, ChanceSampling, Plus} {
		t.Run(variant.String(), func(t *testing.T) {
			table := NewRegretTable()
			rng := rand.New(rand.NewSource(11))
			root, deck, err := headsUpRoot(rng)
			require.NoError(t, err)

			task := Task{
				RootState:    root,
				Iteration:    1,
				Variant:      variant,
				UpdatePlayer: 0,
				Alpha:        0.5,
				Deck:         deck,
				RNG:          rng,
				Bucket:       abstraction.DefaultConfig(),
				Evaluator:    gamestate.Eval7,
			}
			result, err := Run(task, table)
			require.NoError(t, err)
			for _, v := range result.ValueEstimate {
				require.False(t, v != v) // not NaN
			}
		})
	}
}

func TestExploitabilityIsFiniteAndNonNegativeForUniformStrategy(t *testing.T) {
	table := NewRegretTable()
	rng := rand.New(rand.NewSource(3))
	cfg := ExploitabilityConfig{
		SampleBudget: 8,
		Bucket:       abstraction.DefaultConfig(),
		Evaluator:    gamestate.Eval7,
	}
	exp, err := Exploitability(cfg, table, headsUpRoot, rng)
	require.NoError(t, err)
	require.False(t, exp != exp)
	require.GreaterOrEqual(t, exp, -1e-6)
}

func TestTrainerRunsSmokeScenario(t *testing.T) {
	game := GameConfig{NumPlayers: 2, StackSize: 10000, SmallBlind: 50, BigBlind: 100, AllowedBetFractions: []float64{1.0}}
	solver := SolverConfig{
		MaxIterations:         20,
		TargetExploitability:  0, // sampling noise makes an exact 0.0 hit implausible here
		BatchSize:             1,
		Variant:               Vanilla,
		CheckpointFrequency:   10,
		ExploitabilityEvery:   10,
		ExploitabilitySamples: 4,
		Bucket:                abstraction.DefaultConfig(),
	}
	trainer, err := NewTrainer(game, solver, headsUpRoot, gamestate.Eval7, 42)
	require.NoError(t, err)

	var lastProgress Progress
	err = trainer.Run(context.Background(), func(p Progress) { lastProgress = p })
	require.NoError(t, err)
	require.Equal(t, 20, trainer.Iteration())
	require.Greater(t, trainer.Table().Size(), 0)
	require.Equal(t, 20, lastProgress.Iteration)
}

func TestTrainerIsDeterministicGivenSameSeed(t *testing.T) {
	game := GameConfig{NumPlayers: 2, StackSize: 10000, SmallBlind: 50, BigBlind: 100, AllowedBetFractions: []float64{1.0}}
	solver := SolverConfig{
		MaxIterations:         10,
		TargetExploitability:  0,
		BatchSize:             1,
		Variant:               Vanilla,
		CheckpointFrequency:   10,
		ExploitabilityEvery:   10,
		ExploitabilitySamples: 4,
		Bucket:                abstraction.DefaultConfig(),
	}

	run := func() map[string][]float64 {
		trainer, err := NewTrainer(game, solver, headsUpRoot, gamestate.Eval7, 99)
		require.NoError(t, err)
		require.NoError(t, trainer.Run(context.Background(), nil))
		out := make(map[string][]float64)
		for k, e := range trainer.Table().Entries() {
			out[k] = e.AverageStrategy()
		}
		return out
	}

	a := run()
	b := run()
	require.Equal(t, len(a), len(b))
	for k, v := range a {
		require.Equal(t, v, b[k])
	}
}

func TestCheckpointRoundTripPreservesTable(t *testing.T) {
	table := NewRegretTable()
	key := InfoSetKey{Player: 0, Street: 0, ActionHistory: "CALL", PlayerBucket: 5}
	entry := table.Get(key, 2)
	entry.ApplyDelta([]float64{1.5, -0.5}, []float64{2, 1}, false)

	dir := t.TempDir()
	path := dir + "/checkpoint.bin"
	rngState := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	require.NoError(t, SaveCheckpoint(path, table, 15, Vanilla, rngState))

	restored, iter, variant, gotRNG, err := LoadCheckpoint(path)
	require.NoError(t, err)
	require.Equal(t, 15, iter)
	require.Equal(t, Vanilla, variant)
	require.Equal(t, rngState, gotRNG)
	require.Equal(t, table.Size(), restored.Size())

	restoredEntry := restored.Get(key, 2)
	require.Equal(t, entry.RegretSum, restoredEntry.RegretSum)
	require.Equal(t, entry.StrategySum, restoredEntry.StrategySum)
}

func TestBlueprintSaveLoadRoundTrips(t *testing.T) {
	table := NewRegretTable()
	key := InfoSetKey{Player: 0, Street: 0, ActionHistory: "", PlayerBucket: 1}
	table.Get(key, 2).ApplyDelta([]float64{1, 0}, []float64{3, 1}, false)

	game := GameConfig{NumPlayers: 2, StackSize: 10000, SmallBlind: 50, BigBlind: 100}
	bp := NewBlueprint(table, 100, Vanilla, game, abstraction.DefaultConfig())

	dir := t.TempDir()
	path := dir + "/blueprint.json"
	require.NoError(t, bp.Save(path))

	loaded, err := LoadBlueprint(path)
	require.NoError(t, err)
	require.Equal(t, bp.Iterations, loaded.Iterations)
	strat, ok := loaded.Strategy(key)
	require.True(t, ok)
	require.Len(t, strat, 2)
}
