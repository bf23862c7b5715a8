package cfr

import (
	"context"
	"fmt"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/gtocluster/solver/cards"
	"github.com/gtocluster/solver/eval"
)

// Progress is emitted periodically while Run executes, mirroring what an
// orchestrator would publish to its progress feed for a local Simulation.
type Progress struct {
	Iteration       int
	RegretTableSize int
	Exploitability  float64
	IterationTime   time.Duration
}

// Trainer drives CFR iterations locally: a single-process stand-in for the
// task-dispatch path an orchestrator/bus pair would otherwise drive. It
// exists for local development and smoke-testing a solver config before
// handing the same Task/Result contract to the distributed engine; in
// production the orchestrator dispatches Tasks over the message bus to
// remote workers and folds Results back via RegretTable.ApplyResult exactly
// as runIteration does here in-process.
type Trainer struct {
	game    GameConfig
	solver  SolverConfig
	newRoot RootFactory
	eval    func(cards.Hand, cards.Board) eval.HandRank

	table     *RegretTable
	iteration atomic.Int64
	rng       *rand.Rand

	lastExploitability float64
}

// NewTrainer constructs a Trainer. seed drives every random choice the
// trainer makes (root deals, chance sampling, exploitability sampling); two
// trainers built with the same seed and config produce byte-identical
// RegretTables at every iteration. There is no fallback to a wall-clock
// seed: callers that want a fresh run must supply one explicitly.
func NewTrainer(game GameConfig, solver SolverConfig, newRoot RootFactory, evaluator func(cards.Hand, cards.Board) eval.HandRank, seed int64) (*Trainer, error) {
	if err := game.Validate(); err != nil {
		return nil, err
	}
	if err := solver.Validate(); err != nil {
		return nil, err
	}
	if newRoot == nil {
		return nil, fmt.Errorf("newRoot factory is required")
	}
	if evaluator == nil {
		return nil, fmt.Errorf("hand evaluator is required")
	}

	return &Trainer{
		game:    game,
		solver:  solver,
		newRoot: newRoot,
		eval:    evaluator,
		table:   NewRegretTable(),
		rng:     NewFastRand(seed),
	}, nil
}

// Resume rebuilds a Trainer from a checkpoint's table, iteration count, and
// RNG state, continuing the exact draw sequence SaveCheckpoint captured.
// PCG32's state is an 8-byte word, so rngState must be exactly that length;
// a mismatched length is treated as "no saved RNG state" and the sequence
// restarts from seed zero, since a partial/foreign state cannot be trusted
// to reproduce anything.
func Resume(game GameConfig, solver SolverConfig, newRoot RootFactory, evaluator func(cards.Hand, cards.Board) eval.HandRank, table *RegretTable, iteration int, rngState []byte) (*Trainer, error) {
	t, err := NewTrainer(game, solver, newRoot, evaluator, 0)
	if err != nil {
		return nil, err
	}
	t.table = table
	t.iteration.Store(int64(iteration))
	if len(rngState) == 8 {
		var s uint64
		for i := 0; i < 8; i++ {
			s |= uint64(rngState[i]) << (8 * i)
		}
		t.rng = rand.New(&wrapperSource{rng: &PCG32{state: s}})
	}
	return t, nil
}

// Run executes up to solver.MaxIterations CFR iterations, one Task per
// player per iteration (one randomly chosen player under ChanceSampling),
// stopping early once the sampled exploitability estimate
// drops to or below solver.TargetExploitability.
func (t *Trainer) Run(ctx context.Context, progress func(Progress)) error {
	for {
		iter := int(t.iteration.Load())
		if iter >= t.solver.MaxIterations {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		start := time.Now()
		if err := t.runIteration(iter); err != nil {
			return err
		}
		elapsed := time.Since(start)
		iter = int(t.iteration.Add(1))

		if iter%t.solver.ExploitabilityEvery != 0 {
			if progress != nil {
				progress(Progress{Iteration: iter, RegretTableSize: t.table.Size(), Exploitability: t.lastExploitability, IterationTime: elapsed})
			}
			continue
		}

		exp, err := Exploitability(ExploitabilityConfig{
			SampleBudget: t.solver.ExploitabilitySamples,
			Bucket:       t.solver.Bucket,
			Evaluator:    t.eval,
		}, t.table, t.newRoot, t.rng)
		if err != nil {
			return err
		}
		t.lastExploitability = exp
		if progress != nil {
			progress(Progress{Iteration: iter, RegretTableSize: t.table.Size(), Exploitability: exp, IterationTime: elapsed})
		}
		if exp <= t.solver.TargetExploitability {
			return nil
		}
	}
}

func (t *Trainer) runIteration(iter int) error {
	root, deck, err := t.newRoot(t.rng)
	if err != nil {
		return err
	}
	n := root.NumPlayers()

	updatePlayers := make([]int, n)
	for p := range updatePlayers {
		updatePlayers[p] = p
	}
	if t.solver.Variant == ChanceSampling {
		updatePlayers = []int{t.rng.Intn(n)}
	}

	for _, p := range updatePlayers {
		task := Task{
			RootState:    root,
			Iteration:    iter + 1,
			Variant:      t.solver.Variant,
			UpdatePlayer: p,
			Alpha:        t.solver.Alpha,
			Deck:         snapshotDeck(deck),
			RNG:          t.rng,
			Bucket:       t.solver.Bucket,
			Evaluator:    t.eval,
		}
		result, err := Run(task, t.table)
		if err != nil {
			return fmt.Errorf("iteration %d player %d: %w", iter, p, err)
		}
		t.table.ApplyResult(result, t.solver.Variant)
	}
	return nil
}

// snapshotDeck copies a Deck's remaining-card state into a fresh value so
// each player's task in an iteration deals from an identical starting point
// without one task's draws consuming another's.
func snapshotDeck(d *cards.Deck) *cards.Deck {
	c := *d
	return &c
}

// Table exposes the live RegretTable, e.g. for checkpointing mid-run.
func (t *Trainer) Table() *RegretTable { return t.table }

// Iteration returns the number of completed iterations.
func (t *Trainer) Iteration() int { return int(t.iteration.Load()) }

// Blueprint exports the current average strategy.
func (t *Trainer) Blueprint() *Blueprint {
	bp := NewBlueprint(t.table, t.Iteration(), t.solver.Variant, t.game, t.solver.Bucket)
	bp.GeneratedAt = time.Now().UTC()
	return bp
}
