package cfr

import (
	"errors"
	"fmt"

	"github.com/gtocluster/solver/abstraction"
)

// GameConfig mirrors a Simulation's game_config: table shape and stakes.
type GameConfig struct {
	NumPlayers          int
	StackSize           int
	SmallBlind          float64
	BigBlind            float64
	AllowedBetFractions []float64
}

// Validate enforces the create(spec) bounds: players in [2, 9], positive
// blinds/stacks.
func (c GameConfig) Validate() error {
	if c.NumPlayers < 2 || c.NumPlayers > 9 {
		return fmt.Errorf("num_players %d out of [2, 9]", c.NumPlayers)
	}
	if c.StackSize <= 0 {
		return errors.New("stack_size must be > 0")
	}
	if c.SmallBlind <= 0 || c.BigBlind <= 0 {
		return errors.New("blinds must be > 0")
	}
	if c.BigBlind <= c.SmallBlind {
		return errors.New("big_blind must exceed small_blind")
	}
	return nil
}

// SolverConfig mirrors a Simulation's solver_config: training budget,
// convergence target, and the variant/discount knobs the traversal hooks
// read from a Task.
type SolverConfig struct {
	MaxIterations        int
	TargetExploitability float64
	BatchSize            int
	Variant              Variant
	Alpha                float64 // vanilla discount exponent
	Beta                 float64 // reserved for a linear-averaging warm-up threshold
	CheckpointFrequency  int     // iterations between checkpoints (K_ckpt)
	ExploitabilityEvery  int     // iterations between exploitability recomputation (K_exp)
	ExploitabilitySamples int    // sampling budget for the BR/avg-strategy estimator; never hardcoded
	Bucket               abstraction.Config
}

// Validate ensures the training parameters are safe to dispatch.
func (c SolverConfig) Validate() error {
	if c.MaxIterations <= 0 {
		return errors.New("max_iterations must be > 0")
	}
	if c.TargetExploitability < 0 {
		return errors.New("target_exploitability cannot be negative")
	}
	if c.BatchSize <= 0 {
		return errors.New("batch_size must be > 0")
	}
	if c.CheckpointFrequency <= 0 {
		return errors.New("checkpoint_frequency must be > 0")
	}
	if c.ExploitabilityEvery <= 0 {
		return errors.New("exploitability recompute cadence must be > 0")
	}
	if c.ExploitabilitySamples <= 0 {
		return errors.New("exploitability sample budget must be > 0")
	}
	return nil
}

// DefaultSolverConfig returns conservative defaults for local smoke-testing
// (S1: minimal heads-up preflop).
func DefaultSolverConfig() SolverConfig {
	return SolverConfig{
		MaxIterations:         1000,
		TargetExploitability:  5.0,
		BatchSize:             1,
		Variant:               Vanilla,
		Alpha:                 0,
		CheckpointFrequency:   50,
		ExploitabilityEvery:   50,
		ExploitabilitySamples: 200,
		Bucket:                abstraction.DefaultConfig(),
	}
}
