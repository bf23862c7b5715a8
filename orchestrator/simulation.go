// Package orchestrator implements the simulation orchestrator: the
// component that turns a solver configuration into waves of CFR tasks,
// dispatches them over the message bus, aggregates results back into a
// RegretTable, and tracks convergence and checkpoints. It is grounded on
// the teacher's GameManager (internal/server/game_manager.go) for the
// registry-of-running-things shape, generalized from "bot pools keyed by
// game id" to "solver runs keyed by simulation id".
package orchestrator

import (
	"sync"
	"time"

	"github.com/gtocluster/solver/cards"
	"github.com/gtocluster/solver/cfr"
	"github.com/gtocluster/solver/eval"
)

// Evaluator is the hand-ranking function a Simulation's tasks traverse
// with; gamestate.Eval7 is the production implementation.
type Evaluator func(cards.Hand, cards.Board) eval.HandRank

// Phase is a Simulation's lifecycle stage.
type Phase string

const (
	PhaseCreated   Phase = "created"
	PhaseRunning   Phase = "running"
	PhaseCompleted Phase = "completed"
	PhaseFailed    Phase = "failed"
	PhaseCancelled Phase = "cancelled"
)

// ProgressEvent is what the orchestrator emits as a Simulation advances;
// the progress feed fans these out to WebSocket subscribers unchanged.
type ProgressEvent struct {
	SimulationID   string
	Iterations     int
	Exploitability float64
	Phase          Phase
	Timestamp      time.Time
}

// Spec is the caller-supplied request to create a Simulation: the game
// rules, solver knobs, and a deterministic master seed every per-task seed
// is derived from.
type Spec struct {
	Game   cfr.GameConfig
	Solver cfr.SolverConfig
	Seed   int64
}

// Simulation is one running (or completed) solver instance: its own
// RegretTable, its own task-dispatch cursor, its own checkpoint cadence.
// Multiple Simulations never share a table.
type Simulation struct {
	ID   string
	Spec Spec

	mu             sync.RWMutex
	phase          Phase
	iteration      int
	exploitability float64
	history        []ProgressEvent
	failureReason  string

	table     *cfr.RegretTable
	newRoot   cfr.RootFactory
	evaluator Evaluator
}

func newSimulation(id string, spec Spec, table *cfr.RegretTable, newRoot cfr.RootFactory, evaluator Evaluator) *Simulation {
	return &Simulation{
		ID:        id,
		Spec:      spec,
		phase:     PhaseCreated,
		table:     table,
		newRoot:   newRoot,
		evaluator: evaluator,
	}
}

func (s *Simulation) setPhase(p Phase) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.phase = p
}

func (s *Simulation) fail(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.phase = PhaseFailed
	s.failureReason = reason
}

// Status is the point-in-time snapshot returned by GET /simulations/{id}/status.
type Status struct {
	ID             string
	Phase          Phase
	Iteration      int
	MaxIterations  int
	Exploitability float64
	FailureReason  string
}

// Status returns the Simulation's current lifecycle snapshot.
func (s *Simulation) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Status{
		ID:             s.ID,
		Phase:          s.phase,
		Iteration:      s.iteration,
		MaxIterations:  s.Spec.Solver.MaxIterations,
		Exploitability: s.exploitability,
		FailureReason:  s.failureReason,
	}
}

// Results returns the blueprint (average strategy) extracted from the
// Simulation's current table, regardless of whether it has finished.
func (s *Simulation) Results() *cfr.Blueprint {
	s.mu.RLock()
	iter := s.iteration
	s.mu.RUnlock()
	return cfr.NewBlueprint(s.table, iter, s.Spec.Solver.Variant, s.Spec.Game, s.Spec.Solver.Bucket)
}

// Table exposes the live table, e.g. for an operator-triggered checkpoint.
func (s *Simulation) Table() *cfr.RegretTable { return s.table }

// advanceIteration records that a wave has fully closed: iterations_completed
// is monotonically non-decreasing and moves forward here on every wave
// completion, independent of whether this iteration also happens to land on
// the exploitability-recompute cadence that recordProgress below tracks
// (recordProgress also raises it when an event reports a higher count).
func (s *Simulation) advanceIteration(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n > s.iteration {
		s.iteration = n
	}
}

// recordProgress appends a ProgressEvent to the in-memory history (bounded
// to the most recent 256 so long-running simulations don't grow this
// without limit) and updates the cached exploitability estimate. It raises
// iterations_completed to ev.Iterations if that is higher; advanceIteration
// moves the counter on every closed wave, since exploitability is only
// recomputed on its own cadence.
func (s *Simulation) recordProgress(ev ProgressEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ev.Iterations > s.iteration {
		s.iteration = ev.Iterations
	}
	s.exploitability = ev.Exploitability
	s.history = append(s.history, ev)
	if len(s.history) > 256 {
		s.history = s.history[len(s.history)-256:]
	}
}

// History returns a copy of the recorded progress events, oldest first.
func (s *Simulation) History() []ProgressEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]ProgressEvent(nil), s.history...)
}
