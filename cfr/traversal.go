package cfr

import (
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/gtocluster/solver/abstraction"
	"github.com/gtocluster/solver/gamestate"
)

// Run traverses task.RootState once under the rules its Variant selects,
// reading current strategies from table (Run never changes an entry's sums;
// Get does insert a zero-valued entry for a key visited for the first time)
// and returning the regret/strategy deltas the
// caller should fold into its own copy of the table via ApplyResult.
//
// Common recursion, shared by all three variants:
//  1. strategy = regret-matching over the node's abstracted actions.
//  2. Recurse on each legal action with updated reach probabilities.
//  3. v = Σ_a strategy(a)·v_a; regret_delta(a) = v_a[p] − v[p].
//  4. strategy_delta(a) += reach_excluding_p · strategy(a), weighted per variant.
func Run(task Task, table *RegretTable) (Result, error) {
	if task.RootState == nil {
		return Result{}, fmt.Errorf("%w: nil root state", ErrInvalidTask)
	}
	n := task.RootState.NumPlayers()
	if task.UpdatePlayer < 0 || task.UpdatePlayer >= n {
		return Result{}, fmt.Errorf("%w: update player %d out of range for %d players", ErrInvalidTask, task.UpdatePlayer, n)
	}
	if task.RNG == nil {
		return Result{}, fmt.Errorf("%w: nil rng", ErrInvalidTask)
	}

	tr := &traversal{
		task:          task,
		table:         table,
		regretDelta:   RegretDelta{},
		strategyDelta: StrategyDelta{},
	}
	if task.Timeout > 0 {
		tr.deadline = time.Now().Add(task.Timeout)
	}

	value, err := tr.walk(task.RootState, nil, 1.0, 1.0)
	if err != nil {
		return Result{}, err
	}

	return Result{Regret: tr.regretDelta, Strategy: tr.strategyDelta, ValueEstimate: value}, nil
}

type traversal struct {
	task          Task
	table         *RegretTable
	regretDelta   RegretDelta
	strategyDelta StrategyDelta
	deadline      time.Time
}

func (tr *traversal) budgetExceeded() bool {
	return !tr.deadline.IsZero() && time.Now().After(tr.deadline)
}

// walk returns the per-player value vector at s under the strategies read
// from tr.table, accumulating regret/strategy deltas only at nodes owned by
// task.UpdatePlayer. Under Vanilla/Plus every node is expanded over all its
// actions; under ChanceSampling other players' nodes are sampled to one.
func (tr *traversal) walk(s *gamestate.State, history []abstraction.Action, reachUpdater, reachOthers float64) ([]float64, error) {
	if tr.budgetExceeded() {
		return nil, ErrBudgetExceeded
	}

	s, err := tr.dealThroughClosedRounds(s)
	if err != nil {
		return nil, err
	}
	if s.IsTerminal() {
		return s.Payoffs(tr.task.Evaluator)
	}

	cp := s.CurrentPlayer
	actions := s.Abstracted()
	if len(actions) == 0 {
		return s.Payoffs(tr.task.Evaluator)
	}

	key := tr.infoSetKey(s, cp, history, actions)
	entry := tr.table.Get(key, len(actions))
	strategy := entry.Strategy()

	updating := tr.task.Variant != ChanceSampling || cp == tr.task.UpdatePlayer
	if updating {
		return tr.walkExhaustive(s, history, actions, strategy, key, cp, reachUpdater, reachOthers)
	}
	return tr.walkSampled(s, history, actions, strategy, reachUpdater, reachOthers)
}

func (tr *traversal) walkExhaustive(s *gamestate.State, history []abstraction.Action, actions []abstraction.Action, strategy []float64, key InfoSetKey, cp int, reachUpdater, reachOthers float64) ([]float64, error) {
	n := s.NumPlayers()
	nodeValue := make([]float64, n)
	childValues := make([][]float64, len(actions))

	for i, a := range actions {
		next, err := s.Apply(a)
		if err != nil {
			return nil, err
		}
		nextHistory := append(append([]abstraction.Action(nil), history...), a)

		reachU, reachO := reachUpdater, reachOthers
		if cp == tr.task.UpdatePlayer {
			reachU = reachUpdater * strategy[i]
		} else {
			reachO = reachOthers * strategy[i]
		}

		v, err := tr.walk(next, nextHistory, reachU, reachO)
		if err != nil {
			return nil, err
		}
		childValues[i] = v
		for p := 0; p < n; p++ {
			nodeValue[p] += strategy[i] * v[p]
		}
	}

	if cp == tr.task.UpdatePlayer {
		regretDelta := make([]float64, len(actions))
		discount := tr.actionWeighting()
		for i := range actions {
			regretDelta[i] = (childValues[i][cp] - nodeValue[cp]) * reachOthers * discount
		}
		strategyDelta := make([]float64, len(actions))
		strategyWeight := tr.strategySumWeighting(reachOthers)
		for i := range actions {
			strategyDelta[i] = strategyWeight * strategy[i]
		}
		tr.accumulate(key, regretDelta, strategyDelta)
	}

	return nodeValue, nil
}

func (tr *traversal) walkSampled(s *gamestate.State, history []abstraction.Action, actions []abstraction.Action, strategy []float64, reachUpdater, reachOthers float64) ([]float64, error) {
	idx, prob := sampleIndex(strategy, tr.task.RNG)
	if prob <= 0 {
		prob = 1.0 / float64(len(strategy))
	}
	next, err := s.Apply(actions[idx])
	if err != nil {
		return nil, err
	}
	nextHistory := append(append([]abstraction.Action(nil), history...), actions[idx])
	return tr.walk(next, nextHistory, reachUpdater, reachOthers*prob)
}

// dealThroughClosedRounds advances the state past any street whose betting
// round has already closed, sampling board cards from the task's deck. A
// task's deck is consumed in traversal order, so a single task sees one
// concrete run-out (per the contract's "optionally a sampled hand").
func (tr *traversal) dealThroughClosedRounds(s *gamestate.State) (*gamestate.State, error) {
	for !s.IsTerminal() && s.RoundComplete() {
		n := streetCardCount(s.Street)
		if tr.task.Deck == nil {
			return nil, fmt.Errorf("%w: state needs a street dealt but task has no deck", ErrInvalidTask)
		}
		dealt := tr.task.Deck.DealN(n)
		if len(dealt) != n {
			return nil, fmt.Errorf("%w: deck exhausted dealing street %d", ErrInvalidTask, s.Street)
		}
		next, err := s.AdvanceStreet(dealt)
		if err != nil {
			return nil, err
		}
		s = next
	}
	return s, nil
}

func streetCardCount(street int) int {
	switch street {
	case 0:
		return 3
	case 1, 2:
		return 1
	default:
		return 0
	}
}

func (tr *traversal) accumulate(key InfoSetKey, regretDelta, strategyDelta []float64) {
	k := key.String()
	existingR, ok := tr.regretDelta[k]
	if !ok {
		tr.regretDelta[k] = regretDelta
		tr.strategyDelta[k] = strategyDelta
		return
	}
	for i := range regretDelta {
		existingR[i] += regretDelta[i]
		tr.strategyDelta[k][i] += strategyDelta[i]
	}
}

// actionWeighting implements the Vanilla discount schedule d_t = t^-alpha
// (Alpha == 0 is a no-op discount of 1.0); ChanceSampling and Plus never
// discount.
func (tr *traversal) actionWeighting() float64 {
	if tr.task.Variant != Vanilla || tr.task.Alpha == 0 {
		return 1.0
	}
	t := float64(tr.task.Iteration)
	if t < 1 {
		t = 1
	}
	return math.Pow(t, -tr.task.Alpha)
}

// strategySumWeighting is the hook controlling how much this iteration's
// strategy contributes to the running average: weighted by the reach
// probability excluding the updating player, identically across variants
// (linear/exponential averaging schemes would plug in here as a further
// function of tr.task.Iteration).
func (tr *traversal) strategySumWeighting(reachOthers float64) float64 {
	return reachOthers
}

func (tr *traversal) infoSetKey(s *gamestate.State, player int, history []abstraction.Action, actions []abstraction.Action) InfoSetKey {
	hand := s.Hands[player]
	bucket := tr.task.Bucket.HoleBucket(hand, s.Board, tr.task.RNG)
	boardClass := 0
	if len(s.Board) > 0 {
		boardClass = tr.task.Bucket.BoardBucket(s.Board)
	}
	return InfoSetKey{
		Player:        player,
		Street:        s.Street,
		BoardClass:    boardClass,
		ActionHistory: EncodeActionHistory(history),
		PlayerBucket:  bucket,
	}
}

func sampleIndex(strategy []float64, rng *rand.Rand) (int, float64) {
	total := 0.0
	for _, v := range strategy {
		if v > 0 {
			total += v
		}
	}
	if total <= 0 {
		idx := rng.Intn(len(strategy))
		return idx, 1.0 / float64(len(strategy))
	}
	r := rng.Float64() * total
	acc := 0.0
	for i, v := range strategy {
		if v <= 0 {
			continue
		}
		acc += v
		if r <= acc {
			return i, v / total
		}
	}
	return len(strategy) - 1, strategy[len(strategy)-1] / total
}
