package cfr

import (
	"math/rand"

	"github.com/gtocluster/solver/abstraction"
	"github.com/gtocluster/solver/cards"
	"github.com/gtocluster/solver/eval"
	"github.com/gtocluster/solver/gamestate"
)

// ExploitabilityConfig tunes the convergence estimator. SampleBudget is
// deliberately not a compile-time constant: the source solver's estimator
// enumerates every hand pair, which is intractable outside toy deck sizes,
// so this production engine samples instead and the budget is a
// solver-config knob.
type ExploitabilityConfig struct {
	SampleBudget int
	Bucket       abstraction.Config
	Evaluator    func(cards.Hand, cards.Board) eval.HandRank
}

// RootFactory deals a fresh root state (hole cards + starting stacks/button)
// for one exploitability sample; the orchestrator supplies it bound to a
// Simulation's game_config.
type RootFactory func(rng *rand.Rand) (*gamestate.State, *cards.Deck, error)

// Exploitability estimates the convergence metric: the sum over players of
// BR_value(p) − strategy_value(p), normalised by player count. BR_value(p)
// is sampled from a traversal where p acts greedily over the current
// average strategy and everyone else follows it; strategy_value(p) samples
// everyone, including p, following the average strategy.
func Exploitability(cfg ExploitabilityConfig, table *RegretTable, newRoot RootFactory, rng *rand.Rand) (float64, error) {
	root, deck, err := newRoot(rng)
	if err != nil {
		return 0, err
	}
	n := root.NumPlayers()

	total := 0.0
	for p := 0; p < n; p++ {
		brValue, err := sampleValue(cfg, table, root, deck, rng, cfg.SampleBudget, p, true)
		if err != nil {
			return 0, err
		}
		stratValue, err := sampleValue(cfg, table, root, deck, rng, cfg.SampleBudget, p, false)
		if err != nil {
			return 0, err
		}
		total += brValue - stratValue
	}
	return total / float64(n), nil
}

// sampleValue averages player p's value over SampleBudget independent
// run-outs. When bestResponse is true, p chooses greedily among its
// abstracted actions (max over the downstream average-strategy value);
// otherwise every player, including p, follows its average strategy.
func sampleValue(cfg ExploitabilityConfig, table *RegretTable, root *gamestate.State, rootDeck *cards.Deck, rng *rand.Rand, samples int, target int, bestResponse bool) (float64, error) {
	if samples <= 0 {
		samples = 1
	}
	sum := 0.0
	for i := 0; i < samples; i++ {
		deck := cloneDeckState(rootDeck, rng)
		v, err := evalNode(cfg, table, root, deck, rng, nil, target, bestResponse)
		if err != nil {
			return 0, err
		}
		sum += v
	}
	return sum / float64(samples), nil
}

// cloneDeckState reshuffles a fresh deck holding exactly rootDeck's
// remaining cards, so each sample gets an independent run-out without
// mutating the caller's deck or the cards already dealt to hands/board.
func cloneDeckState(rootDeck *cards.Deck, rng *rand.Rand) *cards.Deck {
	remaining := make(map[cards.Card]bool, rootDeck.Remaining())
	probe := *rootDeck
	for {
		c, ok := probe.Deal()
		if !ok {
			break
		}
		remaining[c] = true
	}

	var dealt []cards.Card
	for suit := cards.Spades; suit <= cards.Clubs; suit++ {
		for rank := cards.Two; rank <= cards.Ace; rank++ {
			c := cards.NewCard(rank, suit)
			if !remaining[c] {
				dealt = append(dealt, c)
			}
		}
	}
	return cards.NewDeckExcluding(rng, dealt...)
}

func evalNode(cfg ExploitabilityConfig, table *RegretTable, s *gamestate.State, deck *cards.Deck, rng *rand.Rand, history []abstraction.Action, target int, bestResponse bool) (float64, error) {
	for !s.IsTerminal() && s.RoundComplete() {
		n := streetCardCount(s.Street)
		dealt := deck.DealN(n)
		next, err := s.AdvanceStreet(dealt)
		if err != nil {
			return 0, err
		}
		s = next
	}
	if s.IsTerminal() {
		payoffs, err := s.Payoffs(cfg.Evaluator)
		if err != nil {
			return 0, err
		}
		return payoffs[target], nil
	}

	cp := s.CurrentPlayer
	actions := s.Abstracted()
	if len(actions) == 0 {
		payoffs, err := s.Payoffs(cfg.Evaluator)
		if err != nil {
			return 0, err
		}
		return payoffs[target], nil
	}

	key := InfoSetKey{
		Player:        cp,
		Street:        s.Street,
		BoardClass:    boardClassOf(cfg, s),
		ActionHistory: EncodeActionHistory(history),
		PlayerBucket:  cfg.Bucket.HoleBucket(s.Hands[cp], s.Board, rng),
	}
	entry := table.Get(key, len(actions))
	avgStrategy := entry.AverageStrategy()

	if bestResponse && cp == target {
		best := negInf
		for i, a := range actions {
			next, err := s.Apply(a)
			if err != nil {
				return 0, err
			}
			nextHistory := append(append([]abstraction.Action(nil), history...), a)
			v, err := evalNode(cfg, table, next, deck, rng, nextHistory, target, bestResponse)
			if err != nil {
				return 0, err
			}
			if i == 0 || v > best {
				best = v
			}
		}
		return best, nil
	}

	total := 0.0
	for i, a := range actions {
		if avgStrategy[i] <= 0 {
			continue
		}
		next, err := s.Apply(a)
		if err != nil {
			return 0, err
		}
		nextHistory := append(append([]abstraction.Action(nil), history...), a)
		v, err := evalNode(cfg, table, next, deck, rng, nextHistory, target, bestResponse)
		if err != nil {
			return 0, err
		}
		total += avgStrategy[i] * v
	}
	return total, nil
}

func boardClassOf(cfg ExploitabilityConfig, s *gamestate.State) int {
	if len(s.Board) == 0 {
		return 0
	}
	return cfg.Bucket.BoardBucket(s.Board)
}

const negInf = -1e18
