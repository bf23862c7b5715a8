package gamestate

import (
	"errors"

	"github.com/gtocluster/solver/cards"
	"github.com/gtocluster/solver/eval"
)

// ErrNotTerminal is returned by Payoffs when called on a non-terminal state.
var ErrNotTerminal = errors.New("gamestate: state is not terminal")

// Payoffs settles a terminal state: if a single player remains (everyone
// else folded), they take the full pot uncontested. Otherwise every
// non-folded hand is run through evaluator, the strongest hand(s) split the
// pot equally, and each player's payoff is their award minus their total
// investment across the hand.
func (s *State) Payoffs(evaluator func(hand cards.Hand, board cards.Board) eval.HandRank) ([]float64, error) {
	if !s.IsTerminal() {
		return nil, ErrNotTerminal
	}

	n := s.NumPlayers()
	payoffs := make([]float64, n)

	live := make([]int, 0, n)
	for i := 0; i < n; i++ {
		if !s.Folded[i] {
			live = append(live, i)
		}
	}

	if len(live) == 1 {
		winner := live[0]
		for i := 0; i < n; i++ {
			payoffs[i] = -float64(s.TotalInvested[i])
		}
		payoffs[winner] += float64(s.Pot)
		return payoffs, nil
	}

	var best eval.HandRank
	ranks := make(map[int]eval.HandRank, len(live))
	for i, p := range live {
		r := evaluator(s.Hands[p], s.Board)
		ranks[p] = r
		if i == 0 || r < best {
			best = r
		}
	}

	var winners []int
	for _, p := range live {
		if ranks[p] == best {
			winners = append(winners, p)
		}
	}

	share := float64(s.Pot) / float64(len(winners))
	for i := 0; i < n; i++ {
		payoffs[i] = -float64(s.TotalInvested[i])
	}
	for _, w := range winners {
		payoffs[w] += share
	}
	return payoffs, nil
}
