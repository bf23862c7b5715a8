package gamestate

import (
	"errors"
	"fmt"

	"github.com/gtocluster/solver/abstraction"
	"github.com/gtocluster/solver/cards"
)

// LegalActions computes the full (pre-abstraction) legal action set at the
// current decision node:
//  1. max_bet = max(street_bets), to_call = max_bet - street_bets[cp].
//  2. FOLD legal iff to_call > 0.
//  3. CHECK legal iff to_call = 0; else CALL(to_call) legal iff to_call <= stacks[cp].
//  4. min_raise = to_call + RaiseIncrement, capped by stacks[cp]; one RAISE
//     per allowed_bet_fractions fraction of the pot that falls in
//     [min_raise, stacks[cp]], plus an explicit all-in when it strictly
//     exceeds the smallest allowed raise.
func (s *State) LegalActions() []abstraction.Action {
	cp := s.CurrentPlayer
	if s.Folded[cp] || s.Stacks[cp] == 0 {
		return nil
	}

	maxBet := s.MaxBet()
	toCall := maxBet - s.StreetBets[cp]

	var actions []abstraction.Action
	if toCall > 0 {
		actions = append(actions, abstraction.Action{Kind: abstraction.Fold})
	}

	if toCall == 0 {
		actions = append(actions, abstraction.Action{Kind: abstraction.Check})
	} else if toCall <= s.Stacks[cp] {
		actions = append(actions, abstraction.Action{Kind: abstraction.Call, Amount: toCall})
	}

	minRaise := toCall + s.RaiseIncrement
	raiseAmounts := abstraction.LegalRaises(s.Pot, minRaise, s.Stacks[cp], s.Config.AllowedBetFractions)
	for _, amount := range raiseAmounts {
		actions = append(actions, abstraction.Action{Kind: abstraction.Raise, Amount: amount})
	}

	return actions
}

var (
	// ErrIllegalAction is returned when Apply is called with an action not
	// present in LegalActions for the state's current decision node.
	ErrIllegalAction = errors.New("gamestate: illegal action")
	// ErrTerminalState is returned when Apply or AdvanceStreet is called on
	// a state the hand has already ended at.
	ErrTerminalState = errors.New("gamestate: state is terminal")
)

// Apply returns the state reached by the current player taking action,
// pure: s is left unmodified. It validates the action against LegalActions
// and advances the decision point (within the street or onto a terminal
// state if the street's action closes with nobody left to act elsewhere).
func (s *State) Apply(action abstraction.Action) (*State, error) {
	if s.IsTerminal() {
		return nil, ErrTerminalState
	}
	if !isLegal(s.LegalActions(), action) {
		return nil, fmt.Errorf("%w: %s %d", ErrIllegalAction, action.Kind, action.Amount)
	}

	next := s.clone()
	cp := next.CurrentPlayer

	switch action.Kind {
	case abstraction.Fold:
		next.Folded[cp] = true
	case abstraction.Check:
		// no chip movement
	case abstraction.Call, abstraction.Raise:
		amount := action.Amount
		if amount > next.Stacks[cp] {
			amount = next.Stacks[cp]
		}
		maxBetBefore := next.MaxBet()
		next.Stacks[cp] -= amount
		next.StreetBets[cp] += amount
		next.TotalInvested[cp] += amount
		next.Pot += amount

		if action.Kind == abstraction.Raise {
			next.RaiseIncrement = next.StreetBets[cp] - maxBetBefore
			next.LastRaiser = cp
			for i := range next.ActedThisRound {
				if i != cp {
					next.ActedThisRound[i] = false
				}
			}
		}
	}

	next.ActedThisRound[cp] = true
	if cp == next.bbSeat() {
		next.bbOptionTaken = true
	}

	if next.bettingRoundComplete() {
		return next, nil // caller observes IsTerminal / advances the street
	}

	next.CurrentPlayer = nextActive(next, cp)
	return next, nil
}

func isLegal(legal []abstraction.Action, action abstraction.Action) bool {
	for _, a := range legal {
		if a.Kind == action.Kind && (a.Kind != abstraction.Raise || a.Amount == action.Amount) {
			return true
		}
	}
	return false
}

// bettingRoundComplete mirrors the terminality/round-closing rule: betting
// is done once every non-folded, non-all-in player has matched MaxBet and
// acted this round, with the preflop special case that the big blind keeps
// an option when nobody has raised.
func (s *State) bettingRoundComplete() bool {
	active := s.activeCount()
	if active == 0 {
		return true
	}

	maxBet := s.MaxBet()
	for i := range s.Stacks {
		if s.Folded[i] || s.Stacks[i] == 0 {
			continue
		}
		if s.StreetBets[i] != maxBet {
			return false
		}
		if !s.ActedThisRound[i] {
			return false
		}
	}

	if s.Street == 0 && s.LastRaiser == -1 {
		bb := s.bbSeat()
		if !s.Folded[bb] && s.Stacks[bb] > 0 && !s.bbOptionTaken {
			return false
		}
	}

	return true
}

// RoundComplete reports whether every live player has matched MaxBet and
// acted this round, i.e. the state is ready for AdvanceStreet (or is
// terminal, which the caller should check first).
func (s *State) RoundComplete() bool {
	return s.bettingRoundComplete()
}

// IsTerminal reports whether the hand is over: at least N-1 players folded,
// or the river betting round has closed with at least two players live.
func (s *State) IsTerminal() bool {
	if s.nonFoldedCount() <= 1 {
		return true
	}
	if s.Street >= 3 && s.bettingRoundComplete() {
		return true
	}
	return false
}

// AdvanceStreet deals the next street's board cards and opens a fresh
// betting round: street_bets reset to zero (their sum is already folded
// into Pot, preserving sum(street_bets)+carryover==pot), RaiseIncrement
// resets to the big blind, and action starts left of the button.
func (s *State) AdvanceStreet(newCards []cards.Card) (*State, error) {
	if s.IsTerminal() {
		return nil, ErrTerminalState
	}
	if !s.bettingRoundComplete() {
		return nil, errors.New("gamestate: betting round not complete")
	}

	wantLen := map[int]int{0: 3, 1: 1, 2: 1}[s.Street]
	if len(newCards) != wantLen {
		return nil, fmt.Errorf("gamestate: street %d expects %d new cards, got %d", s.Street, wantLen, len(newCards))
	}

	next := s.clone()
	next.Board = append(next.Board, newCards...)
	if !next.Board.Valid() {
		return nil, fmt.Errorf("gamestate: invalid board size %d after deal", len(next.Board))
	}

	next.Street++
	for i := range next.StreetBets {
		next.StreetBets[i] = 0
	}
	next.RaiseIncrement = next.Config.BigBlind
	next.LastRaiser = -1
	next.bbOptionTaken = false
	for i := range next.ActedThisRound {
		next.ActedThisRound[i] = false
	}
	next.CurrentPlayer = nextActive(next, next.Button)
	return next, nil
}
