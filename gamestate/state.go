// Package gamestate implements the pure game-state kernel: immutable
// snapshots of a hand in progress, the legal-action rule set, and terminal
// payoff settlement. Nothing here owns mutable shared state or talks to the
// bus, the registry, or a worker pool; it is a library consumed by the CFR
// engine and by anything else that needs to walk a poker game tree.
package gamestate

import (
	"errors"
	"fmt"

	"github.com/gtocluster/solver/abstraction"
	"github.com/gtocluster/solver/cards"
	"github.com/gtocluster/solver/eval"
)

// Config is the static, per-simulation game configuration shared by every
// state in a hand's tree.
type Config struct {
	SmallBlind          int
	BigBlind            int
	AllowedBetFractions []float64
}

// State is an immutable snapshot of a hand in progress. Every field is
// either a value or a slice the State alone owns; callers never mutate a
// State in place, and Apply/AdvanceStreet always return a new one.
type State struct {
	Config Config

	Board cards.Board
	Hands []cards.Hand // per player; nil entries are unknown/abstract

	Stacks        []int
	StreetBets    []int
	TotalInvested []int
	Pot           int

	CurrentPlayer int
	Button        int
	Street        int // 0 preflop, 1 flop, 2 turn, 3 river

	Folded         []bool
	ActedThisRound []bool

	// RaiseIncrement is the chip size of the last raise on this street
	// (or the big blind if there has been none yet); the minimum legal
	// raise amount is to_call + RaiseIncrement.
	RaiseIncrement int
	// LastRaiser is the seat that made the street's most recent raise, or
	// -1 if nobody has raised yet.
	LastRaiser int
	// bbOptionTaken records whether the big blind has acted on their
	// preflop option when nobody has raised.
	bbOptionTaken bool
}

// New builds the initial preflop State for a hand: blinds posted, button and
// action seated per heads-up/multiway convention.
func New(config Config, stacks []int, button int) (*State, error) {
	n := len(stacks)
	if n < 2 {
		return nil, errors.New("gamestate: need at least 2 players")
	}
	if button < 0 || button >= n {
		return nil, fmt.Errorf("gamestate: button %d out of range", button)
	}

	s := &State{
		Config:         config,
		Stacks:         append([]int(nil), stacks...),
		StreetBets:     make([]int, n),
		TotalInvested:  make([]int, n),
		Folded:         make([]bool, n),
		ActedThisRound: make([]bool, n),
		Button:         button,
		Street:         0,
		RaiseIncrement: config.BigBlind,
		LastRaiser:     -1,
	}

	sbSeat, bbSeat := blindSeats(button, n)
	if err := s.postBlind(sbSeat, config.SmallBlind); err != nil {
		return nil, err
	}
	if err := s.postBlind(bbSeat, config.BigBlind); err != nil {
		return nil, err
	}

	if n == 2 {
		s.CurrentPlayer = sbSeat // heads-up: button/SB acts first preflop
	} else {
		s.CurrentPlayer = nextActive(s, bbSeat)
	}
	return s, nil
}

func blindSeats(button, n int) (sb, bb int) {
	if n == 2 {
		return button, (button + 1) % n
	}
	return (button + 1) % n, (button + 2) % n
}

func (s *State) postBlind(seat, amount int) error {
	if amount > s.Stacks[seat] {
		amount = s.Stacks[seat]
	}
	s.Stacks[seat] -= amount
	s.StreetBets[seat] += amount
	s.TotalInvested[seat] += amount
	s.Pot += amount
	return nil
}

// NumPlayers returns the number of seats in the hand.
func (s *State) NumPlayers() int { return len(s.Stacks) }

// MaxBet returns the highest street_bets value, i.e. the current bet to beat.
func (s *State) MaxBet() int {
	max := 0
	for _, b := range s.StreetBets {
		if b > max {
			max = b
		}
	}
	return max
}

// ToCall returns the amount seat p still owes to match MaxBet.
func (s *State) ToCall(p int) int {
	return s.MaxBet() - s.StreetBets[p]
}

// clone returns a deep copy of s for building the next state.
func (s *State) clone() *State {
	c := *s
	c.Board = append(cards.Board(nil), s.Board...)
	c.Hands = append([]cards.Hand(nil), s.Hands...)
	c.Stacks = append([]int(nil), s.Stacks...)
	c.StreetBets = append([]int(nil), s.StreetBets...)
	c.TotalInvested = append([]int(nil), s.TotalInvested...)
	c.Folded = append([]bool(nil), s.Folded...)
	c.ActedThisRound = append([]bool(nil), s.ActedThisRound...)
	return &c
}

// activeCount returns the number of players who are neither folded nor
// all-in (stack exhausted).
func (s *State) activeCount() int {
	n := 0
	for i := range s.Stacks {
		if !s.Folded[i] && s.Stacks[i] > 0 {
			n++
		}
	}
	return n
}

func (s *State) nonFoldedCount() int {
	n := 0
	for _, f := range s.Folded {
		if !f {
			n++
		}
	}
	return n
}

func nextActive(s *State, from int) int {
	n := s.NumPlayers()
	for i := 1; i <= n; i++ {
		p := (from + i) % n
		if !s.Folded[p] && s.Stacks[p] > 0 {
			return p
		}
	}
	return from
}

// bbSeat returns the seat holding the big blind for the current hand.
func (s *State) bbSeat() int {
	_, bb := blindSeats(s.Button, s.NumPlayers())
	return bb
}

// Eval7 flattens a player's hole cards and the board for the external
// evaluator; the caller must have dealt that player a hand.
func Eval7(hand cards.Hand, board cards.Board) eval.HandRank {
	return eval.Evaluate7(cards.AllCards(hand, board))
}

// Abstracted returns the action-abstracted legal action set at this state's
// current decision node, per the kernel's action abstraction rule.
func (s *State) Abstracted() []abstraction.Action {
	return abstraction.Abstract(s.LegalActions())
}
