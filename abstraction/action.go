package abstraction

import "sort"

// ActionKind tags a legal or abstracted action. RAISE carries an amount
// added to the pot this action (never a total-bet-for-the-street figure).
type ActionKind int

const (
	Fold ActionKind = iota
	Check
	Call
	Raise
)

func (k ActionKind) String() string {
	switch k {
	case Fold:
		return "FOLD"
	case Check:
		return "CHECK"
	case Call:
		return "CALL"
	case Raise:
		return "RAISE"
	default:
		return "UNKNOWN"
	}
}

// Action is one abstracted or legal action at a decision node. Amount is
// only meaningful for RAISE (and equals the CALL amount for CALL, for
// display purposes); it is always "added to the pot this action".
type Action struct {
	Kind   ActionKind
	Amount int
}

// LegalRaises computes every RAISE amount permitted at a node, one entry per
// allowed_bet_fractions fraction that clears the minimum raise, plus an
// explicit all-in when it strictly exceeds the smallest allowed raise. Pot,
// minRaise and maxRaise (the all-in cap, i.e. stacks[cp]) are in the same
// unit as street_bets.
func LegalRaises(pot int, minRaise int, maxRaise int, fractions []float64) []int {
	if minRaise > maxRaise {
		return nil
	}

	seen := make(map[int]struct{})
	var raises []int
	add := func(amount int) {
		if amount < minRaise || amount > maxRaise {
			return
		}
		if _, ok := seen[amount]; ok {
			return
		}
		seen[amount] = struct{}{}
		raises = append(raises, amount)
	}

	for _, f := range fractions {
		add(roundPotFraction(pot, f))
	}

	if len(raises) == 0 || raises[len(raises)-1] != maxRaise {
		// All-in only added when it strictly exceeds the smallest raise
		// already on the ladder, so a single-fraction ladder that already
		// lands on the cap doesn't get a duplicate "all-in" entry.
		smallest := minRaise
		if len(raises) > 0 {
			smallest = min(raises)
		}
		if maxRaise > smallest {
			add(maxRaise)
		}
	}

	sort.Ints(raises)
	return raises
}

func roundPotFraction(pot int, f float64) int {
	return int(float64(pot)*f + 0.5)
}

func min(xs []int) int {
	m := xs[0]
	for _, x := range xs[1:] {
		if x < m {
			m = x
		}
	}
	return m
}

// Abstract reduces the full legal action set to a compact, stable-sorted,
// duplicate-free set: FOLD/CHECK/CALL pass through unchanged; of the
// available RAISE amounts, keep the smallest and the largest, and if there
// are 3 or more distinct raise amounts, also keep one median value.
func Abstract(legal []Action) []Action {
	var nonRaise []Action
	var raiseAmounts []int

	for _, a := range legal {
		switch a.Kind {
		case Raise:
			raiseAmounts = append(raiseAmounts, a.Amount)
		default:
			nonRaise = append(nonRaise, a)
		}
	}

	out := make([]Action, 0, len(nonRaise)+3)
	out = append(out, dedupeNonRaise(nonRaise)...)

	if len(raiseAmounts) > 0 {
		sort.Ints(raiseAmounts)
		deduped := dedupeInts(raiseAmounts)
		for _, amount := range keepMinMaxMedian(deduped) {
			out = append(out, Action{Kind: Raise, Amount: amount})
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].Amount < out[j].Amount
	})
	return out
}

// keepMinMaxMedian always keeps the minimum and maximum of a sorted,
// deduplicated slice; if 3 or more distinct values remain it also keeps one
// median value (the lower-middle element for an even count).
func keepMinMaxMedian(sorted []int) []int {
	switch {
	case len(sorted) == 0:
		return nil
	case len(sorted) == 1:
		return []int{sorted[0]}
	case len(sorted) == 2:
		return []int{sorted[0], sorted[1]}
	default:
		mid := sorted[(len(sorted)-1)/2]
		if mid == sorted[0] || mid == sorted[len(sorted)-1] {
			return []int{sorted[0], sorted[len(sorted)-1]}
		}
		return []int{sorted[0], mid, sorted[len(sorted)-1]}
	}
}

func dedupeInts(sorted []int) []int {
	out := sorted[:0:0]
	for i, v := range sorted {
		if i == 0 || v != sorted[i-1] {
			out = append(out, v)
		}
	}
	return out
}

func dedupeNonRaise(actions []Action) []Action {
	seen := make(map[ActionKind]struct{}, len(actions))
	out := make([]Action, 0, len(actions))
	for _, a := range actions {
		if _, ok := seen[a.Kind]; ok {
			continue
		}
		seen[a.Kind] = struct{}{}
		out = append(out, a)
	}
	return out
}
