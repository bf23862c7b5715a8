// Package abstraction implements the action and hand abstractions the CFR
// worker engine plays over: action-space pruning (fold/check/call plus a
// pruned raise ladder) and hand bucketing (169-class preflop, equity- and
// texture-bucketed postflop).
package abstraction

import "github.com/gtocluster/solver/cards"

// BoardTexture is the "wetness" classification of a flop/turn/river board,
// one input to the postflop bucket key alongside equity.
type BoardTexture int

const (
	Dry BoardTexture = iota
	SemiWet
	Wet
	VeryWet
)

func (bt BoardTexture) String() string {
	switch bt {
	case Dry:
		return "dry"
	case SemiWet:
		return "semi-wet"
	case Wet:
		return "wet"
	case VeryWet:
		return "very wet"
	default:
		return "unknown"
	}
}

// FlushInfo describes flush potential on a board.
type FlushInfo struct {
	MaxSuitCount int
	IsMonotone   bool
	IsRainbow    bool
}

// StraightInfo describes straight potential on a board.
type StraightInfo struct {
	ConnectedCards int
	HasAce         bool
	BroadwayCards  int
	Completed      bool // true if the board itself contains 5 connected ranks
}

// IsoClass is the isomorphism-invariant board class used as one component of
// the postflop bucket key: base = |board|, +10 if any paired rank, +20 if
// monotone, +30 if a completed straight texture. Two boards with the same
// rank multiset and suit-collision pattern, up to suit relabelling, always
// land in the same class.
func IsoClass(board cards.Board) int {
	class := len(board)
	if countBoardPairs(board) > 0 {
		class += 10
	}
	flush := AnalyzeFlushPotential(board)
	if flush.IsMonotone {
		class += 20
	}
	straight := AnalyzeStraightPotential(board)
	if straight.Completed {
		class += 30
	}
	return class
}

// AnalyzeBoardTexture scores how coordinated a board is, from Dry to VeryWet.
func AnalyzeBoardTexture(board cards.Board) BoardTexture {
	if len(board) < 3 {
		return Dry
	}

	var wetness int

	flushInfo := AnalyzeFlushPotential(board)
	switch {
	case flushInfo.IsMonotone:
		wetness += 4
	case flushInfo.MaxSuitCount >= 4:
		wetness += 4
	case flushInfo.MaxSuitCount == 3:
		wetness += 3
	case flushInfo.MaxSuitCount == 2:
		wetness += 1
	}

	straightInfo := AnalyzeStraightPotential(board)
	switch {
	case straightInfo.ConnectedCards >= 4:
		wetness += 4
	case straightInfo.ConnectedCards == 3:
		wetness += 3
	case straightInfo.ConnectedCards == 2:
		wetness += 1
	}

	if countBoardPairs(board) >= 1 {
		wetness += 1
	}
	if countHighCards(board) >= 3 {
		wetness += 1
	}

	switch {
	case wetness <= 0:
		return Dry
	case wetness <= 3:
		return SemiWet
	case wetness <= 5:
		return Wet
	default:
		return VeryWet
	}
}

// AnalyzeFlushPotential reports the board's flush-draw density.
func AnalyzeFlushPotential(board cards.Board) FlushInfo {
	var suitCounts [4]int
	for _, c := range board {
		suitCounts[c.Suit]++
	}

	maxCount := 0
	nonZeroSuits := 0
	for _, count := range suitCounts {
		if count == 0 {
			continue
		}
		nonZeroSuits++
		if count > maxCount {
			maxCount = count
		}
	}

	cardCount := len(board)
	return FlushInfo{
		MaxSuitCount: maxCount,
		IsMonotone:   nonZeroSuits == 1 && cardCount >= 3,
		IsRainbow:    nonZeroSuits == cardCount && cardCount >= 3,
	}
}

// AnalyzeStraightPotential reports the board's straight-draw density,
// treating the wheel (A-2-3-4-5) as connected.
func AnalyzeStraightPotential(board cards.Board) StraightInfo {
	if len(board) == 0 {
		return StraightInfo{}
	}

	var rankMask uint16
	for _, c := range board {
		rankMask |= 1 << uint(c.Rank-cards.Two)
	}
	hasAce := rankMask&(1<<uint(cards.Ace-cards.Two)) != 0

	broadwayCount := 0
	for rank := cards.Ten; rank <= cards.Ace; rank++ {
		if rankMask&(1<<uint(rank-cards.Two)) != 0 {
			broadwayCount++
		}
	}

	ranks := make([]int, 0, len(board))
	for rank := 0; rank < 13; rank++ {
		if rankMask&(1<<uint(rank)) != 0 {
			ranks = append(ranks, rank)
		}
	}

	maxConnected := 1
	currentConnected := 1
	for i := 1; i < len(ranks); i++ {
		if ranks[i]-ranks[i-1] == 1 {
			currentConnected++
			if currentConnected > maxConnected {
				maxConnected = currentConnected
			}
		} else {
			currentConnected = 1
		}
	}

	if hasAce {
		wheelRanks := []int{-1}
		for _, r := range ranks {
			if r <= 3 {
				wheelRanks = append(wheelRanks, r)
			}
		}
		if len(wheelRanks) >= 2 {
			wheelConnected, wheelMax := 1, 1
			for i := 1; i < len(wheelRanks); i++ {
				if wheelRanks[i]-wheelRanks[i-1] == 1 {
					wheelConnected++
					if wheelConnected > wheelMax {
						wheelMax = wheelConnected
					}
				} else {
					wheelConnected = 1
				}
			}
			if wheelMax > maxConnected {
				maxConnected = wheelMax
			}
		}
	}

	return StraightInfo{
		ConnectedCards: maxConnected,
		HasAce:         hasAce,
		BroadwayCards:  broadwayCount,
		Completed:      len(board) >= 5 && maxConnected >= 5,
	}
}

func countBoardPairs(board cards.Board) int {
	var rankCounts [13]int
	for _, c := range board {
		rankCounts[c.Rank-cards.Two]++
	}
	pairs := 0
	for _, count := range rankCounts {
		if count >= 2 {
			pairs++
		}
	}
	return pairs
}

func countHighCards(board cards.Board) int {
	count := 0
	for _, c := range board {
		if c.Rank >= cards.Ten {
			count++
		}
	}
	return count
}
