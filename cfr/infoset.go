// Package cfr implements the CFR worker engine: the traversal that walks a
// gamestate subtree, the regret/strategy tables it accumulates into, and the
// variant hooks (vanilla, chance-sampling, regret-matching-plus) that
// parameterise a single shared recursion. It owns no persistent state of its
// own — callers (the orchestrator, or a local Trainer for smoke tests) own
// the RegretTable and decide when to checkpoint or aggregate it.
package cfr

import (
	"strconv"
	"strings"

	"github.com/gtocluster/solver/abstraction"
)

// InfoSetKey identifies the equivalence class of states a player cannot
// distinguish: (player, street, board_class, action_history, player_bucket).
// Two states sharing a key must offer identical legal-action lists in the
// same order, since the same RegretEntry backs both.
type InfoSetKey struct {
	Player        int
	Street        int
	BoardClass    int
	ActionHistory string
	PlayerBucket  int
}

// String returns the canonical, collision-free encoding used as the
// RegretTable's map key and the checkpoint blob's key_bytes.
func (k InfoSetKey) String() string {
	var b strings.Builder
	b.WriteString(strconv.Itoa(k.Player))
	b.WriteByte('|')
	b.WriteString(strconv.Itoa(k.Street))
	b.WriteByte('|')
	b.WriteString(strconv.Itoa(k.BoardClass))
	b.WriteByte('|')
	b.WriteString(k.ActionHistory)
	b.WriteByte('|')
	b.WriteString(strconv.Itoa(k.PlayerBucket))
	return b.String()
}

// EncodeActionHistory renders the sequence of actions taken so far on the
// path to a node as the ActionHistory component of an InfoSetKey. Amount is
// included for RAISE so two differently-sized raises are distinguishable.
func EncodeActionHistory(path []abstraction.Action) string {
	tokens := make([]string, len(path))
	for i, a := range path {
		if a.Kind == abstraction.Raise {
			tokens[i] = a.Kind.String() + strconv.Itoa(a.Amount)
		} else {
			tokens[i] = a.Kind.String()
		}
	}
	return strings.Join(tokens, ".")
}
