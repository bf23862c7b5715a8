package abstraction

import (
	"sort"
	"sync"

	"github.com/gtocluster/solver/cards"
)

// preflopHash is a fixed bijection between the 169 canonical preflop
// hand-class strings ("AA", "AKs", "72o", ...) and bucket indices 0..168,
// built once and reused for every PreflopBucket lookup. The key set is
// fixed and tiny (169 entries), so a plain map gives the same O(1) lookup a
// minimal perfect hash would, without depending on an external library's
// exact construction API.
type preflopHash struct {
	classToBucket map[string]int
	bucketToClass []string // bucketToClass[i] is the canonical class assigned bucket i
}

var (
	preflopOnce  sync.Once
	preflopTable *preflopHash
)

func buildPreflopHash() *preflopHash {
	// Sorted purely so the assignment is reproducible across runs regardless
	// of map iteration order; each class gets a fixed index by its sorted
	// position, unrelated to insertion order.
	classes := cards.All169()
	sort.Strings(classes)

	classToBucket := make(map[string]int, len(classes))
	for i, c := range classes {
		classToBucket[c] = i
	}

	return &preflopHash{classToBucket: classToBucket, bucketToClass: classes}
}

// PreflopBucket maps a two-card hand to its preflop bucket, one of the 169
// canonical classes. The index assigned to each class is fixed by sorted
// position and stable across process runs (no RNG or map iteration
// involved), which is what the permutation-invariance property requires:
// any two isomorphic hands land on the same bucket every time.
func PreflopBucket(h cards.Hand) int {
	preflopOnce.Do(func() {
		preflopTable = buildPreflopHash()
	})
	class := cards.Canon169(h)
	return preflopTable.classToBucket[class]
}

// PreflopBucketCount is the total number of distinct preflop buckets (169).
func PreflopBucketCount() int {
	return len(cards.All169())
}

// ClassForBucket returns the canonical hand-class string assigned to a
// preflop bucket index, the inverse of PreflopBucket. Used by operator
// tooling to render a bucket as a human-readable hand range.
func ClassForBucket(bucket int) (string, bool) {
	preflopOnce.Do(func() {
		preflopTable = buildPreflopHash()
	})
	if bucket < 0 || bucket >= len(preflopTable.bucketToClass) {
		return "", false
	}
	return preflopTable.bucketToClass[bucket], true
}
