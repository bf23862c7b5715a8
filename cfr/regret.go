package cfr

import (
	"sort"
	"sync"
)

// RegretEntry accumulates regrets and strategy sums for one InfoSetNode.
// Slices are sized to the node's abstracted action count; growth only ever
// happens once, on first creation, since the action abstraction at a given
// InfoSetKey is assumed stable across the whole run.
type RegretEntry struct {
	mu          sync.Mutex
	RegretSum   []float64
	StrategySum []float64
}

func newRegretEntry(actionCount int) *RegretEntry {
	return &RegretEntry{
		RegretSum:   make([]float64, actionCount),
		StrategySum: make([]float64, actionCount),
	}
}

// Strategy returns the current regret-matching distribution: proportional to
// positive regret, uniform when every action's regret is non-positive.
func (e *RegretEntry) Strategy() []float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return regretMatch(e.RegretSum)
}

func regretMatch(regretSum []float64) []float64 {
	strat := make([]float64, len(regretSum))
	total := 0.0
	for i, r := range regretSum {
		if r > 0 {
			strat[i] = r
			total += r
		}
	}
	if total <= 0 {
		v := 1.0 / float64(len(strat))
		for i := range strat {
			strat[i] = v
		}
		return strat
	}
	for i := range strat {
		strat[i] /= total
	}
	return strat
}

// ApplyDelta folds a task's already-weighted regret and strategy deltas into
// the cumulative sums: this is the aggregator-side half of the shared
// traversal skeleton's hooks. regretDelta has the vanilla discount (d_t =
// t^-alpha) already applied by the traversal that produced it;
// clampNonNegative implements CFR+'s "post_update_regret_adjust" hook
// (clamp cumulative regret to >= 0 after every update).
func (e *RegretEntry) ApplyDelta(regretDelta, strategyDelta []float64, clampNonNegative bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := range regretDelta {
		e.RegretSum[i] += regretDelta[i]
		if clampNonNegative && e.RegretSum[i] < 0 {
			e.RegretSum[i] = 0
		}
		e.StrategySum[i] += strategyDelta[i]
	}
}

// AverageStrategy returns strategy_sum / sum(strategy_sum), uniform when the
// node was never reached with positive weight.
func (e *RegretEntry) AverageStrategy() []float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	total := 0.0
	for _, v := range e.StrategySum {
		total += v
	}
	strat := make([]float64, len(e.StrategySum))
	if total <= 0 {
		v := 1.0 / float64(len(strat))
		for i := range strat {
			strat[i] = v
		}
		return strat
	}
	for i := range strat {
		strat[i] = e.StrategySum[i] / total
	}
	return strat
}

func (e *RegretEntry) snapshot() (regretSum, strategySum []float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]float64(nil), e.RegretSum...), append([]float64(nil), e.StrategySum...)
}

// shardCount controls how many independent locks guard the node table.
// Checkpointing and result aggregation both iterate shards in key-sorted
// order to avoid deadlocking across concurrent lock acquisitions.
const shardCount = 64

type regretShard struct {
	mu      sync.RWMutex
	entries map[string]*RegretEntry
}

// RegretTable is the Simulation's InfoSetNode table: a map from
// InfoSetKey.String() to RegretEntry, sharded by key hash so concurrent
// aggregation of independent info sets doesn't serialise on one lock.
type RegretTable struct {
	shards [shardCount]regretShard
}

// NewRegretTable returns an empty table ready for use.
func NewRegretTable() *RegretTable {
	t := &RegretTable{}
	for i := range t.shards {
		t.shards[i].entries = make(map[string]*RegretEntry)
	}
	return t
}

// Key is anything that renders to the canonical string RegretTable shards
// on; InfoSetKey is the production implementation, rawKey lets internal
// callers reuse Get with an already-encoded string.
type Key interface{ String() string }

// Get returns the entry for key, creating it (sized to actionCount) if this
// is the first time the key has been visited.
func (t *RegretTable) Get(key Key, actionCount int) *RegretEntry {
	k := key.String()
	shard := t.shardFor(k)

	shard.mu.RLock()
	entry, ok := shard.entries[k]
	shard.mu.RUnlock()
	if ok {
		return entry
	}

	shard.mu.Lock()
	defer shard.mu.Unlock()
	if entry, ok = shard.entries[k]; ok {
		return entry
	}
	entry = newRegretEntry(actionCount)
	shard.entries[k] = entry
	return entry
}

// Entries returns a snapshot of every key currently tracked, for
// checkpointing or blueprint extraction.
func (t *RegretTable) Entries() map[string]*RegretEntry {
	out := make(map[string]*RegretEntry)
	for i := range t.shards {
		shard := &t.shards[i]
		shard.mu.RLock()
		for k, v := range shard.entries {
			out[k] = v
		}
		shard.mu.RUnlock()
	}
	return out
}

// Size returns the number of info sets tracked.
func (t *RegretTable) Size() int {
	total := 0
	for i := range t.shards {
		shard := &t.shards[i]
		shard.mu.RLock()
		total += len(shard.entries)
		shard.mu.RUnlock()
	}
	return total
}

// ApplyResult folds a Task's Result into the table in key-sorted order,
// matching the shard-lock-ordering invariant: a result's deltas are applied
// under each key's shard lock, visiting keys sorted so two concurrent
// results can never acquire the same pair of shards in opposite order.
func (t *RegretTable) ApplyResult(result Result, variant Variant) {
	keys := make([]string, 0, len(result.Regret))
	for k := range result.Regret {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	clamp := variant == Plus
	for _, k := range keys {
		regretDelta := result.Regret[k]
		entry := t.Get(rawKey(k), len(regretDelta))
		entry.ApplyDelta(regretDelta, result.Strategy[k], clamp)
	}
}

// rawKey wraps a pre-encoded key string so Get's key.String() call is a
// no-op, letting ApplyResult reuse Get without re-deriving an InfoSetKey.
type rawKey string

func (r rawKey) String() string { return string(r) }

// restore inserts (or replaces) the entry for one key; used when loading a
// checkpoint. The shard is derived from the key itself, so callers may
// restore keys in any order.
func (t *RegretTable) restore(key string, entry *RegretEntry) {
	shard := t.shardFor(key)
	shard.mu.Lock()
	shard.entries[key] = entry
	shard.mu.Unlock()
}

func (t *RegretTable) shardFor(key string) *regretShard {
	return &t.shards[fnv32(key)%shardCount]
}

func fnv32(key string) uint32 {
	const offset32 = 2166136261
	const prime32 = 16777619
	var hash uint32 = offset32
	for i := 0; i < len(key); i++ {
		hash ^= uint32(key[i])
		hash *= prime32
	}
	return hash
}
