// Package registry implements the compute-node registry: the sole source
// of truth for which worker processes exist, what kind of task they can
// run, and whether they're alive. It is grounded on the teacher's BotPool
// (internal/server/pool.go) for its register/unregister/locking shape, and
// on github.com/coder/quartz for injectable time so heartbeat-timeout
// eviction is deterministically testable without real sleeps.
package registry

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/coder/quartz"

	"github.com/gtocluster/solver/internal/gameid"
)

// Status is a compute node's liveness/assignment state.
type Status string

const (
	Available Status = "available"
	Busy      Status = "busy"
	Offline   Status = "offline"
)

// Kind is the class of task a node is willing to run.
type Kind string

const (
	Preflop  Kind = "preflop"
	Postflop Kind = "postflop"
	Any      Kind = "any"
)

// DefaultOfflineTimeout is T_offline from the spec: a node that hasn't sent
// a heartbeat within this window is considered offline.
const DefaultOfflineTimeout = 60 * time.Second

// Spec describes a node at registration time.
type Spec struct {
	Kind         Kind
	MaxConcurrent int
	Labels       map[string]string
}

// Telemetry is what a node reports on every heartbeat.
type Telemetry struct {
	CPUPercent   float64
	MemoryMB     float64
	CurrentTasks int
}

// Node is the registry's view of one compute node.
type Node struct {
	ID            string
	Kind          Kind
	MaxConcurrent int
	Labels        map[string]string

	mu            sync.Mutex
	status        Status
	currentTasks  int
	lastHeartbeat time.Time
	telemetry     Telemetry
}

func (n *Node) snapshot() Node {
	n.mu.Lock()
	defer n.mu.Unlock()
	return Node{
		ID:            n.ID,
		Kind:          n.Kind,
		MaxConcurrent: n.MaxConcurrent,
		Labels:        n.Labels,
		status:        n.status,
		currentTasks:  n.currentTasks,
		lastHeartbeat: n.lastHeartbeat,
		telemetry:     n.telemetry,
	}
}

// Status returns the node's current liveness/assignment state.
func (n *Node) Status() Status {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.status
}

// CurrentTasks returns how many tasks are presently attributed to the node.
func (n *Node) CurrentTasks() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.currentTasks
}

// LastHeartbeat returns the timestamp of the node's most recent heartbeat.
func (n *Node) LastHeartbeat() time.Time {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.lastHeartbeat
}

// Registry tracks every compute node and is the sole arbiter of liveness:
// no component downstream may infer a node is alive except through this
// type's state.
type Registry struct {
	clock           quartz.Clock
	offlineTimeout  time.Duration
	idGen           *gameid.Generator

	mu    sync.RWMutex
	nodes map[string]*Node
	// byIdentity mirrors registration identity: a node registering with the
	// same label set and kind twice gets back the same id instead of a
	// duplicate entry, matching "register is idempotent".
	byIdentity map[string]string
}

// New constructs a Registry. clock is injected so eviction timing is
// controllable in tests; idRandSource seeds deterministic node-id
// generation.
func New(clock quartz.Clock, offlineTimeout time.Duration, idRandSource gameid.RandSource) *Registry {
	if offlineTimeout <= 0 {
		offlineTimeout = DefaultOfflineTimeout
	}
	return &Registry{
		clock:          clock,
		offlineTimeout: offlineTimeout,
		idGen:          gameid.NewGenerator(idRandSource),
		nodes:          make(map[string]*Node),
		byIdentity:     make(map[string]string),
	}
}

func identityKey(spec Spec) string {
	key := fmt.Sprintf("%s|%d", spec.Kind, spec.MaxConcurrent)
	keys := make([]string, 0, len(spec.Labels))
	for k := range spec.Labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		key += fmt.Sprintf("|%s=%s", k, spec.Labels[k])
	}
	return key
}

// Register adds a new node or, if an identical Spec was already registered
// and is still tracked, returns the existing node's id unchanged.
func (r *Registry) Register(spec Spec) (string, error) {
	if spec.Kind == "" {
		return "", fmt.Errorf("registry: kind is required")
	}
	if spec.MaxConcurrent <= 0 {
		return "", fmt.Errorf("registry: max_concurrent must be positive")
	}

	key := identityKey(spec)

	r.mu.Lock()
	defer r.mu.Unlock()

	if id, ok := r.byIdentity[key]; ok {
		if n, ok := r.nodes[id]; ok {
			n.mu.Lock()
			n.status = Available
			n.lastHeartbeat = r.clock.Now()
			n.mu.Unlock()
			return id, nil
		}
	}

	id := r.idGen.Generate()
	r.nodes[id] = &Node{
		ID:            id,
		Kind:          spec.Kind,
		MaxConcurrent: spec.MaxConcurrent,
		Labels:        spec.Labels,
		status:        Available,
		lastHeartbeat: r.clock.Now(),
	}
	r.byIdentity[key] = id
	return id, nil
}

// ErrNodeNotFound is returned by any operation addressing an unknown node id.
var ErrNodeNotFound = fmt.Errorf("registry: node not found")

// Heartbeat records fresh telemetry for a node and, if it was Offline,
// brings it back to Available.
func (r *Registry) Heartbeat(nodeID string, telemetry Telemetry) error {
	r.mu.RLock()
	n, ok := r.nodes[nodeID]
	r.mu.RUnlock()
	if !ok {
		return ErrNodeNotFound
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	n.lastHeartbeat = r.clock.Now()
	n.telemetry = telemetry
	n.currentTasks = telemetry.CurrentTasks
	if n.status == Offline {
		n.status = Available
	}
	return nil
}

// Attribute marks a node Busy for one additional task. Fails if the node is
// Offline or already at MaxConcurrent.
func (r *Registry) Attribute(nodeID string) error {
	r.mu.RLock()
	n, ok := r.nodes[nodeID]
	r.mu.RUnlock()
	if !ok {
		return ErrNodeNotFound
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.status == Offline {
		return fmt.Errorf("registry: node %s is offline", nodeID)
	}
	if n.currentTasks >= n.MaxConcurrent {
		return fmt.Errorf("registry: node %s is at capacity", nodeID)
	}
	n.currentTasks++
	if n.currentTasks >= n.MaxConcurrent {
		n.status = Busy
	}
	return nil
}

// Release decrements a node's task count, returning it to Available if it
// was at capacity. A no-op at zero tasks.
func (r *Registry) Release(nodeID string) error {
	r.mu.RLock()
	n, ok := r.nodes[nodeID]
	r.mu.RUnlock()
	if !ok {
		return ErrNodeNotFound
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.currentTasks > 0 {
		n.currentTasks--
	}
	if n.status != Offline {
		n.status = Available
	}
	return nil
}

// Deregister removes a node from the registry entirely, e.g. on a
// DELETE /compute-nodes/{id} call.
func (r *Registry) Deregister(nodeID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.nodes[nodeID]; !ok {
		return ErrNodeNotFound
	}
	delete(r.nodes, nodeID)
	for k, v := range r.byIdentity {
		if v == nodeID {
			delete(r.byIdentity, k)
		}
	}
	return nil
}

// EvictOffline walks every tracked node and flips any whose last heartbeat
// is older than the offline timeout to Offline. Returns the ids evicted.
func (r *Registry) EvictOffline() []string {
	now := r.clock.Now()
	r.mu.RLock()
	nodes := make([]*Node, 0, len(r.nodes))
	for _, n := range r.nodes {
		nodes = append(nodes, n)
	}
	r.mu.RUnlock()

	var evicted []string
	for _, n := range nodes {
		n.mu.Lock()
		if n.status != Offline && now.Sub(n.lastHeartbeat) > r.offlineTimeout {
			n.status = Offline
			evicted = append(evicted, n.ID)
		}
		n.mu.Unlock()
	}
	return evicted
}

// ListAvailable returns every non-offline node matching kind (or every node
// if kind is Any), ordered by (status==Available desc, current_tasks asc,
// last_heartbeat desc) per the spec's scheduling preference.
func (r *Registry) ListAvailable(kind Kind) []Node {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Node, 0, len(r.nodes))
	for _, n := range r.nodes {
		snap := n.snapshot()
		if snap.status == Offline {
			continue
		}
		if kind != Any && snap.Kind != Any && snap.Kind != kind {
			continue
		}
		out = append(out, snap)
	}

	sort.Slice(out, func(i, j int) bool {
		if (out[i].status == Available) != (out[j].status == Available) {
			return out[i].status == Available
		}
		if out[i].currentTasks != out[j].currentTasks {
			return out[i].currentTasks < out[j].currentTasks
		}
		return out[i].lastHeartbeat.After(out[j].lastHeartbeat)
	})
	return out
}

// Get returns a point-in-time snapshot of a single node.
func (r *Registry) Get(nodeID string) (Node, error) {
	r.mu.RLock()
	n, ok := r.nodes[nodeID]
	r.mu.RUnlock()
	if !ok {
		return Node{}, ErrNodeNotFound
	}
	return n.snapshot(), nil
}

// List returns a snapshot of every tracked node, regardless of status.
func (r *Registry) List() []Node {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Node, 0, len(r.nodes))
	for _, n := range r.nodes {
		out = append(out, n.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
