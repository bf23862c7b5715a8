package registry

import (
	"math/rand"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/stretchr/testify/require"
)

type simpleRand struct{ r *rand.Rand }

func (s simpleRand) Intn(n int) int { return s.r.Intn(n) }

func newTestRegistry(clock quartz.Clock) *Registry {
	return New(clock, 60*time.Second, simpleRand{rand.New(rand.NewSource(1))})
}

func TestRegisterIsIdempotentForIdenticalSpec(t *testing.T) {
	reg := newTestRegistry(quartz.NewMock(t))
	spec := Spec{Kind: Preflop, MaxConcurrent: 4}

	id1, err := reg.Register(spec)
	require.NoError(t, err)
	id2, err := reg.Register(spec)
	require.NoError(t, err)
	require.Equal(t, id1, id2)
	require.Len(t, reg.List(), 1)
}

func TestRegisterRejectsInvalidSpec(t *testing.T) {
	reg := newTestRegistry(quartz.NewMock(t))
	_, err := reg.Register(Spec{Kind: "", MaxConcurrent: 1})
	require.Error(t, err)
	_, err = reg.Register(Spec{Kind: Preflop, MaxConcurrent: 0})
	require.Error(t, err)
}

func TestHeartbeatRefreshesAndRevivesOfflineNode(t *testing.T) {
	mockClock := quartz.NewMock(t)
	reg := newTestRegistry(mockClock)

	id, err := reg.Register(Spec{Kind: Postflop, MaxConcurrent: 2})
	require.NoError(t, err)

	mockClock.Advance(61 * time.Second)
	evicted := reg.EvictOffline()
	require.Equal(t, []string{id}, evicted)
	require.Equal(t, Offline, reg.mustStatus(t, id))

	require.NoError(t, reg.Heartbeat(id, Telemetry{CurrentTasks: 0}))
	require.Equal(t, Available, reg.mustStatus(t, id))
}

func (r *Registry) mustStatus(t *testing.T, id string) Status {
	t.Helper()
	n, err := r.Get(id)
	require.NoError(t, err)
	return n.status
}

func TestAttributeMarksBusyAtCapacity(t *testing.T) {
	reg := newTestRegistry(quartz.NewMock(t))
	id, err := reg.Register(Spec{Kind: Preflop, MaxConcurrent: 1})
	require.NoError(t, err)

	require.NoError(t, reg.Attribute(id))
	n, err := reg.Get(id)
	require.NoError(t, err)
	require.Equal(t, Busy, n.status)

	err = reg.Attribute(id)
	require.Error(t, err)
}

func TestReleaseReturnsNodeToAvailable(t *testing.T) {
	reg := newTestRegistry(quartz.NewMock(t))
	id, err := reg.Register(Spec{Kind: Preflop, MaxConcurrent: 1})
	require.NoError(t, err)
	require.NoError(t, reg.Attribute(id))

	require.NoError(t, reg.Release(id))
	n, err := reg.Get(id)
	require.NoError(t, err)
	require.Equal(t, Available, n.status)
	require.Equal(t, 0, n.currentTasks)
}

func TestListAvailableOrdersByStatusThenLoadThenRecency(t *testing.T) {
	mockClock := quartz.NewMock(t)
	reg := newTestRegistry(mockClock)

	busy, err := reg.Register(Spec{Kind: Preflop, MaxConcurrent: 1})
	require.NoError(t, err)
	require.NoError(t, reg.Attribute(busy))

	idle1, err := reg.Register(Spec{Kind: Preflop, MaxConcurrent: 5, Labels: map[string]string{"az": "1"}})
	require.NoError(t, err)
	mockClock.Advance(time.Second)
	idle2, err := reg.Register(Spec{Kind: Preflop, MaxConcurrent: 5, Labels: map[string]string{"az": "2"}})
	require.NoError(t, err)

	require.NoError(t, reg.Attribute(idle2))
	require.NoError(t, reg.Release(idle2))

	list := reg.ListAvailable(Preflop)
	require.Len(t, list, 3)
	require.Equal(t, idle2, list[0].ID)
	require.Equal(t, idle1, list[1].ID)
	require.Equal(t, busy, list[2].ID)
}

func TestEvictOfflineExcludesFromListAvailable(t *testing.T) {
	mockClock := quartz.NewMock(t)
	reg := newTestRegistry(mockClock)

	id, err := reg.Register(Spec{Kind: Preflop, MaxConcurrent: 1})
	require.NoError(t, err)

	mockClock.Advance(61 * time.Second)
	reg.EvictOffline()

	require.Empty(t, reg.ListAvailable(Preflop))
	require.Len(t, reg.List(), 1)
	_ = id
}

func TestDeregisterRemovesNode(t *testing.T) {
	reg := newTestRegistry(quartz.NewMock(t))
	id, err := reg.Register(Spec{Kind: Preflop, MaxConcurrent: 1})
	require.NoError(t, err)

	require.NoError(t, reg.Deregister(id))
	_, err = reg.Get(id)
	require.ErrorIs(t, err, ErrNodeNotFound)
}

func TestHeartbeatUnknownNodeFails(t *testing.T) {
	reg := newTestRegistry(quartz.NewMock(t))
	err := reg.Heartbeat("nonexistent", Telemetry{})
	require.ErrorIs(t, err, ErrNodeNotFound)
}
