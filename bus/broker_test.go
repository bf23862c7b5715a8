package bus

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func jsonUnmarshal(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

func TestEnvelopeRoundTripPreservesFields(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	env, err := NewEnvelope("task", TaskPayload{TaskID: "t1", SimulationID: "s1"}, "trace-1", now)
	require.NoError(t, err)
	require.Equal(t, EnvelopeSchemaVersion, env.SchemaVersion)
	require.Equal(t, "task", env.Type)
	require.Equal(t, "trace-1", env.TraceID)
	require.Equal(t, now, env.EnqueuedAt)

	var decoded TaskPayload
	require.NoError(t, jsonUnmarshal(env.Payload, &decoded))
	require.Equal(t, "t1", decoded.TaskID)
	require.Equal(t, "s1", decoded.SimulationID)
}

func TestPublishThenSubscribeDeliversEnvelope(t *testing.T) {
	b := NewBroker(testLogger(), 200*time.Millisecond, 10, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	env, err := NewEnvelope("task", TaskPayload{TaskID: "t1"}, "trace", time.Now())
	require.NoError(t, err)
	require.NoError(t, b.Publish(ctx, PreflopTasks, env))

	deliveries := b.Subscribe(ctx, PreflopTasks, 1)
	select {
	case d := <-deliveries:
		var p TaskPayload
		require.NoError(t, jsonUnmarshal(d.Envelope.Payload, &p))
		require.Equal(t, "t1", p.TaskID)
		d.Ack()
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}

func TestUnackedDeliveryIsRedeliveredAsDuplicate(t *testing.T) {
	b := NewBroker(testLogger(), 50*time.Millisecond, 10, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	env, err := NewEnvelope("task", TaskPayload{TaskID: "dup-me"}, "trace", time.Now())
	require.NoError(t, err)
	require.NoError(t, b.Publish(ctx, PreflopTasks, env))

	deliveries := b.Subscribe(ctx, PreflopTasks, 1)

	first := <-deliveries
	require.Equal(t, "dup-me", taskID(t, first))
	// deliberately never ack; the broker should redeliver after ackTimeout

	second := <-deliveries
	require.Equal(t, "dup-me", taskID(t, second))
	second.Ack()
}

func taskID(t *testing.T, d Delivery) string {
	t.Helper()
	var p TaskPayload
	require.NoError(t, jsonUnmarshal(d.Envelope.Payload, &p))
	return p.TaskID
}

func TestPrefetchLimitsConcurrentUnackedDeliveries(t *testing.T) {
	b := NewBroker(testLogger(), 5*time.Second, 10, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for i := 0; i < 3; i++ {
		env, err := NewEnvelope("task", TaskPayload{TaskID: string(rune('a' + i))}, "trace", time.Now())
		require.NoError(t, err)
		require.NoError(t, b.Publish(ctx, PreflopTasks, env))
	}

	deliveries := b.Subscribe(ctx, PreflopTasks, 1)

	first := <-deliveries
	select {
	case <-deliveries:
		t.Fatal("a second delivery arrived before the first was acked, violating prefetch=1")
	case <-time.After(100 * time.Millisecond):
	}
	first.Ack()

	select {
	case d := <-deliveries:
		d.Ack()
	case <-time.After(2 * time.Second):
		t.Fatal("expected next delivery after ack freed a prefetch slot")
	}
}

func TestPublishFailsSynchronouslyWhenOutboxFull(t *testing.T) {
	b := NewBroker(testLogger(), time.Second, 2, 1)
	b.Disconnect()
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		env, err := NewEnvelope("task", TaskPayload{TaskID: "x"}, "trace", time.Now())
		require.NoError(t, err)
		require.NoError(t, b.Publish(ctx, PreflopTasks, env))
	}

	env, err := NewEnvelope("task", TaskPayload{TaskID: "overflow"}, "trace", time.Now())
	require.NoError(t, err)
	err = b.Publish(ctx, PreflopTasks, env)
	require.ErrorIs(t, err, ErrBrokerUnavailable)
}

func TestReconnectDrainsOutboxAndRestoresAvailability(t *testing.T) {
	b := NewBroker(testLogger(), time.Second, 10, 1)
	b.Disconnect()
	require.False(t, b.Available())
	ctx := context.Background()

	env, err := NewEnvelope("task", TaskPayload{TaskID: "buffered"}, "trace", time.Now())
	require.NoError(t, err)
	require.NoError(t, b.Publish(ctx, PreflopTasks, env))
	require.Equal(t, 1, b.OutboxSize())
	require.Equal(t, 0, b.Depth(PreflopTasks))

	require.NoError(t, b.Reconnect(ctx))
	require.True(t, b.Available())
	require.Equal(t, 0, b.OutboxSize())
	require.Equal(t, 1, b.Depth(PreflopTasks))
}

func TestDepthReflectsBacklogSize(t *testing.T) {
	b := NewBroker(testLogger(), time.Second, 10, 1)
	ctx := context.Background()
	require.Equal(t, 0, b.Depth(Control))

	env, err := NewEnvelope("control", struct{}{}, "trace", time.Now())
	require.NoError(t, err)
	require.NoError(t, b.Publish(ctx, Control, env))
	require.Equal(t, 1, b.Depth(Control))
}
