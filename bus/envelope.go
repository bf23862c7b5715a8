// Package bus implements the message-bus adapter: named queues, a
// self-describing envelope, at-least-once delivery with manual ack, and a
// bounded outbox that absorbs publishes while the broker is unavailable.
//
// No AMQP/NATS/Kafka client appears anywhere in the reference corpus this
// module was built from, so the adapter's transport is an in-process
// channel broker (grounded on the teacher's BotPool register/unregister
// channel pattern) rather than a fabricated client for a broker that was
// never actually wired to. A real deployment swaps Broker's implementation
// for a client of whichever message broker the operator runs; the contract
// (envelope shape, ack semantics, outbox behaviour) is what callers depend
// on.
package bus

import (
	"encoding/json"
	"time"
)

// EnvelopeSchemaVersion is bumped whenever the envelope's wire shape changes.
const EnvelopeSchemaVersion = 1

// Queue names the bus's fixed set of topics.
type Queue string

const (
	PreflopTasks  Queue = "preflop_tasks"
	PostflopTasks Queue = "postflop_tasks"
	TaskResults   Queue = "task_results"
	Heartbeats    Queue = "heartbeats"
	Control       Queue = "control"
)

// Envelope is the self-describing wrapper every message on the bus carries.
// Payload is left as raw JSON so the adapter never needs to know the shape
// of what it's ferrying; Type tags it for the consumer's dispatch switch.
type Envelope struct {
	SchemaVersion int             `json:"schema_version"`
	Type          string          `json:"type"`
	Payload       json.RawMessage `json:"payload"`
	TraceID       string          `json:"trace_id"`
	EnqueuedAt    time.Time       `json:"enqueued_at"`
}

// NewEnvelope marshals payload and stamps it with the current schema
// version and trace id. enqueuedAt is supplied by the caller rather than
// stamped internally with time.Now so publish-time and a test's assertions
// about ordering agree on the same clock.
func NewEnvelope(msgType string, payload interface{}, traceID string, enqueuedAt time.Time) (Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		SchemaVersion: EnvelopeSchemaVersion,
		Type:          msgType,
		Payload:       data,
		TraceID:       traceID,
		EnqueuedAt:    enqueuedAt,
	}, nil
}

// TaskPayload is the bus-level shape of a dispatched CFR task (§6 "Task
// envelope on the bus"). It is transport metadata around a cfr.Task, not
// the traversal-ready type itself: root_state/sampled_hand are carried as
// opaque JSON the orchestrator knows how to rehydrate, keeping this package
// free of a gamestate/cfr import cycle.
type TaskPayload struct {
	TaskID        string          `json:"task_id"`
	SimulationID  string          `json:"simulation_id"`
	Iteration     int             `json:"iteration"`
	Kind          string          `json:"kind"` // "preflop" | "postflop"
	Variant       string          `json:"variant"`
	RootState     json.RawMessage `json:"root_state"`
	PlayerToUpdate int            `json:"player_to_update"`
	SampledHand   json.RawMessage `json:"sampled_hand,omitempty"`
	AbstractionParams json.RawMessage `json:"abstraction_params"`
	RetryCount    int             `json:"retry_count"`
}

// ResultPayload is the bus-level shape of a worker's reply (§6 "Result
// envelope").
type ResultPayload struct {
	TaskID      string          `json:"task_id"`
	NodeID      string          `json:"node_id"`
	Status      string          `json:"status"` // "completed" | "failed"
	ExecutionMS int64           `json:"execution_ms"`
	MemoryMB    float64         `json:"memory_mb"`
	Results     json.RawMessage `json:"results,omitempty"`
	Error       string          `json:"error,omitempty"`
}

// HeartbeatPayload is published on the Heartbeats queue by compute nodes.
type HeartbeatPayload struct {
	NodeID       string  `json:"node_id"`
	CPUPercent   float64 `json:"cpu_percent"`
	MemoryMB     float64 `json:"memory_mb"`
	CurrentTasks int     `json:"current_tasks"`
}
