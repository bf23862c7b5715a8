package bus

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ErrBrokerUnavailable is returned by Publish while the broker is
// disconnected and the outbox is full.
var ErrBrokerUnavailable = errors.New("bus: broker unavailable")

// ErrOutboxFull is joined with ErrBrokerUnavailable in the error Publish
// returns when a publish cannot even be buffered.
var ErrOutboxFull = errors.New("bus: outbox at capacity")

// Delivery is one message handed to a consumer. The consumer must call Ack
// or Nack; an un-acked delivery is redelivered after ackTimeout, producing
// a duplicate the consumer's aggregation logic must tolerate.
type Delivery struct {
	Envelope Envelope
	ack      func()
	nack     func()
	acked    chan struct{}
}

// Ack confirms processing completed; the message will not be redelivered.
func (d Delivery) Ack() {
	select {
	case <-d.acked:
		return
	default:
	}
	d.ack()
}

// Nack reports processing failed; the message becomes immediately eligible
// for redelivery instead of waiting out the ack timeout.
func (d Delivery) Nack() {
	d.nack()
}

type pendingDelivery struct {
	envelope  Envelope
	deadline  time.Time
	attempts  int
}

// queueState holds one named queue's backlog and in-flight deliveries.
type queueState struct {
	mu       sync.Mutex
	backlog  []Envelope
	inflight map[int64]*pendingDelivery
	nextID   int64
	waiters  []chan struct{}
}

// Broker is an in-process, at-least-once message bus: one goroutine-safe
// instance serves every named Queue. It models the semantics a remote
// broker is contracted to provide (manual ack, prefetch, redelivery,
// bounded outbox, a capped-backoff helper for reconnect loops) without requiring an actual
// broker process for local development, smoke tests, and the S1-S6
// scenarios in the spec's testable-properties section.
type Broker struct {
	logger     zerolog.Logger
	ackTimeout time.Duration
	outboxCap  int

	mu          sync.Mutex
	queues      map[Queue]*queueState
	available   bool
	outbox      []outboxEntry
	backoff     backoffState
	rng         *rand.Rand
}

type outboxEntry struct {
	queue    Queue
	envelope Envelope
}

type backoffState struct {
	base    time.Duration
	max     time.Duration
	current time.Duration
}

// NewBroker constructs a Broker. seed drives the jitter applied to
// reconnect backoff so retry timing is reproducible in tests; ackTimeout is
// the redelivery window and outboxCapacity bounds how many publishes queue
// up while disconnected before Publish starts failing synchronously.
func NewBroker(logger zerolog.Logger, ackTimeout time.Duration, outboxCapacity int, seed int64) *Broker {
	b := &Broker{
		logger:     logger,
		ackTimeout: ackTimeout,
		outboxCap:  outboxCapacity,
		queues:     make(map[Queue]*queueState),
		available:  true,
		rng:        rand.New(rand.NewSource(seed)),
		backoff:    backoffState{base: 200 * time.Millisecond, max: 30 * time.Second},
	}
	for _, q := range []Queue{PreflopTasks, PostflopTasks, TaskResults, Heartbeats, Control} {
		b.queues[q] = &queueState{inflight: make(map[int64]*pendingDelivery)}
	}
	return b
}

func (b *Broker) queue(q Queue) *queueState {
	b.mu.Lock()
	defer b.mu.Unlock()
	qs, ok := b.queues[q]
	if !ok {
		qs = &queueState{inflight: make(map[int64]*pendingDelivery)}
		b.queues[q] = qs
	}
	return qs
}

// Publish enqueues env on q. While the broker is disconnected, the publish
// is buffered in the outbox and retried on reconnect; if the outbox is at
// capacity, Publish fails synchronously with an error that matches both
// ErrBrokerUnavailable and ErrOutboxFull.
func (b *Broker) Publish(ctx context.Context, q Queue, env Envelope) error {
	b.mu.Lock()
	if !b.available {
		if len(b.outbox) >= b.outboxCap {
			b.mu.Unlock()
			return errors.Join(ErrBrokerUnavailable, ErrOutboxFull)
		}
		b.outbox = append(b.outbox, outboxEntry{queue: q, envelope: env})
		b.mu.Unlock()
		return nil
	}
	b.mu.Unlock()

	b.enqueue(q, env)
	return nil
}

func (b *Broker) enqueue(q Queue, env Envelope) {
	qs := b.queue(q)
	qs.mu.Lock()
	qs.backlog = append(qs.backlog, env)
	waiters := qs.waiters
	qs.waiters = nil
	qs.mu.Unlock()
	for _, w := range waiters {
		close(w)
	}
}

// Disconnect simulates BrokerUnavailable: subsequent publishes buffer into
// the outbox instead of reaching a queue until Reconnect runs.
func (b *Broker) Disconnect() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.available = false
}

// Reconnect moves the outbox's buffered publishes onto their queues in
// order, then marks the broker available again. It does not wait between
// entries and does not call sleepBackoff (it only resets the backoff to its
// base); it blocks until the outbox is fully drained or ctx is cancelled.
func (b *Broker) Reconnect(ctx context.Context) error {
	b.mu.Lock()
	b.backoff.current = b.backoff.base
	b.mu.Unlock()

	for {
		b.mu.Lock()
		if len(b.outbox) == 0 {
			b.available = true
			b.mu.Unlock()
			return nil
		}
		entry := b.outbox[0]
		b.outbox = b.outbox[1:]
		b.mu.Unlock()

		b.enqueue(entry.queue, entry.envelope)

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}

// sleepBackoff waits the current backoff duration plus jitter, then doubles
// it up to the configured max. Exposed as a method (not called from
// Reconnect's hot path above since draining is local and instant) for
// callers implementing their own reconnect-attempt loop against a real
// broker client.
func (b *Broker) sleepBackoff(ctx context.Context) error {
	b.mu.Lock()
	d := b.backoff.current
	jitter := time.Duration(b.rng.Int63n(int64(d/2) + 1))
	next := d * 2
	if next > b.backoff.max {
		next = b.backoff.max
	}
	b.backoff.current = next
	b.mu.Unlock()

	timer := time.NewTimer(d + jitter)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Subscribe returns a channel of deliveries from q, never handing out more
// than maxConcurrent un-acked deliveries at once (the prefetch limit).
// Deliveries left un-acked for ackTimeout are redelivered.
func (b *Broker) Subscribe(ctx context.Context, q Queue, maxConcurrent int) <-chan Delivery {
	out := make(chan Delivery)
	qs := b.queue(q)

	go b.consumeLoop(ctx, qs, maxConcurrent, out)
	return out
}

func (b *Broker) consumeLoop(ctx context.Context, qs *queueState, maxConcurrent int, out chan<- Delivery) {
	defer close(out)
	for {
		qs.mu.Lock()
		for len(qs.inflight) >= maxConcurrent || len(qs.backlog) == 0 {
			b.reapExpired(qs)
			if len(qs.inflight) < maxConcurrent && len(qs.backlog) > 0 {
				break
			}
			wait := make(chan struct{})
			qs.waiters = append(qs.waiters, wait)
			qs.mu.Unlock()

			timer := time.NewTimer(50 * time.Millisecond)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-wait:
				timer.Stop()
			case <-timer.C:
			}
			qs.mu.Lock()
		}

		env := qs.backlog[0]
		qs.backlog = qs.backlog[1:]
		id := qs.nextID
		qs.nextID++
		pd := &pendingDelivery{envelope: env, deadline: time.Now().Add(b.ackTimeout), attempts: 1}
		qs.inflight[id] = pd
		qs.mu.Unlock()

		acked := make(chan struct{})
		delivery := Delivery{
			Envelope: env,
			acked:    acked,
			ack: func() {
				close(acked)
				qs.mu.Lock()
				delete(qs.inflight, id)
				qs.mu.Unlock()
			},
			nack: func() {
				qs.mu.Lock()
				if _, ok := qs.inflight[id]; ok {
					delete(qs.inflight, id)
					qs.backlog = append(qs.backlog, env)
				}
				qs.mu.Unlock()
			},
		}

		select {
		case <-ctx.Done():
			return
		case out <- delivery:
		}
	}
}

// reapExpired requeues any in-flight delivery whose ack deadline has
// passed; the caller must hold qs.mu.
func (b *Broker) reapExpired(qs *queueState) {
	now := time.Now()
	for id, pd := range qs.inflight {
		if now.After(pd.deadline) {
			delete(qs.inflight, id)
			qs.backlog = append(qs.backlog, pd.envelope)
		}
	}
}

// Depth returns the number of messages sitting in q's backlog, for the
// GET /queue/status surface.
func (b *Broker) Depth(q Queue) int {
	qs := b.queue(q)
	qs.mu.Lock()
	defer qs.mu.Unlock()
	return len(qs.backlog)
}

// Available reports whether the broker currently accepts immediate
// publishes (vs. buffering into the outbox).
func (b *Broker) Available() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.available
}

// OutboxSize returns how many publishes are currently buffered awaiting
// reconnect.
func (b *Broker) OutboxSize() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.outbox)
}
