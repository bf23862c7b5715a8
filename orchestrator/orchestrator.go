package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/gtocluster/solver/bus"
	"github.com/gtocluster/solver/cards"
	"github.com/gtocluster/solver/cfr"
	"github.com/gtocluster/solver/gamestate"
	"github.com/gtocluster/solver/internal/gameid"
	"github.com/gtocluster/solver/internal/randutil"
	"github.com/gtocluster/solver/registry"
)

// DefaultMaxRetries is R_max: how many times a failed task is republished
// before the owning Simulation is failed with evidence preserved.
const DefaultMaxRetries = 3

// ErrSimulationNotFound is returned by any operation addressing an unknown
// simulation id.
var ErrSimulationNotFound = fmt.Errorf("orchestrator: simulation not found")

// Orchestrator owns every Simulation's lifecycle: task-wave decomposition,
// dispatch over the bus, registry-tracked worker attribution, idempotent
// result aggregation, checkpointing, and cancellation. It is grounded on
// the teacher's GameManager for the id-keyed-registry shape; the dispatch
// loop itself is new, since the teacher has no equivalent of a distributed
// task/result round trip.
type Orchestrator struct {
	logger    zerolog.Logger
	broker    *bus.Broker
	reg       *registry.Registry
	idGen     *gameid.Generator
	maxRetries int
	checkpointDir string

	mu   sync.RWMutex
	sims map[string]*Simulation
	cancels map[string]context.CancelFunc

	workerWG sync.WaitGroup
}

// New constructs an Orchestrator wired to a bus and a compute-node
// registry. checkpointDir is where periodic checkpoints are written;
// pass "" to disable checkpointing (e.g. in unit tests).
func New(logger zerolog.Logger, broker *bus.Broker, reg *registry.Registry, checkpointDir string, idRandSource gameid.RandSource) *Orchestrator {
	return &Orchestrator{
		logger:        logger.With().Str("component", "orchestrator").Logger(),
		broker:        broker,
		reg:           reg,
		idGen:         gameid.NewGenerator(idRandSource),
		maxRetries:    DefaultMaxRetries,
		checkpointDir: checkpointDir,
		sims:          make(map[string]*Simulation),
		cancels:       make(map[string]context.CancelFunc),
	}
}

// Create validates spec and registers a new Simulation in PhaseCreated,
// returning its id. It does not start the dispatch loop; call Start for that.
func (o *Orchestrator) Create(spec Spec, evaluator Evaluator) (string, error) {
	if err := spec.Game.Validate(); err != nil {
		return "", err
	}
	if err := spec.Solver.Validate(); err != nil {
		return "", err
	}
	if evaluator == nil {
		return "", fmt.Errorf("orchestrator: evaluator is required")
	}

	id := o.idGen.Generate()
	table := cfr.NewRegretTable()
	newRoot := dealRoot(spec.Game, evaluator)

	sim := newSimulation(id, spec, table, newRoot, evaluator)

	o.mu.Lock()
	o.sims[id] = sim
	o.mu.Unlock()
	return id, nil
}

// dealRoot builds a RootFactory that deals a fresh heads-up-or-multiway
// root state from a GameConfig: every player gets StackSize chips, the
// button is seat 0, and two hole cards each are dealt from a fresh shuffled
// deck driven by the RootFactory's injected rng.
func dealRoot(game cfr.GameConfig, evaluator Evaluator) cfr.RootFactory {
	return func(rng *rand.Rand) (*gamestate.State, *cards.Deck, error) {
		cfg := gamestate.Config{
			SmallBlind:          int(game.SmallBlind),
			BigBlind:            int(game.BigBlind),
			AllowedBetFractions: game.AllowedBetFractions,
		}
		stacks := make([]int, game.NumPlayers)
		for i := range stacks {
			stacks[i] = int(game.StackSize)
		}
		deck := cards.NewDeck(rng)
		state, err := gamestate.New(cfg, stacks, 0)
		if err != nil {
			return nil, nil, err
		}
		hands := make([]cards.Hand, game.NumPlayers)
		for p := 0; p < game.NumPlayers; p++ {
			c0, ok := deck.Deal()
			if !ok {
				return nil, nil, fmt.Errorf("orchestrator: deck exhausted dealing player %d", p)
			}
			c1, ok := deck.Deal()
			if !ok {
				return nil, nil, fmt.Errorf("orchestrator: deck exhausted dealing player %d", p)
			}
			hand, err := cards.NewHand(c0, c1)
			if err != nil {
				return nil, nil, err
			}
			hands[p] = hand
		}
		state.Hands = hands
		return state, deck, nil
	}
}

// Get returns the Simulation for id, or ErrSimulationNotFound.
func (o *Orchestrator) Get(id string) (*Simulation, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	sim, ok := o.sims[id]
	if !ok {
		return nil, ErrSimulationNotFound
	}
	return sim, nil
}

// List returns every tracked Simulation's status, ordered by id.
func (o *Orchestrator) List() []Status {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]Status, 0, len(o.sims))
	for _, sim := range o.sims {
		out = append(out, sim.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Start launches the dispatch loop, the local worker pool, and the result
// aggregator for simID, running until MaxIterations, target exploitability,
// or cancellation. It returns immediately; progress is observable via
// Simulation.Status/History.
func (o *Orchestrator) Start(ctx context.Context, simID string) error {
	sim, err := o.Get(simID)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	o.mu.Lock()
	o.cancels[simID] = cancel
	o.mu.Unlock()

	sim.setPhase(PhaseRunning)

	nodeID, err := o.reg.Register(registry.Spec{Kind: registry.Any, MaxConcurrent: 4})
	if err != nil {
		sim.fail(err.Error())
		return err
	}

	store := newTaskStore()

	go o.runWorkerPool(runCtx, simID, nodeID, store)
	go o.runAggregator(runCtx, sim, store)
	go o.runDispatchLoop(runCtx, sim, nodeID, store, cancel)

	return nil
}

// Cancel stops a running Simulation's dispatch loop and marks it
// PhaseCancelled; already-in-flight tasks are abandoned, not awaited.
func (o *Orchestrator) Cancel(simID string) error {
	sim, err := o.Get(simID)
	if err != nil {
		return err
	}
	o.mu.Lock()
	cancel, ok := o.cancels[simID]
	o.mu.Unlock()
	if ok {
		cancel()
	}
	sim.setPhase(PhaseCancelled)
	return nil
}

// Delete removes a Simulation and cancels it first if still running.
func (o *Orchestrator) Delete(simID string) error {
	if err := o.Cancel(simID); err != nil && err != ErrSimulationNotFound {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.sims[simID]; !ok {
		return ErrSimulationNotFound
	}
	delete(o.sims, simID)
	delete(o.cancels, simID)
	return nil
}

// taskStore holds the real, traversal-ready cfr.Task for each dispatched
// task id. The bus only ever carries lightweight TaskPayload/ResultPayload
// metadata: gamestate.State has an unexported invariant field
// (bbOptionTaken) that a generic JSON encoding cannot round-trip faithfully,
// so the authoritative Task value lives here and the envelope just
// addresses it by id, the way a real deployment's wire format would be a
// purpose-built binary encoding rather than reflection-based JSON.
//
// It also tracks each task's wave membership: a wave closes only once every
// one of its tasks has been removed (applied, or given up on after
// exhausting retries), which is what lets the dispatch loop block until the
// wave is actually done instead of advancing on a fixed timer.
type taskStore struct {
	mu      sync.Mutex
	tasks   map[string]cfr.Task
	variant map[string]cfr.Variant
	retries map[string]int
	wave    map[string]*sync.WaitGroup
}

func newTaskStore() *taskStore {
	return &taskStore{
		tasks:   make(map[string]cfr.Task),
		variant: make(map[string]cfr.Variant),
		retries: make(map[string]int),
		wave:    make(map[string]*sync.WaitGroup),
	}
}

// put registers a task as outstanding for wg's wave. wg must already have
// been incremented (via Add(1)) for this task before put is called.
func (s *taskStore) put(id string, t cfr.Task, variant cfr.Variant, wg *sync.WaitGroup) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[id] = t
	s.variant[id] = variant
	s.wave[id] = wg
}

func (s *taskStore) get(id string) (cfr.Task, cfr.Variant, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	return t, s.variant[id], ok
}

// remove drops a task's bookkeeping and, if it was still tracked, signals
// its wave WaitGroup that one more task of the wave is terminal. Safe to
// call more than once for the same id (the second call is a no-op) so
// duplicate redeliveries after the task has already been removed never
// double-signal the wave.
func (s *taskStore) remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wg, ok := s.wave[id]
	delete(s.tasks, id)
	delete(s.variant, id)
	delete(s.retries, id)
	delete(s.wave, id)
	if ok {
		wg.Done()
	}
}

func (s *taskStore) incRetry(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retries[id]++
	return s.retries[id]
}

// runDispatchLoop decomposes each iteration into a wave of Tasks (one per
// player for Vanilla/Plus, solver.BatchSize sampled-hand tasks for
// ChanceSampling), publishes them, blocks until every non-discardable task
// in the wave is terminal, advances iterations_completed, then checks
// exploitability/checkpoint cadence before moving to the next iteration.
func (o *Orchestrator) runDispatchLoop(ctx context.Context, sim *Simulation, nodeID string, store *taskStore, cancel context.CancelFunc) {
	defer cancel()
	solver := sim.Spec.Solver
	// seeds is the deterministic source every iteration's task RNG is
	// derived from: mixing the simulation's master seed through
	// randutil.New (rather than handing out one shared *rand.Rand) means a
	// resumed run can reproduce iteration N's exact seed without having
	// replayed iterations 0..N-1 first.
	seeds := randutil.New(sim.Spec.Seed)

	for iter := 0; iter < solver.MaxIterations; iter++ {
		select {
		case <-ctx.Done():
			return
		default:
		}

		iterSeed := int64(seeds.Uint64())
		rng := cfr.NewFastRand(iterSeed)

		root, deck, err := sim.newRoot(rng)
		if err != nil {
			sim.fail(err.Error())
			return
		}

		waveSize := root.NumPlayers()
		players := make([]int, waveSize)
		for p := range players {
			players[p] = p
		}
		if solver.Variant == cfr.ChanceSampling {
			count := solver.BatchSize
			if count < 1 {
				count = 1
			}
			players = players[:0]
			for i := 0; i < count; i++ {
				players = append(players, rng.Intn(waveSize))
			}
		}

		// wave tracks the non-discardable tasks dispatched this iteration:
		// the loop blocks below until every one of them is terminal
		// (applied, or given up on after exhausting retries), so
		// iterations_completed only ever advances past a wave that has
		// actually closed.
		var wave sync.WaitGroup
		for _, p := range players {
			taskID := o.idGen.Generate()
			// Each task gets its own RNG: the worker pool runs tasks from the
			// same wave concurrently, and *rand.Rand is not safe for
			// concurrent use, so sharing the dispatch loop's rng across tasks
			// would race inside the traversal's sampling calls.
			taskRNG := cfr.NewFastRand(iterSeed + int64(p) + 1)
			task := cfr.Task{
				RootState:    root,
				Iteration:    iter + 1,
				Variant:      solver.Variant,
				UpdatePlayer: p,
				Alpha:        solver.Alpha,
				Deck:         snapshotDeckFor(deck),
				RNG:          taskRNG,
				Bucket:       solver.Bucket,
				Evaluator:    sim.evaluator,
			}
			wave.Add(1)
			store.put(taskID, task, solver.Variant, &wave)

			queue := bus.PreflopTasks
			kind := "preflop"
			if solver.Variant == cfr.ChanceSampling {
				queue = bus.PostflopTasks
				kind = "postflop"
			}
			payload := bus.TaskPayload{
				TaskID:         taskID,
				SimulationID:   sim.ID,
				Iteration:      iter + 1,
				Kind:           kind,
				Variant:        solver.Variant.String(),
				PlayerToUpdate: p,
			}
			env, err := bus.NewEnvelope("task", payload, taskID, time.Now())
			if err != nil {
				o.logger.Error().Err(err).Msg("failed to encode task envelope")
				store.remove(taskID)
				continue
			}
			if err := o.broker.Publish(ctx, queue, env); err != nil {
				o.logger.Warn().Err(err).Str("task_id", taskID).Msg("publish failed, task will not run this wave")
				// Never dispatched, so it will never be acked or retried by
				// the aggregator: remove it now rather than leaving the
				// wave's WaitGroup blocked on a task that can't complete.
				store.remove(taskID)
			}
		}

		// Block until every task in the wave is terminal. The in-process
		// worker pool and aggregator close each task out (success, or
		// retries exhausted) asynchronously; a real deployment has no
		// equivalent wait since dispatch and execution run on separate
		// machines, but the barrier itself is required regardless of
		// deployment topology.
		waveDone := make(chan struct{})
		go func() {
			wave.Wait()
			close(waveDone)
		}()
		select {
		case <-ctx.Done():
			return
		case <-waveDone:
		}

		// The wave has closed: iterations_completed advances here,
		// unconditionally, decoupled from whether this iteration also
		// happens to land on the exploitability-recompute cadence below.
		sim.advanceIteration(iter + 1)

		// A task in this wave may have exhausted its retries and failed the
		// Simulation while the loop above was waiting on waveDone; don't
		// dispatch a further wave on top of a Simulation that is no longer
		// running.
		if phase := sim.Status().Phase; phase != PhaseRunning {
			return
		}

		if (iter+1)%solver.ExploitabilityEvery == 0 {
			exp, err := cfr.Exploitability(cfr.ExploitabilityConfig{
				SampleBudget: solver.ExploitabilitySamples,
				Bucket:       solver.Bucket,
				Evaluator:    sim.evaluator,
			}, sim.table, sim.newRoot, rng)
			if err == nil {
				sim.recordProgress(ProgressEvent{
					SimulationID:   sim.ID,
					Iterations:     iter + 1,
					Exploitability: exp,
					Phase:          PhaseRunning,
					Timestamp:      time.Now(),
				})
				if exp <= solver.TargetExploitability {
					sim.setPhase(PhaseCompleted)
					return
				}
			}
		}

		if o.checkpointDir != "" && (iter+1)%solver.CheckpointFrequency == 0 {
			path := fmt.Sprintf("%s/%s.ckpt", o.checkpointDir, sim.ID)
			// The dispatch loop's per-iteration seed is a pure function of
			// (master seed, iteration number) via seeds.Uint64() calls, so
			// resuming only needs the iteration count to reproduce the same
			// draw sequence going forward; unlike cfr.Trainer there is no
			// stateful RNG here worth persisting.
			if err := cfr.SaveCheckpoint(path, sim.table, iter+1, solver.Variant, nil); err != nil {
				o.logger.Warn().Err(err).Str("sim_id", sim.ID).Msg("checkpoint failed")
			}
		}
	}

	sim.setPhase(PhaseCompleted)
}

func snapshotDeckFor(d *cards.Deck) *cards.Deck {
	c := *d
	return &c
}

// runWorkerPool is the in-process stand-in for a fleet of remote compute
// nodes: it subscribes to both task queues under the registry's tracked
// node id, executes each task by looking up its real payload in store, and
// publishes a ResultPayload back onto task_results. Workers never call
// RegretTable.ApplyResult themselves — cfr.Run only reads the table via
// Get(...).Strategy(); the aggregator is the sole writer, so redelivered
// duplicates can be folded idempotently in one place.
func (o *Orchestrator) runWorkerPool(ctx context.Context, simID, nodeID string, store *taskStore) {
	o.workerWG.Add(1)
	defer o.workerWG.Done()

	preflop := o.broker.Subscribe(ctx, bus.PreflopTasks, 4)
	postflop := o.broker.Subscribe(ctx, bus.PostflopTasks, 4)

	sim, err := o.Get(simID)
	if err != nil {
		return
	}

	handle := func(d bus.Delivery) {
		var payload bus.TaskPayload
		if err := json.Unmarshal(d.Envelope.Payload, &payload); err != nil {
			d.Ack()
			return
		}
		if payload.SimulationID != simID {
			d.Nack()
			return
		}
		task, _, ok := store.get(payload.TaskID)
		if !ok {
			// Already processed (duplicate redelivery after the task was
			// removed): ack and drop rather than re-running stale work.
			d.Ack()
			return
		}

		if err := o.reg.Attribute(nodeID); err != nil {
			d.Nack()
			return
		}
		result, runErr := cfr.Run(task, sim.table)
		o.reg.Release(nodeID)

		status := "completed"
		var resultsJSON json.RawMessage
		errMsg := ""
		if runErr != nil {
			status = "failed"
			errMsg = runErr.Error()
		} else {
			encoded, err := json.Marshal(result)
			if err != nil {
				status = "failed"
				errMsg = err.Error()
			} else {
				resultsJSON = encoded
			}
		}

		resultPayload := bus.ResultPayload{
			TaskID:  payload.TaskID,
			NodeID:  nodeID,
			Status:  status,
			Results: resultsJSON,
			Error:   errMsg,
		}
		env, err := bus.NewEnvelope("result", resultPayload, payload.TaskID, time.Now())
		if err == nil {
			_ = o.broker.Publish(ctx, bus.TaskResults, env)
		}
		d.Ack()
	}

	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-preflop:
			if !ok {
				preflop = nil
				continue
			}
			handle(d)
		case d, ok := <-postflop:
			if !ok {
				postflop = nil
				continue
			}
			handle(d)
		}
	}
}

// retryTask republishes a failed task onto its original queue with an
// incremented retry_count, up to o.maxRetries times, so a task runs at most
// o.maxRetries+1 times (enforced by the caller before invoking this).
func (o *Orchestrator) retryTask(ctx context.Context, simID, taskID string, task cfr.Task, variant cfr.Variant, attempt int) {
	queue := bus.PreflopTasks
	kind := "preflop"
	if variant == cfr.ChanceSampling {
		queue = bus.PostflopTasks
		kind = "postflop"
	}
	payload := bus.TaskPayload{
		TaskID:         taskID,
		SimulationID:   simID,
		Iteration:      task.Iteration,
		Kind:           kind,
		Variant:        variant.String(),
		PlayerToUpdate: task.UpdatePlayer,
		RetryCount:     attempt,
	}
	env, err := bus.NewEnvelope("task", payload, taskID, time.Now())
	if err != nil {
		o.logger.Error().Err(err).Str("task_id", taskID).Msg("failed to encode retry envelope")
		return
	}
	if err := o.broker.Publish(ctx, queue, env); err != nil {
		o.logger.Warn().Err(err).Str("task_id", taskID).Int("attempt", attempt).Msg("retry publish failed")
	}
}

// runAggregator consumes task_results and folds each task's deltas into
// the Simulation's table exactly once, retrying failed tasks up to
// o.maxRetries before giving up (the task's evidence — its last error — is
// preserved in the Simulation's failure reason).
func (o *Orchestrator) runAggregator(ctx context.Context, sim *Simulation, store *taskStore) {
	deliveries := o.broker.Subscribe(ctx, bus.TaskResults, 8)
	seen := make(map[string]bool)

	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			var payload bus.ResultPayload
			if err := json.Unmarshal(d.Envelope.Payload, &payload); err != nil {
				d.Ack()
				continue
			}

			if seen[payload.TaskID] {
				// Redelivered duplicate: the first delivery already applied
				// this task's deltas, so just acknowledge and move on.
				d.Ack()
				continue
			}

			if payload.Status == "failed" {
				attempts := store.incRetry(payload.TaskID)
				if attempts > o.maxRetries {
					// Mark the Simulation failed before removing the task from
					// the store: removal signals the task's wave WaitGroup,
					// which may immediately wake a dispatch loop blocked on
					// wave completion, and that loop's failed-phase check must
					// already see PhaseFailed when it does.
					sim.fail(fmt.Sprintf("task %s failed after %d attempts: %s", payload.TaskID, attempts, payload.Error))
					store.remove(payload.TaskID)
					d.Ack()
					continue
				}
				if task, variant, ok := store.get(payload.TaskID); ok {
					o.retryTask(ctx, sim.ID, payload.TaskID, task, variant, attempts)
				}
				d.Ack()
				continue
			}

			_, variant, ok := store.get(payload.TaskID)
			if ok {
				var result cfr.Result
				if err := json.Unmarshal(payload.Results, &result); err == nil {
					sim.table.ApplyResult(result, variant)
				}
				store.remove(payload.TaskID)
			}
			seen[payload.TaskID] = true
			d.Ack()
		}
	}
}
