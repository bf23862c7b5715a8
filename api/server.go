// Package api exposes the orchestrator, registry, and bus over HTTP,
// following the teacher's http.ServeMux + routesOnce wiring
// (internal/server/server.go) rather than a router framework. The
// WebSocket channel is delegated to progressfeed.Hub.
package api

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/gtocluster/solver/abstraction"
	"github.com/gtocluster/solver/bus"
	"github.com/gtocluster/solver/cfr"
	"github.com/gtocluster/solver/gamestate"
	"github.com/gtocluster/solver/orchestrator"
	"github.com/gtocluster/solver/progressfeed"
	"github.com/gtocluster/solver/registry"
)

// Server wires the orchestrator, registry, and bus into the REST/WS
// surface spec'd in the operator-facing API.
type Server struct {
	logger zerolog.Logger
	orch   *orchestrator.Orchestrator
	reg    *registry.Registry
	broker *bus.Broker
	hub    *progressfeed.Hub

	mux        *http.ServeMux
	httpServer *http.Server
	routesOnce sync.Once

	tasksOnce     sync.Once
	tasksCancel   context.CancelFunc
	preflopTasks  <-chan bus.Delivery
	postflopTasks <-chan bus.Delivery
}

// New builds a Server. hub may be nil if progress events should not be
// fanned out over WebSocket (e.g. in tests exercising only the REST surface).
func New(logger zerolog.Logger, orch *orchestrator.Orchestrator, reg *registry.Registry, broker *bus.Broker, hub *progressfeed.Hub) *Server {
	return &Server{
		logger: logger.With().Str("component", "api").Logger(),
		orch:   orch,
		reg:    reg,
		broker: broker,
		hub:    hub,
		mux:    http.NewServeMux(),
	}
}

func (s *Server) ensureRoutes() {
	s.routesOnce.Do(func() {
		s.mux.HandleFunc("/simulations", s.handleSimulations)
		s.mux.HandleFunc("/simulations/", s.handleSimulationByID)
		s.mux.HandleFunc("/queue/status", s.handleQueueStatus)
		s.mux.HandleFunc("/compute-nodes", s.handleComputeNodes)
		s.mux.HandleFunc("/compute-nodes/register", s.handleComputeNodeRegister)
		s.mux.HandleFunc("/compute-nodes/", s.handleComputeNodeByID)
		s.mux.HandleFunc("/tasks/next", s.handleTasksNext)
		s.mux.HandleFunc("/tasks/results", s.handleTasksResults)
		s.mux.HandleFunc("/health", s.handleHealth)
		if s.hub != nil {
			s.mux.HandleFunc("/ws", s.hub.ServeHTTP)
		}
	})
}

// Start listens on addr and serves until the process exits or Shutdown is called.
func (s *Server) Start(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(listener)
}

// Serve runs the HTTP server on an existing listener.
func (s *Server) Serve(listener net.Listener) error {
	s.ensureRoutes()
	s.httpServer = &http.Server{Handler: s.mux}
	s.logger.Info().Str("addr", listener.Addr().String()).Msg("orchestrator API starting")
	return s.httpServer.Serve(listener)
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.tasksCancel != nil {
		s.tasksCancel()
	}
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// ensureTaskSubscriptions subscribes to both task queues exactly once, for
// the lifetime of the Server, rather than per /tasks/next request.
// Subscribing per request would register (and abandon) a fresh consumer on
// every poll: whichever queue didn't have the winning delivery in a given
// request's select would still have dequeued it, only to see that request's
// context expire before anyone read it off the channel, stranding the task
// until the broker's ack-timeout reaped it back onto the backlog. A single
// long-lived consumer per queue never gets abandoned, so a delivery that
// isn't read by one poll is simply picked up, un-redelivered, by the next.
func (s *Server) ensureTaskSubscriptions() {
	s.tasksOnce.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		s.tasksCancel = cancel
		s.preflopTasks = s.broker.Subscribe(ctx, bus.PreflopTasks, 1)
		s.postflopTasks = s.broker.Subscribe(ctx, bus.PostflopTasks, 1)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK\n"))
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// --- Simulations ---

type gameConfigPayload struct {
	NumPlayers          int       `json:"num_players"`
	StackSize           int       `json:"stack_size"`
	SmallBlind          float64   `json:"small_blind"`
	BigBlind            float64   `json:"big_blind"`
	AllowedBetFractions []float64 `json:"allowed_bet_fractions,omitempty"`
}

type solverConfigPayload struct {
	MaxIterations        int     `json:"max_iterations"`
	TargetExploitability float64 `json:"target_exploitability"`
	BatchSize            int     `json:"batch_size,omitempty"`
	UseChanceSampling    bool    `json:"use_chance_sampling"`
	UseDiscounting       bool    `json:"use_discounting"`
	Alpha                float64 `json:"alpha,omitempty"`
	Beta                 float64 `json:"beta,omitempty"`
	CheckpointFrequency  int     `json:"checkpoint_frequency,omitempty"`
}

type createSimulationRequest struct {
	SimulationType string               `json:"simulation_type"`
	Name           string               `json:"name,omitempty"`
	Description    string               `json:"description,omitempty"`
	GameConfig     gameConfigPayload    `json:"game_config"`
	SolverConfig   solverConfigPayload  `json:"solver_config"`
	Seed           int64                `json:"seed,omitempty"`
}

type createSimulationResponse struct {
	SimulationID string            `json:"simulation_id"`
	Status       orchestrator.Phase `json:"status"`
}

func toGameConfig(p gameConfigPayload) cfr.GameConfig {
	fractions := p.AllowedBetFractions
	if len(fractions) == 0 {
		fractions = []float64{0.5, 1.0, 2.0}
	}
	return cfr.GameConfig{
		NumPlayers:          p.NumPlayers,
		StackSize:           p.StackSize,
		SmallBlind:          p.SmallBlind,
		BigBlind:            p.BigBlind,
		AllowedBetFractions: fractions,
	}
}

func toSolverConfig(p solverConfigPayload) cfr.SolverConfig {
	sc := cfr.DefaultSolverConfig()
	sc.MaxIterations = p.MaxIterations
	sc.TargetExploitability = p.TargetExploitability
	if p.BatchSize > 0 {
		sc.BatchSize = p.BatchSize
	}
	if p.UseChanceSampling {
		sc.Variant = cfr.ChanceSampling
	} else if p.UseDiscounting {
		sc.Variant = cfr.Plus
	} else {
		sc.Variant = cfr.Vanilla
	}
	if p.Alpha > 0 {
		sc.Alpha = p.Alpha
	}
	if p.Beta > 0 {
		sc.Beta = p.Beta
	}
	if p.CheckpointFrequency > 0 {
		sc.CheckpointFrequency = p.CheckpointFrequency
	}
	sc.Bucket = abstraction.DefaultConfig()
	if sc.ExploitabilityEvery == 0 {
		sc.ExploitabilityEvery = 100
	}
	if sc.ExploitabilitySamples == 0 {
		sc.ExploitabilitySamples = 64
	}
	return sc
}

func (s *Server) handleSimulations(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.createSimulation(w, r)
	case http.MethodGet:
		s.listSimulations(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) createSimulation(w http.ResponseWriter, r *http.Request) {
	var req createSimulationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	seed := req.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	spec := orchestrator.Spec{
		Game:   toGameConfig(req.GameConfig),
		Solver: toSolverConfig(req.SolverConfig),
		Seed:   seed,
	}

	id, err := s.orch.Create(spec, gamestate.Eval7)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.orch.Start(context.Background(), id); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, createSimulationResponse{SimulationID: id, Status: orchestrator.PhaseRunning})
}

type statusResponse struct {
	Status                string   `json:"status"`
	ProgressPercentage    float64  `json:"progress_percentage"`
	IterationsCompleted   int      `json:"iterations_completed"`
	TotalIterations       int      `json:"total_iterations"`
	CurrentExploitability *float64 `json:"current_exploitability,omitempty"`
}

func (s *Server) listSimulations(w http.ResponseWriter, r *http.Request) {
	statusFilter := r.URL.Query().Get("status")
	limit, offset := parsePaging(r)

	all := s.orch.List()
	filtered := make([]orchestrator.Status, 0, len(all))
	for _, st := range all {
		if statusFilter != "" && string(st.Phase) != statusFilter {
			continue
		}
		filtered = append(filtered, st)
	}

	if offset > len(filtered) {
		offset = len(filtered)
	}
	end := offset + limit
	if limit <= 0 || end > len(filtered) {
		end = len(filtered)
	}

	writeJSON(w, http.StatusOK, filtered[offset:end])
}

func parsePaging(r *http.Request) (limit, offset int) {
	limit = 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			offset = n
		}
	}
	return limit, offset
}

// handleSimulationByID dispatches /simulations/{id}/status, /results, and
// bare DELETE /simulations/{id}.
func (s *Server) handleSimulationByID(w http.ResponseWriter, r *http.Request) {
	id, sub := splitTrailing(r.URL.Path, "/simulations/")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing simulation id")
		return
	}

	switch {
	case sub == "status" && r.Method == http.MethodGet:
		s.getSimulationStatus(w, id)
	case sub == "results" && r.Method == http.MethodGet:
		s.getSimulationResults(w, id)
	case sub == "" && r.Method == http.MethodDelete:
		s.cancelSimulation(w, id)
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

func (s *Server) getSimulationStatus(w http.ResponseWriter, id string) {
	sim, err := s.orch.Get(id)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	st := sim.Status()

	pct := 0.0
	if st.MaxIterations > 0 {
		pct = 100 * float64(st.Iteration) / float64(st.MaxIterations)
	}

	resp := statusResponse{
		Status:              string(st.Phase),
		ProgressPercentage:  pct,
		IterationsCompleted: st.Iteration,
		TotalIterations:     st.MaxIterations,
	}
	if st.Iteration > 0 {
		exp := st.Exploitability
		resp.CurrentExploitability = &exp
	}
	writeJSON(w, http.StatusOK, resp)
}

type resultsResponse struct {
	FinalExploitability    float64 `json:"final_exploitability"`
	IterationsCompleted    int     `json:"iterations_completed"`
	ConvergenceTimeSeconds float64 `json:"convergence_time_seconds"`
	FinalStrategy          interface{} `json:"final_strategy"`
}

func (s *Server) getSimulationResults(w http.ResponseWriter, id string) {
	sim, err := s.orch.Get(id)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	st := sim.Status()
	blueprint := sim.Results()

	writeJSON(w, http.StatusOK, resultsResponse{
		FinalExploitability:    st.Exploitability,
		IterationsCompleted:    st.Iteration,
		ConvergenceTimeSeconds: 0,
		FinalStrategy:          blueprint,
	})
}

func (s *Server) cancelSimulation(w http.ResponseWriter, id string) {
	if err := s.orch.Cancel(id); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Queue status ---

type queueStatusResponse struct {
	PreflopTasks   int  `json:"preflop_tasks"`
	PostflopTasks  int  `json:"postflop_tasks"`
	PendingResults int  `json:"pending_results"`
	Connected      bool `json:"connected"`
}

func (s *Server) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, queueStatusResponse{
		PreflopTasks:   s.broker.Depth(bus.PreflopTasks),
		PostflopTasks:  s.broker.Depth(bus.PostflopTasks),
		PendingResults: s.broker.Depth(bus.TaskResults),
		Connected:      s.broker.Available(),
	})
}

// --- Compute nodes ---

type computeNodeResponse struct {
	NodeID        string            `json:"node_id"`
	Kind          registry.Kind     `json:"kind"`
	Status        registry.Status   `json:"status"`
	MaxConcurrent int               `json:"max_concurrent"`
	CurrentTasks  int               `json:"current_tasks"`
	LastHeartbeat time.Time         `json:"last_heartbeat"`
	Labels        map[string]string `json:"labels,omitempty"`
}

func toComputeNodeResponse(n registry.Node) computeNodeResponse {
	return computeNodeResponse{
		NodeID:        n.ID,
		Kind:          n.Kind,
		Status:        n.Status(),
		MaxConcurrent: n.MaxConcurrent,
		CurrentTasks:  n.CurrentTasks(),
		LastHeartbeat: n.LastHeartbeat(),
		Labels:        n.Labels,
	}
}

func (s *Server) handleComputeNodes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	nodes := s.reg.List()
	resp := make([]computeNodeResponse, 0, len(nodes))
	for _, n := range nodes {
		resp = append(resp, toComputeNodeResponse(n))
	}
	writeJSON(w, http.StatusOK, resp)
}

type registerNodeRequest struct {
	Kind          registry.Kind     `json:"kind"`
	MaxConcurrent int               `json:"max_concurrent"`
	Labels        map[string]string `json:"labels,omitempty"`
}

type registerNodeResponse struct {
	NodeID string `json:"node_id"`
}

func (s *Server) handleComputeNodeRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req registerNodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	id, err := s.reg.Register(registry.Spec{Kind: req.Kind, MaxConcurrent: req.MaxConcurrent, Labels: req.Labels})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if s.hub != nil {
		if n, err := s.reg.Get(id); err == nil {
			s.hub.PublishComputeNodeUpdate(n)
		}
	}
	writeJSON(w, http.StatusCreated, registerNodeResponse{NodeID: id})
}

type heartbeatRequest struct {
	CPUPercent   float64 `json:"cpu_percent"`
	MemoryMB     float64 `json:"memory_mb"`
	CurrentTasks int     `json:"current_tasks"`
}

// handleComputeNodeByID dispatches POST /compute-nodes/{id}/heartbeat and
// DELETE /compute-nodes/{id}.
func (s *Server) handleComputeNodeByID(w http.ResponseWriter, r *http.Request) {
	id, sub := splitTrailing(r.URL.Path, "/compute-nodes/")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing node id")
		return
	}

	switch {
	case sub == "heartbeat" && r.Method == http.MethodPost:
		var req heartbeatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if err := s.reg.Heartbeat(id, registry.Telemetry{CPUPercent: req.CPUPercent, MemoryMB: req.MemoryMB, CurrentTasks: req.CurrentTasks}); err != nil {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		if s.hub != nil {
			if n, err := s.reg.Get(id); err == nil {
				s.hub.PublishComputeNodeUpdate(n)
			}
		}
		w.WriteHeader(http.StatusNoContent)
	case sub == "" && r.Method == http.MethodDelete:
		if err := s.reg.Deregister(id); err != nil {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

// --- Tasks (external worker polling surface) ---

func (s *Server) handleTasksNext(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	nodeID := r.URL.Query().Get("node_id")
	if nodeID == "" {
		writeError(w, http.StatusBadRequest, "node_id is required")
		return
	}
	if _, err := s.reg.Get(nodeID); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	s.ensureTaskSubscriptions()

	timer := time.NewTimer(5 * time.Second)
	defer timer.Stop()

	select {
	case d := <-s.preflopTasks:
		d.Ack()
		writeJSON(w, http.StatusOK, d.Envelope)
	case d := <-s.postflopTasks:
		d.Ack()
		writeJSON(w, http.StatusOK, d.Envelope)
	case <-timer.C:
		w.WriteHeader(http.StatusNoContent)
	case <-r.Context().Done():
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) handleTasksResults(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var payload bus.ResultPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	env, err := bus.NewEnvelope("task_result", payload, "", time.Now())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := s.broker.Publish(r.Context(), bus.TaskResults, env); err != nil {
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// splitTrailing splits an URL path of the form prefix+"{id}/{sub}" (sub
// optional) into its id and trailing-segment components.
func splitTrailing(path, prefix string) (id, sub string) {
	rest := path[len(prefix):]
	for i := 0; i < len(rest); i++ {
		if rest[i] == '/' {
			return rest[:i], rest[i+1:]
		}
	}
	return rest, ""
}
