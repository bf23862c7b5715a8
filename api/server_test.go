package api

import (
	"bytes"
	"encoding/json"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/gtocluster/solver/bus"
	"github.com/gtocluster/solver/orchestrator"
	"github.com/gtocluster/solver/registry"
)

type simpleRand struct{ r *rand.Rand }

func (s simpleRand) Intn(n int) int { return s.r.Intn(n) }

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	broker := bus.NewBroker(zerolog.Nop(), 2*time.Second, 64, 1)
	reg := registry.New(quartz.NewMock(t), 60*time.Second, simpleRand{rand.New(rand.NewSource(2))})
	orch := orchestrator.New(zerolog.Nop(), broker, reg, "", simpleRand{rand.New(rand.NewSource(3))})
	s := New(zerolog.Nop(), orch, reg, broker, nil)
	s.ensureRoutes()
	return s, httptest.NewServer(s.mux)
}

func createBody() []byte {
	body, _ := json.Marshal(map[string]interface{}{
		"simulation_type": "heads_up",
		"game_config": map[string]interface{}{
			"num_players": 2,
			"stack_size":  10000,
			"small_blind": 50,
			"big_blind":   100,
		},
		"solver_config": map[string]interface{}{
			"max_iterations":        6,
			"target_exploitability": 0,
		},
		"seed": 42,
	})
	return body
}

func TestCreateSimulationStartsRunning(t *testing.T) {
	_, srv := newTestServer(t)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/simulations", "application/json", bytes.NewReader(createBody()))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var created createSimulationResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	require.NotEmpty(t, created.SimulationID)
}

func TestGetSimulationStatusReturnsProgress(t *testing.T) {
	_, srv := newTestServer(t)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/simulations", "application/json", bytes.NewReader(createBody()))
	require.NoError(t, err)
	var created createSimulationResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	resp.Body.Close()

	statusResp, err := http.Get(srv.URL + "/simulations/" + created.SimulationID + "/status")
	require.NoError(t, err)
	defer statusResp.Body.Close()
	require.Equal(t, http.StatusOK, statusResp.StatusCode)

	var st statusResponse
	require.NoError(t, json.NewDecoder(statusResp.Body).Decode(&st))
	require.NotEmpty(t, st.Status)
}

func TestDeleteSimulationCancels(t *testing.T) {
	_, srv := newTestServer(t)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/simulations", "application/json", bytes.NewReader(createBody()))
	require.NoError(t, err)
	var created createSimulationResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	resp.Body.Close()

	req, err := http.NewRequest(http.MethodDelete, srv.URL+"/simulations/"+created.SimulationID, nil)
	require.NoError(t, err)
	delResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer delResp.Body.Close()
	require.Equal(t, http.StatusNoContent, delResp.StatusCode)
}

func TestQueueStatusReportsDepths(t *testing.T) {
	_, srv := newTestServer(t)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/queue/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var qs queueStatusResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&qs))
	require.True(t, qs.Connected)
	require.Equal(t, 0, qs.PreflopTasks)
	require.Equal(t, 0, qs.PostflopTasks)
	require.Equal(t, 0, qs.PendingResults)
}

func TestRegisterAndHeartbeatComputeNode(t *testing.T) {
	_, srv := newTestServer(t)
	defer srv.Close()

	body, _ := json.Marshal(registerNodeRequest{Kind: registry.Preflop, MaxConcurrent: 4})
	resp, err := http.Post(srv.URL+"/compute-nodes/register", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	var reg registerNodeResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&reg))
	resp.Body.Close()
	require.NotEmpty(t, reg.NodeID)

	hbBody, _ := json.Marshal(heartbeatRequest{CPUPercent: 10, MemoryMB: 100, CurrentTasks: 1})
	hbResp, err := http.Post(srv.URL+"/compute-nodes/"+reg.NodeID+"/heartbeat", "application/json", bytes.NewReader(hbBody))
	require.NoError(t, err)
	defer hbResp.Body.Close()
	require.Equal(t, http.StatusNoContent, hbResp.StatusCode)

	listResp, err := http.Get(srv.URL + "/compute-nodes")
	require.NoError(t, err)
	defer listResp.Body.Close()
	var nodes []computeNodeResponse
	require.NoError(t, json.NewDecoder(listResp.Body).Decode(&nodes))
	require.Len(t, nodes, 1)
}

func TestDeregisterComputeNode(t *testing.T) {
	_, srv := newTestServer(t)
	defer srv.Close()

	body, _ := json.Marshal(registerNodeRequest{Kind: registry.Postflop, MaxConcurrent: 2})
	resp, err := http.Post(srv.URL+"/compute-nodes/register", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	var reg registerNodeResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&reg))
	resp.Body.Close()

	req, err := http.NewRequest(http.MethodDelete, srv.URL+"/compute-nodes/"+reg.NodeID, nil)
	require.NoError(t, err)
	delResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer delResp.Body.Close()
	require.Equal(t, http.StatusNoContent, delResp.StatusCode)
}
