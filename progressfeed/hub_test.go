package progressfeed

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/gtocluster/solver/orchestrator"
	"github.com/gtocluster/solver/registry"
)

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg Message
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestSubscribeReceivesConfirmation(t *testing.T) {
	hub := New(zerolog.Nop())
	srv := httptest.NewServer(hub)
	defer srv.Close()

	conn := dial(t, srv, "")
	msg := readMessage(t, conn)
	require.Equal(t, TypeSubscriptionConfirm, msg.Type)
}

func TestPublishProgressReachesUnfilteredClient(t *testing.T) {
	hub := New(zerolog.Nop())
	srv := httptest.NewServer(hub)
	defer srv.Close()

	conn := dial(t, srv, "")
	_ = readMessage(t, conn) // subscription_confirmed

	hub.PublishProgress(orchestrator.ProgressEvent{
		SimulationID:   "sim-1",
		Iterations:     10,
		Exploitability: 0.5,
		Phase:          orchestrator.PhaseRunning,
	})

	msg := readMessage(t, conn)
	require.Equal(t, TypeSimulationUpdate, msg.Type)

	var data SimulationUpdateData
	require.NoError(t, json.Unmarshal(msg.Data, &data))
	require.Equal(t, "sim-1", data.SimulationID)
	require.Equal(t, 10, data.Iterations)
}

func TestPublishProgressHonorsSimulationFilter(t *testing.T) {
	hub := New(zerolog.Nop())
	srv := httptest.NewServer(hub)
	defer srv.Close()

	conn := dial(t, srv, "?simulationId=sim-a")
	_ = readMessage(t, conn)

	hub.PublishProgress(orchestrator.ProgressEvent{SimulationID: "sim-b", Phase: orchestrator.PhaseRunning})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(200*time.Millisecond)))
	var msg Message
	err := conn.ReadJSON(&msg)
	require.Error(t, err) // no message should arrive: filtered out

	hub.PublishProgress(orchestrator.ProgressEvent{SimulationID: "sim-a", Phase: orchestrator.PhaseRunning})
	got := readMessage(t, conn)
	require.Equal(t, TypeSimulationUpdate, got.Type)
}

func TestPublishComputeNodeUpdateIsUnfiltered(t *testing.T) {
	hub := New(zerolog.Nop())
	srv := httptest.NewServer(hub)
	defer srv.Close()

	conn := dial(t, srv, "?simulationId=sim-a")
	_ = readMessage(t, conn)

	hub.PublishComputeNodeUpdate(registry.Node{ID: "node-1", Kind: registry.Preflop})

	msg := readMessage(t, conn)
	require.Equal(t, TypeComputeNodeUpdate, msg.Type)
}

func TestClientCountReflectsConnections(t *testing.T) {
	hub := New(zerolog.Nop())
	srv := httptest.NewServer(hub)
	defer srv.Close()

	require.Equal(t, 0, hub.ClientCount())
	conn := dial(t, srv, "")
	_ = readMessage(t, conn)

	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 10*time.Millisecond)
}
