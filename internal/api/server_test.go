package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/warpfluidics/warpd/internal/broadcast"
	"github.com/warpfluidics/warpd/internal/cell"
	"github.com/warpfluidics/warpd/internal/hardware"
	"github.com/warpfluidics/warpd/internal/infrastructure/config"
	"github.com/warpfluidics/warpd/internal/infrastructure/logging"
	"github.com/warpfluidics/warpd/internal/sequence"
)

type testStack struct {
	server *Server
	ts     *httptest.Server
	ctrl   *cell.Controller
	sim    *hardware.SimCell
	lib    *sequence.Library
	bus    *broadcast.Broadcaster
}

func testHardwareConfig() config.HardwareConfig {
	return config.HardwareConfig{
		Backend: "sim",
		Relay:   config.RelayConfig{Channels: 8},
		Rotary:  config.RotaryConfig{Ports: 12},
		Syringe: config.SyringeConfig{MaxVolumeML: 2.5, MaxFlowMLMin: 15.0},
		Vertical: config.AxisConfig{
			MinMM: 0, MaxMM: 33,
			Presets: map[string]float64{"open": 0.0, "close": 33.0},
		},
		Horizontal: config.AxisConfig{
			MinMM: 0, MaxMM: 133, ClearanceMM: 10,
			Presets: map[string]float64{"filtering": 133.0, "filter_out": 26.0, "filter_in": 0.0},
		},
		Temperature: config.TemperatureConfig{
			MinCelsius: 5, MaxCelsius: 95, ReadyBandC: 0.5, ReadyTimeout: 300,
		},
	}
}

func newTestStack(t *testing.T) *testStack {
	t.Helper()

	sim := hardware.NewSimCell(hardware.SimConfig{RelayChannels: 8, RotaryPorts: 12})
	bus := broadcast.New(64)
	t.Cleanup(bus.Close)

	logger := logging.Default()
	ctrl, err := cell.New(context.Background(), testHardwareConfig(), sim.Cell(), bus, logger)
	if err != nil {
		t.Fatalf("cell.New() error = %v", err)
	}

	lib := sequence.NewLibrary()
	engine := sequence.NewEngine(config.SequenceConfig{MinStepDelay: 1}, ctrl, lib, nil, logger)

	srv, err := New(Deps{
		Config: config.APIConfig{
			Host:     "127.0.0.1",
			Timeouts: config.APITimeoutConfig{Read: 10, Write: 10, Idle: 30},
		},
		WS: config.WebSocketConfig{
			MaxMessageSize: 4096,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Logger:     logger,
		Controller: ctrl,
		Engine:     engine,
		Library:    lib,
		Bus:        bus,
		Version:    "test",
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	// Drive the router directly instead of a real listener.
	srv.hub = NewHub(srv.wsCfg, logger)
	hubCtx, hubCancel := context.WithCancel(context.Background())
	t.Cleanup(hubCancel)
	go srv.hub.Run(hubCtx)
	go srv.relayEvents(hubCtx)

	ts := httptest.NewServer(srv.buildRouter())
	t.Cleanup(ts.Close)

	return &testStack{server: srv, ts: ts, ctrl: ctrl, sim: sim, lib: lib, bus: bus}
}

func (st *testStack) post(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encoding body: %v", err)
		}
	}
	resp, err := http.Post(st.ts.URL+path, "application/json", &buf)
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (st *testStack) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(st.ts.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
}

func TestHandleHealth(t *testing.T) {
	st := newTestStack(t)

	resp := st.get(t, "/api/v1/health")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var body map[string]any
	decodeBody(t, resp, &body)
	if body["status"] != "ok" || body["version"] != "test" {
		t.Errorf("body = %v", body)
	}
}

func TestHandleStatus(t *testing.T) {
	st := newTestStack(t)

	resp := st.get(t, "/api/v1/status")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var snap cell.Snapshot
	decodeBody(t, resp, &snap)
	if snap.State != cell.StateIdle {
		t.Errorf("state = %s, want IDLE", snap.State)
	}
	if len(snap.Relays) != 8 || snap.RotaryPort != 1 {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestRelayEndpoints(t *testing.T) {
	st := newTestStack(t)

	resp := st.post(t, "/api/v1/relays/3/on", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("relay on: status = %d, want 200", resp.StatusCode)
	}
	var snap cell.Snapshot
	decodeBody(t, resp, &snap)
	if !snap.Relays[2] {
		t.Error("relay 3 not energised in response snapshot")
	}

	if resp := st.post(t, "/api/v1/relays/0/on", nil); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("relay 0: status = %d, want 400", resp.StatusCode)
	}
	if resp := st.post(t, "/api/v1/relays/3/banana", nil); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad state: status = %d, want 400", resp.StatusCode)
	}

	if resp := st.post(t, "/api/v1/relays/all/off", nil); resp.StatusCode != http.StatusOK {
		t.Errorf("all off: status = %d, want 200", resp.StatusCode)
	}
}

func TestRotaryEndpoint(t *testing.T) {
	st := newTestStack(t)

	if resp := st.post(t, "/api/v1/rotary/5", nil); resp.StatusCode != http.StatusOK {
		t.Errorf("rotary 5: status = %d, want 200", resp.StatusCode)
	}
	if resp := st.post(t, "/api/v1/rotary/13", nil); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("rotary 13: status = %d, want 400", resp.StatusCode)
	}
	if resp := st.post(t, "/api/v1/rotary/two", nil); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("rotary two: status = %d, want 400", resp.StatusCode)
	}
}

func TestSyringeEndpoints(t *testing.T) {
	st := newTestStack(t)

	resp := st.post(t, "/api/v1/syringe/move", map[string]any{
		"volume_ml": 1.5, "flow_ml_min": 2.0, "direction": "aspirate",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("move: status = %d, want 200", resp.StatusCode)
	}

	resp = st.post(t, "/api/v1/syringe/move", map[string]any{
		"volume_ml": 2.0, "flow_ml_min": 2.0, "direction": "aspirate",
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("over-capacity move: status = %d, want 400", resp.StatusCode)
	}

	resp = st.post(t, "/api/v1/syringe/move", map[string]any{
		"volume_ml": 1.0, "flow_ml_min": 2.0, "direction": "sideways",
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad direction: status = %d, want 400", resp.StatusCode)
	}

	if resp := st.post(t, "/api/v1/syringe/home", nil); resp.StatusCode != http.StatusOK {
		t.Errorf("home: status = %d, want 200", resp.StatusCode)
	}
}

func TestAxisEndpoints(t *testing.T) {
	st := newTestStack(t)

	resp := st.post(t, "/api/v1/axis/horizontal/move", map[string]any{"preset": "filtering"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("preset move: status = %d, want 200", resp.StatusCode)
	}
	var snap cell.Snapshot
	decodeBody(t, resp, &snap)
	if snap.Horizontal.PositionMM != 133 {
		t.Errorf("horizontal = %.1f, want 133", snap.Horizontal.PositionMM)
	}

	resp = st.post(t, "/api/v1/axis/vertical/move", map[string]any{"position_mm": 20.0})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("position move: status = %d, want 200", resp.StatusCode)
	}

	// Plate beyond the clearance limit locks the carriage.
	resp = st.post(t, "/api/v1/axis/horizontal/move", map[string]any{"position_mm": 10.0})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("locked carriage: status = %d, want 400", resp.StatusCode)
	}

	if resp := st.post(t, "/api/v1/axis/horizontal/move", map[string]any{}); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("empty body: status = %d, want 400", resp.StatusCode)
	}
	if resp := st.post(t, "/api/v1/axis/diagonal/home", nil); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("unknown axis: status = %d, want 400", resp.StatusCode)
	}
}

func TestTemperatureEndpoints(t *testing.T) {
	st := newTestStack(t)

	resp := st.post(t, "/api/v1/temperature/target", map[string]any{"target_c": 60.0})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("target: status = %d, want 200", resp.StatusCode)
	}
	var snap cell.Snapshot
	decodeBody(t, resp, &snap)
	if !snap.Temperature.PendingTarget {
		t.Error("target while disabled should be pending")
	}

	resp = st.post(t, "/api/v1/temperature/target", map[string]any{"target_c": 200.0})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("out-of-range target: status = %d, want 400", resp.StatusCode)
	}

	resp = st.post(t, "/api/v1/temperature/enable", map[string]any{"enabled": true})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("enable: status = %d, want 200", resp.StatusCode)
	}
	decodeBody(t, resp, &snap)
	if !snap.Temperature.Enabled || snap.Temperature.PendingTarget {
		t.Errorf("temperature after enable = %+v", snap.Temperature)
	}
}

func TestSequenceEndpoints(t *testing.T) {
	st := newTestStack(t)

	if err := st.lib.Register(sequence.Sequence{
		Name: "mini",
		Steps: []sequence.Step{
			{Name: "valve on", Relay: &sequence.RelayAction{Channel: 1, On: true}},
		},
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	resp := st.get(t, "/api/v1/sequences")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("sequences: status = %d, want 200", resp.StatusCode)
	}
	var listBody struct {
		Sequences []sequence.Sequence `json:"sequences"`
	}
	decodeBody(t, resp, &listBody)
	if len(listBody.Sequences) < 3 {
		t.Errorf("sequence count = %d, want builtins plus mini", len(listBody.Sequences))
	}

	if resp := st.post(t, "/api/v1/command/start/no_such", nil); resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown sequence: status = %d, want 404", resp.StatusCode)
	}

	resp = st.post(t, "/api/v1/command/start/mini", nil)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("start: status = %d, want 202", resp.StatusCode)
	}
	var startBody map[string]any
	decodeBody(t, resp, &startBody)
	if startBody["run_id"] == "" {
		t.Error("start response missing run_id")
	}

	// The one-step run finishes quickly; wait for IDLE.
	waitForState(t, st.ctrl, cell.StateIdle, 5*time.Second)

	if resp := st.post(t, "/api/v1/command/stop", nil); resp.StatusCode != http.StatusConflict {
		t.Errorf("stop without run: status = %d, want 409", resp.StatusCode)
	}
}

func TestManualCommandsConflictWhileRunning(t *testing.T) {
	st := newTestStack(t)

	if err := st.lib.Register(sequence.Sequence{
		Name: "soak",
		Steps: []sequence.Step{
			{Name: "soak", Wait: &sequence.WaitAction{Duration: 10 * time.Second}},
		},
	}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	if resp := st.post(t, "/api/v1/command/start/soak", nil); resp.StatusCode != http.StatusAccepted {
		t.Fatalf("start: status = %d, want 202", resp.StatusCode)
	}
	waitForState(t, st.ctrl, cell.StateRunning, 5*time.Second)

	if resp := st.post(t, "/api/v1/relays/1/on", nil); resp.StatusCode != http.StatusConflict {
		t.Errorf("manual relay during run: status = %d, want 409", resp.StatusCode)
	}
	if resp := st.post(t, "/api/v1/command/start/soak", nil); resp.StatusCode != http.StatusConflict {
		t.Errorf("second start: status = %d, want 409", resp.StatusCode)
	}

	if resp := st.post(t, "/api/v1/command/stop", nil); resp.StatusCode != http.StatusAccepted {
		t.Fatalf("stop: status = %d, want 202", resp.StatusCode)
	}
	waitForState(t, st.ctrl, cell.StateIdle, 5*time.Second)
}

func TestEmergencyStopAndRecover(t *testing.T) {
	st := newTestStack(t)

	if resp := st.post(t, "/api/v1/relays/2/on", nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("relay on: status = %d", resp.StatusCode)
	}

	resp := st.post(t, "/api/v1/command/emergency_stop", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("emergency stop: status = %d, want 200", resp.StatusCode)
	}

	// Manual commands are refused while stopped.
	if resp := st.post(t, "/api/v1/relays/2/on", nil); resp.StatusCode != http.StatusConflict {
		t.Errorf("relay while stopped: status = %d, want 409", resp.StatusCode)
	}

	// Recovery demands the confirmation flag.
	if resp := st.post(t, "/api/v1/command/recover", map[string]any{"confirm": false}); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("recover without confirm: status = %d, want 400", resp.StatusCode)
	}

	resp = st.post(t, "/api/v1/command/recover", map[string]any{"confirm": true})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("recover: status = %d, want 200", resp.StatusCode)
	}
	var snap cell.Snapshot
	decodeBody(t, resp, &snap)
	if snap.State != cell.StateIdle {
		t.Errorf("state after recover = %s, want IDLE", snap.State)
	}
}

func TestRunsEndpointWithoutRepository(t *testing.T) {
	st := newTestStack(t)

	resp := st.get(t, "/api/v1/runs")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("runs: status = %d, want 200", resp.StatusCode)
	}

	if resp := st.get(t, "/api/v1/runs?limit=nope"); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad limit: status = %d, want 400", resp.StatusCode)
	}
}

func TestSSEStream(t *testing.T) {
	st := newTestStack(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, st.ts.URL+"/api/v1/events/sse", nil)
	if err != nil {
		t.Fatalf("building request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET sse: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content type = %q, want text/event-stream", ct)
	}

	// The first frame is the initial status snapshot.
	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("reading first frame: %v", err)
	}
	if !strings.HasPrefix(line, "event: status") {
		t.Errorf("first line = %q, want event: status", line)
	}
	data, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("reading data line: %v", err)
	}
	if !strings.HasPrefix(data, "data: ") || !strings.Contains(data, `"state":"IDLE"`) {
		t.Errorf("data line = %q, want IDLE snapshot", data)
	}
}

func TestWebSocketStream(t *testing.T) {
	st := newTestStack(t)

	wsURL := "ws" + strings.TrimPrefix(st.ts.URL, "http") + "/api/v1/events/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dialling websocket: %v", err)
	}
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	// Wait for the hub to register the client before triggering events.
	deadline := time.Now().Add(5 * time.Second)
	for st.server.hub.ClientCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("websocket client never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// A relay mutation publishes a status event that the relay goroutine
	// forwards to the hub.
	if resp := st.post(t, "/api/v1/relays/4/on", nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("relay on: status = %d", resp.StatusCode)
	}

	//nolint:errcheck // Deadline on a test connection
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var msg WSMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("reading websocket message: %v", err)
	}
	if msg.Type != WSTypeEvent || msg.EventType != broadcast.EventStatus {
		t.Errorf("message = %+v, want status event", msg)
	}
}

// waitForState polls the controller until it reaches the wanted state.
func waitForState(t *testing.T, ctrl *cell.Controller, want cell.State, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for ctrl.State() != want {
		if time.Now().After(deadline) {
			t.Fatalf("controller state = %s, want %s", ctrl.State(), want)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
