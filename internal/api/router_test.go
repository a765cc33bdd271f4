package api

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"upsagent/internal/events"
	"upsagent/internal/gate"
	"upsagent/internal/lifecycle"
	"upsagent/internal/metrics"
	"upsagent/internal/telemetry"
)

var testThresholds = gate.Thresholds{UpdateRate: 30 * time.Second, Current: 0.1, Voltage: 0.1, Percent: 5}

func sampleSnapshot() telemetry.Snapshot {
	return telemetry.NewSnapshot(telemetry.RawReading{BusVoltage: 7.2, ShuntVoltage: 1, Current: 250, Power: 1.8},
		time.Date(2024, 3, 9, 14, 5, 0, 0, time.UTC))
}

type testEnv struct {
	status  *Status
	journal *events.Store
	hub     *LiveHub
	server  *httptest.Server
}

func newTestEnv(t *testing.T, gatherer prometheus.Gatherer) *testEnv {
	t.Helper()
	env := &testEnv{
		status:  NewStatus("ups/pi", testThresholds, func() lifecycle.State { return lifecycle.Connected }),
		journal: events.NewStore(10),
		hub:     NewLiveHub(nil),
	}
	srv := NewServer(env.status, env.journal, env.hub, gatherer)
	env.server = httptest.NewServer(srv.Router())
	t.Cleanup(func() {
		env.hub.Close()
		env.server.Close()
	})
	return env
}

func getJSON(t *testing.T, url string, v interface{}) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET %s: status %d", url, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode %s: %v", url, err)
	}
}

func TestStatusEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)

	var before StatusResponse
	getJSON(t, env.server.URL+"/api/status", &before)
	if before.Topic != "ups/pi" || before.Session != "connected" || before.Last != nil {
		t.Errorf("status before publish = %+v", before)
	}
	if before.Thresholds.UpdateRate != 30 || before.Thresholds.Percent != 5 {
		t.Errorf("thresholds = %+v", before.Thresholds)
	}

	snap := sampleSnapshot()
	env.status.OnPublish(snap, gate.ReasonFirst)

	var after StatusResponse
	getJSON(t, env.server.URL+"/api/status", &after)
	if after.Publishes != 1 || after.LastReason != gate.ReasonFirst {
		t.Errorf("status after publish = %+v", after)
	}
	if after.Last == nil || after.Last.BusVoltage != 7.2 || after.Last.Current != 0.25 {
		t.Errorf("last = %+v", after.Last)
	}
	if at, ok := env.status.LastPublishedAt(); !ok || !at.Equal(snap.Timestamp) {
		t.Errorf("LastPublishedAt() = %v, %v", at, ok)
	}
}

func TestEventsEndpoint(t *testing.T) {
	env := newTestEnv(t, nil)
	env.journal.Add(events.EventConnected, true, "")
	env.journal.Add(events.EventConnectionLost, false, "EOF")
	env.journal.Add(events.EventConnected, true, "")

	var body struct {
		Events []events.Event `json:"events"`
		LastID int64          `json:"lastId"`
	}
	getJSON(t, env.server.URL+"/api/events?limit=2", &body)
	if len(body.Events) != 2 || body.LastID != 3 || body.Events[0].ID != 3 {
		t.Errorf("limit=2 -> %+v", body)
	}

	getJSON(t, env.server.URL+"/api/events?since=3", &body)
	if len(body.Events) != 0 {
		t.Errorf("since=3 -> %+v", body.Events)
	}

	getJSON(t, env.server.URL+"/api/events?since=1", &body)
	if len(body.Events) != 2 || body.Events[1].Type != events.EventConnectionLost {
		t.Errorf("since=1 -> %+v", body.Events)
	}
}

func TestLiveStream(t *testing.T) {
	env := newTestEnv(t, nil)

	wsURL := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/api/live"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(time.Second)
	for env.hub.Clients() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	snap := sampleSnapshot()
	env.hub.OnPublish(snap, gate.ReasonFirst)

	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	want, _ := snap.Payload()
	if string(msg) != string(want) {
		t.Errorf("live message = %s; want %s", msg, want)
	}

	conn.Close()
	deadline = time.Now().Add(time.Second)
	for env.hub.Clients() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never unregistered")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	if err != nil {
		t.Fatal(err)
	}
	m.ObserveSample(sampleSnapshot(), gate.Decision{Publish: true, Reason: gate.ReasonFirst})

	env := newTestEnv(t, reg)
	resp, err := http.Get(env.server.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if !strings.Contains(string(body), `upsagent_publishes_total{reason="first"} 1`) {
		t.Errorf("metrics output missing publish counter:\n%s", body)
	}
}

func TestMetricsDisabled(t *testing.T) {
	env := newTestEnv(t, nil)
	resp, err := http.Get(env.server.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("GET /metrics without gatherer = %d; want 404", resp.StatusCode)
	}
}

func TestEventsEndpointRejectsBadQuery(t *testing.T) {
	env := newTestEnv(t, nil)
	env.journal.Add(events.EventConnected, true, "")

	for _, query := range []string{"limit=0", "limit=101", "limit=ten", "since=-1", "since=abc"} {
		resp, err := http.Get(env.server.URL + "/api/events?" + query)
		if err != nil {
			t.Fatal(err)
		}
		var body map[string]string
		json.NewDecoder(resp.Body).Decode(&body)
		resp.Body.Close()

		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("%s: status %d; want 400", query, resp.StatusCode)
		}
		if body["error"] == "" {
			t.Errorf("%s: no error message", query)
		}
	}
}

func TestEventsEndpointDefaultLimit(t *testing.T) {
	env := newTestEnv(t, nil)
	for i := 0; i < 5; i++ {
		env.journal.Add(events.EventConnected, true, "")
	}

	var body struct {
		Events []events.Event `json:"events"`
	}
	getJSON(t, env.server.URL+"/api/events", &body)
	if len(body.Events) != 5 || body.Events[0].ID != 5 {
		t.Errorf("default page = %+v", body.Events)
	}

	var raw map[string]json.RawMessage
	getJSON(t, env.server.URL+"/api/events?since=7", &raw)
	if string(raw["events"]) != "[]" {
		t.Errorf("events after last ID = %s; want []", raw["events"])
	}
}
