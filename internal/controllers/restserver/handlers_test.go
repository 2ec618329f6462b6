package restserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/soilsense/trustd/internal/broadcast"
	"github.com/soilsense/trustd/internal/ingest"
	"github.com/soilsense/trustd/internal/store"
	"github.com/soilsense/trustd/internal/tickets"
	"github.com/soilsense/trustd/internal/trust"
	"github.com/soilsense/trustd/internal/types"
	"github.com/soilsense/trustd/pkg/config"
	"go.uber.org/zap"
)

type testServer struct {
	*httptest.Server
	store  store.Store
	cancel context.CancelFunc
}

func newTestServer(t *testing.T, sc config.ServerData) *testServer {
	t.Helper()
	logger := zap.NewNop().Sugar()
	st := store.NewMemStore()
	bc := broadcast.New(logger)
	tm := tickets.NewManager(st, bc, logger)
	scorer := trust.NewScorer(trust.DefaultConfig())
	ing := ingest.New(st, scorer, tm, bc, logger)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	ctrl, err := NewController(ctx, &wg, sc, st, ing, tm, bc, logger)
	if err != nil {
		t.Fatalf("NewController: %v", err)
	}

	srv := httptest.NewServer(ctrl.Server.Handler)
	t.Cleanup(func() {
		srv.Close()
		cancel()
	})
	return &testServer{Server: srv, store: st, cancel: cancel}
}

func (ts *testServer) do(t *testing.T, method, path string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encoding body: %v", err)
		}
	}
	req, err := http.NewRequest(method, ts.URL+path, &buf)
	if err != nil {
		t.Fatalf("building request: %v", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	var out bytes.Buffer
	out.ReadFrom(resp.Body)
	return resp, out.Bytes()
}

func registerBody(externalID, zone string) map[string]any {
	return map[string]any{"externalId": externalID, "zone": zone, "type": "capacitive-probe"}
}

func readingBody(externalID string, moisture float64) map[string]any {
	return map[string]any{
		"externalId": externalID,
		"payload": map[string]any{
			"moisture":    moisture,
			"temperature": 20.0,
			"ec":          1.2,
			"ph":          6.5,
			"airTemp":     18.0,
		},
	}
}

func TestSensorRegistrationEndpoint(t *testing.T) {
	ts := newTestServer(t, config.ServerData{})

	resp, body := ts.do(t, http.MethodPost, "/api/sensors", registerBody("field-a-01", "field-a"), nil)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201 (%s)", resp.StatusCode, body)
	}
	var sensor types.Sensor
	if err := json.Unmarshal(body, &sensor); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if sensor.ExternalID != "field-a-01" || sensor.ID == 0 {
		t.Errorf("sensor = %+v", sensor)
	}

	resp, _ = ts.do(t, http.MethodPost, "/api/sensors", registerBody("field-a-01", "field-a"), nil)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("duplicate registration status = %d, want 409", resp.StatusCode)
	}

	resp, _ = ts.do(t, http.MethodPost, "/api/sensors", map[string]any{"zone": "field-a"}, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing externalId status = %d, want 400", resp.StatusCode)
	}
}

func TestReadingIngestEndpoint(t *testing.T) {
	ts := newTestServer(t, config.ServerData{})
	ts.do(t, http.MethodPost, "/api/sensors", registerBody("field-a-01", "field-a"), nil)

	resp, body := ts.do(t, http.MethodPost, "/api/readings", readingBody("field-a-01", 40), nil)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202 (%s)", resp.StatusCode, body)
	}
	var result ingest.Result
	if err := json.Unmarshal(body, &result); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if result.Reading.ID == 0 {
		t.Error("reading was not persisted")
	}
	if result.Trust != nil {
		t.Error("first reading must not carry a verdict")
	}

	resp, _ = ts.do(t, http.MethodPost, "/api/readings", readingBody("ghost", 40), nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown sensor status = %d, want 404", resp.StatusCode)
	}

	resp, _ = ts.do(t, http.MethodPost, "/api/readings",
		map[string]any{"externalId": "field-a-01", "payload": map[string]any{}}, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("empty payload status = %d, want 400", resp.StatusCode)
	}
}

func TestBatchEndpoint(t *testing.T) {
	ts := newTestServer(t, config.ServerData{})
	ts.do(t, http.MethodPost, "/api/sensors", registerBody("field-a-01", "field-a"), nil)

	batch := map[string]any{"items": []map[string]any{
		{"externalId": "field-a-01", "payload": map[string]any{"moisture": 40.0}},
		{"externalId": "ghost", "payload": map[string]any{"moisture": 40.0}},
	}}
	resp, body := ts.do(t, http.MethodPost, "/api/readings/batch", batch, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200 (%s)", resp.StatusCode, body)
	}

	var outcomes []batchItemResponse
	if err := json.Unmarshal(body, &outcomes); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if len(outcomes) != 2 {
		t.Fatalf("len(outcomes) = %d, want 2", len(outcomes))
	}
	if outcomes[0].Error != "" || outcomes[0].Result == nil {
		t.Errorf("outcome 0 = %+v, want success", outcomes[0])
	}
	if outcomes[1].Error == "" {
		t.Error("outcome 1 should carry the unknown-sensor error")
	}
}

func TestSensorDetailAndTrustHistory(t *testing.T) {
	ts := newTestServer(t, config.ServerData{})
	ts.do(t, http.MethodPost, "/api/sensors", registerBody("field-a-01", "field-a"), nil)
	for i := 0; i < 7; i++ {
		ts.do(t, http.MethodPost, "/api/readings", readingBody("field-a-01", 40+0.5*float64(i%2)), nil)
	}

	resp, body := ts.do(t, http.MethodGet, "/api/sensors/field-a-01", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var detail sensorDetail
	if err := json.Unmarshal(body, &detail); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if detail.LatestReading == nil || detail.LatestTrust == nil {
		t.Errorf("detail = %+v, want latest reading and verdict", detail)
	}

	resp, body = ts.do(t, http.MethodGet, "/api/sensors/field-a-01/trust?limit=2", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("trust history status = %d, want 200", resp.StatusCode)
	}
	var history []types.TrustResult
	if err := json.Unmarshal(body, &history); err != nil {
		t.Fatalf("decoding history: %v", err)
	}
	if len(history) != 2 {
		t.Errorf("len(history) = %d, want 2", len(history))
	}

	resp, _ = ts.do(t, http.MethodGet, "/api/sensors/field-a-01/trust?limit=zero", nil, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad limit status = %d, want 400", resp.StatusCode)
	}

	resp, _ = ts.do(t, http.MethodGet, "/api/sensors/ghost", nil, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown sensor status = %d, want 404", resp.StatusCode)
	}
}

func TestDashboardAndZonesEndpoints(t *testing.T) {
	ts := newTestServer(t, config.ServerData{})
	ts.do(t, http.MethodPost, "/api/sensors", registerBody("field-a-01", "field-a"), nil)
	ts.do(t, http.MethodPost, "/api/sensors", registerBody("field-b-01", "field-b"), nil)

	resp, body := ts.do(t, http.MethodGet, "/api/dashboard", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("dashboard status = %d, want 200", resp.StatusCode)
	}
	var dash dashboardResponse
	if err := json.Unmarshal(body, &dash); err != nil {
		t.Fatalf("decoding dashboard: %v", err)
	}
	if dash.Sensors != 2 {
		t.Errorf("sensors = %d, want 2", dash.Sensors)
	}

	resp, body = ts.do(t, http.MethodGet, "/api/zones", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("zones status = %d, want 200", resp.StatusCode)
	}
	var zones []types.ZoneStatistics
	if err := json.Unmarshal(body, &zones); err != nil {
		t.Fatalf("decoding zones: %v", err)
	}
	if len(zones) != 2 {
		t.Errorf("len(zones) = %d, want 2", len(zones))
	}
}

func TestTicketEndpoints(t *testing.T) {
	ts := newTestServer(t, config.ServerData{})
	ts.do(t, http.MethodPost, "/api/sensors", registerBody("field-a-01", "field-a"), nil)

	sensor, err := ts.store.SensorByExternalID(context.Background(), "field-a-01")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	ticket, err := ts.store.SaveTicket(context.Background(), types.Ticket{
		SensorID: sensor.ID, Issue: "static probe", Severity: types.SeverityHigh, Status: types.TicketOpen,
	})
	if err != nil {
		t.Fatalf("SaveTicket: %v", err)
	}

	resp, body := ts.do(t, http.MethodGet, "/api/tickets?status=open", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list status = %d, want 200", resp.StatusCode)
	}
	var list []types.Ticket
	if err := json.Unmarshal(body, &list); err != nil {
		t.Fatalf("decoding list: %v", err)
	}
	if len(list) != 1 || list[0].ID != ticket.ID {
		t.Errorf("list = %+v, want the open ticket", list)
	}

	resp, _ = ts.do(t, http.MethodGet, "/api/tickets?status=bogus", nil, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bogus status filter = %d, want 400", resp.StatusCode)
	}

	resp, body = ts.do(t, http.MethodPut, "/api/tickets/"+ticket.ID,
		map[string]any{"status": "in_progress"}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("update status = %d, want 200 (%s)", resp.StatusCode, body)
	}

	// in_progress -> open is not a legal transition
	resp, _ = ts.do(t, http.MethodPut, "/api/tickets/"+ticket.ID,
		map[string]any{"status": "open"}, nil)
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("illegal transition status = %d, want 409", resp.StatusCode)
	}

	resp, _ = ts.do(t, http.MethodPut, "/api/tickets/no-such-id",
		map[string]any{"status": "resolved"}, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown ticket status = %d, want 404", resp.StatusCode)
	}
}

func TestAPIKeyMiddleware(t *testing.T) {
	ts := newTestServer(t, config.ServerData{APIKey: "sekrit"})

	resp, _ := ts.do(t, http.MethodPost, "/api/sensors", registerBody("field-a-01", "field-a"), nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("missing key status = %d, want 401", resp.StatusCode)
	}

	resp, _ = ts.do(t, http.MethodPost, "/api/sensors", registerBody("field-a-01", "field-a"),
		map[string]string{"X-API-Key": "sekrit"})
	if resp.StatusCode != http.StatusCreated {
		t.Errorf("with key status = %d, want 201", resp.StatusCode)
	}

	// Reads stay open.
	resp, _ = ts.do(t, http.MethodGet, "/api/sensors", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("read without key status = %d, want 200", resp.StatusCode)
	}
}

func TestMsgpackNegotiation(t *testing.T) {
	ts := newTestServer(t, config.ServerData{})
	ts.do(t, http.MethodPost, "/api/sensors", registerBody("field-a-01", "field-a"), nil)

	resp, _ := ts.do(t, http.MethodGet, "/api/sensors?format=msgpack", nil, nil)
	if ct := resp.Header.Get("Content-Type"); ct != "application/x-msgpack" {
		t.Errorf("content type = %q, want application/x-msgpack", ct)
	}

	resp, _ = ts.do(t, http.MethodGet, "/api/sensors", nil, nil)
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("content type = %q, want application/json", ct)
	}
}

func TestWebSocketFeedDeliversEvents(t *testing.T) {
	ts := newTestServer(t, config.ServerData{})
	ts.do(t, http.MethodPost, "/api/sensors", registerBody("field-a-01", "field-a"), nil)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dialing websocket: %v", err)
	}
	defer conn.Close()

	ts.do(t, http.MethodPost, "/api/readings", readingBody("field-a-01", 40), nil)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev types.Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("reading event: %v", err)
	}
	if ev.Type != types.EventReadingNew {
		t.Errorf("event type = %v, want reading.new", ev.Type)
	}
}

func TestSensorWebSocketFiltersByExternalID(t *testing.T) {
	ts := newTestServer(t, config.ServerData{})
	ts.do(t, http.MethodPost, "/api/sensors", registerBody("field-a-01", "field-a"), nil)
	ts.do(t, http.MethodPost, "/api/sensors", registerBody("field-b-01", "field-b"), nil)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/sensors/field-b-01"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dialing websocket: %v", err)
	}
	defer conn.Close()

	ts.do(t, http.MethodPost, "/api/readings", readingBody("field-a-01", 40), nil)
	ts.do(t, http.MethodPost, "/api/readings", readingBody("field-b-01", 55), nil)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev types.Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("reading event: %v", err)
	}
	sensor, _ := ts.store.SensorByExternalID(context.Background(), "field-b-01")
	if ev.SensorID != sensor.ID {
		t.Errorf("event for sensor %d, want only sensor %d", ev.SensorID, sensor.ID)
	}

	// Dialing a feed for an unknown sensor fails the upgrade.
	badURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/sensors/ghost"
	if _, resp, err := websocket.DefaultDialer.Dial(badURL, nil); err == nil {
		t.Error("expected dial to an unknown sensor feed to fail")
	} else if resp != nil && resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestZoneUpdateAndDeleteEndpoints(t *testing.T) {
	ts := newTestServer(t, config.ServerData{})
	ts.do(t, http.MethodPost, "/api/sensors", registerBody("field-a-01", "field-a"), nil)

	resp, body := ts.do(t, http.MethodPut, "/api/sensors/field-a-01/zone",
		map[string]any{"zone": "field-c"}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("zone update status = %d (%s), want 200", resp.StatusCode, body)
	}
	var sensor types.Sensor
	if err := json.Unmarshal(body, &sensor); err != nil {
		t.Fatalf("decoding sensor: %v", err)
	}
	if sensor.Zone != "field-c" {
		t.Errorf("zone = %q, want field-c", sensor.Zone)
	}

	resp, _ = ts.do(t, http.MethodDelete, "/api/sensors/field-a-01", nil, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("delete status = %d, want 204", resp.StatusCode)
	}
	resp, _ = ts.do(t, http.MethodGet, "/api/sensors/field-a-01", nil, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("deleted sensor status = %d, want 404", resp.StatusCode)
	}
}

func TestListSensorsIncludesLatestTrust(t *testing.T) {
	ts := newTestServer(t, config.ServerData{})
	for i := 1; i <= 3; i++ {
		ts.do(t, http.MethodPost, "/api/sensors", registerBody(fmt.Sprintf("field-a-%02d", i), "field-a"), nil)
	}

	resp, body := ts.do(t, http.MethodGet, "/api/sensors", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var rows []sensorSummary
	if err := json.Unmarshal(body, &rows); err != nil {
		t.Fatalf("decoding rows: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("len(rows) = %d, want 3", len(rows))
	}
	for _, row := range rows {
		if row.Trust == nil {
			t.Errorf("sensor %s missing its seeded trust result", row.Sensor.ExternalID)
		}
	}
}
