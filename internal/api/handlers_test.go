package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"fleetcorr/internal/correlate"
	"fleetcorr/internal/model"
	"fleetcorr/internal/resolve"
	"fleetcorr/internal/store"
	"fleetcorr/internal/webhooks"
)

func testServer() *Server {
	mem := store.NewMemory()
	return &Server{
		Store:    mem,
		Pub:      webhooks.NewPublisher(mem),
		Broker:   NewBroker(),
		Resolver: &resolve.Runner{Store: mem},
		Corr:     correlate.DefaultConfig(),
	}
}

func doJSON(t *testing.T, h http.HandlerFunc, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Tenant-Id", "t1")
	rec := httptest.NewRecorder()
	h(rec, req)
	return rec
}

func mustDecode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v body=%s", err, rec.Body.String())
	}
	return v
}

func TestImportAndListDrivers(t *testing.T) {
	s := testServer()
	rec := doJSON(t, s.ImportHandler, http.MethodPost, "/v1/import/drivers", []model.Driver{
		{ID: "d1", FullName: "John Smith"},
		{ID: "d2", FullName: "Jane Doe"},
	})
	if rec.Code != 200 {
		t.Fatalf("import status %d: %s", rec.Code, rec.Body.String())
	}
	resp := mustDecode[map[string]int](t, rec)
	if resp["accepted"] != 2 {
		t.Fatalf("accepted: %v", resp)
	}

	rec = doJSON(t, s.DriversHandler, http.MethodGet, "/v1/drivers", nil)
	list := mustDecode[struct {
		Items []model.Driver `json:"items"`
	}](t, rec)
	if len(list.Items) != 2 {
		t.Fatalf("list: %+v", list)
	}
}

func TestImportUnknownKindIs404(t *testing.T) {
	s := testServer()
	rec := doJSON(t, s.ImportHandler, http.MethodPost, "/v1/import/widgets", []any{})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status %d", rec.Code)
	}
}

func TestImportInvalidJSONIsProblem(t *testing.T) {
	s := testServer()
	req := httptest.NewRequest(http.MethodPost, "/v1/import/drivers", bytes.NewReader([]byte("{not json")))
	rec := httptest.NewRecorder()
	s.ImportHandler(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status %d", rec.Code)
	}
	p := mustDecode[Problem](t, rec)
	if p.Title != "Invalid JSON" || p.Status != 400 {
		t.Fatalf("problem: %+v", p)
	}
}

func TestResolveEndToEnd(t *testing.T) {
	s := testServer()
	base := time.Date(2024, 9, 3, 10, 0, 0, 0, time.UTC)
	doJSON(t, s.ImportHandler, http.MethodPost, "/v1/import/drivers", []model.Driver{{ID: "d1", FullName: "Jane Doe"}})
	doJSON(t, s.ImportHandler, http.MethodPost, "/v1/import/vehicles", []model.Vehicle{{ID: "v1", Registration: "ABC-123"}})
	doJSON(t, s.ImportHandler, http.MethodPost, "/v1/import/events", []model.RawEvent{
		{ID: "donor", Source: model.SourceDistraction, Registration: "ABC-123", DriverName: "Jane Doe", OccurredAt: base.Add(-15 * time.Minute)},
		{ID: "e1", Source: model.SourceSafetyCamera, Registration: "ABC 123", OccurredAt: base},
	})

	rec := doJSON(t, s.ResolveRunHandler, http.MethodPost, "/v1/resolve/run", map[string]string{
		"from": base.Add(-time.Hour).Format(time.RFC3339),
		"to":   base.Add(time.Hour).Format(time.RFC3339),
	})
	if rec.Code != 200 {
		t.Fatalf("resolve run: %d %s", rec.Code, rec.Body.String())
	}
	res := mustDecode[resolve.RunResult](t, rec)
	if res.EventsProcessed != 2 || res.Resolved != 2 {
		t.Fatalf("run result: %+v", res)
	}
	if res.ByMethod["vehicle_window_30min"] != 1 {
		t.Fatalf("expected a 30min-window attribution: %v", res.ByMethod)
	}

	rec = doJSON(t, s.ResolveEventHandler, http.MethodPost, "/v1/resolve/event", map[string]string{"eventId": "e1"})
	att := mustDecode[model.Attribution](t, rec)
	if att.DriverID != "d1" || att.Method != model.MethodWindow30Min {
		t.Fatalf("attribution: %+v", att)
	}

	rec = doJSON(t, s.ResolveEventHandler, http.MethodPost, "/v1/resolve/event", map[string]string{"eventId": "nope"})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing event should 404, got %d", rec.Code)
	}
}

func TestCorrelateRunAndList(t *testing.T) {
	s := testServer()
	end := time.Date(2024, 9, 3, 14, 0, 0, 0, time.UTC)
	lat, lon := -37.8632, 144.8320
	doJSON(t, s.ImportHandler, http.MethodPost, "/v1/import/terminals", []model.Terminal{
		{ID: "term1", Name: "Mobil Altona", Lat: lat, Lon: lon, ServiceRadiusKm: 15},
	})
	doJSON(t, s.ImportHandler, http.MethodPost, "/v1/import/trips", []model.Trip{
		{ID: "trip1", Registration: "ABC", StartAt: end.Add(-time.Hour), EndAt: end, EndLat: &lat, EndLon: &lon, LocationText: "Mobil Altona"},
	})
	doJSON(t, s.ImportHandler, http.MethodPost, "/v1/import/deliveries", []model.DeliveryRecord{
		{BillOfLading: "B1", DeliveryDate: "2024-09-03", Customer: "Acme Fuels", TerminalName: "Mobil Altona"},
	})

	rec := doJSON(t, s.CorrelateRunHandler, http.MethodPost, "/v1/correlate/run", model.CorrelateRequest{StartDate: "2024-09-01", EndDate: "2024-09-07"})
	if rec.Code != 200 {
		t.Fatalf("correlate run: %d %s", rec.Code, rec.Body.String())
	}
	stats := mustDecode[model.RunStats](t, rec)
	if stats.Status != "completed" || stats.CorrelationsCreated != 1 {
		t.Fatalf("stats: %+v", stats)
	}

	rec = doJSON(t, s.CorrelationsHandler, http.MethodGet, "/v1/correlations?runId="+stats.RunID, nil)
	list := mustDecode[struct {
		Items []model.Correlation `json:"items"`
	}](t, rec)
	if len(list.Items) != 1 || list.Items[0].Tier != "excellent" {
		t.Fatalf("correlations: %+v", list)
	}

	rec = doJSON(t, s.CorrelationRunsHandler, http.MethodGet, "/v1/correlate/runs", nil)
	runs := mustDecode[struct {
		Items []model.RunStats `json:"items"`
	}](t, rec)
	if len(runs.Items) != 1 {
		t.Fatalf("runs: %+v", runs)
	}
}

func TestCorrelateRunRejectsMissingDates(t *testing.T) {
	s := testServer()
	rec := doJSON(t, s.CorrelateRunHandler, http.MethodPost, "/v1/correlate/run", map[string]string{})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status %d", rec.Code)
	}
}

func TestSafetyRecomputeAndRead(t *testing.T) {
	s := testServer()
	now := time.Now().UTC()
	doJSON(t, s.ImportHandler, http.MethodPost, "/v1/import/drivers", []model.Driver{{ID: "d1", FullName: "Jane Doe"}})
	doJSON(t, s.ImportHandler, http.MethodPost, "/v1/import/vehicles", []model.Vehicle{{ID: "v1", Registration: "ABC"}})
	doJSON(t, s.ImportHandler, http.MethodPost, "/v1/import/events", []model.RawEvent{
		{ID: "e1", Registration: "ABC", DriverRef: "d1", OccurredAt: now.AddDate(0, 0, -3), EventType: "fatigue", Severity: "high"},
	})
	rec := doJSON(t, s.ResolveRunHandler, http.MethodPost, "/v1/resolve/run", map[string]string{
		"from": now.AddDate(0, 0, -10).Format(time.RFC3339),
		"to":   now.Format(time.RFC3339),
	})
	if rec.Code != 200 {
		t.Fatalf("resolve: %d", rec.Code)
	}

	rec = doJSON(t, s.SafetyRecomputeHandler, http.MethodPost, "/v1/safety/recompute", nil)
	if rec.Code != 200 {
		t.Fatalf("recompute: %d %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, s.SafetyMetricsHandler, http.MethodGet, "/v1/safety/metrics", nil)
	metrics := mustDecode[struct {
		Items []model.DriverSafetyMetric `json:"items"`
	}](t, rec)
	if len(metrics.Items) != 1 || metrics.Items[0].Events30d != 1 {
		t.Fatalf("metrics: %+v", metrics)
	}

	rec = doJSON(t, s.SafetyRankingsHandler, http.MethodGet, "/v1/safety/rankings", nil)
	ranks := mustDecode[struct {
		Items []model.DriverRanking `json:"items"`
	}](t, rec)
	if len(ranks.Items) != 1 || ranks.Items[0].Rank != 1 {
		t.Fatalf("rankings: %+v", ranks)
	}
}

func TestTerminalQueries(t *testing.T) {
	s := testServer()
	doJSON(t, s.ImportHandler, http.MethodPost, "/v1/import/terminals", []model.Terminal{
		{ID: "t1", Name: "Mobil Altona", Lat: -37.8632, Lon: 144.8320, ServiceRadiusKm: 15},
		{ID: "t2", Name: "Viva Geelong Refinery", Lat: -38.0850, Lon: 144.3860, ServiceRadiusKm: 20},
	})

	rec := doJSON(t, s.TerminalsHandler, http.MethodGet, "/v1/terminals/nearest?lat=-37.86&lon=144.83", nil)
	if rec.Code != 200 {
		t.Fatalf("nearest: %d %s", rec.Code, rec.Body.String())
	}
	hit := mustDecode[struct {
		Terminal model.Terminal `json:"terminal"`
	}](t, rec)
	if hit.Terminal.ID != "t1" {
		t.Fatalf("nearest: %+v", hit)
	}

	rec = doJSON(t, s.TerminalsHandler, http.MethodGet, "/v1/terminals/within?lat=-37.86&lon=144.83&maxKm=100", nil)
	within := mustDecode[struct {
		Items []json.RawMessage `json:"items"`
	}](t, rec)
	if len(within.Items) != 2 {
		t.Fatalf("within: %d items", len(within.Items))
	}

	rec = doJSON(t, s.TerminalsHandler, http.MethodGet, fmt.Sprintf("/v1/terminals/match?text=%s", "MOBIL+ALTONA"), nil)
	if rec.Code != 200 {
		t.Fatalf("match: %d", rec.Code)
	}

	rec = doJSON(t, s.TerminalsHandler, http.MethodGet, "/v1/terminals/nearest", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing lat/lon should 400, got %d", rec.Code)
	}
}

func TestSubscriptionsLifecycle(t *testing.T) {
	s := testServer()
	rec := doJSON(t, s.SubscriptionsHandler, http.MethodPost, "/v1/subscriptions", model.SubscriptionRequest{
		URL: "http://example/hook", Events: []string{"run.completed"}, Secret: "s",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", rec.Code, rec.Body.String())
	}
	sub := mustDecode[model.Subscription](t, rec)
	if sub.ID == "" || sub.TenantID != "t1" {
		t.Fatalf("subscription: %+v", sub)
	}

	req := httptest.NewRequest(http.MethodDelete, "/v1/subscriptions/"+sub.ID, nil)
	req.Header.Set("X-Tenant-Id", "t1")
	del := httptest.NewRecorder()
	s.SubscriptionByIDHandler(del, req)
	if del.Code != http.StatusNoContent {
		t.Fatalf("delete: %d", del.Code)
	}
	del2 := httptest.NewRecorder()
	s.SubscriptionByIDHandler(del2, req)
	if del2.Code != http.StatusNotFound {
		t.Fatalf("second delete should 404, got %d", del2.Code)
	}
}

func TestTenantIsolation(t *testing.T) {
	s := testServer()
	doJSON(t, s.ImportHandler, http.MethodPost, "/v1/import/drivers", []model.Driver{{ID: "d1", FullName: "Jane Doe"}})

	req := httptest.NewRequest(http.MethodGet, "/v1/drivers", nil)
	req.Header.Set("X-Tenant-Id", "other")
	rec := httptest.NewRecorder()
	s.DriversHandler(rec, req)
	list := mustDecode[struct {
		Items []model.Driver `json:"items"`
	}](t, rec)
	if len(list.Items) != 0 {
		t.Fatalf("tenant isolation broken: %+v", list)
	}
}

func TestHealthAndReady(t *testing.T) {
	s := testServer()
	rec := doJSON(t, s.HealthHandler, http.MethodGet, "/healthz", nil)
	if rec.Code != 200 {
		t.Fatalf("healthz: %d", rec.Code)
	}
	rec = doJSON(t, s.ReadyHandler, http.MethodGet, "/readyz", nil)
	if rec.Code != 200 {
		t.Fatalf("readyz: %d", rec.Code)
	}
}
