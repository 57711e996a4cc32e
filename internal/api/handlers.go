package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"fleetcorr/internal/geo"
	"fleetcorr/internal/model"
	"fleetcorr/internal/safety"
	"fleetcorr/internal/store"
)

// safetyLookbackYears bounds how far back event history is loaded when
// recomputing driver metrics. Totals and first-event ages saturate past this.
const safetyLookbackYears = 5

func decodeList[T any](w http.ResponseWriter, r *http.Request) ([]T, bool) {
	var items []T
	if err := json.NewDecoder(r.Body).Decode(&items); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
		return nil, false
	}
	return items, true
}

// ImportHandler routes /v1/import/{kind} bulk upserts. All imports are
// idempotent: re-posting the same batch changes nothing.
func (s *Server) ImportHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	kind := strings.TrimPrefix(r.URL.Path, "/v1/import/")
	ctx, tenant := s.withTenant(r)
	var n int
	var err error
	switch kind {
	case "drivers":
		items, ok := decodeList[model.Driver](w, r)
		if !ok {
			return
		}
		n, err = s.Store.UpsertDrivers(ctx, tenant, items)
	case "vehicles":
		items, ok := decodeList[model.Vehicle](w, r)
		if !ok {
			return
		}
		n, err = s.Store.UpsertVehicles(ctx, tenant, items)
	case "terminals":
		items, ok := decodeList[model.Terminal](w, r)
		if !ok {
			return
		}
		n, err = s.Store.UpsertTerminals(ctx, tenant, items)
	case "name-mappings":
		items, ok := decodeList[model.NameMapping](w, r)
		if !ok {
			return
		}
		n, err = s.Store.PutNameMappings(ctx, tenant, items)
	case "events":
		items, ok := decodeList[model.RawEvent](w, r)
		if !ok {
			return
		}
		n, err = s.Store.InsertRawEvents(ctx, tenant, items)
	case "trips":
		items, ok := decodeList[model.Trip](w, r)
		if !ok {
			return
		}
		n, err = s.Store.InsertTrips(ctx, tenant, items)
	case "deliveries":
		items, ok := decodeList[model.DeliveryRecord](w, r)
		if !ok {
			return
		}
		n, err = s.Store.InsertDeliveries(ctx, tenant, items)
	default:
		writeProblem(w, http.StatusNotFound, "Unknown import kind", kind, r.URL.Path)
		return
	}
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "Import failed", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"accepted": n})
}

func (s *Server) DriversHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	ctx, tenant := s.withTenant(r)
	items, err := s.Store.ListDrivers(ctx, tenant)
	if err != nil {
		writeProblem(w, 500, "List drivers failed", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, 200, map[string]any{"items": items})
}

func (s *Server) VehiclesHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	ctx, tenant := s.withTenant(r)
	items, err := s.Store.ListVehicles(ctx, tenant)
	if err != nil {
		writeProblem(w, 500, "List vehicles failed", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, 200, map[string]any{"items": items})
}

// TerminalsHandler serves the terminal list plus the geospatial queries at
// /v1/terminals/nearest, /within and /match.
func (s *Server) TerminalsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	ctx, tenant := s.withTenant(r)
	terminals, err := s.Store.ListTerminals(ctx, tenant)
	if err != nil {
		writeProblem(w, 500, "List terminals failed", err.Error(), r.URL.Path)
		return
	}
	sub := strings.TrimPrefix(r.URL.Path, "/v1/terminals")
	sub = strings.TrimPrefix(sub, "/")
	if sub == "" {
		writeJSON(w, 200, map[string]any{"items": terminals})
		return
	}
	ix := geo.NewIndex(terminals)
	q := r.URL.Query()
	switch sub {
	case "nearest":
		lat, lon, ok := parseLatLon(w, r)
		if !ok {
			return
		}
		hit, found := ix.FindNearest(lat, lon)
		if !found {
			writeProblem(w, 404, "No terminals", "terminal set is empty", r.URL.Path)
			return
		}
		writeJSON(w, 200, hit)
	case "within":
		lat, lon, ok := parseLatLon(w, r)
		if !ok {
			return
		}
		maxKm := s.Corr.MaxDistanceKm
		if v := q.Get("maxKm"); v != "" {
			if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
				maxKm = f
			}
		}
		writeJSON(w, 200, map[string]any{"items": ix.FindWithinDistance(lat, lon, maxKm)})
	case "match":
		text := q.Get("text")
		if text == "" {
			writeProblem(w, 400, "Missing parameter", "text is required", r.URL.Path)
			return
		}
		threshold := s.Corr.NameSimilarityThreshold
		if v := q.Get("threshold"); v != "" {
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				threshold = f
			}
		}
		writeJSON(w, 200, map[string]any{"items": ix.MatchByName(text, threshold)})
	default:
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
	}
}

func parseLatLon(w http.ResponseWriter, r *http.Request) (float64, float64, bool) {
	q := r.URL.Query()
	lat, err1 := strconv.ParseFloat(q.Get("lat"), 64)
	lon, err2 := strconv.ParseFloat(q.Get("lon"), 64)
	if err1 != nil || err2 != nil {
		writeProblem(w, 400, "Missing parameter", "lat and lon are required", r.URL.Path)
		return 0, 0, false
	}
	return lat, lon, true
}

// ResolveRunHandler executes a batch re-resolution pass over a time window.
func (s *Server) ResolveRunHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		From time.Time `json:"from"`
		To   time.Time `json:"to"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
		return
	}
	if req.From.IsZero() || req.To.IsZero() || req.To.Before(req.From) {
		writeProblem(w, http.StatusBadRequest, "Invalid window", "from and to are required, from <= to", r.URL.Path)
		return
	}
	ctx, tenant := s.withTenant(r)
	res, err := s.Resolver.Run(ctx, tenant, req.From, req.To)
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "Resolution run failed", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ResolveEventHandler re-resolves a single event on demand.
func (s *Server) ResolveEventHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		EventID string `json:"eventId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.EventID == "" {
		writeProblem(w, http.StatusBadRequest, "Invalid JSON", "eventId is required", r.URL.Path)
		return
	}
	ctx, tenant := s.withTenant(r)
	att, err := s.Resolver.ResolveOne(ctx, tenant, req.EventID)
	if errors.Is(err, store.ErrNotFound) {
		writeProblem(w, http.StatusNotFound, "Event not found", req.EventID, r.URL.Path)
		return
	}
	if err != nil {
		writeProblem(w, http.StatusInternalServerError, "Resolution failed", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, att)
}

func (s *Server) AttributionsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	from, to, ok := parseTimeWindow(w, r)
	if !ok {
		return
	}
	ctx, tenant := s.withTenant(r)
	items, err := s.Store.ListAttributions(ctx, tenant, from, to)
	if err != nil {
		writeProblem(w, 500, "List attributions failed", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, 200, map[string]any{"items": items})
}

func parseTimeWindow(w http.ResponseWriter, r *http.Request) (time.Time, time.Time, bool) {
	q := r.URL.Query()
	from, err1 := time.Parse(time.RFC3339, q.Get("from"))
	to, err2 := time.Parse(time.RFC3339, q.Get("to"))
	if err1 != nil || err2 != nil || to.Before(from) {
		writeProblem(w, 400, "Invalid window", "from and to must be RFC3339, from <= to", r.URL.Path)
		return time.Time{}, time.Time{}, false
	}
	return from, to, true
}

// CorrelateRunHandler runs batch correlation synchronously and returns the run
// stats. Progress is also published on the run's event stream.
func (s *Server) CorrelateRunHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req model.CorrelateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
		return
	}
	if req.StartDate == "" || req.EndDate == "" {
		writeProblem(w, http.StatusBadRequest, "Invalid request", "startDate and endDate are required", r.URL.Path)
		return
	}
	ctx, tenant := s.withTenant(r)
	stats, err := s.orchestrator().Run(ctx, tenant, req)
	if err != nil {
		status := http.StatusInternalServerError
		if stats.Status != "failed" {
			status = http.StatusBadRequest
		}
		writeProblem(w, status, "Correlation run failed", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) CorrelationsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()
	minConf := 0.0
	if v := q.Get("minConfidence"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			minConf = f
		}
	}
	limit := 0
	if v := q.Get("limit"); v != "" {
		_, _ = fmt.Sscanf(v, "%d", &limit)
	}
	ctx, tenant := s.withTenant(r)
	items, err := s.Store.ListCorrelations(ctx, tenant, q.Get("runId"), minConf, limit)
	if err != nil {
		writeProblem(w, 500, "List correlations failed", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, 200, map[string]any{"items": items})
}

func (s *Server) CorrelationRunsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		_, _ = fmt.Sscanf(v, "%d", &limit)
	}
	ctx, tenant := s.withTenant(r)
	items, err := s.Store.ListRunStats(ctx, tenant, limit)
	if err != nil {
		writeProblem(w, 500, "List runs failed", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, 200, map[string]any{"items": items})
}

// SafetyRecomputeHandler rebuilds driver safety metrics and rankings from
// resolved attributions. The rollup is derived state and fully replaced.
func (s *Server) SafetyRecomputeHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		AsOf time.Time `json:"asOf"`
	}
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	asOf := req.AsOf
	if asOf.IsZero() {
		asOf = time.Now().UTC()
	}
	ctx, tenant := s.withTenant(r)
	drivers, err := s.Store.ListDrivers(ctx, tenant)
	if err != nil {
		writeProblem(w, 500, "Recompute failed", err.Error(), r.URL.Path)
		return
	}
	from := asOf.AddDate(-safetyLookbackYears, 0, 0)
	events, err := s.Store.ListRawEvents(ctx, tenant, from, asOf)
	if err != nil {
		writeProblem(w, 500, "Recompute failed", err.Error(), r.URL.Path)
		return
	}
	atts, err := s.Store.ListAttributions(ctx, tenant, from, asOf)
	if err != nil {
		writeProblem(w, 500, "Recompute failed", err.Error(), r.URL.Path)
		return
	}
	metrics := safety.Compute(drivers, events, atts, asOf)
	rankings := safety.Rank(metrics)
	if err := s.Store.SaveDriverMetrics(ctx, tenant, metrics, rankings); err != nil {
		writeProblem(w, 500, "Recompute failed", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, 200, map[string]any{"drivers": len(metrics), "ranked": len(rankings), "asOf": asOf})
}

func (s *Server) SafetyMetricsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	ctx, tenant := s.withTenant(r)
	items, err := s.Store.ListDriverMetrics(ctx, tenant)
	if err != nil {
		writeProblem(w, 500, "List metrics failed", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, 200, map[string]any{"items": items})
}

func (s *Server) SafetyRankingsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	ctx, tenant := s.withTenant(r)
	items, err := s.Store.ListDriverRankings(ctx, tenant)
	if err != nil {
		writeProblem(w, 500, "List rankings failed", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, 200, map[string]any{"items": items})
}

func (s *Server) SubscriptionsHandler(w http.ResponseWriter, r *http.Request) {
	ctx, tenant := s.withTenant(r)
	switch r.Method {
	case http.MethodPost:
		var req model.SubscriptionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
			return
		}
		if req.URL == "" || len(req.Events) == 0 {
			writeProblem(w, http.StatusBadRequest, "Invalid request", "url and events are required", r.URL.Path)
			return
		}
		req.TenantID = tenant
		sub, err := s.Store.CreateSubscription(ctx, req)
		if err != nil {
			writeProblem(w, http.StatusInternalServerError, "Create subscription failed", err.Error(), r.URL.Path)
			return
		}
		writeJSON(w, http.StatusCreated, sub)
	case http.MethodGet:
		items, err := s.Store.ListSubscriptions(ctx, tenant, 100)
		if err != nil {
			writeProblem(w, 500, "List subscriptions failed", err.Error(), r.URL.Path)
			return
		}
		writeJSON(w, 200, map[string]any{"items": items})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) SubscriptionByIDHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/v1/subscriptions/")
	ctx, tenant := s.withTenant(r)
	if err := s.Store.DeleteSubscription(ctx, tenant, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeProblem(w, 404, "Subscription not found", id, r.URL.Path)
			return
		}
		writeProblem(w, 500, "Delete subscription failed", err.Error(), r.URL.Path)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RunStreamHandler serves SSE progress for a correlation run at
// /v1/runs/{id}/events/stream.
func (s *Server) RunStreamHandler(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/runs/")
	parts := strings.Split(rest, "/")
	if len(parts) != 3 || parts[1] != "events" || parts[2] != "stream" || parts[0] == "" {
		writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
		return
	}
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	runID := parts[0]
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeProblem(w, 500, "Streaming unsupported", "", r.URL.Path)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	ch := s.Broker.Subscribe(runID)
	defer s.Broker.Unsubscribe(runID, ch)
	fmt.Fprintf(w, "event: heartbeat\ndata: {\"runId\":%q,\"ts\":%q}\n\n", runID, time.Now().Format(time.RFC3339))
	flusher.Flush()
	done := r.Context().Done()
	for {
		select {
		case <-done:
			return
		case evt := <-ch:
			b, _ := json.Marshal(evt.Data)
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Type, b)
			flusher.Flush()
		case <-time.After(15 * time.Second):
			fmt.Fprintf(w, "event: heartbeat\ndata: {\"runId\":%q,\"ts\":%q}\n\n", runID, time.Now().Format(time.RFC3339))
			flusher.Flush()
		}
	}
}

func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, 200, map[string]string{"status": "ok"})
}

func (s *Server) ReadyHandler(w http.ResponseWriter, r *http.Request) {
	ctx, tenant := s.withTenant(r)
	if _, err := s.Store.ListTerminals(ctx, tenant); err != nil {
		writeProblem(w, http.StatusServiceUnavailable, "Store unavailable", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, 200, map[string]string{"status": "ready"})
}
