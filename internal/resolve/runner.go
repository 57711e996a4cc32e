package resolve

import (
	"context"
	"log"
	"time"

	"fleetcorr/internal/metrics"
	"fleetcorr/internal/model"
	"fleetcorr/internal/store"
)

// Runner executes store-backed resolution passes. Resolution is idempotent:
// re-running a window replaces each event's attribution by event id.
type Runner struct {
	Store store.Store
}

// RunResult summarizes a batch resolution pass.
type RunResult struct {
	EventsProcessed int            `json:"eventsProcessed"`
	Resolved        int            `json:"resolved"`
	Unresolved      int            `json:"unresolved"`
	ByMethod        map[string]int `json:"byMethod"`
	DurationMs      int64          `json:"durationMs"`
}

func (r *Runner) refData(ctx context.Context, tenantID string, from, to time.Time) (*RefData, []model.RawEvent, error) {
	drivers, err := r.Store.ListDrivers(ctx, tenantID)
	if err != nil { return nil, nil, err }
	vehicles, err := r.Store.ListVehicles(ctx, tenantID)
	if err != nil { return nil, nil, err }
	mappings, err := r.Store.ListNameMappings(ctx, tenantID)
	if err != nil { return nil, nil, err }
	// Widen the donor window by a day each side so edge events still find
	// same-day neighbors.
	events, err := r.Store.ListRawEvents(ctx, tenantID, from.AddDate(0, 0, -1), to.AddDate(0, 0, 1))
	if err != nil { return nil, nil, err }
	trips, err := r.Store.ListTrips(ctx, tenantID, from.AddDate(0, 0, -1), to.AddDate(0, 0, 1), "", 0)
	if err != nil { return nil, nil, err }

	inWindow := make([]model.RawEvent, 0, len(events))
	for _, e := range events {
		if !e.OccurredAt.Before(from) && !e.OccurredAt.After(to) {
			inWindow = append(inWindow, e)
		}
	}
	return NewRefData(drivers, vehicles, mappings, events, trips), inWindow, nil
}

// Run re-resolves every raw event in [from, to]. Malformed events (no
// registration or zero timestamp) are skipped with a log line rather than
// failing the pass.
func (r *Runner) Run(ctx context.Context, tenantID string, from, to time.Time) (RunResult, error) {
	started := time.Now()
	res := RunResult{ByMethod: map[string]int{}}
	rd, events, err := r.refData(ctx, tenantID, from, to)
	if err != nil { return res, err }
	now := time.Now().UTC()
	for _, ev := range events {
		if ev.Registration == "" || ev.OccurredAt.IsZero() {
			log.Printf("resolve: skipping malformed event id=%s", ev.ID)
			continue
		}
		att := Resolve(ev, rd, now)
		if err := r.Store.UpsertAttribution(ctx, tenantID, att); err != nil { return res, err }
		res.EventsProcessed++
		res.ByMethod[string(att.Method)]++
		metrics.ResolutionsTotal.WithLabelValues(string(att.Method)).Inc()
		if att.Unresolved() {
			res.Unresolved++
		} else {
			res.Resolved++
		}
	}
	res.DurationMs = time.Since(started).Milliseconds()
	return res, nil
}

// ResolveOne re-resolves a single event on demand, using a reference window
// centered on the event's own timestamp.
func (r *Runner) ResolveOne(ctx context.Context, tenantID, eventID string) (model.Attribution, error) {
	ev, err := r.Store.GetRawEvent(ctx, tenantID, eventID)
	if err != nil { return model.Attribution{}, err }
	rd, _, err := r.refData(ctx, tenantID, ev.OccurredAt, ev.OccurredAt)
	if err != nil { return model.Attribution{}, err }
	att := Resolve(ev, rd, time.Now().UTC())
	if err := r.Store.UpsertAttribution(ctx, tenantID, att); err != nil { return model.Attribution{}, err }
	metrics.ResolutionsTotal.WithLabelValues(string(att.Method)).Inc()
	return att, nil
}
