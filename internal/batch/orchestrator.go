// Package batch runs correlation over a date range of trips and records
// idempotent results plus run statistics.
package batch

import (
	"context"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"fleetcorr/internal/correlate"
	"fleetcorr/internal/geo"
	"fleetcorr/internal/metrics"
	"fleetcorr/internal/model"
	"fleetcorr/internal/store"
)

// highConfidenceMin mirrors the run-stats "high confidence" bucket.
const highConfidenceMin = 80.0

// Notifier receives run progress events (SSE/WebSocket fan-out).
type Notifier interface {
	Publish(runID string, event any)
}

// Emitter queues outbound webhook notifications for a run outcome.
type Emitter interface {
	Emit(ctx context.Context, tenantID, eventType string, payload any)
}

type noopNotifier struct{}

func (noopNotifier) Publish(string, any) {}

type noopEmitter struct{}

func (noopEmitter) Emit(context.Context, string, string, any) {}

// Orchestrator drives batch correlation runs. Trips per second is bounded so a
// large backfill cannot starve the API serving path.
type Orchestrator struct {
	Store    store.Store
	Config   correlate.Config
	Notifier Notifier
	Emitter  Emitter
	Limiter  *rate.Limiter
}

func NewOrchestrator(st store.Store, cfg correlate.Config) *Orchestrator {
	return &Orchestrator{
		Store:    st,
		Config:   cfg,
		Notifier: noopNotifier{},
		Emitter:  noopEmitter{},
		Limiter:  rate.NewLimiter(rate.Limit(200), 50),
	}
}

func parseDate(s string) (time.Time, error) {
	return time.Parse("2006-01-02", s)
}

// Run executes one batch correlation pass. One trip failing to score is
// counted as skipped and logged; a store failure aborts the run and persists a
// failed RunStats with the partial counters.
func (o *Orchestrator) Run(ctx context.Context, tenantID string, req model.CorrelateRequest) (model.RunStats, error) {
	started := time.Now()
	runID := "run_" + uuid.New().String()
	stats := model.RunStats{
		RunID:            runID,
		AlgorithmVersion: o.Config.AlgorithmVersion,
		StartDate:        req.StartDate,
		EndDate:          req.EndDate,
		Fleet:            req.Fleet,
		Status:           "completed",
	}

	from, err := parseDate(req.StartDate)
	if err != nil { return stats, fmt.Errorf("startDate: %w", err) }
	toDay, err := parseDate(req.EndDate)
	if err != nil { return stats, fmt.Errorf("endDate: %w", err) }
	if toDay.Before(from) { return stats, fmt.Errorf("endDate before startDate") }
	to := toDay.AddDate(0, 0, 1).Add(-time.Nanosecond)

	fail := func(cause error) (model.RunStats, error) {
		stats.Status = "failed"
		stats.Error = cause.Error()
		stats.DurationMs = time.Since(started).Milliseconds()
		if err := o.Store.SaveRunStats(ctx, tenantID, stats); err != nil {
			log.Printf("batch: saving failed run stats run=%s: %v", runID, err)
		}
		o.Notifier.Publish(runID, map[string]any{"type": "run.failed", "runId": runID, "error": cause.Error()})
		return stats, cause
	}

	terminals, err := o.Store.ListTerminals(ctx, tenantID)
	if err != nil { return fail(err) }
	engine := correlate.NewEngine(o.Config, geo.NewIndex(terminals))

	// Deliveries a day beyond each edge so the date window is symmetric for
	// trips on the boundary.
	dStart := from.AddDate(0, 0, -o.Config.DateWindowDays).Format("2006-01-02")
	dEnd := toDay.AddDate(0, 0, o.Config.DateWindowDays).Format("2006-01-02")
	deliveries, err := o.Store.ListDeliveries(ctx, tenantID, dStart, dEnd)
	if err != nil { return fail(err) }

	trips, err := o.Store.ListTrips(ctx, tenantID, from, to, req.Fleet, req.MaxTrips)
	if err != nil { return fail(err) }

	if req.ClearExisting {
		n, err := o.Store.ClearCorrelations(ctx, tenantID, from, to)
		if err != nil { return fail(err) }
		log.Printf("batch: run=%s cleared %d existing correlations", runID, n)
	}

	var confSum float64
	var flagged []map[string]any
	for i, trip := range trips {
		if err := o.Limiter.Wait(ctx); err != nil { return fail(err) }
		stats.TripsProcessed++
		cands := engine.Correlate(trip, deliveries)
		if len(cands) == 0 {
			stats.Skipped++
			continue
		}
		wrote := false
		for _, c := range cands {
			if req.MinConfidence > 0 && c.Confidence < req.MinConfidence {
				continue
			}
			c.RunID = runID
			c.CreatedAt = time.Now().UTC()
			if err := o.Store.UpsertCorrelation(ctx, tenantID, c); err != nil { return fail(err) }
			wrote = true
			stats.CorrelationsCreated++
			confSum += c.Confidence
			if c.Confidence >= highConfidenceMin {
				stats.HighConfidence++
			}
			if c.RequiresReview {
				stats.FlaggedForReview++
				flagged = append(flagged, map[string]any{
					"tripId": c.TripID, "deliveryKey": c.DeliveryKey,
					"confidence": c.Confidence, "tier": c.Tier, "methods": c.Methods,
				})
			}
			metrics.CorrelationsTotal.WithLabelValues(c.Tier).Inc()
		}
		if !wrote {
			stats.Skipped++
		}
		if (i+1)%100 == 0 {
			o.Notifier.Publish(runID, map[string]any{
				"type": "run.progress", "runId": runID,
				"tripsProcessed": stats.TripsProcessed, "totalTrips": len(trips),
			})
		}
	}
	if stats.CorrelationsCreated > 0 {
		stats.AvgConfidence = round1(confSum / float64(stats.CorrelationsCreated))
	}
	stats.DurationMs = time.Since(started).Milliseconds()
	metrics.CorrelationRunDuration.Observe(time.Since(started).Seconds())

	if err := o.Store.SaveRunStats(ctx, tenantID, stats); err != nil { return fail(err) }
	o.Notifier.Publish(runID, map[string]any{"type": "run.completed", "runId": runID, "stats": stats})
	o.Emitter.Emit(ctx, tenantID, "run.completed", stats)
	if len(flagged) > 0 {
		o.Emitter.Emit(ctx, tenantID, "correlation.review_required", map[string]any{
			"runId": runID, "count": len(flagged), "correlations": flagged,
		})
	}
	log.Printf("batch: run=%s trips=%d correlations=%d skipped=%d avg=%.1f in %dms",
		runID, stats.TripsProcessed, stats.CorrelationsCreated, stats.Skipped, stats.AvgConfidence, stats.DurationMs)
	return stats, nil
}

func round1(x float64) float64 { return math.Round(x*10) / 10 }
