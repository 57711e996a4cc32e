// Package correlate matches GPS trips to billing delivery records using
// combined text, geospatial and temporal evidence. Scoring is pure: it operates
// only on already-fetched reference data and the candidate batch.
package correlate

import (
	"sort"
	"time"

	"fleetcorr/internal/geo"
	"fleetcorr/internal/model"
	"fleetcorr/internal/textnorm"
)

// Sub-score points per text tier.
const (
	textExactScore       = 100.0
	textIdentifierScore  = 85.0
	textContainmentScore = 60.0
)

// Quality tier thresholds on overall confidence (inclusive).
const (
	TierExcellentMin = 90.0
	TierGoodMin      = 75.0
	TierFairMin      = 60.0
)

// methodMatchMin is the sub-score floor at which a method counts toward the
// matched-methods set (containment-or-better text, comfortably inside the
// service area, within two days).
const methodMatchMin = 60.0

type Engine struct {
	cfg   Config
	index *geo.Index
}

func NewEngine(cfg Config, index *geo.Index) *Engine {
	return &Engine{cfg: cfg, index: index}
}

func (e *Engine) Config() Config { return e.cfg }

// Correlate returns candidate correlations for a trip, ranked by overall
// confidence with a deterministic tie-break. Trips with neither GPS nor
// resolvable location text produce no candidates; an empty result is valid,
// not an error.
func (e *Engine) Correlate(trip model.Trip, deliveries []model.DeliveryRecord) []model.Correlation {
	lat, lon, hasGPS := tripPoint(trip)
	hasText := textnorm.Normalize(trip.LocationText) != ""
	if !hasGPS && !hasText {
		return nil
	}

	geoScore, geoTerminal, geoDist := 0.0, "", 0.0
	if hasGPS {
		geoScore, geoTerminal, geoDist = e.geoScore(lat, lon)
	}

	out := []model.Correlation{}
	for _, d := range deliveries {
		dayDiff, ok := dayDifference(trip.EndAt, d.DeliveryDate)
		if !ok || dayDiff > e.cfg.DateWindowDays {
			continue
		}
		textScore, textMethod := e.textScore(trip.LocationText, d)
		if textScore == 0 && geoScore == 0 {
			// Temporal proximity alone is not a match.
			continue
		}
		temporalScore := temporalScore(dayDiff)

		bd := model.ConfidenceBreakdown{
			Text: textScore, TextMethod: textMethod,
			Geo: geoScore, Terminal: geoTerminal, DistanceKm: geoDist,
			Temporal: temporalScore, DayDiff: dayDiff,
		}
		overall := e.combine(bd)
		methods := matchedMethods(bd)
		tier := TierFor(overall)

		out = append(out, model.Correlation{
			TripID:           trip.ID,
			DeliveryKey:      d.Key(),
			BillOfLading:     d.BillOfLading,
			DeliveryDate:     d.DeliveryDate,
			Customer:         d.Customer,
			Confidence:       overall,
			Breakdown:        bd,
			Methods:          methods,
			Tier:             tier,
			RequiresReview:   requiresReview(tier, methods),
			AlgorithmVersion: e.cfg.AlgorithmVersion,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Confidence != out[j].Confidence {
			return out[i].Confidence > out[j].Confidence
		}
		if out[i].Breakdown.DayDiff != out[j].Breakdown.DayDiff {
			return out[i].Breakdown.DayDiff < out[j].Breakdown.DayDiff
		}
		return out[i].DeliveryKey < out[j].DeliveryKey
	})
	return out
}

// textScore compares the trip's location text against the delivery's customer
// and terminal text, taking the best tier. The fired normalization method is
// recorded for explainability.
func (e *Engine) textScore(locationText string, d model.DeliveryRecord) (float64, string) {
	best, method := 0.0, "none"
	for _, target := range []string{d.TerminalName, d.Customer} {
		if target == "" {
			continue
		}
		switch {
		case textnorm.Normalize(locationText) != "" && textnorm.Normalize(locationText) == textnorm.Normalize(target):
			if textExactScore > best {
				best, method = textExactScore, "exact"
			}
		case textnorm.SharedIdentifier(locationText, target, e.cfg.BusinessIdentifiers) != "":
			if textIdentifierScore > best {
				best, method = textIdentifierScore, "identifier"
			}
		case textnorm.Contains(locationText, target):
			if textContainmentScore > best {
				best, method = textContainmentScore, "containment"
			}
		}
	}
	return best, method
}

// geoScore scores proximity of the trip point to the best terminal whose
// service area contains it: inversely proportional to distance, saturating at
// 100 near zero. Outside every service area the score is 0 (a delivery
// terminal name matching no known Terminal degrades to text-only scoring).
func (e *Engine) geoScore(lat, lon float64) (float64, string, float64) {
	best, terminal, dist := 0.0, "", 0.0
	for _, hit := range e.index.FindWithinDistance(lat, lon, e.cfg.MaxDistanceKm) {
		if !hit.WithinServiceArea || hit.Terminal.ServiceRadiusKm <= 0 {
			continue
		}
		score := 100 * (1 - hit.DistanceKm/hit.Terminal.ServiceRadiusKm)
		if score < 0 {
			score = 0
		}
		if score > best {
			best, terminal, dist = score, hit.Terminal.Name, hit.DistanceKm
		}
	}
	return best, terminal, dist
}

// temporalScore maps absolute day difference to points. Deliveries are not
// instantaneous relative to trips, so same-day and next-day score equally.
func temporalScore(dayDiff int) float64 {
	switch {
	case dayDiff <= 1:
		return 80
	case dayDiff == 2:
		return 60
	case dayDiff == 3:
		return 40
	default:
		return 20
	}
}

// combine folds the sub-scores into 0-100 overall confidence using the
// configured weights. No hidden state: overall is a function solely of the
// breakdown and the weights.
func (e *Engine) combine(bd model.ConfidenceBreakdown) float64 {
	w := e.cfg.Weights
	sum := w.Text + w.Geo + w.Temporal
	return (w.Text*bd.Text + w.Geo*bd.Geo + w.Temporal*bd.Temporal) / sum
}

// TierFor buckets overall confidence; boundaries are inclusive.
func TierFor(confidence float64) string {
	switch {
	case confidence >= TierExcellentMin:
		return "excellent"
	case confidence >= TierGoodMin:
		return "good"
	case confidence >= TierFairMin:
		return "fair"
	default:
		return "poor"
	}
}

func matchedMethods(bd model.ConfidenceBreakdown) []string {
	methods := []string{}
	if bd.Text >= methodMatchMin {
		methods = append(methods, "text")
	}
	if bd.Geo >= methodMatchMin {
		methods = append(methods, "geospatial")
	}
	if bd.Temporal >= methodMatchMin {
		methods = append(methods, "temporal")
	}
	return methods
}

// requiresReview flags low-tier correlations with fewer than two agreeing
// methods for the manual-review workflow instead of auto-accepting them.
func requiresReview(tier string, methods []string) bool {
	return (tier == "poor" || tier == "fair") && len(methods) < 2
}

func tripPoint(t model.Trip) (float64, float64, bool) {
	if t.EndLat != nil && t.EndLon != nil {
		return *t.EndLat, *t.EndLon, true
	}
	if t.StartLat != nil && t.StartLon != nil {
		return *t.StartLat, *t.StartLon, true
	}
	return 0, 0, false
}

func dayDifference(tripEnd time.Time, deliveryDate string) (int, bool) {
	dd, err := time.Parse("2006-01-02", deliveryDate)
	if err != nil {
		return 0, false
	}
	ty, tm, td := tripEnd.UTC().Date()
	tripDay := time.Date(ty, tm, td, 0, 0, 0, 0, time.UTC)
	diff := int(tripDay.Sub(dd).Hours() / 24)
	if diff < 0 {
		diff = -diff
	}
	return diff, true
}
