// Package safety rolls resolved attributions up into per-driver event-rate,
// trend and percentile-ranked performance metrics. Output is derived state:
// always safe to fully recompute, never hand-edited.
package safety

import (
	"math"
	"sort"
	"time"

	"fleetcorr/internal/model"
)

// Risk classification thresholds over current-month severity counts.
const (
	highRiskCriticalMin = 2
	highRiskHighMin     = 5
	medRiskCriticalMin  = 1
	medRiskHighMin      = 2
)

// Compute builds a DriverSafetyMetric for every known driver from the resolved
// attributions of a lookback window. Unresolved attributions contribute to no
// driver. asOf anchors all rolling windows so recomputation is deterministic.
func Compute(drivers []model.Driver, events []model.RawEvent, attributions []model.Attribution, asOf time.Time) []model.DriverSafetyMetric {
	byID := map[string]model.RawEvent{}
	for _, e := range events {
		byID[e.ID] = e
	}
	perDriver := map[string][]model.RawEvent{}
	for _, a := range attributions {
		if a.Unresolved() {
			continue
		}
		ev, ok := byID[a.EventID]
		if !ok {
			continue
		}
		perDriver[a.DriverID] = append(perDriver[a.DriverID], ev)
	}

	out := make([]model.DriverSafetyMetric, 0, len(drivers))
	for _, d := range drivers {
		out = append(out, computeOne(d, perDriver[d.ID], asOf))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DriverName != out[j].DriverName {
			return out[i].DriverName < out[j].DriverName
		}
		return out[i].DriverID < out[j].DriverID
	})
	return out
}

func computeOne(d model.Driver, evs []model.RawEvent, asOf time.Time) model.DriverSafetyMetric {
	m := model.DriverSafetyMetric{DriverID: d.ID, DriverName: d.FullName, Fleet: d.Fleet}
	if len(evs) == 0 {
		m.RiskLevel = "No Events"
		return m
	}
	cut30 := asOf.AddDate(0, 0, -30)
	cut60 := asOf.AddDate(0, 0, -60)
	cut90 := asOf.AddDate(0, 0, -90)
	monthY, monthM, _ := asOf.UTC().Date()

	var first, last time.Time
	monthTotal, monthVerified, prior30 := 0, 0, 0
	m.MonthByType = map[string]int{}
	m.MonthBySeverity = map[string]int{}
	for _, e := range evs {
		t := e.OccurredAt
		m.EventsTotal++
		if !t.Before(cut30) {
			m.Events30d++
		} else if !t.Before(cut60) {
			prior30++
		}
		if !t.Before(cut90) {
			m.Events90d++
		}
		ey, em, _ := t.UTC().Date()
		if ey == monthY && em == monthM {
			monthTotal++
			if e.Verified {
				monthVerified++
			}
			if e.EventType != "" {
				m.MonthByType[e.EventType]++
			}
			if e.Severity != "" {
				m.MonthBySeverity[e.Severity]++
			}
		}
		if first.IsZero() || t.Before(first) {
			first = t
		}
		if t.After(last) {
			last = t
		}
	}
	if monthTotal > 0 {
		m.VerificationRate = round1(100 * float64(monthVerified) / float64(monthTotal))
	}
	m.DaysSinceFirst = int(asOf.Sub(first).Hours() / 24)
	m.DaysSinceLast = int(asOf.Sub(last).Hours() / 24)
	m.TrendPct = trend(m.Events30d, prior30)
	m.RiskLevel = riskLevel(m.MonthBySeverity)
	return m
}

// trend compares the most recent 30 days to the preceding 30-day period as a
// percentage change. A driver going from zero to any events reads as +100.
func trend(recent, prior int) float64 {
	if prior == 0 {
		if recent > 0 {
			return 100
		}
		return 0
	}
	return round1(100 * float64(recent-prior) / float64(prior))
}

func riskLevel(monthBySeverity map[string]int) string {
	crit := monthBySeverity["critical"]
	high := monthBySeverity["high"]
	switch {
	case crit >= highRiskCriticalMin || high >= highRiskHighMin:
		return "High Risk"
	case crit >= medRiskCriticalMin || high >= medRiskHighMin:
		return "Medium Risk"
	default:
		return "Low Risk"
	}
}

// Rank orders drivers by ascending 30-day event count (fewer events = safer)
// and assigns percentile-banded performance categories. Only drivers with at
// least one historical event are ranked, so zero-event drivers never inflate
// the percentile base.
func Rank(metrics []model.DriverSafetyMetric) []model.DriverRanking {
	ranked := []model.DriverSafetyMetric{}
	for _, m := range metrics {
		if m.EventsTotal > 0 {
			ranked = append(ranked, m)
		}
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Events30d != ranked[j].Events30d {
			return ranked[i].Events30d < ranked[j].Events30d
		}
		if ranked[i].Events90d != ranked[j].Events90d {
			return ranked[i].Events90d < ranked[j].Events90d
		}
		return ranked[i].DriverID < ranked[j].DriverID
	})
	n := len(ranked)
	out := make([]model.DriverRanking, 0, n)
	for i, m := range ranked {
		worse := 0
		for _, o := range ranked {
			if o.Events30d > m.Events30d {
				worse++
			}
		}
		pct := round1(100 * float64(worse) / float64(n))
		out = append(out, model.DriverRanking{
			DriverID:   m.DriverID,
			DriverName: m.DriverName,
			Events30d:  m.Events30d,
			Rank:       i + 1,
			Percentile: pct,
			Category:   category(pct),
		})
	}
	return out
}

func category(percentile float64) string {
	switch {
	case percentile >= 90:
		return "Excellent"
	case percentile >= 70:
		return "Good"
	case percentile >= 40:
		return "Average"
	case percentile >= 20:
		return "Below Average"
	default:
		return "Needs Improvement"
	}
}

func round1(x float64) float64 { return math.Round(x*10) / 10 }
