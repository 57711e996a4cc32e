package safety

import (
	"testing"
	"time"

	"fleetcorr/internal/model"
)

var asOf = time.Date(2024, 9, 15, 12, 0, 0, 0, time.UTC)

func ev(id, reg string, daysAgo int, typ, sev string, verified bool) model.RawEvent {
	return model.RawEvent{
		ID: id, Registration: reg, OccurredAt: asOf.AddDate(0, 0, -daysAgo),
		EventType: typ, Severity: sev, Verified: verified,
	}
}

func att(eventID, driverID string) model.Attribution {
	return model.Attribution{EventID: eventID, DriverID: driverID, Method: model.MethodDirect, Confidence: 1}
}

func TestComputeRollingWindows(t *testing.T) {
	drivers := []model.Driver{{ID: "d1", FullName: "John Smith", Fleet: "west"}}
	events := []model.RawEvent{
		ev("e1", "ABC", 5, "harsh_braking", "low", true),    // 30d + current month
		ev("e2", "ABC", 10, "fatigue", "high", false),       // 30d + current month
		ev("e3", "ABC", 45, "harsh_braking", "low", false),  // prior 30d, 90d
		ev("e4", "ABC", 80, "mobile_phone", "medium", true), // 90d
		ev("e5", "ABC", 200, "harsh_braking", "low", false), // total only
	}
	atts := []model.Attribution{att("e1", "d1"), att("e2", "d1"), att("e3", "d1"), att("e4", "d1"), att("e5", "d1")}

	out := Compute(drivers, events, atts, asOf)
	if len(out) != 1 {
		t.Fatalf("expected 1 metric, got %d", len(out))
	}
	m := out[0]
	if m.Events30d != 2 || m.Events90d != 4 || m.EventsTotal != 5 {
		t.Fatalf("window counts: %+v", m)
	}
	if m.MonthByType["harsh_braking"] != 1 || m.MonthByType["fatigue"] != 1 {
		t.Fatalf("month by type: %v", m.MonthByType)
	}
	// One of two current-month events is verified.
	if m.VerificationRate != 50 {
		t.Fatalf("verification rate: %v", m.VerificationRate)
	}
	if m.DaysSinceLast != 5 || m.DaysSinceFirst != 200 {
		t.Fatalf("recency: %+v", m)
	}
	// 2 recent vs 1 prior: +100%.
	if m.TrendPct != 100 {
		t.Fatalf("trend: %v", m.TrendPct)
	}
}

func TestComputeUnresolvedContributesToNobody(t *testing.T) {
	drivers := []model.Driver{{ID: "d1", FullName: "John Smith"}}
	events := []model.RawEvent{ev("e1", "ABC", 3, "fatigue", "high", false)}
	atts := []model.Attribution{{EventID: "e1", Method: model.MethodUnknown}}
	out := Compute(drivers, events, atts, asOf)
	if out[0].EventsTotal != 0 || out[0].RiskLevel != "No Events" {
		t.Fatalf("unresolved attribution leaked into metrics: %+v", out[0])
	}
}

func TestRiskLevels(t *testing.T) {
	cases := []struct {
		sev  map[string]int
		want string
	}{
		{map[string]int{"critical": 2}, "High Risk"},
		{map[string]int{"high": 5}, "High Risk"},
		{map[string]int{"critical": 1}, "Medium Risk"},
		{map[string]int{"high": 2}, "Medium Risk"},
		{map[string]int{"high": 1, "low": 9}, "Low Risk"},
		{map[string]int{}, "Low Risk"},
	}
	for _, c := range cases {
		if got := riskLevel(c.sev); got != c.want {
			t.Fatalf("riskLevel(%v) = %s, want %s", c.sev, got, c.want)
		}
	}
}

func TestTrendEdgeCases(t *testing.T) {
	if trend(3, 0) != 100 {
		t.Fatal("zero prior with events should read +100")
	}
	if trend(0, 0) != 0 {
		t.Fatal("no events either period should read 0")
	}
	if trend(1, 2) != -50 {
		t.Fatalf("1 vs 2 should be -50, got %v", trend(1, 2))
	}
}

func TestRankExcludesZeroEventDrivers(t *testing.T) {
	metrics := []model.DriverSafetyMetric{
		{DriverID: "d1", DriverName: "A", Events30d: 0, EventsTotal: 3},
		{DriverID: "d2", DriverName: "B", Events30d: 5, EventsTotal: 8},
		{DriverID: "d3", DriverName: "C", EventsTotal: 0}, // never ranked
		{DriverID: "d4", DriverName: "D", Events30d: 2, EventsTotal: 2},
	}
	out := Rank(metrics)
	if len(out) != 3 {
		t.Fatalf("zero-event driver must be excluded, got %d rankings", len(out))
	}
	if out[0].DriverID != "d1" || out[0].Rank != 1 {
		t.Fatalf("fewest 30d events ranks first: %+v", out[0])
	}
	// d1 has 2 strictly-worse drivers of 3 ranked: percentile 66.7.
	if out[0].Percentile != 66.7 {
		t.Fatalf("percentile: %v", out[0].Percentile)
	}
	if out[2].DriverID != "d2" || out[2].Percentile != 0 {
		t.Fatalf("worst driver: %+v", out[2])
	}
}

func TestRankPercentileMonotonic(t *testing.T) {
	metrics := []model.DriverSafetyMetric{}
	for i, n := range []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9} {
		metrics = append(metrics, model.DriverSafetyMetric{
			DriverID: string(rune('a' + i)), Events30d: n, EventsTotal: n + 1,
		})
	}
	out := Rank(metrics)
	for i := 1; i < len(out); i++ {
		if out[i].Percentile > out[i-1].Percentile {
			t.Fatal("percentile must not increase down the ranking")
		}
	}
	if out[0].Percentile != 90 || out[0].Category != "Excellent" {
		t.Fatalf("best driver: %+v", out[0])
	}
	if out[9].Percentile != 0 || out[9].Category != "Needs Improvement" {
		t.Fatalf("worst driver: %+v", out[9])
	}
}
