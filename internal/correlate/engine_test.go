package correlate

import (
	"testing"
	"time"

	"fleetcorr/internal/geo"
	"fleetcorr/internal/model"
)

func ptr(f float64) *float64 { return &f }

var altona = model.Terminal{ID: "term1", Name: "Mobil Altona", Lat: -37.8632, Lon: 144.8320, ServiceRadiusKm: 15}

func testEngine() *Engine {
	return NewEngine(DefaultConfig(), geo.NewIndex([]model.Terminal{altona}))
}

func tripAt(lat, lon float64, end time.Time, locText string) model.Trip {
	return model.Trip{
		ID: "trip1", Registration: "ABC-123",
		StartAt: end.Add(-2 * time.Hour), EndAt: end,
		EndLat: ptr(lat), EndLon: ptr(lon),
		LocationText: locText,
	}
}

func TestCorrelateAllMethodsAgree(t *testing.T) {
	e := testEngine()
	end := time.Date(2024, 9, 3, 14, 0, 0, 0, time.UTC)
	trip := tripAt(altona.Lat, altona.Lon, end, "Mobil Altona")
	deliveries := []model.DeliveryRecord{
		{BillOfLading: "B1", DeliveryDate: "2024-09-03", Customer: "Acme Fuels Pty Ltd", TerminalName: "Mobil Altona"},
	}
	out := e.Correlate(trip, deliveries)
	if len(out) != 1 {
		t.Fatalf("expected 1 correlation, got %d", len(out))
	}
	c := out[0]
	// text exact 100, geo at distance zero 100, temporal same-day 80:
	// 0.4*100 + 0.4*100 + 0.2*80 = 96.
	if c.Confidence != 96 {
		t.Fatalf("confidence = %v, want 96", c.Confidence)
	}
	if c.Tier != "excellent" || c.RequiresReview {
		t.Fatalf("tier=%s review=%v", c.Tier, c.RequiresReview)
	}
	if len(c.Methods) != 3 {
		t.Fatalf("expected all three methods, got %v", c.Methods)
	}
	if c.Breakdown.TextMethod != "exact" || c.Breakdown.Terminal != "Mobil Altona" {
		t.Fatalf("breakdown: %+v", c.Breakdown)
	}
	if c.DeliveryKey != "B1|2024-09-03|Acme Fuels Pty Ltd" {
		t.Fatalf("delivery key: %s", c.DeliveryKey)
	}
}

func TestCorrelateNoGPSNoTextReturnsNil(t *testing.T) {
	e := testEngine()
	trip := model.Trip{ID: "trip1", EndAt: time.Date(2024, 9, 3, 14, 0, 0, 0, time.UTC)}
	out := e.Correlate(trip, []model.DeliveryRecord{{BillOfLading: "B1", DeliveryDate: "2024-09-03", Customer: "X"}})
	if out != nil {
		t.Fatalf("expected nil, got %v", out)
	}
}

func TestCorrelateDateWindowExcludes(t *testing.T) {
	e := testEngine()
	end := time.Date(2024, 9, 3, 14, 0, 0, 0, time.UTC)
	trip := tripAt(altona.Lat, altona.Lon, end, "Mobil Altona")
	deliveries := []model.DeliveryRecord{
		{BillOfLading: "B1", DeliveryDate: "2024-09-10", Customer: "X", TerminalName: "Mobil Altona"},
		{BillOfLading: "B2", DeliveryDate: "not-a-date", Customer: "X", TerminalName: "Mobil Altona"},
	}
	if out := e.Correlate(trip, deliveries); len(out) != 0 {
		t.Fatalf("out-of-window and malformed deliveries must be excluded: %v", out)
	}
}

func TestCorrelateTemporalAloneIsNotAMatch(t *testing.T) {
	e := testEngine()
	end := time.Date(2024, 9, 3, 14, 0, 0, 0, time.UTC)
	// Trip far from every terminal, location text unrelated to the delivery.
	trip := tripAt(-20.0, 130.0, end, "Outback Roadhouse")
	deliveries := []model.DeliveryRecord{
		{BillOfLading: "B1", DeliveryDate: "2024-09-03", Customer: "Acme Fuels", TerminalName: "Mobil Altona"},
	}
	if out := e.Correlate(trip, deliveries); len(out) != 0 {
		t.Fatalf("temporal-only candidates must be skipped: %v", out)
	}
}

func TestTextScoreTiers(t *testing.T) {
	e := testEngine()
	cases := []struct {
		loc    string
		d      model.DeliveryRecord
		score  float64
		method string
	}{
		{"Mobil Altona", model.DeliveryRecord{TerminalName: "MOBIL ALTONA Pty Ltd"}, 100, "exact"},
		{"Caltex AU TERM 7", model.DeliveryRecord{Customer: "AU TERM 7 Holdings"}, 85, "identifier"},
		{"BP Depot Altona North Gate 3", model.DeliveryRecord{TerminalName: "Altona North"}, 60, "containment"},
		{"Shell Newport", model.DeliveryRecord{TerminalName: "Mobil Altona"}, 0, "none"},
	}
	for _, c := range cases {
		score, method := e.textScore(c.loc, c.d)
		if score != c.score || method != c.method {
			t.Fatalf("textScore(%q) = %v/%s, want %v/%s", c.loc, score, method, c.score, c.method)
		}
	}
}

func TestGeoScoreInverseToDistance(t *testing.T) {
	e := testEngine()
	at, _, d0 := e.geoScore(altona.Lat, altona.Lon)
	if at != 100 || d0 != 0 {
		t.Fatalf("at terminal: score=%v dist=%v", at, d0)
	}
	// ~0.09 degrees latitude is ~10 km: inside the 15 km service area.
	near, _, _ := e.geoScore(altona.Lat+0.09, altona.Lon)
	if near <= 0 || near >= at {
		t.Fatalf("inside service area should score between 0 and 100: %v", near)
	}
	// Far outside every service area.
	far, _, _ := e.geoScore(-20.0, 130.0)
	if far != 0 {
		t.Fatalf("outside service area must score 0, got %v", far)
	}
}

func TestTemporalScore(t *testing.T) {
	cases := map[int]float64{0: 80, 1: 80, 2: 60, 3: 40, 4: 20}
	for diff, want := range cases {
		if got := temporalScore(diff); got != want {
			t.Fatalf("temporalScore(%d) = %v, want %v", diff, got, want)
		}
	}
}

func TestTierBoundariesInclusive(t *testing.T) {
	cases := map[float64]string{
		95:     "excellent",
		90:     "excellent",
		89.999: "good",
		75:     "good",
		74.999: "fair",
		60:     "fair",
		59.999: "poor",
		0:      "poor",
	}
	for conf, want := range cases {
		if got := TierFor(conf); got != want {
			t.Fatalf("TierFor(%v) = %s, want %s", conf, got, want)
		}
	}
}

func TestRequiresReview(t *testing.T) {
	if !requiresReview("fair", []string{"text"}) {
		t.Fatal("fair with one method must be flagged")
	}
	if requiresReview("fair", []string{"text", "temporal"}) {
		t.Fatal("fair with two methods must not be flagged")
	}
	if requiresReview("excellent", []string{"text"}) {
		t.Fatal("excellent is never flagged")
	}
	if !requiresReview("poor", nil) {
		t.Fatal("poor with no methods must be flagged")
	}
}

func TestCorrelateRankingDeterministic(t *testing.T) {
	e := testEngine()
	end := time.Date(2024, 9, 3, 14, 0, 0, 0, time.UTC)
	trip := tripAt(altona.Lat, altona.Lon, end, "Mobil Altona")
	deliveries := []model.DeliveryRecord{
		{BillOfLading: "B2", DeliveryDate: "2024-09-05", Customer: "X", TerminalName: "Mobil Altona"},
		{BillOfLading: "B1", DeliveryDate: "2024-09-03", Customer: "X", TerminalName: "Mobil Altona"},
	}
	out := e.Correlate(trip, deliveries)
	if len(out) != 2 {
		t.Fatalf("expected 2 candidates, got %d", len(out))
	}
	if out[0].BillOfLading != "B1" {
		t.Fatalf("same-day delivery should rank first, got %s", out[0].BillOfLading)
	}
	if out[0].Confidence < out[1].Confidence {
		t.Fatal("not sorted by confidence")
	}
}

func TestTripPointFallsBackToStart(t *testing.T) {
	trip := model.Trip{StartLat: ptr(1), StartLon: ptr(2)}
	lat, lon, ok := tripPoint(trip)
	if !ok || lat != 1 || lon != 2 {
		t.Fatalf("start fallback: %v %v %v", lat, lon, ok)
	}
}
