package model

import "time"

// Core domain types for cross-source entity correlation.

// Driver is the canonical person entity. Identity is immutable once imported;
// depot/status may change.
type Driver struct {
	ID         string `json:"id"`
	FullName   string `json:"fullName"`
	EmployeeNo string `json:"employeeNo,omitempty"`
	LicenseNo  string `json:"licenseNo,omitempty"`
	Fleet      string `json:"fleet,omitempty"`
	Depot      string `json:"depot,omitempty"`
	Status     string `json:"status,omitempty"` // active, inactive
}

// Vehicle is the canonical asset entity. DeviceSerials cross-reference telemetry
// device IDs independent of registration string quality.
type Vehicle struct {
	ID            string   `json:"id"`
	Registration  string   `json:"registration"`
	Fleet         string   `json:"fleet,omitempty"`
	Depot         string   `json:"depot,omitempty"`
	DeviceSerials []string `json:"deviceSerials,omitempty"`
	Status        string   `json:"status,omitempty"`
}

// EventSource tags the feed a RawEvent came from.
type EventSource string

const (
	SourceSafetyCamera EventSource = "safety_camera"
	SourceDistraction  EventSource = "distraction"
	SourceTrip         EventSource = "trip"
)

// RawEvent is an immutable telemetry/safety event as reported by a feed.
// Registration and DriverName are the strings as reported, possibly inconsistent.
// Corrections are modeled as new Attributions, never mutation of the event.
type RawEvent struct {
	ID           string         `json:"id"`
	Source       EventSource    `json:"source"`
	Registration string         `json:"registration"`
	DriverName   string         `json:"driverName,omitempty"`
	DriverRef    string         `json:"driverRef,omitempty"` // validated driver id supplied by the source system
	OccurredAt   time.Time      `json:"occurredAt"`
	Lat          *float64       `json:"lat,omitempty"`
	Lon          *float64       `json:"lon,omitempty"`
	EventType    string         `json:"eventType,omitempty"` // e.g. harsh_braking, fatigue, mobile_phone
	Severity     string         `json:"severity,omitempty"`  // low, medium, high, critical
	Verified     bool           `json:"verified,omitempty"`
	Payload      map[string]any `json:"payload,omitempty"`
}

// Trip is a GPS trip-history record. DriverID is set when the feed itself knows
// the driver; otherwise trips are resolved like any other event.
type Trip struct {
	ID           string    `json:"id"`
	Registration string    `json:"registration"`
	DriverID     string    `json:"driverId,omitempty"`
	DriverName   string    `json:"driverName,omitempty"`
	Fleet        string    `json:"fleet,omitempty"`
	StartAt      time.Time `json:"startAt"`
	EndAt        time.Time `json:"endAt"`
	StartLat     *float64  `json:"startLat,omitempty"`
	StartLon     *float64  `json:"startLon,omitempty"`
	EndLat       *float64  `json:"endLat,omitempty"`
	EndLon       *float64  `json:"endLon,omitempty"`
	LocationText string    `json:"locationText,omitempty"` // free-text destination from the feed
	DistanceKm   float64   `json:"distanceKm,omitempty"`
}

// ResolutionMethod is the closed set of ways an event can be attributed.
type ResolutionMethod string

const (
	MethodDirect      ResolutionMethod = "direct"
	MethodNameMapping ResolutionMethod = "name_mapping"
	MethodWindow30Min ResolutionMethod = "vehicle_window_30min"
	MethodWindow1Hr   ResolutionMethod = "vehicle_window_1hr"
	MethodWindowDay   ResolutionMethod = "vehicle_window_day"
	MethodActiveTrip  ResolutionMethod = "active_trip"
	MethodNameMatch   ResolutionMethod = "name_match"
	MethodUnknown     ResolutionMethod = "unknown"
)

// Attribution links a RawEvent to a Driver. DriverID empty means unresolved.
// One event has at most one current attribution; re-resolution replaces it.
type Attribution struct {
	EventID    string           `json:"eventId"`
	DriverID   string           `json:"driverId,omitempty"`
	Method     ResolutionMethod `json:"method"`
	Confidence float64          `json:"confidence"` // [0.0, 1.0]
	ResolvedAt time.Time        `json:"resolvedAt"`
}

// Unresolved reports whether the attribution is the terminal unresolved state.
func (a Attribution) Unresolved() bool { return a.DriverID == "" }

// NameMapping overrides exact mismatches: a maintained (source, free-text name)
// to driver-id table for nicknames and transliterations.
type NameMapping struct {
	Source   EventSource `json:"source"`
	Name     string      `json:"name"`
	DriverID string      `json:"driverId"`
}

// Terminal is a named geospatial point with a circular service area.
// Static reference data, administratively maintained.
type Terminal struct {
	ID              string  `json:"id"`
	Name            string  `json:"name"`
	Carrier         string  `json:"carrier,omitempty"`
	Lat             float64 `json:"lat"`
	Lon             float64 `json:"lon"`
	ServiceRadiusKm float64 `json:"serviceRadiusKm"`
}

// DeliveryRecord is a billing-system record, independent of GPS data.
// TerminalName is unvalidated free text and may match no known Terminal.
type DeliveryRecord struct {
	BillOfLading string  `json:"billOfLading"`
	DeliveryDate string  `json:"deliveryDate"` // YYYY-MM-DD
	Customer     string  `json:"customer"`
	TerminalName string  `json:"terminalName,omitempty"`
	Carrier      string  `json:"carrier,omitempty"`
	VolumeL      float64 `json:"volumeL,omitempty"`
}

// Key is the composite delivery key used for correlation upserts.
func (d DeliveryRecord) Key() string {
	return d.BillOfLading + "|" + d.DeliveryDate + "|" + d.Customer
}

// ConfidenceBreakdown is the structured, explainable sub-score record.
type ConfidenceBreakdown struct {
	Text       float64 `json:"text"`
	TextMethod string  `json:"textMethod,omitempty"` // exact, identifier, containment, none
	Geo        float64 `json:"geo"`
	Terminal   string  `json:"terminal,omitempty"`
	DistanceKm float64 `json:"distanceKm,omitempty"`
	Temporal   float64 `json:"temporal"`
	DayDiff    int     `json:"dayDiff"`
}

// Correlation links a Trip to a DeliveryRecord. Unique on (trip, delivery key);
// re-running correlation upserts by that key.
type Correlation struct {
	TripID           string              `json:"tripId"`
	DeliveryKey      string              `json:"deliveryKey"`
	BillOfLading     string              `json:"billOfLading"`
	DeliveryDate     string              `json:"deliveryDate"`
	Customer         string              `json:"customer"`
	Confidence       float64             `json:"confidence"` // 0-100
	Breakdown        ConfidenceBreakdown `json:"breakdown"`
	Methods          []string            `json:"methods"` // subset of text, geospatial, temporal
	Tier             string              `json:"tier"`    // excellent, good, fair, poor
	RequiresReview   bool                `json:"requiresReview"`
	AlgorithmVersion string              `json:"algorithmVersion"`
	RunID            string              `json:"runId,omitempty"`
	CreatedAt        time.Time           `json:"createdAt,omitempty"`
}

// CorrelateRequest is the batch-run operational entry point.
type CorrelateRequest struct {
	StartDate     string  `json:"startDate"` // YYYY-MM-DD inclusive
	EndDate       string  `json:"endDate"`   // YYYY-MM-DD inclusive
	Fleet         string  `json:"fleet,omitempty"`
	MinConfidence float64 `json:"minConfidence,omitempty"`
	MaxTrips      int     `json:"maxTrips,omitempty"`
	ClearExisting bool    `json:"clearExisting,omitempty"`
}

// RunStats summarizes a batch correlation run.
type RunStats struct {
	RunID               string  `json:"runId"`
	AlgorithmVersion    string  `json:"algorithmVersion"`
	StartDate           string  `json:"startDate"`
	EndDate             string  `json:"endDate"`
	Fleet               string  `json:"fleet,omitempty"`
	TripsProcessed      int     `json:"tripsProcessed"`
	CorrelationsCreated int     `json:"correlationsCreated"`
	HighConfidence      int     `json:"highConfidence"` // >= 80
	FlaggedForReview    int     `json:"flaggedForReview"`
	Skipped             int     `json:"skipped"`
	AvgConfidence       float64 `json:"avgConfidence"`
	DurationMs          int64   `json:"durationMs"`
	Status              string  `json:"status"` // completed, failed
	Error               string  `json:"error,omitempty"`
}

// DriverSafetyMetric is a fully recomputable per-driver aggregate. Never
// hand-edited; always Aggregator output.
type DriverSafetyMetric struct {
	DriverID         string         `json:"driverId"`
	DriverName       string         `json:"driverName"`
	Fleet            string         `json:"fleet,omitempty"`
	Events30d        int            `json:"events30d"`
	Events90d        int            `json:"events90d"`
	EventsTotal      int            `json:"eventsTotal"`
	MonthByType      map[string]int `json:"monthByType,omitempty"`
	MonthBySeverity  map[string]int `json:"monthBySeverity,omitempty"`
	VerificationRate float64        `json:"verificationRate"` // percent, one decimal
	DaysSinceFirst   int            `json:"daysSinceFirst"`
	DaysSinceLast    int            `json:"daysSinceLast"`
	TrendPct         float64        `json:"trendPct"` // recent 30d vs preceding 30d
	RiskLevel        string         `json:"riskLevel"`
}

// DriverRanking orders drivers by ascending 30-day event count.
// Zero-event drivers are never ranked.
type DriverRanking struct {
	DriverID   string  `json:"driverId"`
	DriverName string  `json:"driverName"`
	Events30d  int     `json:"events30d"`
	Rank       int     `json:"rank"`
	Percentile float64 `json:"percentile"`
	Category   string  `json:"category"` // Excellent, Good, Average, Below Average, Needs Improvement
}

// Webhook subscriptions notify audit/reconciliation tooling of run outcomes.
type SubscriptionRequest struct {
	TenantID string   `json:"tenantId"`
	URL      string   `json:"url"`
	Events   []string `json:"events"`
	Secret   string   `json:"secret"`
}

type Subscription struct {
	ID       string   `json:"id"`
	TenantID string   `json:"tenantId"`
	URL      string   `json:"url"`
	Events   []string `json:"events"`
	Secret   string   `json:"secret,omitempty"`
}
