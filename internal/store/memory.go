package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"fleetcorr/internal/model"
)

// Memory is a simple in-memory store used when no DATABASE_URL is set.
type Memory struct {
	mu        sync.Mutex
	drivers   map[string]map[string]model.Driver         // tenant -> id -> driver
	vehicles  map[string]map[string]model.Vehicle        // tenant -> id -> vehicle
	terminals map[string]map[string]model.Terminal       // tenant -> id -> terminal
	mappings  map[string]map[string]model.NameMapping    // tenant -> source|name -> mapping
	events    map[string]map[string]model.RawEvent       // tenant -> id -> event
	trips     map[string]map[string]model.Trip           // tenant -> id -> trip
	deliver   map[string]map[string]model.DeliveryRecord // tenant -> key -> delivery
	atts      map[string]map[string]model.Attribution    // tenant -> event id -> attribution
	corrs     map[string]map[string]model.Correlation    // tenant -> tripId|deliveryKey -> correlation
	runs      map[string][]model.RunStats                // tenant -> runs, newest last
	metrics   map[string][]model.DriverSafetyMetric      // tenant -> metrics
	rankings  map[string][]model.DriverRanking           // tenant -> rankings
	subs      map[string][]model.Subscription            // tenant -> subscriptions
	delivQ    map[string]*memDelivery                    // delivery id -> state
	delivIDs  []string                                   // enqueue order
}

func NewMemory() *Memory {
	return &Memory{
		drivers:   map[string]map[string]model.Driver{},
		vehicles:  map[string]map[string]model.Vehicle{},
		terminals: map[string]map[string]model.Terminal{},
		mappings:  map[string]map[string]model.NameMapping{},
		events:    map[string]map[string]model.RawEvent{},
		trips:     map[string]map[string]model.Trip{},
		deliver:   map[string]map[string]model.DeliveryRecord{},
		atts:      map[string]map[string]model.Attribution{},
		corrs:     map[string]map[string]model.Correlation{},
		runs:      map[string][]model.RunStats{},
		metrics:   map[string][]model.DriverSafetyMetric{},
		rankings:  map[string][]model.DriverRanking{},
		subs:      map[string][]model.Subscription{},
		delivQ:    map[string]*memDelivery{},
	}
}

type memDelivery struct {
	WebhookDelivery
	NextAttemptAt time.Time
}

func bucket[T any](m map[string]map[string]T, tenant string) map[string]T {
	if m[tenant] == nil {
		m[tenant] = map[string]T{}
	}
	return m[tenant]
}

func (m *Memory) UpsertDrivers(ctx context.Context, tenantID string, drivers []model.Driver) (int, error) {
	m.mu.Lock(); defer m.mu.Unlock()
	b := bucket(m.drivers, tenantID)
	for i, d := range drivers {
		if d.ID == "" { d.ID = uuid.New().String(); drivers[i] = d }
		b[d.ID] = d
	}
	return len(drivers), nil
}

func (m *Memory) ListDrivers(ctx context.Context, tenantID string) ([]model.Driver, error) {
	m.mu.Lock(); defer m.mu.Unlock()
	out := []model.Driver{}
	for _, d := range m.drivers[tenantID] { out = append(out, d) }
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) UpsertVehicles(ctx context.Context, tenantID string, vehicles []model.Vehicle) (int, error) {
	m.mu.Lock(); defer m.mu.Unlock()
	b := bucket(m.vehicles, tenantID)
	for i, v := range vehicles {
		if v.ID == "" { v.ID = uuid.New().String(); vehicles[i] = v }
		b[v.ID] = v
	}
	return len(vehicles), nil
}

func (m *Memory) ListVehicles(ctx context.Context, tenantID string) ([]model.Vehicle, error) {
	m.mu.Lock(); defer m.mu.Unlock()
	out := []model.Vehicle{}
	for _, v := range m.vehicles[tenantID] { out = append(out, v) }
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) UpsertTerminals(ctx context.Context, tenantID string, terminals []model.Terminal) (int, error) {
	m.mu.Lock(); defer m.mu.Unlock()
	b := bucket(m.terminals, tenantID)
	for i, t := range terminals {
		if t.ID == "" { t.ID = uuid.New().String(); terminals[i] = t }
		b[t.ID] = t
	}
	return len(terminals), nil
}

func (m *Memory) ListTerminals(ctx context.Context, tenantID string) ([]model.Terminal, error) {
	m.mu.Lock(); defer m.mu.Unlock()
	out := []model.Terminal{}
	for _, t := range m.terminals[tenantID] { out = append(out, t) }
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *Memory) PutNameMappings(ctx context.Context, tenantID string, mappings []model.NameMapping) (int, error) {
	m.mu.Lock(); defer m.mu.Unlock()
	b := bucket(m.mappings, tenantID)
	for _, mp := range mappings {
		b[string(mp.Source)+"|"+strings.ToUpper(mp.Name)] = mp
	}
	return len(mappings), nil
}

func (m *Memory) ListNameMappings(ctx context.Context, tenantID string) ([]model.NameMapping, error) {
	m.mu.Lock(); defer m.mu.Unlock()
	out := []model.NameMapping{}
	for _, mp := range m.mappings[tenantID] { out = append(out, mp) }
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *Memory) InsertRawEvents(ctx context.Context, tenantID string, events []model.RawEvent) (int, error) {
	m.mu.Lock(); defer m.mu.Unlock()
	b := bucket(m.events, tenantID)
	accepted := 0
	for i, e := range events {
		if e.ID == "" { e.ID = uuid.New().String(); events[i] = e }
		if _, exists := b[e.ID]; exists { continue } // raw events are immutable
		b[e.ID] = e
		accepted++
	}
	return accepted, nil
}

func (m *Memory) GetRawEvent(ctx context.Context, tenantID, id string) (model.RawEvent, error) {
	m.mu.Lock(); defer m.mu.Unlock()
	e, ok := m.events[tenantID][id]
	if !ok { return model.RawEvent{}, ErrNotFound }
	return e, nil
}

func (m *Memory) ListRawEvents(ctx context.Context, tenantID string, from, to time.Time) ([]model.RawEvent, error) {
	m.mu.Lock(); defer m.mu.Unlock()
	out := []model.RawEvent{}
	for _, e := range m.events[tenantID] {
		if e.OccurredAt.Before(from) || e.OccurredAt.After(to) { continue }
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].OccurredAt.Equal(out[j].OccurredAt) { return out[i].OccurredAt.Before(out[j].OccurredAt) }
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *Memory) InsertTrips(ctx context.Context, tenantID string, trips []model.Trip) (int, error) {
	m.mu.Lock(); defer m.mu.Unlock()
	b := bucket(m.trips, tenantID)
	accepted := 0
	for i, t := range trips {
		if t.ID == "" { t.ID = uuid.New().String(); trips[i] = t }
		if _, exists := b[t.ID]; exists { continue }
		b[t.ID] = t
		accepted++
	}
	return accepted, nil
}

func (m *Memory) ListTrips(ctx context.Context, tenantID string, from, to time.Time, fleet string, limit int) ([]model.Trip, error) {
	m.mu.Lock(); defer m.mu.Unlock()
	out := []model.Trip{}
	for _, t := range m.trips[tenantID] {
		if t.EndAt.Before(from) || t.EndAt.After(to) { continue }
		if fleet != "" && t.Fleet != fleet { continue }
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].EndAt.Equal(out[j].EndAt) { return out[i].EndAt.Before(out[j].EndAt) }
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit { out = out[:limit] }
	return out, nil
}

func (m *Memory) InsertDeliveries(ctx context.Context, tenantID string, deliveries []model.DeliveryRecord) (int, error) {
	m.mu.Lock(); defer m.mu.Unlock()
	b := bucket(m.deliver, tenantID)
	for _, d := range deliveries { b[d.Key()] = d }
	return len(deliveries), nil
}

func (m *Memory) ListDeliveries(ctx context.Context, tenantID, startDate, endDate string) ([]model.DeliveryRecord, error) {
	m.mu.Lock(); defer m.mu.Unlock()
	out := []model.DeliveryRecord{}
	for _, d := range m.deliver[tenantID] {
		if (startDate != "" && d.DeliveryDate < startDate) || (endDate != "" && d.DeliveryDate > endDate) { continue }
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out, nil
}

func (m *Memory) UpsertAttribution(ctx context.Context, tenantID string, att model.Attribution) error {
	m.mu.Lock(); defer m.mu.Unlock()
	bucket(m.atts, tenantID)[att.EventID] = att
	return nil
}

func (m *Memory) ListAttributions(ctx context.Context, tenantID string, from, to time.Time) ([]model.Attribution, error) {
	m.mu.Lock(); defer m.mu.Unlock()
	out := []model.Attribution{}
	for id, a := range m.atts[tenantID] {
		e, ok := m.events[tenantID][id]
		if ok && (e.OccurredAt.Before(from) || e.OccurredAt.After(to)) { continue }
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EventID < out[j].EventID })
	return out, nil
}

func (m *Memory) UpsertCorrelation(ctx context.Context, tenantID string, c model.Correlation) error {
	m.mu.Lock(); defer m.mu.Unlock()
	if c.CreatedAt.IsZero() { c.CreatedAt = time.Now().UTC() }
	bucket(m.corrs, tenantID)[c.TripID+"|"+c.DeliveryKey] = c
	return nil
}

func (m *Memory) ListCorrelations(ctx context.Context, tenantID, runID string, minConfidence float64, limit int) ([]model.Correlation, error) {
	m.mu.Lock(); defer m.mu.Unlock()
	out := []model.Correlation{}
	for _, c := range m.corrs[tenantID] {
		if runID != "" && c.RunID != runID { continue }
		if c.Confidence < minConfidence { continue }
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Confidence != out[j].Confidence { return out[i].Confidence > out[j].Confidence }
		return out[i].TripID+"|"+out[i].DeliveryKey < out[j].TripID+"|"+out[j].DeliveryKey
	})
	if limit > 0 && len(out) > limit { out = out[:limit] }
	return out, nil
}

func (m *Memory) ClearCorrelations(ctx context.Context, tenantID string, from, to time.Time) (int, error) {
	m.mu.Lock(); defer m.mu.Unlock()
	b := m.corrs[tenantID]
	removed := 0
	for k, c := range b {
		t, ok := m.trips[tenantID][c.TripID]
		if !ok { continue }
		if t.EndAt.Before(from) || t.EndAt.After(to) { continue }
		delete(b, k)
		removed++
	}
	return removed, nil
}

func (m *Memory) SaveRunStats(ctx context.Context, tenantID string, stats model.RunStats) error {
	m.mu.Lock(); defer m.mu.Unlock()
	for i := range m.runs[tenantID] {
		if m.runs[tenantID][i].RunID == stats.RunID { m.runs[tenantID][i] = stats; return nil }
	}
	m.runs[tenantID] = append(m.runs[tenantID], stats)
	return nil
}

func (m *Memory) ListRunStats(ctx context.Context, tenantID string, limit int) ([]model.RunStats, error) {
	m.mu.Lock(); defer m.mu.Unlock()
	runs := m.runs[tenantID]
	out := []model.RunStats{}
	for i := len(runs) - 1; i >= 0; i-- {
		out = append(out, runs[i])
		if limit > 0 && len(out) >= limit { break }
	}
	return out, nil
}

func (m *Memory) SaveDriverMetrics(ctx context.Context, tenantID string, metrics []model.DriverSafetyMetric, rankings []model.DriverRanking) error {
	m.mu.Lock(); defer m.mu.Unlock()
	m.metrics[tenantID] = append([]model.DriverSafetyMetric(nil), metrics...)
	m.rankings[tenantID] = append([]model.DriverRanking(nil), rankings...)
	return nil
}

func (m *Memory) ListDriverMetrics(ctx context.Context, tenantID string) ([]model.DriverSafetyMetric, error) {
	m.mu.Lock(); defer m.mu.Unlock()
	return append([]model.DriverSafetyMetric(nil), m.metrics[tenantID]...), nil
}

func (m *Memory) ListDriverRankings(ctx context.Context, tenantID string) ([]model.DriverRanking, error) {
	m.mu.Lock(); defer m.mu.Unlock()
	return append([]model.DriverRanking(nil), m.rankings[tenantID]...), nil
}

func (m *Memory) CreateSubscription(ctx context.Context, req model.SubscriptionRequest) (model.Subscription, error) {
	m.mu.Lock(); defer m.mu.Unlock()
	s := model.Subscription{ID: uuid.New().String(), TenantID: req.TenantID, URL: req.URL, Events: req.Events, Secret: req.Secret}
	m.subs[req.TenantID] = append(m.subs[req.TenantID], s)
	return s, nil
}

func (m *Memory) GetSubscriptionsForEvent(ctx context.Context, tenantID, eventType string) ([]model.Subscription, error) {
	m.mu.Lock(); defer m.mu.Unlock()
	var out []model.Subscription
	for _, s := range m.subs[tenantID] {
		for _, e := range s.Events {
			if e == eventType { out = append(out, s); break }
		}
	}
	return out, nil
}

func (m *Memory) ListSubscriptions(ctx context.Context, tenantID string, limit int) ([]model.Subscription, error) {
	m.mu.Lock(); defer m.mu.Unlock()
	out := append([]model.Subscription(nil), m.subs[tenantID]...)
	if limit > 0 && len(out) > limit { out = out[:limit] }
	return out, nil
}

func (m *Memory) DeleteSubscription(ctx context.Context, tenantID, id string) error {
	m.mu.Lock(); defer m.mu.Unlock()
	arr := m.subs[tenantID]
	out := make([]model.Subscription, 0, len(arr))
	for _, s := range arr {
		if s.ID != id { out = append(out, s) }
	}
	if len(out) == len(arr) { return ErrNotFound }
	m.subs[tenantID] = out
	return nil
}

func (m *Memory) EnqueueWebhook(ctx context.Context, tenantID, subscriptionID, eventType, url, secret string, payload []byte) (string, error) {
	m.mu.Lock(); defer m.mu.Unlock()
	id := uuid.New().String()
	m.delivQ[id] = &memDelivery{WebhookDelivery: WebhookDelivery{ID: id, TenantID: tenantID, SubscriptionID: subscriptionID, EventType: eventType, URL: url, Secret: secret, Payload: payload, Status: "pending"}, NextAttemptAt: time.Now()}
	m.delivIDs = append(m.delivIDs, id)
	return id, nil
}

func (m *Memory) FetchDueWebhookDeliveries(ctx context.Context, limit int) ([]WebhookDelivery, error) {
	m.mu.Lock(); defer m.mu.Unlock()
	now := time.Now()
	out := []WebhookDelivery{}
	for _, id := range m.delivIDs {
		d := m.delivQ[id]
		if d == nil { continue }
		if (d.Status == "pending" || d.Status == "retry") && !d.NextAttemptAt.After(now) {
			out = append(out, d.WebhookDelivery)
			if limit > 0 && len(out) >= limit { break }
		}
	}
	return out, nil
}

func (m *Memory) MarkWebhookDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int, latencyMs int) error {
	m.mu.Lock(); defer m.mu.Unlock()
	d := m.delivQ[id]
	if d == nil { return nil }
	d.Attempts++
	if success {
		d.Status = "delivered"
	} else {
		d.Status = "retry"
		if nextAttemptAt != nil { d.NextAttemptAt = *nextAttemptAt } else { d.NextAttemptAt = time.Now().Add(time.Minute) }
	}
	return nil
}

func (m *Memory) FailWebhookDelivery(ctx context.Context, id string, lastError string, responseCode int, latencyMs int) error {
	m.mu.Lock(); defer m.mu.Unlock()
	if d := m.delivQ[id]; d != nil { d.Status = "failed" }
	return nil
}
