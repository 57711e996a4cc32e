package store

import (
	"context"
	"errors"
	"time"

	"fleetcorr/internal/model"
)

// Store is the persistence interface used by the correlation subsystem.
// Derived records (attributions, correlations, safety metrics) are idempotent
// upserts keyed by stable composite keys; last writer wins.
type Store interface {
	// Reference data
	UpsertDrivers(ctx context.Context, tenantID string, drivers []model.Driver) (int, error)
	ListDrivers(ctx context.Context, tenantID string) ([]model.Driver, error)
	UpsertVehicles(ctx context.Context, tenantID string, vehicles []model.Vehicle) (int, error)
	ListVehicles(ctx context.Context, tenantID string) ([]model.Vehicle, error)
	UpsertTerminals(ctx context.Context, tenantID string, terminals []model.Terminal) (int, error)
	ListTerminals(ctx context.Context, tenantID string) ([]model.Terminal, error)
	PutNameMappings(ctx context.Context, tenantID string, mappings []model.NameMapping) (int, error)
	ListNameMappings(ctx context.Context, tenantID string) ([]model.NameMapping, error)

	// Feed ingestion (raw records are immutable once stored)
	InsertRawEvents(ctx context.Context, tenantID string, events []model.RawEvent) (accepted int, err error)
	GetRawEvent(ctx context.Context, tenantID, id string) (model.RawEvent, error)
	ListRawEvents(ctx context.Context, tenantID string, from, to time.Time) ([]model.RawEvent, error)
	InsertTrips(ctx context.Context, tenantID string, trips []model.Trip) (int, error)
	ListTrips(ctx context.Context, tenantID string, from, to time.Time, fleet string, limit int) ([]model.Trip, error)
	InsertDeliveries(ctx context.Context, tenantID string, deliveries []model.DeliveryRecord) (int, error)
	ListDeliveries(ctx context.Context, tenantID, startDate, endDate string) ([]model.DeliveryRecord, error)

	// Attributions (upsert by event id)
	UpsertAttribution(ctx context.Context, tenantID string, att model.Attribution) error
	ListAttributions(ctx context.Context, tenantID string, from, to time.Time) ([]model.Attribution, error)

	// Correlations (upsert by trip id + delivery key)
	UpsertCorrelation(ctx context.Context, tenantID string, c model.Correlation) error
	ListCorrelations(ctx context.Context, tenantID, runID string, minConfidence float64, limit int) ([]model.Correlation, error)
	ClearCorrelations(ctx context.Context, tenantID string, from, to time.Time) (int, error)
	SaveRunStats(ctx context.Context, tenantID string, stats model.RunStats) error
	ListRunStats(ctx context.Context, tenantID string, limit int) ([]model.RunStats, error)

	// Safety rollups (full replace on recompute)
	SaveDriverMetrics(ctx context.Context, tenantID string, metrics []model.DriverSafetyMetric, rankings []model.DriverRanking) error
	ListDriverMetrics(ctx context.Context, tenantID string) ([]model.DriverSafetyMetric, error)
	ListDriverRankings(ctx context.Context, tenantID string) ([]model.DriverRanking, error)

	// Webhook subscriptions & deliveries
	CreateSubscription(ctx context.Context, req model.SubscriptionRequest) (model.Subscription, error)
	GetSubscriptionsForEvent(ctx context.Context, tenantID, eventType string) ([]model.Subscription, error)
	ListSubscriptions(ctx context.Context, tenantID string, limit int) ([]model.Subscription, error)
	DeleteSubscription(ctx context.Context, tenantID, id string) error
	EnqueueWebhook(ctx context.Context, tenantID, subscriptionID, eventType, url, secret string, payload []byte) (string, error)
	FetchDueWebhookDeliveries(ctx context.Context, limit int) ([]WebhookDelivery, error)
	MarkWebhookDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int, latencyMs int) error
	FailWebhookDelivery(ctx context.Context, id string, lastError string, responseCode int, latencyMs int) error
}

// WebhookDelivery is a queued outbound notification.
type WebhookDelivery struct {
	ID             string
	TenantID       string
	SubscriptionID string
	EventType      string
	URL            string
	Secret         string
	Payload        []byte
	Status         string
	Attempts       int
}

var ErrNotFound = errors.New("not found")
