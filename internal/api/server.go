// Package api implements HTTP handlers and helpers for the fleetcorr service.
package api

import (
	"context"
	"log"
	"net/http"
	"os"
	"strings"

	"fleetcorr/internal/batch"
	"fleetcorr/internal/correlate"
	"fleetcorr/internal/resolve"
	"fleetcorr/internal/store"
	"fleetcorr/internal/webhooks"
)

type Server struct {
	Store    store.Store
	Pub      *webhooks.Publisher
	Broker   EventBroker
	Resolver *resolve.Runner
	Corr     correlate.Config
}

// NewServer wires the service from environment. DATABASE_URL unset selects the
// in-memory store; REDIS_URL selects the multi-replica event broker.
func NewServer() (*Server, error) {
	var s store.Store
	if dsn := strings.TrimSpace(os.Getenv("DATABASE_URL")); dsn == "" {
		s = store.NewMemory()
	} else {
		sp, err := store.NewPostgres(dsn)
		if err != nil {
			return nil, err
		}
		if os.Getenv("DB_MIGRATE") != "false" {
			if err := sp.MigrateDir("db/migrations"); err != nil {
				log.Printf("migrate: %v", err)
			}
		}
		s = sp
	}

	cfg, err := correlate.LoadConfig(os.Getenv("CORRELATION_CONFIG"))
	if err != nil {
		return nil, err
	}

	var broker EventBroker
	if os.Getenv("REDIS_URL") != "" {
		if rb, err := NewRedisBroker(); err == nil {
			broker = rb
		} else {
			log.Printf("redis broker unavailable, using in-memory: %v", err)
			broker = NewBroker()
		}
	} else {
		broker = NewBroker()
	}

	return &Server{
		Store:    s,
		Pub:      webhooks.NewPublisher(s),
		Broker:   broker,
		Resolver: &resolve.Runner{Store: s},
		Corr:     cfg,
	}, nil
}

func (s *Server) orchestrator() *batch.Orchestrator {
	o := batch.NewOrchestrator(s.Store, s.Corr)
	o.Notifier = brokerNotifier{s.Broker}
	o.Emitter = s.Pub
	return o
}

// brokerNotifier adapts the EventBroker to the orchestrator's progress hook.
type brokerNotifier struct{ b EventBroker }

func (n brokerNotifier) Publish(runID string, event any) {
	m, ok := event.(map[string]any)
	if !ok {
		m = map[string]any{"value": event}
	}
	typ, _ := m["type"].(string)
	if typ == "" {
		typ = "run.event"
	}
	n.b.Publish(runID, SSEEvent{Type: typ, Data: m})
}

func (s *Server) withTenant(r *http.Request) (context.Context, string) {
	// Tenant from header; production fronting proxies inject it after auth.
	tenant := r.Header.Get("X-Tenant-Id")
	if tenant == "" {
		tenant = "t_demo"
	}
	ctx := context.WithValue(r.Context(), ctxKeyTenant{}, tenant)
	return ctx, tenant
}

type ctxKeyTenant struct{}

// NewWebhookWorker creates the background worker for webhook deliveries.
func (s *Server) NewWebhookWorker() *webhooks.Worker {
	return webhooks.NewWorker(s.Store)
}
