package main

import (
	"log"
	"net/http"
	"os"
	"time"

	"fleetcorr/internal/api"
	"fleetcorr/internal/metrics"
)

func main() {
	srvDeps, err := api.NewServer()
	if err != nil {
		log.Fatalf("failed to init server: %v", err)
	}

	mux := http.NewServeMux()

	// Feed ingestion
	mux.HandleFunc("/v1/import/", srvDeps.ImportHandler)

	// Reference data
	mux.HandleFunc("/v1/drivers", srvDeps.DriversHandler)
	mux.HandleFunc("/v1/vehicles", srvDeps.VehiclesHandler)
	mux.HandleFunc("/v1/terminals", srvDeps.TerminalsHandler)
	mux.HandleFunc("/v1/terminals/", srvDeps.TerminalsHandler) // nearest, within, match

	// Identity resolution
	mux.HandleFunc("/v1/resolve/run", srvDeps.ResolveRunHandler)
	mux.HandleFunc("/v1/resolve/event", srvDeps.ResolveEventHandler)
	mux.HandleFunc("/v1/attributions", srvDeps.AttributionsHandler)

	// Trip-delivery correlation
	mux.HandleFunc("/v1/correlate/run", srvDeps.CorrelateRunHandler)
	mux.HandleFunc("/v1/correlate/runs", srvDeps.CorrelationRunsHandler)
	mux.HandleFunc("/v1/correlations", srvDeps.CorrelationsHandler)

	// Driver safety rollups
	mux.HandleFunc("/v1/safety/recompute", srvDeps.SafetyRecomputeHandler)
	mux.HandleFunc("/v1/safety/metrics", srvDeps.SafetyMetricsHandler)
	mux.HandleFunc("/v1/safety/rankings", srvDeps.SafetyRankingsHandler)

	// Run event streams
	mux.HandleFunc("/v1/runs/ws", srvDeps.RunWSHandler)
	mux.HandleFunc("/v1/runs/", srvDeps.RunStreamHandler) // {id}/events/stream

	// Webhook subscriptions
	mux.HandleFunc("/v1/subscriptions", srvDeps.SubscriptionsHandler)
	mux.HandleFunc("/v1/subscriptions/", srvDeps.SubscriptionByIDHandler)

	// Ops
	mux.HandleFunc("/healthz", srvDeps.HealthHandler)
	mux.HandleFunc("/readyz", srvDeps.ReadyHandler)
	mux.HandleFunc("/version", srvDeps.VersionHandler)
	mux.HandleFunc("/openapi.yaml", srvDeps.OpenAPIHandler)
	mux.HandleFunc("/openapi.json", srvDeps.OpenAPIHandler)
	mux.Handle("/metrics", metrics.Handler())

	addr := ":8080"
	if v := os.Getenv("PORT"); v != "" {
		addr = ":" + v
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           logMiddleware(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	log.Printf("API listening on %s", addr)
	worker := srvDeps.NewWebhookWorker()
	worker.Start()
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("server error: %v", err)
	}
}

func logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		metrics.HTTPRequests.WithLabelValues(r.Method, r.URL.Path).Inc()
		log.Printf("%s %s %s %v", r.RemoteAddr, r.Method, r.URL.Path, time.Since(start))
	})
}
