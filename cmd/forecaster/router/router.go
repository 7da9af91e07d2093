// Package router configures HTTP routes for the forecaster's HTTP API.
//
// Routes configured:
//   - GET /forecast/current?name=<name>[&series=<series>] - Latest forecast snapshot
//   - GET /healthz - Health check (503 until the first forecast is published)
//   - GET /metrics - Prometheus metrics endpoint
//
// Snapshots older than the stale threshold carry an X-Evolvecast-Stale header.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/HatiCode/evolvecast/pkg/httpx"
	"github.com/HatiCode/evolvecast/pkg/storage"
)

// StaleHeader marks snapshots older than the stale threshold.
const StaleHeader = "X-Evolvecast-Stale"

// SetupRoutes configures HTTP endpoints for the forecaster. A zero
// staleAfter never marks snapshots stale. healthCheck may be nil.
func SetupRoutes(store storage.Store, staleAfter time.Duration, healthCheck func() error, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	mux := http.NewServeMux()

	mux.Handle("GET /healthz", httpx.HealthHandler(healthCheck))
	mux.HandleFunc("GET /forecast/current", handleGetSnapshot(store, staleAfter, logger))
	mux.Handle("GET /metrics", promhttp.Handler())

	return httpx.Chain(mux, httpx.Recovery(logger), httpx.Logging(logger))
}

// handleGetSnapshot returns a handler for GET /forecast/current?name=<name>.
func handleGetSnapshot(store storage.Store, staleAfter time.Duration, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := r.URL.Query().Get("name")
		if name == "" {
			httpx.WriteErrorMessage(w, http.StatusBadRequest, "name parameter required")
			return
		}
		if err := storage.ValidateName(name); err != nil {
			httpx.WriteErrorMessage(w, http.StatusBadRequest, "invalid name format")
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		snapshot, found, err := store.GetLatest(ctx, name)
		if err != nil {
			logger.Error("failed to get snapshot", "name", name, "error", err)
			httpx.WriteErrorMessage(w, http.StatusInternalServerError, "internal server error")
			return
		}
		if !found {
			httpx.WriteErrorMessage(w, http.StatusNotFound, fmt.Sprintf("snapshot not found for %q", name))
			return
		}

		if series := r.URL.Query().Get("series"); series != "" {
			kept := snapshot.Series[:0:0]
			for _, s := range snapshot.Series {
				if s.Series == series {
					kept = append(kept, s)
				}
			}
			if len(kept) == 0 {
				httpx.WriteErrorMessage(w, http.StatusNotFound, fmt.Sprintf("series %q not in snapshot %q", series, name))
				return
			}
			snapshot.Series = kept
		}

		if staleAfter > 0 && time.Since(snapshot.GeneratedAt) > staleAfter {
			w.Header().Set(StaleHeader, "true")
		}
		if err := httpx.WriteJSON(w, http.StatusOK, snapshot); err != nil {
			logger.Error("failed to write JSON response", "error", err)
		}
	}
}
