package router

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/HatiCode/evolvecast/pkg/storage"
)

func testSnapshot(name string, at time.Time) storage.Snapshot {
	return storage.Snapshot{
		Name:        name,
		RunID:       "run-1",
		GeneratedAt: at,
		Kind:        "horizontal-max",
		SpecID:      "abc",
		Interval:    0.9,
		Index:       []time.Time{at.Add(24 * time.Hour), at.Add(48 * time.Hour)},
		Series: []storage.SeriesForecast{
			{Series: "web", Template: "t1", Point: []float64{10, 11}, Lower: []float64{8, 9}, Upper: []float64{12, 13}},
			{Series: "orders", Template: "t2", Point: []float64{5, 6}, Lower: []float64{4, 5}, Upper: []float64{6, 7}},
		},
	}
}

func setup(t *testing.T, health func() error, snapshots ...storage.Snapshot) http.Handler {
	t.Helper()
	store := storage.NewMemoryStore()
	for _, s := range snapshots {
		if err := store.Put(context.Background(), s); err != nil {
			t.Fatalf("failed to put snapshot: %v", err)
		}
	}
	return SetupRoutes(store, 2*time.Minute, health, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func get(h http.Handler, target string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, target, nil))
	return w
}

func TestHealthEndpoint(t *testing.T) {
	ready := errors.New("no forecast published yet")
	h := setup(t, func() error { return ready })

	if w := get(h, "/healthz"); w.Code != http.StatusServiceUnavailable {
		t.Errorf("status code = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
	ready = nil
	w := get(h, "/healthz")
	if w.Code != http.StatusOK || w.Body.String() != "OK" {
		t.Errorf("healthz = %d %q, want 200 OK", w.Code, w.Body.String())
	}
}

func TestMetricsEndpoint(t *testing.T) {
	w := get(setup(t, nil), "/metrics")
	if w.Code != http.StatusOK {
		t.Errorf("status code = %d, want %d", w.Code, http.StatusOK)
	}
	if w.Header().Get("Content-Type") == "" {
		t.Error("Content-Type header should be set for metrics endpoint")
	}
}

func TestGetSnapshot_Errors(t *testing.T) {
	h := setup(t, nil, testSnapshot("daily", time.Now()))

	tests := []struct {
		name   string
		target string
		want   int
	}{
		{"missing name", "/forecast/current", http.StatusBadRequest},
		{"invalid name", "/forecast/current?name=a%20b", http.StatusBadRequest},
		{"not found", "/forecast/current?name=weekly", http.StatusNotFound},
		{"unknown series", "/forecast/current?name=daily&series=stock", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := get(h, tt.target)
			if w.Code != tt.want {
				t.Errorf("status code = %d, want %d", w.Code, tt.want)
			}
			var body struct{ Error string }
			if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil || body.Error == "" {
				t.Errorf("body = %q, want an error message", w.Body.String())
			}
		})
	}

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/forecast/current?name=daily", nil))
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST status code = %d, want %d", w.Code, http.StatusMethodNotAllowed)
	}
}

func TestGetSnapshot_Success(t *testing.T) {
	h := setup(t, nil, testSnapshot("daily", time.Now()))

	w := get(h, "/forecast/current?name=daily")
	if w.Code != http.StatusOK {
		t.Fatalf("status code = %d, want %d", w.Code, http.StatusOK)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
	if w.Header().Get(StaleHeader) == "true" {
		t.Error("snapshot should not be marked as stale")
	}

	var got storage.Snapshot
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if got.Name != "daily" || got.Kind != "horizontal-max" || len(got.Series) != 2 || len(got.Index) != 2 {
		t.Errorf("snapshot = %+v", got)
	}
	if got.Series[0].Upper[1] != 13 {
		t.Errorf("web upper = %v, want [12 13]", got.Series[0].Upper)
	}
}

func TestGetSnapshot_SeriesFilter(t *testing.T) {
	h := setup(t, nil, testSnapshot("daily", time.Now()))

	w := get(h, "/forecast/current?name=daily&series=orders")
	var got storage.Snapshot
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if len(got.Series) != 1 || got.Series[0].Series != "orders" {
		t.Errorf("series = %+v, want only orders", got.Series)
	}

	// The stored snapshot is unchanged.
	w = get(h, "/forecast/current?name=daily")
	_ = json.Unmarshal(w.Body.Bytes(), &got)
	if len(got.Series) != 2 {
		t.Errorf("stored series = %d, want 2", len(got.Series))
	}
}

func TestGetSnapshot_Stale(t *testing.T) {
	h := setup(t, nil, testSnapshot("daily", time.Now().Add(-5*time.Minute)))

	w := get(h, "/forecast/current?name=daily")
	if w.Code != http.StatusOK {
		t.Errorf("status code = %d, want %d", w.Code, http.StatusOK)
	}
	if w.Header().Get(StaleHeader) != "true" {
		t.Error("snapshot should be marked as stale")
	}

	store := storage.NewMemoryStore()
	_ = store.Put(context.Background(), testSnapshot("daily", time.Now().Add(-72*time.Hour)))
	h = SetupRoutes(store, 0, nil, nil)
	if w := get(h, "/forecast/current?name=daily"); w.Header().Get(StaleHeader) != "" {
		t.Error("zero staleAfter should never mark snapshots stale")
	}
}
