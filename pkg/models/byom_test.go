package models

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestBYOMModel_Name(t *testing.T) {
	model := NewBYOMModel("http://localhost:8082/predict", 0)
	if model.Name() != "byom" {
		t.Errorf("expected name 'byom', got %q", model.Name())
	}
}

func TestBYOMModel_PredictBeforeFit(t *testing.T) {
	model := NewBYOMModel("http://localhost:8082/predict", 0)
	_, err := model.Predict(context.Background(), Request{Horizon: 3, Interval: 0.9})
	if !errors.Is(err, ErrNotFitted) {
		t.Errorf("Predict() error = %v, want ErrNotFitted", err)
	}
}

func TestBYOMModel_Predict_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("expected Content-Type application/json, got %s", r.Header.Get("Content-Type"))
		}

		var req byomRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("failed to decode request: %v", err)
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if req.Horizon != 5 {
			t.Errorf("expected horizon 5, got %d", req.Horizon)
		}
		if len(req.Values) != 3 {
			t.Errorf("expected 3 values, got %d", len(req.Values))
		}

		point := make([]float64, req.Horizon)
		for i := range point {
			point[i] = 100.0 + float64(i)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(byomResponse{Point: point})
	}))
	defer server.Close()

	model := NewBYOMModel(server.URL, time.Second)
	ctx := context.Background()
	if err := model.Fit(ctx, Series{Values: []float64{1, 2, 4}}); err != nil {
		t.Fatalf("Fit() error = %v", err)
	}

	fc, err := model.Predict(ctx, Request{Horizon: 5, Interval: 0.9})
	if err != nil {
		t.Fatalf("Predict failed: %v", err)
	}
	if err := fc.Validate(5); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if fc.Point[0] != 100.0 {
		t.Errorf("expected first value 100.0, got %f", fc.Point[0])
	}
	for i := range fc.Point {
		if !(fc.Lower[i] < fc.Point[i] && fc.Point[i] < fc.Upper[i]) {
			t.Errorf("step %d: bounds not around point: %v %v %v", i, fc.Lower[i], fc.Point[i], fc.Upper[i])
		}
	}
}

func TestBYOMModel_Predict_Errors(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{
			name: "http error",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusInternalServerError)
				_, _ = w.Write([]byte("internal server error"))
			},
		},
		{
			name: "invalid json",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte("{invalid json"))
			},
		},
		{
			name: "wrong length",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_ = json.NewEncoder(w).Encode(byomResponse{Point: []float64{1, 2}})
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(tt.handler)
			defer server.Close()

			model := NewBYOMModel(server.URL, time.Second)
			ctx := context.Background()
			_ = model.Fit(ctx, Series{Values: []float64{1, 2, 3}})
			if _, err := model.Predict(ctx, Request{Horizon: 5, Interval: 0.9}); err == nil {
				t.Error("Predict() error = nil, want error")
			}
		})
	}
}

func TestBYOMModel_ContextCancellation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		_ = json.NewEncoder(w).Encode(byomResponse{Point: []float64{1}})
	}))
	defer server.Close()

	model := NewBYOMModel(server.URL, 5*time.Second)
	_ = model.Fit(context.Background(), Series{Values: []float64{1, 2, 3}})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := model.Predict(ctx, Request{Horizon: 1, Interval: 0.9}); err == nil {
		t.Error("Predict() error = nil, want context deadline error")
	}
}
