package models

import (
	"context"
	"sync"
	"testing"
)

func TestARIMAModel_RandomWalkWithDrift(t *testing.T) {
	model, err := NewARIMAModel(0, 1, 0)
	if err != nil {
		t.Fatalf("NewARIMAModel() error = %v", err)
	}
	ctx := context.Background()
	if err := model.Fit(ctx, Series{Values: linearSeries(20, 2)}); err != nil {
		t.Fatalf("Fit() error = %v", err)
	}
	fc, err := model.Predict(ctx, Request{Horizon: 3, Interval: 0.9})
	if err != nil {
		t.Fatalf("Predict() error = %v", err)
	}
	assertClose(t, "point", fc.Point, []float64{40, 42, 44}, 1e-9)
}

func TestARIMAModel_Errors(t *testing.T) {
	if _, err := NewARIMAModel(1, 3, 1); err == nil {
		t.Error("NewARIMAModel(d=3) error = nil, want error")
	}
	if _, err := NewARIMAModel(-1, 1, 1); err == nil {
		t.Error("NewARIMAModel(p=-1) error = nil, want error")
	}
	model, _ := NewARIMAModel(1, 1, 1)
	if err := model.Fit(context.Background(), Series{Values: linearSeries(5, 1)}); err == nil {
		t.Error("Fit(5 points) error = nil, want error")
	}
}

func TestDifferenceAndIntegrate(t *testing.T) {
	levels, tails := differenceLevels([]float64{1, 4, 9, 16, 25}, 2)
	assertClose(t, "level2", levels[2], []float64{2, 2, 2}, 0)
	assertClose(t, "tails", tails, []float64{25, 9}, 0)
	assertClose(t, "integrate", integrate([]float64{2, 2}, tails), []float64{36, 49}, 1e-12)
}

func TestSARIMAModel_Name(t *testing.T) {
	tests := []struct {
		p, d, q, P, D, Q, s int
		want                string
	}{
		{1, 1, 1, 1, 1, 1, 24, "sarima(1,1,1)(1,1,1,24)"},
		{2, 1, 2, 0, 0, 0, 0, "sarima(2,1,2)"},
	}
	for _, tt := range tests {
		model, err := NewSARIMAModel(tt.p, tt.d, tt.q, tt.P, tt.D, tt.Q, tt.s)
		if err != nil {
			t.Fatalf("NewSARIMAModel() error = %v", err)
		}
		if got := model.Name(); got != tt.want {
			t.Errorf("Name() = %q, want %q", got, tt.want)
		}
	}
}

func TestSARIMAModel_NewErrors(t *testing.T) {
	tests := []struct {
		name                string
		p, d, q, P, D, Q, s int
	}{
		{"d > 2", 1, 3, 1, 0, 0, 0, 0},
		{"D > 1", 1, 1, 1, 1, 2, 1, 24},
		{"seasonal without s", 1, 1, 1, 1, 1, 1, 0},
		{"negative order", -1, 1, 1, 0, 0, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewSARIMAModel(tt.p, tt.d, tt.q, tt.P, tt.D, tt.Q, tt.s); err == nil {
				t.Error("NewSARIMAModel() error = nil, want error")
			}
		})
	}
}

func TestSARIMAModel_SeasonalNaiveEquivalent(t *testing.T) {
	model, err := NewSARIMAModel(0, 0, 0, 0, 1, 0, 4)
	if err != nil {
		t.Fatalf("NewSARIMAModel() error = %v", err)
	}
	ctx := context.Background()
	if err := model.Fit(ctx, Series{Values: repeat([]float64{10, 20, 30, 40}, 10)}); err != nil {
		t.Fatalf("Fit() error = %v", err)
	}
	fc, err := model.Predict(ctx, Request{Horizon: 6, Interval: 0.9})
	if err != nil {
		t.Fatalf("Predict() error = %v", err)
	}
	assertClose(t, "point", fc.Point, []float64{10, 20, 30, 40, 10, 20}, 1e-9)
}

func TestSARIMAModel_InsufficientData(t *testing.T) {
	model, _ := NewSARIMAModel(1, 1, 1, 1, 1, 1, 24)
	if err := model.Fit(context.Background(), Series{Values: seasonalWithTrend(30, 24, 10, 0)}); err == nil {
		t.Error("Fit() error = nil, want insufficient data error")
	}
}

func TestSARIMAModel_ConcurrentPredict(t *testing.T) {
	model, _ := NewSARIMAModel(1, 1, 1, 1, 1, 0, 12)
	ctx := context.Background()
	if err := model.Fit(ctx, Series{Values: seasonalWithTrend(120, 12, 20, 0.3)}); err != nil {
		t.Fatalf("Fit() error = %v", err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fc, err := model.Predict(ctx, Request{Horizon: 24, Interval: 0.8})
			if err == nil {
				err = fc.Validate(24)
			}
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Errorf("concurrent Predict() error = %v", err)
		}
	}
}
