package models

import (
	"context"
	"math"
	"testing"
)

func TestBaselineModel_Name(t *testing.T) {
	model := NewBaselineModel(10, true, 24, 0.5, false)
	if got := model.Name(); got != "baseline(w=10,p=24)" {
		t.Errorf("Name() = %q, want %q", got, "baseline(w=10,p=24)")
	}
}

func TestBaselineModel_Predict(t *testing.T) {
	tests := []struct {
		name        string
		model       *BaselineModel
		values      []float64
		horizon     int
		wantErr     bool
		checkValues func(t *testing.T, point []float64)
	}{
		{
			name:    "constant series",
			model:   NewBaselineModel(10, true, 0, 0.5, false),
			values:  constantSeries(20, 100),
			horizon: 5,
			checkValues: func(t *testing.T, point []float64) {
				assertClose(t, "point", point, constantSeries(5, 100), 1e-9)
			},
		},
		{
			name:    "linear trend",
			model:   NewBaselineModel(10, true, 0, 0.5, false),
			values:  linearSeries(20, 1),
			horizon: 3,
			checkValues: func(t *testing.T, point []float64) {
				assertClose(t, "point", point, []float64{20, 21, 22}, 1e-9)
			},
		},
		{
			name:    "downward trend clamped",
			model:   NewBaselineModel(5, false, 0, 0.5, true),
			values:  linearSeries(10, -1),
			horizon: 3,
			checkValues: func(t *testing.T, point []float64) {
				for i, v := range point {
					if v < 0 {
						t.Errorf("point[%d] = %v, want >= 0", i, v)
					}
				}
			},
		},
		{
			name:    "seasonal profile",
			model:   NewBaselineModel(20, false, 4, 1, false),
			values:  repeat([]float64{50, 60, 50, 40}, 10),
			horizon: 4,
			checkValues: func(t *testing.T, point []float64) {
				if d := point[1] - point[0]; math.Abs(d-10) > 1 {
					t.Errorf("point[1]-point[0] = %.3f, want ~10", d)
				}
				if d := point[3] - point[1]; math.Abs(d+20) > 1 {
					t.Errorf("point[3]-point[1] = %.3f, want ~-20", d)
				}
			},
		},
		{
			name:    "too short",
			model:   NewBaselineModel(10, true, 0, 0.5, false),
			values:  []float64{1},
			horizon: 3,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			err := tt.model.Fit(ctx, Series{Values: tt.values})
			if (err != nil) != tt.wantErr {
				t.Fatalf("Fit() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			fc, err := tt.model.Predict(ctx, Request{Horizon: tt.horizon, Interval: 0.9})
			if err != nil {
				t.Fatalf("Predict() error = %v", err)
			}
			if len(fc.Point) != tt.horizon {
				t.Fatalf("len(Point) = %d, want %d", len(fc.Point), tt.horizon)
			}
			if tt.checkValues != nil {
				tt.checkValues(t, fc.Point)
			}
		})
	}
}

func TestComputeSeasonalPattern(t *testing.T) {
	p := computeSeasonalPattern([]float64{1, 2, 3})
	if p.mean != 2 || p.min != 1 || p.max != 3 || p.count != 3 {
		t.Errorf("pattern = %+v", p)
	}
	if math.Abs(p.stddev-1) > 1e-12 {
		t.Errorf("stddev = %v, want 1", p.stddev)
	}
	if computeSeasonalPattern(nil) != nil {
		t.Error("computeSeasonalPattern(nil) != nil")
	}
}

func TestLinearFit(t *testing.T) {
	intercept, slope := linearFit([]float64{3, 5, 7, 9})
	if math.Abs(intercept-3) > 1e-12 || math.Abs(slope-2) > 1e-12 {
		t.Errorf("linearFit() = (%v, %v), want (3, 2)", intercept, slope)
	}
}

func repeat(pattern []float64, times int) []float64 {
	out := make([]float64, 0, len(pattern)*times)
	for range times {
		out = append(out, pattern...)
	}
	return out
}
