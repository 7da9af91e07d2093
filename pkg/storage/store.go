// Package storage keeps the latest published forecast per name so it can be
// served over HTTP or read by other instances.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/HatiCode/evolvecast/pkg/executor"
)

// SeriesForecast is the published forecast of one series.
type SeriesForecast struct {
	Series   string    `json:"series"`
	Template string    `json:"template,omitempty"`
	Point    []float64 `json:"point"`
	Lower    []float64 `json:"lower"`
	Upper    []float64 `json:"upper"`
}

// Snapshot is one published forecast.
type Snapshot struct {
	Name        string    `json:"name"`
	RunID       string    `json:"run_id"`
	GeneratedAt time.Time `json:"generated_at"`

	// Kind and SpecID identify the deployed template or ensemble.
	Kind   string `json:"kind"`
	SpecID string `json:"spec_id"`

	Interval float64          `json:"interval"`
	Index    []time.Time      `json:"index"`
	Series   []SeriesForecast `json:"series"`
}

// Store persists the latest snapshot per name.
type Store interface {
	Put(ctx context.Context, snapshot Snapshot) error
	GetLatest(ctx context.Context, name string) (Snapshot, bool, error)
}

// NewSnapshot flattens a forecast into a snapshot.
func NewSnapshot(name, runID string, fc *executor.Forecast, interval float64, at time.Time) (Snapshot, error) {
	if fc == nil || fc.Point == nil {
		return Snapshot{}, errors.New("forecast is empty")
	}
	s := Snapshot{
		Name:        name,
		RunID:       runID,
		GeneratedAt: at.UTC(),
		Kind:        string(fc.Kind),
		SpecID:      fc.SpecID,
		Interval:    interval,
		Index:       append([]time.Time(nil), fc.Point.Index...),
	}
	for c, series := range fc.Point.Columns {
		lo, ok := fc.Lower.Column(series)
		if !ok {
			return Snapshot{}, fmt.Errorf("lower forecast missing series %q", series)
		}
		up, ok := fc.Upper.Column(series)
		if !ok {
			return Snapshot{}, fmt.Errorf("upper forecast missing series %q", series)
		}
		s.Series = append(s.Series, SeriesForecast{
			Series:   series,
			Template: fc.Assignment[series],
			Point:    append([]float64(nil), fc.Point.Values[c]...),
			Lower:    append([]float64(nil), lo...),
			Upper:    append([]float64(nil), up...),
		})
	}
	return s, nil
}

// ValidateName reports whether name can key a snapshot.
func ValidateName(name string) error {
	if name == "" {
		return errors.New("snapshot name required")
	}
	for _, c := range name {
		if !((c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') ||
			(c >= '0' && c <= '9') || c == '-' || c == '_') {
			return fmt.Errorf("invalid snapshot name %q: only alphanumeric, hyphens, and underscores allowed", name)
		}
	}
	return nil
}
