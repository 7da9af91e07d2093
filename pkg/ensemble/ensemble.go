// Package ensemble combines validated templates into one deployable
// forecasting unit and scores the combination on the same holdouts the
// templates were validated on.
package ensemble

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"math"
	"slices"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/HatiCode/evolvecast/pkg/models"
)

// ErrEnsembleInfeasible is returned when no template validated on any series.
var ErrEnsembleInfeasible = errors.New("ensemble infeasible: no template validated for any series")

// Kind is an ensemble variant.
type Kind string

const (
	// Best deploys the single best template.
	Best          Kind = "best"
	Simple        Kind = "simple"
	Distance      Kind = "distance"
	HorizontalMax Kind = "horizontal-max"
	HorizontalMin Kind = "horizontal-min"
	Mosaic        Kind = "mosaic"
)

var kindAliases = map[string][]Kind{
	"all":        {Simple, Distance, HorizontalMax, HorizontalMin, Mosaic},
	"horizontal": {HorizontalMax},
	"auto":       {Simple, Distance, HorizontalMax, HorizontalMin},
}

// ParseKinds parses a comma-separated ensemble allow-list. "none" or an
// empty list disables ensembling.
func ParseKinds(list string) ([]Kind, error) {
	var out []Kind
	add := func(k Kind) {
		if !slices.Contains(out, k) {
			out = append(out, k)
		}
	}
	for _, part := range strings.Split(list, ",") {
		part = strings.ToLower(strings.TrimSpace(part))
		switch part {
		case "", "none":
			continue
		case string(Simple), string(Distance), string(HorizontalMax), string(HorizontalMin), string(Mosaic):
			add(Kind(part))
		default:
			kinds, ok := kindAliases[part]
			if !ok {
				return nil, fmt.Errorf("unknown ensemble %q", part)
			}
			for _, k := range kinds {
				add(k)
			}
		}
	}
	return out, nil
}

// Spec is a deployable forecasting unit: a single template or a
// combination of templates. Specs are identified by a hash of their content.
type Spec struct {
	ID   string `json:"-"`
	Kind Kind   `json:"kind"`

	// Weights are the member weights of simple and distance ensembles, and
	// the single member of Best with weight 1.
	Weights map[string]float64 `json:"weights,omitempty"`

	// Series assigns a template to each series for horizontal ensembles and
	// is the per-series fallback of mosaics.
	Series map[string]string `json:"series,omitempty"`

	// Mosaic assigns a template to each bucket of Bucket steps per series.
	Mosaic map[string][]string `json:"mosaic,omitempty"`
	Bucket int                 `json:"bucket,omitempty"`

	// Fallback serves series without an assignment.
	Fallback string `json:"fallback,omitempty"`
}

// finalize computes the content id.
func (s Spec) finalize() Spec {
	b, _ := json.Marshal(s)
	s.ID = fmt.Sprintf("%016x", xxhash.Sum64(b))
	return s
}

// Single returns a Best spec deploying one template.
func Single(templateID string) Spec {
	return Spec{Kind: Best, Weights: map[string]float64{templateID: 1}, Fallback: templateID}.finalize()
}

// Members returns every template id the spec may use, sorted.
func (s Spec) Members() []string {
	set := map[string]bool{}
	for id := range s.Weights {
		set[id] = true
	}
	for _, id := range s.Series {
		set[id] = true
	}
	for _, ids := range s.Mosaic {
		for _, id := range ids {
			set[id] = true
		}
	}
	if s.Fallback != "" {
		set[s.Fallback] = true
	}
	return slices.Sorted(maps.Keys(set))
}

// SeriesMembers returns the template ids Combine may read for one series,
// sorted: the assigned templates and the fallback for horizontal and mosaic
// specs, every member otherwise.
func (s Spec) SeriesMembers(series string) []string {
	switch s.Kind {
	case HorizontalMax, HorizontalMin, Mosaic:
		set := map[string]bool{}
		if id, ok := s.Series[series]; ok {
			set[id] = true
		}
		if s.Kind == Mosaic {
			for _, id := range s.Mosaic[series] {
				set[id] = true
			}
		}
		if s.Fallback != "" {
			set[s.Fallback] = true
		}
		return slices.Sorted(maps.Keys(set))
	}
	return s.Members()
}

// Assignment returns a human-readable description of which template serves
// a series.
func (s Spec) Assignment(series string) string {
	switch s.Kind {
	case HorizontalMax, HorizontalMin:
		if id, ok := s.Series[series]; ok {
			return id
		}
		return s.Fallback
	case Mosaic:
		if ids, ok := s.Mosaic[series]; ok {
			return strings.Join(ids, "|")
		}
		return s.Fallback
	case Best:
		return s.Fallback
	}
	return string(s.Kind) + ":" + strings.Join(slices.Sorted(maps.Keys(s.Weights)), "+")
}

// Combine merges the member forecasts of one series. forecasts maps
// template ids to forecasts; members that failed on the series are simply
// absent. Weighted kinds renormalize over the members present; assigned
// kinds fall back to the fallback template. ok is false when no usable
// forecast exists.
func (s Spec) Combine(series string, forecasts map[string]models.Forecast) (fc models.Forecast, ok bool) {
	switch s.Kind {
	case Simple, Distance, Best:
		return s.weighted(forecasts)
	case HorizontalMax, HorizontalMin:
		if id, ok := s.Series[series]; ok {
			if fc, ok := forecasts[id]; ok {
				return cloneForecast(fc), true
			}
		}
		return s.fallback(forecasts)
	case Mosaic:
		return s.mosaic(series, forecasts)
	}
	return models.Forecast{}, false
}

func (s Spec) weighted(forecasts map[string]models.Forecast) (models.Forecast, bool) {
	total := 0.0
	horizon := -1
	ids := slices.Sorted(maps.Keys(s.Weights))
	for _, id := range ids {
		if fc, ok := forecasts[id]; ok {
			total += s.Weights[id]
			if horizon < 0 || len(fc.Point) < horizon {
				horizon = len(fc.Point)
			}
		}
	}
	if total <= 0 || horizon <= 0 {
		return s.fallback(forecasts)
	}
	out := models.Forecast{
		Point: make([]float64, horizon),
		Lower: make([]float64, horizon),
		Upper: make([]float64, horizon),
	}
	for _, id := range ids {
		fc, ok := forecasts[id]
		if !ok {
			continue
		}
		w := s.Weights[id] / total
		for i := range horizon {
			out.Point[i] += w * fc.Point[i]
			out.Lower[i] += w * fc.Lower[i]
			out.Upper[i] += w * fc.Upper[i]
		}
	}
	return out, true
}

func (s Spec) mosaic(series string, forecasts map[string]models.Forecast) (models.Forecast, bool) {
	base, ok := Spec{Kind: HorizontalMax, Series: s.Series, Fallback: s.Fallback}.Combine(series, forecasts)
	if !ok {
		return models.Forecast{}, false
	}
	ids, ok := s.Mosaic[series]
	if !ok || s.Bucket <= 0 {
		return base, true
	}
	out := cloneForecast(base)
	for i := range out.Point {
		b := i / s.Bucket
		if b >= len(ids) {
			break
		}
		fc, ok := forecasts[ids[b]]
		if !ok || i >= len(fc.Point) {
			continue
		}
		out.Point[i], out.Lower[i], out.Upper[i] = fc.Point[i], fc.Lower[i], fc.Upper[i]
	}
	return out, true
}

func (s Spec) fallback(forecasts map[string]models.Forecast) (models.Forecast, bool) {
	if fc, ok := forecasts[s.Fallback]; ok && s.Fallback != "" {
		return cloneForecast(fc), true
	}
	return models.Forecast{}, false
}

func cloneForecast(fc models.Forecast) models.Forecast {
	return models.Forecast{
		Point: slices.Clone(fc.Point),
		Lower: slices.Clone(fc.Lower),
		Upper: slices.Clone(fc.Upper),
	}
}

// isFinite reports whether every value of fc is finite.
func isFinite(fc models.Forecast) bool {
	for _, vs := range [][]float64{fc.Point, fc.Lower, fc.Upper} {
		for _, v := range vs {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return false
			}
		}
	}
	return true
}
