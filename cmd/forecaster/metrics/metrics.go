// Package metrics provides Prometheus metrics instrumentation for the forecaster.
//
// It exposes operational metrics about the template search and the published
// forecast: run and generation durations, per-family evaluation timing and
// failures, the best score found, dropped series and the forecast age. All
// metrics are exposed via the /metrics HTTP endpoint for Prometheus scraping.
//
// Metrics exposed:
//   - evolvecast_run_seconds: Histogram of end-to-end run duration
//   - evolvecast_generation_seconds: Histogram of generation duration
//   - evolvecast_evaluation_seconds: Histogram of template evaluation duration by family
//   - evolvecast_evaluations_total: Counter of evaluations by family and status
//   - evolvecast_best_score: Gauge of the best composite score of the last generation
//   - evolvecast_generations_total: Counter of completed generations
//   - evolvecast_dropped_series: Gauge of series dropped by the quality filter
//   - evolvecast_forecast_age_seconds: Gauge of current forecast age
//   - evolvecast_interrupted_runs_total: Counter of runs whose search was interrupted
//   - evolvecast_errors_total: Counter of errors by component and reason
//
// All metrics include the forecast name label.
package metrics

import (
	"math"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/HatiCode/evolvecast/pkg/evolve"
)

// Metrics holds all Prometheus metrics for the forecaster. It implements
// evolve.Observer.
type Metrics struct {
	RunSeconds           prometheus.Histogram
	GenerationSeconds    prometheus.Histogram
	EvaluationSeconds    *prometheus.HistogramVec
	EvaluationsTotal     *prometheus.CounterVec
	BestScore            prometheus.Gauge
	GenerationsTotal     prometheus.Counter
	DroppedSeries        prometheus.Gauge
	ForecastAgeSeconds   prometheus.Gauge
	InterruptedRunsTotal prometheus.Counter
	ErrorsTotal          *prometheus.CounterVec
}

var _ evolve.Observer = (*Metrics)(nil)

// New creates and registers all metrics with the default registerer.
func New(name string) *Metrics {
	return NewWithRegisterer(prometheus.DefaultRegisterer, name)
}

// NewWithRegisterer creates the metrics and registers them with reg.
func NewWithRegisterer(reg prometheus.Registerer, name string) *Metrics {
	f := promauto.With(reg)
	labels := prometheus.Labels{"name": name}

	return &Metrics{
		RunSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Name:        "evolvecast_run_seconds",
			Help:        "Time spent on a full run: search, ensembling, forecast and export",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(1, 2, 14), // 1s .. ~2h
		}),

		GenerationSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Name:        "evolvecast_generation_seconds",
			Help:        "Time spent evaluating one generation",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(0.1, 2, 14),
		}),

		EvaluationSeconds: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "evolvecast_evaluation_seconds",
			Help:        "Time spent fitting and scoring a template on one split",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}, []string{"family"}),

		EvaluationsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name:        "evolvecast_evaluations_total",
			Help:        "Template evaluations by model family and status",
			ConstLabels: labels,
		}, []string{"family", "status"}),

		BestScore: f.NewGauge(prometheus.GaugeOpts{
			Name:        "evolvecast_best_score",
			Help:        "Best composite score after the last generation (lower is better)",
			ConstLabels: labels,
		}),

		GenerationsTotal: f.NewCounter(prometheus.CounterOpts{
			Name:        "evolvecast_generations_total",
			Help:        "Completed generations",
			ConstLabels: labels,
		}),

		DroppedSeries: f.NewGauge(prometheus.GaugeOpts{
			Name:        "evolvecast_dropped_series",
			Help:        "Series dropped by the data quality filter in the last run",
			ConstLabels: labels,
		}),

		ForecastAgeSeconds: f.NewGauge(prometheus.GaugeOpts{
			Name:        "evolvecast_forecast_age_seconds",
			Help:        "Age of the current forecast in seconds",
			ConstLabels: labels,
		}),

		InterruptedRunsTotal: f.NewCounter(prometheus.CounterOpts{
			Name:        "evolvecast_interrupted_runs_total",
			Help:        "Runs whose template search was interrupted",
			ConstLabels: labels,
		}),

		ErrorsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name:        "evolvecast_errors_total",
			Help:        "Total number of errors by component and reason",
			ConstLabels: labels,
		}, []string{"component", "reason"}),
	}
}

// ObserveEvaluation records one template evaluation on split.
func (m *Metrics) ObserveEvaluation(family string, _ int, d time.Duration, err error) {
	status := "ok"
	if err != nil {
		status = "failed"
	}
	m.EvaluationSeconds.WithLabelValues(family).Observe(d.Seconds())
	m.EvaluationsTotal.WithLabelValues(family, status).Inc()
}

// ObserveGeneration records a finished generation.
func (m *Metrics) ObserveGeneration(rec evolve.GenerationRecord) {
	m.GenerationSeconds.Observe(rec.Duration.Seconds())
	m.GenerationsTotal.Inc()
	if !math.IsInf(rec.BestScore, 0) && !math.IsNaN(rec.BestScore) {
		m.BestScore.Set(rec.BestScore)
	}
}

// RecordRun records a finished run.
func (m *Metrics) RecordRun(d time.Duration, dropped int, interrupted bool) {
	m.RunSeconds.Observe(d.Seconds())
	m.DroppedSeries.Set(float64(dropped))
	if interrupted {
		m.InterruptedRunsTotal.Inc()
	}
}

// SetForecastAge sets the current forecast age.
func (m *Metrics) SetForecastAge(seconds float64) {
	m.ForecastAgeSeconds.Set(seconds)
}

// RecordError increments the error counter.
func (m *Metrics) RecordError(component, reason string) {
	m.ErrorsTotal.WithLabelValues(component, reason).Inc()
}

