package models

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"sync"
	"time"
)

// BYOMModel delegates forecasting to an external HTTP service, which lets any
// model (Prophet, TensorFlow, custom code) join the search as long as the
// service implements the contract below.
//
// Request (POST, JSON):
//
//	{"now": "...", "horizon": 28, "interval": 0.9,
//	 "values": [...], "regressors": [[...]], "future": [[...]]}
//
// Response:
//
//	{"point": [...], "lower": [...], "upper": [...]}
//
// lower and upper are optional; when absent the interval is derived from the
// spread of one-step changes of the history.
type BYOMModel struct {
	endpoint string
	client   *http.Client

	mu     sync.RWMutex
	fitted bool
	series Series
	sigma  float64
}

type byomRequest struct {
	Now        string      `json:"now"`
	Horizon    int         `json:"horizon"`
	Interval   float64     `json:"interval"`
	Values     []float64   `json:"values"`
	Regressors [][]float64 `json:"regressors,omitempty"`
	Future     [][]float64 `json:"future,omitempty"`
}

type byomResponse struct {
	Point []float64 `json:"point"`
	Lower []float64 `json:"lower"`
	Upper []float64 `json:"upper"`
}

// NewBYOMModel creates a new BYOM model that delegates to an external HTTP service.
func NewBYOMModel(endpoint string, timeout time.Duration) *BYOMModel {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &BYOMModel{
		endpoint: endpoint,
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				IdleConnTimeout:     90 * time.Second,
				MaxIdleConnsPerHost: 2,
			},
		},
	}
}

// RegisterBYOM adds the byom family backed by endpoint to r.
func RegisterBYOM(r *Registry, endpoint string, timeout time.Duration) {
	r.Register(&Family{
		Name:       BYOM,
		Regressors: true,
		New: func(Params) (Model, error) {
			return NewBYOMModel(endpoint, timeout), nil
		},
	})
}

// Name returns the model identifier.
func (m *BYOMModel) Name() string {
	return BYOM
}

// Fit stores the history; the external service fits on every request.
func (m *BYOMModel) Fit(ctx context.Context, s Series) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateSeries(s, 1); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.series = s
	m.sigma = math.Sqrt(computeVariance(difference(s.Values, 1)))
	m.fitted = true
	return nil
}

// Predict calls the external BYOM HTTP service.
func (m *BYOMModel) Predict(ctx context.Context, req Request) (Forecast, error) {
	if err := validateRequest(req); err != nil {
		return Forecast{}, err
	}
	m.mu.RLock()
	series, sigma, fitted := m.series, m.sigma, m.fitted
	m.mu.RUnlock()
	if !fitted {
		return Forecast{}, ErrNotFitted
	}

	body, err := json.Marshal(byomRequest{
		Now:        time.Now().UTC().Format(time.RFC3339),
		Horizon:    req.Horizon,
		Interval:   req.Interval,
		Values:     series.Values,
		Regressors: series.Regressors,
		Future:     req.Future,
	})
	if err != nil {
		return Forecast{}, fmt.Errorf("byom: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, m.endpoint, bytes.NewReader(body))
	if err != nil {
		return Forecast{}, fmt.Errorf("byom: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(httpReq)
	if err != nil {
		return Forecast{}, fmt.Errorf("byom: http request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return Forecast{}, fmt.Errorf("byom: http %d: %s", resp.StatusCode, string(bodyBytes))
	}

	var out byomResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Forecast{}, fmt.Errorf("byom: decode response: %w", err)
	}

	if len(out.Point) != req.Horizon {
		return Forecast{}, fmt.Errorf("byom: expected %d predictions, got %d", req.Horizon, len(out.Point))
	}
	if len(out.Lower) != req.Horizon || len(out.Upper) != req.Horizon {
		out.Lower, out.Upper = normalBounds(out.Point, sigma, req.Interval, sqrtSpread)
	}

	return Forecast{Point: out.Point, Lower: out.Lower, Upper: out.Upper}, nil
}
