package adapters

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// PrometheusAdapter fetches a series through the Prometheus HTTP API with a
// /api/v1/query_range call. If the query returns several series, values
// with the same timestamp are summed.
type PrometheusAdapter struct {
	// ServerURL is the base URL, e.g. http://prometheus.monitoring.svc:9090
	ServerURL string
	Query     string
	// Step is the query resolution (defaults to 1m if <= 0).
	Step time.Duration
	// HTTPClient is optional; if nil a default client with timeout is used.
	HTTPClient *http.Client
}

func (p *PrometheusAdapter) Name() string { return "prometheus" }

// Collect implements Adapter.
func (p *PrometheusAdapter) Collect(ctx context.Context, window time.Duration) ([]Point, error) {
	return queryRange(ctx, p.HTTPClient, p.ServerURL, p.Query, window, p.Step, "prometheus")
}

// VictoriaMetricsAdapter fetches a series from VictoriaMetrics through its
// Prometheus-compatible API.
type VictoriaMetricsAdapter struct {
	// ServerURL is the base URL, e.g. http://victoria-metrics:8428
	ServerURL string
	// Query is a MetricsQL or PromQL expression.
	Query      string
	Step       time.Duration
	HTTPClient *http.Client
}

func (v *VictoriaMetricsAdapter) Name() string { return "victoria-metrics" }

// Collect implements Adapter.
func (v *VictoriaMetricsAdapter) Collect(ctx context.Context, window time.Duration) ([]Point, error) {
	return queryRange(ctx, v.HTTPClient, v.ServerURL, v.Query, window, v.Step, "victoria-metrics")
}

func queryRange(ctx context.Context, cli *http.Client, serverURL, query string, window, step time.Duration, source string) ([]Point, error) {
	if serverURL == "" || query == "" {
		return nil, errors.New(source + ": server URL and query are required")
	}
	if step <= 0 {
		step = time.Minute
	}
	now := time.Now().UTC().Truncate(time.Second)
	start := now.Add(-window)

	u, err := url.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("invalid server URL: %w", err)
	}
	u.Path = "/api/v1/query_range"

	q := u.Query()
	q.Set("query", query)
	q.Set("start", strconv.FormatInt(start.Unix(), 10))
	q.Set("end", strconv.FormatInt(now.Unix(), 10))
	q.Set("step", strconv.Itoa(int(step.Seconds())))
	u.RawQuery = q.Encode()

	if cli == nil {
		cli = &http.Client{Timeout: 10 * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := cli.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s: status %d", source, resp.StatusCode)
	}

	var pr RangeResponse
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		return nil, fmt.Errorf("decode %s response: %w", source, err)
	}
	if pr.Status != "success" {
		return nil, fmt.Errorf("%s status: %s", source, pr.Status)
	}
	return AggregateRangeResult(pr.Data.Result)
}

// RangeResponse is a query_range response of Prometheus and compatible
// systems.
type RangeResponse struct {
	Status string `json:"status"`
	Data   struct {
		ResultType string       `json:"resultType"`
		Result     []RangeSerie `json:"result"`
	} `json:"data"`
}

// RangeSerie is one series of a range result.
type RangeSerie struct {
	Metric map[string]string `json:"metric"`
	// Values is an array of [ <unix_time_float>, "<value_string>" ]
	Values [][]any `json:"values"`
}

// AggregateRangeResult sums the series of a range result per timestamp and
// returns the points sorted by time.
func AggregateRangeResult(series []RangeSerie) ([]Point, error) {
	acc := make(map[int64]float64)
	for _, s := range series {
		for _, pair := range s.Values {
			if len(pair) != 2 {
				return nil, fmt.Errorf("invalid value pair length: %d", len(pair))
			}
			ts, err := number(pair[0])
			if err != nil {
				return nil, fmt.Errorf("timestamp: %w", err)
			}
			val, err := number(pair[1])
			if err != nil {
				return nil, fmt.Errorf("value: %w", err)
			}
			acc[int64(ts)] += val
		}
	}

	pts := make([]Point, 0, len(acc))
	for ts, v := range acc {
		pts = append(pts, Point{TS: time.Unix(ts, 0).UTC(), Value: v})
	}
	sortPoints(pts)
	return pts, nil
}

func number(v any) (float64, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case json.Number:
		return x.Float64()
	case string:
		return strconv.ParseFloat(x, 64)
	default:
		return 0, fmt.Errorf("unexpected type %T", v)
	}
}
