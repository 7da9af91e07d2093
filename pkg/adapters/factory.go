package adapters

import (
	"encoding/json"
	"fmt"
	"time"
)

// New creates an adapter from its kind and a flat configuration map, as
// found in the data-source section of the config file.
//
// Supported kinds: "prometheus", "victoriametrics", "http".
func New(kind string, config map[string]string, step time.Duration) (Adapter, error) {
	switch kind {
	case "prometheus":
		query := config["query"]
		if query == "" {
			return nil, fmt.Errorf("prometheus adapter requires 'query' config")
		}
		return &PrometheusAdapter{ServerURL: withDefault(config["url"], "http://localhost:9090"), Query: query, Step: step}, nil
	case "victoriametrics":
		query := config["query"]
		if query == "" {
			return nil, fmt.Errorf("victoriametrics adapter requires 'query' config")
		}
		return &VictoriaMetricsAdapter{ServerURL: withDefault(config["url"], "http://localhost:8428"), Query: query, Step: step}, nil
	case "http":
		return newHTTP(config, step)
	default:
		return nil, fmt.Errorf("unknown adapter kind: %s (must be prometheus, victoriametrics, or http)", kind)
	}
}

func newHTTP(config map[string]string, step time.Duration) (Adapter, error) {
	h := &HTTPAdapter{
		URL:             config["url"],
		Method:          withDefault(config["method"], "GET"),
		Body:            config["body"],
		ValuePath:       config["valuePath"],
		TimestampPath:   config["timestampPath"],
		TimestampFormat: withDefault(config["timestampFormat"], "rfc3339"),
		Step:            step,
	}
	if raw := config["headers"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &h.Headers); err != nil {
			return nil, fmt.Errorf("invalid 'headers' JSON: %w", err)
		}
	}
	if raw := config["templateVars"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &h.TemplateVars); err != nil {
			return nil, fmt.Errorf("invalid 'templateVars' JSON: %w", err)
		}
	}
	if err := h.ValidateConfig(); err != nil {
		return nil, fmt.Errorf("http adapter: %w", err)
	}
	return h, nil
}

func withDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
