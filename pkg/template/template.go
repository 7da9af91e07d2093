// Package template defines the unit of the search: an immutable
// (model family, parameters, transformer chain) triple identified by a hash
// of its content.
package template

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/HatiCode/evolvecast/pkg/models"
	"github.com/HatiCode/evolvecast/pkg/transformers"
)

// Template is a concrete forecasting configuration. Templates are values:
// constructors copy their inputs and the With* helpers return new templates.
// Two templates with equal content have equal IDs.
type Template struct {
	ID           string
	Family       string
	Params       models.Params
	Transformers []transformers.Spec
}

type canonical struct {
	Family       string              `json:"family"`
	Params       map[string]any      `json:"params"`
	Transformers []transformers.Spec `json:"transformers"`
}

// New validates params and chain against their schemas, fills defaults and
// computes the ID.
func New(reg *models.Registry, family string, params map[string]any, chain []transformers.Spec) (Template, error) {
	fam, ok := reg.Get(family)
	if !ok {
		return Template{}, fmt.Errorf("unknown model family %q", family)
	}
	norm, err := fam.Normalize(params)
	if err != nil {
		return Template{}, err
	}
	specs := make([]transformers.Spec, 0, len(chain))
	for i, s := range chain {
		ns, err := transformers.Normalize(s)
		if err != nil {
			return Template{}, fmt.Errorf("transformer %d: %w", i, err)
		}
		specs = append(specs, ns)
	}
	t := Template{Family: family, Params: norm, Transformers: specs}
	t.ID, err = computeID(t)
	if err != nil {
		return Template{}, err
	}
	return t, nil
}

// ComputeID returns the content hash of t, ignoring t.ID. Parameters must
// already be normalized.
func computeID(t Template) (string, error) {
	chain := t.Transformers
	if chain == nil {
		chain = []transformers.Spec{}
	}
	params := map[string]any(t.Params)
	if params == nil {
		params = map[string]any{}
	}
	b, err := json.Marshal(canonical{Family: t.Family, Params: params, Transformers: chain})
	if err != nil {
		return "", fmt.Errorf("encode template: %w", err)
	}
	return fmt.Sprintf("%016x", xxhash.Sum64(b)), nil
}

// WithParams returns a copy of t with new model parameters.
func (t Template) WithParams(reg *models.Registry, params map[string]any) (Template, error) {
	return New(reg, t.Family, params, t.Transformers)
}

// WithTransformers returns a copy of t with a new transformer chain.
func (t Template) WithTransformers(reg *models.Registry, chain []transformers.Spec) (Template, error) {
	return New(reg, t.Family, t.Params, chain)
}

// Chain returns a copy of the transformer chain.
func (t Template) Chain() []transformers.Spec {
	return slices.Clone(t.Transformers)
}

// ParamsJSON returns the model parameters as JSON text.
func (t Template) ParamsJSON() string {
	params := map[string]any(t.Params)
	if params == nil {
		params = map[string]any{}
	}
	b, _ := json.Marshal(params)
	return string(b)
}

// TransformersJSON returns the transformer chain as JSON text.
func (t Template) TransformersJSON() string {
	chain := t.Transformers
	if chain == nil {
		chain = []transformers.Spec{}
	}
	b, _ := json.Marshal(chain)
	return string(b)
}

// String renders a short human-readable form, e.g. "arima{d=1,p=2,q=0} <- difference>detrend".
func (t Template) String() string {
	var sb strings.Builder
	sb.WriteString(t.Family)
	if len(t.Params) > 0 {
		keys := make([]string, 0, len(t.Params))
		for k := range t.Params {
			keys = append(keys, k)
		}
		slices.Sort(keys)
		sb.WriteString("{")
		for i, k := range keys {
			if i > 0 {
				sb.WriteString(",")
			}
			fmt.Fprintf(&sb, "%s=%v", k, t.Params[k])
		}
		sb.WriteString("}")
	}
	if len(t.Transformers) > 0 {
		names := make([]string, len(t.Transformers))
		for i, s := range t.Transformers {
			names[i] = s.Name
		}
		sb.WriteString(" <- ")
		sb.WriteString(strings.Join(names, ">"))
	}
	return sb.String()
}

// Parse rebuilds a template from its serialized parts, as stored in an archive.
func Parse(reg *models.Registry, family, paramsJSON, transformersJSON string) (Template, error) {
	var params map[string]any
	if strings.TrimSpace(paramsJSON) != "" {
		if err := json.Unmarshal([]byte(paramsJSON), &params); err != nil {
			return Template{}, fmt.Errorf("decode model parameters: %w", err)
		}
	}
	var chain []transformers.Spec
	if strings.TrimSpace(transformersJSON) != "" {
		if err := json.Unmarshal([]byte(transformersJSON), &chain); err != nil {
			return Template{}, fmt.Errorf("decode transformer parameters: %w", err)
		}
	}
	return New(reg, family, params, chain)
}
