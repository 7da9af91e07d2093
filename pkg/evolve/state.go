// Package evolve runs the generational template search: seeding the
// population, evaluating candidates on a worker pool, breeding new
// candidates from survivors and selecting the best templates.
package evolve

import (
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/HatiCode/evolvecast/pkg/template"
	"github.com/HatiCode/evolvecast/pkg/validation"
)

// GenerationRecord is the append-only summary of one generation.
type GenerationRecord struct {
	Generation  int
	Candidates  []string
	Evaluated   int
	Failed      int
	BestID      string
	BestScore   float64
	Interrupted bool
	Duration    time.Duration
}

// SearchState is everything a search knows: the population in the order
// candidates were introduced, every validation result, and the generation
// history. It is passed explicitly through the search. Results may be
// submitted concurrently; other mutations happen between generations.
type SearchState struct {
	RunID      string
	Generation int
	Population []template.Template
	History    []GenerationRecord

	// Fixed disables breeding: only the seeded population is evaluated.
	Fixed bool

	// Interrupted is set once the search context is cancelled.
	Interrupted bool

	mu      sync.Mutex
	index   map[string]int
	results map[string]map[int]validation.Result
}

// NewSearchState returns an empty state with a fresh run id.
func NewSearchState() *SearchState {
	return &SearchState{
		RunID:   uuid.NewString(),
		index:   make(map[string]int),
		results: make(map[string]map[int]validation.Result),
	}
}

// Add appends t to the population unless a template with the same id is
// already present. It reports whether t was added.
func (s *SearchState) Add(t template.Template) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.index[t.ID]; ok {
		return false
	}
	s.index[t.ID] = len(s.Population)
	s.Population = append(s.Population, t)
	return true
}

// Contains reports whether a template id is in the population.
func (s *SearchState) Contains(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.index[id]
	return ok
}

// Template returns the population member with the given id.
func (s *SearchState) Template(id string) (template.Template, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.index[id]
	if !ok {
		return template.Template{}, false
	}
	return s.Population[i], true
}

// Submit records a result. A later result for the same (template, split)
// replaces the earlier one.
func (s *SearchState) Submit(r validation.Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byID, ok := s.results[r.TemplateID]
	if !ok {
		byID = make(map[int]validation.Result)
		s.results[r.TemplateID] = byID
	}
	byID[r.SplitID] = r
}

// Evaluated reports whether a template has a result for a split.
func (s *SearchState) Evaluated(id string, split int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.results[id][split]
	return ok
}

// Results returns the results of a template ordered by split.
func (s *SearchState) Results(id string) []validation.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	byID := s.results[id]
	out := make([]validation.Result, 0, len(byID))
	for _, split := range slices.Sorted(maps.Keys(byID)) {
		out = append(out, byID[split])
	}
	return out
}

// Result returns the result of a template on one split.
func (s *SearchState) Result(id string, split int) (validation.Result, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.results[id][split]
	return r, ok
}

// EvaluatedIDs returns the ids of templates with at least one result, in
// population order.
func (s *SearchState) EvaluatedIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, t := range s.Population {
		if len(s.results[t.ID]) > 0 {
			out = append(out, t.ID)
		}
	}
	return out
}
