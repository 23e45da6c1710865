// Package selector implements the Candidate Selector (CS, spec.md §4.1):
// given a model and an optional policy, return a cost-ordered list of
// eligible providers. The sort-then-tiebreak shape is grounded on the
// teacher's priority-tier balancer, adapted from priority-descending +
// weighted-random tiebreak to cost-ascending + stable name tiebreak.
package selector

import (
	"sort"
	"sync"

	"github.com/johnzilla/arbstr/internal/core/domain"
)

// Selector is CS. It holds the resolved, read-only provider set and policy
// table for the life of the process.
type Selector struct {
	mu        sync.RWMutex
	providers []*domain.Provider
	policies  domain.PolicyTable
}

func New(providers []*domain.Provider, policies domain.PolicyTable) *Selector {
	return &Selector{providers: providers, policies: policies}
}

// Select returns an ordered, duplicate-free list of candidates for (model,
// policy). Filtering happens first (model + policy eligibility); circuit
// state is deliberately not consulted here (§4.1 "Filtering").
func (s *Selector) Select(model, policy string) []*domain.Provider {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inRatio, outRatio := domain.DefaultInputRatio, domain.DefaultOutputRatio
	if policy != "" {
		if pol, ok := s.policies[policy]; ok {
			if !pol.Allows(model) {
				return nil
			}
			inRatio, outRatio = pol.Ratios()
		}
	}

	candidates := make([]*domain.Provider, 0, len(s.providers))
	for _, p := range s.providers {
		if p.SupportsModel(model, policy) {
			candidates = append(candidates, p)
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		ci := candidates[i].EffectiveCost(inRatio, outRatio)
		cj := candidates[j].EffectiveCost(inRatio, outRatio)
		if ci != cj {
			return ci < cj
		}
		return candidates[i].Name < candidates[j].Name
	})

	return candidates
}

// Replace atomically swaps the provider set, used when config hot-reloads
// provider rates (internal/config watches the file; see SPEC_FULL.md ambient
// stack, config hot-reload).
func (s *Selector) Replace(providers []*domain.Provider, policies domain.PolicyTable) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.providers = providers
	s.policies = policies
}

// Models returns the deduplicated, sorted set of model names any configured
// provider serves, used by the health endpoint to compute per-model
// availability (spec.md §6 "health surface").
func (s *Selector) Models() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]struct{})
	for _, p := range s.providers {
		for name := range p.Models {
			seen[name] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
