package domain

import (
	"github.com/johnzilla/arbstr/internal/secret"
	"github.com/johnzilla/arbstr/internal/util/pattern"
)

// Provider is a read-only descriptor for an upstream LLM provider, resolved
// once at config load and never mutated for the life of the process.
type Provider struct {
	APIKey      secret.String
	Name        string
	BaseURL     string
	Models      map[string]ModelPolicy
	InputRate   float64
	OutputRate  float64
	BaseFee     float64
}

// ModelPolicy constrains which policy labels a model may be requested under
// for a given provider. An empty Policies slice means the model is available
// under any (or no) policy.
type ModelPolicy struct {
	Policies []string
}

// SupportsModel reports whether the provider serves model under the given
// policy label. An empty policy label matches any provider that lists the
// model, regardless of the model's own policy constraints.
func (p *Provider) SupportsModel(model, policy string) bool {
	mp, ok := p.lookupModel(model)
	if !ok {
		return false
	}
	if policy == "" || len(mp.Policies) == 0 {
		return true
	}
	for _, allowed := range mp.Policies {
		if allowed == policy {
			return true
		}
	}
	return false
}

// lookupModel resolves model against the provider's model table, first by
// exact name then by glob pattern (e.g. a provider entry "gpt-4*" matching
// any gpt-4 variant without listing each one).
func (p *Provider) lookupModel(model string) (ModelPolicy, bool) {
	if mp, ok := p.Models[model]; ok {
		return mp, true
	}
	for name, mp := range p.Models {
		if pattern.MatchesGlob(model, name) {
			return mp, true
		}
	}
	return ModelPolicy{}, false
}

// EffectiveCost computes the ordering cost used by the Candidate Selector
// (§4.1). It is a hint for ordering only; authoritative cost is computed
// post-hoc from actual token usage in CostFromUsage.
func (p *Provider) EffectiveCost(inRatio, outRatio float64) float64 {
	return p.InputRate*inRatio/1000 + p.OutputRate*outRatio/1000 + p.BaseFee
}

// CostFromUsage computes the authoritative per-request cost from actual
// token counts, used by the Dispatcher and the Usage Finalizer.
func (p *Provider) CostFromUsage(inputTokens, outputTokens int) float64 {
	return float64(inputTokens)*p.InputRate/1000 + float64(outputTokens)*p.OutputRate/1000 + p.BaseFee
}

// DefaultCostRatio is the conservative default (r_in, r_out) ratio used for
// ordering when a policy does not specify one.
const (
	DefaultInputRatio  = 1.0
	DefaultOutputRatio = 1.0
)

// Policy is a named set of model constraints a request may opt into via an
// implementation-defined mechanism (e.g. a request header), per §6.
type Policy struct {
	Name         string
	InputRatio   float64
	OutputRatio  float64
	AllowModels  map[string]struct{}
}

// PolicyTable maps policy name to its Policy definition.
type PolicyTable map[string]Policy

// Ratios returns the cost ordering ratios for the policy, falling back to
// the conservative 1:1 default for the zero value.
func (p Policy) Ratios() (float64, float64) {
	inR, outR := p.InputRatio, p.OutputRatio
	if inR == 0 {
		inR = DefaultInputRatio
	}
	if outR == 0 {
		outR = DefaultOutputRatio
	}
	return inR, outR
}

// Allows reports whether the policy permits the given model. An empty
// AllowModels set means the policy does not restrict models.
func (p Policy) Allows(model string) bool {
	if len(p.AllowModels) == 0 {
		return true
	}
	if _, ok := p.AllowModels[model]; ok {
		return true
	}
	for allowed := range p.AllowModels {
		if pattern.MatchesGlob(model, allowed) {
			return true
		}
	}
	return false
}
