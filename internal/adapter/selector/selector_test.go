package selector

import (
	"reflect"
	"testing"

	"github.com/johnzilla/arbstr/internal/core/domain"
)

func provider(name string, inputRate, outputRate, baseFee float64, models ...string) *domain.Provider {
	m := make(map[string]domain.ModelPolicy, len(models))
	for _, name := range models {
		m[name] = domain.ModelPolicy{}
	}
	return &domain.Provider{Name: name, InputRate: inputRate, OutputRate: outputRate, BaseFee: baseFee, Models: m}
}

func names(providers []*domain.Provider) []string {
	out := make([]string, len(providers))
	for i, p := range providers {
		out[i] = p.Name
	}
	return out
}

func TestSelectOrdersByAscendingEffectiveCost(t *testing.T) {
	cheap := provider("cheap", 1, 1, 0, "gpt-4o")
	mid := provider("mid", 5, 5, 0, "gpt-4o")
	expensive := provider("expensive", 10, 10, 0, "gpt-4o")

	s := New([]*domain.Provider{expensive, cheap, mid}, nil)

	got := names(s.Select("gpt-4o", ""))
	want := []string{"cheap", "mid", "expensive"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestSelectTiesBrokenByName(t *testing.T) {
	b := provider("bravo", 1, 1, 0, "gpt-4o")
	a := provider("alpha", 1, 1, 0, "gpt-4o")

	s := New([]*domain.Provider{b, a}, nil)

	got := names(s.Select("gpt-4o", ""))
	want := []string{"alpha", "bravo"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestSelectFiltersProvidersThatDoNotServeTheModel(t *testing.T) {
	has := provider("has", 1, 1, 0, "gpt-4o")
	lacks := provider("lacks", 1, 1, 0, "claude-3")

	s := New([]*domain.Provider{has, lacks}, nil)

	got := names(s.Select("gpt-4o", ""))
	want := []string{"has"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestSelectReturnsNilWhenPolicyDisallowsTheModel(t *testing.T) {
	p := provider("alpha", 1, 1, 0, "gpt-4o")
	policies := domain.PolicyTable{
		"cheap-only": {Name: "cheap-only", AllowModels: map[string]struct{}{"llama-3": {}}},
	}
	s := New([]*domain.Provider{p}, policies)

	got := s.Select("gpt-4o", "cheap-only")
	if got != nil {
		t.Fatalf("expected nil, got %v", got)
	}
}

// A policy's ratio skews which provider is cheapest: once a policy weights
// output tokens far more heavily than input tokens, the provider with the
// lower output rate wins even if its input rate is much higher.
func TestSelectAppliesPolicyRatiosToCostOrdering(t *testing.T) {
	cheapOutput := provider("cheap-output", 100, 1, 0, "gpt-4o")
	expensiveOutput := provider("expensive-output", 1, 100, 0, "gpt-4o")

	policies := domain.PolicyTable{
		"output-weighted": {Name: "output-weighted", InputRatio: 0.01, OutputRatio: 10},
	}
	s := New([]*domain.Provider{expensiveOutput, cheapOutput}, policies)

	got := names(s.Select("gpt-4o", "output-weighted"))
	want := []string{"cheap-output", "expensive-output"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestReplaceSwapsProviderSetAtomically(t *testing.T) {
	s := New([]*domain.Provider{provider("old", 1, 1, 0, "gpt-4o")}, nil)
	s.Replace([]*domain.Provider{provider("new", 1, 1, 0, "gpt-4o")}, nil)

	got := names(s.Select("gpt-4o", ""))
	want := []string{"new"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestModelsReturnsDeduplicatedSortedNames(t *testing.T) {
	a := provider("a", 1, 1, 0, "gpt-4o", "gpt-4o-mini")
	b := provider("b", 1, 1, 0, "gpt-4o", "claude-3")

	s := New([]*domain.Provider{a, b}, nil)
	got := s.Models()
	want := []string{"claude-3", "gpt-4o", "gpt-4o-mini"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestModelsEmptyWhenNoProviders(t *testing.T) {
	s := New(nil, nil)
	if got := s.Models(); len(got) != 0 {
		t.Fatalf("expected no models, got %v", got)
	}
}
