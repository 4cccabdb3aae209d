package ratelimit

import (
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"time"
)

// Policy maps a category to its windows, ordered by increasing duration
type Policy map[Category][]Window

// Registry is the read-only tier × category policy table.
//
// A Registry is immutable after NewRegistry returns and is safe for concurrent use.
type Registry struct {
	policies  map[Tier]Policy
	fallback  Tier
	maxWindow time.Duration
}

// DefaultPolicies returns the default tier table
func DefaultPolicies() map[Tier]Policy {
	return map[Tier]Policy{
		TierFree: {
			CategoryAPI: {
				{Name: "minute", Duration: time.Minute, Limit: 10},
				{Name: "hour", Duration: time.Hour, Limit: 100},
				{Name: "day", Duration: 24 * time.Hour, Limit: 1000},
			},
			CategoryIntegration: {
				{Name: "hour", Duration: time.Hour, Limit: 50},
				{Name: "day", Duration: 24 * time.Hour, Limit: 500},
			},
			CategoryWebhook: {
				{Name: "minute", Duration: time.Minute, Limit: 5},
				{Name: "hour", Duration: time.Hour, Limit: 50},
			},
		},
		TierPro: {
			CategoryAPI: {
				{Name: "minute", Duration: time.Minute, Limit: 100},
				{Name: "hour", Duration: time.Hour, Limit: 1000},
				{Name: "day", Duration: 24 * time.Hour, Limit: 10000},
			},
			CategoryIntegration: {
				{Name: "hour", Duration: time.Hour, Limit: 500},
				{Name: "day", Duration: 24 * time.Hour, Limit: 5000},
			},
			CategoryWebhook: {
				{Name: "minute", Duration: time.Minute, Limit: 50},
				{Name: "hour", Duration: time.Hour, Limit: 500},
			},
		},
		TierEnterprise: {
			CategoryAPI: {
				{Name: "minute", Duration: time.Minute, Limit: 1000},
				{Name: "hour", Duration: time.Hour, Limit: 100000},
				{Name: "day", Duration: 24 * time.Hour, Limit: 1000000},
			},
			CategoryIntegration: {
				{Name: "hour", Duration: time.Hour, Limit: 10000},
				{Name: "day", Duration: 24 * time.Hour, Limit: 100000},
			},
			CategoryWebhook: {
				{Name: "minute", Duration: time.Minute, Limit: 500},
				{Name: "hour", Duration: time.Hour, Limit: 10000},
			},
		},
	}
}

// DefaultRegistry returns the registry for DefaultPolicies with FREE as the fallback tier
func DefaultRegistry() *Registry {
	r, err := NewRegistry(DefaultPolicies(), TierFree)
	if err != nil {
		panic(err)
	}
	return r
}

// NewRegistry validates and copies policies. fallback is the tier applied to unknown
// tiers and should be the most restrictive one. Every tier must define the integration
// category, which serves as the default for unknown categories.
func NewRegistry(policies map[Tier]Policy, fallback Tier) (*Registry, error) {
	if _, ok := policies[fallback]; !ok {
		return nil, fmt.Errorf("fallback tier %q has no policy", fallback)
	}

	r := &Registry{
		policies: make(map[Tier]Policy, len(policies)),
		fallback: fallback,
	}

	for tier, policy := range policies {
		if _, ok := policy[CategoryIntegration]; !ok {
			return nil, fmt.Errorf("tier %q: missing %q default", tier, CategoryIntegration)
		}

		copied := make(Policy, len(policy))
		for category, windows := range policy {
			if len(windows) == 0 {
				return nil, fmt.Errorf("tier %q category %q: no windows", tier, category)
			}
			ws := slices.Clone(windows)
			sort.SliceStable(ws, func(i, j int) bool { return ws[i].Duration < ws[j].Duration })

			for i, w := range ws {
				if w.Name == "" || w.Duration <= 0 || w.Limit <= 0 {
					return nil, fmt.Errorf("tier %q category %q: invalid window %+v", tier, category, w)
				}
				if i > 0 && w.Limit < ws[i-1].Limit {
					slog.Warn("larger window allows fewer requests than a smaller one",
						"tier", tier, "category", category,
						"window", w.Name, "limit", w.Limit,
						"smaller_window", ws[i-1].Name, "smaller_limit", ws[i-1].Limit)
				}
				if w.Duration > r.maxWindow {
					r.maxWindow = w.Duration
				}
			}
			copied[category] = ws
		}
		r.policies[tier] = copied
	}

	return r, nil
}

// PolicyFor returns the windows for tier and category, smallest first.
// Unknown tiers use the fallback tier and unknown categories use the integration
// default, so the result is never empty.
func (r *Registry) PolicyFor(tier Tier, category Category) []Window {
	windows, err := r.lookup(tier, category)
	if err != nil {
		windows, _ = r.lookup(r.fallback, category)
	}
	return slices.Clone(windows)
}

func (r *Registry) lookup(tier Tier, category Category) ([]Window, error) {
	policy, ok := r.policies[tier]
	if !ok {
		return nil, ErrPolicyNotFound
	}
	if windows, ok := policy[category]; ok {
		return windows, nil
	}
	// integration:<name> and anything unrecognised share the integration default
	return policy[CategoryIntegration], nil
}

// Resolve returns the tier whose policy applies to tier
func (r *Registry) Resolve(tier Tier) Tier {
	if _, ok := r.policies[tier]; ok {
		return tier
	}
	return r.fallback
}

// Policy returns a copy of the policy table for tier
func (r *Registry) Policy(tier Tier) (Policy, bool) {
	policy, ok := r.policies[tier]
	if !ok {
		return nil, false
	}
	out := make(Policy, len(policy))
	for category, windows := range policy {
		out[category] = slices.Clone(windows)
	}
	return out, true
}

// Tiers returns the configured tiers in name order
func (r *Registry) Tiers() []Tier {
	tiers := make([]Tier, 0, len(r.policies))
	for tier := range r.policies {
		tiers = append(tiers, tier)
	}
	slices.Sort(tiers)
	return tiers
}

// MaxWindow is the largest window across all tiers and categories
func (r *Registry) MaxWindow() time.Duration {
	return r.maxWindow
}
