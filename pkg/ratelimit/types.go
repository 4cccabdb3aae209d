package ratelimit

import (
	"strings"
	"time"
)

// Tier is a subscription service level
type Tier string

const (
	TierFree       Tier = "FREE"
	TierPro        Tier = "PRO"
	TierEnterprise Tier = "ENTERPRISE"
)

// ParseTier normalizes a tier name. Unknown names are kept as-is so the registry can
// apply its fallback.
func ParseTier(s string) Tier {
	return Tier(strings.ToUpper(strings.TrimSpace(s)))
}

// Category groups the operations that share a quota
type Category string

const (
	CategoryAPI         Category = "api"
	CategoryIntegration Category = "integration"
	CategoryWebhook     Category = "webhook"
	CategoryIP          Category = "ip"

	// categoryViolation holds denial records used for automatic bans.
	categoryViolation Category = "violation"
)

// IntegrationCategory returns the category for a named integration
func IntegrationCategory(name string) Category {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return CategoryIntegration
	}
	return Category(string(CategoryIntegration) + ":" + name)
}

// IPIdentifier returns the identifier used for IP based checks and bans
func IPIdentifier(address string) string {
	return "ip-" + address
}

// Window is one sliding window of a policy
type Window struct {
	Name     string        `json:"name"`
	Duration time.Duration `json:"duration"`
	Limit    int           `json:"limit"`
}

// Result is the outcome of a rate limit check
type Result struct {
	Allowed    bool          `json:"allowed"`
	Remaining  int           `json:"remaining"`
	Limit      int           `json:"limit"`
	ResetAt    time.Time     `json:"resetAt"`
	RetryAfter time.Duration `json:"retryAfter,omitempty"`
	// Window names the authoritative window.
	Window string `json:"window,omitempty"`
	Banned bool   `json:"banned,omitempty"`
	// Degraded is set when the decision came from the failure policy.
	Degraded bool `json:"degraded,omitempty"`
}

// CounterRecord is one admission against one window
type CounterRecord struct {
	Identifier string    `json:"identifier" bson:"identifier"`
	Category   Category  `json:"category" bson:"category"`
	Window     string    `json:"window" bson:"window"`
	Timestamp  time.Time `json:"timestamp" bson:"timestamp"`
}

// Ban denies every request from an identifier until ExpiresAt
type Ban struct {
	Identifier string    `json:"identifier" bson:"_id"`
	Reason     string    `json:"reason" bson:"reason"`
	CreatedAt  time.Time `json:"createdAt" bson:"created_at"`
	ExpiresAt  time.Time `json:"expiresAt" bson:"expires_at"`
}

// ActiveAt reports whether the ban is in force at t
func (b Ban) ActiveAt(t time.Time) bool {
	return t.Before(b.ExpiresAt)
}
