package ratelimit

import (
	"strings"
	"time"
)

// FailureMode decides the outcome of a check when the store is unavailable
type FailureMode string

const (
	FailClosed FailureMode = "closed"
	FailOpen   FailureMode = "open"
)

// Config holds the configuration for the engine
type Config struct {
	// Enable/disable rate limiting
	Enabled bool `json:"enabled"`

	// Bound on each store round trip. A timeout counts as a store failure.
	StoreTimeout time.Duration `json:"storeTimeout"`

	// Failure policy per category. Categories not listed fail closed; integration:<name>
	// categories use the integration entry.
	FailurePolicy map[Category]FailureMode `json:"failurePolicy"`

	// Upper bound on CheckIPLimit windows. Ad-hoc windows widen the retention horizon,
	// so callers cannot push it past this. Zero disables the cap.
	MaxAdhocWindow time.Duration `json:"maxAdhocWindow"`

	// Automatic bans for repeat offenders. Disabled when AutoBanThreshold is zero.
	AutoBanThreshold int           `json:"autoBanThreshold"`
	AutoBanWindow    time.Duration `json:"autoBanWindow"`
	AutoBanDuration  time.Duration `json:"autoBanDuration"`
}

// DefaultConfig returns a default engine configuration
func DefaultConfig() *Config {
	return &Config{
		Enabled:      true,
		StoreTimeout: 250 * time.Millisecond,
		FailurePolicy: map[Category]FailureMode{
			CategoryAPI:         FailClosed,
			CategoryIntegration: FailClosed,
			CategoryWebhook:     FailClosed,
			// IP checks guard the whole site; a store outage must not become a site outage
			CategoryIP: FailOpen,
		},
		MaxAdhocWindow:  7 * 24 * time.Hour,
		AutoBanWindow:   10 * time.Minute,
		AutoBanDuration: time.Hour,
	}
}

// failureMode returns the configured mode for category
func (c *Config) failureMode(category Category) FailureMode {
	if mode, ok := c.FailurePolicy[category]; ok {
		return mode
	}
	if strings.HasPrefix(string(category), string(CategoryIntegration)+":") {
		if mode, ok := c.FailurePolicy[CategoryIntegration]; ok {
			return mode
		}
	}
	return FailClosed
}

func (c *Config) autoBanEnabled() bool {
	return c.AutoBanThreshold > 0 && c.AutoBanWindow > 0 && c.AutoBanDuration > 0
}

// MaxRetention is the largest retention horizon an engine built from registry and config
// can reach. Backends that expire keys on their own must keep records at least this long.
func MaxRetention(registry *Registry, config *Config) time.Duration {
	if registry == nil {
		registry = DefaultRegistry()
	}
	if config == nil {
		config = DefaultConfig()
	}
	d := registry.MaxWindow()
	if config.MaxAdhocWindow > d {
		d = config.MaxAdhocWindow
	}
	if config.autoBanEnabled() && config.AutoBanWindow > d {
		d = config.AutoBanWindow
	}
	return d
}
