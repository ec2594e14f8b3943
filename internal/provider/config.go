package provider

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind selects the outbound contract used for a backend.
type Kind string

const (
	// KindLocal is a local inference server speaking the OpenAI-compatible
	// wire shape without auth.
	KindLocal Kind = "local"
	// KindAggregator is a remote aggregator (bearer auth plus descriptive
	// attribution headers).
	KindAggregator Kind = "aggregator"
	// KindEnterprise is an enterprise deployment (api-key header plus a
	// deployment-scoped URL with an api-version query parameter).
	KindEnterprise Kind = "enterprise"
	// KindOpenAI is the hosted OpenAI endpoint via the official SDK.
	KindOpenAI Kind = "openai"
	// KindAnthropic is the hosted Anthropic endpoint via the official SDK.
	KindAnthropic Kind = "anthropic"
)

// NormalizeKind maps a raw kind string onto the enum, empty when unknown.
func NormalizeKind(raw string) Kind {
	v := strings.TrimSpace(strings.ToLower(raw))
	switch Kind(v) {
	case KindLocal, KindAggregator, KindEnterprise, KindOpenAI, KindAnthropic:
		return Kind(v)
	default:
		return ""
	}
}

// DefaultCallTimeout bounds one backend call when the provider config does
// not set its own.
const DefaultCallTimeout = 60 * time.Second

// Config is the read-only per-provider configuration. It is loaded once at
// startup and never mutated mid-request.
type Config struct {
	ID         string
	Kind       Kind
	BaseURL    string
	APIKey     string
	Deployment string // enterprise only
	APIVersion string // enterprise only
	Referer    string // aggregator attribution
	AppTitle   string // aggregator attribution
	Timeout    time.Duration
}

// Validate checks the fields the selected kind requires.
func (c Config) Validate() error {
	if strings.TrimSpace(c.ID) == "" {
		return errors.New("provider config missing id")
	}
	if NormalizeKind(string(c.Kind)) == "" {
		return fmt.Errorf("provider %s: unknown kind %q", c.ID, c.Kind)
	}
	switch c.Kind {
	case KindLocal:
		if strings.TrimSpace(c.BaseURL) == "" {
			return fmt.Errorf("provider %s: local kind requires base_url", c.ID)
		}
	case KindAggregator:
		if strings.TrimSpace(c.APIKey) == "" {
			return fmt.Errorf("provider %s: aggregator kind requires an api key", c.ID)
		}
	case KindEnterprise:
		if strings.TrimSpace(c.BaseURL) == "" || strings.TrimSpace(c.Deployment) == "" {
			return fmt.Errorf("provider %s: enterprise kind requires base_url and deployment", c.ID)
		}
	case KindOpenAI, KindAnthropic:
		if strings.TrimSpace(c.APIKey) == "" {
			return fmt.Errorf("provider %s: %s kind requires an api key", c.ID, c.Kind)
		}
	}
	return nil
}

// CallTimeout returns the per-call timeout with the package default applied.
func (c Config) CallTimeout() time.Duration {
	if c.Timeout > 0 {
		return c.Timeout
	}
	return DefaultCallTimeout
}
