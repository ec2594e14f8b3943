// Package config loads and validates the gateway configuration file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/floegence/modelgate/internal/gateway"
	"github.com/floegence/modelgate/internal/provider"
)

const (
	DefaultListenAddr    = "127.0.0.1:8484"
	DefaultContextWindow = 128000
)

// Config is the root of the YAML configuration file. Secrets do not live
// here; provider API keys come from the secrets store and are overlaid at
// startup.
type Config struct {
	ListenAddr  string `yaml:"listen_addr"`
	LogLevel    string `yaml:"log_level"`
	SecretsPath string `yaml:"secrets_path"`
	TraceDBPath string `yaml:"trace_db_path"`

	DefaultProviderKind string     `yaml:"default_provider_kind"`
	Providers           []Provider `yaml:"providers"`

	Models        []Model `yaml:"models"`
	ExecutorModel string  `yaml:"executor_model"`

	Loop   Loop   `yaml:"loop"`
	Budget Budget `yaml:"budget"`
}

// Provider configures one backend. Kind decides which fields apply; see
// provider.Config.Validate for the per-kind requirements.
type Provider struct {
	ID             string `yaml:"id"`
	Kind           string `yaml:"kind"`
	BaseURL        string `yaml:"base_url"`
	Deployment     string `yaml:"deployment"`
	APIVersion     string `yaml:"api_version"`
	Referer        string `yaml:"referer"`
	AppTitle       string `yaml:"app_title"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// Model declares per-model capabilities the normalizer and budget manager
// read. Models absent from the list get the native-tools default.
type Model struct {
	ID                  string `yaml:"id"`
	SupportsNativeTools *bool  `yaml:"supports_native_tools"`
	ContextWindow       int    `yaml:"context_window"`
}

type Loop struct {
	MaxIterations    int `yaml:"max_iterations"`
	BadOutputRetries int `yaml:"bad_output_retries"`
}

type Budget struct {
	ContextWindow int `yaml:"context_window"`
}

// Load reads and validates the config file at path. A missing path yields
// the built-in defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	path = strings.TrimSpace(path)
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(b, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.ListenAddr) == "" {
		c.ListenAddr = DefaultListenAddr
	}
	if strings.TrimSpace(c.LogLevel) == "" {
		c.LogLevel = "info"
	}
	if c.Budget.ContextWindow <= 0 {
		c.Budget.ContextWindow = DefaultContextWindow
	}
	if strings.TrimSpace(c.DefaultProviderKind) == "" && len(c.Providers) > 0 {
		c.DefaultProviderKind = c.Providers[0].Kind
	}
}

func (c *Config) Validate() error {
	if len(c.Providers) == 0 {
		return errors.New("config: at least one provider is required")
	}
	if provider.NormalizeKind(c.DefaultProviderKind) == "" {
		return fmt.Errorf("config: unknown default_provider_kind %q", c.DefaultProviderKind)
	}
	seen := map[string]bool{}
	for _, p := range c.Providers {
		id := strings.TrimSpace(p.ID)
		if id == "" {
			return errors.New("config: provider missing id")
		}
		if seen[id] {
			return fmt.Errorf("config: duplicate provider id %q", id)
		}
		seen[id] = true
		if provider.NormalizeKind(p.Kind) == "" {
			return fmt.Errorf("config: provider %s has unknown kind %q", id, p.Kind)
		}
	}
	for _, m := range c.Models {
		if strings.TrimSpace(m.ID) == "" {
			return errors.New("config: model entry missing id")
		}
	}
	return nil
}

// ProviderConfigs materializes the provider package configs, with API keys
// overlaid from the given lookup (usually the secrets store).
func (c *Config) ProviderConfigs(keyFor func(providerID string) (string, bool, error)) ([]provider.Config, error) {
	out := make([]provider.Config, 0, len(c.Providers))
	for _, p := range c.Providers {
		cfg := provider.Config{
			ID:         strings.TrimSpace(p.ID),
			Kind:       provider.NormalizeKind(p.Kind),
			BaseURL:    strings.TrimSpace(p.BaseURL),
			Deployment: strings.TrimSpace(p.Deployment),
			APIVersion: strings.TrimSpace(p.APIVersion),
			Referer:    strings.TrimSpace(p.Referer),
			AppTitle:   strings.TrimSpace(p.AppTitle),
		}
		if p.TimeoutSeconds > 0 {
			cfg.Timeout = time.Duration(p.TimeoutSeconds) * time.Second
		}
		if keyFor != nil {
			key, ok, err := keyFor(cfg.ID)
			if err != nil {
				return nil, fmt.Errorf("config: load key for provider %s: %w", cfg.ID, err)
			}
			if ok {
				cfg.APIKey = key
			}
		}
		out = append(out, cfg)
	}
	return out, nil
}

// CapabilityFor returns the configured capability for a model id. Unknown
// models are assumed to support native tool calling with the default window.
func (c *Config) CapabilityFor(modelID string) gateway.ModelCapability {
	modelID = strings.TrimSpace(modelID)
	for _, m := range c.Models {
		if strings.TrimSpace(m.ID) != modelID {
			continue
		}
		capability := gateway.ModelCapability{
			SupportsNativeTools: true,
			ContextWindow:       m.ContextWindow,
		}
		if m.SupportsNativeTools != nil {
			capability.SupportsNativeTools = *m.SupportsNativeTools
		}
		if capability.ContextWindow <= 0 {
			capability.ContextWindow = c.Budget.ContextWindow
		}
		return capability
	}
	return gateway.ModelCapability{
		SupportsNativeTools: true,
		ContextWindow:       c.Budget.ContextWindow,
	}
}

// ModelIDs lists the configured model ids in file order.
func (c *Config) ModelIDs() []string {
	out := make([]string, 0, len(c.Models))
	for _, m := range c.Models {
		if id := strings.TrimSpace(m.ID); id != "" {
			out = append(out, id)
		}
	}
	return out
}
