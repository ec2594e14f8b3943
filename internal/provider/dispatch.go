package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/floegence/modelgate/internal/gateway"
)

// localMarker flags a model id as locally hosted. The marker is a routing
// prefix only; it is stripped before the id reaches the local backend.
const localMarker = "local/"

// aggregatorVendorPrefixes are model-id prefixes of vendors commonly served
// through the remote aggregator.
var aggregatorVendorPrefixes = []string{
	"openai/",
	"anthropic/",
	"google/",
	"meta-llama/",
	"mistralai/",
	"qwen/",
	"deepseek/",
	"x-ai/",
}

// route is one predicate in the provider-selection priority list.
type route struct {
	name  string
	match func(modelID string) bool
	kind  Kind
}

// routingRules is the explicit, ordered provider-selection list. Selection is
// first-match-wins: an id matching several patterns resolves by position in
// this slice, never by a best-match heuristic. Ambiguous overlaps are a
// deployment configuration question, not something this table resolves.
var routingRules = []route{
	{
		name: "aggregator_vendor_path",
		match: func(id string) bool {
			if strings.HasPrefix(id, localMarker) {
				return false
			}
			for _, prefix := range aggregatorVendorPrefixes {
				if strings.HasPrefix(id, prefix) {
					return true
				}
			}
			return strings.Contains(id, "/")
		},
		kind: KindAggregator,
	},
	{
		name: "local_marker",
		match: func(id string) bool {
			return strings.HasPrefix(id, localMarker)
		},
		kind: KindLocal,
	},
}

// adapter executes one turn against one provider kind.
type adapter interface {
	call(ctx context.Context, cfg Config, req gateway.ProviderRequest) (gateway.ProviderResponse, error)
}

// Dispatcher maps model ids to backends and executes calls under a per-call
// timeout. It implements gateway.Provider. All fields are read-only after
// New; concurrent requests share it safely.
type Dispatcher struct {
	configs     map[Kind]Config
	defaultKind Kind
	adapters    map[Kind]adapter
	logger      *slog.Logger
}

// New builds a dispatcher over the configured providers. defaultKind is the
// fallback for model ids no routing rule claims.
func New(configs []Config, defaultKind Kind, logger *slog.Logger) (*Dispatcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	byKind := make(map[Kind]Config, len(configs))
	for _, cfg := range configs {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		if _, dup := byKind[cfg.Kind]; dup {
			return nil, fmt.Errorf("duplicate provider config for kind %q", cfg.Kind)
		}
		byKind[cfg.Kind] = cfg
	}
	if NormalizeKind(string(defaultKind)) == "" {
		return nil, fmt.Errorf("invalid default provider kind %q", defaultKind)
	}
	if _, ok := byKind[defaultKind]; !ok {
		return nil, fmt.Errorf("default provider kind %q is not configured", defaultKind)
	}

	d := &Dispatcher{
		configs:     byKind,
		defaultKind: defaultKind,
		logger:      logger,
		adapters: map[Kind]adapter{
			KindLocal:      &openAICompatAdapter{},
			KindAggregator: &openAICompatAdapter{},
			KindEnterprise: &openAICompatAdapter{},
			KindOpenAI:     &openAISDKAdapter{},
			KindAnthropic:  &anthropicAdapter{},
		},
	}
	return d, nil
}

// Resolve evaluates the routing rules top-down against the model id and
// returns the selected provider config plus the rule that claimed the id.
func (d *Dispatcher) Resolve(modelID string) (Config, string, error) {
	if d == nil {
		return Config{}, "", errors.New("nil dispatcher")
	}
	id := strings.TrimSpace(modelID)
	if id == "" {
		return Config{}, "", errors.New("missing model id")
	}
	for _, rule := range routingRules {
		if !rule.match(id) {
			continue
		}
		cfg, ok := d.configs[rule.kind]
		if !ok {
			return Config{}, "", fmt.Errorf("model %q routes to unconfigured provider kind %q", id, rule.kind)
		}
		return cfg, rule.name, nil
	}
	return d.configs[d.defaultKind], "default", nil
}

// Call resolves the model id, rewrites it for the target backend, and runs
// the turn under the provider's timeout. Timeouts surface as *TimeoutError;
// backend HTTP failures as *Error.
func (d *Dispatcher) Call(ctx context.Context, req gateway.ProviderRequest) (gateway.ProviderResponse, error) {
	cfg, rule, err := d.Resolve(req.Model)
	if err != nil {
		return gateway.ProviderResponse{}, err
	}
	ad, ok := d.adapters[cfg.Kind]
	if !ok {
		return gateway.ProviderResponse{}, fmt.Errorf("no adapter for provider kind %q", cfg.Kind)
	}

	req.Model = rewriteModelID(req.Model, cfg.Kind)
	d.logger.Debug("provider dispatch",
		"model", req.Model,
		"provider", cfg.ID,
		"kind", string(cfg.Kind),
		"rule", rule,
		"protocol", string(req.Protocol))

	timeout := cfg.CallTimeout()
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := ad.call(callCtx, cfg, req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return gateway.ProviderResponse{}, &TimeoutError{Provider: cfg.ID, Timeout: timeout}
		}
		return gateway.ProviderResponse{}, err
	}
	return resp, nil
}

// rewriteModelID strips routing-only markers before the id is sent out. The
// aggregator receives vendor-scoped ids unchanged.
func rewriteModelID(modelID string, kind Kind) string {
	id := strings.TrimSpace(modelID)
	if kind == KindLocal {
		return strings.TrimPrefix(id, localMarker)
	}
	return id
}
