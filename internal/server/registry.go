package server

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/rakunlabs/at/internal/config"
	"github.com/rakunlabs/at/internal/ratelimit"
	"github.com/rakunlabs/at/internal/routing"
	"github.com/rakunlabs/at/internal/service"
	"github.com/rakunlabs/at/internal/service/llm/antropic"
	"github.com/rakunlabs/at/internal/service/llm/gemini"
	"github.com/rakunlabs/at/internal/service/llm/openai"
	"github.com/rakunlabs/at/internal/service/llm/vertex"
)

// BuildRegistry expands each configured provider into one engine-adapter
// instance per upstream API key, and wraps the keys in a C1 CircularList so
// the handler can rotate/rate-limit/cool them down independently of which
// provider is currently selected by C5.
func BuildRegistry(cfg *config.Config) (map[string]*routing.ProviderRuntime, error) {
	registry := make(map[string]*routing.ProviderRuntime, len(cfg.Providers))

	for name, pcfg := range cfg.Providers {
		rt, err := buildProviderRuntime(name, pcfg, cfg.Preferences.SchedulingAlgorithm)
		if err != nil {
			return nil, fmt.Errorf("provider %q: %w", name, err)
		}
		registry[name] = rt
	}

	return registry, nil
}

func buildProviderRuntime(name string, pcfg config.ProviderConfig, globalAlgo string) (*routing.ProviderRuntime, error) {
	rawKeys := pcfg.Keys()
	if len(rawKeys) == 0 {
		rawKeys = []string{""} // vertex/ADC-style providers with no static key
	}

	items := make([]string, len(rawKeys))
	disabled := map[string]bool{}
	instances := make([]service.LLMProvider, len(rawKeys))

	resolver, err := ratelimit.NewModelRateLimits(pcfg.RateLimits)
	if err != nil {
		return nil, fmt.Errorf("rate limits: %w", err)
	}
	rateLimits := map[string]*ratelimit.ModelRateLimits{}

	for i, raw := range rawKeys {
		idx := strconv.Itoa(i)
		items[i] = idx
		rateLimits[idx] = resolver

		if config.KeyDisabled(raw) {
			disabled[idx] = true
			continue
		}

		key := config.KeyValue(raw)
		provider, err := newAdapter(pcfg, key)
		if err != nil {
			return nil, err
		}
		instances[i] = provider
	}

	algoStr := globalAlgo
	if pcfg.Preferences != nil && pcfg.Preferences.SchedulingAlgorithm != "" {
		algoStr = pcfg.Preferences.SchedulingAlgorithm
	}
	if algoStr == "" {
		algoStr = string(ratelimit.FixedPriority)
	}

	return &routing.ProviderRuntime{
		Name:      name,
		Config:    pcfg,
		Instances: instances,
		Keys:      ratelimit.New(items, ratelimit.Algorithm(algoStr), nil, rateLimits, disabled),
	}, nil
}

// newAdapter constructs the engine adapter for pcfg's type, reusing the
// single key supplied (one adapter instance per upstream key; see
// BuildRegistry).
func newAdapter(pcfg config.ProviderConfig, key string) (service.LLMProvider, error) {
	switch pcfg.Type {
	case "anthropic":
		return antropic.New(key, pcfg.Model, pcfg.BaseURL, pcfg.Proxy, pcfg.InsecureSkipVerify)
	case "gemini":
		return gemini.New(key, pcfg.Model, pcfg.BaseURL, pcfg.Proxy, pcfg.InsecureSkipVerify)
	case "vertex":
		var saEmail, privKey string
		if pcfg.Vertex != nil {
			saEmail = pcfg.Vertex.ServiceAccountEmail
			privKey = pcfg.Vertex.PrivateKeyPEM
		}
		return vertex.New(pcfg.Model, pcfg.BaseURL, pcfg.Proxy, pcfg.InsecureSkipVerify, saEmail, privKey)
	case "openai", "compatible", "azure", "cloudflare", "openrouter", "":
		var opts []openai.Option
		if pcfg.AuthType == "copilot" {
			opts = append(opts, openai.WithTokenSource(openai.NewCopilotTokenSource(key)))
		}
		return openai.New(key, pcfg.Model, pcfg.BaseURL, pcfg.Proxy, pcfg.InsecureSkipVerify, pcfg.ExtraHeaders, opts...)
	case "bedrock":
		return nil, fmt.Errorf("bedrock provider type is not yet implemented (SigV4 signing)")
	default:
		return nil, fmt.Errorf("unknown provider type %q", pcfg.Type)
	}
}

// sortedNames returns m's keys sorted, used where deterministic iteration
// over the provider registry is needed (e.g. GET /v1/models).
func sortedNames(m map[string]*routing.ProviderRuntime) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
