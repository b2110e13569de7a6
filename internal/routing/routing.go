// Package routing implements the C5 routing policy: given a model alias
// and the requesting API key's group, produce an ordered list of eligible
// providers using the configured scheduling algorithm (spec.md §4.5).
//
// Grounded on internal/ratelimit's algorithm constants and weighted/random
// selection idiom (internal/ratelimit/circularlist.go), applied here to
// providers instead of upstream keys — C5 orders a set that is already
// known-eligible; it does not itself rate-limit or cool down (that is C1's
// job, applied per upstream key once a provider is picked).
package routing

import (
	"math/rand"
	"sort"
	"sync"

	"github.com/rakunlabs/at/internal/channelmgr"
	"github.com/rakunlabs/at/internal/config"
	"github.com/rakunlabs/at/internal/ratelimit"
	"github.com/rakunlabs/at/internal/service"
)

// ProviderRuntime is one configured provider, expanded into one engine
// adapter instance per upstream API key (C1 rotates the key, so each key
// gets its own constructed adapter rather than the adapter taking a key
// per-call).
type ProviderRuntime struct {
	Name   string
	Config config.ProviderConfig

	// Instances[i] is the adapter built from Keys item index i (as a
	// decimal string, e.g. "0", "1"); Keys.Next selects among them.
	Instances []service.LLMProvider
	Keys      *ratelimit.CircularList
}

// Provider returns the idx'th adapter instance, or nil if out of range.
func (p *ProviderRuntime) Provider(idx int) service.LLMProvider {
	if idx < 0 || idx >= len(p.Instances) {
		return nil
	}
	return p.Instances[idx]
}

// Router orders eligible providers for a (model, group) request.
type Router struct {
	mu        sync.Mutex
	registry  map[string]*ProviderRuntime
	order     []string // deterministic declaration-order fallback (sorted; config maps carry no order)
	cursors   map[string]int
	blacklist *channelmgr.Manager
	algorithm ratelimit.Algorithm
	weights   map[string]int
}

// New builds a Router over registry, ordering/selecting with algorithm and
// consulting blacklist for C10 exclusions during eligibility testing.
func New(registry map[string]*ProviderRuntime, algorithm ratelimit.Algorithm, blacklist *channelmgr.Manager) *Router {
	order := make([]string, 0, len(registry))
	weights := make(map[string]int, len(registry))
	for name, rt := range registry {
		order = append(order, name)
		weights[name] = rt.Config.Weight
	}
	sort.Strings(order)

	return &Router{
		registry:  registry,
		order:     order,
		cursors:   map[string]int{},
		blacklist: blacklist,
		algorithm: algorithm,
		weights:   weights,
	}
}

// Lookup returns the named provider runtime, if configured.
func (r *Router) Lookup(name string) (*ProviderRuntime, bool) {
	rt, ok := r.registry[name]
	return rt, ok
}

// Select returns eligible provider names for model and requestGroup,
// ordered per the configured scheduling algorithm (spec.md §4.5).
func (r *Router) Select(model, requestGroup string) []string {
	eligible := r.eligible(model, requestGroup)
	if len(eligible) == 0 {
		return nil
	}

	switch r.algorithm {
	case ratelimit.Random:
		return r.randomOrder(eligible)
	case ratelimit.Weighted:
		return r.weightedOrder(eligible)
	case ratelimit.RoundRobin:
		return r.roundRobinOrder(model, eligible)
	default: // fixed_priority
		return eligible
	}
}

// eligible filters the registry by spec.md §4.5: enabled, model known,
// group intersection, and not C10-blacklisted. Returned in the
// declaration-order fallback (§order) so callers get a stable base set.
func (r *Router) eligible(model, requestGroup string) []string {
	out := make([]string, 0, len(r.order))
	for _, name := range r.order {
		rt := r.registry[name]
		cfg := rt.Config
		if cfg.Disabled {
			continue
		}
		if !cfg.HasAlias(model) {
			continue
		}
		if !config.GroupMatch(cfg.Groups, requestGroup) {
			continue
		}
		if r.blacklist != nil && r.blacklist.IsBlacklisted(name, model) {
			continue
		}
		out = append(out, name)
	}
	return out
}

func (r *Router) randomOrder(eligible []string) []string {
	out := append([]string(nil), eligible...)
	rand.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	return out
}

// weightedOrder samples without replacement proportional to Weight.
func (r *Router) weightedOrder(eligible []string) []string {
	remaining := append([]string(nil), eligible...)
	out := make([]string, 0, len(remaining))

	for len(remaining) > 0 {
		total := 0
		for _, name := range remaining {
			total += r.weightOf(name)
		}
		if total <= 0 {
			out = append(out, remaining...)
			break
		}

		pick := rand.Intn(total)
		chosen := 0
		for i, name := range remaining {
			pick -= r.weightOf(name)
			if pick < 0 {
				chosen = i
				break
			}
		}

		out = append(out, remaining[chosen])
		remaining = append(remaining[:chosen], remaining[chosen+1:]...)
	}

	return out
}

func (r *Router) weightOf(name string) int {
	if w := r.weights[name]; w > 0 {
		return w
	}
	return 1
}

// roundRobinOrder rotates the eligible set starting at this alias's cursor,
// then advances the cursor by one (spec.md §4.5/§5). The cursors are
// per alias, but all aliases share the router's single mutex.
func (r *Router) roundRobinOrder(model string, eligible []string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(eligible)
	start := r.cursors[model] % n

	out := make([]string, n)
	for i := 0; i < n; i++ {
		out[i] = eligible[(start+i)%n]
	}

	r.cursors[model] = (start + 1) % n
	return out
}

// ExpandAggregator resolves a "sk-"-prefixed local aggregator key (an API
// key that is itself referenced as a provider name) to that key's own
// config.APIKeyConfig (spec.md §4.5); provider selection for the key's group
// is left to the caller. Returns ok=false if name isn't a configured,
// enabled aggregator.
func ExpandAggregator(keys []config.APIKeyConfig, name string) (config.APIKeyConfig, bool) {
	for _, k := range keys {
		if k.Aggregator && !k.Disabled() && k.Value() == name {
			return k, true
		}
	}
	return config.APIKeyConfig{}, false
}
