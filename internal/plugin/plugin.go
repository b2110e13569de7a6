// Package plugin implements C11: two ordered interception chains a request
// runs through around C2/C9 dispatch -- a pre-dispatch hook that can rewrite
// the canonical request, and a per-stream-chunk hook that can rewrite each
// streamed piece of the response. Plugins share state across the two hooks
// via a RequestContext threaded explicitly through the handler and
// adapters, never through process-global state, since two concurrent
// requests may both have the plugin active.
package plugin

import "github.com/rakunlabs/at/internal/service"

// RequestContext carries one request's plugin-chain state. A plugin that
// needs to act differently in OnChunk based on what PreDispatch decided
// stashes that decision in State.
type RequestContext struct {
	// Model is the upstream model name; PreDispatch hooks may rewrite it
	// in place (e.g. stripping a routing-only suffix) before dispatch.
	Model string
	State map[string]any
}

func NewRequestContext(model string) *RequestContext {
	return &RequestContext{Model: model, State: map[string]any{}}
}

// Plugin is the minimum every registered plugin satisfies. A plugin
// implements PreDispatcher, ChunkInterceptor, or both; Chain checks each
// via type assertion, matching the pattern the gateway already uses for
// providerUsesAnthropicShape.
type Plugin interface {
	Name() string
}

// PreDispatcher rewrites the canonical messages/tools before C2 translates
// them to the provider's native shape.
type PreDispatcher interface {
	Plugin
	PreDispatch(rc *RequestContext, messages []service.Message, tools []service.Tool) ([]service.Message, []service.Tool)
}

// ChunkInterceptor rewrites one streamed chunk before it reaches the C7
// response wrapper.
type ChunkInterceptor interface {
	Plugin
	OnChunk(rc *RequestContext, chunk *service.StreamChunk)
}

// Registry resolves configured plugin names (ProviderConfig.Preferences
// .EnabledPlugins) to the actual Plugin instances wired at startup.
type Registry struct {
	byName map[string]Plugin
}

func NewRegistry(plugins ...Plugin) *Registry {
	m := make(map[string]Plugin, len(plugins))
	for _, p := range plugins {
		m[p.Name()] = p
	}
	return &Registry{byName: m}
}

// Chain resolves names to a Chain in the given order, silently skipping
// unknown names (a disabled/removed plugin left in config shouldn't 500
// every request for that provider).
func (r *Registry) Chain(names []string) Chain {
	if r == nil {
		return nil
	}
	out := make(Chain, 0, len(names))
	for _, n := range names {
		if p, ok := r.byName[n]; ok {
			out = append(out, p)
		}
	}
	return out
}

// Chain is an ordered, resolved set of plugins for one request.
type Chain []Plugin

// RunPreDispatch runs every PreDispatcher in order, threading the
// messages/tools through each.
func (c Chain) RunPreDispatch(rc *RequestContext, messages []service.Message, tools []service.Tool) ([]service.Message, []service.Tool) {
	for _, p := range c {
		if pd, ok := p.(PreDispatcher); ok {
			messages, tools = pd.PreDispatch(rc, messages, tools)
		}
	}
	return messages, tools
}

// RunOnChunk runs every ChunkInterceptor in order against chunk in place.
func (c Chain) RunOnChunk(rc *RequestContext, chunk *service.StreamChunk) {
	for _, p := range c {
		if ci, ok := p.(ChunkInterceptor); ok {
			ci.OnChunk(rc, chunk)
		}
	}
}
