package plugin

import (
	"testing"

	"github.com/rakunlabs/at/internal/service"
)

type fakePreDispatcher struct {
	name string
}

func (f fakePreDispatcher) Name() string { return f.name }

func (f fakePreDispatcher) PreDispatch(rc *RequestContext, messages []service.Message, tools []service.Tool) ([]service.Message, []service.Tool) {
	rc.State[f.name] = true
	messages = append(messages, service.Message{Role: "system", Content: f.name})
	return messages, tools
}

type fakeChunkInterceptor struct {
	name string
}

func (f fakeChunkInterceptor) Name() string { return f.name }

func (f fakeChunkInterceptor) OnChunk(rc *RequestContext, chunk *service.StreamChunk) {
	chunk.Content += "|" + f.name
}

type fakeBoth struct {
	name string
}

func (f fakeBoth) Name() string { return f.name }

func (f fakeBoth) PreDispatch(rc *RequestContext, messages []service.Message, tools []service.Tool) ([]service.Message, []service.Tool) {
	rc.State["both_predispatch"] = true
	return messages, tools
}

func (f fakeBoth) OnChunk(rc *RequestContext, chunk *service.StreamChunk) {
	chunk.Content += "|both"
}

func TestRegistry_Chain_SkipsUnknownNames(t *testing.T) {
	reg := NewRegistry(fakePreDispatcher{name: "a"}, fakeChunkInterceptor{name: "b"})

	chain := reg.Chain([]string{"a", "missing", "b"})
	if len(chain) != 2 {
		t.Fatalf("Chain() len = %d, want 2", len(chain))
	}
	if chain[0].Name() != "a" || chain[1].Name() != "b" {
		t.Errorf("Chain() order = [%s %s], want [a b]", chain[0].Name(), chain[1].Name())
	}
}

func TestRegistry_Chain_NilRegistry(t *testing.T) {
	var reg *Registry
	if chain := reg.Chain([]string{"a"}); chain != nil {
		t.Errorf("nil Registry.Chain() = %v, want nil", chain)
	}
}

func TestChain_RunPreDispatch_OnlyRunsPreDispatchers(t *testing.T) {
	chain := Chain{fakePreDispatcher{name: "a"}, fakeChunkInterceptor{name: "b"}}
	rc := NewRequestContext("gpt-4")

	messages, _ := chain.RunPreDispatch(rc, nil, nil)

	if len(messages) != 1 || messages[0].Content != "a" {
		t.Errorf("RunPreDispatch() messages = %+v, want one message from 'a'", messages)
	}
	if _, ok := rc.State["a"]; !ok {
		t.Errorf("RunPreDispatch() did not set state for 'a'")
	}
}

func TestChain_RunOnChunk_OnlyRunsChunkInterceptors(t *testing.T) {
	chain := Chain{fakePreDispatcher{name: "a"}, fakeChunkInterceptor{name: "b"}}
	rc := NewRequestContext("gpt-4")
	chunk := &service.StreamChunk{Content: "start"}

	chain.RunOnChunk(rc, chunk)

	if chunk.Content != "start|b" {
		t.Errorf("RunOnChunk() content = %q, want %q", chunk.Content, "start|b")
	}
}

func TestChain_RunsInOrder_ForPluginsImplementingBoth(t *testing.T) {
	chain := Chain{fakeChunkInterceptor{name: "b"}, fakeBoth{name: "c"}}
	rc := NewRequestContext("gpt-4")
	chunk := &service.StreamChunk{Content: "start"}

	chain.RunOnChunk(rc, chunk)

	if chunk.Content != "start|b|both" {
		t.Errorf("RunOnChunk() content = %q, want %q", chunk.Content, "start|b|both")
	}
}
