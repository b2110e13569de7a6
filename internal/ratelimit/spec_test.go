package ratelimit

import (
	"testing"
	"time"
)

func TestParseWindowSpec(t *testing.T) {
	cases := []struct {
		spec       string
		wantLimit  int
		wantPeriod time.Duration
	}{
		{"2/min", 2, time.Minute},
		{"100/5min", 100, 5 * time.Minute},
		{"1000/day", 1000, 24 * time.Hour},
		{"10/s", 10, time.Second},
		{"5/hour", 5, time.Hour},
		{"3/10minutes", 3, 10 * time.Minute},
	}

	for _, c := range cases {
		got, err := ParseWindowSpec(c.spec)
		if err != nil {
			t.Fatalf("ParseWindowSpec(%q) error = %v", c.spec, err)
		}
		if got.Limit != c.wantLimit || got.Period != c.wantPeriod {
			t.Errorf("ParseWindowSpec(%q) = %+v, want {%d %v}", c.spec, got, c.wantLimit, c.wantPeriod)
		}
	}
}

func TestParseWindowSpec_Errors(t *testing.T) {
	for _, spec := range []string{"no-slash", "abc/min", "2/fortnight", "2/"} {
		if _, err := ParseWindowSpec(spec); err == nil {
			t.Errorf("ParseWindowSpec(%q) error = nil, want error", spec)
		}
	}
}

func TestParseWindowSpecs_List(t *testing.T) {
	specs, err := ParseWindowSpecs([]any{"10/min", "1000/day"})
	if err != nil {
		t.Fatalf("ParseWindowSpecs() error = %v", err)
	}
	if len(specs) != 2 {
		t.Fatalf("ParseWindowSpecs() len = %d, want 2", len(specs))
	}
	if specs[0].Period != time.Minute || specs[1].Period != 24*time.Hour {
		t.Errorf("ParseWindowSpecs() = %+v", specs)
	}
}

func TestModelRateLimits_Resolve(t *testing.T) {
	m, err := NewModelRateLimits(map[string]any{
		"gpt-4":    "2/min",
		"claude-*": "10/min",
		"default":  "100/min",
	})
	if err != nil {
		t.Fatalf("NewModelRateLimits() error = %v", err)
	}

	if got := m.Resolve("gpt-4"); len(got) != 1 || got[0].Limit != 2 {
		t.Errorf("Resolve(gpt-4) = %+v, want limit 2", got)
	}
	if got := m.Resolve("claude-3-opus"); len(got) != 1 || got[0].Limit != 10 {
		t.Errorf("Resolve(claude-3-opus) = %+v, want limit 10 (prefix match)", got)
	}
	if got := m.Resolve("unknown-model"); len(got) != 1 || got[0].Limit != 100 {
		t.Errorf("Resolve(unknown-model) = %+v, want default limit 100", got)
	}
}
