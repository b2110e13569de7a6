package ratelimit

import (
	"testing"
	"time"
)

func TestCircularList_RoundRobinFairness(t *testing.T) {
	cl := New([]string{"k1", "k2", "k3"}, RoundRobin, nil, nil, nil)

	var got []string
	for i := 0; i < 6; i++ {
		item, err := cl.Next("modelA")
		if err != nil {
			t.Fatalf("Next() error = %v", err)
		}
		got = append(got, item)
	}

	want := []string{"k1", "k2", "k3", "k1", "k2", "k3"}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("pick %d = %q, want %q (full: %v)", i, got[i], want[i], got)
		}
	}
}

func TestCircularList_PerModelRateLimit(t *testing.T) {
	limits, err := NewModelRateLimits(map[string]any{"gpt-4": "2/min", "default": "100/min"})
	if err != nil {
		t.Fatalf("NewModelRateLimits() error = %v", err)
	}

	cl := New([]string{"k1"}, RoundRobin, nil, map[string]*ModelRateLimits{"k1": limits}, nil)

	if _, err := cl.Next("gpt-4"); err != nil {
		t.Fatalf("first Next(gpt-4) error = %v", err)
	}
	if _, err := cl.Next("gpt-4"); err != nil {
		t.Fatalf("second Next(gpt-4) error = %v", err)
	}
	if _, err := cl.Next("gpt-4"); err != ErrAllRateLimited {
		t.Fatalf("third Next(gpt-4) error = %v, want ErrAllRateLimited", err)
	}

	// A different model with its own (higher) limit is unaffected.
	if item, err := cl.Next("other-model"); err != nil || item != "k1" {
		t.Fatalf("Next(other-model) = (%q, %v), want (k1, nil)", item, err)
	}
}

func TestCircularList_CoolingIsMonotone(t *testing.T) {
	cl := New([]string{"k1"}, RoundRobin, nil, nil, nil)

	fixed := time.Now()
	cl.now = func() time.Time { return fixed }

	cl.SetCooling("k1", 5)

	cl.now = func() time.Time { return fixed.Add(4 * time.Second) }
	if _, err := cl.Next("m"); err != ErrAllRateLimited {
		t.Fatalf("Next() before cooldown expiry error = %v, want ErrAllRateLimited", err)
	}

	cl.now = func() time.Time { return fixed.Add(6 * time.Second) }
	if item, err := cl.Next("m"); err != nil || item != "k1" {
		t.Fatalf("Next() after cooldown expiry = (%q, %v), want (k1, nil)", item, err)
	}
}

func TestCircularList_AllRateLimitedSkipsProviderWithoutAdvancing(t *testing.T) {
	limits, _ := NewModelRateLimits(map[string]any{"default": "1/min"})
	cl := New([]string{"k1"}, RoundRobin, nil, map[string]*ModelRateLimits{"k1": limits}, nil)

	if _, err := cl.Next("m"); err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	if !cl.IsAllRateLimited("m") {
		t.Fatal("IsAllRateLimited(m) = false, want true")
	}
	if cl.IsAllRateLimited("other") {
		t.Fatal("IsAllRateLimited(other) = true, want false")
	}
}

func TestCircularList_DisabledItemsNeverSelected(t *testing.T) {
	cl := New([]string{"k1", "k2"}, RoundRobin, nil, nil, map[string]bool{"k1": true})

	for i := 0; i < 4; i++ {
		item, err := cl.Next("m")
		if err != nil {
			t.Fatalf("Next() error = %v", err)
		}
		if item != "k2" {
			t.Fatalf("Next() = %q, want k2 (k1 is disabled)", item)
		}
	}
}

func TestCircularList_PopLastRequestLog(t *testing.T) {
	limits, _ := NewModelRateLimits(map[string]any{"default": "1/min"})
	cl := New([]string{"k1"}, RoundRobin, nil, map[string]*ModelRateLimits{"k1": limits}, nil)

	if _, err := cl.Next("m"); err != nil {
		t.Fatalf("Next() error = %v", err)
	}
	cl.PopLastRequestLog("k1", "m")

	if _, err := cl.Next("m"); err != nil {
		t.Fatalf("Next() after pop error = %v, want nil (log entry should have been removed)", err)
	}
}
