// Package ratelimit implements a thread-safe round-robin / weighted item
// selector with per-item cooldown and per-(item,model) sliding-window rate
// limits. It backs the per-provider upstream-key schedule (C1 in
// SPEC_FULL.md); internal/routing orders providers per alias with its own
// code and shares only the Algorithm constants. It mirrors the
// ThreadSafeCircularList concept named in the original Python source's
// Vertex channel.
package ratelimit

import (
	"errors"
	"math/rand"
	"sync"
	"time"
)

// ErrAllRateLimited is returned by Next when a full pass over the item list
// finds no item eligible for the given model.
var ErrAllRateLimited = errors.New("all items rate limited")

// Algorithm selects how CircularList.Next advances between items.
type Algorithm string

const (
	FixedPriority Algorithm = "fixed_priority"
	RoundRobin    Algorithm = "round_robin"
	Random        Algorithm = "random"
	Weighted      Algorithm = "weighted"
)

// CircularList is a thread-safe round-robin/weighted item scheduler with
// per-item cooldown and per-(item,model) sliding-window rate limits.
type CircularList struct {
	mu sync.Mutex

	items     []string
	weights   map[string]int
	algorithm Algorithm

	cursor int

	cooling map[string]time.Time
	// requests[item][model] is a sorted-by-append log of request timestamps
	// within the rate-limit horizon; entries older than the widest
	// applicable window are pruned lazily on access.
	requests map[string]map[string][]time.Time

	rateLimits map[string]*ModelRateLimits // per-item resolver; an item with no entry is not limited
	disabled   map[string]bool

	lastReturned string

	now func() time.Time
}

// New builds a CircularList over the given items. rateLimits maps item ->
// per-model rate-limit resolver; pass nil for no limiting on that item. Items
// absent from disabled (or mapped to false) are active; items mapped to true
// in disabled are permanently excluded (e.g. the "!"-prefixed disabled API keys in config).
func New(items []string, algorithm Algorithm, weights map[string]int, rateLimits map[string]*ModelRateLimits, disabled map[string]bool) *CircularList {
	return &CircularList{
		items:      append([]string(nil), items...),
		weights:    weights,
		algorithm:  algorithm,
		cooling:    map[string]time.Time{},
		requests:   map[string]map[string][]time.Time{},
		rateLimits: rateLimits,
		disabled:   disabled,
		now:        time.Now,
	}
}

// Next advances the schedule and returns the next eligible item for model,
// or ErrAllRateLimited if a full pass finds none. On success the pick's
// request log is stamped with now so future rate-limit checks see it.
func (c *CircularList) Next(model string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := len(c.items)
	if n == 0 {
		return "", ErrAllRateLimited
	}

	order := c.pickOrderLocked()

	now := c.now()
	for _, idx := range order {
		item := c.items[idx]
		if c.disabled[item] {
			continue
		}
		if until, ok := c.cooling[item]; ok && now.Before(until) {
			continue
		}
		if !c.withinLimitsLocked(item, model, now) {
			continue
		}

		c.appendRequestLocked(item, model, now)
		c.lastReturned = item
		if c.algorithm == RoundRobin {
			c.cursor = (idx + 1) % n
		}
		return item, nil
	}

	return "", ErrAllRateLimited
}

// pickOrderLocked returns the visiting order for one Next() pass, starting
// point depending on algorithm. Caller must hold c.mu.
func (c *CircularList) pickOrderLocked() []int {
	n := len(c.items)
	order := make([]int, n)

	switch c.algorithm {
	case Random:
		perm := rand.Perm(n)
		copy(order, perm)
	case Weighted:
		order = c.weightedOrderLocked()
	default: // RoundRobin, FixedPriority
		for i := 0; i < n; i++ {
			order[i] = (c.cursor + i) % n
		}
	}

	return order
}

// weightedOrderLocked samples without replacement proportional to weights;
// items with no configured weight are sampled with weight 1.
func (c *CircularList) weightedOrderLocked() []int {
	n := len(c.items)
	remaining := make([]int, n)
	for i := range remaining {
		remaining[i] = i
	}

	order := make([]int, 0, n)
	for len(remaining) > 0 {
		total := 0
		for _, idx := range remaining {
			total += c.weightOf(c.items[idx])
		}
		if total <= 0 {
			order = append(order, remaining...)
			break
		}

		r := rand.Intn(total)
		chosen := 0
		for i, idx := range remaining {
			r -= c.weightOf(c.items[idx])
			if r < 0 {
				chosen = i
				break
			}
		}

		order = append(order, remaining[chosen])
		remaining = append(remaining[:chosen], remaining[chosen+1:]...)
	}

	return order
}

func (c *CircularList) weightOf(item string) int {
	if w, ok := c.weights[item]; ok && w > 0 {
		return w
	}
	return 1
}

// withinLimitsLocked reports whether item has capacity remaining for model
// across every applicable (limit, period) window. Caller must hold c.mu.
func (c *CircularList) withinLimitsLocked(item, model string, now time.Time) bool {
	resolver, ok := c.rateLimits[item]
	if !ok || resolver == nil {
		return true
	}

	specs := resolver.Resolve(model)
	if len(specs) == 0 {
		return true
	}

	log := c.requests[item][model]
	for _, spec := range specs {
		cutoff := now.Add(-spec.Period)
		count := 0
		for _, t := range log {
			if t.After(cutoff) {
				count++
			}
		}
		if count >= spec.Limit {
			return false
		}
	}

	return true
}

func (c *CircularList) appendRequestLocked(item, model string, now time.Time) {
	byModel, ok := c.requests[item]
	if !ok {
		byModel = map[string][]time.Time{}
		c.requests[item] = byModel
	}

	log := byModel[model]
	log = append(log, now)

	// Prune entries older than any window this item might be checked
	// against, bounded loosely at 24h to avoid unbounded growth.
	horizon := now.Add(-24 * time.Hour)
	pruned := log[:0]
	for _, t := range log {
		if t.After(horizon) {
			pruned = append(pruned, t)
		}
	}
	byModel[model] = pruned
}

// AfterNextCurrent returns the most recently returned item, used to apply
// cooldown after a dispatch failure.
func (c *CircularList) AfterNextCurrent() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastReturned
}

// SetCooling excludes item from selection until seconds from now.
func (c *CircularList) SetCooling(item string, seconds float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cooling[item] = c.now().Add(time.Duration(seconds * float64(time.Second)))
}

// IsAllRateLimited reports whether every active item is currently cooling
// or rate-limited for model, without advancing the cursor.
func (c *CircularList) IsAllRateLimited(model string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for _, item := range c.items {
		if c.disabled[item] {
			continue
		}
		if until, ok := c.cooling[item]; ok && now.Before(until) {
			continue
		}
		if !c.withinLimitsLocked(item, model, now) {
			continue
		}
		return false
	}
	return true
}

// GetItemsCount returns the number of configured items (including disabled
// and currently-cooling ones).
func (c *CircularList) GetItemsCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// PopLastRequestLog removes the most recent log entry recorded for
// (item, model). Used when a dispatch attempt is classified as "didn't
// really happen" (a cooldown-exempt failure) so it doesn't count against
// the rate-limit window.
func (c *CircularList) PopLastRequestLog(item, model string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	log := c.requests[item][model]
	if len(log) == 0 {
		return
	}
	c.requests[item][model] = log[:len(log)-1]
}
