package ratelimit

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	str2duration "github.com/xhit/go-str2duration/v2"
)

// WindowSpec is one (limit, period) rate window: at most Limit requests in
// any Period-second sliding window.
type WindowSpec struct {
	Limit  int
	Period time.Duration
}

// longUnitAliases maps the friendlier config-file unit words onto the short
// codes str2duration.ParseDuration accepts (s, m, h, d).
var longUnitAliases = map[string]string{
	"s": "s", "sec": "s", "second": "s", "seconds": "s",
	"m": "m", "min": "m", "minute": "m", "minutes": "m",
	"h": "h", "hour": "h", "hours": "h",
	"d": "d", "day": "d", "days": "d",
}

// ParseWindowSpec parses a rate-limit spec string "<N>/<unit>" or
// "<N>/<k><unit>" (e.g. "2/min", "100/5min", "1000/day") into a WindowSpec.
// The period half is normalized to a str2duration-compatible short form
// (e.g. "5min" -> "5m") and handed to str2duration.ParseDuration, matching
// the teacher's go.mod dependency on that library for duration-with-units
// parsing (model_timeout elsewhere is a plain time.Duration and
// cooldown_seconds a float64 count of seconds; this is the one spot that
// needs "N per period" parsing).
func ParseWindowSpec(spec string) (WindowSpec, error) {
	parts := strings.SplitN(spec, "/", 2)
	if len(parts) != 2 {
		return WindowSpec{}, fmt.Errorf("invalid rate-limit spec %q: expected N/period", spec)
	}

	limit, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return WindowSpec{}, fmt.Errorf("invalid rate-limit spec %q: %w", spec, err)
	}

	period := strings.TrimSpace(parts[1])

	// Split leading digits (the "k" multiplier) from the trailing unit word.
	i := 0
	for i < len(period) && period[i] >= '0' && period[i] <= '9' {
		i++
	}

	mult := "1"
	if i > 0 {
		mult = period[:i]
	}

	unit, ok := longUnitAliases[strings.ToLower(period[i:])]
	if !ok {
		return WindowSpec{}, fmt.Errorf("invalid rate-limit spec %q: unknown unit %q", spec, period[i:])
	}

	dur, err := str2duration.ParseDuration(mult + unit)
	if err != nil {
		return WindowSpec{}, fmt.Errorf("invalid rate-limit spec %q: %w", spec, err)
	}

	return WindowSpec{Limit: limit, Period: dur}, nil
}

// ParseWindowSpecs parses a spec that may be a single string or a list of
// strings, all of which must hold simultaneously.
func ParseWindowSpecs(raw any) ([]WindowSpec, error) {
	switch v := raw.(type) {
	case nil:
		return nil, nil
	case string:
		w, err := ParseWindowSpec(v)
		if err != nil {
			return nil, err
		}
		return []WindowSpec{w}, nil
	case []string:
		out := make([]WindowSpec, 0, len(v))
		for _, s := range v {
			w, err := ParseWindowSpec(s)
			if err != nil {
				return nil, err
			}
			out = append(out, w)
		}
		return out, nil
	case []any:
		out := make([]WindowSpec, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("invalid rate-limit spec list element %v", item)
			}
			w, err := ParseWindowSpec(s)
			if err != nil {
				return nil, err
			}
			out = append(out, w)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("invalid rate-limit spec type %T", raw)
	}
}

// ModelRateLimits resolves a per-model rate-limit map: {model_prefix_or_*:
// spec_or_list, default: spec}. Resolution is exact key match, then
// longest-prefix match against the upstream model name, then "default".
type ModelRateLimits struct {
	exact    map[string][]WindowSpec
	prefixes []prefixEntry
	def      []WindowSpec
}

type prefixEntry struct {
	prefix string
	specs  []WindowSpec
}

// NewModelRateLimits builds a ModelRateLimits from a raw config map such as
// {"gpt-4": "2/min", "claude-*": ["10/min", "1000/day"], "default": "100/min"}.
func NewModelRateLimits(raw map[string]any) (*ModelRateLimits, error) {
	m := &ModelRateLimits{exact: map[string][]WindowSpec{}}

	for key, val := range raw {
		specs, err := ParseWindowSpecs(val)
		if err != nil {
			return nil, fmt.Errorf("rate limit for %q: %w", key, err)
		}

		switch {
		case key == "default":
			m.def = specs
		case strings.HasSuffix(key, "*"):
			m.prefixes = append(m.prefixes, prefixEntry{prefix: strings.TrimSuffix(key, "*"), specs: specs})
		default:
			m.exact[key] = specs
		}
	}

	return m, nil
}

// Resolve returns the window specs applicable to the given upstream model
// name: exact match first, then longest matching prefix, then default.
func (m *ModelRateLimits) Resolve(model string) []WindowSpec {
	if m == nil {
		return nil
	}
	if specs, ok := m.exact[model]; ok {
		return specs
	}

	var best *prefixEntry
	for i := range m.prefixes {
		p := &m.prefixes[i]
		if strings.HasPrefix(model, p.prefix) {
			if best == nil || len(p.prefix) > len(best.prefix) {
				best = p
			}
		}
	}
	if best != nil {
		return best.specs
	}

	return m.def
}
