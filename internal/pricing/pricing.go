// Package pricing resolves per-million-token prices for a model so C7 can
// snapshot them into RequestStat at finalization (spec.md §4.7/§4.8).
// Resolution mirrors internal/ratelimit's exact → longest-prefix → default
// lookup over config.Preferences.ModelPrices.
package pricing

import (
	"strconv"
	"strings"
)

// DefaultSpec is used when no price entry matches: "0.3,1" per spec.md §4.7.
const DefaultSpec = "0.3,1"

// Table resolves model → (prompt price, completion price) per million tokens.
type Table struct {
	exact    map[string][2]float64
	prefixes []prefixEntry
	def      [2]float64
}

type prefixEntry struct {
	prefix string
	prices [2]float64
}

// New builds a Table from a raw config map such as
// {"gpt-4o": "2.5,10", "claude-*": "3,15", "default": "0.3,1"}.
func New(raw map[string]string) (*Table, error) {
	t := &Table{exact: map[string][2]float64{}}

	def, err := parseSpec(DefaultSpec)
	if err != nil {
		return nil, err
	}
	t.def = def

	for key, spec := range raw {
		prices, err := parseSpec(spec)
		if err != nil {
			return nil, err
		}

		switch {
		case key == "default":
			t.def = prices
		case strings.HasSuffix(key, "*"):
			t.prefixes = append(t.prefixes, prefixEntry{prefix: strings.TrimSuffix(key, "*"), prices: prices})
		default:
			t.exact[key] = prices
		}
	}

	return t, nil
}

// Resolve returns (promptPrice, completionPrice) per million tokens for model.
func (t *Table) Resolve(model string) (float64, float64) {
	if t == nil {
		d, _ := parseSpec(DefaultSpec)
		return d[0], d[1]
	}

	if p, ok := t.exact[model]; ok {
		return p[0], p[1]
	}

	var best *prefixEntry
	for i := range t.prefixes {
		p := &t.prefixes[i]
		if strings.HasPrefix(model, p.prefix) {
			if best == nil || len(p.prefix) > len(best.prefix) {
				best = p
			}
		}
	}
	if best != nil {
		return best.prices[0], best.prices[1]
	}

	return t.def[0], t.def[1]
}

// parseSpec parses a "prompt,completion" price-per-million-tokens pair.
func parseSpec(spec string) ([2]float64, error) {
	parts := strings.SplitN(spec, ",", 2)
	if len(parts) != 2 {
		return [2]float64{}, &specError{spec}
	}

	prompt, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return [2]float64{}, &specError{spec}
	}
	completion, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return [2]float64{}, &specError{spec}
	}

	return [2]float64{prompt, completion}, nil
}

type specError struct{ spec string }

func (e *specError) Error() string { return "invalid price spec " + strconv.Quote(e.spec) }
