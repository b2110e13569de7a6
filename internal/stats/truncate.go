package stats

import "encoding/json"

// Truncation limits for the depth-aware JSON truncator (spec.md §4.7): raw
// request/response bodies recorded for postmortem are trimmed so viewers
// can read them without loading unbounded blobs.
const (
	truncStringLen = 500
	truncListLen   = 20
	truncDictLen   = 30
	truncMaxDepth  = 10
)

// TruncateJSON parses raw as JSON and re-serializes it with strings capped
// at 500 chars, lists at 20 elements, dicts at 30 keys, and recursion capped
// at depth 10 — preserving structure so downstream viewers don't choke on a
// single oversized field. Non-JSON input is truncated as a raw string
// instead.
func TruncateJSON(raw []byte) string {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return truncateString(string(raw))
	}

	truncated := truncateValue(v, 0)
	out, err := json.Marshal(truncated)
	if err != nil {
		return truncateString(string(raw))
	}
	return string(out)
}

func truncateValue(v any, depth int) any {
	if depth >= truncMaxDepth {
		return "<max depth exceeded>"
	}

	switch val := v.(type) {
	case string:
		return truncateString(val)
	case []any:
		n := val
		truncatedList := false
		if len(n) > truncListLen {
			n = n[:truncListLen]
			truncatedList = true
		}
		out := make([]any, 0, len(n)+1)
		for _, item := range n {
			out = append(out, truncateValue(item, depth+1))
		}
		if truncatedList {
			out = append(out, "<truncated>")
		}
		return out
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		truncatedDict := false
		if len(keys) > truncDictLen {
			keys = keys[:truncDictLen]
			truncatedDict = true
		}
		out := make(map[string]any, len(keys)+1)
		for _, k := range keys {
			out[k] = truncateValue(val[k], depth+1)
		}
		if truncatedDict {
			out["<truncated>"] = true
		}
		return out
	default:
		return val
	}
}

func truncateString(s string) string {
	if len(s) <= truncStringLen {
		return s
	}
	return s[:truncStringLen] + "...<truncated>"
}
