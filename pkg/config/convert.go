package config

import (
	"fmt"
	"sort"
)

// asString coerces a koanf-decoded YAML scalar to a string. YAML
// numeric/bool keys can surface as non-string interface{} values;
// callers here always want the string form (paths, domains, patterns).
func asString(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	default:
		return fmt.Sprint(t)
	}
}

func asInt(v interface{}) int {
	switch t := v.(type) {
	case int:
		return t
	case int64:
		return int(t)
	case float64:
		return int(t)
	case uint64:
		return int(t)
	default:
		return 0
	}
}

func asUint64(v interface{}) uint64 {
	switch t := v.(type) {
	case int:
		if t < 0 {
			return 0
		}
		return uint64(t)
	case int64:
		if t < 0 {
			return 0
		}
		return uint64(t)
	case float64:
		if t < 0 {
			return 0
		}
		return uint64(t)
	case uint64:
		return t
	default:
		return 0
	}
}

func asBool(v interface{}) bool {
	b, _ := v.(bool)
	return b
}

func asStringSlice(v interface{}) []string {
	raw, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, e := range raw {
		out = append(out, asString(e))
	}
	return out
}

// orderedKeys returns m's keys sorted lexically. user_agent_limits is a
// map in YAML, but spec.md §4.4 step 6 (the free-text UA pattern scan)
// requires a deterministic match order across process restarts — koanf
// hands back a plain map with no ordering of its own.
func orderedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
