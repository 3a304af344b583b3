// Package config loads Pingwall's YAML policy file the way the
// teacher loads its own: koanf file+yaml providers, typed accessors
// for the top-level scalar settings and the anomaly block, and a
// manual walk of koanf's generic tree for the routes and domains lists
// (including the LimitSpec scalar-or-object union that koanf's
// reflection-based unmarshal cannot express).
package config

import (
	"fmt"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Ssl is a domain's certificate/key (and optional CA) file paths.
type Ssl struct {
	CertPath string
	KeyPath  string
	CaPath   string
}

// Route is immutable after load. See spec.md §3.
type Route struct {
	Path              string
	Upstream          string
	Domain            string // may carry ":port"; empty means domain-agnostic
	MaxReqPerWindow   int
	BlockDurationSecs uint64
	FollowDomain      bool
	TimeoutSecs       *uint64
	Ssl               *Ssl
	AdvancedLimits    *AdvancedLimits
}

// Config is the fully parsed policy file plus top-level defaults.
type Config struct {
	MaxReqPerWindow     int
	BlockDurationSecs   uint64
	Port                uint16
	UpstreamAddr        string
	BlockURL            string
	ApiKey              string
	UseCloudflare       bool
	TimeoutSecs         uint64
	MetricsPort         uint16
	RateLimitWindowSecs uint64
	Routes              []*Route // legacy flat list, domain == ""
	Domains             []*DomainConfig
	Anomaly             AnomalyConfig
}

// DomainConfig groups routers under one virtual host.
type DomainConfig struct {
	Domain      string
	Ssl         *Ssl
	Routers     []*Route
	TimeoutSecs *uint64
}

// AnomalyConfig gates the supplemented EWMA spike detector (§6 of
// SPEC_FULL.md). Disabled unless explicitly turned on.
type AnomalyConfig struct {
	Enabled             bool
	WindowSeconds       int
	Buckets             int
	ThresholdMultiplier float64
	EWMAAlpha           float64
	BlockDurationSecs   uint64
}

const apiKeyPlaceholder = "your-api-key"

// IsPlaceholderAPIKey reports whether key is the literal sentinel
// value that disables the webhook Authorization header (spec.md §4.6).
func IsPlaceholderAPIKey(key string) bool { return key == apiKeyPlaceholder }

// Load reads and parses the YAML policy file at path.
func Load(path string) (*Config, error) {
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("load config %q: %w", path, err)
	}
	return parseConfig(k)
}

// intDefault/uint64Default and friends return def when the key is
// absent (uint64Default also when the value is negative). A key that is
// present with the wrong native type still yields koanf's zero value.
func intDefault(k *koanf.Koanf, path string, def int) int {
	if !k.Exists(path) {
		return def
	}
	return k.Int(path)
}

func uint64Default(k *koanf.Koanf, path string, def uint64) uint64 {
	if !k.Exists(path) {
		return def
	}
	v := k.Int64(path)
	if v < 0 {
		return def
	}
	return uint64(v)
}

func boolDefault(k *koanf.Koanf, path string, def bool) bool {
	if !k.Exists(path) {
		return def
	}
	return k.Bool(path)
}

func stringDefault(k *koanf.Koanf, path string, def string) string {
	if !k.Exists(path) {
		return def
	}
	return k.String(path)
}

func floatDefault(k *koanf.Koanf, path string, def float64) float64 {
	if !k.Exists(path) {
		return def
	}
	return k.Float64(path)
}

func parseConfig(k *koanf.Koanf) (*Config, error) {
	cfg := &Config{
		MaxReqPerWindow:     intDefault(k, "max_req_per_window", 60),
		BlockDurationSecs:   uint64Default(k, "block_duration_secs", 300),
		Port:                uint16(intDefault(k, "port", 8443)),
		UpstreamAddr:        stringDefault(k, "upstream_addr", ""),
		BlockURL:            stringDefault(k, "block_url", ""),
		ApiKey:              stringDefault(k, "api_key", apiKeyPlaceholder),
		UseCloudflare:       boolDefault(k, "use_cloudflare", false),
		TimeoutSecs:         uint64Default(k, "timeout_secs", 30),
		MetricsPort:         uint16(intDefault(k, "metrics_port", 9090)),
		RateLimitWindowSecs: uint64Default(k, "rate_limit_window_secs", 1),
	}

	if raw, ok := k.Get("routes").([]interface{}); ok {
		for _, rv := range raw {
			m, ok := rv.(map[string]interface{})
			if !ok {
				continue
			}
			r, err := parseRoute(m, "")
			if err != nil {
				return nil, fmt.Errorf("parse routes: %w", err)
			}
			cfg.Routes = append(cfg.Routes, r)
		}
	}

	if raw, ok := k.Get("domains").([]interface{}); ok {
		for _, dv := range raw {
			dm, ok := dv.(map[string]interface{})
			if !ok {
				continue
			}
			dc, err := parseDomain(dm)
			if err != nil {
				return nil, fmt.Errorf("parse domains: %w", err)
			}
			cfg.Domains = append(cfg.Domains, dc)
		}
	}

	cfg.Anomaly = AnomalyConfig{
		Enabled:             boolDefault(k, "anomaly.enabled", false),
		WindowSeconds:       intDefault(k, "anomaly.window_seconds", 10),
		Buckets:             intDefault(k, "anomaly.buckets", 10),
		ThresholdMultiplier: floatDefault(k, "anomaly.threshold_multiplier", 5.0),
		EWMAAlpha:           floatDefault(k, "anomaly.ewma_alpha", 0.2),
		BlockDurationSecs:   uint64Default(k, "anomaly.block_duration_secs", 60),
	}

	return cfg, nil
}

func parseDomain(m map[string]interface{}) (*DomainConfig, error) {
	dc := &DomainConfig{
		Domain: asString(m["domain"]),
	}
	if sm, ok := m["ssl"].(map[string]interface{}); ok {
		dc.Ssl = parseSsl(sm)
	}
	if t, ok := m["timeout_secs"]; ok {
		v := asUint64(t)
		dc.TimeoutSecs = &v
	}
	if raw, ok := m["routers"].([]interface{}); ok {
		for _, rv := range raw {
			rm, ok := rv.(map[string]interface{})
			if !ok {
				continue
			}
			r, err := parseRoute(rm, dc.Domain)
			if err != nil {
				return nil, err
			}
			dc.Routers = append(dc.Routers, r)
		}
	}
	return dc, nil
}

func parseSsl(m map[string]interface{}) *Ssl {
	return &Ssl{
		CertPath: asString(m["cert_path"]),
		KeyPath:  asString(m["key_path"]),
		CaPath:   asString(m["ca_path"]),
	}
}

func parseRoute(m map[string]interface{}, domain string) (*Route, error) {
	r := &Route{
		Path:              asString(m["path"]),
		Upstream:          asString(m["upstream"]),
		Domain:            domain,
		MaxReqPerWindow:   asInt(m["max_req_per_window"]),
		BlockDurationSecs: asUint64(m["block_duration_secs"]),
		FollowDomain:      asBool(m["follow_domain"]),
	}
	if r.Domain == "" {
		r.Domain = asString(m["domain"])
	}
	if t, ok := m["timeout_secs"]; ok {
		v := asUint64(t)
		r.TimeoutSecs = &v
	}
	if sm, ok := m["ssl"].(map[string]interface{}); ok {
		r.Ssl = parseSsl(sm)
	}
	if am, ok := m["advanced_limits"].(map[string]interface{}); ok {
		al, err := parseAdvancedLimits(am)
		if err != nil {
			return nil, fmt.Errorf("route %q: %w", r.Path, err)
		}
		r.AdvancedLimits = al
	}
	return r, nil
}

func parseAdvancedLimits(m map[string]interface{}) (*AdvancedLimits, error) {
	al := &AdvancedLimits{
		UserAgentLimits: map[string]LimitSpec{},
		AsnLimits:       map[string]LimitSpec{},
		CountryLimits:   map[string]LimitSpec{},
	}
	if uam, ok := m["user_agent_limits"].(map[string]interface{}); ok {
		for _, key := range orderedKeys(uam) {
			spec, err := parseLimitSpec(uam[key])
			if err != nil {
				return nil, fmt.Errorf("user_agent_limits[%s]: %w", key, err)
			}
			al.UserAgentLimits[key] = spec
			al.UserAgentLimitsOrder = append(al.UserAgentLimitsOrder, key)
		}
	}
	if asnm, ok := m["asn_limits"].(map[string]interface{}); ok {
		for k, v := range asnm {
			spec, err := parseLimitSpec(v)
			if err != nil {
				return nil, fmt.Errorf("asn_limits[%s]: %w", k, err)
			}
			al.AsnLimits[k] = spec
		}
	}
	if cm, ok := m["country_limits"].(map[string]interface{}); ok {
		for k, v := range cm {
			spec, err := parseLimitSpec(v)
			if err != nil {
				return nil, fmt.Errorf("country_limits[%s]: %w", k, err)
			}
			al.CountryLimits[k] = spec
		}
	}
	if bc, ok := m["block_countries"].([]interface{}); ok {
		for _, v := range bc {
			al.BlockCountries = append(al.BlockCountries, asString(v))
		}
	}
	if th, ok := m["threat_score_threshold"]; ok {
		v := asInt(th)
		al.ThreatScoreThreshold = &v
	}
	if rules, ok := m["rules"].([]interface{}); ok {
		for _, rv := range rules {
			rm, ok := rv.(map[string]interface{})
			if !ok {
				continue
			}
			rule, err := parseRule(rm)
			if err != nil {
				return nil, err
			}
			al.Rules = append(al.Rules, rule)
		}
	}
	return al, nil
}

func parseRule(m map[string]interface{}) (Rule, error) {
	r := Rule{
		Name:          asString(m["name"]),
		MaxReq:        asInt(m["max_req"]),
		BlockDuration: asUint64(m["block_duration"]),
	}
	conds, ok := m["conditions"].([]interface{})
	if !ok {
		return r, nil
	}
	for _, cv := range conds {
		cm, ok := cv.(map[string]interface{})
		if !ok {
			continue
		}
		cond, err := parseCondition(cm)
		if err != nil {
			return r, fmt.Errorf("rule %q: %w", r.Name, err)
		}
		r.Conditions = append(r.Conditions, cond)
	}
	return r, nil
}

func parseCondition(m map[string]interface{}) (Condition, error) {
	for kind, v := range m {
		switch kind {
		case "user_agent_contains":
			return Condition{Kind: ConditionUserAgentContains, StringValue: asString(v)}, nil
		case "country_in":
			return Condition{Kind: ConditionCountryIn, StringSet: asStringSlice(v)}, nil
		case "country_not_in":
			return Condition{Kind: ConditionCountryNotIn, StringSet: asStringSlice(v)}, nil
		case "asn_in":
			return Condition{Kind: ConditionAsnIn, StringSet: asStringSlice(v)}, nil
		case "threat_score_above":
			return Condition{Kind: ConditionThreatScoreAbove, ThreatValue: asInt(v)}, nil
		}
	}
	return Condition{}, fmt.Errorf("unrecognized condition shape: %v", m)
}

// parseLimitSpec implements the scalar-or-object tagged union of
// spec.md §3/§6.1: a bare number is max_req alone; a map carries the
// extended fields.
func parseLimitSpec(v interface{}) (LimitSpec, error) {
	switch t := v.(type) {
	case map[string]interface{}:
		maxReq := asInt(t["max_req"])
		var windowSecs *int
		if w, ok := t["window_secs"]; ok {
			wv := asInt(w)
			windowSecs = &wv
		}
		var blockDur *uint64
		if b, ok := t["block_duration_secs"]; ok {
			bv := asUint64(b)
			blockDur = &bv
		}
		return NewExtendedLimitSpec(maxReq, windowSecs, blockDur), nil
	default:
		return NewScalarLimitSpec(asInt(v)), nil
	}
}
