package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTempConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeTempConfig(t, `
routes:
  - path: "/"
    upstream: "backend:8080"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MaxReqPerWindow != 60 {
		t.Fatalf("want default max_req_per_window 60, got %d", cfg.MaxReqPerWindow)
	}
	if cfg.Port != 8443 {
		t.Fatalf("want default port 8443, got %d", cfg.Port)
	}
	if !IsPlaceholderAPIKey(cfg.ApiKey) {
		t.Fatalf("want placeholder api key by default, got %q", cfg.ApiKey)
	}
	if len(cfg.Routes) != 1 || cfg.Routes[0].Upstream != "backend:8080" {
		t.Fatalf("unexpected routes: %+v", cfg.Routes)
	}
}

func TestLoadDomainsWithAdvancedLimits(t *testing.T) {
	path := writeTempConfig(t, `
domains:
  - domain: "app.example.com"
    timeout_secs: 15
    routers:
      - path: "/api"
        upstream: "http://backend:9090"
        max_req_per_window: 100
        advanced_limits:
          threat_score_threshold: 50
          block_countries: ["KP", "ru"]
          country_limits:
            CN: 40
            RU:
              max_req: 10
              window_secs: 30
              block_duration_secs: 0
          asn_limits:
            "AS123":
              max_req: 5
          user_agent_limits:
            bot: 20
            googlebot:
              max_req: 2
              window_secs: 5
          rules:
            - name: "curl-abuse"
              max_req: 3
              block_duration: 600
              conditions:
                - user_agent_contains: "curl/"
                - threat_score_above: 10
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Domains) != 1 {
		t.Fatalf("want 1 domain, got %d", len(cfg.Domains))
	}
	dc := cfg.Domains[0]
	if dc.TimeoutSecs == nil || *dc.TimeoutSecs != 15 {
		t.Fatalf("unexpected domain timeout: %+v", dc.TimeoutSecs)
	}
	if len(dc.Routers) != 1 {
		t.Fatalf("want 1 router, got %d", len(dc.Routers))
	}
	r := dc.Routers[0]
	al := r.AdvancedLimits
	if al == nil {
		t.Fatal("expected advanced_limits to be parsed")
	}
	if al.ThreatScoreThreshold == nil || *al.ThreatScoreThreshold != 50 {
		t.Fatalf("unexpected threat score threshold: %+v", al.ThreatScoreThreshold)
	}
	if !al.IsCountryBlocked("kp") || !al.IsCountryBlocked("RU") {
		t.Fatalf("expected KP and RU blocked, got %+v", al.BlockCountries)
	}
	if al.IsCountryBlocked("US") {
		t.Fatal("US should not be blocked")
	}

	scalar, ok := al.CountryLimits["CN"]
	if !ok || scalar.MaxReq() != 40 {
		t.Fatalf("unexpected scalar CN limit: %+v", scalar)
	}
	if _, ok := scalar.WindowSecs(); ok {
		t.Fatal("scalar limit should not carry an explicit window")
	}

	extended, ok := al.CountryLimits["RU"]
	if !ok || extended.MaxReq() != 10 {
		t.Fatalf("unexpected extended RU limit: %+v", extended)
	}
	if w, ok := extended.WindowSecs(); !ok || w != 30 {
		t.Fatalf("expected explicit window 30, got %d ok=%v", w, ok)
	}
	if !extended.IsSoft() {
		t.Fatal("RU limit with block_duration_secs:0 should be soft")
	}

	if len(al.UserAgentLimitsOrder) != 2 {
		t.Fatalf("want 2 user agent limit entries in order, got %v", al.UserAgentLimitsOrder)
	}

	if len(r.AdvancedLimits.Rules) != 1 {
		t.Fatalf("want 1 rule, got %d", len(r.AdvancedLimits.Rules))
	}
	rule := r.AdvancedLimits.Rules[0]
	if rule.Name != "curl-abuse" || rule.MaxReq != 3 || rule.BlockDuration != 600 {
		t.Fatalf("unexpected rule: %+v", rule)
	}
	if len(rule.Conditions) != 2 {
		t.Fatalf("want 2 conditions, got %d", len(rule.Conditions))
	}
}

func TestLoadMissingFileReturnsError(t *testing.T) {
	if _, err := Load("/nonexistent/path/policy.yaml"); err == nil {
		t.Fatal("expected an error for a missing config file")
	}
}

func TestLoadExplicitAPIKeyIsNotPlaceholder(t *testing.T) {
	path := writeTempConfig(t, `
api_key: "sk-real-secret"
routes:
  - path: "/"
    upstream: "backend:8080"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if IsPlaceholderAPIKey(cfg.ApiKey) {
		t.Fatal("explicit api_key should not be treated as the placeholder")
	}
}
