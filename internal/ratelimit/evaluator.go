package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sidcorp/pingwall/internal/reqctx"
	"github.com/sidcorp/pingwall/pkg/config"
)

// VerdictKind tags the three outcomes the evaluator can return.
type VerdictKind int

const (
	Admit VerdictKind = iota
	SoftReject
	HardBlock
)

// Verdict carries enough detail for the pipeline to build the 429
// response surface of spec.md §6.3 without re-deriving it.
type Verdict struct {
	Kind              VerdictKind
	Limit             int
	WindowSecs        int
	BlockDurationSecs uint64
	Reason            string
	AlreadyBlocked    bool
}

// Evaluator is component D. It consults a CounterStore and a
// BlockTable but owns no state of its own beyond its defaults.
type Evaluator struct {
	Counters             CounterStore
	Blocks               *BlockTable
	DefaultWindowSecs    int
	DefaultBlockDuration uint64
}

func NewEvaluator(counters CounterStore, blocks *BlockTable, defaultWindowSecs int, defaultBlockDuration uint64) *Evaluator {
	return &Evaluator{
		Counters:             counters,
		Blocks:               blocks,
		DefaultWindowSecs:    defaultWindowSecs,
		DefaultBlockDuration: defaultBlockDuration,
	}
}

// Evaluate implements the fixed 1-7 order of spec.md §4.4.
func (e *Evaluator) Evaluate(ctx context.Context, rc *reqctx.Context, domain, path string, route *config.Route) Verdict {
	if e.Blocks.IsBlocked(rc.IP) {
		return Verdict{Kind: HardBlock, Reason: "already blocked", AlreadyBlocked: true}
	}

	al := route.AdvancedLimits

	// 1. Threat score.
	if al != nil && al.ThreatScoreThreshold != nil && rc.Cloudflare.ThreatScore != nil &&
		*rc.Cloudflare.ThreatScore > *al.ThreatScoreThreshold {
		return e.hardBlock(rc.IP, domain, path, e.DefaultBlockDuration, "threat score")
	}

	// 2. Country blocklist.
	if al.IsCountryBlocked(rc.Cloudflare.Country) {
		return e.hardBlock(rc.IP, domain, path, e.DefaultBlockDuration, "country blocked")
	}

	// 3. Custom rules, in order. A match that doesn't exceed its own
	// counter falls through rather than short-circuiting admission.
	if al != nil {
		for _, rule := range al.Rules {
			if !allConditionsMatch(rule.Conditions, rc) {
				continue
			}
			if rule.MaxReq <= 0 {
				continue
			}
			key := counterKey(domain, path, rc.IP)
			count, err := e.Counters.Observe(ctx, key, e.DefaultWindowSecs, 1)
			if err == nil && count > int64(rule.MaxReq) {
				return e.hardBlockVerdict(rc.IP, domain, path, e.DefaultWindowSecs, rule.MaxReq, rule.BlockDuration, fmt.Sprintf("rule %s", rule.Name))
			}
		}
	}

	// 3b. ASN limit. Not enumerated among spec.md §4.4's seven named
	// steps, but the CounterKey grammar (§3) reserves an "asn:<asn>"
	// dimension for exactly this, and AdvancedLimits.asn_limits would
	// otherwise be unreachable outside a custom rule's AsnIn condition.
	// Evaluated here, immediately before the country limit it mirrors.
	if al != nil && rc.Cloudflare.ASN != "" {
		if spec, ok := al.AsnLimits[rc.Cloudflare.ASN]; ok {
			if v, admit := e.evaluateDimension(ctx, rc.IP, domain, path, "asn:"+rc.Cloudflare.ASN, spec); !admit {
				return v
			}
		}
	}

	// 4. Country limit.
	if al != nil {
		if spec, ok := al.CountryLimits[rc.Cloudflare.Country]; ok {
			if v, admit := e.evaluateDimension(ctx, rc.IP, domain, path, "country:"+strings.ToLower(rc.Cloudflare.Country), spec); !admit {
				return v
			}
		}
	}

	// 5. User-Agent category limit.
	if al != nil {
		if spec, ok := al.UserAgentLimits[string(rc.UserAgent.Category)]; ok {
			if v, admit := e.evaluateDimension(ctx, rc.IP, domain, path, "ua:"+string(rc.UserAgent.Category), spec); !admit {
				return v
			}
		}

		// 6. User-Agent pattern limit, in UserAgentLimitsOrder (which the
		// config loader fills in lexical key order; the order the keys
		// are written in the YAML file is not kept), reserved category
		// names excluded.
		lowerUA := strings.ToLower(rc.UserAgent.Raw)
		for _, pattern := range al.UserAgentLimitsOrder {
			if config.ReservedUACategories[pattern] {
				continue
			}
			if !strings.Contains(lowerUA, strings.ToLower(pattern)) {
				continue
			}
			spec := al.UserAgentLimits[pattern]
			if v, admit := e.evaluateDimension(ctx, rc.IP, domain, path, "ua_pattern:"+pattern, spec); !admit {
				return v
			}
		}
	}

	// 7. Default IP limit.
	if route.MaxReqPerWindow > 0 {
		key := counterKey(domain, path, rc.IP)
		count, err := e.Counters.Observe(ctx, key, e.DefaultWindowSecs, 1)
		if err == nil && count > int64(route.MaxReqPerWindow) {
			return e.hardBlockVerdict(rc.IP, domain, path, e.DefaultWindowSecs, route.MaxReqPerWindow, route.BlockDurationSecs, "default ip limit")
		}
	}

	return Verdict{Kind: Admit}
}

// evaluateDimension runs one LimitSpec-governed dimension (steps 3b-6):
// observe the counter, and if exceeded, return SoftReject or
// HardBlock depending on the spec's block_duration_secs. admit is
// false whenever evaluation should stop and return v. A HardBlock
// here inserts ip into the Block Table exactly like hardBlock does,
// per spec.md §4.4's "After a HardBlock verdict the evaluator inserts
// the IP into the Block Table" — this applies to every dimension, not
// just the default IP limit.
func (e *Evaluator) evaluateDimension(ctx context.Context, ip, domain, path, dimension string, spec config.LimitSpec) (Verdict, bool) {
	if spec.MaxReq() <= 0 {
		return Verdict{}, true
	}
	windowSecs := e.DefaultWindowSecs
	if w, ok := spec.WindowSecs(); ok {
		windowSecs = w
	}
	key := counterKey(domain, path, dimension)
	count, err := e.Counters.Observe(ctx, key, windowSecs, 1)
	if err != nil || count <= int64(spec.MaxReq()) {
		return Verdict{}, true
	}

	blockDuration, explicit := spec.BlockDurationSecs()
	if explicit && blockDuration == 0 {
		return Verdict{
			Kind:       SoftReject,
			Limit:      spec.MaxReq(),
			WindowSecs: windowSecs,
			Reason:     "soft limit: " + dimension,
		}, false
	}
	if !explicit {
		blockDuration = e.DefaultBlockDuration
	}
	return e.hardBlockVerdict(ip, domain, path, windowSecs, spec.MaxReq(), blockDuration, "limit exceeded: "+dimension), false
}

func (e *Evaluator) hardBlock(ip, domain, path string, duration uint64, reason string) Verdict {
	e.Blocks.Block(ip, path, domain, time.Duration(duration)*time.Second)
	return Verdict{Kind: HardBlock, BlockDurationSecs: duration, Reason: reason}
}

func (e *Evaluator) hardBlockVerdict(ip, domain, path string, windowSecs, limit int, duration uint64, reason string) Verdict {
	e.Blocks.Block(ip, path, domain, time.Duration(duration)*time.Second)
	return Verdict{
		Kind:              HardBlock,
		Limit:             limit,
		WindowSecs:        windowSecs,
		BlockDurationSecs: duration,
		Reason:            reason,
	}
}

func counterKey(domain, path, dimension string) string {
	d := domain
	if d == "" {
		d = "_"
	}
	return d + ":" + path + ":" + dimension
}

func allConditionsMatch(conditions []config.Condition, rc *reqctx.Context) bool {
	for _, c := range conditions {
		if !conditionMatches(c, rc) {
			return false
		}
	}
	return true
}

func conditionMatches(c config.Condition, rc *reqctx.Context) bool {
	switch c.Kind {
	case config.ConditionUserAgentContains:
		return strings.Contains(strings.ToLower(rc.UserAgent.Raw), strings.ToLower(c.StringValue))
	case config.ConditionCountryIn:
		return containsFold(c.StringSet, rc.Cloudflare.Country)
	case config.ConditionCountryNotIn:
		return !containsFold(c.StringSet, rc.Cloudflare.Country)
	case config.ConditionAsnIn:
		return containsFold(c.StringSet, rc.Cloudflare.ASN)
	case config.ConditionThreatScoreAbove:
		return rc.Cloudflare.ThreatScore != nil && *rc.Cloudflare.ThreatScore > c.ThreatValue
	default:
		return false
	}
}

func containsFold(set []string, value string) bool {
	for _, v := range set {
		if strings.EqualFold(v, value) {
			return true
		}
	}
	return false
}
