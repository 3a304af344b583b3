package config

import "strings"

// LimitSpec is the scalar-or-object union described by the YAML schema:
// a bare integer means "max_req, inherit window and block duration from
// the evaluator's global defaults (rate_limit_window_secs and
// block_duration_secs)"; the extended object form can override either.
type LimitSpec struct {
	maxReq            int
	windowSecs        *int
	blockDurationSecs *uint64
}

// NewScalarLimitSpec builds a LimitSpec from the bare-integer form.
func NewScalarLimitSpec(maxReq int) LimitSpec {
	return LimitSpec{maxReq: maxReq}
}

// NewExtendedLimitSpec builds a LimitSpec from the extended object form.
func NewExtendedLimitSpec(maxReq int, windowSecs *int, blockDurationSecs *uint64) LimitSpec {
	return LimitSpec{maxReq: maxReq, windowSecs: windowSecs, blockDurationSecs: blockDurationSecs}
}

// MaxReq is the limit's request ceiling for its window.
func (l LimitSpec) MaxReq() int { return l.maxReq }

// WindowSecs is the explicit window override, if any.
func (l LimitSpec) WindowSecs() (int, bool) {
	if l.windowSecs == nil {
		return 0, false
	}
	return *l.windowSecs, true
}

// BlockDurationSecs is the explicit block-duration override, if any.
// Absent -> the evaluator's global default block duration (not the
// route's own block_duration_secs), 0 -> soft limit, >0 -> hard block
// for that many seconds.
func (l LimitSpec) BlockDurationSecs() (uint64, bool) {
	if l.blockDurationSecs == nil {
		return 0, false
	}
	return *l.blockDurationSecs, true
}

// IsSoft reports whether this LimitSpec explicitly configures a soft
// limit (block_duration_secs present and zero).
func (l LimitSpec) IsSoft() bool {
	d, ok := l.BlockDurationSecs()
	return ok && d == 0
}

// ConditionKind tags the variant of a Rule's Condition.
type ConditionKind int

const (
	ConditionUserAgentContains ConditionKind = iota
	ConditionCountryIn
	ConditionCountryNotIn
	ConditionAsnIn
	ConditionThreatScoreAbove
)

// Condition is one tagged-variant predicate within a Rule. ALL of a
// rule's conditions must match (AND semantics) for the rule to apply.
type Condition struct {
	Kind        ConditionKind
	StringValue string   // UserAgentContains
	StringSet   []string // CountryIn / CountryNotIn / AsnIn
	ThreatValue int      // ThreatScoreAbove
}

// Rule is an ordered, named bundle of conditions plus the limit to
// apply once all of them match.
type Rule struct {
	Name           string
	Conditions     []Condition
	MaxReq         int
	BlockDuration  uint64
}

// AdvancedLimits is a route's optional bundle of non-default limit
// dimensions, evaluated in the fixed order of spec.md §4.4.
type AdvancedLimits struct {
	UserAgentLimits       map[string]LimitSpec // ordered via UserAgentLimitsOrder
	UserAgentLimitsOrder  []string
	AsnLimits             map[string]LimitSpec
	CountryLimits         map[string]LimitSpec
	BlockCountries        []string
	ThreatScoreThreshold  *int
	Rules                 []Rule
}

// ReservedUACategories are the category names that section 4.4 step 5
// reserves; any other user_agent_limits key is a free-text pattern
// matched against the raw UA string in step 6.
var ReservedUACategories = map[string]bool{
	"chrome": true, "firefox": true, "safari": true, "edge": true,
	"mobile": true, "bot": true, "crawler": true, "curl": true, "unknown": true,
}

func (a *AdvancedLimits) IsCountryBlocked(cc string) bool {
	if a == nil {
		return false
	}
	for _, c := range a.BlockCountries {
		if strings.EqualFold(c, cc) {
			return true
		}
	}
	return false
}
