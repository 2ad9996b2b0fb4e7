// Package router evaluates the declarative webhook rule set against a
// parsed email and produces the ordered fan-out target list.
package router

import (
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
	"go.uber.org/zap"
)

const defaultRulePriority = 999

// matcherKind tags the precompiled matcher variant.
type matcherKind int

const (
	matchExact matcherKind = iota
	matchWildcard
	matchRegex
	// matchNever is a regex literal that failed to compile; the condition
	// is false without aborting the rest of the rule evaluation.
	matchNever
)

type matcher struct {
	kind  matcherKind
	exact string
	re    *regexp.Regexp
}

// condition is one (field, matcher) pair of a rule. Header conditions carry
// the header name alongside the value matcher.
type condition struct {
	field      string
	headerName string
	match      matcher
}

// Rule is one entry of the webhook rule set, with its matchers precompiled.
type Rule struct {
	Name           string
	Webhook        string
	Priority       int
	StopProcessing bool

	conditions []condition
}

// rawRule mirrors the WEBHOOK_RULES JSON shape.
type rawRule struct {
	Name           string                     `json:"name"`
	Conditions     map[string]json.RawMessage `json:"conditions"`
	Webhook        string                     `json:"webhook"`
	Priority       *int                       `json:"priority"`
	StopProcessing bool                       `json:"stopProcessing"`
}

type rawRuleSet struct {
	Rules []rawRule `json:"rules"`
}

// ParseRules ingests the WEBHOOK_RULES value: a JSON array or a JSON object
// with a "rules" array. Malformed JSON yields an empty rule list; the router
// still falls back to the default URL.
func ParseRules(raw string, log *zap.Logger) []Rule {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}

	var rawRules []rawRule
	if err := json.Unmarshal([]byte(raw), &rawRules); err != nil {
		var set rawRuleSet
		if err2 := json.Unmarshal([]byte(raw), &set); err2 != nil || set.Rules == nil {
			log.Warn("malformed webhook rules, using none", zap.Error(err))
			return nil
		}
		rawRules = set.Rules
	}

	rules := make([]Rule, 0, len(rawRules))
	for i, rr := range rawRules {
		rule := Rule{
			Name:           rr.Name,
			Webhook:        rr.Webhook,
			Priority:       defaultRulePriority,
			StopProcessing: rr.StopProcessing,
		}
		if rule.Name == "" {
			rule.Name = "rule-" + strconv.Itoa(i)
		}
		if rr.Priority != nil {
			rule.Priority = *rr.Priority
		}
		for field, value := range rr.Conditions {
			rule.conditions = append(rule.conditions, parseCondition(field, value, log))
		}
		// Map iteration order is random; keep conditions deterministic.
		sort.Slice(rule.conditions, func(a, b int) bool {
			return rule.conditions[a].field < rule.conditions[b].field
		})
		rules = append(rules, rule)
	}

	// Ascending priority; ties preserve configuration order.
	sort.SliceStable(rules, func(a, b int) bool {
		return rules[a].Priority < rules[b].Priority
	})
	return rules
}

func parseCondition(field string, value json.RawMessage, log *zap.Logger) condition {
	cond := condition{field: field}

	if field == "header" {
		var hdr struct {
			Name  string `json:"name"`
			Value string `json:"value"`
		}
		if err := json.Unmarshal(value, &hdr); err != nil {
			log.Warn("invalid header condition", zap.Error(err))
			cond.match = matcher{kind: matchNever}
			return cond
		}
		cond.headerName = hdr.Name
		cond.match = compileMatcher(hdr.Value)
		return cond
	}

	var s string
	if err := json.Unmarshal(value, &s); err != nil {
		// Non-string matchers (numbers, bools) match their string form.
		s = strings.Trim(string(value), `"`)
	}
	cond.match = compileMatcher(s)
	return cond
}

// compileMatcher builds the tagged matcher variant for a condition value:
// wildcard when it contains `*`, regex when written as /pattern/flags,
// case-insensitive equality otherwise. A single "/" is not a valid
// regex-literal wrapper and stays an exact match.
func compileMatcher(s string) matcher {
	if strings.Contains(s, "*") {
		pattern := "(?i)^" + strings.ReplaceAll(regexp.QuoteMeta(s), `\*`, ".*") + "$"
		re, err := regexp.Compile(pattern)
		if err != nil {
			return matcher{kind: matchNever}
		}
		return matcher{kind: matchWildcard, re: re}
	}

	if pattern, flags, ok := splitRegexLiteral(s); ok {
		re, err := regexp.Compile(regexFlagsPrefix(flags) + pattern)
		if err != nil {
			return matcher{kind: matchNever}
		}
		return matcher{kind: matchRegex, re: re}
	}

	return matcher{kind: matchExact, exact: s}
}

// splitRegexLiteral recognizes /pattern/flags. The closing slash must exist
// and the pattern may be empty only between two distinct slashes.
func splitRegexLiteral(s string) (pattern, flags string, ok bool) {
	if len(s) < 2 || s[0] != '/' {
		return "", "", false
	}
	end := strings.LastIndex(s, "/")
	if end == 0 {
		return "", "", false
	}
	return s[1:end], s[end+1:], true
}

// regexFlagsPrefix maps the supported literal flags onto Go inline flags.
// Unsupported flags (g, u, y) have no Go equivalent and are ignored.
func regexFlagsPrefix(flags string) string {
	var inline []byte
	for _, f := range flags {
		switch f {
		case 'i', 'm', 's':
			inline = append(inline, byte(f))
		}
	}
	if len(inline) == 0 {
		return ""
	}
	return "(?" + string(inline) + ")"
}

// matchValue applies the matcher to one resolved value.
func (m matcher) matchValue(v string) bool {
	switch m.kind {
	case matchExact:
		return strings.EqualFold(v, m.exact)
	case matchWildcard, matchRegex:
		return m.re.MatchString(v)
	default:
		return false
	}
}
