package router

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/theviktor/inbound-email/internal/email"
)

// defaultTargetPriority is the priority of the synthesized default-URL
// target. Deliberately distinct from the 999 used for rules without an
// explicit priority.
const defaultTargetPriority = 9999

// Target is one webhook delivery destination selected for an email.
type Target struct {
	Webhook  string `json:"webhook"`
	RuleName string `json:"ruleName"`
	Priority int    `json:"priority"`
}

// Router holds the priority-sorted rule set and the default URL. Route is
// pure: the same email and rule set always produce the same decision.
type Router struct {
	rules         []Rule
	defaultURL    string
	allowInsecure bool
	log           *zap.Logger
}

// New builds a router from the raw WEBHOOK_RULES value and the default URL.
func New(rulesJSON, defaultURL string, allowInsecure bool, log *zap.Logger) *Router {
	return &Router{
		rules:         ParseRules(rulesJSON, log),
		defaultURL:    defaultURL,
		allowInsecure: allowInsecure,
		log:           log,
	}
}

// Rules exposes the parsed rule set, sorted ascending by priority.
func (r *Router) Rules() []Rule {
	return r.rules
}

// Route walks the sorted rules, appending every match and stopping after a
// matched rule with stopProcessing. An empty match set falls back to the
// default URL. Plain-HTTP targets are dropped unless insecure HTTP is
// allowed; a dropped default leaves the decision empty, which the
// dispatcher surfaces as an error.
func (r *Router) Route(p *email.ParsedEmail) []Target {
	doc := emailDocument(p)

	var targets []Target
	for i := range r.rules {
		rule := &r.rules[i]
		if !ruleMatches(rule, doc) {
			continue
		}
		targets = append(targets, Target{
			Webhook:  rule.Webhook,
			RuleName: rule.Name,
			Priority: rule.Priority,
		})
		if rule.StopProcessing {
			break
		}
	}

	if len(targets) == 0 && r.defaultURL != "" {
		targets = append(targets, Target{
			Webhook:  r.defaultURL,
			RuleName: "default",
			Priority: defaultTargetPriority,
		})
	}

	allowed := targets[:0]
	for _, t := range targets {
		if r.urlAllowed(t.Webhook) {
			allowed = append(allowed, t)
		} else {
			r.log.Warn("dropping insecure webhook target",
				zap.String("webhook", t.Webhook),
				zap.String("rule", t.RuleName),
			)
		}
	}
	return allowed
}

func (r *Router) urlAllowed(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	if strings.EqualFold(u.Scheme, "http") {
		return r.allowInsecure
	}
	return true
}

// ruleMatches requires every condition of the rule to match (AND).
func ruleMatches(rule *Rule, doc map[string]any) bool {
	for _, cond := range rule.conditions {
		if !conditionMatches(cond, doc) {
			return false
		}
	}
	return true
}

// conditionMatches resolves the email value for the condition's field and
// applies the matcher. A value that is a list matches if any element does.
func conditionMatches(cond condition, doc map[string]any) bool {
	var values []string

	switch cond.field {
	case "from", "to", "cc":
		values = addressValues(doc[cond.field])
	case "subject":
		values = stringValues(doc["subject"])
	case "hasAttachments":
		values = []string{strconv.FormatBool(attachmentCount(doc) > 0)}
	case "header":
		values = headerValues(doc, cond.headerName)
	default:
		values = stringValues(dotPath(doc, cond.field))
	}

	for _, v := range values {
		if cond.match.matchValue(v) {
			return true
		}
	}
	return false
}

// addressValues accepts the shapes an address field may take: a plain
// string, {text}, {address}, or {value: [{address}...]}. Lists propagate so
// the matcher applies to every element.
func addressValues(v any) []string {
	switch val := v.(type) {
	case string:
		return []string{val}
	case []any:
		var out []string
		for _, item := range val {
			out = append(out, addressValues(item)...)
		}
		return out
	case map[string]any:
		var out []string
		if s, ok := val["text"].(string); ok && s != "" {
			out = append(out, s)
		}
		if s, ok := val["address"].(string); ok && s != "" {
			out = append(out, s)
		}
		if list, ok := val["value"].([]any); ok {
			for _, item := range list {
				if entry, ok := item.(map[string]any); ok {
					if s, ok := entry["address"].(string); ok && s != "" {
						out = append(out, s)
					}
				}
			}
		}
		return out
	default:
		return nil
	}
}

func headerValues(doc map[string]any, name string) []string {
	headers, ok := doc["headers"].(map[string]any)
	if !ok {
		return nil
	}
	return stringValues(headers[strings.ToLower(name)])
}

// dotPath walks nested maps by the dot-separated path.
func dotPath(doc map[string]any, path string) any {
	var current any = doc
	for _, part := range strings.Split(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil
		}
		current = m[part]
	}
	return current
}

// stringValues renders a resolved value into matchable strings; arrays
// propagate element-wise.
func stringValues(v any) []string {
	switch val := v.(type) {
	case nil:
		return nil
	case string:
		return []string{val}
	case bool:
		return []string{strconv.FormatBool(val)}
	case float64:
		return []string{strconv.FormatFloat(val, 'f', -1, 64)}
	case []any:
		var out []string
		for _, item := range val {
			out = append(out, stringValues(item)...)
		}
		return out
	default:
		return []string{fmt.Sprintf("%v", val)}
	}
}

func attachmentCount(doc map[string]any) int {
	list, ok := doc["attachmentInfo"].([]any)
	if !ok {
		return 0
	}
	return len(list)
}

// emailDocument renders the parsed email into its generic JSON form so
// multi-shape address resolution and dot-path lookup behave uniformly.
func emailDocument(p *email.ParsedEmail) map[string]any {
	data, err := json.Marshal(p)
	if err != nil {
		return map[string]any{}
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return map[string]any{}
	}
	return doc
}
