// Package classifier evaluates tenant and global classification rules
// against a parsed message. Evaluation is deterministic: rules run in
// priority order (higher first, lower ID wins ties) and the first
// satisfied rule short-circuits.
package classifier

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"

	"github.com/Will-gabia/mailgate/consts"
	"github.com/Will-gabia/mailgate/db"
	"github.com/Will-gabia/mailgate/logger"
	"github.com/Will-gabia/mailgate/pkg/mailparser"
)

// Condition is one rule predicate against a parsed-message field.
type Condition struct {
	Field    string `json:"field"`
	Operator string `json:"operator"`
	Value    string `json:"value"`
	Header   string `json:"header,omitempty"` // only when Field == "header"
}

// Result is the classification outcome. When no rule matches, Matched is
// false and Action defaults to log.
type Result struct {
	Matched   bool
	RuleName  string
	Action    string
	Category  string
	ForwardTo string
}

// RuleSource supplies the candidate rule set. *db.Database satisfies it.
type RuleSource interface {
	ListEnabledRules(ctx context.Context, tenantID *int64) ([]*db.Rule, error)
}

type Engine struct {
	rules RuleSource
}

func New(rules RuleSource) *Engine {
	return &Engine{rules: rules}
}

// Classify runs the message through the candidate rules: the tenant's
// enabled rules plus global ones, or global only when tenantID is nil.
// The first rule whose conditions are satisfied wins.
func (e *Engine) Classify(ctx context.Context, parsed *mailparser.ParsedMessage, tenantID *int64) (*Result, error) {
	rules, err := e.rules.ListEnabledRules(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	for _, rule := range rules {
		var conditions []Condition
		if err := json.Unmarshal(rule.Conditions, &conditions); err != nil {
			// A broken condition list disables this rule only.
			logger.Warn("classifier: skipping rule with malformed conditions", "rule", rule.Name, "error", err)
			continue
		}
		if evaluate(conditions, rule.MatchMode, parsed) {
			return &Result{
				Matched:   true,
				RuleName:  rule.Name,
				Action:    rule.Action,
				Category:  rule.Category,
				ForwardTo: rule.ForwardTo,
			}, nil
		}
	}

	return &Result{Matched: false, Action: consts.ActionLog}, nil
}

// evaluate applies the match mode over the condition list. An empty list
// is a vacuous match under all mode and a non-match under any mode, so an
// unconditional catch-all rule is expressed as matchMode=all with no
// conditions.
func evaluate(conditions []Condition, matchMode string, parsed *mailparser.ParsedMessage) bool {
	if matchMode == consts.MatchModeAny {
		for _, c := range conditions {
			if matchCondition(&c, parsed) {
				return true
			}
		}
		return false
	}
	for _, c := range conditions {
		if !matchCondition(&c, parsed) {
			return false
		}
	}
	return true
}

func matchCondition(c *Condition, parsed *mailparser.ParsedMessage) bool {
	value, ok := fieldValue(c, parsed)
	if !ok {
		return false
	}

	if c.Operator == "regex" {
		re, err := regexp.Compile("(?i)" + c.Value)
		if err != nil {
			logger.Debug("classifier: invalid regex condition", "pattern", c.Value, "error", err)
			return false
		}
		return re.MatchString(value)
	}

	haystack := strings.ToLower(value)
	needle := strings.ToLower(c.Value)
	switch c.Operator {
	case "contains":
		return strings.Contains(haystack, needle)
	case "notContains":
		return !strings.Contains(haystack, needle)
	case "equals":
		return haystack == needle
	case "startsWith":
		return strings.HasPrefix(haystack, needle)
	case "endsWith":
		return strings.HasSuffix(haystack, needle)
	default:
		logger.Debug("classifier: unknown condition operator", "operator", c.Operator)
		return false
	}
}

// fieldValue picks the condition's target value from the parsed message.
// The second return is false when the field itself is unknown or absent
// from the message; a header that is present but empty still evaluates,
// so notContains and equals-empty conditions can match it.
func fieldValue(c *Condition, parsed *mailparser.ParsedMessage) (string, bool) {
	switch c.Field {
	case "subject":
		return headerBacked(parsed, "subject", parsed.Subject)
	case "from":
		return headerBacked(parsed, "from", parsed.From)
	case "to":
		return headerBacked(parsed, "to", parsed.To)
	case "cc":
		return headerBacked(parsed, "cc", parsed.Cc)
	case "body":
		if parsed.TextBody == "" && parsed.HTMLBody == "" {
			return "", false
		}
		return parsed.Body(), true
	case "header":
		if c.Header == "" {
			return "", false
		}
		return parsed.Header(c.Header)
	default:
		return "", false
	}
}

// headerBacked reports a structured field as absent when the message never
// carried its header at all.
func headerBacked(parsed *mailparser.ParsedMessage, name, value string) (string, bool) {
	if value == "" {
		if _, ok := parsed.Header(name); !ok {
			return "", false
		}
	}
	return value, true
}
