package classifier

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Will-gabia/mailgate/consts"
	"github.com/Will-gabia/mailgate/db"
	"github.com/Will-gabia/mailgate/pkg/mailparser"
)

type fakeRuleSource struct {
	rules []*db.Rule
}

func (f *fakeRuleSource) ListEnabledRules(_ context.Context, _ *int64) ([]*db.Rule, error) {
	return f.rules, nil
}

func testMessage() *mailparser.ParsedMessage {
	return &mailparser.ParsedMessage{
		Subject:  "Urgent: production incident",
		From:     "Alice <alice@example.com>",
		To:       "ops@acme.test",
		Cc:       "oncall@acme.test",
		TextBody: "the database is on fire",
		Headers: map[string]string{
			"x-priority": "1",
			"subject":    "Urgent: production incident",
		},
	}
}

func rule(name string, priority int, matchMode, conditions, action string) *db.Rule {
	return &db.Rule{
		Name:       name,
		Priority:   priority,
		Enabled:    true,
		MatchMode:  matchMode,
		Conditions: json.RawMessage(conditions),
		Action:     action,
	}
}

func TestClassifyFirstSatisfiedRuleWins(t *testing.T) {
	high := rule("high", 100, consts.MatchModeAll,
		`[{"field":"subject","operator":"contains","value":"urgent"}]`, consts.ActionArchive)
	high.Category = "high-cat"
	low := rule("low", 1, consts.MatchModeAll,
		`[{"field":"subject","operator":"contains","value":"urgent"}]`, consts.ActionLog)
	low.Category = "low-cat"

	engine := New(&fakeRuleSource{rules: []*db.Rule{high, low}})
	result, err := engine.Classify(context.Background(), testMessage(), nil)
	require.NoError(t, err)

	assert.True(t, result.Matched)
	assert.Equal(t, "high", result.RuleName)
	assert.Equal(t, consts.ActionArchive, result.Action)
	assert.Equal(t, "high-cat", result.Category)
}

func TestClassifyNoMatchDefaultsToLog(t *testing.T) {
	r := rule("nope", 10, consts.MatchModeAll,
		`[{"field":"subject","operator":"contains","value":"invoice"}]`, consts.ActionForward)

	engine := New(&fakeRuleSource{rules: []*db.Rule{r}})
	result, err := engine.Classify(context.Background(), testMessage(), nil)
	require.NoError(t, err)

	assert.False(t, result.Matched)
	assert.Equal(t, consts.ActionLog, result.Action)
	assert.Empty(t, result.RuleName)
}

func TestClassifyMalformedConditionsSkipsRuleOnly(t *testing.T) {
	broken := rule("broken", 100, consts.MatchModeAll, `{not json`, consts.ActionReject)
	working := rule("working", 1, consts.MatchModeAll,
		`[{"field":"subject","operator":"contains","value":"urgent"}]`, consts.ActionArchive)

	engine := New(&fakeRuleSource{rules: []*db.Rule{broken, working}})
	result, err := engine.Classify(context.Background(), testMessage(), nil)
	require.NoError(t, err)

	assert.True(t, result.Matched)
	assert.Equal(t, "working", result.RuleName)
}

func TestClassifyEmptyConditionList(t *testing.T) {
	// With no predicates, all mode is a catch-all and any mode can never
	// find a satisfied condition.
	catchAll := rule("catch-all", 100, consts.MatchModeAll, `[]`, consts.ActionArchive)
	engine := New(&fakeRuleSource{rules: []*db.Rule{catchAll}})
	result, err := engine.Classify(context.Background(), testMessage(), nil)
	require.NoError(t, err)
	assert.True(t, result.Matched)
	assert.Equal(t, "catch-all", result.RuleName)

	anyEmpty := rule("any-empty", 100, consts.MatchModeAny, `[]`, consts.ActionArchive)
	engine = New(&fakeRuleSource{rules: []*db.Rule{anyEmpty}})
	result, err = engine.Classify(context.Background(), testMessage(), nil)
	require.NoError(t, err)
	assert.False(t, result.Matched)
}

func TestMatchModeAllRequiresEveryCondition(t *testing.T) {
	conditions := `[
		{"field":"subject","operator":"contains","value":"urgent"},
		{"field":"from","operator":"contains","value":"nobody@else.test"}
	]`
	r := rule("all", 10, consts.MatchModeAll, conditions, consts.ActionLog)

	engine := New(&fakeRuleSource{rules: []*db.Rule{r}})
	result, err := engine.Classify(context.Background(), testMessage(), nil)
	require.NoError(t, err)
	assert.False(t, result.Matched)
}

func TestMatchModeAnyNeedsOneCondition(t *testing.T) {
	conditions := `[
		{"field":"subject","operator":"contains","value":"not-here"},
		{"field":"body","operator":"contains","value":"on fire"}
	]`
	r := rule("any", 10, consts.MatchModeAny, conditions, consts.ActionArchive)

	engine := New(&fakeRuleSource{rules: []*db.Rule{r}})
	result, err := engine.Classify(context.Background(), testMessage(), nil)
	require.NoError(t, err)
	assert.True(t, result.Matched)
}

func TestConditionOperators(t *testing.T) {
	msg := testMessage()
	tests := []struct {
		name      string
		condition Condition
		expected  bool
	}{
		{"contains case-insensitive", Condition{Field: "subject", Operator: "contains", Value: "URGENT"}, true},
		{"contains miss", Condition{Field: "subject", Operator: "contains", Value: "invoice"}, false},
		{"notContains", Condition{Field: "subject", Operator: "notContains", Value: "invoice"}, true},
		{"notContains present", Condition{Field: "subject", Operator: "notContains", Value: "urgent"}, false},
		{"equals", Condition{Field: "to", Operator: "equals", Value: "OPS@acme.test"}, true},
		{"equals partial is not equal", Condition{Field: "to", Operator: "equals", Value: "ops"}, false},
		{"startsWith", Condition{Field: "subject", Operator: "startsWith", Value: "urgent:"}, true},
		{"endsWith", Condition{Field: "subject", Operator: "endsWith", Value: "INCIDENT"}, true},
		{"regex case-insensitive", Condition{Field: "body", Operator: "regex", Value: `DATABASE.*fire`}, true},
		{"regex miss", Condition{Field: "body", Operator: "regex", Value: `^fire`}, false},
		{"invalid regex is false", Condition{Field: "body", Operator: "regex", Value: `([`}, false},
		{"unknown operator is false", Condition{Field: "subject", Operator: "matches", Value: "urgent"}, false},
		{"header lookup case-insensitive", Condition{Field: "header", Header: "X-Priority", Operator: "equals", Value: "1"}, true},
		{"absent header is false", Condition{Field: "header", Header: "X-Missing", Operator: "contains", Value: "x"}, false},
		{"header without name is false", Condition{Field: "header", Operator: "contains", Value: "1"}, false},
		{"unknown field is false", Condition{Field: "attachment", Operator: "contains", Value: "pdf"}, false},
		{"cc field", Condition{Field: "cc", Operator: "contains", Value: "oncall"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, matchCondition(&tt.condition, msg))
		})
	}
}

func TestBodyFallsBackToHTML(t *testing.T) {
	msg := &mailparser.ParsedMessage{HTMLBody: "<p>quarterly invoice attached</p>"}
	c := Condition{Field: "body", Operator: "contains", Value: "invoice"}
	assert.True(t, matchCondition(&c, msg))
}

func TestAbsentFieldIsFalse(t *testing.T) {
	msg := &mailparser.ParsedMessage{}
	c := Condition{Field: "subject", Operator: "notContains", Value: "anything"}
	// Even negated operators are false against an absent field.
	assert.False(t, matchCondition(&c, msg))

	body := Condition{Field: "body", Operator: "notContains", Value: "anything"}
	assert.False(t, matchCondition(&body, msg))
}

func TestPresentEmptyFieldEvaluates(t *testing.T) {
	// A Subject: header carrying an empty value is present, not absent, so
	// its conditions run against the empty string.
	msg := &mailparser.ParsedMessage{
		Headers: map[string]string{"subject": ""},
	}

	notContains := Condition{Field: "subject", Operator: "notContains", Value: "spam"}
	assert.True(t, matchCondition(&notContains, msg))

	equalsEmpty := Condition{Field: "subject", Operator: "equals", Value: ""}
	assert.True(t, matchCondition(&equalsEmpty, msg))

	contains := Condition{Field: "subject", Operator: "contains", Value: "spam"}
	assert.False(t, matchCondition(&contains, msg))
}
