package db

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Will-gabia/mailgate/consts"
)

// Rule is one classification rule. Conditions is kept as raw JSON here and
// decoded by the classifier at evaluation time so a malformed list only
// disables the rule it belongs to.
type Rule struct {
	ID         int64
	TenantID   *int64
	Name       string
	Priority   int
	Enabled    bool
	MatchMode  string
	Conditions json.RawMessage
	Action     string
	ForwardTo  string
	Category   string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// RuleInput carries the writable fields of a rule.
type RuleInput struct {
	TenantID   *int64
	Name       string
	Priority   int
	Enabled    bool
	MatchMode  string
	Conditions json.RawMessage
	Action     string
	ForwardTo  string
	Category   string
}

// Validate enforces the write-time invariants: a known action, a known
// match mode, and a non-empty target for forward rules.
func (r *RuleInput) Validate() error {
	switch r.Action {
	case consts.ActionForward, consts.ActionLog, consts.ActionArchive, consts.ActionReject:
	default:
		return fmt.Errorf("unknown rule action %q", r.Action)
	}
	if r.MatchMode != "" && r.MatchMode != consts.MatchModeAll && r.MatchMode != consts.MatchModeAny {
		return fmt.Errorf("unknown match mode %q", r.MatchMode)
	}
	if r.Action == consts.ActionForward && r.ForwardTo == "" {
		return consts.ErrForwardTargetEmpty
	}
	if len(r.Conditions) > 0 && !json.Valid(r.Conditions) {
		return fmt.Errorf("conditions is not valid JSON")
	}
	return nil
}

const ruleColumns = `id, tenant_id, name, priority, enabled, match_mode, conditions,
	action, COALESCE(forward_to, ''), COALESCE(category, ''), created_at, updated_at`

func scanRule(row interface{ Scan(...any) error }) (*Rule, error) {
	var r Rule
	err := row.Scan(&r.ID, &r.TenantID, &r.Name, &r.Priority, &r.Enabled, &r.MatchMode,
		&r.Conditions, &r.Action, &r.ForwardTo, &r.Category, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// CreateRule validates and inserts a rule.
func (d *Database) CreateRule(ctx context.Context, input *RuleInput) (*Rule, error) {
	if err := input.Validate(); err != nil {
		return nil, err
	}
	matchMode := input.MatchMode
	if matchMode == "" {
		matchMode = consts.MatchModeAll
	}
	conditions := input.Conditions
	if len(conditions) == 0 {
		conditions = json.RawMessage("[]")
	}

	start := time.Now()
	row := d.Pool.QueryRow(ctx, `
		INSERT INTO classification_rules (tenant_id, name, priority, enabled, match_mode, conditions, action, forward_to, category)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), NULLIF($9, ''))
		RETURNING `+ruleColumns,
		input.TenantID, input.Name, input.Priority, input.Enabled, matchMode,
		conditions, input.Action, input.ForwardTo, input.Category)
	r, err := scanRule(row)
	observe("create_rule", start, err)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, consts.ErrDBUniqueViolation
		}
		return nil, fmt.Errorf("failed to create rule: %w", err)
	}
	return r, nil
}

// GetRule loads one rule by ID.
func (d *Database) GetRule(ctx context.Context, id int64) (*Rule, error) {
	start := time.Now()
	row := d.Pool.QueryRow(ctx, `SELECT `+ruleColumns+` FROM classification_rules WHERE id = $1`, id)
	r, err := scanRule(row)
	observe("get_rule", start, err)
	if err != nil {
		return nil, mapNotFound(err, consts.ErrRuleNotFound)
	}
	return r, nil
}

// UpdateRule validates and replaces the writable fields of a rule.
func (d *Database) UpdateRule(ctx context.Context, id int64, input *RuleInput) (*Rule, error) {
	if err := input.Validate(); err != nil {
		return nil, err
	}
	matchMode := input.MatchMode
	if matchMode == "" {
		matchMode = consts.MatchModeAll
	}
	conditions := input.Conditions
	if len(conditions) == 0 {
		conditions = json.RawMessage("[]")
	}

	start := time.Now()
	row := d.Pool.QueryRow(ctx, `
		UPDATE classification_rules SET
			tenant_id = $2, name = $3, priority = $4, enabled = $5, match_mode = $6,
			conditions = $7, action = $8, forward_to = NULLIF($9, ''),
			category = NULLIF($10, ''), updated_at = now()
		WHERE id = $1
		RETURNING `+ruleColumns,
		id, input.TenantID, input.Name, input.Priority, input.Enabled, matchMode,
		conditions, input.Action, input.ForwardTo, input.Category)
	r, err := scanRule(row)
	observe("update_rule", start, err)
	if err != nil {
		return nil, mapNotFound(err, consts.ErrRuleNotFound)
	}
	return r, nil
}

// DeleteRule removes a rule.
func (d *Database) DeleteRule(ctx context.Context, id int64) error {
	start := time.Now()
	tag, err := d.Pool.Exec(ctx, `DELETE FROM classification_rules WHERE id = $1`, id)
	observe("delete_rule", start, err)
	if err != nil {
		return fmt.Errorf("failed to delete rule %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return consts.ErrRuleNotFound
	}
	return nil
}

// ListRules returns every rule ordered for display.
func (d *Database) ListRules(ctx context.Context) ([]*Rule, error) {
	start := time.Now()
	rows, err := d.Pool.Query(ctx, `SELECT `+ruleColumns+` FROM classification_rules ORDER BY priority DESC, id ASC`)
	observe("list_rules", start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	defer rows.Close()
	return collectRules(rows)
}

// ListEnabledRules returns the candidate set for classification: the
// tenant's enabled rules plus the global (tenant-less) ones, or only global
// rules when tenantID is nil. Ordering is priority descending with the
// lower rule ID winning ties, which makes evaluation deterministic.
func (d *Database) ListEnabledRules(ctx context.Context, tenantID *int64) ([]*Rule, error) {
	start := time.Now()
	rows, err := d.Pool.Query(ctx, `
		SELECT `+ruleColumns+`
		FROM classification_rules
		WHERE enabled AND (tenant_id IS NULL OR tenant_id = $1)
		ORDER BY priority DESC, id ASC
	`, tenantID)
	observe("list_enabled_rules", start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to list enabled rules: %w", err)
	}
	defer rows.Close()
	return collectRules(rows)
}

func collectRules(rows interface {
	Next() bool
	Scan(...any) error
	Err() error
}) ([]*Rule, error) {
	var result []*Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan rule row: %w", err)
		}
		result = append(result, r)
	}
	return result, rows.Err()
}
