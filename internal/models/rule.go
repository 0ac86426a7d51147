// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package models

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jittarao/torboxd/internal/dbinterface"
)

var ErrRuleNotFound = errors.New("rule not found")

// LogicOperator combines condition results within a group and across groups.
type LogicOperator string

const (
	LogicAnd LogicOperator = "and"
	LogicOr  LogicOperator = "or"
)

// Normalize lowercases the operator and falls back to AND for anything
// unrecognized.
func (op LogicOperator) Normalize() LogicOperator {
	switch LogicOperator(strings.ToLower(string(op))) {
	case LogicOr:
		return LogicOr
	default:
		return LogicAnd
	}
}

// ConditionOperator is the comparison applied by a single condition atom.
type ConditionOperator string

const (
	OpGreaterThan        ConditionOperator = "gt"
	OpLessThan           ConditionOperator = "lt"
	OpGreaterThanOrEqual ConditionOperator = "gte"
	OpLessThanOrEqual    ConditionOperator = "lte"
	OpEqual              ConditionOperator = "eq"

	OpIsAnyOf  ConditionOperator = "is_any_of"
	OpIsAllOf  ConditionOperator = "is_all_of"
	OpIsNoneOf ConditionOperator = "is_none_of"
	OpHasAny   ConditionOperator = "has_any"
	OpHasAll   ConditionOperator = "has_all"
	OpHasNone  ConditionOperator = "has_none"

	OpIsTrue  ConditionOperator = "is_true"
	OpIsFalse ConditionOperator = "is_false"

	OpEquals      ConditionOperator = "equals"
	OpNotEquals   ConditionOperator = "not_equals"
	OpContains    ConditionOperator = "contains"
	OpNotContains ConditionOperator = "not_contains"
	OpStartsWith  ConditionOperator = "starts_with"
	OpEndsWith    ConditionOperator = "ends_with"
)

// Condition is one atomic predicate: a typed attribute, an operator, and a
// value whose JSON shape depends on the operator (number, string, bool, or
// list). Type and operator tokens are case-insensitive; unknown tokens make
// the atom evaluate false rather than failing the rule.
type Condition struct {
	Type     string            `json:"type"`
	Operator ConditionOperator `json:"operator"`
	Value    any               `json:"value,omitempty"`

	// Hours is the rolling window for AVG_*_SPEED atoms.
	Hours float64 `json:"hours,omitempty"`
}

// ConditionGroup is an ordered run of atoms combined with the group's
// logic operator.
type ConditionGroup struct {
	LogicOperator LogicOperator `json:"logic_operator,omitempty"`
	Conditions    []Condition   `json:"conditions,omitempty"`
}

// ConditionSet is the serialized conditions payload of a rule. The canonical
// form is groups; the legacy flat form (a bare conditions list) is accepted on
// read and canonicalized into a single group. Unknown JSON keys are ignored.
type ConditionSet struct {
	LogicOperator LogicOperator    `json:"logic_operator,omitempty"`
	Groups        []ConditionGroup `json:"groups,omitempty"`

	// Conditions carries the legacy flat form. It is emptied by Canonicalize
	// and never written back.
	Conditions []Condition `json:"conditions,omitempty"`
}

// Canonicalize folds the legacy flat form into the groups form in place and
// normalizes logic operators. Safe to call repeatedly.
func (cs *ConditionSet) Canonicalize() {
	if cs == nil {
		return
	}

	cs.LogicOperator = cs.LogicOperator.Normalize()

	if len(cs.Groups) == 0 && len(cs.Conditions) > 0 {
		cs.Groups = []ConditionGroup{{
			LogicOperator: cs.LogicOperator,
			Conditions:    cs.Conditions,
		}}
	}
	cs.Conditions = nil

	for i := range cs.Groups {
		cs.Groups[i].LogicOperator = cs.Groups[i].LogicOperator.Normalize()
	}
}

// IsEmpty reports whether the set carries no conditions at all. An empty set
// matches every torrent.
func (cs *ConditionSet) IsEmpty() bool {
	if cs == nil {
		return true
	}
	for _, g := range cs.Groups {
		if len(g.Conditions) > 0 {
			return false
		}
	}
	return len(cs.Conditions) == 0
}

// TriggerType enumerates rule trigger kinds. Interval is the only one today.
type TriggerType string

const TriggerInterval TriggerType = "interval"

// Trigger controls how often a rule is considered for evaluation. The
// effective interval is never below one minute.
type Trigger struct {
	Type         TriggerType `json:"type"`
	ValueMinutes int         `json:"value_minutes"`
}

// EffectiveInterval clamps the configured interval to the one-minute floor.
func (t Trigger) EffectiveInterval() time.Duration {
	minutes := t.ValueMinutes
	if minutes < 1 {
		minutes = 1
	}
	return time.Duration(minutes) * time.Minute
}

// ActionType enumerates the upstream operations a rule can dispatch.
type ActionType string

const (
	ActionStopSeeding ActionType = "stop_seeding"
	ActionForceStart  ActionType = "force_start"
	ActionArchive     ActionType = "archive"
	ActionDelete      ActionType = "delete"
	ActionAddTag      ActionType = "add_tag"
	ActionRemoveTag   ActionType = "remove_tag"
)

// Action is what happens to every matched torrent.
type Action struct {
	Type   ActionType     `json:"type"`
	Params map[string]any `json:"params,omitempty"`
}

// TagIDs extracts the tag id list from action params for add_tag/remove_tag.
func (a Action) TagIDs() []int64 {
	raw, ok := a.Params["tag_ids"]
	if !ok {
		raw = a.Params["tags"]
	}
	list, ok := raw.([]any)
	if !ok {
		return nil
	}

	ids := make([]int64, 0, len(list))
	for _, v := range list {
		switch n := v.(type) {
		case float64:
			ids = append(ids, int64(n))
		case int64:
			ids = append(ids, n)
		case int:
			ids = append(ids, int64(n))
		}
	}
	return ids
}

// Rule is one user-defined automation: trigger, grouped conditions, action,
// and cooldown bookkeeping.
type Rule struct {
	ID              int64         `json:"id"`
	Name            string        `json:"name"`
	Enabled         bool          `json:"enabled"`
	Trigger         Trigger       `json:"trigger"`
	Conditions      *ConditionSet `json:"conditions"`
	Action          Action        `json:"action"`
	CooldownMinutes int           `json:"cooldown_minutes"`
	LastExecutedAt  *time.Time    `json:"last_executed_at,omitempty"`
	ExecutionCount  int64         `json:"execution_count"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// InCooldown reports whether the rule executed within its cooldown window.
func (r *Rule) InCooldown(now time.Time) bool {
	if r.LastExecutedAt == nil || r.CooldownMinutes <= 0 {
		return false
	}
	return now.Sub(*r.LastExecutedAt) < time.Duration(r.CooldownMinutes)*time.Minute
}

// RuleStore persists rules in a per-user store.
type RuleStore struct {
	db dbinterface.Querier
}

func NewRuleStore(db dbinterface.Querier) *RuleStore {
	return &RuleStore{db: db}
}

const ruleColumns = `id, name, enabled, trigger_type, trigger_value_minutes, conditions, action_type, action_params, cooldown_minutes, last_executed_at, execution_count, created_at, updated_at`

func scanRule(scan func(dest ...any) error) (*Rule, error) {
	var rule Rule
	var enabled int
	var triggerType string
	var conditionsJSON string
	var actionType string
	var actionParams sql.NullString
	var lastExecuted sql.NullString

	if err := scan(
		&rule.ID,
		&rule.Name,
		&enabled,
		&triggerType,
		&rule.Trigger.ValueMinutes,
		&conditionsJSON,
		&actionType,
		&actionParams,
		&rule.CooldownMinutes,
		&lastExecuted,
		&rule.ExecutionCount,
		&rule.CreatedAt,
		&rule.UpdatedAt,
	); err != nil {
		return nil, err
	}

	rule.Enabled = enabled != 0
	rule.Trigger.Type = TriggerType(triggerType)
	rule.Action.Type = ActionType(actionType)

	var conditions ConditionSet
	if err := json.Unmarshal([]byte(conditionsJSON), &conditions); err != nil {
		return nil, fmt.Errorf("failed to unmarshal conditions for rule %d: %w", rule.ID, err)
	}
	conditions.Canonicalize()
	rule.Conditions = &conditions

	if actionParams.Valid && actionParams.String != "" {
		if err := json.Unmarshal([]byte(actionParams.String), &rule.Action.Params); err != nil {
			return nil, fmt.Errorf("failed to unmarshal action params for rule %d: %w", rule.ID, err)
		}
	}

	if lastExecuted.Valid {
		rule.LastExecutedAt = timePtrFromNullable(&lastExecuted.String)
	}

	return &rule, nil
}

// List returns all rules, canonicalized, ordered by id.
func (s *RuleStore) List(ctx context.Context) ([]*Rule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+ruleColumns+`
		FROM automation_rules
		ORDER BY id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	defer rows.Close()

	var rules []*Rule
	for rows.Next() {
		rule, err := scanRule(rows.Scan)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}

	return rules, rows.Err()
}

// Get returns one rule by id.
func (s *RuleStore) Get(ctx context.Context, id int64) (*Rule, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+ruleColumns+`
		FROM automation_rules
		WHERE id = ?
	`, id)

	rule, err := scanRule(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRuleNotFound
		}
		return nil, fmt.Errorf("failed to get rule %d: %w", id, err)
	}
	return rule, nil
}

// Insert creates a rule and returns it with its assigned id.
func (s *RuleStore) Insert(ctx context.Context, rule *Rule) (*Rule, error) {
	conditionsJSON, actionParamsJSON, err := marshalRule(rule)
	if err != nil {
		return nil, err
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO automation_rules (name, enabled, trigger_type, trigger_value_minutes, conditions, action_type, action_params, cooldown_minutes, last_executed_at, execution_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		rule.Name,
		boolToInt(rule.Enabled),
		string(triggerTypeOrDefault(rule.Trigger.Type)),
		rule.Trigger.ValueMinutes,
		conditionsJSON,
		string(rule.Action.Type),
		actionParamsJSON,
		rule.CooldownMinutes,
		nullableFromTimePtr(rule.LastExecutedAt),
		rule.ExecutionCount,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert rule: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to read rule id: %w", err)
	}

	return s.Get(ctx, id)
}

// ReplaceAll swaps the full rule set for the user. Rules are persisted in the
// canonical groups form regardless of the shape they arrived in.
func (s *RuleStore) ReplaceAll(ctx context.Context, rules []*Rule) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM automation_rules`); err != nil {
		return fmt.Errorf("failed to clear rules: %w", err)
	}

	for _, rule := range rules {
		if _, err := s.Insert(ctx, rule); err != nil {
			return err
		}
	}
	return nil
}

// UpdateStatus flips a rule's enabled flag.
func (s *RuleStore) UpdateStatus(ctx context.Context, id int64, enabled bool) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE automation_rules
		SET enabled = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, boolToInt(enabled), id)
	if err != nil {
		return fmt.Errorf("failed to update rule status: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrRuleNotFound
	}
	return nil
}

// Delete removes a rule.
func (s *RuleStore) Delete(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM automation_rules WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete rule %d: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrRuleNotFound
	}
	return nil
}

// CountEnabled reports how many rules are currently enabled.
func (s *RuleStore) CountEnabled(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM automation_rules WHERE enabled = 1`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count enabled rules: %w", err)
	}
	return count, nil
}

// RecordExecution stamps a successful execution: last_executed_at is set,
// execution_count incremented, and the cooldown reset to five minutes.
func (s *RuleStore) RecordExecution(ctx context.Context, id int64, executedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE automation_rules
		SET last_executed_at = ?, execution_count = execution_count + 1, cooldown_minutes = 5, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, FormatTime(executedAt), id)
	if err != nil {
		return fmt.Errorf("failed to record execution for rule %d: %w", id, err)
	}
	return nil
}

func marshalRule(rule *Rule) (conditionsJSON string, actionParamsJSON any, err error) {
	conditions := rule.Conditions
	if conditions == nil {
		conditions = &ConditionSet{}
	}
	conditions.Canonicalize()

	condBytes, err := json.Marshal(conditions)
	if err != nil {
		return "", nil, fmt.Errorf("failed to marshal conditions: %w", err)
	}

	if len(rule.Action.Params) == 0 {
		return string(condBytes), nil, nil
	}

	paramBytes, err := json.Marshal(rule.Action.Params)
	if err != nil {
		return "", nil, fmt.Errorf("failed to marshal action params: %w", err)
	}

	return string(condBytes), string(paramBytes), nil
}

func triggerTypeOrDefault(t TriggerType) TriggerType {
	if t == "" {
		return TriggerInterval
	}
	return t
}
