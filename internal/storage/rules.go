package storage

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"outreach/internal/model"
)

// CreateRule inserts a chatbot rule and returns its ID.
func (s *Store) CreateRule(r *model.ChatbotRule) (string, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	now := time.Now()
	_, err := s.DB.Exec(`INSERT INTO chatbot_rules
			(id,tenant_id,account_id,name,trigger_type,pattern,reply,system_prompt,priority,cooldown_minutes,enabled,created_at,updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		r.ID, r.TenantID, nullStr(r.AccountID), r.Name, r.TriggerType, r.Pattern, r.Reply, nullStr(r.SystemPrompt),
		r.Priority, r.CooldownMinutes, btoi(r.Enabled), now, now)
	if err != nil {
		return "", err
	}
	return r.ID, nil
}

// UpdateRule replaces the mutable fields of a rule.
func (s *Store) UpdateRule(r *model.ChatbotRule) error {
	_, err := s.DB.Exec(`UPDATE chatbot_rules SET
			name=?, trigger_type=?, pattern=?, reply=?, system_prompt=?, priority=?, cooldown_minutes=?, enabled=?,
			updated_at=CURRENT_TIMESTAMP
		WHERE id=?`,
		r.Name, r.TriggerType, r.Pattern, r.Reply, nullStr(r.SystemPrompt), r.Priority, r.CooldownMinutes,
		btoi(r.Enabled), r.ID)
	return err
}

// DeleteRule removes a rule.
func (s *Store) DeleteRule(id string) error {
	_, err := s.DB.Exec(`DELETE FROM chatbot_rules WHERE id=?`, id)
	return err
}

const ruleCols = `id,tenant_id,COALESCE(account_id,''),name,trigger_type,COALESCE(pattern,''),COALESCE(reply,''),
	COALESCE(system_prompt,''),priority,cooldown_minutes,enabled,trigger_count,response_count,created_at,updated_at`

func scanRule(row interface{ Scan(...any) error }) (*model.ChatbotRule, error) {
	var r model.ChatbotRule
	var enabled int
	if err := row.Scan(&r.ID, &r.TenantID, &r.AccountID, &r.Name, &r.TriggerType, &r.Pattern, &r.Reply,
		&r.SystemPrompt, &r.Priority, &r.CooldownMinutes, &enabled, &r.TriggerCount, &r.ResponseCount,
		&r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	r.Enabled = enabled == 1
	return &r, nil
}

// ListRules returns all of a tenant's rules for management, priority order.
func (s *Store) ListRules(tenantID string) ([]model.ChatbotRule, error) {
	rows, err := s.DB.Query(`SELECT `+ruleCols+` FROM chatbot_rules WHERE tenant_id=? ORDER BY priority, created_at`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []model.ChatbotRule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *r)
	}
	return list, rows.Err()
}

// RulesForAccount returns the enabled rules that apply to one account (its own
// plus tenant-wide), ascending priority with creation order as tie-break.
func (s *Store) RulesForAccount(tenantID, accountID string) ([]model.ChatbotRule, error) {
	rows, err := s.DB.Query(`SELECT `+ruleCols+` FROM chatbot_rules
		WHERE tenant_id=? AND enabled=1 AND (account_id IS NULL OR account_id='' OR account_id=?)
		ORDER BY priority, created_at`, tenantID, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []model.ChatbotRule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *r)
	}
	return list, rows.Err()
}

// BumpRuleCounters increments trigger/response statistics for a rule.
func (s *Store) BumpRuleCounters(id string, responded bool) error {
	_, err := s.DB.Exec(`UPDATE chatbot_rules SET
			trigger_count=trigger_count+1,
			response_count=response_count+?,
			updated_at=CURRENT_TIMESTAMP
		WHERE id=?`, btoi(responded), id)
	return err
}

// MarshalVariables is a small helper for recipient variable documents.
func MarshalVariables(vars map[string]string) string {
	if len(vars) == 0 {
		return ""
	}
	raw, err := json.Marshal(vars)
	if err != nil {
		return ""
	}
	return string(raw)
}
