package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"outreach/internal/model"
)

// CreateCampaign inserts a campaign and its ordered recipient list in one
// transaction. Returns the campaign ID.
func (s *Store) CreateCampaign(c *model.Campaign, recipients []model.Recipient) (string, error) {
	if c.Settings.BatchSize <= 0 {
		c.Settings.BatchSize = 10
	}
	if c.Settings.DailyLimit <= 0 {
		c.Settings.DailyLimit = 100
	}
	raw, err := json.Marshal(c.Settings)
	if err != nil {
		return "", err
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.Status == "" {
		c.Status = model.CampaignDraft
	}
	tx, err := s.DB.Begin()
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	now := time.Now()
	_, err = tx.Exec(`INSERT INTO campaigns (id,tenant_id,account_id,name,template,media_url,media_type,status,settings,day_number,created_at,updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,1,?,?)`,
		c.ID, c.TenantID, c.AccountID, c.Name, c.Template, nullStr(c.MediaURL), nullStr(c.MediaType), c.Status, string(raw), now, now)
	if err != nil {
		return "", err
	}

	stmt, err := tx.Prepare(`INSERT INTO recipients (id,campaign_id,position,phone,name,variables,status) VALUES (?,?,?,?,?,?,?)`)
	if err != nil {
		return "", err
	}
	defer stmt.Close()
	for i, r := range recipients {
		id := r.ID
		if id == "" {
			id = uuid.NewString()
		}
		if _, err := stmt.Exec(id, c.ID, i, r.Phone, r.Name, nullStr(r.Variables), model.RecipientPending); err != nil {
			return "", err
		}
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	return c.ID, nil
}

const campaignCols = `c.id,c.tenant_id,c.account_id,c.name,COALESCE(c.template,''),COALESCE(c.media_url,''),COALESCE(c.media_type,''),
	c.status,COALESCE(c.status_reason,''),c.settings,c.resume_index,c.day_number,c.daily_sent_count,c.last_send_date,
	(SELECT COUNT(*) FROM recipients r WHERE r.campaign_id=c.id),c.created_at,c.updated_at`

func scanCampaign(row interface{ Scan(...any) error }) (*model.Campaign, error) {
	var c model.Campaign
	var raw string
	if err := row.Scan(&c.ID, &c.TenantID, &c.AccountID, &c.Name, &c.Template, &c.MediaURL, &c.MediaType,
		&c.Status, &c.StatusReason, &raw, &c.ResumeIndex, &c.DayNumber, &c.DailySentCount, &c.LastSendDate,
		&c.RecipientCount, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(raw), &c.Settings); err != nil {
		return nil, fmt.Errorf("campaign %s settings: %w", c.ID, err)
	}
	return &c, nil
}

// GetCampaign loads one campaign with its recipient count.
func (s *Store) GetCampaign(id string) (*model.Campaign, error) {
	row := s.DB.QueryRow(`SELECT `+campaignCols+` FROM campaigns c WHERE c.id=?`, id)
	return scanCampaign(row)
}

// ListCampaigns returns a tenant's campaigns, newest first.
func (s *Store) ListCampaigns(tenantID string) ([]model.Campaign, error) {
	rows, err := s.DB.Query(`SELECT `+campaignCols+` FROM campaigns c WHERE c.tenant_id=? ORDER BY c.created_at DESC`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []model.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *c)
	}
	return list, rows.Err()
}

// UpdateCampaignStatus records a status transition with an optional reason.
func (s *Store) UpdateCampaignStatus(id, status, reason string) error {
	_, err := s.DB.Exec(`UPDATE campaigns SET status=?, status_reason=?, updated_at=CURRENT_TIMESTAMP WHERE id=?`,
		status, reason, id)
	return err
}

// UpdateCampaignSettings replaces the settings document. The dispatch worker
// picks the change up at its next loop-iteration boundary.
func (s *Store) UpdateCampaignSettings(id string, settings model.CampaignSettings) error {
	raw, err := json.Marshal(settings)
	if err != nil {
		return err
	}
	_, err = s.DB.Exec(`UPDATE campaigns SET settings=?, updated_at=CURRENT_TIMESTAMP WHERE id=?`, string(raw), id)
	return err
}

// SaveCampaignProgress persists the dispatch cursor and day bookkeeping.
// resume_index never moves backwards.
func (s *Store) SaveCampaignProgress(id string, resumeIndex, dayNumber, dailySentCount int, lastSendDate string) error {
	_, err := s.DB.Exec(`UPDATE campaigns SET
			resume_index=MAX(resume_index, ?),
			day_number=?, daily_sent_count=?, last_send_date=?,
			updated_at=CURRENT_TIMESTAMP
		WHERE id=?`,
		resumeIndex, dayNumber, dailySentCount, lastSendDate, id)
	return err
}

// ListRecipients returns a campaign's recipients in send order.
func (s *Store) ListRecipients(campaignID string) ([]model.Recipient, error) {
	rows, err := s.DB.Query(`SELECT id,campaign_id,position,phone,COALESCE(name,''),COALESCE(variables,''),
			status,COALESCE(error,''),COALESCE(wire_id,''),sent_at
		FROM recipients WHERE campaign_id=? ORDER BY position`, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []model.Recipient
	for rows.Next() {
		var r model.Recipient
		var sentAt sql.NullTime
		if err := rows.Scan(&r.ID, &r.CampaignID, &r.Position, &r.Phone, &r.Name, &r.Variables,
			&r.Status, &r.Error, &r.WireID, &sentAt); err != nil {
			return nil, err
		}
		if sentAt.Valid {
			t := sentAt.Time
			r.SentAt = &t
		}
		list = append(list, r)
	}
	return list, rows.Err()
}

// MarkRecipientSent records a successful send.
func (s *Store) MarkRecipientSent(id, wireID string, at time.Time) error {
	_, err := s.DB.Exec(`UPDATE recipients SET status=?, wire_id=?, error='', sent_at=? WHERE id=?`,
		model.RecipientSent, wireID, at, id)
	return err
}

// MarkRecipientFailed records a failed send attempt.
func (s *Store) MarkRecipientFailed(id, errMsg string) error {
	_, err := s.DB.Exec(`UPDATE recipients SET status=?, error=? WHERE id=?`, model.RecipientFailed, errMsg, id)
	return err
}

// MarkRecipientSkipped marks a not-yet-attempted recipient as skipped.
func (s *Store) MarkRecipientSkipped(id, reason string) error {
	_, err := s.DB.Exec(`UPDATE recipients SET status=?, error=? WHERE id=? AND status=?`,
		model.RecipientSkipped, reason, id, model.RecipientPending)
	return err
}

// AdvanceRecipientStatus applies a network delivery/read receipt to the
// recipient that produced wire_id. sent -> delivered -> read, no regression.
func (s *Store) AdvanceRecipientStatus(wireID, status string) error {
	rank := map[string]int{
		model.RecipientSent:      1,
		model.RecipientDelivered: 2,
		model.RecipientRead:      3,
	}[status]
	_, err := s.DB.Exec(`UPDATE recipients SET status=? WHERE wire_id=? AND
			CASE status WHEN 'sent' THEN 1 WHEN 'delivered' THEN 2 WHEN 'read' THEN 3 ELSE 9 END < ?`,
		status, wireID, rank)
	return err
}

// CampaignStats summarises recipient terminal states for progress events.
type CampaignStats struct {
	Total     int `json:"total"`
	Sent      int `json:"sent"`
	Delivered int `json:"delivered"`
	Read      int `json:"read"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
	Pending   int `json:"pending"`
}

// GetCampaignStats aggregates recipient statuses.
func (s *Store) GetCampaignStats(campaignID string) (CampaignStats, error) {
	var st CampaignStats
	row := s.DB.QueryRow(`SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN status='sent' THEN 1 ELSE 0 END),0),
			COALESCE(SUM(CASE WHEN status='delivered' THEN 1 ELSE 0 END),0),
			COALESCE(SUM(CASE WHEN status='read' THEN 1 ELSE 0 END),0),
			COALESCE(SUM(CASE WHEN status='failed' THEN 1 ELSE 0 END),0),
			COALESCE(SUM(CASE WHEN status='skipped' THEN 1 ELSE 0 END),0),
			COALESCE(SUM(CASE WHEN status='pending' THEN 1 ELSE 0 END),0)
		FROM recipients WHERE campaign_id=?`, campaignID)
	err := row.Scan(&st.Total, &st.Sent, &st.Delivered, &st.Read, &st.Failed, &st.Skipped, &st.Pending)
	return st, err
}
