package storage

import (
	"database/sql"
	"time"

	"github.com/google/uuid"

	"outreach/internal/model"
)

// CreateScheduledMessage inserts a pending one-off send and returns its ID.
func (s *Store) CreateScheduledMessage(m *model.ScheduledMessage) (string, error) {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	_, err := s.DB.Exec(`INSERT INTO scheduled_messages
			(id,tenant_id,account_id,to_phone,body,media_url,media_type,scheduled_at,status,created_at)
		VALUES (?,?,?,?,?,?,?,?,?,CURRENT_TIMESTAMP)`,
		m.ID, m.TenantID, m.AccountID, m.ToPhone, m.Body, nullStr(m.MediaURL), nullStr(m.MediaType),
		m.ScheduledAt, model.ScheduledPending)
	if err != nil {
		return "", err
	}
	return m.ID, nil
}

const scheduledCols = `id,tenant_id,account_id,to_phone,COALESCE(body,''),COALESCE(media_url,''),COALESCE(media_type,''),
	scheduled_at,status,COALESCE(error,''),sent_at,created_at`

func scanScheduled(row interface{ Scan(...any) error }) (*model.ScheduledMessage, error) {
	var m model.ScheduledMessage
	var sentAt sql.NullTime
	if err := row.Scan(&m.ID, &m.TenantID, &m.AccountID, &m.ToPhone, &m.Body, &m.MediaURL, &m.MediaType,
		&m.ScheduledAt, &m.Status, &m.Error, &sentAt, &m.CreatedAt); err != nil {
		return nil, err
	}
	if sentAt.Valid {
		t := sentAt.Time
		m.SentAt = &t
	}
	return &m, nil
}

// ListScheduledMessages returns a tenant's scheduled messages, soonest first.
func (s *Store) ListScheduledMessages(tenantID string) ([]model.ScheduledMessage, error) {
	rows, err := s.DB.Query(`SELECT `+scheduledCols+` FROM scheduled_messages WHERE tenant_id=? ORDER BY scheduled_at`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []model.ScheduledMessage
	for rows.Next() {
		m, err := scanScheduled(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *m)
	}
	return list, rows.Err()
}

// DueScheduledMessages returns up to `limit` pending messages whose
// scheduled_at is at or before now, oldest first.
func (s *Store) DueScheduledMessages(now time.Time, limit int) ([]model.ScheduledMessage, error) {
	rows, err := s.DB.Query(`SELECT `+scheduledCols+` FROM scheduled_messages
		WHERE status=? AND scheduled_at <= ? ORDER BY scheduled_at LIMIT ?`,
		model.ScheduledPending, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []model.ScheduledMessage
	for rows.Next() {
		m, err := scanScheduled(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *m)
	}
	return list, rows.Err()
}

// MarkScheduledSent finalises a scheduled message as sent.
func (s *Store) MarkScheduledSent(id string, at time.Time) error {
	_, err := s.DB.Exec(`UPDATE scheduled_messages SET status=?, sent_at=? WHERE id=? AND status=?`,
		model.ScheduledSent, at, id, model.ScheduledPending)
	return err
}

// MarkScheduledFailed finalises a scheduled message as failed. No retries.
func (s *Store) MarkScheduledFailed(id, errMsg string) error {
	if len(errMsg) > 250 {
		errMsg = errMsg[:250]
	}
	_, err := s.DB.Exec(`UPDATE scheduled_messages SET status=?, error=? WHERE id=? AND status=?`,
		model.ScheduledFailed, errMsg, id, model.ScheduledPending)
	return err
}

// CancelScheduledMessage cancels a still-pending message. Returns the number
// of rows affected so callers can distinguish an already-terminal message.
func (s *Store) CancelScheduledMessage(id string) (int64, error) {
	res, err := s.DB.Exec(`UPDATE scheduled_messages SET status=? WHERE id=? AND status=?`,
		model.ScheduledCancelled, id, model.ScheduledPending)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
