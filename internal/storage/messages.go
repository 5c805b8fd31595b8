package storage

import (
	"database/sql"
	"time"

	"github.com/google/uuid"

	"outreach/internal/model"
)

// UpsertContact creates or refreshes the contact for (accountID, jid), updating
// the last-message preview and bumping the unread counter for inbound traffic.
// Returns the contact ID.
func (s *Store) UpsertContact(accountID, jid, name, phone, preview, direction string, at time.Time) (string, error) {
	unreadDelta := 0
	if direction == model.DirectionIn {
		unreadDelta = 1
	}
	id := uuid.NewString()
	_, err := s.DB.Exec(`
		INSERT INTO contacts (id, account_id, jid, name, phone, last_message, last_direction, last_message_at, unread_count, created_at)
		VALUES (?,?,?,?,?,?,?,?,?, CURRENT_TIMESTAMP)
		ON CONFLICT(account_id, jid) DO UPDATE SET
			name=COALESCE(NULLIF(excluded.name,''), contacts.name),
			phone=COALESCE(NULLIF(excluded.phone,''), contacts.phone),
			last_message=excluded.last_message,
			last_direction=excluded.last_direction,
			last_message_at=excluded.last_message_at,
			unread_count=contacts.unread_count + ?
	`, id, accountID, jid, name, phone, preview, direction, at, unreadDelta, unreadDelta)
	if err != nil {
		return "", err
	}
	var existing string
	if err := s.DB.QueryRow(`SELECT id FROM contacts WHERE account_id=? AND jid=?`, accountID, jid).Scan(&existing); err != nil {
		return "", err
	}
	return existing, nil
}

// GetContact loads one contact by (accountID, jid).
func (s *Store) GetContact(accountID, jid string) (*model.Contact, error) {
	var c model.Contact
	var lastAt sql.NullTime
	err := s.DB.QueryRow(`SELECT id,account_id,jid,COALESCE(name,''),COALESCE(phone,''),COALESCE(last_message,''),
			COALESCE(last_direction,''),last_message_at,unread_count,created_at
		FROM contacts WHERE account_id=? AND jid=?`, accountID, jid).
		Scan(&c.ID, &c.AccountID, &c.JID, &c.Name, &c.Phone, &c.LastMessage,
			&c.LastDirection, &lastAt, &c.UnreadCount, &c.CreatedAt)
	if err != nil {
		return nil, err
	}
	if lastAt.Valid {
		c.LastMessageAt = lastAt.Time
	}
	return &c, nil
}

// ListContacts returns an account's contacts, most recently active first.
func (s *Store) ListContacts(accountID string, limit int) ([]model.Contact, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.DB.Query(`SELECT id,account_id,jid,COALESCE(name,''),COALESCE(phone,''),COALESCE(last_message,''),
			COALESCE(last_direction,''),last_message_at,unread_count,created_at
		FROM contacts WHERE account_id=? ORDER BY last_message_at DESC LIMIT ?`, accountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []model.Contact
	for rows.Next() {
		var c model.Contact
		var lastAt sql.NullTime
		if err := rows.Scan(&c.ID, &c.AccountID, &c.JID, &c.Name, &c.Phone, &c.LastMessage,
			&c.LastDirection, &lastAt, &c.UnreadCount, &c.CreatedAt); err != nil {
			return nil, err
		}
		if lastAt.Valid {
			c.LastMessageAt = lastAt.Time
		}
		list = append(list, c)
	}
	return list, rows.Err()
}

// InsertMessage appends one message record.
func (s *Store) InsertMessage(m *model.Message) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now()
	}
	_, err := s.DB.Exec(`INSERT INTO messages (id,account_id,contact_id,wire_id,direction,type,body,media_url,status,error,is_automated,campaign_id,rule_id,ts)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		m.ID, m.AccountID, nullStr(m.ContactID), nullStr(m.WireID), m.Direction, m.Type, m.Body, nullStr(m.MediaURL),
		m.Status, nullStr(m.Error), btoi(m.IsAutomated), nullStr(m.CampaignID), nullStr(m.RuleID), m.Timestamp)
	return err
}

// statusRank orders delivery states so a late `delivered` receipt can never
// regress a message already marked `read`.
const statusRankExpr = `CASE status WHEN 'pending' THEN 0 WHEN 'sent' THEN 1 WHEN 'delivered' THEN 2 WHEN 'read' THEN 3 ELSE 4 END`

// AdvanceMessageStatus moves an outbound message forward to `status` if that
// is a progression; regressions are ignored.
func (s *Store) AdvanceMessageStatus(accountID, wireID, status string) error {
	rank := map[string]int{
		model.MessagePending:   0,
		model.MessageSent:      1,
		model.MessageDelivered: 2,
		model.MessageRead:      3,
	}[status]
	_, err := s.DB.Exec(`UPDATE messages SET status=? WHERE account_id=? AND wire_id=? AND direction='out' AND `+statusRankExpr+` < ?`,
		status, accountID, wireID, rank)
	return err
}

// RecentConversation returns up to `limit` most recent messages between an
// account and a contact, oldest first. Used as the AI fallback context window.
func (s *Store) RecentConversation(accountID, contactID string, limit int) ([]model.Message, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.DB.Query(`SELECT id,account_id,COALESCE(contact_id,''),COALESCE(wire_id,''),direction,type,
			COALESCE(body,''),COALESCE(media_url,''),status,COALESCE(error,''),is_automated,
			COALESCE(campaign_id,''),COALESCE(rule_id,''),ts
		FROM messages WHERE account_id=? AND contact_id=?
		ORDER BY ts DESC LIMIT ?`, accountID, contactID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []model.Message
	for rows.Next() {
		var m model.Message
		var automated int
		if err := rows.Scan(&m.ID, &m.AccountID, &m.ContactID, &m.WireID, &m.Direction, &m.Type,
			&m.Body, &m.MediaURL, &m.Status, &m.Error, &automated,
			&m.CampaignID, &m.RuleID, &m.Timestamp); err != nil {
			return nil, err
		}
		m.IsAutomated = automated == 1
		list = append(list, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// reverse into chronological order
	for i, j := 0, len(list)-1; i < j; i, j = i+1, j-1 {
		list[i], list[j] = list[j], list[i]
	}
	return list, nil
}
