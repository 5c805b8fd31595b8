package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"outreach/internal/model"
)

// CreateAccount inserts a new account in `connecting` state and returns its ID.
func (s *Store) CreateAccount(tenantID, label, msisdn string, settings model.AccountSettings) (string, error) {
	if settings.DailyLimit <= 0 {
		settings.DailyLimit = 100
	}
	raw, err := json.Marshal(settings)
	if err != nil {
		return "", err
	}
	id := uuid.NewString()
	now := time.Now()
	_, err = s.DB.Exec(`INSERT INTO accounts (id,tenant_id,label,msisdn,status,last_error,settings,created_at,updated_at)
		VALUES (?,?,?,?,?,'',?,?,?)`,
		id, tenantID, label, msisdn, model.AccountConnecting, string(raw), now, now)
	if err != nil {
		return "", err
	}
	return id, nil
}

const accountCols = `id,tenant_id,label,COALESCE(msisdn,''),COALESCE(device_jid,''),status,COALESCE(last_error,''),
	daily_message_count,daily_message_date,settings,created_at,updated_at`

func scanAccount(row interface{ Scan(...any) error }) (*model.Account, error) {
	var a model.Account
	var rawSettings string
	if err := row.Scan(&a.ID, &a.TenantID, &a.Label, &a.Msisdn, &a.DeviceJID, &a.Status, &a.LastError,
		&a.DailyMessageCount, &a.DailyMessageDate, &rawSettings, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(rawSettings), &a.Settings); err != nil {
		return nil, fmt.Errorf("account %s settings: %w", a.ID, err)
	}
	return &a, nil
}

// GetAccount loads one account by ID.
func (s *Store) GetAccount(id string) (*model.Account, error) {
	row := s.DB.QueryRow(`SELECT `+accountCols+` FROM accounts WHERE id=?`, id)
	return scanAccount(row)
}

// ListAccounts returns a tenant's accounts ordered by created_at desc.
func (s *Store) ListAccounts(tenantID string) ([]model.Account, error) {
	rows, err := s.DB.Query(`SELECT `+accountCols+` FROM accounts WHERE tenant_id=? ORDER BY created_at DESC`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []model.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *a)
	}
	return list, rows.Err()
}

// ListConnectableAccounts returns accounts a restarted process should bring
// back online: anything that was connecting or connected when we went down.
func (s *Store) ListConnectableAccounts() ([]model.Account, error) {
	rows, err := s.DB.Query(`SELECT `+accountCols+` FROM accounts WHERE status IN (?,?)`,
		model.AccountConnecting, model.AccountConnected)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []model.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *a)
	}
	return list, rows.Err()
}

// UpdateAccountStatus records a lifecycle transition.
func (s *Store) UpdateAccountStatus(id, status, lastError string) error {
	_, err := s.DB.Exec(`UPDATE accounts SET status=?, last_error=?, updated_at=CURRENT_TIMESTAMP WHERE id=?`,
		status, lastError, id)
	return err
}

// SetAccountDeviceJID persists the paired device identity so a restart can
// resume the session from the whatsmeow container without re-pairing.
func (s *Store) SetAccountDeviceJID(id, deviceJID, msisdn string) error {
	_, err := s.DB.Exec(`UPDATE accounts SET device_jid=?, msisdn=COALESCE(NULLIF(?, ''), msisdn), updated_at=CURRENT_TIMESTAMP WHERE id=?`,
		deviceJID, msisdn, id)
	return err
}

// ClearAccountDevice wipes the pairing linkage after a logout or removal.
func (s *Store) ClearAccountDevice(id string) error {
	_, err := s.DB.Exec(`UPDATE accounts SET device_jid=NULL, updated_at=CURRENT_TIMESTAMP WHERE id=?`, id)
	return err
}

// UpdateAccountSettings replaces the settings document.
func (s *Store) UpdateAccountSettings(id string, settings model.AccountSettings) error {
	raw, err := json.Marshal(settings)
	if err != nil {
		return err
	}
	_, err = s.DB.Exec(`UPDATE accounts SET settings=?, updated_at=CURRENT_TIMESTAMP WHERE id=?`, string(raw), id)
	return err
}

// DeleteAccount removes the account row; contacts, messages, campaigns and
// scheduled messages cascade.
func (s *Store) DeleteAccount(id string) error {
	_, err := s.DB.Exec(`DELETE FROM accounts WHERE id=?`, id)
	return err
}

// DailyCount returns the number of messages sent today for an account.
// A stored date other than `date` means the counter has not rolled yet and
// today's effective count is zero.
func (s *Store) DailyCount(id, date string) (int, error) {
	var count int
	var stored string
	err := s.DB.QueryRow(`SELECT daily_message_count, daily_message_date FROM accounts WHERE id=?`, id).
		Scan(&count, &stored)
	if err != nil {
		return 0, err
	}
	if stored != date {
		return 0, nil
	}
	return count, nil
}

// BumpDailyCount increments today's counter, resetting it first if the stored
// date is stale. Single statement so the reset happens exactly once per day.
func (s *Store) BumpDailyCount(id, date string) error {
	res, err := s.DB.Exec(`UPDATE accounts SET
			daily_message_count = CASE WHEN daily_message_date=? THEN daily_message_count+1 ELSE 1 END,
			daily_message_date = ?,
			updated_at = CURRENT_TIMESTAMP
		WHERE id=?`, date, date, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return sql.ErrNoRows
	}
	return err
}
