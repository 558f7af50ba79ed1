package store

import (
	"context"
	"database/sql"
	"strconv"
)

// SettingQuotaMax holds the per-reviewer claim cap.
const SettingQuotaMax = "qc_quota_max"

// SetSetting upserts a key-value pair in the app_settings table.
func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO app_settings (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = ?`,
		key, value, value,
	)
	return err
}

// GetSetting returns the value for a settings key.
// Returns empty string and nil error if the key is missing.
func (s *Store) GetSetting(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM app_settings WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

// QuotaMax returns the stored reviewer quota, or def when unset.
func (s *Store) QuotaMax(ctx context.Context, def int) (int, error) {
	v, err := s.GetSetting(ctx, SettingQuotaMax)
	if err != nil {
		return 0, err
	}
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, err
	}
	return n, nil
}

// SetQuotaMax stores the reviewer quota.
func (s *Store) SetQuotaMax(ctx context.Context, n int) error {
	return s.SetSetting(ctx, SettingQuotaMax, strconv.Itoa(n))
}
