package store

import (
	"context"
	"database/sql"
	"fmt"
)

// DeviceSettings is the device's own identity row: its id, a
// human-readable name, and the account it's currently attached to (if
// any — a freshly provisioned device has no account yet).
type DeviceSettings struct {
	DeviceID  string
	DeviceName string
	AccountID string // empty if not yet attached
}

// PutDeviceSettings upserts the local device's settings row.
func (db *DB) PutDeviceSettings(ctx context.Context, s DeviceSettings) error {
	_, err := db.sql.ExecContext(ctx, `
		INSERT INTO device_settings (device_id, device_name, account_id)
		VALUES (?, ?, ?)
		ON CONFLICT(device_id) DO UPDATE SET device_name = excluded.device_name, account_id = excluded.account_id
	`, s.DeviceID, s.DeviceName, nullableString(s.AccountID))
	if err != nil {
		return fmt.Errorf("store: put device settings: %w", err)
	}
	return nil
}

// DeviceSettingsFor returns the settings row for deviceID, or
// sql.ErrNoRows wrapped if none exists yet.
func (db *DB) DeviceSettingsFor(ctx context.Context, deviceID string) (DeviceSettings, error) {
	var s DeviceSettings
	var accountID sql.NullString
	err := db.sql.QueryRowContext(ctx, `
		SELECT device_id, device_name, account_id FROM device_settings WHERE device_id = ?
	`, deviceID).Scan(&s.DeviceID, &s.DeviceName, &accountID)
	if err != nil {
		return DeviceSettings{}, fmt.Errorf("store: device settings for %s: %w", deviceID, err)
	}
	s.AccountID = accountID.String
	return s, nil
}

// CurrentDeviceSettings returns the local device's own settings row.
// A device's database holds exactly one such row for its whole
// lifetime, so unlike DeviceSettingsFor this does not take an id —
// callers use it on startup, before they know their own device id yet.
// Returns sql.ErrNoRows wrapped if the device has never been provisioned.
func (db *DB) CurrentDeviceSettings(ctx context.Context) (DeviceSettings, error) {
	var s DeviceSettings
	var accountID sql.NullString
	err := db.sql.QueryRowContext(ctx, `
		SELECT device_id, device_name, account_id FROM device_settings LIMIT 1
	`).Scan(&s.DeviceID, &s.DeviceName, &accountID)
	if err != nil {
		return DeviceSettings{}, fmt.Errorf("store: current device settings: %w", err)
	}
	s.AccountID = accountID.String
	return s, nil
}

func nullableString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
