package database

import (
	"context"
	"encoding/json"
	"fmt"

	"macreplay/work/config"
	"macreplay/work/logger"
)

// GetSettings loads the gateway settings. Each setting is stored as its own
// row holding a JSON value; settings without a row keep their defaults.
func (db *DB) GetSettings(ctx context.Context) (config.Settings, error) {
	settings := config.DefaultSettings()

	rows, err := db.QueryContext(ctx, "SELECT key, value FROM settings")
	if err != nil {
		return settings, fmt.Errorf("failed to load settings: %w", err)
	}
	defer rows.Close()

	values := make(map[string]json.RawMessage)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return settings, fmt.Errorf("failed to scan setting: %w", err)
		}
		if !json.Valid([]byte(value)) {
			logger.Warn("{database/settings - GetSettings} ignoring malformed value for %s", key)
			continue
		}
		values[key] = json.RawMessage(value)
	}
	if err := rows.Err(); err != nil {
		return settings, err
	}

	if len(values) > 0 {
		raw, err := json.Marshal(values)
		if err != nil {
			return settings, err
		}
		if err := json.Unmarshal(raw, &settings); err != nil {
			return config.DefaultSettings(), fmt.Errorf("failed to decode settings: %w", err)
		}
	}

	settings.Normalize()
	return settings, nil
}

// SaveSettings upserts every setting.
func (db *DB) SaveSettings(ctx context.Context, settings config.Settings) error {
	raw, err := json.Marshal(settings)
	if err != nil {
		return err
	}
	var values map[string]json.RawMessage
	if err := json.Unmarshal(raw, &values); err != nil {
		return err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for key, value := range values {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO settings (key, value, updated_at)
			VALUES (?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(key) DO UPDATE SET
				value = excluded.value,
				updated_at = CURRENT_TIMESTAMP
		`, key, string(value))
		if err != nil {
			return fmt.Errorf("failed to save setting %s: %w", key, err)
		}
	}
	return tx.Commit()
}
