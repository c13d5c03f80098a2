package db

import (
	"database/sql"
	"strconv"

	"github.com/cui-project/cui-server/models"
)

// Default settings
var defaultSettings = map[string]string{
	"preferences_color_scheme":  "system",
	"preferences_language":      "en",
	"preferences_notifications": "true",
}

// GetSetting retrieves a setting by key
func GetSetting(conn *sql.DB, key string) (string, error) {
	var value string
	err := conn.QueryRow("SELECT value FROM settings WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		if defaultValue, ok := defaultSettings[key]; ok {
			return defaultValue, nil
		}
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return value, nil
}

// SetSetting updates or creates a setting
func SetSetting(conn *sql.DB, key, value string) error {
	_, err := conn.Exec(`
		INSERT INTO settings (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at
	`, key, value, NowMs())
	return err
}

// GetAllSettings retrieves all settings with defaults merged in
func GetAllSettings(conn *sql.DB) (map[string]string, error) {
	// Start with defaults
	settings := make(map[string]string)
	for k, v := range defaultSettings {
		settings[k] = v
	}

	// Override with stored settings
	rows, err := conn.Query("SELECT key, value FROM settings")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, err
		}
		settings[key] = value
	}

	return settings, rows.Err()
}

// UpdateSettings updates multiple settings at once
func UpdateSettings(conn *sql.DB, settings map[string]string) error {
	return Transaction(conn, func(tx *sql.Tx) error {
		stmt, err := tx.Prepare(`
			INSERT INTO settings (key, value, updated_at)
			VALUES (?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET
				value = excluded.value,
				updated_at = excluded.updated_at
		`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		now := NowMs()
		for key, value := range settings {
			if _, err := stmt.Exec(key, value, now); err != nil {
				return err
			}
		}

		return nil
	})
}

// LoadPreferences reads the stored flat settings into the structured
// preferences shape, falling back to defaults for absent keys.
func LoadPreferences(conn *sql.DB) (models.Preferences, error) {
	all, err := GetAllSettings(conn)
	if err != nil {
		return models.Preferences{}, err
	}
	prefs := models.DefaultPreferences()
	if v := all["preferences_color_scheme"]; v != "" {
		prefs.ColorScheme = v
	}
	if v := all["preferences_language"]; v != "" {
		prefs.Language = v
	}
	if v := all["preferences_notifications"]; v != "" {
		prefs.Notifications = v == "true"
	}
	return prefs, nil
}

// SavePreferences flattens the structured preferences into key-value
// rows in one transaction.
func SavePreferences(conn *sql.DB, prefs models.Preferences) error {
	return UpdateSettings(conn, map[string]string{
		"preferences_color_scheme":  prefs.ColorScheme,
		"preferences_language":      prefs.Language,
		"preferences_notifications": strconv.FormatBool(prefs.Notifications),
	})
}
