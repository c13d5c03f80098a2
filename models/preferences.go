package models

// Preferences are the user's interface preferences, persisted in the
// settings table and served over /api/preferences.
type Preferences struct {
	ColorScheme   string `json:"colorScheme"` // "light" | "dark" | "system"
	Language      string `json:"language"`
	Notifications bool   `json:"notifications"`
}

// DefaultPreferences returns the values used before the user has ever
// saved anything.
func DefaultPreferences() Preferences {
	return Preferences{
		ColorScheme:   "system",
		Language:      "en",
		Notifications: true,
	}
}
