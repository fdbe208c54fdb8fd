// Package settings persists the TUI preferences between runs.
package settings

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/tomaslejdung/peepcast/pkg/quality"
)

const appDir = "peepcast"

// UserSettings holds persistable user preferences
type UserSettings struct {
	Tier      int    `json:"tier"`      // index into quality.Tiers
	Adaptive  bool   `json:"adaptive"`  // adaptive quality on the sharer
	Transport string `json:"transport"` // websocket or webrtc
	Server    string `json:"server"`    // last signaling server shared to
	Room      string `json:"room"`      // last room joined
}

// DefaultSettings returns the default settings
func DefaultSettings() UserSettings {
	return UserSettings{
		Tier:      quality.DefaultTierIndex(),
		Adaptive:  true,
		Transport: "websocket",
	}
}

// Dir returns the peepcast config directory.
// Uses XDG_CONFIG_HOME if set, otherwise os.UserConfigDir().
func Dir() (string, error) {
	// Check for XDG override (for power users)
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, appDir), nil
	}
	userConfigDir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(userConfigDir, appDir), nil
}

// ConfigFile returns the default YAML config path, peepcast.yaml in Dir.
func ConfigFile() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "peepcast.yaml"), nil
}

func settingsPath() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "settings.json"), nil
}

// Load reads settings from the settings file.
// Returns default settings if file doesn't exist or is invalid.
func Load() (UserSettings, error) {
	settings := DefaultSettings()

	path, err := settingsPath()
	if err != nil {
		return settings, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// File doesn't exist - use defaults, not an error
			return settings, nil
		}
		return settings, err
	}

	// Parse JSON, keeping defaults for missing fields
	if err := json.Unmarshal(data, &settings); err != nil {
		// Invalid JSON - use defaults
		return DefaultSettings(), nil
	}

	settings.Tier = quality.ClampTier(settings.Tier)
	return settings, nil
}

// Save writes settings to the settings file
func Save(settings UserSettings) error {
	path, err := settingsPath()
	if err != nil {
		return err
	}

	// Ensure directory exists
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}
