package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/pelletier/go-toml/v2"
)

// SettingsFile is the on-disk layout of the settings file:
//
//	[log]
//	level = "debug"
//
//	[scripts]
//	disabled = ["aimbot"]
type SettingsFile struct {
	Log     LogSettings    `toml:"log"`
	Scripts ScriptSettings `toml:"scripts"`
}

// LogSettings is the persisted logging section
type LogSettings struct {
	Level string `toml:"level,omitempty"`
}

// ScriptSettings is the persisted scripts section
type ScriptSettings struct {
	Disabled []string `toml:"disabled"`
}

// Settings is a settings file that is rewritten on every change
type Settings struct {
	mu   sync.RWMutex
	path string
	file SettingsFile
}

// OpenSettings reads path. A missing file yields empty settings; it is
// created on the first change.
func OpenSettings(path string) (*Settings, error) {
	s := &Settings{path: path}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read settings: %w", err)
	}
	if err := toml.Unmarshal(data, &s.file); err != nil {
		return nil, fmt.Errorf("failed to parse settings %s: %w", path, err)
	}
	return s, nil
}

// Path returns the settings file location
func (s *Settings) Path() string { return s.path }

// IsDisabled reports whether the named script is disabled
func (s *Settings) IsDisabled(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Contains(s.file.Scripts.Disabled, name)
}

// Disabled returns the disabled script names
func (s *Settings) Disabled() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.file.Scripts.Disabled)
}

// SetDisabled marks a script disabled or enabled and saves
func (s *Settings) SetDisabled(name string, disabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.file.Scripts.Disabled
	i := slices.Index(list, name)
	switch {
	case disabled && i < 0:
		list = append(list, name)
		slices.Sort(list)
	case !disabled && i >= 0:
		list = slices.Delete(list, i, i+1)
	default:
		return nil
	}
	s.file.Scripts.Disabled = list
	return s.saveLocked()
}

// LogLevel returns the persisted log level, empty when unset
func (s *Settings) LogLevel() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.file.Log.Level
}

// SetLogLevel persists the log level
func (s *Settings) SetLogLevel(level string) error {
	if err := validate.Var(level, "oneof=trace debug info warn error"); err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.file.Log.Level = level
	return s.saveLocked()
}

// saveLocked replaces the file through a temp file and rename
func (s *Settings) saveLocked() error {
	data, err := toml.Marshal(s.file)
	if err != nil {
		return fmt.Errorf("failed to encode settings: %w", err)
	}

	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create settings dir: %w", err)
		}
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write settings: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("failed to replace settings: %w", err)
	}
	return nil
}
