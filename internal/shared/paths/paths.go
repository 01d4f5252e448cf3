package paths

import (
	"fmt"
	"os"
	"path/filepath"
)

// Default locations, relative to the layout root
const (
	Root       = "hookhost"
	Scripts    = "scripts"
	Extensions = "extensions"
	Settings   = "config.toml"
	Records    = "records.yaml"
)

// Layout resolves host paths against a root directory
type Layout struct {
	Root string
}

// New returns a layout rooted at root, or at Root when empty
func New(root string) Layout {
	if root == "" {
		root = Root
	}
	return Layout{Root: filepath.Clean(root)}
}

// Resolve returns p unchanged when absolute, otherwise joined to the root.
// An empty p stays empty.
func (l Layout) Resolve(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(l.Root, p)
}

// ScriptsDir returns the script directory
func (l Layout) ScriptsDir() string { return l.Resolve(Scripts) }

// ExtensionsDir returns the extension module directory
func (l Layout) ExtensionsDir() string { return l.Resolve(Extensions) }

// SettingsFile returns the persisted settings file
func (l Layout) SettingsFile() string { return l.Resolve(Settings) }

// RecordsFile returns the address records file
func (l Layout) RecordsFile() string { return l.Resolve(Records) }

// Ensure creates dirs if they do not exist
func Ensure(dirs ...string) error {
	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return nil
}

// Within reports whether path lies inside dir after cleaning
func Within(dir, path string) bool {
	rel, err := filepath.Rel(filepath.Clean(dir), filepath.Clean(path))
	if err != nil {
		return false
	}
	return rel != ".." && !filepath.IsAbs(rel) && (len(rel) < 3 || rel[:3] != ".."+string(filepath.Separator))
}
