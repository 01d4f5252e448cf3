package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenSettingsMissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "hookhost.toml")

	s, err := OpenSettings(path)
	require.NoError(t, err)
	assert.False(t, s.IsDisabled("anything"))
	assert.Empty(t, s.LogLevel())

	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err), "opening must not create the file")
}

func TestSettingsPersistImmediately(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "hookhost.toml")

	s, err := OpenSettings(path)
	require.NoError(t, err)
	require.NoError(t, s.SetDisabled("wallhack", true))
	require.NoError(t, s.SetDisabled("aimbot", true))
	require.NoError(t, s.SetDisabled("aimbot", true))
	require.NoError(t, s.SetLogLevel("debug"))

	reopened, err := OpenSettings(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"aimbot", "wallhack"}, reopened.Disabled())
	assert.True(t, reopened.IsDisabled("aimbot"))
	assert.Equal(t, "debug", reopened.LogLevel())

	require.NoError(t, reopened.SetDisabled("aimbot", false))
	again, err := OpenSettings(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"wallhack"}, again.Disabled())
}

func TestSettingsFileFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hookhost.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[log]
level = "warn"

[scripts]
disabled = ["radar", "esp"]
`), 0o644))

	s, err := OpenSettings(path)
	require.NoError(t, err)
	assert.Equal(t, "warn", s.LogLevel())
	assert.True(t, s.IsDisabled("radar"))
	assert.True(t, s.IsDisabled("esp"))
	assert.False(t, s.IsDisabled("camera"))
}

func TestSettingsRejectsBadInput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hookhost.toml")
	require.NoError(t, os.WriteFile(path, []byte("[scripts\n"), 0o644))
	_, err := OpenSettings(path)
	assert.Error(t, err)

	s, err := OpenSettings(filepath.Join(t.TempDir(), "ok.toml"))
	require.NoError(t, err)
	assert.Error(t, s.SetLogLevel("loud"))
	assert.Empty(t, s.LogLevel())
}
