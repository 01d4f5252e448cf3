package utils

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHasher(t *testing.T) {
	h := DefaultHasher()

	// sha256("abc")
	want := "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"
	assert.Equal(t, want, h.HashString("abc"))
	assert.Equal(t, want, h.Hash([]byte("abc")))
	assert.Equal(t, "ba7816bf8f01", Short(want))
	assert.Equal(t, "abc", Short("abc"))

	path := filepath.Join(t.TempDir(), "script.js")
	require.NoError(t, os.WriteFile(path, []byte("abc"), 0o644))
	got, err := h.HashFile(path)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	_, err = h.HashFile(filepath.Join(t.TempDir(), "missing.js"))
	assert.Error(t, err)
}

func TestValidateName(t *testing.T) {
	tests := []struct {
		name    string
		value   string
		wantErr bool
	}{
		{"stem", "camera_fov", false},
		{"virtual", "virtual:repl", false},
		{"dotted", "radar.v2", false},
		{"empty", "", true},
		{"slash", "../etc/passwd", true},
		{"parent", "a..b", true},
		{"space", "two words", true},
		{"nul", "a\x00b", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateName(tt.value, "name")
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateEvent(t *testing.T) {
	assert.NoError(t, ValidateEvent("tick"))
	assert.NoError(t, ValidateEvent("game.round_start"))
	assert.Error(t, ValidateEvent(""))
	assert.Error(t, ValidateEvent("1tick"))
	assert.Error(t, ValidateEvent("tick;rm"))
}
