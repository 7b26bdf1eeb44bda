package astercord

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseConfig(t *testing.T) {
	cfg, err := ParseConfig([]byte("general:\n  token: abc123\n  verbose: true\n"))
	require.NoError(t, err)
	assert.Equal(t, "abc123", cfg.General.Token)
	assert.True(t, cfg.General.Verbose)
}

func TestParseConfigDefaults(t *testing.T) {
	cfg, err := ParseConfig([]byte("general:\n  token: abc123\n"))
	require.NoError(t, err)
	assert.False(t, cfg.General.Verbose)
}

func TestParseConfigMissingToken(t *testing.T) {
	_, err := ParseConfig([]byte("general:\n  verbose: true\n"))
	assert.ErrorIs(t, err, ErrMissingToken)
}

func TestParseConfigBadYAML(t *testing.T) {
	_, err := ParseConfig([]byte("general: [not a mapping"))
	assert.Error(t, err)
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "astercord.yml")
	require.NoError(t, os.WriteFile(path, []byte("general:\n  token: abc123\n"), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "abc123", cfg.General.Token)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yml"))
	assert.Error(t, err)
}
