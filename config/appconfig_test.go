package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultAppConfig(t *testing.T) {
	cfg := DefaultAppConfig()
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)
	assert.Equal(t, 500*time.Millisecond, cfg.SearchWindow())
	assert.Equal(t, 30*time.Second, cfg.SweepInterval())
	assert.Equal(t, slog.LevelInfo, cfg.SlogLevel())
}

func TestLoadAppConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mktl.yaml")
	contents := `
log:
  level: debug
  format: json
daemon:
  search_window_ms: 250
registry:
  sweep_interval_s: 10
  port: 11000
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o664))

	cfg, err := LoadAppConfig(path)
	require.NoError(t, err)

	assert.Equal(t, slog.LevelDebug, cfg.SlogLevel())
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 250*time.Millisecond, cfg.SearchWindow())
	assert.Equal(t, 10*time.Second, cfg.SweepInterval())
	assert.Equal(t, 11000, cfg.Registry.Port)
}

func TestLoadAppConfigRejectsBadValues(t *testing.T) {
	tests := []struct {
		name     string
		contents string
	}{
		{"bad level", "log:\n  level: loud\n"},
		{"bad format", "log:\n  format: xml\n"},
		{"not yaml", ":: definitely not yaml ::"},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "mktl.yaml")
			require.NoError(t, os.WriteFile(path, []byte(test.contents), 0o664))

			_, err := LoadAppConfig(path)
			assert.Error(t, err)
		})
	}
}

func TestLoadAppConfigMissingFile(t *testing.T) {
	_, err := LoadAppConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
