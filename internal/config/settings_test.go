package config_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bld-run/bld/internal/config"
)

func TestLoad_MissingFileReturnsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	settings, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, 4, settings.Capacity)
}

func TestSaveThenLoad_RoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	original := config.DefaultSettings()
	original.Capacity = 8
	original.SSHConfigs = map[string]config.SSHConfigEntry{
		"prod-box": {Host: "prod.example.com", User: "deploy"},
	}

	require.NoError(t, config.Save(path, original))

	loaded, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, 8, loaded.Capacity)
	assert.True(t, loaded.HasSSHConfig("prod-box"))
	assert.False(t, loaded.HasSSHConfig("missing"))
}
