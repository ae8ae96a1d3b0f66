package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	require.Len(t, cfg.Tools.Backends, 2)
	assert.Equal(t, "apktool", cfg.Tools.Backends[0].Type)
	assert.Equal(t, 300, cfg.Tools.Backends[0].Timeout.FloorSeconds)
	assert.Equal(t, 1800, cfg.Tools.Backends[0].Timeout.CeilingSeconds)
	assert.Equal(t, "jadx", cfg.Tools.Backends[1].Type)
	assert.Equal(t, []string{"apktool", "jadx"}, cfg.Tools.Preference)
	assert.True(t, cfg.Tools.FallbackEnabled)
	assert.Equal(t, 1, cfg.Patch.CascadePasses)
	assert.True(t, cfg.Patch.HasMethod("resource_cleanup"))
	assert.True(t, cfg.Patch.HasMethod("DOMAIN_REPLACEMENT"))
	assert.False(t, cfg.Patch.HasMethod("unknown"))
}

func TestLoad_OverridesAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
worker:
  concurrency: 8
workspace:
  work_dir: /var/lib/purifier/work
tools:
  fallback_enabled: false
  backends:
    - id: apktool
      type: apktool
      command: ["/opt/apktool/apktool"]
      timeout:
        per_mb_seconds: 10
        floor_seconds: 60
        ceiling_seconds: 600
patch:
  methods: [domain_replacement]
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	t.Setenv("SIGNER_KEYSTORE", "/secrets/release.jks")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.Worker.Concurrency)
	assert.Equal(t, 64, cfg.Worker.QueueSize)
	assert.Equal(t, "/var/lib/purifier/work", cfg.Workspace.WorkDir)
	assert.False(t, cfg.Tools.FallbackEnabled)
	require.Len(t, cfg.Tools.Backends, 1)
	assert.Equal(t, []string{"/opt/apktool/apktool"}, cfg.Tools.Backends[0].Command)
	assert.Equal(t, 60, cfg.Tools.Backends[0].Timeout.FloorSeconds)
	assert.Equal(t, "/secrets/release.jks", cfg.Signer.Keystore)
	assert.False(t, cfg.Patch.HasMethod("class_removal"))
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
