package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv(EnvStorageDir, "")
	t.Setenv(EnvNoPersist, "")
	t.Setenv(EnvBundle, "")
	t.Setenv("HOME", t.TempDir())

	cfg, err := Load(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "foundation", cfg.DefaultBundle)
	assert.False(t, cfg.NoPersist)
	assert.NotEmpty(t, cfg.StorageDir)
	assert.True(t, cfg.ShowThinkingEnabled())
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv(EnvStorageDir, "/tmp/custom-storage")
	t.Setenv(EnvNoPersist, "1")
	t.Setenv(EnvBundle, "custom-bundle")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "/tmp/custom-storage", cfg.StorageDir)
	assert.True(t, cfg.NoPersist)
	assert.Equal(t, "custom-bundle", cfg.DefaultBundle)
}

func TestWorkspaceConfigFileWithComments(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv(EnvStorageDir, "")
	t.Setenv(EnvBundle, "")

	workspace := t.TempDir()
	dir := filepath.Join(workspace, ".amplifier")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "amplifier.jsonc"), []byte(`{
		// project-local overrides
		"default_bundle": "reviewer",
		"show_thinking": false
	}`), 0o644))

	cfg, err := Load(workspace)
	require.NoError(t, err)

	assert.Equal(t, "reviewer", cfg.DefaultBundle)
	assert.False(t, cfg.ShowThinkingEnabled())
}

func TestDetectProvidersOrder(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	t.Setenv("OPENAI_API_KEY", "sk-x")
	t.Setenv("AZURE_OPENAI_API_KEY", "az-x")
	t.Setenv("GOOGLE_API_KEY", "")

	detected := DetectProviders()
	require.Len(t, detected, 2)
	assert.Equal(t, "openai", detected[0].Name)
	assert.Equal(t, "azure-openai", detected[1].Name)
	assert.Equal(t, "openai", DefaultProvider())
}

func TestDefaultProviderEmptyWhenNoKeys(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("AZURE_OPENAI_API_KEY", "")
	t.Setenv("GOOGLE_API_KEY", "")

	assert.Empty(t, DefaultProvider())
	assert.Empty(t, DetectProviders())
}
