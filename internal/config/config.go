// Package config loads runtime configuration from config files and
// environment variables.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/tidwall/jsonc"
)

// Environment variables consumed by the runtime.
const (
	EnvStorageDir = "AMPLIFIER_STORAGE_DIR"
	EnvNoPersist  = "AMPLIFIER_NO_PERSIST"
	EnvBundle     = "AMPLIFIER_BUNDLE"
)

// Config is the resolved runtime configuration.
type Config struct {
	// StorageDir is the persistence root (projects live under it).
	StorageDir string `json:"storage_dir,omitempty"`
	// NoPersist disables session persistence entirely.
	NoPersist bool `json:"no_persist,omitempty"`
	// DefaultBundle is used by session.create when no bundle is named.
	DefaultBundle string `json:"default_bundle,omitempty"`
	// BundleDir is where installed bundles are discovered.
	BundleDir string `json:"bundle_dir,omitempty"`
	// ShowThinking controls whether thinking deltas are forwarded to clients.
	ShowThinking *bool `json:"show_thinking,omitempty"`
}

// Load resolves configuration with increasing priority:
// built-in defaults, ~/.amplifier/amplifier.json(c), <workspace>/.amplifier/
// amplifier.json(c), then environment variables.
func Load(workspace string) (*Config, error) {
	cfg := &Config{
		StorageDir:    defaultStorageDir(),
		DefaultBundle: "foundation",
		BundleDir:     defaultBundleDir(),
	}

	home, _ := os.UserHomeDir()
	if home != "" {
		loadFile(filepath.Join(home, ".amplifier", "amplifier.json"), cfg)
		loadFile(filepath.Join(home, ".amplifier", "amplifier.jsonc"), cfg)
	}
	if workspace != "" {
		loadFile(filepath.Join(workspace, ".amplifier", "amplifier.json"), cfg)
		loadFile(filepath.Join(workspace, ".amplifier", "amplifier.jsonc"), cfg)
	}

	applyEnv(cfg)
	return cfg, nil
}

func loadFile(path string, cfg *Config) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	data = jsonc.ToJSON(data)

	var fileCfg Config
	if err := json.Unmarshal(data, &fileCfg); err != nil {
		return
	}
	if fileCfg.StorageDir != "" {
		cfg.StorageDir = fileCfg.StorageDir
	}
	if fileCfg.DefaultBundle != "" {
		cfg.DefaultBundle = fileCfg.DefaultBundle
	}
	if fileCfg.BundleDir != "" {
		cfg.BundleDir = fileCfg.BundleDir
	}
	if fileCfg.NoPersist {
		cfg.NoPersist = true
	}
	if fileCfg.ShowThinking != nil {
		cfg.ShowThinking = fileCfg.ShowThinking
	}
}

func applyEnv(cfg *Config) {
	if dir := os.Getenv(EnvStorageDir); dir != "" {
		cfg.StorageDir = dir
	}
	if os.Getenv(EnvNoPersist) != "" {
		cfg.NoPersist = true
	}
	if bundle := os.Getenv(EnvBundle); bundle != "" {
		cfg.DefaultBundle = bundle
	}
}

func defaultStorageDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "amplifier", "projects")
	}
	return filepath.Join(home, ".amplifier", "projects")
}

func defaultBundleDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "amplifier", "bundles")
	}
	return filepath.Join(home, ".amplifier", "bundles")
}

// ShowThinkingEnabled reports whether thinking deltas should be forwarded.
// Defaults to true when unset.
func (c *Config) ShowThinkingEnabled() bool {
	return c.ShowThinking == nil || *c.ShowThinking
}

// String implements fmt.Stringer without leaking credential material.
func (c *Config) String() string {
	return fmt.Sprintf("storage=%s bundle=%s persist=%t", c.StorageDir, c.DefaultBundle, !c.NoPersist)
}
