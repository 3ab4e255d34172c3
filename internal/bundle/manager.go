package bundle

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/amplifier-ai/runtime/internal/config"
)

// HostFactory builds a Host for a resolved definition. The concrete factory
// is registered at process startup by whichever bundle implementation is
// linked in; tests register scripted fakes.
type HostFactory func(ctx context.Context, def Definition, providers []config.Provider, hooks Hooks) (Host, error)

// Manager resolves bundle definitions and loads hosts. It composes provider
// credentials from the environment; a load with no detected provider fails
// hard (there is no mock fallback).
type Manager struct {
	mu        sync.RWMutex
	bundleDir string
	defBundle string
	factory   HostFactory
	known     map[string]bool
}

// NewManager creates a bundle manager discovering installed bundles under
// cfg.BundleDir.
func NewManager(cfg *config.Config) *Manager {
	m := &Manager{
		bundleDir: cfg.BundleDir,
		defBundle: cfg.DefaultBundle,
	}
	m.Refresh()
	return m
}

// RegisterFactory installs the host factory used by Load.
func (m *Manager) RegisterFactory(factory HostFactory) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.factory = factory
}

// DefaultBundle returns the bundle name used when a session names none.
func (m *Manager) DefaultBundle() string {
	return m.defBundle
}

// Refresh re-scans the bundle directory. Called at startup and by the
// --reload watcher.
func (m *Manager) Refresh() {
	known := make(map[string]bool)
	entries, err := os.ReadDir(m.bundleDir)
	if err == nil {
		for _, entry := range entries {
			if entry.IsDir() {
				known[entry.Name()] = true
			}
		}
	}
	// The built-in bundle is always available to name.
	known[m.defBundle] = true

	m.mu.Lock()
	m.known = known
	m.mu.Unlock()
}

// List returns the names of installed bundles, sorted.
func (m *Manager) List() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.known))
	for name := range m.known {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Load resolves def and builds a host for it. Resolution fails when the
// named bundle is not installed, when no provider credentials are present,
// or when no factory is registered.
func (m *Manager) Load(ctx context.Context, def Definition, hooks Hooks) (Host, error) {
	if def.Name == "" && def.Inline == nil {
		def.Name = m.defBundle
	}

	m.mu.RLock()
	factory := m.factory
	knownName := def.Inline != nil || m.known[def.Name]
	m.mu.RUnlock()

	if !knownName {
		return nil, fmt.Errorf("bundle %q is not installed", def.Name)
	}

	providers := config.DetectProviders()
	if def.Provider != "" {
		providers = filterProvider(providers, def.Provider)
		if len(providers) == 0 {
			return nil, fmt.Errorf("provider %q requested but no credentials found", def.Provider)
		}
	}
	if len(providers) == 0 {
		return nil, fmt.Errorf("no provider credentials detected; set an API key")
	}
	if factory == nil {
		return nil, fmt.Errorf("no bundle host factory registered")
	}

	host, err := factory(ctx, def, providers, hooks)
	if err != nil {
		return nil, fmt.Errorf("load bundle %q: %w", def.Name, err)
	}
	return host, nil
}

// Add registers a bundle by writing its definition as bundle.json inside a
// new directory named after the bundle.
func (m *Manager) Add(name string, definition map[string]any) error {
	if err := validName(name); err != nil {
		return err
	}

	m.mu.RLock()
	installed := m.known[name]
	m.mu.RUnlock()
	if installed {
		return fmt.Errorf("bundle %q is already installed", name)
	}

	dir := filepath.Join(m.bundleDir, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("add bundle %q: %w", name, err)
	}
	manifest := map[string]any{"name": name}
	for k, v := range definition {
		manifest[k] = v
	}
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return fmt.Errorf("add bundle %q: %w", name, err)
	}
	if err := os.WriteFile(filepath.Join(dir, "bundle.json"), data, 0o644); err != nil {
		return fmt.Errorf("add bundle %q: %w", name, err)
	}

	m.Refresh()
	return nil
}

// Remove uninstalls a bundle. The built-in default bundle cannot be removed.
func (m *Manager) Remove(name string) error {
	if err := validName(name); err != nil {
		return err
	}
	if name == m.defBundle {
		return fmt.Errorf("bundle %q is built in and cannot be removed", name)
	}
	dir := filepath.Join(m.bundleDir, name)
	if _, err := os.Stat(dir); err != nil {
		return fmt.Errorf("bundle %q is not installed", name)
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove bundle %q: %w", name, err)
	}

	m.Refresh()
	return nil
}

// InstallProgress reports one stage of a bundle install.
type InstallProgress func(stage string, detail map[string]any)

// Install fetches a bundle from source into the bundle directory, reporting
// stages through progress. Git URLs are cloned in a subprocess so a slow
// fetch never blocks the runtime; anything else is treated as a local
// directory and copied.
func (m *Manager) Install(ctx context.Context, name, source string, progress InstallProgress) error {
	if err := validName(name); err != nil {
		return err
	}
	if source == "" {
		return fmt.Errorf("install bundle %q: source is required", name)
	}
	if progress == nil {
		progress = func(string, map[string]any) {}
	}

	dest := filepath.Join(m.bundleDir, name)
	if _, err := os.Stat(dest); err == nil {
		return fmt.Errorf("bundle %q is already installed", name)
	}

	progress("fetching", map[string]any{"source": source})
	if isGitSource(source) {
		if err := gitClone(ctx, source, dest); err != nil {
			os.RemoveAll(dest)
			return fmt.Errorf("install bundle %q: %w", name, err)
		}
	} else if err := copyDir(source, dest); err != nil {
		os.RemoveAll(dest)
		return fmt.Errorf("install bundle %q: %w", name, err)
	}

	m.Refresh()
	progress("installed", map[string]any{"name": name})
	return nil
}

func validName(name string) error {
	if name == "" || strings.ContainsAny(name, `/\`) || strings.Contains(name, ".") {
		return fmt.Errorf("invalid bundle name %q", name)
	}
	return nil
}

func isGitSource(source string) bool {
	return strings.HasPrefix(source, "git@") ||
		strings.HasPrefix(source, "http://") ||
		strings.HasPrefix(source, "https://") ||
		strings.HasSuffix(source, ".git")
}

func gitClone(ctx context.Context, source, dest string) error {
	cmd := exec.CommandContext(ctx, "git", "clone", "--depth", "1", source, dest)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("git clone: %s: %w", strings.TrimSpace(string(out)), err)
	}
	return nil
}

func copyDir(source, dest string) error {
	info, err := os.Stat(source)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("source %q is not a directory", source)
	}
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return err
	}
	return os.CopyFS(dest, os.DirFS(source))
}

func filterProvider(providers []config.Provider, name string) []config.Provider {
	var out []config.Provider
	for _, p := range providers {
		if p.Name == name {
			out = append(out, p)
		}
	}
	return out
}
