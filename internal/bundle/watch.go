package bundle

import (
	"context"

	"github.com/fsnotify/fsnotify"

	"github.com/amplifier-ai/runtime/internal/logging"
)

// Watch re-scans the bundle directory whenever it changes, until ctx ends.
// Used by the --reload flag so freshly installed bundles become loadable
// without a restart.
func (m *Manager) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(m.bundleDir); err != nil {
		watcher.Close()
		return err
	}

	log := logging.Component("bundle-watch")
	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
					log.Debug().Str("path", ev.Name).Msg("bundle dir changed, refreshing")
					m.Refresh()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warn().Err(err).Msg("bundle watcher error")
			}
		}
	}()
	return nil
}
