package tariff

import (
	"context"
	"log"
	"time"

	"github.com/fsnotify/fsnotify"
)

// StartWatcher monitors the tariff file for changes and reloads. fsnotify is
// the fast path; a slow mtime poll always runs underneath as a safety net for
// filesystems where inotify is unreliable.
func (m *Manager) StartWatcher(ctx context.Context) {
	watcher, err := fsnotify.NewWatcher()
	usePolling := false

	if err != nil {
		log.Printf("tariff: fsnotify unavailable (%v), falling back to polling", err)
		usePolling = true
	} else {
		if err := watcher.Add(m.path); err != nil {
			log.Printf("tariff: cannot watch %s (%v), falling back to polling", m.path, err)
			usePolling = true
			watcher.Close()
		}
	}

	go func() {
		if usePolling {
			return
		}
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&fsnotify.Write == fsnotify.Write || event.Op&fsnotify.Create == fsnotify.Create {
					// Editors write in bursts; let the file settle first.
					time.Sleep(100 * time.Millisecond)
					if err := m.Reload(); err != nil {
						log.Printf("tariff: reload after change failed: %v", err)
					}
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Printf("tariff: watcher error: %v", err)
			}
		}
	}()

	go func() {
		ticker := time.NewTicker(60 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.ReloadIfChanged()
			}
		}
	}()
}
