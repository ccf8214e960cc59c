package registry

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/syncforge/ghbridge/internal/config"
)

const reloadDebounce = 200 * time.Millisecond

// TopologyWatcher hot-reloads the workspaces file into a registry.
// Editors replace files with rename+create, so the watch is on the
// parent directory and filtered to the target name.
type TopologyWatcher struct {
	registry *Registry
	path     string
	log      *log.Logger

	watcher *fsnotify.Watcher
	done    chan struct{}
	wg      sync.WaitGroup

	mu      sync.Mutex
	running bool
}

// NewTopologyWatcher creates a watcher for the workspaces file feeding
// the given registry.
func NewTopologyWatcher(r *Registry, path string) *TopologyWatcher {
	return &TopologyWatcher{
		registry: r,
		path:     path,
		log:      r.log,
		done:     make(chan struct{}),
	}
}

// Start loads the topology once, then begins watching for changes.
func (t *TopologyWatcher) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return fmt.Errorf("topology watcher already running")
	}

	if err := t.reload(ctx); err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(t.path)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", t.path, err)
	}
	t.watcher = watcher
	t.running = true

	t.wg.Add(1)
	go t.processEvents(ctx)
	return nil
}

// Stop halts the watch loop. The registry's workers keep running.
func (t *TopologyWatcher) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.running {
		return
	}
	close(t.done)
	_ = t.watcher.Close()
	t.wg.Wait()
	t.running = false
}

func (t *TopologyWatcher) processEvents(ctx context.Context) {
	defer t.wg.Done()

	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.done:
			return
		case ev, ok := <-t.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != filepath.Base(t.path) {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			// Coalesce the burst an editor save produces.
			pending = time.After(reloadDebounce)
		case <-pending:
			pending = nil
			if err := t.reload(ctx); err != nil {
				t.log.Printf("[registry] topology reload failed: %v", err)
			}
		case err, ok := <-t.watcher.Errors:
			if !ok {
				return
			}
			t.log.Printf("[registry] watch error: %v", err)
		}
	}
}

func (t *TopologyWatcher) reload(ctx context.Context) error {
	wss, err := config.LoadWorkspaces(t.path)
	if err != nil {
		return err
	}
	t.log.Printf("[registry] applying topology: %d workspaces", len(wss))
	return t.registry.Apply(ctx, wss)
}
