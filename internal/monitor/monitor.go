// Package monitor implements the Change Monitor: a set of file-watch
// descriptors over the drop-in directory, its "available" subdirectory,
// and the root config file, coalescing filesystem events into a set of
// changed basenames that internal/sm queries to decide between a cheap
// step and a full conf.Reload.
//
// finit itself drives this off raw inotify(7); here it is backed by
// github.com/fsnotify/fsnotify, which already resolves the
// named-vs-unnamed event distinction (a directory watch's events always
// carry the changed entry's full path, and so does a single-file
// watch's), so the pinned basename falls out of filepath.Base on every
// event rather than needing a separate code path per watch kind.
package monitor

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/containerd/log"
)

// Monitor owns the fsnotify watcher and the coalesced change set.
type Monitor struct {
	watcher *fsnotify.Watcher

	mu      sync.Mutex
	changed map[string]struct{}

	startOnce sync.Once
	started   bool
	done      chan struct{}
}

// New creates a Monitor with no watches yet registered. Call AddWatch
// for each target, then Start to begin draining events.
func New() (*Monitor, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Monitor{
		watcher: w,
		changed: make(map[string]struct{}),
		done:    make(chan struct{}),
	}, nil
}

// AddWatch registers a watch on path. If path does not exist, AddWatch
// returns (false, nil): absence is a supported configuration (a user may
// legitimately lack a drop-in directory or an "available" subdirectory).
// A (true, err) result means the target exists but the watch could not
// be created -- the caller is expected to log it and count it toward
// conf_monitor's non-fatal failure tally.
func (m *Monitor) AddWatch(path string) (existed bool, err error) {
	if _, statErr := os.Stat(path); statErr != nil {
		return false, nil
	}
	if err := m.watcher.Add(path); err != nil {
		return true, err
	}
	return true, nil
}

// Start begins draining filesystem events into the change set until ctx
// is canceled or Close is called. Safe to call at most meaningfully
// once; later calls are no-ops.
func (m *Monitor) Start(ctx context.Context) {
	m.startOnce.Do(func() {
		m.started = true
		go m.loop(ctx)
	})
}

func (m *Monitor) loop(ctx context.Context) {
	defer close(m.done)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			m.apply(ev)
		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			log.L.WithError(err).Warn("conf monitor: watcher error")
		}
	}
}

// apply mutates the change set per the event table: create, modify
// (Write), attrib (Chmod) and move-in (Create of the new name under a
// Rename) insert; delete (Remove) and move-out (Rename of the old name)
// remove. Second insertion of the same name is a no-op (map semantics),
// and a delete of a name never seen is also a no-op.
func (m *Monitor) apply(ev fsnotify.Event) {
	name := filepath.Base(ev.Name)

	m.mu.Lock()
	defer m.mu.Unlock()

	switch {
	case ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		delete(m.changed, name)
	case ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Chmod) != 0:
		m.changed[name] = struct{}{}
	}
}

// Changed extracts the trailing basename of path and reports whether it
// is a member of the change set.
func (m *Monitor) Changed(path string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.changed[filepath.Base(path)]
	return ok
}

// AnyChange reports whether the change set is non-empty, backing
// conf_any_change().
func (m *Monitor) AnyChange() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.changed) > 0
}

// DropChanges clears the change set; called once a reload has
// successfully consumed it.
func (m *Monitor) DropChanges() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.changed = make(map[string]struct{})
}

// Close releases the underlying fsnotify watcher and waits for the
// drain loop to exit, so tests can assert no goroutine leaks.
func (m *Monitor) Close() error {
	err := m.watcher.Close()
	if m.started {
		<-m.done
	}
	return err
}
