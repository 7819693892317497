// Package tty is the external collaborator for the TTY registry
// (tty_register, tty_mark, tty_reload, tty_runlevel): out of scope at
// the process level (no getty is actually spawned here), given a
// concrete body so internal/conf and internal/sm have something to
// drive and test against.
package tty

import (
	"sync"

	"github.com/google/uuid"

	"github.com/mdnour/finit/internal/rlimit"
)

// Entry is one registered getty/terminal line.
type Entry struct {
	ID        string
	Name      string
	Runlevels int
	Rlimit    rlimit.Vector
	Origin    string

	Running bool
	marked  bool
}

// Registry is the in-memory TTY table, mirroring internal/service's
// mark-and-sweep shape.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*Entry
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{entries: make(map[string]*Entry)}
}

// Register adds or replaces a tty line, clearing any removal mark left
// by a prior Mark (tty_register).
func (r *Registry) Register(desc string, runlevels int, rl rlimit.Vector, origin string) *Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[desc]; ok {
		e.Runlevels = runlevels
		e.Rlimit = rl
		e.Origin = origin
		e.marked = false
		return e
	}

	e := &Entry{ID: uuid.New().String(), Name: desc, Runlevels: runlevels, Rlimit: rl, Origin: origin}
	r.entries[desc] = e
	return e
}

// Mark marks every entry as a sweep-phase removal candidate (tty_mark).
func (r *Registry) Mark() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		e.marked = true
	}
}

// Clean removes every entry still marked after a reload's parse phase.
func (r *Registry) Clean() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, e := range r.entries {
		if e.marked {
			delete(r.entries, name)
		}
	}
}

// Reload is tty_reload(NULL): re-evaluate every tty line against the
// current configuration, stopping each line that the reload left
// marked (no longer declared); the mark stays for Clean to sweep. A
// non-nil name would target just one line; this core only ever calls
// it with the equivalent of NULL.
func (r *Registry) Reload(name *string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for n, e := range r.entries {
		if name != nil && n != *name {
			continue
		}
		if e.marked {
			e.Running = false
		}
	}
}

// Runlevel starts getty on every line allowed in runlevel (tty_runlevel).
// This is never called while coming out of bootstrap (prevlevel <= 0);
// callers are expected to honor that themselves.
func (r *Registry) Runlevel(runlevel int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.entries {
		e.Running = e.Runlevels&(1<<runlevel) != 0
	}
}

// Len reports the number of registered lines, for tests.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
