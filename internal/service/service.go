// Package service is the external collaborator for the service
// registry: implementing service supervision itself is out of scope
// for this core, but the interface it calls through (service_register,
// service_step_all, svc_stop_completed, svc_clean_dynamic,
// svc_mark_dynamic, service_unregister, service_runtask_clean) is not.
// This package gives that interface a minimal, deterministic in-memory
// body so internal/sm and internal/conf can be exercised and tested
// without a real process supervisor underneath.
package service

import (
	"sync"

	"github.com/google/uuid"

	"github.com/mdnour/finit/internal/rlimit"
)

// Kind is a bitmask over the four dynamic entity kinds finit.conf can
// register, matching the SVC_TYPE_* bitmask service_step_all filters on.
type Kind int

const (
	Service Kind = 1 << iota
	Task
	Run
	Inetd

	Any = Service | Task | Run | Inetd
)

// State is the lifecycle state of one registered entity. The full state
// diagram (STARTING/RUNNING/STOPPING/...) belongs to the real service
// supervisor; this package only needs enough states to drive
// StepAll/StopCompleted deterministically for tests.
type State int

const (
	Halted State = iota
	Waiting
	Running
	Stopping
)

// Svc is one registered service/task/run/inetd entry.
type Svc struct {
	ID        string
	Kind      Kind
	Name      string
	Cmd       string
	Args      []string
	Runlevels int
	Cond      string
	Sighup    bool
	Rlimit    rlimit.Vector
	Origin    string

	State   State
	Dynamic bool
	Ran     bool // true once a Run-kind entry has completed its one shot
	marked  bool // sweep-phase "candidate for removal" flag
}

// Registry is the in-memory service table. All methods assume
// single-threaded use from the state-machine/parser event loop; the
// mutex only guards against a concurrent debug introspection read
// (e.g. a future "finit status" command).
type Registry struct {
	mu   sync.Mutex
	svcs map[string]*Svc
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{svcs: make(map[string]*Svc)}
}

// Register adds or replaces a dynamic entity. Re-registering a name
// that was marked by MarkDynamic clears its removal mark: a config
// entry that survives a reload is never swept away as stale.
func (r *Registry) Register(kind Kind, name, cmd string, args []string, runlevels int, cond string, sighup bool, rl rlimit.Vector, origin string) *Svc {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.svcs[name]; ok {
		existing.Kind = kind
		existing.Cmd = cmd
		existing.Args = args
		existing.Runlevels = runlevels
		existing.Cond = cond
		existing.Sighup = sighup
		existing.Rlimit = rl
		existing.Origin = origin
		existing.marked = false
		return existing
	}

	svc := &Svc{
		ID:        uuid.New().String(),
		Kind:      kind,
		Name:      name,
		Cmd:       cmd,
		Args:      args,
		Runlevels: runlevels,
		Cond:      cond,
		Sighup:    sighup,
		Rlimit:    rl,
		Origin:    origin,
		State:     Halted,
		Dynamic:   true,
	}
	r.svcs[name] = svc
	return svc
}

// MarkDynamic marks every dynamic entry as a candidate for removal; the
// sweep phase of a reload.
func (r *Registry) MarkDynamic() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.svcs {
		if s.Dynamic {
			s.marked = true
		}
	}
}

// CleanDynamic unregisters every entry still marked (i.e. not
// re-registered during the reload's parse phase), invoking unregister
// for each one first.
func (r *Registry) CleanDynamic(unregister func(*Svc)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, s := range r.svcs {
		if s.marked {
			if unregister != nil {
				unregister(s)
			}
			delete(r.svcs, name)
		}
	}
}

// Unregister removes one entry immediately (service_unregister).
func (r *Registry) Unregister(s *Svc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.svcs, s.Name)
}

// RuntaskClean resets the "ran once" marker on RUN-type services,
// called at the top of every runlevel change.
func (r *Registry) RuntaskClean() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.svcs {
		if s.Kind == Run {
			s.Ran = false
		}
	}
}

// StepAll asks every entry matching kinds to converge toward its
// desired state. When inTeardown is true, entries no longer allowed in
// runlevel must only move toward Stopping/Halted, never Running: while
// teardown is in progress, no StepAll call starts any service.
func (r *Registry) StepAll(kinds Kind, runlevel int, inTeardown bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.svcs {
		if s.Kind&kinds == 0 {
			continue
		}

		allowed := s.Runlevels&(1<<runlevel) != 0
		switch {
		case !allowed && s.State == Running:
			s.State = Stopping
		case !allowed:
			s.State = Halted
		case inTeardown:
			// Allowed in this runlevel, but we're still tearing
			// down the previous one: leave it alone.
		case s.State == Halted || s.State == Waiting:
			s.State = Running
		}
	}
}

// StopCompleted returns a service still in Stopping state, or nil if
// none remain -- svc_stop_completed's "non-null reference" contract.
// Iteration order over a Go map is intentionally randomized; which
// still-stopping service is reported first is an implementation detail
// of the external registry, not something callers may depend on.
func (r *Registry) StopCompleted() *Svc {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.svcs {
		if s.State == Stopping {
			return s
		}
	}
	return nil
}

// FinishStop transitions a stopping service to Halted, standing in for
// the real supervisor's SIGCHLD-driven reap.
func (r *Registry) FinishStop(s *Svc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s.State = Halted
}

// Len reports the number of registered entries, for tests.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.svcs)
}

// Lookup returns the entry registered under name, if any.
func (r *Registry) Lookup(name string) (*Svc, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.svcs[name]
	return s, ok
}
