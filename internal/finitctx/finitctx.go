// Package finitctx bundles the process-wide state finit keeps as loose
// global variables (runlevel, prevlevel, cfglevel, hostname, network,
// runparts, sdown, global_rlimit) into a single owned struct, threaded
// explicitly through the state machine and parser. No singleton exists:
// callers create one Context at startup and pass it explicitly.
package finitctx

import (
	"sync"

	"github.com/mdnour/finit/internal/rlimit"
)

// DefaultHostname is used until a config file or /etc/hostname
// overrides it, matching conf.c's DEFHOST fallback.
const DefaultHostname = "noname"

// Context is the single process-wide init context. All fields are
// touched only from the event loop goroutine; the mutex exists solely
// so that `finit config dump` (the CLI) can take a
// consistent read-only snapshot from outside that loop without racing.
type Context struct {
	mu sync.Mutex

	// Runlevel, PrevLevel and CfgLevel are owned exclusively by the
	// state machine (internal/sm) once bootstrap completes.
	Runlevel  int
	PrevLevel int
	CfgLevel  int

	// Hostname, Network, RunParts, Shutdown mirror finit.conf's
	// hostname/network/runparts/shutdown settables. Shutdown
	// ("sdown") and any `include` target are legal outside bootstrap;
	// the others are bootstrap-only, enforced by internal/conf.
	Hostname string
	Network  string
	RunParts string
	Shutdown string

	// GlobalRlimit is the baseline every per-file rlimit scratch
	// vector is cloned from, and the vector applied to the init
	// process itself after parsing the root config.
	GlobalRlimit rlimit.Vector
}

// New returns a freshly initialized Context: runlevel 0 (bootstrap),
// no previous level, default hostname, and cfglevel 2 (the same
// fallback conf.c uses when "runlevel" is never declared).
func New() *Context {
	return &Context{
		Runlevel:  0,
		PrevLevel: -1,
		CfgLevel:  2,
		Hostname:  DefaultHostname,
	}
}

// Snapshot is a lock-free, mutex-free value copy of Context, safe to
// read concurrently with the owning event loop and safe to copy by
// value itself (unlike Context, which embeds a sync.Mutex).
type Snapshot struct {
	Runlevel     int
	PrevLevel    int
	CfgLevel     int
	Hostname     string
	Network      string
	RunParts     string
	Shutdown     string
	GlobalRlimit rlimit.Vector
}

// Snapshot returns a value copy safe to read concurrently with the
// owning event loop, e.g. for `finit config dump`.
func (c *Context) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		Runlevel:     c.Runlevel,
		PrevLevel:    c.PrevLevel,
		CfgLevel:     c.CfgLevel,
		Hostname:     c.Hostname,
		Network:      c.Network,
		RunParts:     c.RunParts,
		Shutdown:     c.Shutdown,
		GlobalRlimit: c.GlobalRlimit,
	}
}

// WithLock runs fn while holding the snapshot mutex, for the rare
// mutation that must be visible atomically to a concurrent reader (the
// CLI's dump path). The event loop itself does not need this: it is the
// sole mutator and never races with itself.
func (c *Context) WithLock(fn func(*Context)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(c)
}

// Bootstrapping reports whether the context is still in runlevel 0,
// gating the BOOT-only verbs in internal/conf.
func (c *Context) Bootstrapping() bool {
	return c.Runlevel == 0
}
