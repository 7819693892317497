// Package sm implements the supervisor's state machine: six states
// (bootstrap, running, runlevel_change, runlevel_wait, reload_change,
// reload_wait) driven by a Step method that re-enters itself until a
// pass produces no further transition -- a fixed-point loop.
//
// Mirrors finit's own sm.c sm_step()/SM_RUNNING/SM_RUNLEVEL_CHANGE/...
// switch, translated into one method per state rather than a single
// large switch, in the style a daemon wires its startup phases as
// discrete ordered steps.
package sm

import (
	"context"

	"github.com/containerd/log"

	"github.com/mdnour/finit/internal/cond"
	"github.com/mdnour/finit/internal/conf"
	"github.com/mdnour/finit/internal/finitctx"
	"github.com/mdnour/finit/internal/hooks"
	"github.com/mdnour/finit/internal/monitor"
	"github.com/mdnour/finit/internal/service"
	"github.com/mdnour/finit/internal/shutdown"
	"github.com/mdnour/finit/internal/tty"
)

// State is one of the six supervisor states.
type State int

const (
	Bootstrap State = iota
	Running
	RunlevelChange
	RunlevelWait
	ReloadChange
	ReloadWait
)

func (s State) String() string {
	switch s {
	case Bootstrap:
		return "bootstrap"
	case Running:
		return "running"
	case RunlevelChange:
		return "runlevel_change"
	case RunlevelWait:
		return "runlevel_wait"
	case ReloadChange:
		return "reload_change"
	case ReloadWait:
		return "reload_wait"
	default:
		return "unknown"
	}
}

// Machine holds the six-state supervisor loop and its collaborators.
// All exported fields are external collaborators; Machine itself owns
// only state, target (the requested runlevel), in_teardown and the
// pending reload request.
type Machine struct {
	Ctx      *finitctx.Context
	Conf     *conf.Parser
	Mon      *monitor.Monitor
	Services *service.Registry
	TTYs     *tty.Registry
	Cond     cond.Reloader
	Notifier shutdown.Notifier

	state      State
	target     int
	inTeardown bool

	reloadRequested bool
}

// New builds a Machine in the bootstrap state. target starts equal to
// Ctx.Runlevel so no spurious runlevel_change is queued before the
// first Step.
func New(ctx *finitctx.Context, parser *conf.Parser, mon *monitor.Monitor, svcs *service.Registry, ttys *tty.Registry, c cond.Reloader, notifier shutdown.Notifier) *Machine {
	return &Machine{
		Ctx:      ctx,
		Conf:     parser,
		Mon:      mon,
		Services: svcs,
		TTYs:     ttys,
		Cond:     c,
		Notifier: notifier,
		state:    Bootstrap,
		target:   ctx.Runlevel,
	}
}

// State reports the current state, for tests and introspection.
func (m *Machine) State() State { return m.state }

// InTeardown reports whether the current runlevel/reload transition is
// still tearing down the previous configuration: while true, no
// StepAll call issued during that step starts any service.
func (m *Machine) InTeardown() bool { return m.inTeardown }

// RequestRunlevel queues a runlevel change for the next time Step
// observes the running state, matching a SIGUSR1/SIGUSR2/SIGRTMIN+n
// handler's effect.
func (m *Machine) RequestRunlevel(n int) { m.target = n }

// RequestReload forces a reload_change transition on the next running
// pass even if the change monitor's set is empty -- SIGHUP's effect.
func (m *Machine) RequestReload() { m.reloadRequested = true }

// Step drives the state machine forward until a pass makes no further
// transition, i.e. until it either reaches a quiescent running state
// or is blocked waiting on an external event (a service still
// stopping). Each call only ever advances; it never regresses state.
func (m *Machine) Step(ctx context.Context) {
	for m.stepOnce(ctx) {
	}
}

func (m *Machine) stepOnce(ctx context.Context) bool {
	switch m.state {
	case Bootstrap:
		return m.stepBootstrap(ctx)
	case Running:
		return m.stepRunning(ctx)
	case RunlevelChange:
		return m.stepRunlevelChange(ctx)
	case RunlevelWait:
		return m.stepRunlevelWait(ctx)
	case ReloadChange:
		return m.stepReloadChange(ctx)
	case ReloadWait:
		return m.stepReloadWait(ctx)
	default:
		return false
	}
}

// stepBootstrap performs the one-time initial config load, unconditionally
// fires the runlevel-S cohort (run/task/service entries whose bracket
// includes "S"), and goes straight to running -- no wait state here.
// Reaching cfglevel is not this step's job: it happens once something
// external (the CLI's first pass, a signal) calls RequestRunlevel and
// the running state's own check picks it up on the next Step.
func (m *Machine) stepBootstrap(ctx context.Context) bool {
	if err := m.Conf.Reload(ctx, m.Mon); err != nil {
		log.G(ctx).WithError(err).Warn("sm: bootstrap config load failed")
	}
	m.Services.StepAll(service.Run|service.Task|service.Service, m.Ctx.Runlevel, false)
	m.state = Running
	return true
}

// stepRunning is the steady idle state: a pending runlevel request
// takes priority over a pending reload, matching sm.c's check order.
func (m *Machine) stepRunning(ctx context.Context) bool {
	if m.target != m.Ctx.Runlevel {
		m.enterRunlevelChange(ctx)
		return true
	}
	if m.Mon.AnyChange() || m.reloadRequested {
		m.reloadRequested = false
		m.state = ReloadChange
		return true
	}
	return false
}

func (m *Machine) enterRunlevelChange(ctx context.Context) {
	m.Ctx.PrevLevel = m.Ctx.Runlevel
	m.Ctx.Runlevel = m.target
	m.state = RunlevelChange
}

// stepRunlevelChange implements the entry actions of SM_RUNLEVEL_CHANGE:
// log_exit + HOOK_SHUTDOWN for the two terminal runlevels, runlevel_set,
// the /etc/nologin policy, a conditional conf_reload, runtask cleanup,
// and a teardown-only service_step_all pass that stops what the new
// runlevel disallows without starting anything.
func (m *Machine) stepRunlevelChange(ctx context.Context) bool {
	prev, next := m.Ctx.PrevLevel, m.Ctx.Runlevel

	if next == 0 || next == 6 {
		m.Notifier.LogExit(ctx)
		hooks.Run(ctx, hooks.Shutdown)
	}

	m.Notifier.RunlevelSet(ctx, prev, next)
	shutdown.ApplyNologin(ctx, prev, next)

	if m.Mon.AnyChange() {
		if err := m.Conf.Reload(ctx, m.Mon); err != nil {
			log.G(ctx).WithError(err).Warn("sm: runlevel_change config reload failed")
		}
	}

	m.Services.RuntaskClean()
	m.inTeardown = true
	m.Services.StepAll(service.Any, next, true)

	m.state = RunlevelWait
	return true
}

// stepRunlevelWait blocks on svc_stop_completed: as long as any service
// is still in the Stopping state, this pass makes no progress and
// Step returns, waiting for an external reap to advance things. Once
// every teardown has completed, HOOK_RUNLEVEL_CHANGE fires, the
// teardown flag clears so service_step_all may now start what's
// allowed, dynamic entries are swept, and the terminal runlevels hand
// off to do_shutdown while the rest start ttys (but never right out of
// bootstrap, where prevlevel is still <= 0).
func (m *Machine) stepRunlevelWait(ctx context.Context) bool {
	if m.Services.StopCompleted() != nil {
		return false
	}

	hooks.Run(ctx, hooks.RunlevelChange)

	m.inTeardown = false
	next := m.Ctx.Runlevel
	m.Services.StepAll(service.Any, next, false)
	m.Services.CleanDynamic(logUnregisterSvc(ctx))
	m.TTYs.Clean()

	switch {
	case next == 0 || next == 6:
		m.Notifier.DoShutdown(ctx, shutdown.KindForRunlevel(next))
	case m.Ctx.PrevLevel > 0:
		m.TTYs.Runlevel(next)
	}

	m.state = Running
	return true
}

// stepReloadChange implements the entry actions of SM_RECONF_CHANGE:
// an unconditional conf_reload (unlike runlevel_change's conditional
// one), condition subsystem invalidation, and a teardown-only
// service_step_all restricted to Service|Inetd -- tasks and run-once
// jobs are not re-evaluated by a plain reload.
func (m *Machine) stepReloadChange(ctx context.Context) bool {
	if err := m.Conf.Reload(ctx, m.Mon); err != nil {
		log.G(ctx).WithError(err).Warn("sm: reload_change config reload failed")
	}

	m.inTeardown = true
	m.Cond.Reload()
	m.Services.StepAll(service.Service|service.Inetd, m.Ctx.Runlevel, true)
	m.TTYs.Reload(nil)

	m.state = ReloadWait
	return true
}

// stepReloadWait mirrors stepRunlevelWait's blocking check, then
// clears teardown, sweeps dynamic entries, steps services forward, and
// fires HOOK_SVC_RECONF followed by one more step pass so anything a
// reconf hook itself registered gets a chance to start in the same
// reload.
func (m *Machine) stepReloadWait(ctx context.Context) bool {
	if m.Services.StopCompleted() != nil {
		return false
	}

	m.inTeardown = false
	m.Services.CleanDynamic(logUnregisterSvc(ctx))
	m.TTYs.Clean()
	m.Services.StepAll(service.Service|service.Inetd, m.Ctx.Runlevel, false)

	hooks.Run(ctx, hooks.SvcReconf)
	m.Services.StepAll(service.Service|service.Inetd, m.Ctx.Runlevel, false)

	m.state = Running
	return true
}

func logUnregisterSvc(ctx context.Context) func(*service.Svc) {
	return func(s *service.Svc) {
		log.G(ctx).WithField("service", s.Name).Debug("sm: unregistering removed dynamic service")
	}
}
