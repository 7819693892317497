// Package shutdown bundles the small set of OS-facing external
// collaborators the state machine drives around a runlevel transition
// -- runlevel_set, do_shutdown, log_exit -- plus the /etc/nologin
// policy, which is pure enough logic to live with its only caller's
// neighbors rather than in internal/sm itself.
package shutdown

import (
	"context"
	"os"

	"github.com/containerd/log"
)

// Kind is the halt_kind do_shutdown dispatches on.
type Kind int

const (
	Halt Kind = iota
	PowerOff
	Reboot
)

func (k Kind) String() string {
	switch k {
	case PowerOff:
		return "poweroff"
	case Reboot:
		return "reboot"
	default:
		return "halt"
	}
}

// KindForRunlevel maps the two terminal runlevels to their shutdown
// kind: 0 is halt/poweroff, 6 is reboot. Distinguishing halt from
// poweroff is a detail of the `shutdown` verb's stored command, which
// this core only stores and never interprets further; default to Halt.
func KindForRunlevel(runlevel int) Kind {
	if runlevel == 6 {
		return Reboot
	}
	return Halt
}

// Notifier is the external collaborator ABI: runlevel_set, do_shutdown,
// log_exit. The actual process-spawning and signaling mechanics are out
// of scope here; a real init process would block in do_shutdown until
// the kernel tears the machine down.
type Notifier interface {
	RunlevelSet(ctx context.Context, prev, next int)
	DoShutdown(ctx context.Context, kind Kind)
	LogExit(ctx context.Context)
}

// LogNotifier is the default Notifier: it only logs. It is sufficient
// for tests and for any environment where the real halt/reboot syscalls
// are intentionally out of scope of this core.
type LogNotifier struct{}

// RunlevelSet implements Notifier.
func (LogNotifier) RunlevelSet(ctx context.Context, prev, next int) {
	log.G(ctx).WithField("prev", prev).WithField("next", next).Info("runlevel changed")
}

// DoShutdown implements Notifier.
func (LogNotifier) DoShutdown(ctx context.Context, kind Kind) {
	log.G(ctx).WithField("kind", kind.String()).Info("shutdown requested")
}

// LogExit implements Notifier.
func (LogNotifier) LogExit(ctx context.Context) {
	log.G(ctx).Info("restoring terse console logging before shutdown")
}

// nologinPath is a var, not a const, so tests can point it at a
// scratch file instead of the real /etc/nologin.
var nologinPath = "/etc/nologin"

// ApplyNologin implements the nologin policy: create /etc/nologin iff
// the new runlevel is in {0,1,6}, erase it iff the previous runlevel is
// in {0,1,6}. Both may fire in the same transition's call (e.g. leaving
// single-user for halt).
func ApplyNologin(ctx context.Context, prev, next int) {
	if isNologinLevel(next) {
		if err := touch(nologinPath); err != nil {
			log.G(ctx).WithError(err).Warn("nologin: failed creating /etc/nologin")
		}
	}
	if isNologinLevel(prev) {
		if err := os.Remove(nologinPath); err != nil && !os.IsNotExist(err) {
			log.G(ctx).WithError(err).Warn("nologin: failed erasing /etc/nologin")
		}
	}
}

func isNologinLevel(level int) bool {
	return level == 0 || level == 1 || level == 6
}

func touch(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	return f.Close()
}
