//go:build linux

// Package signals implements the signal-driven request surface: SIGHUP
// forces a reload, SIGUSR1/SIGUSR2 request the two terminal runlevels,
// and SIGRTMIN+n (n in 1..9) requests runlevel n -- the same mapping
// finit's own signal handler uses, translated from a raw sigaction
// table into a Go os/signal channel.
//
// Signal name lookup (e.g. validating a user-supplied signal name
// before arming a handler for it) is grounded on
// github.com/moby/sys/signal's SignalMap/ParseSignal, aliased here to
// avoid colliding with the standard library's os/signal package.
package signals

import (
	"context"
	"os"
	stdsignal "os/signal"
	"syscall"

	"github.com/containerd/log"
	mobysignal "github.com/moby/sys/signal"
	"golang.org/x/sys/unix"

	"github.com/mdnour/finit/internal/sm"
)

// Handler owns the signal channel and the state machine it drives.
type Handler struct {
	Machine *sm.Machine

	// OnRequest, if set, is called after every signal that queued a
	// request on Machine. The event loop in cmd/finit wires this to
	// Machine.Step so a runlevel/reload request takes effect as soon as
	// it arrives, instead of waiting for some other unrelated trigger.
	OnRequest func(ctx context.Context)
}

// New builds a Handler bound to m.
func New(m *sm.Machine) *Handler {
	return &Handler{Machine: m}
}

// Listen blocks, translating incoming signals into Machine requests and
// invoking OnRequest after each one, until ctx is canceled.
func (h *Handler) Listen(ctx context.Context) {
	ch := make(chan os.Signal, 16)

	watched := []os.Signal{syscall.SIGHUP, syscall.SIGUSR1, syscall.SIGUSR2}
	rtmin := unix.SIGRTMIN()
	for n := 1; n <= 9; n++ {
		watched = append(watched, rtmin+syscall.Signal(n))
	}

	stdsignal.Notify(ch, watched...)
	defer stdsignal.Stop(ch)

	for {
		select {
		case <-ctx.Done():
			return
		case s := <-ch:
			h.handle(ctx, s)
			if h.OnRequest != nil {
				h.OnRequest(ctx)
			}
		}
	}
}

func (h *Handler) handle(ctx context.Context, s os.Signal) {
	switch s {
	case syscall.SIGHUP:
		log.G(ctx).Info("signals: SIGHUP, requesting reload")
		h.Machine.RequestReload()
		return
	case syscall.SIGUSR1:
		log.G(ctx).Info("signals: SIGUSR1, requesting runlevel 0")
		h.Machine.RequestRunlevel(0)
		return
	case syscall.SIGUSR2:
		log.G(ctx).Info("signals: SIGUSR2, requesting runlevel 6")
		h.Machine.RequestRunlevel(6)
		return
	}

	sig, ok := s.(syscall.Signal)
	if !ok {
		return
	}
	if n := int(sig - unix.SIGRTMIN()); n >= 1 && n <= 9 {
		log.G(ctx).WithField("runlevel", n).Info("signals: SIGRTMIN+n, requesting runlevel")
		h.Machine.RequestRunlevel(n)
		return
	}

	log.G(ctx).WithField("signal", s).Debug("signals: ignoring unrecognized signal")
}

// ParseRequestedSignal validates a user-supplied signal name (e.g. from
// a debug CLI flag), delegating to moby/sys/signal's name table rather
// than hand-rolling one.
func ParseRequestedSignal(name string) (syscall.Signal, error) {
	return mobysignal.ParseSignal(name)
}
