// Package hooks is the plugin hook dispatcher the state machine calls
// out to at shutdown, at the end of a runlevel change, and after a
// reload reconfigures running services. It's built around
// github.com/containerd/plugin's registration pattern: each hook point
// is a plugin.Type, individual hooks register themselves against it,
// and internal/sm calls Run(ctx, point) at those three junctures.
package hooks

import (
	"context"
	"sort"

	"github.com/containerd/log"
	"github.com/containerd/plugin"
	"github.com/containerd/plugin/registry"
)

// The three hook points the state machine dispatches to.
const (
	Shutdown       plugin.Type = "io.finit.hook.shutdown"
	RunlevelChange plugin.Type = "io.finit.hook.runlevel-change"
	SvcReconf      plugin.Type = "io.finit.hook.svc-reconf"
)

// Hook is what a hook plugin's InitFn must return: something runnable
// on every dispatch, not just once at process start. This is the one
// place this package departs from containerd/plugin's own "InitFn runs
// once, produces a long-lived instance" convention -- here InitFn
// performs one-time setup (e.g. capturing a logger or a file handle)
// and returns the Hook closure that setup produced.
type Hook interface {
	Run(ctx context.Context) error
}

// byPoint indexes registrations by hook point (appended in registration
// order, re-sorted by ID in place by Run), so
// Run can dispatch without relying on a particular registry.Graph filter
// signature -- registry.Register itself is still the system of record
// for plugin discoverability (Registration.Type/ID/Requires), this index
// only serves invocation.
var byPoint = map[plugin.Type][]*plugin.Registration{}

// Register adds a hook implementation under the given point and id. It
// both calls registry.Register (so the hook participates in whatever
// else inspects the global plugin registry) and records the
// registration locally for dispatch.
func Register(point plugin.Type, id string, requires []plugin.Type, initFn func(*plugin.InitContext) (interface{}, error)) {
	reg := &plugin.Registration{
		Type:     point,
		ID:       id,
		Requires: requires,
		InitFn:   initFn,
	}
	registry.Register(reg)
	byPoint[point] = append(byPoint[point], reg)
}

// Run dispatches every hook registered at point, in ascending ID order
// (a stable sort by ID, applied to the point's index on each call). Each hook is initialized
// fresh on every call: hooks are expected to be cheap and idempotent, a
// synchronous fan-out with no persistent plugin state of its own.
func Run(ctx context.Context, point plugin.Type) {
	regs := byPoint[point]
	sort.SliceStable(regs, func(i, j int) bool { return regs[i].ID < regs[j].ID })

	for _, reg := range regs {
		ic := &plugin.InitContext{
			Context:    ctx,
			Properties: map[string]string{},
			Meta:       &plugin.Meta{Exports: map[string]string{}},
		}

		out, err := reg.InitFn(ic)
		if err != nil {
			log.G(ctx).WithField("hook", reg.ID).WithError(err).Warn("hook init failed")
			continue
		}

		h, ok := out.(Hook)
		if !ok || h == nil {
			continue
		}

		if err := h.Run(ctx); err != nil {
			log.G(ctx).WithField("hook", reg.ID).WithError(err).Warn("hook run failed")
		}
	}
}
