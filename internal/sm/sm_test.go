package sm_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mdnour/finit/internal/cond"
	"github.com/mdnour/finit/internal/conf"
	"github.com/mdnour/finit/internal/finitctx"
	"github.com/mdnour/finit/internal/monitor"
	"github.com/mdnour/finit/internal/service"
	"github.com/mdnour/finit/internal/shutdown"
	"github.com/mdnour/finit/internal/sm"
	"github.com/mdnour/finit/internal/tty"
)

type recordingNotifier struct {
	shutdowns  int
	lastKind   shutdown.Kind
	runlevels  [][2]int
	exitLogged int
}

func (r *recordingNotifier) RunlevelSet(_ context.Context, prev, next int) {
	r.runlevels = append(r.runlevels, [2]int{prev, next})
}
func (r *recordingNotifier) DoShutdown(_ context.Context, kind shutdown.Kind) {
	r.shutdowns++
	r.lastKind = kind
}
func (r *recordingNotifier) LogExit(_ context.Context) { r.exitLogged++ }

func newMachine(t *testing.T, rootConfBody string) (*sm.Machine, *service.Registry, *recordingNotifier) {
	t.Helper()
	dir := t.TempDir()
	root := filepath.Join(dir, "finit.conf")
	require.NoError(t, os.WriteFile(root, []byte(rootConfBody), 0644))
	rcsd := filepath.Join(dir, "finit.d")
	require.NoError(t, os.MkdirAll(rcsd, 0755))

	ctx := finitctx.New()
	svcs := service.New()
	ttys := tty.New()
	parser := conf.New(ctx, svcs, ttys, root, rcsd)

	mon, err := monitor.New()
	require.NoError(t, err)
	t.Cleanup(func() { mon.Close() })

	notifier := &recordingNotifier{}
	m := sm.New(ctx, parser, mon, svcs, ttys, cond.Noop{}, notifier)
	return m, svcs, notifier
}

// bootToCfglevel drives a freshly-constructed Machine past bootstrap
// (which only loads the config and fires the runlevel-S cohort, landing
// in running at runlevel 0) and then requests cfglevel exactly like an
// external caller (the CLI's startup sequence, a signal) would.
func bootToCfglevel(t *testing.T, m *sm.Machine, ctx context.Context) {
	t.Helper()
	m.Step(ctx)
	require.Equal(t, sm.Running, m.State())
	require.Equal(t, 0, m.Ctx.Runlevel)

	m.RequestRunlevel(m.Ctx.CfgLevel)
	m.Step(ctx)
}

func TestBootstrapReachesRunningAtRunlevelZero(t *testing.T) {
	m, _, notifier := newMachine(t, "runlevel 2\nservice /sbin/syslogd\n")

	m.Step(context.Background())

	assert.Equal(t, sm.Running, m.State())
	assert.Equal(t, 0, m.Ctx.Runlevel)
	assert.Equal(t, 2, m.Ctx.CfgLevel)
	assert.Empty(t, notifier.runlevels)
}

func TestBootstrapFiresRunlevelSCohort(t *testing.T) {
	m, svcs, _ := newMachine(t, "runlevel 2\nservice [S] /sbin/early -- bootstrap-only job\n")

	m.Step(context.Background())

	svc, ok := svcs.Lookup("early")
	require.True(t, ok)
	assert.Equal(t, service.Running, svc.State)
}

func TestCfglevelRequestDrivesRunlevelChangeAfterBootstrap(t *testing.T) {
	m, _, notifier := newMachine(t, "runlevel 2\nservice /sbin/syslogd\n")

	bootToCfglevel(t, m, context.Background())

	assert.Equal(t, sm.Running, m.State())
	assert.Equal(t, 2, m.Ctx.Runlevel)
	require.Len(t, notifier.runlevels, 1)
	assert.Equal(t, [2]int{0, 2}, notifier.runlevels[0])
}

func TestBootstrapStartsAllowedServices(t *testing.T) {
	m, svcs, _ := newMachine(t, "runlevel 2\nservice [2345] /sbin/syslogd\n")
	bootToCfglevel(t, m, context.Background())

	svc, ok := svcs.Lookup("syslogd")
	require.True(t, ok)
	assert.Equal(t, service.Running, svc.State)
}

func TestTeardownNeverStartsServices(t *testing.T) {
	m, svcs, _ := newMachine(t, "runlevel 2\nservice [1] /sbin/single -- single-user only\n")

	// [1]-only is disallowed at the bootstrap target (runlevel 2): the
	// teardown-only service_step_all pass in runlevel_change must never
	// flip it to Running, and it stays disallowed once teardown ends too.
	bootToCfglevel(t, m, context.Background())

	svc, ok := svcs.Lookup("single")
	require.True(t, ok)
	assert.Equal(t, sm.Running, m.State())
	assert.NotEqual(t, service.Running, svc.State)
}

func TestRunlevelWaitBlocksOnStoppingService(t *testing.T) {
	m, svcs, notifier := newMachine(t, "runlevel 2\nservice [2] /sbin/keep\n")
	ctx := context.Background()
	bootToCfglevel(t, m, ctx) // bootstrap -> running, service started at level 2

	svc, ok := svcs.Lookup("keep")
	require.True(t, ok)
	require.Equal(t, service.Running, svc.State)

	// Request a move to runlevel 3, where [2]-only "keep" is disallowed.
	m.RequestRunlevel(3)
	m.Step(ctx)

	assert.Equal(t, sm.RunlevelWait, m.State())
	assert.Equal(t, service.Stopping, svc.State)
	assert.Equal(t, 0, notifier.shutdowns)

	// Simulate the external reap completing, then resume.
	svcs.FinishStop(svc)
	m.Step(ctx)
	assert.Equal(t, sm.Running, m.State())
	assert.Equal(t, 3, m.Ctx.Runlevel)
}

func TestShutdownPathCallsDoShutdownOnceAndSkipsTtyRunlevel(t *testing.T) {
	m, _, notifier := newMachine(t, "runlevel 2\n")
	ctx := context.Background()
	bootToCfglevel(t, m, ctx)
	require.Equal(t, sm.Running, m.State())

	m.RequestRunlevel(0)
	m.Step(ctx)

	assert.Equal(t, sm.Running, m.State())
	assert.Equal(t, 1, notifier.shutdowns)
	assert.Equal(t, shutdown.Halt, notifier.lastKind)
	assert.Equal(t, 1, notifier.exitLogged)
}

func TestRebootUsesRebootKind(t *testing.T) {
	m, _, notifier := newMachine(t, "runlevel 2\n")
	ctx := context.Background()
	bootToCfglevel(t, m, ctx)

	m.RequestRunlevel(6)
	m.Step(ctx)

	assert.Equal(t, shutdown.Reboot, notifier.lastKind)
}

func TestReloadRequestDrivesReloadChangeAndBackToRunning(t *testing.T) {
	m, svcs, _ := newMachine(t, "runlevel 2\nservice /sbin/syslogd\n")
	ctx := context.Background()
	bootToCfglevel(t, m, ctx)
	require.Equal(t, sm.Running, m.State())

	m.RequestReload()
	m.Step(ctx)

	assert.Equal(t, sm.Running, m.State())
	svc, ok := svcs.Lookup("syslogd")
	require.True(t, ok)
	assert.Equal(t, service.Running, svc.State)
}

func TestInTeardownReflectsCurrentPhase(t *testing.T) {
	m, _, _ := newMachine(t, "runlevel 2\n")
	assert.False(t, m.InTeardown())
}
