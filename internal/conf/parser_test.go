package conf_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mdnour/finit/internal/conf"
	"github.com/mdnour/finit/internal/finitctx"
	"github.com/mdnour/finit/internal/rlimit"
	"github.com/mdnour/finit/internal/runlevel"
	"github.com/mdnour/finit/internal/service"
	"github.com/mdnour/finit/internal/tty"
)

func newParser(t *testing.T, rootConf string) *conf.Parser {
	t.Helper()
	rcsd := filepath.Join(t.TempDir(), "finit.d")
	require.NoError(t, os.MkdirAll(rcsd, 0755))
	return conf.New(finitctx.New(), service.New(), tty.New(), rootConf, rcsd)
}

func writeConf(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestParseRootStaticVerbsDuringBootstrap(t *testing.T) {
	dir := t.TempDir()
	root := writeConf(t, dir, "finit.conf", ""+
		"host myhost\n"+
		"network eth0\n"+
		"runparts /etc/finit.d/run\n"+
		"runlevel 3\n"+
		"shutdown /sbin/poweroff\n")

	p := newParser(t, root)
	require.NoError(t, p.ParseRoot(context.Background(), root))

	assert.Equal(t, "myhost", p.Ctx.Hostname)
	assert.Equal(t, "eth0", p.Ctx.Network)
	assert.Equal(t, "/etc/finit.d/run", p.Ctx.RunParts)
	assert.Equal(t, 3, p.Ctx.CfgLevel)
	assert.Equal(t, "/sbin/poweroff", p.Ctx.Shutdown)
}

func TestParseRootStaticVerbsIgnoredOutsideBootstrap(t *testing.T) {
	dir := t.TempDir()
	root := writeConf(t, dir, "finit.conf", "host myhost\n")

	p := newParser(t, root)
	p.Ctx.Runlevel = 2 // no longer bootstrapping

	require.NoError(t, p.ParseRoot(context.Background(), root))
	assert.Equal(t, finitctx.DefaultHostname, p.Ctx.Hostname)
}

func TestRunlevelVerbFallsBackToTwoOnSixOrGarbage(t *testing.T) {
	dir := t.TempDir()

	root := writeConf(t, dir, "a.conf", "runlevel 6\n")
	p := newParser(t, root)
	require.NoError(t, p.ParseRoot(context.Background(), root))
	assert.Equal(t, 2, p.Ctx.CfgLevel)

	root2 := writeConf(t, dir, "b.conf", "runlevel nope\n")
	p2 := newParser(t, root2)
	require.NoError(t, p2.ParseRoot(context.Background(), root2))
	assert.Equal(t, 2, p2.Ctx.CfgLevel)
}

func TestIncludeRecursesAndParsesStaticVerbs(t *testing.T) {
	dir := t.TempDir()
	included := writeConf(t, dir, "included.conf", "network br0\n")
	root := writeConf(t, dir, "finit.conf", "include "+included+"\n")

	p := newParser(t, root)
	require.NoError(t, p.ParseRoot(context.Background(), root))
	assert.Equal(t, "br0", p.Ctx.Network)
}

func TestIncludeMissingFileLogsAndContinues(t *testing.T) {
	dir := t.TempDir()
	root := writeConf(t, dir, "finit.conf", ""+
		"include "+filepath.Join(dir, "missing.conf")+"\n"+
		"host stillworks\n")

	p := newParser(t, root)
	require.NoError(t, p.ParseRoot(context.Background(), root))
	assert.Equal(t, "stillworks", p.Ctx.Hostname)
}

func TestServiceVerbRegistersWithRunlevelsAndCond(t *testing.T) {
	dir := t.TempDir()
	root := writeConf(t, dir, "finit.conf", "service [2345] <!net/route/default> /sbin/dhcpcd -- DHCP client\n")

	p := newParser(t, root)
	require.NoError(t, p.ParseRoot(context.Background(), root))

	svc, ok := p.Services.Lookup("dhcpcd")
	require.True(t, ok)
	assert.Equal(t, service.Service, svc.Kind)
	assert.Equal(t, "/sbin/dhcpcd", svc.Cmd)
	assert.Equal(t, "net/route/default", svc.Cond)
	assert.False(t, svc.Sighup)
	assert.True(t, runlevel.Allows(svc.Runlevels, 2))
	assert.False(t, runlevel.Allows(svc.Runlevels, 1))
}

func TestServiceWithoutCondDefaultsSighupTrue(t *testing.T) {
	dir := t.TempDir()
	root := writeConf(t, dir, "finit.conf", "service /sbin/syslogd\n")

	p := newParser(t, root)
	require.NoError(t, p.ParseRoot(context.Background(), root))

	svc, ok := p.Services.Lookup("syslogd")
	require.True(t, ok)
	assert.True(t, svc.Sighup)
	assert.Equal(t, runlevel.Default, svc.Runlevels)
}

func TestTaskAndRunVerbsRegisterDistinctKinds(t *testing.T) {
	dir := t.TempDir()
	root := writeConf(t, dir, "finit.conf", ""+
		"task /bin/fsck -- check filesystems\n"+
		"run /bin/mount -a -- mount all\n")

	p := newParser(t, root)
	require.NoError(t, p.ParseRoot(context.Background(), root))

	fsck, ok := p.Services.Lookup("fsck")
	require.True(t, ok)
	assert.Equal(t, service.Task, fsck.Kind)

	mount, ok := p.Services.Lookup("mount")
	require.True(t, ok)
	assert.Equal(t, service.Run, mount.Kind)
	assert.Equal(t, []string{"-a"}, mount.Args)
}

func TestInetdVerbDisabledLogsAndIgnores(t *testing.T) {
	dir := t.TempDir()
	root := writeConf(t, dir, "finit.conf", "inetd /usr/sbin/in.tftpd\n")

	old := conf.InetdEnabled
	conf.InetdEnabled = false
	defer func() { conf.InetdEnabled = old }()

	p := newParser(t, root)
	require.NoError(t, p.ParseRoot(context.Background(), root))

	_, ok := p.Services.Lookup("in.tftpd")
	assert.False(t, ok)
}

func TestRlimitVerbMutatesVectorSeenByLaterService(t *testing.T) {
	dir := t.TempDir()
	root := writeConf(t, dir, "finit.conf", ""+
		"rlimit hard nofile 1024\n"+
		"service /sbin/httpd\n")

	p := newParser(t, root)
	require.NoError(t, p.ParseRoot(context.Background(), root))

	svc, ok := p.Services.Lookup("httpd")
	require.True(t, ok)
	idx := rlimit.Str2Rlim("nofile")
	assert.Equal(t, uint64(1024), svc.Rlimit[idx].Max)
}

func TestTTYVerbRegisters(t *testing.T) {
	dir := t.TempDir()
	root := writeConf(t, dir, "finit.conf", "tty [12345] /sbin/getty -L 115200 ttyS0 vt100\n")

	p := newParser(t, root)
	require.NoError(t, p.ParseRoot(context.Background(), root))

	assert.Equal(t, 1, p.TTYs.Len())
}

func TestReloadParsesDropInsInSortedOrderAndCleansRemoved(t *testing.T) {
	dir := t.TempDir()
	root := writeConf(t, dir, "finit.conf", "")
	p := newParser(t, root)

	writeConf(t, p.RCSD, "10-a.conf", "service /bin/a\n")
	writeConf(t, p.RCSD, "20-b.conf", "service /bin/b\n")

	require.NoError(t, p.Reload(context.Background(), nil))
	assert.Equal(t, 2, p.Services.Len())

	require.NoError(t, os.Remove(filepath.Join(p.RCSD, "20-b.conf")))
	require.NoError(t, p.Reload(context.Background(), nil))
	// Reload only marks; the sweep is the state machine's wait-state step.
	p.Services.CleanDynamic(nil)

	_, ok := p.Services.Lookup("a")
	assert.True(t, ok)
	_, ok = p.Services.Lookup("b")
	assert.False(t, ok)
}

func TestReloadIgnoresNonConfAndDirEntries(t *testing.T) {
	dir := t.TempDir()
	root := writeConf(t, dir, "finit.conf", "")
	p := newParser(t, root)

	writeConf(t, p.RCSD, "README", "service /bin/readme\n")
	require.NoError(t, os.MkdirAll(filepath.Join(p.RCSD, "available"), 0755))
	writeConf(t, p.RCSD, "10-real.conf", "service /bin/real\n")

	require.NoError(t, p.Reload(context.Background(), nil))

	_, ok := p.Services.Lookup("readme")
	assert.False(t, ok)
	_, ok = p.Services.Lookup("real")
	assert.True(t, ok)
}

func TestParseCondNilServiceLogsAndNoops(t *testing.T) {
	// Must not panic.
	conf.ParseCond(context.Background(), nil, "!net/route/default")
}

func TestParseCondTooLongLeavesCondEmptyButAppliesSighup(t *testing.T) {
	dir := t.TempDir()
	root := writeConf(t, dir, "finit.conf", "")
	p := newParser(t, root)

	svc := p.Services.Register(service.Service, "x", "/bin/x", nil, runlevel.Default, "", true, rlimit.Vector{}, "")
	long := ""
	for i := 0; i < 80; i++ {
		long += "a"
	}
	conf.ParseCond(context.Background(), svc, "!"+long+">")

	assert.Equal(t, "", svc.Cond)
	assert.False(t, svc.Sighup)
}
