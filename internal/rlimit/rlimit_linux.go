//go:build linux

package rlimit

import (
	"github.com/containerd/log"
	"golang.org/x/sys/unix"
)

func init() {
	register("as", unix.RLIMIT_AS)
	register("core", unix.RLIMIT_CORE)
	register("cpu", unix.RLIMIT_CPU)
	register("data", unix.RLIMIT_DATA)
	register("fsize", unix.RLIMIT_FSIZE)
	register("locks", unix.RLIMIT_LOCKS)
	register("memlock", unix.RLIMIT_MEMLOCK)
	register("msgqueue", unix.RLIMIT_MSGQUEUE)
	register("nice", unix.RLIMIT_NICE)
	register("nofile", unix.RLIMIT_NOFILE)
	register("nproc", unix.RLIMIT_NPROC)
	register("rss", unix.RLIMIT_RSS)
	register("rtprio", unix.RLIMIT_RTPRIO)
	register("rttime", unix.RLIMIT_RTTIME)
	register("sigpending", unix.RLIMIT_SIGPENDING)
	register("stack", unix.RLIMIT_STACK)
}

// Snapshot reads the current process's OS limits into v, one getrlimit(2)
// call per recognized resource. Matches conf.c's parse_conf() prelude.
func Snapshot(v *Vector) {
	for _, r := range table {
		var rl unix.Rlimit
		if err := unix.Getrlimit(r.index, &rl); err != nil {
			log.L.WithError(err).WithField("resource", r.name).Warn("rlimit: failed reading current limit")
			continue
		}
		v[r.index] = Pair{Cur: rl.Cur, Max: rl.Max}
	}
}

// Apply issues setrlimit(2) for every recognized resource in v, logging
// but not failing on individual errors.
func Apply(v Vector) {
	for _, r := range table {
		p := v[r.index]
		rl := unix.Rlimit{Cur: p.Cur, Max: p.Max}
		if err := unix.Setrlimit(r.index, &rl); err != nil {
			log.L.WithField("resource", r.name).Warnf("rlimit: failed setting %s: %v", r.name, err)
		}
	}
}
