package monitor

import (
	"context"

	"github.com/containerd/log"
)

// Watch sets up the three targets conf_monitor watches: the drop-in
// directory, its "available" subdirectory, and the root config file.
// Any one target failing to register is logged but does not fail the
// call overall; the return value is the count of watch-creation
// failures.
func (m *Monitor) Watch(ctx context.Context, rcsd, rcsdAvailable, rootConf string) int {
	failures := 0
	for _, target := range []string{rcsd, rcsdAvailable, rootConf} {
		existed, err := m.AddWatch(target)
		if !existed {
			continue
		}
		if err != nil {
			log.G(ctx).WithField("path", target).WithError(err).Warn("conf monitor: failed registering watch")
			failures++
		}
	}
	m.Start(ctx)
	return failures
}
