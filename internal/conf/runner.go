package conf

import (
	"context"

	"github.com/containerd/log"
)

// Runner is the external collaborator behind the `mknod`/`module`
// verbs' "invoke external command" effect. Actual process-spawning
// mechanics are out of scope here; this interface exists so the parser
// has something concrete to call and a test can assert it was asked to
// run the right command without actually forking mknod(8) or
// modprobe(8).
type Runner interface {
	RunInteractive(ctx context.Context, cmd, descrFormat string, args ...interface{})
}

// LogRunner is the default Runner: it logs what it would have run.
type LogRunner struct{}

// RunInteractive implements Runner.
func (LogRunner) RunInteractive(ctx context.Context, cmd, descrFormat string, args ...interface{}) {
	log.G(ctx).WithField("cmd", cmd).Infof(descrFormat, args...)
}
