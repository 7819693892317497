// Command finit is the entrypoint for the configuration-driven
// supervisor core: it wires internal/finitctx, internal/conf,
// internal/monitor, internal/sm, internal/hooks, internal/signals and
// internal/metrics together into a step-driven event loop, behind a
// github.com/urfave/cli/v2 app.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/containerd/log"
	"github.com/pelletier/go-toml/v2"
	"github.com/urfave/cli/v2"

	dockermetrics "github.com/docker/go-metrics"

	"github.com/mdnour/finit/internal/cond"
	"github.com/mdnour/finit/internal/conf"
	"github.com/mdnour/finit/internal/finitctx"
	"github.com/mdnour/finit/internal/metrics"
	"github.com/mdnour/finit/internal/monitor"
	"github.com/mdnour/finit/internal/service"
	"github.com/mdnour/finit/internal/shutdown"
	"github.com/mdnour/finit/internal/signals"
	"github.com/mdnour/finit/internal/sm"
	"github.com/mdnour/finit/internal/tty"
)

const (
	defaultRootConf = "/etc/finit.conf"
	defaultRCSD     = "/etc/finit.d"
)

func main() {
	app := newApp()
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	app := cli.NewApp()
	app.Name = "finit"
	app.Usage = "configuration-driven supervisor core"
	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:  "config",
			Usage: "path to the root configuration file",
			Value: defaultRootConf,
		},
		&cli.StringFlag{
			Name:  "rcsd",
			Usage: "path to the drop-in configuration directory",
			Value: defaultRCSD,
		},
		&cli.BoolFlag{
			Name:  "debug",
			Usage: "enable debug logging",
		},
		&cli.BoolFlag{
			Name:  "no-prometheus",
			Usage: "disable Prometheus metrics export",
		},
	}
	app.Before = func(cliCtx *cli.Context) error {
		if err := log.SetFormat(log.TextFormat); err != nil {
			return err
		}
		if cliCtx.Bool("debug") || debugFromCmdline() {
			return log.SetLevel("debug")
		}
		return nil
	}
	app.Action = runSupervisor
	app.Commands = []*cli.Command{
		configCommand,
	}
	return app
}

// debugFromCmdline mirrors finit's own /proc/cmdline sniffing for a
// bare "finit_debug" (or "debug") token, so a kernel command-line
// switch can turn on verbose logging without a flag.
func debugFromCmdline() bool {
	b, err := os.ReadFile("/proc/cmdline")
	if err != nil {
		return false
	}
	for _, tok := range strings.Fields(string(b)) {
		if tok == "finit_debug" || tok == "debug" {
			return true
		}
	}
	return false
}

var configCommand = &cli.Command{
	Name:  "config",
	Usage: "inspect the effective configuration",
	Subcommands: []*cli.Command{
		{
			Name:  "dump",
			Usage: "parse the configuration and dump the resulting init context as TOML",
			Action: func(cliCtx *cli.Context) error {
				deps := newSupervisor(cliCtx)
				if err := deps.parser.Reload(cliCtx.Context, deps.mon); err != nil {
					return err
				}
				snap := deps.ctx.Snapshot()
				return toml.NewEncoder(os.Stdout).Encode(snap)
			},
		},
	},
}

type supervisor struct {
	ctx       *finitctx.Context
	svcs      *service.Registry
	ttys      *tty.Registry
	parser    *conf.Parser
	mon       *monitor.Monitor
	machine   *sm.Machine
	sigs      *signals.Handler
	collector *metrics.Collector
}

func newSupervisor(cliCtx *cli.Context) *supervisor {
	ctx := finitctx.New()
	svcs := service.New()
	ttys := tty.New()

	rootConf := cliCtx.String("config")
	rcsd := cliCtx.String("rcsd")
	parser := conf.New(ctx, svcs, ttys, rootConf, rcsd)

	mon, err := monitor.New()
	if err != nil {
		log.G(cliCtx.Context).WithError(err).Fatal("finit: failed creating change monitor")
	}
	mon.Watch(cliCtx.Context, rcsd, filepath.Join(rcsd, "available"), rootConf)

	machine := sm.New(ctx, parser, mon, svcs, ttys, cond.Noop{}, shutdown.LogNotifier{})

	var ns *dockermetrics.Namespace
	if !cliCtx.Bool("no-prometheus") {
		ns = dockermetrics.NewNamespace("finit", "", nil)
	}

	return &supervisor{
		ctx:       ctx,
		svcs:      svcs,
		ttys:      ttys,
		parser:    parser,
		mon:       mon,
		machine:   machine,
		sigs:      signals.New(machine),
		collector: metrics.NewCollector(ns),
	}
}

// stepInterval is the timer-tick trigger alongside a signal handler and
// a service state transition: since the real service supervisor is an
// external collaborator this core never calls back into directly, a
// short poll is how its state transitions (and the change monitor's
// file events) still get picked up promptly.
const stepInterval = time.Second

// runSupervisor drives the event loop: Step runs once at startup to
// clear bootstrap (parsing the config and firing the runlevel-S cohort),
// once more to request the parsed cfglevel exactly like an external
// runlevel request would, again on every signal-queued request, and
// otherwise on a fixed tick so a pending config change or a completed
// service stop is never stuck waiting indefinitely for the next signal.
func runSupervisor(cliCtx *cli.Context) error {
	sup := newSupervisor(cliCtx)
	ctx := cliCtx.Context

	step := func(ctx context.Context) {
		sup.machine.Step(ctx)
		sup.collector.Observe(sup.machine)
	}
	sup.sigs.OnRequest = step

	go sup.sigs.Listen(ctx)

	step(ctx)
	sup.machine.RequestRunlevel(sup.ctx.CfgLevel)
	step(ctx)

	ticker := time.NewTicker(stepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return sup.mon.Close()
		case <-ticker.C:
			step(ctx)
		}
	}
}
