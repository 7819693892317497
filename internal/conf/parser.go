// Package conf implements the configuration parser: it reads the root
// configuration file plus the drop-in directory, dispatches each line
// to the static or dynamic verb table, and maintains the rlimit vector
// and finitctx.Context fields those verbs populate.
//
// Mirrors finit's own conf.c parse_static/parse_dynamic/parse_conf/
// parse_conf_dynamic/conf_reload family; the verb-matching style
// (case-insensitive prefix, single mandatory separating space) mirrors
// conf.c's MATCH_CMD macro.
package conf

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/containerd/log"

	"github.com/mdnour/finit/internal/finitctx"
	"github.com/mdnour/finit/internal/monitor"
	"github.com/mdnour/finit/internal/rlimit"
	"github.com/mdnour/finit/internal/runlevel"
	"github.com/mdnour/finit/internal/service"
	"github.com/mdnour/finit/internal/tty"
)

// InetdEnabled gates the `inetd` verb. The original ships this behind a
// compile-time ./configure switch; here it is a package variable so a
// build that wants to disable inetd support can flip it without a
// build tag for each callsite.
var InetdEnabled = true

// Parser owns the services/tty registries and init context that
// reload() populates, plus the paths it reads from.
type Parser struct {
	Ctx      *finitctx.Context
	Services *service.Registry
	TTYs     *tty.Registry
	Runner   Runner

	RootConf string
	RCSD     string
}

// New builds a Parser with the default LogRunner.
func New(ctx *finitctx.Context, svcs *service.Registry, ttys *tty.Registry, rootConf, rcsd string) *Parser {
	return &Parser{
		Ctx:      ctx,
		Services: svcs,
		TTYs:     ttys,
		Runner:   LogRunner{},
		RootConf: rootConf,
		RCSD:     rcsd,
	}
}

// Reload implements reload(): mark every dynamic registry entry as a
// removal candidate (entries re-registered below are unmarked; the sweep
// of those still marked is left to the state machine's wait states),
// re-parse the root config (which re-derives the global rlimit vector
// and may recurse into `include`d files), walk the drop-in directory in
// sorted order, drain the monitor's change set, and resolve the
// effective hostname. Errors from individual drop-in files are logged
// and skipped; Reload itself always returns nil, matching conf_reload's
// best-effort posture (a single bad file must not halt the supervisor).
func (p *Parser) Reload(ctx context.Context, mon *monitor.Monitor) error {
	p.Services.MarkDynamic()
	p.TTYs.Mark()

	if err := p.ParseRoot(ctx, p.RootConf); err != nil {
		log.G(ctx).WithField("path", p.RootConf).WithError(err).Warn("conf: failed parsing root config")
	}

	entries, err := p.dropins()
	if err != nil {
		log.G(ctx).WithField("dir", p.RCSD).WithError(err).Warn("conf: failed listing drop-in directory")
	}
	for _, path := range entries {
		if err := p.ParseDropIn(ctx, path); err != nil {
			log.G(ctx).WithField("path", path).WithError(err).Warn("conf: failed parsing drop-in file")
		}
	}

	if mon != nil {
		mon.DropChanges()
	}
	p.resolveHostname()
	return nil
}

// dropins lists p.RCSD's regular *.conf entries in sorted (alphasort)
// order, skipping subdirectories and dangling symlinks.
func (p *Parser) dropins() ([]string, error) {
	ents, err := os.ReadDir(p.RCSD)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	names := make([]string, 0, len(ents))
	for _, e := range ents {
		names = append(names, e.Name())
	}
	sort.Strings(names)

	var out []string
	for _, name := range names {
		if !strings.HasSuffix(name, ".conf") {
			continue
		}
		full := filepath.Join(p.RCSD, name)
		info, err := os.Stat(full) // follows symlinks; dangling -> error
		if err != nil {
			continue
		}
		if info.IsDir() {
			continue
		}
		out = append(out, full)
	}
	return out, nil
}

// resolveHostname prefers /etc/hostname's contents; if it is absent or
// empty, whatever the `host` static verb (or the finitctx default) set
// is left untouched.
func (p *Parser) resolveHostname() {
	b, err := os.ReadFile("/etc/hostname")
	if err != nil {
		return
	}
	h := strings.TrimSpace(string(b))
	if h != "" {
		p.Ctx.Hostname = h
	}
}

// ParseRoot implements parse_conf(): snapshot the live rlimit vector,
// walk the file line by line dispatching both the static and dynamic
// verb tables, then apply whatever the file changed back onto the
// process. `include` recurses into this same function, so a nested
// include re-snapshots and re-applies rlimits too -- a quirk carried
// over faithfully from the source rather than optimized away.
func (p *Parser) ParseRoot(ctx context.Context, path string) error {
	rlimit.Snapshot(&p.Ctx.GlobalRlimit)

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := preprocess(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		p.parseStatic(ctx, line)
		p.parseDynamic(ctx, line, &p.Ctx.GlobalRlimit, "")
	}

	rlimit.Apply(p.Ctx.GlobalRlimit)
	return sc.Err()
}

// ParseDropIn implements parse_conf_dynamic(): only the dynamic verb
// table applies, against a per-file rlimit vector seeded by cloning the
// global baseline, and registrations are attributed to this file's
// path as their origin (so mark-and-sweep can unregister them if the
// file disappears on a later reload).
func (p *Parser) ParseDropIn(ctx context.Context, path string) error {
	local := p.Ctx.GlobalRlimit.Clone()

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := preprocess(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		p.parseDynamic(ctx, line, &local, path)
	}
	return sc.Err()
}

func preprocess(line string) string {
	return strings.ReplaceAll(line, "\t", " ")
}

// matchVerb checks line against a verb token that includes its
// mandatory trailing separator space (e.g. "service "), case
// insensitively on the verb only, and returns the remainder.
func matchVerb(line, verb string) (rest string, ok bool) {
	if len(line) < len(verb) {
		return "", false
	}
	if !strings.EqualFold(line[:len(verb)], verb) {
		return "", false
	}
	return line[len(verb):], true
}

// parseStatic implements parse_static(): host/mknod/network/runparts
// and the runlevel verb only take effect during bootstrap; include and
// shutdown are accepted at any time.
func (p *Parser) parseStatic(ctx context.Context, line string) {
	boot := p.Ctx.Bootstrapping()

	if rest, ok := matchVerb(line, "host "); ok && boot {
		p.Ctx.Hostname = strings.TrimSpace(rest)
		return
	}
	if rest, ok := matchVerb(line, "mknod "); ok && boot {
		arg := strings.TrimSpace(rest)
		p.Runner.RunInteractive(ctx, "mknod "+arg, "creating device node %s", arg)
		return
	}
	if rest, ok := matchVerb(line, "network "); ok && boot {
		p.Ctx.Network = strings.TrimSpace(rest)
		return
	}
	if rest, ok := matchVerb(line, "runparts "); ok && boot {
		p.Ctx.RunParts = strings.TrimSpace(rest)
		return
	}
	if rest, ok := matchVerb(line, "include "); ok {
		file := strings.TrimSpace(rest)
		if _, err := os.Stat(file); err != nil {
			log.G(ctx).WithField("file", file).Warn("conf: include target does not exist")
			return
		}
		if err := p.ParseRoot(ctx, file); err != nil {
			log.G(ctx).WithField("file", file).WithError(err).Warn("conf: failed parsing included file")
		}
		return
	}
	if rest, ok := matchVerb(line, "shutdown "); ok {
		p.Ctx.Shutdown = strings.TrimSpace(rest)
		return
	}
	if rest, ok := matchVerb(line, "runlevel "); ok && boot {
		p.Ctx.CfgLevel = parseCfgLevel(strings.TrimSpace(rest))
		return
	}
}

// parseCfgLevel implements the cfglevel fallback: anything that isn't a
// well-formed digit in [1,9], or is exactly 6 (reboot is not a valid
// default runlevel), falls back to 2.
func parseCfgLevel(tok string) int {
	n, err := strconv.Atoi(tok)
	if err != nil || n < 1 || n > 9 || n == 6 {
		return 2
	}
	return n
}

// parseDynamic implements parse_dynamic(): module/service/task/run/
// inetd/rlimit/tty. rlimitVec is mutated in place as rlimit lines are
// encountered, and is what subsequent service/tty registrations on
// this file snapshot by value.
func (p *Parser) parseDynamic(ctx context.Context, line string, rlimitVec *rlimit.Vector, origin string) {
	if strings.HasPrefix(line, "#") {
		return
	}

	if rest, ok := matchVerb(line, "module "); ok {
		if p.Ctx.Runlevel != 0 {
			return
		}
		mod := strings.TrimSpace(rest)
		p.Runner.RunInteractive(ctx, "modprobe "+mod, "loading kernel module %s", mod)
		return
	}
	if rest, ok := matchVerb(line, "service "); ok {
		p.registerService(ctx, service.Service, rest, *rlimitVec, origin)
		return
	}
	if rest, ok := matchVerb(line, "task "); ok {
		p.registerService(ctx, service.Task, rest, *rlimitVec, origin)
		return
	}
	if rest, ok := matchVerb(line, "run "); ok {
		p.registerService(ctx, service.Run, rest, *rlimitVec, origin)
		return
	}
	if rest, ok := matchVerb(line, "inetd "); ok {
		if !InetdEnabled {
			log.G(ctx).Warn("conf: inetd support not compiled in, ignoring inetd verb")
			return
		}
		p.registerService(ctx, service.Inetd, rest, *rlimitVec, origin)
		return
	}
	if rest, ok := matchVerb(line, "rlimit "); ok {
		if err := rlimit.ParseLine(rest, rlimitVec); err != nil {
			log.G(ctx).WithError(err).Warn("conf: malformed rlimit line")
		}
		return
	}
	if rest, ok := matchVerb(line, "tty "); ok {
		p.registerTTY(rest, *rlimitVec, origin)
		return
	}
}

// registerService implements the shared tail of parse_service/
// parse_task/parse_run: split the leading "[runlevels]" and "<cond>"
// brackets off a command line, register the remainder as the service's
// command and arguments, then apply the condition (if any) to the
// freshly registered (or re-registered) service.
func (p *Parser) registerService(ctx context.Context, kind service.Kind, raw string, rl rlimit.Vector, origin string) {
	desc := strings.TrimSpace(raw)

	runlevels := runlevel.Default
	if strings.HasPrefix(desc, "[") {
		if end := strings.IndexByte(desc, ']'); end >= 0 {
			runlevels = runlevel.Parse(desc[:end+1])
			desc = strings.TrimSpace(desc[end+1:])
		}
	}

	var condRaw string
	hasCond := false
	if strings.HasPrefix(desc, "<") {
		hasCond = true
		condRaw = desc[1:]
		if end := strings.IndexByte(desc, '>'); end >= 0 {
			desc = strings.TrimSpace(desc[end+1:])
		} else {
			desc = ""
		}
	}

	cmdline := desc
	if idx := strings.Index(cmdline, " -- "); idx >= 0 {
		cmdline = cmdline[:idx]
	}
	fields := strings.Fields(cmdline)
	var cmd string
	var args []string
	if len(fields) > 0 {
		cmd = fields[0]
		args = fields[1:]
	}

	name := filepath.Base(cmd)
	if name == "" || name == "." || name == string(filepath.Separator) {
		name = cmd
	}

	svc := p.Services.Register(kind, name, cmd, args, runlevels, "", false, rl, origin)
	if hasCond {
		ParseCond(ctx, svc, condRaw)
	} else if kind == service.Service {
		svc.Sighup = true
	}
}

// registerTTY implements parse_tty(): only the leading "[runlevels]"
// bracket is special-cased, the remainder of the descriptor is stored
// verbatim as the tty's name (the getty command line and baud rate).
func (p *Parser) registerTTY(raw string, rl rlimit.Vector, origin string) {
	desc := strings.TrimSpace(raw)

	runlevels := runlevel.Default
	if strings.HasPrefix(desc, "[") {
		if end := strings.IndexByte(desc, ']'); end >= 0 {
			runlevels = runlevel.Parse(desc[:end+1])
			desc = strings.TrimSpace(desc[end+1:])
		}
	}

	p.TTYs.Register(desc, runlevels, rl, origin)
}

// ParseCond implements conf_parse_cond(): a nil svc is an invariant
// violation that is logged and ignored rather than panicking. The
// leading '!' marker (if present) flips sighup off regardless of
// whether the remaining condition text turns out to be too long to
// store -- matching the source's unconditional assignment order.
func ParseCond(ctx context.Context, svc *service.Svc, cond string) {
	if svc == nil {
		log.G(ctx).Error("conf: parse_cond called with a nil service")
		return
	}

	sighup := svc.Sighup
	if svc.Kind == service.Service {
		sighup = true
	}

	i := 0
	if len(cond) > 0 && cond[0] == '!' {
		sighup = false
		i = 1
	}
	rest := cond[i:]
	if end := strings.IndexByte(rest, '>'); end >= 0 {
		rest = rest[:end]
	}

	const maxCondLen = 64
	if len(rest) >= maxCondLen {
		log.G(ctx).WithField("cmd", svc.Cmd).Warnf("conf: too long condition list: %s", rest)
		svc.Sighup = sighup
		return
	}

	svc.Cond = rest
	svc.Sighup = sighup
}
