// Package rlimit implements the resource-limit vector: a fixed array of
// (soft,hard) pairs, addressable by the closed set of resource names
// finit.conf understands, snapshotted from the OS and mutated by
// `rlimit <level> <name> <value>` lines during parsing.
package rlimit

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/containerd/errdefs"
)

// Infinity is the RLIM_INFINITY sentinel: "unlimited"/"infinity" in
// configuration files.
const Infinity uint64 = ^uint64(0)

// Pair is one (soft,hard) resource-limit pair.
type Pair struct {
	Cur uint64 // soft limit
	Max uint64 // hard limit
}

// Vector is the fixed-size array of limits a parsing pass mutates.
// NLimits mirrors finit's own RLIMIT_NLIMITS.
const NLimits = 16

type Vector [NLimits]Pair

// Clone returns a value copy: a drop-in file's local vector starts as a
// value-copy of the global rlimit vector, not a reference to it.
func (v Vector) Clone() Vector {
	return v
}

type resource struct {
	name  string
	index int
}

// table is the closed set of resource names finit recognizes, in the
// order conf.c's rlimit_names[] declares them. The
// index values are bound per-OS in rlimit_linux.go (or any other
// GOOS-specific file) via register.
var table []resource

// register is called from a GOOS-specific init to bind resource names to
// the platform's RLIMIT_* constant.
func register(name string, index int) {
	table = append(table, resource{name: name, index: index})
}

// Str2Rlim returns the resource index for a name, or -1 if unknown.
// Mirrors conf.c's str2rlim.
func Str2Rlim(name string) int {
	for _, r := range table {
		if r.name == name {
			return r.index
		}
	}
	return -1
}

// Rlim2Str is the inverse of Str2Rlim; returns "unknown" for an
// unrecognized index, matching conf.c's rlim2str.
func Rlim2Str(index int) string {
	for _, r := range table {
		if r.index == index {
			return r.name
		}
	}
	return "unknown"
}

// ParseLine parses one `rlimit` directive's argument -- three
// whitespace-separated tokens: level (soft|hard), name, value -- and
// mutates arr in place. Any parse failure is reported via the returned
// error and arr is left unchanged; callers are expected to log at
// warning level and discard the error, never propagate it.
func ParseLine(line string, arr *Vector) error {
	fields := strings.Fields(line)
	if len(fields) != 3 {
		return fmt.Errorf("rlimit: parse error in %q: %w", line, errdefs.ErrInvalidArgument)
	}
	level, name, val := fields[0], fields[1], fields[2]

	idx := Str2Rlim(name)
	if idx < 0 || idx >= NLimits {
		return fmt.Errorf("rlimit: unknown resource %q: %w", name, errdefs.ErrInvalidArgument)
	}

	var set *uint64
	switch level {
	case "soft":
		set = &arr[idx].Cur
	case "hard":
		set = &arr[idx].Max
	default:
		return fmt.Errorf("rlimit: invalid level %q: %w", level, errdefs.ErrInvalidArgument)
	}

	cfg, err := parseValue(val)
	if err != nil {
		return fmt.Errorf("rlimit: invalid %s value %q: %w", name, val, err)
	}

	*set = cfg
	return nil
}

func parseValue(val string) (uint64, error) {
	if val == "unlimited" || val == "infinity" {
		return Infinity, nil
	}
	n, err := strconv.ParseUint(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w", errdefs.ErrInvalidArgument)
	}
	// The source clamps to 2^32 via strtonum(val, 0, 2<<31, &err); keep
	// the same ceiling so a huge literal doesn't silently become
	// "unlimited" further down the pipeline.
	const ceiling = uint64(1) << 32
	if n > ceiling {
		return 0, fmt.Errorf("%w", errdefs.ErrInvalidArgument)
	}
	return n, nil
}
