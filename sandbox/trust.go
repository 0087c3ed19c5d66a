//go:build linux

package sandbox

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"path/filepath"
	"strings"
)

// TrustDecision is the outcome of the trust gate for one run.
type TrustDecision int

const (
	// NoSignal means the caller had no trust-session marker covering the
	// project directory. The trust database was not consulted.
	NoSignal TrustDecision = iota
	// Allowed means the project's activation script is trusted.
	Allowed
	// Denied means the activation script was explicitly denied.
	Denied
	// NotAllowed means there is no trust record, or it could not be read.
	NotAllowed
)

func (d TrustDecision) String() string {
	switch d {
	case NoSignal:
		return "no-signal"
	case Allowed:
		return "allowed"
	case Denied:
		return "denied"
	case NotAllowed:
		return "not-allowed"
	default:
		return fmt.Sprintf("unknown(%d)", int(d))
	}
}

// trustMarkerVar names the trust-session marker. Its value is the active
// session directory prefixed with "-".
const trustMarkerVar = "DIRENV_DIR"

// ErrTrustLookup reports that the trust database could not be consulted. The
// gate treats it as NotAllowed.
var ErrTrustLookup = errors.New("trust lookup failed")

// TrustStore looks up the trust record for a project's activation script.
//
// It returns NotAllowed when no record exists.
type TrustStore interface {
	Lookup(ctx context.Context, projectDir string) (TrustDecision, error)
}

// DevShell evaluates a project's development shell and returns the variables
// it exports.
type DevShell interface {
	Export(ctx context.Context, projectDir string, env SandboxEnvironment) (map[string]string, error)
}

// TrustGate decides whether a project's development shell may augment the
// sandbox environment.
type TrustGate struct {
	Store  TrustStore
	Shell  DevShell
	Debugf Debugf
	// Warnf reports failed lookups and exports.
	Warnf func(format string, args ...any)
}

func (g TrustGate) debugf(format string, args ...any) {
	if g.Debugf == nil {
		return
	}

	g.Debugf("sandbox(trust): "+format, args...)
}

func (g TrustGate) warnf(format string, args ...any) {
	if g.Warnf == nil {
		return
	}

	g.Warnf("sandbox(trust): "+format, args...)
}

// Decide computes the trust decision. Only the caller's original environment
// is inspected for the marker. Lookup failures fail closed to NotAllowed.
func (g TrustGate) Decide(ctx context.Context, caller map[string]string, projectDir string) TrustDecision {
	dir, ok := trustSignal(caller)
	if !ok {
		return NoSignal
	}

	if !isAncestorOrEqual(dir, projectDir) {
		g.debugf("marker %q does not cover %q", dir, projectDir)

		return NoSignal
	}

	if g.Store == nil {
		g.debugf("no trust store configured")

		return NotAllowed
	}

	decision, err := g.Store.Lookup(ctx, projectDir)
	if err != nil {
		g.warnf("trust lookup for %q failed, treating as not allowed: %v", projectDir, err)

		return NotAllowed
	}

	switch decision {
	case Allowed, Denied, NotAllowed:
	default:
		g.warnf("trust lookup for %q returned %s, treating as not allowed", projectDir, decision)

		return NotAllowed
	}

	g.debugf("decision for %q: %s", projectDir, decision)

	return decision
}

// Apply returns env with the development shell's PATH merged in when
// decision is Allowed. Any other decision, or an evaluator failure, leaves env
// unchanged.
func (g TrustGate) Apply(ctx context.Context, decision TrustDecision, projectDir string, env SandboxEnvironment) SandboxEnvironment {
	if decision != Allowed || g.Shell == nil {
		return env
	}

	exported, err := g.Shell.Export(ctx, projectDir, env)
	if err != nil {
		g.warnf("dev shell for %q failed, PATH left unchanged: %v", projectDir, err)

		return env
	}

	path, ok := exported["PATH"]
	if !ok {
		return env
	}

	out := maps.Clone(env)
	out["PATH"] = MergePath(env["PATH"], path)

	g.debugf("PATH augmented by dev shell")

	return out
}

// MergePath puts the exported PATH entries first and keeps base entries that
// are not already present.
func MergePath(base, exported string) string {
	seen := make(map[string]struct{})
	out := make([]string, 0)

	for _, list := range []string{exported, base} {
		for _, dir := range strings.Split(list, ":") {
			if dir == "" {
				continue
			}

			if _, ok := seen[dir]; ok {
				continue
			}

			seen[dir] = struct{}{}
			out = append(out, dir)
		}
	}

	return strings.Join(out, ":")
}

func trustSignal(caller map[string]string) (string, bool) {
	value, ok := caller[trustMarkerVar]
	if !ok {
		return "", false
	}

	dir := strings.TrimPrefix(value, "-")
	if dir == "" || !filepath.IsAbs(dir) {
		return "", false
	}

	return filepath.Clean(dir), true
}
