//go:build linux

// Package sandbox runs commands inside a reconstructed, minimal operating
// environment built with bubblewrap (bwrap).
//
// A sandbox starts from an empty root. The package store is mounted read-only,
// the project directory read-write at its own absolute path, and the home
// directory is replaced by an empty tmpfs into which per-tool persistent state
// is bound. The environment is rebuilt from an allow-list. Optionally, a trusted
// project development shell contributes PATH entries.
//
// # Platform / Dependencies
//
// This package is Linux-only (see the build tag above) and requires the
// `bwrap` executable to be available in the caller's PATH at runtime. Wide id
// mapping additionally requires `newuidmap` and `newgidmap` plus a sub-id
// delegation for the invoking user.
//
// # Planning vs Execution
//
// Sandbox construction (New/NewWithEnvironment) validates input, resolves the
// identity mapping, creates missing persistent-state paths and computes the
// mount plan. Nothing is executed. [Sandbox.Command] builds an unstarted
// *exec.Cmd; [Sandbox.Run] consults the trust gate, starts the command and
// supervises it until exit.
//
// # Security Note
//
// This library is intended to keep tools away from host secrets and out of
// paths they were not granted. It is not a complete security boundary against
// a determined attacker. Your effective security properties depend on
// bubblewrap and kernel features (namespaces, userns).
package sandbox

import (
	"fmt"
	"maps"
	"os"
	"os/user"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"
)

// Sandbox is a planned sandbox for one project and one invoking user.
//
// A Sandbox must not be copied after first use.
//
// A Sandbox is safe for concurrent use, although [Sandbox.Run] forwards
// signals from the channel it is given and is meant to be called once per
// process.
//
// Example:
//
//	s, err := sandbox.New(cfg)
//	if err != nil {
//		log.Fatal(err)
//	}
//
//	code, err := s.Run(ctx, []string{"git", "status"}, sandbox.Stdio{
//		Stdin: os.Stdin, Stdout: os.Stdout, Stderr: os.Stderr,
//	}, sigCh)
type Sandbox struct {
	noCopy noCopy

	// v is the validated snapshot of cfg+env. It is nil only for a zero-value
	// Sandbox that was not constructed via New/NewWithEnvironment.
	v *validated

	mounts   MountPlan
	identity IdentityMapping
	baseEnv  SandboxEnvironment

	// bwrapArgs are the static arguments derived from mounts.
	bwrapArgs      []string
	needsEmptyFile bool
}

// New constructs a Sandbox using an Environment derived from the current
// process (see [DefaultEnvironment]).
func New(cfg *Config) (*Sandbox, error) {
	env, err := DefaultEnvironment()
	if err != nil {
		return nil, fmt.Errorf("sandbox: creating default environment: %w", err)
	}

	return NewWithEnvironment(cfg, env)
}

// NewWithEnvironment constructs a Sandbox using an explicit environment.
//
// Note: cfg and env are deep-copied during construction, so subsequent
// modifications to the passed values do not affect the Sandbox.
func NewWithEnvironment(cfg *Config, env Environment) (*Sandbox, error) {
	clonedCfg := cloneConfig(cfg)
	env = cloneEnvironment(env)

	err := validateConfigAndEnv(&clonedCfg, env)
	if err != nil {
		return nil, fmt.Errorf("sandbox: validating: %w", err)
	}

	v := &validated{cfg: clonedCfg, env: env}
	v.cfg.Profile = resolveProfile(v.cfg.Profile, v.debugf("planning"))

	mounts, err := BuildMountPlan(planInput(&v.cfg, env), v.debugf("planning"))
	if err != nil {
		return nil, fmt.Errorf("sandbox: planning: %w", err)
	}

	args, needsEmptyFile, err := bwrapArgsForPlan(mounts, env.WorkDir, v.debugf("planning"))
	if err != nil {
		return nil, fmt.Errorf("sandbox: planning: %w", err)
	}

	return &Sandbox{
		v:              v,
		mounts:         mounts,
		identity:       resolveIdentity(&v.cfg, env, v.debugf("identity")),
		baseEnv:        BuildEnvironment(newEnvironmentPolicy(&v.cfg, env), env.HostEnv),
		bwrapArgs:      args,
		needsEmptyFile: needsEmptyFile,
	}, nil
}

// MountPlan returns the planned filesystem view.
func (s *Sandbox) MountPlan() MountPlan {
	return MountPlan{Entries: slices.Clone(s.mounts.Entries), Links: slices.Clone(s.mounts.Links)}
}

// Identity returns the resolved identity mapping. A wide mapping may still
// fall back to narrow at run time.
func (s *Sandbox) Identity() IdentityMapping {
	return s.identity
}

// Environment returns the sandbox environment before any trust overlay.
func (s *Sandbox) Environment() SandboxEnvironment {
	return maps.Clone(s.baseEnv)
}

// DefaultEnvironment returns an Environment derived from the current process.
//
// HomeDir is resolved from os.UserHomeDir(). WorkDir is resolved from
// os.Getwd(). The user and group names come from the user database, falling
// back to $USER. HostEnv is populated from os.Environ(). Invalid KEY=VALUE
// entries are ignored.
func DefaultEnvironment() (Environment, error) {
	workDir, err := os.Getwd()
	if err != nil {
		return Environment{}, fmt.Errorf("get working directory: %w", err)
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return Environment{}, fmt.Errorf("get home directory: %w", err)
	}

	hostEnv := make(map[string]string, len(os.Environ()))
	for _, kv := range os.Environ() {
		// Best-effort parse of KEY=VALUE. Invalid entries are ignored.
		key, value, ok := strings.Cut(kv, "=")
		if !ok || key == "" {
			continue
		}

		hostEnv[key] = value
	}

	env := Environment{
		HomeDir: homeDir,
		WorkDir: workDir,
		UID:     os.Getuid(),
		GID:     os.Getgid(),
		User:    hostEnv["USER"],
		HostEnv: hostEnv,
	}

	if u, err := user.LookupId(strconv.Itoa(env.UID)); err == nil {
		env.User = u.Username
	}

	if g, err := user.LookupGroupId(strconv.Itoa(env.GID)); err == nil {
		env.Group = g.Name
	}

	if env.User == "" {
		return Environment{}, fmt.Errorf("cannot determine user name for uid %d", env.UID)
	}

	return env, nil
}

// Config configures sandbox behavior.
//
// Config is independent from any config-file loading or CLI flag parsing;
// callers are expected to produce a final Config before constructing a
// Sandbox.
type Config struct {
	// Store is the read-only package store (typically /nix/store), mounted at
	// its own path. Required.
	Store string

	// DaemonSocket is the host directory holding the store daemon socket. It
	// is mounted read-only when present so that store clients inside reach the
	// host daemon.
	DaemonSocket string

	// Profile is the system profile directory. Its bin directory is the first
	// PATH entry, and it provides the default shell.
	Profile string

	// Path lists extra PATH entries after the profile bin directory.
	Path []string

	// Shell is the login shell. Defaults to <Profile>/bin/bash.
	Shell string
	// Pager defaults to "less".
	Pager string
	// Lang defaults to "C.UTF-8".
	Lang string

	// System locates the CA bundle, terminfo database and locale archive.
	System SystemFiles

	// ReadOnly lists extra host paths to expose read-only at their own path.
	ReadOnly []string

	// Hidden lists paths to mask inside the sandbox. Relative paths are
	// resolved against the project directory.
	Hidden []string

	// StateDir is the persistent state root. Defaults to [DefaultStateRoot].
	StateDir string

	// Tools lists the tools with persistent state.
	//
	// Semantics:
	//   - nil: use DefaultTools()
	//   - empty but non-nil: no persistent state
	Tools []Tool

	// Network exposes the host resolver files. The network namespace is
	// always shared with the host. If nil, defaults to true.
	Network *bool

	// WideIDs allows wide id mapping when the host supports it. If nil,
	// defaults to true.
	WideIDs *bool

	// SubUIDFile and SubGIDFile override /etc/subuid and /etc/subgid.
	SubUIDFile string
	SubGIDFile string

	// TrustStore and DevShell back the trust gate. A nil TrustStore makes
	// every signalled run NotAllowed.
	TrustStore TrustStore
	DevShell   DevShell

	// KillGrace is how long a terminating signal is given to take effect
	// before the sandbox is killed. Defaults to 10s.
	KillGrace time.Duration

	// Debugf receives debug messages from planning and supervision.
	Debugf Debugf

	// Warnf receives degradations the user should see even without debug
	// output: a failed trust lookup or dev-shell export, and a wide identity
	// mapping that fell back to narrow.
	Warnf func(format string, args ...any)
}

// Debugf receives debug messages from sandbox preparation, command
// construction and supervision.
//
// The function should be safe to call from any goroutine.
type Debugf func(format string, args ...any)

const defaultKillGrace = 10 * time.Second

// defaultLinks are created unless a mount provides them.
func defaultLinks(cfg *Config) []Link {
	var links []Link

	if shell := shellPath(cfg); shell != "/bin/sh" {
		links = append(links, Link{Target: shell, Destination: "/bin/sh"})
	}

	if cfg.Profile != "" {
		links = append(links, Link{Target: filepath.Join(cfg.Profile, "bin", "env"), Destination: "/usr/bin/env"})
	}

	return links
}

// resolveProfile follows a profile symlink (e.g. a system profile under /run)
// to its target in the package store, which is what the sandbox can see.
func resolveProfile(profile string, debugf func(string, ...any)) string {
	if profile == "" {
		return ""
	}

	resolved, err := filepath.EvalSymlinks(profile)
	if err != nil {
		debugf("profile %s: %v", profile, err)

		return profile
	}

	if resolved != profile {
		debugf("profile %s resolves to %s", profile, resolved)
	}

	return resolved
}

func planInput(cfg *Config, env Environment) PlanInput {
	tools := cfg.Tools
	if tools == nil {
		tools = DefaultTools()
	}

	stateDir := cfg.StateDir
	if stateDir == "" {
		stateDir = DefaultStateRoot(env.HostEnv, env.HomeDir)
	}

	return PlanInput{
		ProjectDir:   env.WorkDir,
		HomeDir:      env.HomeDir,
		State:        PersistentStateRoot{Dir: stateDir},
		Tools:        tools,
		Store:        cfg.Store,
		DaemonSocket: cfg.DaemonSocket,
		ReadOnly:     cfg.ReadOnly,
		System:       cfg.System,
		Hidden:       cfg.Hidden,
		Network:      cfg.Network == nil || *cfg.Network,
		Links:        defaultLinks(cfg),
	}
}

// cloneConfig returns a deep copy of cfg. Slices, maps, and pointers are
// cloned so modifications to the copy don't affect the original.
func cloneConfig(cfg *Config) Config {
	out := *cfg

	if cfg.Network != nil {
		v := *cfg.Network
		out.Network = &v
	}

	if cfg.WideIDs != nil {
		v := *cfg.WideIDs
		out.WideIDs = &v
	}

	out.Path = slices.Clone(cfg.Path)
	out.ReadOnly = slices.Clone(cfg.ReadOnly)
	out.Hidden = slices.Clone(cfg.Hidden)

	if cfg.Tools != nil {
		out.Tools = make([]Tool, len(cfg.Tools))
		for i, t := range cfg.Tools {
			out.Tools[i] = Tool{Name: t.Name, Dirs: slices.Clone(t.Dirs), Files: slices.Clone(t.Files)}
		}
	}

	if out.KillGrace <= 0 {
		out.KillGrace = defaultKillGrace
	}

	return out
}

// cloneEnvironment returns a deep copy of env.
func cloneEnvironment(env Environment) Environment {
	out := env

	if env.HostEnv == nil {
		out.HostEnv = map[string]string{}
	} else {
		out.HostEnv = maps.Clone(env.HostEnv)
	}

	return out
}

type validated struct {
	cfg Config
	env Environment
}

// debugf returns a logger prefixed with the given phase. It never returns nil.
func (v *validated) debugf(phase string) func(string, ...any) {
	if v.cfg.Debugf == nil {
		return func(string, ...any) {}
	}

	prefix := "sandbox(" + phase + "): "

	return func(format string, args ...any) {
		v.cfg.Debugf(prefix+format, args...)
	}
}

// warnf is debugf for Config.Warnf.
func (v *validated) warnf(phase string) func(string, ...any) {
	if v.cfg.Warnf == nil {
		return func(string, ...any) {}
	}

	prefix := "sandbox(" + phase + "): "

	return func(format string, args ...any) {
		v.cfg.Warnf(prefix+format, args...)
	}
}

// marker for go vet.
type noCopy struct{}

func (*noCopy) Lock()   {}
func (*noCopy) Unlock() {}

// internalErrorf reports an internal invariant violation.
//
// These errors indicate a bug in this package (or an unexpected environment
// mismatch after planning), rather than invalid caller input.
func internalErrorf(op, format string, args ...any) error {
	detail := fmt.Sprintf(format, args...)

	if op == "" {
		return fmt.Errorf("sandbox: internal error: %s", detail)
	}

	return fmt.Errorf("sandbox: internal error: %s: %s", op, detail)
}
