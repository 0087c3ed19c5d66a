//go:build linux

package sandbox

import (
	"maps"
	"path/filepath"
	"slices"
	"strings"
)

const (
	defaultPager     = "less"
	defaultLang      = "C.UTF-8"
	storeRemoteValue = "daemon"
)

// passthroughVars are taken from the caller only when set there. TERM is
// listed here too: it is never forced to a fallback value.
var passthroughVars = []string{"TERM", "COLORTERM", "TERM_PROGRAM", "TERM_PROGRAM_VERSION"}

// EnvironmentPolicy is the complete allow-list for the sandbox environment.
//
// Nothing outside Required and PassthroughIfHostSet ever reaches the sandboxed
// command.
type EnvironmentPolicy struct {
	// Required variables are always set to these values.
	Required map[string]string
	// PassthroughIfHostSet variables are copied verbatim from the caller when
	// present there, and absent otherwise.
	PassthroughIfHostSet []string
}

// SandboxEnvironment is the exact environment the sandboxed command runs with.
type SandboxEnvironment map[string]string

// Slice returns the environment as sorted KEY=VALUE pairs.
func (e SandboxEnvironment) Slice() []string {
	return envMapToSliceSorted(e)
}

// BuildEnvironment applies policy to the caller's environment. It starts from
// an empty set.
func BuildEnvironment(policy EnvironmentPolicy, caller map[string]string) SandboxEnvironment {
	out := make(SandboxEnvironment, len(policy.Required)+len(policy.PassthroughIfHostSet))

	for _, name := range policy.PassthroughIfHostSet {
		if value, ok := caller[name]; ok {
			out[name] = value
		}
	}

	maps.Copy(out, policy.Required)

	return out
}

// newEnvironmentPolicy derives the policy from the sandbox configuration.
func newEnvironmentPolicy(cfg *Config, env Environment) EnvironmentPolicy {
	return EnvironmentPolicy{
		Required: map[string]string{
			"PATH":           strings.Join(sandboxPathDirs(cfg), ":"),
			"HOME":           env.HomeDir,
			"USER":           env.User,
			"SHELL":          shellPath(cfg),
			"TERMINFO_DIRS":  TerminfoPath,
			"PAGER":          orDefault(cfg.Pager, defaultPager),
			"LOCALE_ARCHIVE": LocaleArchivePath,
			"LANG":           orDefault(cfg.Lang, defaultLang),
			"NIX_REMOTE":     storeRemoteValue,
		},
		PassthroughIfHostSet: slices.Clone(passthroughVars),
	}
}

// sandboxPathDirs returns the PATH entries: the profile bin directory first,
// then any configured extra entries.
func sandboxPathDirs(cfg *Config) []string {
	dirs := make([]string, 0, 1+len(cfg.Path))
	if cfg.Profile != "" {
		dirs = append(dirs, filepath.Join(cfg.Profile, "bin"))
	}

	for _, dir := range cfg.Path {
		if !slices.Contains(dirs, dir) {
			dirs = append(dirs, dir)
		}
	}

	return dirs
}

func shellPath(cfg *Config) string {
	if cfg.Shell != "" {
		return cfg.Shell
	}

	if cfg.Profile != "" {
		return filepath.Join(cfg.Profile, "bin", "bash")
	}

	return "/bin/sh"
}
