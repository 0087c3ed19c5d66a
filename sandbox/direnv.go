//go:build linux

package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"os/exec"
	"strings"

	"github.com/google/shlex"
)

const (
	// DefaultDirenvStatusCommand prints the trust record of the nearest .envrc.
	DefaultDirenvStatusCommand = "direnv status --json"
	// DefaultDirenvExportCommand evaluates the .envrc and prints its exports.
	DefaultDirenvExportCommand = "direnv export json"
)

// direnv's allow states as reported by `direnv status --json`.
const (
	direnvAllowed    = 0
	direnvNotAllowed = 1
	direnvDenied     = 2
)

// hostEvaluatorVars are taken from the caller's environment when running
// direnv. They locate its allow database and the package store caches.
var hostEvaluatorVars = []string{"HOME", "XDG_CONFIG_HOME", "XDG_DATA_HOME", "XDG_CACHE_HOME", "XDG_STATE_HOME"}

// Direnv is a TrustStore and DevShell backed by the direnv CLI.
//
// Both commands run on the host in the project directory. They see the
// sandbox environment plus the caller's XDG base directories, never the
// caller's DIRENV_* session state.
type Direnv struct {
	statusArgv []string
	exportArgv []string
	hostEnv    map[string]string
	hostPath   []string
}

// NewDirenv parses the status and export command lines with shell quoting
// rules. Empty commands select the defaults.
func NewDirenv(statusCommand, exportCommand string, hostEnv map[string]string) (*Direnv, error) {
	statusArgv, err := splitCommand(orDefault(statusCommand, DefaultDirenvStatusCommand))
	if err != nil {
		return nil, fmt.Errorf("trust status command: %w", err)
	}

	exportArgv, err := splitCommand(orDefault(exportCommand, DefaultDirenvExportCommand))
	if err != nil {
		return nil, fmt.Errorf("dev shell export command: %w", err)
	}

	env := make(map[string]string, len(hostEvaluatorVars))
	for _, name := range hostEvaluatorVars {
		if v, ok := hostEnv[name]; ok {
			env[name] = v
		}
	}

	return &Direnv{
		statusArgv: statusArgv,
		exportArgv: exportArgv,
		hostEnv:    env,
		hostPath:   parsePathDirs(hostEnv["PATH"], "/"),
	}, nil
}

func splitCommand(command string) ([]string, error) {
	argv, err := shlex.Split(command)
	if err != nil {
		return nil, fmt.Errorf("parse %q: %w", command, err)
	}

	if len(argv) == 0 {
		return nil, fmt.Errorf("parse %q: empty command", command)
	}

	return argv, nil
}

type direnvStatus struct {
	State struct {
		FoundRC *struct {
			Allowed int    `json:"allowed"`
			Path    string `json:"path"`
		} `json:"foundRC"`
	} `json:"state"`
}

// Lookup implements TrustStore.
func (d *Direnv) Lookup(ctx context.Context, projectDir string) (TrustDecision, error) {
	out, err := d.run(ctx, d.statusArgv, projectDir, nil)
	if err != nil {
		return NotAllowed, err
	}

	var status direnvStatus

	err = json.Unmarshal(out, &status)
	if err != nil {
		return NotAllowed, fmt.Errorf("%w: decode status: %w", ErrTrustLookup, err)
	}

	rc := status.State.FoundRC
	if rc == nil {
		return NotAllowed, nil
	}

	switch rc.Allowed {
	case direnvAllowed:
		return Allowed, nil
	case direnvDenied:
		return Denied, nil
	case direnvNotAllowed:
		return NotAllowed, nil
	default:
		return NotAllowed, fmt.Errorf("%w: unknown allow state %d for %s", ErrTrustLookup, rc.Allowed, rc.Path)
	}
}

// Export implements DevShell. Variables direnv unsets are omitted.
func (d *Direnv) Export(ctx context.Context, projectDir string, env SandboxEnvironment) (map[string]string, error) {
	out, err := d.run(ctx, d.exportArgv, projectDir, env)
	if err != nil {
		return nil, err
	}

	if len(bytes.TrimSpace(out)) == 0 {
		return map[string]string{}, nil
	}

	var raw map[string]*string

	err = json.Unmarshal(out, &raw)
	if err != nil {
		return nil, fmt.Errorf("decode dev shell exports: %w", err)
	}

	exported := make(map[string]string, len(raw))

	for k, v := range raw {
		if v != nil {
			exported[k] = *v
		}
	}

	return exported, nil
}

func (d *Direnv) run(ctx context.Context, argv []string, dir string, env SandboxEnvironment) ([]byte, error) {
	bin := argv[0]
	if !strings.Contains(bin, "/") {
		bin = lookPathIn(bin, d.hostPath)
		if bin == "" {
			return nil, fmt.Errorf("%w: %s not found in PATH", ErrTrustLookup, argv[0])
		}
	}

	merged := maps.Clone(map[string]string(env))
	if merged == nil {
		merged = map[string]string{}
	}

	maps.Copy(merged, d.hostEnv)

	var stdout, stderr bytes.Buffer

	cmd := exec.CommandContext(ctx, bin, argv[1:]...)
	cmd.Dir = dir
	cmd.Env = envMapToSliceSorted(merged)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, fmt.Errorf("%w: %s exited %d: %s", ErrTrustLookup, argv[0], exitErr.ExitCode(), strings.TrimSpace(stderr.String()))
		}

		return nil, fmt.Errorf("%w: run %s: %w", ErrTrustLookup, argv[0], err)
	}

	return stdout.Bytes(), nil
}
