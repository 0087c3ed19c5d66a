//go:build linux

package sandbox_test

import (
	"bytes"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"testing"

	"github.com/ciiol/yolo-nix-sandbox/sandbox"
)

// testEnv is a self-contained host layout for planning tests: a fake package
// store with a profile, a project, a home and a state root, all under
// separate temp dirs.
type testEnv struct {
	env      sandbox.Environment
	cfg      sandbox.Config
	store    string
	profile  string
	stateDir string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	store := t.TempDir()
	profile := filepath.Join(store, "abc123-sandbox-profile")
	mustCreateDir(t, filepath.Join(profile, "bin"))
	mustCreateExecutable(t, filepath.Join(profile, "bin", "bash"))
	mustCreateExecutable(t, filepath.Join(profile, "bin", "env"))

	homeDir := t.TempDir()
	workDir := t.TempDir()
	stateDir := t.TempDir()

	return &testEnv{
		env: sandbox.Environment{
			HomeDir: homeDir,
			WorkDir: workDir,
			UID:     1000,
			GID:     100,
			User:    "alice",
			Group:   "users",
			HostEnv: map[string]string{
				"HOME": homeDir,
				"PATH": "/usr/bin:/bin",
			},
		},
		cfg: sandbox.Config{
			Store:      store,
			Profile:    profile,
			StateDir:   stateDir,
			Tools:      []sandbox.Tool{},
			WideIDs:    boolPtr(false),
			SubUIDFile: filepath.Join(stateDir, "no-subuid"),
			SubGIDFile: filepath.Join(stateDir, "no-subgid"),
		},
		store:    store,
		profile:  profile,
		stateDir: stateDir,
	}
}

func (e *testEnv) mustNewSandbox(t *testing.T) *sandbox.Sandbox {
	t.Helper()

	return mustNewSandbox(t, &e.cfg, e.env)
}

func (e *testEnv) mustCommand(t *testing.T, argv ...string) *exec.Cmd {
	t.Helper()

	requireBwrap(t)

	s := e.mustNewSandbox(t)

	cmd, cleanup, err := s.Command(t.Context(), argv)
	if err != nil {
		t.Fatalf("Command: %v", err)
	}

	t.Cleanup(func() { _ = cleanup() })

	return cmd
}

func mustNewSandbox(t *testing.T, cfg *sandbox.Config, env sandbox.Environment) *sandbox.Sandbox {
	t.Helper()

	s, err := sandbox.NewWithEnvironment(cfg, env)
	if err != nil {
		t.Fatalf("NewWithEnvironment: %v", err)
	}

	return s
}

func requireBwrap(t *testing.T) {
	t.Helper()

	_, err := exec.LookPath("bwrap")
	if err != nil {
		t.Skip("bwrap not found in PATH")
	}
}

func mustCreateDir(t *testing.T, path string) {
	t.Helper()

	err := os.MkdirAll(path, 0o755)
	if err != nil {
		t.Fatalf("mkdir %q: %v", path, err)
	}
}

func mustCreateExecutable(t *testing.T, path string) {
	t.Helper()
	mustCreateDir(t, filepath.Dir(path))
	mustWriteFile(t, path, []byte("#!/bin/sh\necho hello\n"), 0o755)
}

func mustSymlink(t *testing.T, target, link string) {
	t.Helper()

	err := os.Symlink(target, link)
	if err != nil {
		t.Fatalf("failed to create symlink %s -> %s: %v", link, target, err)
	}
}

func mustWriteFile(t *testing.T, path string, data []byte, perm os.FileMode) {
	t.Helper()

	err := os.WriteFile(path, data, perm)
	if err != nil {
		t.Fatalf("write %q: %v", path, err)
	}
}

func mustContainSubsequence(t *testing.T, haystack []string, needle []string) {
	t.Helper()

	if !containsSubsequence(haystack, needle) {
		t.Fatalf("expected args to contain %v\nargs: %v", needle, haystack)
	}
}

func boolPtr(value bool) *bool {
	return &value
}

func containsSubsequence(haystack []string, needle []string) bool {
	return indexOfSubsequence(haystack, needle) >= 0
}

func indexOfSubsequence(haystack []string, needle []string) int {
	if len(needle) == 0 {
		return 0
	}

	for i := 0; i <= len(haystack)-len(needle); i++ {
		if slices.Equal(haystack[i:i+len(needle)], needle) {
			return i
		}
	}

	return -1
}

// bwrapArgsFromCmd returns the bwrap arguments before the "--" separator.
func bwrapArgsFromCmd(cmd *exec.Cmd) []string {
	args := slices.Clone(cmd.Args)
	if len(args) == 0 {
		return nil
	}

	if filepath.Base(args[0]) == "bwrap" {
		args = args[1:]
	}

	for i, a := range args {
		if a == "--" {
			return args[:i]
		}
	}

	return args
}

// entryFor returns the last plan entry at dst.
func entryFor(plan sandbox.MountPlan, dst string) (sandbox.MountEntry, bool) {
	var (
		found sandbox.MountEntry
		ok    bool
	)

	for _, e := range plan.Entries {
		if e.Destination == dst {
			found = e
			ok = true
		}
	}

	return found, ok
}

func entryIndex(plan sandbox.MountPlan, dst string) int {
	for i, e := range plan.Entries {
		if e.Destination == dst {
			return i
		}
	}

	return -1
}

func readDataFD(t *testing.T, cmd *exec.Cmd, dst string) string {
	t.Helper()

	args := bwrapArgsFromCmd(cmd)

	for i := 0; i+2 < len(args); i++ {
		if args[i] != "--ro-bind-data" || args[i+2] != dst {
			continue
		}

		fd, err := strconv.Atoi(args[i+1])
		if err != nil {
			t.Fatalf("ro-bind-data fd %q: %v", args[i+1], err)
		}

		file := cmd.ExtraFiles[fd-3]

		var buf bytes.Buffer

		_, err = file.Seek(0, 0)
		if err != nil {
			t.Fatalf("seek: %v", err)
		}

		_, err = buf.ReadFrom(file)
		if err != nil {
			t.Fatalf("read data for %s: %v", dst, err)
		}

		_, _ = file.Seek(0, 0)

		return buf.String()
	}

	t.Fatalf("no --ro-bind-data for %s in %v", dst, args)

	return ""
}

func lines(s string) []string {
	return strings.Split(strings.TrimRight(s, "\n"), "\n")
}
