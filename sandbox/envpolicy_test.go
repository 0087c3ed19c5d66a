//go:build linux

package sandbox_test

import (
	"path/filepath"
	"slices"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/uuid"

	"github.com/ciiol/yolo-nix-sandbox/sandbox"
)

func Test_BuildEnvironment_Drops_Everything_Outside_Policy(t *testing.T) {
	t.Parallel()

	canary := "YOLO_CANARY_" + uuid.NewString()[:8]

	policy := sandbox.EnvironmentPolicy{
		Required:             map[string]string{"HOME": "/home/u", "PATH": "/bin"},
		PassthroughIfHostSet: []string{"TERM"},
	}

	caller := map[string]string{
		canary:           "leak",
		"HOME":           "/host/home",
		"TERM":           "xterm-256color",
		"SSH_AUTH_SOCK":  "/run/user/1000/ssh",
		"AWS_SECRET_KEY": "secret",
	}

	got := sandbox.BuildEnvironment(policy, caller)

	want := sandbox.SandboxEnvironment{"HOME": "/home/u", "PATH": "/bin", "TERM": "xterm-256color"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("environment mismatch (-want +got):\n%s", diff)
	}
}

func Test_BuildEnvironment_Omits_Passthrough_When_Caller_Lacks_It(t *testing.T) {
	t.Parallel()

	policy := sandbox.EnvironmentPolicy{PassthroughIfHostSet: []string{"TERM", "COLORTERM"}}

	got := sandbox.BuildEnvironment(policy, map[string]string{"COLORTERM": "truecolor"})

	if _, ok := got["TERM"]; ok {
		t.Fatal("expected TERM to be absent when the caller does not set it")
	}

	if got["COLORTERM"] != "truecolor" {
		t.Fatalf("expected COLORTERM passthrough, got %q", got["COLORTERM"])
	}
}

func Test_BuildEnvironment_Required_Wins_Over_Passthrough(t *testing.T) {
	t.Parallel()

	policy := sandbox.EnvironmentPolicy{
		Required:             map[string]string{"TERM": "dumb"},
		PassthroughIfHostSet: []string{"TERM"},
	}

	got := sandbox.BuildEnvironment(policy, map[string]string{"TERM": "xterm"})
	if got["TERM"] != "dumb" {
		t.Fatalf("expected required value, got %q", got["TERM"])
	}
}

func Test_Sandbox_Environment_Contains_Required_Set(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t)
	e.cfg.Path = []string{"/opt/extra/bin"}
	e.env.HostEnv["TERM"] = "xterm-kitty"
	e.env.HostEnv["TERM_PROGRAM"] = "kitty"
	e.env.HostEnv["DIRENV_DIR"] = "-" + e.env.WorkDir
	e.env.HostEnv["EDITOR"] = "vim"

	got := e.mustNewSandbox(t).Environment()

	want := sandbox.SandboxEnvironment{
		"PATH":           filepath.Join(e.profile, "bin") + ":/opt/extra/bin",
		"HOME":           e.env.HomeDir,
		"USER":           "alice",
		"SHELL":          filepath.Join(e.profile, "bin", "bash"),
		"TERMINFO_DIRS":  sandbox.TerminfoPath,
		"PAGER":          "less",
		"LOCALE_ARCHIVE": sandbox.LocaleArchivePath,
		"LANG":           "C.UTF-8",
		"NIX_REMOTE":     "daemon",
		"TERM":           "xterm-kitty",
		"TERM_PROGRAM":   "kitty",
	}

	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("environment mismatch (-want +got):\n%s", diff)
	}
}

func Test_SandboxEnvironment_Slice_Is_Sorted(t *testing.T) {
	t.Parallel()

	env := sandbox.SandboxEnvironment{"b": "2", "a": "1", "c": "3"}

	got := env.Slice()
	if !slices.Equal(got, []string{"a=1", "b=2", "c=3"}) {
		t.Fatalf("unexpected slice %v", got)
	}
}
