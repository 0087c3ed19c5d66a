//go:build linux

package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
)

func Test_Run_Prints_Usage_And_Exits_2_When_No_Args(t *testing.T) {
	t.Parallel()

	var stdout, stderr bytes.Buffer

	code := Run(nil, &stdout, &stderr, []string{"yolo"}, map[string]string{}, nil)
	if code != exitUsage {
		t.Fatalf("exit code = %d, want %d", code, exitUsage)
	}

	if !strings.Contains(stderr.String(), "Usage: yolo") {
		t.Fatalf("expected usage on stderr, got %q", stderr.String())
	}

	if stdout.Len() != 0 {
		t.Fatalf("expected no stdout, got %q", stdout.String())
	}
}

func Test_Run_Prints_Help_When_Help_Flag(t *testing.T) {
	t.Parallel()

	var stdout, stderr bytes.Buffer

	code := Run(nil, &stdout, &stderr, []string{"yolo", "--help"}, map[string]string{}, nil)
	if code != 0 {
		t.Fatalf("exit code = %d, want 0", code)
	}

	for _, want := range []string{"Commands:", "run [flags] <command> [args]", "claude [args]", "ralphex [args]", "check [flags]"} {
		if !strings.Contains(stdout.String(), want) {
			t.Fatalf("help output missing %q:\n%s", want, stdout.String())
		}
	}
}

func Test_Run_Prints_Version(t *testing.T) {
	t.Parallel()

	var stdout bytes.Buffer

	code := Run(nil, &stdout, io.Discard, []string{"yolo", "--version"}, map[string]string{}, nil)
	if code != 0 {
		t.Fatalf("exit code = %d, want 0", code)
	}

	if !strings.HasPrefix(stdout.String(), "yolo ") {
		t.Fatalf("unexpected version output %q", stdout.String())
	}
}

func Test_Run_Exits_2_When_Subcommand_Unknown(t *testing.T) {
	t.Parallel()

	c := NewCLITester(t)
	// An invalid config must not matter: dispatch fails first.
	c.WriteFile(".yolo.json", "{not json")

	_, stderr, code := c.Run("invalidcmd")
	if code != exitUsage {
		t.Fatalf("exit code = %d, want %d", code, exitUsage)
	}

	if !strings.Contains(stderr, `unknown command "invalidcmd"`) || !strings.Contains(stderr, "Usage:") {
		t.Fatalf("unexpected stderr %q", stderr)
	}
}

func Test_Run_Exits_2_When_Run_Has_No_Command(t *testing.T) {
	t.Parallel()

	c := NewCLITester(t)

	_, stderr, code := c.Run("run")
	if code != exitUsage {
		t.Fatalf("exit code = %d, want %d", code, exitUsage)
	}

	if !strings.Contains(strings.ToLower(stderr), "usage") {
		t.Fatalf("expected usage, got %q", stderr)
	}
}

func Test_Run_Exits_2_When_Global_Flag_Unknown(t *testing.T) {
	t.Parallel()

	var stderr bytes.Buffer

	code := Run(nil, io.Discard, &stderr, []string{"yolo", "--bogus", "run", "true"}, map[string]string{}, nil)
	if code != exitUsage {
		t.Fatalf("exit code = %d, want %d", code, exitUsage)
	}

	if !strings.Contains(stderr.String(), "error:") {
		t.Fatalf("expected error line, got %q", stderr.String())
	}
}

func Test_Run_Reports_Config_Errors(t *testing.T) {
	t.Parallel()

	c := NewCLITester(t)
	c.WriteFile(".yolo.json", "{not json")

	_, stderr, code := c.Run("run", "true")
	if code != exitError {
		t.Fatalf("exit code = %d, want %d", code, exitError)
	}

	if !strings.Contains(stderr, "parsing config") {
		t.Fatalf("unexpected stderr %q", stderr)
	}
}

func Test_RunCmd_Help_Does_Not_Enter_Sandbox(t *testing.T) {
	t.Parallel()

	c := NewCLITester(t)

	stdout, _, code := c.Run("run", "--help")
	if code != 0 {
		t.Fatalf("exit code = %d, want 0", code)
	}

	if !strings.Contains(stdout, "--dry-run") {
		t.Fatalf("expected run flags in help, got %q", stdout)
	}
}

func Test_Command_Run_Maps_Errors_To_Exit_Codes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		err        error
		want       int
		wantStderr string
	}{
		{name: "success", err: nil, want: 0},
		{name: "child exit code", err: ExitCodeError{Code: 42}, want: 42},
		{name: "silent", err: ErrSilentExit, want: exitError},
		{name: "usage", err: ErrUsage, want: exitUsage, wantStderr: "Usage: yolo probe"},
		{name: "other", err: errors.New("boom"), want: exitError, wantStderr: "error: boom"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cmd := &Command{
				Usage: "probe",
				Exec: func(context.Context, io.Reader, io.Writer, io.Writer, []string) error {
					return tt.err
				},
			}

			var stderr bytes.Buffer

			got := cmd.Run(t.Context(), nil, io.Discard, &stderr, nil)
			if got != tt.want {
				t.Fatalf("exit code = %d, want %d", got, tt.want)
			}

			if !strings.Contains(stderr.String(), tt.wantStderr) {
				t.Fatalf("stderr %q does not contain %q", stderr.String(), tt.wantStderr)
			}
		})
	}
}

func Test_ToolCmd_Passes_All_Args_Through(t *testing.T) {
	t.Parallel()

	cmd := ToolCmd("claude", &Config{}, nil, nopLogger(), nil)
	if cmd.Flags != nil {
		t.Fatal("tool shortcuts must not parse flags")
	}

	if cmd.Name() != "claude" {
		t.Fatalf("unexpected name %q", cmd.Name())
	}
}

func Test_ShellQuote(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"":                "''",
		"--ro-bind":       "--ro-bind",
		"/nix/store":      "/nix/store",
		"a b":             "'a b'",
		"it's":            `'it'\''s'`,
		"\x00placeholder": "'\x00placeholder'",
	}

	for in, want := range tests {
		if got := shellQuote(in); got != want {
			t.Fatalf("shellQuote(%q) = %q, want %q", in, got, want)
		}
	}
}

func Test_DebugFromEnv(t *testing.T) {
	t.Parallel()

	for value, want := range map[string]bool{"": false, "0": false, "1": true, "true": true, "yes": false} {
		if got := debugFromEnv(map[string]string{"YOLO_DEBUG": value}); got != want {
			t.Fatalf("debugFromEnv(%q) = %t, want %t", value, got, want)
		}
	}
}

func Test_NewLogger_Writes_Debug_Only_When_Enabled(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	newLogger(&buf, false).Debug("hidden")

	if buf.Len() != 0 {
		t.Fatalf("expected no output, got %q", buf.String())
	}

	logger := newLogger(&buf, true)
	sandboxDebugf(logger)("sandbox(%s): %d mounts", "planning", 7)
	_ = logger.Sync()

	if !strings.Contains(buf.String(), "sandbox(planning): 7 mounts") {
		t.Fatalf("expected debug line, got %q", buf.String())
	}

	if sandboxDebugf(nopLogger()) != nil {
		t.Fatal("expected nil hook for disabled logger")
	}
}
