//go:build linux

package main

import (
	"context"
	"io"
	"os"
	"strings"

	flag "github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/ciiol/yolo-nix-sandbox/sandbox"
)

// RunCmd creates the run command.
func RunCmd(cfg *Config, env map[string]string, logger *zap.Logger, sigCh <-chan os.Signal) *Command {
	flags := flag.NewFlagSet("run", flag.ContinueOnError)
	flags.SetInterspersed(false) // Stop parsing at command
	flags.BoolP("help", "h", false, "Show help")
	flags.Bool("dry-run", false, "Print the bwrap command without executing")

	return &Command{
		Flags: flags,
		Usage: "run [flags] <command> [args]",
		Short: "Run command in sandbox",
		Long: "Run a command inside the sandbox. The project directory is read-write,\n" +
			"the home directory is fresh except for persistent tool state, and the\n" +
			"package store is read-only.",
		Exec: func(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, args []string) error {
			if len(args) == 0 {
				return ErrUsage
			}

			dryRun, _ := flags.GetBool("dry-run")
			if dryRun {
				return printDryRun(ctx, cfg, env, logger, stdout, args)
			}

			return runInSandbox(ctx, cfg, env, logger, sigCh, sandbox.Stdio{Stdin: stdin, Stdout: stdout, Stderr: stderr}, args)
		},
	}
}

// ToolCmd creates a shortcut for `run <tool>`. Every argument, --help
// included, goes to the tool.
func ToolCmd(tool string, cfg *Config, env map[string]string, logger *zap.Logger, sigCh <-chan os.Signal) *Command {
	return &Command{
		Usage: tool + " [args]",
		Short: "Run " + tool + " in sandbox",
		Long:  "Equivalent to 'yolo run " + tool + " [args]'.",
		Exec: func(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, args []string) error {
			argv := append([]string{tool}, args...)

			return runInSandbox(ctx, cfg, env, logger, sigCh, sandbox.Stdio{Stdin: stdin, Stdout: stdout, Stderr: stderr}, argv)
		},
	}
}

func runInSandbox(ctx context.Context, cfg *Config, env map[string]string, logger *zap.Logger, sigCh <-chan os.Signal, stdio sandbox.Stdio, argv []string) error {
	s, err := newSandbox(cfg, env, logger)
	if err != nil {
		return err
	}

	code, err := s.Run(ctx, argv, stdio, sigCh)
	if err != nil {
		return err
	}

	logger.Debug("command exited", zap.Strings("argv", argv), zap.Int("code", code))

	if code != 0 {
		return ExitCodeError{Code: code}
	}

	return nil
}

func printDryRun(ctx context.Context, cfg *Config, env map[string]string, logger *zap.Logger, stdout io.Writer, argv []string) error {
	s, err := newSandbox(cfg, env, logger)
	if err != nil {
		return err
	}

	cmd, cleanup, err := s.Command(ctx, argv)
	if err != nil {
		return err
	}

	defer func() { _ = cleanup() }()

	quoted := make([]string, len(cmd.Args))
	for i, arg := range cmd.Args {
		quoted[i] = shellQuote(arg)
	}

	fprintln(stdout, strings.Join(quoted, " "))

	return nil
}

// shellQuote quotes s for a POSIX shell when it contains anything beyond a
// conservative set of safe characters.
func shellQuote(s string) string {
	if s == "" {
		return "''"
	}

	safe := true

	for _, r := range s {
		if !isShellSafe(r) {
			safe = false

			break
		}
	}

	if safe {
		return s
	}

	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func isShellSafe(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	}

	return strings.ContainsRune("-_./=:,+@%", r)
}
