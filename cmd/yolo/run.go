//go:build linux

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"

	flag "github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/term"
)

// toolShortcuts are subcommands equivalent to `run <tool>`.
var toolShortcuts = []string{"claude", "codex", "gemini", "ralphex"}

// Run is the main entry point. Returns exit code.
// sigCh can be nil if signal handling is not needed (e.g., in tests).
func Run(stdin io.Reader, stdout, stderr io.Writer, args []string, env map[string]string, sigCh <-chan os.Signal) int {
	globalFlags := flag.NewFlagSet("yolo", flag.ContinueOnError)
	globalFlags.SetInterspersed(false)
	globalFlags.Usage = func() {}
	globalFlags.SetOutput(&strings.Builder{})

	flagHelp := globalFlags.BoolP("help", "h", false, "Show help")
	flagVersion := globalFlags.BoolP("version", "v", false, "Show version and exit")
	flagCwd := globalFlags.StringP("cwd", "C", "", "Run as if started in `dir`")
	flagConfig := globalFlags.String("config", "", "Use specified config `file`")
	flagDebug := globalFlags.Bool("debug", false, "Print sandbox setup details to stderr")

	err := globalFlags.Parse(args[1:])
	if err != nil {
		fprintError(stderr, err)
		fprintln(stderr)
		printGlobalOptions(stderr)

		return exitUsage
	}

	if *flagVersion {
		if commit == "none" && date == "unknown" {
			fprintf(stdout, "yolo %s (built from source)\n", version)
		} else {
			fprintf(stdout, "yolo %s (%s, %s)\n", version, commit, date)
		}

		return 0
	}

	commandAndArgs := globalFlags.Args()

	if *flagHelp {
		printUsage(stdout, describeCommands())

		return 0
	}

	if len(commandAndArgs) == 0 {
		printUsage(stderr, describeCommands())

		return exitUsage
	}

	cmdName := commandAndArgs[0]

	if findCommand(describeCommands(), cmdName) == nil {
		fprintError(stderr, fmt.Errorf("unknown command %q", cmdName))
		fprintln(stderr)
		printUsage(stderr, describeCommands())

		return exitUsage
	}

	logger := newLogger(stderr, *flagDebug || debugFromEnv(env))
	defer func() { _ = logger.Sync() }()

	cfg, err := LoadConfig(LoadConfigInput{
		WorkDirOverride: *flagCwd,
		ConfigPath:      *flagConfig,
		Env:             env,
	})
	if err != nil {
		fprintError(stderr, err)

		return exitError
	}

	logConfig(logger, &cfg)

	cmd := findCommand(newCommands(&cfg, env, logger, sigCh), cmdName)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	return cmd.Run(ctx, stdin, stdout, stderr, commandAndArgs[1:])
}

func newCommands(cfg *Config, env map[string]string, logger *zap.Logger, sigCh <-chan os.Signal) []*Command {
	commands := []*Command{RunCmd(cfg, env, logger, sigCh)}

	for _, tool := range toolShortcuts {
		commands = append(commands, ToolCmd(tool, cfg, env, logger, sigCh))
	}

	return append(commands, CheckCmd(cfg, env))
}

func findCommand(commands []*Command, name string) *Command {
	for _, cmd := range commands {
		if cmd.Name() == name || slices.Contains(cmd.Aliases, name) {
			return cmd
		}
	}

	return nil
}

// describeCommands builds the command list for usage output without loading
// any configuration.
func describeCommands() []*Command {
	var cfg Config

	return newCommands(&cfg, nil, nopLogger(), nil)
}

func fprintln(output io.Writer, a ...any) {
	_, _ = fmt.Fprintln(output, a...)
}

func fprintf(output io.Writer, format string, a ...any) {
	_, _ = fmt.Fprintf(output, format, a...)
}

// ANSI color codes for terminal output.
const (
	colorRed   = "\033[31m"
	colorReset = "\033[0m"
)

// fprintError prints an error message, red when output is a terminal.
func fprintError(output io.Writer, err error) {
	if isTerminal(output) {
		fprintln(output, colorRed+"error:"+colorReset, err)
	} else {
		fprintln(output, "error:", err)
	}
}

// isTerminal reports whether w is a terminal. It can be overridden in tests.
var isTerminal = func(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}

	return term.IsTerminal(int(f.Fd()))
}

const globalOptionsHelp = `  -h, --help             Show help
  -v, --version          Show version and exit
  -C, --cwd <dir>        Run as if started in <dir>
      --config <file>    Use specified config file
      --debug            Print sandbox setup details to stderr`

func printGlobalOptions(output io.Writer) {
	fprintln(output, "Usage: yolo [flags] <command> [args]")
	fprintln(output)
	fprintln(output, "Global flags:")
	fprintln(output, globalOptionsHelp)
	fprintln(output)
	fprintln(output, "Run 'yolo --help' for a list of commands.")
}

func printUsage(output io.Writer, commands []*Command) {
	fprintln(output, "yolo - run coding agents in a nix sandbox")
	fprintln(output)
	fprintln(output, "Usage: yolo [flags] <command> [args]")
	fprintln(output)
	fprintln(output, "Flags:")
	fprintln(output, globalOptionsHelp)
	fprintln(output)
	fprintln(output, "Commands:")

	for _, cmd := range commands {
		fprintln(output, cmd.HelpLine())
	}

	fprintln(output)
	fprintln(output, "Run 'yolo <command> --help' for more information on a command.")
}
