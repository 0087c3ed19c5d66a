//go:build linux

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	flag "github.com/spf13/pflag"
)

// Exit codes of the yolo binary itself.
const (
	exitError = 1
	exitUsage = 2
)

var (
	// ErrSilentExit makes a command exit 1 without printing anything.
	ErrSilentExit = errors.New("silent exit")
	// ErrUsage makes a command print its usage and exit 2.
	ErrUsage = errors.New("usage error")
)

// ExitCodeError carries the exit code of a sandboxed command through to the
// process exit without printing.
type ExitCodeError struct {
	Code int
}

func (e ExitCodeError) Error() string {
	return fmt.Sprintf("exit status %d", e.Code)
}

// Command is one yolo subcommand.
type Command struct {
	Flags   *flag.FlagSet
	Usage   string // e.g. "run [flags] <command> [args]"
	Short   string // one line for the command list
	Long    string // full description for --help
	Aliases []string

	// Exec runs the command with the arguments left after flag parsing.
	Exec func(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, args []string) error
}

// Name is the first word of Usage.
func (c *Command) Name() string {
	name, _, _ := strings.Cut(c.Usage, " ")

	return name
}

// HelpLine is the command's entry in the top-level usage.
func (c *Command) HelpLine() string {
	return fmt.Sprintf("  %-28s %s", c.Usage, c.Short)
}

// PrintHelp writes the full help of the command.
func (c *Command) PrintHelp(output io.Writer) {
	fprintln(output, "Usage: yolo "+c.Usage)
	fprintln(output)
	fprintln(output, c.Long)

	if c.Flags != nil && c.Flags.HasFlags() {
		fprintln(output)
		fprintln(output, "Flags:")
		fprintf(output, "%s", c.Flags.FlagUsages())
	}
}

// Run parses flags, executes the command and maps its error to an exit code.
func (c *Command) Run(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, args []string) int {
	if c.Flags != nil {
		c.Flags.Usage = func() {}
		c.Flags.SetOutput(&strings.Builder{})

		err := c.Flags.Parse(args)
		if err != nil {
			fprintError(stderr, err)
			fprintln(stderr)
			c.PrintHelp(stderr)

			return exitUsage
		}

		if help, _ := c.Flags.GetBool("help"); help {
			c.PrintHelp(stdout)

			return 0
		}

		args = c.Flags.Args()
	}

	err := c.Exec(ctx, stdin, stdout, stderr, args)

	var codeErr ExitCodeError

	switch {
	case err == nil:
		return 0
	case errors.As(err, &codeErr):
		return codeErr.Code
	case errors.Is(err, ErrSilentExit):
		return exitError
	case errors.Is(err, ErrUsage):
		c.PrintHelp(stderr)

		return exitUsage
	default:
		fprintError(stderr, err)

		return exitError
	}
}
