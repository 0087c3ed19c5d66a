//go:build linux

package main

import (
	"context"
	"io"

	flag "github.com/spf13/pflag"

	"github.com/ciiol/yolo-nix-sandbox/sandbox"
)

// CheckCmd creates the check command for sandbox detection.
func CheckCmd(cfg *Config, env map[string]string) *Command {
	flags := flag.NewFlagSet("check", flag.ContinueOnError)
	flags.BoolP("help", "h", false, "Show help")
	flags.BoolP("verbose", "v", false, "Print the probed namespace state")

	return &Command{
		Flags: flags,
		Usage: "check [flags]",
		Short: "Check if running inside sandbox",
		Long: "Detect if the current process runs inside a user namespace with no\n" +
			"effective capabilities. Exits 0 if sandboxed, 1 otherwise.",
		Exec: func(_ context.Context, _ io.Reader, stdout, _ io.Writer, _ []string) error {
			verbose, _ := flags.GetBool("verbose")

			probe, err := sandbox.ProbeSelf()
			if err != nil {
				return err
			}

			inside := probe.InsideSandbox()

			if verbose {
				printProbe(stdout, probe)
				printWideEligibility(stdout, cfg, env)

				if inside {
					fprintln(stdout, "sandbox: yes")
				} else {
					fprintln(stdout, "sandbox: no")
				}
			}

			if !inside {
				return ErrSilentExit
			}

			return nil
		},
	}
}

func printProbe(output io.Writer, probe sandbox.Probe) {
	fprintln(output, "uid_map:")

	for _, line := range probe.UIDMap {
		fprintf(output, "  %d %d %d\n", line.Inside, line.Outside, line.Count)
	}

	fprintf(output, "CapEff: %016x\n", probe.CapEff)
}

// printWideEligibility reports whether a sandbox started from here could use
// wide id mapping.
func printWideEligibility(output io.Writer, cfg *Config, env map[string]string) {
	sbEnv, err := sandboxEnvironment(cfg, env)
	if err != nil {
		fprintf(output, "wide ids: unknown (%v)\n", err)

		return
	}

	sbCfg, err := sandboxConfig(cfg, env, nopLogger())
	if err != nil {
		fprintf(output, "wide ids: unknown (%v)\n", err)

		return
	}

	probe := sandbox.ProbeIdentity(&sbCfg, sbEnv)
	eligible := sandbox.WideEligible(sbEnv.UID, sbEnv.GID, probe)

	fprintf(output, "wide ids: %t (subuid=%t subgid=%t helpers=%t)\n",
		eligible, probe.SubUID != nil, probe.SubGID != nil, probe.HelpersPresent())

	if cfg.WideIDs != nil && !*cfg.WideIDs {
		fprintln(output, "wide ids: disabled by config")
	}
}
