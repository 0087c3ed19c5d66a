//go:build linux

// Command yolo runs commands in a nix-backed bubblewrap sandbox.
package main

import (
	"os"
	"os/signal"
	"strings"
	"syscall"
)

// Set at link time with -ldflags "-X main.version=...".
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// Build-time defaults, usually injected by the nix package so that the binary
// knows its own sandbox profile and system resources.
var (
	defaultProfile       = ""
	defaultStore         = "/nix/store"
	defaultDaemonSocket  = "/nix/var/nix/daemon-socket"
	defaultCABundle      = ""
	defaultTerminfo      = ""
	defaultLocaleArchive = ""
)

func main() {
	sigCh := make(chan os.Signal, 4)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGQUIT, syscall.SIGWINCH)

	os.Exit(Run(os.Stdin, os.Stdout, os.Stderr, os.Args, environMap(os.Environ()), sigCh))
}

func environMap(environ []string) map[string]string {
	env := make(map[string]string, len(environ))

	for _, kv := range environ {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || key == "" {
			continue
		}

		env[key] = value
	}

	return env
}
