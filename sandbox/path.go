//go:build linux

package sandbox

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrCommandNotFound and ErrCommandNotExecutable classify a target command
// that cannot be started. They map to exit codes 127 and 126.
var (
	ErrCommandNotFound      = errors.New("command not found")
	ErrCommandNotExecutable = errors.New("permission denied")
)

// parsePathDirs splits PATH into a de-duplicated list of absolute directories.
//
// Empty PATH entries (meaning "current directory") are ignored.
func parsePathDirs(pathVar, workDir string) []string {
	parts := strings.Split(pathVar, ":")
	seen := make(map[string]struct{})
	out := make([]string, 0, len(parts))

	for _, dir := range parts {
		dir = strings.TrimSpace(dir)
		if dir == "" {
			continue
		}

		if !filepath.IsAbs(dir) {
			dir = filepath.Join(workDir, dir)
		}

		dir = filepath.Clean(dir)

		if _, ok := seen[dir]; ok {
			continue
		}

		seen[dir] = struct{}{}
		out = append(out, dir)
	}

	return out
}

// lookPathIn returns the first executable regular file named name in dirs, or
// "" if there is none.
func lookPathIn(name string, dirs []string) string {
	for _, dir := range dirs {
		candidate := filepath.Join(dir, name)
		if isExecutableFile(candidate) {
			return candidate
		}
	}

	return ""
}

// resolveCommand resolves argv0 the way a shell would against the sandbox
// PATH and returns the path of the command inside the sandbox.
//
// Lookups happen on the host: hostPath maps each candidate to the host path
// backing it, and candidates the sandbox cannot see are skipped.
func resolveCommand(argv0 string, pathDirs []string, workDir string, hostPath func(string) (string, bool)) (string, error) {
	if strings.Contains(argv0, "/") {
		path := argv0
		if !filepath.IsAbs(path) {
			path = filepath.Join(workDir, path)
		}

		host, ok := hostPath(path)
		if !ok {
			return "", fmt.Errorf("%s: %w", argv0, ErrCommandNotFound)
		}

		info, err := os.Stat(host)
		if err != nil {
			return "", fmt.Errorf("%s: %w", argv0, ErrCommandNotFound)
		}

		if info.IsDir() || info.Mode()&0o111 == 0 {
			return "", fmt.Errorf("%s: %w", argv0, ErrCommandNotExecutable)
		}

		return path, nil
	}

	for _, dir := range pathDirs {
		host, ok := hostPath(dir)
		if !ok {
			continue
		}

		if isExecutableFile(filepath.Join(host, argv0)) {
			return filepath.Join(dir, argv0), nil
		}
	}

	return "", fmt.Errorf("%s: %w", argv0, ErrCommandNotFound)
}

func isExecutableFile(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}

	return !info.IsDir() && info.Mode()&0o111 != 0
}
