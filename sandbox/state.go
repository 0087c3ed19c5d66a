//go:build linux

package sandbox

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Tool is a named program whose home-relative state persists across runs.
//
// Each path is stored under <state root>/<Name>/<path> on the host and bound
// read-write at <home>/<path> inside the sandbox.
type Tool struct {
	Name string
	// Dirs are home-relative directories.
	Dirs []string
	// Files are home-relative regular files.
	Files []string
}

// DefaultTools returns the built-in persistent tool set.
func DefaultTools() []Tool {
	return []Tool{
		{Name: "claude", Dirs: []string{".claude"}, Files: []string{".claude.json"}},
		{Name: "codex", Dirs: []string{".codex"}},
		{Name: "gemini", Dirs: []string{".gemini"}},
		{Name: "ralphex", Dirs: []string{".config/ralphex"}},
		{Name: "gh", Dirs: []string{".config/gh"}},
		{Name: "containers", Dirs: []string{".local/share/containers"}},
		{Name: "ssh", Dirs: []string{".ssh"}},
	}
}

// DefaultStateRoot returns $XDG_DATA_HOME/yolo, or ~/.local/share/yolo when
// XDG_DATA_HOME is unset.
func DefaultStateRoot(hostEnv map[string]string, homeDir string) string {
	if xdg := hostEnv["XDG_DATA_HOME"]; xdg != "" && filepath.IsAbs(xdg) {
		return filepath.Join(xdg, "yolo")
	}

	return filepath.Join(homeDir, ".local", "share", "yolo")
}

// PersistentStateRoot is the host directory tree holding per-tool state.
//
// The engine creates paths on first use and never deletes anything. Concurrent
// runs share it without locking.
type PersistentStateRoot struct {
	Dir string
}

// Path returns the host path backing rel for tool.
func (r PersistentStateRoot) Path(tool, rel string) string {
	return filepath.Join(r.Dir, tool, rel)
}

// ensure creates the backing paths of tool and returns the entries binding
// them under homeDir.
func (r PersistentStateRoot) ensure(tool Tool, homeDir string) ([]MountEntry, error) {
	entries := make([]MountEntry, 0, len(tool.Dirs)+len(tool.Files))

	for _, rel := range tool.Dirs {
		src := r.Path(tool.Name, rel)

		err := os.MkdirAll(src, 0o700)
		if err != nil {
			return nil, fmt.Errorf("%w: create state dir %q for %s: %w", ErrMount, src, tool.Name, err)
		}

		entries = append(entries, MountEntry{Source: src, Destination: filepath.Join(homeDir, rel), Mode: ReadWrite})
	}

	for _, rel := range tool.Files {
		src := r.Path(tool.Name, rel)

		err := ensureFile(src)
		if err != nil {
			return nil, fmt.Errorf("%w: create state file %q for %s: %w", ErrMount, src, tool.Name, err)
		}

		entries = append(entries, MountEntry{Source: src, Destination: filepath.Join(homeDir, rel), Mode: ReadWrite})
	}

	return entries, nil
}

// ensureFile creates an empty file at path unless a regular file exists.
func ensureFile(path string) error {
	info, err := os.Stat(path)
	if err == nil {
		if !info.Mode().IsRegular() {
			return fmt.Errorf("%q exists and is not a regular file", path)
		}

		return nil
	}

	if !errors.Is(err, os.ErrNotExist) {
		return err
	}

	err = os.MkdirAll(filepath.Dir(path), 0o700)
	if err != nil {
		return err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}

	return f.Close()
}
