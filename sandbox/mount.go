//go:build linux

package sandbox

import (
	"fmt"
	"os"
)

// MountMode selects how a MountEntry appears inside the sandbox.
//
// The zero value is invalid.
type MountMode int

const (
	// ReadOnly exposes Source at Destination; writes fail.
	ReadOnly MountMode = iota + 1

	// ReadWrite exposes Source at Destination; writes are visible on the host
	// immediately.
	ReadWrite

	// Hidden masks Destination. Directories become empty, files become
	// unreadable empty files. Source is ignored.
	Hidden

	// FreshEmpty mounts an empty, writable, per-run tmpfs at Destination.
	// Nothing from the host is visible and nothing written survives the run.
	FreshEmpty
)

func (m MountMode) String() string {
	switch m {
	case ReadOnly:
		return "ro"
	case ReadWrite:
		return "rw"
	case Hidden:
		return "hidden"
	case FreshEmpty:
		return "fresh"
	default:
		return fmt.Sprintf("unknown(%d)", int(m))
	}
}

// MountEntry is one step of a MountPlan.
//
// Later entries shadow earlier ones at the same or a deeper path.
type MountEntry struct {
	// Source is the host path. Empty for Hidden and FreshEmpty.
	Source string
	// Destination is the absolute path inside the sandbox.
	Destination string
	Mode        MountMode

	// Optional entries are dropped at planning time when Source is missing.
	// A missing Source on a non-optional entry is a MountError.
	Optional bool

	// File marks a Hidden entry whose target is a file.
	File bool
}

// Link is a symlink created inside the sandbox.
type Link struct {
	Target      string
	Destination string
}

// DataFile is a synthesized read-only file injected into the sandbox.
type DataFile struct {
	Destination string
	Data        string
	Perms       os.FileMode
}

// mountKind is a bubblewrap filesystem operation.
type mountKind int

const (
	mountRoBind mountKind = iota + 1
	mountBind
	mountTmpfs
	mountRoBindData
	mountSymlink
)

// mountOp is a single bubblewrap filesystem operation.
//
// mountRoBindData uses FD and Perms to mount file content provided through
// exec.Cmd.ExtraFiles. mountSymlink uses Src as the link target.
type mountOp struct {
	Kind  mountKind
	Src   string
	Dst   string
	Perms os.FileMode
	// FD refers to the child FD number inside the bwrap process (e.g. 3 for the
	// first ExtraFile).
	FD int
}
