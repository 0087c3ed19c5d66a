//go:build linux

package sandbox

// This file translates a MountPlan into bubblewrap arguments.
//
// The translation is pure: every filesystem check already happened in
// BuildMountPlan. Per-command resources (synthesized files, the empty file used
// to hide files, the identity handshake pipes) are allocated by Command and
// Run.
import (
	"fmt"
	"strconv"
)

// baseBwrapArgs isolate every namespace except the network, drop all
// capabilities and tie the sandbox lifetime to the supervisor.
//
// There is deliberately no --new-session: the sandboxed command stays in the
// terminal's session so job control keeps working. A sandboxed process can
// still setsid, but taking over the terminal with TIOCSCTTY needs
// CAP_SYS_ADMIN in the initial user namespace, so the steal fails.
var baseBwrapArgs = []string{
	"--die-with-parent",
	"--unshare-all",
	"--share-net",
	"--unshare-user",
	"--cap-drop", "ALL",
}

// emptyDataFD is a sentinel used for hidden files that are materialized at
// Command() time.
//
// During planning a placeholder FD string is emitted in the bwrap argv.
// Command() then opens an always-empty reader (/dev/null) as an inherited
// ExtraFile and replaces the placeholder with its child FD number.
const (
	emptyDataFD            = -1
	emptyDataFDPlaceholder = "\x00YOLO_EMPTYDATAFD\x00"
)

// planner accumulates bubblewrap arguments.
type planner struct {
	debugf func(string, ...any)

	args           []string
	needsEmptyFile bool
}

// bwrapArgsForPlan returns the static bwrap arguments for plan: namespace
// flags, every mount in plan order, the symlinks and the working directory.
//
// The second result reports whether the args contain the empty-file
// placeholder.
func bwrapArgsForPlan(plan MountPlan, workDir string, debugf func(string, ...any)) ([]string, bool, error) {
	if debugf == nil {
		debugf = func(string, ...any) {}
	}

	p := planner{debugf: debugf, args: make([]string, 0, 16+len(plan.Entries)*3+len(plan.Links)*3)}
	p.appendArgs(baseBwrapArgs...)

	err := p.appendMountPlan(plan)
	if err != nil {
		return nil, false, err
	}

	p.appendChdir(workDir)

	p.debugf("bwrap args=%d needsEmptyFile=%t", len(p.args), p.needsEmptyFile)

	return p.args, p.needsEmptyFile, nil
}

func (p *planner) appendArgs(parts ...string) {
	p.args = append(p.args, parts...)
}

func (p *planner) appendTmpfs(dst string) {
	p.args = append(p.args, "--tmpfs", dst)
}

func (p *planner) appendChdir(dir string) {
	p.args = append(p.args, "--chdir", dir)
}

func (p *planner) appendMountPlan(plan MountPlan) error {
	rootSeen := false

	for i, e := range plan.Entries {
		if e.Destination == "/" {
			if e.Mode != FreshEmpty {
				return internalErrorf("appendMountPlan", "entry %d: root must be fresh, got %s", i, e.Mode)
			}

			p.appendTmpfs("/")
			p.appendArgs("--dev", "/dev", "--proc", "/proc")

			rootSeen = true

			continue
		}

		if !rootSeen {
			return internalErrorf("appendMountPlan", "entry %d (%q) precedes the root", i, e.Destination)
		}

		op, err := mountOpForEntry(e)
		if err != nil {
			return fmt.Errorf("entry %d: %w", i, err)
		}

		if op.FD == emptyDataFD {
			p.needsEmptyFile = true
		}

		args, err := mountToArgs(op)
		if err != nil {
			return fmt.Errorf("mountToArgs for %s src=%q dst=%q: %w", mountKindName(op.Kind), op.Src, op.Dst, err)
		}

		p.args = append(p.args, args...)
	}

	if !rootSeen {
		return internalErrorf("appendMountPlan", "plan has no root entry")
	}

	for _, link := range plan.Links {
		args, err := mountToArgs(mountOp{Kind: mountSymlink, Src: link.Target, Dst: link.Destination})
		if err != nil {
			return err
		}

		p.args = append(p.args, args...)
	}

	return nil
}

// mountOpForEntry maps a plan entry onto one bubblewrap operation.
//
// Hidden directories become an empty tmpfs. Hidden files are covered by an
// unreadable empty file.
func mountOpForEntry(e MountEntry) (mountOp, error) {
	switch e.Mode {
	case ReadOnly:
		return mountOp{Kind: mountRoBind, Src: e.Source, Dst: e.Destination}, nil
	case ReadWrite:
		return mountOp{Kind: mountBind, Src: e.Source, Dst: e.Destination}, nil
	case FreshEmpty:
		return mountOp{Kind: mountTmpfs, Dst: e.Destination}, nil
	case Hidden:
		if e.File {
			return mountOp{Kind: mountRoBindData, Dst: e.Destination, FD: emptyDataFD, Perms: 0o000}, nil
		}

		return mountOp{Kind: mountTmpfs, Dst: e.Destination}, nil
	default:
		return mountOp{}, internalErrorf("mountOpForEntry", "unknown mode %s for %q", e.Mode, e.Destination)
	}
}

// mountKindName returns a stable, human-readable name for a mountKind.
func mountKindName(kind mountKind) string {
	switch kind {
	case mountRoBind:
		return "ro-bind"
	case mountBind:
		return "bind"
	case mountTmpfs:
		return "tmpfs"
	case mountRoBindData:
		return "ro-bind-data"
	case mountSymlink:
		return "symlink"
	default:
		return fmt.Sprintf("unknown(%d)", kind)
	}
}

// mountToArgs converts a mountOp into the corresponding bwrap CLI arguments.
func mountToArgs(op mountOp) ([]string, error) {
	switch op.Kind {
	case mountRoBind:
		return []string{"--ro-bind", op.Src, op.Dst}, nil
	case mountBind:
		return []string{"--bind", op.Src, op.Dst}, nil
	case mountTmpfs:
		return []string{"--tmpfs", op.Dst}, nil
	case mountSymlink:
		if op.Src == "" {
			return nil, internalErrorf("mountToArgs", "symlink %q has no target", op.Dst)
		}

		return []string{"--symlink", op.Src, op.Dst}, nil
	case mountRoBindData:
		var fdString string

		switch {
		case op.FD == emptyDataFD:
			fdString = emptyDataFDPlaceholder
		case op.FD <= 0:
			return nil, internalErrorf("mountToArgs", "ro-bind-data mount has invalid FD %d (dst=%q)", op.FD, op.Dst)
		default:
			fdString = strconv.Itoa(op.FD)
		}

		// Note: bwrap expects an octal string (e.g. 0644) for --perms.
		permString := fmt.Sprintf("%04o", op.Perms.Perm())

		return []string{"--perms", permString, "--ro-bind-data", fdString, op.Dst}, nil
	default:
		return nil, internalErrorf("mountToArgs", "unknown mount kind %d (src=%q dst=%q fd=%d perms=%#o)", op.Kind, op.Src, op.Dst, op.FD, uint32(op.Perms.Perm()))
	}
}
