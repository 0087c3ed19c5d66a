//go:build linux

package sandbox

// This file contains the mount plan builder.
//
// The builder turns the project/home/state/system inputs into an ordered list
// of MountEntry values. It performs all filesystem-dependent work (existence
// checks, symlink reproduction, state directory creation) so that the plan can
// be translated into bwrap arguments without touching the host again.
import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
)

// ErrMount reports a mount plan that cannot be applied. It is fatal and is
// always returned before anything is executed.
var ErrMount = errors.New("mount error")

// Conventional in-sandbox locations of system resources.
const (
	CABundlePath      = "/etc/ssl/certs/ca-certificates.crt"
	TerminfoPath      = "/usr/share/terminfo"
	LocaleArchivePath = "/usr/lib/locale/locale-archive"
)

// SystemFiles are host sources for resources that programs expect at fixed
// paths. Empty fields are not mounted.
type SystemFiles struct {
	// CABundle is mounted at CABundlePath.
	CABundle string
	// Terminfo is mounted at TerminfoPath.
	Terminfo string
	// LocaleArchive is mounted at LocaleArchivePath.
	LocaleArchive string
}

// PlanInput is everything the mount plan depends on.
type PlanInput struct {
	ProjectDir string
	HomeDir    string

	State PersistentStateRoot
	Tools []Tool

	// Store is the read-only package store, mounted at its own path.
	Store string
	// DaemonSocket is the store daemon socket directory. Optional.
	DaemonSocket string
	// ReadOnly are extra host paths exposed at their own path. Host symlinks
	// are reproduced as symlinks.
	ReadOnly []string
	System   SystemFiles

	// Hidden are paths masked inside the sandbox. Relative paths are resolved
	// against ProjectDir. Missing paths are skipped.
	Hidden []string

	// Network exposes the host resolver files.
	Network bool

	// Links are symlinks created unless a mount already provides the path.
	Links []Link
}

// MountPlan is the ordered filesystem view of a sandbox.
//
// Entries are sorted from the shallowest destination to the deepest, keeping
// rule order for equal depth, so a FreshEmpty or Hidden entry always comes
// before anything re-exposed beneath it.
type MountPlan struct {
	Entries []MountEntry
	Links   []Link
}

// BuildMountPlan computes the mount plan for in.
//
// State paths for every tool are created on the host if absent.
func BuildMountPlan(in PlanInput, debugf func(string, ...any)) (MountPlan, error) {
	if debugf == nil {
		debugf = func(string, ...any) {}
	}

	b := planBuilder{in: in, debugf: debugf}

	return b.build()
}

type planBuilder struct {
	in     PlanInput
	debugf func(string, ...any)

	entries []MountEntry
	links   []Link
}

func (b *planBuilder) build() (MountPlan, error) {
	in := b.in

	err := b.checkProjectDir()
	if err != nil {
		return MountPlan{}, err
	}

	b.add(MountEntry{Destination: "/", Mode: FreshEmpty})

	if in.Store != "" {
		b.add(MountEntry{Source: in.Store, Destination: in.Store, Mode: ReadOnly})
	}

	if in.DaemonSocket != "" {
		b.add(MountEntry{Source: in.DaemonSocket, Destination: in.DaemonSocket, Mode: ReadOnly, Optional: true})
	}

	for _, path := range in.ReadOnly {
		b.addHostPath(path)
	}

	b.add(MountEntry{Destination: "/tmp", Mode: FreshEmpty})
	b.add(MountEntry{Destination: "/run", Mode: FreshEmpty})
	b.add(MountEntry{Destination: in.HomeDir, Mode: FreshEmpty})

	stateAt := len(b.entries)

	var stateEntries []MountEntry

	for _, tool := range in.Tools {
		toolEntries, err := in.State.ensure(tool, in.HomeDir)
		if err != nil {
			return MountPlan{}, err
		}

		b.debugf("state %s: %d paths under %s", tool.Name, len(toolEntries), filepath.Join(in.State.Dir, tool.Name))
		stateEntries = append(stateEntries, toolEntries...)
	}

	b.add(MountEntry{Source: in.ProjectDir, Destination: in.ProjectDir, Mode: ReadWrite})

	b.addSystemFile(in.System.CABundle, CABundlePath)
	b.addSystemFile(in.System.Terminfo, TerminfoPath)
	b.addSystemFile(in.System.LocaleArchive, LocaleArchivePath)

	if in.Network {
		b.entries = append(b.entries, dnsResolverEntries(b.debugf)...)
	}

	for _, path := range in.Hidden {
		b.addHidden(path)
	}

	err = b.checkHomeExposure()
	if err != nil {
		return MountPlan{}, err
	}

	b.entries = slices.Insert(b.entries, stateAt, stateEntries...)

	entries, err := b.checkSources()
	if err != nil {
		return MountPlan{}, err
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return pathDepth(entries[i].Destination) < pathDepth(entries[j].Destination)
	})

	plan := MountPlan{Entries: entries}
	plan.Links = append(slices.Clone(b.links), b.unshadowedLinks(entries)...)

	err = plan.Validate()
	if err != nil {
		return MountPlan{}, err
	}

	b.debugf("mount plan entries=%d links=%d", len(plan.Entries), len(plan.Links))

	return plan, nil
}

func (b *planBuilder) add(e MountEntry) {
	b.entries = append(b.entries, e)
}

// checkProjectDir rejects project directories whose read-write exposure would
// widen an isolation guarantee.
func (b *planBuilder) checkProjectDir() error {
	project := b.in.ProjectDir

	info, err := os.Stat(project)
	if err != nil {
		return fmt.Errorf("%w: project directory %q: %w", ErrMount, project, err)
	}

	if !info.IsDir() {
		return fmt.Errorf("%w: project directory %q is not a directory", ErrMount, project)
	}

	if isAncestorOrEqual(project, b.in.HomeDir) {
		return fmt.Errorf("%w: project directory %q would expose the home directory %q", ErrMount, project, b.in.HomeDir)
	}

	if b.in.Store != "" && (isAncestorOrEqual(b.in.Store, project) || isAncestorOrEqual(project, b.in.Store)) {
		return fmt.Errorf("%w: project directory %q overlaps the package store %q", ErrMount, project, b.in.Store)
	}

	return nil
}

// checkHomeExposure rejects host sources inside the home directory. Only the
// project directory and the per-tool state paths may reach into it; those
// are not in b.entries yet when this runs.
func (b *planBuilder) checkHomeExposure() error {
	home := resolvedPath(b.in.HomeDir)
	project := resolvedPath(b.in.ProjectDir)

	for _, e := range b.entries {
		if e.Mode != ReadOnly && e.Mode != ReadWrite {
			continue
		}

		src := resolvedPath(e.Source)
		if !isAncestorOrEqual(home, src) || isAncestorOrEqual(project, src) {
			continue
		}

		return fmt.Errorf("%w: %s source %q is inside the home directory %q", ErrMount, e.Mode, e.Source, b.in.HomeDir)
	}

	return nil
}

// resolvedPath returns path with symlinks resolved, or cleaned when it cannot
// be resolved.
func resolvedPath(path string) string {
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		return filepath.Clean(path)
	}

	return resolved
}

// addHostPath exposes a host system path read-only, reproducing it as a
// symlink when it is one on the host (e.g. /bin -> usr/bin).
func (b *planBuilder) addHostPath(path string) {
	path = filepath.Clean(path)

	info, err := os.Lstat(path)
	if err == nil && info.Mode()&os.ModeSymlink != 0 {
		target, err := os.Readlink(path)
		if err == nil {
			b.debugf("read-only %s is a symlink to %q; reproducing it", path, target)
			b.links = append(b.links, Link{Target: target, Destination: path})

			return
		}
	}

	b.add(MountEntry{Source: path, Destination: path, Mode: ReadOnly})
}

func (b *planBuilder) addSystemFile(src, dst string) {
	if src == "" {
		return
	}

	b.add(MountEntry{Source: src, Destination: dst, Mode: ReadOnly})
}

func (b *planBuilder) addHidden(path string) {
	if !filepath.IsAbs(path) {
		path = filepath.Join(b.in.ProjectDir, path)
	}

	path = filepath.Clean(path)

	info, err := os.Lstat(path)
	if err != nil {
		b.debugf("hidden %s: not present, skipping", path)

		return
	}

	b.add(MountEntry{Destination: path, Mode: Hidden, File: !info.IsDir()})
}

// checkSources drops optional entries whose source is missing and reports
// required ones.
func (b *planBuilder) checkSources() ([]MountEntry, error) {
	out := make([]MountEntry, 0, len(b.entries))

	for _, e := range b.entries {
		if e.Mode == ReadOnly || e.Mode == ReadWrite {
			_, err := os.Stat(e.Source)
			if err != nil {
				if e.Optional && errors.Is(err, os.ErrNotExist) {
					b.debugf("optional %s source %q missing, skipping", e.Mode, e.Source)

					continue
				}

				return nil, fmt.Errorf("%w: %s source %q for %q: %w", ErrMount, e.Mode, e.Source, e.Destination, err)
			}
		}

		out = append(out, e)
	}

	return out, nil
}

// unshadowedLinks returns the configured links whose destination is not
// already provided by a mount or a reproduced host symlink.
func (b *planBuilder) unshadowedLinks(entries []MountEntry) []Link {
	var out []Link

	for _, link := range b.in.Links {
		shadowed := false

		for _, e := range entries {
			if e.Mode != FreshEmpty && isAncestorOrEqual(e.Destination, link.Destination) {
				shadowed = true

				break
			}
		}

		for _, l := range b.links {
			if isAncestorOrEqual(l.Destination, link.Destination) {
				shadowed = true

				break
			}
		}

		if shadowed {
			b.debugf("link %s skipped: provided by a mount", link.Destination)

			continue
		}

		out = append(out, link)
	}

	return out
}

// Validate checks the plan invariants:
//   - every destination is absolute and clean
//   - no two ReadWrite destinations overlap
//   - a FreshEmpty or Hidden entry precedes every entry beneath it
func (p MountPlan) Validate() error {
	var errs []error

	for i, e := range p.Entries {
		if !filepath.IsAbs(e.Destination) || filepath.Clean(e.Destination) != e.Destination {
			errs = append(errs, fmt.Errorf("entry %d: destination %q is not an absolute clean path", i, e.Destination))

			continue
		}

		switch e.Mode {
		case ReadOnly, ReadWrite, Hidden, FreshEmpty:
		default:
			errs = append(errs, fmt.Errorf("entry %d (%q): invalid mode %s", i, e.Destination, e.Mode))
		}

		for j := range i {
			prev := p.Entries[j]

			if e.Mode == ReadWrite && prev.Mode == ReadWrite &&
				(isAncestorOrEqual(prev.Destination, e.Destination) || isAncestorOrEqual(e.Destination, prev.Destination)) {
				errs = append(errs, fmt.Errorf("read-write destinations overlap: %q and %q", prev.Destination, e.Destination))
			}

			if (e.Mode == FreshEmpty || e.Mode == Hidden) && isStrictAncestor(e.Destination, prev.Destination) {
				errs = append(errs, fmt.Errorf("%s %q applied after %q beneath it", e.Mode, e.Destination, prev.Destination))
			}
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrMount, errors.Join(errs...))
	}

	return nil
}

// maxLinkHops bounds symlink expansion in HostPath.
const maxLinkHops = 8

// HostPath maps a path inside the sandbox to the host path that backs it.
//
// Links in the plan are followed. It reports false when the path is on a
// fresh or hidden mount, since nothing from the host is visible there.
func (p MountPlan) HostPath(inside string) (string, bool) {
	inside = filepath.Clean(inside)

	for range maxLinkHops {
		next, ok := p.expandLink(inside)
		if !ok {
			break
		}

		inside = next
	}

	var cover *MountEntry

	for i := range p.Entries {
		if isAncestorOrEqual(p.Entries[i].Destination, inside) {
			cover = &p.Entries[i]
		}
	}

	if cover == nil || (cover.Mode != ReadOnly && cover.Mode != ReadWrite) {
		return "", false
	}

	rel, err := filepath.Rel(cover.Destination, inside)
	if err != nil {
		return "", false
	}

	return filepath.Join(cover.Source, rel), true
}

func (p MountPlan) expandLink(inside string) (string, bool) {
	for _, link := range p.Links {
		if !isAncestorOrEqual(link.Destination, inside) || link.Destination == "/" {
			continue
		}

		target := link.Target
		if !filepath.IsAbs(target) {
			target = filepath.Join(filepath.Dir(link.Destination), target)
		}

		rel, err := filepath.Rel(link.Destination, inside)
		if err != nil {
			return "", false
		}

		return filepath.Join(target, rel), true
	}

	return "", false
}

func pathDepth(path string) int {
	cleaned := filepath.Clean(path)
	if cleaned == "/" {
		return 0
	}

	return strings.Count(cleaned, "/")
}

// isAncestorOrEqual reports whether dir is path or one of its ancestors.
func isAncestorOrEqual(dir, path string) bool {
	dir = filepath.Clean(dir)
	path = filepath.Clean(path)

	if dir == path || dir == "/" {
		return true
	}

	return strings.HasPrefix(path, dir+"/")
}

func isStrictAncestor(dir, path string) bool {
	return filepath.Clean(dir) != filepath.Clean(path) && isAncestorOrEqual(dir, path)
}
