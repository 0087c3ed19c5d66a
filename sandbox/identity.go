//go:build linux

package sandbox

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
)

const (
	defaultSubUIDFile = "/etc/subuid"
	defaultSubGIDFile = "/etc/subgid"

	newuidmapBinary = "newuidmap"
	newgidmapBinary = "newgidmap"

	// minWideID is the lowest invoking id eligible for wide mapping. Ids 0 and
	// 1 inside the namespace belong to the sandbox's own root and bookkeeping
	// identities.
	minWideID = 2
)

// SubIDRange is a host-delegated range of subordinate ids.
type SubIDRange struct {
	Start int
	Count int
}

// SubIDRecord is a single `name:start:count` line from /etc/subuid or
// /etc/subgid. Name is either a login name or a numeric id.
type SubIDRecord struct {
	Name  string
	Range SubIDRange
}

// ParseSubIDTable parses a sub-id delegation table.
//
// Blank lines, comments and malformed records are skipped. Records are
// returned in file order.
func ParseSubIDTable(r io.Reader) ([]SubIDRecord, error) {
	var records []SubIDRecord

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		rec, ok := parseSubIDLine(line)
		if !ok {
			continue
		}

		records = append(records, rec)
	}

	err := scanner.Err()
	if err != nil {
		return nil, fmt.Errorf("read sub-id table: %w", err)
	}

	return records, nil
}

func parseSubIDLine(line string) (SubIDRecord, bool) {
	fields := strings.Split(line, ":")
	if len(fields) != 3 || fields[0] == "" {
		return SubIDRecord{}, false
	}

	start, err := strconv.Atoi(fields[1])
	if err != nil || start < 0 {
		return SubIDRecord{}, false
	}

	count, err := strconv.Atoi(fields[2])
	if err != nil || count <= 0 {
		return SubIDRecord{}, false
	}

	return SubIDRecord{Name: fields[0], Range: SubIDRange{Start: start, Count: count}}, true
}

// LookupSubID returns the range delegated to the user. A record matches when
// its name equals user or the numeric id. The last matching record wins.
func LookupSubID(records []SubIDRecord, user string, id int) (SubIDRange, bool) {
	numeric := strconv.Itoa(id)

	var (
		found SubIDRange
		ok    bool
	)

	for _, rec := range records {
		if rec.Name == user || rec.Name == numeric {
			found = rec.Range
			ok = true
		}
	}

	return found, ok
}

// IdentityProbe is the host state wide mapping depends on.
type IdentityProbe struct {
	// SubUID and SubGID are the ranges delegated to the invoking user, nil
	// when the corresponding table has no record.
	SubUID *SubIDRange
	SubGID *SubIDRange
	// NewUIDMap and NewGIDMap are the paths of the setuid mapping helpers, or
	// "" when not found.
	NewUIDMap string
	NewGIDMap string
}

// HelpersPresent reports whether both mapping helpers were found.
func (p IdentityProbe) HelpersPresent() bool {
	return p.NewUIDMap != "" && p.NewGIDMap != ""
}

// WideEligible reports whether wide id mapping may be used for uid/gid.
//
// All of the following must hold: both tables have a record, both helpers are
// present, uid and gid are at least 2, and each id fits inside its delegated
// window.
func WideEligible(uid, gid int, probe IdentityProbe) bool {
	return wideIneligibleReason(uid, gid, probe) == ""
}

func wideIneligibleReason(uid, gid int, probe IdentityProbe) string {
	switch {
	case probe.SubUID == nil:
		return "no subuid record"
	case probe.SubGID == nil:
		return "no subgid record"
	case !probe.HelpersPresent():
		return "newuidmap/newgidmap not found"
	case uid < minWideID:
		return fmt.Sprintf("uid %d is reserved", uid)
	case gid < minWideID:
		return fmt.Sprintf("gid %d is reserved", gid)
	case uid >= probe.SubUID.Count:
		return fmt.Sprintf("uid %d outside delegated window of %d", uid, probe.SubUID.Count)
	case gid >= probe.SubGID.Count:
		return fmt.Sprintf("gid %d outside delegated window of %d", gid, probe.SubGID.Count)
	default:
		return ""
	}
}

// IDMapLine is one `inside outside count` line of a uid_map or gid_map.
type IDMapLine struct {
	Inside  int
	Outside int
	Count   int
}

// IdentityMapping is the user namespace id mapping for one run.
type IdentityMapping struct {
	HostUID int
	HostGID int
	Wide    bool
	// SubUID and SubGID are set only when Wide is true.
	SubUID *SubIDRange
	SubGID *SubIDRange

	newuidmap string
	newgidmap string
}

// Narrow returns the single-id mapping for the same host identity.
func (m IdentityMapping) Narrow() IdentityMapping {
	return IdentityMapping{HostUID: m.HostUID, HostGID: m.HostGID}
}

// UIDMap returns the uid_map lines for the namespace.
func (m IdentityMapping) UIDMap() []IDMapLine {
	return idMapLines(m.HostUID, m.SubUID, m.Wide)
}

// GIDMap returns the gid_map lines for the namespace.
func (m IdentityMapping) GIDMap() []IDMapLine {
	return idMapLines(m.HostGID, m.SubGID, m.Wide)
}

// idMapLines maps the invoking id onto itself and, when wide, fills every other
// id below the window size from the delegated range:
//
//	0     start      id
//	id    hostID     1
//	id+1  start+id   count-id-1
func idMapLines(hostID int, sub *SubIDRange, wide bool) []IDMapLine {
	if !wide || sub == nil {
		return []IDMapLine{{Inside: hostID, Outside: hostID, Count: 1}}
	}

	lines := []IDMapLine{
		{Inside: 0, Outside: sub.Start, Count: hostID},
		{Inside: hostID, Outside: hostID, Count: 1},
	}

	if rest := sub.Count - hostID - 1; rest > 0 {
		lines = append(lines, IDMapLine{Inside: hostID + 1, Outside: sub.Start + hostID, Count: rest})
	}

	return lines
}

// mapHelperArgs renders lines as newuidmap/newgidmap arguments for pid.
func mapHelperArgs(pid int, lines []IDMapLine) []string {
	args := make([]string, 0, 1+len(lines)*3)
	args = append(args, strconv.Itoa(pid))

	for _, l := range lines {
		args = append(args, strconv.Itoa(l.Inside), strconv.Itoa(l.Outside), strconv.Itoa(l.Count))
	}

	return args
}

// ResolveIdentity decides the identity mapping for uid/gid given the probed
// host state. It never fails: any missing prerequisite gives narrow mapping.
func ResolveIdentity(uid, gid int, probe IdentityProbe) IdentityMapping {
	if !WideEligible(uid, gid, probe) {
		return IdentityMapping{HostUID: uid, HostGID: gid}
	}

	return IdentityMapping{
		HostUID:   uid,
		HostGID:   gid,
		Wide:      true,
		SubUID:    probe.SubUID,
		SubGID:    probe.SubGID,
		newuidmap: probe.NewUIDMap,
		newgidmap: probe.NewGIDMap,
	}
}

func resolveIdentity(cfg *Config, env Environment, debugf func(string, ...any)) IdentityMapping {
	if cfg.WideIDs != nil && !*cfg.WideIDs {
		debugf("narrow mapping: wide ids disabled by config")

		return IdentityMapping{HostUID: env.UID, HostGID: env.GID}
	}

	probe := probeIdentity(cfg, env, debugf)

	reason := wideIneligibleReason(env.UID, env.GID, probe)
	if reason != "" {
		debugf("narrow mapping: %s", reason)
	} else {
		debugf("wide mapping: subuid=%d+%d subgid=%d+%d", probe.SubUID.Start, probe.SubUID.Count, probe.SubGID.Start, probe.SubGID.Count)
	}

	return ResolveIdentity(env.UID, env.GID, probe)
}

// ProbeIdentity reads the sub-id tables and looks for the mapping helpers on
// the host PATH.
func ProbeIdentity(cfg *Config, env Environment) IdentityProbe {
	return probeIdentity(cfg, env, func(string, ...any) {})
}

func probeIdentity(cfg *Config, env Environment, debugf func(string, ...any)) IdentityProbe {
	pathDirs := parsePathDirs(env.HostEnv["PATH"], env.WorkDir)

	return IdentityProbe{
		SubUID:    lookupSubIDFile(orDefault(cfg.SubUIDFile, defaultSubUIDFile), env.User, env.UID, debugf),
		SubGID:    lookupSubIDFile(orDefault(cfg.SubGIDFile, defaultSubGIDFile), env.User, env.GID, debugf),
		NewUIDMap: lookPathIn(newuidmapBinary, pathDirs),
		NewGIDMap: lookPathIn(newgidmapBinary, pathDirs),
	}
}

func lookupSubIDFile(path, user string, id int, debugf func(string, ...any)) *SubIDRange {
	f, err := os.Open(path)
	if err != nil {
		debugf("sub-id table %s unavailable: %v", path, err)

		return nil
	}

	defer func() { _ = f.Close() }()

	records, err := ParseSubIDTable(f)
	if err != nil {
		debugf("sub-id table %s unreadable: %v", path, err)

		return nil
	}

	r, ok := LookupSubID(records, user, id)
	if !ok {
		return nil
	}

	return &r
}

// writeIDMaps programs the namespace of pid through the setuid helpers.
func writeIDMaps(ctx context.Context, pid int, m IdentityMapping) error {
	if !m.Wide {
		return internalErrorf("writeIDMaps", "called for narrow mapping")
	}

	steps := []struct {
		helper string
		lines  []IDMapLine
	}{
		{m.newuidmap, m.UIDMap()},
		{m.newgidmap, m.GIDMap()},
	}

	for _, step := range steps {
		var out bytes.Buffer

		cmd := exec.CommandContext(ctx, step.helper, mapHelperArgs(pid, step.lines)...)
		cmd.Stdout = &out
		cmd.Stderr = &out

		err := cmd.Run()
		if err != nil {
			return fmt.Errorf("%w: %s: %w: %s", ErrIdentityMapping, step.helper, err, strings.TrimSpace(out.String()))
		}
	}

	return nil
}

// ErrIdentityMapping reports that programming a wide id mapping failed at
// setup time. Runs recover from it by falling back to narrow mapping.
var ErrIdentityMapping = errors.New("identity mapping failed")

func orDefault(value, fallback string) string {
	if value == "" {
		return fallback
	}

	return value
}
