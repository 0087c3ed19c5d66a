//go:build linux

package sandbox_test

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/ciiol/yolo-nix-sandbox/sandbox"
)

func Test_ParseSubIDTable_Skips_Comments_And_Malformed_Lines(t *testing.T) {
	t.Parallel()

	input := strings.Join([]string{
		"# comment",
		"",
		"alice:100000:65536",
		"bob:notanumber:10",
		"carol:5",
		"dave:200000:0",
		"  1000:300000:65536  ",
	}, "\n")

	got, err := sandbox.ParseSubIDTable(strings.NewReader(input))
	if err != nil {
		t.Fatalf("ParseSubIDTable: %v", err)
	}

	want := []sandbox.SubIDRecord{
		{Name: "alice", Range: sandbox.SubIDRange{Start: 100000, Count: 65536}},
		{Name: "1000", Range: sandbox.SubIDRange{Start: 300000, Count: 65536}},
	}

	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("records mismatch (-want +got):\n%s", diff)
	}
}

func Test_LookupSubID_Returns_LastMatch_When_User_Has_Multiple_Records(t *testing.T) {
	t.Parallel()

	records, err := sandbox.ParseSubIDTable(strings.NewReader("alice:100000:65536\nbob:1:2\nalice:500000:1000\n"))
	if err != nil {
		t.Fatalf("ParseSubIDTable: %v", err)
	}

	got, ok := sandbox.LookupSubID(records, "alice", 1000)
	if !ok {
		t.Fatal("expected a record for alice")
	}

	if got != (sandbox.SubIDRange{Start: 500000, Count: 1000}) {
		t.Fatalf("expected last record, got %+v", got)
	}
}

func Test_LookupSubID_Matches_NumericID_When_Name_Differs(t *testing.T) {
	t.Parallel()

	records := []sandbox.SubIDRecord{{Name: "1000", Range: sandbox.SubIDRange{Start: 10, Count: 20}}}

	got, ok := sandbox.LookupSubID(records, "alice", 1000)
	if !ok || got.Start != 10 {
		t.Fatalf("expected numeric match, got %+v ok=%t", got, ok)
	}

	_, ok = sandbox.LookupSubID(records, "alice", 1001)
	if ok {
		t.Fatal("expected no match for a different id")
	}
}

func Test_WideEligible(t *testing.T) {
	t.Parallel()

	window := &sandbox.SubIDRange{Start: 100000, Count: 65536}
	full := sandbox.IdentityProbe{SubUID: window, SubGID: window, NewUIDMap: "/usr/bin/newuidmap", NewGIDMap: "/usr/bin/newgidmap"}

	tests := []struct {
		name  string
		uid   int
		gid   int
		probe sandbox.IdentityProbe
		want  bool
	}{
		{name: "all conditions hold", uid: 1000, gid: 100, probe: full, want: true},
		{name: "uid 2 is the lowest allowed", uid: 2, gid: 2, probe: full, want: true},
		{name: "uid 1 is reserved", uid: 1, gid: 100, probe: full, want: false},
		{name: "gid 0 is reserved", uid: 1000, gid: 0, probe: full, want: false},
		{name: "no subuid record", uid: 1000, gid: 100, probe: sandbox.IdentityProbe{SubGID: window, NewUIDMap: "a", NewGIDMap: "b"}, want: false},
		{name: "no subgid record", uid: 1000, gid: 100, probe: sandbox.IdentityProbe{SubUID: window, NewUIDMap: "a", NewGIDMap: "b"}, want: false},
		{name: "newgidmap missing", uid: 1000, gid: 100, probe: sandbox.IdentityProbe{SubUID: window, SubGID: window, NewUIDMap: "a"}, want: false},
		{name: "uid equals window size", uid: 65536, gid: 100, probe: full, want: false},
		{name: "gid outside window", uid: 1000, gid: 70000, probe: full, want: false},
		{name: "uid just inside window", uid: 65535, gid: 100, probe: full, want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			if got := sandbox.WideEligible(tt.uid, tt.gid, tt.probe); got != tt.want {
				t.Fatalf("WideEligible(%d, %d) = %t, want %t", tt.uid, tt.gid, got, tt.want)
			}
		})
	}
}

func Test_IdentityMapping_Maps_Only_HostID_When_Narrow(t *testing.T) {
	t.Parallel()

	m := sandbox.ResolveIdentity(1000, 100, sandbox.IdentityProbe{})
	if m.Wide {
		t.Fatal("expected narrow mapping")
	}

	want := []sandbox.IDMapLine{{Inside: 1000, Outside: 1000, Count: 1}}
	if diff := cmp.Diff(want, m.UIDMap()); diff != "" {
		t.Fatalf("uid map mismatch (-want +got):\n%s", diff)
	}

	if diff := cmp.Diff([]sandbox.IDMapLine{{Inside: 100, Outside: 100, Count: 1}}, m.GIDMap()); diff != "" {
		t.Fatalf("gid map mismatch (-want +got):\n%s", diff)
	}
}

func Test_IdentityMapping_Fills_Window_Around_HostID_When_Wide(t *testing.T) {
	t.Parallel()

	probe := sandbox.IdentityProbe{
		SubUID:    &sandbox.SubIDRange{Start: 100000, Count: 65536},
		SubGID:    &sandbox.SubIDRange{Start: 200000, Count: 65536},
		NewUIDMap: "/usr/bin/newuidmap",
		NewGIDMap: "/usr/bin/newgidmap",
	}

	m := sandbox.ResolveIdentity(1000, 100, probe)
	if !m.Wide {
		t.Fatal("expected wide mapping")
	}

	wantUID := []sandbox.IDMapLine{
		{Inside: 0, Outside: 100000, Count: 1000},
		{Inside: 1000, Outside: 1000, Count: 1},
		{Inside: 1001, Outside: 101000, Count: 64535},
	}

	if diff := cmp.Diff(wantUID, m.UIDMap()); diff != "" {
		t.Fatalf("uid map mismatch (-want +got):\n%s", diff)
	}

	total := 0
	for _, l := range m.GIDMap() {
		total += l.Count
	}

	if total != 65536 {
		t.Fatalf("expected gid map to cover the whole window, got %d ids", total)
	}

	if narrow := m.Narrow(); narrow.Wide || narrow.HostUID != 1000 || narrow.HostGID != 100 {
		t.Fatalf("unexpected narrow mapping %+v", narrow)
	}
}

func Test_Sandbox_Identity_Is_Narrow_When_SubIDTables_Missing(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t)
	e.cfg.WideIDs = nil

	s := e.mustNewSandbox(t)
	if s.Identity().Wide {
		t.Fatal("expected narrow mapping without sub-id tables")
	}
}

func Test_ProbeIdentity_Reads_Tables_And_Helpers_From_Host(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t)

	binDir := t.TempDir()
	mustCreateExecutable(t, filepath.Join(binDir, "newuidmap"))
	mustCreateExecutable(t, filepath.Join(binDir, "newgidmap"))
	e.env.HostEnv["PATH"] = binDir

	mustWriteFile(t, e.cfg.SubUIDFile, []byte("alice:100000:65536\n"), 0o644)
	mustWriteFile(t, e.cfg.SubGIDFile, []byte("alice:100000:65536\nalice:300000:65536\n"), 0o644)

	probe := sandbox.ProbeIdentity(&e.cfg, e.env)

	if !probe.HelpersPresent() {
		t.Fatalf("expected helpers to be found in %s", binDir)
	}

	if probe.SubGID == nil || probe.SubGID.Start != 300000 {
		t.Fatalf("expected last subgid record, got %+v", probe.SubGID)
	}

	e.cfg.WideIDs = nil

	s := e.mustNewSandbox(t)
	if !s.Identity().Wide {
		t.Fatal("expected wide mapping when every condition holds")
	}

	e.cfg.WideIDs = boolPtr(false)

	s = e.mustNewSandbox(t)
	if s.Identity().Wide {
		t.Fatal("expected narrow mapping when wide ids are disabled")
	}
}
