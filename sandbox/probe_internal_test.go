//go:build linux

package sandbox

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func Test_ParseIDMap_Reads_Kernel_Format(t *testing.T) {
	t.Parallel()

	got, err := parseIDMap("         0     100000       1000\n      1000       1000          1\n")
	if err != nil {
		t.Fatalf("parseIDMap: %v", err)
	}

	want := []IDMapLine{{Inside: 0, Outside: 100000, Count: 1000}, {Inside: 1000, Outside: 1000, Count: 1}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("map mismatch (-want +got):\n%s", diff)
	}

	_, err = parseIDMap("0 0\n")
	if err == nil {
		t.Fatal("expected error for short line")
	}
}

func Test_Probe_InsideSandbox(t *testing.T) {
	t.Parallel()

	initial := []IDMapLine{{Inside: 0, Outside: 0, Count: 4294967295}}
	nested := []IDMapLine{{Inside: 1000, Outside: 1000, Count: 1}}

	tests := []struct {
		name  string
		probe Probe
		want  bool
	}{
		{name: "host process", probe: Probe{UIDMap: initial}, want: false},
		{name: "host root", probe: Probe{UIDMap: initial, CapEff: 0x1ffffffffff}, want: false},
		{name: "user namespace without caps", probe: Probe{UIDMap: nested}, want: true},
		{name: "user namespace with caps", probe: Probe{UIDMap: nested, CapEff: 0x1}, want: false},
	}

	for _, tt := range tests {
		if got := tt.probe.InsideSandbox(); got != tt.want {
			t.Fatalf("%s: InsideSandbox = %t, want %t", tt.name, got, tt.want)
		}
	}
}

func Test_ProbeProc_Reads_Fake_Proc_Dir(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "uid_map"), "1000 1000 1\n")
	writeFile(t, filepath.Join(dir, "status"), "Name:\tbash\nCapInh:\t0000000000000000\nCapEff:\t0000000000000000\n")

	p, err := probeProc(dir)
	if err != nil {
		t.Fatalf("probeProc: %v", err)
	}

	if !p.InsideSandbox() {
		t.Fatalf("expected sandbox detection, got %+v", p)
	}

	writeFile(t, filepath.Join(dir, "status"), "Name:\tbash\n")

	_, err = probeProc(dir)
	if err == nil {
		t.Fatal("expected error when CapEff is missing")
	}
}

func Test_ProbeSelf_Succeeds_On_Host(t *testing.T) {
	t.Parallel()

	_, err := ProbeSelf()
	if err != nil {
		t.Fatalf("ProbeSelf: %v", err)
	}
}

func Test_UserDBFiles_Has_Three_Records_Per_Table(t *testing.T) {
	t.Parallel()

	env := Environment{HomeDir: "/home/alice", User: "alice", Group: "users"}
	m := IdentityMapping{HostUID: 1000, HostGID: 100}

	files := userDBFiles(env, "/p/bin/bash", "/p/bin/nologin", m)

	got := map[string]string{}
	for _, f := range files {
		got[f.Destination] = f.Data
	}

	if n := strings.Count(got["/etc/passwd"], "\n"); n != 3 {
		t.Fatalf("expected 3 passwd records, got %d:\n%s", n, got["/etc/passwd"])
	}

	if n := strings.Count(got["/etc/group"], "\n"); n != 3 {
		t.Fatalf("expected 3 group records, got %d:\n%s", n, got["/etc/group"])
	}

	if _, ok := got["/etc/subuid"]; ok {
		t.Fatal("narrow mapping must not synthesize /etc/subuid")
	}

	m.Wide = true
	m.SubUID = &SubIDRange{Start: 100000, Count: 65536}
	m.SubGID = &SubIDRange{Start: 100000, Count: 65536}

	files = userDBFiles(env, "/p/bin/bash", "/p/bin/nologin", m)

	got = map[string]string{}
	for _, f := range files {
		got[f.Destination] = f.Data
	}

	if got["/etc/subuid"] != "alice:1:999\nalice:1001:64535\n" {
		t.Fatalf("unexpected subuid %q", got["/etc/subuid"])
	}

	if got["/etc/subgid"] != "alice:1:99\nalice:101:65435\n" {
		t.Fatalf("unexpected subgid %q", got["/etc/subgid"])
	}
}

func Test_NestedSubIDs_Skips_Empty_Ranges(t *testing.T) {
	t.Parallel()

	if got := nestedSubIDs("u", 1, &SubIDRange{Count: 3}); got != "u:2:1\n" {
		t.Fatalf("unexpected %q", got)
	}

	if got := nestedSubIDs("u", 2, &SubIDRange{Count: 3}); got != "u:1:1\n" {
		t.Fatalf("unexpected %q", got)
	}

	if got := nestedSubIDs("u", 2, nil); got != "" {
		t.Fatalf("unexpected %q", got)
	}
}

func Test_MapHelperArgs_Flattens_Lines(t *testing.T) {
	t.Parallel()

	got := mapHelperArgs(42, []IDMapLine{{Inside: 0, Outside: 100000, Count: 1000}, {Inside: 1000, Outside: 1000, Count: 1}})

	want := []string{"42", "0", "100000", "1000", "1000", "1000", "1"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("args mismatch (-want +got):\n%s", diff)
	}
}

func Test_ExitCode(t *testing.T) {
	t.Parallel()

	if got := ExitCode(nil); got != 0 {
		t.Fatalf("ExitCode(nil) = %d", got)
	}

	err := exec.CommandContext(t.Context(), "/bin/sh", "-c", "exit 3").Run()
	if got := ExitCode(err); got != 3 {
		t.Fatalf("ExitCode(exit 3) = %d, want 3", got)
	}

	err = exec.CommandContext(t.Context(), "/bin/sh", "-c", "kill -TERM $$").Run()
	if got := ExitCode(err); got != 143 {
		t.Fatalf("ExitCode(SIGTERM) = %d, want 143", got)
	}

	err = exec.CommandContext(t.Context(), filepath.Join(t.TempDir(), "missing")).Run()
	if got := ExitCode(err); got != 1 {
		t.Fatalf("ExitCode(start failure) = %d, want 1", got)
	}

	if got := exitCodeFromState(nil); got != 1 {
		t.Fatalf("exitCodeFromState(nil) = %d, want 1", got)
	}
}

func Test_MountToArgs_Rejects_Invalid_Ops(t *testing.T) {
	t.Parallel()

	_, err := mountToArgs(mountOp{Kind: mountSymlink, Dst: "/bin/sh"})
	if err == nil {
		t.Fatal("expected error for symlink without target")
	}

	_, err = mountToArgs(mountOp{Kind: mountRoBindData, Dst: "/etc/passwd"})
	if err == nil {
		t.Fatal("expected error for ro-bind-data without fd")
	}

	_, err = mountToArgs(mountOp{Kind: mountSymlink + 1, Src: "/a", Dst: "/b"})
	if err == nil {
		t.Fatal("expected error for unknown mount kind")
	}

	if got := mountKindName(mountSymlink + 1); got != "unknown(6)" {
		t.Fatalf("mountKindName = %q, want unknown(6)", got)
	}

	got, err := mountToArgs(mountOp{Kind: mountRoBindData, Dst: "/etc/passwd", FD: 5, Perms: 0o644})
	if err != nil {
		t.Fatalf("mountToArgs: %v", err)
	}

	if diff := cmp.Diff([]string{"--perms", "0644", "--ro-bind-data", "5", "/etc/passwd"}, got); diff != "" {
		t.Fatalf("args mismatch (-want +got):\n%s", diff)
	}
}

func Test_BwrapArgsForPlan_Requires_Root_First(t *testing.T) {
	t.Parallel()

	plan := MountPlan{Entries: []MountEntry{{Destination: "/tmp", Mode: FreshEmpty}}}

	_, _, err := bwrapArgsForPlan(plan, "/w", nil)
	if err == nil {
		t.Fatal("expected error for plan without root")
	}

	plan = MountPlan{Entries: []MountEntry{
		{Destination: "/", Mode: FreshEmpty},
		{Destination: "/w/.env", Mode: Hidden, File: true},
	}}

	args, needsEmpty, err := bwrapArgsForPlan(plan, "/w", nil)
	if err != nil {
		t.Fatalf("bwrapArgsForPlan: %v", err)
	}

	if !needsEmpty {
		t.Fatal("expected hidden file to require the empty-file source")
	}

	want := append([]string{}, baseBwrapArgs...)
	want = append(want,
		"--tmpfs", "/", "--dev", "/dev", "--proc", "/proc",
		"--perms", "0000", "--ro-bind-data", emptyDataFDPlaceholder, "/w/.env",
		"--chdir", "/w",
	)

	if diff := cmp.Diff(want, args); diff != "" {
		t.Fatalf("args mismatch (-want +got):\n%s", diff)
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()

	err := os.WriteFile(path, []byte(content), 0o644)
	if err != nil {
		t.Fatalf("write %q: %v", path, err)
	}
}
