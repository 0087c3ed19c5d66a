//go:build linux

package sandbox

import (
	"fmt"
	"path/filepath"
	"strings"
)

const (
	nobodyID   = 65534
	nobodyName = "nobody"
	nogroup    = "nogroup"
)

// userDBFiles synthesizes the identity database seen inside the sandbox.
//
// /etc/passwd and /etc/group always have exactly three records: root, the
// invoking user and nobody. With wide mapping, /etc/subuid and /etc/subgid
// delegate every mapped id except 0 and the user's own to the user, so rootless
// container runtimes inside can use them.
func userDBFiles(env Environment, shell, nologin string, m IdentityMapping) []DataFile {
	passwd := fmt.Sprintf("root:x:0:0:root:/root:%s\n", shell) +
		fmt.Sprintf("%s:x:%d:%d:%s:%s:%s\n", env.User, m.HostUID, m.HostGID, env.User, env.HomeDir, shell) +
		fmt.Sprintf("%s:x:%d:%d:%s:/:%s\n", nobodyName, nobodyID, nobodyID, nobodyName, nologin)

	group := "root:x:0:\n" +
		fmt.Sprintf("%s:x:%d:%s\n", env.groupName(), m.HostGID, env.User) +
		fmt.Sprintf("%s:x:%d:\n", nogroup, nobodyID)

	files := []DataFile{
		{Destination: "/etc/passwd", Data: passwd, Perms: 0o644},
		{Destination: "/etc/group", Data: group, Perms: 0o644},
		{Destination: "/etc/nsswitch.conf", Data: nsswitchConf, Perms: 0o644},
	}

	if m.Wide {
		files = append(files,
			DataFile{Destination: "/etc/subuid", Data: nestedSubIDs(env.User, m.HostUID, m.SubUID), Perms: 0o644},
			DataFile{Destination: "/etc/subgid", Data: nestedSubIDs(env.User, m.HostGID, m.SubGID), Perms: 0o644},
		)
	}

	return files
}

const nsswitchConf = `passwd: files
group: files
shadow: files
hosts: files dns
`

// nestedSubIDs renders the in-namespace delegation: ids 1..id-1 and
// id+1..count-1. Together with the user's own id that is the whole mapped
// window minus root.
func nestedSubIDs(user string, id int, sub *SubIDRange) string {
	if sub == nil {
		return ""
	}

	var b strings.Builder

	if id > 1 {
		fmt.Fprintf(&b, "%s:1:%d\n", user, id-1)
	}

	if rest := sub.Count - id - 1; rest > 0 {
		fmt.Fprintf(&b, "%s:%d:%d\n", user, id+1, rest)
	}

	return b.String()
}

// nologinShell picks the login shell for nobody.
func nologinShell(profile string) string {
	if profile == "" {
		return "/sbin/nologin"
	}

	return filepath.Join(profile, "bin", "nologin")
}
