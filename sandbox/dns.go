//go:build linux

package sandbox

import (
	"path/filepath"
)

// hostNetworkFiles are the resolver files exposed read-only so name
// resolution works on the shared host network.
var hostNetworkFiles = []string{"/etc/resolv.conf", "/etc/hosts"}

// dnsResolverEntries returns read-only entries for the host resolver files.
//
// On many systems /etc/resolv.conf is a symlink into /run (systemd-resolved).
// The sandbox mounts /run as a fresh tmpfs, which would break such a link, so
// the link is resolved on the host and the target file is bound at the
// conventional path instead. Missing files are skipped.
func dnsResolverEntries(debugf func(string, ...any)) []MountEntry {
	entries := make([]MountEntry, 0, len(hostNetworkFiles))

	for _, path := range hostNetworkFiles {
		resolved, err := filepath.EvalSymlinks(path)
		if err != nil {
			debugf("dns: skipping %s: %v", path, err)

			continue
		}

		if resolved != path {
			debugf("dns: %s is a symlink to %q; binding the target", path, resolved)
		}

		entries = append(entries, MountEntry{Source: resolved, Destination: path, Mode: ReadOnly, Optional: true})
	}

	return entries
}
