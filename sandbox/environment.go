//go:build linux

package sandbox

// Environment describes the invoking host process: who runs the sandbox, from
// where, and with which environment variables.
//
// It is the request side of a sandbox run. The project directory is WorkDir.
type Environment struct {
	// HomeDir is the host home directory. Inside the sandbox the same path is
	// a fresh, empty directory.
	HomeDir string
	// WorkDir is the project directory. It is exposed read-write at the same
	// absolute path and becomes the sandbox working directory.
	WorkDir string

	// UID and GID are the invoking user's host ids.
	UID int
	GID int
	// User is the invoking user's login name. It keys the sub-id tables and
	// names the user inside the synthesized /etc/passwd.
	User string
	// Group is the name of the primary group. If empty, User is used.
	Group string

	// HostEnv is a snapshot of the caller's environment variables.
	//
	// It is never passed to the sandboxed command as-is. Only the variables
	// named by the environment policy are taken from it, plus the trust-session
	// marker, which is inspected but never forwarded.
	HostEnv map[string]string
}

func (e Environment) groupName() string {
	if e.Group != "" {
		return e.Group
	}

	return e.User
}
