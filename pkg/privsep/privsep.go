// Package privsep implements the primitives the supervisor uses to
// drop privileges before handing control to an unprivileged child
// process: user/group lookup, chroot, setuid/setgid, descriptor
// remapping, and the final exec that replaces the child's image.
package privsep

import (
	"fmt"
	"os"
	"os/user"
	"strconv"

	"golang.org/x/sys/unix"
)

// LookupUserGroup resolves a user and group name to numeric ids.
func LookupUserGroup(userName, groupName string) (uid, gid int, err error) {
	u, err := user.Lookup(userName)
	if err != nil {
		return 0, 0, fmt.Errorf("privsep: lookup user %q: %w", userName, err)
	}
	g, err := user.LookupGroup(groupName)
	if err != nil {
		return 0, 0, fmt.Errorf("privsep: lookup group %q: %w", groupName, err)
	}

	uid, err = strconv.Atoi(u.Uid)
	if err != nil {
		return 0, 0, fmt.Errorf("privsep: parse uid %q: %w", u.Uid, err)
	}
	gid, err = strconv.Atoi(g.Gid)
	if err != nil {
		return 0, 0, fmt.Errorf("privsep: parse gid %q: %w", g.Gid, err)
	}
	return uid, gid, nil
}

// Chroot changes the process's root directory to dir and chdirs into
// it. The caller must be root.
func Chroot(dir string) error {
	if err := unix.Chdir(dir); err != nil {
		return fmt.Errorf("privsep: chdir %q: %w", dir, err)
	}
	if err := unix.Chroot(dir); err != nil {
		return fmt.Errorf("privsep: chroot %q: %w", dir, err)
	}
	return nil
}

// DropPrivileges assumes uid/gid, permanently relinquishing root. The
// order matters: effective ids are dropped first so the subsequent
// real-id calls are still permitted, then the real ids are dropped in
// group-before-user order so the process is never left in a state
// where it holds a user id but still a privileged group id.
func DropPrivileges(uid, gid int) error {
	if err := unix.Setegid(gid); err != nil {
		return fmt.Errorf("privsep: setegid %d: %w", gid, err)
	}
	if err := unix.Seteuid(uid); err != nil {
		return fmt.Errorf("privsep: seteuid %d: %w", uid, err)
	}
	if err := unix.Setgid(gid); err != nil {
		return fmt.Errorf("privsep: setgid %d: %w", gid, err)
	}
	if err := unix.Setuid(uid); err != nil {
		return fmt.Errorf("privsep: setuid %d: %w", uid, err)
	}
	return nil
}

// CloseStandardFDs closes stdin, stdout, and stderr. Services
// communicate exclusively over their IPC sockets; the standard
// descriptors are dead weight inherited from the supervisor's own
// process group.
func CloseStandardFDs() error {
	for _, f := range []*os.File{os.Stdin, os.Stdout, os.Stderr} {
		if err := f.Close(); err != nil {
			return fmt.Errorf("privsep: close fd %d: %w", f.Fd(), err)
		}
	}
	return nil
}

// FDMapping is one (current, mapped) descriptor pair: the descriptor
// curr in the calling process becomes descriptor mapped after SetFDs
// returns, via dup2.
type FDMapping struct {
	Curr   int
	Mapped int
}

// SetFDs remaps each descriptor in mappings onto its target slot in
// order. It is the child process's half of the supervisor's
// fork-then-remap dance: the supervisor passes service sockets at
// arbitrary fds and each child renumbers them onto the slots its own
// code expects.
func SetFDs(mappings []FDMapping) error {
	for _, m := range mappings {
		if m.Curr < 0 || m.Mapped < 0 {
			return fmt.Errorf("privsep: setfds: negative descriptor in %+v", m)
		}
		if err := unix.Dup2(m.Curr, m.Mapped); err != nil {
			return fmt.Errorf("privsep: dup2 %d->%d: %w", m.Curr, m.Mapped, err)
		}
	}
	return nil
}

// CloseOtherFDs closes every open descriptor strictly above above,
// scrubbing anything the fork inherited beyond what SetFDs placed
// deliberately.
func CloseOtherFDs(above int) error {
	entries, err := os.ReadDir("/proc/self/fd")
	if err != nil {
		// /proc is unavailable (non-Linux); fall back to a bounded
		// sweep of the historical fd soft limit.
		return closeOtherFDsFallback(above)
	}
	for _, entry := range entries {
		fd, err := strconv.Atoi(entry.Name())
		if err != nil {
			continue
		}
		if fd <= above {
			continue
		}
		_ = unix.Close(fd)
	}
	return nil
}

func closeOtherFDsFallback(above int) error {
	var rlimit unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &rlimit); err != nil {
		return fmt.Errorf("privsep: getrlimit: %w", err)
	}
	for fd := above + 1; fd < int(rlimit.Cur); fd++ {
		_ = unix.Close(fd)
	}
	return nil
}

// ExecPrivate replaces the calling process's image with binary,
// invoking it with the hidden private-mode flag and subcommand. PATH
// and LD_LIBRARY_PATH are scrubbed from the child's environment before
// exec so a compromised child cannot influence dynamic-linker or
// shell-out lookups via an inherited search path.
func ExecPrivate(binary string, subcommand string) error {
	env := scrubbedEnviron()
	args := []string{binary, "-P", subcommand}
	if err := unix.Exec(binary, args, env); err != nil {
		return fmt.Errorf("privsep: exec %q %q: %w", binary, subcommand, err)
	}
	// unix.Exec only returns on failure.
	return fmt.Errorf("privsep: exec %q returned without replacing process image", binary)
}

func scrubbedEnviron() []string {
	var out []string
	for _, kv := range os.Environ() {
		if hasPrefix(kv, "PATH=") || hasPrefix(kv, "LD_LIBRARY_PATH=") {
			continue
		}
		out = append(out, kv)
	}
	return out
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}
