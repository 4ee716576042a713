package supervisor

import (
	"fmt"
	"net"
	"os"

	"golang.org/x/sys/unix"
)

// filePair is one connected SOCK_STREAM Unix socket pair, expressed as
// raw *os.File handles so each half can be handed to a different
// exec.Cmd's ExtraFiles list and inherited across its own fork+exec.
type filePair struct {
	parent *os.File
	child  *os.File
}

func newFilePair(name string) (*filePair, error) {
	return newFilePairType(name, unix.SOCK_STREAM)
}

// newDgramFilePair builds a SOCK_DGRAM pair, used for the
// listener-to-protocol fd-passing channel: SCM_RIGHTS rides on either
// socket type, but datagram framing matches the one-fd-per-message
// shape of that channel more directly than a byte stream would.
func newDgramFilePair(name string) (*filePair, error) {
	return newFilePairType(name, unix.SOCK_DGRAM)
}

func newFilePairType(name string, sockType int) (*filePair, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, sockType, 0)
	if err != nil {
		return nil, fmt.Errorf("supervisor: socketpair %s: %w", name, err)
	}
	return &filePair{
		parent: os.NewFile(uintptr(fds[0]), name+"-parent"),
		child:  os.NewFile(uintptr(fds[1]), name+"-child"),
	}, nil
}

// parentConn wraps the parent half as a net.Conn for the supervisor's
// own use (control conversations); it does not take ownership of the
// child half.
func (p *filePair) parentConn() (net.Conn, error) {
	return net.FileConn(p.parent)
}
