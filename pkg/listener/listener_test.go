package listener

import (
	"net"
	"os"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/stretchr/testify/require"
)

// socketpair returns two connected SOCK_DGRAM Unix sockets, mirroring
// the control channel the supervisor wires between the listener and
// protocol service processes.
func socketpair(t *testing.T) (*net.UnixConn, *net.UnixConn) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_DGRAM, 0)
	require.NoError(t, err)

	connA, err := net.FileConn(os.NewFile(uintptr(fds[0]), "sp0"))
	require.NoError(t, err)
	connB, err := net.FileConn(os.NewFile(uintptr(fds[1]), "sp1"))
	require.NoError(t, err)

	t.Cleanup(func() { connA.Close(); connB.Close() })

	return connA.(*net.UnixConn), connB.(*net.UnixConn)
}

func TestSendRecvFDRoundTrip(t *testing.T) {
	sender, receiver := socketpair(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	dialed, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer dialed.Close()

	accepted, err := ln.Accept()
	require.NoError(t, err)
	defer accepted.Close()

	f, err := accepted.(*net.TCPConn).File()
	require.NoError(t, err)
	defer f.Close()

	require.NoError(t, SendFD(sender, int(f.Fd())))

	received, err := RecvFD(receiver)
	require.NoError(t, err)
	defer received.Close()

	const msg = "hello"
	go func() { _, _ = dialed.Write([]byte(msg)) }()

	buf := make([]byte, len(msg))
	_, err = received.Read(buf)
	require.NoError(t, err)
	require.Equal(t, msg, string(buf))
}

func TestOpenWithNoAddressesBindsNothing(t *testing.T) {
	l, err := Open(nil)
	require.NoError(t, err)
	defer l.Close()
	require.Empty(t, l.tcpListeners)
}
