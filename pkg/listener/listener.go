// Package listener implements agentd's TCP accept façade (spec section
// 4.G): it opens the configured listen addresses and, for each
// accepted connection, hands the raw file descriptor to the protocol
// service over a SOCK_DGRAM Unix control channel using SCM_RIGHTS fd
// passing. The listener never owns connection state past the handoff.
package listener

import (
	"fmt"
	"net"
	"os"

	"golang.org/x/sys/unix"

	"github.com/agentd/agentd/pkg/log"
	"github.com/agentd/agentd/pkg/types"
)

// Listener owns the configured TCP sockets and the control channel
// used to pass accepted connections to the protocol service.
type Listener struct {
	tcpListeners []*net.TCPListener
	control      *net.UnixConn
}

// Open binds one TCP listener per configured address.
func Open(addrs []types.ListenAddress) (*Listener, error) {
	l := &Listener{}
	for _, a := range addrs {
		tcpAddr := &net.TCPAddr{IP: net.ParseIP(a.Address), Port: int(a.Port)}
		ln, err := net.ListenTCP("tcp", tcpAddr)
		if err != nil {
			l.Close()
			return nil, fmt.Errorf("listener: bind %s:%d: %w", a.Address, a.Port, err)
		}
		l.tcpListeners = append(l.tcpListeners, ln)
	}
	return l, nil
}

// SetControl attaches the SOCK_DGRAM control socket the listener sends
// accepted fds across. The supervisor remaps this onto a well-known fd
// slot before exec; tests may pass any connected net.UnixConn pair.
func (l *Listener) SetControl(conn *net.UnixConn) {
	l.control = conn
}

// Close tears down every bound TCP listener.
func (l *Listener) Close() {
	for _, ln := range l.tcpListeners {
		_ = ln.Close()
	}
}

// Serve runs one accept loop per configured address, handing off every
// accepted connection's fd until the listener is closed.
func (l *Listener) Serve() {
	for _, ln := range l.tcpListeners {
		go AcceptLoop(ln, l.control)
	}
}

// AcceptLoop accepts connections from ln until it is closed, handing
// each accepted fd to the control channel. It is exported so tests and
// the supervisor's per-address wiring can drive one listener socket
// without the rest of Listener's bookkeeping.
func AcceptLoop(ln *net.TCPListener, control *net.UnixConn) {
	logger := log.WithService("listener")
	for {
		conn, err := ln.AcceptTCP()
		if err != nil {
			logger.Debug().Err(err).Msg("accept loop exiting")
			return
		}
		if err := handoff(conn, control); err != nil {
			logger.Error().Err(err).Msg("fd handoff failed")
		}
		// The listener never retains the net.Conn past handoff: once
		// the duplicated fd is in flight to the protocol service, this
		// process's copy is closed.
		_ = conn.Close()
	}
}

// handoff passes conn's underlying fd to control via SCM_RIGHTS.
func handoff(conn *net.TCPConn, control *net.UnixConn) error {
	f, err := conn.File()
	if err != nil {
		return fmt.Errorf("listener: dup accepted conn: %w", err)
	}
	defer f.Close()
	return SendFD(control, int(f.Fd()))
}

// SendFD sends fd as an SCM_RIGHTS ancillary message over conn, with a
// single zero byte as the accompanying regular payload (some kernels
// require at least one byte of real data alongside control data).
func SendFD(conn *net.UnixConn, fd int) error {
	rights := unix.UnixRights(fd)
	raw, err := conn.SyscallConn()
	if err != nil {
		return err
	}
	var sendErr error
	ctrlErr := raw.Control(func(sysfd uintptr) {
		sendErr = unix.Sendmsg(int(sysfd), []byte{0}, rights, nil, 0)
	})
	if ctrlErr != nil {
		return ctrlErr
	}
	return sendErr
}

// RecvFD receives one fd passed over conn via SCM_RIGHTS, wrapping it
// as a net.Conn. It is the protocol service's side of SendFD.
func RecvFD(conn *net.UnixConn) (net.Conn, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return nil, err
	}

	oob := make([]byte, unix.CmsgSpace(4))
	buf := make([]byte, 1)

	var n, oobn int
	var recvErr error
	ctrlErr := raw.Control(func(sysfd uintptr) {
		n, oobn, _, _, recvErr = unix.Recvmsg(int(sysfd), buf, oob, 0)
	})
	if ctrlErr != nil {
		return nil, ctrlErr
	}
	if recvErr != nil {
		return nil, recvErr
	}
	if n == 0 && oobn == 0 {
		return nil, fmt.Errorf("listener: recvmsg returned no data")
	}

	cmsgs, err := unix.ParseSocketControlMessage(oob[:oobn])
	if err != nil {
		return nil, fmt.Errorf("listener: parse control message: %w", err)
	}
	if len(cmsgs) == 0 {
		return nil, fmt.Errorf("listener: no control message received")
	}
	fds, err := unix.ParseUnixRights(&cmsgs[0])
	if err != nil {
		return nil, fmt.Errorf("listener: parse unix rights: %w", err)
	}
	if len(fds) == 0 {
		return nil, fmt.Errorf("listener: no fd received")
	}

	f := os.NewFile(uintptr(fds[0]), "accepted-conn")
	defer f.Close()
	return net.FileConn(f)
}
