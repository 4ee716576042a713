// Package reactor implements agentd's single-threaded, cooperative
// async I/O event loop (spec section 4.B). Every service process owns
// exactly one Loop; sockets are registered with read/write buffers and
// a read callback, and the Loop dispatches one fully-handled event at
// a time — no socket's callback runs concurrently with another's, the
// same one-iteration-to-completion discipline as the teacher's worker
// ticker-select loops (pkg/worker.heartbeatLoop,
// containerExecutorLoop), generalized from a timer source to a
// readiness source.
package reactor

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/agentd/agentd/pkg/ipc"
	"github.com/agentd/agentd/pkg/log"
	"github.com/agentd/agentd/pkg/status"
)

type readWriteCloser interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

// ReadCallback is invoked on the Loop's single dispatch goroutine
// whenever new bytes have arrived for sc. It should drain as many
// complete packets as are available from sc.Decoder and return
// status.WouldBlock (or nil) when done; any other error tears the
// socket down.
type ReadCallback func(sc *SocketContext) error

// SocketContext owns an fd, its per-direction buffers, its registered
// callbacks, and a reference to its event loop (spec section 3). It is
// uniquely owned by the Loop that created it; callers only ever see a
// handle and must go through Loop.Remove to dispose of it.
type SocketContext struct {
	loop *Loop
	conn readWriteCloser

	// Decoder accumulates bytes read from conn and exposes the
	// non-blocking packet-parsing primitives of pkg/ipc.
	Decoder *ipc.BufferedDecoder

	mu         sync.Mutex
	writeBuf   []byte
	writeArmed bool
	disposed   bool

	OnReadable ReadCallback
	OnError    func(sc *SocketContext, err error)

	// Name is used only for logging.
	Name string
}

// QueueWrite appends data to the socket's write buffer and arms the
// write side if it was idle. The WRITE event is only armed while the
// write buffer is non-empty, per spec section 4.B, and disarms itself
// once flushWrites drains it.
func (sc *SocketContext) QueueWrite(data []byte) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.disposed {
		return
	}
	sc.writeBuf = append(sc.writeBuf, data...)
	if !sc.writeArmed && len(sc.writeBuf) > 0 {
		sc.writeArmed = true
		go sc.loop.flushWrites(sc)
	}
}

// flushWrites drains as much of the write buffer as the connection
// will currently accept, then disarms once the buffer is empty.
func (l *Loop) flushWrites(sc *SocketContext) {
	for {
		sc.mu.Lock()
		if len(sc.writeBuf) == 0 || sc.disposed {
			sc.writeArmed = false
			sc.mu.Unlock()
			return
		}
		buf := sc.writeBuf
		sc.mu.Unlock()

		n, err := sc.conn.Write(buf)
		if err != nil {
			l.forceExitSocket(sc, err)
			return
		}
		sc.mu.Lock()
		sc.writeBuf = sc.writeBuf[n:]
		sc.mu.Unlock()
	}
}

// Loop is the single-threaded reactor. One callback runs to completion
// before the next is dispatched — there is no preemption within a
// tick, and no work occurs between callbacks (spec section 4.B).
type Loop struct {
	mu      sync.Mutex
	sockets map[*SocketContext]struct{}
	events  chan func()
	exit    atomic.Bool
	sigCh   chan os.Signal
	doneCh  chan struct{}
}

// New creates a reactor with no registered sockets.
func New() *Loop {
	return &Loop{
		sockets: make(map[*SocketContext]struct{}),
		events:  make(chan func(), 256),
		sigCh:   make(chan os.Signal, 4),
		doneCh:  make(chan struct{}),
	}
}

// Register adds a connection to the loop and starts its read pump.
// The read pump only appends bytes to sc.Decoder and schedules
// OnReadable on the loop's dispatch goroutine — it never parses or
// interprets the bytes itself, preserving single-threaded access to
// the decoder.
func (l *Loop) Register(conn readWriteCloser, name string) *SocketContext {
	sc := &SocketContext{
		loop:    l,
		conn:    conn,
		Name:    name,
		Decoder: ipc.NewBufferedDecoder(nil),
	}
	l.mu.Lock()
	l.sockets[sc] = struct{}{}
	l.mu.Unlock()
	go l.readPump(sc)
	return sc
}

func (l *Loop) readPump(sc *SocketContext) {
	raw := make([]byte, 64*1024)
	for {
		if l.exit.Load() {
			return
		}
		n, err := sc.conn.Read(raw)
		if n > 0 {
			chunk := append([]byte(nil), raw[:n]...)
			l.post(func() {
				sc.Decoder.Append(chunk)
				if sc.OnReadable == nil {
					return
				}
				cberr := sc.OnReadable(sc)
				if cberr != nil && cberr != status.WouldBlock {
					l.forceExitSocket(sc, cberr)
				}
			})
		}
		if err != nil {
			l.forceExitSocket(sc, err)
			return
		}
	}
}

// post schedules fn to run on the loop's single dispatch goroutine. If
// the loop has already exited, fn is dropped — half-sent work is
// discarded on disposal, per spec section 4.B's cancellation rule.
func (l *Loop) post(fn func()) {
	if l.exit.Load() {
		return
	}
	select {
	case l.events <- fn:
	case <-l.doneCh:
	}
}

// forceExitSocket triggers orderly teardown of one socket on ERROR/EOF
// (spec section 4.B): the owning callback is notified and the socket
// is removed.
func (l *Loop) forceExitSocket(sc *SocketContext, err error) {
	l.post(func() {
		if sc.OnError != nil {
			sc.OnError(sc, err)
		}
		l.Remove(sc)
	})
}

// Remove disposes of a socket context: it is taken out of the loop's
// registry and its connection is closed. Half-written buffers are
// discarded.
func (l *Loop) Remove(sc *SocketContext) {
	sc.mu.Lock()
	sc.disposed = true
	sc.writeBuf = nil
	sc.mu.Unlock()

	l.mu.Lock()
	delete(l.sockets, sc)
	l.mu.Unlock()

	_ = sc.conn.Close()
}

// ForceExit sets the force_exit flag (an atomic.Bool rather than a raw
// global, per spec section 9's design note) and asks the loop to
// return. A callback already running finishes; callbacks still queued
// are not run, and no further work is scheduled afterward.
func (l *Loop) ForceExit() {
	l.exit.Store(true)
}

// Exited reports whether ForceExit has been called.
func (l *Loop) Exited() bool {
	return l.exit.Load()
}

// Run is the reactor's dispatch loop. It drains one scheduled callback
// at a time until ForceExit is called or ctx is done, then tears down
// every remaining registered socket.
func (l *Loop) Run(ctx context.Context) {
	signal.Notify(l.sigCh, syscall.SIGHUP, syscall.SIGTERM, syscall.SIGQUIT)
	defer signal.Stop(l.sigCh)
	defer close(l.doneCh)

	for {
		if l.exit.Load() {
			l.teardownAll()
			return
		}
		select {
		case fn := <-l.events:
			fn()
		case sig := <-l.sigCh:
			log.Logger.Info().Str("signal", sig.String()).Msg("reactor received signal, exiting")
			l.ForceExit()
		case <-ctx.Done():
			l.ForceExit()
		}
	}
}

func (l *Loop) teardownAll() {
	l.mu.Lock()
	remaining := make([]*SocketContext, 0, len(l.sockets))
	for sc := range l.sockets {
		remaining = append(remaining, sc)
	}
	l.mu.Unlock()

	for _, sc := range remaining {
		l.Remove(sc)
	}
}
