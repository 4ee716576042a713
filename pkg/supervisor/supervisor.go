// Package supervisor implements agentd's privilege-separated process
// tree (spec section 4.H): it forks one child per service, wires the
// socketpairs each service needs before exec, performs the initial
// control-plane conversations, and tears the tree down on signal.
//
// Go has no raw fork(2); each child is instead `exec.Command`'d as the
// same binary re-invoked with `-P <subcommand>`, inheriting its
// service sockets via ExtraFiles the way a forked-then-exec'd C
// process inherits fds across the call. Go's os/signal already
// delivers signals onto a buffered channel, which is the self-pipe
// trick's effect without agentd needing to implement the pipe itself.
package supervisor

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/agentd/agentd/pkg/canonization"
	"github.com/agentd/agentd/pkg/capset"
	"github.com/agentd/agentd/pkg/dataservice"
	"github.com/agentd/agentd/pkg/log"
	"github.com/agentd/agentd/pkg/types"
)

// Environment variable names used to pass configuration values across
// the exec boundary to a -P child. The child's own privsep step reads
// these before it drops privileges.
const (
	EnvChroot    = "AGENTD_CHROOT"
	EnvUser      = "AGENTD_USER"
	EnvGroup     = "AGENTD_GROUP"
	EnvDatastore = "AGENTD_DATASTORE"
	EnvListen    = "AGENTD_LISTEN_ADDR" // "ip:port,ip:port,..."

	// gracePeriod is how long a child gets to exit on its own after
	// SIGTERM before the supervisor escalates to SIGKILL.
	gracePeriod = 5 * time.Second
)

// child tracks one spawned service process and the fd halves the
// supervisor itself still owns an end of (control conversations).
type child struct {
	name string
	cmd  *exec.Cmd
}

// Supervisor owns the process tree for one agentd instance.
type Supervisor struct {
	cfg        types.AgentConfig
	binaryPath string

	mu               sync.Mutex
	children         []*child
	keepRunning      bool
	canonControlConn net.Conn
}

// New builds a Supervisor for cfg, re-exec'ing binaryPath for every
// private-mode child.
func New(cfg types.AgentConfig, binaryPath string) *Supervisor {
	return &Supervisor{cfg: cfg, binaryPath: binaryPath, keepRunning: true}
}

func (s *Supervisor) baseEnv() []string {
	env := os.Environ()
	env = append(env,
		EnvChroot+"="+s.cfg.ChrootDir,
		EnvUser+"="+s.cfg.User,
		EnvGroup+"="+s.cfg.Group,
		EnvDatastore+"="+s.cfg.DatastorePath,
	)
	var addrs string
	for i, a := range s.cfg.ListenAddresses {
		if i > 0 {
			addrs += ","
		}
		addrs += fmt.Sprintf("%s:%d", a.Address, a.Port)
	}
	return append(env, EnvListen+"="+addrs)
}

func (s *Supervisor) spawn(name, subcommand string, extraFiles []*os.File) (*exec.Cmd, error) {
	cmd := exec.Command(s.binaryPath, "-P", subcommand)
	cmd.ExtraFiles = extraFiles
	cmd.Env = s.baseEnv()
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("supervisor: spawn %s: %w", name, err)
	}
	s.mu.Lock()
	s.children = append(s.children, &child{name: name, cmd: cmd})
	s.mu.Unlock()
	return cmd, nil
}

// killChild tears down one already-spawned process after a failed
// control conversation, per spec section 4.H step 4.
func killChild(cmd *exec.Cmd) {
	if cmd == nil || cmd.Process == nil {
		return
	}
	_ = cmd.Process.Kill()
	_, _ = cmd.Process.Wait()
}

// Start brings up the full dependency chain: random, data service,
// listener, protocol, canonization, in that order. On any step's
// failure it kills everything started so far and returns the error.
func (s *Supervisor) Start() error {
	logger := log.WithService("supervisor")

	random, err := newFilePair("random-canon")
	if err != nil {
		return err
	}
	dataControl, err := newFilePair("data-control")
	if err != nil {
		return err
	}
	dataCanon, err := newFilePair("data-canon")
	if err != nil {
		return err
	}
	dataProto, err := newFilePair("data-proto")
	if err != nil {
		return err
	}
	listenerControl, err := newDgramFilePair("listener-protocol")
	if err != nil {
		return err
	}
	canonControl, err := newFilePair("canon-control")
	if err != nil {
		return err
	}

	randomCmd, err := s.spawn("random", "random", []*os.File{random.child})
	if err != nil {
		return err
	}
	logger.Info().Msg("random service started")

	dataCmd, err := s.spawn("dataservice", "dataservice", []*os.File{dataControl.child, dataCanon.child, dataProto.child})
	if err != nil {
		s.shutdownAll()
		return err
	}
	logger.Info().Msg("data service started")

	dataControlConn, err := dataControl.parentConn()
	if err != nil {
		s.shutdownAll()
		return err
	}
	dataClient := dataservice.NewClient(dataControlConn)
	if code, err := dataClient.RootContextCreate(s.cfg.DatastorePath); err != nil || !code.OK() {
		killChild(dataCmd)
		s.shutdownAll()
		return fmt.Errorf("supervisor: data service root context create failed: code=%v err=%v", code, err)
	}
	if code, err := dataClient.RootContextReduceCaps(capset.All()); err != nil || !code.OK() {
		killChild(dataCmd)
		s.shutdownAll()
		return fmt.Errorf("supervisor: data service reduce caps failed: code=%v err=%v", code, err)
	}
	logger.Info().Msg("data service root context configured")

	if _, err := s.spawn("listener", "listenservice", []*os.File{listenerControl.child}); err != nil {
		s.shutdownAll()
		return err
	}
	logger.Info().Msg("listener started")

	// auth is an out-of-scope stub collaborator (spec.md non-goals);
	// agentd never spawns a process for it.

	if _, err := s.spawn("protocol", "unauthorized_protocol_service", []*os.File{dataProto.child, listenerControl.parent}); err != nil {
		s.shutdownAll()
		return err
	}
	logger.Info().Msg("protocol service started")

	canonCmd, err := s.spawn("canonization", "canonization_service", []*os.File{dataCanon.parent, random.parent, canonControl.child})
	if err != nil {
		s.shutdownAll()
		return err
	}

	canonControlConn, err := canonControl.parentConn()
	if err != nil {
		killChild(canonCmd)
		s.shutdownAll()
		return err
	}
	cc := canonization.NewControlClient(canonControlConn)
	if code, err := cc.Configure(uint64(s.cfg.BlockMaxMilliseconds), uint64(s.cfg.BlockMaxTransactions)); err != nil || !code.OK() {
		killChild(canonCmd)
		s.shutdownAll()
		return fmt.Errorf("supervisor: canonization configure failed: code=%v err=%v", code, err)
	}
	if code, err := cc.Start(); err != nil || !code.OK() {
		killChild(canonCmd)
		s.shutdownAll()
		return fmt.Errorf("supervisor: canonization start failed: code=%v err=%v", code, err)
	}
	logger.Info().Msg("canonization service started")

	s.canonControlConn = canonControlConn
	return nil
}

// shutdownAll kills every child spawned so far, in reverse order, with
// no grace period: used when Start itself fails partway through.
func (s *Supervisor) shutdownAll() {
	s.mu.Lock()
	children := append([]*child(nil), s.children...)
	s.children = nil
	s.mu.Unlock()

	for i := len(children) - 1; i >= 0; i-- {
		killChild(children[i].cmd)
	}
}

// Stop quiesces canonization, then tears down the rest of the tree in
// reverse startup order: SIGTERM, a grace period, then SIGKILL.
func (s *Supervisor) Stop() {
	logger := log.WithService("supervisor")

	if s.canonControlConn != nil {
		cc := canonization.NewControlClient(s.canonControlConn)
		if _, err := cc.Stop(); err != nil {
			logger.Debug().Err(err).Msg("canonization quiesce request failed")
		}
	}

	s.mu.Lock()
	children := append([]*child(nil), s.children...)
	s.children = nil
	s.mu.Unlock()

	for i := len(children) - 1; i >= 0; i-- {
		c := children[i]
		if c.cmd.Process == nil {
			continue
		}
		logger.Info().Str("child", c.name).Msg("sending SIGTERM")
		_ = c.cmd.Process.Signal(syscall.SIGTERM)

		done := make(chan struct{})
		go func() { _, _ = c.cmd.Process.Wait(); close(done) }()

		select {
		case <-done:
		case <-time.After(gracePeriod):
			logger.Warn().Str("child", c.name).Msg("grace period expired, sending SIGKILL")
			_ = c.cmd.Process.Kill()
			<-done
		}
	}
}

// Run installs signal handlers and drives the start/stop cycle: on
// SIGTERM it shuts down and returns; on SIGHUP or SIGCHLD it tears the
// tree down and, while keepRunning is set, restarts it.
func (s *Supervisor) Run(ctx context.Context) error {
	sigCh := make(chan os.Signal, 4)
	signal.Notify(sigCh, syscall.SIGHUP, syscall.SIGTERM, syscall.SIGCHLD)
	defer signal.Stop(sigCh)

	logger := log.WithService("supervisor")

	for {
		if err := s.Start(); err != nil {
			return err
		}

		select {
		case <-ctx.Done():
			s.Stop()
			return ctx.Err()

		case sig := <-sigCh:
			s.Stop()
			switch sig {
			case syscall.SIGTERM:
				return nil
			case syscall.SIGHUP, syscall.SIGCHLD:
				if !s.keepRunning {
					return nil
				}
				logger.Info().Str("signal", sig.String()).Msg("restarting process tree")
				continue
			}
		}
	}
}

// SetKeepRunning controls whether SIGHUP/SIGCHLD triggers a restart
// (true) or a clean exit (false). Defaults to true.
func (s *Supervisor) SetKeepRunning(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keepRunning = v
}
