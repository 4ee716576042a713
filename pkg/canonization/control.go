package canonization

import (
	"fmt"
	"io"

	"github.com/agentd/agentd/pkg/ipc"
	"github.com/agentd/agentd/pkg/status"
)

// ControlCommand identifies one supervisor-to-canonization control
// request: the CONFIGURE+START conversation spec section 4.H performs
// against every canonization child, plus a STOP used during the
// higher-level-quiesce-first phase of shutdown.
type ControlCommand uint8

const (
	CmdConfigure ControlCommand = 0x01
	CmdStart     ControlCommand = 0x02
	CmdStop      ControlCommand = 0x03
)

// ServeControl runs the supervisor-facing control loop: one command
// per request, one UINT32 status code per response, until conn closes.
func ServeControl(conn io.ReadWriter, svc *Service) error {
	for {
		cmdByte, err := ipc.ReadUint8(conn)
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}

		var code status.Code
		switch ControlCommand(cmdByte) {
		case CmdConfigure:
			sleepMs, err := ipc.ReadUint64(conn)
			if err != nil {
				return err
			}
			maxTxns, err := ipc.ReadUint64(conn)
			if err != nil {
				return err
			}
			code = svc.Configure(sleepMs, maxTxns)

		case CmdStart:
			code = svc.Start()

		case CmdStop:
			svc.Stop()
			code = status.Success

		default:
			return fmt.Errorf("canonization: unrecognized control command 0x%02x", cmdByte)
		}

		if err := ipc.WriteUint32(conn, uint32(code)); err != nil {
			return err
		}
	}
}

// ControlClient drives a canonization process's control channel from
// the supervisor's side.
type ControlClient struct {
	Conn io.ReadWriter
}

// NewControlClient wraps conn as a ControlClient.
func NewControlClient(conn io.ReadWriter) *ControlClient {
	return &ControlClient{Conn: conn}
}

func (c *ControlClient) roundTrip(cmd ControlCommand, body func() error) (status.Code, error) {
	if err := ipc.WriteUint8(c.Conn, uint8(cmd)); err != nil {
		return 0, err
	}
	if body != nil {
		if err := body(); err != nil {
			return 0, err
		}
	}
	v, err := ipc.ReadUint32(c.Conn)
	if err != nil {
		return 0, err
	}
	return status.Code(v), nil
}

// Configure sends CONFIGURE.
func (c *ControlClient) Configure(sleepMs, maxTxnsPerBlock uint64) (status.Code, error) {
	return c.roundTrip(CmdConfigure, func() error {
		if err := ipc.WriteUint64(c.Conn, sleepMs); err != nil {
			return err
		}
		return ipc.WriteUint64(c.Conn, maxTxnsPerBlock)
	})
}

// Start sends START.
func (c *ControlClient) Start() (status.Code, error) {
	return c.roundTrip(CmdStart, nil)
}

// Stop sends STOP.
func (c *ControlClient) Stop() (status.Code, error) {
	return c.roundTrip(CmdStop, nil)
}
