package reactor

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/agentd/agentd/pkg/ipc"
)

func TestRegisterDeliversBufferedPacket(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	loop := New()
	received := make(chan []byte, 1)

	sc := loop.Register(server, "test")
	sc.OnReadable = func(sc *SocketContext) error {
		for {
			payload, err := sc.Decoder.TryReadTyped(ipc.STRING)
			if err != nil {
				return err
			}
			received <- payload
		}
	}

	go loop.Run(context.Background())

	go func() {
		_ = ipc.WriteString(client, "ping")
	}()

	select {
	case got := <-received:
		if string(got) != "ping" {
			t.Fatalf("got %q, want %q", got, "ping")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for packet delivery")
	}

	loop.ForceExit()
}

func TestForceExitStopsScheduling(t *testing.T) {
	loop := New()
	loop.ForceExit()
	if !loop.Exited() {
		t.Fatalf("expected Exited() to be true after ForceExit")
	}
}
