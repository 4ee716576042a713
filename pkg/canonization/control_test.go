package canonization

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestControlConfigureTwiceIsRejected(t *testing.T) {
	dataClient, randClient, _ := newTestClients(t)
	svc := New(dataClient, randClient, nil)

	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()
	go ServeControl(server, svc)

	cc := NewControlClient(client)

	code, err := cc.Configure(5, 100)
	require.NoError(t, err)
	require.True(t, code.OK())

	code, err = cc.Configure(5, 100)
	require.NoError(t, err)
	require.False(t, code.OK())
}

func TestControlStopBeforeStartIsHarmless(t *testing.T) {
	dataClient, randClient, _ := newTestClients(t)
	svc := New(dataClient, randClient, nil)

	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()
	go ServeControl(server, svc)

	cc := NewControlClient(client)
	code, err := cc.Stop()
	require.NoError(t, err)
	require.True(t, code.OK())
}
