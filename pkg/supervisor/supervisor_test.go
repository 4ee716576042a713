package supervisor

import (
	"testing"

	"github.com/agentd/agentd/pkg/types"
	"github.com/stretchr/testify/require"
)

func TestNewFilePairExchangesBytes(t *testing.T) {
	pair, err := newFilePair("test")
	require.NoError(t, err)
	defer pair.parent.Close()
	defer pair.child.Close()

	const msg = "hello"
	go func() { _, _ = pair.child.Write([]byte(msg)) }()

	conn, err := pair.parentConn()
	require.NoError(t, err)
	defer conn.Close()

	buf := make([]byte, len(msg))
	_, err = conn.Read(buf)
	require.NoError(t, err)
	require.Equal(t, msg, string(buf))
}

func TestBaseEnvIncludesConfiguredValues(t *testing.T) {
	cfg := types.AgentConfig{
		ChrootDir:     "/var/lib/agentd/chroot",
		User:          "agentd",
		Group:         "agentd",
		DatastorePath: "/var/lib/agentd/data",
		ListenAddresses: []types.ListenAddress{
			{Address: "0.0.0.0", Port: 4931},
		},
	}
	s := New(cfg, "/usr/sbin/agentd")
	env := s.baseEnv()

	require.Contains(t, env, EnvChroot+"=/var/lib/agentd/chroot")
	require.Contains(t, env, EnvUser+"=agentd")
	require.Contains(t, env, EnvGroup+"=agentd")
	require.Contains(t, env, EnvDatastore+"=/var/lib/agentd/data")
	require.Contains(t, env, EnvListen+"=0.0.0.0:4931")
}

func TestStartFailsCleanlyWhenBinaryMissing(t *testing.T) {
	s := New(types.AgentConfig{}, "/nonexistent/agentd-binary")
	err := s.Start()
	require.Error(t, err)
}
