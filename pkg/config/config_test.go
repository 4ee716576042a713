package config

import (
	"bytes"
	"testing"

	"github.com/agentd/agentd/pkg/types"
	"github.com/stretchr/testify/require"
)

func sampleConfig() types.AgentConfig {
	return types.AgentConfig{
		LogDir:               "/var/log/agentd",
		LogLevel:             5,
		SecretPath:           "/etc/agentd/secret",
		RootBlockPath:        "/etc/agentd/root.cert",
		DatastorePath:        "/var/lib/agentd/data",
		ListenAddresses:      []types.ListenAddress{{Address: "0.0.0.0", Port: 4931}, {Address: "127.0.0.1", Port: 4932}},
		ChrootDir:            "/var/lib/agentd/chroot",
		User:                 "agentd",
		Group:                "agentd",
		BlockMaxMilliseconds: 30000,
		BlockMaxTransactions: 500,
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cfg := sampleConfig()

	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, cfg))

	got, err := Decode(&buf)
	require.NoError(t, err)
	require.Equal(t, cfg, got)
}

func TestDecodeRejectsMissingBOM(t *testing.T) {
	_, err := Decode(bytes.NewReader([]byte{byte(RecordLogLevel)}))
	require.Error(t, err)
}

func TestDecodeRejectsErrorRecord(t *testing.T) {
	buf := []byte{byte(RecordBOM), byte(RecordError)}
	_, err := Decode(bytes.NewReader(buf))
	require.Error(t, err)
}

func TestDecodeRejectsBlockMaxMillisecondsOverCeiling(t *testing.T) {
	cfg := sampleConfig()
	cfg.BlockMaxMilliseconds = MaxBlockMaxMilliseconds + 1

	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, cfg))

	_, err := Decode(&buf)
	require.Error(t, err)
}

func TestDecodeRejectsBlockMaxTransactionsOverCeiling(t *testing.T) {
	cfg := sampleConfig()
	cfg.BlockMaxTransactions = MaxBlockMaxTransactions + 1

	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, cfg))

	_, err := Decode(&buf)
	require.Error(t, err)
}

func TestDecodeRejectsLogLevelOutOfRange(t *testing.T) {
	cfg := sampleConfig()
	cfg.LogLevel = 10

	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, cfg))

	_, err := Decode(&buf)
	require.Error(t, err)
}
