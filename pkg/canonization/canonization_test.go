package canonization

import (
	"net"
	"testing"
	"time"

	"github.com/agentd/agentd/pkg/capset"
	"github.com/agentd/agentd/pkg/cert"
	"github.com/agentd/agentd/pkg/dataservice"
	"github.com/agentd/agentd/pkg/randomservice"
	"github.com/agentd/agentd/pkg/types"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func newTestClients(t *testing.T) (*dataservice.Client, *randomservice.Client, *dataservice.Engine) {
	t.Helper()

	root, err := dataservice.NewRootContext(t.TempDir(), cert.NewSimpleParser())
	require.NoError(t, err)
	t.Cleanup(func() { root.Close() })
	engine := dataservice.NewEngine(root)
	dispatcher := dataservice.NewDispatcher(engine)

	dataServer, dataClientConn := net.Pipe()
	t.Cleanup(func() { dataServer.Close(); dataClientConn.Close() })
	go dataservice.Serve(dataServer, dispatcher)

	randServer, randClientConn := net.Pipe()
	t.Cleanup(func() { randServer.Close(); randClientConn.Close() })
	go randomservice.Serve(randServer, randomservice.New())

	return dataservice.NewClient(dataClientConn), randomservice.NewClient(randClientConn), engine
}

func TestConfigureThenStartCanonizesQueuedBlock(t *testing.T) {
	dataClient, randClient, engine := newTestClients(t)

	adminIdx, code := engine.CreateChildContext(capset.All())
	require.True(t, code.OK())

	txnID := uuid.New()
	artifactID := uuid.New()
	require.True(t, engine.TransactionSubmit(adminIdx, txnID, artifactID, []byte("body")).OK())
	require.True(t, engine.TransactionPromote(adminIdx, txnID).OK())

	svc := New(dataClient, randClient, cert.NewSimpleParser())
	require.True(t, svc.Configure(5, 100).OK())
	require.True(t, svc.Start().OK())
	t.Cleanup(svc.Stop)

	require.Eventually(t, func() bool {
		_, code := engine.TransactionGetFirst(adminIdx)
		return !code.OK()
	}, time.Second, 5*time.Millisecond)

	rec, code := engine.CanonizedTransactionGet(adminIdx, txnID, false)
	require.True(t, code.OK())
	require.Equal(t, txnID, rec.TxnID)

	latest, code := engine.LatestBlockIDGet(adminIdx)
	require.True(t, code.OK())
	require.NotEqual(t, types.Nil, latest)
}

func TestConfigureThenStartCanonizesSubmittedBlockWithoutPromotion(t *testing.T) {
	dataClient, randClient, engine := newTestClients(t)

	adminIdx, code := engine.CreateChildContext(capset.All())
	require.True(t, code.OK())

	txnID := uuid.New()
	artifactID := uuid.New()
	require.True(t, engine.TransactionSubmit(adminIdx, txnID, artifactID, []byte("body")).OK())

	svc := New(dataClient, randClient, cert.NewSimpleParser())
	require.True(t, svc.Configure(5, 100).OK())
	require.True(t, svc.Start().OK())
	t.Cleanup(svc.Stop)

	require.Eventually(t, func() bool {
		_, code := engine.TransactionGetFirst(adminIdx)
		return !code.OK()
	}, time.Second, 5*time.Millisecond)

	rec, code := engine.CanonizedTransactionGet(adminIdx, txnID, false)
	require.True(t, code.OK())
	require.Equal(t, txnID, rec.TxnID)
}

func TestConfigureTwiceReturnsAlreadyRunning(t *testing.T) {
	dataClient, randClient, _ := newTestClients(t)
	svc := New(dataClient, randClient, cert.NewSimpleParser())
	require.True(t, svc.Configure(5, 10).OK())
	code := svc.Configure(5, 10)
	require.False(t, code.OK())
}

func TestStartBeforeConfigureFails(t *testing.T) {
	dataClient, randClient, _ := newTestClients(t)
	svc := New(dataClient, randClient, cert.NewSimpleParser())
	code := svc.Start()
	require.False(t, code.OK())
}

func TestAttemptWithEmptyQueueIsANoOp(t *testing.T) {
	dataClient, randClient, engine := newTestClients(t)
	adminIdx, code := engine.CreateChildContext(capset.All())
	require.True(t, code.OK())

	svc := New(dataClient, randClient, cert.NewSimpleParser())
	svc.childIdx = adminIdx

	err := svc.attempt()
	require.Error(t, err)

	latest, code := engine.LatestBlockIDGet(adminIdx)
	require.True(t, code.OK())
	require.Equal(t, types.Nil, latest)
}
