package dataservice

import (
	"testing"

	"github.com/agentd/agentd/pkg/capset"
	"github.com/agentd/agentd/pkg/cert"
	"github.com/agentd/agentd/pkg/status"
	"github.com/agentd/agentd/pkg/types"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func newFullyCappedChild(t *testing.T, e *Engine) types.ChildContextIndex {
	t.Helper()
	idx, code := e.CreateChildContext(capset.All())
	require.True(t, code.OK())
	return idx
}

func TestTransactionSubmitThenGetFirst(t *testing.T) {
	e := newTestEngine(t)
	idx := newFullyCappedChild(t, e)

	txnID := uuid.New()
	artifactID := uuid.New()
	require.True(t, e.TransactionSubmit(idx, txnID, artifactID, []byte("cert")).OK())

	node, code := e.TransactionGetFirst(idx)
	require.True(t, code.OK())
	require.Equal(t, txnID, node.TxnID)
	require.True(t, node.InQueue())
	require.Equal(t, types.TxnSubmitted, node.State)

	art, code := e.ArtifactGet(idx, artifactID)
	require.True(t, code.OK())
	require.Equal(t, txnID, art.TxnFirst)
	require.Equal(t, txnID, art.TxnLatest)
}

func TestTransactionQueueOrderingAndDrop(t *testing.T) {
	e := newTestEngine(t)
	idx := newFullyCappedChild(t, e)

	first := uuid.New()
	second := uuid.New()
	require.True(t, e.TransactionSubmit(idx, first, uuid.New(), []byte("a")).OK())
	require.True(t, e.TransactionSubmit(idx, second, uuid.New(), []byte("b")).OK())

	head, code := e.TransactionGetFirst(idx)
	require.True(t, code.OK())
	require.Equal(t, first, head.TxnID)
	require.Equal(t, second, head.NextID)

	require.True(t, e.TransactionDrop(idx, first).OK())

	head, code = e.TransactionGetFirst(idx)
	require.True(t, code.OK())
	require.Equal(t, second, head.TxnID)
	require.Equal(t, types.Nil, head.PrevID)
}

func TestTransactionGetFirstEmptyQueueNotFound(t *testing.T) {
	e := newTestEngine(t)
	idx := newFullyCappedChild(t, e)
	_, code := e.TransactionGetFirst(idx)
	require.Equal(t, status.NotFound, code)
}

func TestBlockMakeCanonizesQueuedTransactions(t *testing.T) {
	e := newTestEngine(t)
	idx := newFullyCappedChild(t, e)

	txnID := uuid.New()
	artifactID := uuid.New()
	require.True(t, e.TransactionSubmit(idx, txnID, artifactID, []byte("body")).OK())
	require.True(t, e.TransactionPromote(idx, txnID).OK())

	parser := cert.NewSimpleParser()
	blockID := uuid.New()
	blockBytes, err := parser.BuildBlock(blockID, types.Nil, 1, []cert.ChildTxn{
		{TxnID: txnID, ArtifactID: artifactID, State: types.TxnAttested, Cert: []byte("body")},
	})
	require.NoError(t, err)

	code := e.BlockMake(idx, blockID, blockBytes)
	require.True(t, code.OK(), "BlockMake failed: %v", code)

	_, code = e.TransactionGet(idx, txnID)
	require.Equal(t, status.NotFound, code)

	rec, code := e.CanonizedTransactionGet(idx, txnID, true)
	require.True(t, code.OK())
	require.Equal(t, blockID, rec.BlockID)
	require.Equal(t, uint32(0), rec.Position)

	latest, code := e.LatestBlockIDGet(idx)
	require.True(t, code.OK())
	require.Equal(t, blockID, latest)

	got, code := e.BlockIDByHeightGet(idx, 1)
	require.True(t, code.OK())
	require.Equal(t, blockID, got)

	art, code := e.ArtifactGet(idx, artifactID)
	require.True(t, code.OK())
	require.Equal(t, uint64(1), art.HeightLatest)
	require.Equal(t, types.TxnCanonized, art.StateLatest)
}

func TestBlockMakeRejectsWrongHeight(t *testing.T) {
	e := newTestEngine(t)
	idx := newFullyCappedChild(t, e)

	txnID := uuid.New()
	artifactID := uuid.New()
	require.True(t, e.TransactionSubmit(idx, txnID, artifactID, []byte("body")).OK())
	require.True(t, e.TransactionPromote(idx, txnID).OK())

	parser := cert.NewSimpleParser()
	blockID := uuid.New()
	blockBytes, err := parser.BuildBlock(blockID, types.Nil, 2, []cert.ChildTxn{
		{TxnID: txnID, ArtifactID: artifactID, State: types.TxnAttested, Cert: []byte("body")},
	})
	require.NoError(t, err)

	code := e.BlockMake(idx, blockID, blockBytes)
	require.Equal(t, status.BlockMakeConstraintHeight, code)
}

func TestBlockMakeCanonizesSubmittedTransactionWithoutPromotion(t *testing.T) {
	e := newTestEngine(t)
	idx := newFullyCappedChild(t, e)

	txnID := uuid.New()
	artifactID := uuid.New()
	require.True(t, e.TransactionSubmit(idx, txnID, artifactID, []byte("body")).OK())
	// Left SUBMITTED, never promoted to ATTESTED: still eligible.

	parser := cert.NewSimpleParser()
	blockID := uuid.New()
	blockBytes, err := parser.BuildBlock(blockID, types.Nil, 1, []cert.ChildTxn{
		{TxnID: txnID, ArtifactID: artifactID, State: types.TxnSubmitted, Cert: []byte("body")},
	})
	require.NoError(t, err)

	code := e.BlockMake(idx, blockID, blockBytes)
	require.True(t, code.OK(), "BlockMake failed: %v", code)
}

func TestBlockMakeRejectsIncompleteChild(t *testing.T) {
	e := newTestEngine(t)
	idx := newFullyCappedChild(t, e)

	txnID := uuid.New()
	artifactID := uuid.New()
	// txnID was never submitted: not present in the queue at all.

	parser := cert.NewSimpleParser()
	blockID := uuid.New()
	blockBytes, err := parser.BuildBlock(blockID, types.Nil, 1, []cert.ChildTxn{
		{TxnID: txnID, ArtifactID: artifactID, State: types.TxnSubmitted, Cert: []byte("body")},
	})
	require.NoError(t, err)

	code := e.BlockMake(idx, blockID, blockBytes)
	require.Equal(t, status.ChildTransactionNotComplete, code)
}

func TestBlockMakeRejectsNoChildTransactions(t *testing.T) {
	e := newTestEngine(t)
	idx := newFullyCappedChild(t, e)

	parser := cert.NewSimpleParser()
	blockID := uuid.New()
	blockBytes, err := parser.BuildBlock(blockID, types.Nil, 1, nil)
	require.NoError(t, err)

	code := e.BlockMake(idx, blockID, blockBytes)
	require.Equal(t, status.NoChildTransactions, code)
}
