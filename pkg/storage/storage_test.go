package storage_test

import (
	"testing"

	"github.com/agentd/agentd/pkg/storage"
	"github.com/agentd/agentd/pkg/types"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"
)

func openTestEngine(t *testing.T) *storage.Engine {
	t.Helper()
	dir := t.TempDir()
	eng, err := storage.Open(dir)
	require.NoError(t, err)
	t.Cleanup(func() { eng.Close() })
	return eng
}

func TestSettingRoundTrip(t *testing.T) {
	eng := openTestEngine(t)

	err := eng.Update(func(tx *bolt.Tx) error {
		return storage.SettingSet(tx, types.SettingSchemaVersion, []byte{1})
	})
	require.NoError(t, err)

	var got []byte
	err = eng.View(func(tx *bolt.Tx) error {
		v, ok := storage.SettingGet(tx, types.SettingSchemaVersion)
		require.True(t, ok)
		got = v
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []byte{1}, got)
}

func TestSettingMissingKeyNotFound(t *testing.T) {
	eng := openTestEngine(t)
	err := eng.View(func(tx *bolt.Tx) error {
		_, ok := storage.SettingGet(tx, types.SettingLatestBlockID)
		require.False(t, ok)
		return nil
	})
	require.NoError(t, err)
}

func TestQueuePutGetDelete(t *testing.T) {
	eng := openTestEngine(t)
	node := &types.TransactionNode{
		TxnID:      uuid.New(),
		ArtifactID: uuid.New(),
		State:      types.TxnSubmitted,
		Cert:       []byte("cert"),
	}

	err := eng.Update(func(tx *bolt.Tx) error {
		return storage.QueuePut(tx, node)
	})
	require.NoError(t, err)

	err = eng.View(func(tx *bolt.Tx) error {
		got, ok, err := storage.QueueGet(tx, node.TxnID)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, node.ArtifactID, got.ArtifactID)
		require.True(t, got.InQueue())
		return nil
	})
	require.NoError(t, err)

	err = eng.Update(func(tx *bolt.Tx) error {
		return storage.QueueDelete(tx, node.TxnID)
	})
	require.NoError(t, err)

	err = eng.View(func(tx *bolt.Tx) error {
		_, ok, err := storage.QueueGet(tx, node.TxnID)
		require.NoError(t, err)
		require.False(t, ok)
		return nil
	})
	require.NoError(t, err)
}

func TestBlockAndHeightIndexTogether(t *testing.T) {
	eng := openTestEngine(t)
	block := &types.BlockNode{
		BlockID: uuid.New(),
		PrevID:  types.Nil,
		Height:  1,
	}

	err := eng.Update(func(tx *bolt.Tx) error {
		if err := storage.BlockPut(tx, block); err != nil {
			return err
		}
		return storage.HeightIndexPut(tx, block.Height, block.BlockID)
	})
	require.NoError(t, err)

	err = eng.View(func(tx *bolt.Tx) error {
		id, ok := storage.HeightIndexGet(tx, 1)
		require.True(t, ok)
		require.Equal(t, block.BlockID, id)

		got, ok, err := storage.BlockGet(tx, block.BlockID)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, uint64(1), got.Height)
		return nil
	})
	require.NoError(t, err)
}

func TestCanonizedAndArtifactRecords(t *testing.T) {
	eng := openTestEngine(t)
	txnID := uuid.New()
	artifactID := uuid.New()
	blockID := uuid.New()

	rec := &storage.CanonizedRecord{
		TxnID:      txnID,
		ArtifactID: artifactID,
		BlockID:    blockID,
		Position:   0,
		State:      types.TxnCanonized,
		Cert:       []byte("c"),
	}
	art := &types.ArtifactRecord{
		ArtifactID:   artifactID,
		TxnFirst:     txnID,
		TxnLatest:    txnID,
		HeightFirst:  1,
		HeightLatest: 1,
		StateLatest:  types.TxnCanonized,
	}

	err := eng.Update(func(tx *bolt.Tx) error {
		if err := storage.CanonizedPut(tx, rec); err != nil {
			return err
		}
		return storage.ArtifactPut(tx, art)
	})
	require.NoError(t, err)

	err = eng.View(func(tx *bolt.Tx) error {
		gotRec, ok, err := storage.CanonizedGet(tx, txnID)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, blockID, gotRec.BlockID)

		gotArt, ok, err := storage.ArtifactGet(tx, artifactID)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, uint64(1), gotArt.HeightFirst)
		return nil
	})
	require.NoError(t, err)
}
