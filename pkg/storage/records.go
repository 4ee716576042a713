package storage

import (
	"encoding/binary"
	"encoding/json"

	"github.com/agentd/agentd/pkg/types"
	bolt "go.etcd.io/bbolt"
)

// CanonizedRecord is the value stored in BucketCanonizedTxns: the
// archived transaction plus the position it occupies inside its
// block's child-transaction list (spec section 3's canonized-
// transaction index, folded into the single canonized_txns bucket the
// six-bucket layout of spec section 6 calls for).
type CanonizedRecord struct {
	TxnID      types.ID
	ArtifactID types.ID
	BlockID    types.ID
	Position   uint32
	State      types.TxnState
	Cert       []byte
}

func settingKey(key types.GlobalSettingKey) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(key))
	return b[:]
}

// SettingGet reads a global setting's opaque bytes. ok is false if the
// key has never been set.
func SettingGet(tx *bolt.Tx, key types.GlobalSettingKey) (value []byte, ok bool) {
	raw := tx.Bucket(BucketSettings).Get(settingKey(key))
	if raw == nil {
		return nil, false
	}
	out := make([]byte, len(raw))
	copy(out, raw)
	return out, true
}

// SettingSet writes a global setting's opaque bytes.
func SettingSet(tx *bolt.Tx, key types.GlobalSettingKey, value []byte) error {
	return tx.Bucket(BucketSettings).Put(settingKey(key), value)
}

// QueueGet reads one process-queue node by transaction id, including
// the sentinel record at types.Nil.
func QueueGet(tx *bolt.Tx, txnID types.ID) (*types.TransactionNode, bool, error) {
	raw := tx.Bucket(BucketQueue).Get(txnID[:])
	if raw == nil {
		return nil, false, nil
	}
	var node types.TransactionNode
	if err := json.Unmarshal(raw, &node); err != nil {
		return nil, false, err
	}
	return &node, true, nil
}

// QueuePut writes (or overwrites) a process-queue node.
func QueuePut(tx *bolt.Tx, node *types.TransactionNode) error {
	raw, err := json.Marshal(node)
	if err != nil {
		return err
	}
	return tx.Bucket(BucketQueue).Put(node.TxnID[:], raw)
}

// QueueDelete removes a process-queue node.
func QueueDelete(tx *bolt.Tx, txnID types.ID) error {
	return tx.Bucket(BucketQueue).Delete(txnID[:])
}

// BlockGet reads one block-chain node by block id.
func BlockGet(tx *bolt.Tx, blockID types.ID) (*types.BlockNode, bool, error) {
	raw := tx.Bucket(BucketBlocks).Get(blockID[:])
	if raw == nil {
		return nil, false, nil
	}
	var node types.BlockNode
	if err := json.Unmarshal(raw, &node); err != nil {
		return nil, false, err
	}
	return &node, true, nil
}

// BlockPut writes (or overwrites) a block-chain node.
func BlockPut(tx *bolt.Tx, node *types.BlockNode) error {
	raw, err := json.Marshal(node)
	if err != nil {
		return err
	}
	return tx.Bucket(BucketBlocks).Put(node.BlockID[:], raw)
}

func heightKey(height uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], height)
	return b[:]
}

// HeightIndexGet looks up the block id canonized at the given height.
func HeightIndexGet(tx *bolt.Tx, height uint64) (types.ID, bool) {
	raw := tx.Bucket(BucketHeightIndex).Get(heightKey(height))
	if raw == nil {
		return types.Nil, false
	}
	var id types.ID
	copy(id[:], raw)
	return id, true
}

// HeightIndexPut records the block canonized at the given height.
func HeightIndexPut(tx *bolt.Tx, height uint64, blockID types.ID) error {
	return tx.Bucket(BucketHeightIndex).Put(heightKey(height), blockID[:])
}

// CanonizedGet reads an archived transaction record.
func CanonizedGet(tx *bolt.Tx, txnID types.ID) (*CanonizedRecord, bool, error) {
	raw := tx.Bucket(BucketCanonizedTxns).Get(txnID[:])
	if raw == nil {
		return nil, false, nil
	}
	var rec CanonizedRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, false, err
	}
	return &rec, true, nil
}

// CanonizedPut archives a transaction record.
func CanonizedPut(tx *bolt.Tx, rec *CanonizedRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return tx.Bucket(BucketCanonizedTxns).Put(rec.TxnID[:], raw)
}

// ArtifactGet reads an artifact's bookkeeping record.
func ArtifactGet(tx *bolt.Tx, artifactID types.ID) (*types.ArtifactRecord, bool, error) {
	raw := tx.Bucket(BucketArtifacts).Get(artifactID[:])
	if raw == nil {
		return nil, false, nil
	}
	var rec types.ArtifactRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, false, err
	}
	return &rec, true, nil
}

// ArtifactPut writes (or overwrites) an artifact's bookkeeping record.
func ArtifactPut(tx *bolt.Tx, rec *types.ArtifactRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return tx.Bucket(BucketArtifacts).Put(rec.ArtifactID[:], raw)
}
