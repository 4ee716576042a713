package dataservice

import (
	"github.com/agentd/agentd/pkg/capset"
	"github.com/agentd/agentd/pkg/cert"
	"github.com/agentd/agentd/pkg/status"
	"github.com/agentd/agentd/pkg/storage"
	"github.com/agentd/agentd/pkg/types"
	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

// GlobalSettingGet reads one global setting's opaque bytes.
func (e *Engine) GlobalSettingGet(idx types.ChildContextIndex, key types.GlobalSettingKey) ([]byte, status.Code) {
	if _, code := e.checkCap(idx, capset.BitGlobalSettingGet); !code.OK() {
		return nil, code
	}
	var value []byte
	var result status.Code = status.Success
	err := e.root.store.View(func(tx *bolt.Tx) error {
		v, ok := storage.SettingGet(tx, key)
		if !ok {
			result = status.NotFound
			return nil
		}
		value = v
		return nil
	})
	if err != nil {
		return nil, status.InternalFailure
	}
	return value, result
}

// GlobalSettingSet writes one global setting's opaque bytes.
func (e *Engine) GlobalSettingSet(idx types.ChildContextIndex, key types.GlobalSettingKey, value []byte) status.Code {
	if _, code := e.checkCap(idx, capset.BitGlobalSettingSet); !code.OK() {
		return code
	}
	err := e.root.store.Update(func(tx *bolt.Tx) error {
		return storage.SettingSet(tx, key, value)
	})
	if err != nil {
		return status.InternalFailure
	}
	return status.Success
}

func latestBlockID(tx *bolt.Tx) types.ID {
	raw, ok := storage.SettingGet(tx, types.SettingLatestBlockID)
	if !ok || len(raw) != 16 {
		return types.Nil
	}
	id, err := uuid.FromBytes(raw)
	if err != nil {
		return types.Nil
	}
	return id
}

func setLatestBlockID(tx *bolt.Tx, id types.ID) error {
	return storage.SettingSet(tx, types.SettingLatestBlockID, id[:])
}

// queueInsertTail appends node to the process queue, creating the
// sentinel if the queue has never been used. node.PrevID/NextID are
// overwritten by this call.
func queueInsertTail(tx *bolt.Tx, node *types.TransactionNode) status.Code {
	sentinel, ok, err := storage.QueueGet(tx, types.Nil)
	if err != nil {
		return status.InvalidStoredTransactionNode
	}
	if !ok {
		sentinel = &types.TransactionNode{TxnID: types.Nil, PrevID: types.Nil, NextID: types.Nil, BlockID: types.Nil}
	}

	tailID := sentinel.PrevID
	node.PrevID = tailID
	node.NextID = types.Nil

	if tailID == types.Nil {
		sentinel.NextID = node.TxnID
	} else {
		tailNode, ok, err := storage.QueueGet(tx, tailID)
		if err != nil || !ok {
			return status.InvalidStoredTransactionNode
		}
		tailNode.NextID = node.TxnID
		if err := storage.QueuePut(tx, tailNode); err != nil {
			return status.InvalidStoredTransactionNode
		}
	}
	sentinel.PrevID = node.TxnID

	if err := storage.QueuePut(tx, node); err != nil {
		return status.InvalidStoredTransactionNode
	}
	if err := storage.QueuePut(tx, sentinel); err != nil {
		return status.InvalidStoredTransactionNode
	}
	return status.Success
}

// queueUnlink splices node out of the process queue's doubly linked
// list, patching its neighbors (which may both be the sentinel).
func queueUnlink(tx *bolt.Tx, node *types.TransactionNode) status.Code {
	if node.PrevID == node.NextID {
		neighbor, ok, err := storage.QueueGet(tx, node.PrevID)
		if err != nil || !ok {
			return status.InvalidStoredTransactionNode
		}
		neighbor.NextID = node.NextID
		neighbor.PrevID = node.PrevID
		if err := storage.QueuePut(tx, neighbor); err != nil {
			return status.InvalidStoredTransactionNode
		}
		return status.Success
	}

	predNode, ok, err := storage.QueueGet(tx, node.PrevID)
	if err != nil || !ok {
		return status.InvalidStoredTransactionNode
	}
	predNode.NextID = node.NextID
	if err := storage.QueuePut(tx, predNode); err != nil {
		return status.InvalidStoredTransactionNode
	}

	succNode, ok, err := storage.QueueGet(tx, node.NextID)
	if err != nil || !ok {
		return status.InvalidStoredTransactionNode
	}
	succNode.PrevID = node.PrevID
	if err := storage.QueuePut(tx, succNode); err != nil {
		return status.InvalidStoredTransactionNode
	}
	return status.Success
}

// TransactionSubmit inserts a new transaction at the queue tail and
// upserts its artifact's bookkeeping record.
func (e *Engine) TransactionSubmit(idx types.ChildContextIndex, txnID, artifactID types.ID, certBytes []byte) status.Code {
	if _, code := e.checkCap(idx, capset.BitTransactionSubmit); !code.OK() {
		return code
	}

	var result status.Code = status.Success
	err := e.root.store.Update(func(tx *bolt.Tx) error {
		node := &types.TransactionNode{
			TxnID:      txnID,
			ArtifactID: artifactID,
			BlockID:    types.Nil,
			State:      types.TxnSubmitted,
			Cert:       certBytes,
		}
		if code := queueInsertTail(tx, node); !code.OK() {
			result = code
			return code
		}

		art, ok, err := storage.ArtifactGet(tx, artifactID)
		if err != nil {
			result = status.InvalidStoredTransactionNode
			return result
		}
		if !ok {
			art = &types.ArtifactRecord{ArtifactID: artifactID, TxnFirst: txnID}
		}
		art.TxnLatest = txnID
		art.StateLatest = types.TxnSubmitted
		if err := storage.ArtifactPut(tx, art); err != nil {
			result = status.InvalidStoredTransactionNode
			return result
		}
		return nil
	})
	if err != nil && result.OK() {
		result = status.InternalFailure
	}
	return result
}

// TransactionGetFirst returns the transaction at the head of the
// process queue.
func (e *Engine) TransactionGetFirst(idx types.ChildContextIndex) (*types.TransactionNode, status.Code) {
	if _, code := e.checkCap(idx, capset.BitTransactionGetFirst); !code.OK() {
		return nil, code
	}
	var node *types.TransactionNode
	var result status.Code = status.Success
	err := e.root.store.View(func(tx *bolt.Tx) error {
		sentinel, ok, err := storage.QueueGet(tx, types.Nil)
		if err != nil || !ok || sentinel.NextID == types.Nil {
			result = status.NotFound
			return nil
		}
		head, ok, err := storage.QueueGet(tx, sentinel.NextID)
		if err != nil || !ok {
			result = status.InvalidStoredTransactionNode
			return nil
		}
		node = head
		return nil
	})
	if err != nil {
		return nil, status.InternalFailure
	}
	return node, result
}

// TransactionGet reads one transaction node by id from the process
// queue. A transaction that has already been canonized yields NotFound.
func (e *Engine) TransactionGet(idx types.ChildContextIndex, txnID types.ID) (*types.TransactionNode, status.Code) {
	if _, code := e.checkCap(idx, capset.BitTransactionGet); !code.OK() {
		return nil, code
	}
	var node *types.TransactionNode
	var result status.Code = status.Success
	err := e.root.store.View(func(tx *bolt.Tx) error {
		n, ok, err := storage.QueueGet(tx, txnID)
		if err != nil {
			result = status.InvalidStoredTransactionNode
			return nil
		}
		if !ok {
			result = status.NotFound
			return nil
		}
		node = n
		return nil
	})
	if err != nil {
		return nil, status.InternalFailure
	}
	return node, result
}

// TransactionDrop removes a transaction from the process queue.
func (e *Engine) TransactionDrop(idx types.ChildContextIndex, txnID types.ID) status.Code {
	if _, code := e.checkCap(idx, capset.BitTransactionDrop); !code.OK() {
		return code
	}
	var result status.Code = status.Success
	err := e.root.store.Update(func(tx *bolt.Tx) error {
		node, ok, err := storage.QueueGet(tx, txnID)
		if err != nil {
			result = status.InvalidStoredTransactionNode
			return result
		}
		if !ok {
			result = status.NotFound
			return result
		}
		if code := queueUnlink(tx, node); !code.OK() {
			result = code
			return result
		}
		if err := storage.QueueDelete(tx, txnID); err != nil {
			result = status.InvalidStoredTransactionNode
			return result
		}
		return nil
	})
	if err != nil && result.OK() {
		result = status.InternalFailure
	}
	return result
}

// TransactionPromote marks a queued transaction ATTESTED.
func (e *Engine) TransactionPromote(idx types.ChildContextIndex, txnID types.ID) status.Code {
	if _, code := e.checkCap(idx, capset.BitTransactionPromote); !code.OK() {
		return code
	}
	var result status.Code = status.Success
	err := e.root.store.Update(func(tx *bolt.Tx) error {
		node, ok, err := storage.QueueGet(tx, txnID)
		if err != nil {
			result = status.InvalidStoredTransactionNode
			return result
		}
		if !ok {
			result = status.NotFound
			return result
		}
		node.State = types.TxnAttested
		if err := storage.QueuePut(tx, node); err != nil {
			result = status.InvalidStoredTransactionNode
			return result
		}
		return nil
	})
	if err != nil && result.OK() {
		result = status.InternalFailure
	}
	return result
}

// BlockMake validates and canonizes a block certificate. See spec
// section 4.D for the full set of constraints this enforces.
func (e *Engine) BlockMake(idx types.ChildContextIndex, blockID types.ID, blockBytes []byte) status.Code {
	if _, code := e.checkCap(idx, capset.BitBlockMake); !code.OK() {
		return code
	}

	handle, err := e.root.parser.Parse(blockBytes)
	if err != nil {
		return status.MalformedPayloadData
	}

	prevRaw, err := handle.Field(cert.FieldPrevBlockID)
	if err != nil {
		return status.InvalidBlockUUID
	}
	prevID, err := uuid.FromBytes(prevRaw)
	if err != nil {
		return status.InvalidBlockUUID
	}

	heightRaw, err := handle.Field(cert.FieldHeight)
	if err != nil {
		return status.MissingBlockHeight
	}
	height := beUint64(heightRaw)

	children, err := handle.Children()
	if err != nil {
		return status.MalformedPayloadData
	}
	if len(children) == 0 {
		return status.NoChildTransactions
	}
	if blockID == types.Nil {
		return status.BlockMakeConstraintBlockID
	}

	var result status.Code = status.Success
	err = e.root.store.Update(func(tx *bolt.Tx) error {
		if _, ok, _ := storage.BlockGet(tx, blockID); ok {
			result = status.BlockMakeConstraintBlockID
			return result
		}

		currentLatest := latestBlockID(tx)
		var currentHeight uint64
		if currentLatest != types.Nil {
			latestNode, ok, err := storage.BlockGet(tx, currentLatest)
			if err != nil || !ok {
				result = status.InvalidStoredTransactionNode
				return result
			}
			currentHeight = latestNode.Height
		}

		if height != currentHeight+1 {
			result = status.BlockMakeConstraintHeight
			return result
		}
		if prevID != currentLatest {
			result = status.BlockMakeConstraintPrevID
			return result
		}

		for _, c := range children {
			node, ok, err := storage.QueueGet(tx, c.TxnID)
			if err != nil {
				result = status.InvalidStoredTransactionNode
				return result
			}
			if !ok || !node.InQueue() {
				result = status.ChildTransactionNotComplete
				return result
			}
		}

		for pos, c := range children {
			node, _, err := storage.QueueGet(tx, c.TxnID)
			if err != nil {
				result = status.InvalidStoredTransactionNode
				return result
			}
			if code := queueUnlink(tx, node); !code.OK() {
				result = code
				return result
			}
			if err := storage.QueueDelete(tx, c.TxnID); err != nil {
				result = status.InvalidStoredTransactionNode
				return result
			}

			if err := storage.CanonizedPut(tx, &storage.CanonizedRecord{
				TxnID:      c.TxnID,
				ArtifactID: c.ArtifactID,
				BlockID:    blockID,
				Position:   uint32(pos),
				State:      types.TxnCanonized,
				Cert:       c.Cert,
			}); err != nil {
				result = status.InvalidStoredTransactionNode
				return result
			}

			art, ok, err := storage.ArtifactGet(tx, c.ArtifactID)
			if err != nil {
				result = status.InvalidStoredTransactionNode
				return result
			}
			if !ok {
				art = &types.ArtifactRecord{ArtifactID: c.ArtifactID, TxnFirst: c.TxnID, HeightFirst: height}
			}
			if art.HeightFirst == 0 {
				art.HeightFirst = height
			}
			art.TxnLatest = c.TxnID
			art.HeightLatest = height
			art.StateLatest = types.TxnCanonized
			if err := storage.ArtifactPut(tx, art); err != nil {
				result = status.InvalidStoredTransactionNode
				return result
			}
		}

		if currentLatest != types.Nil {
			prevNode, ok, err := storage.BlockGet(tx, currentLatest)
			if err != nil || !ok {
				result = status.InvalidStoredTransactionNode
				return result
			}
			prevNode.NextID = blockID
			if err := storage.BlockPut(tx, prevNode); err != nil {
				result = status.InvalidStoredTransactionNode
				return result
			}
		}

		block := &types.BlockNode{
			BlockID:    blockID,
			PrevID:     prevID,
			NextID:     types.Nil,
			FirstTxnID: children[0].TxnID,
			Height:     height,
			Cert:       blockBytes,
		}
		if err := storage.BlockPut(tx, block); err != nil {
			result = status.InvalidStoredTransactionNode
			return result
		}
		if err := storage.HeightIndexPut(tx, height, blockID); err != nil {
			result = status.InvalidStoredTransactionNode
			return result
		}
		if err := setLatestBlockID(tx, blockID); err != nil {
			result = status.InvalidStoredTransactionNode
			return result
		}
		return nil
	})
	if err != nil && result.OK() {
		result = status.InternalFailure
	}
	return result
}

// BlockGet reads one block-chain node by id.
func (e *Engine) BlockGet(idx types.ChildContextIndex, blockID types.ID) (*types.BlockNode, status.Code) {
	if _, code := e.checkCap(idx, capset.BitBlockGet); !code.OK() {
		return nil, code
	}
	var node *types.BlockNode
	var result status.Code = status.Success
	err := e.root.store.View(func(tx *bolt.Tx) error {
		n, ok, err := storage.BlockGet(tx, blockID)
		if err != nil {
			result = status.InvalidStoredTransactionNode
			return nil
		}
		if !ok {
			result = status.NotFound
			return nil
		}
		node = n
		return nil
	})
	if err != nil {
		return nil, status.InternalFailure
	}
	return node, result
}

// BlockIDByHeightGet resolves the block id canonized at a given
// height.
func (e *Engine) BlockIDByHeightGet(idx types.ChildContextIndex, height uint64) (types.ID, status.Code) {
	if _, code := e.checkCap(idx, capset.BitBlockIDByHeightGet); !code.OK() {
		return types.Nil, code
	}
	var id types.ID
	var result status.Code = status.Success
	err := e.root.store.View(func(tx *bolt.Tx) error {
		got, ok := storage.HeightIndexGet(tx, height)
		if !ok {
			result = status.NotFound
			return nil
		}
		id = got
		return nil
	})
	if err != nil {
		return types.Nil, status.InternalFailure
	}
	return id, result
}

// LatestBlockIDGet returns the current chain tip. On an empty chain it
// returns types.Nil with Success.
func (e *Engine) LatestBlockIDGet(idx types.ChildContextIndex) (types.ID, status.Code) {
	if _, code := e.checkCap(idx, capset.BitLatestBlockIDGet); !code.OK() {
		return types.Nil, code
	}
	var id types.ID
	var result status.Code = status.Success
	err := e.root.store.View(func(tx *bolt.Tx) error {
		id = latestBlockID(tx)
		return nil
	})
	if err != nil {
		return types.Nil, status.InternalFailure
	}
	return id, result
}

// BlockTransactionGet reads a canonized transaction's archived record.
func (e *Engine) BlockTransactionGet(idx types.ChildContextIndex, txnID types.ID) (*storage.CanonizedRecord, status.Code) {
	if _, code := e.checkCap(idx, capset.BitBlockTransactionGet); !code.OK() {
		return nil, code
	}
	return e.canonizedGet(txnID, true)
}

// CanonizedTransactionGet reads a canonized transaction's archived
// record, optionally omitting the certificate bytes.
func (e *Engine) CanonizedTransactionGet(idx types.ChildContextIndex, txnID types.ID, readCert bool) (*storage.CanonizedRecord, status.Code) {
	if _, code := e.checkCap(idx, capset.BitCanonizedTransactionGet); !code.OK() {
		return nil, code
	}
	return e.canonizedGet(txnID, readCert)
}

func (e *Engine) canonizedGet(txnID types.ID, readCert bool) (*storage.CanonizedRecord, status.Code) {
	var rec *storage.CanonizedRecord
	var result status.Code = status.Success
	err := e.root.store.View(func(tx *bolt.Tx) error {
		r, ok, err := storage.CanonizedGet(tx, txnID)
		if err != nil {
			result = status.InvalidStoredTransactionNode
			return nil
		}
		if !ok {
			result = status.NotFound
			return nil
		}
		rec = r
		return nil
	})
	if err != nil {
		return nil, status.InternalFailure
	}
	if rec != nil && !readCert {
		copyRec := *rec
		copyRec.Cert = nil
		rec = &copyRec
	}
	return rec, result
}

// ArtifactGet reads an artifact's bookkeeping record.
func (e *Engine) ArtifactGet(idx types.ChildContextIndex, artifactID types.ID) (*types.ArtifactRecord, status.Code) {
	if _, code := e.checkCap(idx, capset.BitArtifactGet); !code.OK() {
		return nil, code
	}
	var rec *types.ArtifactRecord
	var result status.Code = status.Success
	err := e.root.store.View(func(tx *bolt.Tx) error {
		r, ok, err := storage.ArtifactGet(tx, artifactID)
		if err != nil {
			result = status.InvalidStoredTransactionNode
			return nil
		}
		if !ok {
			result = status.NotFound
			return nil
		}
		rec = r
		return nil
	})
	if err != nil {
		return nil, status.InternalFailure
	}
	return rec, result
}

func beUint64(b []byte) uint64 {
	var v uint64
	for _, c := range b {
		v = v<<8 | uint64(c)
	}
	return v
}
