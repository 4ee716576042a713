package dataservice

import (
	"bytes"
	"encoding/binary"

	"github.com/agentd/agentd/pkg/capset"
	"github.com/agentd/agentd/pkg/cert"
	"github.com/agentd/agentd/pkg/ipc"
	"github.com/agentd/agentd/pkg/status"
	"github.com/agentd/agentd/pkg/storage"
	"github.com/agentd/agentd/pkg/types"
	"github.com/google/uuid"
)

// MethodID names one data-service request kind, dense enough for the
// dispatcher's handler table to be a plain array rather than a map.
type MethodID uint32

const (
	MethodRootContextCreate MethodID = iota
	MethodRootContextReduceCaps
	MethodChildContextCreate
	MethodChildContextClose
	MethodGlobalSettingGet
	MethodGlobalSettingSet
	MethodTransactionSubmit
	MethodTransactionGetFirst
	MethodTransactionGet
	MethodTransactionDrop
	MethodTransactionPromote
	MethodBlockMake
	MethodBlockGet
	MethodBlockIDByHeightGet
	MethodLatestBlockIDGet
	MethodBlockTransactionGet
	MethodCanonizedTransactionGet
	MethodArtifactGet

	methodCount
)

// requestHeaderSize is the size of the method_id||child_index prefix
// every request packet carries ahead of its method-specific payload.
const requestHeaderSize = 8

// responseHeaderSize is the size of the method_id||offset||status
// prefix every response packet carries (spec section 4.E).
const responseHeaderSize = 12

type handlerFunc func(d *Dispatcher, idx types.ChildContextIndex, payload []byte) ([]byte, status.Code)

// Dispatcher decodes request packets, enforces the capability check
// for the named method, calls into the Engine, and encodes the
// response. One Dispatcher serves every client socket of a data
// service process.
type Dispatcher struct {
	Engine *Engine
	parser cert.Parser

	handlers [methodCount]handlerFunc
}

// NewDispatcher builds a Dispatcher around an already-open Engine.
func NewDispatcher(e *Engine) *Dispatcher {
	d := &Dispatcher{Engine: e}
	d.wireHandlers()
	return d
}

// NewPendingDispatcher builds a Dispatcher with no open root context:
// the first request it will accept is MethodRootContextCreate, per
// spec section 4.D's root lifecycle (the supervisor's control
// conversation opens the environment after the child process execs).
func NewPendingDispatcher(parser cert.Parser) *Dispatcher {
	d := &Dispatcher{parser: parser}
	d.wireHandlers()
	return d
}

func (d *Dispatcher) wireHandlers() {
	d.handlers[MethodRootContextCreate] = handleRootContextCreate
	d.handlers[MethodGlobalSettingGet] = handleGlobalSettingGet
	d.handlers[MethodGlobalSettingSet] = handleGlobalSettingSet
	d.handlers[MethodTransactionSubmit] = handleTransactionSubmit
	d.handlers[MethodTransactionGetFirst] = handleTransactionGetFirst
	d.handlers[MethodTransactionGet] = handleTransactionGet
	d.handlers[MethodTransactionDrop] = handleTransactionDrop
	d.handlers[MethodTransactionPromote] = handleTransactionPromote
	d.handlers[MethodBlockMake] = handleBlockMake
	d.handlers[MethodBlockGet] = handleBlockGet
	d.handlers[MethodBlockIDByHeightGet] = handleBlockIDByHeightGet
	d.handlers[MethodLatestBlockIDGet] = handleLatestBlockIDGet
	d.handlers[MethodBlockTransactionGet] = handleBlockTransactionGet
	d.handlers[MethodCanonizedTransactionGet] = handleCanonizedTransactionGet
	d.handlers[MethodArtifactGet] = handleArtifactGet
	d.handlers[MethodChildContextCreate] = handleChildContextCreate
	d.handlers[MethodChildContextClose] = handleChildContextClose
	d.handlers[MethodRootContextReduceCaps] = handleRootContextReduceCaps
}

// Dispatch decodes one request packet's payload and returns the fully
// encoded response packet.
func (d *Dispatcher) Dispatch(raw []byte) []byte {
	if len(raw) < requestHeaderSize {
		return encodeResponse(0, 0, status.RequestPacketInvalidSize, nil)
	}
	methodID := binary.BigEndian.Uint32(raw[0:4])
	childIdx := types.ChildContextIndex(binary.BigEndian.Uint32(raw[4:8]))
	payload := raw[requestHeaderSize:]

	if methodID >= uint32(methodCount) || d.handlers[methodID] == nil {
		return encodeResponse(methodID, 0, status.RequestPacketBad, nil)
	}
	if d.Engine == nil && MethodID(methodID) != MethodRootContextCreate {
		return encodeResponse(methodID, 0, status.NotAuthorized, nil)
	}

	respPayload, code := d.handlers[methodID](d, childIdx, payload)
	if !code.OK() {
		respPayload = nil
	}
	return encodeResponse(methodID, 0, code, respPayload)
}

func encodeResponse(methodID uint32, offset uint32, code status.Code, payload []byte) []byte {
	out := make([]byte, responseHeaderSize+len(payload))
	binary.BigEndian.PutUint32(out[0:4], methodID)
	binary.BigEndian.PutUint32(out[4:8], offset)
	binary.BigEndian.PutUint32(out[8:12], uint32(code))
	copy(out[responseHeaderSize:], payload)
	return out
}

func readID(r *bytes.Reader) (types.ID, error) {
	raw, err := ipc.ReadData(r)
	if err != nil {
		return types.Nil, err
	}
	return uuid.FromBytes(raw)
}

func handleRootContextCreate(d *Dispatcher, idx types.ChildContextIndex, payload []byte) ([]byte, status.Code) {
	if d.Engine != nil {
		return nil, status.NotAuthorized
	}
	r := bytes.NewReader(payload)
	dataDir, err := ipc.ReadString(r)
	if err != nil {
		return nil, status.RequestPacketBad
	}
	root, openErr := NewRootContext(dataDir, d.parser)
	if openErr != nil {
		return nil, status.InternalFailure
	}
	d.Engine = NewEngine(root)
	return nil, status.Success
}

func handleGlobalSettingGet(d *Dispatcher, idx types.ChildContextIndex, payload []byte) ([]byte, status.Code) {
	r := bytes.NewReader(payload)
	key, err := ipc.ReadUint64(r)
	if err != nil {
		return nil, status.RequestPacketBad
	}
	value, code := d.Engine.GlobalSettingGet(idx, types.GlobalSettingKey(key))
	if !code.OK() {
		return nil, code
	}
	var buf bytes.Buffer
	_ = ipc.WriteData(&buf, value)
	return buf.Bytes(), code
}

func handleGlobalSettingSet(d *Dispatcher, idx types.ChildContextIndex, payload []byte) ([]byte, status.Code) {
	r := bytes.NewReader(payload)
	key, err := ipc.ReadUint64(r)
	if err != nil {
		return nil, status.RequestPacketBad
	}
	value, err := ipc.ReadData(r)
	if err != nil {
		return nil, status.RequestPacketBad
	}
	return nil, d.Engine.GlobalSettingSet(idx, types.GlobalSettingKey(key), value)
}

func handleTransactionSubmit(d *Dispatcher, idx types.ChildContextIndex, payload []byte) ([]byte, status.Code) {
	r := bytes.NewReader(payload)
	txnID, err := readID(r)
	if err != nil {
		return nil, status.RequestPacketBad
	}
	artifactID, err := readID(r)
	if err != nil {
		return nil, status.RequestPacketBad
	}
	certBytes, err := ipc.ReadData(r)
	if err != nil {
		return nil, status.RequestPacketBad
	}
	return nil, d.Engine.TransactionSubmit(idx, txnID, artifactID, certBytes)
}

func encodeTransactionNode(node *types.TransactionNode) []byte {
	var buf bytes.Buffer
	_ = ipc.WriteData(&buf, node.TxnID[:])
	_ = ipc.WriteData(&buf, node.PrevID[:])
	_ = ipc.WriteData(&buf, node.NextID[:])
	_ = ipc.WriteData(&buf, node.ArtifactID[:])
	_ = ipc.WriteData(&buf, node.BlockID[:])
	_ = ipc.WriteUint32(&buf, uint32(node.State))
	_ = ipc.WriteData(&buf, node.Cert)
	return buf.Bytes()
}

func handleTransactionGetFirst(d *Dispatcher, idx types.ChildContextIndex, payload []byte) ([]byte, status.Code) {
	node, code := d.Engine.TransactionGetFirst(idx)
	if !code.OK() {
		return nil, code
	}
	return encodeTransactionNode(node), code
}

func handleTransactionGet(d *Dispatcher, idx types.ChildContextIndex, payload []byte) ([]byte, status.Code) {
	r := bytes.NewReader(payload)
	txnID, err := readID(r)
	if err != nil {
		return nil, status.RequestPacketBad
	}
	node, code := d.Engine.TransactionGet(idx, txnID)
	if !code.OK() {
		return nil, code
	}
	return encodeTransactionNode(node), code
}

func handleTransactionDrop(d *Dispatcher, idx types.ChildContextIndex, payload []byte) ([]byte, status.Code) {
	r := bytes.NewReader(payload)
	txnID, err := readID(r)
	if err != nil {
		return nil, status.RequestPacketBad
	}
	return nil, d.Engine.TransactionDrop(idx, txnID)
}

func handleTransactionPromote(d *Dispatcher, idx types.ChildContextIndex, payload []byte) ([]byte, status.Code) {
	r := bytes.NewReader(payload)
	txnID, err := readID(r)
	if err != nil {
		return nil, status.RequestPacketBad
	}
	return nil, d.Engine.TransactionPromote(idx, txnID)
}

func handleBlockMake(d *Dispatcher, idx types.ChildContextIndex, payload []byte) ([]byte, status.Code) {
	r := bytes.NewReader(payload)
	blockID, err := readID(r)
	if err != nil {
		return nil, status.RequestPacketBad
	}
	blockBytes, err := ipc.ReadData(r)
	if err != nil {
		return nil, status.RequestPacketBad
	}
	return nil, d.Engine.BlockMake(idx, blockID, blockBytes)
}

func encodeBlockNode(node *types.BlockNode) []byte {
	var buf bytes.Buffer
	_ = ipc.WriteData(&buf, node.BlockID[:])
	_ = ipc.WriteData(&buf, node.PrevID[:])
	_ = ipc.WriteData(&buf, node.NextID[:])
	_ = ipc.WriteData(&buf, node.FirstTxnID[:])
	_ = ipc.WriteUint64(&buf, node.Height)
	_ = ipc.WriteData(&buf, node.Cert)
	return buf.Bytes()
}

func handleBlockGet(d *Dispatcher, idx types.ChildContextIndex, payload []byte) ([]byte, status.Code) {
	r := bytes.NewReader(payload)
	blockID, err := readID(r)
	if err != nil {
		return nil, status.RequestPacketBad
	}
	node, code := d.Engine.BlockGet(idx, blockID)
	if !code.OK() {
		return nil, code
	}
	return encodeBlockNode(node), code
}

func handleBlockIDByHeightGet(d *Dispatcher, idx types.ChildContextIndex, payload []byte) ([]byte, status.Code) {
	r := bytes.NewReader(payload)
	height, err := ipc.ReadUint64(r)
	if err != nil {
		return nil, status.RequestPacketBad
	}
	id, code := d.Engine.BlockIDByHeightGet(idx, height)
	if !code.OK() {
		return nil, code
	}
	var buf bytes.Buffer
	_ = ipc.WriteData(&buf, id[:])
	return buf.Bytes(), code
}

func handleLatestBlockIDGet(d *Dispatcher, idx types.ChildContextIndex, payload []byte) ([]byte, status.Code) {
	id, code := d.Engine.LatestBlockIDGet(idx)
	if !code.OK() {
		return nil, code
	}
	var buf bytes.Buffer
	_ = ipc.WriteData(&buf, id[:])
	return buf.Bytes(), code
}

func handleBlockTransactionGet(d *Dispatcher, idx types.ChildContextIndex, payload []byte) ([]byte, status.Code) {
	r := bytes.NewReader(payload)
	txnID, err := readID(r)
	if err != nil {
		return nil, status.RequestPacketBad
	}
	rec, code := d.Engine.BlockTransactionGet(idx, txnID)
	if !code.OK() {
		return nil, code
	}
	return encodeCanonizedWire(rec), code
}

func handleCanonizedTransactionGet(d *Dispatcher, idx types.ChildContextIndex, payload []byte) ([]byte, status.Code) {
	r := bytes.NewReader(payload)
	txnID, err := readID(r)
	if err != nil {
		return nil, status.RequestPacketBad
	}
	readCert, err := ipc.ReadUint8(r)
	if err != nil {
		return nil, status.RequestPacketBad
	}
	rec, code := d.Engine.CanonizedTransactionGet(idx, txnID, readCert != 0)
	if !code.OK() {
		return nil, code
	}
	return encodeCanonizedWire(rec), code
}

func encodeCanonizedWire(rec *storage.CanonizedRecord) []byte {
	var buf bytes.Buffer
	_ = ipc.WriteData(&buf, rec.TxnID[:])
	_ = ipc.WriteData(&buf, rec.ArtifactID[:])
	_ = ipc.WriteData(&buf, rec.BlockID[:])
	_ = ipc.WriteUint32(&buf, rec.Position)
	_ = ipc.WriteUint32(&buf, uint32(rec.State))
	_ = ipc.WriteData(&buf, rec.Cert)
	return buf.Bytes()
}

func handleArtifactGet(d *Dispatcher, idx types.ChildContextIndex, payload []byte) ([]byte, status.Code) {
	r := bytes.NewReader(payload)
	artifactID, err := readID(r)
	if err != nil {
		return nil, status.RequestPacketBad
	}
	art, code := d.Engine.ArtifactGet(idx, artifactID)
	if !code.OK() {
		return nil, code
	}
	var buf bytes.Buffer
	_ = ipc.WriteData(&buf, art.ArtifactID[:])
	_ = ipc.WriteData(&buf, art.TxnFirst[:])
	_ = ipc.WriteData(&buf, art.TxnLatest[:])
	_ = ipc.WriteUint64(&buf, art.HeightFirst)
	_ = ipc.WriteUint64(&buf, art.HeightLatest)
	_ = ipc.WriteUint32(&buf, uint32(art.StateLatest))
	return buf.Bytes(), code
}

func handleChildContextCreate(d *Dispatcher, idx types.ChildContextIndex, payload []byte) ([]byte, status.Code) {
	r := bytes.NewReader(payload)
	var mask capset.Set
	for i := range mask {
		w, err := ipc.ReadUint64(r)
		if err != nil {
			return nil, status.RequestPacketBad
		}
		mask[i] = w
	}
	newIdx, code := d.Engine.CreateChildContext(mask)
	if !code.OK() {
		return nil, code
	}
	var buf bytes.Buffer
	_ = ipc.WriteUint32(&buf, uint32(newIdx))
	return buf.Bytes(), code
}

func handleChildContextClose(d *Dispatcher, idx types.ChildContextIndex, payload []byte) ([]byte, status.Code) {
	return nil, d.Engine.CloseChildContext(idx)
}

func handleRootContextReduceCaps(d *Dispatcher, idx types.ChildContextIndex, payload []byte) ([]byte, status.Code) {
	r := bytes.NewReader(payload)
	var mask capset.Set
	for i := range mask {
		w, err := ipc.ReadUint64(r)
		if err != nil {
			return nil, status.RequestPacketBad
		}
		mask[i] = w
	}
	return nil, d.Engine.Root().ReduceCaps(mask)
}
