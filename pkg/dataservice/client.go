package dataservice

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/agentd/agentd/pkg/capset"
	"github.com/agentd/agentd/pkg/ipc"
	"github.com/agentd/agentd/pkg/status"
	"github.com/agentd/agentd/pkg/storage"
	"github.com/agentd/agentd/pkg/types"
	"github.com/google/uuid"
)

// Client is the typed request/response wrapper both the protocol
// service and the canonization service use to talk to a data-service
// process, rather than hand-decoding raw response payloads the way
// original_source's dataservice_api_recvresp_*.c files do for the C
// client.
type Client struct {
	Conn io.ReadWriter
}

// NewClient wraps an already-connected socket.
func NewClient(conn io.ReadWriter) *Client {
	return &Client{Conn: conn}
}

// call sends one request packet and waits for its response, returning
// the decoded status and response payload.
func (c *Client) call(method MethodID, idx types.ChildContextIndex, payload []byte) ([]byte, status.Code, error) {
	req := make([]byte, requestHeaderSize+len(payload))
	binary.BigEndian.PutUint32(req[0:4], uint32(method))
	binary.BigEndian.PutUint32(req[4:8], uint32(idx))
	copy(req[requestHeaderSize:], payload)

	if err := ipc.WriteData(c.Conn, req); err != nil {
		return nil, 0, err
	}

	resp, err := ipc.ReadData(c.Conn)
	if err != nil {
		return nil, 0, err
	}
	if len(resp) < responseHeaderSize {
		return nil, 0, fmt.Errorf("dataservice: response too short (%d bytes)", len(resp))
	}
	code := status.Code(binary.BigEndian.Uint32(resp[8:12]))
	return resp[responseHeaderSize:], code, nil
}

func writeCapSet(buf *bytes.Buffer, s capset.Set) {
	for _, w := range s {
		_ = ipc.WriteUint64(buf, w)
	}
}

// RootContextCreate bootstraps a data-service process's storage
// environment.
func (c *Client) RootContextCreate(dataDir string) (status.Code, error) {
	var buf bytes.Buffer
	_ = ipc.WriteString(&buf, dataDir)
	_, code, err := c.call(MethodRootContextCreate, 0, buf.Bytes())
	return code, err
}

// RootContextReduceCaps intersects the root's capability set with
// mask.
func (c *Client) RootContextReduceCaps(mask capset.Set) (status.Code, error) {
	var buf bytes.Buffer
	writeCapSet(&buf, mask)
	_, code, err := c.call(MethodRootContextReduceCaps, 0, buf.Bytes())
	return code, err
}

// ChildContextCreate allocates a child context scoped by mask.
func (c *Client) ChildContextCreate(mask capset.Set) (types.ChildContextIndex, status.Code, error) {
	var buf bytes.Buffer
	writeCapSet(&buf, mask)
	body, code, err := c.call(MethodChildContextCreate, 0, buf.Bytes())
	if err != nil || !code.OK() {
		return 0, code, err
	}
	idx, err := ipc.ReadUint32(bytes.NewReader(body))
	if err != nil {
		return 0, 0, err
	}
	return types.ChildContextIndex(idx), code, nil
}

// ChildContextClose releases a child context.
func (c *Client) ChildContextClose(idx types.ChildContextIndex) (status.Code, error) {
	_, code, err := c.call(MethodChildContextClose, idx, nil)
	return code, err
}

// GlobalSettingGet reads one global setting's opaque bytes.
func (c *Client) GlobalSettingGet(idx types.ChildContextIndex, key types.GlobalSettingKey) ([]byte, status.Code, error) {
	var buf bytes.Buffer
	_ = ipc.WriteUint64(&buf, uint64(key))
	body, code, err := c.call(MethodGlobalSettingGet, idx, buf.Bytes())
	if err != nil || !code.OK() {
		return nil, code, err
	}
	value, err := ipc.ReadData(bytes.NewReader(body))
	return value, code, err
}

// GlobalSettingSet writes one global setting's opaque bytes.
func (c *Client) GlobalSettingSet(idx types.ChildContextIndex, key types.GlobalSettingKey, value []byte) (status.Code, error) {
	var buf bytes.Buffer
	_ = ipc.WriteUint64(&buf, uint64(key))
	_ = ipc.WriteData(&buf, value)
	_, code, err := c.call(MethodGlobalSettingSet, idx, buf.Bytes())
	return code, err
}

// TransactionSubmit submits a new transaction to the process queue.
func (c *Client) TransactionSubmit(idx types.ChildContextIndex, txnID, artifactID types.ID, certBytes []byte) (status.Code, error) {
	var buf bytes.Buffer
	_ = ipc.WriteData(&buf, txnID[:])
	_ = ipc.WriteData(&buf, artifactID[:])
	_ = ipc.WriteData(&buf, certBytes)
	_, code, err := c.call(MethodTransactionSubmit, idx, buf.Bytes())
	return code, err
}

func decodeTransactionNode(body []byte) (*types.TransactionNode, error) {
	r := bytes.NewReader(body)
	txnID, err := readID(r)
	if err != nil {
		return nil, err
	}
	prevID, err := readID(r)
	if err != nil {
		return nil, err
	}
	nextID, err := readID(r)
	if err != nil {
		return nil, err
	}
	artifactID, err := readID(r)
	if err != nil {
		return nil, err
	}
	blockID, err := readID(r)
	if err != nil {
		return nil, err
	}
	state, err := ipc.ReadUint32(r)
	if err != nil {
		return nil, err
	}
	certBytes, err := ipc.ReadData(r)
	if err != nil {
		return nil, err
	}
	return &types.TransactionNode{
		TxnID: txnID, PrevID: prevID, NextID: nextID,
		ArtifactID: artifactID, BlockID: blockID,
		State: types.TxnState(state), Cert: certBytes,
	}, nil
}

// TransactionGetFirst reads the transaction at the head of the process
// queue.
func (c *Client) TransactionGetFirst(idx types.ChildContextIndex) (*types.TransactionNode, status.Code, error) {
	body, code, err := c.call(MethodTransactionGetFirst, idx, nil)
	if err != nil || !code.OK() {
		return nil, code, err
	}
	node, err := decodeTransactionNode(body)
	return node, code, err
}

// TransactionGet reads one transaction node by id.
func (c *Client) TransactionGet(idx types.ChildContextIndex, txnID types.ID) (*types.TransactionNode, status.Code, error) {
	var buf bytes.Buffer
	_ = ipc.WriteData(&buf, txnID[:])
	body, code, err := c.call(MethodTransactionGet, idx, buf.Bytes())
	if err != nil || !code.OK() {
		return nil, code, err
	}
	node, err := decodeTransactionNode(body)
	return node, code, err
}

// TransactionDrop removes a transaction from the process queue.
func (c *Client) TransactionDrop(idx types.ChildContextIndex, txnID types.ID) (status.Code, error) {
	var buf bytes.Buffer
	_ = ipc.WriteData(&buf, txnID[:])
	_, code, err := c.call(MethodTransactionDrop, idx, buf.Bytes())
	return code, err
}

// TransactionPromote marks a queued transaction ATTESTED.
func (c *Client) TransactionPromote(idx types.ChildContextIndex, txnID types.ID) (status.Code, error) {
	var buf bytes.Buffer
	_ = ipc.WriteData(&buf, txnID[:])
	_, code, err := c.call(MethodTransactionPromote, idx, buf.Bytes())
	return code, err
}

// BlockMake submits a new block certificate for canonization.
func (c *Client) BlockMake(idx types.ChildContextIndex, blockID types.ID, blockBytes []byte) (status.Code, error) {
	var buf bytes.Buffer
	_ = ipc.WriteData(&buf, blockID[:])
	_ = ipc.WriteData(&buf, blockBytes)
	_, code, err := c.call(MethodBlockMake, idx, buf.Bytes())
	return code, err
}

func decodeBlockNode(body []byte) (*types.BlockNode, error) {
	r := bytes.NewReader(body)
	blockID, err := readID(r)
	if err != nil {
		return nil, err
	}
	prevID, err := readID(r)
	if err != nil {
		return nil, err
	}
	nextID, err := readID(r)
	if err != nil {
		return nil, err
	}
	firstTxnID, err := readID(r)
	if err != nil {
		return nil, err
	}
	height, err := ipc.ReadUint64(r)
	if err != nil {
		return nil, err
	}
	certBytes, err := ipc.ReadData(r)
	if err != nil {
		return nil, err
	}
	return &types.BlockNode{
		BlockID: blockID, PrevID: prevID, NextID: nextID,
		FirstTxnID: firstTxnID, Height: height, Cert: certBytes,
	}, nil
}

// BlockGet reads one block-chain node by id.
func (c *Client) BlockGet(idx types.ChildContextIndex, blockID types.ID) (*types.BlockNode, status.Code, error) {
	var buf bytes.Buffer
	_ = ipc.WriteData(&buf, blockID[:])
	body, code, err := c.call(MethodBlockGet, idx, buf.Bytes())
	if err != nil || !code.OK() {
		return nil, code, err
	}
	node, err := decodeBlockNode(body)
	return node, code, err
}

// BlockIDByHeightGet resolves the block id canonized at a height.
func (c *Client) BlockIDByHeightGet(idx types.ChildContextIndex, height uint64) (types.ID, status.Code, error) {
	var buf bytes.Buffer
	_ = ipc.WriteUint64(&buf, height)
	body, code, err := c.call(MethodBlockIDByHeightGet, idx, buf.Bytes())
	if err != nil || !code.OK() {
		return types.Nil, code, err
	}
	raw, err := ipc.ReadData(bytes.NewReader(body))
	if err != nil {
		return types.Nil, code, err
	}
	id, err := uuid.FromBytes(raw)
	return id, code, err
}

// LatestBlockIDGet returns the current chain tip.
func (c *Client) LatestBlockIDGet(idx types.ChildContextIndex) (types.ID, status.Code, error) {
	body, code, err := c.call(MethodLatestBlockIDGet, idx, nil)
	if err != nil || !code.OK() {
		return types.Nil, code, err
	}
	raw, err := ipc.ReadData(bytes.NewReader(body))
	if err != nil {
		return types.Nil, code, err
	}
	id, err := uuid.FromBytes(raw)
	return id, code, err
}

func decodeCanonizedRecord(body []byte) (*storage.CanonizedRecord, error) {
	r := bytes.NewReader(body)
	txnID, err := readID(r)
	if err != nil {
		return nil, err
	}
	artifactID, err := readID(r)
	if err != nil {
		return nil, err
	}
	blockID, err := readID(r)
	if err != nil {
		return nil, err
	}
	position, err := ipc.ReadUint32(r)
	if err != nil {
		return nil, err
	}
	state, err := ipc.ReadUint32(r)
	if err != nil {
		return nil, err
	}
	certBytes, err := ipc.ReadData(r)
	if err != nil {
		return nil, err
	}
	return &storage.CanonizedRecord{
		TxnID: txnID, ArtifactID: artifactID, BlockID: blockID,
		Position: position, State: types.TxnState(state), Cert: certBytes,
	}, nil
}

// BlockTransactionGet reads a canonized transaction's archived record.
func (c *Client) BlockTransactionGet(idx types.ChildContextIndex, txnID types.ID) (*storage.CanonizedRecord, status.Code, error) {
	var buf bytes.Buffer
	_ = ipc.WriteData(&buf, txnID[:])
	body, code, err := c.call(MethodBlockTransactionGet, idx, buf.Bytes())
	if err != nil || !code.OK() {
		return nil, code, err
	}
	rec, err := decodeCanonizedRecord(body)
	return rec, code, err
}

// CanonizedTransactionGet reads a canonized transaction's archived
// record, optionally omitting the certificate bytes.
func (c *Client) CanonizedTransactionGet(idx types.ChildContextIndex, txnID types.ID, readCert bool) (*storage.CanonizedRecord, status.Code, error) {
	var buf bytes.Buffer
	_ = ipc.WriteData(&buf, txnID[:])
	if readCert {
		_ = ipc.WriteUint8(&buf, 1)
	} else {
		_ = ipc.WriteUint8(&buf, 0)
	}
	body, code, err := c.call(MethodCanonizedTransactionGet, idx, buf.Bytes())
	if err != nil || !code.OK() {
		return nil, code, err
	}
	rec, err := decodeCanonizedRecord(body)
	return rec, code, err
}

// ArtifactGet reads an artifact's bookkeeping record.
func (c *Client) ArtifactGet(idx types.ChildContextIndex, artifactID types.ID) (*types.ArtifactRecord, status.Code, error) {
	var buf bytes.Buffer
	_ = ipc.WriteData(&buf, artifactID[:])
	body, code, err := c.call(MethodArtifactGet, idx, buf.Bytes())
	if err != nil || !code.OK() {
		return nil, code, err
	}
	r := bytes.NewReader(body)
	artifactIDGot, err := readID(r)
	if err != nil {
		return nil, code, err
	}
	txnFirst, err := readID(r)
	if err != nil {
		return nil, code, err
	}
	txnLatest, err := readID(r)
	if err != nil {
		return nil, code, err
	}
	heightFirst, err := ipc.ReadUint64(r)
	if err != nil {
		return nil, code, err
	}
	heightLatest, err := ipc.ReadUint64(r)
	if err != nil {
		return nil, code, err
	}
	stateLatest, err := ipc.ReadUint32(r)
	if err != nil {
		return nil, code, err
	}
	return &types.ArtifactRecord{
		ArtifactID: artifactIDGot, TxnFirst: txnFirst, TxnLatest: txnLatest,
		HeightFirst: heightFirst, HeightLatest: heightLatest,
		StateLatest: types.TxnState(stateLatest),
	}, code, nil
}

// Serve reads one framed request packet at a time from conn, hands its
// payload to d.Dispatch, and writes the framed response back. It loops
// until conn returns an error (typically io.EOF on the peer closing
// the socket), the same shape as randomservice.Serve.
func Serve(conn io.ReadWriter, d *Dispatcher) error {
	for {
		raw, err := ipc.ReadData(conn)
		if err != nil {
			return err
		}
		resp := d.Dispatch(raw)
		if err := ipc.WriteData(conn, resp); err != nil {
			return err
		}
	}
}
