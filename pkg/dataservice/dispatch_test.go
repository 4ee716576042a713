package dataservice

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/agentd/agentd/pkg/capset"
	"github.com/agentd/agentd/pkg/cert"
	"github.com/agentd/agentd/pkg/ipc"
	"github.com/agentd/agentd/pkg/status"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func testParser() cert.Parser { return cert.NewSimpleParser() }

func encodeRequest(t *testing.T, method MethodID, idx uint32, payload []byte) []byte {
	t.Helper()
	out := make([]byte, requestHeaderSize+len(payload))
	binary.BigEndian.PutUint32(out[0:4], uint32(method))
	binary.BigEndian.PutUint32(out[4:8], idx)
	copy(out[requestHeaderSize:], payload)
	return out
}

func decodeResponse(t *testing.T, resp []byte) (uint32, uint32, status.Code, []byte) {
	t.Helper()
	require.GreaterOrEqual(t, len(resp), responseHeaderSize)
	methodID := binary.BigEndian.Uint32(resp[0:4])
	offset := binary.BigEndian.Uint32(resp[4:8])
	code := status.Code(binary.BigEndian.Uint32(resp[8:12]))
	return methodID, offset, code, resp[responseHeaderSize:]
}

func TestDispatchUnknownMethod(t *testing.T) {
	d := NewDispatcher(newTestEngine(t))
	resp := d.Dispatch(encodeRequest(t, MethodID(methodCount)+5, 0, nil))
	_, _, code, _ := decodeResponse(t, resp)
	require.Equal(t, status.RequestPacketBad, code)
}

func TestDispatchTooShortRequest(t *testing.T) {
	d := NewDispatcher(newTestEngine(t))
	resp := d.Dispatch([]byte{1, 2, 3})
	_, _, code, _ := decodeResponse(t, resp)
	require.Equal(t, status.RequestPacketInvalidSize, code)
}

func TestDispatchTransactionSubmitAndGetFirst(t *testing.T) {
	e := newTestEngine(t)
	d := NewDispatcher(e)
	idx := newFullyCappedChild(t, e)

	txnID := uuid.New()
	artifactID := uuid.New()

	var submitPayload bytes.Buffer
	_ = ipc.WriteData(&submitPayload, txnID[:])
	_ = ipc.WriteData(&submitPayload, artifactID[:])
	_ = ipc.WriteData(&submitPayload, []byte("cert"))

	resp := d.Dispatch(encodeRequest(t, MethodTransactionSubmit, uint32(idx), submitPayload.Bytes()))
	_, _, code, _ := decodeResponse(t, resp)
	require.True(t, code.OK())

	resp = d.Dispatch(encodeRequest(t, MethodTransactionGetFirst, uint32(idx), nil))
	_, _, code, body := decodeResponse(t, resp)
	require.True(t, code.OK())

	r := bytes.NewReader(body)
	gotTxnID, err := ipc.ReadData(r)
	require.NoError(t, err)
	require.Equal(t, txnID[:], gotTxnID)
}

func TestDispatchRejectsWithoutCapability(t *testing.T) {
	e := newTestEngine(t)
	d := NewDispatcher(e)
	idx, code := e.CreateChildContext(capset.Set{})
	require.True(t, code.OK())

	resp := d.Dispatch(encodeRequest(t, MethodTransactionGetFirst, uint32(idx), nil))
	_, _, respCode, _ := decodeResponse(t, resp)
	require.Equal(t, status.NotAuthorized, respCode)
}

func TestPendingDispatcherRequiresRootContextCreateFirst(t *testing.T) {
	d := NewPendingDispatcher(testParser())

	resp := d.Dispatch(encodeRequest(t, MethodTransactionGetFirst, 0, nil))
	_, _, code, _ := decodeResponse(t, resp)
	require.Equal(t, status.NotAuthorized, code)

	var buf bytes.Buffer
	_ = ipc.WriteString(&buf, t.TempDir())
	resp = d.Dispatch(encodeRequest(t, MethodRootContextCreate, 0, buf.Bytes()))
	_, _, code, _ = decodeResponse(t, resp)
	require.True(t, code.OK())
	require.NotNil(t, d.Engine)
}
