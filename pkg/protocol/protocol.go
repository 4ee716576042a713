// Package protocol implements agentd's per-connection handshake state
// machine (spec section 4.G): INIT -> KEY_EXCHANGED -> ACKED -> CLOSED,
// wired to the data service through its own child context exactly like
// the teacher's worker wires a client connection to the manager,
// except the RPC boundary here is pkg/ipc's hand-rolled framing rather
// than gRPC (see DESIGN.md for why grpc/protobuf were dropped).
package protocol

import (
	"bytes"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"io"

	"github.com/agentd/agentd/pkg/capset"
	"github.com/agentd/agentd/pkg/dataservice"
	"github.com/agentd/agentd/pkg/ipc"
	"github.com/agentd/agentd/pkg/log"
	"github.com/agentd/agentd/pkg/status"
	"github.com/agentd/agentd/pkg/types"
	"github.com/google/uuid"
)

// MethodID identifies a client protocol request or response kind, per
// spec section 6's client-protocol method id table.
type MethodID uint32

const (
	MethodHandshakeInitiate    MethodID = 0x00000000
	MethodHandshakeAcknowledge MethodID = 0x00000001
	MethodLatestBlockGet       MethodID = 0x00000002
	MethodTransactionSubmit    MethodID = 0x00000003
	MethodBlockByIDGet         MethodID = 0x00000004
	MethodBlockIDGetNext       MethodID = 0x00000005
	MethodClose                MethodID = 0x0000FFFF
)

// State is a connection's position in the handshake state machine.
type State int

const (
	StateInit State = iota
	StateKeyExchanged
	StateAcked
	StateClosed
)

// nonceSize is the length, in bytes, of the handshake's key and
// challenge nonces.
const nonceSize = 32

// clientInitialIV is the first IV the client uses for its first authed
// packet (the HANDSHAKE_ACK).
const clientInitialIV = 1

// serverInitialIV is the first IV the server uses for its first authed
// packet (the HANDSHAKE_ACK response), chosen with the high bit set so
// client and server IV spaces never collide even if both start
// counting from a small number.
const serverInitialIV = 0x8000000000000001

// responseHeaderSize is the size of the method||offset||status prefix
// every client-protocol response carries, matching
// pkg/dataservice/dispatch.go's responseHeaderSize convention.
const responseHeaderSize = 12

// capMaskForProtocol is the capability mask the protocol service
// requests for every connection's child context: read access plus
// transaction submission, never block-make or administrative
// operations.
func capMaskForProtocol() capset.Set {
	var mask capset.Set
	mask.Set(capset.BitTransactionSubmit)
	mask.Set(capset.BitLatestBlockIDGet)
	mask.Set(capset.BitBlockGet)
	mask.Set(capset.BitBlockIDByHeightGet)
	return mask
}

// Session holds one connection's handshake and post-handshake state.
// It is not safe for concurrent use; each connection is handled by
// exactly one goroutine, the same single-writer discipline
// pkg/reactor enforces for its socket contexts.
type Session struct {
	conn io.ReadWriter
	data *dataservice.Client

	state    State
	secret   ipc.SharedSecret
	clientIV uint64
	serverIV uint64

	serverChallengeNonce [32]byte
	entityID             types.ID
	childIdx             types.ChildContextIndex
}

// NewSession wraps an accepted connection, ready to run its handshake.
func NewSession(conn io.ReadWriter, data *dataservice.Client) *Session {
	return &Session{conn: conn, data: data}
}

// shortMAC computes the short authentication tag the handshake uses to
// prove possession of the derived shared secret over msg, the same
// truncated-HMAC-SHA256 construction pkg/ipc uses for authed packets.
func shortMAC(secret ipc.SharedSecret, msg []byte) []byte {
	h := hmac.New(sha256.New, secret[:])
	h.Write(msg)
	full := h.Sum(nil)
	return full[:ipc.MACSize]
}

// deriveSharedSecret folds the client and server key nonces into a
// session secret. Real asymmetric key agreement is explicitly out of
// scope (spec section 1's non-goals exclude "the external wire
// cryptography details beyond the framing and handshake"); this stays
// on the same HMAC-SHA256 primitive pkg/ipc.SharedSecret.streamKey
// derives its own subkeys from, rather than reaching for an
// unlisted curve/KEX library.
func deriveSharedSecret(clientKeyNonce, serverKeyNonce []byte) ipc.SharedSecret {
	h := hmac.New(sha256.New, append(append([]byte(nil), clientKeyNonce...), serverKeyNonce...))
	h.Write([]byte("agentd-handshake-secret"))
	var secret ipc.SharedSecret
	copy(secret[:], h.Sum(nil))
	return secret
}

func randomNonce() ([nonceSize]byte, error) {
	var n [nonceSize]byte
	_, err := io.ReadFull(rand.Reader, n[:])
	return n, err
}

// Run drives the session to completion: the handshake, then the
// steady-state authed request loop, until the peer closes the
// connection, sends CLOSE, or a fatal protocol error forces exit.
func (s *Session) Run() {
	logger := log.WithService("protocol")

	if err := s.runHandshake(); err != nil {
		logger.Debug().Err(err).Msg("handshake failed")
		return
	}

	for {
		if err := s.serveOneRequest(); err != nil {
			if err != io.EOF {
				logger.Debug().Err(err).Msg("connection closed")
			}
			s.state = StateClosed
			return
		}
	}
}

// runHandshake executes the INIT and KEY_EXCHANGED steps.
func (s *Session) runHandshake() error {
	initPayload, err := ipc.ReadData(s.conn)
	if err != nil {
		return err
	}
	if err := s.handleInitiate(initPayload); err != nil {
		return err
	}

	ackPacket, err := ipc.ReadAuthed(s.conn, s.secret, s.clientIV)
	if err != nil {
		return err
	}
	s.clientIV++
	return s.handleAcknowledge(ackPacket.Payload)
}

// handleInitiate parses a HANDSHAKE_INITIATE message, derives the
// session secret, and writes the unauthenticated response carrying the
// server's nonces.
func (s *Session) handleInitiate(payload []byte) error {
	r := bytes.NewReader(payload)

	methodID, err := ipc.ReadUint32(r)
	if err != nil {
		return err
	}
	if MethodID(methodID) != MethodHandshakeInitiate {
		return status.UnexpectedMethodCode
	}
	if _, err := ipc.ReadUint32(r); err != nil { // proto
		return err
	}
	if _, err := ipc.ReadUint32(r); err != nil { // suite
		return err
	}
	entityRaw, err := ipc.ReadData(r)
	if err != nil {
		return err
	}
	entityID, err := uuid.FromBytes(entityRaw)
	if err != nil {
		return status.MalformedPayloadData
	}
	clientKeyNonce, err := ipc.ReadData(r)
	if err != nil {
		return err
	}
	if _, err := ipc.ReadData(r); err != nil { // client_challenge_nonce, unused beyond handshake
		return err
	}

	serverKeyNonce, err := randomNonce()
	if err != nil {
		return status.CryptoFailure
	}
	challengeNonce, err := randomNonce()
	if err != nil {
		return status.CryptoFailure
	}

	s.entityID = entityID
	s.secret = deriveSharedSecret(clientKeyNonce, serverKeyNonce[:])
	s.serverChallengeNonce = challengeNonce
	s.clientIV = clientInitialIV
	s.serverIV = serverInitialIV
	s.state = StateKeyExchanged

	var resp bytes.Buffer
	_ = ipc.WriteUint32(&resp, uint32(MethodHandshakeInitiate))
	_ = ipc.WriteUint32(&resp, 0) // offset
	_ = ipc.WriteUint32(&resp, uint32(status.Success))
	_ = ipc.WriteData(&resp, entityID[:]) // server_id: this node's own entity id is out of scope; the connection's own id stands in
	_ = ipc.WriteData(&resp, serverKeyNonce[:])
	_ = ipc.WriteData(&resp, challengeNonce[:])
	return ipc.WriteData(s.conn, resp.Bytes())
}

// handleAcknowledge verifies the client's proof of the shared secret
// and, on success, opens the connection's data-service child context
// and writes the authed ACK response.
func (s *Session) handleAcknowledge(payload []byte) error {
	r := bytes.NewReader(payload)

	methodID, err := ipc.ReadUint32(r)
	if err != nil {
		return err
	}
	if MethodID(methodID) != MethodHandshakeAcknowledge {
		return status.UnexpectedMethodCode
	}
	mac, err := ipc.ReadData(r)
	if err != nil {
		return err
	}

	expected := shortMAC(s.secret, s.serverChallengeNonce[:])
	if !macEqual(expected, mac) {
		return status.AuthenticationFailure
	}

	idx, code, err := s.data.ChildContextCreate(capMaskForProtocol())
	if err != nil {
		return err
	}
	if !code.OK() {
		return code
	}
	s.childIdx = idx
	s.state = StateAcked

	var resp bytes.Buffer
	_ = ipc.WriteUint32(&resp, uint32(MethodHandshakeAcknowledge))
	_ = ipc.WriteUint32(&resp, 0)
	_ = ipc.WriteUint32(&resp, uint32(status.Success))
	if err := ipc.WriteAuthed(s.conn, s.secret, s.serverIV, resp.Bytes()); err != nil {
		return err
	}
	s.serverIV++
	return nil
}

func macEqual(a, b []byte) bool {
	return len(a) == len(b) && hmac.Equal(a, b)
}

// serveOneRequest reads one authed client request, dispatches it, and
// writes the authed response. CLOSE and peer EOF both end the session.
func (s *Session) serveOneRequest() error {
	reqPacket, err := ipc.ReadAuthed(s.conn, s.secret, s.clientIV)
	if err != nil {
		return err
	}
	s.clientIV++

	r := bytes.NewReader(reqPacket.Payload)
	methodID, err := ipc.ReadUint32(r)
	if err != nil {
		return s.writeError(status.RequestPacketBad)
	}

	if MethodID(methodID) == MethodClose {
		return io.EOF
	}

	respPayload, code := s.dispatch(MethodID(methodID), r)
	return s.writeResponse(MethodID(methodID), code, respPayload)
}

func (s *Session) dispatch(method MethodID, r *bytes.Reader) ([]byte, status.Code) {
	switch method {
	case MethodLatestBlockGet:
		id, code, err := s.data.LatestBlockIDGet(s.childIdx)
		if err != nil {
			return nil, status.InternalFailure
		}
		if !code.OK() {
			return nil, code
		}
		var buf bytes.Buffer
		_ = ipc.WriteData(&buf, id[:])
		return buf.Bytes(), code

	case MethodTransactionSubmit:
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
		code, err := s.data.TransactionSubmit(s.childIdx, txnID, artifactID, certBytes)
		if err != nil {
			return nil, status.InternalFailure
		}
		return nil, code

	case MethodBlockByIDGet:
		blockID, err := readID(r)
		if err != nil {
			return nil, status.RequestPacketBad
		}
		node, code, err := s.data.BlockGet(s.childIdx, blockID)
		if err != nil {
			return nil, status.InternalFailure
		}
		if !code.OK() {
			return nil, code
		}
		return encodeBlockNode(node), code

	case MethodBlockIDGetNext:
		height, err := ipc.ReadUint64(r)
		if err != nil {
			return nil, status.RequestPacketBad
		}
		id, code, err := s.data.BlockIDByHeightGet(s.childIdx, height+1)
		if err != nil {
			return nil, status.InternalFailure
		}
		if !code.OK() {
			return nil, code
		}
		var buf bytes.Buffer
		_ = ipc.WriteData(&buf, id[:])
		return buf.Bytes(), code

	default:
		return nil, status.UnexpectedMethodCode
	}
}

func readID(r *bytes.Reader) (types.ID, error) {
	raw, err := ipc.ReadData(r)
	if err != nil {
		return types.Nil, err
	}
	return uuid.FromBytes(raw)
}

func encodeBlockNode(node *types.BlockNode) []byte {
	var buf bytes.Buffer
	_ = ipc.WriteData(&buf, node.BlockID[:])
	_ = ipc.WriteData(&buf, node.PrevID[:])
	_ = ipc.WriteUint64(&buf, node.Height)
	_ = ipc.WriteData(&buf, node.Cert)
	return buf.Bytes()
}

func (s *Session) writeResponse(method MethodID, code status.Code, payload []byte) error {
	if !code.OK() {
		payload = nil
	}
	var resp bytes.Buffer
	_ = ipc.WriteUint32(&resp, uint32(method))
	_ = ipc.WriteUint32(&resp, 0)
	_ = ipc.WriteUint32(&resp, uint32(code))
	resp.Write(payload)

	if err := ipc.WriteAuthed(s.conn, s.secret, s.serverIV, resp.Bytes()); err != nil {
		return err
	}
	s.serverIV++
	return nil
}

func (s *Session) writeError(code status.Code) error {
	return s.writeResponse(0, code, nil)
}
