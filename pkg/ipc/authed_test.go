package ipc

import (
	"bytes"
	"testing"

	"github.com/agentd/agentd/pkg/status"
)

func testSecret() SharedSecret {
	var s SharedSecret
	for i := range s {
		s[i] = byte(i * 7)
	}
	return s
}

func TestAuthedRoundTrip(t *testing.T) {
	secret := testSecret()
	payload := []byte("hello, canonizer")

	var buf bytes.Buffer
	if err := WriteAuthed(&buf, secret, 1, payload); err != nil {
		t.Fatalf("write: %v", err)
	}

	got, err := ReadAuthed(&buf, secret, 1)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got.Payload, payload) {
		t.Fatalf("payload mismatch: got %q want %q", got.Payload, payload)
	}
}

func TestAuthedRoundTripEmptyPayload(t *testing.T) {
	secret := testSecret()
	var buf bytes.Buffer
	if err := WriteAuthed(&buf, secret, 0x8000000000000001, nil); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := ReadAuthed(&buf, secret, 0x8000000000000001)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(got.Payload) != 0 {
		t.Fatalf("expected empty payload, got %v", got.Payload)
	}
}

func TestAuthedTamperedCiphertextRejected(t *testing.T) {
	secret := testSecret()
	payload := []byte("the quick brown fox")

	var buf bytes.Buffer
	if err := WriteAuthed(&buf, secret, 1, payload); err != nil {
		t.Fatalf("write: %v", err)
	}
	wire := buf.Bytes()
	// Flip one bit inside the ciphertext region (past header+MAC).
	wire[authedHeaderBlockSize] ^= 0x01

	_, err := ReadAuthed(bytes.NewReader(wire), secret, 1)
	if err != status.UnauthorizedPacket {
		t.Fatalf("expected UnauthorizedPacket on tampered ciphertext, got %v", err)
	}
}

func TestAuthedTamperedMACRejected(t *testing.T) {
	secret := testSecret()
	payload := []byte("the quick brown fox")

	var buf bytes.Buffer
	if err := WriteAuthed(&buf, secret, 1, payload); err != nil {
		t.Fatalf("write: %v", err)
	}
	wire := buf.Bytes()
	wire[headerSize] ^= 0x01 // flip a bit inside the MAC

	_, err := ReadAuthed(bytes.NewReader(wire), secret, 1)
	if err != status.UnauthorizedPacket {
		t.Fatalf("expected UnauthorizedPacket on tampered MAC, got %v", err)
	}
}

func TestAuthedWrongIVRejected(t *testing.T) {
	secret := testSecret()
	payload := []byte("payload")

	var buf bytes.Buffer
	if err := WriteAuthed(&buf, secret, 1, payload); err != nil {
		t.Fatalf("write: %v", err)
	}

	_, err := ReadAuthed(&buf, secret, 2)
	if err != status.UnauthorizedPacket {
		t.Fatalf("expected UnauthorizedPacket for mismatched IV, got %v", err)
	}
}

func TestAuthedDirectionDiscipline(t *testing.T) {
	// Client IV starts at 1, server IV starts at the high-bit-set
	// stream; both must be able to operate independently over the
	// same secret without colliding.
	secret := testSecret()

	var clientBuf, serverBuf bytes.Buffer
	if err := WriteAuthed(&clientBuf, secret, 1, []byte("client->server")); err != nil {
		t.Fatalf("client write: %v", err)
	}
	if err := WriteAuthed(&serverBuf, secret, 0x8000000000000001, []byte("server->client")); err != nil {
		t.Fatalf("server write: %v", err)
	}

	fromClient, err := ReadAuthed(&clientBuf, secret, 1)
	if err != nil {
		t.Fatalf("read client packet: %v", err)
	}
	fromServer, err := ReadAuthed(&serverBuf, secret, 0x8000000000000001)
	if err != nil {
		t.Fatalf("read server packet: %v", err)
	}
	if string(fromClient.Payload) != "client->server" {
		t.Fatalf("unexpected client payload: %q", fromClient.Payload)
	}
	if string(fromServer.Payload) != "server->client" {
		t.Fatalf("unexpected server payload: %q", fromServer.Payload)
	}
}
