package ipc

import (
	"bytes"
	"testing"

	"github.com/agentd/agentd/pkg/status"
)

func TestUint32RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteUint32(&buf, 424242); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := ReadUint32(&buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got != 424242 {
		t.Fatalf("got %d, want 424242", got)
	}
}

func TestStringRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteString(&buf, "hello"); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := ReadString(&buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got != "hello" {
		t.Fatalf("got %q, want %q", got, "hello")
	}
}

func TestReadUnexpectedDataType(t *testing.T) {
	var buf bytes.Buffer
	_ = WriteUint32(&buf, 1)
	if _, err := ReadString(&buf); err != status.ReadUnexpectedDataType {
		t.Fatalf("expected ReadUnexpectedDataType, got %v", err)
	}
}

func TestReadUnexpectedDataSize(t *testing.T) {
	var buf bytes.Buffer
	// Hand-craft a UINT32 header claiming 2 bytes of payload.
	_ = WriteHeader(&buf, UINT32, 2)
	buf.Write([]byte{0, 0})
	if _, err := ReadUint32(&buf); err != status.ReadUnexpectedDataSize {
		t.Fatalf("expected ReadUnexpectedDataSize, got %v", err)
	}
}

func TestDataRoundTripUpToMax(t *testing.T) {
	payload := bytes.Repeat([]byte{0xAB}, MaxPayloadSize)
	var buf bytes.Buffer
	if err := WriteData(&buf, payload); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := ReadData(&buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("payload mismatch")
	}
}
