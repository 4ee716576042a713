// Package ipc implements agentd's typed, length-prefixed packet
// framing (spec section 4.A) used by every inter-process socket and
// by the external client protocol, plus the authenticated "authed"
// packet variant layered on top of it.
package ipc

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/agentd/agentd/pkg/status"
)

// Type identifies the kind of value carried by a data packet.
type Type uint8

const (
	BOM    Type = 0x00
	UINT8  Type = 0x01
	UINT32 Type = 0x03
	UINT64 Type = 0x04
	INT8   Type = 0x09
	INT32  Type = 0x0A
	INT64  Type = 0x0B
	STRING Type = 0x10
	DATA   Type = 0x20
	AUTHED Type = 0x30
	EOM    Type = 0xFF
)

// MaxPayloadSize is the cap on a data packet's payload. Authed packets
// that claim a larger size are rejected with UnauthorizedPacket
// before any ciphertext is read.
const MaxPayloadSize = 10 << 20 // 10 MiB

// headerSize is the on-wire size of a packet header: 1 byte type, 4
// byte big-endian size.
const headerSize = 5

// ReadHeader reads a packet's type and size fields.
func ReadHeader(r io.Reader) (Type, uint32, error) {
	var hdr [headerSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, 0, err
	}
	return Type(hdr[0]), binary.BigEndian.Uint32(hdr[1:]), nil
}

// WriteHeader writes a packet's type and size fields.
func WriteHeader(w io.Writer, t Type, size uint32) error {
	var hdr [headerSize]byte
	hdr[0] = byte(t)
	binary.BigEndian.PutUint32(hdr[1:], size)
	_, err := w.Write(hdr[:])
	return err
}

// ReadTyped reads one data packet, verifies it carries exactly the
// expected type and, for fixed-width types, the expected length, and
// returns the raw payload.
func ReadTyped(r io.Reader, want Type) ([]byte, error) {
	t, size, err := ReadHeader(r)
	if err != nil {
		return nil, err
	}
	if t != want {
		return nil, status.ReadUnexpectedDataType
	}
	if n, ok := fixedSize(want); ok && uint32(n) != size {
		return nil, status.ReadUnexpectedDataSize
	}
	if size > MaxPayloadSize {
		return nil, status.ReadUnexpectedDataSize
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// fixedSize returns the on-wire payload length of fixed-width types.
func fixedSize(t Type) (int, bool) {
	switch t {
	case BOM, EOM:
		return 0, true
	case UINT8, INT8:
		return 1, true
	case UINT32, INT32:
		return 4, true
	case UINT64, INT64:
		return 8, true
	default:
		return 0, false
	}
}

// WriteTyped writes one data packet of type t wrapping payload.
func WriteTyped(w io.Writer, t Type, payload []byte) error {
	if len(payload) > MaxPayloadSize {
		return fmt.Errorf("ipc: payload of %d bytes exceeds max packet size", len(payload))
	}
	if err := WriteHeader(w, t, uint32(len(payload))); err != nil {
		return err
	}
	if len(payload) == 0 {
		return nil
	}
	_, err := w.Write(payload)
	return err
}

// WriteUint8 writes a UINT8 data packet.
func WriteUint8(w io.Writer, v uint8) error {
	return WriteTyped(w, UINT8, []byte{v})
}

// ReadUint8 reads a UINT8 data packet.
func ReadUint8(r io.Reader) (uint8, error) {
	p, err := ReadTyped(r, UINT8)
	if err != nil {
		return 0, err
	}
	return p[0], nil
}

// WriteUint32 writes a UINT32 data packet.
func WriteUint32(w io.Writer, v uint32) error {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return WriteTyped(w, UINT32, b[:])
}

// ReadUint32 reads a UINT32 data packet.
func ReadUint32(r io.Reader) (uint32, error) {
	p, err := ReadTyped(r, UINT32)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(p), nil
}

// WriteUint64 writes a UINT64 data packet.
func WriteUint64(w io.Writer, v uint64) error {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return WriteTyped(w, UINT64, b[:])
}

// ReadUint64 reads a UINT64 data packet.
func ReadUint64(r io.Reader) (uint64, error) {
	p, err := ReadTyped(r, UINT64)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(p), nil
}

// WriteString writes a STRING data packet.
func WriteString(w io.Writer, s string) error {
	return WriteTyped(w, STRING, []byte(s))
}

// ReadString reads a STRING data packet.
func ReadString(r io.Reader) (string, error) {
	p, err := ReadTyped(r, STRING)
	if err != nil {
		return "", err
	}
	return string(p), nil
}

// WriteData writes a DATA data packet.
func WriteData(w io.Writer, data []byte) error {
	return WriteTyped(w, DATA, data)
}

// ReadData reads a DATA data packet.
func ReadData(r io.Reader) ([]byte, error) {
	return ReadTyped(r, DATA)
}

// WriteBOM writes the zero-length beginning-of-message marker.
func WriteBOM(w io.Writer) error { return WriteTyped(w, BOM, nil) }

// WriteEOM writes the zero-length end-of-message marker.
func WriteEOM(w io.Writer) error { return WriteTyped(w, EOM, nil) }
