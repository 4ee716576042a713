package ipc

import (
	"encoding/binary"

	"github.com/agentd/agentd/pkg/status"
)

// BufferedDecoder parses framed packets out of an in-memory byte slice
// for the reactor's non-blocking read path (spec section 4.B):
// "parsing functions return WOULD_BLOCK to mean come back later and
// leave the buffer position unchanged." It never blocks on I/O; the
// reactor is responsible for appending more bytes between calls.
type BufferedDecoder struct {
	buf []byte
}

// NewBufferedDecoder wraps buf. Callers add bytes via Append; a
// successful TryRead* call drops the bytes it decoded.
func NewBufferedDecoder(buf []byte) *BufferedDecoder {
	return &BufferedDecoder{buf: buf}
}

// Append adds newly read bytes to the decode buffer.
func (d *BufferedDecoder) Append(data []byte) {
	d.buf = append(d.buf, data...)
}

// Remaining returns the bytes not yet consumed by a successful
// TryReadTyped call.
func (d *BufferedDecoder) Remaining() []byte {
	return d.buf
}

// TryReadTyped attempts to decode one data packet of the given type.
// On success it returns the payload and advances the internal cursor.
// If not enough bytes are buffered yet it returns status.WouldBlock
// and leaves the buffer untouched.
func (d *BufferedDecoder) TryReadTyped(want Type) ([]byte, error) {
	if len(d.buf) < headerSize {
		return nil, status.WouldBlock
	}
	t := Type(d.buf[0])
	size := binary.BigEndian.Uint32(d.buf[1:headerSize])

	if t != want {
		return nil, status.ReadUnexpectedDataType
	}
	if n, ok := fixedSize(want); ok && uint32(n) != size {
		return nil, status.ReadUnexpectedDataSize
	}
	if size > MaxPayloadSize {
		return nil, status.ReadUnexpectedDataSize
	}
	total := headerSize + int(size)
	if len(d.buf) < total {
		return nil, status.WouldBlock
	}

	payload := append([]byte(nil), d.buf[headerSize:total]...)
	d.buf = d.buf[total:]
	return payload, nil
}

// TryReadAuthed attempts to decode one authed packet. It follows the
// same reader procedure as ReadAuthed but over the in-memory buffer,
// returning status.WouldBlock rather than blocking when more bytes are
// needed.
func (d *BufferedDecoder) TryReadAuthed(secret SharedSecret, iv uint64) (*AuthedPacket, error) {
	if len(d.buf) < authedHeaderBlockSize {
		return nil, status.WouldBlock
	}
	encHeader := d.buf[:headerSize]
	receivedMAC := d.buf[headerSize:authedHeaderBlockSize]

	stream, err := newStream(secret, iv)
	if err != nil {
		return nil, status.CryptoFailure
	}
	plainHeader := make([]byte, headerSize)
	stream.XORKeyStream(plainHeader, encHeader)

	t := Type(plainHeader[0])
	size := binary.BigEndian.Uint32(plainHeader[1:])
	if t != AUTHED {
		return nil, status.UnauthorizedPacket
	}
	if size > MaxPayloadSize {
		return nil, status.UnauthorizedPacket
	}

	total := authedHeaderBlockSize + int(size)
	if len(d.buf) < total {
		return nil, status.WouldBlock
	}
	ciphertext := d.buf[authedHeaderBlockSize:total]

	expectedMAC := computeMAC(secret, encHeader, ciphertext)
	if !macEqual(expectedMAC, receivedMAC) {
		return nil, status.UnauthorizedPacket
	}

	payloadStream, err := newStream(secret, iv)
	if err != nil {
		return nil, status.CryptoFailure
	}
	discard := make([]byte, headerSize)
	payloadStream.XORKeyStream(discard, discard)
	plaintext := make([]byte, size)
	payloadStream.XORKeyStream(plaintext, ciphertext)

	d.buf = d.buf[total:]
	return &AuthedPacket{Payload: plaintext}, nil
}
