// Package randomservice implements agentd's random service (spec
// section 4.C): a minimal request/response pair backed by the
// system's cryptographically secure random source, the same
// crypto/rand.Reader the teacher reaches for in pkg/security/secrets.go
// rather than a hand-rolled generator.
package randomservice

import (
	"crypto/rand"
	"encoding/binary"
	"io"

	"github.com/agentd/agentd/pkg/ipc"
	"github.com/agentd/agentd/pkg/status"
)

// MaxCount is the largest number of random bytes a single request may
// ask for.
const MaxCount = 10 << 20 // 10 MiB

// Method identifies the random service's one request kind.
type Method uint32

const (
	MethodGetRandomBytes Method = 0
)

// Request asks for Count bytes of randomness, tagged with Offset so
// the caller can correlate pipelined responses.
type Request struct {
	Method Method
	Offset uint32
	Count  uint32
}

// Response carries the random bytes the service produced, or a status
// code describing why it could not.
type Response struct {
	Method  Method
	Offset  uint32
	Status  status.Code
	Payload []byte
}

// Service answers Requests by reading from a cryptographically secure
// source. The zero value reads from crypto/rand.Reader; tests may
// substitute Source with a deterministic reader.
type Service struct {
	Source io.Reader
}

// New returns a Service backed by crypto/rand.Reader.
func New() *Service {
	return &Service{Source: rand.Reader}
}

// Handle validates req and, if valid, fills a Response with Count
// bytes of randomness.
func (s *Service) Handle(req Request) Response {
	if req.Count == 0 || req.Count > MaxCount {
		return Response{Method: req.Method, Offset: req.Offset, Status: status.RandomInvalidSize}
	}

	src := s.Source
	if src == nil {
		src = rand.Reader
	}

	buf := make([]byte, req.Count)
	if _, err := io.ReadFull(src, buf); err != nil {
		return Response{Method: req.Method, Offset: req.Offset, Status: status.RandomReadFailed}
	}

	return Response{Method: req.Method, Offset: req.Offset, Status: status.Success, Payload: buf}
}

// requestHeaderSize is the size of the method||offset||count prefix a
// wire request carries.
const requestHeaderSize = 12

// responseHeaderSize is the size of the method||offset||status prefix
// a wire response carries ahead of its payload.
const responseHeaderSize = 12

// EncodeRequest serializes req as a wire request body.
func EncodeRequest(req Request) []byte {
	out := make([]byte, requestHeaderSize)
	binary.BigEndian.PutUint32(out[0:4], uint32(req.Method))
	binary.BigEndian.PutUint32(out[4:8], req.Offset)
	binary.BigEndian.PutUint32(out[8:12], req.Count)
	return out
}

// DecodeRequest parses a wire request body produced by EncodeRequest.
func DecodeRequest(raw []byte) (Request, error) {
	if len(raw) < requestHeaderSize {
		return Request{}, io.ErrUnexpectedEOF
	}
	return Request{
		Method: Method(binary.BigEndian.Uint32(raw[0:4])),
		Offset: binary.BigEndian.Uint32(raw[4:8]),
		Count:  binary.BigEndian.Uint32(raw[8:12]),
	}, nil
}

// EncodeResponse serializes resp as a wire response body.
func EncodeResponse(resp Response) []byte {
	out := make([]byte, responseHeaderSize+len(resp.Payload))
	binary.BigEndian.PutUint32(out[0:4], uint32(resp.Method))
	binary.BigEndian.PutUint32(out[4:8], resp.Offset)
	binary.BigEndian.PutUint32(out[8:12], uint32(resp.Status))
	copy(out[responseHeaderSize:], resp.Payload)
	return out
}

// DecodeResponse parses a wire response body produced by EncodeResponse.
func DecodeResponse(raw []byte) (Response, error) {
	if len(raw) < responseHeaderSize {
		return Response{}, io.ErrUnexpectedEOF
	}
	return Response{
		Method:  Method(binary.BigEndian.Uint32(raw[0:4])),
		Offset:  binary.BigEndian.Uint32(raw[4:8]),
		Status:  status.Code(binary.BigEndian.Uint32(raw[8:12])),
		Payload: raw[responseHeaderSize:],
	}, nil
}

// Client is the typed wire wrapper a canonization-service process
// uses to request randomness from a random-service process, mirroring
// pkg/dataservice.Client's request/response-over-framed-packets shape.
type Client struct {
	Conn io.ReadWriter
}

// NewClient wraps an already-connected socket.
func NewClient(conn io.ReadWriter) *Client {
	return &Client{Conn: conn}
}

// GetRandomBytes asks the random service for count bytes.
func (c *Client) GetRandomBytes(count uint32) ([]byte, status.Code, error) {
	req := EncodeRequest(Request{Method: MethodGetRandomBytes, Count: count})
	if err := ipc.WriteData(c.Conn, req); err != nil {
		return nil, 0, err
	}
	raw, err := ipc.ReadData(c.Conn)
	if err != nil {
		return nil, 0, err
	}
	resp, err := DecodeResponse(raw)
	if err != nil {
		return nil, 0, err
	}
	return resp.Payload, resp.Status, nil
}

// Serve answers one request read from conn by delegating to svc,
// writing the encoded response back. It loops until conn returns an
// error (typically io.EOF on the peer closing the socket).
func Serve(conn io.ReadWriter, svc *Service) error {
	for {
		raw, err := ipc.ReadData(conn)
		if err != nil {
			return err
		}
		req, err := DecodeRequest(raw)
		if err != nil {
			return err
		}
		resp := svc.Handle(req)
		if err := ipc.WriteData(conn, EncodeResponse(resp)); err != nil {
			return err
		}
	}
}
