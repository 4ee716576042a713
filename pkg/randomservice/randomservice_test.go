package randomservice

import (
	"bytes"
	"errors"
	"io"
	"net"
	"testing"

	"github.com/agentd/agentd/pkg/status"
)

func TestHandleReturnsRequestedByteCount(t *testing.T) {
	s := New()
	resp := s.Handle(Request{Method: MethodGetRandomBytes, Offset: 5, Count: 32})
	if resp.Status != status.Success {
		t.Fatalf("status = %v, want Success", resp.Status)
	}
	if len(resp.Payload) != 32 {
		t.Fatalf("got %d bytes, want 32", len(resp.Payload))
	}
	if resp.Offset != 5 {
		t.Fatalf("offset = %d, want 5", resp.Offset)
	}
}

func TestHandleRejectsZeroCount(t *testing.T) {
	s := New()
	resp := s.Handle(Request{Count: 0})
	if resp.Status != status.RandomInvalidSize {
		t.Fatalf("status = %v, want RandomInvalidSize", resp.Status)
	}
}

func TestHandleRejectsOversizedCount(t *testing.T) {
	s := New()
	resp := s.Handle(Request{Count: MaxCount + 1})
	if resp.Status != status.RandomInvalidSize {
		t.Fatalf("status = %v, want RandomInvalidSize", resp.Status)
	}
}

type failingReader struct{}

func (failingReader) Read(p []byte) (int, error) { return 0, errors.New("boom") }

func TestHandleSurfacesReadFailure(t *testing.T) {
	s := &Service{Source: failingReader{}}
	resp := s.Handle(Request{Count: 8})
	if resp.Status != status.RandomReadFailed {
		t.Fatalf("status = %v, want RandomReadFailed", resp.Status)
	}
}

func TestHandleProducesDistinctOutputs(t *testing.T) {
	s := New()
	a := s.Handle(Request{Count: 16})
	b := s.Handle(Request{Count: 16})
	if bytes.Equal(a.Payload, b.Payload) {
		t.Fatalf("two random draws were identical")
	}
}

var _ io.Reader = failingReader{}

func TestClientServeRoundTrip(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer serverConn.Close()
	defer clientConn.Close()

	svc := New()
	go Serve(serverConn, svc)

	client := NewClient(clientConn)
	payload, code, err := client.GetRandomBytes(24)
	if err != nil {
		t.Fatalf("GetRandomBytes: %v", err)
	}
	if code != status.Success {
		t.Fatalf("status = %v, want Success", code)
	}
	if len(payload) != 24 {
		t.Fatalf("got %d bytes, want 24", len(payload))
	}
}

func TestClientServeSurfacesInvalidSize(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer serverConn.Close()
	defer clientConn.Close()

	svc := New()
	go Serve(serverConn, svc)

	client := NewClient(clientConn)
	_, code, err := client.GetRandomBytes(0)
	if err != nil {
		t.Fatalf("GetRandomBytes: %v", err)
	}
	if code != status.RandomInvalidSize {
		t.Fatalf("status = %v, want RandomInvalidSize", code)
	}
}
