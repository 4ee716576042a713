package cert

import (
	"bytes"
	"fmt"
	"io"

	"github.com/agentd/agentd/pkg/ipc"
	"github.com/agentd/agentd/pkg/types"
)

// SimpleParser is agentd's one concrete Parser implementation: a
// certificate is just nested framed packets built from pkg/ipc's own
// primitives (spec section 9 notes the real certificate library is an
// external collaborator; this is the in-repo stand-in the data
// service links against).
type SimpleParser struct{}

// NewSimpleParser returns the default certificate parser.
func NewSimpleParser() *SimpleParser { return &SimpleParser{} }

type simpleHandle struct {
	blockID  []byte
	prevID   []byte
	height   uint64
	children []ChildTxn
}

func (h *simpleHandle) Field(id FieldID) ([]byte, error) {
	switch id {
	case FieldBlockID:
		return h.blockID, nil
	case FieldPrevBlockID:
		return h.prevID, nil
	case FieldHeight:
		var b [8]byte
		putUint64(b[:], h.height)
		return b[:], nil
	default:
		return nil, fmt.Errorf("cert: unknown field %d", id)
	}
}

func (h *simpleHandle) Children() ([]ChildTxn, error) {
	return h.children, nil
}

func putUint64(b []byte, v uint64) {
	for i := 7; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
}

// Parse decodes a certificate produced by BuildBlock.
func (p *SimpleParser) Parse(raw []byte) (Handle, error) {
	r := bytes.NewReader(raw)

	if _, err := ipc.ReadTyped(r, ipc.BOM); err != nil {
		return nil, err
	}
	blockID, err := ipc.ReadData(r)
	if err != nil {
		return nil, err
	}
	prevID, err := ipc.ReadData(r)
	if err != nil {
		return nil, err
	}
	height, err := ipc.ReadUint64(r)
	if err != nil {
		return nil, err
	}
	count, err := ipc.ReadUint32(r)
	if err != nil {
		return nil, err
	}

	children := make([]ChildTxn, 0, count)
	for i := uint32(0); i < count; i++ {
		txnID, err := ipc.ReadData(r)
		if err != nil {
			return nil, err
		}
		artifactID, err := ipc.ReadData(r)
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

		var tid, aid types.ID
		copy(tid[:], txnID)
		copy(aid[:], artifactID)

		children = append(children, ChildTxn{
			TxnID:      tid,
			ArtifactID: aid,
			State:      types.TxnState(state),
			Cert:       certBytes,
		})
	}

	if _, err := ipc.ReadTyped(r, ipc.EOM); err != nil {
		return nil, err
	}

	return &simpleHandle{blockID: blockID, prevID: prevID, height: height, children: children}, nil
}

// BuildBlock assembles a new certificate from a block id, its
// predecessor, height, and the ordered list of child transactions the
// block canonizes.
func (p *SimpleParser) BuildBlock(blockID, prevID types.ID, height uint64, children []ChildTxn) ([]byte, error) {
	var buf bytes.Buffer

	if err := ipc.WriteBOM(&buf); err != nil {
		return nil, err
	}
	if err := ipc.WriteData(&buf, blockID[:]); err != nil {
		return nil, err
	}
	if err := ipc.WriteData(&buf, prevID[:]); err != nil {
		return nil, err
	}
	if err := ipc.WriteUint64(&buf, height); err != nil {
		return nil, err
	}
	if err := ipc.WriteUint32(&buf, uint32(len(children))); err != nil {
		return nil, err
	}
	for _, c := range children {
		if err := writeChild(&buf, c); err != nil {
			return nil, err
		}
	}
	if err := ipc.WriteEOM(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeChild(w io.Writer, c ChildTxn) error {
	if err := ipc.WriteData(w, c.TxnID[:]); err != nil {
		return err
	}
	if err := ipc.WriteData(w, c.ArtifactID[:]); err != nil {
		return err
	}
	if err := ipc.WriteUint32(w, uint32(c.State)); err != nil {
		return err
	}
	return ipc.WriteData(w, c.Cert)
}
