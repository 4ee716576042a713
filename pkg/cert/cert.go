// Package cert models the block-certificate parsing boundary as an
// interface, per the design note in spec section 9: the data service
// is the only consumer, and the concrete certificate format it links
// against is a private implementation detail of this package.
package cert

import "github.com/agentd/agentd/pkg/types"

// FieldID identifies a single field inside a parsed certificate.
type FieldID uint32

const (
	FieldBlockID FieldID = iota
	FieldPrevBlockID
	FieldHeight
)

// ChildTxn is one child transaction entry inside a block certificate:
// its id, the artifact it touches, and its terminal state.
type ChildTxn struct {
	TxnID      types.ID
	ArtifactID types.ID
	State      types.TxnState
	Cert       []byte
}

// Handle is an opaque parsed-certificate reference.
type Handle interface {
	// Field returns the raw bytes of the named field.
	Field(id FieldID) ([]byte, error)
	// Children returns the ordered list of child transactions recorded
	// in the certificate.
	Children() ([]ChildTxn, error)
}

// Parser parses raw certificate bytes into a Handle, and builds new
// certificates for block assembly.
type Parser interface {
	Parse(raw []byte) (Handle, error)
	BuildBlock(blockID, prevID types.ID, height uint64, children []ChildTxn) ([]byte, error)
}
