package cert

import (
	"testing"

	"github.com/agentd/agentd/pkg/types"
)

func TestBuildAndParseRoundTrip(t *testing.T) {
	p := NewSimpleParser()

	blockID := types.ID{1}
	prevID := types.ID{2}
	children := []ChildTxn{
		{TxnID: types.ID{3}, ArtifactID: types.ID{4}, State: types.TxnCanonized, Cert: []byte("a")},
		{TxnID: types.ID{5}, ArtifactID: types.ID{6}, State: types.TxnCanonized, Cert: []byte("bb")},
	}

	raw, err := p.BuildBlock(blockID, prevID, 7, children)
	if err != nil {
		t.Fatalf("BuildBlock: %v", err)
	}

	h, err := p.Parse(raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	got, err := h.Field(FieldBlockID)
	if err != nil {
		t.Fatalf("Field(FieldBlockID): %v", err)
	}
	if !bytesEqual(got, blockID[:]) {
		t.Fatalf("blockID mismatch: got %x want %x", got, blockID[:])
	}

	gotChildren, err := h.Children()
	if err != nil {
		t.Fatalf("Children: %v", err)
	}
	if len(gotChildren) != len(children) {
		t.Fatalf("got %d children, want %d", len(gotChildren), len(children))
	}
	for i, c := range gotChildren {
		if c.TxnID != children[i].TxnID {
			t.Fatalf("child %d txnID mismatch", i)
		}
		if string(c.Cert) != string(children[i].Cert) {
			t.Fatalf("child %d cert mismatch", i)
		}
	}
}

func TestBuildAndParseEmptyChildren(t *testing.T) {
	p := NewSimpleParser()
	raw, err := p.BuildBlock(types.ID{9}, types.Nil, 0, nil)
	if err != nil {
		t.Fatalf("BuildBlock: %v", err)
	}
	h, err := p.Parse(raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	children, err := h.Children()
	if err != nil {
		t.Fatalf("Children: %v", err)
	}
	if len(children) != 0 {
		t.Fatalf("got %d children, want 0", len(children))
	}
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
