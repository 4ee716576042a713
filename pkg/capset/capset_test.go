package capset

import "testing"

func TestReduceIsAssociative(t *testing.T) {
	caps := All()
	var m1, m2 Set
	m1.Set(BitTransactionSubmit)
	m1.Set(BitBlockMake)
	m2.Set(BitBlockMake)
	m2.Set(BitArtifactGet)

	left := caps.And(m1).And(m2)
	right := caps.And(m1.And(m2))

	if left != right {
		t.Fatalf("reduce(reduce(caps,m1),m2) must equal reduce(caps, m1 AND m2): %v != %v", left, right)
	}
}

func TestChildIsSubsetOfParent(t *testing.T) {
	parent := All()
	var mask Set
	mask.Set(BitTransactionGet)
	child := parent.And(mask)

	if !child.IsSubsetOf(parent) {
		t.Fatalf("child capability set must be a subset of its parent")
	}
	if !child.Has(BitTransactionGet) {
		t.Fatalf("child should retain the requested bit")
	}
	if child.Has(BitBlockMake) {
		t.Fatalf("child should not gain bits absent from the mask")
	}
}

func TestZeroSetIsEmpty(t *testing.T) {
	var s Set
	if !s.IsZero() {
		t.Fatalf("zero value Set must report IsZero")
	}
}
