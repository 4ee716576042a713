// Package dataservice implements the capability-gated storage engine
// of spec section 4.D: root and child contexts over one storage
// environment, and the dozen-odd operations every request dispatches
// into.
package dataservice

import (
	"github.com/agentd/agentd/pkg/capset"
	"github.com/agentd/agentd/pkg/cert"
	"github.com/agentd/agentd/pkg/status"
	"github.com/agentd/agentd/pkg/storage"
	"github.com/agentd/agentd/pkg/types"
)

// MaxChildContexts bounds the child-context pool (spec section 3: "a
// bounded pool, O(100)s").
const MaxChildContexts = 256

// RootContext owns the open storage environment and the root
// capability set for one data-service process. There is exactly one
// per process.
type RootContext struct {
	store  *storage.Engine
	caps   capset.Set
	parser cert.Parser
}

// NewRootContext opens the datastore at dataDir and grants it the
// full capability set; callers reduce it with ReduceCaps before
// exposing it to any child.
func NewRootContext(dataDir string, parser cert.Parser) (*RootContext, error) {
	eng, err := storage.Open(dataDir)
	if err != nil {
		return nil, err
	}
	return &RootContext{store: eng, caps: capset.All(), parser: parser}, nil
}

// ReduceCaps intersects the root's capability set with mask. It is
// itself gated by BitRootContextReduceCaps so that reducing caps is
// idempotent and tamper-evident: a context that has already lost the
// bit cannot reduce again in a way that matters.
func (r *RootContext) ReduceCaps(mask capset.Set) status.Code {
	if !r.caps.Has(capset.BitRootContextReduceCaps) {
		return status.NotAuthorized
	}
	r.caps = r.caps.And(mask)
	return status.Success
}

// Close releases the underlying storage environment.
func (r *RootContext) Close() error {
	return r.store.Close()
}

// ChildContext is a capability-scoped handle onto a RootContext,
// identified by a small recycled integer index. Its capability set is
// always a subset of its parent root's, established at creation time
// by intersecting the caller-supplied mask with the root's caps.
type ChildContext struct {
	Index types.ChildContextIndex
	caps  capset.Set
	root  *RootContext
}

// Engine is the dispatcher-facing façade: one RootContext plus its
// pool of child-context slots.
type Engine struct {
	root *RootContext
	pool [MaxChildContexts]*ChildContext
}

// NewEngine wraps root in a child-context pool of MaxChildContexts
// slots, all initially free.
func NewEngine(root *RootContext) *Engine {
	return &Engine{root: root}
}

// Root returns the engine's single root context.
func (e *Engine) Root() *RootContext { return e.root }

// CreateChildContext allocates a free slot and returns its index. The
// child's capability set is the root's caps intersected with mask, so
// it is always a subset of the root's at creation (spec section 3's
// child-context invariant).
func (e *Engine) CreateChildContext(mask capset.Set) (types.ChildContextIndex, status.Code) {
	if !e.root.caps.Has(capset.BitChildContextCreate) {
		return 0, status.NotAuthorized
	}
	for i := range e.pool {
		if e.pool[i] == nil {
			cc := &ChildContext{
				Index: types.ChildContextIndex(i),
				caps:  e.root.caps.And(mask),
				root:  e.root,
			}
			e.pool[i] = cc
			return cc.Index, status.Success
		}
	}
	return 0, status.ChildContextPoolExhausted
}

// CloseChildContext releases a slot, recycling its index.
func (e *Engine) CloseChildContext(idx types.ChildContextIndex) status.Code {
	if !e.root.caps.Has(capset.BitChildContextClose) {
		return status.NotAuthorized
	}
	if int(idx) >= len(e.pool) || e.pool[idx] == nil {
		return status.ChildContextInvalid
	}
	e.pool[idx] = nil
	return status.Success
}

// childAt resolves idx to its ChildContext, or ChildContextInvalid if
// idx names a closed or out-of-range slot.
func (e *Engine) childAt(idx types.ChildContextIndex) (*ChildContext, status.Code) {
	if int(idx) >= len(e.pool) || e.pool[idx] == nil {
		return nil, status.ChildContextInvalid
	}
	return e.pool[idx], status.Success
}

// checkCap reports NotAuthorized when the child identified by idx
// lacks bit b, and otherwise resolves the child. Every operation
// method below starts by calling this.
func (e *Engine) checkCap(idx types.ChildContextIndex, b capset.Bit) (*ChildContext, status.Code) {
	cc, code := e.childAt(idx)
	if !code.OK() {
		return nil, code
	}
	if !cc.caps.Has(b) {
		return nil, status.NotAuthorized
	}
	return cc, status.Success
}
