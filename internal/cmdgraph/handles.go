package cmdgraph

import (
	"fmt"

	"github.com/google/uuid"
)

// NodeKind discriminates graph nodes.
type NodeKind string

const (
	KindKernel      NodeKind = "kernel"
	KindMemcpy      NodeKind = "memcpy"
	KindMemset      NodeKind = "memset"
	KindChild       NodeKind = "child"
	KindBarrier     NodeKind = "barrier"
	KindConditional NodeKind = "conditional"
)

// NodeHandle identifies one node of one graph body. The zero value is not a
// valid handle.
type NodeHandle struct {
	graph uuid.UUID
	seq   uint32 // 1-based creation order
}

func (h NodeHandle) IsValid() bool { return h.seq != 0 }

func (h NodeHandle) String() string {
	if !h.IsValid() {
		return "node(invalid)"
	}
	return fmt.Sprintf("node(%s#%d)", h.graph.String()[:8], h.seq)
}

// Dependencies is an unordered set of nodes a new node waits on.
type Dependencies []NodeHandle

// Deps builds a Dependencies set, dropping duplicates.
func Deps(hs ...NodeHandle) Dependencies {
	out := make(Dependencies, 0, len(hs))
	for _, h := range hs {
		if !out.Contains(h) {
			out = append(out, h)
		}
	}
	return out
}

func (d Dependencies) Contains(h NodeHandle) bool {
	for _, x := range d {
		if x == h {
			return true
		}
	}
	return false
}

// Union returns the set of handles in d or o.
func (d Dependencies) Union(o Dependencies) Dependencies {
	return Deps(append(append(Dependencies(nil), d...), o...)...)
}

// ExecutionScopeID names a lane of a graph body. Scopes come into existence
// on first use; nodes in different scopes are unordered unless joined.
type ExecutionScopeID int

const DefaultScope ExecutionScopeID = 0

// ConditionType is the native kind of a conditional node.
type ConditionType string

const (
	// ConditionIf runs its body once when the handle is non-zero.
	ConditionIf ConditionType = "if"
	// ConditionWhile re-runs its body while the handle is non-zero.
	ConditionWhile ConditionType = "while"
)

// ConditionalHandle refers to device-resident state gating a conditional
// node. It is bound to the graph that allocated it.
type ConditionalHandle struct {
	owner  *Graph
	id     int
	native NativeConditional
}

func (h ConditionalHandle) IsValid() bool { return h.owner != nil }

// Native exposes the backend's representation of the handle.
func (h ConditionalHandle) Native() NativeConditional { return h.native }

func (h ConditionalHandle) String() string {
	if h.owner == nil {
		return "cond(invalid)"
	}
	return fmt.Sprintf("cond(%s#%d)", h.owner.id.String()[:8], h.id)
}

type condKey struct {
	owner *Graph
	id    int
}

func (h ConditionalHandle) key() condKey { return condKey{owner: h.owner, id: h.id} }

// State is a graph lifecycle state.
type State int

const (
	StateBuilding State = iota
	StateFinalized
	StateInstantiated
	StateLaunched
	StateInvalid
)

func (s State) String() string {
	switch s {
	case StateBuilding:
		return "building"
	case StateFinalized:
		return "finalized"
	case StateInstantiated:
		return "instantiated"
	case StateLaunched:
		return "launched"
	case StateInvalid:
		return "invalid"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// executable reports whether nodes may be updated and the graph launched.
func (s State) executable() bool {
	return s == StateInstantiated || s == StateLaunched
}
