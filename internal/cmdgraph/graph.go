package cmdgraph

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/gyaneshwarpardhi/cmdgraph/internal/device"
	"github.com/gyaneshwarpardhi/cmdgraph/internal/metrics"
)

// Graph is a command graph: a DAG of device operations that is built once,
// instantiated, and then launched any number of times.
//
// A root graph comes from New. Conditional nodes own nested body graphs that
// have their own dependency namespace but share the root's lifecycle state.
// Construction is single-threaded; LaunchGraph may be called concurrently
// once the graph is instantiated.
type Graph struct {
	id      uuid.UUID
	backend Backend
	native  NativeGraph
	log     *slog.Logger

	parent *Graph
	root   *Graph
	depth  int // conditional nesting depth, 0 for root graphs

	// Lifecycle fields, meaningful on root graphs only.
	mu    sync.Mutex
	state State
	refs  atomic.Int32

	nextSeq   uint32
	nodes     []*node // creation order
	index     map[NodeHandle]*node
	scopes    map[ExecutionScopeID]Dependencies // current tail of each scope
	writers   map[condKey][]NodeHandle          // condition-setting kernels per handle
	handles   []ConditionalHandle
	handleSeq int
}

type node struct {
	handle  NodeHandle
	kind    NodeKind
	native  NativeNode
	deps    Dependencies
	enabled bool

	// Creation-time shape, checked by updates.
	arity int
	width int
	count uint64
	child *Graph
	sig   string

	cond     ConditionalHandle
	condType ConditionType
	bodies   []*Graph
	writes   []ConditionalHandle // non-empty for condition-setting kernels
}

// NodeInfo describes a registered node.
type NodeInfo struct {
	Handle       NodeHandle
	Kind         NodeKind
	Enabled      bool
	Dependencies Dependencies
	// ConditionSetter is true for kernels dispatched to write conditional handles.
	ConditionSetter bool
}

// Option configures a Graph.
type Option func(*Graph)

// WithLogger sets the logger used for lifecycle events.
func WithLogger(l *slog.Logger) Option {
	return func(g *Graph) { g.log = l }
}

// New creates an empty root graph on backend b.
func New(b Backend, opts ...Option) (*Graph, error) {
	native, err := b.NewGraph()
	if err != nil {
		return nil, fmt.Errorf("new graph: %w", err)
	}
	g := newGraph(b, native, nil)
	for _, o := range opts {
		o(g)
	}
	g.refs.Store(1)
	g.log.Debug("graph created", "graph", g.id, "backend", b.Name())
	return g, nil
}

func newGraph(b Backend, native NativeGraph, parent *Graph) *Graph {
	g := &Graph{
		id:      uuid.New(),
		backend: b,
		native:  native,
		log:     slog.Default(),
		parent:  parent,
		index:   make(map[NodeHandle]*node),
		scopes:  make(map[ExecutionScopeID]Dependencies),
		writers: make(map[condKey][]NodeHandle),
	}
	if parent == nil {
		g.root = g
	} else {
		g.root = parent.root
		g.depth = parent.depth + 1
		g.log = parent.log
	}
	return g
}

func (g *Graph) ID() uuid.UUID { return g.id }

// Depth is the conditional nesting depth of this body; 0 for root graphs.
func (g *Graph) Depth() int { return g.depth }

// IsNested reports whether g is the body of a conditional node.
func (g *Graph) IsNested() bool { return g.parent != nil }

// MaxConditionalDepth is the device's nesting ceiling; 0 means unlimited.
func (g *Graph) MaxConditionalDepth() int { return g.backend.MaxConditionalDepth() }

// State returns the lifecycle state shared by the root and all its bodies.
func (g *Graph) State() State {
	r := g.root
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (g *Graph) setState(s State) {
	r := g.root
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
	metrics.GraphTransitions.WithLabelValues(s.String()).Inc()
}

func (g *Graph) requireBuilding(op string) error {
	if s := g.State(); s != StateBuilding {
		return fmt.Errorf("%s: graph is %s: %w", op, s, ErrInvalidState)
	}
	return nil
}

func (g *Graph) requireExecutable(op string) error {
	if s := g.State(); !s.executable() {
		return fmt.Errorf("%s: graph is %s: %w", op, s, ErrInvalidState)
	}
	return nil
}

// Node looks up a node by handle.
func (g *Graph) Node(h NodeHandle) (NodeInfo, error) {
	n, ok := g.index[h]
	if !ok {
		return NodeInfo{}, fmt.Errorf("%v: %w", h, ErrUnknownNode)
	}
	return NodeInfo{
		Handle:          n.handle,
		Kind:            n.kind,
		Enabled:         n.enabled,
		Dependencies:    append(Dependencies(nil), n.deps...),
		ConditionSetter: len(n.writes) > 0,
	}, nil
}

// Nodes returns the handles of this body's nodes in creation order.
func (g *Graph) Nodes() []NodeHandle {
	out := make([]NodeHandle, len(g.nodes))
	for i, n := range g.nodes {
		out[i] = n.handle
	}
	return out
}

// NodeCount returns the number of native nodes in this body, as reported by
// the device runtime. Nodes of nested bodies are not included.
func (g *Graph) NodeCount() (int, error) {
	return g.native.NodeCount()
}

func (g *Graph) resolve(deps Dependencies) ([]NativeNode, error) {
	out := make([]NativeNode, 0, len(deps))
	for _, h := range Deps(deps...) {
		n, ok := g.index[h]
		if !ok {
			return nil, fmt.Errorf("%v: %w", h, ErrUnknownDependency)
		}
		out = append(out, n.native)
	}
	return out, nil
}

// addNode registers a node after the backend created it. A failed create
// leaves the graph untouched.
func (g *Graph) addNode(op string, kind NodeKind, deps Dependencies, create func([]NativeNode) (NativeNode, error)) (*node, error) {
	if err := g.requireBuilding(op); err != nil {
		return nil, err
	}
	natives, err := g.resolve(deps)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	native, err := create(natives)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	g.nextSeq++
	n := &node{
		handle:  NodeHandle{graph: g.id, seq: g.nextSeq},
		kind:    kind,
		native:  native,
		deps:    Deps(deps...),
		enabled: true,
	}
	g.nodes = append(g.nodes, n)
	g.index[n.handle] = n
	metrics.NodesCreated.WithLabelValues(string(kind)).Inc()
	return n, nil
}

// CreateKernelNode adds a kernel launch.
func (g *Graph) CreateKernelNode(deps Dependencies, dims device.LaunchDims, k device.Kernel, args device.KernelArgs) (NodeHandle, error) {
	const op = "create kernel node"
	if err := checkKernel(k, args); err != nil {
		return NodeHandle{}, fmt.Errorf("%s: %w", op, err)
	}
	n, err := g.addNode(op, KindKernel, deps, func(nd []NativeNode) (NativeNode, error) {
		return g.native.CreateKernelNode(nd, dims, k, args)
	})
	if err != nil {
		return NodeHandle{}, err
	}
	n.arity = k.Arity()
	return n.handle, nil
}

// CreateMemsetNode adds a node writing count copies of p into dst.
func (g *Graph) CreateMemsetNode(deps Dependencies, dst device.DeviceMemory, p device.BitPattern, count uint64) (NodeHandle, error) {
	const op = "create memset node"
	if err := checkMemset(dst, p, count); err != nil {
		return NodeHandle{}, fmt.Errorf("%s: %w", op, err)
	}
	n, err := g.addNode(op, KindMemset, deps, func(nd []NativeNode) (NativeNode, error) {
		return g.native.CreateMemsetNode(nd, dst, p, count)
	})
	if err != nil {
		return NodeHandle{}, err
	}
	n.width, n.count = p.Width(), count
	return n.handle, nil
}

// CreateMemcpyD2DNode adds a device-to-device copy of size bytes.
func (g *Graph) CreateMemcpyD2DNode(deps Dependencies, dst, src device.DeviceMemory, size uint64) (NodeHandle, error) {
	const op = "create memcpy node"
	if err := checkMemcpy(dst, src, size); err != nil {
		return NodeHandle{}, fmt.Errorf("%s: %w", op, err)
	}
	n, err := g.addNode(op, KindMemcpy, deps, func(nd []NativeNode) (NativeNode, error) {
		return g.native.CreateMemcpyD2DNode(nd, dst, src, size)
	})
	if err != nil {
		return NodeHandle{}, err
	}
	return n.handle, nil
}

// CreateChildNode embeds a finalized root graph as a single node. The child
// is retained until this graph is destroyed or the node is updated to point
// elsewhere, so one child may be shared by several parents.
func (g *Graph) CreateChildNode(deps Dependencies, child *Graph) (NodeHandle, error) {
	const op = "create child node"
	if err := g.checkChild(child); err != nil {
		return NodeHandle{}, fmt.Errorf("%s: %w", op, err)
	}
	n, err := g.addNode(op, KindChild, deps, func(nd []NativeNode) (NativeNode, error) {
		return g.native.CreateChildNode(nd, child.native)
	})
	if err != nil {
		return NodeHandle{}, err
	}
	child.Retain()
	n.child, n.sig = child, child.signature()
	return n.handle, nil
}

// CreateBarrierNode adds a node with no device work that completes once all
// of deps have completed.
func (g *Graph) CreateBarrierNode(deps Dependencies) (NodeHandle, error) {
	n, err := g.addNode("create barrier node", KindBarrier, deps, func(nd []NativeNode) (NativeNode, error) {
		return g.native.CreateBarrierNode(nd)
	})
	if err != nil {
		return NodeHandle{}, err
	}
	return n.handle, nil
}

// update runs an in-place update: check validates against the node's
// creation shape, apply performs the native update.
func (g *Graph) update(op string, h NodeHandle, kind NodeKind, check, apply func(n *node) error) (err error) {
	defer func() {
		status := "ok"
		if err != nil {
			status = "error"
		}
		metrics.NodeUpdates.WithLabelValues(string(kind), status).Inc()
	}()
	if err := g.requireExecutable(op); err != nil {
		return err
	}
	n, ok := g.index[h]
	if !ok {
		return fmt.Errorf("%s: %v: %w", op, h, ErrUnknownNode)
	}
	if n.kind != kind {
		return fmt.Errorf("%s: %v is a %s node: %w", op, h, n.kind, ErrKindMismatch)
	}
	if len(n.writes) > 0 {
		return fmt.Errorf("%s: %v is a condition-setting kernel: %w", op, h, ErrKindMismatch)
	}
	if check != nil {
		if err := check(n); err != nil {
			return fmt.Errorf("%s %v: %w", op, h, err)
		}
	}
	if err := apply(n); err != nil {
		if errors.Is(err, ErrUnrecoverable) {
			g.setState(StateInvalid)
			g.log.Error("graph invalidated by failed update", "graph", g.root.id, "node", h, "err", err)
		}
		return fmt.Errorf("%s %v: %w", op, h, err)
	}
	return nil
}

// UpdateKernelNode replaces launch geometry, kernel and arguments. The
// argument count must match the original kernel's.
func (g *Graph) UpdateKernelNode(h NodeHandle, dims device.LaunchDims, k device.Kernel, args device.KernelArgs) error {
	const op = "update kernel node"
	return g.update(op, h, KindKernel, func(n *node) error {
		if err := checkKernel(k, args); err != nil {
			return err
		}
		if k.Arity() != n.arity {
			return fmt.Errorf("kernel %s takes %d arguments, node was created with %d: %w", k.Name(), k.Arity(), n.arity, ErrIncompatibleUpdate)
		}
		return nil
	}, func(n *node) error {
		return g.native.UpdateKernelNode(n.native, dims, k, args)
	})
}

// UpdateMemsetNode replaces destination and pattern value. Element count and
// pattern width must match creation.
func (g *Graph) UpdateMemsetNode(h NodeHandle, dst device.DeviceMemory, p device.BitPattern, count uint64) error {
	const op = "update memset node"
	return g.update(op, h, KindMemset, func(n *node) error {
		if err := checkMemset(dst, p, count); err != nil {
			return err
		}
		if p.Width() != n.width || count != n.count {
			return fmt.Errorf("%d x %dB, node was created as %d x %dB: %w", count, p.Width(), n.count, n.width, ErrIncompatibleUpdate)
		}
		return nil
	}, func(n *node) error {
		return g.native.UpdateMemsetNode(n.native, dst, p, count)
	})
}

// UpdateMemcpyD2DNode replaces the copy's operands.
func (g *Graph) UpdateMemcpyD2DNode(h NodeHandle, dst, src device.DeviceMemory, size uint64) error {
	const op = "update memcpy node"
	return g.update(op, h, KindMemcpy, func(*node) error {
		return checkMemcpy(dst, src, size)
	}, func(n *node) error {
		return g.native.UpdateMemcpyD2DNode(n.native, dst, src, size)
	})
}

// UpdateChildNode points a child node at another graph with the same
// structure: same node count and kind sequence, recursively.
func (g *Graph) UpdateChildNode(h NodeHandle, child *Graph) error {
	const op = "update child node"
	return g.update(op, h, KindChild, func(n *node) error {
		if err := g.checkChild(child); err != nil {
			return err
		}
		if sig := child.signature(); sig != n.sig {
			return fmt.Errorf("child structure %q differs from %q: %w", sig, n.sig, ErrIncompatibleUpdate)
		}
		return nil
	}, func(n *node) error {
		if err := g.native.UpdateChildNode(n.native, child.native); err != nil {
			return err
		}
		child.Retain()
		n.child.Destroy()
		n.child = child
		return nil
	})
}

// SetNodeEnabled toggles a node of an instantiated graph. A disabled node does
// no work but still completes for its dependents.
func (g *Graph) SetNodeEnabled(h NodeHandle, enabled bool) error {
	const op = "set node enabled"
	if err := g.requireExecutable(op); err != nil {
		return err
	}
	n, ok := g.index[h]
	if !ok {
		return fmt.Errorf("%s: %v: %w", op, h, ErrUnknownNode)
	}
	if err := g.native.SetNodeEnabled(n.native, enabled); err != nil {
		return fmt.Errorf("%s %v: %w", op, h, err)
	}
	n.enabled = enabled
	return nil
}

func (g *Graph) checkChild(child *Graph) error {
	if child == nil {
		return fmt.Errorf("nil child graph: %w", ErrInvalidArgument)
	}
	if child.IsNested() {
		return fmt.Errorf("child is a conditional body: %w", ErrNestedGraph)
	}
	if child == g.root {
		return fmt.Errorf("graph cannot embed itself: %w", ErrInvalidArgument)
	}
	switch s := child.State(); s {
	case StateFinalized, StateInstantiated, StateLaunched:
	default:
		return fmt.Errorf("child graph is %s, want finalized: %w", s, ErrInvalidState)
	}
	return nil
}

// signature describes the node kind sequence of g, recursively.
func (g *Graph) signature() string {
	var sb strings.Builder
	for _, n := range g.nodes {
		sb.WriteString(string(n.kind))
		switch n.kind {
		case KindConditional:
			sb.WriteString("(" + string(n.condType))
			for _, b := range n.bodies {
				sb.WriteString("{" + b.signature() + "}")
			}
			sb.WriteString(")")
		case KindChild:
			sb.WriteString("{" + n.child.signature() + "}")
		}
		sb.WriteByte(';')
	}
	return sb.String()
}

func checkKernel(k device.Kernel, args device.KernelArgs) error {
	if k == nil || args == nil {
		return fmt.Errorf("nil kernel or arguments: %w", ErrInvalidArgument)
	}
	if args.NumArgs() != k.Arity() {
		return fmt.Errorf("kernel %s takes %d arguments, got %d: %w", k.Name(), k.Arity(), args.NumArgs(), ErrInvalidArgument)
	}
	return nil
}

func checkMemset(dst device.DeviceMemory, p device.BitPattern, count uint64) error {
	if !p.Valid() {
		return fmt.Errorf("invalid pattern %v: %w", p, ErrInvalidArgument)
	}
	if dst.IsNull() {
		return fmt.Errorf("null destination: %w", ErrInvalidArgument)
	}
	if count > dst.Size()/uint64(p.Width()) {
		return fmt.Errorf("%d x %dB does not fit %v: %w", count, p.Width(), dst, ErrInvalidArgument)
	}
	return nil
}

func checkMemcpy(dst, src device.DeviceMemory, size uint64) error {
	if dst.IsNull() || src.IsNull() {
		return fmt.Errorf("null operand: %w", ErrInvalidArgument)
	}
	if size > dst.Size() || size > src.Size() {
		return fmt.Errorf("%d bytes exceed %v or %v: %w", size, src, dst, ErrInvalidArgument)
	}
	return nil
}
