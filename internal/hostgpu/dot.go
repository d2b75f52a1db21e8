package hostgpu

import (
	"fmt"
	"io"
	"strconv"

	"gonum.org/v1/gonum/graph"
	"gonum.org/v1/gonum/graph/encoding"
	"gonum.org/v1/gonum/graph/encoding/dot"
	"gonum.org/v1/gonum/graph/simple"

	"github.com/gyaneshwarpardhi/cmdgraph/internal/cmdgraph"
)

type dotNode struct {
	id    int64
	attrs []encoding.Attribute
}

func (n dotNode) ID() int64                        { return n.id }
func (n dotNode) DOTID() string                    { return "n" + strconv.FormatInt(n.id, 10) }
func (n dotNode) Attributes() []encoding.Attribute { return n.attrs }

type dotEdge struct {
	from, to graph.Node
	attrs    []encoding.Attribute
}

func (e dotEdge) From() graph.Node                 { return e.from }
func (e dotEdge) To() graph.Node                   { return e.to }
func (e dotEdge) ReversedEdge() graph.Edge         { return dotEdge{from: e.to, to: e.from, attrs: e.attrs} }
func (e dotEdge) Attributes() []encoding.Attribute { return e.attrs }

// dotBuilder flattens a graph and its bodies into one DOT graph. Body nodes
// hang off their conditional node through dashed edges.
type dotBuilder struct {
	g    *simple.DirectedGraph
	next int64
}

func (b *dotBuilder) add(label, shape string) dotNode {
	b.next++
	n := dotNode{id: b.next, attrs: []encoding.Attribute{
		{Key: "label", Value: strconv.Quote(label)},
		{Key: "shape", Value: shape},
	}}
	b.g.AddNode(n)
	return n
}

func (b *dotBuilder) walk(steps []*step) map[*step]dotNode {
	ids := make(map[*step]dotNode, len(steps))
	for _, st := range steps {
		n := &st.node
		label, shape := describe(n), "box"
		switch n.kind {
		case cmdgraph.KindBarrier:
			shape = "point"
		case cmdgraph.KindConditional:
			shape = "diamond"
		case cmdgraph.KindChild:
			shape = "box3d"
		}
		if !n.enabled {
			label += " (disabled)"
		}
		dn := b.add(label, shape)
		ids[st] = dn
		for _, d := range st.deps {
			b.g.SetEdge(dotEdge{from: ids[d], to: dn})
		}
		for _, inner := range b.walk(st.body) {
			b.g.SetEdge(dotEdge{from: dn, to: inner, attrs: []encoding.Attribute{{Key: "style", Value: "dashed"}}})
		}
	}
	return ids
}

func describe(n *hostNode) string {
	switch n.kind {
	case cmdgraph.KindKernel:
		return fmt.Sprintf("%s %dx%d", n.kernel.Name(), n.dims.Blocks.Count(), n.dims.Threads.Count())
	case cmdgraph.KindMemset:
		return fmt.Sprintf("memset %v %s x%d", n.dst, n.pattern, n.count)
	case cmdgraph.KindMemcpy:
		return fmt.Sprintf("memcpy %v -> %v %dB", n.src, n.dst, n.size)
	case cmdgraph.KindConditional:
		return fmt.Sprintf("%s %v", n.condType, n.slot.mem)
	}
	return string(n.kind)
}

func (g *hostGraph) WriteDot(w io.Writer) error {
	b := &dotBuilder{g: simple.NewDirectedGraph()}
	b.walk(g.snapshot())
	out, err := dot.Marshal(b.g, "cmdgraph", "", "  ")
	if err != nil {
		return fmt.Errorf("hostgpu: marshal dot: %w", err)
	}
	_, err = w.Write(append(out, '\n'))
	return err
}
