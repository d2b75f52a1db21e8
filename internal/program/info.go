package program

// Info describes a built program.
type Info struct {
	Name    string       `json:"name"`
	GraphID string       `json:"graph_id"`
	State   string       `json:"state"`
	Nodes   int          `json:"nodes"`
	Ops     []OpInfo     `json:"ops"`
	Buffers []BufferInfo `json:"buffers"`
}

// OpInfo describes one op and the graph nodes it produced.
type OpInfo struct {
	ID      string   `json:"id"`
	Kind    string   `json:"kind"`
	Nodes   []string `json:"nodes"`
	Enabled bool     `json:"enabled"`
}

// BufferInfo describes one device buffer.
type BufferInfo struct {
	Name     string `json:"name"`
	Elements int    `json:"elements"`
	Bytes    uint64 `json:"bytes"`
	Address  string `json:"address"`
}

// Info returns a description of the program.
func (p *Program) Info() Info {
	n, err := p.graph.NodeCount()
	if err != nil {
		p.log.Warn("node count unavailable", "graph", p.graph.ID(), "error", err)
	}
	info := Info{
		Name:    p.name,
		GraphID: p.graph.ID().String(),
		State:   p.graph.State().String(),
		Nodes:   n,
	}
	for _, id := range p.order {
		rec := p.nodes[id]
		oi := OpInfo{ID: id, Kind: rec.kind, Enabled: true}
		for _, h := range rec.handles {
			oi.Nodes = append(oi.Nodes, h.String())
			if ni, err := rec.graph.Node(h); err == nil && !ni.Enabled {
				oi.Enabled = false
			}
		}
		info.Ops = append(info.Ops, oi)
	}
	for _, b := range p.bufOrder {
		m, ok := p.buffers[b.Name]
		if !ok {
			continue
		}
		info.Buffers = append(info.Buffers, BufferInfo{
			Name:     b.Name,
			Elements: b.Size(),
			Bytes:    m.Size(),
			Address:  m.String(),
		})
	}
	return info
}
