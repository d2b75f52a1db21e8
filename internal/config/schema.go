package config

// ProgramConfig is the top-level YAML structure.
type ProgramConfig struct {
	Version string     `yaml:"version"`
	Name    string     `yaml:"name"`
	Device  DeviceConf `yaml:"device"`
	Launch  LaunchConf `yaml:"launch"`
	Buffers []Buffer   `yaml:"buffers"`
	Ops     []Op       `yaml:"ops"`
}

// DeviceConf selects and sizes the device backend. Device settings are read
// once at startup; a hot reload only swaps the program.
type DeviceConf struct {
	Backend             string `yaml:"backend"`
	MemoryBytes         uint64 `yaml:"memory_bytes"`
	StreamQueueDepth    int    `yaml:"stream_queue_depth"`
	MaxConditionalDepth int    `yaml:"max_conditional_depth"` // 0 = unlimited
	MaxGraphNodes       int    `yaml:"max_graph_nodes"`       // 0 = unlimited
	MaxLoopIterations   int    `yaml:"max_loop_iterations"`
	Workers             int    `yaml:"workers"` // 0 = one per CPU
}

// LaunchConf holds per-run settings.
type LaunchConf struct {
	Count     int `yaml:"count"`
	TimeoutMs int `yaml:"timeout_ms"`
}

// Buffer is a named device allocation of int32 elements. Init values are
// written before every run; missing elements are zero.
type Buffer struct {
	Name     string  `yaml:"name"`
	Elements int     `yaml:"elements"`
	Init     []int32 `yaml:"init"`
}

// Op is a discriminated union: exactly one of the operation fields is set.
// Scope names the execution scope the op is issued to.
type Op struct {
	ID    string `yaml:"id"`
	Scope int    `yaml:"scope"`

	Kernel  *KernelOp  `yaml:"kernel,omitempty"`
	Memset  *MemsetOp  `yaml:"memset,omitempty"`
	Memcpy  *MemcpyOp  `yaml:"memcpy,omitempty"`
	Barrier *BarrierOp `yaml:"barrier,omitempty"`
	Child   *ChildOp   `yaml:"child,omitempty"`
	If      *IfOp      `yaml:"if,omitempty"`
	Case    *CaseOp    `yaml:"case,omitempty"`
	For     *ForOp     `yaml:"for,omitempty"`
	While   *WhileOp   `yaml:"while,omitempty"`
}

// KernelOp launches a registered kernel. Args are buffer names or integers,
// matching the kernel's parameter kinds. Threads defaults to 0, which
// covers whole buffers.
type KernelOp struct {
	Name    string        `yaml:"name"`
	Args    []interface{} `yaml:"args"`
	Threads uint64        `yaml:"threads"`
	Blocks  uint64        `yaml:"blocks"`
}

// MemsetOp fills Count elements of Width bytes with Value. Count defaults to
// the whole buffer.
type MemsetOp struct {
	Buffer string `yaml:"buffer"`
	Value  uint32 `yaml:"value"`
	Width  int    `yaml:"width"`
	Count  uint64 `yaml:"count"`
}

// MemcpyOp copies Bytes from Src to Dst. Bytes defaults to the smaller buffer.
type MemcpyOp struct {
	Dst   string `yaml:"dst"`
	Src   string `yaml:"src"`
	Bytes uint64 `yaml:"bytes"`
}

// BarrierOp joins the listed scopes. Empty means the op's own scope.
type BarrierOp struct {
	Scopes []int `yaml:"scopes"`
}

// ChildOp embeds a separately built graph.
type ChildOp struct {
	Ops []Op `yaml:"ops"`
}

// IfOp runs Then (and Else, when present) depending on the predicate buffer.
// When Condition is set a predicate kernel evaluating it into Predicate is
// issued first.
type IfOp struct {
	Predicate string `yaml:"predicate"`
	Condition string `yaml:"condition"`
	Then      []Op   `yaml:"then"`
	Else      []Op   `yaml:"else"`
}

// CaseOp runs the branch selected by the int32 in Index. With Default set an
// out-of-range index runs the last branch.
type CaseOp struct {
	Index    string `yaml:"index"`
	Default  bool   `yaml:"default"`
	Branches [][]Op `yaml:"branches"`
}

// ForOp runs Body Iterations times, counting in Counter.
type ForOp struct {
	Counter    string `yaml:"counter"`
	Iterations int32  `yaml:"iterations"`
	Body       []Op   `yaml:"body"`
}

// WhileOp runs Body while the predicate buffer is true. Condition, when set,
// is re-evaluated into Predicate before the first pass and after each one;
// otherwise the body must update Predicate itself.
type WhileOp struct {
	Predicate string `yaml:"predicate"`
	Condition string `yaml:"condition"`
	Body      []Op   `yaml:"body"`
}

// Kind returns the name of the operation set in o, or "" if none is.
func (o *Op) Kind() string {
	kinds := o.kinds()
	if len(kinds) != 1 {
		return ""
	}
	return kinds[0]
}

func (o *Op) kinds() []string {
	var out []string
	for _, k := range []struct {
		name string
		set  bool
	}{
		{"kernel", o.Kernel != nil},
		{"memset", o.Memset != nil},
		{"memcpy", o.Memcpy != nil},
		{"barrier", o.Barrier != nil},
		{"child", o.Child != nil},
		{"if", o.If != nil},
		{"case", o.Case != nil},
		{"for", o.For != nil},
		{"while", o.While != nil},
	} {
		if k.set {
			out = append(out, k.name)
		}
	}
	return out
}

// Size returns the buffer size in elements.
func (b Buffer) Size() int {
	if b.Elements > 0 {
		return b.Elements
	}
	if len(b.Init) > 0 {
		return len(b.Init)
	}
	return 1
}

// Buffer returns the named buffer.
func (c *ProgramConfig) Buffer(name string) (Buffer, bool) {
	for _, b := range c.Buffers {
		if b.Name == name {
			return b, true
		}
	}
	return Buffer{}, false
}
