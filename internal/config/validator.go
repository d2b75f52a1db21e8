package config

import (
	"fmt"
	"strings"

	"github.com/gyaneshwarpardhi/cmdgraph/internal/condition"
)

// Validate checks the config for:
//   - Required fields and sane device limits
//   - Duplicate buffer names and op ids (ids are unique across nesting levels)
//   - Ops that set zero or several operation kinds
//   - References to undeclared buffers, including inside conditions
func Validate(cfg *ProgramConfig) error {
	if cfg.Version == "" {
		return fmt.Errorf("config: version is required")
	}
	var errs []string
	add := func(format string, args ...interface{}) {
		errs = append(errs, fmt.Sprintf(format, args...))
	}

	d := cfg.Device
	if d.MaxConditionalDepth < 0 || d.MaxGraphNodes < 0 || d.MaxLoopIterations < 0 || d.Workers < 0 {
		add("device: limits must not be negative")
	}
	if d.StreamQueueDepth <= 0 {
		add("device: stream_queue_depth must be positive")
	}
	if cfg.Launch.Count <= 0 {
		add("launch: count must be positive")
	}
	if cfg.Launch.TimeoutMs <= 0 {
		add("launch: timeout_ms must be positive")
	}

	buffers := make(map[string]Buffer)
	for i, b := range cfg.Buffers {
		if b.Name == "" {
			add("buffers[%d]: name is required", i)
			continue
		}
		if _, ok := buffers[b.Name]; ok {
			add("duplicate buffer %q", b.Name)
			continue
		}
		buffers[b.Name] = b
		if b.Elements < 0 {
			add("buffer %s: elements must not be negative", b.Name)
		}
		if b.Elements > 0 && len(b.Init) > b.Elements {
			add("buffer %s: %d init values for %d elements", b.Name, len(b.Init), b.Elements)
		}
	}

	v := &validator{buffers: buffers, ids: make(map[string]string), add: add}
	v.ops(cfg.Ops, "ops")

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

type validator struct {
	buffers map[string]Buffer
	ids     map[string]string // id → location
	add     func(format string, args ...interface{})
}

func (v *validator) ops(ops []Op, parent string) {
	for j := range ops {
		op := &ops[j]
		where := fmt.Sprintf("%s[%d]", parent, j)
		if op.ID == "" {
			v.add("%s: id is required", where)
		} else {
			if prev, ok := v.ids[op.ID]; ok {
				v.add("duplicate id %q (first seen at %s, again at %s)", op.ID, prev, where)
			} else {
				v.ids[op.ID] = where
			}
			where = fmt.Sprintf("op %s", op.ID)
		}
		if op.Scope < 0 {
			v.add("%s: scope must not be negative", where)
		}
		switch kinds := op.kinds(); len(kinds) {
		case 0:
			v.add("%s: one operation kind must be set", where)
			continue
		case 1:
		default:
			v.add("%s: only one operation kind may be set, got %s", where, strings.Join(kinds, "/"))
			continue
		}
		v.op(op, where)
	}
}

func (v *validator) op(op *Op, where string) {
	switch {
	case op.Kernel != nil:
		k := op.Kernel
		if k.Name == "" {
			v.add("%s: kernel name is required", where)
		}
		for i, a := range k.Args {
			switch a := a.(type) {
			case string:
				v.buffer(where, fmt.Sprintf("args[%d]", i), a)
			case int:
			default:
				v.add("%s: args[%d]: want buffer name or integer, got %T", where, i, a)
			}
		}
	case op.Memset != nil:
		m := op.Memset
		v.buffer(where, "buffer", m.Buffer)
		switch m.Width {
		case 0, 1, 2, 4:
			width := uint64(m.Width)
			if width == 0 {
				width = 4
			}
			if b, ok := v.buffers[m.Buffer]; ok && m.Count > uint64(4*b.Size())/width {
				v.add("%s: memset of %d x %dB does not fit buffer %q (%d bytes)", where, m.Count, width, m.Buffer, 4*b.Size())
			}
		default:
			v.add("%s: memset width must be 1, 2 or 4", where)
		}
	case op.Memcpy != nil:
		v.buffer(where, "dst", op.Memcpy.Dst)
		v.buffer(where, "src", op.Memcpy.Src)
	case op.Barrier != nil:
		for _, s := range op.Barrier.Scopes {
			if s < 0 {
				v.add("%s: barrier scope must not be negative", where)
			}
		}
	case op.Child != nil:
		if len(op.Child.Ops) == 0 {
			v.add("%s: child graph has no ops", where)
		}
		v.ops(op.Child.Ops, where+".child")
	case op.If != nil:
		v.buffer(where, "predicate", op.If.Predicate)
		v.condition(where, op.If.Condition)
		v.ops(op.If.Then, where+".then")
		v.ops(op.If.Else, where+".else")
	case op.Case != nil:
		v.buffer(where, "index", op.Case.Index)
		if len(op.Case.Branches) == 0 {
			v.add("%s: case needs at least one branch", where)
		}
		for i, b := range op.Case.Branches {
			v.ops(b, fmt.Sprintf("%s.branches[%d]", where, i))
		}
	case op.For != nil:
		v.buffer(where, "counter", op.For.Counter)
		if op.For.Iterations < 0 {
			v.add("%s: iterations must not be negative", where)
		}
		v.ops(op.For.Body, where+".body")
	case op.While != nil:
		v.buffer(where, "predicate", op.While.Predicate)
		v.condition(where, op.While.Condition)
		v.ops(op.While.Body, where+".body")
	}
}

func (v *validator) buffer(where, field, name string) {
	if name == "" {
		v.add("%s: %s is required", where, field)
		return
	}
	if _, ok := v.buffers[name]; !ok {
		v.add("%s: %s refers to unknown buffer %q", where, field, name)
	}
}

func (v *validator) condition(where, src string) {
	if src == "" {
		return
	}
	expr, err := condition.Parse(src)
	if err != nil {
		v.add("%s: condition %q: %v", where, src, err)
		return
	}
	for _, ref := range condition.References(expr) {
		b, ok := v.buffers[ref.Buffer]
		if !ok {
			v.add("%s: condition refers to unknown buffer %q", where, ref.Buffer)
			continue
		}
		if ref.Index >= b.Size() {
			v.add("%s: condition reads %s[%d] past its %d elements", where, ref.Buffer, ref.Index, b.Size())
		}
	}
}
