package condition

import (
	"fmt"
	"strings"
)

// Resolver provides buffer contents for expression evaluation.
type Resolver interface {
	// Resolve returns element index of the named buffer.
	Resolve(buffer string, index int) (int64, error)
}

// Evaluate walks the AST and returns true/false or an error.
func Evaluate(expr Expr, r Resolver) (bool, error) {
	switch e := expr.(type) {
	case *BinaryExpr:
		return evalBinary(e, r)
	case *NotExpr:
		v, err := Evaluate(e.Expr, r)
		if err != nil {
			return false, err
		}
		return !v, nil
	case *ComparisonExpr:
		return evalComparison(e, r)
	default:
		return false, fmt.Errorf("unknown expr type %T", expr)
	}
}

func evalBinary(e *BinaryExpr, r Resolver) (bool, error) {
	left, err := Evaluate(e.Left, r)
	if err != nil {
		return false, err
	}
	switch strings.ToUpper(e.Op) {
	case "AND":
		if !left {
			return false, nil // short-circuit
		}
		return Evaluate(e.Right, r)
	case "OR":
		if left {
			return true, nil // short-circuit
		}
		return Evaluate(e.Right, r)
	default:
		return false, fmt.Errorf("unknown binary op %q", e.Op)
	}
}

func evalComparison(e *ComparisonExpr, r Resolver) (bool, error) {
	left, err := resolveOperand(e.Left, r)
	if err != nil {
		return false, err
	}
	right, err := resolveOperand(e.Right, r)
	if err != nil {
		return false, err
	}
	return compare(e.Op, left, right)
}

func resolveOperand(op Operand, r Resolver) (int64, error) {
	switch o := op.(type) {
	case *LiteralOperand:
		return o.Value, nil
	case *BufferOperand:
		v, err := r.Resolve(o.Buffer, o.Index)
		if err != nil {
			return 0, fmt.Errorf("%s[%d]: %w", o.Buffer, o.Index, err)
		}
		return v, nil
	default:
		return 0, fmt.Errorf("unknown operand type %T", op)
	}
}

// References returns every buffer element expr reads.
func References(expr Expr) []BufferOperand {
	var refs []BufferOperand
	var walk func(Expr)
	walk = func(e Expr) {
		switch e := e.(type) {
		case *BinaryExpr:
			walk(e.Left)
			walk(e.Right)
		case *NotExpr:
			walk(e.Expr)
		case *ComparisonExpr:
			for _, o := range []Operand{e.Left, e.Right} {
				if b, ok := o.(*BufferOperand); ok {
					refs = append(refs, *b)
				}
			}
		}
	}
	walk(expr)
	return refs
}
