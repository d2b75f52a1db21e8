package condition

import "fmt"

// Operator represents a comparison operator.
type Operator string

const (
	OpEq  Operator = "=="
	OpNeq Operator = "!="
	OpGt  Operator = ">"
	OpGte Operator = ">="
	OpLt  Operator = "<"
	OpLte Operator = "<="
)

func (op Operator) valid() bool {
	switch op {
	case OpEq, OpNeq, OpGt, OpGte, OpLt, OpLte:
		return true
	}
	return false
}

// compare applies a binary comparison operator to two values.
func compare(op Operator, left, right int64) (bool, error) {
	switch op {
	case OpEq:
		return left == right, nil
	case OpNeq:
		return left != right, nil
	case OpGt:
		return left > right, nil
	case OpGte:
		return left >= right, nil
	case OpLt:
		return left < right, nil
	case OpLte:
		return left <= right, nil
	default:
		return false, fmt.Errorf("unknown operator: %s", op)
	}
}
