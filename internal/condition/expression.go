// Package condition parses predicate expressions over device buffers, such as
//
//	counter[0] < 5 AND NOT (flag == 1)
//
// A bare buffer name refers to element 0. Every value is an int32 element;
// true and false are the integers 1 and 0.
package condition

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// -----------------------------------------------------------------------
// AST nodes
// -----------------------------------------------------------------------

// Expr is the common interface for all AST nodes.
type Expr interface {
	exprNode()
}

// BinaryExpr represents AND / OR.
type BinaryExpr struct {
	Op    string // "AND" | "OR"
	Left  Expr
	Right Expr
}

func (*BinaryExpr) exprNode() {}

// NotExpr represents NOT <expr>.
type NotExpr struct {
	Expr Expr
}

func (*NotExpr) exprNode() {}

// ComparisonExpr represents <operand> <operator> <operand>.
type ComparisonExpr struct {
	Left  Operand
	Op    Operator
	Right Operand
}

func (*ComparisonExpr) exprNode() {}

// -----------------------------------------------------------------------
// Operands
// -----------------------------------------------------------------------

// Operand is either a literal value or a buffer element.
type Operand interface {
	operandNode()
}

// LiteralOperand holds a pre-parsed constant.
type LiteralOperand struct {
	Value int64
}

func (*LiteralOperand) operandNode() {}

// BufferOperand reads one int32 element of a named buffer.
type BufferOperand struct {
	Buffer string
	Index  int
}

func (*BufferOperand) operandNode() {}

// -----------------------------------------------------------------------
// Tokenizer
// -----------------------------------------------------------------------

type tokenKind int

const (
	tokWord   tokenKind = iota // identifier or keyword
	tokOp                      // ==, !=, >=, <=, >, <
	tokNumber                  // 42 | -3
	tokBool                    // true | false
	tokLParen
	tokRParen
	tokLBracket
	tokRBracket
	tokEOF
)

type token struct {
	kind tokenKind
	val  string
	pos  int
}

func tokenize(expr string) ([]token, error) {
	var tokens []token
	i := 0
	for i < len(expr) {
		ch := expr[i]
		if unicode.IsSpace(rune(ch)) {
			i++
			continue
		}
		switch ch {
		case '(':
			tokens = append(tokens, token{tokLParen, "(", i})
			i++
			continue
		case ')':
			tokens = append(tokens, token{tokRParen, ")", i})
			i++
			continue
		case '[':
			tokens = append(tokens, token{tokLBracket, "[", i})
			i++
			continue
		case ']':
			tokens = append(tokens, token{tokRBracket, "]", i})
			i++
			continue
		}
		// && and || are accepted as spellings of AND and OR.
		if (ch == '&' || ch == '|') && i+1 < len(expr) && expr[i+1] == ch {
			word := "AND"
			if ch == '|' {
				word = "OR"
			}
			tokens = append(tokens, token{tokWord, word, i})
			i += 2
			continue
		}
		if ch == '=' || ch == '!' || ch == '<' || ch == '>' {
			if i+1 < len(expr) && expr[i+1] == '=' {
				tokens = append(tokens, token{tokOp, expr[i : i+2], i})
				i += 2
			} else if ch == '!' {
				tokens = append(tokens, token{tokWord, "NOT", i})
				i++
			} else if ch == '=' {
				return nil, fmt.Errorf("unexpected '=' at position %d, did you mean '=='", i)
			} else {
				tokens = append(tokens, token{tokOp, string(ch), i})
				i++
			}
			continue
		}
		if unicode.IsDigit(rune(ch)) || (ch == '-' && i+1 < len(expr) && unicode.IsDigit(rune(expr[i+1]))) {
			j := i + 1
			for j < len(expr) && unicode.IsDigit(rune(expr[j])) {
				j++
			}
			tokens = append(tokens, token{tokNumber, expr[i:j], i})
			i = j
			continue
		}
		if unicode.IsLetter(rune(ch)) || ch == '_' {
			j := i
			for j < len(expr) && (unicode.IsLetter(rune(expr[j])) || unicode.IsDigit(rune(expr[j])) || expr[j] == '_') {
				j++
			}
			word := expr[i:j]
			switch strings.ToLower(word) {
			case "true", "false":
				tokens = append(tokens, token{tokBool, strings.ToLower(word), i})
			default:
				tokens = append(tokens, token{tokWord, word, i})
			}
			i = j
			continue
		}
		return nil, fmt.Errorf("unexpected character %q at position %d", ch, i)
	}
	tokens = append(tokens, token{tokEOF, "", len(expr)})
	return tokens, nil
}

// -----------------------------------------------------------------------
// Recursive-descent parser
// -----------------------------------------------------------------------

type parser struct {
	tokens []token
	pos    int
}

func (p *parser) peek() token {
	return p.tokens[p.pos]
}

func (p *parser) consume() token {
	t := p.tokens[p.pos]
	p.pos++
	return t
}

func (p *parser) expect(kind tokenKind, val string) error {
	t := p.peek()
	if t.kind != kind || (val != "" && t.val != val) {
		return fmt.Errorf("expected %q but got %q at position %d", val, t.val, t.pos)
	}
	p.consume()
	return nil
}

func (p *parser) keyword(kw string) bool {
	t := p.peek()
	return t.kind == tokWord && strings.ToUpper(t.val) == kw
}

// Parse parses an expression string into an AST.
func Parse(expr string) (Expr, error) {
	tokens, err := tokenize(expr)
	if err != nil {
		return nil, err
	}
	p := &parser{tokens: tokens}
	node, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.peek().kind != tokEOF {
		return nil, fmt.Errorf("unexpected token %q after expression", p.peek().val)
	}
	return node, nil
}

// or_expr = and_expr ( "OR" and_expr )*
func (p *parser) parseOr() (Expr, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.keyword("OR") {
		p.consume()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &BinaryExpr{Op: "OR", Left: left, Right: right}
	}
	return left, nil
}

// and_expr = not_expr ( "AND" not_expr )*
func (p *parser) parseAnd() (Expr, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for p.keyword("AND") {
		p.consume()
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = &BinaryExpr{Op: "AND", Left: left, Right: right}
	}
	return left, nil
}

// not_expr = [ "NOT" ] not_expr | "(" or_expr ")" | comparison
func (p *parser) parseNot() (Expr, error) {
	if p.keyword("NOT") {
		p.consume()
		inner, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return &NotExpr{Expr: inner}, nil
	}
	if p.peek().kind == tokLParen {
		p.consume()
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if err := p.expect(tokRParen, ")"); err != nil {
			return nil, err
		}
		return inner, nil
	}
	return p.parseComparison()
}

// comparison = operand [ operator operand ]
//
// A lone operand is shorthand for "operand != 0".
func (p *parser) parseComparison() (Expr, error) {
	left, err := p.parseOperand()
	if err != nil {
		return nil, err
	}

	t := p.peek()
	if t.kind != tokOp {
		return &ComparisonExpr{Left: left, Op: OpNeq, Right: &LiteralOperand{Value: 0}}, nil
	}
	op := Operator(t.val)
	if !op.valid() {
		return nil, fmt.Errorf("unknown operator %q at position %d", t.val, t.pos)
	}
	p.consume()

	right, err := p.parseOperand()
	if err != nil {
		return nil, err
	}
	return &ComparisonExpr{Left: left, Op: op, Right: right}, nil
}

// operand = buffer [ "[" index "]" ] | literal
func (p *parser) parseOperand() (Operand, error) {
	t := p.peek()
	switch t.kind {
	case tokNumber:
		p.consume()
		n, err := strconv.ParseInt(t.val, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid int32 literal %q", t.val)
		}
		return &LiteralOperand{Value: n}, nil
	case tokBool:
		p.consume()
		if t.val == "true" {
			return &LiteralOperand{Value: 1}, nil
		}
		return &LiteralOperand{Value: 0}, nil
	case tokWord:
		switch strings.ToUpper(t.val) {
		case "AND", "OR", "NOT":
			return nil, fmt.Errorf("expected operand, got keyword %q at position %d", t.val, t.pos)
		}
		p.consume()
		op := &BufferOperand{Buffer: t.val}
		if p.peek().kind != tokLBracket {
			return op, nil
		}
		p.consume()
		idx := p.peek()
		if idx.kind != tokNumber {
			return nil, fmt.Errorf("expected index after %s[, got %q", t.val, idx.val)
		}
		n, err := strconv.Atoi(idx.val)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid index %q for buffer %s", idx.val, t.val)
		}
		p.consume()
		if err := p.expect(tokRBracket, "]"); err != nil {
			return nil, err
		}
		op.Index = n
		return op, nil
	default:
		return nil, fmt.Errorf("expected operand, got %q at position %d", t.val, t.pos)
	}
}

// Buffers returns the distinct buffer names expr reads, in first-use order.
func Buffers(expr Expr) []string {
	var names []string
	seen := make(map[string]bool)
	for _, ref := range References(expr) {
		if !seen[ref.Buffer] {
			seen[ref.Buffer] = true
			names = append(names, ref.Buffer)
		}
	}
	return names
}
