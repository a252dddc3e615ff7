// Package expr implements the small boolean expression language used by
// stage exit conditions. Expressions are parsed once at stage load and
// evaluated against a session-state lookup on every router visit.
//
// Grammar:
//
//	expr    := or
//	or      := and ("||" and)*
//	and     := unary ("&&" unary)*
//	unary   := "!" unary | cmp
//	cmp     := term (("=="|"!="|"<"|"<="|">"|">=") term)?
//	term    := int | string | "true" | "false" | path
//	        | "len" "(" path ")"
//	        | "contains" "(" path "," term ")"
//	        | "(" expr ")"
//	path    := ident ("." ident)*
package expr

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"unicode"
)

// Env resolves dotted paths against the session state.
type Env interface {
	Lookup(path []string) (any, bool)
}

// MapEnv adapts a plain map for evaluation; nested maps resolve deeper path
// segments.
type MapEnv map[string]any

func (m MapEnv) Lookup(path []string) (any, bool) {
	var current any = map[string]any(m)
	for _, segment := range path {
		asMap, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = asMap[segment]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// Expr is a compiled exit-condition expression.
type Expr struct {
	source string
	root   node
}

// Source returns the original expression text.
func (e *Expr) Source() string { return e.source }

// Eval evaluates the expression to a boolean. Type errors during evaluation
// are returned so the caller can decide how to degrade.
func (e *Expr) Eval(env Env) (bool, error) {
	v, err := e.root.eval(env)
	if err != nil {
		return false, err
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("expression %q did not evaluate to a boolean", e.source)
	}
	return b, nil
}

// Compile parses an expression. An empty source compiles to constant false,
// matching a stage that never exits on its own.
func Compile(source string) (*Expr, error) {
	trimmed := strings.TrimSpace(source)
	if trimmed == "" {
		return &Expr{source: source, root: boolLit(false)}, nil
	}

	p := &parser{tokens: lex(trimmed)}
	root, err := p.parseExpr()
	if err != nil {
		return nil, fmt.Errorf("invalid expression %q: %w", source, err)
	}
	if !p.atEnd() {
		return nil, fmt.Errorf("invalid expression %q: unexpected %q", source, p.peek().text)
	}
	return &Expr{source: source, root: root}, nil
}

// ---------------------------------------------------------------------------
// Lexer
// ---------------------------------------------------------------------------

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokInt
	tokString
	tokOp // == != < <= > >= && || !
	tokLParen
	tokRParen
	tokComma
	tokDot
	tokErr
)

type token struct {
	kind tokenKind
	text string
}

func lex(src string) []token {
	var tokens []token
	i := 0
	for i < len(src) {
		c := rune(src[i])
		switch {
		case unicode.IsSpace(c):
			i++
		case c == '(':
			tokens = append(tokens, token{tokLParen, "("})
			i++
		case c == ')':
			tokens = append(tokens, token{tokRParen, ")"})
			i++
		case c == ',':
			tokens = append(tokens, token{tokComma, ","})
			i++
		case c == '.':
			tokens = append(tokens, token{tokDot, "."})
			i++
		case c == '\'' || c == '"':
			quote := byte(c)
			j := i + 1
			for j < len(src) && src[j] != quote {
				j++
			}
			if j >= len(src) {
				tokens = append(tokens, token{tokErr, "unterminated string"})
				return tokens
			}
			tokens = append(tokens, token{tokString, src[i+1 : j]})
			i = j + 1
		case unicode.IsDigit(c):
			j := i
			for j < len(src) && unicode.IsDigit(rune(src[j])) {
				j++
			}
			tokens = append(tokens, token{tokInt, src[i:j]})
			i = j
		case unicode.IsLetter(c) || c == '_':
			j := i
			for j < len(src) && (unicode.IsLetter(rune(src[j])) || unicode.IsDigit(rune(src[j])) || src[j] == '_') {
				j++
			}
			tokens = append(tokens, token{tokIdent, src[i:j]})
			i = j
		default:
			// Multi-char operators first.
			rest := src[i:]
			matched := false
			for _, op := range []string{"==", "!=", "<=", ">=", "&&", "||", "<", ">", "!"} {
				if strings.HasPrefix(rest, op) {
					tokens = append(tokens, token{tokOp, op})
					i += len(op)
					matched = true
					break
				}
			}
			if !matched {
				tokens = append(tokens, token{tokErr, fmt.Sprintf("unexpected character %q", c)})
				return tokens
			}
		}
	}
	tokens = append(tokens, token{tokEOF, ""})
	return tokens
}

// ---------------------------------------------------------------------------
// Parser
// ---------------------------------------------------------------------------

type parser struct {
	tokens []token
	pos    int
}

func (p *parser) peek() token { return p.tokens[p.pos] }
func (p *parser) next() token { t := p.tokens[p.pos]; p.pos++; return t }
func (p *parser) atEnd() bool { return p.peek().kind == tokEOF }

func (p *parser) expect(kind tokenKind, what string) (token, error) {
	t := p.next()
	if t.kind != kind {
		return t, fmt.Errorf("expected %s, got %q", what, t.text)
	}
	return t, nil
}

func (p *parser) parseExpr() (node, error) {
	return p.parseOr()
}

func (p *parser) parseOr() (node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokOp && p.peek().text == "||" {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &binaryNode{op: "||", left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokOp && p.peek().text == "&&" {
		p.next()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = &binaryNode{op: "&&", left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseUnary() (node, error) {
	if p.peek().kind == tokOp && p.peek().text == "!" {
		p.next()
		inner, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &notNode{inner: inner}, nil
	}
	return p.parseCmp()
}

func (p *parser) parseCmp() (node, error) {
	left, err := p.parseTerm()
	if err != nil {
		return nil, err
	}
	if p.peek().kind == tokOp {
		switch op := p.peek().text; op {
		case "==", "!=", "<", "<=", ">", ">=":
			p.next()
			right, err := p.parseTerm()
			if err != nil {
				return nil, err
			}
			return &binaryNode{op: op, left: left, right: right}, nil
		}
	}
	return left, nil
}

func (p *parser) parseTerm() (node, error) {
	t := p.next()
	switch t.kind {
	case tokErr:
		return nil, fmt.Errorf("%s", t.text)
	case tokInt:
		n, err := strconv.ParseInt(t.text, 10, 64)
		if err != nil {
			return nil, err
		}
		return intLit(n), nil
	case tokString:
		return stringLit(t.text), nil
	case tokLParen:
		inner, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tokRParen, ")"); err != nil {
			return nil, err
		}
		return inner, nil
	case tokIdent:
		switch t.text {
		case "true":
			return boolLit(true), nil
		case "false":
			return boolLit(false), nil
		case "len":
			if _, err := p.expect(tokLParen, "("); err != nil {
				return nil, err
			}
			path, err := p.parsePath()
			if err != nil {
				return nil, err
			}
			if _, err := p.expect(tokRParen, ")"); err != nil {
				return nil, err
			}
			return &lenNode{path: path}, nil
		case "contains":
			if _, err := p.expect(tokLParen, "("); err != nil {
				return nil, err
			}
			path, err := p.parsePath()
			if err != nil {
				return nil, err
			}
			if _, err := p.expect(tokComma, ","); err != nil {
				return nil, err
			}
			needle, err := p.parseTerm()
			if err != nil {
				return nil, err
			}
			if _, err := p.expect(tokRParen, ")"); err != nil {
				return nil, err
			}
			return &containsNode{path: path, needle: needle}, nil
		default:
			return p.parsePathFrom(t.text)
		}
	default:
		return nil, fmt.Errorf("unexpected %q", t.text)
	}
}

func (p *parser) parsePath() (*pathNode, error) {
	t, err := p.expect(tokIdent, "identifier")
	if err != nil {
		return nil, err
	}
	return p.parsePathFrom(t.text)
}

func (p *parser) parsePathFrom(first string) (*pathNode, error) {
	segments := []string{first}
	for p.peek().kind == tokDot {
		p.next()
		t, err := p.expect(tokIdent, "identifier after '.'")
		if err != nil {
			return nil, err
		}
		segments = append(segments, t.text)
	}
	return &pathNode{segments: segments}, nil
}

// ---------------------------------------------------------------------------
// AST and evaluation
// ---------------------------------------------------------------------------

type node interface {
	eval(env Env) (any, error)
}

type boolLit bool

func (b boolLit) eval(Env) (any, error) { return bool(b), nil }

type intLit int64

func (n intLit) eval(Env) (any, error) { return int64(n), nil }

type stringLit string

func (s stringLit) eval(Env) (any, error) { return string(s), nil }

type pathNode struct {
	segments []string
}

// Missing paths resolve to nil rather than erroring: a stage may reference
// fields that appear later in the run.
func (p *pathNode) eval(env Env) (any, error) {
	v, ok := env.Lookup(p.segments)
	if !ok {
		return nil, nil
	}
	return v, nil
}

type lenNode struct {
	path *pathNode
}

func (n *lenNode) eval(env Env) (any, error) {
	v, err := n.path.eval(env)
	if err != nil {
		return nil, err
	}
	switch val := v.(type) {
	case nil:
		return int64(0), nil
	case string:
		return int64(len(val)), nil
	case []string:
		return int64(len(val)), nil
	case []any:
		return int64(len(val)), nil
	case map[string]any:
		return int64(len(val)), nil
	case map[string][]string:
		return int64(len(val)), nil
	default:
		return nil, fmt.Errorf("len() not supported on %T", v)
	}
}

type containsNode struct {
	path   *pathNode
	needle node
}

func (n *containsNode) eval(env Env) (any, error) {
	haystack, err := n.path.eval(env)
	if err != nil {
		return nil, err
	}
	needle, err := n.needle.eval(env)
	if err != nil {
		return nil, err
	}

	switch val := haystack.(type) {
	case nil:
		return false, nil
	case []string:
		for _, s := range val {
			if s == needle {
				return true, nil
			}
		}
		return false, nil
	case []any:
		for _, item := range val {
			if equalValues(item, needle) {
				return true, nil
			}
		}
		return false, nil
	case string:
		s, ok := needle.(string)
		if !ok {
			return false, fmt.Errorf("contains() on a string needs a string needle, got %T", needle)
		}
		return strings.Contains(val, s), nil
	default:
		return nil, fmt.Errorf("contains() not supported on %T", haystack)
	}
}

type notNode struct {
	inner node
}

func (n *notNode) eval(env Env) (any, error) {
	v, err := n.inner.eval(env)
	if err != nil {
		return nil, err
	}
	b, ok := v.(bool)
	if !ok {
		return nil, fmt.Errorf("'!' needs a boolean, got %T", v)
	}
	return !b, nil
}

type binaryNode struct {
	op    string
	left  node
	right node
}

func (n *binaryNode) eval(env Env) (any, error) {
	left, err := n.left.eval(env)
	if err != nil {
		return nil, err
	}

	// Short-circuit boolean combinators.
	if n.op == "&&" || n.op == "||" {
		lb, ok := left.(bool)
		if !ok {
			return nil, fmt.Errorf("%q needs boolean operands, got %T", n.op, left)
		}
		if n.op == "&&" && !lb {
			return false, nil
		}
		if n.op == "||" && lb {
			return true, nil
		}
		right, err := n.right.eval(env)
		if err != nil {
			return nil, err
		}
		rb, ok := right.(bool)
		if !ok {
			return nil, fmt.Errorf("%q needs boolean operands, got %T", n.op, right)
		}
		return rb, nil
	}

	right, err := n.right.eval(env)
	if err != nil {
		return nil, err
	}

	switch n.op {
	case "==":
		return equalValues(left, right), nil
	case "!=":
		return !equalValues(left, right), nil
	case "<", "<=", ">", ">=":
		li, lok := asInt(left)
		ri, rok := asInt(right)
		if !lok || !rok {
			return nil, fmt.Errorf("%q needs integer operands, got %T and %T", n.op, left, right)
		}
		switch n.op {
		case "<":
			return li < ri, nil
		case "<=":
			return li <= ri, nil
		case ">":
			return li > ri, nil
		default:
			return li >= ri, nil
		}
	default:
		return nil, fmt.Errorf("unknown operator %q", n.op)
	}
}

func equalValues(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if ai, ok := asInt(a); ok {
		if bi, ok := asInt(b); ok {
			return ai == bi
		}
	}
	if !reflect.TypeOf(a).Comparable() || !reflect.TypeOf(b).Comparable() {
		return reflect.DeepEqual(a, b)
	}
	return a == b
}

func asInt(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int64:
		return n, true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}
