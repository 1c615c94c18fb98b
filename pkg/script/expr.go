package script

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Env supplies the values an expression may refer to.
type Env interface {
	Dot() uint64
	Symbol(name string) (uint64, bool)
	SectionAddr(name string) (uint64, bool)
	SectionSize(name string) (uint64, bool)
	SectionAlign(name string) (uint64, bool)
	SizeofHeaders() uint64
	Constant(name string) (uint64, bool)
}

// Expr is a parsed location-counter expression.
type Expr struct {
	src  string
	root node
}

func ParseExpr(src string) (*Expr, error) {
	p := &parser{lex: newLexer(src)}
	p.next()
	root, err := p.parseBinary(0)
	if err != nil {
		return nil, errors.Wrapf(err, "expression %q", src)
	}
	if p.tok.kind != tokEOF {
		return nil, errors.Errorf("expression %q: unexpected %q", src, p.tok.text)
	}
	return &Expr{src: src, root: root}, nil
}

func MustParseExpr(src string) *Expr {
	e, err := ParseExpr(src)
	if err != nil {
		panic(err)
	}
	return e
}

func (e *Expr) String() string {
	return e.src
}

func (e *Expr) Eval(env Env) (uint64, error) {
	return e.root.eval(env)
}

// Symbols returns every symbol name the expression refers to.
func (e *Expr) Symbols() []string {
	var out []string
	var walk func(n node)
	walk = func(n node) {
		switch n := n.(type) {
		case symNode:
			out = append(out, string(n))
		case *binNode:
			walk(n.l)
			walk(n.r)
		case *unaryNode:
			walk(n.x)
		case *callNode:
			if n.fn == "DEFINED" {
				return
			}
			for _, a := range n.args {
				walk(a)
			}
		}
	}
	walk(e.root)
	return out
}

func (e *Expr) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return errors.Errorf("line %d: expression must be a scalar", value.Line)
	}
	parsed, err := ParseExpr(value.Value)
	if err != nil {
		return errors.Wrapf(err, "line %d", value.Line)
	}
	*e = *parsed
	return nil
}

func (e *Expr) MarshalYAML() (interface{}, error) {
	return e.src, nil
}

type node interface {
	eval(env Env) (uint64, error)
}

type numNode uint64

func (n numNode) eval(Env) (uint64, error) { return uint64(n), nil }

type dotNode struct{}

func (dotNode) eval(env Env) (uint64, error) { return env.Dot(), nil }

type symNode string

func (n symNode) eval(env Env) (uint64, error) {
	if v, ok := env.Symbol(string(n)); ok {
		return v, nil
	}
	return 0, errors.Errorf("undefined symbol %q referenced in expression", string(n))
}

type unaryNode struct {
	op string
	x  node
}

func (n *unaryNode) eval(env Env) (uint64, error) {
	v, err := n.x.eval(env)
	if err != nil {
		return 0, err
	}
	switch n.op {
	case "-":
		return -v, nil
	case "~":
		return ^v, nil
	case "!":
		if v == 0 {
			return 1, nil
		}
		return 0, nil
	}
	return v, nil
}

type binNode struct {
	op   string
	l, r node
}

func (n *binNode) eval(env Env) (uint64, error) {
	l, err := n.l.eval(env)
	if err != nil {
		return 0, err
	}
	r, err := n.r.eval(env)
	if err != nil {
		return 0, err
	}

	b2u := func(b bool) uint64 {
		if b {
			return 1
		}
		return 0
	}

	switch n.op {
	case "+":
		return l + r, nil
	case "-":
		return l - r, nil
	case "*":
		return l * r, nil
	case "/":
		if r == 0 {
			return 0, errors.New("division by zero")
		}
		return l / r, nil
	case "%":
		if r == 0 {
			return 0, errors.New("division by zero")
		}
		return l % r, nil
	case "&":
		return l & r, nil
	case "|":
		return l | r, nil
	case "<<":
		return l << r, nil
	case ">>":
		return l >> r, nil
	case "==":
		return b2u(l == r), nil
	case "!=":
		return b2u(l != r), nil
	case "<":
		return b2u(l < r), nil
	case ">":
		return b2u(l > r), nil
	case "<=":
		return b2u(l <= r), nil
	case ">=":
		return b2u(l >= r), nil
	case "&&":
		return b2u(l != 0 && r != 0), nil
	case "||":
		return b2u(l != 0 || r != 0), nil
	}
	return 0, errors.Errorf("unknown operator %q", n.op)
}

type callNode struct {
	fn   string
	args []node
}

func alignUp(v, a uint64) uint64 {
	if a == 0 {
		return v
	}
	return (v + a - 1) / a * a
}

func (n *callNode) eval(env Env) (uint64, error) {
	sectionArg := func() (string, error) {
		if len(n.args) != 1 {
			return "", errors.Errorf("%s takes one section name", n.fn)
		}
		s, ok := n.args[0].(symNode)
		if !ok {
			return "", errors.Errorf("%s takes a section name", n.fn)
		}
		return string(s), nil
	}

	switch n.fn {
	case "ADDR", "SIZEOF", "ALIGNOF":
		name, err := sectionArg()
		if err != nil {
			return 0, err
		}
		var v uint64
		var ok bool
		switch n.fn {
		case "ADDR":
			v, ok = env.SectionAddr(name)
		case "SIZEOF":
			v, ok = env.SectionSize(name)
		default:
			v, ok = env.SectionAlign(name)
		}
		if !ok {
			return 0, errors.Errorf("%s: unknown section %s", n.fn, name)
		}
		return v, nil
	case "DEFINED":
		if len(n.args) != 1 {
			return 0, errors.New("DEFINED takes one symbol")
		}
		s, ok := n.args[0].(symNode)
		if !ok {
			return 0, errors.New("DEFINED takes a symbol name")
		}
		if _, ok := env.Symbol(string(s)); ok {
			return 1, nil
		}
		return 0, nil
	case "CONSTANT":
		if len(n.args) != 1 {
			return 0, errors.New("CONSTANT takes one name")
		}
		s, ok := n.args[0].(symNode)
		if !ok {
			return 0, errors.New("CONSTANT takes a name")
		}
		if v, ok := env.Constant(string(s)); ok {
			return v, nil
		}
		return 0, errors.Errorf("unknown constant %s", string(s))
	}

	vals := make([]uint64, 0, len(n.args))
	for _, a := range n.args {
		v, err := a.eval(env)
		if err != nil {
			return 0, err
		}
		vals = append(vals, v)
	}

	switch n.fn {
	case "ALIGN":
		switch len(vals) {
		case 1:
			return alignUp(env.Dot(), vals[0]), nil
		case 2:
			return alignUp(vals[0], vals[1]), nil
		}
	case "ABSOLUTE":
		if len(vals) == 1 {
			return vals[0], nil
		}
	case "MAX":
		if len(vals) == 2 {
			if vals[0] > vals[1] {
				return vals[0], nil
			}
			return vals[1], nil
		}
	case "MIN":
		if len(vals) == 2 {
			if vals[0] < vals[1] {
				return vals[0], nil
			}
			return vals[1], nil
		}
	default:
		return 0, errors.Errorf("unknown function %s", n.fn)
	}
	return 0, errors.Errorf("%s: wrong number of arguments", n.fn)
}

type sizeofHeadersNode struct{}

func (sizeofHeadersNode) eval(env Env) (uint64, error) { return env.SizeofHeaders(), nil }

// parser is a precedence-climbing parser over the C-like operator set
// GNU ld accepts.
type parser struct {
	lex *lexer
	tok token
}

var precedence = map[string]int{
	"||": 1,
	"&&": 2,
	"|":  3,
	"&":  4,
	"==": 5, "!=": 5,
	"<": 6, ">": 6, "<=": 6, ">=": 6,
	"<<": 7, ">>": 7,
	"+": 8, "-": 8,
	"*": 9, "/": 9, "%": 9,
}

func (p *parser) next() {
	p.tok = p.lex.next()
}

func (p *parser) parseBinary(minPrec int) (node, error) {
	lhs, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for {
		if p.tok.kind != tokOp {
			return lhs, nil
		}
		prec, ok := precedence[p.tok.text]
		if !ok || prec <= minPrec {
			return lhs, nil
		}
		op := p.tok.text
		p.next()
		rhs, err := p.parseBinary(prec)
		if err != nil {
			return nil, err
		}
		lhs = &binNode{op: op, l: lhs, r: rhs}
	}
}

func (p *parser) parseUnary() (node, error) {
	if p.tok.kind == tokOp && (p.tok.text == "-" || p.tok.text == "~" || p.tok.text == "!" || p.tok.text == "+") {
		op := p.tok.text
		p.next()
		x, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &unaryNode{op: op, x: x}, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (node, error) {
	tok := p.tok
	switch tok.kind {
	case tokNum:
		p.next()
		return numNode(tok.num), nil
	case tokLParen:
		p.next()
		n, err := p.parseBinary(0)
		if err != nil {
			return nil, err
		}
		if p.tok.kind != tokRParen {
			return nil, errors.New("missing )")
		}
		p.next()
		return n, nil
	case tokIdent:
		p.next()
		if tok.text == LocationCounter {
			return dotNode{}, nil
		}
		if tok.text == "SIZEOF_HEADERS" {
			return sizeofHeadersNode{}, nil
		}
		if p.tok.kind != tokLParen {
			return symNode(tok.text), nil
		}
		p.next()
		call := &callNode{fn: tok.text}
		for p.tok.kind != tokRParen {
			arg, err := p.parseBinary(0)
			if err != nil {
				return nil, err
			}
			call.args = append(call.args, arg)
			if p.tok.kind == tokComma {
				p.next()
				continue
			}
			if p.tok.kind != tokRParen {
				return nil, errors.Errorf("%s: expected , or )", tok.text)
			}
		}
		p.next()
		return call, nil
	case tokEOF:
		return nil, errors.New("unexpected end of expression")
	}
	return nil, errors.Errorf("unexpected %q", tok.text)
}

type tokKind int

const (
	tokEOF tokKind = iota
	tokNum
	tokIdent
	tokOp
	tokLParen
	tokRParen
	tokComma
	tokBad
)

type token struct {
	kind tokKind
	text string
	num  uint64
}

type lexer struct {
	src string
	pos int
}

func newLexer(src string) *lexer {
	return &lexer{src: src}
}

func isIdentStart(c byte) bool {
	return c == '_' || c == '.' || c == '$' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentChar(c byte) bool {
	return isIdentStart(c) || (c >= '0' && c <= '9')
}

var twoCharOps = []string{"<<", ">>", "==", "!=", "<=", ">=", "&&", "||"}

func (l *lexer) next() token {
	for l.pos < len(l.src) && strings.IndexByte(" \t\r\n", l.src[l.pos]) >= 0 {
		l.pos++
	}
	if l.pos >= len(l.src) {
		return token{kind: tokEOF}
	}

	c := l.src[l.pos]
	switch {
	case c >= '0' && c <= '9':
		start := l.pos
		for l.pos < len(l.src) && (isIdentChar(l.src[l.pos])) {
			l.pos++
		}
		text := l.src[start:l.pos]
		num, err := parseNumber(text)
		if err != nil {
			return token{kind: tokBad, text: text}
		}
		return token{kind: tokNum, text: text, num: num}
	case isIdentStart(c):
		start := l.pos
		for l.pos < len(l.src) && isIdentChar(l.src[l.pos]) {
			l.pos++
		}
		return token{kind: tokIdent, text: l.src[start:l.pos]}
	case c == '(':
		l.pos++
		return token{kind: tokLParen, text: "("}
	case c == ')':
		l.pos++
		return token{kind: tokRParen, text: ")"}
	case c == ',':
		l.pos++
		return token{kind: tokComma, text: ","}
	}

	for _, op := range twoCharOps {
		if strings.HasPrefix(l.src[l.pos:], op) {
			l.pos += 2
			return token{kind: tokOp, text: op}
		}
	}
	if strings.IndexByte("+-*/%&|<>~!", c) >= 0 {
		l.pos++
		return token{kind: tokOp, text: string(c)}
	}
	l.pos++
	return token{kind: tokBad, text: string(c)}
}

// parseNumber accepts C integer literals plus the K and M suffixes.
func parseNumber(text string) (uint64, error) {
	mult := uint64(1)
	switch {
	case strings.HasSuffix(text, "K") && !strings.HasPrefix(text, "0x"):
		mult = 1 << 10
		text = text[:len(text)-1]
	case strings.HasSuffix(text, "M") && !strings.HasPrefix(text, "0x"):
		mult = 1 << 20
		text = text[:len(text)-1]
	}
	v, err := strconv.ParseUint(text, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("bad number %q", text)
	}
	return v * mult, nil
}
