package expr

import "strings"

type node interface {
	position() int
}

type numberNode struct {
	pos int
	val float64
}

type identNode struct {
	pos  int
	name string
}

type unaryNode struct {
	pos     int
	op      string
	operand node
}

type binaryNode struct {
	pos         int
	op          string
	left, right node
}

type callNode struct {
	pos  int
	name string
	args []node
}

func (n numberNode) position() int { return n.pos }
func (n identNode) position() int  { return n.pos }
func (n unaryNode) position() int  { return n.pos }
func (n binaryNode) position() int { return n.pos }
func (n callNode) position() int   { return n.pos }

// binary operator precedence; '^' is handled separately as it binds tighter
// than unary minus and is right-associative.
var precedence = map[string]int{
	"||": 1,
	"&&": 2,
	"<":  3, "<=": 3, ">": 3, ">=": 3, "==": 3, "!=": 3,
	"+": 4, "-": 4,
	"*": 5, "/": 5,
}

type parser struct {
	src    string
	tokens []token
	pos    int
}

func parse(src string) (node, error) {
	if strings.TrimSpace(src) == "" {
		return nil, &Error{Kind: KindSyntax, Expr: src, Msg: "empty expression"}
	}
	tokens, err := tokenize(src)
	if err != nil {
		return nil, err
	}
	p := &parser{src: src, tokens: tokens}
	root, err := p.parseBinary(1)
	if err != nil {
		return nil, err
	}
	if tok := p.peek(); tok.kind != tokEOF {
		return nil, p.errorf(tok.pos, "unexpected "+describe(tok))
	}
	return root, nil
}

func (p *parser) peek() token { return p.tokens[p.pos] }

func (p *parser) advance() token {
	tok := p.tokens[p.pos]
	if tok.kind != tokEOF {
		p.pos++
	}
	return tok
}

func (p *parser) errorf(pos int, msg string) error {
	return &Error{Kind: KindSyntax, Expr: p.src, Pos: pos, Msg: msg}
}

// parseBinary implements precedence climbing for left-associative operators.
func (p *parser) parseBinary(minPrec int) (node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for {
		tok := p.peek()
		if tok.kind != tokOp {
			return left, nil
		}
		prec, ok := precedence[tok.text]
		if !ok || prec < minPrec {
			return left, nil
		}
		p.advance()
		right, err := p.parseBinary(prec + 1)
		if err != nil {
			return nil, err
		}
		left = binaryNode{pos: tok.pos, op: tok.text, left: left, right: right}
	}
}

func (p *parser) parseUnary() (node, error) {
	tok := p.peek()
	if tok.kind == tokOp && (tok.text == "-" || tok.text == "+" || tok.text == "!") {
		p.advance()
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return unaryNode{pos: tok.pos, op: tok.text, operand: operand}, nil
	}
	return p.parsePower()
}

func (p *parser) parsePower() (node, error) {
	base, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	tok := p.peek()
	if tok.kind == tokOp && tok.text == "^" {
		p.advance()
		// right operand may carry its own sign: 2^-1
		exp, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return binaryNode{pos: tok.pos, op: "^", left: base, right: exp}, nil
	}
	return base, nil
}

func (p *parser) parsePrimary() (node, error) {
	tok := p.advance()
	switch tok.kind {
	case tokNumber:
		return numberNode{pos: tok.pos, val: tok.num}, nil
	case tokIdent:
		if p.peek().kind == tokLParen {
			return p.parseCall(tok)
		}
		return identNode{pos: tok.pos, name: tok.text}, nil
	case tokLParen:
		inner, err := p.parseBinary(1)
		if err != nil {
			return nil, err
		}
		if closing := p.advance(); closing.kind != tokRParen {
			return nil, p.errorf(closing.pos, "expected ')' but found "+describe(closing))
		}
		return inner, nil
	default:
		return nil, p.errorf(tok.pos, "unexpected "+describe(tok))
	}
}

func (p *parser) parseCall(name token) (node, error) {
	p.advance() // '('
	call := callNode{pos: name.pos, name: name.text}
	if p.peek().kind == tokRParen {
		p.advance()
		return call, nil
	}
	for {
		arg, err := p.parseBinary(1)
		if err != nil {
			return nil, err
		}
		call.args = append(call.args, arg)
		tok := p.advance()
		switch tok.kind {
		case tokComma:
			continue
		case tokRParen:
			return call, nil
		default:
			return nil, p.errorf(tok.pos, "expected ',' or ')' in call to "+name.text+" but found "+describe(tok))
		}
	}
}

func describe(tok token) string {
	if tok.kind == tokEOF {
		return "end of expression"
	}
	return "'" + tok.text + "'"
}
