package expr

import (
	"fmt"

	"github.com/animus-labs/stepflow/internal/domain"
)

// maxDepth bounds nesting so parsing and evaluation always terminate on small stacks.
const maxDepth = 64

// Parse turns an expression string into an AST.
//
//	or         := and ("||" and)*
//	and        := unary ("&&" unary)*
//	unary      := "!" unary | comparison
//	comparison := operand [(== | != | > | >= | < | <= | contains) operand | is_empty | is_not_empty]
//	operand    := "(" or ")" | literal | reference
//
// Function calls are rejected: a reference followed by "(" is a syntax error.
func Parse(src string) (Node, error) {
	tokens, err := tokenize(src)
	if err != nil {
		return nil, err
	}
	p := &parser{tokens: tokens}
	if p.peek().kind == tokEOF {
		return nil, &SyntaxError{Pos: 0, Msg: "empty expression"}
	}
	n, err := p.parseOr(0)
	if err != nil {
		return nil, err
	}
	if tok := p.peek(); tok.kind != tokEOF {
		return nil, &SyntaxError{Pos: tok.pos, Msg: fmt.Sprintf("unexpected %s", describe(tok))}
	}
	return n, nil
}

type parser struct {
	tokens []token
	pos    int
}

func (p *parser) peek() token { return p.tokens[p.pos] }

func (p *parser) next() token {
	tok := p.tokens[p.pos]
	if tok.kind != tokEOF {
		p.pos++
	}
	return tok
}

func (p *parser) parseOr(depth int) (Node, error) {
	if depth > maxDepth {
		return nil, &SyntaxError{Pos: p.peek().pos, Msg: "expression nested too deeply"}
	}
	first, err := p.parseAnd(depth)
	if err != nil {
		return nil, err
	}
	terms := []Node{first}
	for p.peek().kind == tokOr {
		p.next()
		term, err := p.parseAnd(depth)
		if err != nil {
			return nil, err
		}
		terms = append(terms, term)
	}
	if len(terms) == 1 {
		return first, nil
	}
	return Or{Terms: terms}, nil
}

func (p *parser) parseAnd(depth int) (Node, error) {
	first, err := p.parseUnary(depth)
	if err != nil {
		return nil, err
	}
	terms := []Node{first}
	for p.peek().kind == tokAnd {
		p.next()
		term, err := p.parseUnary(depth)
		if err != nil {
			return nil, err
		}
		terms = append(terms, term)
	}
	if len(terms) == 1 {
		return first, nil
	}
	return And{Terms: terms}, nil
}

func (p *parser) parseUnary(depth int) (Node, error) {
	if p.peek().kind == tokNot {
		if depth > maxDepth {
			return nil, &SyntaxError{Pos: p.peek().pos, Msg: "expression nested too deeply"}
		}
		p.next()
		x, err := p.parseUnary(depth + 1)
		if err != nil {
			return nil, err
		}
		return Not{X: x}, nil
	}
	return p.parseComparison(depth)
}

var comparisonOps = map[tokenKind]string{
	tokEq:       domain.OpEquals,
	tokNeq:      domain.OpNotEquals,
	tokGt:       domain.OpGreater,
	tokGte:      domain.OpGreaterEq,
	tokLt:       domain.OpLess,
	tokLte:      domain.OpLessEq,
	tokContains: domain.OpContains,
}

func (p *parser) parseComparison(depth int) (Node, error) {
	left, err := p.parseOperand(depth)
	if err != nil {
		return nil, err
	}
	tok := p.peek()
	switch tok.kind {
	case tokIsEmpty:
		p.next()
		return Compare{Op: domain.OpIsEmpty, Left: left}, nil
	case tokIsNotEmpty:
		p.next()
		return Compare{Op: domain.OpIsNotEmpty, Left: left}, nil
	}
	op, ok := comparisonOps[tok.kind]
	if !ok {
		return left, nil
	}
	p.next()
	right, err := p.parseOperand(depth)
	if err != nil {
		return nil, err
	}
	if _, chained := comparisonOps[p.peek().kind]; chained {
		return nil, &SyntaxError{Pos: p.peek().pos, Msg: "chained comparisons are not permitted; use &&"}
	}
	return Compare{Op: op, Left: left, Right: right}, nil
}

func (p *parser) parseOperand(depth int) (Node, error) {
	tok := p.next()
	switch tok.kind {
	case tokLParen:
		inner, err := p.parseOr(depth + 1)
		if err != nil {
			return nil, err
		}
		if closing := p.next(); closing.kind != tokRParen {
			return nil, &SyntaxError{Pos: closing.pos, Msg: fmt.Sprintf("expected ) but found %s", describe(closing))}
		}
		return inner, nil
	case tokNumber:
		return Literal{Value: tok.num}, nil
	case tokString:
		return Literal{Value: tok.text}, nil
	case tokTrue:
		return Literal{Value: true}, nil
	case tokFalse:
		return Literal{Value: false}, nil
	case tokNull:
		return Literal{Value: nil}, nil
	case tokIdent:
		if p.peek().kind == tokLParen {
			return nil, &SyntaxError{Pos: tok.pos, Msg: fmt.Sprintf("function calls are not permitted: %s(", tok.text)}
		}
		return Ref{Path: tok.text}, nil
	default:
		return nil, &SyntaxError{Pos: tok.pos, Msg: fmt.Sprintf("expected a value but found %s", describe(tok))}
	}
}

func describe(tok token) string {
	if tok.text != "" && (tok.kind == tokIdent || tok.kind == tokNumber) {
		return fmt.Sprintf("%s %q", tok.kind, tok.text)
	}
	return tok.kind.String()
}
