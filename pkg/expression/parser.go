package expression

import (
	"fmt"
	"strings"
)

// parser implements the grammar:
//
//	Full        := "${{" LogicalExpr "}}"
//	LogicalExpr := Expr ( (&& | ||) Expr )*
//	Expr        := Cmp | Symbol
//	Cmp         := Symbol (== | != | > | >= | < | <=) Symbol
//	Symbol      := Number | Boolean | String | Object
//	Object      := Ident ( "." Ident | "." Ident "(" ")" )*
type parser struct {
	lex *lexer
	cur token
}

func parseExpr(src string) (Node, error) {
	p := &parser{lex: newLexer(src)}
	if err := p.advance(); err != nil {
		return nil, err
	}
	node, err := p.parseLogical()
	if err != nil {
		return nil, err
	}
	if p.cur.kind != tokEOF {
		return nil, fmt.Errorf("unexpected trailing input at position %d", p.cur.pos)
	}
	return node, nil
}

func (p *parser) advance() error {
	tok, err := p.lex.next()
	if err != nil {
		return err
	}
	p.cur = tok
	return nil
}

func (p *parser) parseLogical() (Node, error) {
	first, err := p.parseExprLevel()
	if err != nil {
		return nil, err
	}
	node := &LogicalNode{Operands: []Node{first}}
	for p.cur.kind == tokAnd || p.cur.kind == tokOr {
		op := p.cur.text
		if err := p.advance(); err != nil {
			return nil, err
		}
		next, err := p.parseExprLevel()
		if err != nil {
			return nil, err
		}
		node.Operands = append(node.Operands, next)
		node.Ops = append(node.Ops, op)
	}
	if len(node.Operands) == 1 {
		return node.Operands[0], nil
	}
	return node, nil
}

func (p *parser) parseExprLevel() (Node, error) {
	left, err := p.parseSymbol()
	if err != nil {
		return nil, err
	}
	op := ""
	switch p.cur.kind {
	case tokEq:
		op = "=="
	case tokNeq:
		op = "!="
	case tokGt:
		op = ">"
	case tokGte:
		op = ">="
	case tokLt:
		op = "<"
	case tokLte:
		op = "<="
	default:
		return left, nil
	}
	if err := p.advance(); err != nil {
		return nil, err
	}
	right, err := p.parseSymbol()
	if err != nil {
		return nil, err
	}
	return &CompareNode{Op: op, Left: left, Right: right}, nil
}

func (p *parser) parseSymbol() (Node, error) {
	switch p.cur.kind {
	case tokNumber:
		v := Number(p.cur.num)
		if err := p.advance(); err != nil {
			return nil, err
		}
		return &LiteralNode{Value: v}, nil
	case tokString:
		v := Text(p.cur.text)
		if err := p.advance(); err != nil {
			return nil, err
		}
		return &LiteralNode{Value: v}, nil
	case tokTrue, tokFalse:
		v := Boolean(p.cur.kind == tokTrue)
		if err := p.advance(); err != nil {
			return nil, err
		}
		return &LiteralNode{Value: v}, nil
	case tokIdent:
		return p.parseObject()
	default:
		return nil, fmt.Errorf("unexpected token %q at position %d", p.cur.text, p.cur.pos)
	}
}

func (p *parser) parseObject() (Node, error) {
	var path []string
	path = append(path, p.cur.text)
	if err := p.advance(); err != nil {
		return nil, err
	}
	called := false
	for p.cur.kind == tokDot {
		if err := p.advance(); err != nil {
			return nil, err
		}
		if p.cur.kind != tokIdent {
			return nil, fmt.Errorf("expected identifier after '.' at position %d", p.cur.pos)
		}
		path = append(path, p.cur.text)
		if err := p.advance(); err != nil {
			return nil, err
		}
		if p.cur.kind == tokLParen {
			if err := p.advance(); err != nil {
				return nil, err
			}
			if p.cur.kind != tokRParen {
				return nil, fmt.Errorf("expected ')' at position %d", p.cur.pos)
			}
			if err := p.advance(); err != nil {
				return nil, err
			}
			called = true
		}
	}
	return &ObjectNode{Path: path, Called: called}, nil
}

// pathString renders a path for error messages, e.g. "inputs.greeting".
func pathString(path []string) string {
	return strings.Join(path, ".")
}
