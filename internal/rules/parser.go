package rules

import (
	"fmt"
	"strconv"
)

// Expr is a parsed rule expression node.
type Expr interface {
	eval(env *EvalContext) (Value, error)
}

type literalExpr struct {
	value Value
}

// identExpr reads a row value. FromParent selects the parent row scope
// (written `parent.key` in the source).
type identExpr struct {
	name       string
	fromParent bool
}

type unaryExpr struct {
	op      string
	operand Expr
}

type binaryExpr struct {
	op          string
	left, right Expr
}

type callExpr struct {
	name string
	args []Expr
}

// Parse compiles a rule expression to its AST. An empty source parses to
// an expression that always evaluates to true, which is the meaning of an
// absent rule.
func Parse(src string) (Expr, error) {
	p := &parser{lex: lexer{src: src}}
	if err := p.advance(); err != nil {
		return nil, err
	}
	if p.cur.kind == tokEOF {
		return literalExpr{value: BoolValue(true)}, nil
	}
	expr, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.cur.kind != tokEOF {
		return nil, &ParseError{Pos: p.cur.pos, Message: fmt.Sprintf("unexpected %q after expression", p.cur.text)}
	}
	return expr, nil
}

type parser struct {
	lex lexer
	cur token
}

func (p *parser) advance() error {
	tok, err := p.lex.next()
	if err != nil {
		return err
	}
	p.cur = tok
	return nil
}

func (p *parser) expectOp(text string) bool {
	return p.cur.kind == tokOp && p.cur.text == text
}

// Precedence, loosest first: or, and, comparison, additive, multiplicative,
// unary.

func (p *parser) parseOr() (Expr, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.expectOp("or") {
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = binaryExpr{op: "or", left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (Expr, error) {
	left, err := p.parseComparison()
	if err != nil {
		return nil, err
	}
	for p.expectOp("and") {
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.parseComparison()
		if err != nil {
			return nil, err
		}
		left = binaryExpr{op: "and", left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseComparison() (Expr, error) {
	left, err := p.parseAdditive()
	if err != nil {
		return nil, err
	}
	for p.cur.kind == tokOp {
		switch p.cur.text {
		case "==", "!=", "<", "<=", ">", ">=":
			op := p.cur.text
			if err := p.advance(); err != nil {
				return nil, err
			}
			right, err := p.parseAdditive()
			if err != nil {
				return nil, err
			}
			left = binaryExpr{op: op, left: left, right: right}
			continue
		}
		break
	}
	return left, nil
}

func (p *parser) parseAdditive() (Expr, error) {
	left, err := p.parseMultiplicative()
	if err != nil {
		return nil, err
	}
	for p.cur.kind == tokOp && (p.cur.text == "+" || p.cur.text == "-") {
		op := p.cur.text
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.parseMultiplicative()
		if err != nil {
			return nil, err
		}
		left = binaryExpr{op: op, left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseMultiplicative() (Expr, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.cur.kind == tokOp && (p.cur.text == "*" || p.cur.text == "/") {
		op := p.cur.text
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = binaryExpr{op: op, left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseUnary() (Expr, error) {
	if p.cur.kind == tokOp {
		switch p.cur.text {
		case "not", "!":
			if err := p.advance(); err != nil {
				return nil, err
			}
			operand, err := p.parseUnary()
			if err != nil {
				return nil, err
			}
			return unaryExpr{op: "not", operand: operand}, nil
		case "-":
			if err := p.advance(); err != nil {
				return nil, err
			}
			operand, err := p.parseUnary()
			if err != nil {
				return nil, err
			}
			return unaryExpr{op: "-", operand: operand}, nil
		}
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (Expr, error) {
	tok := p.cur
	switch tok.kind {
	case tokNumber:
		n, err := strconv.ParseFloat(tok.text, 64)
		if err != nil {
			return nil, &ParseError{Pos: tok.pos, Message: fmt.Sprintf("invalid number %q", tok.text)}
		}
		if err := p.advance(); err != nil {
			return nil, err
		}
		return literalExpr{value: NumberValue(n)}, nil

	case tokString:
		if err := p.advance(); err != nil {
			return nil, err
		}
		return literalExpr{value: StringValue(tok.text)}, nil

	case tokLParen:
		if err := p.advance(); err != nil {
			return nil, err
		}
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.cur.kind != tokRParen {
			return nil, &ParseError{Pos: p.cur.pos, Message: "expected closing parenthesis"}
		}
		if err := p.advance(); err != nil {
			return nil, err
		}
		return inner, nil

	case tokIdent:
		return p.parseIdentOrCall(tok)
	}
	return nil, &ParseError{Pos: tok.pos, Message: fmt.Sprintf("unexpected %q", tok.text)}
}

func (p *parser) parseIdentOrCall(tok token) (Expr, error) {
	switch tok.text {
	case "true":
		if err := p.advance(); err != nil {
			return nil, err
		}
		return literalExpr{value: BoolValue(true)}, nil
	case "false":
		if err := p.advance(); err != nil {
			return nil, err
		}
		return literalExpr{value: BoolValue(false)}, nil
	case "null":
		if err := p.advance(); err != nil {
			return nil, err
		}
		return literalExpr{value: NullValue()}, nil
	}

	if err := p.advance(); err != nil {
		return nil, err
	}

	// parent.key reads from the parent row scope.
	if tok.text == "parent" && p.cur.kind == tokDot {
		if err := p.advance(); err != nil {
			return nil, err
		}
		if p.cur.kind != tokIdent {
			return nil, &ParseError{Pos: p.cur.pos, Message: "expected field key after parent."}
		}
		name := p.cur.text
		if err := p.advance(); err != nil {
			return nil, err
		}
		return identExpr{name: name, fromParent: true}, nil
	}

	if p.cur.kind == tokLParen {
		if _, ok := builtins[tok.text]; !ok {
			return nil, &ParseError{Pos: tok.pos, Message: fmt.Sprintf("unknown function %q", tok.text)}
		}
		if err := p.advance(); err != nil {
			return nil, err
		}
		var args []Expr
		if p.cur.kind != tokRParen {
			for {
				arg, err := p.parseOr()
				if err != nil {
					return nil, err
				}
				args = append(args, arg)
				if p.cur.kind != tokComma {
					break
				}
				if err := p.advance(); err != nil {
					return nil, err
				}
			}
		}
		if p.cur.kind != tokRParen {
			return nil, &ParseError{Pos: p.cur.pos, Message: "expected closing parenthesis in call"}
		}
		if err := p.advance(); err != nil {
			return nil, err
		}
		return callExpr{name: tok.text, args: args}, nil
	}

	return identExpr{name: tok.text}, nil
}
