package asm

import (
	"reflect"
	"strings"
	"testing"
)

func num(n int) *Expr {
	return &Expr{Op: OpNum, Num: n, Meta: &Meta{Size: sizeOf(n)}}
}

func op(name string, args ...*Expr) *Expr {
	return &Expr{Op: name, Args: args}
}

// An operator whose result is known to fit in a byte.
func op1(name string, args ...*Expr) *Expr {
	return &Expr{Op: name, Args: args, Meta: &Meta{Size: 1}}
}

func sym(name string) *Expr {
	return &Expr{Op: OpSym, Sym: name}
}

func off(n, chunk int) *Expr {
	return &Expr{Op: OpNum, Num: n, Meta: &Meta{Rel: true, Chunk: intp(chunk)}}
}

// Remove source information so expressions can be compared directly.
func stripExpr(e *Expr) *Expr {
	if e == nil {
		return nil
	}
	c := *e
	c.Source = nil
	if len(e.Args) > 0 {
		c.Args = make([]*Expr, len(e.Args))
		for i, a := range e.Args {
			c.Args[i] = stripExpr(a)
		}
	}
	return &c
}

func checkExpr(t *testing.T, got, expected *Expr) {
	t.Helper()
	if !reflect.DeepEqual(stripExpr(got), expected) {
		t.Errorf("expression doesn't match expected")
		t.Errorf("got: %s", got)
		t.Errorf("exp: %s", expected)
	}
}

func TestParseExpr(t *testing.T) {
	tests := []struct {
		tokens []Token
		start  int
		exp    *Expr
		next   int
	}{
		{[]Token{Num(5), Num(6), Num(7)}, 1, num(6), 2},
		{[]Token{Num(5), Op("+"), Num(6), Num(7)}, 0, op("+", num(5), num(6)), 3},
		{[]Token{tokLP, Num(5), Op("+"), Num(6), tokRP, Num(7)}, 0, op("+", num(5), num(6)), 5},
		{[]Token{tokStar, Op("+"), Num(1), Num(2)}, 0, op("+", sym("*"), num(1)), 3},
		{
			[]Token{Num(1), Op("+"), Num(2), Op("<<"), Num(3)}, 0,
			op("+", num(1), op("<<", num(2), num(3))), 5,
		},
		{
			[]Token{Num(1), Op("<<"), Num(2), Op("+"), Num(3)}, 0,
			op("+", op("<<", num(1), num(2)), num(3)), 5,
		},
		{
			[]Token{Num(1), Op("<<"), tokLP, Num(2), Op("+"), Num(3), tokRP}, 0,
			op("<<", num(1), op("+", num(2), num(3))), 7,
		},
		{[]Token{Num(1), tokComma, Num(2)}, 0, num(1), 1},
		{[]Token{Ident("x"), Cs(".bitand"), Num(3)}, 0, op("&", sym("x"), num(3)), 3},
	}
	for _, test := range tests {
		e, next, err := ParseExpr(test.tokens, test.start)
		if err != nil {
			t.Error(err)
			continue
		}
		if next != test.next {
			t.Errorf("%s: stopped at %d, expected %d", TokensName(test.tokens), next, test.next)
		}
		checkExpr(t, e, test.exp)
	}

	e, next, err := ParseExpr(nil, 0)
	if e != nil || next != 0 || err != nil {
		t.Errorf("empty input: got %v, %d, %v", e, next, err)
	}
}

func TestParseOnlyExpr(t *testing.T) {
	tests := []struct {
		tokens []Token
		exp    *Expr
	}{
		{[]Token{Num(1)}, num(1)},
		{[]Token{Op("+"), Op("~"), Op("^"), Num(1)}, op("+", op("~", op1("^", num(1))))},
		{[]Token{tokStar, tokAssign, Num(0x1234)}, op1("=", sym("*"), num(0x1234))},
		{
			[]Token{Cs(".max"), tokLP, Num(4), tokComma, Num(6), tokComma, Num(8), tokRP, Op("+"), Num(3)},
			op("+", op1(".max", num(4), num(6), num(8)), num(3)),
		},
		{[]Token{Op("<"), Ident("foo")}, op1("<", sym("foo"))},
		{[]Token{Cs(".lobyte"), Ident("foo")}, op1("<", sym("foo"))},
		{[]Token{hexNum(1, 2)}, &Expr{Op: OpNum, Num: 1, Meta: &Meta{Size: 2}}},
		{
			[]Token{Num(1), Op("&"), Num(0x300)},
			&Expr{Op: "&", Args: []*Expr{num(1), num(0x300)}, Meta: &Meta{Size: 2}},
		},
	}
	for _, test := range tests {
		e, err := ParseOnlyExpr(test.tokens)
		if err != nil {
			t.Error(err)
			continue
		}
		checkExpr(t, e, test.exp)
	}

	// An unknown argument size leaves the result size unknown.
	e, _ := ParseOnlyExpr([]Token{Ident("x"), Op("|"), Num(0x300)})
	if e.Size() != 0 {
		t.Errorf("expected size 0, got %d", e.Size())
	}
}

func TestParseExprErrors(t *testing.T) {
	tests := []struct {
		tokens []Token
		msg    string
	}{
		{[]Token{Num(1), Num(2)}, "Garbage after expression"},
		{[]Token{Num(1), Op("*"), Num(2), Op("&"), Num(3)}, "Mixing * and & needs explicit parens."},
		{[]Token{Num(1), Op("&&"), Num(2), Op("||"), Num(3)}, "Mixing && and || needs explicit parens."},
		{[]Token{Cs(".foo"), tokLP, Num(1), tokRP}, "No such function: .FOO"},
		{[]Token{Cs(".max"), Num(1)}, "Bad funcall: .MAX"},
		{[]Token{Cs(".max"), tokLP, Num(1)}, "Never closed: .MAX"},
		{[]Token{tokLP, Num(1)}, "No close paren"},
		{[]Token{Op("#"), Num(1)}, "Unknown prefix operator: #"},
		{[]Token{Str("x")}, "Bad expression token: STR[x]"},
		{[]Token{Num(1), Op("+")}, "Incomplete expression"},
		{nil, "No expression?"},
	}
	for _, test := range tests {
		_, err := ParseOnlyExpr(test.tokens)
		if err == nil {
			t.Errorf("%s: expected error %q", TokensName(test.tokens), test.msg)
			continue
		}
		if !strings.Contains(err.Error(), test.msg) {
			t.Errorf("%s: expected error %q, got %q", TokensName(test.tokens), test.msg, err)
		}
	}
}

func TestParseExprSource(t *testing.T) {
	lines, err := Tokenize("  foo + 1", "")
	if err != nil {
		t.Fatal(err)
	}
	e, err := ParseOnlyExpr(lines[0])
	if err != nil {
		t.Fatal(err)
	}
	if e.Source == nil || e.Source.Column != 2 || e.Source.Content != "foo" {
		t.Errorf("unexpected source %+v", e.Source)
	}
}

func TestEvaluate(t *testing.T) {
	tests := []struct {
		in  *Expr
		exp *Expr
	}{
		{num(5), num(5)},
		{off(5, 0), off(5, 0)},
		{sym("foo"), sym("foo")},
		{op("+", num(5), num(14)), num(19)},
		{op("-", num(5), num(14)), NumExpr(-9)},
		{op("|", num(0x416), num(0x241)), num(0x657)},
		{op("<", num(0x416)), num(0x16)},
		{op(">", num(0x416)), num(0x04)},
		{op("<", num(4), num(2)), num(0)},
		{op("<", num(2), num(4)), num(1)},
		{op("+", off(5, 0), num(1)), off(6, 0)},
		{op("-", off(5, 0), num(1)), off(4, 0)},
		{op("-", off(9, 2), off(5, 2)), &Expr{Op: OpNum, Num: 4}},
		{op("^", &Expr{Op: OpNum, Num: 1, Meta: &Meta{Bank: intp(2)}}), num(2)},
		{op(".max", num(4), num(9), num(2)), num(9)},
		{op(".min", num(4), num(9), num(2)), num(2)},
		{op("/", num(-7), num(2)), NumExpr(-4)},
		{op(">>", NumExpr(-1), num(28)), num(15)},
		{op("&&", num(0), num(4)), num(0)},
		{op("&&", num(3), num(4)), num(4)},
		{op("||", num(0), num(4)), num(4)},
		{op(".xor", num(3), num(0)), num(3)},
		{op(".xor", num(3), num(4)), num(0)},
		{op("!", num(0)), num(1)},
		{op("*", op("+", num(1), num(2)), num(3)), num(9)},
		{&Expr{Op: OpNum, Num: 4, Meta: &Meta{Rel: true, Chunk: intp(1), Org: intp(0x8000)}},
			&Expr{Op: OpNum, Num: 0x8004, Meta: &Meta{Chunk: intp(1), Org: intp(0x8000)}}},
	}
	for _, test := range tests {
		checkExpr(t, Evaluate(test.in), test.exp)
	}
}

func TestEvaluatePreserves(t *testing.T) {
	unchanged := []*Expr{
		op("+", sym("foo"), num(1)),
		op("/", num(1), num(0)),
		op(".mod", num(1), num(0)),
		op("<<", num(1), NumExpr(-1)),
		op("+", off(1, 0), off(2, 0)),
		op("-", off(1, 0), off(2, 1)),
		op("<", off(1, 0)),
		op("^", num(1)),
	}
	for _, e := range unchanged {
		if got := Evaluate(e); got != e {
			t.Errorf("Evaluate(%s) = %s, expected the input back", e, got)
		}
	}

	// Folding a subtree must not modify the original tree.
	in := op("+", sym("foo"), op("+", num(1), num(2)))
	got := Evaluate(in)
	checkExpr(t, got, op("+", sym("foo"), num(3)))
	checkExpr(t, in, op("+", sym("foo"), op("+", num(1), num(2))))
}
