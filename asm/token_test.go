package asm

import (
	"reflect"
	"strings"
	"testing"
)

func TestTokenEq(t *testing.T) {
	same := [][2]Token{
		{Op(":"), Op(":")},
		{Str("x"), Str("x")},
		{Ident("x"), Ident("x")},
		{Cs(".x"), Cs(".x")},
		{Num(1), Num(1)},
		{tokLP, tokLP},
	}
	for _, p := range same {
		if !Eq(&p[0], &p[1]) {
			t.Errorf("Eq(%s, %s) = false, expected true", p[0].Name(), p[1].Name())
		}
	}

	diff := [][2]Token{
		{Str("x"), Ident("x")},
		{Op("::"), Op(":")},
		{Num(1), Num(2)},
		{Str("x"), Str("y")},
		{Ident("x"), Ident("y")},
		{Cs(".x"), Cs(".y")},
		{Grp(), Grp()},
	}
	for _, p := range diff {
		if Eq(&p[0], &p[1]) {
			t.Errorf("Eq(%s, %s) = true, expected false", p[0].Name(), p[1].Name())
		}
	}

	n := Num(1)
	if Eq(nil, &n) || Eq(&n, nil) || Eq(nil, nil) {
		t.Error("Eq with nil token returned true")
	}
}

func TestTokenMatch(t *testing.T) {
	match := [][2]Token{
		{Op(":"), Op(":")},
		{Ident("x"), Ident("x")},
		{Num(1), Num(2)},
		{Str("x"), Str("y")},
		{Grp(Num(1)), Grp(Str("x"))},
	}
	for _, p := range match {
		if !Match(&p[0], &p[1]) {
			t.Errorf("Match(%s, %s) = false, expected true", p[0].Name(), p[1].Name())
		}
	}

	nomatch := [][2]Token{
		{Str("x"), Ident("x")},
		{Op("::"), Op(":")},
		{Ident("x"), Ident("y")},
		{Cs(".x"), Cs(".y")},
	}
	for _, p := range nomatch {
		if Match(&p[0], &p[1]) {
			t.Errorf("Match(%s, %s) = true, expected false", p[0].Name(), p[1].Name())
		}
	}
}

func TestTokenName(t *testing.T) {
	tokens := []Token{Ident("lda"), Op("#"), Num(0x1f), Str("hi"), Grp(tokLP, tokRB), Cs(".org")}
	got := TokensName(tokens)
	exp := "LDA # NUM[$1f] STR[hi] {( ]} .ORG"
	if got != exp {
		t.Errorf("TokensName = %q, expected %q", got, exp)
	}
}

func TestIdentsFromCList(t *testing.T) {
	idents, err := identsFromCList(nil)
	if err != nil || len(idents) != 0 {
		t.Errorf("empty list: got %v, %v", idents, err)
	}

	idents, err = identsFromCList([]Token{Ident("x")})
	if err != nil || !reflect.DeepEqual(idents, []string{"x"}) {
		t.Errorf("singleton list: got %v, %v", idents, err)
	}

	idents, err = identsFromCList([]Token{Ident("x"), tokComma, Ident("y")})
	if err != nil || !reflect.DeepEqual(idents, []string{"x", "y"}) {
		t.Errorf("pair: got %v, %v", idents, err)
	}

	errors := []struct {
		tokens []Token
		msg    string
	}{
		{[]Token{Ident("x"), tokColon, Ident("y")}, "Expected comma: :"},
		{[]Token{Ident("x"), Ident("y")}, "Expected comma: Y"},
		{[]Token{Ident("x"), tokComma, Cs(".y")}, "Expected identifier: .Y"},
	}
	for _, e := range errors {
		_, err := identsFromCList(e.tokens)
		if err == nil || !strings.Contains(err.Error(), e.msg) {
			t.Errorf("%s: expected error %q, got %v", TokensName(e.tokens), e.msg, err)
		}
	}
}

func TestFindBalanced(t *testing.T) {
	tests := []struct {
		tokens []Token
		start  int
		exp    int
	}{
		{[]Token{Ident("x"), tokLP, Num(1), tokRP, Num(2)}, 1, 3},
		{[]Token{Ident("x"), tokLB, Num(1), tokRB, Num(2)}, 1, 3},
		{[]Token{Num(1), tokLP, tokRB, tokLP, tokRP, tokRB, tokRP, Num(2)}, 1, 6},
		{[]Token{Num(1), tokLP, Num(2)}, 1, -1},
	}
	for _, test := range tests {
		got, err := findBalanced(test.tokens, test.start)
		if err != nil {
			t.Error(err)
			continue
		}
		if got != test.exp {
			t.Errorf("findBalanced(%s, %d) = %d, expected %d",
				TokensName(test.tokens), test.start, got, test.exp)
		}
	}

	_, err := findBalanced([]Token{Num(1), tokLP, tokRP, Num(2)}, 0)
	if err == nil || !strings.Contains(err.Error(), "non-grouping token") {
		t.Errorf("expected non-grouping token error, got %v", err)
	}
}

func TestParseArgList(t *testing.T) {
	tests := []struct {
		tokens []Token
		exp    [][]Token
	}{
		{nil, [][]Token{{}}},
		{[]Token{Num(1)}, [][]Token{{Num(1)}}},
		{[]Token{Num(1), Num(2)}, [][]Token{{Num(1), Num(2)}}},
		{[]Token{Num(1), tokComma, Num(2)}, [][]Token{{Num(1)}, {Num(2)}}},
		{
			[]Token{Num(1), tokLP, tokComma, tokRP, Num(2)},
			[][]Token{{Num(1), tokLP, tokComma, tokRP, Num(2)}},
		},
		{
			[]Token{Num(1), tokLB, tokComma, tokRB, Num(2)},
			[][]Token{{Num(1), tokLB}, {tokRB, Num(2)}},
		},
	}
	for _, test := range tests {
		got, err := parseArgList(test.tokens)
		if err != nil {
			t.Error(err)
			continue
		}
		if !reflect.DeepEqual(got, test.exp) {
			t.Errorf("parseArgList(%s) returned %d args, expected %d",
				TokensName(test.tokens), len(got), len(test.exp))
		}
	}

	_, err := parseArgList([]Token{Num(1), tokRP, tokComma, tokLP, Num(2)})
	if err == nil || !strings.Contains(err.Error(), "Unbalanced paren") {
		t.Errorf("expected unbalanced paren error, got %v", err)
	}
}

func TestCount(t *testing.T) {
	tests := []struct {
		tokens []Token
		exp    int
	}{
		{nil, 0},
		{[]Token{tokLP}, 1},
		{[]Token{tokLP, tokRP}, 2},
		{[]Token{Grp(tokLP, tokRP), Grp(tokLB, tokRB)}, 8},
	}
	for _, test := range tests {
		if got := count(test.tokens); got != test.exp {
			t.Errorf("count(%s) = %d, expected %d", TokensName(test.tokens), got, test.exp)
		}
	}
}

func TestIsRegister(t *testing.T) {
	for _, r := range []string{"a", "x", "y"} {
		lower, upper := Ident(r), Ident(strings.ToUpper(r))
		if !isRegister(&lower, r) || !isRegister(&upper, r) {
			t.Errorf("isRegister failed for %s", r)
		}
	}
	a, x := Ident("a"), Ident("x")
	if isRegister(&a, "x") || isRegister(&x, "a") {
		t.Error("isRegister matched the wrong register")
	}
}
