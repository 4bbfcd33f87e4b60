package asm

import (
	"reflect"
	"strings"
	"testing"
)

// Tokenize a single line of source, without source information.
func tok(t *testing.T, src string) []Token {
	t.Helper()
	lines := tokenize(t, src)
	if len(lines) != 1 {
		t.Fatalf("expected one line in %q, got %d", src, len(lines))
	}
	return lines[0]
}

func findToken(tokens []Token, name *Token) int {
	for i := range tokens {
		if Eq(&tokens[i], name) {
			return i
		}
	}
	return -1
}

func expandDefine(t *testing.T, define, input string) ([]Token, [][]Token, error) {
	t.Helper()
	def := tok(t, define)
	d, err := ParseDefine(def)
	if err != nil {
		t.Fatal(err)
	}
	tokens := tok(t, input)
	at := findToken(tokens, &def[1])
	if at < 0 {
		t.Fatalf("%s not found in %q", def[1].Name(), input)
	}
	line, overflow, err := d.Expand(tokens, at)
	return stripSource(line), overflow, err
}

func checkDefine(t *testing.T, define, input, output string, extra ...string) {
	t.Helper()
	line, overflow, err := expandDefine(t, define, input)
	if err != nil {
		t.Errorf("%q: %v", input, err)
		return
	}
	if exp := tok(t, output); !reflect.DeepEqual(line, exp) {
		t.Errorf("%q: expansion doesn't match expected", input)
		t.Errorf("got: %s", TokensName(line))
		t.Errorf("exp: %s", TokensName(exp))
	}
	if len(overflow) != len(extra) {
		t.Errorf("%q: got %d overflow lines, expected %d", input, len(overflow), len(extra))
		return
	}
	for i, l := range overflow {
		if exp := tok(t, extra[i]); !reflect.DeepEqual(stripSource(l), exp) {
			t.Errorf("%q: overflow line %d is %s, expected %s", input, i, TokensName(l), TokensName(exp))
		}
	}
}

func checkDefineError(t *testing.T, define, input, errString string) {
	t.Helper()
	_, _, err := expandDefine(t, define, input)
	if err == nil {
		t.Errorf("Expected error expanding %q, didn't get one", input)
		return
	}
	if !strings.Contains(err.Error(), errString) {
		t.Errorf("Expected '%s', got '%v'", errString, err)
	}
}

func TestDefineNoParameters(t *testing.T) {
	checkDefine(t, ".define foo .bar baz", "qux foo bar", "qux .bar baz bar")
}

func TestDefineUnaryCStyle(t *testing.T) {
	def := ".define foo(baz) .bar baz baz"
	checkDefine(t, def, "qux foo bar", "qux .bar bar bar")
	checkDefine(t, def, "qux foo(bar)", "qux .bar bar bar")
	checkDefine(t, def, "qux foo {bar}", "qux .bar bar bar")
	checkDefine(t, def, "qux foo({bar})", "qux .bar bar bar")
}

func TestDefineNaryCStyle(t *testing.T) {
	def := ".define foo(a, b, c) 1 a 2 b 3 c 4"
	checkDefine(t, def, "qux foo x, y, z", "qux 1 x 2 y 3 z 4")
	checkDefine(t, def, "qux foo , , z", "qux 1 2 3 z 4")
	checkDefine(t, def, "qux foo x, y", "qux 1 x 2 y 3 4")
	checkDefine(t, def, "qux foo x", "qux 1 x 2 3 4")
	checkDefine(t, def, "qux foo", "qux 1 2 3 4")
	checkDefine(t, def, "qux foo a b c d e, f g h i j, k l m n o",
		"qux 1 a b c d e 2 f g h i j 3 k l m n o 4")
	checkDefine(t, def, "qux foo(x, y yy, z) w", "qux 1 x 2 y yy 3 z 4 w")
	checkDefine(t, def, "qux foo x, {y )}, {z}", "qux 1 x 2 y ) 3 z 4")
	checkDefine(t, def, "qux foo({x}, {y )}, {z})", "qux 1 x 2 y ) 3 z 4")
	checkDefine(t, def, "qux foo {x}, {y )}, {z} w", "qux 1 x 2 y ) 3 {z} w 4")
}

func TestDefineCStyleBraces(t *testing.T) {
	def := ".define foo(a, b) [a:b]"
	checkDefine(t, def, "foo({1}{2}, 3)", "[{1}{2} : 3]")
	checkDefine(t, def, "foo({1} 2, 3)", "[{1} 2 : 3]")
	checkDefine(t, def, "foo {1} 2, 3", "[{1} 2 : 3]")
	checkDefine(t, def, "foo(1, {2} 3)", "[1 : {2} 3]")
	checkDefineError(t, def, "foo(1, 2, 3)", "too many parameters")
	checkDefineError(t, def, "foo 1), 2", "unbalanced right parenthesis")
	checkDefineError(t, def, "foo (1, 2", "missing close paren")
}

func TestDefineTexStyle(t *testing.T) {
	checkDefine(t, ".define foo {a b c .eol} [a:b:c]", "qux foo bar baz", "qux [bar:baz:]")
	checkDefine(t, ".define foo {a b c} [a:b:c]", "qux foo {bar baz} qux corge",
		"qux [bar baz:qux:corge]")
	checkDefine(t, ".define foo {a,b,c} [a:b:c]", "qux foo bar baz, qux, corge",
		"qux [bar baz:qux:corge]")
	checkDefine(t, ".define foo {a,b,c} [a:b:c]", "qux foo {bar baz}, qux, corge",
		"qux [{bar baz}:qux:corge]")
	checkDefine(t, ".define foo {a,b,c} [a:b:c]", "qux foo {bar, baz}, qux, corge",
		"qux [{bar, baz}:qux:corge]")
	checkDefine(t, ".define foo {a,b,c,} [a:b:c]", "qux foo bar, baz, qux, corge",
		"qux [bar:baz:qux] corge")
	checkDefine(t, ".define foo {a .d b 1 c ]} [a:b:c]", "qux foo bar .d baz 1 qux ] corge",
		"qux [bar:baz:qux] corge")

	checkDefineError(t, ".define foo {a b} [a:b]", "foo bar", "missing undelimited argument B")
	checkDefineError(t, ".define foo {a,b} [a:b]", "foo bar baz qux", "could not find delimiter ,")
	checkDefineError(t, ".define foo {( a )} [a]", "foo x", "could not match: (")
}

func TestDefineEOL(t *testing.T) {
	def := ".define foo {a b c} [a:b:c] .eol a:c .eol b"
	checkDefine(t, def, "qux foo bar baz qux", "qux [bar:baz:qux]", "bar:qux", "baz")

	checkDefineError(t, ".define foo {a b c} [a:b:c] .eol a:c", "foo bar baz qux not_eol",
		".eol in define not at end of line")
}

func TestDefineOverloads(t *testing.T) {
	d, err := ParseDefine(tok(t, ".define foo {x, y} [x y]"))
	if err != nil {
		t.Fatal(err)
	}
	d2, err := ParseDefine(tok(t, ".define foo {x} [x]"))
	if err != nil {
		t.Fatal(err)
	}
	d.Append(d2)

	line, _, err := d.Expand(tok(t, "foo 1, 2"), 0)
	if err != nil {
		t.Fatal(err)
	}
	if got := TokensName(line); got != "[ NUM[$1] NUM[$2] ]" {
		t.Errorf("first overload: got %s", got)
	}

	line, _, err = d.Expand(tok(t, "foo 3"), 0)
	if err != nil {
		t.Fatal(err)
	}
	if got := TokensName(line); got != "[ NUM[$3] ]" {
		t.Errorf("second overload: got %s", got)
	}

	_, _, err = d.Expand(tok(t, "foo"), 0)
	if err == nil || !strings.Contains(err.Error(), "could not find delimiter ,; missing undelimited argument X") {
		t.Errorf("expected both reasons in error, got %v", err)
	}
}

func TestParseDefineErrors(t *testing.T) {
	tests := []struct {
		src string
		msg string
	}{
		{".define", "Expected identifier after .define"},
		{".define 1", "Expected identifier after .define"},
		{".define foo(a b) a", "Expected comma: B"},
		{".define foo(a", "missing close paren"},
		{"foo", "Expected .define"},
	}
	for _, test := range tests {
		_, err := ParseDefine(tok(t, test.src))
		if err == nil || !strings.Contains(err.Error(), test.msg) {
			t.Errorf("%q: expected error %q, got %v", test.src, test.msg, err)
		}
	}
}
