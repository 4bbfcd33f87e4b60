package asm

import (
	"errors"
	"reflect"
	"strings"
	"testing"
)

type testEnv struct {
	symbols map[string]int
}

func (e *testEnv) Defined(name string) bool {
	_, ok := e.symbols[name]
	return ok
}

func (e *testEnv) Evaluate(x *Expr) (*Expr, error) {
	resolved, err := MapExpr(x, func(n *Expr) (*Expr, error) {
		if n.Op == OpSym {
			if v, ok := e.symbols[n.Sym]; ok {
				return NumExpr(v), nil
			}
		}
		return n, nil
	})
	if err != nil {
		return nil, err
	}
	return Evaluate(resolved), nil
}

func preprocess(env Env, lines ...string) ([]string, error) {
	pp := NewPreprocessor(NewTokenizer(strings.Join(lines, "\n"), ""), env)
	var out []string
	for {
		l, err := pp.Next()
		if err != nil {
			return out, err
		}
		if l == nil {
			return out, nil
		}
		out = append(out, l.String())
	}
}

func checkPP(t *testing.T, lines []string, want ...string) {
	t.Helper()
	got, err := preprocess(nil, lines...)
	if err != nil {
		t.Errorf("%q: %v", lines, err)
		return
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("%q: output doesn't match expected", lines)
		t.Errorf("got: %q", got)
		t.Errorf("exp: %q", want)
	}
}

func checkPPError(t *testing.T, lines []string, errString string) error {
	t.Helper()
	_, err := preprocess(nil, lines...)
	if err == nil {
		t.Errorf("Expected error on %q, didn't get one", lines)
		return nil
	}
	if !strings.Contains(err.Error(), errString) {
		t.Errorf("Expected '%s', got '%v'", errString, err)
	}
	return err
}

func TestPreprocessorPassThrough(t *testing.T) {
	checkPP(t, []string{"lda #$01"}, "mnemonic(LDA # NUM[$1])")
	checkPP(t, []string{"lda #$01", "sta $02"}, "mnemonic(LDA # NUM[$1])", "mnemonic(STA NUM[$2])")
	checkPP(t, []string{"foo:"}, "label(FOO :)")
	checkPP(t, []string{"foo = 1"}, "assign(FOO = NUM[$1])")
	checkPP(t, []string{"foo .set 1"}, "assign(FOO .SET NUM[$1])")
	checkPP(t, []string{".reloc"}, "directive(.RELOC)")
}

func TestPreprocessorLabels(t *testing.T) {
	checkPP(t, []string{"foo: lda #1"}, "label(FOO :)", "mnemonic(LDA # NUM[$1])")
	checkPP(t, []string{": bne :-"}, "label(:)", "mnemonic(BNE :-)")
	checkPP(t, []string{"++ rts"}, "label(++)", "mnemonic(RTS)")
	checkPP(t, []string{"-: rts"}, "label(- :)", "mnemonic(RTS)")
	checkPP(t, []string{"@loop: a: b:"}, "label(@LOOP :)", "label(A :)", "label(B :)")
	checkPPError(t, []string{"# 1"}, "Syntax error: unexpected #")
}

func TestPreprocessorDefine(t *testing.T) {
	checkPP(t, []string{".define foo x 1 y 2 z", "foo foo"},
		"mnemonic(X NUM[$1] Y NUM[$2] Z X NUM[$1] Y NUM[$2] Z)")
	checkPP(t, []string{".define foo(x, y) [ x : y ]", "a foo(2, 3)"},
		"mnemonic(A [ NUM[$2] : NUM[$3] ])")
	checkPP(t, []string{".define foo {x y} [ x : y ]", "a foo 2 3"},
		"mnemonic(A [ NUM[$2] : NUM[$3] ])")
	checkPP(t, []string{".define foo {x, rest} [ x ] foo rest", ".define foo {x} [x]", "a foo 1, 2, 3"},
		"mnemonic(A [ NUM[$1] ] [ NUM[$2] ] [ NUM[$3] ])")
	checkPP(t, []string{".define two {a b} a .eol b", "two nop rts", "brk"},
		"mnemonic(NOP)", "mnemonic(RTS)", "mnemonic(BRK)")
	checkPP(t, []string{".define foo 1", ".undefine foo", ".byte foo"}, "directive(.BYTE FOO)")
	checkPP(t, []string{".define foo 1", ".byte .skip foo, foo"}, "directive(.BYTE FOO , NUM[$1])")
	checkPP(t, []string{".define op lda", "label: op #1"}, "label(LABEL :)", "mnemonic(LDA # NUM[$1])")
}

func TestPreprocessorDefineOverflow(t *testing.T) {
	err := checkPPError(t, []string{".define foo foo", "foo"}, "stack overflow")
	if err != nil && !errors.Is(err, ErrStackOverflow) {
		t.Errorf("expected ErrStackOverflow, got %v", err)
	}
}

func TestPreprocessorPrimitives(t *testing.T) {
	checkPP(t, []string{".byte .tcount({a b c})"}, "directive(.BYTE NUM[$3])")
	checkPP(t, []string{".byte .tcount(a, {b})"}, "directive(.BYTE NUM[$5])")
	checkPP(t, []string{".byte .string(foo)"}, "directive(.BYTE STR[foo])")
	checkPP(t, []string{".define foo bar", ".byte .string(foo)"}, "directive(.BYTE STR[foo])")
	checkPP(t, []string{`.byte .concat("a", "b", "c")`}, "directive(.BYTE STR[abc])")
	checkPP(t, []string{`.define s "x"`, `.byte .concat(s, "y")`}, "directive(.BYTE STR[xy])")
	checkPP(t, []string{`.ident(.concat("foo", "bar")) = 1`}, "assign(FOOBAR = NUM[$1])")
	checkPPError(t, []string{".byte .concat(1)"}, "Expected string: NUM[$1]")
	checkPPError(t, []string{".byte .tcount 1"}, "Expected ( after .TCOUNT")
}

func TestPreprocessorMacro(t *testing.T) {
	checkPP(t, []string{".macro m a", "  lda a", ".endmacro", "m #1", "m $20"},
		"mnemonic(LDA # NUM[$1])", "mnemonic(LDA NUM[$20])")
	checkPP(t, []string{".macro outer", "  inner", "  rts", ".endmacro", ".macro inner", "  nop", ".endmacro", "outer"},
		"mnemonic(NOP)", "mnemonic(RTS)")
	checkPP(t, []string{".macro m", "  lda", "  .exitmacro", "  ldx", ".endmacro", "m", "ldy"},
		"mnemonic(LDA)", "mnemonic(LDY)")
	checkPP(t, []string{".macro m a", "  .ifblank a", "    nop", "  .else", "    lda a", "  .endif", ".endmacro", "m", "m 1"},
		"mnemonic(NOP)", "mnemonic(LDA NUM[$1])")
	checkPPError(t, []string{".endmacro"}, ".endmacro without .macro")
	checkPPError(t, []string{".exitmacro"}, ".exitmacro outside of macro")

	err := checkPPError(t, []string{".macro m", "  m", ".endmacro", "m"}, "stack overflow")
	if err != nil && !errors.Is(err, ErrStackOverflow) {
		t.Errorf("expected ErrStackOverflow, got %v", err)
	}
}

func TestPreprocessorRecursiveMacro(t *testing.T) {
	lines := []string{
		".macro count n",
		"  .if n > 0",
		"    .byte n",
		"    count n-1",
		"  .endif",
		".endmacro",
		"count 3",
	}
	checkPP(t, lines,
		"directive(.BYTE NUM[$3])",
		"directive(.BYTE NUM[$3] - NUM[$1])",
		"directive(.BYTE NUM[$3] - NUM[$1] - NUM[$1])")
}

func TestPreprocessorConditionals(t *testing.T) {
	checkPP(t, []string{".if 1", "lda", ".else", "ldx", ".endif"}, "mnemonic(LDA)")
	checkPP(t, []string{".if 0", "lda", ".else", "ldx", ".endif"}, "mnemonic(LDX)")
	checkPP(t, []string{".if 0", "lda", ".elseif 2 = 2", "ldx", ".elseif 1", "ldy", ".else", "nop", ".endif"},
		"mnemonic(LDX)")
	checkPP(t, []string{".if 0", ".if 1", "lda", ".endif", ".else", "ldx", ".endif"}, "mnemonic(LDX)")
	checkPP(t, []string{".if 0", ".define foo", ".endif", ".ifdef foo", "lda", ".endif"})
	checkPP(t, []string{".define foo", ".ifdef foo", "lda", ".endif", ".ifndef foo", "ldx", ".endif"},
		"mnemonic(LDA)")
	checkPP(t, []string{".macro foo", ".endmacro", ".ifdef foo", "lda", ".endif"}, "mnemonic(LDA)")
	checkPP(t, []string{".ifblank", "lda", ".endif", ".ifnblank {}", "ldx", ".endif"}, "mnemonic(LDA)")

	checkPPError(t, []string{".else"}, ".else without .if")
	checkPPError(t, []string{".endif"}, ".endif without .if")
	checkPPError(t, []string{".if 1", "lda"}, "Missing .endif")
	checkPPError(t, []string{".if 1", ".else", ".else", ".endif"}, "Duplicate .else")
	checkPPError(t, []string{".if 1", ".else", ".elseif 1", ".endif"}, ".elseif after .else")
	checkPPError(t, []string{".if foo", ".endif"}, "Expression is not constant")
	checkPPError(t, []string{".if", ".endif"}, "Expected expression after .IF")
}

func TestPreprocessorEnv(t *testing.T) {
	env := &testEnv{symbols: map[string]int{"size": 2}}
	got, err := preprocess(env, ".ifdef size", ".repeat size", "nop", ".endrep", ".endif", ".ifdef other", "brk", ".endif")
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"mnemonic(NOP)", "mnemonic(NOP)"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %q, expected %q", got, want)
	}
}

func TestPreprocessorRepeat(t *testing.T) {
	checkPP(t, []string{".repeat 3, i", ".byte i", ".endrep"},
		"directive(.BYTE NUM[$0])", "directive(.BYTE NUM[$1])", "directive(.BYTE NUM[$2])")
	checkPP(t, []string{".repeat 2, i", ".repeat 2, j", ".byte i, j", ".endrep", ".endrep"},
		"directive(.BYTE NUM[$0] , NUM[$0])", "directive(.BYTE NUM[$0] , NUM[$1])",
		"directive(.BYTE NUM[$1] , NUM[$0])", "directive(.BYTE NUM[$1] , NUM[$1])")
	checkPP(t, []string{".repeat 0", "nop", ".endrep", "rts"}, "mnemonic(RTS)")
	checkPP(t, []string{".define n 2", ".repeat n", "nop", ".endrep"}, "mnemonic(NOP)", "mnemonic(NOP)")
	checkPPError(t, []string{".repeat 2", "nop"}, "EOF looking for .endrep")
	checkPPError(t, []string{".endrep"}, ".endrep without .repeat")
}
