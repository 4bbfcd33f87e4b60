package asm

import (
	"io"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

func mustAssemble(t *testing.T, lines ...string) *Module {
	t.Helper()
	m, err := assemble(strings.Join(lines, "\n"))
	if err != nil {
		t.Fatal(err)
	}
	return m
}

func checkChunk(t *testing.T, c *Chunk, org int, data string) {
	t.Helper()
	switch {
	case org < 0 && c.Org != nil:
		t.Errorf("expected relocatable chunk, got org $%x", *c.Org)
	case org >= 0 && (c.Org == nil || *c.Org != org):
		t.Errorf("expected chunk org $%x, got %v", org, c.Org)
	}
	if got := hexString(c.Data); got != data {
		t.Errorf("chunk data: got %s, exp %s", got, data)
	}
}

func TestForwardReference(t *testing.T) {
	m := mustAssemble(t,
		".org $8000",
		"  jmp foo",
		"foo:",
		"  rts")

	checkChunk(t, m.Chunks[0], 0x8000, "4CFFFF60")
	subs := m.Chunks[0].Subs
	if len(subs) != 1 || subs[0].Offset != 1 || subs[0].Size != 2 {
		t.Fatalf("unexpected subs %+v", subs)
	}
	if e := subs[0].Expr; e.Op != OpSym || e.Num != 0 || e.Sym != "" {
		t.Errorf("expected symbol reference, got %s", e)
	}
	if len(m.Symbols) != 1 || m.Symbols[0].Expr.Num != 0x8003 {
		t.Errorf("unexpected symbols %+v", m.Symbols)
	}
}

func TestBackwardReference(t *testing.T) {
	m := mustAssemble(t,
		".org $8000",
		"foo:",
		"  jmp foo")
	checkChunk(t, m.Chunks[0], 0x8000, "4C0080")
	if len(m.Symbols) != 0 {
		t.Errorf("expected empty symbol table, got %+v", m.Symbols)
	}
}

func TestRelocatableReference(t *testing.T) {
	m := mustAssemble(t,
		"foo:",
		"  jmp foo")

	c := m.Chunks[0]
	checkChunk(t, c, -1, "4CFFFF")
	if c.Name != "foo" {
		t.Errorf("expected chunk name foo, got %q", c.Name)
	}
	want := []Sub{{Offset: 1, Size: 2, Expr: RelExpr(0, 0)}}
	if !reflect.DeepEqual(c.Subs, want) {
		t.Errorf("got subs %+v", c.Subs)
	}
}

func TestProgramCounter(t *testing.T) {
	m := mustAssemble(t, ".org $8000", ".word *", ".byte <*, >*")
	checkChunk(t, m.Chunks[0], 0x8000, "00800280")

	m = mustAssemble(t, ".word *")
	if s := m.Chunks[0].Subs; len(s) != 1 || !reflect.DeepEqual(s[0].Expr, RelExpr(0, 0)) {
		t.Errorf("got subs %+v", s)
	}
}

func TestBranches(t *testing.T) {
	m := mustAssemble(t,
		".org $8000",
		"-",
		"  nop",
		"  bne -",
		"  beq +",
		"  nop",
		"+")
	checkChunk(t, m.Chunks[0], 0x8000, "EAD0FDF0FFEA")
	if s := m.Chunks[0].Subs; len(s) != 1 || s[0].Offset != 4 || s[0].Size != 1 || !s[0].Branch {
		t.Errorf("got subs %+v", s)
	}
	if m.Symbols[0].Expr.Num != 0x8006 {
		t.Errorf("got symbol %s", m.Symbols[0].Expr)
	}

	// Branches within a relocatable chunk need no substitution.
	m = mustAssemble(t,
		"-",
		"  nop",
		"  bne -")
	checkChunk(t, m.Chunks[0], -1, "EAD0FD")
	if len(m.Chunks[0].Subs) != 0 {
		t.Errorf("got subs %+v", m.Chunks[0].Subs)
	}
}

func TestBranchErrors(t *testing.T) {
	checkASMError(t, ".org $8000\n-\n.res 200\n bne -", "Branch out of range: -202")
	checkASMError(t, ".org $8000\n-\n.res 127\n bne -", "Branch out of range: -129")
	checkASMError(t, "-\n.res 127\n bne -", "Branch out of range: -129")
	checkASMError(t, " bne -", "Bad relative backref")
	checkASMError(t, " bne +", "Undefined symbol: +")
}

func TestBranchLimits(t *testing.T) {
	m := mustAssemble(t, ".org $8000", "-", ".res 126", "  bne -")
	if d := m.Chunks[0].Data; d[len(d)-1] != 0x80 {
		t.Errorf("got displacement $%02X", d[len(d)-1])
	}

	// Forward branches are checked by the linker.
	for _, n := range []string{"127", "128"} {
		m = mustAssemble(t, ".org $8000", "  bne +", ".res "+n, "+")
		s := m.Chunks[0].Subs
		if len(s) != 1 || s[0].Offset != 1 || !s[0].Branch {
			t.Errorf("res %s: got subs %+v", n, s)
		}
	}

	var sub = Sub{Size: 1, Branch: true}
	b := make([]byte, 1)
	if err := sub.Put(b, 127); err != nil || b[0] != 0x7f {
		t.Errorf("got %v, $%02X", err, b[0])
	}
	if err := sub.Put(b, 128); err == nil || err.Error() != "Branch out of range: 128" {
		t.Errorf("got %v", err)
	}
	if err := sub.Put(b, -129); err == nil {
		t.Error("expected error")
	}
	sub.Branch = false
	if err := sub.Put(b, 200); err != nil || b[0] != 200 {
		t.Errorf("got %v, $%02X", err, b[0])
	}
}

func TestAnonymousLabels(t *testing.T) {
	m := mustAssemble(t,
		".org $8000",
		":",
		"  bne :+",
		"  bne :-",
		":",
		"  bne :--",
		"  rts")
	checkChunk(t, m.Chunks[0], 0x8000, "D0FFD0FCD0FA60")
	if m.Symbols[0].Expr.Num != 0x8004 {
		t.Errorf("got symbol %s", m.Symbols[0].Expr)
	}

	m = mustAssemble(t,
		".org $8000",
		"  bne :++",
		"  bne :+",
		":",
		":",
		"  rts")
	if len(m.Symbols) != 2 || m.Symbols[0].Expr.Num != 0x8004 || m.Symbols[1].Expr.Num != 0x8004 {
		t.Errorf("got symbols %+v", m.Symbols)
	}

	checkASMError(t, " bne :-", "Bad anonymous backref")
}

func TestRtsLabels(t *testing.T) {
	m := mustAssemble(t,
		".org $8000",
		"  rts",
		"  bne :<rts",
		"  beq :rts",
		"  bcc :>>rts",
		"  rts",
		"  rts")
	checkChunk(t, m.Chunks[0], 0x8000, "60D0FDF0FF90FF6060")
	if len(m.Symbols) != 2 || m.Symbols[0].Expr.Num != 0x8007 || m.Symbols[1].Expr.Num != 0x8008 {
		t.Errorf("got symbols %+v", m.Symbols)
	}

	m = mustAssemble(t,
		".org $8000",
		"done:rts",
		"  jmp done")
	checkChunk(t, m.Chunks[0], 0x8000, "604C0080")
}

func TestCheapLocals(t *testing.T) {
	checkASM(t, `
	.org $8000
foo:
@loop:
	dex
	bne @loop
bar:
@loop:
	bne @loop`, "CAD0FDD0FE")

	checkASMError(t, "foo:\n jmp @bar\nbaz:", "Cheap local label never defined: @bar")
	checkASMError(t, "@x = 1", "Cheap locals may only be labels: @x")
}

func TestAssignments(t *testing.T) {
	checkASM(t, `
x .set 1
	.byte x
x .set x + 1
	.byte x
y = x * 3
	.byte y`, "010206")

	checkASMError(t, "foo:\nfoo:", "Redefining symbol foo")
	checkASMError(t, "x .set 1\nx = 2", "Cannot change mutability of x")
	checkASMError(t, "x = 1\nx .set 2", "Cannot change mutability of x")
	checkASMError(t, "x .set y", "Mutable set requires constant: x")
}

func TestRedefinitionLocation(t *testing.T) {
	_, err := assemble("foo = 1\nfoo = 2")
	if err == nil || !strings.Contains(err.Error(), "Originally defined\n  at test:1:") {
		t.Errorf("unexpected error %v", err)
	}
}

func TestScopes(t *testing.T) {
	checkASM(t, `
.scope outer
x = 5
.scope inner
y = x + 1
.endscope
.endscope
	.byte outer::x, outer::inner::y`, "0506")

	// A symbol undefined when its scope closes is shared with the parent.
	m := mustAssemble(t,
		".scope",
		"  .byte y",
		".endscope",
		"y = 3")
	if len(m.Symbols) != 1 || m.Symbols[0].Expr.Num != 3 {
		t.Errorf("got symbols %+v", m.Symbols)
	}

	// Inner definitions shadow outer ones.
	checkASM(t, `
x = 1
.scope
x = 2
	.byte x
.endscope
	.byte x`, "0201")

	checkASMError(t, ".endscope", ".endscope without .scope")
	checkASMError(t, ".scope", "Missing .endscope")
	checkASMError(t, ".scope a\n.endscope\n.byte a::q", "Could not resolve symbol: a::q")
	checkASMError(t, ".byte b::q", "Could not resolve scope b")
}

func TestProc(t *testing.T) {
	m := mustAssemble(t,
		".proc foo",
		"  rts",
		".endproc",
		"  jmp foo")
	c := m.Chunks[0]
	checkChunk(t, c, -1, "604CFFFF")
	if c.Name != "foo" {
		t.Errorf("expected chunk name foo, got %q", c.Name)
	}
	checkASMError(t, ".endproc", ".endproc without .proc")
}

func TestImportExport(t *testing.T) {
	m := mustAssemble(t,
		".import ext, unused",
		".export here",
		"here:",
		"  jsr ext")

	checkChunk(t, m.Chunks[0], -1, "20FFFF")
	if len(m.Symbols) != 2 {
		t.Fatalf("got symbols %+v", m.Symbols)
	}
	if s := m.Symbols[0]; s.Export != "here" || !reflect.DeepEqual(s.Expr, RelExpr(0, 0)) {
		t.Errorf("got export %+v", s)
	}
	if s := m.Symbols[1]; s.Expr.Op != OpImport || s.Expr.Sym != "ext" {
		t.Errorf("got import %+v", s)
	}

	checkASMError(t, ".export nope", "Undefined symbol: nope")
	checkASMError(t, "x = 1\n.import x", "Cannot import defined symbol: x")
}

func TestSegments(t *testing.T) {
	m := mustAssemble(t,
		`.segment "a", "b" : bank 2`,
		`.segment "b" : size $100 : off $10 : mem $8000`,
		`.byte 1`)

	want := []*SegmentDef{
		{Name: "a"},
		{Name: "b", Bank: intp(2), Size: intp(0x100), Offset: intp(0x10), Memory: intp(0x8000)},
	}
	if !reflect.DeepEqual(m.Segments, want) {
		t.Errorf("got segments %+v", m.Segments)
	}
	if !reflect.DeepEqual(m.Chunks[0].Segments, []string{"b"}) {
		t.Errorf("got chunk segments %v", m.Chunks[0].Segments)
	}

	checkASMError(t, `.segment "a" : foo 1`, "Unknown segment attr: foo")
}

func TestSegmentPrefix(t *testing.T) {
	m := mustAssemble(t, `.segmentprefix "p_"`, `.segment "x"`, `.byte 1`)
	if !reflect.DeepEqual(m.Chunks[0].Segments, []string{"p_x"}) {
		t.Errorf("got chunk segments %v", m.Chunks[0].Segments)
	}
}

func TestBank(t *testing.T) {
	m := mustAssemble(t,
		`.segment "x"`,
		`.bank 3`,
		`.org $8000`,
		`foo:`,
		`.byte ^foo`)
	checkChunk(t, m.Chunks[0], 0x8000, "03")
}

func TestPushPopSeg(t *testing.T) {
	m := mustAssemble(t,
		".org 100",
		".byte 4",
		`.pushseg "a", "c"`,
		".org 10",
		".byte 5",
		".popseg",
		".byte 6",
		".word *")
	if len(m.Chunks) != 2 {
		t.Fatalf("got %d chunks", len(m.Chunks))
	}
	checkChunk(t, m.Chunks[0], 100, "04066600")
	checkChunk(t, m.Chunks[1], 10, "05")
	if !reflect.DeepEqual(m.Chunks[1].Segments, []string{"a", "c"}) {
		t.Errorf("got segments %v", m.Chunks[1].Segments)
	}

	checkASMError(t, ".popseg", ".popseg without .pushseg")
	checkASMError(t, ".pushseg", "Missing .popseg")
}

func TestOrgMerging(t *testing.T) {
	m := mustAssemble(t,
		".org $8000",
		"  nop",
		".org $8001",
		"  nop",
		".org $9000",
		"  nop")
	if len(m.Chunks) != 2 {
		t.Fatalf("got %d chunks", len(m.Chunks))
	}
	checkChunk(t, m.Chunks[0], 0x8000, "EAEA")
	checkChunk(t, m.Chunks[1], 0x9000, "EA")

	m = mustAssemble(t, ".org $8000", "  nop", ".reloc", "  nop")
	checkChunk(t, m.Chunks[1], -1, "EA")
}

func TestFree(t *testing.T) {
	m := mustAssemble(t,
		`.segment "x"`,
		".org $8000",
		".free $200",
		".org $9000",
		".free $400")
	want := []*SegmentDef{{Name: "x", Free: [][2]int{{0x8000, 0x8200}, {0x9000, 0x9400}}}}
	if !reflect.DeepEqual(m.Segments, want) {
		t.Errorf("got segments %+v", m.Segments)
	}
	if len(m.Chunks) != 0 {
		t.Errorf("expected no chunks, got %d", len(m.Chunks))
	}

	checkASMError(t, ".free 3", ".free in .reloc mode")
	checkASMError(t, `.segment "a", "b"`+"\n.org 0\n.free 3", ".free with non-unique segment: a, b")
}

func TestAssert(t *testing.T) {
	checkASM(t, ".assert 1 + 1 == 2", "")
	checkASMError(t, ".assert 1 == 2", "Assertion failed")
	checkASMError(t, `.assert 0, "too big"`, "Assertion failed: too big")

	m := mustAssemble(t, "foo:", "  nop", ".assert foo == 3")
	if len(m.Chunks[0].Asserts) != 1 {
		t.Errorf("expected deferred assertion, got %+v", m.Chunks[0].Asserts)
	}
}

func TestConditionalsUseSymbols(t *testing.T) {
	checkASM(t, `
foo = 1
.ifdef foo
	.byte 1
.else
	.byte 2
.endif
.ifndef bar
	.byte 3
.endif
.if foo + 1 == 2
	.byte 4
.endif`, "010304")
}

func TestMacroAssembly(t *testing.T) {
	checkASM(t, `
.macro ldxy v
	ldx #<v
	ldy #>v
.endmacro
	ldxy $1234`, "A234A012")
}

func TestInclude(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "inc.s"), []byte("val = 7\n.byte val\n"), 0600); err != nil {
		t.Fatal(err)
	}
	main := filepath.Join(dir, "main.s")
	if err := os.WriteFile(main, []byte(".byte 1\n.include \"inc.s\"\n.byte val + 1\n"), 0600); err != nil {
		t.Fatal(err)
	}
	m, err := AssembleFiles([]string{main}, io.Discard, 0)
	if err != nil {
		t.Fatal(err)
	}
	checkChunk(t, m.Chunks[0], -1, "010708")

	checkASMError(t, `.include "does-not-exist.s"`, "Could not include")
}

func TestOut(t *testing.T) {
	var out strings.Builder
	if _, err := Assemble(strings.NewReader(`.out "hello"`), "test", &out, 0); err != nil {
		t.Fatal(err)
	}
	if out.String() != "hello\n" {
		t.Errorf("got %q", out.String())
	}
}

func TestAssemblerAPI(t *testing.T) {
	a := NewAssembler(io.Discard, 0)
	a.Org(0x8000)
	if err := a.Label("start"); err != nil {
		t.Fatal(err)
	}
	if err := a.Byte(1, "ab"); err != nil {
		t.Fatal(err)
	}
	if err := a.Word(SymExpr("start"), SymExpr("later")); err != nil {
		t.Fatal(err)
	}
	if err := a.Assign("later", NumExpr(0x1234)); err != nil {
		t.Fatal(err)
	}
	if err := a.Export("start"); err != nil {
		t.Fatal(err)
	}
	if !a.Defined("later") || a.Defined("never") {
		t.Error("Defined returned the wrong answer")
	}
	m, err := a.Module()
	if err != nil {
		t.Fatal(err)
	}
	checkChunk(t, m.Chunks[0], 0x8000, "016162008000FFFF")
	if len(m.Symbols) != 2 || m.Symbols[0].Expr.Num != 0x1234 || m.Symbols[1].Export != "start" {
		t.Errorf("got symbols %+v", m.Symbols)
	}
}

func TestModuleRoundTrip(t *testing.T) {
	m := mustAssemble(t, `.segment "x" : bank 1`, "foo:", "  jmp foo", ".export foo")
	var b strings.Builder
	if _, err := m.WriteTo(&b); err != nil {
		t.Fatal(err)
	}
	var got Module
	if _, err := got.ReadFrom(strings.NewReader(b.String())); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(got.Chunks[0].Data, m.Chunks[0].Data) || got.Symbols[0].Export != "foo" ||
		*got.Segments[0].Bank != 1 || got.Chunks[0].Subs[0].Expr.Meta.Rel != true {
		t.Errorf("round trip lost data: %s", b.String())
	}
}
