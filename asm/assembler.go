package asm

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/crystalis-randomizer/go65/cpu"
)

// Maximum number of nested .include files.
const maxIncludeDepth = 32

// An Assembler turns preprocessed lines into a Module. Values that are
// known when a line is assembled are written immediately; everything
// else becomes a substitution for the linker to resolve.
type Assembler struct {
	instSet *cpu.InstructionSet
	out     io.Writer
	verbose bool
	stream  *TokenStream // source of the lines being assembled, if any

	segments      []string // currently open segments
	segmentData   map[string]*SegmentDef
	segmentOrder  []string
	segmentPrefix string
	segStack      []segState

	symbols    []*symbol // the module's symbol table
	scope      *scope
	cheap      *scope
	anonymous  labelList
	rts        labelList
	relForward map[int]int   // "+" run length -> symbol id
	relReverse map[int]*Expr // "-" run length -> address

	chunks []*Chunk
	chunk  int  // index of the current chunk, or -1
	org    *int // org of the next chunk, nil when relocatable
}

// State saved by .pushseg.
type segState struct {
	segments []string
	chunk    int
	org      *int
}

// A labelList tracks the anonymous labels of one kind. Forward holds
// the symbol ids of pending forward references, indexed by distance
// minus one; reverse holds the addresses of labels already seen.
type labelList struct {
	forward []int
	reverse []*Expr
}

// NewAssembler creates an assembler. Verbose output is written to out.
func NewAssembler(out io.Writer, options Option) *Assembler {
	if out == nil {
		out = os.Stdout
	}
	a := &Assembler{
		instSet:     cpu.GetInstructionSet(),
		out:         out,
		verbose:     (options & Verbose) != 0,
		segments:    []string{"code"},
		segmentData: make(map[string]*SegmentDef),
		scope:       newScope(nil),
		cheap:       newScope(nil),
		relForward:  make(map[int]int),
		relReverse:  make(map[int]*Expr),
		chunk:       -1,
	}
	return a
}

// Process preprocesses and assembles every line of the sources, in
// order, and returns the resulting module.
func (a *Assembler) Process(srcs ...TokenSource) (*Module, error) {
	a.stream = NewTokenStream(srcs...)
	pp := NewPreprocessor(a.stream, a)

	a.logSection("Assembling")
	for {
		line, err := pp.Next()
		if err != nil {
			return nil, err
		}
		if line == nil {
			break
		}
		if err := a.Line(line); err != nil {
			return nil, err
		}
	}
	return a.Module()
}

// Line assembles a single preprocessed line.
func (a *Assembler) Line(l *Line) error {
	a.logLine(l)
	switch l.Kind {
	case LineLabel:
		t := &l.Tokens[0]
		return a.label(t.Str, t.Source)
	case LineAssign:
		return a.assignLine(l.Tokens)
	case LineDirective:
		return a.Directive(l.Tokens)
	case LineMnemonic:
		return a.Instruction(l.Tokens)
	}
	return newError(fmt.Sprintf("Unknown line kind: %s", l.Kind), tokenAt(l.Tokens, 0))
}

//
// chunks
//

// Return the current chunk, starting a new one if necessary.
func (a *Assembler) currentChunk() *Chunk {
	if a.chunk < 0 {
		c := &Chunk{
			Segments:  slices.Clone(a.segments),
			Data:      []byte{},
			Overwrite: OverwriteAllow,
		}
		if a.org != nil {
			c.Org = intp(*a.org)
		}
		a.chunks = append(a.chunks, c)
		a.chunk = len(a.chunks) - 1
	}
	return a.chunks[a.chunk]
}

// Finish the current chunk. In .org mode the next chunk continues at
// the current address.
func (a *Assembler) endChunk() {
	if pc, ok := a.fixedPC(); ok {
		a.org = intp(pc)
	}
	a.chunk = -1
}

// Return the current address if it is fixed.
func (a *Assembler) fixedPC() (int, bool) {
	if a.chunk >= 0 {
		c := a.chunks[a.chunk]
		if c.Org == nil {
			return 0, false
		}
		return *c.Org + len(c.Data), true
	}
	if a.org == nil {
		return 0, false
	}
	return *a.org, true
}

// PC returns the address of the next byte to be assembled: a number if
// the current chunk has a fixed org, or an offset into the chunk.
func (a *Assembler) PC() *Expr {
	return a.pcAt(0)
}

func (a *Assembler) pcAt(delta int) *Expr {
	c := a.currentChunk()
	off := len(c.Data) + delta
	var e *Expr
	if c.Org != nil {
		e = &Expr{Op: OpNum, Num: *c.Org + off, Meta: &Meta{Org: intp(*c.Org), Chunk: intp(a.chunk)}}
	} else {
		e = RelExpr(off, a.chunk)
	}
	if len(c.Segments) == 1 {
		if s := a.segmentData[c.Segments[0]]; s != nil && s.Bank != nil {
			e.Meta.Bank = intp(*s.Bank)
		}
	}
	return e
}

// Append an expression's value to the current chunk, deferring it to
// the linker if it is not yet known.
func (a *Assembler) append(e *Expr, size int, src *Source) error {
	c := a.currentChunk()
	if e.IsAbs() {
		b := make([]byte, size)
		if err := PutNumber(b, size, e.Num); err != nil {
			return errorAt(src, err.Error())
		}
		c.Data = append(c.Data, b...)
		return nil
	}
	c.Subs = append(c.Subs, Sub{Offset: len(c.Data), Size: size, Expr: e})
	c.Data = append(c.Data, bytes.Repeat([]byte{0xff}, size)...)
	return nil
}

//
// symbols
//

// Resolve every named symbol in the expression and fold it.
func (a *Assembler) resolveExpr(e *Expr) (*Expr, error) {
	e, err := MapExpr(e, func(n *Expr) (*Expr, error) {
		if n.Op == OpSym && n.Sym != "" {
			return a.resolve(n.Sym, n.Source)
		}
		return n, nil
	})
	if err != nil {
		return nil, err
	}
	return Evaluate(e), nil
}

// Resolve a single symbol name to its value, or to a symbol table
// reference if the value is not yet known.
func (a *Assembler) resolve(name string, src *Source) (*Expr, error) {
	switch {
	case name == "*":
		return a.PC(), nil
	case len(name) > 1 && name[0] == ':':
		return a.anonymousRef(name, src)
	case isRelativeLabel(name):
		n := len(name)
		if name[0] == '+' {
			id, ok := a.relForward[n]
			if !ok {
				id = a.newSymbol(name, src).id
				a.relForward[n] = id
			}
			return &Expr{Op: OpSym, Num: id, Source: src}, nil
		}
		e := a.relReverse[n]
		if e == nil {
			return nil, errorAt(src, fmt.Sprintf("Bad relative backref: %s", name))
		}
		return e, nil
	}

	sc := a.scope
	if strings.HasPrefix(name, "@") {
		sc = a.cheap
	}
	sym, err := sc.lookup(name)
	if err != nil {
		return nil, errorAt(src, err.Error())
	}
	if sym.expr == nil && sym.ref == nil {
		sym.ref = src
	}
	return a.ref(sym, src), nil
}

// Return the value of a symbol, entering it into the symbol table if the
// value is not a plain expression.
func (a *Assembler) ref(sym *symbol, src *Source) *Expr {
	if sym.expr != nil && sym.expr.Op != OpImport {
		return sym.expr
	}
	a.enter(sym)
	return &Expr{Op: OpSym, Num: sym.id, Source: src}
}

// Enter a symbol into the symbol table if it is not there already.
func (a *Assembler) enter(sym *symbol) {
	if sym.id < 0 {
		sym.id = len(a.symbols)
		a.symbols = append(a.symbols, sym)
	}
}

// Create an anonymous symbol table entry.
func (a *Assembler) newSymbol(name string, src *Source) *symbol {
	sym := newSymbol(name)
	sym.ref = src
	sym.id = len(a.symbols)
	a.symbols = append(a.symbols, sym)
	return sym
}

// Resolve a reference to an anonymous label (":+", ":--", ":-2") or to
// an rts instruction (":rts", ":>>rts", ":<rts").
func (a *Assembler) anonymousRef(name string, src *Source) (*Expr, error) {
	list, forward, n, ok := a.parseAnonymous(name[1:])
	if !ok {
		return nil, errorAt(src, fmt.Sprintf("Bad anonymous label: %s", name))
	}
	if forward {
		for len(list.forward) < n {
			list.forward = append(list.forward, -1)
		}
		id := list.forward[n-1]
		if id < 0 {
			id = a.newSymbol(name, src).id
			list.forward[n-1] = id
		}
		return &Expr{Op: OpSym, Num: id, Source: src}, nil
	}
	i := len(list.reverse) - n
	if i < 0 {
		return nil, errorAt(src, fmt.Sprintf("Bad anonymous backref: %s", name))
	}
	return list.reverse[i], nil
}

// Classify the part of an anonymous label reference after the colon.
func (a *Assembler) parseAnonymous(s string) (list *labelList, forward bool, n int, ok bool) {
	if dirs, found := strings.CutSuffix(s, "rts"); found {
		switch {
		case dirs == "":
			return &a.rts, true, 1, true
		case strings.Trim(dirs, ">") == "":
			return &a.rts, true, len(dirs), true
		case strings.Trim(dirs, "<") == "":
			return &a.rts, false, len(dirs), true
		}
		return nil, false, 0, false
	}
	if s == "" || (s[0] != '+' && s[0] != '-') {
		return nil, false, 0, false
	}
	forward = s[0] == '+'
	if v, err := strconv.Atoi(s[1:]); err == nil && v > 0 {
		return &a.anonymous, forward, v, true
	}
	if strings.Trim(s, s[:1]) != "" {
		return nil, false, 0, false
	}
	return &a.anonymous, forward, len(s), true
}

// Define the next label of the list at the given address.
func (l *labelList) define(a *Assembler, e *Expr) {
	l.reverse = append(l.reverse, e)
	if len(l.forward) > 0 {
		id := l.forward[0]
		l.forward = l.forward[1:]
		if id >= 0 {
			a.symbols[id].expr = e
		}
	}
}

// Label defines a label at the current address.
func (a *Assembler) Label(name string) error {
	return a.label(name, nil)
}

func (a *Assembler) label(name string, src *Source) error {
	e := a.PC()
	switch {
	case name == ":" || name == "":
		a.anonymous.define(a, e)
		return nil
	case isRelativeLabel(name):
		n := len(name)
		if name[0] == '+' {
			if id, ok := a.relForward[n]; ok {
				a.symbols[id].expr = e
				delete(a.relForward, n)
			}
		} else {
			a.relReverse[n] = e
		}
		return nil
	}

	if !strings.HasPrefix(name, "@") {
		if err := a.cheap.flush(); err != nil {
			return err
		}
		if c := a.chunks[a.chunk]; c.Name == "" && len(c.Data) == 0 {
			c.Name = name
		}
	}
	return a.assign(name, false, e, src)
}

// Assign defines an immutable symbol.
func (a *Assembler) Assign(name string, e *Expr) error {
	return a.assignExpr(name, false, e, nil)
}

// Set defines or redefines a mutable symbol. The value must be a
// number.
func (a *Assembler) Set(name string, e *Expr) error {
	return a.assignExpr(name, true, e, nil)
}

func (a *Assembler) assignLine(tokens []Token) error {
	mut := Eq(tokenAt(tokens, 1), &Token{Kind: CS, Str: ".set"})
	if len(tokens) < 3 {
		return newError(fmt.Sprintf("Expected expression after %s", tokens[1].Name()), &tokens[1])
	}
	e, err := ParseOnlyExpr(tokens[2:])
	if err != nil {
		return err
	}
	return a.assignExpr(tokens[0].Str, mut, e, tokens[0].Source)
}

func (a *Assembler) assignExpr(name string, mut bool, e *Expr, src *Source) error {
	if strings.HasPrefix(name, "@") {
		return errorAt(src, fmt.Sprintf("Cheap locals may only be labels: %s", name))
	}
	e, err := a.resolveExpr(e)
	if err != nil {
		return err
	}
	return a.assign(name, mut, e, src)
}

func (a *Assembler) assign(name string, mut bool, e *Expr, src *Source) error {
	sc := a.scope
	if strings.HasPrefix(name, "@") {
		sc = a.cheap
	}
	sym, err := sc.define(name, mut)
	if err != nil {
		return errorAt(src, err.Error())
	}

	switch {
	case sym.mut != mut:
		return errorAt(src, fmt.Sprintf("Cannot change mutability of %s", name))
	case mut && !e.IsNum():
		return errorAt(src, fmt.Sprintf("Mutable set requires constant: %s", name))
	case !mut && sym.expr != nil:
		msg := fmt.Sprintf("Redefining symbol %s", name)
		if sym.def != nil {
			msg += "\nOriginally defined" + at(sym.def)
		}
		return errorAt(src, msg)
	}
	sym.expr = e
	sym.def = src
	return nil
}

// Defined reports whether a symbol with the given name is visible and
// defined.
func (a *Assembler) Defined(name string) bool {
	sc := a.scope
	if strings.HasPrefix(name, "@") {
		sc = a.cheap
	}
	return sc.find(name) != nil
}

// Evaluate substitutes the values of every symbol defined so far and
// folds the expression. Other symbols are left in place.
func (a *Assembler) Evaluate(e *Expr) (*Expr, error) {
	e, err := MapExpr(e, func(n *Expr) (*Expr, error) {
		if n.Op != OpSym || n.Sym == "" {
			return n, nil
		}
		if n.Sym == "*" {
			return a.PC(), nil
		}
		sc := a.scope
		if strings.HasPrefix(n.Sym, "@") {
			sc = a.cheap
		}
		if sym := sc.find(n.Sym); sym != nil && sym.expr.Op != OpImport {
			return sym.expr, nil
		}
		return n, nil
	})
	if err != nil {
		return nil, err
	}
	return Evaluate(e), nil
}

//
// instructions
//

type argMode byte

const (
	argImp  argMode = iota // no operand
	argAcc                 // A
	argImm                 // #expr
	argInd                 // (expr)
	argInx                 // (expr,x)
	argIny                 // (expr),y
	argAdd                 // expr
	argAddX                // expr,x
	argAddY                // expr,y
)

var argModeNames = []string{"imp", "acc", "imm", "ind", "inx", "iny", "add", "a,x", "a,y"}

func (m argMode) String() string {
	return argModeNames[m]
}

// An operand as written, before an addressing mode is chosen.
type operand struct {
	mode argMode
	expr *Expr
}

// Instruction assembles a mnemonic and its operand.
func (a *Assembler) Instruction(tokens []Token) error {
	mnemonic := strings.ToLower(tokens[0].Str)
	if len(a.instSet.GetInstructions(mnemonic)) == 0 {
		return newError(fmt.Sprintf("Unknown mnemonic: %s", tokens[0].Name()), &tokens[0])
	}

	op, err := a.parseOperand(tokens)
	if err != nil {
		return err
	}
	if op.expr != nil {
		if op.expr, err = a.resolveExpr(op.expr); err != nil {
			return err
		}
	}

	inst, err := a.findMatchingInstruction(mnemonic, op)
	if err != nil {
		return newError(err.Error(), &tokens[0])
	}

	if mnemonic == "rts" {
		a.rts.define(a, a.PC())
	}
	return a.emit(inst, op.expr, tokens[0].Source)
}

// Parse the operand of an instruction line.
func (a *Assembler) parseOperand(tokens []Token) (operand, error) {
	if len(tokens) == 1 {
		return operand{mode: argImp}, nil
	}
	front := &tokens[1]
	if len(tokens) == 2 && isRegister(front, "a") {
		return operand{mode: argAcc}, nil
	}
	if Eq(front, &tokImmediate) {
		if len(tokens) == 2 {
			return operand{}, newError("Expected expression after #", front)
		}
		e, err := ParseOnlyExpr(tokens[2:])
		return operand{mode: argImm, expr: e}, err
	}

	// Anonymous and relative label references are not expressions on
	// their own.
	if Eq(front, &tokColon) && len(tokens) == 3 && tokens[2].Kind == OP && isRelativeLabel(tokens[2].Str) {
		return operand{mode: argAdd, expr: &Expr{Op: OpSym, Sym: ":" + tokens[2].Str, Source: front.Source}}, nil
	}
	if len(tokens) == 2 && front.Kind == OP && isRelativeLabel(front.Str) {
		return operand{mode: argAdd, expr: &Expr{Op: OpSym, Sym: front.Str, Source: front.Source}}, nil
	}

	if front.Kind == LP || front.Kind == LB {
		end, err := findBalanced(tokens, 1)
		if err != nil {
			return operand{}, err
		}
		if end < 0 {
			return operand{}, newError(fmt.Sprintf("Unbalanced %s", front.Name()), front)
		}
		if end == len(tokens)-1 || Eq(&tokens[end+1], &tokComma) {
			return a.parseIndirect(tokens, end)
		}
	}

	args, err := parseArgList(tokens[1:])
	if err != nil {
		return operand{}, err
	}
	e, err := ParseOnlyExpr(args[0])
	if err != nil {
		return operand{}, err
	}
	switch {
	case len(args) == 1:
		return operand{mode: argAdd, expr: e}, nil
	case len(args) == 2 && len(args[1]) == 1 && isRegister(&args[1][0], "x"):
		return operand{mode: argAddX, expr: e}, nil
	case len(args) == 2 && len(args[1]) == 1 && isRegister(&args[1][0], "y"):
		return operand{mode: argAddY, expr: e}, nil
	}
	return operand{}, newError(fmt.Sprintf("Bad argument: %s", TokensName(tokens[1:])), front)
}

// Parse an indirect operand whose opening delimiter is tokens[1] and
// closing delimiter is tokens[end].
func (a *Assembler) parseIndirect(tokens []Token, end int) (operand, error) {
	front := &tokens[1]
	bad := newError(fmt.Sprintf("Bad argument: %s", TokensName(tokens[1:])), front)

	args, err := parseArgList(tokens[2:end])
	if err != nil {
		return operand{}, err
	}
	if len(args[0]) == 0 {
		return operand{}, bad
	}
	e, err := ParseOnlyExpr(args[0])
	if err != nil {
		return operand{}, err
	}

	rest := tokens[end+1:]
	switch {
	case len(args) == 1 && len(rest) == 0:
		return operand{mode: argInd, expr: e}, nil
	case len(args) == 1 && len(rest) == 2 && Eq(&rest[0], &tokComma) && isRegister(&rest[1], "y"):
		return operand{mode: argIny, expr: e}, nil
	case len(args) == 2 && len(rest) == 0 && len(args[1]) == 1 && isRegister(&args[1][0], "x"):
		return operand{mode: argInx, expr: e}, nil
	}
	return operand{}, bad
}

// Given a mnemonic and its operand, select the matching instruction.
// Zero-page modes are preferred when the operand is known to fit in a
// byte.
func (a *Assembler) findMatchingInstruction(mnemonic string, op operand) (*cpu.Instruction, error) {
	small := op.expr != nil && op.expr.Size() == 1

	var candidates []cpu.Mode
	switch op.mode {
	case argImp:
		candidates = []cpu.Mode{cpu.IMP, cpu.ACC}
	case argAcc:
		candidates = []cpu.Mode{cpu.ACC}
	case argImm:
		candidates = []cpu.Mode{cpu.IMM}
	case argInd:
		candidates = []cpu.Mode{cpu.IND}
	case argInx:
		candidates = []cpu.Mode{cpu.IDX}
	case argIny:
		candidates = []cpu.Mode{cpu.IDY}
	case argAdd:
		candidates = []cpu.Mode{cpu.ABS, cpu.REL}
		if small {
			candidates = []cpu.Mode{cpu.ZPG, cpu.ABS, cpu.REL}
		}
	case argAddX:
		candidates = []cpu.Mode{cpu.ABX}
		if small {
			candidates = []cpu.Mode{cpu.ZPX, cpu.ABX}
		}
	case argAddY:
		candidates = []cpu.Mode{cpu.ABY}
		if small {
			candidates = []cpu.Mode{cpu.ZPY, cpu.ABY}
		}
	}

	for _, m := range candidates {
		if inst := a.instSet.Find(mnemonic, m); inst != nil {
			return inst, nil
		}
	}

	var modes []string
	for _, m := range a.instSet.Modes(mnemonic) {
		modes = append(modes, m.String())
	}
	return nil, fmt.Errorf("Bad address mode %s for %s (expected %s)",
		op.mode, strings.ToUpper(mnemonic), strings.Join(modes, ", "))
}

// Emit an instruction into the current chunk. Branch operands are
// converted to displacements from the following instruction.
func (a *Assembler) emit(inst *cpu.Instruction, e *Expr, src *Source) error {
	n := inst.Mode.OperandLength()
	if inst.Mode == cpu.REL {
		next := a.pcAt(1 + n)
		rel := Evaluate(&Expr{Op: "-", Args: []*Expr{e, next}, Source: e.Source})
		c := a.currentChunk()
		start := len(c.Data)
		c.Data = append(c.Data, inst.Opcode)
		if rel.IsAbs() {
			var b [1]byte
			if err := putBranch(b[:], rel.Num); err != nil {
				return errorAt(src, err.Error())
			}
			c.Data = append(c.Data, b[0])
		} else {
			c.Subs = append(c.Subs, Sub{Offset: len(c.Data), Size: 1, Expr: rel, Branch: true})
			c.Data = append(c.Data, 0xff)
		}
		if c.Org != nil {
			a.logBytes(*c.Org+start, c.Data[start:])
		}
		return nil
	}

	c := a.currentChunk()
	start := len(c.Data)
	c.Data = append(c.Data, inst.Opcode)
	if n > 0 {
		if err := a.append(e, n, src); err != nil {
			return err
		}
	}
	if c.Org != nil {
		a.logBytes(*c.Org+start, c.Data[start:])
	}
	return nil
}

//
// module
//

// Module finishes the assembly and returns the module. Every symbol
// that was referenced must have been defined or imported.
func (a *Assembler) Module() (*Module, error) {
	if err := a.cheap.flush(); err != nil {
		return nil, err
	}
	if a.scope.parent != nil {
		return nil, errorAt(nil, "Missing .endscope")
	}
	if len(a.segStack) > 0 {
		return nil, errorAt(nil, "Missing .popseg")
	}

	m := &Module{
		Chunks:   a.chunks,
		Symbols:  []*Symbol{},
		Segments: []*SegmentDef{},
	}
	if m.Chunks == nil {
		m.Chunks = []*Chunk{}
	}
	for _, sym := range a.symbols {
		if sym.expr == nil {
			return nil, errorAt(sym.ref, fmt.Sprintf("Undefined symbol: %s", sym.name))
		}
		m.Symbols = append(m.Symbols, &Symbol{Export: sym.export, Expr: sym.expr})
	}
	for _, name := range a.segmentOrder {
		m.Segments = append(m.Segments, a.segmentData[name])
	}

	if a.verbose {
		a.logSection("Chunks")
		for i, c := range m.Chunks {
			org := 0
			if c.Org != nil {
				org = *c.Org
			}
			a.log("chunk %d %q segments=%s subs=%d", i, c.Name, strings.Join(c.Segments, ","), len(c.Subs))
			a.logBytes(org, c.Data)
		}
	}
	return m, nil
}
