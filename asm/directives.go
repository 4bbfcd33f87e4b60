package asm

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

type directiveData struct {
	fn    func(a *Assembler, tokens []Token, param int) error
	param int
}

var directives = map[string]directiveData{
	".org":           {fn: (*Assembler).parseOrg},
	".reloc":         {fn: (*Assembler).parseReloc},
	".byte":          {fn: (*Assembler).parseData, param: 1},
	".word":          {fn: (*Assembler).parseData, param: 2},
	".res":           {fn: (*Assembler).parseRes},
	".assert":        {fn: (*Assembler).parseAssert},
	".bank":          {fn: (*Assembler).parseBank},
	".segment":       {fn: (*Assembler).parseSegment},
	".pushseg":       {fn: (*Assembler).parsePushSeg},
	".popseg":        {fn: (*Assembler).parsePopSeg},
	".segmentprefix": {fn: (*Assembler).parseSegmentPrefix},
	".free":          {fn: (*Assembler).parseFree},
	".scope":         {fn: (*Assembler).parseScope},
	".endscope":      {fn: (*Assembler).parseEndScope},
	".proc":          {fn: (*Assembler).parseProc},
	".endproc":       {fn: (*Assembler).parseEndScope},
	".import":        {fn: (*Assembler).parseImport},
	".export":        {fn: (*Assembler).parseExport},
	".include":       {fn: (*Assembler).parseInclude},
	".out":           {fn: (*Assembler).parseOut},
}

// Directive assembles a line starting with a control sequence.
func (a *Assembler) Directive(tokens []Token) error {
	d, ok := directives[tokens[0].Str]
	if !ok {
		return newError(fmt.Sprintf("Unknown directive: %s", tokens[0].Name()), &tokens[0])
	}
	return d.fn(a, tokens, d.param)
}

// Parse the single constant argument of a directive.
func (a *Assembler) parseConst(directive *Token, tokens []Token) (int, error) {
	if len(tokens) == 0 {
		return 0, newError(fmt.Sprintf("Expected expression after %s", directive.Name()), directive)
	}
	e, err := ParseOnlyExpr(tokens)
	if err != nil {
		return 0, err
	}
	e, err = a.resolveExpr(e)
	if err != nil {
		return 0, err
	}
	if !e.IsAbs() {
		return 0, newError(fmt.Sprintf("Expected a constant: %s", e), &tokens[0])
	}
	return e.Num, nil
}

// Parse a directive whose only argument is a string.
func parseString(tokens []Token) (string, error) {
	if len(tokens) != 2 || tokens[1].Kind != STR {
		return "", newError(fmt.Sprintf("Expected string after %s", tokens[0].Name()), &tokens[0])
	}
	return tokens[1].Str, nil
}

// Reject any arguments to a directive that takes none.
func noArgs(tokens []Token) error {
	if len(tokens) > 1 {
		return newError(fmt.Sprintf("Unexpected argument to %s: %s", tokens[0].Name(), tokens[1].Name()), &tokens[1])
	}
	return nil
}

//
// addresses
//

func (a *Assembler) parseOrg(tokens []Token, _ int) error {
	addr, err := a.parseConst(&tokens[0], tokens[1:])
	if err != nil {
		return err
	}
	a.Org(addr)
	return nil
}

// Org sets the address of subsequent code. Code continues in the current
// chunk if the address is exactly where it left off.
func (a *Assembler) Org(addr int) {
	if a.chunk >= 0 {
		c := a.chunks[a.chunk]
		if c.Org != nil && *c.Org+len(c.Data) == addr {
			return
		}
	}
	a.org = intp(addr)
	a.chunk = -1
}

func (a *Assembler) parseReloc(tokens []Token, _ int) error {
	if err := noArgs(tokens); err != nil {
		return err
	}
	a.Reloc()
	return nil
}

// Reloc makes subsequent code relocatable.
func (a *Assembler) Reloc() {
	a.org = nil
	a.chunk = -1
}

func (a *Assembler) parseFree(tokens []Token, _ int) error {
	size, err := a.parseConst(&tokens[0], tokens[1:])
	if err != nil {
		return err
	}
	if err := a.Free(size); err != nil {
		return errorAt(tokens[0].Source, err.Error())
	}
	return nil
}

// Free marks size bytes at the current address as available to the
// linker and skips over them.
func (a *Assembler) Free(size int) error {
	if len(a.segments) != 1 {
		return fmt.Errorf(".free with non-unique segment: %s", strings.Join(a.segments, ", "))
	}
	pc, ok := a.fixedPC()
	if !ok {
		return fmt.Errorf(".free in .reloc mode")
	}
	if size < 0 {
		return fmt.Errorf("Negative .free size: %d", size)
	}
	a.addSegment(&SegmentDef{Name: a.segments[0], Free: [][2]int{{pc, pc + size}}})
	a.org = intp(pc + size)
	a.chunk = -1
	return nil
}

//
// data
//

func (a *Assembler) parseData(tokens []Token, size int) error {
	args, err := parseArgList(tokens[1:])
	if err != nil {
		return err
	}
	for _, arg := range args {
		if len(arg) == 0 {
			return newError(fmt.Sprintf("Expected expression after %s", tokens[0].Name()), &tokens[0])
		}
		if len(arg) == 1 && arg[0].Kind == STR {
			if size != 1 {
				return newError(fmt.Sprintf("Strings not allowed in %s", tokens[0].Name()), &arg[0])
			}
			c := a.currentChunk()
			c.Data = append(c.Data, arg[0].Str...)
			continue
		}
		e, err := ParseOnlyExpr(arg)
		if err != nil {
			return err
		}
		e, err = a.resolveExpr(e)
		if err != nil {
			return err
		}
		if err := a.append(e, size, arg[0].Source); err != nil {
			return err
		}
	}
	return nil
}

// Byte appends bytes to the current chunk. Each value is an int, a
// string or an *Expr.
func (a *Assembler) Byte(values ...any) error {
	return a.data(1, values)
}

// Word appends little-endian words to the current chunk. Each value is
// an int or an *Expr.
func (a *Assembler) Word(values ...any) error {
	return a.data(2, values)
}

func (a *Assembler) data(size int, values []any) error {
	for _, v := range values {
		var e *Expr
		switch v := v.(type) {
		case int:
			e = NumExpr(v)
		case string:
			if size != 1 {
				return fmt.Errorf("Strings not allowed in words: %q", v)
			}
			c := a.currentChunk()
			c.Data = append(c.Data, v...)
			continue
		case *Expr:
			var err error
			if e, err = a.resolveExpr(v); err != nil {
				return err
			}
		default:
			return fmt.Errorf("Bad data value: %v", v)
		}
		if err := a.append(e, size, e.Source); err != nil {
			return err
		}
	}
	return nil
}

func (a *Assembler) parseRes(tokens []Token, _ int) error {
	args, err := parseArgList(tokens[1:])
	if err != nil {
		return err
	}
	if len(args) > 2 {
		return newError(fmt.Sprintf("Too many arguments to %s", tokens[0].Name()), &tokens[0])
	}
	count, err := a.parseConst(&tokens[0], args[0])
	if err != nil {
		return err
	}
	fill := 0
	if len(args) == 2 {
		if fill, err = a.parseConst(&tokens[0], args[1]); err != nil {
			return err
		}
	}
	if err := a.Res(count, fill); err != nil {
		return errorAt(tokens[0].Source, err.Error())
	}
	return nil
}

// Res reserves count bytes holding the fill value.
func (a *Assembler) Res(count, fill int) error {
	if count < 0 {
		return fmt.Errorf("Negative .res count: %d", count)
	}
	b := make([]byte, 1)
	if err := PutNumber(b, 1, fill); err != nil {
		return err
	}
	c := a.currentChunk()
	for range count {
		c.Data = append(c.Data, b[0])
	}
	return nil
}

func (a *Assembler) parseAssert(tokens []Token, _ int) error {
	args, err := parseArgList(tokens[1:])
	if err != nil {
		return err
	}
	if len(args[0]) == 0 || len(args) > 2 {
		return newError(fmt.Sprintf("Bad arguments to %s", tokens[0].Name()), &tokens[0])
	}
	e, err := ParseOnlyExpr(args[0])
	if err != nil {
		return err
	}
	e.Source = tokens[0].Source
	msg := ""
	if len(args) == 2 {
		if len(args[1]) != 1 || args[1][0].Kind != STR {
			return newError(fmt.Sprintf("Expected string: %s", TokensName(args[1])), tokenAt(args[1], 0))
		}
		msg = args[1][0].Str
	}
	return a.assert(e, msg, tokens[0].Source)
}

// Assert checks that the expression is nonzero. If its value is not yet
// known, the check is left to the linker.
func (a *Assembler) Assert(e *Expr) error {
	return a.assert(e, "", e.Source)
}

func (a *Assembler) assert(e *Expr, msg string, src *Source) error {
	e, err := a.resolveExpr(e)
	if err != nil {
		return err
	}
	if e.IsAbs() {
		if e.Num == 0 {
			text := "Assertion failed"
			if msg != "" {
				text += ": " + msg
			}
			return errorAt(src, text)
		}
		return nil
	}
	c := a.currentChunk()
	c.Asserts = append(c.Asserts, e)
	return nil
}

func (a *Assembler) parseOut(tokens []Token, _ int) error {
	s, err := parseString(tokens)
	if err != nil {
		return err
	}
	fmt.Fprintln(a.out, s)
	return nil
}

func (a *Assembler) parseInclude(tokens []Token, _ int) error {
	name, err := parseString(tokens)
	if err != nil {
		return err
	}
	if a.stream == nil {
		return newError(".include requires a source stream", &tokens[0])
	}
	if len(a.stream.frames) > maxIncludeDepth {
		return &Error{Msg: ".include nested too deeply", Source: tokens[0].Source, Err: ErrStackOverflow}
	}

	path := name
	if src := tokens[0].Source; !filepath.IsAbs(path) && src != nil && src.File != "" {
		path = filepath.Join(filepath.Dir(src.File), name)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return newError(fmt.Sprintf("Could not include %q: %v", name, err), &tokens[0])
	}
	a.stream.Push(NewTokenizer(string(b), path))
	return nil
}

//
// segments
//

func (a *Assembler) parseSegment(tokens []Token, _ int) error {
	names, err := a.parseSegmentList(tokens)
	if err != nil {
		return err
	}
	a.Segment(names...)
	return nil
}

// Parse a list of segment names with optional attributes:
//
//	.segment "a", "b" : bank 3 : size $2000
func (a *Assembler) parseSegmentList(tokens []Token) ([]string, error) {
	if len(tokens) < 2 {
		return nil, newError(fmt.Sprintf("Expected segment name after %s", tokens[0].Name()), &tokens[0])
	}
	args, err := parseArgList(tokens[1:])
	if err != nil {
		return nil, err
	}

	var names []string
	for _, arg := range args {
		if len(arg) == 0 || arg[0].Kind != STR {
			return nil, newError(fmt.Sprintf("Expected string: %s", TokensName(arg)), tokenAt(arg, 0))
		}
		name := a.segmentPrefix + arg[0].Str
		names = append(names, name)
		if len(arg) == 1 {
			a.addSegment(&SegmentDef{Name: name})
			continue
		}
		if !Eq(&arg[1], &tokColon) {
			return nil, newError(fmt.Sprintf("Expected comma or colon: %s", arg[1].Name()), &arg[1])
		}
		def, err := a.parseSegmentAttrs(name, arg[2:])
		if err != nil {
			return nil, err
		}
		a.addSegment(def)
	}
	return names, nil
}

// Parse colon-separated segment attributes.
func (a *Assembler) parseSegmentAttrs(name string, tokens []Token) (*SegmentDef, error) {
	def := &SegmentDef{Name: name}
	for len(tokens) > 0 {
		end := slices.IndexFunc(tokens, func(t Token) bool { return Eq(&t, &tokColon) })
		if end < 0 {
			end = len(tokens)
		}
		attr := tokens[:end]
		if end < len(tokens) {
			end++
		}
		tokens = tokens[end:]

		if len(attr) == 0 || attr[0].Kind != IDENT {
			return nil, newError(fmt.Sprintf("Expected segment attr: %s", TokensName(attr)), tokenAt(attr, 0))
		}
		v, err := a.parseConst(&attr[0], attr[1:])
		if err != nil {
			return nil, err
		}
		switch strings.ToLower(attr[0].Str) {
		case "bank":
			def.Bank = intp(v)
		case "size":
			def.Size = intp(v)
		case "off":
			def.Offset = intp(v)
		case "mem":
			def.Memory = intp(v)
		default:
			return nil, newError(fmt.Sprintf("Unknown segment attr: %s", attr[0].Str), &attr[0])
		}
	}
	return def, nil
}

// Record a segment definition, merging it with any earlier one.
func (a *Assembler) addSegment(def *SegmentDef) {
	if s, ok := a.segmentData[def.Name]; ok {
		s.Merge(def)
		return
	}
	a.segmentData[def.Name] = def
	a.segmentOrder = append(a.segmentOrder, def.Name)
}

// DefineSegment records attributes of a segment without switching to
// it.
func (a *Assembler) DefineSegment(def *SegmentDef) {
	c := *def
	c.Free = slices.Clone(def.Free)
	a.addSegment(&c)
}

// Segment switches subsequent code to a new chunk that may be placed in
// any of the named segments.
func (a *Assembler) Segment(names ...string) {
	a.endChunk()
	a.segments = names
}

func (a *Assembler) parsePushSeg(tokens []Token, _ int) error {
	var names []string
	if len(tokens) > 1 {
		var err error
		if names, err = a.parseSegmentList(tokens); err != nil {
			return err
		}
	}
	a.PushSeg(names...)
	return nil
}

// PushSeg saves the current segments and position, then switches to the
// named segments if any are given.
func (a *Assembler) PushSeg(names ...string) {
	a.segStack = append(a.segStack, segState{segments: a.segments, chunk: a.chunk, org: a.org})
	if len(names) > 0 {
		a.Segment(names...)
	}
}

func (a *Assembler) parsePopSeg(tokens []Token, _ int) error {
	if err := noArgs(tokens); err != nil {
		return err
	}
	if err := a.PopSeg(); err != nil {
		return errorAt(tokens[0].Source, err.Error())
	}
	return nil
}

// PopSeg restores the segments and position saved by PushSeg.
func (a *Assembler) PopSeg() error {
	if len(a.segStack) == 0 {
		return fmt.Errorf(".popseg without .pushseg")
	}
	s := a.segStack[len(a.segStack)-1]
	a.segStack = a.segStack[:len(a.segStack)-1]
	a.segments, a.chunk, a.org = s.segments, s.chunk, s.org
	return nil
}

func (a *Assembler) parseSegmentPrefix(tokens []Token, _ int) error {
	prefix, err := parseString(tokens)
	if err != nil {
		return err
	}
	a.segmentPrefix = prefix
	return nil
}

func (a *Assembler) parseBank(tokens []Token, _ int) error {
	bank, err := a.parseConst(&tokens[0], tokens[1:])
	if err != nil {
		return err
	}
	for _, name := range a.segments {
		a.addSegment(&SegmentDef{Name: name, Bank: intp(bank)})
	}
	return nil
}

//
// scopes
//

func (a *Assembler) parseScope(tokens []Token, _ int) error {
	name := ""
	switch {
	case len(tokens) == 2 && tokens[1].Kind == IDENT:
		name = tokens[1].Str
	case len(tokens) > 1:
		return newError(fmt.Sprintf("Expected identifier: %s", tokens[1].Name()), &tokens[1])
	}
	return a.Scope(name)
}

// Scope opens a nested scope. An unnamed scope cannot be referenced
// from outside.
func (a *Assembler) Scope(name string) error {
	child := newScope(a.scope)
	if name != "" {
		if _, ok := a.scope.children[name]; ok {
			return fmt.Errorf("Cannot reopen scope %s", name)
		}
		a.scope.children[name] = child
	}
	a.scope = child
	return nil
}

func (a *Assembler) parseEndScope(tokens []Token, _ int) error {
	if err := noArgs(tokens); err != nil {
		return err
	}
	if a.scope.parent == nil {
		return errorAt(tokens[0].Source, fmt.Sprintf("%s without %s", tokens[0].Str, opener(tokens[0].Str)))
	}
	return a.EndScope()
}

func opener(closer string) string {
	if closer == ".endproc" {
		return ".proc"
	}
	return ".scope"
}

// EndScope closes the current scope. Symbols referenced but not defined
// inside it are shared with the enclosing scope, so a later definition
// there satisfies them.
func (a *Assembler) EndScope() error {
	child := a.scope
	parent := child.parent
	if parent == nil {
		return fmt.Errorf(".endscope without .scope")
	}
	if err := a.cheap.flush(); err != nil {
		return err
	}

	for _, name := range child.undefined() {
		sym := child.symbols[name]
		if outer, ok := parent.symbols[name]; ok && outer != sym {
			sym.expr = a.ref(outer, sym.ref)
			continue
		}
		parent.symbols[name] = sym
	}
	child.closed = true
	a.scope = parent
	return nil
}

func (a *Assembler) parseProc(tokens []Token, _ int) error {
	if len(tokens) != 2 || tokens[1].Kind != IDENT {
		return newError(fmt.Sprintf("Expected identifier after %s", tokens[0].Name()), &tokens[0])
	}
	if err := a.label(tokens[1].Str, tokens[1].Source); err != nil {
		return err
	}
	if err := a.Scope(tokens[1].Str); err != nil {
		return errorAt(tokens[1].Source, err.Error())
	}
	return nil
}

//
// linkage
//

func (a *Assembler) parseImport(tokens []Token, _ int) error {
	names, err := identsFromCList(tokens[1:])
	if err != nil {
		return err
	}
	for _, name := range names {
		if err := a.Import(name); err != nil {
			return errorAt(tokens[0].Source, err.Error())
		}
	}
	return nil
}

// Import declares a symbol defined by another module.
func (a *Assembler) Import(name string) error {
	sym, err := a.scope.define(name, false)
	if err != nil {
		return err
	}
	switch {
	case sym.expr == nil:
		sym.expr = ImportExpr(name)
	case sym.expr.Op != OpImport:
		return fmt.Errorf("Cannot import defined symbol: %s", name)
	}
	return nil
}

func (a *Assembler) parseExport(tokens []Token, _ int) error {
	names, err := identsFromCList(tokens[1:])
	if err != nil {
		return err
	}
	for _, name := range names {
		if err := a.export(name, tokens[0].Source); err != nil {
			return errorAt(tokens[0].Source, err.Error())
		}
	}
	return nil
}

// Export makes a symbol visible to other modules under its name.
func (a *Assembler) Export(name string) error {
	return a.export(name, nil)
}

func (a *Assembler) export(name string, src *Source) error {
	if strings.HasPrefix(name, "@") {
		return fmt.Errorf("Cannot export cheap local: %s", name)
	}
	sym, err := a.scope.lookup(name)
	if err != nil {
		return err
	}
	if sym.ref == nil {
		sym.ref = src
	}
	a.enter(sym)
	tail := name[strings.LastIndex(name, ":")+1:]
	sym.export = tail
	return nil
}
