// Package link combines assembled modules into a patch. Fixed chunks
// are placed at their org, relocatable chunks are placed in the free
// space of their segments, and every deferred substitution and
// assertion is resolved once all addresses are known.
package link

import (
	"fmt"
	"io"
	"os"
	"slices"
	"strings"

	"github.com/crystalis-randomizer/go65/asm"
)

// Option type used by the linker.
type Option uint

// Options for the linker.
const (
	Verbose Option = 1 << iota // verbose output during linking
)

// Default layout of a segment that declares none: the whole 64K address
// space mapped to the start of the image.
const defaultSegmentSize = 0x10000

// Segment of chunks that name none.
const defaultSegment = "code"

// An Export describes the final value of an exported symbol.
type Export struct {
	Value  int  // resolved value
	Offset *int // image offset of the value, if it is an address
	Bank   *int // bank of the value, if it is an address
}

// A Linker places the chunks of one or more modules and resolves their
// references to produce a patch. A Linker is single use.
type Linker struct {
	out     io.Writer
	verbose bool

	chunks      []*chunk
	symbols     []*asm.Symbol
	resolved    []bool // symbols whose expressions have been substituted
	rawSegments map[string]*asm.SegmentDef
	segOrder    []string
	segments    map[string]*segment
	exports     map[string]int

	img    image
	free   freeList
	linked bool
}

type segment struct {
	name   string
	bank   *int
	size   int
	offset int
	memory int
}

// Difference between a segment's image offsets and its addresses.
func (s *segment) delta() int {
	return s.offset - s.memory
}

func (s *segment) String() string {
	return s.name
}

type chunk struct {
	index     int
	name      string
	segments  []string
	data      []byte
	subs      []asm.Sub
	asserts   []*asm.Expr
	overwrite string

	org     *int
	seg     *segment
	offset  int
	placed  bool
	deduped bool // points at matching bytes already in the image
}

func (c *chunk) String() string {
	if c.name != "" {
		return c.name
	}
	return fmt.Sprintf("chunk %d", c.index)
}

// New creates a linker. Verbose output is written to out.
func New(out io.Writer, options Option) *Linker {
	if out == nil {
		out = os.Stdout
	}
	return &Linker{
		out:         out,
		verbose:     (options & Verbose) != 0,
		rawSegments: make(map[string]*asm.SegmentDef),
		segments:    make(map[string]*segment),
		exports:     make(map[string]int),
	}
}

// Link links the modules with no base image.
func Link(modules ...*asm.Module) (*Patch, error) {
	l := New(io.Discard, 0)
	for _, m := range modules {
		l.Read(m)
	}
	return l.Link()
}

// Read adds a module to the link. Chunk and symbol indices in the
// module are renumbered to follow those of earlier modules.
func (l *Linker) Read(m *asm.Module) {
	dc, ds := len(l.chunks), len(l.symbols)
	for _, s := range m.Segments {
		l.addSegment(s)
	}
	for _, c := range m.Chunks {
		lc := &chunk{
			index:     len(l.chunks),
			name:      c.Name,
			segments:  slices.Clone(c.Segments),
			data:      slices.Clone(c.Data),
			overwrite: c.Overwrite,
		}
		if len(lc.segments) == 0 {
			lc.segments = []string{defaultSegment}
		}
		if c.Org != nil {
			lc.org = intp(*c.Org)
		}
		for _, sub := range c.Subs {
			lc.subs = append(lc.subs, asm.Sub{Offset: sub.Offset, Size: sub.Size, Expr: translate(sub.Expr, dc, ds), Branch: sub.Branch})
		}
		for _, a := range c.Asserts {
			lc.asserts = append(lc.asserts, translate(a, dc, ds))
		}
		l.chunks = append(l.chunks, lc)
	}
	for _, s := range m.Symbols {
		sym := &asm.Symbol{Export: s.Export}
		if s.Expr != nil {
			sym.Expr = translate(s.Expr, dc, ds)
		}
		l.symbols = append(l.symbols, sym)
	}
}

// Base sets the image being patched. The first byte of data is at image
// offset offset. Relocatable chunks whose bytes already appear in the
// image are not written again.
func (l *Linker) Base(data []byte, offset int) {
	l.img.set(offset, data)
}

// Copy an expression, renumbering its chunk and symbol references.
func translate(e *asm.Expr, dc, ds int) *asm.Expr {
	c := *e
	if e.Meta != nil {
		m := *e.Meta
		if m.Chunk != nil {
			m.Chunk = intp(*m.Chunk + dc)
		}
		c.Meta = &m
	}
	if c.Op == asm.OpSym && c.Sym == "" {
		c.Num += ds
	}
	if len(e.Args) > 0 {
		c.Args = make([]*asm.Expr, len(e.Args))
		for i, a := range e.Args {
			c.Args[i] = translate(a, dc, ds)
		}
	}
	return &c
}

func (l *Linker) addSegment(s *asm.SegmentDef) {
	if prev, ok := l.rawSegments[s.Name]; ok {
		prev.Merge(s)
		return
	}
	c := *s
	c.Free = slices.Clone(s.Free)
	l.rawSegments[s.Name] = &c
	l.segOrder = append(l.segOrder, s.Name)
}

// Link places every chunk, resolves every substitution and assertion,
// and returns the resulting patch.
func (l *Linker) Link() (*Patch, error) {
	if l.linked {
		return nil, fmt.Errorf("Linker already used")
	}
	l.linked = true

	steps := []func(l *Linker) error{
		(*Linker).resolveSegments,      // Compute segment layout and free space
		(*Linker).placeFixed,           // Place chunks with an org
		(*Linker).resolveSymbols,       // Substitute symbols and imports
		(*Linker).placeRelocatable,     // Place the remaining chunks
		(*Linker).resolveSubstitutions, // Write every deferred value
		(*Linker).checkAsserts,         // Check deferred assertions
		(*Linker).checkOverlaps,        // Enforce overwrite modes
	}
	for _, step := range steps {
		if err := step(l); err != nil {
			return nil, err
		}
	}

	l.logSection("Patch")
	p := &Patch{}
	for _, c := range l.chunks {
		if c.deduped {
			continue
		}
		p.Add(c.offset, c.data)
		l.logBytes(c.offset, c.data)
	}
	return p, nil
}

// Compute the layout of every segment and collect the free space.
func (l *Linker) resolveSegments() error {
	l.logSection("Segments")
	for _, name := range l.segOrder {
		def := l.rawSegments[name]
		l.segments[name] = newSegment(def)
	}
	for _, c := range l.chunks {
		for _, name := range c.segments {
			if _, ok := l.segments[name]; !ok {
				l.addSegment(&asm.SegmentDef{Name: name})
				l.segments[name] = newSegment(l.rawSegments[name])
			}
		}
	}
	for _, name := range l.segOrder {
		s := l.segments[name]
		for _, r := range l.rawSegments[name].Free {
			l.free.add(r[0]+s.delta(), r[1]+s.delta())
		}
		l.log("%-12s mem=$%04X off=$%05X size=$%X", name, s.memory, s.offset, s.size)
	}
	l.log("%d bytes free", l.free.total())
	return nil
}

func newSegment(def *asm.SegmentDef) *segment {
	s := &segment{name: def.Name, size: defaultSegmentSize}
	if def.Bank != nil {
		s.bank = intp(*def.Bank)
	}
	if def.Size != nil {
		s.size = *def.Size
	}
	if def.Offset != nil {
		s.offset = *def.Offset
	}
	if def.Memory != nil {
		s.memory = *def.Memory
	}
	return s
}

// Place every chunk with a fixed org in the segment containing it.
func (l *Linker) placeFixed() error {
	l.logSection("Placing fixed chunks")
	for _, c := range l.chunks {
		if c.org == nil {
			continue
		}
		var eligible []*segment
		for _, name := range c.segments {
			s := l.segments[name]
			if *c.org >= s.memory && *c.org < s.memory+s.size {
				eligible = append(eligible, s)
			}
		}
		switch len(eligible) {
		case 0:
			return fmt.Errorf("Chunk %s at $%X does not fit in segment %s", c, *c.org, strings.Join(c.segments, ", "))
		case 1:
		default:
			return fmt.Errorf("Non-unique segment for %s at $%X: %v", c, *c.org, eligible)
		}
		s := eligible[0]
		if *c.org+len(c.data) > s.memory+s.size {
			return fmt.Errorf("Chunk %s at $%X overflows segment %s", c, *c.org, s.name)
		}
		l.place(c, *c.org, s)
	}
	return nil
}

// Record a chunk's placement and write its known bytes into the image.
func (l *Linker) place(c *chunk, org int, s *segment) {
	c.org = intp(org)
	c.seg = s
	c.offset = org + s.delta()
	c.placed = true
	l.free.remove(c.offset, c.offset+len(c.data))
	l.img.set(c.offset, c.data)
	for _, sub := range c.subs {
		l.img.forget(c.offset+sub.Offset, sub.Size)
	}
	l.log("%-20s $%04X  off=$%05X  %d bytes", c, org, c.offset, len(c.data))
}

// Replace every symbol and import reference with the referenced
// symbol's expression.
func (l *Linker) resolveSymbols() error {
	l.resolved = make([]bool, len(l.symbols))
	for i, s := range l.symbols {
		if s.Export == "" {
			continue
		}
		if _, ok := l.exports[s.Export]; ok {
			return fmt.Errorf("Duplicate export: %s", s.Export)
		}
		l.exports[s.Export] = i
	}

	var err error
	for _, id := range l.exports {
		if _, err = l.substitute(asm.SymIndexExpr(id), nil); err != nil {
			return err
		}
	}
	for _, c := range l.chunks {
		for i := range c.subs {
			if c.subs[i].Expr, err = l.substitute(c.subs[i].Expr, nil); err != nil {
				return err
			}
		}
		for i := range c.asserts {
			if c.asserts[i], err = l.substitute(c.asserts[i], nil); err != nil {
				return err
			}
		}
	}
	return nil
}

// Substitute symbol references in e. The stack holds the symbols being
// substituted, to detect circular definitions.
func (l *Linker) substitute(e *asm.Expr, stack []int) (*asm.Expr, error) {
	return asm.MapExpr(e, func(n *asm.Expr) (*asm.Expr, error) {
		var id int
		switch n.Op {
		case asm.OpImport:
			i, ok := l.exports[n.Sym]
			if !ok {
				return nil, &asm.Error{Msg: fmt.Sprintf("Symbol never exported: %s", n.Sym), Source: n.Source}
			}
			id = i
		case asm.OpSym:
			if n.Sym != "" {
				return nil, &asm.Error{Msg: fmt.Sprintf("Unresolved symbol name: %s", n.Sym), Source: n.Source}
			}
			id = n.Num
		default:
			return n, nil
		}

		if id < 0 || id >= len(l.symbols) {
			return nil, &asm.Error{Msg: fmt.Sprintf("Bad symbol index: %d", id), Source: n.Source}
		}
		sym := l.symbols[id]
		if l.resolved[id] {
			return sym.Expr, nil
		}
		if slices.Contains(stack, id) {
			return nil, &asm.Error{Msg: fmt.Sprintf("Circular symbol definition: %s", l.symbolName(id)), Source: n.Source}
		}
		if sym.Expr == nil {
			return nil, &asm.Error{Msg: fmt.Sprintf("Symbol never defined: %s", l.symbolName(id)), Source: n.Source}
		}
		r, err := l.substitute(sym.Expr, append(stack, id))
		if err != nil {
			return nil, err
		}
		sym.Expr = asm.Evaluate(r)
		l.resolved[id] = true
		return sym.Expr, nil
	})
}

func (l *Linker) symbolName(id int) string {
	if name := l.symbols[id].Export; name != "" {
		return name
	}
	return fmt.Sprintf("#%d", id)
}

// Place relocatable chunks, in order, in the first free space of the
// first of their segments with room. A chunk whose value is fully known
// and already present in its segment is pointed at the existing bytes.
func (l *Linker) placeRelocatable() error {
	l.logSection("Placing relocatable chunks")
	for _, c := range l.chunks {
		if c.placed {
			continue
		}
		if err := l.resolveChunk(c); err != nil {
			return err
		}
		if len(c.data) == 0 {
			s := l.segments[c.segments[0]]
			l.place(c, s.memory, s)
			continue
		}
		if len(c.subs) == 0 && l.dedup(c) {
			continue
		}
		if err := l.allocate(c); err != nil {
			return err
		}
	}
	return nil
}

// Look for the chunk's bytes in the image within one of its segments.
func (l *Linker) dedup(c *chunk) bool {
	for _, name := range c.segments {
		s := l.segments[name]
		at := l.img.search(c.data, s.offset, s.offset+s.size)
		if at < 0 {
			continue
		}
		c.deduped = true
		l.place(c, at-s.delta(), s)
		l.log("%-20s shares existing bytes", c)
		return true
	}
	return false
}

func (l *Linker) allocate(c *chunk) error {
	for _, name := range c.segments {
		s := l.segments[name]
		at, ok := l.free.firstFit(s.offset, s.offset+s.size, len(c.data))
		if !ok {
			continue
		}
		l.place(c, at-s.delta(), s)
		return nil
	}
	return fmt.Errorf("Could not find space for %d-byte chunk %s in %s",
		len(c.data), c, strings.Join(c.segments, ", "))
}

// Resolve every substitution that is now computable, writing its value
// into the chunk.
func (l *Linker) resolveChunk(c *chunk) error {
	remaining := c.subs[:0]
	for _, sub := range c.subs {
		e, err := l.resolveLink(sub.Expr)
		if err != nil {
			return err
		}
		if !e.IsAbs() {
			sub.Expr = e
			remaining = append(remaining, sub)
			continue
		}
		if err := sub.Put(c.data[sub.Offset:], e.Num); err != nil {
			return &asm.Error{Msg: err.Error(), Source: sub.Expr.Source}
		}
		if c.placed {
			l.img.set(c.offset+sub.Offset, c.data[sub.Offset:sub.Offset+sub.Size])
		}
	}
	c.subs = remaining
	return nil
}

// Fill in placement information for every chunk-relative number in the
// expression and fold it.
func (l *Linker) resolveLink(e *asm.Expr) (*asm.Expr, error) {
	e, err := asm.MapExpr(e, func(n *asm.Expr) (*asm.Expr, error) {
		if n.Op != asm.OpNum || n.Meta == nil || n.Meta.Chunk == nil {
			return n, nil
		}
		i := *n.Meta.Chunk
		if i < 0 || i >= len(l.chunks) {
			return nil, &asm.Error{Msg: fmt.Sprintf("Bad chunk index: %d", i), Source: n.Source}
		}
		c := l.chunks[i]
		if !c.placed {
			return n, nil
		}
		m := *n.Meta
		m.Org = intp(*c.org)
		m.Offset = intp(c.offset)
		m.Bank = c.seg.bank
		r := *n
		r.Meta = &m
		return asm.Evaluate(&r), nil
	})
	if err != nil {
		return nil, err
	}
	return asm.Evaluate(e), nil
}

func (l *Linker) resolveSubstitutions() error {
	for _, c := range l.chunks {
		if err := l.resolveChunk(c); err != nil {
			return err
		}
		if len(c.subs) > 0 {
			sub := c.subs[0]
			return &asm.Error{Msg: fmt.Sprintf("Unable to fully resolve expression: %s", sub.Expr), Source: sub.Expr.Source}
		}
	}
	return nil
}

func (l *Linker) checkAsserts() error {
	for _, c := range l.chunks {
		for _, a := range c.asserts {
			e, err := l.resolveLink(a)
			if err != nil {
				return err
			}
			if !e.IsAbs() {
				return &asm.Error{Msg: fmt.Sprintf("Unable to fully resolve assertion: %s", e), Source: a.Source}
			}
			if e.Num == 0 {
				return &asm.Error{Msg: "Assertion failed", Source: a.Source}
			}
		}
	}
	return nil
}

// Fail if a chunk that forbids overwriting overlaps any other written
// chunk.
func (l *Linker) checkOverlaps() error {
	for _, c := range l.chunks {
		if c.overwrite != asm.OverwriteForbid || c.deduped {
			continue
		}
		for _, o := range l.chunks {
			if o == c || o.deduped {
				continue
			}
			if c.offset < o.offset+len(o.data) && o.offset < c.offset+len(c.data) {
				return fmt.Errorf("Chunk %s at $%05X overlaps %s at $%05X", c, c.offset, o, o.offset)
			}
		}
	}
	return nil
}

// Exports returns the final value of every exported symbol. It may only
// be called after a successful Link.
func (l *Linker) Exports() (map[string]Export, error) {
	if !l.linked {
		return nil, fmt.Errorf("Exports requires a completed link")
	}
	out := make(map[string]Export)
	for name, id := range l.exports {
		e, err := l.resolveLink(l.symbols[id].Expr)
		if err != nil {
			return nil, err
		}
		if !e.IsAbs() {
			return nil, fmt.Errorf("Export never resolved: %s", name)
		}
		x := Export{Value: e.Num}
		if m := e.Meta; m != nil {
			if m.Offset != nil && m.Org != nil {
				x.Offset = intp(*m.Offset + e.Num - *m.Org)
			}
			if m.Bank != nil {
				x.Bank = intp(*m.Bank)
			}
		}
		out[name] = x
	}
	return out, nil
}

func intp(n int) *int {
	return &n
}

// In verbose mode, log a string to the output.
func (l *Linker) log(format string, args ...any) {
	if l.verbose {
		fmt.Fprintf(l.out, format, args...)
		fmt.Fprintf(l.out, "\n")
	}
}

// In verbose mode, log a series of bytes with starting offset.
func (l *Linker) logBytes(offset int, b []byte) {
	if l.verbose {
		for i, n := 0, len(b); i < n; i += 8 {
			j := min(i+8, n)
			l.log("%05X-*  % X", offset+i, b[i:j])
		}
	}
}

// In verbose mode, log a section header to the output.
func (l *Linker) logSection(name string) {
	if l.verbose {
		fmt.Fprintln(l.out, strings.Repeat("-", len(name)+6))
		fmt.Fprintf(l.out, "-- %s --\n", name)
		fmt.Fprintln(l.out, strings.Repeat("-", len(name)+6))
	}
}
