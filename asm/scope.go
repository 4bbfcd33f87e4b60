package asm

import (
	"fmt"
	"sort"
	"strings"
)

// A symbol is a named value known to the assembler. Only symbols that
// are referenced before they are defined, or that are exported, are
// entered into the module's symbol table.
type symbol struct {
	name   string
	id     int   // index in the symbol table, or -1
	mut    bool  // defined with .set
	expr   *Expr // nil until defined
	export string
	ref    *Source // first forward reference
	def    *Source // definition
}

func newSymbol(name string) *symbol {
	return &symbol{name: name, id: -1}
}

// A scope is a lexical symbol namespace created by .scope or .proc.
// Cheap locals live in a separate parentless scope that is cleared at
// every ordinary label.
type scope struct {
	parent   *scope
	children map[string]*scope
	symbols  map[string]*symbol
	closed   bool
}

func newScope(parent *scope) *scope {
	return &scope{
		parent:   parent,
		children: make(map[string]*scope),
		symbols:  make(map[string]*symbol),
	}
}

func (s *scope) global() *scope {
	for s.parent != nil {
		s = s.parent
	}
	return s
}

// pick returns the scope addressed by the qualified name's prefix along
// with its final component. A leading "::" starts at the global scope;
// otherwise the first component is searched outward from s.
func (s *scope) pick(name string) (*scope, string, error) {
	parts := strings.Split(name, "::")
	tail := parts[len(parts)-1]
	sc := s
	for i, p := range parts[:len(parts)-1] {
		if i == 0 && p == "" {
			sc = sc.global()
			continue
		}
		child := sc.children[p]
		for i == 0 && child == nil && sc.parent != nil {
			sc = sc.parent
			child = sc.children[p]
		}
		if child == nil {
			return nil, "", fmt.Errorf("Could not resolve scope %s", strings.Join(parts[:i+1], "::"))
		}
		sc = child
	}
	return sc, tail, nil
}

// lookup finds the symbol a reference to name binds to, creating an
// undefined symbol in the innermost candidate scope when no defined
// symbol is visible.
func (s *scope) lookup(name string) (*symbol, error) {
	sc, tail, err := s.pick(name)
	if err != nil {
		return nil, err
	}
	if sc != s {
		if sym := sc.symbols[tail]; sym != nil {
			return sym, nil
		}
		if sc.closed {
			return nil, fmt.Errorf("Could not resolve symbol: %s", name)
		}
		sym := newSymbol(name)
		sc.symbols[tail] = sym
		return sym, nil
	}

	for o := s; o != nil; o = o.parent {
		if sym := o.symbols[tail]; sym != nil && sym.expr != nil {
			return sym, nil
		}
	}
	if sym := s.symbols[tail]; sym != nil {
		return sym, nil
	}
	sym := newSymbol(name)
	s.symbols[tail] = sym
	return sym, nil
}

// find returns the defined symbol visible as name, without creating
// anything.
func (s *scope) find(name string) *symbol {
	sc, tail, err := s.pick(name)
	if err != nil {
		return nil
	}
	if sc != s {
		if sym := sc.symbols[tail]; sym != nil && sym.expr != nil {
			return sym
		}
		return nil
	}
	for o := s; o != nil; o = o.parent {
		if sym := o.symbols[tail]; sym != nil && sym.expr != nil {
			return sym
		}
	}
	return nil
}

// define returns the symbol a definition of name writes to. Unqualified
// names always refer to the scope itself.
func (s *scope) define(name string, mut bool) (*symbol, error) {
	sc, tail, err := s.pick(name)
	if err != nil {
		return nil, err
	}
	if sym := sc.symbols[tail]; sym != nil {
		return sym, nil
	}
	if sc.closed {
		return nil, fmt.Errorf("Could not resolve symbol: %s", name)
	}
	sym := newSymbol(name)
	sym.mut = mut
	sc.symbols[tail] = sym
	return sym, nil
}

// undefined returns the names of the scope's undefined symbols in
// sorted order.
func (s *scope) undefined() []string {
	var names []string
	for name, sym := range s.symbols {
		if sym.expr == nil {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// flush checks that every cheap local referenced since the last flush
// was defined, and then forgets them all.
func (s *scope) flush() error {
	if names := s.undefined(); len(names) > 0 {
		sym := s.symbols[names[0]]
		return errorAt(sym.ref, fmt.Sprintf("Cheap local label never defined: %s", sym.name))
	}
	clear(s.symbols)
	return nil
}
