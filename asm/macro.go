package asm

import (
	"fmt"
	"strconv"
)

// A Macro is a multi-line substitution created by a .macro ... .endmacro
// block. Parameters are positional and separated by commas at the call
// site.
type Macro struct {
	Name   string
	params []string
	body   [][]Token
}

// An IDGen hands out unique numbers for macro-local identifiers.
type IDGen struct {
	n int
}

// Next returns the next unused id.
func (g *IDGen) Next() int {
	g.n++
	return g.n
}

// ParseMacro creates a macro from its .macro line, reading the body from
// src up to the matching .endmacro.
func ParseMacro(line []Token, src TokenSource) (*Macro, error) {
	if len(line) == 0 || !Eq(&line[0], &Token{Kind: CS, Str: ".macro"}) {
		return nil, newError("Expected .macro", tokenAt(line, 0))
	}
	name := tokenAt(line, 1)
	if name == nil || name.Kind != IDENT {
		return nil, newError("Expected identifier after .macro", &line[0])
	}
	params, err := identsFromCList(line[2:])
	if err != nil {
		return nil, err
	}

	m := &Macro{Name: name.Str, params: params}
	for {
		l, err := src.Next()
		if err != nil {
			return nil, err
		}
		if l == nil {
			return nil, newError(fmt.Sprintf("EOF looking for .endmacro: %s", name.Name()), name)
		}
		if l[0].Kind == CS && l[0].Str == ".endmacro" {
			return m, nil
		}
		m.body = append(m.body, l)
	}
}

// Expand substitutes the arguments of a call into the body of the
// macro. call[0] is the macro name. Missing arguments expand to nothing.
// Names listed in a .local line of the body are renamed to unique
// identifiers for this expansion.
func (m *Macro) Expand(call []Token, ids *IDGen) ([][]Token, error) {
	args, err := m.args(call[1:])
	if err != nil {
		return nil, err
	}

	replacements := make(map[string][]Token, len(m.params))
	for i, p := range m.params {
		if i < len(args) {
			replacements[p] = args[i]
		} else {
			replacements[p] = nil
		}
	}

	var out [][]Token
	for _, line := range m.body {
		if line[0].Kind == CS && line[0].Str == ".local" {
			locals, err := identsFromCList(line[1:])
			if err != nil {
				return nil, err
			}
			for _, l := range locals {
				replacements[l] = []Token{{Kind: IDENT, Str: l + "~" + strconv.Itoa(ids.Next()), Source: line[0].Source}}
			}
			continue
		}
		out = append(out, substitute(line, replacements))
	}
	return out, nil
}

// Split the call arguments on commas. A lone group is unwrapped.
func (m *Macro) args(tokens []Token) ([][]Token, error) {
	if len(tokens) == 0 {
		return nil, nil
	}
	args := [][]Token{{}}
	for i := range tokens {
		t := &tokens[i]
		if Eq(t, &tokComma) {
			if len(args) >= len(m.params) {
				return nil, tooManyParams(tokens[i+1:], t)
			}
			args = append(args, []Token{})
			continue
		}
		args[len(args)-1] = append(args[len(args)-1], *t)
	}
	if len(args) > len(m.params) {
		return nil, tooManyParams(tokens, &tokens[0])
	}
	for i := range args {
		args[i] = unwrap(args[i])
	}
	return args, nil
}

func tooManyParams(rest []Token, fallback *Token) error {
	t := tokenAt(rest, 0)
	if t == nil {
		t = fallback
	}
	return newError(fmt.Sprintf("Too many macro parameters: %s", t.Name()), t)
}

// Replace parameter identifiers, including those nested inside groups.
func substitute(line []Token, replacements map[string][]Token) []Token {
	out := make([]Token, 0, len(line))
	for _, t := range line {
		switch t.Kind {
		case IDENT:
			if r, ok := replacements[t.Str]; ok {
				out = append(out, r...)
				continue
			}
		case GRP:
			t.Inner = substitute(t.Inner, replacements)
		}
		out = append(out, t)
	}
	return out
}
