// Copyright 2014-2018 Brett Vickers. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package asm implements a 6502 macro assembler. Source is tokenized,
// run through a preprocessor that expands defines, macros and
// conditionals, and assembled into relocatable modules for the linker.
package asm

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Option type used by the Assemble function.
type Option uint

// Options for the Assemble function.
const (
	Verbose Option = 1 << iota // verbose output during assembly
)

// AssembleFile reads a file containing 6502 assembly code, assembles it,
// and writes the resulting module next to it with a .o extension.
func AssembleFile(path string, options Option, out io.Writer) error {
	m, err := AssembleFiles([]string{path}, out, options)
	if err != nil {
		return err
	}

	ext := filepath.Ext(path)
	prefix := path[:len(path)-len(ext)]
	modPath := prefix + ".o"
	modFile, err := os.OpenFile(modPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	defer modFile.Close()

	_, err = m.WriteTo(modFile)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "Assembled '%s' to produce '%s'.\n",
		filepath.Base(path),
		filepath.Base(modPath))
	return nil
}

// AssembleFiles assembles the files, in order, into a single module.
func AssembleFiles(paths []string, out io.Writer, options Option) (*Module, error) {
	srcs := make([]TokenSource, 0, len(paths))
	for _, path := range paths {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		srcs = append(srcs, NewTokenizer(string(b), path))
	}
	return NewAssembler(out, options).Process(srcs...)
}

// Assemble reads assembly code from the provided stream and assembles it
// into a module.
func Assemble(r io.Reader, filename string, out io.Writer, options Option) (*Module, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	return NewAssembler(out, options).Process(NewTokenizer(string(b), filename))
}

// In verbose mode, log a string to the output.
func (a *Assembler) log(format string, args ...any) {
	if a.verbose {
		fmt.Fprintf(a.out, format, args...)
		fmt.Fprintf(a.out, "\n")
	}
}

// In verbose mode, log a line along with its source location.
func (a *Assembler) logLine(l *Line) {
	if a.verbose {
		loc := ""
		if len(l.Tokens) > 0 && l.Tokens[0].Source != nil {
			src := l.Tokens[0].Source
			loc = fmt.Sprintf("%d:%d", src.Line, src.Column)
		}
		fmt.Fprintf(a.out, "%-7s | %-9s | %s\n", loc, l.Kind, tokensText(l.Tokens))
	}
}

// In verbose mode, log a series of bytes with starting address.
func (a *Assembler) logBytes(addr int, b []byte) {
	if a.verbose {
		for i, n := 0, len(b); i < n; i += 3 {
			j := min(i+3, n)
			a.log("%04X-*  %s", addr+i, byteString(b[i:j]))
		}
	}
}

// In verbose mode, log a section header to the output.
func (a *Assembler) logSection(name string) {
	if a.verbose {
		fmt.Fprintln(a.out, strings.Repeat("-", len(name)+6))
		fmt.Fprintf(a.out, "-- %s --\n", name)
		fmt.Fprintln(a.out, strings.Repeat("-", len(name)+6))
	}
}
