// Copyright 2018 Brett Vickers.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package host allows you to create a "host": a command shell wrapping
// the assembler and linker.
//
// Within the host it is possible to assemble source files into modules,
// load and save modules, link them against a base image, inspect the
// resulting patch and exports, dump and disassemble the patched image,
// and evaluate arbitrary expressions.
package host

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"slices"
	"strconv"
	"strings"

	"github.com/beevik/cmd"
	"github.com/crystalis-randomizer/go65/asm"
	"github.com/crystalis-randomizer/go65/disasm"
	"github.com/crystalis-randomizer/go65/link"
	"github.com/k0kubun/pp/v3"
	"github.com/peterh/liner"
)

var errQuit = errors.New("Exiting program")

const historyFile = ".go65_history"

// A Host holds the state of a command shell session: the modules to
// link, the base image, and the result of the last link.
type Host struct {
	input       *bufio.Scanner
	liner       *liner.State
	output      *bufio.Writer
	interactive bool
	lastCmd     *cmd.Selection
	settings    *settings

	modules []*asm.Module
	names   []string // where each module came from
	header  []byte   // base file bytes preceding the image
	base    []byte   // base image, nil if none
	result  *linkResult
}

// New creates a new host environment.
func New() *Host {
	return &Host{settings: newSettings()}
}

// RunCommands accepts host commands from a reader and outputs the results
// to a writer. If the commands are interactive, a prompt with line editing
// and history is displayed while the host waits for the next command.
func (h *Host) RunCommands(r io.Reader, w io.Writer, interactive bool) {
	h.output = bufio.NewWriter(w)
	h.interactive = interactive
	if interactive {
		h.liner = liner.NewLiner()
		h.liner.SetCtrlCAborts(true)
		h.readHistory()
		defer func() {
			h.writeHistory()
			h.liner.Close()
			h.liner = nil
		}()
		h.println()
	} else {
		h.input = bufio.NewScanner(r)
	}

	for {
		line, err := h.getLine()
		if err != nil {
			break
		}
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "#") {
			continue
		}

		var c cmd.Selection
		if line != "" {
			c, err = cmds.Lookup(line)
			switch {
			case err == cmd.ErrNotFound:
				h.println("Command not found.")
				continue
			case err == cmd.ErrAmbiguous:
				h.println("Command is ambiguous.")
				continue
			case err != nil:
				h.printf("ERROR: %v.\n", err)
				continue
			}
		} else if h.lastCmd != nil {
			c = *h.lastCmd
		}

		if c.Command == nil {
			continue
		}
		h.lastCmd = &c

		handler := c.Command.Data.(func(*Host, cmd.Selection) error)
		err = handler(h, c)
		if err != nil {
			break
		}
	}
	h.flush()
}

func historyPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, historyFile)
}

// Load command history. A missing history file is not an error.
func (h *Host) readHistory() {
	path := historyPath()
	if path == "" {
		return
	}
	if f, err := os.Open(path); err == nil {
		h.liner.ReadHistory(f)
		f.Close()
	}
}

func (h *Host) writeHistory() {
	path := historyPath()
	if path == "" {
		return
	}
	if f, err := os.Create(path); err == nil {
		h.liner.WriteHistory(f)
		f.Close()
	}
}

func (h *Host) printf(format string, args ...any) {
	fmt.Fprintf(h.output, format, args...)
	h.flush()
}

func (h *Host) println(args ...any) {
	fmt.Fprintln(h.output, args...)
	h.flush()
}

func (h *Host) flush() {
	h.output.Flush()
}

func (h *Host) getLine() (string, error) {
	if h.liner != nil {
		line, err := h.liner.Prompt("* ")
		switch {
		case err == liner.ErrPromptAborted:
			return "", nil
		case err != nil:
			return "", err
		}
		if strings.TrimSpace(line) != "" {
			h.liner.AppendHistory(line)
		}
		return line, nil
	}
	if h.input.Scan() {
		return h.input.Text(), nil
	}
	if h.input.Err() != nil {
		return "", h.input.Err()
	}
	return "", io.EOF
}

func (h *Host) asmOptions() asm.Option {
	if h.settings.Verbose {
		return asm.Verbose
	}
	return 0
}

func (h *Host) cmdHelp(c cmd.Selection) error {
	if len(c.Args) == 0 {
		h.displayCommands()
		return nil
	}

	name := strings.Join(c.Args, " ")
	for _, g := range commandGroups {
		if strings.EqualFold(g.name, name) {
			h.printf("%s:\n", g.brief)
			for _, d := range g.commands {
				h.printf("    %-15s  %s\n", d.Name, d.Brief)
			}
			return nil
		}
	}

	s, err := cmds.Lookup(name)
	if err != nil || s.Command == nil {
		h.printf("Command '%s' not found.\n", name)
		return nil
	}
	if s.Command.Usage != "" {
		h.printf("Syntax: %s\n\n", s.Command.Usage)
	}
	switch {
	case s.Command.Description != "":
		h.printf("Description:\n%s\n\n", indentWrap(3, s.Command.Description))
	case s.Command.Brief != "":
		h.printf("Description:\n%s.\n\n", indentWrap(3, s.Command.Brief))
	}
	return nil
}

func (h *Host) cmdAssemble(c cmd.Selection) error {
	if len(c.Args) < 1 {
		h.displayHelpText(c.Command)
		return nil
	}

	m, err := asm.AssembleFiles(c.Args, h.output, h.asmOptions())
	if err != nil {
		h.printf("Failed to assemble: %v\n", err)
		return nil
	}

	h.addModule(m, strings.Join(c.Args, " "))
	h.printf("Assembled '%s' into module %d (%d chunks, %d symbols).\n",
		strings.Join(baseNames(c.Args), "', '"), len(h.modules)-1,
		len(m.Chunks), len(m.Symbols))
	return nil
}

func baseNames(paths []string) []string {
	names := make([]string, len(paths))
	for i, p := range paths {
		names[i] = filepath.Base(p)
	}
	return names
}

func (h *Host) addModule(m *asm.Module, name string) {
	h.modules = append(h.modules, m)
	h.names = append(h.names, name)
	h.result = nil
}

func (h *Host) cmdBase(c cmd.Selection) error {
	if len(c.Args) < 1 {
		h.displayHelpText(c.Command)
		return nil
	}

	b, err := os.ReadFile(c.Args[0])
	if err != nil {
		h.printf("Failed to load '%s': %v\n", filepath.Base(c.Args[0]), err)
		return nil
	}
	off := h.settings.RomOffset
	if off < 0 || off > len(b) {
		h.printf("RomOffset $%X is outside '%s'.\n", off, filepath.Base(c.Args[0]))
		return nil
	}

	h.header, h.base = b[:off], b[off:]
	h.result = nil
	h.printf("Loaded '%s' as a $%X-byte base image.\n", filepath.Base(c.Args[0]), len(h.base))
	return nil
}

func (h *Host) cmdLink(c cmd.Selection) error {
	if len(h.modules) == 0 {
		h.println("No modules to link.")
		return nil
	}

	res, err := linkImage(h.modules, h.base, h.output, h.settings.Verbose)
	if err != nil {
		h.printf("Failed to link: %v\n", err)
		return nil
	}

	h.result = res
	written := 0
	for _, hunk := range res.patch.Hunks() {
		written += len(hunk.Data)
	}
	h.printf("Linked %d modules: $%X bytes in %d hunks.\n",
		len(h.modules), written, len(res.patch.Hunks()))
	return nil
}

func (h *Host) linked() bool {
	if h.result == nil {
		h.println("Nothing linked.")
		return false
	}
	return true
}

func (h *Host) cmdExports(c cmd.Selection) error {
	if !h.linked() {
		return nil
	}
	if len(h.result.exports) == 0 {
		h.println("No exports.")
		return nil
	}

	names := make([]string, 0, len(h.result.exports))
	for name := range h.result.exports {
		names = append(names, name)
	}
	slices.Sort(names)

	for _, name := range names {
		e := h.result.exports[name]
		line := fmt.Sprintf("%-20s $%04X", name, e.Value)
		if e.Offset != nil {
			line += fmt.Sprintf("  off=$%05X", *e.Offset)
		}
		if e.Bank != nil {
			line += fmt.Sprintf("  bank=%d", *e.Bank)
		}
		h.println(line)
	}
	return nil
}

func (h *Host) cmdEval(c cmd.Selection) error {
	if len(c.Args) < 1 {
		h.displayHelpText(c.Command)
		return nil
	}

	v, err := h.parseExpr(strings.Join(c.Args, " "))
	if err != nil {
		h.printf("%v\n", err)
		return nil
	}

	if v < 0 {
		h.printf("-$%X (%d)\n", -v, v)
	} else {
		h.printf("$%X (%d)\n", v, v)
	}
	return nil
}

func (h *Host) cmdDisassemble(c cmd.Selection) error {
	if !h.linked() {
		return nil
	}
	if len(c.Args) == 0 {
		c.Args = []string{"$"}
	}

	off, addr := h.settings.NextDisasmAddr, h.settings.NextDisasmAddr
	if c.Args[0] != "$" {
		var err error
		off, addr, err = h.parseLocation(c.Args[0])
		if err != nil {
			h.printf("%v\n", err)
			return nil
		}
	}

	lines := h.settings.DisasmLines
	if len(c.Args) > 1 {
		l, err := h.parseExpr(c.Args[1])
		if err != nil {
			h.printf("%v\n", err)
			return nil
		}
		lines = l
	}

	image := h.result.image
	for i := 0; i < lines && off >= 0 && off < len(image); i++ {
		line, n := disasm.Disassemble(image[off:], addr)
		h.printf("%05X %04X-   %-8s    %s\n", off, addr&0xffff, codeString(image[off:off+n]), line)
		off, addr = off+n, addr+n
	}

	h.settings.NextDisasmAddr = off
	h.lastCmd.Args = []string{"$", strconv.Itoa(lines)}
	return nil
}

func (h *Host) cmdDump(c cmd.Selection) error {
	if !h.linked() {
		return nil
	}
	if len(c.Args) < 1 {
		h.displayHelpText(c.Command)
		return nil
	}

	off := h.settings.NextMemDumpAddr
	if c.Args[0] != "$" {
		var err error
		off, _, err = h.parseLocation(c.Args[0])
		if err != nil {
			h.printf("%v\n", err)
			return nil
		}
	}

	bytes := h.settings.MemDumpBytes
	if len(c.Args) >= 2 {
		var err error
		bytes, err = h.parseExpr(c.Args[1])
		if err != nil {
			h.printf("%v\n", err)
			return nil
		}
	}

	h.dumpImage(off, bytes)

	h.settings.NextMemDumpAddr = off + bytes
	h.lastCmd.Args = []string{"$", strconv.Itoa(bytes)}
	return nil
}

func (h *Host) cmdSet(c cmd.Selection) error {
	switch len(c.Args) {
	case 0:
		h.println("Variables:")
		h.settings.Display(h.output)
		h.flush()

	case 1:
		h.displayHelpText(c.Command)

	default:
		key, value := strings.ToLower(c.Args[0]), strings.Join(c.Args[1:], " ")

		var err error
		switch h.settings.Kind(key) {
		case reflect.Invalid:
			err = fmt.Errorf("Setting '%s' not found", key)
		case reflect.String:
			err = h.settings.Set(key, value)
		case reflect.Bool:
			var v bool
			v, err = stringToBool(value)
			if err == nil {
				err = h.settings.Set(key, v)
			}
		default:
			var v int
			v, err = h.parseExpr(value)
			if err == nil {
				err = h.settings.Set(key, v)
			}
		}

		if err == nil {
			h.println("Setting updated.")
		} else {
			h.printf("%v\n", err)
		}
	}

	return nil
}

func (h *Host) cmdQuit(c cmd.Selection) error {
	return errQuit
}

func (h *Host) cmdModuleList(c cmd.Selection) error {
	if len(h.modules) == 0 {
		h.println("No modules loaded.")
		return nil
	}
	for i, m := range h.modules {
		h.printf("%3d  %-30s %d chunks, %d symbols, %d segments\n",
			i, h.names[i], len(m.Chunks), len(m.Symbols), len(m.Segments))
	}
	return nil
}

func (h *Host) cmdModuleLoad(c cmd.Selection) error {
	if len(c.Args) < 1 {
		h.displayHelpText(c.Command)
		return nil
	}

	m, err := readModule(c.Args[0])
	if err != nil {
		h.printf("Failed to load module: %v\n", err)
		return nil
	}

	h.addModule(m, c.Args[0])
	h.printf("Loaded '%s' as module %d.\n", filepath.Base(c.Args[0]), len(h.modules)-1)
	return nil
}

func (h *Host) cmdModuleSave(c cmd.Selection) error {
	if len(c.Args) < 2 {
		h.displayHelpText(c.Command)
		return nil
	}

	m := h.moduleArg(c.Args[0])
	if m == nil {
		return nil
	}

	cfg := Config{Output: c.Args[1]}
	err := cfg.write(func(w io.Writer) error {
		_, err := m.WriteTo(w)
		return err
	})
	if err != nil {
		h.printf("Failed to save '%s': %v\n", filepath.Base(c.Args[1]), err)
		return nil
	}
	h.printf("Saved module to '%s'.\n", filepath.Base(c.Args[1]))
	return nil
}

func (h *Host) cmdModuleDump(c cmd.Selection) error {
	if len(c.Args) < 1 {
		h.displayHelpText(c.Command)
		return nil
	}

	m := h.moduleArg(c.Args[0])
	if m == nil {
		return nil
	}

	printer := pp.New()
	printer.SetColoringEnabled(h.interactive)
	printer.Fprintln(h.output, m)
	h.flush()
	return nil
}

func (h *Host) cmdModuleClear(c cmd.Selection) error {
	h.modules, h.names, h.result = nil, nil, nil
	h.println("Modules cleared.")
	return nil
}

func (h *Host) moduleArg(s string) *asm.Module {
	i, err := h.parseExpr(s)
	if err != nil {
		h.printf("%v\n", err)
		return nil
	}
	if i < 0 || i >= len(h.modules) {
		h.printf("No module %d.\n", i)
		return nil
	}
	return h.modules[i]
}

func (h *Host) cmdPatchShow(c cmd.Selection) error {
	if !h.linked() {
		return nil
	}
	if len(h.result.patch.Hunks()) == 0 {
		h.println("Patch is empty.")
		return nil
	}
	h.result.patch.WriteTo(h.output)
	h.flush()
	return nil
}

func (h *Host) cmdPatchWrite(c cmd.Selection) error {
	if !h.linked() {
		return nil
	}
	if len(c.Args) < 1 {
		h.displayHelpText(c.Command)
		return nil
	}

	cfg := Config{Output: c.Args[0]}
	err := cfg.write(func(w io.Writer) error {
		if _, err := w.Write(h.header); err != nil {
			return err
		}
		_, err := w.Write(h.result.image)
		return err
	})
	if err != nil {
		h.printf("Failed to write '%s': %v\n", filepath.Base(c.Args[0]), err)
		return nil
	}
	h.printf("Wrote $%X bytes to '%s'.\n", len(h.header)+len(h.result.image), filepath.Base(c.Args[0]))
	return nil
}

// Evaluate an assembler expression. Exported symbols of the last link
// may be named.
func (h *Host) parseExpr(s string) (int, error) {
	lines, err := asm.Tokenize(s, "expr")
	if err != nil {
		return 0, err
	}
	if len(lines) != 1 {
		return 0, fmt.Errorf("Expected an expression")
	}

	e, err := asm.ParseOnlyExpr(lines[0])
	if err != nil {
		return 0, err
	}
	e, err = asm.MapExpr(e, func(n *asm.Expr) (*asm.Expr, error) {
		if n.Op != asm.OpSym || n.Sym == "" {
			return n, nil
		}
		v, ok := h.lookupExport(n.Sym)
		if !ok {
			return nil, fmt.Errorf("Identifier '%s' not found", n.Sym)
		}
		return asm.NumExpr(v.Value), nil
	})
	if err != nil {
		return 0, err
	}

	e = asm.Evaluate(e)
	if !e.IsAbs() {
		return 0, fmt.Errorf("Unable to evaluate '%s'", s)
	}
	return e.Num, nil
}

// Parse an image location: an exported symbol with a known offset, or an
// expression giving an image offset. Returns the offset and the CPU
// address at that offset.
func (h *Host) parseLocation(s string) (off, addr int, err error) {
	if e, ok := h.lookupExport(s); ok && e.Offset != nil {
		return *e.Offset, e.Value, nil
	}
	off, err = h.parseExpr(s)
	return off, off, err
}

func (h *Host) lookupExport(name string) (link.Export, bool) {
	if h.result == nil {
		return link.Export{}, false
	}
	e, ok := h.result.exports[name]
	return e, ok
}

func (h *Host) dumpImage(off0, bytes int) {
	image := h.result.image
	off1 := min(off0+bytes, len(image)) - 1
	if off0 < 0 || off1 < off0 {
		return
	}

	buf := []byte("     -" + strings.Repeat(" ", 35))

	// Align to 8-byte boundaries.
	for row := off0 &^ 7; row <= off1; row += 8 {
		offsetToBuf(row, buf[0:5])
		for i, c1, c2 := 0, 7, 33; i < 8; i, c1, c2 = i+1, c1+3, c2+1 {
			if a := row + i; a >= off0 && a <= off1 {
				byteToBuf(image[a], buf[c1:c1+2])
				buf[c2] = toPrintableChar(image[a])
			} else {
				buf[c1], buf[c1+1], buf[c2] = ' ', ' ', ' '
			}
		}
		h.println(string(buf))
	}
}

func (h *Host) displayHelpText(c *cmd.Command) {
	if c.Usage != "" {
		h.printf("Syntax: %s\n", c.Usage)
	} else {
		h.println("<no help text>")
	}
}

func (h *Host) displayCommands() {
	h.println("go65 commands:")
	for _, d := range rootCommands {
		if d.Brief != "" {
			h.printf("    %-15s  %s\n", d.Name, d.Brief)
		}
	}
	for _, g := range commandGroups {
		h.printf("    %-15s  %s\n", g.name, g.brief)
	}
}
