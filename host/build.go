package host

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/crystalis-randomizer/go65/asm"
	"github.com/crystalis-randomizer/go65/link"
)

// A Config describes a batch build: the inputs to assemble and link, and
// where the result goes.
type Config struct {
	Inputs    []string  // source files, or module files ending in .json
	Stdin     io.Reader // source read when Inputs is empty
	Output    string    // output file, "" for Stdout
	Stdout    io.Writer // destination when Output is empty
	Rom       string    // base image to patch, if any
	RomOffset int       // size of the header preceding the image in Rom
	Module    bool      // write the assembled module instead of linking
	Verbose   bool      // verbose assembler and linker output
}

// Build assembles the configured sources, links them with any modules
// and base image, and writes the result. Diagnostics go to log.
func Build(c *Config, log io.Writer) error {
	var asmOpts asm.Option
	if c.Verbose {
		asmOpts |= asm.Verbose
	}

	var sources []string
	var modules []*asm.Module
	for _, in := range c.Inputs {
		if strings.EqualFold(filepath.Ext(in), ".json") {
			m, err := readModule(in)
			if err != nil {
				return err
			}
			modules = append(modules, m)
			continue
		}
		sources = append(sources, in)
	}

	switch {
	case len(sources) > 0:
		m, err := asm.AssembleFiles(sources, log, asmOpts)
		if err != nil {
			return err
		}
		modules = append(modules, m)
	case len(c.Inputs) == 0:
		in := c.Stdin
		if in == nil {
			in = os.Stdin
		}
		m, err := asm.Assemble(in, "<stdin>", log, asmOpts)
		if err != nil {
			return err
		}
		modules = append(modules, m)
	}

	if c.Module {
		if len(modules) != 1 {
			return fmt.Errorf("-module requires exactly one module, got %d", len(modules))
		}
		return c.write(func(w io.Writer) error {
			_, err := modules[len(modules)-1].WriteTo(w)
			return err
		})
	}

	var header, base []byte
	if c.Rom != "" {
		rom, err := os.ReadFile(c.Rom)
		if err != nil {
			return err
		}
		if c.RomOffset > len(rom) {
			return fmt.Errorf("ROM offset $%x past end of '%s'", c.RomOffset, c.Rom)
		}
		header, base = rom[:c.RomOffset], rom[c.RomOffset:]
	}

	res, err := linkImage(modules, base, log, c.Verbose)
	if err != nil {
		return err
	}
	return c.write(func(w io.Writer) error {
		if _, err := w.Write(header); err != nil {
			return err
		}
		_, err := w.Write(res.image)
		return err
	})
}

func (c *Config) write(fn func(w io.Writer) error) error {
	if c.Output == "" {
		w := c.Stdout
		if w == nil {
			w = os.Stdout
		}
		return fn(w)
	}

	file, err := os.OpenFile(c.Output, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if err := fn(file); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

func readModule(filename string) (*asm.Module, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	m := &asm.Module{}
	if _, err := m.ReadFrom(file); err != nil {
		return nil, fmt.Errorf("%s: %v", filename, err)
	}
	return m, nil
}

// The outcome of a link.
type linkResult struct {
	patch   *link.Patch
	exports map[string]link.Export
	image   []byte // base image with the patch applied
}

// Link the modules against a base image, which may be nil. The base
// image is not modified.
func linkImage(modules []*asm.Module, base []byte, log io.Writer, verbose bool) (*linkResult, error) {
	var opts link.Option
	if verbose {
		opts |= link.Verbose
	}

	l := link.New(log, opts)
	if base != nil {
		l.Base(base, 0)
	}
	for _, m := range modules {
		l.Read(m)
	}
	patch, err := l.Link()
	if err != nil {
		return nil, err
	}
	exports, err := l.Exports()
	if err != nil {
		return nil, err
	}

	image := make([]byte, max(len(base), patch.Len()))
	copy(image, base)
	if base != nil && patch.Len() > len(base) {
		return nil, fmt.Errorf("Patch extends past end of image: $%x > $%x", patch.Len(), len(base))
	}
	if err := patch.Apply(image); err != nil {
		return nil, err
	}
	return &linkResult{patch: patch, exports: exports, image: image}, nil
}
