package asm

import (
	"encoding/json"
	"io"
)

// A Module is the output of a single assembly: position-independent
// chunks of machine code, the symbols they reference, and the segment
// definitions they were assembled against. Modules are combined into a
// final image by the linker.
type Module struct {
	Chunks   []*Chunk      `json:"chunks"`
	Symbols  []*Symbol     `json:"symbols"`
	Segments []*SegmentDef `json:"segments"`
}

// Overwrite modes for chunks.
const (
	OverwriteAllow  = "allow"  // chunk may overwrite bytes written by others
	OverwriteForbid = "forbid" // linking fails if the chunk overlaps another
)

// A Chunk is a contiguous run of output bytes.
type Chunk struct {
	Name      string   `json:"name,omitempty"`
	Segments  []string `json:"segments"`            // segments the chunk may be placed in
	Org       *int     `json:"org,omitempty"`       // fixed address, nil if relocatable
	Data      []byte   `json:"data"`                // placeholder bytes are $ff
	Subs      []Sub    `json:"subs,omitempty"`      // deferred patches into Data
	Asserts   []*Expr  `json:"asserts,omitempty"`   // must be nonzero once resolved
	Overwrite string   `json:"overwrite,omitempty"` // overwrite mode
}

// A Sub is a substitution of an expression's value into Size bytes of a
// chunk's data, made once the expression can be resolved.
type Sub struct {
	Offset int   `json:"offset"`
	Size   int   `json:"size"`
	Expr   *Expr `json:"expr"`
	Branch bool  `json:"branch,omitempty"` // signed branch displacement
}

// Put writes the sub's resolved value into b.
func (s *Sub) Put(b []byte, val int) error {
	if s.Branch {
		return putBranch(b, val)
	}
	return PutNumber(b, s.Size, val)
}

// A Symbol is an entry in a module's symbol table. Expressions refer to
// entries by index.
type Symbol struct {
	Export string `json:"export,omitempty"` // name visible to other modules
	Expr   *Expr  `json:"expr,omitempty"`
}

// A SegmentDef describes where a named segment lives in memory and in
// the output image.
type SegmentDef struct {
	Name   string   `json:"name"`
	Bank   *int     `json:"bank,omitempty"`
	Size   *int     `json:"size,omitempty"`   // size in bytes
	Offset *int     `json:"offset,omitempty"` // offset within the image
	Memory *int     `json:"memory,omitempty"` // CPU address of the first byte
	Free   [][2]int `json:"free,omitempty"`   // half-open address ranges
}

// Merge copies every attribute set in other into s. Free ranges
// accumulate.
func (s *SegmentDef) Merge(other *SegmentDef) {
	if other.Bank != nil {
		s.Bank = intp(*other.Bank)
	}
	if other.Size != nil {
		s.Size = intp(*other.Size)
	}
	if other.Offset != nil {
		s.Offset = intp(*other.Offset)
	}
	if other.Memory != nil {
		s.Memory = intp(*other.Memory)
	}
	s.Free = append(s.Free, other.Free...)
}

// ReadFrom reads a JSON-encoded module.
func (m *Module) ReadFrom(r io.Reader) (n int64, err error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return 0, err
	}

	err = json.Unmarshal(b, m)
	if err != nil {
		return 0, err
	}
	return int64(len(b)), nil
}

// WriteTo writes the module as JSON to an output stream.
func (m *Module) WriteTo(w io.Writer) (n int64, err error) {
	b, err := json.Marshal(m)
	if err != nil {
		return 0, err
	}

	nn, err := w.Write(b)
	return int64(nn), err
}
