package link

import (
	"bufio"
	"fmt"
	"io"
	"slices"
	"strings"
)

// A Hunk is a run of bytes to be written at an offset in the image.
type Hunk struct {
	Offset int
	Data   []byte
}

// A Patch is a sparse set of bytes to write into an image. Hunks never
// overlap or touch; adjacent writes are coalesced.
type Patch struct {
	hunks []Hunk
}

// Add writes data at offset, replacing any bytes already in the patch.
func (p *Patch) Add(offset int, data []byte) {
	if len(data) == 0 {
		return
	}
	start, end := offset, offset+len(data)

	// Find the hunks that overlap or touch the new range.
	i := 0
	for i < len(p.hunks) && p.hunks[i].Offset+len(p.hunks[i].Data) < start {
		i++
	}
	j := i
	for j < len(p.hunks) && p.hunks[j].Offset <= end {
		j++
	}

	lo, hi := start, end
	if i < j {
		lo = min(lo, p.hunks[i].Offset)
		last := p.hunks[j-1]
		hi = max(hi, last.Offset+len(last.Data))
	}
	merged := make([]byte, hi-lo)
	for _, h := range p.hunks[i:j] {
		copy(merged[h.Offset-lo:], h.Data)
	}
	copy(merged[start-lo:], data)

	p.hunks = slices.Replace(p.hunks, i, j, Hunk{Offset: lo, Data: merged})
}

// Hunks returns the patch's hunks in ascending order of offset.
func (p *Patch) Hunks() []Hunk {
	return p.hunks
}

// Len returns the offset just past the last byte of the patch.
func (p *Patch) Len() int {
	if len(p.hunks) == 0 {
		return 0
	}
	last := p.hunks[len(p.hunks)-1]
	return last.Offset + len(last.Data)
}

// Read returns the n bytes of the patch starting at offset, or nil if
// any of them is not written by the patch.
func (p *Patch) Read(offset, n int) []byte {
	for _, h := range p.hunks {
		if offset >= h.Offset && offset+n <= h.Offset+len(h.Data) {
			return h.Data[offset-h.Offset : offset-h.Offset+n]
		}
	}
	return nil
}

// Apply writes the patch into an image.
func (p *Patch) Apply(image []byte) error {
	if n := p.Len(); n > len(image) {
		return fmt.Errorf("Patch extends past end of image: $%x > $%x", n, len(image))
	}
	for _, h := range p.hunks {
		if h.Offset < 0 {
			return fmt.Errorf("Patch starts before image: -$%x", -h.Offset)
		}
		copy(image[h.Offset:], h.Data)
	}
	return nil
}

// WriteTo writes the patch as a hex listing, one line per 16 bytes.
func (p *Patch) WriteTo(w io.Writer) (n int64, err error) {
	bw := bufio.NewWriter(w)
	for _, h := range p.hunks {
		for i := 0; i < len(h.Data); i += 16 {
			line := h.Data[i:min(i+16, len(h.Data))]
			c, err := fmt.Fprintf(bw, "%05X: % X\n", h.Offset+i, line)
			n += int64(c)
			if err != nil {
				return n, err
			}
		}
	}
	return n, bw.Flush()
}

func (p *Patch) String() string {
	var b strings.Builder
	p.WriteTo(&b)
	return b.String()
}
