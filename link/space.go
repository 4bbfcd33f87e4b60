package link

import "bytes"

// A freeList is a sorted set of disjoint half-open ranges of image
// offsets available for relocatable chunks.
type freeList [][2]int

// add marks [start, end) as free, merging with neighboring ranges.
func (f *freeList) add(start, end int) {
	if start >= end {
		return
	}
	var out freeList
	for _, r := range *f {
		switch {
		case r[1] < start || r[0] > end:
			out = append(out, r)
		default:
			start, end = min(start, r[0]), max(end, r[1])
		}
	}
	out = append(out, [2]int{start, end})
	for i := len(out) - 1; i > 0 && out[i][0] < out[i-1][0]; i-- {
		out[i], out[i-1] = out[i-1], out[i]
	}
	*f = out
}

// remove marks [start, end) as used.
func (f *freeList) remove(start, end int) {
	var out freeList
	for _, r := range *f {
		if r[1] <= start || r[0] >= end {
			out = append(out, r)
			continue
		}
		if r[0] < start {
			out = append(out, [2]int{r[0], start})
		}
		if r[1] > end {
			out = append(out, [2]int{end, r[1]})
		}
	}
	*f = out
}

// firstFit returns the lowest offset within [lo, hi) where size free
// bytes are available.
func (f freeList) firstFit(lo, hi, size int) (int, bool) {
	for _, r := range f {
		start, end := max(r[0], lo), min(r[1], hi)
		if end-start >= size && start < hi {
			return start, true
		}
	}
	return 0, false
}

// total returns the number of free bytes.
func (f freeList) total() int {
	n := 0
	for _, r := range f {
		n += r[1] - r[0]
	}
	return n
}

// An image is the linker's view of the output: the base image plus
// every placed chunk. Bytes that are not known, such as unresolved
// substitutions, never match a search.
type image struct {
	data  []byte
	known []bool
}

func (im *image) grow(n int) {
	if n > len(im.data) {
		im.data = append(im.data, make([]byte, n-len(im.data))...)
		im.known = append(im.known, make([]bool, n-len(im.known))...)
	}
}

// set writes b at offset. Bytes before offset zero are dropped.
func (im *image) set(offset int, b []byte) {
	if offset < 0 {
		if -offset >= len(b) {
			return
		}
		b, offset = b[-offset:], 0
	}
	im.grow(offset + len(b))
	copy(im.data[offset:], b)
	for i := range b {
		im.known[offset+i] = true
	}
}

// forget marks n bytes at offset as unknown.
func (im *image) forget(offset, n int) {
	im.grow(offset + n)
	for i := offset; i < offset+n; i++ {
		im.known[i] = false
	}
}

// search returns the first offset within [start, end) where pattern
// appears among known bytes, or -1.
func (im *image) search(pattern []byte, start, end int) int {
	end = min(end, len(im.data))
	for i := max(start, 0); i+len(pattern) <= end; {
		j := bytes.Index(im.data[i:end], pattern)
		if j < 0 {
			return -1
		}
		if im.allKnown(i+j, len(pattern)) {
			return i + j
		}
		i += j + 1
	}
	return -1
}

func (im *image) allKnown(offset, n int) bool {
	for _, k := range im.known[offset : offset+n] {
		if !k {
			return false
		}
	}
	return true
}
