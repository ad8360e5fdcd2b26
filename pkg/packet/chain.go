package packet

import "fmt"

// Chain is an ordered list of byte segments holding one frame. Segments may
// be shared with other chains (split frames reference sub-ranges of the
// original), so callers must not append to a segment they did not allocate.
type Chain struct {
	segs [][]byte
	size int
}

// NewChain builds a chain over the given segments. Empty segments are dropped.
func NewChain(segs ...[]byte) *Chain {
	c := &Chain{}
	for _, s := range segs {
		c.Append(s)
	}
	return c
}

// Append adds a segment to the end of the chain.
func (c *Chain) Append(seg []byte) {
	if len(seg) == 0 {
		return
	}
	c.segs = append(c.segs, seg)
	c.size += len(seg)
}

// Len returns the total number of bytes in the chain.
func (c *Chain) Len() int {
	return c.size
}

// Segments returns the underlying segments.
func (c *Chain) Segments() [][]byte {
	return c.segs
}

// Contiguous returns a slice aliasing bytes [off, off+n) when the range lies
// within a single segment. The second result is false when the range spans a
// segment boundary or is out of bounds.
func (c *Chain) Contiguous(off, n int) ([]byte, bool) {
	if off < 0 || n < 0 || off+n > c.size {
		return nil, false
	}
	for _, s := range c.segs {
		if off < len(s) {
			if off+n <= len(s) {
				return s[off : off+n], true
			}
			return nil, false
		}
		off -= len(s)
	}
	// n == 0 at the very end of the chain.
	return nil, n == 0
}

// CopyOut copies bytes starting at off into dst and returns the count copied.
func (c *Chain) CopyOut(dst []byte, off int) int {
	copied := 0
	for _, s := range c.segs {
		if copied == len(dst) {
			break
		}
		if off >= len(s) {
			off -= len(s)
			continue
		}
		copied += copy(dst[copied:], s[off:])
		off = 0
	}
	return copied
}

// Bytes returns a flattened copy of the chain.
func (c *Chain) Bytes() []byte {
	b := make([]byte, c.size)
	c.CopyOut(b, 0)
	return b
}

// Slice returns a new chain referencing bytes [off, off+n) of c without
// copying.
func (c *Chain) Slice(off, n int) (*Chain, error) {
	if off < 0 || n < 0 || off+n > c.size {
		return nil, fmt.Errorf("slice [%d:%d] of %d-byte chain: %w", off, off+n, c.size, ErrOutOfRange)
	}
	out := &Chain{}
	for _, s := range c.segs {
		if n == 0 {
			break
		}
		if off >= len(s) {
			off -= len(s)
			continue
		}
		end := off + n
		if end > len(s) {
			end = len(s)
		}
		out.Append(s[off:end])
		n -= end - off
		off = 0
	}
	return out, nil
}

// TrimFront drops the first n bytes of the chain.
func (c *Chain) TrimFront(n int) error {
	if n < 0 || n > c.size {
		return fmt.Errorf("trim %d bytes of %d-byte chain: %w", n, c.size, ErrOutOfRange)
	}
	c.size -= n
	for n > 0 {
		if n < len(c.segs[0]) {
			c.segs[0] = c.segs[0][n:]
			return nil
		}
		n -= len(c.segs[0])
		c.segs = c.segs[1:]
	}
	return nil
}
