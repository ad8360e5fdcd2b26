// Package csum computes and corrects IPv4, TCP and UDP checksums on packets
// leaving through a host interface, deciding per header whether software or
// the fabric's checksum offload owns the value.
package csum

import (
	"encoding/binary"
	"math/bits"

	"github.com/psaab/vrhost/pkg/packet"
)

// Sum accumulates b as big-endian 16-bit words onto initial without folding.
// An odd trailing byte is padded with zero.
func Sum(b []byte, initial uint64) uint64 {
	ac := initial
	for len(b) >= 8 {
		ac += uint64(binary.BigEndian.Uint16(b[0:]))
		ac += uint64(binary.BigEndian.Uint16(b[2:]))
		ac += uint64(binary.BigEndian.Uint16(b[4:]))
		ac += uint64(binary.BigEndian.Uint16(b[6:]))
		b = b[8:]
	}
	for len(b) >= 2 {
		ac += uint64(binary.BigEndian.Uint16(b))
		b = b[2:]
	}
	if len(b) == 1 {
		ac += uint64(b[0]) << 8
	}
	return ac
}

// SumSegments accumulates a sequence of byte slices as if they were one
// contiguous buffer. A segment starting at an odd position contributes its
// sum byte-swapped.
func SumSegments(segs [][]byte, initial uint64) uint64 {
	ac := initial
	odd := false
	for _, s := range segs {
		part := Fold(Sum(s, 0))
		if odd {
			part = bits.ReverseBytes16(part)
		}
		ac += uint64(part)
		if len(s)%2 == 1 {
			odd = !odd
		}
	}
	return ac
}

// Fold reduces an accumulated sum to 16 bits with end-around carry.
func Fold(sum uint64) uint16 {
	for sum > 0xffff {
		sum = (sum >> 16) + (sum & 0xffff)
	}
	return uint16(sum)
}

// Checksum returns the one's-complement checksum of b seeded with initial.
func Checksum(b []byte, initial uint64) uint16 {
	return ^Fold(Sum(b, initial))
}

// IPv4HeaderChecksum computes the checksum of an IPv4 header, treating the
// checksum field as zero.
func IPv4HeaderChecksum(hdr []byte) uint16 {
	sum := Sum(hdr[:packet.IPv4CsumOffset], 0)
	return ^Fold(Sum(hdr[packet.IPv4CsumOffset+2:], sum))
}

// VerifyIPv4Header reports whether the header's stored checksum is valid.
func VerifyIPv4Header(hdr []byte) bool {
	if len(hdr) < packet.IPv4HeaderLen {
		return false
	}
	ihl := int(hdr[0]&0x0f) * 4
	if ihl < packet.IPv4HeaderLen || ihl > len(hdr) {
		return false
	}
	return Fold(Sum(hdr[:ihl], 0)) == 0xffff
}

// PseudoHeaderSum returns the unfolded TCP/UDP pseudo-header sum.
func PseudoHeaderSum(proto uint8, src, dst []byte, length int) uint64 {
	sum := Sum(src, 0)
	sum = Sum(dst, sum)
	sum += uint64(proto)
	sum += uint64(length)
	return sum
}

// CopyViewer is a Viewer that aliases contiguous ranges and copies the rest.
// It never fails for in-range requests.
var CopyViewer Viewer = chainViewer{}

type chainViewer struct{}

func (chainViewer) ContiguousView(c *packet.Chain, off, n int) ([]byte, func(), error) {
	if b, ok := c.Contiguous(off, n); ok {
		return b, func() {}, nil
	}
	if off < 0 || off+n > c.Len() {
		return nil, nil, packet.ErrOutOfRange
	}
	b := make([]byte, n)
	c.CopyOut(b, off)
	return b, func() {}, nil
}
