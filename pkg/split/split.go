// Package split breaks packets that exceed an interface MTU into units the
// fabric can transmit: TCP segmentation when the producer asked for large
// send, IPv4/IPv6 fragmentation otherwise.
//
// Split frames carry freshly allocated header segments followed by
// sub-ranges of the original chain; payload bytes are never copied.
package split

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/psaab/vrhost/pkg/csum"
	"github.com/psaab/vrhost/pkg/packet"
)

var (
	// ErrResourceExhausted means a segment could not be built. Nothing is
	// returned and the packet must not be sent in part.
	ErrResourceExhausted = errors.New("split: resources exhausted")
	// ErrDontFragment means the packet is oversized but its IPv4 header
	// forbids fragmentation.
	ErrDontFragment = errors.New("split: don't fragment set")
)

// DefaultMaxSegments bounds the frames a single packet may be split into.
const DefaultMaxSegments = 64

// Allocator provides header buffers for split frames.
type Allocator interface {
	Alloc(n int) ([]byte, error)
}

// Splitter splits oversized packets.
type Splitter struct {
	alloc       Allocator
	view        csum.Viewer
	maxSegments int
	fragID      atomic.Uint32
}

// New returns a splitter drawing header buffers from alloc. Transport
// checksums finished before fragmentation read non-contiguous payload
// through view; nil selects csum.CopyViewer. maxSegments <= 0 selects
// DefaultMaxSegments.
func New(alloc Allocator, view csum.Viewer, maxSegments int) *Splitter {
	if maxSegments <= 0 {
		maxSegments = DefaultMaxSegments
	}
	if view == nil {
		view = csum.CopyViewer
	}
	return &Splitter{alloc: alloc, view: view, maxSegments: maxSegments}
}

// MaxSegments returns the per-packet frame limit.
func (s *Splitter) MaxSegments() int {
	return s.maxSegments
}

// SplitIfNeeded returns nil, nil when p fits in mtu, leaving it untouched.
// Otherwise it returns a unit whose frames start at the packet's view and
// together carry exactly the original payload.
//
// The packet's headers may be modified (finished transport checksums) when
// a split happens; the caller owns p either way.
func (s *Splitter) SplitIfNeeded(p *packet.Packet, mtu int) (*packet.Unit, error) {
	if p.Type == packet.TypeOther || mtu <= 0 || p.NetworkLen() <= mtu {
		return nil, nil
	}

	if p.Offload.MSS > 0 {
		u, err := s.segment(p, mtu)
		if u != nil || err != nil {
			return u, err
		}
	}

	switch p.Type {
	case packet.TypeIP6:
		return s.fragment6(p, mtu)
	case packet.TypeIP:
		hdr, err := p.Header(packet.EthHeaderLen, packet.IPv4HeaderLen)
		if err != nil {
			return nil, err
		}
		if binary.BigEndian.Uint16(hdr[6:])&flagDF != 0 {
			return nil, ErrDontFragment
		}
	}
	return s.fragment4(p, mtu)
}

func (s *Splitter) allocHeader(n int) ([]byte, error) {
	b, err := s.alloc.Alloc(n)
	if err != nil {
		return nil, fmt.Errorf("header buffer of %d bytes: %w: %w", n, ErrResourceExhausted, err)
	}
	if len(b) < n {
		return nil, fmt.Errorf("allocator returned %d of %d bytes: %w", len(b), n, ErrResourceExhausted)
	}
	return b[:n], nil
}

func (s *Splitter) checkCount(n int) error {
	if n > s.maxSegments {
		return fmt.Errorf("%d segments exceed limit %d: %w", n, s.maxSegments, ErrResourceExhausted)
	}
	return nil
}

// transportOffset returns the view offset of the transport header and the
// protocol number for the network header at ipOff.
func transportOffset(p *packet.Packet, ipOff int, v6 bool) (int, uint8, error) {
	if v6 {
		hdr, err := p.Header(ipOff, packet.IPv6HeaderLen)
		if err != nil {
			return 0, 0, err
		}
		return ipOff + packet.IPv6HeaderLen, hdr[6], nil
	}
	hdr, err := p.Header(ipOff, packet.IPv4HeaderLen)
	if err != nil {
		return 0, 0, err
	}
	return ipOff + int(hdr[0]&0x0f)*4, hdr[9], nil
}

// finishTransport completes any armed TCP/UDP checksum in software. A
// fragmented packet cannot have its transport checksum offloaded.
func (s *Splitter) finishTransport(p *packet.Packet) error {
	if !p.Offload.TCPChecksum && !p.Offload.UDPChecksum {
		return nil
	}
	ipOff := packet.EthHeaderLen
	if p.Type.Overlay() {
		ipOff = p.InnerNetworkHeader
	}
	if err := csum.RecomputeTransportChecksum(p, ipOff, s.view); err != nil {
		return err
	}
	p.Offload.TCPChecksum = false
	p.Offload.UDPChecksum = false
	p.Offload.TCPHeaderOffset = 0
	return nil
}

// payloadSlices returns the segments of the chain range [off, off+n) of the
// packet view.
func payloadSlices(p *packet.Packet, off, n int) ([][]byte, error) {
	c, err := p.Chain.Slice(p.Data+off, n)
	if err != nil {
		return nil, err
	}
	return c.Segments(), nil
}

func frame(hdr []byte, payload [][]byte) *packet.Chain {
	c := packet.NewChain(hdr)
	for _, seg := range payload {
		c.Append(seg)
	}
	return c
}

func setIPv4Checksum(hdr []byte, offloaded bool) {
	binary.BigEndian.PutUint16(hdr[packet.IPv4CsumOffset:], 0)
	if !offloaded {
		binary.BigEndian.PutUint16(hdr[packet.IPv4CsumOffset:], csum.IPv4HeaderChecksum(hdr))
	}
}
