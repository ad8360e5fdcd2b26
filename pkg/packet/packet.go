// Package packet defines the packet representation handed to the host
// interface transmit pipeline: a buffer chain with a typed view, header
// offsets and per-packet checksum offload intent.
package packet

import (
	"errors"
	"fmt"
	"net"
	"sync/atomic"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

// Header layout constants.
const (
	EthHeaderLen  = 14
	IPv4HeaderLen = ipv4.HeaderLen
	IPv6HeaderLen = ipv6.HeaderLen
	UDPHeaderLen  = 8
	TCPHeaderLen  = 20

	ProtoTCP = 6
	ProtoUDP = 17
	ProtoGRE = 47

	// Offsets of the checksum field within each header.
	IPv4CsumOffset = 10
	TCPCsumOffset  = 16
	UDPCsumOffset  = 6
)

var (
	ErrOutOfRange          = errors.New("packet: offset out of range")
	ErrHeaderNotContiguous = errors.New("packet: header not contiguous")
	ErrDoubleRelease       = errors.New("packet: released twice")
	ErrNotIP               = errors.New("packet: not an IP header")
)

// Type classifies a packet by its header layout.
type Type uint8

const (
	TypeOther Type = iota
	// TypeIP is plain IPv4.
	TypeIP
	// TypeIP6 is plain IPv6.
	TypeIP6
	// TypeIPOIP is an IPv4 payload tunneled over IPv4.
	TypeIPOIP
	// TypeIP6OIP is an IPv6 payload tunneled over IPv4.
	TypeIP6OIP
)

// Overlay reports whether the packet carries a fully encapsulated inner packet.
func (t Type) Overlay() bool {
	return t == TypeIPOIP || t == TypeIP6OIP
}

// InnerIPv6 reports whether the inner (or only) network header is IPv6.
func (t Type) InnerIPv6() bool {
	return t == TypeIP6 || t == TypeIP6OIP
}

func (t Type) String() string {
	switch t {
	case TypeIP:
		return "ip"
	case TypeIP6:
		return "ip6"
	case TypeIPOIP:
		return "ipoip"
	case TypeIP6OIP:
		return "ip6oip"
	default:
		return "other"
	}
}

// Offload describes what the fabric is expected to compute in hardware.
type Offload struct {
	IPHeaderChecksum bool
	TCPChecksum      bool
	UDPChecksum      bool
	TCPHeaderOffset  int // transport header offset hint, 0 when unset
	MSS              int // large-send segment size, 0 when no segmentation was requested
}

// Armed reports whether any checksum offload is requested.
func (o Offload) Armed() bool {
	return o.IPHeaderChecksum || o.TCPChecksum || o.UDPChecksum
}

// Packet is a frame selected for transmission on a host interface.
//
// The view starts Data bytes into Chain; every header offset below is
// relative to the view. The outer network header sits at EthHeaderLen.
type Packet struct {
	Type  Type
	Chain *Chain

	// Data counts header bytes already consumed at the front of the chain.
	Data int
	// InnerNetworkHeader is the view offset of the inner network header.
	// Only meaningful for overlay types.
	InnerNetworkHeader int

	Offload Offload

	// Decapsulated is set by producers that stripped a tunnel before
	// handing the packet over.
	Decapsulated bool

	released  atomic.Bool
	onRelease func(*Packet)
}

// New wraps a chain in a packet of the given type.
func New(t Type, c *Chain) *Packet {
	return &Packet{Type: t, Chain: c}
}

// Len returns the length of the view.
func (p *Packet) Len() int {
	return p.Chain.Len() - p.Data
}

// NetworkLen returns the length of the view past the link header.
func (p *Packet) NetworkLen() int {
	return p.Len() - EthHeaderLen
}

// Header returns n writable bytes at view offset off. Headers are expected
// to live in a single segment.
func (p *Packet) Header(off, n int) ([]byte, error) {
	if off < 0 || off+n > p.Len() {
		return nil, fmt.Errorf("header [%d:%d] of %d-byte view: %w", off, off+n, p.Len(), ErrOutOfRange)
	}
	b, ok := p.Chain.Contiguous(p.Data+off, n)
	if !ok {
		return nil, fmt.Errorf("header [%d:%d]: %w", off, off+n, ErrHeaderNotContiguous)
	}
	return b, nil
}

// FromTunnel reports whether the packet arrived de-encapsulated from a
// tunnel. The explicit flag wins; a non-zero consumed offset is the legacy
// signal used by producers that do not set it.
func (p *Packet) FromTunnel() bool {
	return p.Decapsulated || p.Data != 0
}

// Addrs returns the source and destination addresses of the innermost
// network header. It parses a copy of the header and is meant for
// diagnostics, not the per-packet path.
func (p *Packet) Addrs() (src, dst net.IP, err error) {
	off := EthHeaderLen
	if p.Type.Overlay() {
		off = p.InnerNetworkHeader
	}
	first, err := p.Header(off, 1)
	if err != nil {
		return nil, nil, err
	}
	switch first[0] >> 4 {
	case ipv4.Version:
		b, err := p.Header(off, int(first[0]&0x0f)*4)
		if err != nil {
			return nil, nil, err
		}
		h, err := ipv4.ParseHeader(b)
		if err != nil {
			return nil, nil, fmt.Errorf("ipv4 header at %d: %w", off, err)
		}
		return h.Src, h.Dst, nil
	case ipv6.Version:
		b, err := p.Header(off, ipv6.HeaderLen)
		if err != nil {
			return nil, nil, err
		}
		h, err := ipv6.ParseHeader(b)
		if err != nil {
			return nil, nil, fmt.Errorf("ipv6 header at %d: %w", off, err)
		}
		return h.Src, h.Dst, nil
	}
	return nil, nil, fmt.Errorf("version %d at %d: %w", first[0]>>4, off, ErrNotIP)
}

// OnRelease registers a hook run once when the packet is released.
func (p *Packet) OnRelease(fn func(*Packet)) {
	p.onRelease = fn
}

// Release frees the packet's buffers. It returns ErrDoubleRelease when the
// packet was already released or handed off.
func (p *Packet) Release() error {
	if !p.released.CompareAndSwap(false, true) {
		return ErrDoubleRelease
	}
	if p.onRelease != nil {
		p.onRelease(p)
	}
	p.Chain = nil
	return nil
}

// Released reports whether Release (or Detach) has run.
func (p *Packet) Released() bool {
	return p.released.Load()
}

// Detach transfers ownership of the buffers out of p, returning them as a
// single-frame unit. The packet wrapper itself is released.
func (p *Packet) Detach() (*Unit, error) {
	if !p.released.CompareAndSwap(false, true) {
		return nil, ErrDoubleRelease
	}
	u := &Unit{Frames: []*Chain{p.Chain}, Offload: p.Offload}
	p.Chain = nil
	return u, nil
}

// Unit is the transmittable result of the pipeline: one frame, or several
// when the packet was split. All frames go to the same destination.
type Unit struct {
	Frames  []*Chain
	Offload Offload
	// Validated tells the fabric it may skip its own inspection.
	Validated bool
}

// Len returns the total bytes across all frames.
func (u *Unit) Len() int {
	n := 0
	for _, f := range u.Frames {
		n += f.Len()
	}
	return n
}

// Advance drops n bytes from the front of every frame.
func (u *Unit) Advance(n int) error {
	if n == 0 {
		return nil
	}
	for _, f := range u.Frames {
		if err := f.TrimFront(n); err != nil {
			return err
		}
	}
	return nil
}
