package csum

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/psaab/vrhost/pkg/packet"
)

// ErrMalformed is returned when a header's own length fields do not fit the
// packet.
var ErrMalformed = errors.New("csum: malformed header")

// Viewer provides a linear view of a chain range, copying when the range is
// not contiguous. The release func must be called once the view is no longer
// used; it is never nil when err is nil.
type Viewer interface {
	ContiguousView(c *packet.Chain, off, n int) ([]byte, func(), error)
}

// ZeroHeaderChecksum clears the IPv4 header checksum at view offset off. The
// fabric computes offloaded checksums incrementally, so the field must start
// at zero.
func ZeroHeaderChecksum(p *packet.Packet, off int) error {
	f, err := p.Header(off+packet.IPv4CsumOffset, 2)
	if err != nil {
		return err
	}
	f[0], f[1] = 0, 0
	return nil
}

// RecomputeHeaderChecksum writes a fresh checksum into the IPv4 header at
// view offset off.
func RecomputeHeaderChecksum(p *packet.Packet, off int) error {
	first, err := p.Header(off, 1)
	if err != nil {
		return err
	}
	ihl := int(first[0]&0x0f) * 4
	if ihl < packet.IPv4HeaderLen {
		return fmt.Errorf("ipv4 ihl %d at offset %d: %w", ihl, off, ErrMalformed)
	}
	hdr, err := p.Header(off, ihl)
	if err != nil {
		return err
	}
	binary.BigEndian.PutUint16(hdr[packet.IPv4CsumOffset:], IPv4HeaderChecksum(hdr))
	return nil
}

// RecomputeTransportChecksum computes the TCP or UDP checksum of the
// segment following the IP header at view offset off and writes it into the
// transport header.
//
// An offload-armed segment carries the pseudo-header sum in its checksum
// field, so the segment is summed as-is. When the payload is not contiguous
// a copy is requested from v; if that fails the error wraps the viewer's
// error and nothing is written.
func RecomputeTransportChecksum(p *packet.Packet, off int, v Viewer) error {
	first, err := p.Header(off, 1)
	if err != nil {
		return err
	}

	var start, size int
	var proto uint8
	switch first[0] >> 4 {
	case 6:
		hdr, err := p.Header(off, packet.IPv6HeaderLen)
		if err != nil {
			return err
		}
		start = off + packet.IPv6HeaderLen
		size = int(binary.BigEndian.Uint16(hdr[4:]))
		proto = hdr[6]
	case 4:
		hdr, err := p.Header(off, packet.IPv4HeaderLen)
		if err != nil {
			return err
		}
		ihl := int(hdr[0]&0x0f) * 4
		total := int(binary.BigEndian.Uint16(hdr[2:]))
		if ihl < packet.IPv4HeaderLen || total < ihl {
			return fmt.Errorf("ipv4 ihl %d total %d at offset %d: %w", ihl, total, off, ErrMalformed)
		}
		start = off + ihl
		size = total - ihl
		proto = hdr[9]
	default:
		return fmt.Errorf("ip version %d at offset %d: %w", first[0]>>4, off, ErrMalformed)
	}
	if start+size > p.Len() {
		return fmt.Errorf("transport length %d at offset %d exceeds %d-byte view: %w", size, start, p.Len(), ErrMalformed)
	}

	var fieldOff int
	switch proto {
	case packet.ProtoTCP:
		fieldOff = packet.TCPCsumOffset
	case packet.ProtoUDP:
		fieldOff = packet.UDPCsumOffset
	default:
		fieldOff = -1
	}
	if fieldOff >= 0 && size < fieldOff+2 {
		return fmt.Errorf("protocol %d segment of %d bytes: %w", proto, size, ErrMalformed)
	}

	view, release, err := v.ContiguousView(p.Chain, p.Data+start, size)
	if err != nil {
		return fmt.Errorf("transport payload at offset %d: %w", start, err)
	}
	defer release()

	sum := Checksum(view, 0)
	if fieldOff < 0 {
		return nil
	}
	// The transport header is guaranteed to sit next to the IP header.
	f, err := p.Header(start+fieldOff, 2)
	if err != nil {
		return err
	}
	binary.BigEndian.PutUint16(f, sum)
	return nil
}

// Result reports what a correction pass did to a packet.
type Result struct {
	// TransportFixed is set when software took over a TCP/UDP checksum.
	TransportFixed bool
	// Fallback is set when a transport checksum stayed offloaded because
	// no contiguous view was available.
	Fallback bool
	// Err is the first header error seen; the packet is sent regardless.
	Err error
}

func (r *Result) fail(err error) {
	if err != nil && r.Err == nil {
		r.Err = err
	}
}

// fixTransport takes over an armed TCP/UDP checksum offload. The protocol
// comes from the IP header, so the checksum is computed once however many
// transport flags the producer armed, and all of them are disarmed on
// success.
func fixTransport(p *packet.Packet, off int, v Viewer, r *Result) {
	if !p.Offload.TCPChecksum && !p.Offload.UDPChecksum {
		return
	}
	if err := RecomputeTransportChecksum(p, off, v); err != nil {
		r.Fallback = true
		r.fail(err)
		return
	}
	p.Offload.TCPChecksum = false
	p.Offload.UDPChecksum = false
	p.Offload.TCPHeaderOffset = 0
	r.TransportFixed = true
}

// CorrectTunneled fixes outer and inner checksums of an overlay packet.
//
// The outer IPv4 checksum is zeroed when its offload is armed and
// recomputed otherwise. The inner IPv4 checksum is always recomputed since
// inner headers are never offloaded once tunneled. Armed TCP/UDP offloads
// are taken over in software when possible; otherwise they stay armed. A
// packet whose inner header offset overlaps the outer headers is left
// untouched.
func CorrectTunneled(p *packet.Packet, v Viewer) Result {
	var r Result
	if err := checkInner(p); err != nil {
		r.fail(err)
		return r
	}
	if p.Offload.IPHeaderChecksum {
		r.fail(ZeroHeaderChecksum(p, packet.EthHeaderLen))
	} else {
		r.fail(RecomputeHeaderChecksum(p, packet.EthHeaderLen))
	}

	if !p.Type.InnerIPv6() {
		r.fail(RecomputeHeaderChecksum(p, p.InnerNetworkHeader))
	}

	fixTransport(p, p.InnerNetworkHeader, v, &r)
	return r
}

// checkInner rejects an inner network header that does not lie past the
// outer Ethernet and IPv4 headers.
func checkInner(p *packet.Packet) error {
	if lo := packet.EthHeaderLen + packet.IPv4HeaderLen; p.InnerNetworkHeader < lo {
		return fmt.Errorf("inner header offset %d below %d: %w", p.InnerNetworkHeader, lo, ErrMalformed)
	}
	return nil
}

// CorrectPlainV4 prepares a plain IPv4 packet for transmission.
//
// Packets that arrived through a tunnel carry receive-side offload metadata
// that no longer describes any header present, so every checksum offload is
// disarmed. Packets from local producers get their header checksum zeroed
// when the fabric will fill it in.
func CorrectPlainV4(p *packet.Packet) Result {
	var r Result
	if p.FromTunnel() {
		p.Offload = packet.Offload{MSS: p.Offload.MSS}
		return r
	}
	if p.Offload.IPHeaderChecksum {
		r.fail(ZeroHeaderChecksum(p, packet.EthHeaderLen))
	}
	return r
}
