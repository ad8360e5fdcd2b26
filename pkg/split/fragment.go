package split

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/psaab/vrhost/pkg/csum"
	"github.com/psaab/vrhost/pkg/packet"
)

const (
	flagDF     = 0x4000
	flagMF     = 0x2000
	offsetMask = 0x1fff

	protoIPv6Frag  = 44
	fragHeaderLen  = 8
	fragMoreFollow = 0x0001
)

var errAlreadyFragmented = errors.New("split: ipv6 packet already fragmented")

// fragment4 fragments the outermost IPv4 header. Options are replicated in
// every fragment.
func (s *Splitter) fragment4(p *packet.Packet, mtu int) (*packet.Unit, error) {
	const ipOff = packet.EthHeaderLen

	first, err := p.Header(ipOff, packet.IPv4HeaderLen)
	if err != nil {
		return nil, err
	}
	ihl := int(first[0]&0x0f) * 4
	total := int(binary.BigEndian.Uint16(first[2:]))
	if ihl < packet.IPv4HeaderLen || total < ihl || ipOff+total > p.Len() {
		return nil, fmt.Errorf("ipv4 ihl %d total %d in %d-byte view: %w", ihl, total, p.Len(), csum.ErrMalformed)
	}

	maxData := (mtu - ihl) &^ 7
	if maxData < 8 {
		return nil, fmt.Errorf("mtu %d leaves no room after %d-byte header: %w", mtu, ihl, ErrResourceExhausted)
	}
	hdrLen := ipOff + ihl
	payloadLen := total - ihl
	count := (payloadLen + maxData - 1) / maxData
	if err := s.checkCount(count); err != nil {
		return nil, err
	}
	if err := s.finishTransport(p); err != nil {
		return nil, fmt.Errorf("finishing transport checksum: %w", err)
	}

	orig := make([]byte, hdrLen)
	p.Chain.CopyOut(orig, p.Data)
	fo := binary.BigEndian.Uint16(orig[ipOff+6:])
	baseOff := int(fo & offsetMask)
	origMF := fo&flagMF != 0

	frames := make([]*packet.Chain, 0, count)
	for pos := 0; pos < payloadLen; pos += maxData {
		n := min(maxData, payloadLen-pos)
		hdr, err := s.allocHeader(hdrLen)
		if err != nil {
			return nil, err
		}
		copy(hdr, orig)
		ip := hdr[ipOff:]
		binary.BigEndian.PutUint16(ip[2:], uint16(ihl+n))
		flags := uint16(baseOff+pos/8) & offsetMask
		if pos+n < payloadLen || origMF {
			flags |= flagMF
		}
		binary.BigEndian.PutUint16(ip[6:], flags)
		setIPv4Checksum(ip[:ihl], false)

		payload, err := payloadSlices(p, hdrLen+pos, n)
		if err != nil {
			return nil, err
		}
		frames = append(frames, frame(hdr, payload))
	}

	off := p.Offload
	off.IPHeaderChecksum = false
	off.MSS = 0
	return &packet.Unit{Frames: frames, Offload: off}, nil
}

// fragment6 inserts a Fragment extension header after the fixed IPv6 header.
// Extension headers already present travel in the fragmentable part.
func (s *Splitter) fragment6(p *packet.Packet, mtu int) (*packet.Unit, error) {
	const ipOff = packet.EthHeaderLen

	fixed, err := p.Header(ipOff, packet.IPv6HeaderLen)
	if err != nil {
		return nil, err
	}
	payloadLen := int(binary.BigEndian.Uint16(fixed[4:]))
	hdrLen := ipOff + packet.IPv6HeaderLen
	if hdrLen+payloadLen > p.Len() {
		return nil, fmt.Errorf("ipv6 payload length %d in %d-byte view: %w", payloadLen, p.Len(), csum.ErrMalformed)
	}
	if fixed[6] == protoIPv6Frag {
		return nil, errAlreadyFragmented
	}

	maxData := (mtu - packet.IPv6HeaderLen - fragHeaderLen) &^ 7
	if maxData < 8 {
		return nil, fmt.Errorf("mtu %d leaves no room for ipv6 fragments: %w", mtu, ErrResourceExhausted)
	}
	count := (payloadLen + maxData - 1) / maxData
	if err := s.checkCount(count); err != nil {
		return nil, err
	}
	if err := s.finishTransport(p); err != nil {
		return nil, fmt.Errorf("finishing transport checksum: %w", err)
	}

	orig := make([]byte, hdrLen)
	p.Chain.CopyOut(orig, p.Data)
	next := orig[ipOff+6]
	id := s.fragID.Add(1)

	frames := make([]*packet.Chain, 0, count)
	for pos := 0; pos < payloadLen; pos += maxData {
		n := min(maxData, payloadLen-pos)
		hdr, err := s.allocHeader(hdrLen + fragHeaderLen)
		if err != nil {
			return nil, err
		}
		copy(hdr, orig)
		binary.BigEndian.PutUint16(hdr[ipOff+4:], uint16(fragHeaderLen+n))
		hdr[ipOff+6] = protoIPv6Frag

		fh := hdr[hdrLen:]
		fh[0] = next
		fh[1] = 0
		fo := uint16(pos/8) << 3
		if pos+n < payloadLen {
			fo |= fragMoreFollow
		}
		binary.BigEndian.PutUint16(fh[2:], fo)
		binary.BigEndian.PutUint32(fh[4:], id)

		payload, err := payloadSlices(p, hdrLen+pos, n)
		if err != nil {
			return nil, err
		}
		frames = append(frames, frame(hdr, payload))
	}

	off := p.Offload
	off.MSS = 0
	return &packet.Unit{Frames: frames, Offload: off}, nil
}
