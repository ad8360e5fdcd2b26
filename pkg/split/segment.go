package split

import (
	"encoding/binary"
	"fmt"

	"github.com/psaab/vrhost/pkg/csum"
	"github.com/psaab/vrhost/pkg/packet"
)

const (
	tcpFIN = 0x01
	tcpPSH = 0x08
	tcpCWR = 0x80
)

// segment performs TCP segmentation of a large-send packet. It returns
// nil, nil when the packet does not carry TCP, leaving fragmentation to
// the caller.
func (s *Splitter) segment(p *packet.Packet, mtu int) (*packet.Unit, error) {
	ipOff := packet.EthHeaderLen
	v6 := p.Type == packet.TypeIP6
	overlay := p.Type.Overlay()
	if overlay {
		ipOff = p.InnerNetworkHeader
		v6 = p.Type.InnerIPv6()
	}

	tcpOff, proto, err := transportOffset(p, ipOff, v6)
	if err != nil || proto != packet.ProtoTCP {
		return nil, nil
	}
	doff, err := p.Header(tcpOff+12, 1)
	if err != nil {
		return nil, err
	}
	thl := int(doff[0]>>4) * 4
	if thl < packet.TCPHeaderLen {
		return nil, fmt.Errorf("tcp data offset %d: %w", thl, csum.ErrMalformed)
	}

	ipHdr, err := p.Header(ipOff, 6)
	if err != nil {
		return nil, err
	}
	var end int
	if v6 {
		end = ipOff + packet.IPv6HeaderLen + int(binary.BigEndian.Uint16(ipHdr[4:]))
	} else {
		end = ipOff + int(binary.BigEndian.Uint16(ipHdr[2:]))
	}
	hdrLen := tcpOff + thl
	if end > p.Len() || end < hdrLen {
		return nil, fmt.Errorf("inner length %d in %d-byte view: %w", end-ipOff, p.Len(), csum.ErrMalformed)
	}
	payloadLen := end - hdrLen

	overhead := hdrLen - packet.EthHeaderLen
	mss := min(p.Offload.MSS, mtu-overhead)
	if mss <= 0 {
		return nil, fmt.Errorf("mtu %d leaves no room after %d header bytes: %w", mtu, overhead, ErrResourceExhausted)
	}
	count := (payloadLen + mss - 1) / mss
	if count < 2 {
		return nil, nil
	}
	if err := s.checkCount(count); err != nil {
		return nil, err
	}

	orig := make([]byte, hdrLen)
	p.Chain.CopyOut(orig, p.Data)
	var src, dst []byte
	if v6 {
		src, dst = orig[ipOff+8:ipOff+24], orig[ipOff+24:ipOff+40]
	} else {
		src, dst = orig[ipOff+12:ipOff+16], orig[ipOff+16:ipOff+20]
	}
	seq := binary.BigEndian.Uint32(orig[tcpOff+4:])
	flags := orig[tcpOff+13]
	armed := p.Offload.TCPChecksum

	frames := make([]*packet.Chain, 0, count)
	for i, pos := 0, 0; pos < payloadLen; i, pos = i+1, pos+mss {
		n := min(mss, payloadLen-pos)
		hdr, err := s.allocHeader(hdrLen)
		if err != nil {
			return nil, err
		}
		copy(hdr, orig)

		if overlay {
			fixOuter(hdr, hdrLen+n, i, p.Offload.IPHeaderChecksum)
		}

		tcpLen := thl + n
		ip := hdr[ipOff:tcpOff]
		if v6 {
			binary.BigEndian.PutUint16(ip[4:], uint16(tcpLen))
		} else {
			binary.BigEndian.PutUint16(ip[2:], uint16(len(ip)+tcpLen))
			binary.BigEndian.PutUint16(ip[4:], binary.BigEndian.Uint16(ip[4:])+uint16(i))
			// Inner headers of an overlay are never offloaded.
			setIPv4Checksum(ip, !overlay && p.Offload.IPHeaderChecksum)
		}

		tcp := hdr[tcpOff:]
		binary.BigEndian.PutUint32(tcp[4:], seq+uint32(pos))
		f := flags
		if pos+n < payloadLen {
			f &^= tcpFIN | tcpPSH
		}
		if i > 0 {
			f &^= tcpCWR
		}
		tcp[13] = f

		payload, err := payloadSlices(p, hdrLen+pos, n)
		if err != nil {
			return nil, err
		}
		pseudo := csum.PseudoHeaderSum(packet.ProtoTCP, src, dst, tcpLen)
		if armed {
			binary.BigEndian.PutUint16(tcp[packet.TCPCsumOffset:], csum.Fold(pseudo))
		} else {
			binary.BigEndian.PutUint16(tcp[packet.TCPCsumOffset:], 0)
			sum := csum.SumSegments(payload, csum.Sum(tcp, pseudo))
			binary.BigEndian.PutUint16(tcp[packet.TCPCsumOffset:], ^csum.Fold(sum))
		}
		frames = append(frames, frame(hdr, payload))
	}

	off := p.Offload
	off.MSS = 0
	return &packet.Unit{Frames: frames, Offload: off}, nil
}

// fixOuter rewrites the outer IPv4 (and UDP, if present) header of the i-th
// overlay segment whose frame length is frameLen. DF is cleared since the
// router owns the outer header.
func fixOuter(hdr []byte, frameLen, i int, offloaded bool) {
	outer := hdr[packet.EthHeaderLen:]
	ihl := int(outer[0]&0x0f) * 4
	binary.BigEndian.PutUint16(outer[2:], uint16(frameLen-packet.EthHeaderLen))
	binary.BigEndian.PutUint16(outer[4:], binary.BigEndian.Uint16(outer[4:])+uint16(i))
	binary.BigEndian.PutUint16(outer[6:], binary.BigEndian.Uint16(outer[6:])&^flagDF)
	if outer[9] == packet.ProtoUDP {
		udp := outer[ihl:]
		binary.BigEndian.PutUint16(udp[4:], uint16(frameLen-packet.EthHeaderLen-ihl))
		udp[6], udp[7] = 0, 0
	}
	setIPv4Checksum(outer[:ihl], offloaded)
}
