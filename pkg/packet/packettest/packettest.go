// Package packettest builds reference frames for pipeline tests. Frames are
// serialized with gopacket so their checksums and lengths are independent of
// the code under test.
package packettest

import (
	"encoding/binary"
	"net"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/psaab/vrhost/pkg/packet"
)

// MPLSoUDPPort is the UDP destination port of MPLS-over-UDP overlays.
const MPLSoUDPPort = 6635

// OverlayInnerOffset is the view offset of the inner network header in
// frames built by Overlay: Ethernet, IPv4, UDP and one MPLS label.
const OverlayInnerOffset = packet.EthHeaderLen + packet.IPv4HeaderLen + packet.UDPHeaderLen + 4

var (
	SrcMAC = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
	DstMAC = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x02}

	Src4 = net.IP{10, 0, 0, 1}
	Dst4 = net.IP{10, 0, 0, 2}

	Tunnel4Src = net.IP{192, 168, 1, 1}
	Tunnel4Dst = net.IP{192, 168, 1, 2}

	Src6 = net.ParseIP("2001:db8::1")
	Dst6 = net.ParseIP("2001:db8::2")
)

// Flow describes the network and transport headers of a test packet.
type Flow struct {
	IPv6    bool
	Proto   uint8 // packet.ProtoTCP or packet.ProtoUDP
	Payload int
	DF      bool
	ID      uint16
	Seq     uint32
	FIN     bool
}

// Payload returns n bytes of a repeating, position-dependent pattern.
func Payload(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*7 + i>>8)
	}
	return b
}

var opts = gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}

// IP returns the network packet (no link header) described by f.
func IP(t testing.TB, f Flow) []byte {
	t.Helper()

	var net3 gopacket.SerializableLayer
	var nl gopacket.NetworkLayer
	if f.IPv6 {
		ip := &layers.IPv6{
			Version:    6,
			HopLimit:   64,
			NextHeader: layers.IPProtocol(f.Proto),
			SrcIP:      Src6,
			DstIP:      Dst6,
		}
		net3, nl = ip, ip
	} else {
		ip := &layers.IPv4{
			Version:  4,
			IHL:      5,
			TTL:      64,
			Id:       f.ID,
			Protocol: layers.IPProtocol(f.Proto),
			SrcIP:    Src4,
			DstIP:    Dst4,
		}
		if f.DF {
			ip.Flags = layers.IPv4DontFragment
		}
		net3, nl = ip, ip
	}

	var l4 gopacket.SerializableLayer
	switch f.Proto {
	case packet.ProtoTCP:
		tcp := &layers.TCP{
			SrcPort: 40000,
			DstPort: 80,
			Seq:     f.Seq,
			Ack:     1,
			ACK:     true,
			PSH:     true,
			FIN:     f.FIN,
			Window:  65535,
		}
		if err := tcp.SetNetworkLayerForChecksum(nl); err != nil {
			t.Fatal(err)
		}
		l4 = tcp
	case packet.ProtoUDP:
		udp := &layers.UDP{SrcPort: 40000, DstPort: 53}
		if err := udp.SetNetworkLayerForChecksum(nl); err != nil {
			t.Fatal(err)
		}
		l4 = udp
	default:
		t.Fatalf("unsupported protocol %d", f.Proto)
	}

	buf := gopacket.NewSerializeBuffer()
	if err := gopacket.SerializeLayers(buf, opts, net3, l4, gopacket.Payload(Payload(f.Payload))); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

// Frame returns an Ethernet frame carrying the packet described by f.
func Frame(t testing.TB, f Flow) []byte {
	t.Helper()
	et := layers.EthernetTypeIPv4
	if f.IPv6 {
		et = layers.EthernetTypeIPv6
	}
	return withEthernet(t, et, IP(t, f))
}

// Overlay returns an MPLS-over-UDP frame with the packet described by inner
// at OverlayInnerOffset. The outer UDP checksum is zero.
func Overlay(t testing.TB, inner Flow) []byte {
	t.Helper()
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Id:       0x1234,
		Flags:    layers.IPv4DontFragment,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    Tunnel4Src,
		DstIP:    Tunnel4Dst,
	}
	udp := &layers.UDP{SrcPort: 50000, DstPort: MPLSoUDPPort}
	if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
		t.Fatal(err)
	}
	mpls := &layers.MPLS{Label: 100, StackBottom: true, TTL: 64}
	eth := &layers.Ethernet{SrcMAC: SrcMAC, DstMAC: DstMAC, EthernetType: layers.EthernetTypeIPv4}

	buf := gopacket.NewSerializeBuffer()
	err := gopacket.SerializeLayers(buf, opts, eth, ip, udp, mpls, gopacket.Payload(IP(t, inner)))
	if err != nil {
		t.Fatal(err)
	}
	b := buf.Bytes()
	udpCsum := packet.EthHeaderLen + packet.IPv4HeaderLen + packet.UDPCsumOffset
	b[udpCsum], b[udpCsum+1] = 0, 0
	return b
}

func withEthernet(t testing.TB, et layers.EthernetType, payload []byte) []byte {
	t.Helper()
	eth := &layers.Ethernet{SrcMAC: SrcMAC, DstMAC: DstMAC, EthernetType: et}
	buf := gopacket.NewSerializeBuffer()
	if err := gopacket.SerializeLayers(buf, opts, eth, gopacket.Payload(payload)); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

// TransportOffset returns the offset of the transport header following the
// IP header at ipOff.
func TransportOffset(frame []byte, ipOff int) int {
	if frame[ipOff]>>4 == 6 {
		return ipOff + packet.IPv6HeaderLen
	}
	return ipOff + int(frame[ipOff]&0x0f)*4
}

func csumField(frame []byte, ipOff int) int {
	proto := frame[ipOff+9]
	if frame[ipOff]>>4 == 6 {
		proto = frame[ipOff+6]
	}
	off := TransportOffset(frame, ipOff)
	if proto == packet.ProtoTCP {
		return off + packet.TCPCsumOffset
	}
	return off + packet.UDPCsumOffset
}

// TransportChecksum returns the TCP/UDP checksum field of the segment
// following the IP header at ipOff.
func TransportChecksum(frame []byte, ipOff int) uint16 {
	return binary.BigEndian.Uint16(frame[csumField(frame, ipOff):])
}

// SeedPseudoHeader replaces the transport checksum with the folded,
// uncomplemented pseudo-header sum, as a producer requesting checksum
// offload does. It returns the original, fully computed checksum.
func SeedPseudoHeader(frame []byte, ipOff int) uint16 {
	field := csumField(frame, ipOff)
	orig := binary.BigEndian.Uint16(frame[field:])

	var src, dst []byte
	var proto uint8
	var length int
	if frame[ipOff]>>4 == 6 {
		src, dst = frame[ipOff+8:ipOff+24], frame[ipOff+24:ipOff+40]
		proto = frame[ipOff+6]
		length = int(binary.BigEndian.Uint16(frame[ipOff+4:]))
	} else {
		ihl := int(frame[ipOff]&0x0f) * 4
		src, dst = frame[ipOff+12:ipOff+16], frame[ipOff+16:ipOff+20]
		proto = frame[ipOff+9]
		length = int(binary.BigEndian.Uint16(frame[ipOff+2:])) - ihl
	}

	var sum uint32
	for _, b := range [][]byte{src, dst} {
		for i := 0; i < len(b); i += 2 {
			sum += uint32(binary.BigEndian.Uint16(b[i:]))
		}
	}
	sum += uint32(proto) + uint32(length)
	for sum > 0xffff {
		sum = sum>>16 + sum&0xffff
	}
	binary.BigEndian.PutUint16(frame[field:], uint16(sum))
	return orig
}

// Split cuts b into segments at the given offsets, producing a chain whose
// segment boundaries are known to the test.
func Split(b []byte, at ...int) *packet.Chain {
	c := packet.NewChain()
	prev := 0
	for _, a := range at {
		c.Append(b[prev:a])
		prev = a
	}
	c.Append(b[prev:])
	return c
}
