package csum

import (
	"bytes"
	"errors"
	"testing"

	"github.com/psaab/vrhost/pkg/packet"
	"github.com/psaab/vrhost/pkg/packet/packettest"
)

const (
	outerIP = packet.EthHeaderLen
	innerIP = packettest.OverlayInnerOffset
)

func overlayPacket(t *testing.T, inner packettest.Flow) (*packet.Packet, []byte, uint16) {
	t.Helper()
	frame := packettest.Overlay(t, inner)
	want := packettest.SeedPseudoHeader(frame, innerIP)
	typ := packet.TypeIPOIP
	if inner.IPv6 {
		typ = packet.TypeIP6OIP
	}
	p := packet.New(typ, packet.NewChain(frame))
	p.InnerNetworkHeader = innerIP
	return p, frame, want
}

func TestCorrectTunneledOuterOffloaded(t *testing.T) {
	p, frame, want := overlayPacket(t, packettest.Flow{Proto: packet.ProtoTCP, Payload: 500})
	frame[innerIP+packet.IPv4CsumOffset] ^= 0xff
	p.Offload = packet.Offload{IPHeaderChecksum: true, TCPChecksum: true, TCPHeaderOffset: innerIP + 20}

	r := CorrectTunneled(p, &copyViewer{})
	if r.Err != nil || r.Fallback || !r.TransportFixed {
		t.Fatalf("result = %+v", r)
	}
	if f := frame[outerIP+packet.IPv4CsumOffset:]; f[0] != 0 || f[1] != 0 {
		t.Error("outer checksum must be zeroed when offload is armed")
	}
	if !VerifyIPv4Header(frame[innerIP:]) {
		t.Error("inner IPv4 checksum not recomputed")
	}
	if got := packettest.TransportChecksum(frame, innerIP); got != want {
		t.Errorf("inner tcp checksum = %#04x, want %#04x", got, want)
	}
	if p.Offload.TCPChecksum || p.Offload.TCPHeaderOffset != 0 {
		t.Errorf("tcp offload must be disarmed after software fix: %+v", p.Offload)
	}
	if !p.Offload.IPHeaderChecksum {
		t.Error("outer header offload must stay armed")
	}
}

func TestCorrectTunneledOuterSoftware(t *testing.T) {
	p, frame, _ := overlayPacket(t, packettest.Flow{Proto: packet.ProtoUDP, Payload: 64})
	frame[outerIP+packet.IPv4CsumOffset] = 0
	frame[outerIP+packet.IPv4CsumOffset+1] = 0
	seeded := packettest.TransportChecksum(frame, innerIP)

	r := CorrectTunneled(p, &copyViewer{})
	if r.Err != nil || r.TransportFixed {
		t.Fatalf("result = %+v", r)
	}
	if !VerifyIPv4Header(frame[outerIP:]) {
		t.Error("outer checksum must be recomputed when offload is not armed")
	}
	if got := packettest.TransportChecksum(frame, innerIP); got != seeded {
		t.Error("transport checksum touched without offload intent")
	}
}

func TestCorrectTunneledInnerIPv6(t *testing.T) {
	p, frame, want := overlayPacket(t, packettest.Flow{IPv6: true, Proto: packet.ProtoUDP, Payload: 90})
	p.Offload.UDPChecksum = true
	inner := append([]byte(nil), frame[innerIP:innerIP+packet.IPv6HeaderLen]...)

	r := CorrectTunneled(p, &copyViewer{})
	if r.Err != nil {
		t.Fatalf("CorrectTunneled: %v", r.Err)
	}
	if !bytes.Equal(frame[innerIP:innerIP+packet.IPv6HeaderLen], inner) {
		t.Error("inner IPv6 header must not be modified")
	}
	if got := packettest.TransportChecksum(frame, innerIP); got != want {
		t.Errorf("inner udp checksum = %#04x, want %#04x", got, want)
	}
	if p.Offload.UDPChecksum {
		t.Error("udp offload must be disarmed")
	}
}

func TestCorrectTunneledViewFallback(t *testing.T) {
	p, frame, _ := overlayPacket(t, packettest.Flow{Proto: packet.ProtoTCP, Payload: 200})
	seeded := packettest.TransportChecksum(frame, innerIP)
	p.Offload = packet.Offload{TCPChecksum: true, TCPHeaderOffset: innerIP + 20}

	r := CorrectTunneled(p, &copyViewer{fail: errNoView})
	if !r.Fallback || r.TransportFixed {
		t.Errorf("result = %+v, want fallback", r)
	}
	if !errors.Is(r.Err, errNoView) {
		t.Errorf("err = %v, want errNoView", r.Err)
	}
	if !p.Offload.TCPChecksum || p.Offload.TCPHeaderOffset != innerIP+20 {
		t.Errorf("offload must stay armed on fallback: %+v", p.Offload)
	}
	if got := packettest.TransportChecksum(frame, innerIP); got != seeded {
		t.Error("seed overwritten on fallback")
	}
}

func TestCorrectTunneledBothTransportFlags(t *testing.T) {
	for _, proto := range []uint8{packet.ProtoUDP, packet.ProtoTCP} {
		p, frame, want := overlayPacket(t, packettest.Flow{Proto: proto, Payload: 120})
		p.Offload = packet.Offload{TCPChecksum: true, UDPChecksum: true, TCPHeaderOffset: innerIP + 20}

		r := CorrectTunneled(p, &copyViewer{})
		if r.Err != nil || !r.TransportFixed {
			t.Fatalf("proto %d: result = %+v", proto, r)
		}
		if got := packettest.TransportChecksum(frame, innerIP); got != want {
			t.Errorf("proto %d: checksum = %#04x, want %#04x", proto, got, want)
		}
		if p.Offload.TCPChecksum || p.Offload.UDPChecksum || p.Offload.TCPHeaderOffset != 0 {
			t.Errorf("proto %d: offload = %+v, want disarmed", proto, p.Offload)
		}
	}
}

func TestCorrectTunneledInnerOffsetOverlapsOuter(t *testing.T) {
	for _, off := range []int{0, outerIP, outerIP + packet.IPv4HeaderLen - 1} {
		p, frame, _ := overlayPacket(t, packettest.Flow{Proto: packet.ProtoUDP, Payload: 40})
		p.InnerNetworkHeader = off
		p.Offload.UDPChecksum = true
		orig := append([]byte(nil), frame...)

		r := CorrectTunneled(p, &copyViewer{})
		if !errors.Is(r.Err, ErrMalformed) {
			t.Errorf("offset %d: err = %v, want ErrMalformed", off, r.Err)
		}
		if !bytes.Equal(frame, orig) {
			t.Errorf("offset %d: frame modified", off)
		}
		if !p.Offload.UDPChecksum {
			t.Errorf("offset %d: offload must stay armed", off)
		}
	}
}

func TestCorrectPlainV4(t *testing.T) {
	t.Run("from tunnel", func(t *testing.T) {
		frame := packettest.Frame(t, packettest.Flow{Proto: packet.ProtoTCP, Payload: 40})
		orig := append([]byte(nil), frame...)
		p := packet.New(packet.TypeIP, packet.NewChain(frame))
		p.Decapsulated = true
		p.Offload = packet.Offload{IPHeaderChecksum: true, TCPChecksum: true, TCPHeaderOffset: 34, MSS: 1400}

		if r := CorrectPlainV4(p); r.Err != nil {
			t.Fatal(r.Err)
		}
		if p.Offload != (packet.Offload{MSS: 1400}) {
			t.Errorf("offload = %+v, want only MSS", p.Offload)
		}
		if !bytes.Equal(frame, orig) {
			t.Error("frame bytes must not change")
		}
	})
	t.Run("local with header offload", func(t *testing.T) {
		frame := packettest.Frame(t, packettest.Flow{Proto: packet.ProtoTCP, Payload: 40})
		p := packet.New(packet.TypeIP, packet.NewChain(frame))
		p.Offload = packet.Offload{IPHeaderChecksum: true, TCPChecksum: true}

		if r := CorrectPlainV4(p); r.Err != nil {
			t.Fatal(r.Err)
		}
		if f := frame[outerIP+packet.IPv4CsumOffset:]; f[0] != 0 || f[1] != 0 {
			t.Error("header checksum must be zeroed")
		}
		if !p.Offload.IPHeaderChecksum || !p.Offload.TCPChecksum {
			t.Error("offload intent must be preserved for local packets")
		}
	})
	t.Run("local without offload", func(t *testing.T) {
		frame := packettest.Frame(t, packettest.Flow{Proto: packet.ProtoUDP, Payload: 40})
		orig := append([]byte(nil), frame...)
		p := packet.New(packet.TypeIP, packet.NewChain(frame))
		CorrectPlainV4(p)
		if !bytes.Equal(frame, orig) {
			t.Error("frame bytes must not change")
		}
	})
}

func TestNewStrategy(t *testing.T) {
	for _, s := range []Strategy{"", StrategyFixup, StrategySoftware} {
		c, err := New(s, &copyViewer{})
		if err != nil {
			t.Errorf("New(%q): %v", s, err)
			continue
		}
		want := s
		if want == "" {
			want = StrategyFixup
		}
		if c.Strategy() != want {
			t.Errorf("New(%q).Strategy() = %q", s, c.Strategy())
		}
	}
	if _, err := New("hardware", nil); err == nil {
		t.Error("unknown strategy must fail")
	}
}

func TestSoftwareStrategy(t *testing.T) {
	c, err := New(StrategySoftware, &copyViewer{})
	if err != nil {
		t.Fatal(err)
	}

	t.Run("plain ipv4", func(t *testing.T) {
		frame := packettest.Frame(t, packettest.Flow{Proto: packet.ProtoTCP, Payload: 300})
		want := packettest.SeedPseudoHeader(frame, outerIP)
		frame[outerIP+packet.IPv4CsumOffset] = 0
		frame[outerIP+packet.IPv4CsumOffset+1] = 0
		p := packet.New(packet.TypeIP, packet.NewChain(frame))
		p.Offload = packet.Offload{IPHeaderChecksum: true, TCPChecksum: true, TCPHeaderOffset: 34, MSS: 1200}

		if r := c.Correct(p); r.Err != nil {
			t.Fatal(r.Err)
		}
		if !VerifyIPv4Header(frame[outerIP:]) {
			t.Error("header checksum not computed")
		}
		if got := packettest.TransportChecksum(frame, outerIP); got != want {
			t.Errorf("tcp checksum = %#04x, want %#04x", got, want)
		}
		if p.Offload.Armed() {
			t.Errorf("offload still armed: %+v", p.Offload)
		}
		if p.Offload.MSS != 1200 {
			t.Error("MSS hint must be kept")
		}
	})

	t.Run("overlay", func(t *testing.T) {
		p, frame, want := overlayPacket(t, packettest.Flow{Proto: packet.ProtoTCP, Payload: 100})
		frame[outerIP+packet.IPv4CsumOffset] ^= 0x55
		p.Offload = packet.Offload{IPHeaderChecksum: true, TCPChecksum: true}

		if r := c.Correct(p); r.Err != nil {
			t.Fatal(r.Err)
		}
		if !VerifyIPv4Header(frame[outerIP:]) || !VerifyIPv4Header(frame[innerIP:]) {
			t.Error("outer and inner header checksums must be valid")
		}
		if got := packettest.TransportChecksum(frame, innerIP); got != want {
			t.Errorf("inner tcp checksum = %#04x, want %#04x", got, want)
		}
		if p.Offload.Armed() {
			t.Errorf("offload still armed: %+v", p.Offload)
		}
	})
}

func TestFixupStrategyIgnoresOther(t *testing.T) {
	c, _ := New(StrategyFixup, &copyViewer{})
	b := []byte{1, 2, 3, 4, 5}
	p := packet.New(packet.TypeOther, packet.NewChain(b))
	p.Offload.IPHeaderChecksum = true
	if r := c.Correct(p); r != (Result{}) {
		t.Errorf("result = %+v", r)
	}
	if !bytes.Equal(b, []byte{1, 2, 3, 4, 5}) || !p.Offload.IPHeaderChecksum {
		t.Error("TypeOther must pass through untouched")
	}
}
