package packet

import (
	"bytes"
	"errors"
	"testing"
)

func TestChainContiguous(t *testing.T) {
	c := NewChain([]byte{1, 2, 3, 4}, []byte{5, 6}, nil, []byte{7, 8, 9})
	if c.Len() != 9 {
		t.Fatalf("Len = %d, want 9", c.Len())
	}

	tests := []struct {
		off, n int
		ok     bool
		want   []byte
	}{
		{0, 4, true, []byte{1, 2, 3, 4}},
		{1, 2, true, []byte{2, 3}},
		{4, 2, true, []byte{5, 6}},
		{3, 2, false, nil},
		{6, 3, true, []byte{7, 8, 9}},
		{8, 2, false, nil},
		{-1, 1, false, nil},
	}
	for _, tt := range tests {
		got, ok := c.Contiguous(tt.off, tt.n)
		if ok != tt.ok {
			t.Errorf("Contiguous(%d, %d) ok = %v, want %v", tt.off, tt.n, ok, tt.ok)
			continue
		}
		if ok && !bytes.Equal(got, tt.want) {
			t.Errorf("Contiguous(%d, %d) = %v, want %v", tt.off, tt.n, got, tt.want)
		}
	}
}

func TestChainContiguousAliases(t *testing.T) {
	seg := []byte{1, 2, 3}
	c := NewChain(seg)
	b, ok := c.Contiguous(1, 1)
	if !ok {
		t.Fatal("expected contiguous range")
	}
	b[0] = 0xaa
	if seg[1] != 0xaa {
		t.Error("Contiguous must alias the underlying segment")
	}
}

func TestChainSliceAndCopyOut(t *testing.T) {
	c := NewChain([]byte{1, 2, 3}, []byte{4, 5}, []byte{6, 7, 8})
	s, err := c.Slice(2, 5)
	if err != nil {
		t.Fatalf("Slice: %v", err)
	}
	if got := s.Bytes(); !bytes.Equal(got, []byte{3, 4, 5, 6, 7}) {
		t.Errorf("Slice bytes = %v", got)
	}
	if len(s.Segments()) != 3 {
		t.Errorf("Slice segments = %d, want 3", len(s.Segments()))
	}

	if _, err := c.Slice(6, 4); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("Slice past end: err = %v, want ErrOutOfRange", err)
	}

	dst := make([]byte, 4)
	if n := c.CopyOut(dst, 4); n != 4 || !bytes.Equal(dst, []byte{5, 6, 7, 8}) {
		t.Errorf("CopyOut = %d %v", n, dst)
	}
}

func TestChainTrimFront(t *testing.T) {
	c := NewChain([]byte{1, 2}, []byte{3, 4, 5})
	if err := c.TrimFront(3); err != nil {
		t.Fatalf("TrimFront: %v", err)
	}
	if got := c.Bytes(); !bytes.Equal(got, []byte{4, 5}) {
		t.Errorf("after trim = %v", got)
	}
	if err := c.TrimFront(3); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("over-trim err = %v", err)
	}
}

func TestPacketHeader(t *testing.T) {
	frame := make([]byte, 40)
	frame[16] = 0x45
	p := New(TypeIP, NewChain(frame[:30], frame[30:]))
	p.Data = 2

	h, err := p.Header(EthHeaderLen, 4)
	if err != nil {
		t.Fatalf("Header: %v", err)
	}
	if h[0] != 0x45 {
		t.Errorf("Header[0] = %#x, want 0x45 (view is offset by Data)", h[0])
	}

	if _, err := p.Header(26, 4); !errors.Is(err, ErrHeaderNotContiguous) {
		t.Errorf("split header err = %v, want ErrHeaderNotContiguous", err)
	}
	if _, err := p.Header(36, 4); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("out of range err = %v, want ErrOutOfRange", err)
	}
}

func TestPacketReleaseOnce(t *testing.T) {
	p := New(TypeOther, NewChain([]byte{1}))
	calls := 0
	p.OnRelease(func(*Packet) { calls++ })

	if err := p.Release(); err != nil {
		t.Fatalf("first Release: %v", err)
	}
	if err := p.Release(); !errors.Is(err, ErrDoubleRelease) {
		t.Errorf("second Release err = %v, want ErrDoubleRelease", err)
	}
	if calls != 1 {
		t.Errorf("release hook ran %d times, want 1", calls)
	}
	if _, err := p.Detach(); !errors.Is(err, ErrDoubleRelease) {
		t.Errorf("Detach after Release err = %v", err)
	}
}

func TestPacketDetach(t *testing.T) {
	c := NewChain([]byte{1, 2, 3, 4})
	p := New(TypeIP, c)
	p.Offload.TCPChecksum = true
	u, err := p.Detach()
	if err != nil {
		t.Fatalf("Detach: %v", err)
	}
	if len(u.Frames) != 1 || u.Frames[0] != c {
		t.Error("Detach must move the original chain into the unit")
	}
	if !u.Offload.TCPChecksum {
		t.Error("Detach must carry offload intent")
	}
	if !p.Released() || p.Chain != nil {
		t.Error("packet wrapper must be released after Detach")
	}
	if err := u.Advance(2); err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if u.Len() != 2 {
		t.Errorf("unit Len = %d, want 2", u.Len())
	}
}

func TestFromTunnel(t *testing.T) {
	p := New(TypeIP, NewChain(make([]byte, 60)))
	if p.FromTunnel() {
		t.Error("fresh packet should not be from a tunnel")
	}
	p.Data = 14
	if !p.FromTunnel() {
		t.Error("non-zero Data should mark a decapsulated packet")
	}
	p.Data = 0
	p.Decapsulated = true
	if !p.FromTunnel() {
		t.Error("Decapsulated flag should mark a decapsulated packet")
	}
}

func TestTypePredicates(t *testing.T) {
	if !TypeIPOIP.Overlay() || !TypeIP6OIP.Overlay() || TypeIP.Overlay() {
		t.Error("Overlay classification wrong")
	}
	if !TypeIP6.InnerIPv6() || !TypeIP6OIP.InnerIPv6() || TypeIPOIP.InnerIPv6() {
		t.Error("InnerIPv6 classification wrong")
	}
}
