package fabric

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/psaab/vrhost/pkg/csum"
	"github.com/psaab/vrhost/pkg/packet"
)

// virtio_net_hdr, prepended to every frame once PACKET_VNET_HDR is set.
const (
	vnetHdrLen       = 10
	vnetFlagNeedCsum = 1
	vnetGSONone      = 0
)

// AFPacket is a Fabric backed by a Linux packet socket. Transport checksum
// offload is passed to the kernel through a virtio net header; IPv4 header
// checksums, which the kernel never computes for packet sockets, are
// finished here.
type AFPacket struct {
	fd      int
	ports   PortMap
	maxCopy int

	sent   atomic.Uint64
	failed atomic.Uint64
}

// NewAFPacket opens a send-only packet socket. Destinations are resolved to
// an ifindex through ports.
func NewAFPacket(ports PortMap, maxCopy int) (*AFPacket, error) {
	// Protocol 0 keeps the socket from receiving any traffic.
	fd, err := unix.Socket(unix.AF_PACKET, unix.SOCK_RAW|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("raw socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_PACKET, unix.PACKET_VNET_HDR, 1); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("PACKET_VNET_HDR: %w", err)
	}
	return &AFPacket{fd: fd, ports: ports, maxCopy: maxCopy}, nil
}

func (a *AFPacket) ContiguousView(c *packet.Chain, off, n int) ([]byte, func(), error) {
	b, err := viewOf(c, off, n, a.maxCopy)
	if err != nil {
		return nil, nil, err
	}
	return b, func() {}, nil
}

func (a *AFPacket) MarkValidated(u *packet.Unit) {
	u.Validated = true
}

func (a *AFPacket) Alloc(n int) ([]byte, error) {
	return make([]byte, n), nil
}

func (a *AFPacket) Submit(u *packet.Unit, dst Destination) error {
	ifindex, err := a.ports.Lookup(dst.PortID)
	if err != nil {
		a.failed.Add(uint64(len(u.Frames)))
		return err
	}

	for i, f := range u.Frames {
		if err := a.send(f, u.Offload, ifindex); err != nil {
			a.failed.Add(uint64(len(u.Frames) - i))
			return fmt.Errorf("frame %d/%d to %s: %w", i+1, len(u.Frames), dst, err)
		}
		a.sent.Add(1)
	}
	return nil
}

func (a *AFPacket) send(f *packet.Chain, off packet.Offload, ifindex int) error {
	eth, ok := f.Contiguous(0, packet.EthHeaderLen)
	if !ok {
		return fmt.Errorf("link header: %w", packet.ErrHeaderNotContiguous)
	}
	if off.IPHeaderChecksum {
		if err := finishIPv4Header(f); err != nil {
			return err
		}
	}

	hdr := vnetHeader(off)
	bufs := make([][]byte, 0, len(f.Segments())+1)
	bufs = append(bufs, hdr[:])
	bufs = append(bufs, f.Segments()...)

	addr := &unix.SockaddrLinklayer{
		Protocol: htons(binary.BigEndian.Uint16(eth[12:])),
		Ifindex:  ifindex,
	}
	if _, err := unix.SendmsgBuffers(a.fd, bufs, nil, addr, 0); err != nil {
		slog.Debug("afpacket: send failed", "ifindex", ifindex, "err", err)
		return fmt.Errorf("sendmsg: %w", err)
	}
	return nil
}

func finishIPv4Header(f *packet.Chain) error {
	first, ok := f.Contiguous(packet.EthHeaderLen, packet.IPv4HeaderLen)
	if !ok {
		return fmt.Errorf("ipv4 header: %w", packet.ErrHeaderNotContiguous)
	}
	ihl := int(first[0]&0x0f) * 4
	hdr, ok := f.Contiguous(packet.EthHeaderLen, ihl)
	if !ok || ihl < packet.IPv4HeaderLen {
		return fmt.Errorf("ipv4 header of %d bytes: %w", ihl, packet.ErrHeaderNotContiguous)
	}
	binary.BigEndian.PutUint16(hdr[packet.IPv4CsumOffset:], csum.IPv4HeaderChecksum(hdr))
	return nil
}

// vnetHeader describes pending transport checksum work to the kernel. The
// producer's pseudo-header seed is already in the checksum field.
func vnetHeader(off packet.Offload) [vnetHdrLen]byte {
	var h [vnetHdrLen]byte
	h[1] = vnetGSONone
	if off.TCPHeaderOffset <= 0 || (!off.TCPChecksum && !off.UDPChecksum) {
		return h
	}
	field := packet.TCPCsumOffset
	if off.UDPChecksum {
		field = packet.UDPCsumOffset
	}
	h[0] = vnetFlagNeedCsum
	binary.NativeEndian.PutUint16(h[6:], uint16(off.TCPHeaderOffset))
	binary.NativeEndian.PutUint16(h[8:], uint16(field))
	return h
}

// Stats returns frames sent and frames that failed.
func (a *AFPacket) Stats() (sent, failed uint64) {
	return a.sent.Load(), a.failed.Load()
}

// Close closes the socket.
func (a *AFPacket) Close() error {
	return unix.Close(a.fd)
}

func htons(v uint16) uint16 {
	return (v << 8) | (v >> 8)
}
