// Package fabric is the boundary between the host interface pipeline and
// the forwarding fabric that puts frames on the wire.
package fabric

import (
	"errors"
	"fmt"

	"github.com/psaab/vrhost/pkg/packet"
)

var (
	// ErrContiguousViewUnavailable is returned when a linear view of a
	// chain range can be neither aliased nor copied.
	ErrContiguousViewUnavailable = errors.New("fabric: contiguous view unavailable")
	// ErrUnknownPort is returned when a destination port has no mapping.
	ErrUnknownPort = errors.New("fabric: unknown port")
)

// Destination selects the fabric port and NIC a unit is delivered to.
type Destination struct {
	PortID   uint32
	NICIndex int
}

func (d Destination) String() string {
	return fmt.Sprintf("port %d nic %d", d.PortID, d.NICIndex)
}

// Fabric is implemented by forwarding fabric backends.
type Fabric interface {
	// ContiguousView returns a linear view of chain bytes [off, off+n).
	// The release func is non-nil on success and must be called once.
	ContiguousView(c *packet.Chain, off, n int) ([]byte, func(), error)
	// Submit takes ownership of u and delivers it to dst.
	Submit(u *packet.Unit, dst Destination) error
	// MarkValidated tells the fabric it may skip its own inspection of u.
	MarkValidated(u *packet.Unit)
	// Alloc returns an n-byte buffer for split frame headers.
	Alloc(n int) ([]byte, error)
}

// viewOf aliases a contiguous range, or copies it when maxCopy allows.
// maxCopy < 0 disables copying, 0 means unlimited.
func viewOf(c *packet.Chain, off, n, maxCopy int) ([]byte, error) {
	if b, ok := c.Contiguous(off, n); ok {
		return b, nil
	}
	if off < 0 || n < 0 || off+n > c.Len() {
		return nil, fmt.Errorf("view [%d:%d] of %d-byte chain: %w", off, off+n, c.Len(), packet.ErrOutOfRange)
	}
	if maxCopy < 0 || (maxCopy > 0 && n > maxCopy) {
		return nil, fmt.Errorf("%d-byte view spans segments: %w", n, ErrContiguousViewUnavailable)
	}
	b := make([]byte, n)
	c.CopyOut(b, off)
	return b, nil
}
