package iface

import (
	"errors"
	"fmt"
	"net"

	"github.com/vishvananda/netlink"
)

// LinkInfo is what the kernel reports about a device.
type LinkInfo struct {
	Index        int
	MTU          int
	HardwareAddr net.HardwareAddr
}

// LinkResolver looks up kernel devices by name.
type LinkResolver interface {
	Resolve(name string) (LinkInfo, error)
}

// NetlinkResolver resolves devices over rtnetlink.
type NetlinkResolver struct {
	h *netlink.Handle
}

// NewNetlinkResolver opens a netlink handle in the current namespace.
func NewNetlinkResolver() (*NetlinkResolver, error) {
	h, err := netlink.NewHandle()
	if err != nil {
		return nil, fmt.Errorf("netlink handle: %w", err)
	}
	return &NetlinkResolver{h: h}, nil
}

// Resolve returns the index, MTU and MAC of the named link. A missing link
// is reported as ErrDeviceMissing.
func (r *NetlinkResolver) Resolve(name string) (LinkInfo, error) {
	l, err := r.h.LinkByName(name)
	if err != nil {
		var nf netlink.LinkNotFoundError
		if errors.As(err, &nf) {
			return LinkInfo{}, fmt.Errorf("link %s: %w", name, ErrDeviceMissing)
		}
		return LinkInfo{}, fmt.Errorf("link %s: %w", name, err)
	}
	a := l.Attrs()
	return LinkInfo{Index: a.Index, MTU: a.MTU, HardwareAddr: a.HardwareAddr}, nil
}

// Close releases the netlink handle.
func (r *NetlinkResolver) Close() {
	r.h.Close()
}

// ResolvePhysical fills in the MTU and ifindex of a Physical interface
// from the kernel when they are not configured. Other kinds are returned
// unchanged.
func ResolvePhysical(res LinkResolver, i *Interface) (*Interface, error) {
	p, ok := i.Spec.(Physical)
	if !ok || res == nil || (i.MTU > 0 && p.Ifindex > 0) {
		return i, nil
	}
	info, err := res.Resolve(i.Name)
	if err != nil {
		return nil, err
	}
	out := i.Clone()
	if out.MTU <= 0 {
		out.MTU = info.MTU
	}
	if p.Ifindex <= 0 {
		p.Ifindex = info.Index
	}
	if len(p.HardwareAddr) == 0 {
		p.HardwareAddr = info.HardwareAddr
	}
	out.Spec = p
	return out, nil
}
