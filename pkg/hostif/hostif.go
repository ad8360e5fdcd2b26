// Package hostif implements the host interface driver of the virtual
// router: the capability set the interface manager calls, and the transmit
// pipeline that finishes each packet (checksums, splitting) before handing
// it to the forwarding fabric.
package hostif

import (
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/psaab/vrhost/pkg/csum"
	"github.com/psaab/vrhost/pkg/fabric"
	"github.com/psaab/vrhost/pkg/iface"
	"github.com/psaab/vrhost/pkg/logging"
	"github.com/psaab/vrhost/pkg/split"
)

// ErrNotImplemented is returned by queries a host interface does not
// support.
var ErrNotImplemented = errors.New("hostif: not implemented")

// Encap is the link encapsulation of an interface.
type Encap int

const (
	EncapNone Encap = iota
	EncapEther
	EncapL3
)

func (e Encap) String() string {
	switch e {
	case EncapEther:
		return "ethernet"
	case EncapL3:
		return "l3"
	default:
		return "none"
	}
}

// Settings are link settings (speed, duplex) of an interface.
type Settings struct {
	SpeedMbps int
	Duplex    string
}

// Options configures a HostInterface.
type Options struct {
	Fabric   fabric.Fabric
	Registry *iface.Registry
	// Strategy selects checksum correction; empty means csum.StrategyFixup.
	Strategy    csum.Strategy
	MaxSegments int
	// Agent receives packets sent to the Agent interface. Optional.
	Agent AgentPath
	// Resolver fills in kernel details of Physical interfaces. Optional.
	Resolver iface.LinkResolver
	// Ports receives port to ifindex mappings. Optional.
	Ports fabric.PortMap
	// Events records per-packet drops and fallbacks. Optional.
	Events *logging.EventBuffer
}

// HostInterface is the host interface driver.
type HostInterface struct {
	reg       *iface.Registry
	fab       fabric.Fabric
	corrector csum.Corrector
	splitter  *split.Splitter
	agent     AgentPath
	resolver  iface.LinkResolver
	ports     fabric.PortMap
	events    *logging.EventBuffer

	stats    Counters
	baseline atomic.Pointer[Stats]
}

// New returns a host interface driver. The checksum strategy is fixed for
// the driver's lifetime.
func New(opts Options) (*HostInterface, error) {
	if opts.Fabric == nil {
		return nil, fmt.Errorf("hostif: no fabric")
	}
	c, err := csum.New(opts.Strategy, opts.Fabric)
	if err != nil {
		return nil, err
	}
	reg := opts.Registry
	if reg == nil {
		reg = iface.NewRegistry()
	}
	return &HostInterface{
		reg:       reg,
		fab:       opts.Fabric,
		corrector: c,
		splitter:  split.New(opts.Fabric, opts.Fabric, opts.MaxSegments),
		agent:     opts.Agent,
		resolver:  opts.Resolver,
		ports:     opts.Ports,
		events:    opts.Events,
	}, nil
}

// Registry returns the interface registry.
func (h *HostInterface) Registry() *iface.Registry {
	return h.reg
}

// Strategy returns the checksum strategy in use.
func (h *HostInterface) Strategy() csum.Strategy {
	return h.corrector.Strategy()
}

// Add registers an interface. Statistics interfaces are accepted without
// being registered.
func (h *HostInterface) Add(i *iface.Interface) error {
	if i == nil || i.Name == "" {
		return iface.ErrDeviceMissing
	}
	if i.Kind() == iface.KindStats {
		return nil
	}

	resolved, err := iface.ResolvePhysical(h.resolver, i)
	if err != nil {
		return fmt.Errorf("add %s: %w", i.Name, err)
	}
	rec, err := h.reg.Add(resolved)
	if err != nil {
		return fmt.Errorf("add %s: %w", i.Name, err)
	}
	h.publishPort(rec)

	slog.Info("interface added",
		"name", rec.Name, "kind", rec.Kind(), "mtu", rec.MTU,
		"port", rec.Port, "passthrough", h.reg.PassthroughEnabled())
	h.record(logging.EventRecord{Type: logging.EventIfaceAdd, Interface: rec.Name, Kind: rec.Kind().String(), MTU: rec.MTU})
	return nil
}

// Remove unregisters an interface. Removing an unknown interface succeeds.
func (h *HostInterface) Remove(name string) error {
	var old *iface.Interface
	err := h.reg.Update(func(tx *iface.Tx) error {
		var err error
		if old, err = tx.Remove(name); err != nil {
			return err
		}
		// Interfaces bridged to the removed one lose the reference.
		for _, i := range tx.List() {
			if i.Bridge != nil && i.Bridge.Name == name {
				c := i.Clone()
				c.Bridge = nil
				if _, err := tx.Add(c); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if errors.Is(err, iface.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	h.unpublishPort(old)

	slog.Info("interface removed", "name", name, "kind", old.Kind(), "passthrough", h.reg.PassthroughEnabled())
	h.record(logging.EventRecord{Type: logging.EventIfaceDelete, Interface: name, Kind: old.Kind().String()})
	return nil
}

// AddBridgeTap attaches a tap interface to a bridge interface. It is a
// no-op when either is not registered.
func (h *HostInterface) AddBridgeTap(name, bridge string) error {
	return h.reg.Update(func(tx *iface.Tx) error {
		i, ok := tx.Lookup(name)
		b, bok := tx.Lookup(bridge)
		if !ok || !bok {
			slog.Debug("bridge tap ignored", "interface", name, "bridge", bridge)
			return nil
		}
		c := i.Clone()
		c.Bridge = b
		_, err := tx.Add(c)
		return err
	})
}

// RemoveBridgeTap detaches an interface from its bridge.
func (h *HostInterface) RemoveBridgeTap(name string) error {
	return h.reg.Update(func(tx *iface.Tx) error {
		i, ok := tx.Lookup(name)
		if !ok || i.Bridge == nil {
			return nil
		}
		c := i.Clone()
		c.Bridge = nil
		_, err := tx.Add(c)
		return err
	})
}

// GetSettings is not supported for host interfaces.
func (h *HostInterface) GetSettings(i *iface.Interface) (Settings, error) {
	return Settings{}, ErrNotImplemented
}

// GetMTU returns the configured MTU of i.
func (h *HostInterface) GetMTU(i *iface.Interface) int {
	if i == nil {
		return 0
	}
	return i.MTU
}

// GetEncap returns the link encapsulation of i. Host interfaces always
// carry Ethernet frames.
func (h *HostInterface) GetEncap(i *iface.Interface) Encap {
	return EncapEther
}

func (h *HostInterface) publishPort(i *iface.Interface) {
	if h.ports == nil || i.Port == 0 {
		return
	}
	p, ok := i.Spec.(iface.Physical)
	if !ok || p.Ifindex <= 0 {
		return
	}
	if err := h.ports.Set(i.Port, p.Ifindex); err != nil {
		slog.Warn("port map update failed", "interface", i.Name, "port", i.Port, "err", err)
	}
}

func (h *HostInterface) unpublishPort(i *iface.Interface) {
	if h.ports == nil || i.Port == 0 {
		return
	}
	if _, ok := i.Spec.(iface.Physical); !ok {
		return
	}
	if err := h.ports.Delete(i.Port); err != nil {
		slog.Warn("port map delete failed", "interface", i.Name, "port", i.Port, "err", err)
	}
}

func (h *HostInterface) record(rec logging.EventRecord) {
	if h.events != nil {
		h.events.Add(rec)
	}
}
