// Package iface models host interfaces and keeps the registry the transmit
// pipeline reads interface metadata from.
package iface

import (
	"errors"
	"net"
)

var (
	// ErrDeviceMissing is returned when an interface has no name, or its
	// kernel device does not exist.
	ErrDeviceMissing = errors.New("iface: device missing")
	// ErrPhysicalExists is returned when a second Physical interface is
	// added while another one is registered.
	ErrPhysicalExists = errors.New("iface: physical interface already registered")
	// ErrNotFound is returned for names that are not registered.
	ErrNotFound = errors.New("iface: not found")
)

// Kind is the interface type.
type Kind uint8

const (
	KindVirtual Kind = iota
	KindPhysical
	KindAgent
	KindTap
	KindStats
)

func (k Kind) String() string {
	switch k {
	case KindPhysical:
		return "physical"
	case KindAgent:
		return "agent"
	case KindTap:
		return "tap"
	case KindStats:
		return "stats"
	default:
		return "virtual"
	}
}

// ParseKind returns the kind named s.
func ParseKind(s string) (Kind, bool) {
	for k := KindVirtual; k <= KindStats; k++ {
		if k.String() == s {
			return k, true
		}
	}
	return 0, false
}

// Spec carries the kind-specific payload of an interface.
type Spec interface {
	Kind() Kind
}

// Physical is the host's uplink NIC. At most one is registered at a time.
type Physical struct {
	Ifindex      int
	HardwareAddr net.HardwareAddr
}

// Agent is the control channel to the local agent (pkt0).
type Agent struct{}

// Tap is a tap device towards a VM or container.
type Tap struct{}

// Stats is a statistics-only interface; it never carries traffic.
type Stats struct{}

// Virtual is a VRF-bound virtual interface.
type Virtual struct {
	VRF uint32
}

func (Physical) Kind() Kind { return KindPhysical }
func (Agent) Kind() Kind    { return KindAgent }
func (Tap) Kind() Kind      { return KindTap }
func (Stats) Kind() Kind    { return KindStats }
func (Virtual) Kind() Kind  { return KindVirtual }

// SpecFor returns the zero payload for kind k.
func SpecFor(k Kind) Spec {
	switch k {
	case KindPhysical:
		return Physical{}
	case KindAgent:
		return Agent{}
	case KindTap:
		return Tap{}
	case KindStats:
		return Stats{}
	default:
		return Virtual{}
	}
}

// Interface is a registered host interface. Records held by the Registry
// are never modified; changes replace the record.
type Interface struct {
	Name string
	ID   uint32
	MTU  int
	// Fabric destination coordinates.
	Port uint32
	NIC  int
	// Bridge is the interface this one is bridged to, if any. Not owned.
	Bridge *Interface
	// XConnect marks the interface as cross-connected with its bridge. The
	// forwarding layer reads it; frames towards the interface are still
	// finished by the transmit pipeline.
	XConnect bool

	Spec Spec
}

// Kind returns the interface kind. An interface without a payload is
// Virtual.
func (i *Interface) Kind() Kind {
	if i.Spec == nil {
		return KindVirtual
	}
	return i.Spec.Kind()
}

// Clone returns a shallow copy of i.
func (i *Interface) Clone() *Interface {
	c := *i
	return &c
}
