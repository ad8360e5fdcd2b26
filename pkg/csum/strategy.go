package csum

import (
	"fmt"

	"github.com/psaab/vrhost/pkg/packet"
)

// Strategy names a checksum correction policy.
type Strategy string

const (
	// StrategyFixup corrects only what the fabric's offload cannot handle.
	StrategyFixup Strategy = "fixup"
	// StrategySoftware computes every checksum in software and disarms
	// offload entirely.
	StrategySoftware Strategy = "software"
)

// Corrector applies a checksum policy to a packet before it is split and
// handed to the fabric.
type Corrector interface {
	Correct(p *packet.Packet) Result
	Strategy() Strategy
}

// New returns the corrector for the named strategy. An empty name selects
// StrategyFixup.
func New(s Strategy, v Viewer) (Corrector, error) {
	switch s {
	case StrategyFixup, "":
		return &fixup{viewer: v}, nil
	case StrategySoftware:
		return &software{viewer: v}, nil
	default:
		return nil, fmt.Errorf("unknown checksum strategy %q", s)
	}
}

type fixup struct {
	viewer Viewer
}

func (f *fixup) Strategy() Strategy { return StrategyFixup }

func (f *fixup) Correct(p *packet.Packet) Result {
	switch {
	case p.Type.Overlay():
		return CorrectTunneled(p, f.viewer)
	case p.Type == packet.TypeIP:
		return CorrectPlainV4(p)
	}
	return Result{}
}

type software struct {
	viewer Viewer
}

func (s *software) Strategy() Strategy { return StrategySoftware }

func (s *software) Correct(p *packet.Packet) Result {
	var r Result
	switch p.Type {
	case packet.TypeIPOIP, packet.TypeIP6OIP:
		if err := checkInner(p); err != nil {
			r.fail(err)
			return r
		}
		r.fail(RecomputeHeaderChecksum(p, packet.EthHeaderLen))
		if !p.Type.InnerIPv6() {
			r.fail(RecomputeHeaderChecksum(p, p.InnerNetworkHeader))
		}
		p.Offload.IPHeaderChecksum = false
		fixTransport(p, p.InnerNetworkHeader, s.viewer, &r)
	case packet.TypeIP:
		r.fail(RecomputeHeaderChecksum(p, packet.EthHeaderLen))
		p.Offload.IPHeaderChecksum = false
		if p.FromTunnel() {
			// Stale receive-side intent: no pseudo-header seed to finish.
			p.Offload = packet.Offload{MSS: p.Offload.MSS}
			return r
		}
		fixTransport(p, packet.EthHeaderLen, s.viewer, &r)
	case packet.TypeIP6:
		fixTransport(p, packet.EthHeaderLen, s.viewer, &r)
	}
	return r
}
