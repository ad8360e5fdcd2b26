package hostif

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/psaab/vrhost/pkg/fabric"
	"github.com/psaab/vrhost/pkg/iface"
	"github.com/psaab/vrhost/pkg/logging"
	"github.com/psaab/vrhost/pkg/packet"
	"github.com/psaab/vrhost/pkg/split"
)

// Transmit finishes p and hands it to the fabric towards i. It consumes p
// in every case. Per-packet failures drop or degrade the packet and are
// not returned; an error means p had already been released by the caller.
//
// A nil interface drops the packet. Agent interfaces bypass the pipeline.
func (h *HostInterface) Transmit(i *iface.Interface, p *packet.Packet) error {
	if i == nil {
		return h.drop(nil, p, &h.stats.DropNoInterface, logging.EventDropNoInterface, nil)
	}
	switch i.Kind() {
	case iface.KindAgent:
		return h.toAgent(i, p)
	case iface.KindStats:
		return h.drop(i, p, &h.stats.DropNoInterface, logging.EventDropNoInterface, errStatsOnly)
	}

	if i.XConnect {
		h.stats.XConnectPackets.Add(1)
	}

	length, data := p.Len(), p.Data
	h.correctChecksums(i, p)
	u, err := h.splitIfNeeded(i, p)
	switch {
	case errors.Is(err, split.ErrResourceExhausted):
		return h.drop(i, p, &h.stats.DropSplit, logging.EventDropSplit, err)
	case errors.Is(err, split.ErrDontFragment):
		return h.drop(i, p, &h.stats.DropDF, logging.EventDropDF, err)
	}

	if u == nil {
		if u, err = p.Detach(); err != nil {
			return err
		}
		if err := u.Advance(data); err != nil {
			// The view is inside the chain, so this cannot happen for a
			// well-formed packet.
			h.stats.DropSubmit.Add(1)
			return nil
		}
	} else if _, err := p.Detach(); err != nil {
		return err
	}

	h.handOff(i, u, length)
	return nil
}

// Receive delivers p into the host stack through i. Towards the host a
// receive is a transmit on the host interface.
func (h *HostInterface) Receive(i *iface.Interface, p *packet.Packet) error {
	return h.Transmit(i, p)
}

// TransmitName looks up the named interface and transmits p on it. An
// unknown name drops the packet.
func (h *HostInterface) TransmitName(name string, p *packet.Packet) error {
	i, _ := h.reg.Lookup(name)
	return h.Transmit(i, p)
}

var errStatsOnly = errors.New("statistics interface carries no traffic")

func (h *HostInterface) correctChecksums(i *iface.Interface, p *packet.Packet) {
	r := h.corrector.Correct(p)
	if r.TransportFixed {
		h.stats.CsumSoftware.Add(1)
	}
	if r.Fallback {
		h.stats.CsumFallback.Add(1)
		h.event(logging.EventCsumFallback, i, p, r.Err)
		return
	}
	if r.Err != nil {
		h.stats.CsumErrors.Add(1)
		h.event(logging.EventCsumError, i, p, r.Err)
	}
}

func (h *HostInterface) splitIfNeeded(i *iface.Interface, p *packet.Packet) (*packet.Unit, error) {
	u, err := h.splitter.SplitIfNeeded(p, i.MTU)
	switch {
	case err == nil:
		if u != nil {
			h.stats.Split.Add(1)
			h.stats.SplitFrames.Add(uint64(len(u.Frames)))
		}
		return u, nil
	case errors.Is(err, split.ErrResourceExhausted), errors.Is(err, split.ErrDontFragment):
		return nil, err
	default:
		h.stats.SplitSkipped.Add(1)
		h.event(logging.EventSplitSkipped, i, p, err)
	}
	// Sent as a single unit.
	return nil, nil
}

func (h *HostInterface) handOff(i *iface.Interface, u *packet.Unit, length int) {
	dst := fabric.Destination{PortID: i.Port, NICIndex: i.NIC}
	h.fab.MarkValidated(u)
	if err := h.fab.Submit(u, dst); err != nil {
		h.stats.DropSubmit.Add(1)
		h.record(logging.EventRecord{
			Type: logging.EventDropSubmit, Interface: i.Name, Kind: i.Kind().String(),
			Length: length, MTU: i.MTU, Reason: err.Error(),
		})
		return
	}
	h.stats.TxPackets.Add(1)
	h.stats.TxBytes.Add(uint64(length))
	h.stats.TxFrames.Add(uint64(len(u.Frames)))
}

func (h *HostInterface) toAgent(i *iface.Interface, p *packet.Packet) error {
	if h.agent == nil {
		return h.drop(i, p, &h.stats.DropAgent, logging.EventDropSubmit, errNoAgent)
	}
	length := p.Len()
	if err := h.agent.Deliver(p); err != nil {
		h.stats.DropAgent.Add(1)
		h.event(logging.EventDropSubmit, i, nil, err)
		if !p.Released() {
			p.Release()
		}
		return nil
	}
	h.stats.AgentPackets.Add(1)
	h.stats.TxBytes.Add(uint64(length))
	return nil
}

var errNoAgent = errors.New("no agent path")

type counter interface{ Add(uint64) uint64 }

// drop releases p, counts it in c and records an event.
func (h *HostInterface) drop(i *iface.Interface, p *packet.Packet, c counter, typ string, cause error) error {
	c.Add(1)
	if p == nil {
		return nil
	}
	h.event(typ, i, p, cause)
	if err := p.Release(); err != nil {
		slog.Debug("drop of released packet", "err", err)
		return fmt.Errorf("drop: %w", err)
	}
	return nil
}

func (h *HostInterface) event(typ string, i *iface.Interface, p *packet.Packet, cause error) {
	if h.events == nil {
		return
	}
	rec := logging.EventRecord{Type: typ}
	if i != nil {
		rec.Interface = i.Name
		rec.Kind = i.Kind().String()
		rec.MTU = i.MTU
	}
	if p != nil && !p.Released() {
		rec.Packet = p.Type.String()
		rec.Length = p.Len()
		if src, dst, err := p.Addrs(); err == nil {
			rec.Src, rec.Dst = src.String(), dst.String()
		}
	}
	if cause != nil {
		rec.Reason = cause.Error()
	}
	h.events.Add(rec)
}
