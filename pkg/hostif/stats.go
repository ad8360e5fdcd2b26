package hostif

import "sync/atomic"

// Counters are the driver's packet counters. They only grow; ClearStats
// moves a baseline instead of zeroing them.
type Counters struct {
	TxPackets    atomic.Uint64
	TxBytes      atomic.Uint64
	TxFrames     atomic.Uint64
	AgentPackets atomic.Uint64

	CsumSoftware atomic.Uint64
	CsumFallback atomic.Uint64
	CsumErrors   atomic.Uint64

	Split           atomic.Uint64
	SplitFrames     atomic.Uint64
	SplitSkipped    atomic.Uint64
	XConnectPackets atomic.Uint64

	DropNoInterface atomic.Uint64
	DropSplit       atomic.Uint64
	DropDF          atomic.Uint64
	DropSubmit      atomic.Uint64
	DropAgent       atomic.Uint64
}

// Stats is a point-in-time copy of Counters.
type Stats struct {
	TxPackets    uint64 `json:"tx_packets"`
	TxBytes      uint64 `json:"tx_bytes"`
	TxFrames     uint64 `json:"tx_frames"`
	AgentPackets uint64 `json:"agent_packets"`

	CsumSoftware uint64 `json:"csum_software"`
	CsumFallback uint64 `json:"csum_fallback"`
	CsumErrors   uint64 `json:"csum_errors"`

	Split           uint64 `json:"split"`
	SplitFrames     uint64 `json:"split_frames"`
	SplitSkipped    uint64 `json:"split_skipped"`
	XConnectPackets uint64 `json:"xconnect_packets"`

	DropNoInterface uint64 `json:"drop_no_interface"`
	DropSplit       uint64 `json:"drop_split"`
	DropDF          uint64 `json:"drop_df"`
	DropSubmit      uint64 `json:"drop_submit"`
	DropAgent       uint64 `json:"drop_agent"`
}

// Dropped returns the total of all drop counters.
func (s Stats) Dropped() uint64 {
	return s.DropNoInterface + s.DropSplit + s.DropDF + s.DropSubmit + s.DropAgent
}

func (s Stats) sub(b Stats) Stats {
	return Stats{
		TxPackets:       s.TxPackets - b.TxPackets,
		TxBytes:         s.TxBytes - b.TxBytes,
		TxFrames:        s.TxFrames - b.TxFrames,
		AgentPackets:    s.AgentPackets - b.AgentPackets,
		CsumSoftware:    s.CsumSoftware - b.CsumSoftware,
		CsumFallback:    s.CsumFallback - b.CsumFallback,
		CsumErrors:      s.CsumErrors - b.CsumErrors,
		Split:           s.Split - b.Split,
		SplitFrames:     s.SplitFrames - b.SplitFrames,
		SplitSkipped:    s.SplitSkipped - b.SplitSkipped,
		XConnectPackets: s.XConnectPackets - b.XConnectPackets,
		DropNoInterface: s.DropNoInterface - b.DropNoInterface,
		DropSplit:       s.DropSplit - b.DropSplit,
		DropDF:          s.DropDF - b.DropDF,
		DropSubmit:      s.DropSubmit - b.DropSubmit,
		DropAgent:       s.DropAgent - b.DropAgent,
	}
}

// Totals returns the counters since the driver was created, ignoring
// ClearStats. Metrics exporters use these.
func (h *HostInterface) Totals() Stats {
	c := &h.stats
	return Stats{
		TxPackets:       c.TxPackets.Load(),
		TxBytes:         c.TxBytes.Load(),
		TxFrames:        c.TxFrames.Load(),
		AgentPackets:    c.AgentPackets.Load(),
		CsumSoftware:    c.CsumSoftware.Load(),
		CsumFallback:    c.CsumFallback.Load(),
		CsumErrors:      c.CsumErrors.Load(),
		Split:           c.Split.Load(),
		SplitFrames:     c.SplitFrames.Load(),
		SplitSkipped:    c.SplitSkipped.Load(),
		XConnectPackets: c.XConnectPackets.Load(),
		DropNoInterface: c.DropNoInterface.Load(),
		DropSplit:       c.DropSplit.Load(),
		DropDF:          c.DropDF.Load(),
		DropSubmit:      c.DropSubmit.Load(),
		DropAgent:       c.DropAgent.Load(),
	}
}

// Stats returns the counters since the last ClearStats.
func (h *HostInterface) Stats() Stats {
	t := h.Totals()
	if b := h.baseline.Load(); b != nil {
		return t.sub(*b)
	}
	return t
}

// ClearStats resets what Stats reports. Totals keep counting.
func (h *HostInterface) ClearStats() {
	t := h.Totals()
	h.baseline.Store(&t)
}
