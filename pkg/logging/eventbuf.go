package logging

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// Event types recorded by the transmit pipeline.
const (
	EventDropNoInterface = "DROP_NO_INTERFACE"
	EventDropSplit       = "DROP_SPLIT_EXHAUSTED"
	EventDropSubmit      = "DROP_SUBMIT_FAILED"
	EventCsumFallback    = "CSUM_OFFLOAD_FALLBACK"
	EventCsumError       = "CSUM_HEADER_ERROR"
	EventDropDF          = "DROP_DF_OVERSIZE"
	EventSplitSkipped    = "SPLIT_SKIPPED"
	EventIfaceAdd        = "IFACE_ADD"
	EventIfaceDelete     = "IFACE_DELETE"
)

// EventRecord is a pipeline event stored in the event buffer.
type EventRecord struct {
	Time      time.Time
	Type      string // EventDropSplit, EventCsumFallback, etc.
	Interface string
	Kind      string // interface kind: "physical", "tap", ...
	Packet    string // packet type: "ip", "ipoip", ...
	Src       string // innermost source address, if parsed
	Dst       string
	Length    int // view length of the packet
	MTU       int
	Reason    string // error text, if any
}

// Severity returns the syslog severity events of this type are sent with.
func (r *EventRecord) Severity() int {
	switch {
	case strings.HasPrefix(r.Type, "DROP_"):
		return SyslogWarning
	case r.Type == EventCsumError:
		return SyslogError
	default:
		return SyslogInfo
	}
}

// String formats the record as a single log line.
func (r *EventRecord) String() string {
	var b strings.Builder
	b.WriteString(r.Type)
	if r.Interface != "" {
		fmt.Fprintf(&b, " interface=%s", r.Interface)
	}
	if r.Kind != "" {
		fmt.Fprintf(&b, " kind=%s", r.Kind)
	}
	if r.Packet != "" {
		fmt.Fprintf(&b, " packet=%s", r.Packet)
	}
	if r.Src != "" {
		fmt.Fprintf(&b, " src=%s dst=%s", r.Src, r.Dst)
	}
	if r.Length > 0 {
		fmt.Fprintf(&b, " length=%d", r.Length)
	}
	if r.MTU > 0 {
		fmt.Fprintf(&b, " mtu=%d", r.MTU)
	}
	if r.Reason != "" {
		fmt.Fprintf(&b, " reason=%q", r.Reason)
	}
	return b.String()
}

// EventBuffer is a thread-safe circular buffer for recent events.
type EventBuffer struct {
	mu    sync.RWMutex
	buf   []EventRecord
	size  int
	head  int // next write position
	count int // number of events stored
	total uint64

	subMu sync.RWMutex
	subs  map[*Subscription]struct{}
}

// Subscription receives new events from an EventBuffer.
type Subscription struct {
	C  chan EventRecord
	eb *EventBuffer
}

// Close unsubscribes. The channel is left open so a reader blocked on it
// can still select on its own cancellation.
func (s *Subscription) Close() {
	s.eb.unsubscribe(s)
}

// NewEventBuffer creates a new event buffer with the given capacity.
func NewEventBuffer(size int) *EventBuffer {
	if size < 1 {
		size = 1
	}
	return &EventBuffer{
		buf:  make([]EventRecord, size),
		size: size,
		subs: make(map[*Subscription]struct{}),
	}
}

// Add appends an event to the buffer, overwriting the oldest if full.
// Subscribers are notified non-blocking.
func (eb *EventBuffer) Add(rec EventRecord) {
	if rec.Time.IsZero() {
		rec.Time = time.Now()
	}
	eb.mu.Lock()
	eb.buf[eb.head] = rec
	eb.head = (eb.head + 1) % eb.size
	if eb.count < eb.size {
		eb.count++
	}
	eb.total++
	eb.mu.Unlock()

	eb.subMu.RLock()
	for sub := range eb.subs {
		select {
		case sub.C <- rec:
		default: // drop if subscriber is slow
		}
	}
	eb.subMu.RUnlock()
}

// Total returns the number of events ever added.
func (eb *EventBuffer) Total() uint64 {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return eb.total
}

// Subscribe returns a Subscription that receives new events.
// Call Close() on the subscription when done.
func (eb *EventBuffer) Subscribe(bufSize int) *Subscription {
	if bufSize < 1 {
		bufSize = 64
	}
	sub := &Subscription{
		C:  make(chan EventRecord, bufSize),
		eb: eb,
	}
	eb.subMu.Lock()
	eb.subs[sub] = struct{}{}
	eb.subMu.Unlock()
	return sub
}

func (eb *EventBuffer) unsubscribe(sub *Subscription) {
	eb.subMu.Lock()
	delete(eb.subs, sub)
	eb.subMu.Unlock()
}

// EventFilter specifies criteria for filtering events.
type EventFilter struct {
	Interface string // exact interface name; "" = no filter
	Type      string // case-insensitive substring match on Type
}

// IsEmpty returns true if no filter criteria are set.
func (f EventFilter) IsEmpty() bool {
	return f.Interface == "" && f.Type == ""
}

// Matches reports whether rec passes the filter.
func (f EventFilter) Matches(rec *EventRecord) bool {
	if f.Interface != "" && rec.Interface != f.Interface {
		return false
	}
	if f.Type != "" && !strings.Contains(strings.ToLower(rec.Type), strings.ToLower(f.Type)) {
		return false
	}
	return true
}

// LatestFiltered returns the most recent n events matching the filter, newest first.
func (eb *EventBuffer) LatestFiltered(n int, f EventFilter) []EventRecord {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if n <= 0 {
		return nil
	}

	var result []EventRecord
	for i := 0; i < eb.count && len(result) < n; i++ {
		idx := (eb.head - 1 - i + eb.size) % eb.size
		if f.Matches(&eb.buf[idx]) {
			result = append(result, eb.buf[idx])
		}
	}
	return result
}

// Latest returns the most recent n events, newest first.
func (eb *EventBuffer) Latest(n int) []EventRecord {
	return eb.LatestFiltered(n, EventFilter{})
}
