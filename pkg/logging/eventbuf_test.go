package logging

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestEventBufferWraps(t *testing.T) {
	eb := NewEventBuffer(3)
	for i := 0; i < 5; i++ {
		eb.Add(EventRecord{Type: EventDropSplit, Interface: fmt.Sprintf("tap%d", i)})
	}
	got := eb.Latest(10)
	if len(got) != 3 {
		t.Fatalf("Latest = %d records, want 3", len(got))
	}
	for i, want := range []string{"tap4", "tap3", "tap2"} {
		if got[i].Interface != want {
			t.Errorf("record %d = %s, want %s", i, got[i].Interface, want)
		}
	}
	if eb.Total() != 5 {
		t.Errorf("Total = %d, want 5", eb.Total())
	}
	if got[0].Time.IsZero() {
		t.Error("Add must stamp the record")
	}
}

func TestEventBufferFilter(t *testing.T) {
	eb := NewEventBuffer(16)
	eb.Add(EventRecord{Type: EventDropSplit, Interface: "tap0"})
	eb.Add(EventRecord{Type: EventCsumFallback, Interface: "tap0"})
	eb.Add(EventRecord{Type: EventDropNoInterface})
	eb.Add(EventRecord{Type: EventDropSplit, Interface: "tap1"})

	tests := []struct {
		f    EventFilter
		want int
	}{
		{EventFilter{}, 4},
		{EventFilter{Interface: "tap0"}, 2},
		{EventFilter{Type: "drop"}, 3},
		{EventFilter{Interface: "tap0", Type: "drop"}, 1},
		{EventFilter{Interface: "tap9"}, 0},
	}
	for _, tt := range tests {
		if got := eb.LatestFiltered(10, tt.f); len(got) != tt.want {
			t.Errorf("LatestFiltered(%+v) = %d, want %d", tt.f, len(got), tt.want)
		}
	}
	if !(EventFilter{}).IsEmpty() || (EventFilter{Type: "x"}).IsEmpty() {
		t.Error("IsEmpty wrong")
	}
}

func TestEventBufferSubscribe(t *testing.T) {
	eb := NewEventBuffer(4)
	sub := eb.Subscribe(1)
	eb.Add(EventRecord{Type: EventIfaceAdd})
	eb.Add(EventRecord{Type: EventIfaceDelete}) // dropped, subscriber full

	select {
	case rec := <-sub.C:
		if rec.Type != EventIfaceAdd {
			t.Errorf("got %s", rec.Type)
		}
	default:
		t.Fatal("no event delivered")
	}
	sub.Close()
	eb.Add(EventRecord{Type: EventIfaceAdd})
	select {
	case rec := <-sub.C:
		t.Errorf("closed subscription received %s", rec.Type)
	default:
	}
}

func TestEventRecordString(t *testing.T) {
	rec := EventRecord{Type: EventSplitSkipped, Interface: "eth0", Packet: "ip", Src: "10.0.0.1", Dst: "10.0.0.2", Length: 1600, MTU: 1500}
	s := rec.String()
	for _, want := range []string{"SPLIT_SKIPPED", "interface=eth0", "src=10.0.0.1 dst=10.0.0.2", "length=1600", "mtu=1500"} {
		if !strings.Contains(s, want) {
			t.Errorf("%q missing %q", s, want)
		}
	}
	if rec.Severity() != SyslogInfo {
		t.Error("SPLIT_SKIPPED should be info")
	}
	if (&EventRecord{Type: EventDropDF}).Severity() != SyslogWarning {
		t.Error("drops should be warnings")
	}
}

type memSink struct {
	mu    sync.Mutex
	min   int
	lines []string
}

func (m *memSink) Send(sev int, msg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lines = append(m.lines, msg)
	return nil
}

func (m *memSink) ShouldSend(sev int) bool { return m.min == 0 || sev <= m.min }
func (m *memSink) Close() error            { return nil }

func (m *memSink) snapshot() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.lines...)
}

func TestForwardEvents(t *testing.T) {
	eb := NewEventBuffer(8)
	all := &memSink{}
	warn := &memSink{min: SyslogWarning}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		ForwardEvents(ctx, eb, []Sink{all, warn})
		close(done)
	}()

	// Wait for the subscription before publishing.
	deadline := time.Now().Add(2 * time.Second)
	for {
		eb.subMu.RLock()
		n := len(eb.subs)
		eb.subMu.RUnlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("forwarder never subscribed")
		}
		time.Sleep(time.Millisecond)
	}

	eb.Add(EventRecord{Type: EventIfaceAdd, Interface: "tap0"})
	eb.Add(EventRecord{Type: EventDropSplit, Interface: "tap0"})

	for time.Now().Before(deadline) && len(all.snapshot()) < 2 {
		time.Sleep(time.Millisecond)
	}
	cancel()
	<-done

	if got := all.snapshot(); len(got) != 2 {
		t.Errorf("all sink got %d lines", len(got))
	}
	if got := warn.snapshot(); len(got) != 1 || !strings.HasPrefix(got[0], EventDropSplit) {
		t.Errorf("warning sink got %v", got)
	}
}
