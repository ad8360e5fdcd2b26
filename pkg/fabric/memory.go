package fabric

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/psaab/vrhost/pkg/packet"
)

// ErrAllocLimit is returned by Memory.Alloc once its allocation limit is
// reached.
var ErrAllocLimit = errors.New("fabric: allocation limit reached")

// MemoryOptions configures an in-process fabric.
type MemoryOptions struct {
	// AllocLimit caps the number of Alloc calls that succeed; 0 is unlimited.
	AllocLimit int
	// MaxCopy caps the size of copied (non-aliased) views; 0 is unlimited
	// and a negative value disables copying.
	MaxCopy int
}

// Delivery is a unit recorded by the memory fabric.
type Delivery struct {
	Unit *packet.Unit
	Dest Destination
}

// Memory is a Fabric that records submitted units instead of sending them.
// It backs dry-run mode and tests.
type Memory struct {
	opts MemoryOptions

	mu        sync.Mutex
	delivered []Delivery

	allocs      atomic.Int64
	openViews   atomic.Int64
	validations atomic.Int64
}

// NewMemory returns an empty memory fabric.
func NewMemory(opts MemoryOptions) *Memory {
	return &Memory{opts: opts}
}

func (m *Memory) ContiguousView(c *packet.Chain, off, n int) ([]byte, func(), error) {
	b, err := viewOf(c, off, n, m.opts.MaxCopy)
	if err != nil {
		return nil, nil, err
	}
	m.openViews.Add(1)
	var once sync.Once
	return b, func() { once.Do(func() { m.openViews.Add(-1) }) }, nil
}

func (m *Memory) Submit(u *packet.Unit, dst Destination) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delivered = append(m.delivered, Delivery{Unit: u, Dest: dst})
	return nil
}

func (m *Memory) MarkValidated(u *packet.Unit) {
	u.Validated = true
	m.validations.Add(1)
}

func (m *Memory) Alloc(n int) ([]byte, error) {
	if c := m.allocs.Add(1); m.opts.AllocLimit > 0 && c > int64(m.opts.AllocLimit) {
		return nil, ErrAllocLimit
	}
	return make([]byte, n), nil
}

// Delivered returns the units submitted so far.
func (m *Memory) Delivered() []Delivery {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Delivery, len(m.delivered))
	copy(out, m.delivered)
	return out
}

// Reset forgets recorded deliveries and counters.
func (m *Memory) Reset() {
	m.mu.Lock()
	m.delivered = nil
	m.mu.Unlock()
	m.allocs.Store(0)
	m.validations.Store(0)
}

// OpenViews returns the number of views handed out and not yet released.
func (m *Memory) OpenViews() int {
	return int(m.openViews.Load())
}

// Allocs returns the number of Alloc calls since the last Reset.
func (m *Memory) Allocs() int {
	return int(m.allocs.Load())
}
