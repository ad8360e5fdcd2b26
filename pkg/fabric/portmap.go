package fabric

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/cilium/ebpf"
)

// PortMap publishes fabric port to kernel ifindex mappings.
type PortMap interface {
	Set(port uint32, ifindex int) error
	Delete(port uint32) error
	Lookup(port uint32) (int, error)
}

// MemPortMap is an in-process PortMap.
type MemPortMap struct {
	mu    sync.RWMutex
	ports map[uint32]int
}

// NewMemPortMap returns an empty in-process port map.
func NewMemPortMap() *MemPortMap {
	return &MemPortMap{ports: make(map[uint32]int)}
}

func (m *MemPortMap) Set(port uint32, ifindex int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ports[port] = ifindex
	return nil
}

func (m *MemPortMap) Delete(port uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.ports, port)
	return nil
}

func (m *MemPortMap) Lookup(port uint32) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	idx, ok := m.ports[port]
	if !ok {
		return 0, fmt.Errorf("port %d: %w", port, ErrUnknownPort)
	}
	return idx, nil
}

// PortMapName is the name of the pinned BPF map holding port mappings.
const PortMapName = "vrhost_ports"

const portMapEntries = 1024

// EBPFPortMap keeps port mappings in a pinned BPF hash map so in-kernel
// programs can resolve the egress ifindex of a fabric port.
type EBPFPortMap struct {
	m *ebpf.Map
}

// OpenEBPFPortMap creates, or reopens, the port map pinned under pinDir
// (usually a directory in /sys/fs/bpf).
func OpenEBPFPortMap(pinDir string) (*EBPFPortMap, error) {
	spec := &ebpf.MapSpec{
		Name:       PortMapName,
		Type:       ebpf.Hash,
		KeySize:    4,
		ValueSize:  4,
		MaxEntries: portMapEntries,
		Pinning:    ebpf.PinByName,
	}
	m, err := ebpf.NewMapWithOptions(spec, ebpf.MapOptions{PinPath: pinDir})
	if err != nil {
		return nil, fmt.Errorf("port map %s/%s: %w", pinDir, PortMapName, err)
	}
	slog.Info("port map opened", "pin", pinDir, "name", PortMapName)
	return &EBPFPortMap{m: m}, nil
}

func (p *EBPFPortMap) Set(port uint32, ifindex int) error {
	return p.m.Update(port, uint32(ifindex), ebpf.UpdateAny)
}

func (p *EBPFPortMap) Delete(port uint32) error {
	if err := p.m.Delete(port); err != nil && !errors.Is(err, ebpf.ErrKeyNotExist) {
		return err
	}
	return nil
}

func (p *EBPFPortMap) Lookup(port uint32) (int, error) {
	var idx uint32
	if err := p.m.Lookup(port, &idx); err != nil {
		if errors.Is(err, ebpf.ErrKeyNotExist) {
			return 0, fmt.Errorf("port %d: %w", port, ErrUnknownPort)
		}
		return 0, err
	}
	return int(idx), nil
}

// Close releases the map handle. The pin stays so mappings survive a
// daemon restart.
func (p *EBPFPortMap) Close() error {
	return p.m.Close()
}
