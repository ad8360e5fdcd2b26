package iface

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
)

type snapshot struct {
	byName   map[string]*Interface
	byID     map[uint32]*Interface
	physical *Interface
}

func (s *snapshot) clone() *snapshot {
	return &snapshot{
		byName:   maps.Clone(s.byName),
		byID:     maps.Clone(s.byID),
		physical: s.physical,
	}
}

// Registry holds the registered interfaces. Mutations are serialized;
// lookups read an immutable snapshot and never block.
type Registry struct {
	mu   sync.Mutex
	snap atomic.Pointer[snapshot]
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	r := &Registry{}
	r.snap.Store(&snapshot{
		byName: make(map[string]*Interface),
		byID:   make(map[uint32]*Interface),
	})
	return r
}

// Tx is a set of registry mutations published atomically by Update.
type Tx struct {
	s *snapshot
}

// Update runs fn with the registry locked. Mutations made through tx
// become visible to readers together, and only if fn returns nil.
func (r *Registry) Update(fn func(tx *Tx) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	tx := &Tx{s: r.snap.Load().clone()}
	if err := fn(tx); err != nil {
		return err
	}
	r.snap.Store(tx.s)
	return nil
}

// Add registers a copy of i, replacing any record with the same name.
func (r *Registry) Add(i *Interface) (*Interface, error) {
	var rec *Interface
	err := r.Update(func(tx *Tx) error {
		var err error
		rec, err = tx.Add(i)
		return err
	})
	return rec, err
}

// Remove unregisters the named interface and returns its last record.
func (r *Registry) Remove(name string) (*Interface, error) {
	var rec *Interface
	err := r.Update(func(tx *Tx) error {
		var err error
		rec, err = tx.Remove(name)
		return err
	})
	return rec, err
}

// Add registers a copy of i within the transaction.
func (tx *Tx) Add(i *Interface) (*Interface, error) {
	if i == nil || i.Name == "" {
		return nil, ErrDeviceMissing
	}
	if i.Kind() == KindPhysical {
		if p := tx.s.physical; p != nil && p.Name != i.Name {
			return nil, fmt.Errorf("adding %s while %s is registered: %w", i.Name, p.Name, ErrPhysicalExists)
		}
	}
	if old, ok := tx.s.byName[i.Name]; ok {
		tx.drop(old)
	}
	rec := i.Clone()
	tx.s.byName[rec.Name] = rec
	tx.s.byID[rec.ID] = rec
	if rec.Kind() == KindPhysical {
		tx.s.physical = rec
	}
	return rec, nil
}

// Remove unregisters the named interface within the transaction.
func (tx *Tx) Remove(name string) (*Interface, error) {
	old, ok := tx.s.byName[name]
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, ErrNotFound)
	}
	tx.drop(old)
	return old, nil
}

// Lookup returns the record as modified so far in the transaction.
func (tx *Tx) Lookup(name string) (*Interface, bool) {
	i, ok := tx.s.byName[name]
	return i, ok
}

// List returns the transaction's records ordered by name.
func (tx *Tx) List() []*Interface {
	return tx.s.list()
}

func (tx *Tx) drop(old *Interface) {
	delete(tx.s.byName, old.Name)
	if cur, ok := tx.s.byID[old.ID]; ok && cur == old {
		delete(tx.s.byID, old.ID)
	}
	if tx.s.physical == old {
		tx.s.physical = nil
	}
}

// Lookup returns the named interface.
func (r *Registry) Lookup(name string) (*Interface, bool) {
	i, ok := r.snap.Load().byName[name]
	return i, ok
}

// LookupID returns the interface with the given id.
func (r *Registry) LookupID(id uint32) (*Interface, bool) {
	i, ok := r.snap.Load().byID[id]
	return i, ok
}

// List returns all interfaces ordered by name.
func (r *Registry) List() []*Interface {
	return r.snap.Load().list()
}

func (s *snapshot) list() []*Interface {
	out := slices.Collect(maps.Values(s.byName))
	slices.SortFunc(out, func(a, b *Interface) int { return strings.Compare(a.Name, b.Name) })
	return out
}

// Len returns the number of registered interfaces.
func (r *Registry) Len() int {
	return len(r.snap.Load().byName)
}

// Physical returns the registered Physical interface, or nil.
func (r *Registry) Physical() *Interface {
	return r.snap.Load().physical
}

// PassthroughEnabled reports whether the host runs without a Physical
// interface.
func (r *Registry) PassthroughEnabled() bool {
	return r.snap.Load().physical == nil
}
