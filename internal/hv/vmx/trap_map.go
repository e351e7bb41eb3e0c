package vmx

import (
	"fmt"
	"sync"

	"github.com/google/btree"
	"github.com/tinyrange/vmx/internal/hv"
)

// Trap is one registered range of interest. Memory and bell traps span
// guest physical addresses; IO traps span the 16-bit port space.
type Trap struct {
	Kind hv.TrapKind
	Addr uint64
	Size uint64
	Key  uint64

	port hv.PortWriter
}

// HasPort reports whether the trap is bound to an asynchronous port.
func (t *Trap) HasPort() bool { return t.port != nil }

// Queue delivers a packet to the bound port, stamping the trap's key.
func (t *Trap) Queue(p *hv.Packet) error {
	if t.port == nil {
		return fmt.Errorf("vmx: trap has no port: %w", hv.ErrBadState)
	}
	p.Key = t.Key
	return t.port.Queue(p)
}

func (t *Trap) contains(addr uint64) bool {
	return addr >= t.Addr && addr < t.Addr+t.Size
}

// trapClass collapses mem and bell traps into one address space so their
// ranges cannot overlap each other; IO ports are a separate space.
func trapClass(kind hv.TrapKind) int {
	if kind == hv.TrapIO {
		return 1
	}
	return 0
}

func trapLess(a, b *Trap) bool {
	if ca, cb := trapClass(a.Kind), trapClass(b.Kind); ca != cb {
		return ca < cb
	}
	return a.Addr < b.Addr
}

// TrapMap is the ordered collection of registered traps, shared by all
// vCPUs of a guest.
type TrapMap struct {
	mu    sync.RWMutex
	traps *btree.BTreeG[*Trap]
}

// NewTrapMap returns an empty trap map.
func NewTrapMap() *TrapMap {
	return &TrapMap{traps: btree.NewG(8, trapLess)}
}

// Insert registers a trap. An exact duplicate range of the same class
// fails with hv.ErrAlreadyExists; a partial overlap fails with
// hv.ErrInvalidArgs.
func (m *TrapMap) Insert(t *Trap) error {
	if t.Size == 0 || t.Addr+t.Size < t.Addr {
		return fmt.Errorf("vmx: trap range 0x%x+0x%x: %w", t.Addr, t.Size, hv.ErrInvalidArgs)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var conflict *Trap
	// The first candidate at or below t.Addr plus everything from t.Addr
	// to the end of the range covers all possible overlaps.
	m.traps.DescendLessOrEqual(t, func(other *Trap) bool {
		if trapClass(other.Kind) == trapClass(t.Kind) && other.Addr+other.Size > t.Addr {
			conflict = other
		}
		return false
	})
	if conflict == nil {
		m.traps.AscendGreaterOrEqual(t, func(other *Trap) bool {
			if trapClass(other.Kind) != trapClass(t.Kind) || other.Addr >= t.Addr+t.Size {
				return false
			}
			conflict = other
			return false
		})
	}
	if conflict != nil {
		if conflict.Addr == t.Addr && conflict.Size == t.Size {
			return fmt.Errorf("vmx: trap %s 0x%x+0x%x: %w", t.Kind, t.Addr, t.Size, hv.ErrAlreadyExists)
		}
		return fmt.Errorf("vmx: trap %s 0x%x+0x%x overlaps 0x%x+0x%x: %w",
			t.Kind, t.Addr, t.Size, conflict.Addr, conflict.Size, hv.ErrInvalidArgs)
	}

	m.traps.ReplaceOrInsert(t)
	return nil
}

// FindMem returns the mem or bell trap containing the guest physical
// address, if any.
func (m *TrapMap) FindMem(addr uint64) (*Trap, bool) {
	return m.find(hv.TrapMem, addr)
}

// FindIO returns the IO trap containing the port, if any.
func (m *TrapMap) FindIO(port uint16) (*Trap, bool) {
	return m.find(hv.TrapIO, uint64(port))
}

func (m *TrapMap) find(kind hv.TrapKind, addr uint64) (*Trap, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	probe := &Trap{Kind: kind, Addr: addr}
	var found *Trap
	m.traps.DescendLessOrEqual(probe, func(other *Trap) bool {
		if trapClass(other.Kind) == trapClass(kind) && other.contains(addr) {
			found = other
		}
		return false
	})
	if found == nil {
		return nil, false
	}
	return found, true
}

// Len returns the number of registered traps.
func (m *TrapMap) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.traps.Len()
}
