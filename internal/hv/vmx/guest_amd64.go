//go:build amd64 && linux

package vmx

import (
	"fmt"
	"log/slog"
	"runtime"
	"sync"

	"github.com/tinyrange/vmx/internal/hv"
	"gvisor.dev/gvisor/pkg/hostarch"
)

// EPT pointer format: 4-level walk, write-back paging structures.
const (
	eptpMemTypeWriteBack uint64 = 6
	eptpWalkLength4      uint64 = 3 << 3
)

// Guest is one virtual machine: a guest physical address space, the traps
// registered against it, and the vCPUs executing in it.
type Guest struct {
	mu sync.Mutex

	state *VmxCpuState
	gpas  hv.AddressSpace
	traps *TrapMap

	// msrBitmap marks which register accesses exit; pass-through entries
	// travel through the load/store lists instead.
	msrBitmap     []byte
	msrBitmapPhys uint64

	msrPolicy *MsrPolicy
	eptp      uint64

	vcpus  map[uint16]*Vcpu
	closed bool
}

// NewGuest creates a guest over the given address space. The first guest
// enables VMX operation machine-wide; creation also flushes every stale
// cached translation left by a previous hypervisor.
func NewGuest(gpas hv.AddressSpace) (*Guest, error) {
	state, err := acquireCpuState()
	if err != nil {
		return nil, err
	}

	bitmap, bitmapPhys, err := allocPage()
	if err != nil {
		state.release()
		return nil, err
	}
	initMsrBitmap(bitmap)

	g := &Guest{
		state:         state,
		gpas:          gpas,
		traps:         NewTrapMap(),
		msrBitmap:     bitmap,
		msrBitmapPhys: bitmapPhys,
		msrPolicy:     DefaultMsrPolicy(),
		eptp:          gpas.Pml4Address() | eptpWalkLength4 | eptpMemTypeWriteBack,
		vcpus:         make(map[uint16]*Vcpu),
	}

	if err := g.flushAllCpus(); err != nil {
		g.Close()
		return nil, err
	}
	slog.Debug("guest created", "memory", gpas.Size())
	return g, nil
}

// initMsrBitmap traps every register access, then opens the pass-through
// set in all four quadrants.
func initMsrBitmap(bitmap []byte) {
	for i := range bitmap {
		bitmap[i] = 0xff
	}
	for _, msr := range ignoredMsrs {
		clearMsrBitmapBit(bitmap, msr, false)
		clearMsrBitmapBit(bitmap, msr, true)
	}
}

// clearMsrBitmapBit opens one register in the read or write quadrant. The
// page covers 0..0x1fff and 0xc0000000..0xc0001fff.
func clearMsrBitmapBit(bitmap []byte, msr uint32, write bool) {
	base := 0
	index := msr
	if msr >= 0xc0000000 {
		base = 0x400
		index = msr - 0xc0000000
	}
	if write {
		base += 0x800
	}
	if index >= 0x2000 {
		return
	}
	bitmap[base+int(index/8)] &^= 1 << (index % 8)
}

// SetMsrPolicy replaces the register emulation table for subsequently
// trapped accesses.
func (g *Guest) SetMsrPolicy(p *MsrPolicy) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.msrPolicy = p
}

// SetTrap registers an intercept. Bell traps must carry a port; memory
// traps must not, since they surface synchronously from Resume. IO traps
// may do either. Physical ranges must be page aligned and inside the
// address space; port ranges must fit the 16-bit space.
func (g *Guest) SetTrap(kind hv.TrapKind, addr, size, key uint64, port hv.PortWriter) error {
	if size == 0 || addr+size < addr {
		return fmt.Errorf("vmx: trap range 0x%x+0x%x: %w", addr, size, hv.ErrInvalidArgs)
	}

	switch kind {
	case hv.TrapIO:
		if addr+size > 0x10000 {
			return fmt.Errorf("vmx: io trap 0x%x+0x%x beyond port space: %w", addr, size, hv.ErrOutOfRange)
		}

	case hv.TrapBell, hv.TrapMem:
		if addr%hostarch.PageSize != 0 || size%hostarch.PageSize != 0 {
			return fmt.Errorf("vmx: trap 0x%x+0x%x not page aligned: %w", addr, size, hv.ErrInvalidArgs)
		}
		if addr+size > g.gpas.Size() {
			return fmt.Errorf("vmx: trap 0x%x+0x%x beyond 0x%x: %w", addr, size, g.gpas.Size(), hv.ErrOutOfRange)
		}
		if kind == hv.TrapBell && port == nil {
			return fmt.Errorf("vmx: bell trap without a port: %w", hv.ErrInvalidArgs)
		}
		if kind == hv.TrapMem && port != nil {
			return fmt.Errorf("vmx: mem trap with a port: %w", hv.ErrInvalidArgs)
		}

	default:
		return fmt.Errorf("vmx: trap kind %d: %w", int(kind), hv.ErrInvalidArgs)
	}

	if err := g.traps.Insert(&Trap{Kind: kind, Addr: addr, Size: size, Key: key, port: port}); err != nil {
		return err
	}

	if kind == hv.TrapBell || kind == hv.TrapMem {
		// Accesses must fault into the emulator from now on.
		if err := g.gpas.UnmapRange(addr, size); err != nil {
			return err
		}
		return g.flushEpt()
	}
	return nil
}

// flushEpt invalidates this guest's cached guest-physical translations on
// every CPU.
func (g *Guest) flushEpt() error {
	return g.onEveryCpu(func() error {
		return invalidateEpt(g.eptp)
	})
}

// flushAllCpus drops every cached translation, this guest's or not.
func (g *Guest) flushAllCpus() error {
	return g.onEveryCpu(func() error {
		if err := invalidateAllEpt(); err != nil {
			return err
		}
		return invalidateAllVpid()
	})
}

// onEveryCpu runs fn pinned to each CPU in turn.
func (g *Guest) onEveryCpu(fn func() error) error {
	errCh := make(chan error, 1)
	go func() {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		for cpu := 0; cpu < runtime.NumCPU(); cpu++ {
			if err := pinToCpu(cpu); err != nil {
				errCh <- err
				return
			}
			if err := fn(); err != nil {
				errCh <- fmt.Errorf("vmx: on cpu %d: %w", cpu, err)
				return
			}
		}
		errCh <- nil
	}()
	return <-errCh
}

// Vcpu returns the virtual CPU with the given identifier, creating it on
// first use. Identifier 0 is the boot processor.
func (g *Guest) Vcpu(id uint16) (*Vcpu, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil, fmt.Errorf("vmx: guest closed: %w", hv.ErrBadState)
	}
	if v, ok := g.vcpus[id]; ok {
		return v, nil
	}
	v, err := newVcpu(g, id)
	if err != nil {
		return nil, err
	}
	g.vcpus[id] = v
	return v, nil
}

// Vcpus returns the currently created virtual CPUs.
func (g *Guest) Vcpus() []*Vcpu {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]*Vcpu, 0, len(g.vcpus))
	for _, v := range g.vcpus {
		out = append(out, v)
	}
	return out
}

// Close tears down every vCPU and releases the guest's share of the
// machine-wide enable state.
func (g *Guest) Close() error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return fmt.Errorf("vmx: double close: %w", hv.ErrBadState)
	}
	g.closed = true
	vcpus := make([]*Vcpu, 0, len(g.vcpus))
	for _, v := range g.vcpus {
		vcpus = append(vcpus, v)
	}
	g.mu.Unlock()

	var firstErr error
	for _, v := range vcpus {
		if err := v.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := freePage(g.msrBitmap); err != nil && firstErr == nil {
		firstErr = err
	}
	g.msrBitmap = nil
	if err := g.state.release(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
