// Package physmem provides a RAM-backed hv.AddressSpace. PageFault maps
// pages into a live four-level extended page table rooted at the page
// Pml4Address reports, and UnmapRange drops them again. Embedders with a
// real second-level paging implementation supply their own
// hv.AddressSpace instead.
package physmem

import (
	"encoding/binary"
	"fmt"
	"sync"
	"unsafe"

	"github.com/tinyrange/vmx/internal/hv"
	"golang.org/x/sys/unix"
	"gvisor.dev/gvisor/pkg/hostarch"
)

// Extended-page-table entry bits. Only leaf entries carry a memory type.
const (
	eptRead      uint64 = 1 << 0
	eptWrite     uint64 = 1 << 1
	eptExecute   uint64 = 1 << 2
	eptMemTypeWb uint64 = 6 << 3
	eptIgnorePat uint64 = 1 << 6

	eptPresent  = eptRead | eptWrite | eptExecute
	eptAddrMask uint64 = 0x000ffffffffff000
)

// Memory is an anonymous-mmap backed guest physical address space starting
// at guest physical address zero.
type Memory struct {
	mu      sync.Mutex
	mem     []byte
	present map[uint64]struct{}
	pml4    []byte
	tables  [][]byte
}

// New allocates size bytes of backing memory. Size must be page aligned.
func New(size uint64) (*Memory, error) {
	if size == 0 || size%hostarch.PageSize != 0 {
		return nil, fmt.Errorf("physmem: size 0x%x not page aligned: %w", size, hv.ErrInvalidArgs)
	}
	maxInt := uint64(^uint(0) >> 1)
	if size > maxInt {
		return nil, fmt.Errorf("physmem: size 0x%x exceeds host address limit: %w", size, hv.ErrNoMemory)
	}

	mem, err := unix.Mmap(
		-1,
		0,
		int(size),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANONYMOUS|unix.MAP_PRIVATE,
	)
	if err != nil {
		return nil, fmt.Errorf("physmem: mmap backing memory: %w", err)
	}

	pml4, err := unix.Mmap(
		-1,
		0,
		hostarch.PageSize,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANONYMOUS|unix.MAP_PRIVATE,
	)
	if err != nil {
		unix.Munmap(mem)
		return nil, fmt.Errorf("physmem: mmap root paging structure: %w", err)
	}

	return &Memory{
		mem:     mem,
		present: make(map[uint64]struct{}),
		pml4:    pml4,
	}, nil
}

// Close releases the backing memory.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.mem == nil {
		return fmt.Errorf("physmem: double close: %w", hv.ErrBadState)
	}
	if err := unix.Munmap(m.mem); err != nil {
		return fmt.Errorf("physmem: munmap backing memory: %w", err)
	}
	m.mem = nil
	if err := unix.Munmap(m.pml4); err != nil {
		return fmt.Errorf("physmem: munmap root paging structure: %w", err)
	}
	m.pml4 = nil
	for _, table := range m.tables {
		if err := unix.Munmap(table); err != nil {
			return fmt.Errorf("physmem: munmap paging structure: %w", err)
		}
	}
	m.tables = nil
	return nil
}

// Size implements hv.AddressSpace.
func (m *Memory) Size() uint64 { return uint64(len(m.mem)) }

// Pml4Address implements hv.AddressSpace.
func (m *Memory) Pml4Address() uint64 {
	return uint64(uintptr(unsafe.Pointer(&m.pml4[0])))
}

// UnmapRange implements hv.AddressSpace.
func (m *Memory) UnmapRange(addr, size uint64) error {
	if size == 0 || addr+size < addr {
		return fmt.Errorf("physmem: unmap 0x%x+0x%x: %w", addr, size, hv.ErrInvalidArgs)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.mem == nil {
		return fmt.Errorf("physmem: unmap after close: %w", hv.ErrBadState)
	}
	start := addr &^ (hostarch.PageSize - 1)
	end, ok := hostarch.Addr(addr + size).RoundUp()
	if !ok {
		return fmt.Errorf("physmem: unmap 0x%x+0x%x overflows: %w", addr, size, hv.ErrInvalidArgs)
	}
	for page := start; page < uint64(end); page += hostarch.PageSize {
		if table := m.leafTable(page); table != nil {
			binary.LittleEndian.PutUint64(entrySlot(table, page, 0), 0)
		}
		delete(m.present, page)
	}
	return nil
}

// GetPage implements hv.AddressSpace. The returned "physical" address is
// the host address of the backing page.
func (m *Memory) GetPage(addr uint64) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.mem == nil {
		return 0, fmt.Errorf("physmem: get page after close: %w", hv.ErrBadState)
	}
	page := addr &^ (hostarch.PageSize - 1)
	if _, ok := m.present[page]; !ok {
		return 0, fmt.Errorf("physmem: page 0x%x not mapped: %w", page, hv.ErrNotFound)
	}
	return uint64(uintptr(unsafe.Pointer(&m.mem[page]))) + (addr & (hostarch.PageSize - 1)), nil
}

// PageFault implements hv.AddressSpace. The page is wired into the
// extended page table so the next guest access finds a translation.
func (m *Memory) PageFault(addr uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.mem == nil {
		return fmt.Errorf("physmem: page fault after close: %w", hv.ErrBadState)
	}
	if addr >= uint64(len(m.mem)) {
		return fmt.Errorf("physmem: page fault at 0x%x beyond 0x%x: %w", addr, len(m.mem), hv.ErrNotFound)
	}
	page := addr &^ (hostarch.PageSize - 1)

	table := m.pml4
	for level := 3; level > 0; level-- {
		slot := entrySlot(table, page, level)
		entry := binary.LittleEndian.Uint64(slot)
		if entry&eptPresent == 0 {
			next, err := m.allocTable()
			if err != nil {
				return err
			}
			binary.LittleEndian.PutUint64(slot, hostAddr(next)|eptPresent)
			table = next
			continue
		}
		table = hostPage(entry & eptAddrMask)
	}
	leaf := hostAddr(m.mem[page:]) | eptPresent | eptMemTypeWb | eptIgnorePat
	binary.LittleEndian.PutUint64(entrySlot(table, page, 0), leaf)

	m.present[page] = struct{}{}
	return nil
}

// allocTable maps one zeroed paging-structure page.
func (m *Memory) allocTable() ([]byte, error) {
	table, err := unix.Mmap(
		-1,
		0,
		hostarch.PageSize,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANONYMOUS|unix.MAP_PRIVATE,
	)
	if err != nil {
		return nil, fmt.Errorf("physmem: mmap paging structure: %w", err)
	}
	m.tables = append(m.tables, table)
	return table, nil
}

// leafTable walks down to the page-table page covering addr, or nil if
// any level is absent.
func (m *Memory) leafTable(addr uint64) []byte {
	table := m.pml4
	for level := 3; level > 0; level-- {
		entry := binary.LittleEndian.Uint64(entrySlot(table, addr, level))
		if entry&eptPresent == 0 {
			return nil
		}
		table = hostPage(entry & eptAddrMask)
	}
	return table
}

// entrySlot returns the 8-byte entry covering addr at the given level,
// counted from 0 at the leaf.
func entrySlot(table []byte, addr uint64, level int) []byte {
	idx := (addr >> (12 + 9*uint(level))) & 0x1ff
	return table[idx*8 : idx*8+8]
}

func hostAddr(b []byte) uint64 {
	return uint64(uintptr(unsafe.Pointer(&b[0])))
}

// hostPage reinterprets a host physical address recorded in a table
// entry; addresses here are host virtual addresses of our own pages.
func hostPage(addr uint64) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(uintptr(addr))), hostarch.PageSize)
}

// ReadAt copies guest physical memory, mapped or not. The execution core
// uses it to fetch faulting instruction bytes.
func (m *Memory) ReadAt(p []byte, off int64) (n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.mem == nil {
		return 0, fmt.Errorf("physmem: ReadAt after close: %w", hv.ErrBadState)
	}
	if off < 0 || int(off) >= len(m.mem) {
		return 0, fmt.Errorf("physmem: ReadAt offset out of bounds: %w", hv.ErrOutOfRange)
	}
	n = copy(p, m.mem[off:])
	if n < len(p) {
		err = fmt.Errorf("physmem: ReadAt short read: %w", hv.ErrOutOfRange)
	}
	return n, err
}

// WriteAt copies into guest physical memory.
func (m *Memory) WriteAt(p []byte, off int64) (n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.mem == nil {
		return 0, fmt.Errorf("physmem: WriteAt after close: %w", hv.ErrBadState)
	}
	if off < 0 || int(off) >= len(m.mem) {
		return 0, fmt.Errorf("physmem: WriteAt offset out of bounds: %w", hv.ErrOutOfRange)
	}
	n = copy(m.mem[off:], p)
	if n < len(p) {
		err = fmt.Errorf("physmem: WriteAt short write: %w", hv.ErrOutOfRange)
	}
	return n, err
}

var (
	_ hv.AddressSpace = &Memory{}
)
