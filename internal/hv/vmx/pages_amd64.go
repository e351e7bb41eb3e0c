//go:build amd64 && linux

package vmx

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
	"gvisor.dev/gvisor/pkg/hostarch"
)

// allocPage maps one zeroed page and returns it together with its
// physical address. The identity-mapped assumption (see the package doc)
// makes the physical address the virtual one.
func allocPage() ([]byte, uint64, error) {
	mem, err := unix.Mmap(
		-1,
		0,
		hostarch.PageSize,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANONYMOUS|unix.MAP_PRIVATE,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("vmx: mmap page: %w", err)
	}
	return mem, physAddr(mem), nil
}

func freePage(mem []byte) error {
	if err := unix.Munmap(mem); err != nil {
		return fmt.Errorf("vmx: munmap page: %w", err)
	}
	return nil
}

// physAddr returns the physical address of a page-aligned buffer.
func physAddr(mem []byte) uint64 {
	return uint64(uintptr(unsafe.Pointer(&mem[0])))
}

// pointerAt turns a physical address back into a host pointer, again
// relying on the identity mapping.
func pointerAt(phys uint64) unsafe.Pointer {
	return unsafe.Pointer(uintptr(phys))
}
