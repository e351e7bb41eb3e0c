//go:build amd64 && linux

package vmx

import (
	"encoding/binary"
	"errors"
	"fmt"
	"unsafe"

	"github.com/tinyrange/vmx/internal/hv"
	"gvisor.dev/gvisor/pkg/hostarch"
)

// Guest page table entry bits.
const (
	pteFlagPresent  uint64 = 1 << 0
	pteFlagPageSize uint64 = 1 << 7
	pteAddrMask     uint64 = 0x000ffffffffff000
)

// Code segment access-rights bits consulted for operand sizing.
const (
	csRightsLong    uint32 = 1 << 13
	csRightsDefault uint32 = 1 << 14
)

// fetchInstruction captures the faulting instruction bytes and the code
// segment's default operand size into mem, so the caller can decode the
// access without reaching back into guest memory.
func (v *Vcpu) fetchInstruction(auto *AutoVmcs, info exitInfo, mem *hv.GuestMem) error {
	rights := auto.Read32(FieldGuestCsAccessRights)
	switch {
	case rights&csRightsLong != 0, rights&csRightsDefault != 0:
		mem.DefaultOperandSize = 4
	default:
		mem.DefaultOperandSize = 2
	}

	linear := auto.ReadNat(FieldGuestCsBase) + info.guestRip
	length := int(info.instLen)
	if length == 0 || length > len(mem.InstBuf) {
		length = len(mem.InstBuf)
	}

	n := 0
	for n < length {
		phys, err := v.translate(auto, linear+uint64(n))
		if err != nil {
			break
		}
		chunk := int(hostarch.PageSize - phys%hostarch.PageSize)
		if chunk > length-n {
			chunk = length - n
		}
		if err := v.readGuestPhys(mem.InstBuf[n:n+chunk], phys); err != nil {
			break
		}
		n += chunk
	}
	if n == 0 {
		return fmt.Errorf("vmx: vcpu %d fetch at 0x%x: %w", v.id, linear, hv.ErrNotFound)
	}
	mem.InstLen = uint8(n)
	return nil
}

// translate maps a guest linear address to a guest physical one, walking
// the guest's own page tables when paging is enabled.
func (v *Vcpu) translate(auto *AutoVmcs, linear uint64) (uint64, error) {
	if auto.ReadNat(FieldGuestCr0)&cr0PG == 0 {
		return linear, nil
	}

	table := auto.ReadNat(FieldGuestCr3) & pteAddrMask
	for level := 3; level >= 0; level-- {
		shift := uint(12 + 9*level)
		index := (linear >> shift) & 0x1ff

		var raw [8]byte
		if err := v.readGuestPhys(raw[:], table+index*8); err != nil {
			return 0, err
		}
		entry := binary.LittleEndian.Uint64(raw[:])
		if entry&pteFlagPresent == 0 {
			return 0, fmt.Errorf("vmx: vcpu %d linear 0x%x not present at level %d: %w",
				v.id, linear, level, hv.ErrNotFound)
		}

		// Large page entries terminate the walk early.
		if level > 0 && level < 3 && entry&pteFlagPageSize != 0 {
			pageMask := uint64(1)<<shift - 1
			return entry&pteAddrMask&^pageMask | linear&pageMask, nil
		}
		table = entry & pteAddrMask
	}
	return table | linear&(hostarch.PageSize-1), nil
}

// readGuestPhys copies mapped guest physical memory into p. The range
// must not cross a page.
func (v *Vcpu) readGuestPhys(p []byte, gpa uint64) error {
	host, err := v.guest.gpas.GetPage(gpa)
	if err != nil {
		if errors.Is(err, hv.ErrNotFound) {
			// Fault the page in and retry once; translation targets may
			// simply not have been touched yet.
			if err := v.guest.gpas.PageFault(gpa); err != nil {
				return err
			}
			if host, err = v.guest.gpas.GetPage(gpa); err != nil {
				return err
			}
		} else {
			return err
		}
	}
	copy(p, unsafe.Slice((*byte)(pointerAt(host)), len(p)))
	return nil
}
