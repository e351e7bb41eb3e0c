package vmx

import (
	"fmt"

	"github.com/tinyrange/vmx/internal/hv"
)

// vmxBasicInfo is the parsed IA32_VMX_BASIC report.
type vmxBasicInfo struct {
	revision    uint32
	regionSize  uint32
	writeBack   bool
	ioExitInfo  bool
	hasTrueCtls bool
}

func parseVmxBasic(raw uint64) vmxBasicInfo {
	return vmxBasicInfo{
		revision:   uint32(raw) & 0x7fffffff,
		regionSize: uint32(raw>>32) & 0x1fff,
		// Bits 53:50 report the VMCS memory type; 6 is write-back.
		writeBack:   (raw>>50)&0xf == 6,
		ioExitInfo:  raw&(1<<54) != 0,
		hasTrueCtls: raw&(1<<55) != 0,
	}
}

// eptInfo is the parsed IA32_VMX_EPT_VPID_CAP report.
type eptInfo struct {
	pageWalk4     bool
	writeBack     bool
	invept        bool
	inveptSingle  bool
	inveptAll     bool
	invvpid       bool
	invvpidSingle bool
	invvpidAll    bool
}

func parseEptInfo(raw uint64) eptInfo {
	return eptInfo{
		pageWalk4:     raw&(1<<6) != 0,
		writeBack:     raw&(1<<14) != 0,
		invept:        raw&(1<<20) != 0,
		inveptSingle:  raw&(1<<25) != 0,
		inveptAll:     raw&(1<<26) != 0,
		invvpid:       raw&(1<<32) != 0,
		invvpidSingle: raw&(1<<41) != 0,
		invvpidAll:    raw&(1<<42) != 0,
	}
}

// checkEptInfo enforces the capability floor: 4-level tables in
// write-back memory, and both granularities of both invalidation
// instructions.
func checkEptInfo(info eptInfo) error {
	switch {
	case !info.pageWalk4:
		return fmt.Errorf("vmx: no 4-level extended paging: %w", hv.ErrNotSupported)
	case !info.writeBack:
		return fmt.Errorf("vmx: no write-back paging structures: %w", hv.ErrNotSupported)
	case !info.invept || !info.inveptSingle || !info.inveptAll:
		return fmt.Errorf("vmx: incomplete invept support: %w", hv.ErrNotSupported)
	case !info.invvpid || !info.invvpidSingle || !info.invvpidAll:
		return fmt.Errorf("vmx: incomplete invvpid support: %w", hv.ErrNotSupported)
	}
	return nil
}

// XCR0 feature bits.
const (
	xcr0X87 uint64 = 1 << 0
	xcr0Sse uint64 = 1 << 1
	xcr0Avx uint64 = 1 << 2
)

// checkXcr0 validates a guest XSETBV request against the hardware's legal
// combinations. hostMask is the supported-state bitmap from CPUID leaf
// 0xd.
func checkXcr0(requested, hostMask uint64) error {
	if requested&^hostMask != 0 {
		return fmt.Errorf("vmx: xcr0 bits 0x%x unsupported: %w", requested&^hostMask, hv.ErrInvalidArgs)
	}
	if requested&xcr0X87 == 0 {
		return fmt.Errorf("vmx: xcr0 without x87: %w", hv.ErrInvalidArgs)
	}
	if requested&xcr0Avx != 0 && requested&xcr0Sse == 0 {
		return fmt.Errorf("vmx: xcr0 avx without sse: %w", hv.ErrInvalidArgs)
	}
	return nil
}

// cr0IsValid checks a guest CR0 value against the fixed-bit constraint
// MSRs. With unrestricted guest mode, PE and PG may be clear even when
// the fixed-0 report demands them.
func cr0IsValid(value, fixed0, fixed1 uint64, unrestricted bool) bool {
	if unrestricted {
		fixed0 &^= cr0PE | cr0PG
	}
	if value&fixed0 != fixed0 {
		return false
	}
	if value&^fixed1 != 0 {
		return false
	}
	// Paging without protection is never architectural.
	if value&cr0PG != 0 && value&cr0PE == 0 {
		return false
	}
	return true
}

// CR0 bits the emulator cares about.
const (
	cr0PE uint64 = 1 << 0
	cr0NE uint64 = 1 << 5
	cr0NW uint64 = 1 << 29
	cr0CD uint64 = 1 << 30
	cr0PG uint64 = 1 << 31
)

// CR4 bits the emulator cares about.
const (
	cr4PAE     uint64 = 1 << 5
	cr4VMXE    uint64 = 1 << 13
	cr4OSXSAVE uint64 = 1 << 18
)

// RFLAGS bits.
const (
	rflagsReserved1 uint64 = 1 << 1
	rflagsIF        uint64 = 1 << 9
	// User-controllable flags copied by ReadState/WriteState.
	rflagsUserMask uint64 = 0x0000000000000cd5
)

// EFER bits.
const (
	eferLME uint64 = 1 << 8
	eferLMA uint64 = 1 << 10
)
