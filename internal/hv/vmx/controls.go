package vmx

import (
	"fmt"

	"github.com/tinyrange/vmx/internal/hv"
)

// computeControl arbitrates a requested control value against the
// hardware's allowed-0/allowed-1 capability report. capability is the
// content of the relevant IA32_VMX_*_CTLS MSR: bits 31:0 give the
// allowed-0 settings (a 1 means the control bit is fixed on), bits 63:32
// the allowed-1 settings (a 0 means the control bit is fixed off).
//
// Requested set bits always survive into the result; requested clear
// bits must not collide with set bits or with fixed-on bits.
func computeControl(capability uint64, set, clear uint32) (uint32, error) {
	if set&clear != 0 {
		return 0, fmt.Errorf("vmx: control bits 0x%x both set and cleared: %w", set&clear, hv.ErrInvalidArgs)
	}

	allowed0 := uint32(capability)
	allowed1 := uint32(capability >> 32)

	if set&^allowed1 != 0 {
		return 0, fmt.Errorf("vmx: control bits 0x%x not settable: %w", set&^allowed1, hv.ErrNotSupported)
	}
	if clear&allowed0 != 0 {
		return 0, fmt.Errorf("vmx: control bits 0x%x not clearable: %w", clear&allowed0, hv.ErrNotSupported)
	}

	// Default everything not mentioned to the hardware's preferred value:
	// fixed-on bits stay on, the rest stay off.
	value := allowed0
	value |= set
	value &^= clear
	return value, nil
}

// defaultControlSource picks between the TRUE capability MSR and the
// original one, preferring TRUE when the basic-info report says it exists.
func defaultControlSource(info vmxBasicInfo, trueMsr, oldMsr uint32) uint32 {
	if info.hasTrueCtls {
		return trueMsr
	}
	return oldMsr
}
