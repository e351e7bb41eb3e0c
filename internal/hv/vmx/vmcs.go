//go:build amd64 && linux

package vmx

import (
	"encoding/binary"
	"fmt"

	"github.com/tinyrange/vmx/internal/hv"
)

// VmcsPage is one 4KiB VMX control structure region, used both for the
// per-CPU VMXON regions and for per-vCPU VMCSes.
type VmcsPage struct {
	mem  []byte
	phys uint64
}

// newVmcsPage allocates a zeroed page and stamps the revision identifier
// reported by IA32_VMX_BASIC into its first dword.
func newVmcsPage(info vmxBasicInfo) (*VmcsPage, error) {
	mem, phys, err := allocPage()
	if err != nil {
		return nil, fmt.Errorf("vmx: alloc control page: %w", err)
	}
	binary.LittleEndian.PutUint32(mem, info.revision)
	return &VmcsPage{mem: mem, phys: phys}, nil
}

// Phys returns the physical address handed to VMXON/VMPTRLD/VMCLEAR.
func (p *VmcsPage) Phys() uint64 { return p.phys }

// Free releases the page. The caller must have VMCLEARed it first if it
// was ever a current VMCS.
func (p *VmcsPage) Free() error {
	if p.mem == nil {
		return nil
	}
	err := freePage(p.mem)
	p.mem = nil
	return err
}

// AutoVmcs scopes access to a loaded VMCS. Acquiring one disables
// interrupts and makes the page the current VMCS on this CPU; all field
// accessors require an acquired AutoVmcs so a VMREAD can never hit the
// wrong structure. Release re-enables interrupts.
//
// The zero value is unusable; obtain one through acquire.
type AutoVmcs struct {
	loaded bool
}

// acquire loads page as the current VMCS with interrupts disabled.
func (a *AutoVmcs) acquire(page *VmcsPage) error {
	cli()
	if status := vmptrld(page.Phys()); status != vmxOk {
		sti()
		return vmxError("vmptrld", status)
	}
	a.loaded = true
	return nil
}

// Release ends the scoped access. Safe to call more than once.
func (a *AutoVmcs) Release() {
	if !a.loaded {
		return
	}
	a.loaded = false
	sti()
}

func (a *AutoVmcs) read(field uint64) uint64 {
	if !a.loaded {
		panic("vmx: field access without a loaded control structure")
	}
	value, status := vmread(field)
	if status != vmxOk {
		panic(fmt.Sprintf("vmx: vmread 0x%x: status %d", field, status))
	}
	return value
}

func (a *AutoVmcs) write(field, value uint64) {
	if !a.loaded {
		panic("vmx: field access without a loaded control structure")
	}
	if status := vmwrite(field, value); status != vmxOk {
		panic(fmt.Sprintf("vmx: vmwrite 0x%x = 0x%x: status %d", field, value, status))
	}
}

// Typed accessors. A mis-sized access is a programming error the field
// types make unrepresentable.

func (a *AutoVmcs) Read16(f Field16) uint16   { return uint16(a.read(uint64(f))) }
func (a *AutoVmcs) Read32(f Field32) uint32   { return uint32(a.read(uint64(f))) }
func (a *AutoVmcs) Read64(f Field64) uint64   { return a.read(uint64(f)) }
func (a *AutoVmcs) ReadNat(f FieldNat) uint64 { return a.read(uint64(f)) }

func (a *AutoVmcs) Write16(f Field16, v uint16)   { a.write(uint64(f), uint64(v)) }
func (a *AutoVmcs) Write32(f Field32, v uint32)   { a.write(uint64(f), uint64(v)) }
func (a *AutoVmcs) Write64(f Field64, v uint64)   { a.write(uint64(f), v) }
func (a *AutoVmcs) WriteNat(f FieldNat, v uint64) { a.write(uint64(f), v) }

// SetControl writes a control field after arbitrating the requested bits
// against the hardware capability MSR.
func (a *AutoVmcs) SetControl(f Field32, capability uint64, set, clear uint32) error {
	value, err := computeControl(capability, set, clear)
	if err != nil {
		return fmt.Errorf("vmx: control field 0x%x: %w", uint32(f), err)
	}
	a.Write32(f, value)
	return nil
}

// InstructionError reads the failure detail left by a VMfailValid entry
// or VMX instruction.
func (a *AutoVmcs) InstructionError() uint32 {
	return a.Read32(FieldInstructionError)
}

// SetInterruptWindowExiting arms or disarms the interrupt-window exit so
// a pending vector can be injected as soon as the guest becomes
// interruptible.
func (a *AutoVmcs) SetInterruptWindowExiting(enable bool) {
	ctls := a.Read32(FieldProcbasedCtls)
	if enable {
		ctls |= procCtlIntWindowExiting
	} else {
		ctls &^= procCtlIntWindowExiting
	}
	a.Write32(FieldProcbasedCtls, ctls)
}

// guestInterruptible reports whether the guest can accept an external
// interrupt right now: RFLAGS.IF set and no STI/MOV-SS shadow.
func (a *AutoVmcs) guestInterruptible() bool {
	if a.ReadNat(FieldGuestRflags)&rflagsIF == 0 {
		return false
	}
	blocked := interruptibilityStiBlocking | interruptibilityMovSsBlocking
	return a.Read32(FieldGuestInterruptibilityState)&blocked == 0
}

// InjectInterrupt programs the next VM entry to deliver a vector.
// Exception vectors are delivered as hardware exceptions, NMI as NMI,
// everything else as an external interrupt.
func (a *AutoVmcs) InjectInterrupt(vector uint8) {
	info := interruptionInfoValid | uint32(vector)
	switch {
	case vector == vectorNmi:
		info |= interruptionTypeNmi
	case vector < firstExternalVector:
		info |= interruptionTypeHardware
		if vectorHasErrorCode(vector) {
			info |= interruptionInfoDeliverErr
			a.Write32(FieldEntryExceptionCode, 0)
		}
	default:
		info |= interruptionTypeExternal
	}
	a.Write32(FieldEntryInterruptionInfo, info)
}

// vectorHasErrorCode reports whether the exception pushes an error code.
func vectorHasErrorCode(vector uint8) bool {
	switch vector {
	case 8, 10, 11, 12, 13, 14, 17:
		return true
	}
	return false
}

// invalidateEpt flushes cached translations for one extended page table
// root on the current CPU.
func invalidateEpt(eptp uint64) error {
	if status := invept(inveptSingleContext, eptp); status != vmxOk {
		return vmxError("invept", status)
	}
	return nil
}

// invalidateAllEpt flushes every cached guest-physical translation on the
// current CPU.
func invalidateAllEpt() error {
	if status := invept(inveptAllContext, 0); status != vmxOk {
		return vmxError("invept", status)
	}
	return nil
}

// invalidateVpid flushes cached linear translations tagged with one
// virtual-processor identifier on the current CPU.
func invalidateVpid(vpid uint16) error {
	if vpid == 0 {
		return fmt.Errorf("vmx: invvpid of id 0: %w", hv.ErrInvalidArgs)
	}
	if status := invvpid(invvpidSingleContext, uint64(vpid), 0); status != vmxOk {
		return vmxError("invvpid", status)
	}
	return nil
}

// invalidateAllVpid flushes every tagged linear translation on the
// current CPU.
func invalidateAllVpid() error {
	if status := invvpid(invvpidAllContext, 0, 0); status != vmxOk {
		return vmxError("invvpid", status)
	}
	return nil
}
