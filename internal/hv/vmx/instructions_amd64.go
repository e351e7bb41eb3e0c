package vmx

import (
	"fmt"

	"github.com/tinyrange/vmx/internal/hv"
)

// Raw instruction stubs, implemented in instructions_amd64.s. VMX
// instructions report failure through the carry and zero flags; the stubs
// fold both into a status byte so no flag state ever crosses back into Go.
const (
	vmxOk          uint8 = 0
	vmxFailInvalid uint8 = 1 // CF set: no current VMCS
	vmxFailValid   uint8 = 2 // ZF set: error code in the instruction-error field
)

func vmxon(phys uint64) uint8
func vmxoff() uint8
func vmptrld(phys uint64) uint8
func vmclear(phys uint64) uint8
func vmread(field uint64) (uint64, uint8)
func vmwrite(field, value uint64) uint8
func invept(invType, eptp uint64) uint8
func invvpid(invType, vpid, addr uint64) uint8

// vmxEnter performs the guest entry: it publishes the host resume point,
// swaps in the guest's general registers and CR2, and executes VMLAUNCH
// or VMRESUME. It returns vmxOk after a VM exit with the guest registers
// saved back into state, or a failure status if entry itself failed.
func vmxEnter(state *guestState, resume bool) uint8

func rdmsr(index uint32) uint64
func wrmsr(index uint32, value uint64)
func cpuid(leaf, subleaf uint32) (eax, ebx, ecx, edx uint32)
func xgetbv(index uint32) uint64
func xsetbv(index uint32, value uint64)
func xsave(area *byte, mask uint64)
func xrstor(area *byte, mask uint64)

func cli()
func sti()

// interruptWindow opens a one-instruction window so the host can service
// a pending physical interrupt while interrupts are otherwise disabled.
func interruptWindow()

func readCr0() uint64
func readCr3() uint64
func readCr4() uint64
func writeCr4(value uint64)
func readCs() uint16
func readSs() uint16
func readDs() uint16
func readEs() uint16
func readFs() uint16
func readGs() uint16
func readTr() uint16
func sgdt(dst *descriptorTable)
func sidt(dst *descriptorTable)

// descriptorTable is the unpacked result of SGDT/SIDT; the stub reads the
// hardware's 10-byte format from scratch space and splits it here.
type descriptorTable struct {
	limit uint16
	base  uint64
}

func (d *descriptorTable) Base() uint64  { return d.base }
func (d *descriptorTable) Limit() uint16 { return d.limit }

// INVEPT / INVVPID types.
const (
	inveptSingleContext uint64 = 1
	inveptAllContext    uint64 = 2

	invvpidAddress       uint64 = 0
	invvpidSingleContext uint64 = 1
	invvpidAllContext    uint64 = 2
)

// vmxError maps a status byte to an error. failValid deliberately does
// not read the instruction-error field here: that requires a loaded VMCS
// and is the caller's call to make.
func vmxError(op string, status uint8) error {
	switch status {
	case vmxOk:
		return nil
	case vmxFailInvalid:
		return fmt.Errorf("vmx: %s: no current control structure: %w", op, hv.ErrBadState)
	default:
		return fmt.Errorf("vmx: %s failed: %w", op, hv.ErrInternal)
	}
}
