//go:build amd64 && linux

package vmx

import (
	"github.com/tinyrange/vmx/internal/hv"
	"github.com/tinyrange/vmx/internal/hv/physmem"
	ivmx "github.com/tinyrange/vmx/internal/hv/vmx"
)

// Guest is one virtual machine.
type Guest = ivmx.Guest

// Vcpu is one virtual processor.
type Vcpu = ivmx.Vcpu

// LocalApicState is a vCPU's software interrupt controller.
type LocalApicState = ivmx.LocalApicState

// NewGuest creates a guest over the given address space. The first guest
// enables virtualization machine-wide.
func NewGuest(gpas hv.AddressSpace) (*Guest, error) {
	return ivmx.NewGuest(gpas)
}

// NewMemory allocates a RAM-backed address space for guests without a
// custom second-level paging implementation. Size must be page aligned.
func NewMemory(size uint64) (*physmem.Memory, error) {
	return physmem.New(size)
}
