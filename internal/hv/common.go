// Package hv declares the hypervisor-neutral surface of the virtualization
// core: the error taxonomy, trap registration types, the architectural vCPU
// state exchanged with callers, and the boundary interface to the guest
// physical address space.
package hv

import (
	"errors"
)

var (
	// ErrNotSupported reports a missing hardware capability or an operation
	// the emulator deliberately does not implement. Detected once, never
	// retried.
	ErrNotSupported = errors.New("not supported")

	// ErrInvalidArgs reports caller-supplied arguments that fail validation.
	ErrInvalidArgs = errors.New("invalid arguments")

	// ErrOutOfRange reports a range that escapes its containing space.
	ErrOutOfRange = errors.New("out of range")

	// ErrNoMemory reports resource exhaustion. No partial state is retained.
	ErrNoMemory = errors.New("out of memory")

	// ErrBadState reports caller misuse: wrong thread, use after teardown,
	// double initialization. Defensive, never corrupts hardware state.
	ErrBadState = errors.New("bad state")

	// ErrAlreadyExists reports a duplicate registration.
	ErrAlreadyExists = errors.New("already exists")

	// ErrNotFound reports a failed lookup.
	ErrNotFound = errors.New("not found")

	// ErrInternal reports a host or hardware fault that stops execution.
	ErrInternal = errors.New("internal error")
)

// TrapKind selects the address space a trap intercepts.
type TrapKind int

const (
	// TrapBell intercepts writes to a guest physical range and delivers
	// asynchronous doorbell packets to a bound port.
	TrapBell TrapKind = iota

	// TrapMem intercepts accesses to a guest physical range and surfaces
	// them synchronously to the caller of Resume.
	TrapMem

	// TrapIO intercepts x86 port I/O.
	TrapIO
)

func (k TrapKind) String() string {
	switch k {
	case TrapBell:
		return "bell"
	case TrapMem:
		return "mem"
	case TrapIO:
		return "io"
	default:
		return "invalid"
	}
}

// VcpuState is the general-register subset copied by ReadState and
// WriteState. Rsp and Rflags live in the control structure and are folded
// in and out of it on access.
type VcpuState struct {
	Rax, Rcx, Rdx, Rbx uint64
	Rsp, Rbp           uint64
	Rsi, Rdi           uint64
	R8, R9, R10, R11   uint64
	R12, R13, R14, R15 uint64
	Rflags             uint64
}

// AddressSpace is the boundary to the guest physical address space and its
// extended page tables, owned by the embedder. All addresses are guest
// physical.
type AddressSpace interface {
	// UnmapRange removes any mappings covering [addr, addr+size) so that
	// subsequent guest access faults back into the emulator.
	UnmapRange(addr, size uint64) error

	// GetPage translates a mapped guest physical address to a host
	// physical address. Returns ErrNotFound when unmapped.
	GetPage(addr uint64) (uint64, error)

	// PageFault makes addr accessible to the guest, mapping it in on
	// demand. Returns ErrNotFound when addr is backed by nothing.
	PageFault(addr uint64) error

	// Pml4Address returns the host physical address of the root paging
	// structure, suitable for an extended-page-table pointer.
	Pml4Address() uint64

	// Size returns the span of the address space in bytes.
	Size() uint64
}
