// Package vmx is a type-1 virtualization core for Intel VT-x. The
// embedder supplies a guest physical address space and a scheduler; this
// package supplies guest and vCPU lifecycle, trap registration, and the
// VM-exit emulation engine.
//
// The execution surface (Guest, Vcpu) exists only on amd64 Linux and
// assumes ring-0 identity-mapped execution; see internal/hv/vmx. The
// types here are usable anywhere, which is also where the logic tests
// run.
package vmx

import (
	"github.com/tinyrange/vmx/internal/hv"
	ivmx "github.com/tinyrange/vmx/internal/hv/vmx"
)

// Error taxonomy. All failures returned by this module wrap one of these.
var (
	ErrNotSupported  = hv.ErrNotSupported
	ErrInvalidArgs   = hv.ErrInvalidArgs
	ErrOutOfRange    = hv.ErrOutOfRange
	ErrNoMemory      = hv.ErrNoMemory
	ErrBadState      = hv.ErrBadState
	ErrAlreadyExists = hv.ErrAlreadyExists
	ErrNotFound      = hv.ErrNotFound
	ErrInternal      = hv.ErrInternal
)

// Trap registration.
type TrapKind = hv.TrapKind

const (
	TrapBell = hv.TrapBell
	TrapMem  = hv.TrapMem
	TrapIO   = hv.TrapIO
)

// Event packets and their payloads.
type (
	Packet     = hv.Packet
	PacketType = hv.PacketType
	GuestIO    = hv.GuestIO
	GuestMem   = hv.GuestMem
	GuestBell  = hv.GuestBell
	GuestVcpu  = hv.GuestVcpu
)

const (
	PacketGuestIO   = hv.PacketGuestIO
	PacketGuestMem  = hv.PacketGuestMem
	PacketGuestBell = hv.PacketGuestBell
	PacketGuestVcpu = hv.PacketGuestVcpu

	VcpuInterrupt = hv.VcpuInterrupt
	VcpuStartup   = hv.VcpuStartup
)

// Port is the asynchronous delivery queue for bell and IO traps.
type Port = hv.Port

// NewPort returns a port buffering up to depth packets.
func NewPort(depth int) *Port { return hv.NewPort(depth) }

// PortWriter is the consumer side of trap registration.
type PortWriter = hv.PortWriter

// VcpuState is the register set exchanged with ReadState and WriteState.
type VcpuState = hv.VcpuState

// AddressSpace is the embedder-supplied guest physical memory boundary.
type AddressSpace = hv.AddressSpace

// MSR emulation policy.
type (
	MsrPolicy = ivmx.MsrPolicy
	MsrRule   = ivmx.MsrRule
	MsrAction = ivmx.MsrAction
)

const (
	MsrFault       = ivmx.MsrFault
	MsrConst       = ivmx.MsrConst
	MsrNoop        = ivmx.MsrNoop
	MsrPassthrough = ivmx.MsrPassthrough
)

// DefaultMsrPolicy returns the built-in register emulation table.
func DefaultMsrPolicy() *MsrPolicy { return ivmx.DefaultMsrPolicy() }

// LoadMsrPolicy overlays YAML policy data onto the default table.
func LoadMsrPolicy(data []byte) (*MsrPolicy, error) { return ivmx.LoadMsrPolicy(data) }

// Supported reports whether guests can run in this environment.
func Supported() bool { return ivmx.Supported() }
