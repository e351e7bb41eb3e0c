package hv

// PacketType discriminates the payload of a Packet.
type PacketType uint8

const (
	PacketInvalid PacketType = iota

	// PacketGuestIO reports a trapped port I/O instruction.
	PacketGuestIO

	// PacketGuestMem reports a trapped guest physical memory access.
	PacketGuestMem

	// PacketGuestBell reports a doorbell write. Bell packets carry no data
	// beyond the faulting address; the write itself is discarded.
	PacketGuestBell

	// PacketGuestVcpu reports a vCPU bring-up request (inter-processor
	// interrupt or startup) that the caller must act on.
	PacketGuestVcpu
)

func (t PacketType) String() string {
	switch t {
	case PacketGuestIO:
		return "guest-io"
	case PacketGuestMem:
		return "guest-mem"
	case PacketGuestBell:
		return "guest-bell"
	case PacketGuestVcpu:
		return "guest-vcpu"
	default:
		return "invalid"
	}
}

// GuestVcpuKind discriminates GuestVcpu payloads.
type GuestVcpuKind uint8

const (
	// VcpuInterrupt requests delivery of Vector to every vCPU in Mask.
	VcpuInterrupt GuestVcpuKind = iota

	// VcpuStartup requests bring-up of vCPU ID at instruction pointer IP.
	VcpuStartup
)

// GuestIO describes one trapped I/O instruction. Data holds the output
// bytes for an OUT; for an IN the caller fills Data before re-entering the
// guest.
type GuestIO struct {
	Port       uint16
	AccessSize uint8
	Input      bool
	Data       [4]byte
}

// GuestMem describes one trapped memory access, with enough of the
// faulting instruction captured for the caller to emulate it.
type GuestMem struct {
	Addr uint64

	// InstLen bytes of InstBuf are valid.
	InstLen            uint8
	InstBuf            [15]byte
	DefaultOperandSize uint8
}

// GuestBell describes a doorbell write.
type GuestBell struct {
	Addr uint64
}

// GuestVcpu describes an interrupt or startup request trapped from the
// virtual interrupt controller.
type GuestVcpu struct {
	Kind GuestVcpuKind

	// Mask selects target vCPUs for VcpuInterrupt.
	Mask uint64
	// Vector is the interrupt vector for VcpuInterrupt.
	Vector uint8

	// ID and IP describe the target for VcpuStartup.
	ID uint64
	IP uint64
}

// Packet is the fixed-size event record surfaced to user-mode schedulers,
// either synchronously from Resume or asynchronously through a Port. Key
// is the opaque value supplied at trap registration.
type Packet struct {
	Type PacketType
	Key  uint64

	GuestIO   GuestIO
	GuestMem  GuestMem
	GuestBell GuestBell
	GuestVcpu GuestVcpu
}
