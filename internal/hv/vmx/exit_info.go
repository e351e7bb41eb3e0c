package vmx

import "fmt"

// ExitReason classifies a VM exit. Values are the hardware's basic exit
// reason numbers.
type ExitReason uint16

const (
	ExitExceptionOrNmi      ExitReason = 0
	ExitExternalInterrupt   ExitReason = 1
	ExitTripleFault         ExitReason = 2
	ExitInitSignal          ExitReason = 3
	ExitInterruptWindow     ExitReason = 7
	ExitCpuid               ExitReason = 10
	ExitHlt                 ExitReason = 12
	ExitVmcall              ExitReason = 18
	ExitCrAccess            ExitReason = 28
	ExitIoInstruction       ExitReason = 30
	ExitRdmsr               ExitReason = 31
	ExitWrmsr               ExitReason = 32
	ExitEntryFailGuestState ExitReason = 33
	ExitEntryFailMsrLoad    ExitReason = 34
	ExitEptViolation        ExitReason = 48
	ExitXsetbv              ExitReason = 55
)

func (r ExitReason) String() string {
	switch r {
	case ExitExceptionOrNmi:
		return "exception-or-nmi"
	case ExitExternalInterrupt:
		return "external-interrupt"
	case ExitTripleFault:
		return "triple-fault"
	case ExitInitSignal:
		return "init-signal"
	case ExitInterruptWindow:
		return "interrupt-window"
	case ExitCpuid:
		return "cpuid"
	case ExitHlt:
		return "hlt"
	case ExitVmcall:
		return "vmcall"
	case ExitCrAccess:
		return "cr-access"
	case ExitIoInstruction:
		return "io-instruction"
	case ExitRdmsr:
		return "rdmsr"
	case ExitWrmsr:
		return "wrmsr"
	case ExitEntryFailGuestState:
		return "entry-fail-guest-state"
	case ExitEntryFailMsrLoad:
		return "entry-fail-msr-load"
	case ExitEptViolation:
		return "ept-violation"
	case ExitXsetbv:
		return "xsetbv"
	default:
		return fmt.Sprintf("exit-reason-%d", uint16(r))
	}
}

// exitInfo is the per-exit state read from the control structure before
// dispatch.
type exitInfo struct {
	reason        ExitReason
	entryFailure  bool
	qualification uint64
	instLen       uint32
	guestRip      uint64
}

func parseExitReason(raw uint32) (ExitReason, bool) {
	return ExitReason(raw & 0xffff), raw&(1<<31) != 0
}

// nextRip advances past the exiting instruction.
func (e *exitInfo) nextRip() uint64 {
	return e.guestRip + uint64(e.instLen)
}

// ioQualification decodes an I/O instruction exit qualification.
type ioQualification struct {
	accessSize uint8 // bytes: 1, 2, or 4
	input      bool
	str        bool
	rep        bool
	port       uint16
}

func parseIoQualification(q uint64) ioQualification {
	return ioQualification{
		accessSize: uint8(q&0x7) + 1,
		input:      q&(1<<3) != 0,
		str:        q&(1<<4) != 0,
		rep:        q&(1<<5) != 0,
		port:       uint16(q >> 16),
	}
}

// crQualification decodes a control-register access exit qualification.
type crQualification struct {
	register   uint8 // which CRn
	accessType uint8 // 0 = mov to CR
	gpr        uint8 // source/destination general register
}

func parseCrQualification(q uint64) crQualification {
	return crQualification{
		register:   uint8(q & 0xf),
		accessType: uint8((q >> 4) & 0x3),
		gpr:        uint8((q >> 8) & 0xf),
	}
}

// EPT violation qualification bits.
const (
	eptQualRead  uint64 = 1 << 0
	eptQualWrite uint64 = 1 << 1
)

// icr decodes an x2APIC interrupt-command-register write.
type icr struct {
	vector        uint8
	deliveryMode  uint8
	destShorthand uint8
	destination   uint32
}

const (
	icrDeliveryFixed   uint8 = 0
	icrDeliveryInit    uint8 = 5
	icrDeliveryStartup uint8 = 6

	icrShorthandNone       uint8 = 0
	icrShorthandSelf       uint8 = 1
	icrShorthandAll        uint8 = 2
	icrShorthandAllButSelf uint8 = 3
)

func parseIcr(value uint64) icr {
	return icr{
		vector:        uint8(value),
		deliveryMode:  uint8(value>>8) & 0x7,
		destShorthand: uint8(value>>18) & 0x3,
		destination:   uint32(value >> 32),
	}
}
