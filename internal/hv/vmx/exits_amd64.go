//go:build amd64 && linux

package vmx

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/tinyrange/vmx/internal/hv"
	"github.com/tinyrange/vmx/internal/vmstats"
)

var (
	statExternalInterrupt = vmstats.RegisterKind("external-interrupt")
	statNmi               = vmstats.RegisterKind("nmi")
	statInterruptWindow   = vmstats.RegisterKind("interrupt-window")
	statCpuid             = vmstats.RegisterKind("cpuid")
	statHlt               = vmstats.RegisterKind("hlt")
	statVmcall            = vmstats.RegisterKind("vmcall")
	statCrAccess          = vmstats.RegisterKind("cr-access")
	statIo                = vmstats.RegisterKind("io")
	statRdmsr             = vmstats.RegisterKind("rdmsr")
	statWrmsr             = vmstats.RegisterKind("wrmsr")
	statEptViolation      = vmstats.RegisterKind("ept-violation")
	statXsetbv            = vmstats.RegisterKind("xsetbv")
	statEntryFail         = vmstats.RegisterKind("entry-fail")
	statOther             = vmstats.RegisterKind("other")
)

// hypercall numbers, passed in RAX.
const (
	callClockUpdate uint64 = 1

	callNotPermitted uint64 = ^uint64(0)
)

// handleExit dispatches one VM exit. It returns done=true when packet has
// been filled for the caller; otherwise the guest is resumed.
func (v *Vcpu) handleExit(ctx context.Context, auto *AutoVmcs, info exitInfo, packet *hv.Packet) (bool, error) {
	if info.entryFailure {
		return false, v.entryFailure(auto, info)
	}

	switch info.reason {
	case ExitExceptionOrNmi:
		v.stats.Exit(statNmi)
		// The host's NMI handler already ran via the exit; nothing to do.
		return false, nil

	case ExitExternalInterrupt:
		v.stats.Exit(statExternalInterrupt)
		// Let the host service the interrupt that forced us out.
		interruptWindow()
		return false, nil

	case ExitTripleFault:
		v.stats.Exit(statOther)
		return false, fmt.Errorf("vmx: vcpu %d triple fault at 0x%x: %w", v.id, info.guestRip, hv.ErrInternal)

	case ExitInitSignal:
		v.stats.Exit(statOther)
		return false, nil

	case ExitInterruptWindow:
		v.stats.Exit(statInterruptWindow)
		auto.SetInterruptWindowExiting(false)
		return false, nil

	case ExitCpuid:
		v.stats.Exit(statCpuid)
		v.handleCpuid(auto, info)
		return false, nil

	case ExitHlt:
		v.stats.Exit(statHlt)
		return false, v.handleHlt(ctx, auto, info)

	case ExitVmcall:
		v.stats.Exit(statVmcall)
		v.handleVmcall(auto, info)
		return false, nil

	case ExitCrAccess:
		v.stats.Exit(statCrAccess)
		return false, v.handleCrAccess(auto, info)

	case ExitIoInstruction:
		v.stats.Exit(statIo)
		return v.handleIo(auto, info, packet)

	case ExitRdmsr:
		v.stats.Exit(statRdmsr)
		v.handleRdmsr(auto, info)
		return false, nil

	case ExitWrmsr:
		v.stats.Exit(statWrmsr)
		return v.handleWrmsr(auto, info, packet)

	case ExitEptViolation:
		v.stats.Exit(statEptViolation)
		return v.handleEptViolation(auto, info, packet)

	case ExitXsetbv:
		v.stats.Exit(statXsetbv)
		v.handleXsetbv(auto, info)
		return false, nil

	default:
		v.stats.Exit(statOther)
		return false, fmt.Errorf("vmx: vcpu %d unhandled %v exit at 0x%x: %w",
			v.id, info.reason, info.guestRip, hv.ErrNotSupported)
	}
}

// entryFailure dumps enough guest state to diagnose a refused entry.
func (v *Vcpu) entryFailure(auto *AutoVmcs, info exitInfo) error {
	slog.Error("guest entry failed",
		"vcpu", v.id,
		"reason", info.reason,
		"qualification", info.qualification,
		"rip", auto.ReadNat(FieldGuestRip),
		"cr0", auto.ReadNat(FieldGuestCr0),
		"cr3", auto.ReadNat(FieldGuestCr3),
		"cr4", auto.ReadNat(FieldGuestCr4),
		"rflags", auto.ReadNat(FieldGuestRflags),
		"cs_rights", auto.Read32(FieldGuestCsAccessRights),
		"efer", auto.Read64(FieldGuestIa32Efer),
	)
	v.stats.Exit(statEntryFail)
	return fmt.Errorf("vmx: vcpu %d entry failure %v: %w", v.id, info.reason, hv.ErrInternal)
}

func (v *Vcpu) handleCpuid(auto *AutoVmcs, info exitInfo) {
	leaf := uint32(v.state.rax)
	subleaf := uint32(v.state.rcx)

	eax, ebx, ecx, edx := cpuid(leaf, subleaf)
	osxsave := auto.ReadNat(FieldGuestCr4)&cr4OSXSAVE != 0
	regs := maskCpuidLeaf(leaf, cpuidRegs{eax, ebx, ecx, edx}, uint32(v.id), osxsave)

	v.state.rax = uint64(regs.eax)
	v.state.rbx = uint64(regs.ebx)
	v.state.rcx = uint64(regs.ecx)
	v.state.rdx = uint64(regs.edx)
	auto.WriteNat(FieldGuestRip, info.nextRip())
}

// handleHlt parks the vCPU until a vector arrives. The control structure
// is released first so the wait never blocks with interrupts off.
func (v *Vcpu) handleHlt(ctx context.Context, auto *AutoVmcs, info exitInfo) error {
	auto.WriteNat(FieldGuestRip, info.nextRip())
	auto.Release()
	return v.apic.WaitForInterrupt(ctx)
}

func (v *Vcpu) handleVmcall(auto *AutoVmcs, info exitInfo) {
	auto.WriteNat(FieldGuestRip, info.nextRip())

	// Unprivileged callers get the not-permitted answer, not a fault.
	if cpl := auto.Read32(FieldGuestCsAccessRights) >> 5 & 3; cpl != 0 {
		v.state.rax = callNotPermitted
		return
	}

	switch v.state.rax {
	case callClockUpdate:
		gpa := v.state.rbx
		// The clock write may fault pages in, which blocks; drop the
		// control structure scope first.
		auto.Release()
		if err := v.updateClock(gpa); err != nil {
			slog.Warn("clock update hypercall failed", "vcpu", v.id, "err", err)
			v.state.rax = callNotPermitted
		} else {
			v.state.rax = 0
		}
	default:
		v.state.rax = callNotPermitted
	}
}

// gprValue fetches a general register by its exit-qualification number.
func (v *Vcpu) gprValue(auto *AutoVmcs, gpr uint8) uint64 {
	regs := [16]*uint64{
		&v.state.rax, &v.state.rcx, &v.state.rdx, &v.state.rbx,
		nil, &v.state.rbp, &v.state.rsi, &v.state.rdi,
		&v.state.r8, &v.state.r9, &v.state.r10, &v.state.r11,
		&v.state.r12, &v.state.r13, &v.state.r14, &v.state.r15,
	}
	if gpr == 4 {
		return auto.ReadNat(FieldGuestRsp)
	}
	return *regs[gpr]
}

// handleCrAccess emulates trapped control register writes. CR0 writes are
// validated against the fixed-bit constraints and mode transitions are
// reflected into EFER and the entry controls; CR4 writes may not enable
// virtualization. A repeated identical write is simply absorbed.
func (v *Vcpu) handleCrAccess(auto *AutoVmcs, info exitInfo) error {
	q := parseCrQualification(info.qualification)
	if q.accessType != 0 {
		return fmt.Errorf("vmx: vcpu %d cr%d access type %d: %w", v.id, q.register, q.accessType, hv.ErrNotSupported)
	}
	value := v.gprValue(auto, q.gpr)
	caps := &v.guest.state.caps

	switch q.register {
	case 0:
		if !cr0IsValid(value, caps.cr0Fixed0, caps.cr0Fixed1, true) {
			auto.InjectInterrupt(vectorGeneralProtect)
			return nil
		}
		actual := value | caps.cr0Fixed0&^(cr0PE|cr0PG)
		actual &= caps.cr0Fixed1
		auto.WriteNat(FieldGuestCr0, actual)
		auto.WriteNat(FieldCr0ReadShadow, value)
		v.cr0Shadow = value

		// Entering or leaving paged long mode moves EFER.LMA and the
		// entry-control address-space bit with it.
		efer := auto.Read64(FieldGuestIa32Efer)
		longMode := value&cr0PG != 0 && efer&eferLME != 0
		if longMode {
			efer |= eferLMA
		} else {
			efer &^= eferLMA
		}
		auto.Write64(FieldGuestIa32Efer, efer)
		entry := auto.Read32(FieldEntryCtls)
		if longMode {
			entry |= entryCtlIa32eMode
		} else {
			entry &^= entryCtlIa32eMode
		}
		auto.Write32(FieldEntryCtls, entry)

	case 4:
		if value&cr4VMXE != 0 {
			auto.InjectInterrupt(vectorGeneralProtect)
			return nil
		}
		actual := (value | caps.cr4Fixed0) & caps.cr4Fixed1
		auto.WriteNat(FieldGuestCr4, actual)
		auto.WriteNat(FieldCr4ReadShadow, value)

	default:
		return fmt.Errorf("vmx: vcpu %d mov to cr%d: %w", v.id, q.register, hv.ErrNotSupported)
	}

	auto.WriteNat(FieldGuestRip, info.nextRip())
	return nil
}

// handleIo surfaces a trapped port access. String and repeated forms are
// not emulated. A port-bound trap absorbs the access asynchronously;
// everything else goes to the caller, stamped with the trap key when a
// portless trap covers the port.
func (v *Vcpu) handleIo(auto *AutoVmcs, info exitInfo, packet *hv.Packet) (bool, error) {
	q := parseIoQualification(info.qualification)
	if q.str || q.rep {
		return false, fmt.Errorf("vmx: vcpu %d string io on port 0x%x: %w", v.id, q.port, hv.ErrNotSupported)
	}

	io := hv.GuestIO{
		Port:       q.port,
		AccessSize: q.accessSize,
		Input:      q.input,
	}
	if !q.input {
		value := v.state.rax & accessMask(q.accessSize)
		for i := 0; i < int(q.accessSize); i++ {
			io.Data[i] = byte(value >> (8 * i))
		}
	}

	trap, found := v.guest.traps.FindIO(q.port)
	if found && trap.HasPort() {
		if q.input {
			// Asynchronous consumers cannot answer reads; the guest sees
			// all ones, like an unconnected bus.
			v.state.rax = v.state.rax&^accessMask(q.accessSize) | accessMask(q.accessSize)
		} else {
			p := &hv.Packet{Type: hv.PacketGuestIO, GuestIO: io}
			if err := trap.Queue(p); err != nil {
				return false, err
			}
		}
		auto.WriteNat(FieldGuestRip, info.nextRip())
		return false, nil
	}

	*packet = hv.Packet{Type: hv.PacketGuestIO, GuestIO: io}
	if found {
		packet.Key = trap.Key
	}
	if q.input {
		qCopy := q
		v.pendingInput = &qCopy
	}
	auto.WriteNat(FieldGuestRip, info.nextRip())
	return true, nil
}

func (v *Vcpu) handleRdmsr(auto *AutoVmcs, info exitInfo) {
	index := uint32(v.state.rcx)

	var value uint64
	switch {
	case index >= msrX2ApicBase && index <= msrX2ApicEnd:
		value = v.readApicMsr(index)

	case index == msrIA32ApicBase:
		value = apicPhysBase | apicBaseX2ApicEnable
		if v.id == 0 {
			value |= apicBaseBspFlag
		}

	default:
		rule := v.guest.msrPolicy.Lookup(index)
		switch rule.Action {
		case MsrConst:
			value = rule.Value
		case MsrNoop:
			value = 0
		case MsrPassthrough:
			value = rdmsr(index)
		default:
			slog.Debug("rdmsr faulted", "vcpu", v.id, "msr", fmt.Sprintf("0x%x", index))
			auto.InjectInterrupt(vectorGeneralProtect)
			return
		}
	}

	v.state.rax = uint64(uint32(value))
	v.state.rdx = value >> 32
	auto.WriteNat(FieldGuestRip, info.nextRip())
}

func (v *Vcpu) readApicMsr(index uint32) uint64 {
	switch index {
	case msrX2ApicBase + 2: // local APIC id
		return uint64(v.id)
	case msrX2ApicBase + 3: // version
		return 0x50014
	case msrX2ApicSvr:
		return 0x1ff
	default:
		return 0
	}
}

// handleWrmsr emulates trapped register writes. The x2APIC range drives
// the virtual interrupt controller, including inter-processor interrupts
// surfaced to the caller; everything else consults the policy table.
func (v *Vcpu) handleWrmsr(auto *AutoVmcs, info exitInfo, packet *hv.Packet) (bool, error) {
	index := uint32(v.state.rcx)
	value := v.state.rdx<<32 | uint64(uint32(v.state.rax))

	if index >= msrX2ApicBase && index <= msrX2ApicEnd {
		return v.writeApicMsr(auto, info, index, value, packet)
	}

	rule := v.guest.msrPolicy.Lookup(index)
	if rule.Action != MsrNoop {
		slog.Debug("wrmsr faulted", "vcpu", v.id, "msr", fmt.Sprintf("0x%x", index))
		auto.InjectInterrupt(vectorGeneralProtect)
		return false, nil
	}
	auto.WriteNat(FieldGuestRip, info.nextRip())
	return false, nil
}

func (v *Vcpu) writeApicMsr(auto *AutoVmcs, info exitInfo, index uint32, value uint64, packet *hv.Packet) (bool, error) {
	done := false
	switch index {
	case msrX2ApicIcr:
		var err error
		done, err = v.handleIcr(parseIcr(value), packet)
		if err != nil {
			return false, err
		}

	case msrX2ApicEoi, msrX2ApicSvr, msrX2ApicEsr:
		// Acknowledgement and status writes carry no state we track.

	case msrX2ApicLvtTimer:
		v.apic.SetLvtTimer(uint32(value))

	case msrX2ApicInitCount:
		v.apic.SetInitialCount(uint32(value))

	case msrX2ApicDcr:
		if err := v.apic.SetDivisor(decodeDivideConfig(uint32(value))); err != nil {
			auto.InjectInterrupt(vectorGeneralProtect)
			return false, nil
		}

	case msrX2ApicSelfIpi:
		v.apic.Interrupt(uint8(value))

	default:
		auto.InjectInterrupt(vectorGeneralProtect)
		return false, nil
	}

	auto.WriteNat(FieldGuestRip, info.nextRip())
	return done, nil
}

// handleIcr resolves an inter-processor interrupt command. Self-directed
// fixed interrupts are delivered locally; everything else becomes a vCPU
// packet for the caller's scheduler. INIT is absorbed, matching a wired
// INIT being masked.
func (v *Vcpu) handleIcr(cmd icr, packet *hv.Packet) (bool, error) {
	switch cmd.deliveryMode {
	case icrDeliveryFixed:
		var mask uint64
		switch cmd.destShorthand {
		case icrShorthandSelf:
			v.apic.Interrupt(cmd.vector)
			return false, nil
		case icrShorthandNone:
			if cmd.destination >= 64 {
				return false, fmt.Errorf("vmx: vcpu %d ipi to apic id %d: %w",
					v.id, cmd.destination, hv.ErrNotSupported)
			}
			mask = 1 << cmd.destination
		case icrShorthandAll:
			mask = ^uint64(0)
		case icrShorthandAllButSelf:
			mask = ^(uint64(1) << (v.id % 64))
		}
		if mask&(1<<(v.id%64)) != 0 {
			v.apic.Interrupt(cmd.vector)
			mask &^= 1 << (v.id % 64)
		}
		if mask == 0 {
			return false, nil
		}
		*packet = hv.Packet{
			Type: hv.PacketGuestVcpu,
			GuestVcpu: hv.GuestVcpu{
				Kind:   hv.VcpuInterrupt,
				Mask:   mask,
				Vector: cmd.vector,
			},
		}
		return true, nil

	case icrDeliveryStartup:
		*packet = hv.Packet{
			Type: hv.PacketGuestVcpu,
			GuestVcpu: hv.GuestVcpu{
				Kind: hv.VcpuStartup,
				ID:   uint64(cmd.destination),
				IP:   uint64(cmd.vector) << 12,
			},
		}
		return true, nil

	case icrDeliveryInit:
		return false, nil

	default:
		return false, fmt.Errorf("vmx: vcpu %d ipi delivery mode %d: %w", v.id, cmd.deliveryMode, hv.ErrNotSupported)
	}
}

// handleEptViolation resolves a guest physical fault: a doorbell ring, a
// trapped access surfaced with its instruction bytes, or a demand-paging
// fault passed to the address space.
func (v *Vcpu) handleEptViolation(auto *AutoVmcs, info exitInfo, packet *hv.Packet) (bool, error) {
	gpa := auto.Read64(FieldGuestPhysicalAddress)

	if trap, found := v.guest.traps.FindMem(gpa); found {
		if trap.Kind == hv.TrapBell {
			if info.qualification&eptQualWrite == 0 {
				return false, fmt.Errorf("vmx: vcpu %d read of doorbell 0x%x: %w", v.id, gpa, hv.ErrNotSupported)
			}
			p := &hv.Packet{Type: hv.PacketGuestBell, GuestBell: hv.GuestBell{Addr: gpa}}
			if err := trap.Queue(p); err != nil {
				return false, err
			}
			auto.WriteNat(FieldGuestRip, info.nextRip())
			return false, nil
		}

		mem := hv.GuestMem{Addr: gpa}
		if err := v.fetchInstruction(auto, info, &mem); err != nil {
			return false, err
		}
		*packet = hv.Packet{Type: hv.PacketGuestMem, Key: trap.Key, GuestMem: mem}
		auto.WriteNat(FieldGuestRip, info.nextRip())
		return true, nil
	}

	if gpa >= v.guest.gpas.Size() {
		return false, fmt.Errorf("vmx: vcpu %d access at 0x%x beyond 0x%x: %w",
			v.id, gpa, v.guest.gpas.Size(), hv.ErrOutOfRange)
	}
	// The fault handler may block on the embedder; drop the control
	// structure scope before calling out.
	auto.Release()
	if err := v.guest.gpas.PageFault(gpa); err != nil {
		if errors.Is(err, hv.ErrNotFound) {
			return false, fmt.Errorf("vmx: vcpu %d unbacked page 0x%x: %w", v.id, gpa, hv.ErrInternal)
		}
		return false, err
	}
	return false, invalidateEpt(v.guest.eptp)
}

func (v *Vcpu) handleXsetbv(auto *AutoVmcs, info exitInfo) {
	if uint32(v.state.rcx) != 0 {
		auto.InjectInterrupt(vectorGeneralProtect)
		return
	}
	value := v.state.rdx<<32 | uint64(uint32(v.state.rax))
	if err := checkXcr0(value, v.guest.state.caps.xcr0HostMask); err != nil {
		auto.InjectInterrupt(vectorGeneralProtect)
		return
	}
	v.xcr0 = value
	auto.WriteNat(FieldGuestRip, info.nextRip())
}
