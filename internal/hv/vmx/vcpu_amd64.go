//go:build amd64 && linux

package vmx

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"runtime"
	"sync/atomic"

	"github.com/tinyrange/vmx/internal/hv"
	"github.com/tinyrange/vmx/internal/vmstats"
	"golang.org/x/sys/unix"
)

// guestState is the general-register image swapped by vmxEnter. The field
// order is the assembly's register save layout; do not reorder.
type guestState struct {
	rax, rcx, rdx, rbx uint64
	rbp, rsi, rdi      uint64
	r8, r9, r10, r11   uint64
	r12, r13, r14, r15 uint64
	cr2                uint64
}

// Architectural reset values. The reset code segment is the one place
// where the selector is not the base shifted: 0xf000 with the base up
// at the top of the fourth gigabyte.
const (
	resetCr0        uint64 = 0x60000010
	resetRip        uint64 = 0xfff0
	resetCsSelector uint16 = 0xf000
	resetCsBase     uint64 = 0xffff0000
	resetPat        uint64 = 0x0007040600070406
	resetDr7        uint64 = 0x400
)

// Segment access rights for the unrestricted-guest reset state.
const (
	arCode     uint32 = 0x9b
	arData     uint32 = 0x93
	arLdtr     uint32 = 0x82
	arTss      uint32 = 0x8b
	arUnusable uint32 = 1 << 16
)

// Vcpu is one virtual processor. All execution methods must be called
// from a single host thread; Resume pins that thread to the CPU derived
// from the processor identifier. Interrupt and the APIC are safe from
// anywhere.
type Vcpu struct {
	guest *Guest
	id    uint16
	vpid  uint16
	cpu   int

	apic  *LocalApicState
	stats *vmstats.Recorder

	vmcs *VmcsPage

	// guestMsrs doubles as the exit store and entry load list; hostMsrs is
	// the exit load list.
	guestMsrs     []byte
	guestMsrsPhys uint64
	hostMsrs      []byte
	hostMsrsPhys  uint64

	guestXsave []byte
	hostXsave  []byte

	state guestState

	// ownerTid is the bound host thread, 0 while parked.
	ownerTid atomic.Int32
	// inGuest gates the remote kick.
	inGuest atomic.Bool

	configured bool
	launched   bool
	closed     bool

	// Emulated state outside the control structure.
	xcr0      uint64
	cr0Shadow uint64

	// pendingInput tracks an IN surfaced to the caller, so the reply data
	// lands in the right register slice on the next Resume.
	pendingInput *ioQualification
}

func newVcpu(g *Guest, id uint16) (*Vcpu, error) {
	vpid, err := g.state.AllocVpid()
	if err != nil {
		return nil, err
	}

	v := &Vcpu{
		guest: g,
		id:    id,
		vpid:  vpid,
		cpu:   int(vpid) % runtime.NumCPU(),
		apic:  NewLocalApicState(),
		stats: vmstats.NewRecorder(),
		xcr0:  xcr0X87,
	}

	cleanup := func() {
		v.freePages()
		g.state.FreeVpid(vpid)
	}

	if v.vmcs, err = newVmcsPage(g.state.caps.basic); err != nil {
		cleanup()
		return nil, err
	}
	if v.guestMsrs, v.guestMsrsPhys, err = allocPage(); err != nil {
		cleanup()
		return nil, err
	}
	if v.hostMsrs, v.hostMsrsPhys, err = allocPage(); err != nil {
		cleanup()
		return nil, err
	}
	if v.guestXsave, _, err = allocPage(); err != nil {
		cleanup()
		return nil, err
	}
	if v.hostXsave, _, err = allocPage(); err != nil {
		cleanup()
		return nil, err
	}
	initXsaveArea(v.guestXsave)

	slog.Debug("vcpu created", "id", id, "vpid", vpid, "cpu", v.cpu)
	return v, nil
}

// ID returns the caller-visible processor identifier, which is also the
// virtual APIC id.
func (v *Vcpu) ID() uint16 { return v.id }

// Apic returns the vCPU's interrupt controller.
func (v *Vcpu) Apic() *LocalApicState { return v.apic }

// Stats returns the vCPU's exit accounting.
func (v *Vcpu) Stats() *vmstats.Recorder { return v.stats }

// Interrupt marks a vector pending and kicks the vCPU out of the guest if
// it is currently executing. Safe from any goroutine.
func (v *Vcpu) Interrupt(vector uint8) {
	v.apic.Interrupt(vector)
	v.kick()
}

// kick forces a VM exit by signalling the bound thread; the physical
// interrupt exits the guest through external-interrupt exiting.
func (v *Vcpu) kick() {
	if !v.inGuest.Load() {
		return
	}
	if tid := v.ownerTid.Load(); tid != 0 {
		unix.Tgkill(unix.Getpid(), int(tid), unix.SIGURG)
	}
}

// bind claims the vCPU for the calling thread and pins it to the vCPU's
// CPU. The first bind also programs the control structure.
func (v *Vcpu) bind() error {
	if v.closed {
		return fmt.Errorf("vmx: vcpu %d closed: %w", v.id, hv.ErrBadState)
	}

	tid := int32(unix.Gettid())
	if owner := v.ownerTid.Load(); owner != 0 {
		if owner != tid {
			return fmt.Errorf("vmx: vcpu %d owned by thread %d: %w", v.id, owner, hv.ErrBadState)
		}
		return nil
	}

	runtime.LockOSThread()
	if err := pinToCpu(v.cpu); err != nil {
		runtime.UnlockOSThread()
		return err
	}
	if got, _, err := getcpu(); err == nil && got != v.cpu {
		runtime.UnlockOSThread()
		return fmt.Errorf("vmx: vcpu %d pinned to cpu %d but running on %d: %w",
			v.id, v.cpu, got, hv.ErrInternal)
	}
	v.ownerTid.Store(tid)

	unbind := func() {
		v.ownerTid.Store(0)
		runtime.UnlockOSThread()
	}
	if !v.configured {
		if err := v.configure(); err != nil {
			unbind()
			return err
		}
		v.configured = true
	} else if err := v.refreshHostState(); err != nil {
		// The control structure was configured by an earlier owner; the
		// host context it captured belongs to that thread, not this one.
		unbind()
		return err
	}
	return nil
}

// refreshHostState recaptures the binding thread's context: the
// host-state area restored on every exit and the exit-load register
// values, both of which went stale when the previous owner parked.
func (v *Vcpu) refreshHostState() error {
	var auto AutoVmcs
	if err := auto.acquire(v.vmcs); err != nil {
		return err
	}
	defer auto.Release()

	v.seedHostState(&auto)
	for i, msr := range switchedMsrs {
		writeMsrListEntry(v.hostMsrs, i, msr, rdmsr(msr))
	}
	return nil
}

// Park releases thread ownership so a different host thread can Resume
// the vCPU later. The control structure is cleared from the current CPU;
// the next entry relaunches.
func (v *Vcpu) Park() error {
	if err := v.checkOwner(); err != nil {
		return err
	}
	cli()
	status := vmclear(v.vmcs.Phys())
	flushErr := invalidateVpid(v.vpid)
	sti()
	if status != vmxOk {
		return vmxError("vmclear", status)
	}
	if flushErr != nil {
		return flushErr
	}
	v.launched = false
	v.ownerTid.Store(0)
	runtime.UnlockOSThread()
	return nil
}

func (v *Vcpu) checkOwner() error {
	if v.closed {
		return fmt.Errorf("vmx: vcpu %d closed: %w", v.id, hv.ErrBadState)
	}
	owner := v.ownerTid.Load()
	if owner == 0 {
		return fmt.Errorf("vmx: vcpu %d not bound: %w", v.id, hv.ErrBadState)
	}
	if owner != int32(unix.Gettid()) {
		return fmt.Errorf("vmx: vcpu %d owned by thread %d: %w", v.id, owner, hv.ErrBadState)
	}
	return nil
}

// configure performs the one-time control structure setup: clear, load,
// program every control, and seed the architectural reset state.
func (v *Vcpu) configure() error {
	cli()
	status := vmclear(v.vmcs.Phys())
	sti()
	if status != vmxOk {
		return vmxError("vmclear", status)
	}

	var auto AutoVmcs
	if err := auto.acquire(v.vmcs); err != nil {
		return err
	}
	defer auto.Release()

	caps := &v.guest.state.caps

	auto.Write16(FieldVpid, v.vpid)

	if err := auto.SetControl(FieldPinbasedCtls, caps.pinbased,
		pinCtlExtIntExiting|pinCtlNmiExiting, 0); err != nil {
		return err
	}
	if err := auto.SetControl(FieldProcbasedCtls, caps.procbased,
		procCtlHltExiting|procCtlIoExiting|procCtlUseMsrBitmaps|procCtlSecondaryCtls,
		procCtlIntWindowExiting|procCtlUseTscOffsetting); err != nil {
		return err
	}
	// RDTSCP, INVPCID and XSAVES run natively when the hardware can; their
	// sensitive registers travel the load/store lists.
	opt := procCtl2EnableRdtscp | procCtl2EnableInvpcid | procCtl2EnableXsaves
	opt &= uint32(caps.procbased2 >> 32)
	if err := auto.SetControl(FieldProcbasedCtls2, caps.procbased2,
		procCtl2EnableEpt|procCtl2EnableVpid|procCtl2UnrestrictedGuest|opt, 0); err != nil {
		return err
	}
	if err := auto.SetControl(FieldEntryCtls, caps.entry,
		entryCtlLoadPat|entryCtlLoadEfer, entryCtlIa32eMode); err != nil {
		return err
	}
	if err := auto.SetControl(FieldExitCtls, caps.exit,
		exitCtlHostAddrSpaceSize|exitCtlSavePat|exitCtlLoadPat|
			exitCtlSaveEfer|exitCtlLoadEfer, exitCtlAckIntOnExit); err != nil {
		return err
	}

	auto.Write32(FieldExceptionBitmap, 0)
	auto.Write32(FieldPagefaultErrorMask, 0)
	auto.Write32(FieldPagefaultErrorMatch, 0)

	auto.Write64(FieldMsrBitmapsAddress, v.guest.msrBitmapPhys)
	v.setupMsrLists(&auto)

	auto.Write64(FieldEptPointer, v.guest.eptp)
	auto.Write64(FieldVmcsLinkPointer, ^uint64(0))

	v.seedGuestState(&auto)
	v.seedHostState(&auto)
	return nil
}

// setupMsrLists programs the automatic register save and restore. The
// guest list starts as a copy of the host's values.
func (v *Vcpu) setupMsrLists(auto *AutoVmcs) {
	for i, msr := range switchedMsrs {
		value := rdmsr(msr)
		writeMsrListEntry(v.guestMsrs, i, msr, value)
		writeMsrListEntry(v.hostMsrs, i, msr, value)
	}
	count := uint32(len(switchedMsrs))
	auto.Write64(FieldExitMsrStoreAddress, v.guestMsrsPhys)
	auto.Write32(FieldExitMsrStoreCount, count)
	auto.Write64(FieldEntryMsrLoadAddress, v.guestMsrsPhys)
	auto.Write32(FieldEntryMsrLoadCount, count)
	auto.Write64(FieldExitMsrLoadAddress, v.hostMsrsPhys)
	auto.Write32(FieldExitMsrLoadCount, count)
}

// writeMsrListEntry fills one 16-byte entry: index, reserved, value.
func writeMsrListEntry(list []byte, slot int, msr uint32, value uint64) {
	off := slot * 16
	binary.LittleEndian.PutUint32(list[off:], msr)
	binary.LittleEndian.PutUint32(list[off+4:], 0)
	binary.LittleEndian.PutUint64(list[off+8:], value)
}

// seedGuestState writes the post-reset machine state: 16-bit real mode at
// the architectural reset vector, paging off, interrupts off.
func (v *Vcpu) seedGuestState(auto *AutoVmcs) {
	caps := &v.guest.state.caps

	cr0 := resetCr0 | (caps.cr0Fixed0 &^ (cr0PE | cr0PG))
	auto.WriteNat(FieldGuestCr0, cr0)
	v.cr0Shadow = cr0
	auto.WriteNat(FieldCr0ReadShadow, cr0)
	// Exit on every CR0 write so the fixed-bit constraints stay enforced.
	auto.WriteNat(FieldCr0GuestHostMask, ^uint64(0))

	cr4 := caps.cr4Fixed0
	auto.WriteNat(FieldGuestCr4, cr4)
	auto.WriteNat(FieldCr4ReadShadow, cr4&^cr4VMXE)
	auto.WriteNat(FieldCr4GuestHostMask, cr4VMXE)

	auto.WriteNat(FieldGuestCr3, 0)
	auto.WriteNat(FieldGuestDr7, resetDr7)

	auto.Write16(FieldGuestCsSelector, resetCsSelector)
	auto.WriteNat(FieldGuestCsBase, resetCsBase)
	auto.Write32(FieldGuestCsLimit, 0xffff)
	auto.Write32(FieldGuestCsAccessRights, arCode)

	dataSegs := []struct {
		sel    Field16
		base   FieldNat
		limit  Field32
		rights Field32
	}{
		{FieldGuestEsSelector, FieldGuestEsBase, FieldGuestEsLimit, FieldGuestEsAccessRights},
		{FieldGuestSsSelector, FieldGuestSsBase, FieldGuestSsLimit, FieldGuestSsAccessRights},
		{FieldGuestDsSelector, FieldGuestDsBase, FieldGuestDsLimit, FieldGuestDsAccessRights},
		{FieldGuestFsSelector, FieldGuestFsBase, FieldGuestFsLimit, FieldGuestFsAccessRights},
		{FieldGuestGsSelector, FieldGuestGsBase, FieldGuestGsLimit, FieldGuestGsAccessRights},
	}
	for _, seg := range dataSegs {
		auto.Write16(seg.sel, 0)
		auto.WriteNat(seg.base, 0)
		auto.Write32(seg.limit, 0xffff)
		auto.Write32(seg.rights, arData)
	}

	auto.Write16(FieldGuestLdtrSelector, 0)
	auto.WriteNat(FieldGuestLdtrBase, 0)
	auto.Write32(FieldGuestLdtrLimit, 0xffff)
	auto.Write32(FieldGuestLdtrAccessRights, arLdtr)

	auto.Write16(FieldGuestTrSelector, 0)
	auto.WriteNat(FieldGuestTrBase, 0)
	auto.Write32(FieldGuestTrLimit, 0xffff)
	auto.Write32(FieldGuestTrAccessRights, arTss)

	auto.WriteNat(FieldGuestGdtrBase, 0)
	auto.Write32(FieldGuestGdtrLimit, 0xffff)
	auto.WriteNat(FieldGuestIdtrBase, 0)
	auto.Write32(FieldGuestIdtrLimit, 0xffff)

	auto.WriteNat(FieldGuestRip, resetRip)
	auto.WriteNat(FieldGuestRsp, 0)
	auto.WriteNat(FieldGuestRflags, rflagsReserved1)
	auto.Write32(FieldGuestInterruptibilityState, 0)
	auto.Write32(FieldGuestActivityState, 0)
	auto.WriteNat(FieldGuestPendingDebug, 0)

	auto.Write64(FieldGuestIa32Pat, resetPat)
	auto.Write64(FieldGuestIa32Efer, 0)
	auto.Write32(FieldGuestIa32SysenterCs, 0)
	auto.WriteNat(FieldGuestIa32SysenterEsp, 0)
	auto.WriteNat(FieldGuestIa32SysenterEip, 0)
}

// seedHostState captures this thread's environment as the state restored
// on every VM exit. The thread is already pinned, so none of it changes
// underneath us.
func (v *Vcpu) seedHostState(auto *AutoVmcs) {
	auto.WriteNat(FieldHostCr0, readCr0())
	auto.WriteNat(FieldHostCr3, readCr3())
	auto.WriteNat(FieldHostCr4, readCr4())

	// Host selectors must carry no RPL or TI bits.
	auto.Write16(FieldHostCsSelector, readCs()&^7)
	auto.Write16(FieldHostSsSelector, readSs()&^7)
	auto.Write16(FieldHostDsSelector, readDs()&^7)
	auto.Write16(FieldHostEsSelector, readEs()&^7)
	auto.Write16(FieldHostFsSelector, readFs()&^7)
	auto.Write16(FieldHostGsSelector, readGs()&^7)
	auto.Write16(FieldHostTrSelector, readTr()&^7)

	var gdt, idt descriptorTable
	sgdt(&gdt)
	sidt(&idt)
	auto.WriteNat(FieldHostGdtrBase, gdt.Base())
	auto.WriteNat(FieldHostIdtrBase, idt.Base())
	auto.WriteNat(FieldHostTrBase, descriptorBase(gdt, readTr()))

	auto.WriteNat(FieldHostFsBase, rdmsr(msrIA32FsBase))
	auto.WriteNat(FieldHostGsBase, rdmsr(msrIA32GsBase))
	auto.Write32(FieldHostIa32SysenterCs, uint32(rdmsr(msrIA32SysenterCS)))
	auto.WriteNat(FieldHostIa32SysenterEsp, rdmsr(msrIA32SysenterESP))
	auto.WriteNat(FieldHostIa32SysenterEip, rdmsr(msrIA32SysenterEIP))
	auto.Write64(FieldHostIa32Pat, rdmsr(msrIA32Pat))
	auto.Write64(FieldHostIa32Efer, rdmsr(msrIA32Efer))
}

// descriptorBase reads a system segment's base out of the descriptor
// table; 64-bit TSS descriptors span sixteen bytes.
func descriptorBase(gdt descriptorTable, selector uint16) uint64 {
	if selector&^7 == 0 {
		return 0
	}
	desc := (*[2]uint64)(pointerAt(gdt.Base() + uint64(selector&^7)))
	low := desc[0]
	base := (low >> 16 & 0xffffff) | (low >> 32 & 0xff000000)
	return base | desc[1]<<32
}

// SetEntry points the vCPU at an entry instruction pointer, the way a
// startup inter-processor interrupt would. Claims the vCPU for the
// calling thread if it is unowned.
func (v *Vcpu) SetEntry(ip uint64) error {
	// A startup vector is eight bits, so the reachable entry points all
	// sit below 1MiB.
	if ip >= 1<<20 {
		return fmt.Errorf("vmx: entry point 0x%x above the startup range: %w", ip, hv.ErrInvalidArgs)
	}
	if err := v.bind(); err != nil {
		return err
	}
	var auto AutoVmcs
	if err := auto.acquire(v.vmcs); err != nil {
		return err
	}
	defer auto.Release()

	base := ip &^ 0xfff
	auto.Write16(FieldGuestCsSelector, uint16(base>>4))
	auto.WriteNat(FieldGuestCsBase, base)
	auto.WriteNat(FieldGuestRip, ip&0xfff)
	return nil
}

// ReadState copies the architectural registers. Claims the vCPU for the
// calling thread if it is unowned.
func (v *Vcpu) ReadState(s *hv.VcpuState) error {
	if err := v.bind(); err != nil {
		return err
	}
	var auto AutoVmcs
	if err := auto.acquire(v.vmcs); err != nil {
		return err
	}
	defer auto.Release()

	*s = hv.VcpuState{
		Rax: v.state.rax, Rcx: v.state.rcx, Rdx: v.state.rdx, Rbx: v.state.rbx,
		Rsp: auto.ReadNat(FieldGuestRsp), Rbp: v.state.rbp,
		Rsi: v.state.rsi, Rdi: v.state.rdi,
		R8: v.state.r8, R9: v.state.r9, R10: v.state.r10, R11: v.state.r11,
		R12: v.state.r12, R13: v.state.r13, R14: v.state.r14, R15: v.state.r15,
		Rflags: auto.ReadNat(FieldGuestRflags) & rflagsUserMask,
	}
	return nil
}

// WriteState replaces the architectural registers. Only the arithmetic
// flags of Rflags are honored. Claims the vCPU for the calling thread if
// it is unowned.
func (v *Vcpu) WriteState(s *hv.VcpuState) error {
	if err := v.bind(); err != nil {
		return err
	}
	var auto AutoVmcs
	if err := auto.acquire(v.vmcs); err != nil {
		return err
	}
	defer auto.Release()

	v.state.rax, v.state.rcx, v.state.rdx, v.state.rbx = s.Rax, s.Rcx, s.Rdx, s.Rbx
	v.state.rbp, v.state.rsi, v.state.rdi = s.Rbp, s.Rsi, s.Rdi
	v.state.r8, v.state.r9, v.state.r10, v.state.r11 = s.R8, s.R9, s.R10, s.R11
	v.state.r12, v.state.r13, v.state.r14, v.state.r15 = s.R12, s.R13, s.R14, s.R15

	auto.WriteNat(FieldGuestRsp, s.Rsp)
	rflags := auto.ReadNat(FieldGuestRflags)
	auto.WriteNat(FieldGuestRflags, (rflags&^rflagsUserMask)|(s.Rflags&rflagsUserMask)|rflagsReserved1)
	return nil
}

// Resume runs the guest until an event needs the caller: packet is filled
// in and Resume returns nil. When the caller is replying to an input
// packet, the same packet carries the data back in. Context cancellation
// kicks the vCPU out of the guest and returns the context's error.
func (v *Vcpu) Resume(ctx context.Context, packet *hv.Packet) error {
	if err := v.bind(); err != nil {
		return err
	}

	if v.pendingInput != nil {
		v.completeInput(packet)
	}

	stop := context.AfterFunc(ctx, v.kick)
	defer stop()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		var auto AutoVmcs
		if err := auto.acquire(v.vmcs); err != nil {
			return err
		}

		v.prepareInjection(&auto)

		v.stats.Entry()
		v.inGuest.Store(true)
		v.swapInGuestExtendedState()
		status := vmxEnter(&v.state, v.launched)
		v.swapOutGuestExtendedState()
		v.inGuest.Store(false)

		if status != vmxOk {
			detail := auto.InstructionError()
			auto.Release()
			v.stats.Exit(statEntryFail)
			return fmt.Errorf("vmx: guest entry failed: detail %d: %w", detail, hv.ErrInternal)
		}
		v.launched = true

		info := readExitInfo(&auto)
		done, err := v.handleExit(ctx, &auto, info, packet)
		auto.Release()
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
}

// completeInput writes the caller's reply to a trapped IN into the guest.
func (v *Vcpu) completeInput(packet *hv.Packet) {
	q := v.pendingInput
	v.pendingInput = nil
	if packet == nil || packet.Type != hv.PacketGuestIO || !packet.GuestIO.Input {
		return
	}
	var value uint64
	for i := 0; i < int(q.accessSize); i++ {
		value |= uint64(packet.GuestIO.Data[i]) << (8 * i)
	}
	mask := accessMask(q.accessSize)
	v.state.rax = v.state.rax&^mask | value&mask
}

func accessMask(size uint8) uint64 {
	return ^uint64(0) >> (64 - 8*uint(size))
}

// prepareInjection either injects the highest-priority pending vector or
// arms the interrupt-window exit to wait for interruptibility.
func (v *Vcpu) prepareInjection(auto *AutoVmcs) {
	if !v.apic.HasPending() {
		return
	}
	if !auto.guestInterruptible() {
		auto.SetInterruptWindowExiting(true)
		return
	}
	if vector, ok := v.apic.Pop(); ok {
		auto.InjectInterrupt(vector)
	}
	auto.SetInterruptWindowExiting(v.apic.HasPending())
}

// swapInGuestExtendedState saves the host floating point and extended
// state and loads the guest's, honoring the guest's XCR0.
func (v *Vcpu) swapInGuestExtendedState() {
	hostMask := v.guest.state.caps.xcr0HostMask
	xsave(&v.hostXsave[0], hostMask)
	if v.xcr0 != xgetbv(0) {
		xsetbv(0, v.xcr0)
	}
	xrstor(&v.guestXsave[0], v.xcr0)
}

func (v *Vcpu) swapOutGuestExtendedState() {
	hostMask := v.guest.state.caps.xcr0HostMask
	xsave(&v.guestXsave[0], v.xcr0)
	if v.xcr0 != hostMask {
		xsetbv(0, hostMask)
	}
	xrstor(&v.hostXsave[0], hostMask)
}

func readExitInfo(auto *AutoVmcs) exitInfo {
	reason, entryFailure := parseExitReason(auto.Read32(FieldExitReason))
	return exitInfo{
		reason:        reason,
		entryFailure:  entryFailure,
		qualification: auto.ReadNat(FieldExitQualification),
		instLen:       auto.Read32(FieldExitInstructionLength),
		guestRip:      auto.ReadNat(FieldGuestRip),
	}
}

// Close tears the vCPU down. The control structure must be cleared from
// the CPU that owns it, so an owning thread closes inline and any other
// caller pins a helper to the vCPU's CPU.
func (v *Vcpu) Close() error {
	if v.closed {
		return fmt.Errorf("vmx: vcpu %d double close: %w", v.id, hv.ErrBadState)
	}
	v.closed = true
	v.apic.Close()

	if !v.configured {
		v.freePages()
		return v.guest.state.FreeVpid(v.vpid)
	}

	clear := func() error {
		cli()
		status := vmclear(v.vmcs.Phys())
		sti()
		return vmxError("vmclear", status)
	}

	var err error
	if v.ownerTid.Load() == int32(unix.Gettid()) {
		err = clear()
		v.ownerTid.Store(0)
		runtime.UnlockOSThread()
	} else {
		errCh := make(chan error, 1)
		go func() {
			runtime.LockOSThread()
			defer runtime.UnlockOSThread()
			if pinErr := pinToCpu(v.cpu); pinErr != nil {
				errCh <- pinErr
				return
			}
			errCh <- clear()
		}()
		err = <-errCh
	}

	v.freePages()
	if freeErr := v.guest.state.FreeVpid(v.vpid); freeErr != nil && err == nil {
		err = freeErr
	}
	return err
}

func (v *Vcpu) freePages() {
	for _, page := range [][]byte{v.guestMsrs, v.hostMsrs, v.guestXsave, v.hostXsave} {
		if page != nil {
			freePage(page)
		}
	}
	v.guestMsrs, v.hostMsrs, v.guestXsave, v.hostXsave = nil, nil, nil, nil
	if v.vmcs != nil {
		v.vmcs.Free()
		v.vmcs = nil
	}
}
