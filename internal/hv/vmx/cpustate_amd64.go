//go:build amd64 && linux

package vmx

import (
	"fmt"
	"log/slog"
	"math/bits"
	"runtime"
	"sync"
	"unsafe"

	"github.com/tinyrange/vmx/internal/hv"
	"golang.org/x/sys/unix"
)

// IA32_FEATURE_CONTROL bits.
const (
	featureControlLock          uint64 = 1 << 0
	featureControlVmxOutsideSmx uint64 = 1 << 2
)

// maxVpids bounds the virtual-processor-identifier pool. Identifier 0 is
// architecturally reserved for the host.
const maxVpids = 64

// vmxCaps is the snapshot of every VMX capability MSR consulted after the
// probe, read once so later decisions never touch hardware again.
type vmxCaps struct {
	basic vmxBasicInfo
	ept   eptInfo

	pinbased   uint64
	procbased  uint64
	procbased2 uint64
	exit       uint64
	entry      uint64

	cr0Fixed0 uint64
	cr0Fixed1 uint64
	cr4Fixed0 uint64
	cr4Fixed1 uint64

	// xcr0HostMask is the supported-state bitmap from CPUID leaf 0xd.
	xcr0HostMask uint64
}

// VmxCpuState owns everything shared across guests: the probed
// capabilities, the per-CPU VMXON regions, and the VPID pool. It is
// created lazily by the first guest and torn down when the last one
// releases it.
type VmxCpuState struct {
	mu sync.Mutex

	caps vmxCaps

	// vmxonPages[cpu] is that CPU's VMXON region while enabled.
	vmxonPages []*VmcsPage
	enabled    bool
	refs       int

	// vpidBitmap tracks allocated identifiers; bit 0 stays set forever.
	vpidBitmap uint64
}

var (
	cpuStateMu sync.Mutex
	cpuState   *VmxCpuState
)

// acquireCpuState returns the shared enable state, creating it on first
// use. Every Guest holds one reference.
func acquireCpuState() (*VmxCpuState, error) {
	cpuStateMu.Lock()
	defer cpuStateMu.Unlock()

	if cpuState == nil {
		s, err := newCpuState()
		if err != nil {
			return nil, err
		}
		cpuState = s
	}
	cpuState.mu.Lock()
	cpuState.refs++
	cpuState.mu.Unlock()
	return cpuState, nil
}

// release drops one reference; the last one leaves VMX operation and
// frees the per-CPU regions.
func (s *VmxCpuState) release() error {
	cpuStateMu.Lock()
	defer cpuStateMu.Unlock()

	s.mu.Lock()
	s.refs--
	last := s.refs == 0
	s.mu.Unlock()
	if !last {
		return nil
	}

	err := s.disableAll()
	cpuState = nil
	return err
}

// newCpuState probes the hardware and enables VMX operation on every CPU.
func newCpuState() (*VmxCpuState, error) {
	caps, err := probeCaps()
	if err != nil {
		return nil, err
	}

	s := &VmxCpuState{
		caps:       caps,
		vmxonPages: make([]*VmcsPage, runtime.NumCPU()),
		vpidBitmap: 1,
	}
	if err := s.enableAll(); err != nil {
		return nil, err
	}
	s.enabled = true
	slog.Debug("vmx operation enabled", "cpus", len(s.vmxonPages), "revision", caps.basic.revision)
	return s, nil
}

// probeCaps checks the capability floor and snapshots every MSR the
// execution core consults later.
func probeCaps() (vmxCaps, error) {
	var caps vmxCaps

	if !Supported() {
		return caps, fmt.Errorf("vmx: no virtualization extensions: %w", hv.ErrNotSupported)
	}

	fc := rdmsr(msrIA32FeatureControl)
	if fc&featureControlLock != 0 && fc&featureControlVmxOutsideSmx == 0 {
		return caps, fmt.Errorf("vmx: disabled by firmware: %w", hv.ErrNotSupported)
	}

	caps.basic = parseVmxBasic(rdmsr(msrVmxBasic))
	switch {
	case !caps.basic.writeBack:
		return caps, fmt.Errorf("vmx: control structure memory type not write-back: %w", hv.ErrNotSupported)
	case !caps.basic.ioExitInfo:
		return caps, fmt.Errorf("vmx: no instruction detail on io exits: %w", hv.ErrNotSupported)
	}

	caps.pinbased = rdmsr(defaultControlSource(caps.basic, msrVmxTruePinbased, msrVmxPinbasedCtls))
	caps.procbased = rdmsr(defaultControlSource(caps.basic, msrVmxTrueProcbased, msrVmxProcbasedCtls))
	caps.exit = rdmsr(defaultControlSource(caps.basic, msrVmxTrueExit, msrVmxExitCtls))
	caps.entry = rdmsr(defaultControlSource(caps.basic, msrVmxTrueEntry, msrVmxEntryCtls))

	// Secondary controls carry EPT, VPID and unrestricted guest; all three
	// are mandatory here.
	if uint32(caps.procbased>>32)&procCtlSecondaryCtls == 0 {
		return caps, fmt.Errorf("vmx: no secondary execution controls: %w", hv.ErrNotSupported)
	}
	caps.procbased2 = rdmsr(msrVmxProcbasedCtls2)
	allowed2 := uint32(caps.procbased2 >> 32)
	need2 := procCtl2EnableEpt | procCtl2EnableVpid | procCtl2UnrestrictedGuest
	if allowed2&need2 != need2 {
		return caps, fmt.Errorf("vmx: missing secondary controls 0x%x: %w", need2&^allowed2, hv.ErrNotSupported)
	}

	caps.ept = parseEptInfo(rdmsr(msrVmxEptVpidCap))
	if err := checkEptInfo(caps.ept); err != nil {
		return caps, err
	}

	caps.cr0Fixed0 = rdmsr(msrVmxCr0Fixed0)
	caps.cr0Fixed1 = rdmsr(msrVmxCr0Fixed1)
	caps.cr4Fixed0 = rdmsr(msrVmxCr4Fixed0)
	caps.cr4Fixed1 = rdmsr(msrVmxCr4Fixed1)

	xa, _, _, xd := cpuid(cpuidLeafXsave, 0)
	caps.xcr0HostMask = uint64(xd)<<32 | uint64(xa)
	return caps, nil
}

// enableAll runs VMXON on every CPU in parallel, rolling everything back
// on the first failure.
func (s *VmxCpuState) enableAll() error {
	errs := make([]error, len(s.vmxonPages))
	var wg sync.WaitGroup
	for cpu := range s.vmxonPages {
		wg.Add(1)
		go func(cpu int) {
			defer wg.Done()
			errs[cpu] = s.enableOn(cpu)
		}(cpu)
	}
	wg.Wait()

	for cpu, err := range errs {
		if err != nil {
			s.disableAll()
			return fmt.Errorf("vmx: enable on cpu %d: %w", cpu, err)
		}
	}
	return nil
}

// enableOn pins to one CPU and enters VMX operation there.
func (s *VmxCpuState) enableOn(cpu int) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	if err := pinToCpu(cpu); err != nil {
		return err
	}

	page, err := newVmcsPage(s.caps.basic)
	if err != nil {
		return err
	}

	cli()
	writeCr4(readCr4() | cr4VMXE)
	status := vmxon(page.Phys())
	if status != vmxOk {
		writeCr4(readCr4() &^ cr4VMXE)
	}
	sti()
	if status != vmxOk {
		page.Free()
		return vmxError("vmxon", status)
	}

	s.mu.Lock()
	s.vmxonPages[cpu] = page
	s.mu.Unlock()
	return nil
}

// disableAll leaves VMX operation on every CPU that entered it.
func (s *VmxCpuState) disableAll() error {
	errs := make([]error, len(s.vmxonPages))
	var wg sync.WaitGroup
	for cpu := range s.vmxonPages {
		s.mu.Lock()
		page := s.vmxonPages[cpu]
		s.vmxonPages[cpu] = nil
		s.mu.Unlock()
		if page == nil {
			continue
		}
		wg.Add(1)
		go func(cpu int, page *VmcsPage) {
			defer wg.Done()
			errs[cpu] = disableOn(cpu, page)
		}(cpu, page)
	}
	wg.Wait()
	s.enabled = false
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func disableOn(cpu int, page *VmcsPage) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	if err := pinToCpu(cpu); err != nil {
		return err
	}

	cli()
	status := vmxoff()
	writeCr4(readCr4() &^ cr4VMXE)
	sti()
	if err := page.Free(); err != nil {
		return err
	}
	return vmxError("vmxoff", status)
}

// AllocVpid hands out the lowest free virtual-processor identifier.
func (s *VmxCpuState) AllocVpid() (uint16, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	free := ^s.vpidBitmap
	if free == 0 {
		return 0, fmt.Errorf("vmx: all %d processor identifiers in use: %w", maxVpids-1, hv.ErrNoMemory)
	}
	id := bits.TrailingZeros64(free)
	s.vpidBitmap |= 1 << id
	return uint16(id), nil
}

// FreeVpid returns an identifier to the pool.
func (s *VmxCpuState) FreeVpid(vpid uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if vpid == 0 || vpid >= maxVpids {
		return fmt.Errorf("vmx: processor identifier %d: %w", vpid, hv.ErrInvalidArgs)
	}
	if s.vpidBitmap&(1<<vpid) == 0 {
		return fmt.Errorf("vmx: processor identifier %d not allocated: %w", vpid, hv.ErrBadState)
	}
	s.vpidBitmap &^= 1 << vpid
	return nil
}

// getcpu reports the CPU and NUMA node the calling thread is running on.
func getcpu() (cpu, node int, err error) {
	var c, n uint32
	if _, _, errno := unix.RawSyscall(unix.SYS_GETCPU,
		uintptr(unsafe.Pointer(&c)), uintptr(unsafe.Pointer(&n)), 0); errno != 0 {
		return 0, 0, errno
	}
	return int(c), int(n), nil
}

// pinToCpu binds the calling thread to one CPU.
func pinToCpu(cpu int) error {
	var set unix.CPUSet
	set.Set(cpu)
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		return fmt.Errorf("vmx: pin to cpu %d: %w", cpu, err)
	}
	return nil
}
