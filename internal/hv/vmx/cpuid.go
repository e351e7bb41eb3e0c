package vmx

// cpuidRegs is one CPUID leaf result.
type cpuidRegs struct {
	eax, ebx, ecx, edx uint32
}

// Leaf 1 ECX feature bits masked or forced in emulated output.
const (
	cpuid1EcxVmx        uint32 = 1 << 5
	cpuid1EcxPdcm       uint32 = 1 << 15
	cpuid1EcxX2Apic     uint32 = 1 << 21
	cpuid1EcxOsxsave    uint32 = 1 << 27
	cpuid1EcxHypervisor uint32 = 1 << 31
)

// Leaf 7 EDX bits enumerating mitigation controls the emulator does not
// virtualize.
const (
	cpuid7EdxIbrsIbpb uint32 = 1 << 26
	cpuid7EdxStibp    uint32 = 1 << 27
	cpuid7EdxArchCaps uint32 = 1 << 29
)

const (
	cpuidLeafBasic    uint32 = 0x0
	cpuidLeafFeatures uint32 = 0x1
	cpuidLeafExtFeat  uint32 = 0x7
	cpuidLeafPerfmon  uint32 = 0xa
	cpuidLeafXsave    uint32 = 0xd
	cpuidLeafTopology uint32 = 0xb
)

// maskCpuidLeaf rewrites host CPUID output before it reaches the guest:
// capabilities this hypervisor does not emulate are cleared, the
// hypervisor-present bit is set, and the virtual APIC id replaces the
// host's. osxsaveEnabled mirrors the guest's CR4.OSXSAVE.
func maskCpuidLeaf(leaf uint32, regs cpuidRegs, apicID uint32, osxsaveEnabled bool) cpuidRegs {
	switch leaf {
	case cpuidLeafFeatures:
		regs.ecx &^= cpuid1EcxVmx | cpuid1EcxPdcm
		regs.ecx |= cpuid1EcxHypervisor
		if osxsaveEnabled {
			regs.ecx |= cpuid1EcxOsxsave
		} else {
			regs.ecx &^= cpuid1EcxOsxsave
		}
		regs.ebx = (regs.ebx & 0x00ffffff) | apicID<<24

	case cpuidLeafExtFeat:
		regs.edx &^= cpuid7EdxIbrsIbpb | cpuid7EdxStibp | cpuid7EdxArchCaps

	case cpuidLeafPerfmon:
		// No performance monitoring is virtualized.
		regs = cpuidRegs{}

	case cpuidLeafTopology:
		regs.edx = apicID
	}
	return regs
}
