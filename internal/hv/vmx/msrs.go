package vmx

// Model-specific register indices used by the probe, the MSR bitmap, the
// load/store lists, and the emulation policy.
const (
	msrIA32PlatformID        uint32 = 0x00000017
	msrIA32ApicBase          uint32 = 0x0000001b
	msrIA32FeatureControl    uint32 = 0x0000003a
	msrIA32TscAdjust         uint32 = 0x0000003b
	msrIA32BiosSignID        uint32 = 0x0000008b
	msrIA32MtrrCap           uint32 = 0x000000fe
	msrIA32SysenterCS        uint32 = 0x00000174
	msrIA32SysenterESP       uint32 = 0x00000175
	msrIA32SysenterEIP       uint32 = 0x00000176
	msrIA32McgCap            uint32 = 0x00000179
	msrIA32McgStatus         uint32 = 0x0000017a
	msrIA32MiscEnable        uint32 = 0x000001a0
	msrIA32TemperatureTarget uint32 = 0x000001a2
	msrIA32MtrrPhysBase0     uint32 = 0x00000200
	msrIA32MtrrFix64k        uint32 = 0x00000250
	msrIA32MtrrFix16k        uint32 = 0x00000258
	msrIA32MtrrFix4k         uint32 = 0x00000268
	msrIA32Pat               uint32 = 0x00000277
	msrIA32MtrrDefType       uint32 = 0x000002ff

	msrRaplPowerUnit   uint32 = 0x00000606
	msrPkgEnergyStatus uint32 = 0x00000611
	msrPp0PowerLimit   uint32 = 0x00000638
	msrPp1PowerLimit   uint32 = 0x00000640
	msrDramPowerLimit  uint32 = 0x00000618

	// x2APIC register space.
	msrX2ApicBase      uint32 = 0x00000800
	msrX2ApicEoi       uint32 = 0x0000080b
	msrX2ApicSvr       uint32 = 0x0000080f
	msrX2ApicEsr       uint32 = 0x00000828
	msrX2ApicIcr       uint32 = 0x00000830
	msrX2ApicLvtTimer  uint32 = 0x00000832
	msrX2ApicInitCount uint32 = 0x00000838
	msrX2ApicCurCount  uint32 = 0x00000839
	msrX2ApicDcr       uint32 = 0x0000083e
	msrX2ApicSelfIpi   uint32 = 0x0000083f
	msrX2ApicEnd       uint32 = 0x0000083f

	// VMX capability reporting.
	msrVmxBasic          uint32 = 0x00000480
	msrVmxPinbasedCtls   uint32 = 0x00000481
	msrVmxProcbasedCtls  uint32 = 0x00000482
	msrVmxExitCtls       uint32 = 0x00000483
	msrVmxEntryCtls      uint32 = 0x00000484
	msrVmxMisc           uint32 = 0x00000485
	msrVmxCr0Fixed0      uint32 = 0x00000486
	msrVmxCr0Fixed1      uint32 = 0x00000487
	msrVmxCr4Fixed0      uint32 = 0x00000488
	msrVmxCr4Fixed1      uint32 = 0x00000489
	msrVmxProcbasedCtls2 uint32 = 0x0000048b
	msrVmxEptVpidCap     uint32 = 0x0000048c
	msrVmxTruePinbased   uint32 = 0x0000048d
	msrVmxTrueProcbased  uint32 = 0x0000048e
	msrVmxTrueExit       uint32 = 0x0000048f
	msrVmxTrueEntry      uint32 = 0x00000490

	msrIA32Efer         uint32 = 0xc0000080
	msrIA32Star         uint32 = 0xc0000081
	msrIA32LStar        uint32 = 0xc0000082
	msrIA32CStar        uint32 = 0xc0000083
	msrIA32Fmask        uint32 = 0xc0000084
	msrIA32FsBase       uint32 = 0xc0000100
	msrIA32GsBase       uint32 = 0xc0000101
	msrIA32KernelGsBase uint32 = 0xc0000102
	msrIA32TscAux       uint32 = 0xc0000103
)

// ignoredMsrs never trap: the MSR bitmap marks them pass-through so the
// guest reads and writes its own copies directly.
var ignoredMsrs = []uint32{
	msrIA32FsBase,
	msrIA32GsBase,
	msrIA32KernelGsBase,
	msrIA32Star,
	msrIA32LStar,
	msrIA32CStar,
	msrIA32Fmask,
	msrIA32SysenterCS,
	msrIA32SysenterESP,
	msrIA32SysenterEIP,
	msrIA32TscAdjust,
	msrIA32TscAux,
}

// switchedMsrs travel through the MSR load/store lists on every entry
// and exit. FS/GS base and the SYSENTER registers already live in the
// guest-state and host-state areas, and entry refuses them in a load
// list, so they must stay out of here.
var switchedMsrs = []uint32{
	msrIA32KernelGsBase,
	msrIA32Star,
	msrIA32LStar,
	msrIA32CStar,
	msrIA32Fmask,
	msrIA32TscAdjust,
	msrIA32TscAux,
}
