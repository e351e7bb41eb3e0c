package vmx

// VMCS field identifiers, split by access width so a field can only be
// used with the accessor of its own width. The numeric encodings stay
// inside this package; callers only ever see the typed constants.

// Field16 identifies a 16-bit VMCS field.
type Field16 uint32

// Field32 identifies a 32-bit VMCS field.
type Field32 uint32

// Field64 identifies a 64-bit VMCS field.
type Field64 uint32

// FieldNat identifies a natural-width VMCS field.
type FieldNat uint32

const (
	// 16-bit control fields.
	FieldVpid Field16 = 0x0000

	// 16-bit guest state.
	FieldGuestEsSelector   Field16 = 0x0800
	FieldGuestCsSelector   Field16 = 0x0802
	FieldGuestSsSelector   Field16 = 0x0804
	FieldGuestDsSelector   Field16 = 0x0806
	FieldGuestFsSelector   Field16 = 0x0808
	FieldGuestGsSelector   Field16 = 0x080a
	FieldGuestLdtrSelector Field16 = 0x080c
	FieldGuestTrSelector   Field16 = 0x080e

	// 16-bit host state.
	FieldHostEsSelector Field16 = 0x0c00
	FieldHostCsSelector Field16 = 0x0c02
	FieldHostSsSelector Field16 = 0x0c04
	FieldHostDsSelector Field16 = 0x0c06
	FieldHostFsSelector Field16 = 0x0c08
	FieldHostGsSelector Field16 = 0x0c0a
	FieldHostTrSelector Field16 = 0x0c0c
)

const (
	// 64-bit control fields.
	FieldMsrBitmapsAddress   Field64 = 0x2004
	FieldExitMsrStoreAddress Field64 = 0x2006
	FieldExitMsrLoadAddress  Field64 = 0x2008
	FieldEntryMsrLoadAddress Field64 = 0x200a
	FieldTscOffset           Field64 = 0x2010
	FieldEptPointer          Field64 = 0x201a

	// 64-bit read-only data.
	FieldGuestPhysicalAddress Field64 = 0x2400

	// 64-bit guest state.
	FieldVmcsLinkPointer Field64 = 0x2800
	FieldGuestIa32Pat    Field64 = 0x2804
	FieldGuestIa32Efer   Field64 = 0x2806

	// 64-bit host state.
	FieldHostIa32Pat  Field64 = 0x2c00
	FieldHostIa32Efer Field64 = 0x2c02
)

const (
	// 32-bit control fields.
	FieldPinbasedCtls          Field32 = 0x4000
	FieldProcbasedCtls         Field32 = 0x4002
	FieldExceptionBitmap       Field32 = 0x4004
	FieldPagefaultErrorMask    Field32 = 0x4006
	FieldPagefaultErrorMatch   Field32 = 0x4008
	FieldExitCtls              Field32 = 0x400c
	FieldExitMsrStoreCount     Field32 = 0x400e
	FieldExitMsrLoadCount      Field32 = 0x4010
	FieldEntryCtls             Field32 = 0x4012
	FieldEntryMsrLoadCount     Field32 = 0x4014
	FieldEntryInterruptionInfo Field32 = 0x4016
	FieldEntryExceptionCode    Field32 = 0x4018
	FieldEntryInstructionLen   Field32 = 0x401a
	FieldProcbasedCtls2        Field32 = 0x401e

	// 32-bit read-only data.
	FieldInstructionError      Field32 = 0x4400
	FieldExitReason            Field32 = 0x4402
	FieldExitInterruptionInfo  Field32 = 0x4404
	FieldExitInterruptionCode  Field32 = 0x4406
	FieldExitInstructionLength Field32 = 0x440c
	FieldExitInstructionInfo   Field32 = 0x440e

	// 32-bit guest state.
	FieldGuestEsLimit               Field32 = 0x4800
	FieldGuestCsLimit               Field32 = 0x4802
	FieldGuestSsLimit               Field32 = 0x4804
	FieldGuestDsLimit               Field32 = 0x4806
	FieldGuestFsLimit               Field32 = 0x4808
	FieldGuestGsLimit               Field32 = 0x480a
	FieldGuestLdtrLimit             Field32 = 0x480c
	FieldGuestTrLimit               Field32 = 0x480e
	FieldGuestGdtrLimit             Field32 = 0x4810
	FieldGuestIdtrLimit             Field32 = 0x4812
	FieldGuestEsAccessRights        Field32 = 0x4814
	FieldGuestCsAccessRights        Field32 = 0x4816
	FieldGuestSsAccessRights        Field32 = 0x4818
	FieldGuestDsAccessRights        Field32 = 0x481a
	FieldGuestFsAccessRights        Field32 = 0x481c
	FieldGuestGsAccessRights        Field32 = 0x481e
	FieldGuestLdtrAccessRights      Field32 = 0x4820
	FieldGuestTrAccessRights        Field32 = 0x4822
	FieldGuestInterruptibilityState Field32 = 0x4824
	FieldGuestActivityState         Field32 = 0x4826
	FieldGuestIa32SysenterCs        Field32 = 0x482a

	// 32-bit host state.
	FieldHostIa32SysenterCs Field32 = 0x4c00
)

const (
	// Natural-width control fields.
	FieldCr0GuestHostMask FieldNat = 0x6000
	FieldCr4GuestHostMask FieldNat = 0x6002
	FieldCr0ReadShadow    FieldNat = 0x6004
	FieldCr4ReadShadow    FieldNat = 0x6006

	// Natural-width read-only data.
	FieldExitQualification  FieldNat = 0x6400
	FieldGuestLinearAddress FieldNat = 0x640a

	// Natural-width guest state.
	FieldGuestCr0             FieldNat = 0x6800
	FieldGuestCr3             FieldNat = 0x6802
	FieldGuestCr4             FieldNat = 0x6804
	FieldGuestEsBase          FieldNat = 0x6806
	FieldGuestCsBase          FieldNat = 0x6808
	FieldGuestSsBase          FieldNat = 0x680a
	FieldGuestDsBase          FieldNat = 0x680c
	FieldGuestFsBase          FieldNat = 0x680e
	FieldGuestGsBase          FieldNat = 0x6810
	FieldGuestLdtrBase        FieldNat = 0x6812
	FieldGuestTrBase          FieldNat = 0x6814
	FieldGuestGdtrBase        FieldNat = 0x6816
	FieldGuestIdtrBase        FieldNat = 0x6818
	FieldGuestDr7             FieldNat = 0x681a
	FieldGuestRsp             FieldNat = 0x681c
	FieldGuestRip             FieldNat = 0x681e
	FieldGuestRflags          FieldNat = 0x6820
	FieldGuestPendingDebug    FieldNat = 0x6822
	FieldGuestIa32SysenterEsp FieldNat = 0x6824
	FieldGuestIa32SysenterEip FieldNat = 0x6826

	// Natural-width host state.
	FieldHostCr0             FieldNat = 0x6c00
	FieldHostCr3             FieldNat = 0x6c02
	FieldHostCr4             FieldNat = 0x6c04
	FieldHostFsBase          FieldNat = 0x6c06
	FieldHostGsBase          FieldNat = 0x6c08
	FieldHostTrBase          FieldNat = 0x6c0a
	FieldHostGdtrBase        FieldNat = 0x6c0c
	FieldHostIdtrBase        FieldNat = 0x6c0e
	FieldHostIa32SysenterEsp FieldNat = 0x6c10
	FieldHostIa32SysenterEip FieldNat = 0x6c12
	FieldHostRsp             FieldNat = 0x6c14
	FieldHostRip             FieldNat = 0x6c16
)

// Pin-based execution control bits.
const (
	pinCtlExtIntExiting uint32 = 1 << 0
	pinCtlNmiExiting    uint32 = 1 << 3
)

// Primary processor-based execution control bits.
const (
	procCtlIntWindowExiting uint32 = 1 << 2
	procCtlUseTscOffsetting uint32 = 1 << 3
	procCtlHltExiting       uint32 = 1 << 7
	procCtlCr8LoadExiting   uint32 = 1 << 19
	procCtlCr8StoreExiting  uint32 = 1 << 20
	procCtlIoExiting        uint32 = 1 << 24
	procCtlUseMsrBitmaps    uint32 = 1 << 28
	procCtlSecondaryCtls    uint32 = 1 << 31
)

// Secondary processor-based execution control bits.
const (
	procCtl2EnableEpt         uint32 = 1 << 1
	procCtl2EnableRdtscp      uint32 = 1 << 3
	procCtl2EnableVpid        uint32 = 1 << 5
	procCtl2UnrestrictedGuest uint32 = 1 << 7
	procCtl2EnableInvpcid     uint32 = 1 << 12
	procCtl2EnableXsaves      uint32 = 1 << 20
)

// VM-entry control bits.
const (
	entryCtlIa32eMode uint32 = 1 << 9
	entryCtlLoadPat   uint32 = 1 << 14
	entryCtlLoadEfer  uint32 = 1 << 15
)

// VM-exit control bits.
const (
	exitCtlHostAddrSpaceSize uint32 = 1 << 9
	exitCtlAckIntOnExit      uint32 = 1 << 15
	exitCtlSavePat           uint32 = 1 << 18
	exitCtlLoadPat           uint32 = 1 << 19
	exitCtlSaveEfer          uint32 = 1 << 20
	exitCtlLoadEfer          uint32 = 1 << 21
)

// Guest interruptibility-state bits.
const (
	interruptibilityStiBlocking   uint32 = 1 << 0
	interruptibilityMovSsBlocking uint32 = 1 << 1
)

// VM-entry interruption-information layout.
const (
	interruptionInfoValid      uint32 = 1 << 31
	interruptionInfoDeliverErr uint32 = 1 << 11

	interruptionTypeExternal uint32 = 0 << 8
	interruptionTypeNmi      uint32 = 2 << 8
	interruptionTypeHardware uint32 = 3 << 8
)
