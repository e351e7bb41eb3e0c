package vmx

import (
	"fmt"

	"github.com/tinyrange/vmx/internal/hv"
	"gopkg.in/yaml.v3"
)

// MsrAction says how the emulator resolves a trapped MSR access.
type MsrAction int

const (
	// MsrFault synthesizes a general-protection fault into the guest.
	// This is the policy for any MSR the table does not mention.
	MsrFault MsrAction = iota

	// MsrConst reads return the table value; writes fault.
	MsrConst

	// MsrNoop reads return zero and writes are discarded. Used for
	// thermal/power telemetry the guest only ever polls.
	MsrNoop

	// MsrPassthrough reads return the host value; writes fault.
	MsrPassthrough
)

func (a MsrAction) String() string {
	switch a {
	case MsrFault:
		return "fault"
	case MsrConst:
		return "const"
	case MsrNoop:
		return "noop"
	case MsrPassthrough:
		return "passthrough"
	default:
		return "invalid"
	}
}

// MsrRule is one entry of the policy table.
type MsrRule struct {
	Action MsrAction
	Value  uint64 // only meaningful for MsrConst
}

// MsrPolicy maps MSR indices to emulation rules. The list is curated
// against the guest operating systems actually run on this hypervisor;
// it is data, not logic, and is expected to change.
type MsrPolicy struct {
	rules map[uint32]MsrRule
}

// Lookup returns the rule for an MSR, defaulting to MsrFault.
func (p *MsrPolicy) Lookup(msr uint32) MsrRule {
	if r, ok := p.rules[msr]; ok {
		return r
	}
	return MsrRule{Action: MsrFault}
}

// Set installs or replaces a rule.
func (p *MsrPolicy) Set(msr uint32, rule MsrRule) {
	p.rules[msr] = rule
}

// DefaultMsrPolicy returns the built-in table.
func DefaultMsrPolicy() *MsrPolicy {
	p := &MsrPolicy{rules: make(map[uint32]MsrRule)}

	// Platform identity and firmware reporting: fixed benign values.
	p.Set(msrIA32PlatformID, MsrRule{Action: MsrConst})
	p.Set(msrIA32BiosSignID, MsrRule{Action: MsrConst})
	p.Set(msrIA32McgCap, MsrRule{Action: MsrConst})
	p.Set(msrIA32McgStatus, MsrRule{Action: MsrConst})

	// Memory typing: no MTRRs, writeback PAT straight from reset.
	p.Set(msrIA32MtrrCap, MsrRule{Action: MsrConst})
	p.Set(msrIA32MtrrDefType, MsrRule{Action: MsrNoop})
	p.Set(msrIA32MtrrPhysBase0, MsrRule{Action: MsrNoop})
	p.Set(msrIA32MtrrFix64k, MsrRule{Action: MsrNoop})
	p.Set(msrIA32MtrrFix16k, MsrRule{Action: MsrNoop})
	p.Set(msrIA32MtrrFix4k, MsrRule{Action: MsrNoop})
	p.Set(msrIA32Pat, MsrRule{Action: MsrPassthrough})

	// Topology / feature reporting.
	p.Set(msrIA32MiscEnable, MsrRule{Action: MsrPassthrough})
	p.Set(msrIA32ApicBase, MsrRule{Action: MsrConst, Value: apicPhysBase | apicBaseX2ApicEnable | apicBaseBspFlag})

	// Thermal and power telemetry: polled, never load-bearing.
	p.Set(msrIA32TemperatureTarget, MsrRule{Action: MsrNoop})
	p.Set(msrRaplPowerUnit, MsrRule{Action: MsrNoop})
	p.Set(msrPkgEnergyStatus, MsrRule{Action: MsrNoop})
	p.Set(msrPp0PowerLimit, MsrRule{Action: MsrNoop})
	p.Set(msrPp1PowerLimit, MsrRule{Action: MsrNoop})
	p.Set(msrDramPowerLimit, MsrRule{Action: MsrNoop})

	return p
}

// APIC base report: x2APIC enabled at the architectural physical base;
// the boot processor flag is adjusted per vCPU at read time.
const (
	apicPhysBase         uint64 = 0xfee00000
	apicBaseBspFlag      uint64 = 1 << 8
	apicBaseX2ApicEnable uint64 = 1<<10 | 1<<11
)

type msrPolicyDoc struct {
	Msrs []struct {
		Index  uint32 `yaml:"index"`
		Action string `yaml:"action"`
		Value  uint64 `yaml:"value"`
	} `yaml:"msrs"`
}

// LoadMsrPolicy overlays YAML policy data onto the default table. The
// document lists MSR index, action (fault, const, noop, passthrough) and
// an optional constant value:
//
//	msrs:
//	  - {index: 0x1a2, action: noop}
//	  - {index: 0xfe, action: const, value: 0}
func LoadMsrPolicy(data []byte) (*MsrPolicy, error) {
	var doc msrPolicyDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("vmx: parse msr policy: %w", err)
	}

	p := DefaultMsrPolicy()
	for _, entry := range doc.Msrs {
		var action MsrAction
		switch entry.Action {
		case "fault":
			action = MsrFault
		case "const":
			action = MsrConst
		case "noop":
			action = MsrNoop
		case "passthrough":
			action = MsrPassthrough
		default:
			return nil, fmt.Errorf("vmx: msr 0x%x action %q: %w", entry.Index, entry.Action, hv.ErrInvalidArgs)
		}
		p.Set(entry.Index, MsrRule{Action: action, Value: entry.Value})
	}
	return p, nil
}
