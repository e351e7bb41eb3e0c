package vmx

import (
	"errors"
	"testing"

	"github.com/tinyrange/vmx/internal/hv"
)

func TestMsrPolicyDefaultsToFault(t *testing.T) {
	p := DefaultMsrPolicy()
	if rule := p.Lookup(0xdead); rule.Action != MsrFault {
		t.Fatalf("unknown register: expected fault, got %v", rule.Action)
	}
}

func TestMsrPolicyDefaultTable(t *testing.T) {
	p := DefaultMsrPolicy()

	if rule := p.Lookup(msrIA32MtrrCap); rule.Action != MsrConst {
		t.Fatalf("mtrr cap: expected const, got %v", rule.Action)
	}
	if rule := p.Lookup(msrIA32Pat); rule.Action != MsrPassthrough {
		t.Fatalf("pat: expected passthrough, got %v", rule.Action)
	}
	if rule := p.Lookup(msrRaplPowerUnit); rule.Action != MsrNoop {
		t.Fatalf("power telemetry: expected noop, got %v", rule.Action)
	}

	rule := p.Lookup(msrIA32ApicBase)
	if rule.Action != MsrConst {
		t.Fatalf("apic base: expected const, got %v", rule.Action)
	}
	if rule.Value&apicBaseX2ApicEnable != apicBaseX2ApicEnable {
		t.Fatalf("apic base should report x2apic mode, got 0x%x", rule.Value)
	}
}

func TestLoadMsrPolicyOverlay(t *testing.T) {
	doc := []byte(`
msrs:
  - {index: 0x1b0, action: noop}
  - {index: 0xfe, action: const, value: 0x508}
  - {index: 0x277, action: fault}
`)
	p, err := LoadMsrPolicy(doc)
	if err != nil {
		t.Fatalf("LoadMsrPolicy: %v", err)
	}

	if rule := p.Lookup(0x1b0); rule.Action != MsrNoop {
		t.Fatalf("0x1b0: expected noop, got %v", rule.Action)
	}
	if rule := p.Lookup(0xfe); rule.Action != MsrConst || rule.Value != 0x508 {
		t.Fatalf("0xfe: expected const 0x508, got %v 0x%x", rule.Action, rule.Value)
	}
	// Overlay replaces a default entry.
	if rule := p.Lookup(msrIA32Pat); rule.Action != MsrFault {
		t.Fatalf("pat override: expected fault, got %v", rule.Action)
	}
	// Untouched defaults survive.
	if rule := p.Lookup(msrIA32MtrrCap); rule.Action != MsrConst {
		t.Fatalf("mtrr cap: expected const, got %v", rule.Action)
	}
}

func TestLoadMsrPolicyBadAction(t *testing.T) {
	_, err := LoadMsrPolicy([]byte("msrs:\n  - {index: 1, action: explode}\n"))
	if !errors.Is(err, hv.ErrInvalidArgs) {
		t.Fatalf("expected ErrInvalidArgs, got %v", err)
	}
}

func TestLoadMsrPolicyBadYaml(t *testing.T) {
	if _, err := LoadMsrPolicy([]byte("msrs: [")); err == nil {
		t.Fatal("expected parse error")
	}
}
