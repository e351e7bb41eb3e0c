package vmx

import (
	"errors"
	"testing"

	"github.com/tinyrange/vmx/internal/hv"
)

// cap64 builds a capability report: allowed0 in the low half, allowed1 in
// the high half.
func cap64(allowed0, allowed1 uint32) uint64 {
	return uint64(allowed1)<<32 | uint64(allowed0)
}

func TestComputeControlDefaults(t *testing.T) {
	// Bit 0 fixed on, bits 0-3 settable, nothing requested.
	value, err := computeControl(cap64(0b0001, 0b1111), 0, 0)
	if err != nil {
		t.Fatalf("computeControl: %v", err)
	}
	if value != 0b0001 {
		t.Fatalf("expected fixed-on defaults 0b0001, got 0b%b", value)
	}
}

func TestComputeControlSetAndClear(t *testing.T) {
	value, err := computeControl(cap64(0b0001, 0b1111), 0b0100, 0b0010)
	if err != nil {
		t.Fatalf("computeControl: %v", err)
	}
	if value != 0b0101 {
		t.Fatalf("expected 0b0101, got 0b%b", value)
	}
}

func TestComputeControlConflict(t *testing.T) {
	_, err := computeControl(cap64(0, 0b1111), 0b0010, 0b0010)
	if !errors.Is(err, hv.ErrInvalidArgs) {
		t.Fatalf("expected ErrInvalidArgs for set&clear overlap, got %v", err)
	}
}

func TestComputeControlNotSettable(t *testing.T) {
	_, err := computeControl(cap64(0, 0b0011), 0b0100, 0)
	if !errors.Is(err, hv.ErrNotSupported) {
		t.Fatalf("expected ErrNotSupported for fixed-off bit, got %v", err)
	}
}

func TestComputeControlNotClearable(t *testing.T) {
	_, err := computeControl(cap64(0b0001, 0b1111), 0, 0b0001)
	if !errors.Is(err, hv.ErrNotSupported) {
		t.Fatalf("expected ErrNotSupported for fixed-on bit, got %v", err)
	}
}

func TestDefaultControlSource(t *testing.T) {
	withTrue := vmxBasicInfo{hasTrueCtls: true}
	if got := defaultControlSource(withTrue, msrVmxTruePinbased, msrVmxPinbasedCtls); got != msrVmxTruePinbased {
		t.Fatalf("expected true capability register, got 0x%x", got)
	}
	without := vmxBasicInfo{}
	if got := defaultControlSource(without, msrVmxTruePinbased, msrVmxPinbasedCtls); got != msrVmxPinbasedCtls {
		t.Fatalf("expected original capability register, got 0x%x", got)
	}
}
