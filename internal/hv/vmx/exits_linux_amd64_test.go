//go:build amd64 && linux

package vmx

import (
	"errors"
	"testing"

	"github.com/tinyrange/vmx/internal/hv"
)

func icrTestVcpu(id uint16) *Vcpu {
	return &Vcpu{id: id, apic: NewLocalApicState()}
}

func TestIcrSelfShorthandDeliversLocally(t *testing.T) {
	v := icrTestVcpu(0)
	done, err := v.handleIcr(icr{
		vector:        0x41,
		deliveryMode:  icrDeliveryFixed,
		destShorthand: icrShorthandSelf,
	}, nil)
	if err != nil || done {
		t.Fatalf("handleIcr: done=%v err=%v", done, err)
	}
	if vector, ok := v.apic.Pop(); !ok || vector != 0x41 {
		t.Fatalf("expected vector 0x41 pending locally, got %#x ok=%v", vector, ok)
	}
}

func TestIcrFixedBuildsMask(t *testing.T) {
	v := icrTestVcpu(0)
	var packet hv.Packet
	done, err := v.handleIcr(icr{
		vector:        0x30,
		deliveryMode:  icrDeliveryFixed,
		destShorthand: icrShorthandNone,
		destination:   3,
	}, &packet)
	if err != nil || !done {
		t.Fatalf("handleIcr: done=%v err=%v", done, err)
	}
	if packet.Type != hv.PacketGuestVcpu || packet.GuestVcpu.Kind != hv.VcpuInterrupt {
		t.Fatalf("unexpected packet: %+v", packet)
	}
	if packet.GuestVcpu.Mask != 1<<3 || packet.GuestVcpu.Vector != 0x30 {
		t.Fatalf("unexpected delivery: mask=0x%x vector=0x%x",
			packet.GuestVcpu.Mask, packet.GuestVcpu.Vector)
	}
}

func TestIcrAllButSelfExcludesSender(t *testing.T) {
	v := icrTestVcpu(2)
	var packet hv.Packet
	done, err := v.handleIcr(icr{
		vector:        0x31,
		deliveryMode:  icrDeliveryFixed,
		destShorthand: icrShorthandAllButSelf,
	}, &packet)
	if err != nil || !done {
		t.Fatalf("handleIcr: done=%v err=%v", done, err)
	}
	if packet.GuestVcpu.Mask&(1<<2) != 0 {
		t.Fatalf("sender included in mask 0x%x", packet.GuestVcpu.Mask)
	}
	if v.apic.HasPending() {
		t.Fatal("all-but-self delivered to the sender")
	}
}

// A fixed-delivery destination beyond the processor-mask width must be
// rejected rather than aliasing onto a low vCPU through shift wrap.
func TestIcrDestinationBeyondMask(t *testing.T) {
	v := icrTestVcpu(0)
	var packet hv.Packet
	for _, destination := range []uint32{64, 65, 128} {
		_, err := v.handleIcr(icr{
			vector:        0x32,
			deliveryMode:  icrDeliveryFixed,
			destShorthand: icrShorthandNone,
			destination:   destination,
		}, &packet)
		if !errors.Is(err, hv.ErrNotSupported) {
			t.Fatalf("destination %d: expected ErrNotSupported, got %v", destination, err)
		}
	}
	if v.apic.HasPending() {
		t.Fatal("rejected ipi still delivered locally")
	}
}

// Entry points must fit a startup vector: below 1MiB, so the real-mode
// selector derived from the base never truncates.
func TestSetEntryRange(t *testing.T) {
	v := icrTestVcpu(0)
	for _, ip := range []uint64{1 << 20, 1 << 21, ^uint64(0)} {
		if err := v.SetEntry(ip); !errors.Is(err, hv.ErrInvalidArgs) {
			t.Fatalf("ip 0x%x: expected ErrInvalidArgs, got %v", ip, err)
		}
	}
}

// The power-on code segment is the one descriptor whose base is not the
// selector shifted left.
func TestResetVectorConstants(t *testing.T) {
	if resetCsSelector != 0xf000 {
		t.Fatalf("reset cs selector 0x%x, want 0xf000", resetCsSelector)
	}
	if resetCsBase != 0xffff0000 {
		t.Fatalf("reset cs base 0x%x, want 0xffff0000", resetCsBase)
	}
	if resetCsBase+resetRip != 0xfffffff0 {
		t.Fatalf("reset vector 0x%x, want 0xfffffff0", resetCsBase+resetRip)
	}
}
