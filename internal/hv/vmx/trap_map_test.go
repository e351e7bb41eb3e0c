package vmx

import (
	"errors"
	"testing"

	"github.com/tinyrange/vmx/internal/hv"
)

func TestTrapMapInsertAndFind(t *testing.T) {
	m := NewTrapMap()
	if err := m.Insert(&Trap{Kind: hv.TrapMem, Addr: 0x1000, Size: 0x2000, Key: 7}); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	trap, ok := m.FindMem(0x2fff)
	if !ok {
		t.Fatal("expected to find trap at last byte of range")
	}
	if trap.Key != 7 {
		t.Fatalf("expected key 7, got %d", trap.Key)
	}

	if _, ok := m.FindMem(0x3000); ok {
		t.Fatal("found trap one byte past the range")
	}
	if _, ok := m.FindMem(0xfff); ok {
		t.Fatal("found trap one byte before the range")
	}
}

func TestTrapMapDuplicate(t *testing.T) {
	m := NewTrapMap()
	if err := m.Insert(&Trap{Kind: hv.TrapMem, Addr: 0x1000, Size: 0x1000}); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	err := m.Insert(&Trap{Kind: hv.TrapBell, Addr: 0x1000, Size: 0x1000})
	if !errors.Is(err, hv.ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists for exact duplicate, got %v", err)
	}
}

func TestTrapMapOverlap(t *testing.T) {
	m := NewTrapMap()
	if err := m.Insert(&Trap{Kind: hv.TrapMem, Addr: 0x1000, Size: 0x2000}); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	for _, trap := range []*Trap{
		{Kind: hv.TrapMem, Addr: 0x0, Size: 0x1001},    // tail overlaps head
		{Kind: hv.TrapMem, Addr: 0x2fff, Size: 0x1000}, // head overlaps tail
		{Kind: hv.TrapBell, Addr: 0x1800, Size: 0x100}, // bells share the space
		{Kind: hv.TrapMem, Addr: 0x0, Size: 0x10000},   // full containment
	} {
		err := m.Insert(trap)
		if !errors.Is(err, hv.ErrInvalidArgs) {
			t.Fatalf("trap 0x%x+0x%x: expected ErrInvalidArgs, got %v", trap.Addr, trap.Size, err)
		}
	}
}

func TestTrapMapIoSeparateSpace(t *testing.T) {
	m := NewTrapMap()
	if err := m.Insert(&Trap{Kind: hv.TrapMem, Addr: 0x1000, Size: 0x1000}); err != nil {
		t.Fatalf("Insert mem: %v", err)
	}
	// The same numeric range in the port space does not conflict.
	if err := m.Insert(&Trap{Kind: hv.TrapIO, Addr: 0x1000, Size: 0x1000, Key: 9}); err != nil {
		t.Fatalf("Insert io: %v", err)
	}

	trap, ok := m.FindIO(0x1500)
	if !ok || trap.Key != 9 {
		t.Fatalf("FindIO: ok=%v trap=%+v", ok, trap)
	}
	if m.Len() != 2 {
		t.Fatalf("expected 2 traps, got %d", m.Len())
	}
}

func TestTrapMapRejectsEmptyAndWrapping(t *testing.T) {
	m := NewTrapMap()
	if err := m.Insert(&Trap{Kind: hv.TrapMem, Addr: 0x1000, Size: 0}); !errors.Is(err, hv.ErrInvalidArgs) {
		t.Fatalf("empty range: expected ErrInvalidArgs, got %v", err)
	}
	if err := m.Insert(&Trap{Kind: hv.TrapMem, Addr: ^uint64(0) - 0xfff, Size: 0x2000}); !errors.Is(err, hv.ErrInvalidArgs) {
		t.Fatalf("wrapping range: expected ErrInvalidArgs, got %v", err)
	}
}

type recordingPort struct {
	packets []hv.Packet
}

func (r *recordingPort) Queue(p *hv.Packet) error {
	r.packets = append(r.packets, *p)
	return nil
}

func TestTrapQueueStampsKey(t *testing.T) {
	port := &recordingPort{}
	trap := &Trap{Kind: hv.TrapBell, Addr: 0x1000, Size: 0x1000, Key: 42, port: port}
	if !trap.HasPort() {
		t.Fatal("expected HasPort")
	}
	if err := trap.Queue(&hv.Packet{Type: hv.PacketGuestBell}); err != nil {
		t.Fatalf("Queue: %v", err)
	}
	if len(port.packets) != 1 || port.packets[0].Key != 42 {
		t.Fatalf("expected one packet with key 42, got %+v", port.packets)
	}
}

func TestTrapQueueWithoutPort(t *testing.T) {
	trap := &Trap{Kind: hv.TrapMem, Addr: 0x1000, Size: 0x1000}
	err := trap.Queue(&hv.Packet{})
	if !errors.Is(err, hv.ErrBadState) {
		t.Fatalf("expected ErrBadState, got %v", err)
	}
}
