//go:build amd64 && linux

package vmx

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/tinyrange/vmx/internal/hv"
	"github.com/tinyrange/vmx/internal/hv/physmem"
	"gvisor.dev/gvisor/pkg/hostarch"
)

// checkVmxAvailable skips tests that need ring-0 access to working
// virtualization extensions, which rules out ordinary user-mode test
// runs.
func checkVmxAvailable(t *testing.T) {
	t.Helper()
	if !Supported() {
		t.Skip("virtualization extensions unavailable or not running in ring 0")
	}
}

const testEntry = 0x1000

// startTestGuest builds a guest with code loaded at the test entry point
// and a bound vCPU ready to run it.
func startTestGuest(t *testing.T, code []byte) (*Guest, *Vcpu, *physmem.Memory) {
	t.Helper()

	mem, err := physmem.New(64 * hostarch.PageSize)
	if err != nil {
		t.Fatalf("physmem.New: %v", err)
	}
	if _, err := mem.WriteAt(code, testEntry); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}

	guest, err := NewGuest(mem)
	if err != nil {
		mem.Close()
		t.Fatalf("NewGuest: %v", err)
	}
	t.Cleanup(func() {
		guest.Close()
		mem.Close()
	})

	vcpu, err := guest.Vcpu(0)
	if err != nil {
		t.Fatalf("Vcpu: %v", err)
	}
	return guest, vcpu, mem
}

func TestGuestLifecycle(t *testing.T) {
	checkVmxAvailable(t)

	mem, err := physmem.New(16 * hostarch.PageSize)
	if err != nil {
		t.Fatalf("physmem.New: %v", err)
	}
	defer mem.Close()

	guest, err := NewGuest(mem)
	if err != nil {
		t.Fatalf("NewGuest: %v", err)
	}

	a, err := guest.Vcpu(0)
	if err != nil {
		t.Fatalf("Vcpu(0): %v", err)
	}
	b, err := guest.Vcpu(0)
	if err != nil || b != a {
		t.Fatalf("Vcpu(0) again: %v, same=%v", err, b == a)
	}
	if _, err := guest.Vcpu(1); err != nil {
		t.Fatalf("Vcpu(1): %v", err)
	}
	if got := len(guest.Vcpus()); got != 2 {
		t.Fatalf("expected 2 vcpus, got %d", got)
	}

	if err := guest.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := guest.Close(); !errors.Is(err, hv.ErrBadState) {
		t.Fatalf("double close: expected ErrBadState, got %v", err)
	}
}

func TestUnhandledInstructionFreezesState(t *testing.T) {
	checkVmxAvailable(t)

	// invd has no emulation; its exit must surface as an error while the
	// register state stays readable.
	_, vcpu, _ := startTestGuest(t, []byte{
		0xb8, 0x34, 0x12, // mov ax, 0x1234
		0x0f, 0x08, // invd
		0xf4, // hlt
	})
	if err := vcpu.SetEntry(testEntry); err != nil {
		t.Fatalf("SetEntry: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var packet hv.Packet
	err := vcpu.Resume(ctx, &packet)
	if !errors.Is(err, hv.ErrNotSupported) {
		t.Fatalf("expected ErrNotSupported from invd exit, got %v", err)
	}

	var state hv.VcpuState
	if err := vcpu.ReadState(&state); err != nil {
		t.Fatalf("ReadState after failed exit: %v", err)
	}
	if state.Rax&0xffff != 0x1234 {
		t.Fatalf("register state lost: rax=0x%x", state.Rax)
	}
}

func TestOutToBoundPort(t *testing.T) {
	checkVmxAvailable(t)

	guest, vcpu, _ := startTestGuest(t, []byte{
		0xba, 0xf8, 0x03, // mov dx, 0x3f8
		0xb0, 0x41, // mov al, 'A'
		0xee, // out dx, al
		0xf4, // hlt
	})

	if err := guest.SetTrap(hv.TrapIO, 0x3f8, 8, 77, nil); err != nil {
		t.Fatalf("SetTrap: %v", err)
	}
	if err := vcpu.SetEntry(testEntry); err != nil {
		t.Fatalf("SetEntry: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var packet hv.Packet
	if err := vcpu.Resume(ctx, &packet); err != nil {
		t.Fatalf("Resume: %v", err)
	}

	if packet.Type != hv.PacketGuestIO {
		t.Fatalf("expected a guest-io packet, got %v", packet.Type)
	}
	if packet.Key != 77 {
		t.Fatalf("expected trap key 77, got %d", packet.Key)
	}
	io := packet.GuestIO
	if io.Port != 0x3f8 || io.AccessSize != 1 || io.Input {
		t.Fatalf("unexpected io: %+v", io)
	}
	if io.Data[0] != 'A' {
		t.Fatalf("expected 'A' on the port, got 0x%x", io.Data[0])
	}
}

func TestCr0DoubleWriteIdempotent(t *testing.T) {
	checkVmxAvailable(t)

	// Writing the current CR0 back twice must change nothing and reach
	// the port access afterwards.
	guest, vcpu, _ := startTestGuest(t, []byte{
		0x0f, 0x20, 0xc0, // mov eax, cr0
		0x0f, 0x22, 0xc0, // mov cr0, eax
		0x0f, 0x22, 0xc0, // mov cr0, eax
		0xe6, 0x80, // out 0x80, al
		0xf4, // hlt
	})

	if err := guest.SetTrap(hv.TrapIO, 0x80, 1, 1, nil); err != nil {
		t.Fatalf("SetTrap: %v", err)
	}
	if err := vcpu.SetEntry(testEntry); err != nil {
		t.Fatalf("SetEntry: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var packet hv.Packet
	if err := vcpu.Resume(ctx, &packet); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if packet.Type != hv.PacketGuestIO || packet.GuestIO.Port != 0x80 {
		t.Fatalf("guest never reached the port access: %+v", packet)
	}
	if got := vcpu.Stats().Count(statCrAccess); got != 2 {
		t.Fatalf("expected 2 control register exits, got %d", got)
	}
}

func TestBellTrapDelivery(t *testing.T) {
	checkVmxAvailable(t)

	guest, vcpu, _ := startTestGuest(t, []byte{
		0xbb, 0x00, 0x20, // mov bx, 0x2000
		0xc6, 0x07, 0x01, // mov byte [bx], 1
		0xe6, 0x80, // out 0x80, al
		0xf4, // hlt
	})

	port := hv.NewPort(4)
	defer port.Close()
	if err := guest.SetTrap(hv.TrapBell, 0x2000, hostarch.PageSize, 5, port); err != nil {
		t.Fatalf("SetTrap bell: %v", err)
	}
	if err := guest.SetTrap(hv.TrapIO, 0x80, 1, 1, nil); err != nil {
		t.Fatalf("SetTrap io: %v", err)
	}
	if err := vcpu.SetEntry(testEntry); err != nil {
		t.Fatalf("SetEntry: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var packet hv.Packet
	if err := vcpu.Resume(ctx, &packet); err != nil {
		t.Fatalf("Resume: %v", err)
	}

	bell, err := port.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if bell.Type != hv.PacketGuestBell || bell.Key != 5 || bell.GuestBell.Addr != 0x2000 {
		t.Fatalf("unexpected bell packet: %+v", bell)
	}
}

func TestVmcallUnknownNotPermitted(t *testing.T) {
	checkVmxAvailable(t)

	// An unknown hypercall answers all-ones in rax and execution moves
	// past the vmcall instead of faulting.
	guest, vcpu, _ := startTestGuest(t, []byte{
		0x66, 0xb8, 0x99, 0x00, 0x00, 0x00, // mov eax, 0x99
		0x0f, 0x01, 0xc1, // vmcall
		0xe6, 0x80, // out 0x80, al
		0xf4, // hlt
	})
	if err := guest.SetTrap(hv.TrapIO, 0x80, 1, 1, nil); err != nil {
		t.Fatalf("SetTrap: %v", err)
	}
	if err := vcpu.SetEntry(testEntry); err != nil {
		t.Fatalf("SetEntry: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var packet hv.Packet
	if err := vcpu.Resume(ctx, &packet); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if packet.Type != hv.PacketGuestIO || packet.GuestIO.Port != 0x80 {
		t.Fatalf("guest never moved past the hypercall: %+v", packet)
	}

	var state hv.VcpuState
	if err := vcpu.ReadState(&state); err != nil {
		t.Fatalf("ReadState: %v", err)
	}
	if state.Rax != ^uint64(0) {
		t.Fatalf("expected not-permitted in rax, got 0x%x", state.Rax)
	}
}

func TestMigrateAcrossThreads(t *testing.T) {
	checkVmxAvailable(t)

	// Park hands the vCPU to a fresh thread; the second entry must run
	// with that thread's host context, not the first one's.
	guest, vcpu, _ := startTestGuest(t, []byte{
		0xe6, 0x80, // out 0x80, al
		0xe6, 0x80, // out 0x80, al
		0xf4, // hlt
	})
	if err := guest.SetTrap(hv.TrapIO, 0x80, 1, 9, nil); err != nil {
		t.Fatalf("SetTrap: %v", err)
	}
	if err := vcpu.SetEntry(testEntry); err != nil {
		t.Fatalf("SetEntry: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var packet hv.Packet
	if err := vcpu.Resume(ctx, &packet); err != nil {
		t.Fatalf("first Resume: %v", err)
	}
	if packet.Type != hv.PacketGuestIO || packet.Key != 9 {
		t.Fatalf("unexpected first stop: %+v", packet)
	}
	if err := vcpu.Park(); err != nil {
		t.Fatalf("Park: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		var p hv.Packet
		if err := vcpu.Resume(ctx, &p); err != nil {
			errCh <- err
			return
		}
		if p.Type != hv.PacketGuestIO || p.Key != 9 {
			errCh <- fmt.Errorf("unexpected second stop: %+v", p)
			return
		}
		errCh <- nil
	}()
	if err := <-errCh; err != nil {
		t.Fatalf("Resume after migration: %v", err)
	}
}

func TestDemandPagedMemory(t *testing.T) {
	checkVmxAvailable(t)

	// The guest touches a page nothing mapped in advance; the fault path
	// must wire it in and let execution continue.
	guest, vcpu, mem := startTestGuest(t, []byte{
		0xbb, 0x00, 0x50, // mov bx, 0x5000
		0xc6, 0x07, 0x2a, // mov byte [bx], 42
		0xe6, 0x80, // out 0x80, al
		0xf4, // hlt
	})
	if err := guest.SetTrap(hv.TrapIO, 0x80, 1, 1, nil); err != nil {
		t.Fatalf("SetTrap: %v", err)
	}
	if err := vcpu.SetEntry(testEntry); err != nil {
		t.Fatalf("SetEntry: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var packet hv.Packet
	if err := vcpu.Resume(ctx, &packet); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if packet.Type != hv.PacketGuestIO || packet.GuestIO.Port != 0x80 {
		t.Fatalf("guest never completed the store: %+v", packet)
	}

	got := make([]byte, 1)
	if _, err := mem.ReadAt(got, 0x5000); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	if got[0] != 42 {
		t.Fatalf("expected 42 at 0x5000, got %d", got[0])
	}
}

func TestResumeWrongThread(t *testing.T) {
	checkVmxAvailable(t)

	guest, vcpu, _ := startTestGuest(t, []byte{0xe6, 0x80, 0xf4})
	if err := guest.SetTrap(hv.TrapIO, 0x80, 1, 1, nil); err != nil {
		t.Fatalf("SetTrap: %v", err)
	}
	if err := vcpu.SetEntry(testEntry); err != nil {
		t.Fatalf("SetEntry: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var packet hv.Packet
	if err := vcpu.Resume(ctx, &packet); err != nil {
		t.Fatalf("Resume: %v", err)
	}

	errCh := make(chan error, 1)
	go func() {
		var p hv.Packet
		errCh <- vcpu.Resume(ctx, &p)
	}()
	if err := <-errCh; !errors.Is(err, hv.ErrBadState) {
		t.Fatalf("foreign thread resume: expected ErrBadState, got %v", err)
	}
}

func TestTeardownFailsFurtherUse(t *testing.T) {
	checkVmxAvailable(t)

	mem, err := physmem.New(16 * hostarch.PageSize)
	if err != nil {
		t.Fatalf("physmem.New: %v", err)
	}
	defer mem.Close()

	guest, err := NewGuest(mem)
	if err != nil {
		t.Fatalf("NewGuest: %v", err)
	}
	vcpu, err := guest.Vcpu(0)
	if err != nil {
		t.Fatalf("Vcpu: %v", err)
	}
	if err := guest.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	var packet hv.Packet
	if err := vcpu.Resume(context.Background(), &packet); !errors.Is(err, hv.ErrBadState) {
		t.Fatalf("Resume after close: expected ErrBadState, got %v", err)
	}
	var state hv.VcpuState
	if err := vcpu.ReadState(&state); !errors.Is(err, hv.ErrBadState) {
		t.Fatalf("ReadState after close: expected ErrBadState, got %v", err)
	}
	if err := vcpu.WriteState(&state); !errors.Is(err, hv.ErrBadState) {
		t.Fatalf("WriteState after close: expected ErrBadState, got %v", err)
	}
}

func TestSetTrapValidation(t *testing.T) {
	checkVmxAvailable(t)

	mem, err := physmem.New(16 * hostarch.PageSize)
	if err != nil {
		t.Fatalf("physmem.New: %v", err)
	}
	defer mem.Close()

	guest, err := NewGuest(mem)
	if err != nil {
		t.Fatalf("NewGuest: %v", err)
	}
	defer guest.Close()

	port := hv.NewPort(1)
	defer port.Close()

	cases := []struct {
		name string
		kind hv.TrapKind
		addr uint64
		size uint64
		port hv.PortWriter
		want error
	}{
		{"io beyond port space", hv.TrapIO, 0xffff, 2, nil, hv.ErrOutOfRange},
		{"mem unaligned", hv.TrapMem, 0x1001, hostarch.PageSize, nil, hv.ErrInvalidArgs},
		{"mem beyond memory", hv.TrapMem, 0, 32 * hostarch.PageSize, nil, hv.ErrOutOfRange},
		{"bell without port", hv.TrapBell, 0x1000, hostarch.PageSize, nil, hv.ErrInvalidArgs},
		{"mem with port", hv.TrapMem, 0x1000, hostarch.PageSize, port, hv.ErrInvalidArgs},
		{"zero size", hv.TrapIO, 0x10, 0, nil, hv.ErrInvalidArgs},
	}
	for _, tc := range cases {
		if err := guest.SetTrap(tc.kind, tc.addr, tc.size, 0, tc.port); !errors.Is(err, tc.want) {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, err)
		}
	}

	if err := guest.SetTrap(hv.TrapMem, 0x1000, hostarch.PageSize, 1, nil); err != nil {
		t.Fatalf("valid mem trap: %v", err)
	}
	if err := guest.SetTrap(hv.TrapMem, 0x1000, hostarch.PageSize, 1, nil); !errors.Is(err, hv.ErrAlreadyExists) {
		t.Fatalf("duplicate: expected ErrAlreadyExists, got %v", err)
	}
}
