package vmx

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tinyrange/vmx/internal/hv"
)

func TestApicPriorityOrder(t *testing.T) {
	apic := NewLocalApicState()
	defer apic.Close()

	apic.Interrupt(33)
	apic.Interrupt(200)
	apic.Interrupt(vectorGeneralProtect)
	apic.Interrupt(vectorNmi)
	apic.Interrupt(vectorDivideError)

	want := []uint8{vectorNmi, 200, 33, vectorDivideError, vectorGeneralProtect}
	for i, expect := range want {
		got, ok := apic.Pop()
		if !ok {
			t.Fatalf("pop %d: nothing pending", i)
		}
		if got != expect {
			t.Fatalf("pop %d: got vector %d, want %d", i, got, expect)
		}
	}
	if _, ok := apic.Pop(); ok {
		t.Fatal("expected empty controller")
	}
	if apic.HasPending() {
		t.Fatal("HasPending after draining")
	}
}

func TestApicWaitForInterrupt(t *testing.T) {
	apic := NewLocalApicState()
	defer apic.Close()

	done := make(chan error, 1)
	go func() {
		done <- apic.WaitForInterrupt(context.Background())
	}()

	time.Sleep(10 * time.Millisecond)
	apic.Interrupt(40)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("WaitForInterrupt: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("wait did not wake on arrival")
	}
}

func TestApicWaitForInterruptCancel(t *testing.T) {
	apic := NewLocalApicState()
	defer apic.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- apic.WaitForInterrupt(ctx)
	}()
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("wait did not observe cancellation")
	}
}

func TestApicDivisorValidation(t *testing.T) {
	apic := NewLocalApicState()
	defer apic.Close()

	for _, d := range []uint32{1, 2, 4, 8, 16, 32, 64, 128} {
		if err := apic.SetDivisor(d); err != nil {
			t.Fatalf("SetDivisor(%d): %v", d, err)
		}
	}
	for _, d := range []uint32{0, 3, 256} {
		if err := apic.SetDivisor(d); !errors.Is(err, hv.ErrInvalidArgs) {
			t.Fatalf("SetDivisor(%d): expected ErrInvalidArgs, got %v", d, err)
		}
	}
}

func TestDecodeDivideConfig(t *testing.T) {
	cases := map[uint32]uint32{
		0b0000: 2,
		0b0001: 4,
		0b0010: 8,
		0b0011: 16,
		0b1000: 32,
		0b1001: 64,
		0b1010: 128,
		0b1011: 1,
	}
	for dcr, want := range cases {
		if got := decodeDivideConfig(dcr); got != want {
			t.Fatalf("dcr 0b%b: got %d, want %d", dcr, got, want)
		}
	}
}

func TestApicTimerOneShot(t *testing.T) {
	apic := NewLocalApicState()
	defer apic.Close()

	apic.SetLvtTimer(45) // one-shot, unmasked
	if err := apic.SetDivisor(1); err != nil {
		t.Fatalf("SetDivisor: %v", err)
	}
	apic.SetInitialCount(1_000_000) // ~1ms

	deadline := time.After(time.Second)
	for !apic.HasPending() {
		select {
		case <-deadline:
			t.Fatal("timer never fired")
		case <-time.After(time.Millisecond):
		}
	}

	vector, ok := apic.Pop()
	if !ok || vector != 45 {
		t.Fatalf("expected vector 45, got %d ok=%v", vector, ok)
	}

	// One-shot: no re-arm.
	time.Sleep(5 * time.Millisecond)
	if apic.HasPending() {
		t.Fatal("one-shot timer fired twice")
	}
}

func TestApicTimerMasked(t *testing.T) {
	apic := NewLocalApicState()
	defer apic.Close()

	apic.SetLvtTimer(45 | lvtTimerMasked)
	apic.SetInitialCount(1)

	time.Sleep(5 * time.Millisecond)
	if apic.HasPending() {
		t.Fatal("masked timer delivered an interrupt")
	}
}

func TestApicTimerDisarmWithZero(t *testing.T) {
	apic := NewLocalApicState()
	defer apic.Close()

	apic.SetLvtTimer(45 | lvtTimerPeriodic)
	apic.SetInitialCount(50_000_000) // 50ms, far enough out
	apic.SetInitialCount(0)

	time.Sleep(5 * time.Millisecond)
	if apic.HasPending() {
		t.Fatal("disarmed timer delivered an interrupt")
	}
}
