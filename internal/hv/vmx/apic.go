package vmx

import (
	"context"
	"fmt"
	"math/bits"
	"sync"
	"time"

	"github.com/tinyrange/vmx/internal/hv"
)

// Interrupt vectors with architectural meaning to the injection logic.
const (
	vectorDivideError    uint8 = 0
	vectorNmi            uint8 = 2
	vectorInvalidOpcode  uint8 = 6
	vectorGeneralProtect uint8 = 13
	vectorPageFault      uint8 = 14

	// Vectors below 32 are exceptions; everything else is an external
	// interrupt delivered through the virtual APIC.
	firstExternalVector uint8 = 32
)

// LVT timer mode bits, as the guest programs them.
const (
	lvtTimerMasked     uint32 = 1 << 16
	lvtTimerPeriodic   uint32 = 1 << 17
	lvtTimerVectorMask uint32 = 0xff
)

// LocalApicState is the per-vCPU software interrupt controller: a pending
// vector bitmap with NMI tracked separately, plus the LVT timer.
type LocalApicState struct {
	mu sync.Mutex

	pending [4]uint64 // 256-bit vector bitmap
	nmi     bool

	// arrival is signalled (without blocking) whenever a vector becomes
	// pending, waking a halted vCPU.
	arrival chan struct{}

	// LVT timer. At most one timer callback is ever outstanding.
	lvtTimer     uint32
	divisor      uint32
	initialCount uint32
	timer        *time.Timer
	closed       bool
}

// NewLocalApicState returns an empty controller with a 2x divisor, the
// architectural reset value.
func NewLocalApicState() *LocalApicState {
	return &LocalApicState{
		arrival: make(chan struct{}, 1),
		divisor: 2,
	}
}

// Interrupt marks a vector pending. NMI preempts the bitmap.
func (l *LocalApicState) Interrupt(vector uint8) {
	l.mu.Lock()
	if vector == vectorNmi {
		l.nmi = true
	} else {
		l.pending[vector/64] |= 1 << (vector % 64)
	}
	l.mu.Unlock()

	select {
	case l.arrival <- struct{}{}:
	default:
	}
}

// HasPending reports whether any vector awaits injection.
func (l *LocalApicState) HasPending() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.nmi {
		return true
	}
	for _, w := range l.pending {
		if w != 0 {
			return true
		}
	}
	return false
}

// Pop removes and returns the highest-priority pending vector: NMI first,
// then external vectors from high to low, then generated exceptions.
func (l *LocalApicState) Pop() (uint8, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.nmi {
		l.nmi = false
		return vectorNmi, true
	}

	// External interrupts, highest vector first.
	for w := 3; w >= 0; w-- {
		word := l.pending[w]
		if w == 0 {
			// Mask off the exception range; it is considered last.
			word &^= (1 << uint(firstExternalVector)) - 1
		}
		if word == 0 {
			continue
		}
		bit := highestSetBit(word)
		l.pending[w] &^= 1 << bit
		return uint8(w*64) + bit, true
	}

	// Generated exceptions, lowest vector first (matches delivery order
	// of synthesized faults).
	word := l.pending[0] & ((1 << uint(firstExternalVector)) - 1)
	if word != 0 {
		bit := lowestSetBit(word)
		l.pending[0] &^= 1 << bit
		return bit, true
	}

	return 0, false
}

// WaitForInterrupt blocks until a vector is pending or ctx is done. The
// cancellation error is surfaced, never swallowed.
func (l *LocalApicState) WaitForInterrupt(ctx context.Context) error {
	for {
		if l.HasPending() {
			return nil
		}
		select {
		case <-l.arrival:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// timerPeriod converts the programmed initial count and divide
// configuration into a wall duration, assuming the APIC timer ticks at
// 1GHz. The exact frequency is reported to the guest via the paravirtual
// clock, so only self-consistency matters.
func (l *LocalApicState) timerPeriod() time.Duration {
	return time.Duration(uint64(l.initialCount)*uint64(l.divisor)) * time.Nanosecond
}

// decodeDivideConfig maps the divide-configuration register encoding
// (bits 0, 1 and 3) to the divisor it selects.
func decodeDivideConfig(dcr uint32) uint32 {
	sel := (dcr>>1)&4 | dcr&3
	if sel == 7 {
		return 1
	}
	return 2 << sel
}

// SetDivisor programs the timer divide configuration. Powers of two up to
// 128 are architectural; anything else is rejected.
func (l *LocalApicState) SetDivisor(d uint32) error {
	switch d {
	case 1, 2, 4, 8, 16, 32, 64, 128:
	default:
		return fmt.Errorf("vmx: apic timer divisor %d: %w", d, hv.ErrInvalidArgs)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.divisor = d
	return nil
}

// SetLvtTimer programs the LVT timer register.
func (l *LocalApicState) SetLvtTimer(value uint32) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lvtTimer = value
	if value&lvtTimerMasked != 0 {
		l.stopTimerLocked()
	}
}

// SetInitialCount arms (or with zero, disarms) the timer.
func (l *LocalApicState) SetInitialCount(count uint32) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.stopTimerLocked()
	l.initialCount = count
	if count == 0 || l.closed || l.lvtTimer&lvtTimerMasked != 0 {
		return
	}

	period := l.timerPeriod()
	vector := uint8(l.lvtTimer & lvtTimerVectorMask)
	periodic := l.lvtTimer&lvtTimerPeriodic != 0
	l.timer = time.AfterFunc(period, func() {
		l.timerFired(vector, periodic, period)
	})
}

func (l *LocalApicState) timerFired(vector uint8, periodic bool, period time.Duration) {
	l.Interrupt(vector)

	l.mu.Lock()
	defer l.mu.Unlock()
	if periodic && !l.closed && l.lvtTimer&lvtTimerMasked == 0 {
		l.timer = time.AfterFunc(period, func() {
			l.timerFired(vector, periodic, period)
		})
	}
}

func (l *LocalApicState) stopTimerLocked() {
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
}

// Close cancels the timer before vCPU teardown.
func (l *LocalApicState) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	l.stopTimerLocked()
}

func highestSetBit(w uint64) uint8 {
	return uint8(bits.Len64(w) - 1)
}

func lowestSetBit(w uint64) uint8 {
	return uint8(bits.TrailingZeros64(w))
}
