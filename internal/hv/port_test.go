package hv

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestPortQueueDequeue(t *testing.T) {
	p := NewPort(4)
	defer p.Close()

	if err := p.Queue(&Packet{Type: PacketGuestBell, Key: 3}); err != nil {
		t.Fatalf("Queue: %v", err)
	}

	pkt, err := p.Dequeue(context.Background())
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if pkt.Type != PacketGuestBell || pkt.Key != 3 {
		t.Fatalf("unexpected packet %+v", pkt)
	}
}

func TestPortFull(t *testing.T) {
	p := NewPort(1)
	defer p.Close()

	if err := p.Queue(&Packet{}); err != nil {
		t.Fatalf("Queue: %v", err)
	}
	if err := p.Queue(&Packet{}); !errors.Is(err, ErrNoMemory) {
		t.Fatalf("expected ErrNoMemory on full port, got %v", err)
	}
}

func TestPortClosed(t *testing.T) {
	p := NewPort(1)
	if err := p.Queue(&Packet{Key: 1}); err != nil {
		t.Fatalf("Queue: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if err := p.Queue(&Packet{}); !errors.Is(err, ErrBadState) {
		t.Fatalf("queue after close: expected ErrBadState, got %v", err)
	}
	if err := p.Close(); !errors.Is(err, ErrBadState) {
		t.Fatalf("double close: expected ErrBadState, got %v", err)
	}

	// In-flight packets drain before the closed error surfaces.
	pkt, err := p.Dequeue(context.Background())
	if err != nil || pkt.Key != 1 {
		t.Fatalf("drain: pkt=%+v err=%v", pkt, err)
	}
	if _, err := p.Dequeue(context.Background()); !errors.Is(err, ErrBadState) {
		t.Fatalf("dequeue after drain: expected ErrBadState, got %v", err)
	}
}

func TestPortDequeueCancel(t *testing.T) {
	p := NewPort(1)
	defer p.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	if _, err := p.Dequeue(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected DeadlineExceeded, got %v", err)
	}
}

func TestPortDefaultDepth(t *testing.T) {
	p := NewPort(0)
	defer p.Close()
	for i := 0; i < 64; i++ {
		if err := p.Queue(&Packet{}); err != nil {
			t.Fatalf("Queue %d: %v", i, err)
		}
	}
	if err := p.Queue(&Packet{}); !errors.Is(err, ErrNoMemory) {
		t.Fatalf("expected default depth 64, got %v", err)
	}
}
