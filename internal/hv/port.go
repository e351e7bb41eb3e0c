package hv

import (
	"context"
	"fmt"
	"sync"
)

// PortWriter receives packets for traps bound to a port. Queue must not
// block the caller: the execution loop calls it with the control structure
// released but the guest still paused.
type PortWriter interface {
	Queue(p *Packet) error
}

// Port is a bounded in-process packet queue implementing PortWriter.
type Port struct {
	mu     sync.Mutex
	closed bool
	ch     chan Packet
}

// NewPort returns a port that buffers up to depth packets.
func NewPort(depth int) *Port {
	if depth <= 0 {
		depth = 64
	}
	return &Port{ch: make(chan Packet, depth)}
}

// Queue implements PortWriter. A full or closed port drops nothing
// silently: the caller gets an error and decides.
func (p *Port) Queue(pkt *Packet) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return fmt.Errorf("hv: queue on closed port: %w", ErrBadState)
	}
	select {
	case p.ch <- *pkt:
		return nil
	default:
		return fmt.Errorf("hv: port full: %w", ErrNoMemory)
	}
}

// Dequeue blocks until a packet arrives, the port closes, or ctx is done.
func (p *Port) Dequeue(ctx context.Context) (Packet, error) {
	select {
	case pkt, ok := <-p.ch:
		if !ok {
			return Packet{}, fmt.Errorf("hv: dequeue on closed port: %w", ErrBadState)
		}
		return pkt, nil
	case <-ctx.Done():
		return Packet{}, ctx.Err()
	}
}

// Close releases the port. Queued packets already in flight are still
// delivered to concurrent Dequeue callers.
func (p *Port) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return fmt.Errorf("hv: double close of port: %w", ErrBadState)
	}
	p.closed = true
	close(p.ch)
	return nil
}

var (
	_ PortWriter = &Port{}
)
