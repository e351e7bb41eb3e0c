// Package vmstats accounts for where vCPU time goes: a registry of exit
// kinds, per-recorder counters, and guest/host residency timing sampled
// around each guest entry.
package vmstats

import (
	"encoding/json"
	"fmt"
	"io"
	"sync/atomic"
	"time"
)

// KindID identifies a registered exit kind.
type KindID int

const InvalidKindID = KindID(-1)

const maxKinds = 128

var (
	kindCount int
	kindNames [maxKinds]string
)

// RegisterKind names an exit kind and returns its id. Not safe for
// concurrent use; call from package init.
func RegisterKind(name string) KindID {
	if kindCount == maxKinds {
		panic("vmstats: kind table full")
	}
	id := KindID(kindCount)
	kindNames[id] = name
	kindCount++
	return id
}

// Recorder tallies exits and guest/host residency for one vCPU. All
// methods are safe from the owning thread plus concurrent Snapshot calls.
type Recorder struct {
	counts [maxKinds]atomic.Uint64

	guestNanos atomic.Int64
	hostNanos  atomic.Int64

	// lastTransition is the monotonic time of the last guest<->host switch.
	lastTransition time.Time
}

// NewRecorder returns a recorder with the host clock running.
func NewRecorder() *Recorder {
	return &Recorder{lastTransition: time.Now()}
}

// Exit charges one occurrence of kind and moves elapsed time since the
// last transition to the guest bucket.
func (r *Recorder) Exit(kind KindID) {
	if kind >= 0 && int(kind) < kindCount {
		r.counts[kind].Add(1)
	}
	now := time.Now()
	r.guestNanos.Add(now.Sub(r.lastTransition).Nanoseconds())
	r.lastTransition = now
}

// Entry moves elapsed time since the last transition to the host bucket.
// Call immediately before entering the guest.
func (r *Recorder) Entry() {
	now := time.Now()
	r.hostNanos.Add(now.Sub(r.lastTransition).Nanoseconds())
	r.lastTransition = now
}

// Count returns the number of exits recorded for kind.
func (r *Recorder) Count(kind KindID) uint64 {
	if kind < 0 || int(kind) >= kindCount {
		return 0
	}
	return r.counts[kind].Load()
}

// Snapshot is a point-in-time export of a recorder.
type Snapshot struct {
	GuestNanos int64             `json:"guest_nanos"`
	HostNanos  int64             `json:"host_nanos"`
	Exits      map[string]uint64 `json:"exits"`
}

// Snapshot returns the current totals. Kinds with zero exits are omitted.
func (r *Recorder) Snapshot() Snapshot {
	s := Snapshot{
		GuestNanos: r.guestNanos.Load(),
		HostNanos:  r.hostNanos.Load(),
		Exits:      make(map[string]uint64),
	}
	for i := 0; i < kindCount; i++ {
		if n := r.counts[i].Load(); n > 0 {
			s.Exits[kindNames[i]] = n
		}
	}
	return s
}

// WriteTo dumps the snapshot as JSON.
func (r *Recorder) WriteTo(w io.Writer) (int64, error) {
	data, err := json.Marshal(r.Snapshot())
	if err != nil {
		return 0, fmt.Errorf("vmstats: marshal snapshot: %w", err)
	}
	n, err := w.Write(data)
	return int64(n), err
}
