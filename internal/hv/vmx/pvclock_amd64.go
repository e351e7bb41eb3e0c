//go:build amd64 && linux

package vmx

import (
	"fmt"
	"time"
	"unsafe"

	"github.com/tinyrange/vmx/internal/hv"
	"gvisor.dev/gvisor/pkg/hostarch"
)

// clockInfo is the paravirtual time structure the guest asks for with the
// clock-update hypercall. The version field is odd while an update is in
// flight, so a guest reading concurrently can detect a torn snapshot.
type clockInfo struct {
	version    uint32
	_          uint32
	wallSec    uint64
	wallNsec   uint64
	uptimeNsec uint64
}

var bootTime = time.Now()

// updateClock writes the current host time into the guest page at gpa.
// The structure must not straddle a page boundary.
func (v *Vcpu) updateClock(gpa uint64) error {
	size := uint64(unsafe.Sizeof(clockInfo{}))
	if gpa%8 != 0 || gpa/hostarch.PageSize != (gpa+size-1)/hostarch.PageSize {
		return fmt.Errorf("vmx: clock page 0x%x: %w", gpa, hv.ErrInvalidArgs)
	}
	if err := v.guest.gpas.PageFault(gpa); err != nil {
		return err
	}
	host, err := v.guest.gpas.GetPage(gpa)
	if err != nil {
		return err
	}

	info := (*clockInfo)(pointerAt(host))
	now := time.Now()

	inFlight := info.version | 1
	info.version = inFlight
	info.wallSec = uint64(now.Unix())
	info.wallNsec = uint64(now.Nanosecond())
	info.uptimeNsec = uint64(now.Sub(bootTime).Nanoseconds())
	info.version = inFlight + 1
	return nil
}
