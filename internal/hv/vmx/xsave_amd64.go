//go:build amd64 && linux

package vmx

import "encoding/binary"

// Legacy XSAVE area offsets.
const (
	xsaveFcwOffset   = 0
	xsaveMxcsrOffset = 24
	xsaveXstateBv    = 512
	xsaveCompBv      = 520

	fcwReset   uint16 = 0x037f
	mxcsrReset uint32 = 0x1f80
)

// initXsaveArea seeds a guest extended-state area with the x87 reset
// state in standard (non-compacted) format.
func initXsaveArea(area []byte) {
	for i := range area {
		area[i] = 0
	}
	binary.LittleEndian.PutUint16(area[xsaveFcwOffset:], fcwReset)
	binary.LittleEndian.PutUint32(area[xsaveMxcsrOffset:], mxcsrReset)
	binary.LittleEndian.PutUint64(area[xsaveXstateBv:], xcr0X87)
	binary.LittleEndian.PutUint64(area[xsaveCompBv:], 0)
}
