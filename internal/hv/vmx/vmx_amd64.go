//go:build amd64 && linux

package vmx

// Supported reports whether this package can run guests here: the CPU
// advertises virtualization extensions and the caller is in ring 0. It
// never touches privileged state, so it is safe from any context.
func Supported() bool {
	_, _, ecx, _ := cpuid(cpuidLeafFeatures, 0)
	if ecx&cpuid1EcxVmx == 0 {
		return false
	}
	// The low selector bits are the current privilege level.
	return readCs()&3 == 0
}
