//go:build !amd64 || !linux

package vmx

// Supported reports whether this package can run guests here. It is
// always false off amd64 Linux.
func Supported() bool { return false }
