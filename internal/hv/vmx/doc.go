// Package vmx implements guest execution on Intel VT-x: guest and vCPU
// lifecycle, the VMCS field model, the VM-exit emulation engine, VPID
// allocation, and the per-CPU bookkeeping for VMX operation itself.
//
// The package assumes ring-0 execution in an identity-mapped address
// space, so a page's virtual address doubles as its physical address.
// Supported reports whether both the privilege level and the required
// hardware capabilities are present; everything else returns
// hv.ErrNotSupported without touching hardware when they are not.
//
// Concurrency model: one host thread per vCPU, pinned to the CPU derived
// from its VPID. A loaded VMCS is scoped to an AutoVmcs, which keeps host
// interrupts disabled and forbids blocking for its lifetime. The only
// cross-guest shared state is the reference-counted feature-enable state.
package vmx
