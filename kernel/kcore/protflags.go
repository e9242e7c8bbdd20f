package kcore

import (
	"golang.org/x/sys/unix"

	"nucleus/kernel/mem/vmm"
)

// protFlags translates a VMA's Protection triple into the PROT_* bit
// values the host platform uses for the same concept, for diagnostic
// logging only (see kernel/kcore.Runtime.DescribeProtection) — nothing
// here issues an mmap/mprotect syscall, so it never touches a real
// mapping. Grounded on the pack's gvisor checkout (pkg/sentry/platform),
// the one example repo that actually imports golang.org/x/sys/unix for
// low-level platform interop rather than a single unrelated manifest
// entry.
func protFlags(p vmm.Protection) int {
	flags := unix.PROT_NONE
	if p.Read {
		flags |= unix.PROT_READ
	}
	if p.Write {
		flags |= unix.PROT_WRITE
	}
	if p.Exec {
		flags |= unix.PROT_EXEC
	}
	return flags
}

// DescribeProtection renders a VMA's protection triple the way
// /proc/<pid>/maps renders PROT flags ("rwx", "r--", ...), for log lines
// only.
func (rt *Runtime) DescribeProtection(p vmm.Protection) string {
	flags := protFlags(p)
	out := []byte("---")
	if flags&unix.PROT_READ != 0 {
		out[0] = 'r'
	}
	if flags&unix.PROT_WRITE != 0 {
		out[1] = 'w'
	}
	if flags&unix.PROT_EXEC != 0 {
		out[2] = 'x'
	}
	return string(out)
}
