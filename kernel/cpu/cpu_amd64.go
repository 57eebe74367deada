// Package cpu exposes the privileged amd64 instructions used by the kernel.
// All functions in this package are implemented in assembly and fault if
// invoked from user-mode; callers that need to be tested outside the kernel
// should access them through package-level function variables.
package cpu

// FlagInterruptEnable is the RFLAGS bit (IF) that controls whether maskable
// hardware interrupts are delivered to the CPU.
const FlagInterruptEnable = uintptr(1 << 9)

// DisableInterrupts disables interrupt handling.
func DisableInterrupts()

// SuspendInterrupts disables interrupt handling and returns the contents of
// the RFLAGS register as they were before interrupts got disabled. The
// returned value should be passed to RestoreInterrupts when the critical
// section ends.
func SuspendInterrupts() uintptr

// RestoreInterrupts re-enables interrupt handling if the IF bit is set in the
// supplied flags value. It is a no-op otherwise which allows nesting
// SuspendInterrupts/RestoreInterrupts pairs.
func RestoreInterrupts(flags uintptr)

// Halt stops instruction execution until the next interrupt arrives.
func Halt()

// FlushTLBEntry flushes a TLB entry for a particular virtual address.
func FlushTLBEntry(virtAddr uintptr)
