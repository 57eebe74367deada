package thread

// stackGuard mirrors the runtime's _StackGuard for linux/amd64. Go function
// prologues compare the stack pointer against stack.lo+stackGuard.
const stackGuard = 928

// switchTo saves the frame pointer and RFLAGS on the current stack, loads
// newSP and points the running goroutine's stack bounds to
// [stackLo, stackHi). While on the new stack it calls switchCompleted with
// the saved stack pointer of the outgoing thread and then restores RFLAGS
// and the frame pointer of the incoming thread before returning into it.
//
// From the caller's point of view switchTo returns once another thread
// switches back to it.
func switchTo(newSP, stackLo, stackHi uintptr, prev ID, reason SwitchReason)

// activeStackBounds returns the stack bounds of the running goroutine.
func activeStackBounds() (lo, hi uintptr)

// threadTrampoline is the first code executed by a new thread. It calls
// threadStart and never returns.
func threadTrampoline()

// threadTrampolinePC returns the address of threadTrampoline.
func threadTrampolinePC() uintptr
