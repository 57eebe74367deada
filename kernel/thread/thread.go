// Package thread implements preemptive kernel threads: stack allocation with
// guard pages, the initial stack image for new threads, the amd64 context
// switch primitive and a FIFO scheduler that tracks the thread lifecycle.
package thread

import (
	"sync/atomic"
	"threados/kernel"
	"threados/kernel/kfmt"
)

// ID uniquely identifies a thread for the lifetime of the kernel.
type ID uint64

// RootID is reserved for the bootstrap thread that runs on the boot stack.
const RootID = ID(0)

var (
	// lastID holds the most recently assigned thread ID.
	lastID uint64

	// The following functions are mocked by tests.
	panicFn = kfmt.Panic

	errNoEntryPoint = &kernel.Error{Module: "thread", Message: "thread started without an entry point"}
)

// nextID returns a thread ID that has never been handed out before.
func nextID() ID {
	return ID(atomic.AddUint64(&lastID, 1))
}

// SwitchReason describes why the previously running thread stopped running.
// The values are passed through a register by the context switch code and
// must remain stable.
type SwitchReason uint64

const (
	// SwitchPaused indicates that the thread was preempted by a timer tick.
	SwitchPaused SwitchReason = iota

	// SwitchYield indicates that the thread voluntarily gave up the CPU.
	SwitchYield

	// SwitchBlocked indicates that the thread waits for a wake signal.
	SwitchBlocked

	// SwitchExit indicates that the thread has terminated.
	SwitchExit
)

// String implements fmt.Stringer for SwitchReason.
func (r SwitchReason) String() string {
	switch r {
	case SwitchPaused:
		return "paused"
	case SwitchYield:
		return "yield"
	case SwitchBlocked:
		return "blocked"
	case SwitchExit:
		return "exit"
	default:
		return "unknown"
	}
}

// StackBounds describes the usable [Start, End) virtual address range of a
// thread stack. The guard page sits directly below Start.
type StackBounds struct {
	Start, End uintptr
}

type entryKind uint8

const (
	entryNone entryKind = iota
	entryFunc
	entryClosure
)

// Entry describes what a thread runs once it is scheduled for the first
// time. It is either a plain function or a closure with captured state.
type Entry struct {
	kind entryKind
	fn   func()
}

// String returns the kind of the entry point.
func (e Entry) String() string {
	switch e.kind {
	case entryFunc:
		return "func"
	case entryClosure:
		return "closure"
	default:
		return "none"
	}
}

// run invokes the entry point. A missing entry point is fatal.
func (e Entry) run() {
	if e.kind == entryNone || e.fn == nil {
		panicFn(errNoEntryPoint)
		return
	}

	e.fn()
}

// Thread is the scheduler's record for a single thread of execution.
type Thread struct {
	id ID

	// stackPointer holds the saved stack pointer while the thread is not
	// running. It is zero while the thread is the current one.
	stackPointer uintptr

	// bounds is nil for the root thread which runs on the boot stack.
	bounds *StackBounds

	// entry is consumed when the thread starts.
	entry Entry
}

// ID returns the thread's identifier.
func (t *Thread) ID() ID {
	return t.id
}

// StackBounds returns the bounds of the thread's allocated stack. The second
// return value is false for threads that run on a stack they do not own.
func (t *Thread) StackBounds() (StackBounds, bool) {
	if t.bounds == nil {
		return StackBounds{}, false
	}
	return *t.bounds, true
}
