package thread

import (
	"threados/kernel/cpu"
	"unsafe"
)

const (
	wordSize = unsafe.Sizeof(uintptr(0))

	// initialFlags is the RFLAGS value that a new thread starts with.
	initialFlags = cpu.FlagInterruptEnable
)

var (
	// stackWordPtrFn returns a pointer to the stack word at addr. Tests
	// replace it so that stack images can be built inside Go arrays.
	stackWordPtrFn = func(addr uintptr) *uintptr {
		return (*uintptr)(unsafe.Pointer(addr))
	}

	trampolinePCFn = threadTrampolinePC
)

// stackImage writes words below a stack pointer, growing downwards.
type stackImage struct {
	sp uintptr
}

func (img *stackImage) push(word uintptr) {
	img.sp -= wordSize
	*stackWordPtrFn(img.sp) = word
}

// pushEntryPoint lays out the words that the context switch code pops when it
// resumes a thread: RFLAGS, the frame pointer and the return address.
func (img *stackImage) pushEntryPoint(pc uintptr) {
	img.push(pc)
	img.push(0)
	img.push(initialFlags)
}

// buildStackImage prepares the stack ending at stackTop so that the first
// switch into it starts executing the thread trampoline with interrupts
// enabled. It returns the initial stack pointer.
//
// The layout from the top of the stack downwards is:
//   - a zero word that terminates stack traces
//   - the address of the trampoline
//   - the saved frame pointer (0)
//   - RFLAGS with IF set
func buildStackImage(stackTop uintptr) uintptr {
	img := stackImage{sp: stackTop}
	img.push(0)
	img.pushEntryPoint(trampolinePCFn())
	return img.sp
}
