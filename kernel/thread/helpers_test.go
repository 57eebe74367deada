package thread

import (
	"testing"
	"threados/kernel"
	"threados/kernel/mm"
	"threados/kernel/mm/vmm"
	ksync "threados/kernel/sync"
)

// switchCall records the arguments of a context switch request.
type switchCall struct {
	newSP  uintptr
	bounds StackBounds
	prev   ID
	reason SwitchReason
}

// testEnv replaces the privileged parts of the package with hosted fakes.
// Context switches complete synchronously: the fake switch reports a fresh
// saved stack pointer for the outgoing thread and returns to the caller as
// if the incoming thread was now executing the code that follows.
type testEnv struct {
	switches []switchCall
	savedSP  uintptr

	suspendCount, restoreCount int

	// stack words written through stackWordPtrFn
	words map[uintptr]*uintptr
}

func setupTestEnv(t *testing.T) (*testEnv, func()) {
	env := &testEnv{
		savedSP: 0xdead0000,
		words:   make(map[uintptr]*uintptr),
	}

	origPanic := panicFn
	origSuspend := suspendInterruptsFn
	origRestore := restoreInterruptsFn
	origSwitch := switchToFn
	origBounds := activeStackBoundsFn
	origWordPtr := stackWordPtrFn
	origTrampoline := trampolinePCFn
	origCursor := stackCursor
	origActive := active

	panicFn = func(e interface{}) { panic(e) }
	suspendInterruptsFn = func() uintptr {
		env.suspendCount++
		return initialFlags
	}
	restoreInterruptsFn = func(_ uintptr) { env.restoreCount++ }
	switchToFn = func(newSP, stackLo, stackHi uintptr, prev ID, reason SwitchReason) {
		env.switches = append(env.switches, switchCall{
			newSP:  newSP,
			bounds: StackBounds{Start: stackLo, End: stackHi},
			prev:   prev,
			reason: reason,
		})
		env.savedSP += 0x10
		switchCompleted(env.savedSP, prev, reason)
	}
	activeStackBoundsFn = func() (uintptr, uintptr) { return testRootStackLo, testRootStackHi }
	stackWordPtrFn = func(addr uintptr) *uintptr {
		w, ok := env.words[addr]
		if !ok {
			w = new(uintptr)
			env.words[addr] = w
		}
		return w
	}
	trampolinePCFn = func() uintptr { return testTrampolinePC }
	stackCursor = stackRegionBase
	active = nil
	activeLock = ksync.Spinlock{}

	return env, func() {
		panicFn = origPanic
		suspendInterruptsFn = origSuspend
		restoreInterruptsFn = origRestore
		switchToFn = origSwitch
		activeStackBoundsFn = origBounds
		stackWordPtrFn = origWordPtr
		trampolinePCFn = origTrampoline
		stackCursor = origCursor
		active = origActive
		activeLock = ksync.Spinlock{}
	}
}

const (
	testRootStackLo  = uintptr(0x10000)
	testRootStackHi  = uintptr(0x20000)
	testTrampolinePC = uintptr(0xc0de)
)

// expectFatal runs fn and fails the test unless fn triggers a fatal error
// equal to expErr. A fatal error raised while the scheduler lock is held
// leaves the lock acquired so it is reset here.
func expectFatal(t *testing.T, expErr *kernel.Error, fn func()) {
	t.Helper()

	defer func() {
		activeLock = ksync.Spinlock{}

		err := recover()
		if err == nil {
			t.Fatalf("expected fatal error %q; got none", expErr.Message)
		}
		if err != expErr {
			t.Fatalf("expected fatal error %v; got %v", expErr, err)
		}
	}()

	fn()
}

// newTestThread returns a paused thread record with its own fake stack.
func newTestThread(id ID) *Thread {
	bounds := StackBounds{
		Start: stackRegionBase + uintptr(id)*0x10000,
		End:   stackRegionBase + uintptr(id)*0x10000 + 4*mm.PageSize,
	}

	return &Thread{
		id:           id,
		stackPointer: bounds.End - 4*wordSize,
		bounds:       &bounds,
		entry:        Entry{kind: entryFunc, fn: func() {}},
	}
}

// fakeMapper records the mappings requested by the stack allocator.
type fakeMapper struct {
	mapped map[mm.Page]mm.Frame
	flags  map[mm.Page]vmm.PageTableEntryFlag

	// if set, Map fails with err once failAfter pages have been mapped
	err       *kernel.Error
	failAfter int
}

func newFakeMapper() *fakeMapper {
	return &fakeMapper{
		mapped: make(map[mm.Page]mm.Frame),
		flags:  make(map[mm.Page]vmm.PageTableEntryFlag),
	}
}

func (m *fakeMapper) Map(page mm.Page, frame mm.Frame, flags vmm.PageTableEntryFlag, _ mm.FrameAllocator) *kernel.Error {
	if m.err != nil && len(m.mapped) == m.failAfter {
		return m.err
	}

	m.mapped[page] = frame
	m.flags[page] = flags
	return nil
}

func (m *fakeMapper) IsMapped(addr uintptr) bool {
	_, ok := m.mapped[mm.PageFromAddress(addr)]
	return ok
}

// frameSource hands out up to limit frames; a negative limit disables the
// check.
func frameSource(limit int) mm.FrameAllocator {
	var next mm.Frame = 0x100
	return mm.FrameAllocatorFn(func() (mm.Frame, *kernel.Error) {
		if limit == 0 {
			return mm.InvalidFrame, &kernel.Error{Module: "test", Message: "out of frames"}
		}
		limit--
		next++
		return next, nil
	})
}
