package thread

import (
	"threados/kernel"
	"threados/kernel/cpu"
	"threados/kernel/mm"
	"threados/kernel/sync"
)

var (
	// active is the scheduler used by the package-level API. It is the
	// only scheduler reachable from interrupt context.
	active     *Scheduler
	activeLock sync.Spinlock

	// The following functions are mocked by tests and are automatically
	// inlined by the compiler.
	suspendInterruptsFn = cpu.SuspendInterrupts
	restoreInterruptsFn = cpu.RestoreInterrupts
	switchToFn          = switchTo

	errSchedulerBusy       = &kernel.Error{Module: "thread", Message: "scheduler lock is already held"}
	errExitLastThread      = &kernel.Error{Module: "thread", Message: "can't exit last thread"}
	errIdleExit            = &kernel.Error{Module: "thread", Message: "idle thread must never exit"}
	errDeadlock            = &kernel.Error{Module: "thread", Message: "blocked with no other runnable thread"}
	errExitedThreadResumed = &kernel.Error{Module: "thread", Message: "exited thread was resumed"}
)

// Init installs s as the scheduler used by the package-level API. Calls to
// the API before Init lazily install a new scheduler.
func Init(s *Scheduler) {
	active = s
}

// With runs fn with exclusive access to the active scheduler. Interrupts are
// disabled while fn runs. Since the kernel runs on a single CPU, finding the
// lock already held means that the scheduler was re-entered which is fatal.
func With(fn func(*Scheduler)) {
	flags := suspendInterruptsFn()
	if !activeLock.TryToAcquire() {
		restoreInterruptsFn(flags)
		panicFn(errSchedulerBusy)
		return
	}

	fn(activeScheduler())

	activeLock.Release()
	restoreInterruptsFn(flags)
}

func activeScheduler() *Scheduler {
	if active == nil {
		active = NewScheduler()
	}
	return active
}

// Create allocates a stack with stackPages usable pages and returns a thread
// that starts executing entry once scheduled. The thread exits when entry
// returns.
func Create(entry func(), stackPages uint64, mapper Mapper, frames mm.FrameAllocator) (*Thread, *kernel.Error) {
	return newThread(Entry{kind: entryFunc, fn: entry}, stackPages, mapper, frames)
}

// CreateFromClosure works like Create but accepts a closure that captures
// state from its creator.
func CreateFromClosure(fn func(), stackPages uint64, mapper Mapper, frames mm.FrameAllocator) (*Thread, *kernel.Error) {
	return newThread(Entry{kind: entryClosure, fn: fn}, stackPages, mapper, frames)
}

func newThread(entry Entry, stackPages uint64, mapper Mapper, frames mm.FrameAllocator) (*Thread, *kernel.Error) {
	bounds, err := AllocStack(stackPages, mapper, frames)
	if err != nil {
		return nil, err
	}

	return &Thread{
		id:           nextID(),
		stackPointer: buildStackImage(bounds.End),
		bounds:       &bounds,
		entry:        entry,
	}, nil
}

// Register adds t to the ready queue of the active scheduler.
func Register(t *Thread) {
	With(func(s *Scheduler) { s.AddNewThread(t) })
}

// RegisterIdle installs t as the idle thread of the active scheduler.
func RegisterIdle(t *Thread) {
	With(func(s *Scheduler) { s.SetIdleThread(t) })
}

// CurrentID returns the ID of the running thread.
func CurrentID() ID {
	var id ID
	With(func(s *Scheduler) { id = s.CurrentThreadID() })
	return id
}

// Wake delivers a wake signal to the thread with the given ID.
func Wake(id ID) {
	With(func(s *Scheduler) { s.Wake(id) })
}

// Yield hands the CPU to the next ready thread. It returns immediately if no
// other thread can run.
func Yield() {
	flags := suspendInterruptsFn()

	var (
		sp     uintptr
		bounds StackBounds
		prev   ID
		ok     bool
	)
	With(func(s *Scheduler) { sp, bounds, prev, ok = s.schedule() })

	if ok {
		switchToFn(sp, bounds.Start, bounds.End, prev, SwitchYield)
	}
	restoreInterruptsFn(flags)
}

// Block suspends the running thread until a wake signal for it arrives. If
// the signal was delivered before the call and no other thread is ready,
// Block returns immediately. Blocking while nothing else can run is fatal.
func Block() {
	flags := suspendInterruptsFn()

	var (
		sp     uintptr
		bounds StackBounds
		prev   ID
		ok     bool
	)
	With(func(s *Scheduler) {
		if s.ReadyLen() == 0 && s.consumeWakeup(s.current) {
			return
		}

		if sp, bounds, prev, ok = s.schedule(); ok {
			return
		}

		// The idle thread is never filed as blocked.
		if s.hasIdle && s.current == s.idle {
			return
		}

		s.fail(errDeadlock)
	})

	if ok {
		switchToFn(sp, bounds.Start, bounds.End, prev, SwitchBlocked)
	}
	restoreInterruptsFn(flags)
}

// Exit terminates the running thread. Exit never returns; exiting the last
// thread or the idle thread is fatal.
func Exit() {
	suspendInterruptsFn()

	var (
		sp     uintptr
		bounds StackBounds
		prev   ID
		ok     bool
	)
	With(func(s *Scheduler) {
		if s.hasIdle && s.current == s.idle {
			s.fail(errIdleExit)
			return
		}

		if sp, bounds, prev, ok = s.schedule(); !ok {
			s.fail(errExitLastThread)
		}
	})

	if ok {
		switchToFn(sp, bounds.Start, bounds.End, prev, SwitchExit)
	}

	panicFn(errExitedThreadResumed)
}

// InvokeScheduler is called by the timer interrupt handler and performs at
// most one context switch. Ticks that arrive while the scheduler lock is held
// are dropped.
func InvokeScheduler() {
	flags := suspendInterruptsFn()
	if !activeLock.TryToAcquire() {
		restoreInterruptsFn(flags)
		return
	}

	sp, bounds, prev, ok := activeScheduler().schedule()
	activeLock.Release()

	if ok {
		switchToFn(sp, bounds.Start, bounds.End, prev, SwitchPaused)
	}
	restoreInterruptsFn(flags)
}

// switchCompleted is called by switchTo on the incoming thread's stack.
func switchCompleted(savedSP uintptr, prev ID, reason SwitchReason) {
	With(func(s *Scheduler) { s.addPausedThread(savedSP, prev, reason) })
}

// threadStart is called by threadTrampoline when a thread runs for the first
// time.
func threadStart() {
	var entry Entry
	With(func(s *Scheduler) { entry = s.takeEntry() })

	entry.run()
	Exit()
}
