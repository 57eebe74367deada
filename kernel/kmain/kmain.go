// Package kmain contains the kernel bring-up sequence. It sets up the physical
// frame allocator from the boot memory map, installs the thread scheduler and
// starts the initial set of kernel threads.
package kmain

import (
	"strconv"
	"threados/kernel"
	"threados/kernel/cpu"
	"threados/kernel/kfmt"
	"threados/kernel/mm"
	"threados/kernel/mm/pmm"
	"threados/kernel/mm/vmm"
	"threados/kernel/sync"
	"threados/kernel/thread"
	"threados/multiboot"
)

const (
	// workerThreads is the number of worker threads started at boot
	// unless overridden by the threads= boot flag.
	workerThreads = 3

	// maxWorkerThreads caps the threads= boot flag.
	maxWorkerThreads = 32

	// idleStackPages is the stack size of the idle thread.
	idleStackPages = uint64(1)
)

var (
	errKmainReturned = &kernel.Error{Module: "kmain", Message: "Kmain returned"}

	// frameAllocator hands out physical frames for thread stacks and page
	// tables.
	frameAllocator pmm.RegionAllocator

	// consoleLock serializes output from worker threads.
	consoleLock sync.Spinlock

	// mapper maps thread stack pages into the active address space.
	mapper thread.Mapper = vmm.Mapper{}

	// The following functions are mocked by tests and are automatically
	// inlined by the compiler.
	panicFn         = kfmt.Panic
	haltFn          = cpu.Halt
	initSchedulerFn = func() { thread.Init(thread.NewScheduler()) }
	createFn        = thread.Create
	createClosureFn = thread.CreateFromClosure
	registerFn      = thread.Register
	registerIdleFn  = thread.RegisterIdle
	currentIDFn     = thread.CurrentID
	yieldFn         = thread.Yield
	blockFn         = thread.Block
	wakeFn          = thread.Wake
	exitFn          = thread.Exit
)

// bootConfig holds the tunables that can be set from the kernel command line.
type bootConfig struct {
	workers    int
	stackPages uint64
}

// Kmain is the only Go symbol that is visible (exported) from the rt0 initialization
// code. This function is invoked by the rt0 assembly code after setting up the GDT,
// the page tables and a minimal g0 struct that allows Go code to run on the boot stack.
//
// The rt0 code passes the address of the multiboot info payload provided by the
// bootloader as well as the physical addresses for the kernel start/end.
//
// Kmain starts the scheduler and then exits the root thread. It is not expected
// to return. If it does, the rt0 code will halt the CPU.
//
//go:noinline
func Kmain(multibootInfoPtr, kernelStart, kernelEnd uintptr) {
	multiboot.SetInfoPtr(multibootInfoPtr)

	var err *kernel.Error
	if err = initFrameAllocator(kernelStart, kernelEnd); err != nil {
		panicFn(err)
		return
	}
	frameAllocator.PrintMemoryMap()

	cfg := parseBootConfig(multiboot.GetBootCmdLine())

	initSchedulerFn()
	sync.SetYieldFunc(yieldFn)

	if err = startThreads(cfg, &frameAllocator); err != nil {
		panicFn(err)
		return
	}

	kfmt.Printf("[kmain] started %d worker threads; root thread exiting\n", cfg.workers)
	exitFn()

	// Use panicFn instead of panic to prevent the compiler from
	// treating kfmt.Panic as dead-code and eliminating it.
	panicFn(errKmainReturned)
}

// initFrameAllocator registers every available memory region reported by the
// boot loader with the frame allocator.
func initFrameAllocator(kernelStart, kernelEnd uintptr) *kernel.Error {
	var err *kernel.Error

	frameAllocator.Init(kernelStart, kernelEnd)
	multiboot.VisitMemRegions(func(region *multiboot.MemoryMapEntry) bool {
		if region.Type != multiboot.MemAvailable {
			return true
		}

		err = frameAllocator.AddRegion(uintptr(region.PhysAddress), uintptr(region.Length))
		return err == nil
	})

	return err
}

// parseBootConfig extracts the thread tunables from the kernel command line.
// Invalid values are reported and replaced by their defaults.
func parseBootConfig(cmdLine map[string]string) bootConfig {
	cfg := bootConfig{
		workers:    workerThreads,
		stackPages: thread.DefaultStackPages,
	}

	if v, ok := cmdLine["threads"]; ok {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 || n > maxWorkerThreads {
			kfmt.Printf("[kmain] ignoring invalid threads value %s\n", v)
		} else {
			cfg.workers = n
		}
	}

	if v, ok := cmdLine["stackpages"]; ok {
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil || n == 0 {
			kfmt.Printf("[kmain] ignoring invalid stackpages value %s\n", v)
		} else {
			cfg.stackPages = n
		}
	}

	return cfg
}

// startThreads creates and registers the idle thread, the worker threads and
// a waiter/notifier pair that exercises blocking.
func startThreads(cfg bootConfig, frames mm.FrameAllocator) *kernel.Error {
	idle, err := createFn(idleLoop, idleStackPages, mapper, frames)
	if err != nil {
		return err
	}
	registerIdleFn(idle)

	for i := 0; i < cfg.workers; i++ {
		w, err := createFn(worker, cfg.stackPages, mapper, frames)
		if err != nil {
			return err
		}
		registerFn(w)
	}

	waiter, err := createClosureFn(func() {
		printLocked("[kmain] thread %d: waiting for wake signal\n", uint64(currentIDFn()))
		blockFn()
		printLocked("[kmain] thread %d: woken up\n", uint64(currentIDFn()))
	}, cfg.stackPages, mapper, frames)
	if err != nil {
		return err
	}

	waiterID := waiter.ID()
	notifier, err := createClosureFn(func() {
		printLocked("[kmain] thread %d: waking thread %d\n", uint64(currentIDFn()), uint64(waiterID))
		wakeFn(waiterID)
	}, cfg.stackPages, mapper, frames)
	if err != nil {
		return err
	}

	registerFn(waiter)
	registerFn(notifier)
	return nil
}

// idleLoop runs when no other thread is ready. It halts the CPU until the
// next interrupt and then gives the scheduler a chance to run a woken thread.
func idleLoop() {
	for {
		haltFn()
		yieldFn()
	}
}

// worker prints its thread ID id+1 times, yielding between prints, and then
// returns which terminates the thread.
func worker() {
	id := uint64(currentIDFn())
	for i := uint64(0); i <= id; i++ {
		printLocked("[kmain] thread %d: iteration %d\n", id, i)
		yieldFn()
	}
}

func printLocked(format string, args ...interface{}) {
	consoleLock.Acquire()
	kfmt.Printf(format, args...)
	consoleLock.Release()
}
