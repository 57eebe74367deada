package kmain

import (
	"bytes"
	"encoding/binary"
	"strings"
	"testing"
	"threados/kernel"
	"threados/kernel/kfmt"
	"threados/kernel/mm"
	"threados/kernel/sync"
	"threados/kernel/thread"
	"unsafe"
)

// bootInfo keeps the most recently built multiboot block reachable.
var bootInfo []uint64

// makeBootInfo builds a multiboot2 info block containing a command line tag
// and a memory map tag with the given (addr, len, type) triplets.
func makeBootInfo(cmdLine string, regions ...[3]uint64) uintptr {
	var buf []byte
	u32 := func(v uint32) {
		var tmp [4]byte
		binary.LittleEndian.PutUint32(tmp[:], v)
		buf = append(buf, tmp[:]...)
	}
	u64 := func(v uint64) {
		var tmp [8]byte
		binary.LittleEndian.PutUint64(tmp[:], v)
		buf = append(buf, tmp[:]...)
	}

	u32(0)
	u32(0)

	// command line tag
	u32(1)
	u32(uint32(8 + len(cmdLine) + 1))
	buf = append(buf, cmdLine...)
	buf = append(buf, 0)
	for len(buf)%8 != 0 {
		buf = append(buf, 0)
	}

	// memory map tag
	u32(6)
	u32(uint32(16 + 24*len(regions)))
	u32(24)
	u32(0)
	for _, r := range regions {
		u64(r[0])
		u64(r[1])
		u32(uint32(r[2]))
		u32(0)
	}

	// end tag
	u32(0)
	u32(8)
	binary.LittleEndian.PutUint32(buf, uint32(len(buf)))

	bootInfo = make([]uint64, (len(buf)+7)/8)
	for i, v := range buf {
		bootInfo[i/8] |= uint64(v) << (8 * uint(i%8))
	}
	return uintptr(unsafe.Pointer(&bootInfo[0]))
}

type fakeKernel struct {
	entries        []func()
	closures       []func()
	createErr      *kernel.Error
	registered     int
	registeredIdle int
	schedulerInits int
	exits          int
	yields         int
	blocks         int
	halts          int
	woken          []thread.ID
	currentID      thread.ID
	lastStackPages uint64
}

func setupFakeKernel(t *testing.T) (*fakeKernel, func()) {
	fk := &fakeKernel{}

	origPanic := panicFn
	origHalt := haltFn
	origInitScheduler := initSchedulerFn
	origCreate := createFn
	origCreateClosure := createClosureFn
	origRegister := registerFn
	origRegisterIdle := registerIdleFn
	origCurrentID := currentIDFn
	origYield := yieldFn
	origBlock := blockFn
	origWake := wakeFn
	origExit := exitFn

	panicFn = func(e interface{}) { panic(e) }
	haltFn = func() { fk.halts++ }
	initSchedulerFn = func() { fk.schedulerInits++ }
	createFn = func(entry func(), pages uint64, _ thread.Mapper, _ mm.FrameAllocator) (*thread.Thread, *kernel.Error) {
		if fk.createErr != nil {
			return nil, fk.createErr
		}
		fk.entries = append(fk.entries, entry)
		fk.lastStackPages = pages
		return &thread.Thread{}, nil
	}
	createClosureFn = func(fn func(), pages uint64, _ thread.Mapper, _ mm.FrameAllocator) (*thread.Thread, *kernel.Error) {
		fk.closures = append(fk.closures, fn)
		return &thread.Thread{}, nil
	}
	registerFn = func(_ *thread.Thread) { fk.registered++ }
	registerIdleFn = func(_ *thread.Thread) { fk.registeredIdle++ }
	currentIDFn = func() thread.ID { return fk.currentID }
	yieldFn = func() { fk.yields++ }
	blockFn = func() { fk.blocks++ }
	wakeFn = func(id thread.ID) { fk.woken = append(fk.woken, id) }
	exitFn = func() { fk.exits++ }

	return fk, func() {
		panicFn = origPanic
		haltFn = origHalt
		initSchedulerFn = origInitScheduler
		createFn = origCreate
		createClosureFn = origCreateClosure
		registerFn = origRegister
		registerIdleFn = origRegisterIdle
		currentIDFn = origCurrentID
		yieldFn = origYield
		blockFn = origBlock
		wakeFn = origWake
		exitFn = origExit
		sync.SetYieldFunc(nil)
	}
}

func runKmain(t *testing.T, infoPtr uintptr) (fatal interface{}) {
	defer func() {
		fatal = recover()
	}()

	Kmain(infoPtr, 0x100000, 0x102000)
	t.Fatal("expected Kmain to end with a call to panicFn")
	return nil
}

func TestKmain(t *testing.T) {
	fk, restore := setupFakeKernel(t)
	defer restore()

	infoPtr := makeBootInfo("threads=2 stackpages=8",
		[3]uint64{0, 0x9fc00, 1},
		[3]uint64{0x9fc00, 0x400, 2},
		[3]uint64{0x100000, 0x400000, 1},
	)

	if got := runKmain(t, infoPtr); got != errKmainReturned {
		t.Fatalf("expected Kmain to panic with errKmainReturned; got %v", got)
	}

	if fk.schedulerInits != 1 {
		t.Errorf("expected the scheduler to be initialized once; got %d", fk.schedulerInits)
	}

	if fk.registeredIdle != 1 {
		t.Errorf("expected one idle thread; got %d", fk.registeredIdle)
	}

	// 2 workers plus the waiter/notifier pair
	if fk.registered != 4 {
		t.Errorf("expected 4 registered threads; got %d", fk.registered)
	}

	if fk.lastStackPages != 8 {
		t.Errorf("expected worker stacks with 8 pages; got %d", fk.lastStackPages)
	}

	if fk.exits != 1 {
		t.Errorf("expected the root thread to exit once; got %d", fk.exits)
	}

	// the kernel image occupies frames 0x100 and 0x101
	frame, err := frameAllocator.AllocFrame()
	if err != nil {
		t.Fatal(err)
	}
	if frame != 0 {
		t.Errorf("expected first free frame to be 0; got %d", frame)
	}
	for i := 0; i < 0x9f; i++ {
		if frame, err = frameAllocator.AllocFrame(); err != nil {
			t.Fatal(err)
		}
	}
	if exp := mm.Frame(0x102); frame != exp {
		t.Errorf("expected allocation to skip to frame %d after low memory and the kernel; got %d", exp, frame)
	}
}

func TestKmainErrors(t *testing.T) {
	fk, restore := setupFakeKernel(t)
	defer restore()

	t.Run("bad memory map", func(t *testing.T) {
		infoPtr := makeBootInfo("",
			[3]uint64{0x200000, 0x100000, 1},
			[3]uint64{0x100000, 0x100000, 1},
		)

		err, ok := runKmain(t, infoPtr).(*kernel.Error)
		if !ok || err.Module != "pmm" {
			t.Fatalf("expected a pmm error; got %v", err)
		}
	})

	t.Run("thread creation failure", func(t *testing.T) {
		expErr := &kernel.Error{Module: "test", Message: "no stack"}
		fk.createErr = expErr
		defer func() { fk.createErr = nil }()

		if got := runKmain(t, makeBootInfo("", [3]uint64{0x100000, 0x400000, 1})); got != expErr {
			t.Fatalf("expected %v; got %v", expErr, got)
		}
	})
}

func TestParseBootConfig(t *testing.T) {
	var buf bytes.Buffer
	kfmt.SetOutputSink(&buf)
	defer kfmt.SetOutputSink(nil)

	specs := []struct {
		cmdLine   map[string]string
		exp       bootConfig
		expOutput string
	}{
		{
			map[string]string{},
			bootConfig{workers: workerThreads, stackPages: thread.DefaultStackPages},
			"",
		},
		{
			map[string]string{"threads": "5", "stackpages": "2"},
			bootConfig{workers: 5, stackPages: 2},
			"",
		},
		{
			map[string]string{"threads": "0"},
			bootConfig{workers: 0, stackPages: thread.DefaultStackPages},
			"",
		},
		{
			map[string]string{"threads": "lots", "stackpages": "0"},
			bootConfig{workers: workerThreads, stackPages: thread.DefaultStackPages},
			"[kmain] ignoring invalid threads value lots\n[kmain] ignoring invalid stackpages value 0\n",
		},
		{
			map[string]string{"threads": "1000", "stackpages": "-1"},
			bootConfig{workers: workerThreads, stackPages: thread.DefaultStackPages},
			"[kmain] ignoring invalid threads value 1000\n[kmain] ignoring invalid stackpages value -1\n",
		},
	}

	for specIndex, spec := range specs {
		buf.Reset()

		if got := parseBootConfig(spec.cmdLine); got != spec.exp {
			t.Errorf("[spec %d] expected config %+v; got %+v", specIndex, spec.exp, got)
		}

		if got := buf.String(); got != spec.expOutput {
			t.Errorf("[spec %d] expected output %q; got %q", specIndex, spec.expOutput, got)
		}
	}
}

func TestThreadBodies(t *testing.T) {
	fk, restore := setupFakeKernel(t)
	defer restore()

	var buf bytes.Buffer
	kfmt.SetOutputSink(&buf)
	defer kfmt.SetOutputSink(nil)

	if err := startThreads(bootConfig{workers: 1, stackPages: 1}, nil); err != nil {
		t.Fatal(err)
	}

	// entries[0] is the idle loop, entries[1] the worker
	if len(fk.entries) != 2 || len(fk.closures) != 2 {
		t.Fatalf("expected 2 function and 2 closure threads; got %d and %d", len(fk.entries), len(fk.closures))
	}

	t.Run("worker", func(t *testing.T) {
		buf.Reset()
		fk.yields = 0
		fk.currentID = 2

		fk.entries[1]()

		if fk.yields != 3 {
			t.Errorf("expected worker to yield 3 times; got %d", fk.yields)
		}

		if exp := "[kmain] thread 2: iteration 0\n[kmain] thread 2: iteration 1\n[kmain] thread 2: iteration 2\n"; buf.String() != exp {
			t.Errorf("expected output %q; got %q", exp, buf.String())
		}
	})

	t.Run("waiter and notifier", func(t *testing.T) {
		buf.Reset()
		fk.currentID = 7

		fk.closures[0]()
		if fk.blocks != 1 {
			t.Errorf("expected waiter to block once; got %d", fk.blocks)
		}

		fk.closures[1]()
		if len(fk.woken) != 1 || fk.woken[0] != (&thread.Thread{}).ID() {
			t.Errorf("expected notifier to wake the waiter; got %v", fk.woken)
		}

		got := buf.String()
		for _, exp := range []string{
			"thread 7: waiting for wake signal\n",
			"thread 7: woken up\n",
			"thread 7: waking thread 0\n",
		} {
			if !strings.Contains(got, exp) {
				t.Errorf("expected output to contain %q; got:\n%s", exp, got)
			}
		}
	})

	t.Run("idle", func(t *testing.T) {
		type stopIdle struct{}

		fk.yields = 0
		haltFn = func() {
			if fk.halts++; fk.halts == 3 {
				panic(stopIdle{})
			}
		}

		func() {
			defer func() {
				if _, ok := recover().(stopIdle); !ok {
					t.Fatal("expected idle loop to be stopped by the halt mock")
				}
			}()
			fk.entries[0]()
		}()

		if fk.yields != 2 {
			t.Errorf("expected idle loop to yield after each halt; got %d yields", fk.yields)
		}
	})
}
