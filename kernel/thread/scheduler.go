package thread

import (
	"io"
	"threados/kernel"
	"threados/kernel/kfmt"
)

var (
	// The following functions are mocked by tests.
	activeStackBoundsFn = activeStackBounds

	errDuplicateThread        = &kernel.Error{Module: "thread", Message: "thread already exists"}
	errMissingThread          = &kernel.Error{Module: "thread", Message: "thread does not exist"}
	errNilThread              = &kernel.Error{Module: "thread", Message: "nil thread"}
	errNoSavedStackPointer    = &kernel.Error{Module: "thread", Message: "paused thread has no stack pointer"}
	errStackPointerAlreadySet = &kernel.Error{Module: "thread", Message: "running thread should not have a saved stack pointer"}
	errPausedThreadIsCurrent  = &kernel.Error{Module: "thread", Message: "paused thread is still marked as current"}
	errIdleAlreadySet         = &kernel.Error{Module: "thread", Message: "idle thread should be set only once"}
	errUnknownSwitchReason    = &kernel.Error{Module: "thread", Message: "unknown switch reason"}
)

// idQueue is a FIFO queue of thread IDs.
type idQueue struct {
	ids  []ID
	head int
}

func (q *idQueue) len() int {
	return len(q.ids) - q.head
}

func (q *idQueue) push(id ID) {
	q.ids = append(q.ids, id)
}

func (q *idQueue) pop() (ID, bool) {
	if q.len() == 0 {
		return 0, false
	}

	id := q.ids[q.head]
	q.head++

	// Reclaim the consumed prefix once it dominates the backing array
	if q.head == len(q.ids) {
		q.ids, q.head = q.ids[:0], 0
	} else if q.head > len(q.ids)/2 {
		q.ids, q.head = append(q.ids[:0], q.ids[q.head:]...), 0
	}

	return id, true
}

func (q *idQueue) contains(id ID) bool {
	for _, queued := range q.ids[q.head:] {
		if queued == id {
			return true
		}
	}
	return false
}

// Scheduler owns the thread table and decides which thread runs next. Ready
// threads are served in strict FIFO order; the idle thread only runs when
// nothing else is ready.
//
// Scheduler methods do not synchronize; callers outside this package access
// the active scheduler through With.
type Scheduler struct {
	threads map[ID]*Thread
	current ID

	ready   idQueue
	blocked map[ID]struct{}

	// wakeups holds wake signals that arrived before their target blocked.
	wakeups map[ID]struct{}

	idle    ID
	hasIdle bool

	// rootBounds contains the boot stack bounds used when switching back
	// to the root thread.
	rootBounds StackBounds
}

// NewScheduler returns a scheduler whose table contains only the root
// thread, which is the current thread.
func NewScheduler() *Scheduler {
	lo, hi := activeStackBoundsFn()

	s := &Scheduler{
		threads:    make(map[ID]*Thread),
		current:    RootID,
		blocked:    make(map[ID]struct{}),
		wakeups:    make(map[ID]struct{}),
		rootBounds: StackBounds{Start: lo, End: hi},
	}
	s.threads[RootID] = &Thread{id: RootID}

	return s
}

// CurrentThreadID returns the ID of the running thread.
func (s *Scheduler) CurrentThreadID() ID {
	return s.current
}

// IsBlocked returns true if the thread with the given ID waits for a wake
// signal.
func (s *Scheduler) IsBlocked(id ID) bool {
	_, blocked := s.blocked[id]
	return blocked
}

// ReadyLen returns the number of threads in the ready queue.
func (s *Scheduler) ReadyLen() int {
	return s.ready.len()
}

// ThreadCount returns the number of threads in the thread table, including
// the current and idle threads.
func (s *Scheduler) ThreadCount() int {
	return len(s.threads)
}

// AddNewThread registers a newly created thread and appends it to the ready
// queue.
func (s *Scheduler) AddNewThread(t *Thread) {
	if !s.insert(t) {
		return
	}
	s.ready.push(t.id)
}

// SetIdleThread registers the thread that runs when no other thread is ready.
// It may only be called once.
func (s *Scheduler) SetIdleThread(t *Thread) {
	if s.hasIdle {
		s.fail(errIdleAlreadySet)
		return
	}

	if !s.insert(t) {
		return
	}
	s.idle, s.hasIdle = t.id, true
}

func (s *Scheduler) insert(t *Thread) bool {
	switch {
	case t == nil:
		s.fail(errNilThread)
		return false
	case s.threads[t.id] != nil:
		s.fail(errDuplicateThread)
		return false
	case t.stackPointer == 0:
		s.fail(errNoSavedStackPointer)
		return false
	}

	s.threads[t.id] = t
	return true
}

// Wake delivers a wake signal to the thread with the given ID. A blocked
// thread is appended to the ready queue. For any other thread the signal is
// remembered and consumed the next time that thread blocks. Signals for
// unknown threads and the idle thread are ignored.
func (s *Scheduler) Wake(id ID) {
	if s.threads[id] == nil {
		kfmt.Printf("[thread] ignoring wake signal for unknown thread %d\n", uint64(id))
		return
	}

	if s.hasIdle && id == s.idle {
		return
	}

	if _, blocked := s.blocked[id]; blocked {
		delete(s.blocked, id)
		s.ready.push(id)
		return
	}

	s.wakeups[id] = struct{}{}
}

// consumeWakeup removes a pending wake signal for id and reports whether
// there was one.
func (s *Scheduler) consumeWakeup(id ID) bool {
	if _, pending := s.wakeups[id]; !pending {
		return false
	}
	delete(s.wakeups, id)
	return true
}

// schedule picks the thread to run next and marks it as current. It returns
// the saved stack pointer and stack bounds of the selected thread together
// with the ID of the thread it replaces. The last return value is false if
// there is nothing to switch to.
func (s *Scheduler) schedule() (uintptr, StackBounds, ID, bool) {
	nextID, found := s.ready.pop()
	if !found {
		if !s.hasIdle || s.current == s.idle {
			return 0, StackBounds{}, 0, false
		}
		nextID = s.idle
	}

	next := s.threads[nextID]
	if next == nil {
		s.fail(errMissingThread)
		return 0, StackBounds{}, 0, false
	}

	if next.stackPointer == 0 {
		s.fail(errNoSavedStackPointer)
		return 0, StackBounds{}, 0, false
	}

	sp := next.stackPointer
	next.stackPointer = 0

	prev := s.current
	s.current = nextID

	bounds := s.rootBounds
	if next.bounds != nil {
		bounds = *next.bounds
	}

	return sp, bounds, prev, true
}

// addPausedThread stores the saved stack pointer of a thread that just
// stopped running and files it according to reason. The idle thread is never
// filed; it is only reached when the ready queue is empty.
func (s *Scheduler) addPausedThread(sp uintptr, id ID, reason SwitchReason) {
	t := s.threads[id]
	switch {
	case t == nil:
		s.fail(errMissingThread)
		return
	case id == s.current:
		s.fail(errPausedThreadIsCurrent)
		return
	case t.stackPointer != 0:
		s.fail(errStackPointerAlreadySet)
		return
	}

	t.stackPointer = sp

	if s.hasIdle && id == s.idle {
		return
	}

	switch reason {
	case SwitchPaused, SwitchYield:
		s.ready.push(id)
	case SwitchBlocked:
		s.blocked[id] = struct{}{}
		if s.consumeWakeup(id) {
			delete(s.blocked, id)
			s.ready.push(id)
		}
	case SwitchExit:
		delete(s.threads, id)
		delete(s.wakeups, id)
	default:
		s.fail(errUnknownSwitchReason)
	}
}

// takeEntry returns the entry point of the current thread and clears it so
// it can only run once.
func (s *Scheduler) takeEntry() Entry {
	t := s.threads[s.current]
	if t == nil {
		s.fail(errMissingThread)
		return Entry{}
	}

	entry := t.entry
	t.entry = Entry{}
	return entry
}

// DumpTo writes the scheduler state to w.
func (s *Scheduler) DumpTo(w io.Writer) {
	kfmt.Fprintf(w, "threads: %d, current: %d", len(s.threads), uint64(s.current))
	if s.hasIdle {
		kfmt.Fprintf(w, ", idle: %d", uint64(s.idle))
	}
	kfmt.Fprintf(w, "\n")

	kfmt.Fprintf(w, "ready:")
	for _, id := range s.ready.ids[s.ready.head:] {
		kfmt.Fprintf(w, " %d", uint64(id))
	}
	kfmt.Fprintf(w, "\nblocked:")
	for id := range s.blocked {
		kfmt.Fprintf(w, " %d", uint64(id))
	}
	kfmt.Fprintf(w, "\nwakeups:")
	for id := range s.wakeups {
		kfmt.Fprintf(w, " %d", uint64(id))
	}
	kfmt.Fprintf(w, "\n")

	for id, t := range s.threads {
		kfmt.Fprintf(w, "thread %d: sp=0x%x entry=%s", uint64(id), t.stackPointer, t.entry.String())
		if t.bounds != nil {
			kfmt.Fprintf(w, " stack=[0x%x - 0x%x]", t.bounds.Start, t.bounds.End)
		}
		kfmt.Fprintf(w, "\n")
	}
}

// fail dumps the scheduler state and halts the system.
func (s *Scheduler) fail(err *kernel.Error) {
	w := kfmt.PrefixWriter{Sink: kfmt.GetOutputSink(), Prefix: []byte("[thread] ")}
	s.DumpTo(&w)
	panicFn(err)
}
