// Copyright 2018 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package thread

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/aejsmith/kiwi-go/pkg/arch"
	"github.com/aejsmith/kiwi-go/pkg/errs"
	"github.com/aejsmith/kiwi-go/pkg/klog"
)

// Owner is the process (or other container) that a thread belongs to.
// Defined here rather than imported from pkg/kernel/proc to avoid an
// import cycle: proc.Process implements this interface.
type Owner interface {
	// OnThreadExit is called once, synchronously, when one of the
	// owner's threads reaches DEAD.
	OnThreadExit(t *Thread)
}

// Scheduler is the seam C-THR calls through to hand a READY thread
// back to per-CPU runqueue bookkeeping (C-SCHED). Defined here to
// avoid an import cycle: pkg/kernel/sched implements it.
type Scheduler interface {
	// Enqueue places a READY thread on a runqueue. Called by Wake and
	// by Run for a thread's first transition out of CREATED.
	Enqueue(t *Thread)

	// Reap hands a DEAD thread to the per-CPU reaper, which
	// eventually releases the scheduler-ownership reference Run
	// added (§3, §4.2). Asynchronous: Reap must not block Exit.
	Reap(t *Thread)
}

// EntryFunc is a kernel thread's body.
type EntryFunc func(arg1, arg2 uintptr)

// Thread is a kernel thread object (§3).
type Thread struct {
	id   uint32
	name string

	mu sync.Mutex

	owner Owner
	sched Scheduler

	state State
	flags flagBits

	basePriority int
	currPriority int

	wired           int32
	preemptDisabled int32

	lastRun    time.Time
	kernelTime time.Duration
	userTime   time.Duration

	ctx *arch.Context

	// waitLock is the external lock protecting whatever list this
	// thread is queued on while SLEEPING, recorded so Interrupt and
	// the sleep timer can acquire it before the thread lock, per the
	// wait-lock -> thread-lock ordering (§5, glossary).
	waitLock   sync.Locker
	waitName   string
	sleepTimer *time.Timer

	sleepStatus errs.Status
	resumeCh    chan errs.Status

	signals signalState

	refCount atomic.Int32
	regRef   *Registry

	deathNotifiers []func(*Thread)
	deathFired     bool

	entry     EntryFunc
	entryArg1 uintptr
	entryArg2 uintptr
	isKernel  bool
}

// Registry is the global id -> Thread table (§4.1 lookup). A real
// kernel issues ids from a bitmap sized to its max thread count; here
// maxID bounds the space so THREAD_LIMIT is reachable in tests
// without allocating billions of ids.
type Registry struct {
	mu     sync.Mutex
	byID   map[uint32]*Thread
	nextID uint32
	maxID  uint32
}

func newRegistry(maxID uint32) *Registry {
	return &Registry{byID: make(map[uint32]*Thread), maxID: maxID}
}

// Default is the process-wide thread Registry. Tests that need
// THREAD_LIMIT behavior construct their own Registry via NewRegistry
// instead of exhausting the default one.
var Default = newRegistry(1 << 20)

// NewRegistry constructs an independent Registry, primarily for tests
// that want to exercise id exhaustion without a billion allocations.
func NewRegistry(maxID uint32) *Registry { return newRegistry(maxID) }

func (r *Registry) alloc(t *Thread) (uint32, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := uint32(0); i < r.maxID; i++ {
		id := r.nextID
		r.nextID++
		if r.nextID >= r.maxID {
			r.nextID = 0
		}
		if _, exists := r.byID[id]; !exists {
			r.byID[id] = t
			return id, nil
		}
	}
	return 0, errs.THREAD_LIMIT
}

func (r *Registry) remove(id uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byID, id)
}

// Lookup returns the thread with id, or nil for CREATED and DEAD
// threads, or for an id that is not live (§4.1).
func (r *Registry) Lookup(id uint32) *Thread {
	r.mu.Lock()
	t, ok := r.byID[id]
	r.mu.Unlock()
	if !ok {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == Created || t.state == Dead {
		return nil
	}
	return t
}

// Create allocates a new thread in CREATED state with one reference
// (the caller's). Fails with THREAD_LIMIT if the id space is
// exhausted (§4.1, §8 scenario 5): no partially-initialized thread is
// left behind.
func Create(reg *Registry, sched Scheduler, name string, owner Owner, isKernel bool, fn EntryFunc, arg1, arg2 uintptr, fpuAreaSize int) (*Thread, error) {
	if reg == nil {
		reg = Default
	}
	t := &Thread{
		name:         name,
		owner:        owner,
		sched:        sched,
		state:        Created,
		basePriority: 16,
		currPriority: 16,
		ctx:          arch.NewContext(fpuAreaSize),
		entry:        fn,
		entryArg1:    arg1,
		entryArg2:    arg2,
		isKernel:     isKernel,
	}
	t.refCount.Store(1)
	id, err := reg.alloc(t)
	if err != nil {
		return nil, err
	}
	t.id = id
	t.regRef = reg
	return t, nil
}

// ID returns the thread's identity.
func (t *Thread) ID() uint32 { return t.id }

// Name returns the thread's informational name.
func (t *Thread) Name() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.name
}

// SetName renames the thread, e.g. to the exec path after Process.Reset
// (§4.6) replaces the running image.
func (t *Thread) SetName(name string) {
	t.mu.Lock()
	t.name = name
	t.mu.Unlock()
}

// State returns the current lifecycle state.
func (t *Thread) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Flags returns a snapshot of the flag bits.
func (t *Thread) Flags() Flags { return t.flags.snapshot() }

// Context returns the thread's saved architectural register state.
func (t *Thread) Context() *arch.Context { return t.ctx }

// Priority returns the current (possibly boosted) and base priority.
func (t *Thread) Priority() (current, base int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.currPriority, t.basePriority
}

// Retain adds a reference. Callers that hold a Thread pointer outside
// the scheduler/owner must call Retain before storing it and Release
// when done (§3, §5).
func (t *Thread) Retain() *Thread {
	for {
		old := t.refCount.Load()
		if old <= 0 {
			klog.Panicf("thread: Retain on a thread with refCount %d", old)
		}
		if t.refCount.CompareAndSwap(old, old+1) {
			return t
		}
	}
}

// Release drops a reference. Destruction happens only once refCount
// reaches zero AND the thread is CREATED or DEAD (§3): a live,
// scheduled thread can never be destroyed out from under the
// scheduler even if every external handle is released.
func (t *Thread) Release() {
	for {
		old := t.refCount.Load()
		if old <= 0 {
			klog.Panicf("thread: Release underflow on thread %d", t.id)
		}
		if t.refCount.CompareAndSwap(old, old-1) {
			if old-1 == 0 {
				t.maybeDestroy()
			}
			return
		}
	}
}

func (t *Thread) maybeDestroy() {
	t.mu.Lock()
	state := t.state
	reg := t.regRef
	t.mu.Unlock()
	if state != Created && state != Dead {
		return
	}
	if reg != nil {
		reg.remove(t.id)
	}
}

// NotifyOnDeath registers fn to run exactly once when the thread
// reaches DEAD (§3, §7: notifiers must be idempotent; the death
// notifier list itself only ever fires once per registrant).
func (t *Thread) NotifyOnDeath(fn func(*Thread)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == Dead {
		t.mu.Unlock()
		fn(t)
		t.mu.Lock()
		return
	}
	t.deathNotifiers = append(t.deathNotifiers, fn)
}

func (t *Thread) fireDeathNotifiers() {
	t.mu.Lock()
	if t.deathFired {
		t.mu.Unlock()
		return
	}
	t.deathFired = true
	notifiers := t.deathNotifiers
	t.deathNotifiers = nil
	t.mu.Unlock()

	for _, fn := range notifiers {
		fn(t)
	}
}
