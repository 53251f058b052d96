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
	"time"

	"github.com/aejsmith/kiwi-go/pkg/klog"
)

// Run transitions a CREATED thread to READY, adds the reference
// representing scheduler ownership, and starts its body running on
// its own goroutine, which stands in for the thread's private kernel
// stack and register context (§3, §4.1). The goroutine calls Exit
// when the body returns.
func (t *Thread) Run() {
	t.mu.Lock()
	if t.state != Created {
		t.mu.Unlock()
		klog.Panicf("thread: Run on thread %d in state %s, want CREATED", t.id, t.state)
	}
	t.state = Ready
	t.mu.Unlock()

	t.Retain() // scheduler-ownership reference, released by the reaper.

	if t.sched != nil {
		t.sched.Enqueue(t)
	}

	if t.entry != nil {
		go func() {
			t.runOnce()
		}()
	}
}

func (t *Thread) runOnce() {
	t.mu.Lock()
	t.state = Running
	t.lastRun = time.Now()
	t.mu.Unlock()

	t.entry(t.entryArg1, t.entryArg2)
	t.Exit(0)
}

// Exit runs the death notifier, marks the thread DEAD, and hands it
// to the scheduler's reaper (§4.1). exitStatus is accepted for
// thread_exit's signature; it is not stored or interpreted here.
func (t *Thread) Exit(exitStatus int32) {
	t.mu.Lock()
	if t.state == Dead {
		t.mu.Unlock()
		return
	}
	t.state = Dead
	t.ctx = nil // "destroys the arch state and kernel stack"
	t.mu.Unlock()

	t.fireDeathNotifiers()

	if t.owner != nil {
		t.owner.OnThreadExit(t)
	}

	// Hand off to the scheduler's per-CPU reaper, which drops the
	// scheduler-ownership reference Run added (§3, §4.2). A thread
	// with no scheduler attached (isolated unit tests) releases its
	// own reference immediately.
	if t.sched != nil {
		t.sched.Reap(t)
	} else {
		t.Release()
	}
}

// Kill sets KILLED and then interrupts the thread, which wakes an
// interruptible sleep or sets INTERRUPTED (§4.1). Kernel threads cannot
// be interrupted, so for them only KILLED is set. A KILLED thread calls
// Exit on its next return to user mode.
func (t *Thread) Kill() {
	t.mu.Lock()
	t.flags.set(Killed)
	t.mu.Unlock()
	t.Interrupt()
}

// Killed reports whether KILLED is set.
func (t *Thread) Killed() bool { return t.flags.has(Killed) }

// KernelEntry accounts time spent in userland and clears IN_USERMEM
// for the duration of handlers that must not appear as userland
// faults (e.g. an IRQ handler interrupting user code), restored by
// the paired KernelExit-adjacent caller (§4.1, §3 invariant).
func (t *Thread) KernelEntry() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.lastRun.IsZero() {
		t.userTime += time.Since(t.lastRun)
	}
	t.lastRun = time.Now()
	t.flags.clear(InUsermem)
}

// KernelExit accounts kernel time, exits if KILLED, clears
// INTERRUPTED, and reports whether the caller should preempt (§4.1).
// Pending-signal dispatch is the caller's responsibility (it requires
// process-level signal state this package does not own).
func (t *Thread) KernelExit() (shouldPreempt bool) {
	t.mu.Lock()
	if !t.lastRun.IsZero() {
		t.kernelTime += time.Since(t.lastRun)
	}
	t.lastRun = time.Now()
	killed := t.flags.has(Killed)
	t.flags.clear(Interrupted)
	preempted := t.flags.has(Preempted)
	t.mu.Unlock()

	if killed {
		t.Exit(0)
	}
	return preempted
}

// SetInUsermem marks the thread as currently executing user code,
// restored after an IRQ handler runs (§3 invariant).
func (t *Thread) SetInUsermem(v bool) {
	if v {
		t.flags.set(InUsermem)
	} else {
		t.flags.clear(InUsermem)
	}
}

// InUsermem reports the IN_USERMEM flag.
func (t *Thread) InUsermem() bool { return t.flags.has(InUsermem) }

// Times returns accumulated kernel and user CPU time.
func (t *Thread) Times() (kernel, user time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.kernelTime, t.userTime
}
