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
	"time"

	"github.com/aejsmith/kiwi-go/pkg/errs"
)

// SleepOptions configures a single Sleep call.
type SleepOptions struct {
	// Lock, if non-nil, is the external spinlock protecting whatever
	// list the caller is about to be queued on (the wait lock,
	// glossary). Sleep unlocks it after recording it and before
	// actually suspending, per the contract in §4.1.
	Lock sync.Locker

	// Timeout is how long to sleep; zero means WOULD_BLOCK
	// immediately, negative blocks indefinitely.
	Timeout time.Duration

	// Name is an informational wait-channel name, surfaced to
	// debuggers.
	Name string

	// Interruptible, if true, allows Interrupt to wake this sleep
	// early with INTERRUPTED, and causes an already-pending
	// INTERRUPTED flag to fail the call immediately.
	Interruptible bool
}

// Sleep implements the §4.1 sleep contract. On return the thread is
// on no wait list and holds no wait lock (§8), regardless of which
// exit path was taken.
func (t *Thread) Sleep(opts SleepOptions) errs.Status {
	if opts.Timeout == 0 {
		return errs.WOULD_BLOCK
	}

	t.mu.Lock()
	if opts.Interruptible && t.flags.testAndClear(Interrupted) {
		t.mu.Unlock()
		return errs.INTERRUPTED
	}

	t.sleepStatus = errs.SUCCESS
	t.waitLock = opts.Lock
	t.waitName = opts.Name
	t.resumeCh = make(chan errs.Status, 1)
	if opts.Interruptible {
		t.flags.set(Interruptible)
	} else {
		t.flags.clear(Interruptible)
	}

	var timer *time.Timer
	if opts.Timeout > 0 {
		timer = time.AfterFunc(opts.Timeout, t.timeoutFire)
		t.sleepTimer = timer
	}
	t.state = Sleeping
	resumeCh := t.resumeCh
	t.mu.Unlock()

	// "drop the wait lock (not restoring IRQ state)": the wait lock is
	// released only after the thread is fully queued as SLEEPING, so
	// a racing Wake/Interrupt that acquires it first always observes
	// a thread that is actually asleep.
	if opts.Lock != nil {
		opts.Lock.Unlock()
	}

	status := <-resumeCh

	t.mu.Lock()
	if t.sleepTimer != nil {
		t.sleepTimer.Stop()
		t.sleepTimer = nil
	}
	t.waitLock = nil
	t.waitName = ""
	t.resumeCh = nil
	t.mu.Unlock()

	return status
}

// timeoutFire runs from the sleep timer, modeling §5's "runs in
// interrupt context, acquires the wait-list lock first, then the
// thread lock" ordering: it takes the recorded wait lock before the
// thread lock, exactly like a real timer interrupt would, so it can
// never race a concurrent list removal under that same wait lock.
func (t *Thread) timeoutFire() {
	t.mu.Lock()
	waitLock := t.waitLock
	t.mu.Unlock()

	if waitLock != nil {
		waitLock.Lock()
	}
	t.mu.Lock()
	if t.state == Sleeping {
		t.sleepStatus = errs.TIMED_OUT
		t.wakeLocked()
	}
	t.mu.Unlock()
	if waitLock != nil {
		waitLock.Unlock()
	}
}

// wakeLocked transitions a SLEEPING thread to READY and hands it back
// to the scheduler. Caller holds t.mu.
func (t *Thread) wakeLocked() {
	if t.state != Sleeping {
		return
	}
	t.state = Ready
	if t.resumeCh != nil {
		select {
		case t.resumeCh <- t.sleepStatus:
		default:
		}
	}
	if t.sched != nil {
		t.sched.Enqueue(t)
	}
}

// Wake wakes a SLEEPING thread with sleepStatus SUCCESS, a no-op on
// any other state.
func (t *Thread) Wake() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == Sleeping {
		t.sleepStatus = errs.SUCCESS
	}
	t.wakeLocked()
}

// Interrupt implements the §4.1 interruption contract. Kernel threads
// cannot be interrupted. Returns true if a sleeper was actually woken.
//
// Lock order: wait-lock -> thread-lock (§5), matching timeoutFire.
func (t *Thread) Interrupt() bool {
	t.mu.Lock()
	if t.isKernel {
		t.mu.Unlock()
		return false
	}
	waitLock := t.waitLock
	t.mu.Unlock()

	if waitLock != nil {
		waitLock.Lock()
	}
	t.mu.Lock()
	var woke bool
	if t.state == Sleeping && t.flags.has(Interruptible) {
		t.sleepStatus = errs.INTERRUPTED
		t.wakeLocked()
		woke = true
	} else {
		t.flags.set(Interrupted)
	}
	t.mu.Unlock()
	if waitLock != nil {
		waitLock.Unlock()
	}
	return woke
}
