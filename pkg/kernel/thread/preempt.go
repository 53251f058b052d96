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

import "github.com/aejsmith/kiwi-go/pkg/klog"

// Switch is the scheduler hook a thread calls into to actually give
// up its CPU slot, letting C-SCHED pick the next READY thread. It is
// separate from Scheduler.Enqueue because Preempt/Yield need a
// synchronous "run something else now" rather than just re-queuing.
type Switch interface {
	// Reschedule blocks the calling thread until the scheduler
	// chooses to run it again. Preempt and Yield call it after
	// releasing the thread lock, since it blocks until the thread is
	// dispatched again.
	Reschedule(t *Thread)
}

// DisablePreempt increments the thread's preempt-disable nesting
// count (§3, §4.1). Must saturate rather than wrap (§9).
func (t *Thread) DisablePreempt() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.preemptDisabled < (1<<31 - 1) {
		t.preemptDisabled++
	}
}

// EnablePreempt decrements the nesting count, re-running Preempt if
// the PREEMPTED flag was set while disabled (§4.1).
func (t *Thread) EnablePreempt(sw Switch) {
	t.mu.Lock()
	if t.preemptDisabled == 0 {
		t.mu.Unlock()
		klog.Panicf("thread: EnablePreempt underflow on thread %d", t.id)
	}
	t.preemptDisabled--
	rerun := t.preemptDisabled == 0 && t.flags.has(Preempted)
	t.mu.Unlock()
	if rerun {
		t.Preempt(sw)
	}
}

// Preempt asks the scheduler to switch away from t. If preemption is
// currently disabled, it records PREEMPTED and returns without
// switching; EnablePreempt will re-run it once the nesting count
// drops to zero (§4.1).
func (t *Thread) Preempt(sw Switch) {
	t.mu.Lock()
	if t.preemptDisabled > 0 {
		t.flags.set(Preempted)
		t.mu.Unlock()
		return
	}
	t.flags.clear(Preempted)
	if t.state == Running {
		t.state = Ready
	}
	t.mu.Unlock()

	if t.sched != nil {
		t.sched.Enqueue(t)
	}
	sw.Reschedule(t)
}

// Yield voluntarily gives up the CPU, re-queuing the thread as READY
// and letting the scheduler pick the next thread to run (§4.1).
func (t *Thread) Yield(sw Switch) {
	t.mu.Lock()
	if t.state == Running {
		t.state = Ready
	}
	t.mu.Unlock()

	if t.sched != nil {
		t.sched.Enqueue(t)
	}
	sw.Reschedule(t)
}

// Wire pins the thread to its current CPU; the scheduler must not
// migrate a thread with Wired()>0 (§3, §4.2).
func (t *Thread) Wire() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.wired++
}

// Unwire releases one wire reference.
func (t *Thread) Unwire() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.wired == 0 {
		klog.Panicf("thread: Unwire underflow on thread %d", t.id)
	}
	t.wired--
}

// Wired reports the current wire count.
func (t *Thread) Wired() int32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.wired
}
