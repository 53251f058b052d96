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

package sched

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/aejsmith/kiwi-go/pkg/arch"
	"github.com/aejsmith/kiwi-go/pkg/kconfig"
	"github.com/aejsmith/kiwi-go/pkg/kernel/thread"
)

// cpu is one logical CPU's ready queues and dispatch state.
type cpu struct {
	id     arch.CPUID
	perCPU *arch.PerCPU

	mu    sync.Mutex
	cond  *sync.Cond
	bands [kconfig.PriorityBands][]*schedEntry

	// current is the entry most recently dispatched on this CPU, read
	// by the timeslice ticker to decide whether to raise
	// should_preempt (§4.2).
	current *schedEntry

	reapCh chan *thread.Thread
}

// popNext returns the head of the highest-priority non-empty band,
// blocking until one is available or stopped reports true.
func (c *cpu) popNext(stopped *atomic.Bool) *schedEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	for {
		for band := 0; band < kconfig.PriorityBands; band++ {
			if len(c.bands[band]) > 0 {
				e := c.bands[band][0]
				c.bands[band] = c.bands[band][1:]
				return e
			}
		}
		if stopped.Load() {
			return nil
		}
		c.cond.Wait()
	}
}

// runLoop is this CPU's dispatch loop: pop the next ready entry and
// let it run by signaling its runCh, round-robin within a band and
// strict priority across bands.
func (c *cpu) runLoop(stopped *atomic.Bool) {
	for {
		e := c.popNext(stopped)
		if e == nil {
			return
		}
		c.mu.Lock()
		c.current = e
		c.mu.Unlock()
		e.runCh <- struct{}{}
	}
}

// tickLoop raises should_preempt on this CPU once per timeslice while
// a thread is current, implementing §4.2's "timer tick decrements
// slice; on zero, should_preempt is set."  Honoring it is the
// current thread's job, at kernel exit or enable_preempt (§4.1).
func (c *cpu) tickLoop(timeslice time.Duration, done <-chan struct{}) {
	if timeslice <= 0 {
		return
	}
	ticker := time.NewTicker(timeslice)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			c.mu.Lock()
			cur := c.current
			c.mu.Unlock()
			if cur != nil {
				c.perCPU.SetShouldPreempt()
			}
		}
	}
}
