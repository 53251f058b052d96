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

// Package sched is the per-CPU scheduler (C-SCHED, §4.2): ready queues
// partitioned by priority band, round-robin within a band, timeslice
// preemption, and the per-CPU reaper that drops the scheduler's
// ownership reference on a DEAD thread.
//
// Each kernel thread is already its own goroutine (pkg/kernel/thread's
// design note); this package does not multiplex goroutines onto a
// single OS thread the way a bare-metal scheduler multiplexes register
// state onto a single core. What it does model faithfully is the
// *ordering* contract: a thread that calls Yield or Preempt blocks
// until the scheduler's dispatch loop for its CPU pops it back off the
// ready queue, so band priority and round-robin fairness are real, but
// two threads assigned to the same CPU can still both be making
// progress in their own goroutines between dispatches. See DESIGN.md.
package sched

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/aejsmith/kiwi-go/pkg/arch"
	"github.com/aejsmith/kiwi-go/pkg/kconfig"
	"github.com/aejsmith/kiwi-go/pkg/kernel/thread"
	"github.com/aejsmith/kiwi-go/pkg/klog"
)

// schedEntry is the scheduler's private bookkeeping for one thread,
// keyed by thread id for the lifetime of the thread (§4.2's "implicit
// reference" a running thread holds is the Retain Run adds; this
// entry is just the queueing/signaling state, not a reference).
type schedEntry struct {
	thread *thread.Thread
	runCh  chan struct{}
	cpu    *cpu
}

// Scheduler implements thread.Scheduler (Enqueue, Reap) and
// thread.Switch (Reschedule).
type Scheduler struct {
	cpus []*cpu

	mu      sync.Mutex
	entries map[uint32]*schedEntry

	rrCounter uint64
	stopped   atomic.Bool
	doneCh    chan struct{}

	reapCancel context.CancelFunc
	reapGroup  *errgroup.Group
}

// NewScheduler builds a scheduler with cfg.NumCPUs logical CPUs, each
// with its own ready queues, dispatch loop, timeslice ticker, and
// reaper goroutine (the last supervised by an errgroup so a reaper
// panic or error surfaces instead of silently wedging a CPU).
func NewScheduler(cfg kconfig.Config) *Scheduler {
	numCPUs := cfg.NumCPUs
	if numCPUs < 1 {
		numCPUs = 1
	}

	s := &Scheduler{
		entries: make(map[uint32]*schedEntry),
		doneCh:  make(chan struct{}),
	}

	for i := 0; i < numCPUs; i++ {
		c := &cpu{
			id:     arch.CPUID(i),
			perCPU: arch.NewPerCPU(arch.CPUID(i), 0),
			reapCh: make(chan *thread.Thread, 64),
		}
		c.cond = sync.NewCond(&c.mu)
		s.cpus = append(s.cpus, c)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.reapCancel = cancel
	g, gctx := errgroup.WithContext(ctx)
	s.reapGroup = g

	for _, c := range s.cpus {
		c := c
		go c.runLoop(&s.stopped)
		go c.tickLoop(cfg.Timeslice, s.doneCh)
		g.Go(func() error { return s.reapLoop(gctx, c) })
	}

	return s
}

// NumCPUs returns the number of logical CPUs this scheduler manages.
func (s *Scheduler) NumCPUs() int { return len(s.cpus) }

// PerCPU returns the arch.PerCPU block for id, or nil if id is not
// managed by this scheduler.
func (s *Scheduler) PerCPU(id arch.CPUID) *arch.PerCPU {
	for _, c := range s.cpus {
		if c.id == id {
			return c.perCPU
		}
	}
	return nil
}

func (s *Scheduler) entryFor(t *thread.Thread) *schedEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[t.ID()]
	if !ok {
		e = &schedEntry{thread: t, runCh: make(chan struct{}, 1)}
		s.entries[t.ID()] = e
	}
	return e
}

func (s *Scheduler) removeEntry(id uint32) {
	s.mu.Lock()
	delete(s.entries, id)
	s.mu.Unlock()
}

func (s *Scheduler) pickCPU() *cpu {
	n := atomic.AddUint64(&s.rrCounter, 1)
	return s.cpus[int(n)%len(s.cpus)]
}

func clampBand(p int) int {
	if p < 0 {
		return 0
	}
	if p >= kconfig.PriorityBands {
		return kconfig.PriorityBands - 1
	}
	return p
}

// Enqueue places a READY thread on a runqueue, implementing
// thread.Scheduler. A wired thread keeps the CPU it was already
// assigned; an unwired thread is (re-)assigned round-robin, modeling
// load balancing across CPUs (§4.2: "threads with wired>0 do not
// migrate").
func (s *Scheduler) Enqueue(t *thread.Thread) {
	e := s.entryFor(t)

	s.mu.Lock()
	if e.cpu == nil || t.Wired() == 0 {
		e.cpu = s.pickCPU()
	}
	c := e.cpu
	s.mu.Unlock()

	curr, _ := t.Priority()
	band := clampBand(curr)

	c.mu.Lock()
	c.bands[band] = append(c.bands[band], e)
	c.mu.Unlock()
	c.cond.Signal()
}

// Reschedule implements thread.Switch: it blocks the calling thread
// until this CPU's dispatch loop pops it back off the ready queue.
func (s *Scheduler) Reschedule(t *thread.Thread) {
	e := s.entryFor(t)
	<-e.runCh
}

// Reap hands a DEAD thread to its CPU's reaper, implementing
// thread.Scheduler. Never blocks the caller (Exit): a full reaper
// channel falls back to an ad hoc goroutine rather than stalling.
func (s *Scheduler) Reap(t *thread.Thread) {
	e := s.entryFor(t)
	c := e.cpu
	if c == nil {
		c = s.cpus[0]
	}

	select {
	case c.reapCh <- t:
	default:
		klog.Warningf("sched: reaper queue full for cpu %d, reaping thread %d on a separate goroutine", c.id, t.ID())
		go func() {
			t.Release()
			s.removeEntry(t.ID())
		}()
	}
}

func (s *Scheduler) reapLoop(ctx context.Context, c *cpu) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case t := <-c.reapCh:
			t.Release()
			s.removeEntry(t.ID())
		}
	}
}

// Stop halts all dispatch loops, timeslice tickers, and reapers, and
// waits for the reaper goroutines to exit.
func (s *Scheduler) Stop() {
	if !s.stopped.CompareAndSwap(false, true) {
		return
	}
	close(s.doneCh)
	for _, c := range s.cpus {
		c.mu.Lock()
		c.cond.Broadcast()
		c.mu.Unlock()
	}
	s.reapCancel()
	s.reapGroup.Wait() //nolint:errcheck // reapLoop never returns a non-nil error
}
