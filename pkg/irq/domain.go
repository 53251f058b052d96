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

// Package irq is the hierarchical IRQ domain dispatcher (C-IRQ, §4.4):
// a tree of interrupt controllers, each line carrying early (interrupt
// context) and threaded (worker-thread) handlers, with
// reference-counted enable/disable and a per-line worker thread for
// deferred work.
//
// There is no teacher analogue for this component; its vtable-style
// Ops interface and registration pattern follow the device-driver
// idiom in pkg/sentry/devices/ttydev (see DESIGN.md).
package irq

import (
	"context"
	"fmt"

	"golang.org/x/sync/semaphore"

	"github.com/aejsmith/kiwi-go/pkg/arch"
	"github.com/aejsmith/kiwi-go/pkg/errs"
	"github.com/aejsmith/kiwi-go/pkg/kconfig"
	"github.com/aejsmith/kiwi-go/pkg/kernel/thread"
)

// Mode is an IRQ line's trigger mode.
type Mode int

const (
	Level Mode = iota
	Edge
)

// Result is an early handler's verdict for one IRQ.
type Result int

const (
	Unhandled Result = iota
	Handled
	Preempt
	RunThread
)

// EarlyHandler runs in interrupt context and must not sleep.
type EarlyHandler func(data any) Result

// ThreadedHandler runs on the line's worker thread and may sleep.
type ThreadedHandler func(data any)

// Ops is the per-domain operations vtable (§3).
type Ops interface {
	Enable(line int)
	Disable(line int)
	SetMode(line int, mode Mode)
	Mode(line int) Mode

	// Translate resolves (this domain, line) one hop toward a
	// terminal domain. terminal is true when this domain is itself
	// the terminal for line; next/nextLine are only meaningful when
	// terminal is false.
	Translate(line int) (next *Domain, nextLine int, terminal bool)

	// PreHandle is consulted before any handler runs; returning false
	// aborts dispatch for this edge.
	PreHandle(line int) bool

	// PostHandle is told whether the IRQ is being left disabled
	// pending worker completion.
	PostHandle(line int, keepDisabled bool)
}

const maxTranslateHops = 16

// workerConcurrency bounds how many threaded handlers run
// simultaneously across every domain in the kernel, modeling §5's
// "one logical task per CPU" without literally pinning worker
// goroutines to CPUs.
var workerConcurrency = semaphore.NewWeighted(int64(kconfig.Default().IRQWorkerConcurrency))

// SetWorkerConcurrency reconfigures the global threaded-handler
// concurrency limit, normally called once at boot from kconfig.
func SetWorkerConcurrency(n int64) {
	if n < 1 {
		n = 1
	}
	workerConcurrency = semaphore.NewWeighted(n)
}

// Domain is a node in the IRQ-controller hierarchy (§3).
type Domain struct {
	name  string
	ops   Ops
	reg   *thread.Registry
	sched thread.Scheduler

	// lines is fixed at construction; lineState itself owns the
	// mutable state for each line.
	lines []*lineState
}

// NewDomain constructs a domain with lineCount lines, each starting
// disabled. reg and sched are used to create per-line worker threads;
// a nil reg uses thread.Default. With a nil sched, worker threads are
// never placed on a runqueue; their goroutines still start and run
// the worker loop.
func NewDomain(name string, ops Ops, lineCount int, reg *thread.Registry, sched thread.Scheduler) *Domain {
	d := &Domain{name: name, ops: ops, reg: reg, sched: sched}
	d.lines = make([]*lineState, lineCount)
	for i := range d.lines {
		d.lines[i] = &lineState{
			domain:       d,
			line:         i,
			disableCount: 1, // §3: "each IRQ starts disabled (refcount 1)"
			pendingCh:    make(chan struct{}, 4096),
		}
	}
	return d
}

// Name returns the domain's informational name.
func (d *Domain) Name() string { return d.name }

func (d *Domain) lineAt(line int) (*lineState, error) {
	if line < 0 || line >= len(d.lines) {
		return nil, errs.INVALID_ARG
	}
	return d.lines[line], nil
}

// resolve repeatedly translates (d, line) until a terminal domain is
// reached (§4.4).
func (d *Domain) resolve(line int) (*Domain, int, error) {
	cur, curLine := d, line
	for i := 0; i < maxTranslateHops; i++ {
		next, nextLine, terminal := cur.ops.Translate(curLine)
		if terminal {
			return cur, curLine, nil
		}
		if next == nil {
			return nil, 0, errs.INVALID_ARG
		}
		cur, curLine = next, nextLine
	}
	return nil, 0, errs.INVALID_ARG
}

// Register resolves (d, line) to a terminal domain and attaches a new
// handler there (§4.4). If threaded is non-nil and this is the first
// threaded handler on the line, a worker thread named "irq-N" is
// spawned. The first handler registered on a line enables it.
func (d *Domain) Register(line int, early EarlyHandler, threaded ThreadedHandler, data any) (*Handler, error) {
	term, termLine, err := d.resolve(line)
	if err != nil {
		return nil, err
	}
	ls, err := term.lineAt(termLine)
	if err != nil {
		return nil, err
	}
	return ls.register(early, threaded, data)
}

// Unregister removes h from its line. If h was the last threaded
// handler its worker exits and releases its self-reference (§8).
func (d *Domain) Unregister(h *Handler) {
	h.ls.unregister(h)
}

// Handle dispatches one occurrence of line, implementing §4.4's
// handler-list walk. current, if non-nil, is the thread that was
// interrupted; IN_USERMEM is cleared around the call and restored
// after. cpu, if non-nil, is the CPU taking the interrupt; an early
// handler returning Preempt marks it for preemption at kernel exit.
func (d *Domain) Handle(line int, current *thread.Thread, cpu *arch.PerCPU) error {
	ls, err := d.lineAt(line)
	if err != nil {
		return err
	}

	if current != nil {
		wasInUsermem := current.InUsermem()
		current.SetInUsermem(false)
		defer current.SetInUsermem(wasInUsermem)
	}
	if !d.ops.PreHandle(line) {
		return nil
	}

	ls.mu.Lock()
	handlers := append([]*Handler(nil), ls.handlers...)
	mode := ls.mode
	ls.mu.Unlock()

	levelAccepted := false
	pending := 0

early:
	for _, h := range handlers {
		if h.early == nil {
			continue
		}
		switch h.early(h.data) {
		case Unhandled:
		case Handled:
			levelAccepted = true
			if mode == Level {
				break early
			}
		case Preempt:
			levelAccepted = true
			if cpu != nil {
				cpu.SetShouldPreempt()
			}
		case RunThread:
			levelAccepted = true
			if ls.markPending(h) {
				pending++
			}
		}
	}

	if mode == Edge || (mode == Level && !levelAccepted) {
		for _, h := range handlers {
			if h.threaded != nil && h.early == nil {
				if ls.markPending(h) {
					pending++
				}
			}
		}
	}

	d.ops.PostHandle(line, pending > 0)
	return nil
}

func (d *Domain) runThreaded(h *Handler) {
	_ = workerConcurrency.Acquire(context.Background(), 1)
	defer workerConcurrency.Release(1)
	h.threaded(h.data)
}

func workerName(domain string, line int) string {
	return fmt.Sprintf("irq-%d", line)
}
