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

// Package arch names the architecture-specific contract for CPU
// register state and per-CPU bookkeeping (C-ARCH, §4 and §9's
// "global mutable curr_cpu/curr_thread" re-architecture note). The
// actual register save/restore and the trampoline that enters user
// mode are architecture assembly, out of scope per spec §1 — this
// package is the seam: a Context is an opaque saved-register blob
// that only the real arch backend interprets, and CPU is the
// currently-running logical processor's context object, passed
// explicitly through the scheduler rather than read from a global.
package arch

import "sync/atomic"

// Context is an architecture-specific saved CPU register state for
// one thread, including the floating-point area. The fields here are
// the generic ones every arch needs; the actual layout and the
// assembly that populates it live outside this module's scope.
type Context struct {
	// StackPointer is the saved kernel stack pointer captured on the
	// last context switch away from this thread.
	StackPointer uintptr

	// TLSBase is the thread-local-storage base register value
	// restored on every switch into this thread, and readable/
	// writable via thread_control (§6).
	TLSBase uintptr

	// FPUArea holds the saved FPU/vector register file. It is
	// lazily populated the first time a thread uses the FPU; see
	// HAS_FPU / FREQUENT_FPU in the thread flags (§3).
	FPUArea []byte

	// frameModified records that a syscall handler rewrote the saved
	// user-mode frame (e.g. to change a return value), mirroring the
	// FRAME_MODIFIED thread flag so EnterUser knows to reload from
	// this Context rather than resuming in place.
	frameModified atomic.Bool
}

// NewContext allocates a Context with a zeroed FPU save area of the
// given architecture-specific size.
func NewContext(fpuAreaSize int) *Context {
	return &Context{FPUArea: make([]byte, fpuAreaSize)}
}

// SetFrameModified marks the saved frame dirty, matching the
// FRAME_MODIFIED thread flag.
func (c *Context) SetFrameModified() { c.frameModified.Store(true) }

// FrameModified reports and clears the dirty bit.
func (c *Context) FrameModified() bool { return c.frameModified.Swap(false) }

// CPUID identifies one logical CPU.
type CPUID int

// PerCPU is the per-logical-CPU state passed explicitly through
// scheduler entry points, replacing a global curr_cpu/curr_thread
// pointer (§9). Architecture code still provides a fast accessor
// (e.g. a GS/TPIDR-based one) outside this module's scope; within the
// kernel core, PerCPU is threaded through call arguments instead.
//
// The preempt-disable nesting count is a per-thread attribute (§3),
// not per-CPU; see pkg/kernel/thread. shouldPreempt here is the
// CPU-local "a timer tick or early IRQ handler asked for a reschedule
// at the next opportunity" latch (§4.2, §4.4).
type PerCPU struct {
	ID CPUID

	// KernelStackTop is the top of the interrupt/syscall entry stack
	// for this CPU, set once at boot.
	KernelStackTop uintptr

	shouldPreempt atomic.Bool
}

// NewPerCPU constructs the per-CPU block for logical CPU id.
func NewPerCPU(id CPUID, kernelStackTop uintptr) *PerCPU {
	return &PerCPU{ID: id, KernelStackTop: kernelStackTop}
}

// SetShouldPreempt marks this CPU for preemption at the next kernel
// exit.
func (p *PerCPU) SetShouldPreempt() { p.shouldPreempt.Store(true) }

// TestAndClearShouldPreempt consumes the should-preempt flag.
func (p *PerCPU) TestAndClearShouldPreempt() bool { return p.shouldPreempt.Swap(false) }
