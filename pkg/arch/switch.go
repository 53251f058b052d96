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

package arch

// Switcher is the architecture trampoline contract: save the
// outgoing thread's registers into from, restore to's registers, and
// return once to resumes executing. The real implementation is
// hand-written per-architecture assembly and is out of scope (§1);
// this interface is the seam the scheduler calls through.
//
// Switch must not sleep or allocate: it runs with the thread lock
// held and interrupts disabled, per §4.2.
type Switcher interface {
	// Switch performs the register-level context switch from the
	// current thread (whose state is captured into from) to to. It
	// returns only once some future switch brings this goroutine's
	// logical thread back into the "to" role.
	Switch(from, to *Context)

	// EnterUser transfers control to userspace using ctx's saved
	// frame, after an instruction-synchronization barrier following
	// any system-register writes the caller performed (§4.3). It does
	// not return until the thread re-enters the kernel via syscall or
	// interrupt.
	EnterUser(ctx *Context)
}

// Barrier abstracts the memory barriers §5 requires around
// TLB-affecting operations and table-page publication. The concrete
// instructions are architecture assembly, out of scope (§1); this
// type documents where the kernel core must call them.
type Barrier interface {
	// Store is a store barrier: everything written before Store must
	// be observable before any write that follows it, used when
	// publishing a newly initialized table page to the walker (§3).
	Store()

	// DataSyncPre/DataSyncPost bracket a batch of TLB invalidations
	// (§4.3): DataSyncPre before the first invalidate, DataSyncPost
	// after the last.
	DataSyncPre()
	DataSyncPost()

	// InstructionSync follows any system-register write, including
	// the architectural register load on a context switch (§4.3).
	InstructionSync()
}

// NopBarrier is a Barrier that does nothing, useful for single-CPU
// unit tests of the kernel core where no real hardware ordering is
// being exercised.
type NopBarrier struct{}

func (NopBarrier) Store()           {}
func (NopBarrier) DataSyncPre()     {}
func (NopBarrier) DataSyncPost()    {}
func (NopBarrier) InstructionSync() {}
