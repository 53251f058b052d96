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

// Package proc is the process container (C-PROC, §4.6): a process
// owns a thread list, an address-space handle, a handle table, a
// security context, and loader metadata, and becomes terminal when
// its last thread exits.
package proc

import (
	"sync"

	"github.com/aejsmith/kiwi-go/pkg/errs"
	"github.com/aejsmith/kiwi-go/pkg/kernel/thread"
	"github.com/aejsmith/kiwi-go/pkg/pagetables"
)

// Registry is the global process id -> Process table, mirroring
// pkg/kernel/thread's Registry (see that package for the rationale
// behind a bounded id space).
type Registry struct {
	mu     sync.Mutex
	byID   map[uint32]*Process
	nextID uint32
	maxID  uint32
}

func newRegistry(maxID uint32) *Registry {
	return &Registry{byID: make(map[uint32]*Process), maxID: maxID}
}

// Default is the system-wide process Registry.
var Default = newRegistry(1 << 20)

// NewRegistry constructs an independent Registry, for tests that
// exercise PROCESS_LIMIT.
func NewRegistry(maxID uint32) *Registry { return newRegistry(maxID) }

func (r *Registry) alloc(p *Process) (uint32, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := uint32(0); i < r.maxID; i++ {
		id := r.nextID
		r.nextID++
		if r.nextID >= r.maxID {
			r.nextID = 0
		}
		if _, exists := r.byID[id]; !exists {
			r.byID[id] = p
			return id, nil
		}
	}
	return 0, errs.PROCESS_LIMIT
}

func (r *Registry) remove(id uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byID, id)
}

// Lookup returns the process with id, or nil once it has become
// terminal or for an unknown id.
func (r *Registry) Lookup(id uint32) *Process {
	r.mu.Lock()
	p, ok := r.byID[id]
	r.mu.Unlock()
	if !ok {
		return nil
	}
	if p.Terminal() {
		return nil
	}
	return p
}

// Process is a container for threads and an address space (§3, §4.6).
type Process struct {
	id  uint32
	reg *Registry

	mu         sync.Mutex
	name       string
	aspace     *pagetables.Context
	threads    []*thread.Thread
	handles    *HandleTable
	sec        *SecurityContext
	loaderType string
	terminal   bool

	// permanent is set only on the kernel_proc singleton: losing every
	// thread must never destroy it (§3).
	permanent bool
}

// Create allocates a process in the given registry (Default if nil)
// owning aspace, with the given security context and loader type
// (e.g. "elf", "kernel").
func Create(reg *Registry, name string, aspace *pagetables.Context, sec *SecurityContext, loaderType string) (*Process, error) {
	if reg == nil {
		reg = Default
	}
	p := &Process{
		name:       name,
		aspace:     aspace,
		handles:    NewHandleTable(),
		sec:        sec,
		loaderType: loaderType,
	}
	id, err := reg.alloc(p)
	if err != nil {
		return nil, err
	}
	p.id = id
	p.reg = reg
	return p, nil
}

// ID returns the process's identity.
func (p *Process) ID() uint32 { return p.id }

// Name returns the process's informational name (the exec path, or a
// loader-assigned name before the first exec).
func (p *Process) Name() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.name
}

// AddressSpace returns the process's current MMU context.
func (p *Process) AddressSpace() *pagetables.Context {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.aspace
}

// Handles returns the process's handle table.
func (p *Process) Handles() *HandleTable { return p.handles }

// Security returns the process's security context.
func (p *Process) Security() *SecurityContext { return p.sec }

// LoaderType reports which loader produced the running image.
func (p *Process) LoaderType() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.loaderType
}

// Terminal reports whether the process has released its resources.
func (p *Process) Terminal() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.terminal
}

// ThreadCount returns the number of live attached threads.
func (p *Process) ThreadCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.threads)
}

// AttachThread adds t to the process's thread list (§4.6).
// thread.Create does not call it: the creator attaches a thread it
// created with p as its Owner, and OnThreadExit below then detaches
// it automatically.
func (p *Process) AttachThread(t *thread.Thread) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.threads = append(p.threads, t)
}

func (p *Process) detachThreadLocked(t *thread.Thread) {
	for i, th := range p.threads {
		if th == t {
			p.threads = append(p.threads[:i], p.threads[i+1:]...)
			return
		}
	}
}

// OnThreadExit implements thread.Owner: it detaches t and, once the
// thread list is empty, transitions the process to terminal (§4.6),
// unless this is the permanent kernel_proc singleton.
func (p *Process) OnThreadExit(t *thread.Thread) {
	p.mu.Lock()
	p.detachThreadLocked(t)
	last := len(p.threads) == 0 && !p.permanent
	p.mu.Unlock()
	if last {
		p.destroy()
	}
}

func (p *Process) destroy() {
	p.mu.Lock()
	if p.terminal {
		p.mu.Unlock()
		return
	}
	p.terminal = true
	aspace := p.aspace
	p.aspace = nil
	p.mu.Unlock()

	p.handles.CloseAll()
	if aspace != nil {
		aspace.Destroy()
	}
	if p.reg != nil {
		p.reg.remove(p.id)
	}
}

// Reset implements exec's address-space swap (§4.6). It must be
// called with only the calling thread still attached; it renames the
// process and its surviving (primary) thread to path, discards every
// non-inheritable handle, and installs newAspace, destroying the
// previous one. Fails with STILL_RUNNING if more than one thread
// remains.
func (p *Process) Reset(path string, newAspace *pagetables.Context) error {
	p.mu.Lock()
	if len(p.threads) > 1 {
		p.mu.Unlock()
		return errs.STILL_RUNNING
	}
	oldAspace := p.aspace
	p.aspace = newAspace
	p.name = path
	primary := p.threads[0]
	p.mu.Unlock()

	primary.SetName(path)
	p.handles.resetForExec()
	if oldAspace != nil {
		oldAspace.Destroy()
	}
	return nil
}
