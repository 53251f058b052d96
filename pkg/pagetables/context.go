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

package pagetables

import (
	"sync"

	"github.com/aejsmith/kiwi-go/pkg/arch"
	"github.com/aejsmith/kiwi-go/pkg/klog"
)

// KernelSpace holds the kernel's own root table and is shared by
// every Context: kernel mappings are global and live in a separate
// root (§3), so they only need to be populated once.
type KernelSpace struct {
	mu   sync.Mutex
	root *node
	asid *asidAllocator
	sd   Shootdown
	b    arch.Barrier

	// tlb is the kernel's own invalidation queue. KernelSpace has no
	// unmap path, so nothing enqueues to it and no kernel overflow
	// policy is applied.
	tlb *invalidateQueue
}

// NewKernelSpace constructs the shared kernel translation root. asidBits
// sizes the ASID bitmap user Contexts allocate from.
func NewKernelSpace(asidBits, tlbQueueDepth int, sd Shootdown, b arch.Barrier) *KernelSpace {
	if sd == nil {
		sd = NoopShootdown{}
	}
	if b == nil {
		b = arch.NopBarrier{}
	}
	return &KernelSpace{
		root: &node{},
		asid: newASIDAllocator(asidBits),
		sd:   sd,
		b:    b,
		tlb:  newInvalidateQueue(tlbQueueDepth),
	}
}

// MapKernel installs a global kernel mapping. Kernel mappings must
// specify Global: true; MapKernel panics otherwise, since a non-global entry
// in the shared kernel root would silently leak into every ASID.
func (ks *KernelSpace) MapKernel(v VAddr, p PAddr, f MapFlags) {
	if !f.Global {
		klog.Panicf("pagetables: MapKernel requires MapFlags.Global")
	}
	ks.mu.Lock()
	defer ks.mu.Unlock()
	mapLocked(ks.root, defaultTreeDepth, v, p, f, ks.b)
}

// Context is a per-address-space MMU context: a root translation
// table, an ASID, and a bounded TLB invalidation queue (§3).
type Context struct {
	mu sync.Mutex

	kernel *KernelSpace
	root   *node
	asid   ASID

	tlbMu sync.Mutex
	tlb   *invalidateQueue

	destroyed bool
}

// NewContext allocates a fresh user address space rooted from ks,
// with its own ASID.
func NewContext(ks *KernelSpace, tlbQueueDepth int) *Context {
	return &Context{
		kernel: ks,
		root:   &node{},
		asid:   ks.asid.alloc(),
		tlb:    newInvalidateQueue(tlbQueueDepth),
	}
}

// ASID returns the context's address-space identifier.
func (c *Context) ASID() ASID { return c.asid }

// Map installs a translation for v. Per §4.3, mapping an
// already-present entry is a fatal invariant violation, not a
// recoverable error: silent overwrite would let two owners believe
// they have exclusive access to the same frame.
func (c *Context) Map(v VAddr, p PAddr, f MapFlags) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		klog.Panicf("pagetables: Map on destroyed context")
	}
	mapLocked(c.root, defaultTreeDepth, v, p, f, c.kernel.b)
}

func mapLocked(root *node, depth int, v VAddr, p PAddr, f MapFlags, b arch.Barrier) {
	n := root
	for level := 0; level < depth-1; level++ {
		idx := indexForLevel(v, depth, level)
		e := &n.entries[idx]
		if !e.present {
			child := &node{}
			// Publish the new table page with a store barrier before
			// it becomes reachable from the walker (§3, §5).
			b.Store()
			e.child = child
			e.present = true
		} else if e.child == nil {
			klog.Panicf("pagetables: Map(%#x): intermediate entry at level %d is a leaf", v, level)
		}
		n = e.child
	}

	idx := indexForLevel(v, depth, depth-1)
	e := &n.entries[idx]
	if e.present {
		klog.Panicf("pagetables: Map(%#x): entry already present (double-map)", v)
	}
	e.present = true
	e.phys = p
	e.flags = calcEntryFlags(f)
}

// Unmap clears the translation for v, returning the physical frame
// that was mapped there and true, or false if v was not present
// (§4.3, §8).
func (c *Context) Unmap(v VAddr) (PAddr, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		klog.Panicf("pagetables: Unmap on destroyed context")
	}

	n := c.root
	for level := 0; level < defaultTreeDepth-1; level++ {
		idx := indexForLevel(v, defaultTreeDepth, level)
		e := &n.entries[idx]
		if !e.present || e.child == nil {
			return 0, false
		}
		n = e.child
	}

	idx := indexForLevel(v, defaultTreeDepth, defaultTreeDepth-1)
	e := &n.entries[idx]
	if !e.present {
		return 0, false
	}
	phys := e.phys
	*e = nodeEntry{}

	c.enqueueInvalidate(v)
	return phys, true
}

// Query decodes the access and cache flags for v, matching whatever
// the last successful Map installed, until a successful Unmap (§4.3,
// §8).
func (c *Context) Query(v VAddr) (PAddr, Access, CacheMode, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := c.root
	for level := 0; level < defaultTreeDepth-1; level++ {
		idx := indexForLevel(v, defaultTreeDepth, level)
		e := &n.entries[idx]
		if !e.present || e.child == nil {
			return 0, 0, 0, false
		}
		n = e.child
	}
	idx := indexForLevel(v, defaultTreeDepth, defaultTreeDepth-1)
	e := &n.entries[idx]
	if !e.present {
		return 0, 0, 0, false
	}
	return e.phys, e.flags.toAccess(), e.flags.toCache(), true
}

// enqueueInvalidate queues v for invalidation, applying the overflow
// policy of §4.3: fall back to a whole-ASID invalidation if the
// bounded queue is full.
func (c *Context) enqueueInvalidate(v VAddr) {
	c.tlbMu.Lock()
	full := !c.tlb.enqueue(v)
	c.tlbMu.Unlock()
	if full {
		c.invalidateWholeASID()
	}
}

func (c *Context) invalidateWholeASID() {
	c.tlbMu.Lock()
	c.tlb.drain() // superseded by the broader invalidation below.
	c.tlbMu.Unlock()

	c.kernel.b.DataSyncPre()
	if err := c.kernel.sd.Broadcast(c.asid, nil); err != nil {
		klog.Panicf("pagetables: whole-ASID invalidation for ASID %d failed: %v", c.asid, err)
	}
	c.kernel.b.DataSyncPost()
}

// Flush drains and applies the queued invalidations (§4.3). Always
// last-level: intermediate table pages are never freed until context
// destruction, so only leaf translations ever need invalidating
// before then.
func (c *Context) Flush() {
	c.tlbMu.Lock()
	tlb := c.tlb
	c.tlbMu.Unlock()
	tlb.flush(c.asid, c.kernel.sd, c.kernel.b)
}

// Destroy invalidates the entire ASID before freeing any table page,
// so no translation-table walker can reach freed memory (§3, §4.3),
// then walks the user half of the tree freeing every page and
// releases the ASID back to the allocator.
func (c *Context) Destroy() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return
	}

	c.kernel.b.DataSyncPre()
	if err := c.kernel.sd.Broadcast(c.asid, nil); err != nil {
		klog.Panicf("pagetables: Destroy: full-ASID invalidation for ASID %d failed: %v", c.asid, err)
	}
	c.kernel.b.DataSyncPost()

	freeSubtree(c.root, defaultTreeDepth, 0)
	c.root = nil
	c.kernel.asid.free(c.asid)
	c.destroyed = true
}

func freeSubtree(n *node, depth, level int) {
	if n == nil || level >= depth-1 {
		return
	}
	for i := range n.entries {
		e := &n.entries[i]
		if e.present && e.child != nil {
			freeSubtree(e.child, depth, level+1)
			e.child = nil
		}
	}
}
