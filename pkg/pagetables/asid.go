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

	"github.com/aejsmith/kiwi-go/pkg/klog"
)

// ASID is an address-space identifier tagging TLB entries, allowing
// context switches to skip a full invalidation (glossary).
type ASID uint32

// asidAllocator issues ASIDs from a reserved bitmap range. Exhaustion
// is currently fatal; ASID stealing is a documented non-goal (§9,
// Open Questions).
type asidAllocator struct {
	mu     sync.Mutex
	bitmap []uint64
	bits   int
}

func newASIDAllocator(bits int) *asidAllocator {
	if bits <= 0 {
		bits = 8
	}
	n := (1 << uint(bits))
	return &asidAllocator{
		bitmap: make([]uint64, (n+63)/64),
		bits:   bits,
	}
}

// alloc returns a fresh ASID, or panics (fatal, per §4.3) if the
// space is exhausted.
func (a *asidAllocator) alloc() ASID {
	a.mu.Lock()
	defer a.mu.Unlock()

	max := 1 << uint(a.bits)
	for i := 0; i < max; i++ {
		word, bit := i/64, uint(i%64)
		if a.bitmap[word]&(1<<bit) == 0 {
			a.bitmap[word] |= 1 << bit
			return ASID(i)
		}
	}
	klog.Panicf("pagetables: ASID space exhausted (bits=%d); ASID stealing is not implemented", a.bits)
	panic("unreachable")
}

// free releases id back to the bitmap. Callers must have already
// broadcast a full invalidation for id (§3, §4.3): free does not
// invalidate anything itself.
func (a *asidAllocator) free(id ASID) {
	a.mu.Lock()
	defer a.mu.Unlock()

	word, bit := int(id)/64, uint(int(id)%64)
	a.bitmap[word] &^= 1 << bit
}
