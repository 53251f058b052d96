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
	"time"

	"github.com/cenkalti/backoff"

	"github.com/aejsmith/kiwi-go/pkg/arch"
	"github.com/aejsmith/kiwi-go/pkg/klog"
)

// Shootdown broadcasts a set of virtual addresses to every CPU that
// may have cached a translation for asid, returning once all CPUs
// have acknowledged. A real implementation sends an IPI; this is the
// seam (§9).
type Shootdown interface {
	Broadcast(asid ASID, addrs []VAddr) error
}

// invalidateQueue is the bounded per-context FIFO of §4.3: queued
// invalidations batch work to amortize barriers. The queue never grows
// past its capacity; overflow is the caller's to handle. A user
// Context falls back to a whole-ASID invalidation (enqueueInvalidate);
// the kernel's queue has no caller that enqueues to it.
type invalidateQueue struct {
	mu       sync.Mutex
	addrs    []VAddr
	capacity int
}

func newInvalidateQueue(capacity int) *invalidateQueue {
	if capacity <= 0 {
		capacity = 32
	}
	return &invalidateQueue{capacity: capacity}
}

// enqueue adds addr to the queue. It returns false if the queue is
// full, in which case the caller must apply its overflow policy.
func (q *invalidateQueue) enqueue(addr VAddr) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.addrs) >= q.capacity {
		return false
	}
	q.addrs = append(q.addrs, addr)
	return true
}

func (q *invalidateQueue) drain() []VAddr {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.addrs
	q.addrs = nil
	return out
}

// flushBackoff bounds how long Flush waits for a Shootdown broadcast
// to be acknowledged by every CPU before treating the failure as an
// internal invariant violation: a cross-CPU TLB shootdown that never
// completes leaves stale translations live, which §5's memory-barrier
// discipline assumes cannot happen.
func flushBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Microsecond
	b.MaxInterval = 5 * time.Millisecond
	b.MaxElapsedTime = 50 * time.Millisecond
	return b
}

// Flush issues the pre-invalidate store barrier, invalidates every
// queued address (inner-shareable, via sd, so other CPUs observe the
// change), issues the post-invalidate barrier, and clears the queue
// (§4.3). On repeated broadcast failure it panics: a TLB shootdown
// that cannot be delivered is a fatal invariant violation, not a
// recoverable error.
func (q *invalidateQueue) flush(asid ASID, sd Shootdown, b arch.Barrier) {
	addrs := q.drain()
	if len(addrs) == 0 {
		return
	}
	b.DataSyncPre()
	err := backoff.Retry(func() error {
		return sd.Broadcast(asid, addrs)
	}, flushBackoff())
	b.DataSyncPost()
	if err != nil {
		klog.Panicf("pagetables: TLB shootdown for ASID %d did not complete: %v", asid, err)
	}
}

// NoopShootdown is a Shootdown that immediately "acknowledges" every
// broadcast, for single-CPU configurations and unit tests.
type NoopShootdown struct{}

func (NoopShootdown) Broadcast(ASID, []VAddr) error { return nil }
