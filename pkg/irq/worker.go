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

package irq

import (
	"sync"

	"github.com/aejsmith/kiwi-go/pkg/kernel/thread"
	"github.com/aejsmith/kiwi-go/pkg/klog"
)

// lineState is the per-IRQ-line record (§3): mode, handler list,
// disable refcount, worker thread, and pending-work semaphore. The
// semaphore is modeled as a buffered channel of tokens, the standard
// Go idiom for a counting (as opposed to mutual-exclusion) semaphore;
// golang.org/x/sync/semaphore.Weighted is used instead for the
// cross-line worker concurrency bound in domain.go, where its
// acquire/release-capacity model is the right fit (see DESIGN.md).
type lineState struct {
	domain *Domain
	line   int

	mu           sync.Mutex
	mode         Mode
	handlers     []*Handler
	disableCount int32
	threadedCnt  int32
	worker       *thread.Thread

	pendingCh chan struct{}
}

func (ls *lineState) disableLocked() {
	ls.disableCount++
	if ls.disableCount == 1 {
		ls.domain.ops.Disable(ls.line)
	}
}

func (ls *lineState) enableLocked() {
	if ls.disableCount == 0 {
		klog.Panicf("irq: enable underflow on %s line %d", ls.domain.name, ls.line)
	}
	ls.disableCount--
	if ls.disableCount == 0 {
		ls.domain.ops.Enable(ls.line)
	}
}

// register attaches a new handler, spawning a worker thread on the
// first threaded registration for this line and enabling the line on
// its first handler of any kind (§4.4).
func (ls *lineState) register(early EarlyHandler, threaded ThreadedHandler, data any) (*Handler, error) {
	ls.mu.Lock()

	h := &Handler{domain: ls.domain, line: ls.line, early: early, threaded: threaded, data: data, ls: ls}
	wasEmpty := len(ls.handlers) == 0

	if threaded != nil {
		ls.threadedCnt++
		if ls.worker == nil {
			w, err := ls.spawnWorkerLocked()
			if err != nil {
				ls.threadedCnt--
				ls.mu.Unlock()
				return nil, err
			}
			ls.worker = w
		}
	}
	ls.handlers = append(ls.handlers, h)

	if wasEmpty {
		ls.enableLocked()
	}
	ls.mu.Unlock()

	return h, nil
}

// spawnWorkerLocked creates and starts this line's worker thread.
// Called with ls.mu held.
func (ls *lineState) spawnWorkerLocked() (*thread.Thread, error) {
	name := workerName(ls.domain.name, ls.line)

	var w *thread.Thread
	fn := func(uintptr, uintptr) { ls.workerLoop(w) }

	worker, err := thread.Create(ls.domain.reg, ls.domain.sched, name, nil, true, fn, 0, 0, 0)
	if err != nil {
		return nil, err
	}
	w = worker
	w.Retain() // worker's self-reference, released when it exits (§8)
	w.Run()
	return w, nil
}

// unregister removes h from its line (§4.4). Posting the last
// threaded handler's removal wakes the worker so it can observe
// zero and exit.
func (ls *lineState) unregister(h *Handler) {
	ls.mu.Lock()
	for i, hh := range ls.handlers {
		if hh == h {
			ls.handlers = append(ls.handlers[:i], ls.handlers[i+1:]...)
			break
		}
	}

	if h.threaded != nil {
		ls.threadedCnt--
		if ls.threadedCnt == 0 {
			select {
			case ls.pendingCh <- struct{}{}:
			default:
			}
		}
	}

	empty := len(ls.handlers) == 0
	alreadyDisabledForWorker := ls.disableCount > 0
	if empty && !alreadyDisabledForWorker {
		ls.disableLocked()
	}
	ls.mu.Unlock()
}

// markPending marks h pending exactly once per dispatch and posts one
// unit of pending work, disabling the line on the first pending wake
// (§4.4). Returns whether this call actually posted work.
func (ls *lineState) markPending(h *Handler) bool {
	if !h.pending.CompareAndSwap(false, true) {
		return false
	}
	ls.mu.Lock()
	ls.disableLocked()
	ls.mu.Unlock()
	ls.pendingCh <- struct{}{}
	return true
}

// workerLoop is the body of a per-line worker thread (§4.4). self is
// the thread running this loop, passed explicitly since the thread
// isn't fully constructed until after its entry function is captured.
func (ls *lineState) workerLoop(self *thread.Thread) {
	for range ls.pendingCh {
		ls.mu.Lock()
		if ls.threadedCnt == 0 {
			ls.mu.Unlock()
			self.Release()
			return
		}
		h := ls.firstPendingLocked()
		ls.mu.Unlock()
		if h == nil {
			continue
		}

		ls.domain.runThreaded(h)

		ls.mu.Lock()
		if len(ls.handlers) > 0 {
			ls.enableLocked()
		}
		ls.mu.Unlock()
	}
}

// firstPendingLocked returns and clears the pending flag of the first
// pending handler in registration order. Called with ls.mu held.
func (ls *lineState) firstPendingLocked() *Handler {
	for _, h := range ls.handlers {
		if h.pending.CompareAndSwap(true, false) {
			return h
		}
	}
	return nil
}
