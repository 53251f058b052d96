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

package thread

// SignalHandler is a per-thread signal disposition.
type SignalHandler func(sig uint32)

// signalState is the pending-mask-and-handlers half of §3's data
// model. Full POSIX signal semantics are a declared non-goal (§1);
// this is the minimal bookkeeping KernelExit's pending-signal
// dispatch step needs.
type signalState struct {
	mask     uint64
	pending  uint64
	handlers map[uint32]SignalHandler
}

// SetSignalHandler installs fn for sig, or clears it if fn is nil.
func (t *Thread) SetSignalHandler(sig uint32, fn SignalHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.signals.handlers == nil {
		t.signals.handlers = make(map[uint32]SignalHandler)
	}
	if fn == nil {
		delete(t.signals.handlers, sig)
	} else {
		t.signals.handlers[sig] = fn
	}
}

// Raise marks sig pending, subject to the thread's signal mask.
func (t *Thread) Raise(sig uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.signals.mask&(1<<uint(sig)) == 0 {
		t.signals.pending |= 1 << uint(sig)
	}
}

// DispatchPendingSignals runs and clears every pending signal's
// handler. Called from the kernel-exit path (§4.1) once KernelExit
// has established the thread is not about to die.
func (t *Thread) DispatchPendingSignals() {
	t.mu.Lock()
	pending := t.signals.pending
	t.signals.pending = 0
	handlers := t.signals.handlers
	t.mu.Unlock()

	for sig := uint32(0); pending != 0 && sig < 64; sig++ {
		bit := uint64(1) << uint(sig)
		if pending&bit == 0 {
			continue
		}
		pending &^= bit
		if fn, ok := handlers[sig]; ok {
			fn(sig)
		}
	}
}
