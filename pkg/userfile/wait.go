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

package userfile

import "github.com/aejsmith/kiwi-go/pkg/errs"

// Waiter is returned by Wait and is the handle Unwait needs.
type Waiter struct {
	event  uint32
	serial uint64
}

// Wait sends a WAIT op for event but does not block on its reply; the
// reply handler instead signals the caller-supplied event object
// (§4.5). Callers observe completion through their own event/condvar
// machinery, not through this call's return.
func (f *File) Wait(event uint32, onSignal func()) (*Waiter, error) {
	if !f.Supports(SupportsWait) {
		return nil, errs.NOT_SUPPORTED
	}

	f.mu.Lock()
	if f.dead {
		f.mu.Unlock()
		return nil, errs.DEVICE_ERROR
	}
	serial := f.nextSerial()
	ep := f.ep
	o := &op{serial: serial, kind: OpWait, event: event, done: make(chan struct{})}
	f.outst.ReplaceOrInsert(o)
	f.mu.Unlock()

	msg := &Message{Op: OpWait, Serial: serial, Event: event}
	if err := ep.Send(msg); err != nil {
		f.terminate()
		return nil, errs.DEVICE_ERROR
	}

	// Fire onSignal asynchronously when the reply lands, instead of
	// blocking here: the WAIT op's "reply" is really the event
	// notification, which may arrive arbitrarily far in the future.
	go func() {
		<-o.done
		f.mu.Lock()
		replied := o.replied
		f.mu.Unlock()
		if replied && onSignal != nil {
			onSignal()
		}
	}()

	return &Waiter{event: event, serial: serial}, nil
}

// Unwait locates the matching outstanding WAIT op, removes it, and if
// supported sends a non-blocking UNWAIT op referencing the WAIT's
// serial, then frees the wait record (§4.5).
func (f *File) Unwait(w *Waiter) error {
	f.mu.Lock()
	if f.dead {
		f.mu.Unlock()
		return errs.DEVICE_ERROR
	}
	item := f.outst.Get(serialKey(w.serial))
	if item == nil {
		f.mu.Unlock()
		return errs.NOT_FOUND
	}
	o := item.(*op)
	f.outst.Delete(o)
	ep := f.ep
	supportsUnwait := f.ops&SupportsUnwait != 0
	f.mu.Unlock()

	close(o.done)

	if supportsUnwait {
		msg := &Message{Op: OpUnwait, Event: w.event, Serial: w.serial}
		_ = ep.Send(msg) // best-effort, non-blocking: no reply is awaited
	}
	return nil
}
