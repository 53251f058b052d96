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

// Package userfile is the user-file bridge (C-UF): a kernel-side file
// object whose operations are satisfied by a connection to a user
// process, modeled on the request/reply pattern of a 9P-style
// transport. There is no single teacher analogue; the outstanding-op
// bookkeeping and send/receive split follow the gofer client/transport
// split used throughout pkg/sentry's filesystem layer (see DESIGN.md).
package userfile

import (
	"sync"

	"github.com/google/btree"

	"github.com/aejsmith/kiwi-go/pkg/errs"
	"github.com/aejsmith/kiwi-go/pkg/klog"
)

// Kind is the type of file a user-file object represents.
type Kind int

const (
	Regular Kind = iota
	Directory
	Block
	Character
)

// OpKind identifies the operation a Message carries.
type OpKind int

const (
	OpRead OpKind = iota
	OpWrite
	OpInfo
	OpRequest
	OpWait
	OpUnwait
)

// SupportedOps is a bitmask of operations a user-file implementation
// declares it handles.
type SupportedOps uint32

const (
	SupportsRead SupportedOps = 1 << iota
	SupportsWrite
	SupportsInfo
	SupportsRequest
	SupportsWait
	SupportsUnwait
)

// Message is the wire payload of one request or reply. Inline is used
// for small transfers; Data backs large read/write payloads so they
// are not copied through the inline slot (§4.5).
type Message struct {
	Op      OpKind
	Serial  uint64
	Event   uint32 // valid for OpWait/OpUnwait
	Inline  [64]byte
	InlineN int
	Data    []byte
	Status  errs.Status
}

// Endpoint is the connection to the user process implementing a
// user-file's operations.
type Endpoint interface {
	// Send transmits msg, interruptibly. Returns errs.CONN_HUNGUP if
	// the peer has gone away.
	Send(msg *Message) error

	// Close tears down the connection. Idempotent.
	Close()
}

// op is one outstanding operation awaiting a reply (§3).
type op struct {
	serial  uint64
	kind    OpKind
	event   uint32
	done    chan struct{}
	reply   Message
	replied bool
}

// Less implements btree.Item, ordering ops by serial.
func (o *op) Less(than btree.Item) bool {
	if k, ok := than.(serialKey); ok {
		return o.serial < uint64(k)
	}
	return o.serial < than.(*op).serial
}

// serialKey is a query-only btree.Item wrapping a bare serial.
type serialKey uint64

func (k serialKey) Less(than btree.Item) bool {
	if o, ok := than.(*op); ok {
		return uint64(k) < o.serial
	}
	return uint64(k) < uint64(than.(serialKey))
}

// File is a kernel-side file object bridged to a user process (C-UF,
// §3). The zero value is not usable; construct with New.
type File struct {
	mu sync.Mutex

	name  string
	kind  Kind
	ops   SupportedOps
	ep    Endpoint
	outst *btree.BTree // *op, ordered by serial
	next  uint64
	dead  bool
}

// New constructs a user-file bridged over ep.
func New(name string, kind Kind, ops SupportedOps, ep Endpoint) *File {
	return &File{
		name:  name,
		kind:  kind,
		ops:   ops,
		ep:    ep,
		outst: btree.New(32),
	}
}

// Name returns the file's informational name.
func (f *File) Name() string { return f.name }

// Kind returns the file's type.
func (f *File) Kind() Kind { return f.kind }

// Supports reports whether op is declared supported.
func (f *File) Supports(want SupportedOps) bool { return f.ops&want == want }

// Terminated reports whether terminate has already run.
func (f *File) Terminated() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dead
}

// nextSerial allocates the next monotonic serial. Called with f.mu held.
func (f *File) nextSerial() uint64 {
	f.next++
	return f.next
}

// submit sends msg and blocks until a reply arrives or the file
// terminates (§4.5). It implements the common path shared by read,
// write, info and request; wait and unwait have their own
// non-blocking paths in wait.go.
func (f *File) submit(kind OpKind, event uint32, msg *Message) (Message, error) {
	f.mu.Lock()
	if f.dead {
		f.mu.Unlock()
		return Message{}, errs.DEVICE_ERROR
	}

	serial := f.nextSerial()
	msg.Serial = serial
	msg.Op = kind

	o := &op{serial: serial, kind: kind, event: event, done: make(chan struct{})}
	ep := f.ep
	f.outst.ReplaceOrInsert(o)
	f.mu.Unlock()

	if err := ep.Send(msg); err != nil {
		f.terminate()
		return Message{}, errs.DEVICE_ERROR
	}

	<-o.done

	f.mu.Lock()
	dead := f.dead
	reply := o.reply
	replied := o.replied
	f.mu.Unlock()

	if dead && !replied {
		return Message{}, errs.DEVICE_ERROR
	}
	return reply, nil
}

// Receive is called by the transport when a reply arrives. It matches
// by serial, stores the message, and wakes the blocked caller (§4.5).
// An unmatched or malformed reply is treated as a protocol violation
// and terminates the file.
func (f *File) Receive(msg *Message) {
	f.mu.Lock()
	if f.dead {
		f.mu.Unlock()
		return
	}
	item := f.outst.Get(serialKey(msg.Serial))
	if item == nil {
		f.mu.Unlock()
		klog.Warningf("userfile: %s: reply for unknown serial %d", f.name, msg.Serial)
		f.terminate()
		return
	}
	o := item.(*op)
	if msg.Op != o.kind {
		f.mu.Unlock()
		klog.Warningf("userfile: %s: reply op-id mismatch for serial %d", f.name, msg.Serial)
		f.terminate()
		return
	}
	f.outst.Delete(o)
	o.reply = *msg
	o.replied = true
	f.mu.Unlock()

	close(o.done)
}

// terminate implements §4.5's termination path: close the endpoint,
// null it, and wake every outstanding op with DEVICE_ERROR. Idempotent.
func (f *File) terminate() {
	f.mu.Lock()
	if f.dead {
		f.mu.Unlock()
		return
	}
	f.dead = true
	ep := f.ep
	f.ep = nil

	var pending []*op
	f.outst.Ascend(func(item btree.Item) bool {
		pending = append(pending, item.(*op))
		return true
	})
	f.outst.Clear(false)
	f.mu.Unlock()

	if ep != nil {
		ep.Close()
	}
	for _, o := range pending {
		close(o.done)
	}
}

// Terminate forcibly terminates the file, e.g. when the owning
// connection endpoint handle is closed (§4.5's security model: closing
// the private endpoint terminates the file for all readers/writers).
func (f *File) Terminate() {
	f.terminate()
}
