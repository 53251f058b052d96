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

package proc

import (
	"sync"

	"github.com/aejsmith/kiwi-go/pkg/errs"
)

// Handle identifies one entry in a process's handle table, the
// generic object reference object_wait/object_close/handle_duplicate
// (§6) operate on.
type Handle uint32

// handleEntry pairs the referenced object with whether it survives an
// exec-time reset (§4.6: "handles marked inheritable across exec").
type handleEntry struct {
	obj         any
	inheritable bool
}

// HandleTable is a process's open-handle set.
type HandleTable struct {
	mu      sync.Mutex
	next    Handle
	entries map[Handle]handleEntry
}

// NewHandleTable returns an empty table.
func NewHandleTable() *HandleTable {
	return &HandleTable{entries: make(map[Handle]handleEntry)}
}

// Add inserts obj and returns its new handle.
func (t *HandleTable) Add(obj any, inheritable bool) Handle {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.next++
	h := t.next
	t.entries[h] = handleEntry{obj: obj, inheritable: inheritable}
	return h
}

// Get looks up the object behind h.
func (t *HandleTable) Get(h Handle) (any, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[h]
	if !ok {
		return nil, errs.INVALID_HANDLE
	}
	return e.obj, nil
}

// Close removes h from the table.
func (t *HandleTable) Close(h Handle) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.entries[h]; !ok {
		return errs.INVALID_HANDLE
	}
	delete(t.entries, h)
	return nil
}

// Duplicate adds a new handle referencing the same object as h,
// inheriting its inheritability, for handle_duplicate (§6).
func (t *HandleTable) Duplicate(h Handle) (Handle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[h]
	if !ok {
		return 0, errs.INVALID_HANDLE
	}
	t.next++
	nh := t.next
	t.entries[nh] = e
	return nh, nil
}

// resetForExec discards every non-inheritable handle, for
// Process.Reset (§4.6).
func (t *HandleTable) resetForExec() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for h, e := range t.entries {
		if !e.inheritable {
			delete(t.entries, h)
		}
	}
}

// CloseAll empties the table, called when a process becomes terminal.
func (t *HandleTable) CloseAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = make(map[Handle]handleEntry)
}

// Len reports the number of live handles, for tests and diagnostics.
func (t *HandleTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
