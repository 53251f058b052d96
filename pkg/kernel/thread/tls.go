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

import "github.com/aejsmith/kiwi-go/pkg/errs"

// TLSBase returns the thread's current TLS base register value, the
// backing store for the thread_control get/set-TLS-base action (§6).
func (t *Thread) TLSBase() (uintptr, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ctx == nil {
		return 0, errs.NOT_RUNNING
	}
	return t.ctx.TLSBase, nil
}

// SetTLSBase updates the TLS base register value restored on every
// switch into this thread.
func (t *Thread) SetTLSBase(base uintptr) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ctx == nil {
		return errs.NOT_RUNNING
	}
	t.ctx.TLSBase = base
	return nil
}
