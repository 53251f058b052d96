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
	"sync/atomic"
)

// Handler is one registration on an IRQ line (§3).
type Handler struct {
	domain   *Domain
	line     int
	early    EarlyHandler
	threaded ThreadedHandler
	data     any

	ls      *lineState
	pending atomic.Bool
}

// Domain returns the owning domain.
func (h *Handler) Domain() *Domain { return h.domain }

// Line returns the line this handler is attached to.
func (h *Handler) Line() int { return h.line }
