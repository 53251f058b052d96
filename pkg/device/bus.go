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

package device

import (
	"sync"

	"github.com/aejsmith/kiwi-go/pkg/errs"
)

// Driver probes a bus child node, claiming it by returning true. Probe
// order is registration order; first match wins (§4.7).
type Driver interface {
	Name() string
	Class() string
	Probe(node *Node) bool
}

// Bus owns a root directory node and a driver list, protected by its
// own mutex (§5: "bus drivers are protected by per-bus mutexes").
type Bus struct {
	mu      sync.Mutex
	name    string
	root    *Node
	drivers []Driver
}

// NewBus constructs a bus named name, rooted at root.
func NewBus(name string, root *Node) *Bus {
	return &Bus{name: name, root: root}
}

// Name returns the bus's name.
func (b *Bus) Name() string { return b.name }

// Root returns the bus's root directory node.
func (b *Bus) Root() *Node { return b.root }

// RegisterDriver appends d to the driver list and immediately probes
// every existing bus child whose class attribute matches (§4.7). A
// child with no class attribute, or an integer one, is offered to
// every driver.
func (b *Bus) RegisterDriver(d Driver) error {
	b.mu.Lock()
	for _, existing := range b.drivers {
		if existing.Name() == d.Name() {
			b.mu.Unlock()
			return errs.ALREADY_EXISTS
		}
	}
	b.drivers = append(b.drivers, d)
	drivers := append([]Driver(nil), b.drivers...)
	b.mu.Unlock()

	for _, child := range b.root.Children() {
		b.matchLocked(child, drivers)
	}
	return nil
}

// Probe matches a newly-appeared bus child against the registered
// drivers in registration order; the first driver whose Probe returns
// true claims the node.
func (b *Bus) Probe(node *Node) {
	b.mu.Lock()
	drivers := append([]Driver(nil), b.drivers...)
	b.mu.Unlock()
	b.matchLocked(node, drivers)
}

func (b *Bus) matchLocked(node *Node, drivers []Driver) {
	class, ok := node.GetAttr("class")
	for _, d := range drivers {
		if ok && !class.IsInt && class.Str != d.Class() {
			continue
		}
		if d.Probe(node) {
			return
		}
	}
}
