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

// Package device is the device/bus registry (C-DEV): a tree of device
// nodes under /bus, /class and /virtual, bus-to-driver matching by
// class attribute, alias dereferencing, and LIFO-ordered managed
// resource release. Grounded on the same vtable-and-registration idiom
// as pkg/irq, following pkg/sentry/devices/ttydev for the operations
// interface shape (see DESIGN.md).
package device

import (
	"sync"

	"github.com/aejsmith/kiwi-go/pkg/errs"
)

// Ops is a device node's operations vtable (§3).
type Ops interface {
	Open() error
	Close()
	Wait(event uint32) error
	Unwait(event uint32)
	IO(offset uint64, data []byte, write bool) (int, error)
	Map(offset uint64, length uint64) (uintptr, error)
	Request(req uint32, data []byte) ([]byte, error)
	Info() ([]byte, error)
}

// NopOps embeds into an Ops implementation so a minimal device need
// only implement what it uses: Open succeeds, Close and Unwait do
// nothing, and every other method returns NOT_SUPPORTED.
type NopOps struct{}

func (NopOps) Open() error                            { return nil }
func (NopOps) Close()                                 {}
func (NopOps) Wait(uint32) error                      { return errs.NOT_SUPPORTED }
func (NopOps) Unwait(uint32)                          {}
func (NopOps) IO(uint64, []byte, bool) (int, error)   { return 0, errs.NOT_SUPPORTED }
func (NopOps) Map(uint64, uint64) (uintptr, error)    { return 0, errs.NOT_SUPPORTED }
func (NopOps) Request(uint32, []byte) ([]byte, error) { return nil, errs.NOT_SUPPORTED }
func (NopOps) Info() ([]byte, error)                  { return nil, errs.NOT_SUPPORTED }

const maxAliasHops = 8

// resource is one LIFO-released managed resource (§3).
type resource struct {
	name    string
	release func()
}

// Node is one device-tree node: either a terminal device backed by
// Ops, or an alias that dereferences to another node.
type Node struct {
	mu sync.RWMutex

	name     string
	parent   *Node
	children map[string]*Node

	ops   Ops
	alias *Node

	attrs     map[string]Attr
	resources []resource
}

// Attr is a typed device attribute (§3: "integers and bounded
// strings").
type Attr struct {
	Int   int64
	Str   string
	IsInt bool
}

// NewNode constructs a terminal device node backed by ops. A nil ops
// creates a directory-only node (e.g. a bus root).
func NewNode(name string, ops Ops) *Node {
	return &Node{
		name:     name,
		children: make(map[string]*Node),
		ops:      ops,
		attrs:    make(map[string]Attr),
	}
}

// NewAlias constructs a node that dereferences to target.
func NewAlias(name string, target *Node) *Node {
	return &Node{name: name, children: make(map[string]*Node), alias: target}
}

// Name returns the node's name.
func (n *Node) Name() string { return n.name }

// AddChild attaches child under n, returning ALREADY_EXISTS if the
// name is taken.
func (n *Node) AddChild(child *Node) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.children[child.name]; ok {
		return errs.ALREADY_EXISTS
	}
	child.parent = n
	n.children[child.name] = child
	return nil
}

// Child looks up an immediate child by name.
func (n *Node) Child(name string) (*Node, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	c, ok := n.children[name]
	if !ok {
		return nil, errs.NOT_FOUND
	}
	return c, nil
}

// Children returns a snapshot of the node's children.
func (n *Node) Children() []*Node {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]*Node, 0, len(n.children))
	for _, c := range n.children {
		out = append(out, c)
	}
	return out
}

// Resolve dereferences a bounded chain of aliases to a non-alias
// terminal node (§3, §4.7).
func (n *Node) Resolve() (*Node, error) {
	cur := n
	for i := 0; i < maxAliasHops; i++ {
		cur.mu.RLock()
		target := cur.alias
		cur.mu.RUnlock()
		if target == nil {
			return cur, nil
		}
		cur = target
	}
	return nil, errs.OVERFLOW
}

// SetAttr sets a typed attribute under the node's lock.
func (n *Node) SetAttr(key string, v Attr) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.attrs[key] = v
}

// GetAttr reads a typed attribute.
func (n *Node) GetAttr(key string) (Attr, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	v, ok := n.attrs[key]
	return v, ok
}

// AddResource records a managed resource with its release callback,
// released in LIFO order by Destroy (§3, §4.7).
func (n *Node) AddResource(name string, release func()) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.resources = append(n.resources, resource{name: name, release: release})
}

// Destroy releases every managed resource in reverse registration
// order, then closes the device if it has one.
func (n *Node) Destroy() {
	n.mu.Lock()
	resources := n.resources
	n.resources = nil
	ops := n.ops
	n.mu.Unlock()

	for i := len(resources) - 1; i >= 0; i-- {
		resources[i].release()
	}
	if ops != nil {
		ops.Close()
	}
}

// Open resolves aliases and calls the terminal node's Ops.Open.
func (n *Node) Open() (*Node, error) {
	term, err := n.Resolve()
	if err != nil {
		return nil, err
	}
	term.mu.RLock()
	ops := term.ops
	term.mu.RUnlock()
	if ops == nil {
		return nil, errs.NOT_SUPPORTED
	}
	if err := ops.Open(); err != nil {
		return nil, err
	}
	return term, nil
}

// VtableOps exposes the terminal node's operations vtable for callers that
// have already resolved aliases (e.g. a held-open handle).
func (n *Node) VtableOps() Ops {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.ops
}
