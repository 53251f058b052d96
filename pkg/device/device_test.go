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
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aejsmith/kiwi-go/pkg/errs"
)

type fakeOps struct {
	NopOps
	opened bool
	closed bool
}

func (o *fakeOps) Open() error { o.opened = true; return nil }
func (o *fakeOps) Close()      { o.closed = true }

type fakeDriver struct {
	name   string
	class  string
	claims func(*Node) bool
}

func (d *fakeDriver) Name() string       { return d.name }
func (d *fakeDriver) Class() string      { return d.class }
func (d *fakeDriver) Probe(n *Node) bool { return d.claims(n) }

func TestAddChildRejectsDuplicateName(t *testing.T) {
	root := NewNode("bus", nil)
	require.NoError(t, root.AddChild(NewNode("dev0", nil)))
	require.Equal(t, errs.ALREADY_EXISTS, root.AddChild(NewNode("dev0", nil)))
}

func TestAliasResolvesToTerminal(t *testing.T) {
	target := NewNode("real", &fakeOps{})
	alias := NewAlias("link", target)

	resolved, err := alias.Resolve()
	require.NoError(t, err)
	require.Same(t, target, resolved)
}

func TestAliasCycleOverflows(t *testing.T) {
	a := NewAlias("a", nil)
	b := NewAlias("b", a)
	a.alias = b // construct a cycle

	_, err := a.Resolve()
	require.Equal(t, errs.OVERFLOW, err)
}

func TestOpenThroughAliasInvokesTerminalOps(t *testing.T) {
	ops := &fakeOps{}
	target := NewNode("real", ops)
	alias := NewAlias("link", target)

	term, err := alias.Open()
	require.NoError(t, err)
	require.Same(t, target, term)
	require.True(t, ops.opened)
}

func TestDestroyReleasesResourcesInLIFOOrder(t *testing.T) {
	n := NewNode("dev0", &fakeOps{})
	var order []string
	n.AddResource("a", func() { order = append(order, "a") })
	n.AddResource("b", func() { order = append(order, "b") })
	n.AddResource("c", func() { order = append(order, "c") })

	n.Destroy()
	require.Equal(t, []string{"c", "b", "a"}, order)
}

func TestBusProbeFirstMatchWins(t *testing.T) {
	root := NewNode("bus0", nil)
	bus := NewBus("bus0", root)

	var claimedBy []string
	first := &fakeDriver{name: "first", class: "widget", claims: func(*Node) bool {
		claimedBy = append(claimedBy, "first")
		return true
	}}
	second := &fakeDriver{name: "second", class: "widget", claims: func(*Node) bool {
		claimedBy = append(claimedBy, "second")
		return true
	}}
	require.NoError(t, bus.RegisterDriver(first))
	require.NoError(t, bus.RegisterDriver(second))

	dev := NewNode("dev0", &fakeOps{})
	dev.SetAttr("class", Attr{Str: "widget"})
	bus.Probe(dev)

	require.Equal(t, []string{"first"}, claimedBy)
}

func TestBusRegisterDriverRejectsDuplicateName(t *testing.T) {
	bus := NewBus("bus0", NewNode("bus0", nil))
	d := &fakeDriver{name: "drv", class: "widget", claims: func(*Node) bool { return false }}
	require.NoError(t, bus.RegisterDriver(d))
	require.Equal(t, errs.ALREADY_EXISTS, bus.RegisterDriver(d))
}
