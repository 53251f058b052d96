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

package pagetables

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aejsmith/kiwi-go/pkg/arch"
)

func newTestContext(t *testing.T) *Context {
	t.Helper()
	ks := NewKernelSpace(8, 8, NoopShootdown{}, arch.NopBarrier{})
	return NewContext(ks, 4)
}

func TestMapQueryUnmap(t *testing.T) {
	c := newTestContext(t)

	v := VAddr(0x400000)
	p := PAddr(0x1000000)
	c.Map(v, p, MapFlags{Access: Read | Write})

	gotP, access, _, ok := c.Query(v)
	require.True(t, ok)
	require.Equal(t, p, gotP)
	require.Equal(t, Read|Write, access)

	freedP, ok := c.Unmap(v)
	require.True(t, ok)
	require.Equal(t, p, freedP)

	_, ok = c.Unmap(v)
	require.False(t, ok, "second unmap of the same address must return false")

	_, _, _, ok = c.Query(v)
	require.False(t, ok)
}

func TestMapDoubleMapIsFatal(t *testing.T) {
	c := newTestContext(t)
	v := VAddr(0x400000)
	c.Map(v, PAddr(0x1000), MapFlags{Access: Read})

	require.Panics(t, func() {
		c.Map(v, PAddr(0x2000), MapFlags{Access: Read})
	})
}

func TestQueryUnmappedReturnsFalse(t *testing.T) {
	c := newTestContext(t)
	_, _, _, ok := c.Query(VAddr(0xdeadb000))
	require.False(t, ok)
}

func TestASIDsAreDistinct(t *testing.T) {
	ks := NewKernelSpace(8, 8, NoopShootdown{}, arch.NopBarrier{})
	a := NewContext(ks, 4)
	b := NewContext(ks, 4)
	require.NotEqual(t, a.ASID(), b.ASID())
}

func TestDestroyInvalidatesBeforeFreeing(t *testing.T) {
	sd := &orderTrackingShootdown{}
	ks := NewKernelSpace(8, 8, sd, arch.NopBarrier{})
	c := NewContext(ks, 4)
	c.Map(VAddr(0x400000), PAddr(0x1000), MapFlags{Access: Read})

	c.Destroy()
	require.Equal(t, 1, sd.broadcasts, "Destroy must broadcast one full-ASID invalidation")

	// A second Destroy is a no-op rather than a double-free panic.
	require.NotPanics(t, c.Destroy)
}

// orderTrackingShootdown counts broadcasts so a test can assert that
// Destroy performed its full-ASID invalidation; the tree itself is
// private, so the order against freeing is not observed directly.
type orderTrackingShootdown struct {
	broadcasts int
}

func (s *orderTrackingShootdown) Broadcast(ASID, []VAddr) error {
	s.broadcasts++
	return nil
}

func TestTLBQueueOverflowFallsBackToWholeASID(t *testing.T) {
	sd := &orderTrackingShootdown{}
	ks := NewKernelSpace(8, 1, sd, arch.NopBarrier{})
	c := NewContext(ks, 1) // capacity 1: second unmap overflows.

	c.Map(VAddr(0x1000), PAddr(0x1000), MapFlags{Access: Read})
	c.Map(VAddr(0x2000), PAddr(0x2000), MapFlags{Access: Read})

	c.Unmap(VAddr(0x1000)) // fills the queue
	c.Unmap(VAddr(0x2000)) // overflow -> whole-ASID invalidate

	require.GreaterOrEqual(t, sd.broadcasts, 1)
}
