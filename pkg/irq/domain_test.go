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
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aejsmith/kiwi-go/pkg/arch"
	"github.com/aejsmith/kiwi-go/pkg/kernel/thread"
)

// fakeOps is a terminal, level-triggered-by-default Ops for tests.
type fakeOps struct {
	mu            sync.Mutex
	mode          Mode
	enableCount   int
	disableCount  int
	lastKeepDis   bool
	postHandleLog []bool
}

func (o *fakeOps) Enable(line int)          { o.mu.Lock(); o.enableCount++; o.mu.Unlock() }
func (o *fakeOps) Disable(line int)         { o.mu.Lock(); o.disableCount++; o.mu.Unlock() }
func (o *fakeOps) SetMode(line int, m Mode) { o.mu.Lock(); o.mode = m; o.mu.Unlock() }
func (o *fakeOps) Mode(line int) Mode {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.mode
}
func (o *fakeOps) Translate(line int) (*Domain, int, bool) { return nil, 0, true }
func (o *fakeOps) PreHandle(line int) bool                 { return true }
func (o *fakeOps) PostHandle(line int, keepDisabled bool) {
	o.mu.Lock()
	o.lastKeepDis = keepDisabled
	o.postHandleLog = append(o.postHandleLog, keepDisabled)
	o.mu.Unlock()
}

func (o *fakeOps) counts() (enable, disable int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.enableCount, o.disableCount
}

func newTestDomain(ops *fakeOps) *Domain {
	reg := thread.NewRegistry(64)
	return NewDomain("test", ops, 32, reg, nil)
}

func TestRegisterEnablesOnFirstHandler(t *testing.T) {
	ops := &fakeOps{}
	d := newTestDomain(ops)

	_, err := d.Register(5, func(any) Result { return Unhandled }, nil, nil)
	require.NoError(t, err)

	enable, _ := ops.counts()
	require.Equal(t, 1, enable)
}

func TestEarlyRunThreadDispatchesWorkerExactlyOnce(t *testing.T) {
	ops := &fakeOps{}
	d := newTestDomain(ops)

	var ran int32
	done := make(chan struct{}, 1)
	threaded := func(any) {
		atomic.AddInt32(&ran, 1)
		done <- struct{}{}
	}
	early := func(any) Result { return RunThread }

	h, err := d.Register(3, early, threaded, nil)
	require.NoError(t, err)
	require.NotNil(t, h.ls.worker)

	require.NoError(t, d.Handle(3, nil, nil))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("threaded handler never ran")
	}
	require.EqualValues(t, 1, atomic.LoadInt32(&ran))

	require.Eventually(t, func() bool {
		h.ls.mu.Lock()
		defer h.ls.mu.Unlock()
		return h.ls.disableCount == 0
	}, time.Second, time.Millisecond, "disable_count must return to 0 once the worker finishes")

	enable, disable := ops.counts()
	require.GreaterOrEqual(t, enable, 2) // one for registration, one after the worker run
	require.GreaterOrEqual(t, disable, 1)
}

func TestUnregisterLastThreadedHandlerExitsWorker(t *testing.T) {
	ops := &fakeOps{}
	d := newTestDomain(ops)

	threaded := func(any) {}
	h, err := d.Register(7, nil, threaded, nil)
	require.NoError(t, err)
	worker := h.ls.worker
	require.NotNil(t, worker)

	d.Unregister(h)

	require.Eventually(t, func() bool { return worker.State() == thread.Dead }, time.Second, time.Millisecond)
}

func TestLevelModeHandledStopsIteration(t *testing.T) {
	ops := &fakeOps{mode: Level}
	d := newTestDomain(ops)

	var secondCalled atomic.Bool
	_, err := d.Register(1, func(any) Result { return Handled }, nil, nil)
	require.NoError(t, err)
	_, err = d.Register(1, func(any) Result {
		secondCalled.Store(true)
		return Unhandled
	}, nil, nil)
	require.NoError(t, err)

	require.NoError(t, d.Handle(1, nil, nil))
	require.False(t, secondCalled.Load(), "level-triggered HANDLED must stop early-handler iteration")
}

func TestEarlyPreemptSetsShouldPreemptOnCPU(t *testing.T) {
	ops := &fakeOps{}
	d := newTestDomain(ops)

	_, err := d.Register(2, func(any) Result { return Preempt }, nil, nil)
	require.NoError(t, err)

	cpu := arch.NewPerCPU(0, 0)
	require.False(t, cpu.TestAndClearShouldPreempt())

	require.NoError(t, d.Handle(2, nil, cpu))
	require.True(t, cpu.TestAndClearShouldPreempt())
}
