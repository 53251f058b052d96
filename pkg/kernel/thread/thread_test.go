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

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aejsmith/kiwi-go/pkg/errs"
)

type fakeScheduler struct {
	mu       sync.Mutex
	enqueued []*Thread
	reaped   []*Thread
}

func (s *fakeScheduler) Enqueue(t *Thread) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enqueued = append(s.enqueued, t)
}

// Reap runs synchronously, unlike a real per-CPU reaper, so tests can
// observe the DEAD state without racing a goroutine.
func (s *fakeScheduler) Reap(t *Thread) {
	s.mu.Lock()
	s.reaped = append(s.reaped, t)
	s.mu.Unlock()
	t.Release()
}

type fakeOwner struct {
	mu     sync.Mutex
	exited []*Thread
}

func (o *fakeOwner) OnThreadExit(t *Thread) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.exited = append(o.exited, t)
}

func newTestThread(t *testing.T, reg *Registry, sched Scheduler, fn EntryFunc) *Thread {
	t.Helper()
	th, err := Create(reg, sched, "test", nil, true, fn, 0, 0, 512)
	require.NoError(t, err)
	return th
}

func TestCreateStartsInCreated(t *testing.T) {
	th := newTestThread(t, nil, nil, nil)
	require.Equal(t, Created, th.State())
}

func TestRunTransitionsToReady(t *testing.T) {
	sched := &fakeScheduler{}
	done := make(chan struct{})
	th := newTestThread(t, nil, sched, func(uintptr, uintptr) { close(done) })
	th.Run()
	<-done
	// The thread exits on its own after the body returns.
	require.Eventually(t, func() bool { return th.State() == Dead }, time.Second, time.Millisecond)
	require.Len(t, sched.enqueued, 1)
}

func TestSleepZeroTimeoutWouldBlock(t *testing.T) {
	th := newTestThread(t, nil, nil, nil)
	status := th.Sleep(SleepOptions{Timeout: 0})
	require.Equal(t, errs.WOULD_BLOCK, status)
	require.Equal(t, Created, th.State())
}

func TestSleepWakeReturnsSuccess(t *testing.T) {
	sched := &fakeScheduler{}
	th := newTestThread(t, nil, sched, nil)

	var status errs.Status
	wg := make(chan struct{})
	go func() {
		status = th.Sleep(SleepOptions{Timeout: -1, Interruptible: true, Name: "test-wait"})
		close(wg)
	}()

	require.Eventually(t, func() bool { return th.State() == Sleeping }, time.Second, time.Millisecond)
	th.Wake()
	<-wg
	require.Equal(t, errs.SUCCESS, status)
	require.Equal(t, Ready, th.State())
}

func TestSleepTimesOut(t *testing.T) {
	th := newTestThread(t, nil, &fakeScheduler{}, nil)
	start := time.Now()
	status := th.Sleep(SleepOptions{Timeout: 20 * time.Millisecond})
	elapsed := time.Since(start)
	require.Equal(t, errs.TIMED_OUT, status)
	require.GreaterOrEqual(t, elapsed, 20*time.Millisecond)
}

func TestInterruptDuringSleepWakesInterrupted(t *testing.T) {
	// Kernel threads cannot be interrupted, so this uses a user thread.
	th, err := Create(nil, &fakeScheduler{}, "test", nil, false, nil, 0, 0, 512)
	require.NoError(t, err)

	var status errs.Status
	done := make(chan struct{})
	go func() {
		status = th.Sleep(SleepOptions{Timeout: 200 * time.Millisecond, Interruptible: true})
		close(done)
	}()

	require.Eventually(t, func() bool { return th.State() == Sleeping }, time.Second, time.Millisecond)
	woke := th.Interrupt()
	<-done
	require.True(t, woke)
	require.Equal(t, errs.INTERRUPTED, status)
}

func TestInterruptOnNonInterruptibleSleepDoesNotWake(t *testing.T) {
	// Kernel threads cannot be interrupted, so this uses a user thread.
	th, err := Create(nil, &fakeScheduler{}, "test", nil, false, nil, 0, 0, 512)
	require.NoError(t, err)

	var status errs.Status
	done := make(chan struct{})
	go func() {
		status = th.Sleep(SleepOptions{Timeout: 60 * time.Millisecond, Interruptible: false})
		close(done)
	}()

	require.Eventually(t, func() bool { return th.State() == Sleeping }, time.Second, time.Millisecond)
	woke := th.Interrupt()
	require.False(t, woke, "a non-interruptible sleeper must not be woken by Interrupt")

	<-done
	require.Equal(t, errs.TIMED_OUT, status, "the sleep must run to its own timeout, not be cut short")

	// The pending INTERRUPTED flag must cause the *next* interruptible
	// sleep to return immediately.
	status2 := th.Sleep(SleepOptions{Timeout: -1, Interruptible: true})
	require.Equal(t, errs.INTERRUPTED, status2)
}

func TestKernelThreadCannotBeInterrupted(t *testing.T) {
	th := newTestThread(t, nil, &fakeScheduler{}, nil)
	done := make(chan struct{})
	go func() {
		th.Sleep(SleepOptions{Timeout: -1, Interruptible: true})
		close(done)
	}()
	require.Eventually(t, func() bool { return th.State() == Sleeping }, time.Second, time.Millisecond)

	require.False(t, th.Interrupt())
	th.Wake()
	<-done
}

func TestWireUnwire(t *testing.T) {
	th := newTestThread(t, nil, nil, nil)
	th.Wire()
	th.Wire()
	require.EqualValues(t, 2, th.Wired())
	th.Unwire()
	require.EqualValues(t, 1, th.Wired())
}

func TestThreadLimitExhaustion(t *testing.T) {
	reg := NewRegistry(2)
	t1, err := Create(reg, nil, "a", nil, true, nil, 0, 0, 0)
	require.NoError(t, err)
	t2, err := Create(reg, nil, "b", nil, true, nil, 0, 0, 0)
	require.NoError(t, err)

	_, err = Create(reg, nil, "c", nil, true, nil, 0, 0, 0)
	require.Equal(t, errs.THREAD_LIMIT, err)

	// No partially-initialized thread leaked into the registry; the two
	// CREATED threads stay registered even though Lookup hides them.
	require.Contains(t, reg.byID, t1.id)
	require.Contains(t, reg.byID, t2.id)
}

func TestLookupHidesCreatedAndDead(t *testing.T) {
	reg := NewRegistry(16)
	th, err := Create(reg, &fakeScheduler{}, "x", nil, true, func(uintptr, uintptr) {}, 0, 0, 0)
	require.NoError(t, err)
	require.Nil(t, reg.Lookup(th.id), "CREATED threads are not visible to Lookup")

	th.Run()
	require.Eventually(t, func() bool { return th.State() == Dead }, time.Second, time.Millisecond)
	require.Nil(t, reg.Lookup(th.id), "DEAD threads are not visible to Lookup")
}

func TestDeathNotifierFiresOnce(t *testing.T) {
	th := newTestThread(t, nil, &fakeScheduler{}, func(uintptr, uintptr) {})
	var calls int
	var mu sync.Mutex
	th.NotifyOnDeath(func(*Thread) {
		mu.Lock()
		calls++
		mu.Unlock()
	})
	th.Run()
	require.Eventually(t, func() bool { return th.State() == Dead }, time.Second, time.Millisecond)

	// Registering after death fires immediately, still exactly once.
	th.NotifyOnDeath(func(*Thread) {
		mu.Lock()
		calls++
		mu.Unlock()
	})

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 2, calls)
}

func TestReleaseUnderflowPanics(t *testing.T) {
	th := newTestThread(t, NewRegistry(4), nil, nil)
	th.Retain()
	th.Release()
	th.Release() // drops the original creation reference too.
	require.Panics(t, th.Release)
}
