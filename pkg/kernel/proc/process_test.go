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
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aejsmith/kiwi-go/pkg/errs"
	"github.com/aejsmith/kiwi-go/pkg/kernel/thread"
)

const (
	secondTimeout = time.Second
	tick          = time.Millisecond
)

func TestAttachDetachTracksThreadCount(t *testing.T) {
	reg := NewRegistry(16)
	p, err := Create(reg, "init", nil, NewSecurityContext(0), "elf")
	require.NoError(t, err)

	treg := thread.NewRegistry(16)
	th, err := thread.Create(treg, nil, "main", p, true, func(uintptr, uintptr) {}, 0, 0, 0)
	require.NoError(t, err)
	p.AttachThread(th)
	require.Equal(t, 1, p.ThreadCount())

	th.Run()
	require.Eventually(t, func() bool { return p.Terminal() }, secondTimeout, tick)
	require.Equal(t, 0, p.ThreadCount())
}

func TestResetFailsWithMultipleThreads(t *testing.T) {
	reg := NewRegistry(16)
	p, err := Create(reg, "init", nil, NewSecurityContext(0), "elf")
	require.NoError(t, err)

	treg := thread.NewRegistry(16)
	t1, err := thread.Create(treg, nil, "t1", p, true, nil, 0, 0, 0)
	require.NoError(t, err)
	t2, err := thread.Create(treg, nil, "t2", p, true, nil, 0, 0, 0)
	require.NoError(t, err)
	p.AttachThread(t1)
	p.AttachThread(t2)

	err = p.Reset("/bin/new", nil)
	require.Equal(t, errs.STILL_RUNNING, err)
}

func TestResetRenamesAndDropsNonInheritableHandles(t *testing.T) {
	reg := NewRegistry(16)
	p, err := Create(reg, "init", nil, NewSecurityContext(0), "elf")
	require.NoError(t, err)

	treg := thread.NewRegistry(16)
	th, err := thread.Create(treg, nil, "main", p, true, nil, 0, 0, 0)
	require.NoError(t, err)
	p.AttachThread(th)

	keep := p.Handles().Add("stdio", true)
	drop := p.Handles().Add("mapping", false)

	require.NoError(t, p.Reset("/bin/new", nil))
	require.Equal(t, "/bin/new", p.Name())
	require.Equal(t, "/bin/new", th.Name(), "Reset must rename the surviving primary thread, not just the process")

	_, err = p.Handles().Get(keep)
	require.NoError(t, err)
	_, err = p.Handles().Get(drop)
	require.Equal(t, errs.INVALID_HANDLE, err)
}

func TestKernelProcessSurvivesLastThreadExit(t *testing.T) {
	kp := KernelProcess()
	require.True(t, kp.permanent)

	treg := thread.NewRegistry(16)
	done := make(chan struct{})
	th, err := thread.Create(treg, nil, "kworker", kp, true, func(uintptr, uintptr) { close(done) }, 0, 0, 0)
	require.NoError(t, err)
	kp.AttachThread(th)

	th.Run()
	<-done
	require.Eventually(t, func() bool { return th.State() == thread.Dead }, secondTimeout, tick)
	require.False(t, kp.Terminal())
}
