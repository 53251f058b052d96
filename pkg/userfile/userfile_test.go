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

package userfile

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aejsmith/kiwi-go/pkg/errs"
)

// loopEndpoint is a fake Endpoint whose Send is handled synchronously
// by a user-supplied function, simulating a well-behaved (or
// misbehaving) remote implementation process.
type loopEndpoint struct {
	mu     sync.Mutex
	closed bool
	handle func(msg *Message) *Message // nil reply means drop it (no reply)
	file   *File
}

func (e *loopEndpoint) Send(msg *Message) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return errs.CONN_HUNGUP
	}
	e.mu.Unlock()

	reply := e.handle(msg)
	if reply != nil {
		e.file.Receive(reply)
	}
	return nil
}

func (e *loopEndpoint) Close() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
}

func echoReader(data []byte) func(msg *Message) *Message {
	return func(msg *Message) *Message {
		return &Message{Op: msg.Op, Serial: msg.Serial, Data: data, Status: errs.SUCCESS}
	}
}

func TestReadCompletesInOneChunkOnShortTransfer(t *testing.T) {
	ep := &loopEndpoint{}
	f := New("test0", Regular, SupportsRead, ep)
	ep.file = f
	ep.handle = echoReader([]byte("hello"))

	out, err := f.Read(0, 1024, 4096)
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), out)
}

func TestWriteSmallPayloadUsesInlineSlot(t *testing.T) {
	ep := &loopEndpoint{}
	f := New("test0", Regular, SupportsWrite, ep)
	ep.file = f

	var gotInline int
	ep.handle = func(msg *Message) *Message {
		gotInline = msg.InlineN
		return &Message{Op: msg.Op, Serial: msg.Serial, InlineN: msg.InlineN, Status: errs.SUCCESS}
	}

	n, err := f.Write(0, []byte("short"), 4096)
	require.NoError(t, err)
	require.Equal(t, 5, n)
	require.Equal(t, 5, gotInline)
}

func TestWriteLargePayloadUsesDataBuffer(t *testing.T) {
	ep := &loopEndpoint{}
	f := New("test0", Regular, SupportsWrite, ep)
	ep.file = f

	payload := make([]byte, 200)
	var gotDataLen int
	ep.handle = func(msg *Message) *Message {
		gotDataLen = len(msg.Data)
		return &Message{Op: msg.Op, Serial: msg.Serial, InlineN: len(msg.Data), Status: errs.SUCCESS}
	}

	n, err := f.Write(0, payload, 4096)
	require.NoError(t, err)
	require.Equal(t, len(payload), n)
	require.Equal(t, len(payload), gotDataLen)
}

func TestUnsupportedOpReturnsNotSupported(t *testing.T) {
	ep := &loopEndpoint{}
	f := New("test0", Regular, 0, ep)
	ep.file = f

	_, err := f.Read(0, 16, 4096)
	require.Equal(t, errs.NOT_SUPPORTED, err)
}

func TestConnHungupTerminatesFileAndFailsOutstandingOps(t *testing.T) {
	ep := &loopEndpoint{}
	f := New("test0", Regular, SupportsRead, ep)
	ep.file = f
	ep.handle = func(msg *Message) *Message {
		ep.Close()
		f.Terminate() // simulate the receive loop observing the hangup
		return nil
	}

	_, err := f.Read(0, 16, 4096)
	require.Equal(t, errs.DEVICE_ERROR, err)
	require.True(t, f.Terminated())
}

func TestTerminateFailsSubsequentOps(t *testing.T) {
	ep := &loopEndpoint{}
	f := New("test0", Regular, SupportsRead|SupportsInfo, ep)
	ep.file = f
	ep.handle = echoReader([]byte("x"))

	f.Terminate()

	_, err := f.Read(0, 16, 4096)
	require.Equal(t, errs.DEVICE_ERROR, err)

	_, err = f.Info()
	require.Equal(t, errs.DEVICE_ERROR, err)
}

func TestReplyOpMismatchTerminatesFile(t *testing.T) {
	ep := &loopEndpoint{}
	f := New("test0", Regular, SupportsRead, ep)
	ep.file = f
	ep.handle = func(msg *Message) *Message {
		return &Message{Op: OpWrite, Serial: msg.Serial, Status: errs.SUCCESS}
	}

	_, err := f.Read(0, 16, 4096)
	require.Equal(t, errs.DEVICE_ERROR, err)
	require.True(t, f.Terminated())
}

func TestWaitSignalsOnReplyWithoutBlockingCaller(t *testing.T) {
	ep := &loopEndpoint{}
	f := New("test0", Regular, SupportsWait, ep)
	ep.file = f

	signaled := make(chan struct{}, 1)
	ep.handle = func(msg *Message) *Message {
		go func() {
			f.Receive(&Message{Op: OpWait, Serial: msg.Serial, Status: errs.SUCCESS})
		}()
		return nil
	}

	_, err := f.Wait(7, func() { signaled <- struct{}{} })
	require.NoError(t, err)

	select {
	case <-signaled:
	case <-time.After(time.Second):
		t.Fatal("onSignal never called")
	}
}

func TestUnwaitSendsUnwaitOpWhenSupported(t *testing.T) {
	ep := &loopEndpoint{}
	f := New("test0", Regular, SupportsWait|SupportsUnwait, ep)
	ep.file = f

	var unwaitSerial uint64
	unwaitSent := make(chan struct{}, 1)
	ep.handle = func(msg *Message) *Message {
		if msg.Op == OpUnwait {
			unwaitSerial = msg.Serial
			unwaitSent <- struct{}{}
		}
		return nil
	}

	w, err := f.Wait(9, nil)
	require.NoError(t, err)

	require.NoError(t, f.Unwait(w))

	select {
	case <-unwaitSent:
	case <-time.After(time.Second):
		t.Fatal("unwait op never sent")
	}
	require.Equal(t, w.serial, unwaitSerial)
}
