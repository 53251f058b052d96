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

import "github.com/aejsmith/kiwi-go/pkg/errs"

// IPCDataMax bounds the size of a single read/write chunk (§4.5).
// Kept distinct from kconfig.IPCDataMax so this package has no
// dependency on boot configuration; callers that want the
// configured value pass kconfig.IPCDataMax as chunkSize.
const IPCDataMax = 16 * 1024

// Read performs a chunked read of n bytes starting at off, stopping
// early on a short transfer (§4.5). chunkSize caps each op's transfer
// and would normally be kconfig.IPCDataMax.
func (f *File) Read(off uint64, n int, chunkSize int) ([]byte, error) {
	if !f.Supports(SupportsRead) {
		return nil, errs.NOT_SUPPORTED
	}
	if chunkSize <= 0 || chunkSize > IPCDataMax {
		chunkSize = IPCDataMax
	}

	out := make([]byte, 0, n)
	for len(out) < n {
		want := n - len(out)
		if want > chunkSize {
			want = chunkSize
		}

		msg := &Message{}
		msg.InlineN = copy(msg.Inline[:], encodeOffsetLen(off+uint64(len(out)), want))

		reply, err := f.submit(OpRead, 0, msg)
		if err != nil {
			return out, err
		}
		if reply.Status != errs.SUCCESS {
			return out, reply.Status
		}

		out = append(out, reply.Data...)
		if len(reply.Data) < want {
			break // short transfer: end-of-file
		}
	}
	return out, nil
}

// Write performs a chunked write of data starting at off (§4.5). Small
// writes that fit the inline payload slot avoid the Data buffer.
func (f *File) Write(off uint64, data []byte, chunkSize int) (int, error) {
	if !f.Supports(SupportsWrite) {
		return 0, errs.NOT_SUPPORTED
	}
	if chunkSize <= 0 || chunkSize > IPCDataMax {
		chunkSize = IPCDataMax
	}

	written := 0
	for written < len(data) {
		end := written + chunkSize
		if end > len(data) {
			end = len(data)
		}
		chunk := data[written:end]

		msg := &Message{}
		if len(chunk) <= len(msg.Inline) {
			msg.InlineN = copy(msg.Inline[:], chunk)
		} else {
			msg.Data = chunk
		}

		reply, err := f.submit(OpWrite, 0, msg)
		if err != nil {
			return written, err
		}
		if reply.Status != errs.SUCCESS {
			return written, reply.Status
		}

		n := len(chunk)
		if reply.InlineN > 0 {
			n = reply.InlineN
		}
		written += n
		if n < len(chunk) {
			break // short transfer
		}
	}
	return written, nil
}

// Info issues an INFO op and returns the reply payload verbatim.
func (f *File) Info() ([]byte, error) {
	if !f.Supports(SupportsInfo) {
		return nil, errs.NOT_SUPPORTED
	}
	reply, err := f.submit(OpInfo, 0, &Message{})
	if err != nil {
		return nil, err
	}
	if reply.Status != errs.SUCCESS {
		return nil, reply.Status
	}
	return reply.Data, nil
}

// Request issues a device-specific REQUEST op with an arbitrary
// payload and returns the reply payload.
func (f *File) Request(payload []byte) ([]byte, error) {
	if !f.Supports(SupportsRequest) {
		return nil, errs.NOT_SUPPORTED
	}
	msg := &Message{Data: payload}
	reply, err := f.submit(OpRequest, 0, msg)
	if err != nil {
		return nil, err
	}
	if reply.Status != errs.SUCCESS {
		return nil, reply.Status
	}
	return reply.Data, nil
}

func encodeOffsetLen(off uint64, n int) []byte {
	b := make([]byte, 16)
	for i := 0; i < 8; i++ {
		b[i] = byte(off >> (8 * i))
	}
	u := uint64(n)
	for i := 0; i < 8; i++ {
		b[8+i] = byte(u >> (8 * i))
	}
	return b
}
