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

package klog

import (
	"os"

	"github.com/kr/pty"
)

// PTYSink simulates a hardware UART console by backing a log sink with
// a pty master/slave pair: bytes written to the ring also appear on
// the slave side, the way a serial console would, for any test driver
// that wants to read kernel output as a stream of bytes rather than
// structured log lines.
type PTYSink struct {
	name   string
	min    Level
	master *os.File
	slave  *os.File
}

// NewPTYSink allocates a pty pair for use as a simulated serial
// console. Callers needing the TTY to hand to a test driver should
// read PTYSink.Slave().
func NewPTYSink(name string, min Level) (*PTYSink, error) {
	master, slave, err := pty.Open()
	if err != nil {
		return nil, err
	}
	return &PTYSink{name: name, min: min, master: master, slave: slave}, nil
}

func (s *PTYSink) Name() string    { return s.name }
func (s *PTYSink) MinLevel() Level { return s.min }

func (s *PTYSink) Write(_ Level, line []byte) {
	// Best effort: a serial console with nothing attached to its slave
	// drops bytes rather than blocking the kernel log path.
	_, _ = s.master.Write(line)
}

// Slave returns the pty slave, the end a test harness should open to
// observe the simulated serial console.
func (s *PTYSink) Slave() *os.File { return s.slave }

// Close releases both ends of the pty pair.
func (s *PTYSink) Close() error {
	err1 := s.master.Close()
	err2 := s.slave.Close()
	if err1 != nil {
		return err1
	}
	return err2
}
