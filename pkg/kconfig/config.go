// Copyright 2020 The gVisor Authors.
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

// Package kconfig holds the boot-time tunables of the kernel core.
// This is deliberately not a CLI: the values here are the ones a boot
// loader would hand the kernel in a configuration blob, not operator
// flags (CLI/configuration proper is out of scope, see spec §1).
package kconfig

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
)

// PriorityBands is the number of scheduler priority bands; priority 0
// is highest, PriorityBands-1 is lowest, per §3.
const PriorityBands = 32

// DefaultPriority is the default thread priority: the middle band.
const DefaultPriority = PriorityBands / 2

// IPCDataMax is the chunk size user-file read/write operations are
// split into, per §4.5.
const IPCDataMax = 16 * 1024

// Config is the full set of boot-time tunables.
type Config struct {
	// NumCPUs is the number of logical CPUs the scheduler manages.
	NumCPUs int `toml:"num_cpus"`

	// Timeslice is the fixed per-band round-robin slice. Real kernels
	// vary this per band; this implementation uses one slice for all
	// bands.
	Timeslice   time.Duration `toml:"-"`
	TimesliceMS int64         `toml:"timeslice_ms"`

	// KernelStackSize is the fixed kernel stack size per thread.
	KernelStackSize int `toml:"kernel_stack_size"`

	// TLBQueueDepth bounds the per-MMU-context TLB invalidation queue.
	TLBQueueDepth int `toml:"tlb_queue_depth"`

	// IRQWorkerStackSize is the stack size of per-IRQ-line worker
	// threads.
	IRQWorkerStackSize int `toml:"irq_worker_stack_size"`

	// IRQWorkerConcurrency bounds how many threaded IRQ handlers may
	// run at once across every domain, mirroring the "one logical
	// task per CPU" execution model (§5) without literally pinning
	// worker goroutines to CPUs.
	IRQWorkerConcurrency int `toml:"irq_worker_concurrency"`

	// ASIDBits is the width of the ASID space, bounding the ASID
	// bitmap in pkg/pagetables.
	ASIDBits int `toml:"asid_bits"`

	// LogFormat selects "text" or "json" for the logrus sink.
	LogFormat string `toml:"log_format"`
}

// Default returns the kernel's built-in defaults.
func Default() Config {
	return Config{
		NumCPUs:              1,
		TimesliceMS:          10,
		Timeslice:            10 * time.Millisecond,
		KernelStackSize:      16 * 1024,
		TLBQueueDepth:        32,
		IRQWorkerStackSize:   8 * 1024,
		IRQWorkerConcurrency: 4,
		ASIDBits:             8,
		LogFormat:            "text",
	}
}

// Load decodes a TOML boot-configuration blob over the defaults.
func Load(blob []byte) (Config, error) {
	cfg := Default()
	if _, err := toml.Decode(string(blob), &cfg); err != nil {
		return Config{}, fmt.Errorf("kconfig: decode boot blob: %w", err)
	}
	if cfg.TimesliceMS > 0 {
		cfg.Timeslice = time.Duration(cfg.TimesliceMS) * time.Millisecond
	}
	return cfg, nil
}
