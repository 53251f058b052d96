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

import "sync"

var (
	kernelProcOnce sync.Once
	kernelProc     *Process
)

// KernelProcess returns the singleton process that owns kernel
// threads (§3: "kernel_proc is singleton and never destroyed"). It
// owns no user address space: kernel threads run against the global
// kernel page tables only.
func KernelProcess() *Process {
	kernelProcOnce.Do(func() {
		sec := NewSecurityContext(CapCreateProcess | CapCreateThread | CapMapPhysical | CapDeviceAccess | CapIRQControl | CapSetPriority)
		p, err := Create(Default, "kernel", nil, sec, "kernel")
		if err != nil {
			// Default's id space is 2^20 wide; allocating the very
			// first process in it cannot fail.
			panic(err)
		}
		p.permanent = true
		kernelProc = p
	})
	return kernelProc
}
