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

// Package pagetables implements the per-address-space translation
// table tree (C-MMU): mapping, unmapping, querying, the TLB
// invalidation queue, and ASID allocation. The walker is
// architecture-generic; entry encoding (NX/global/large bits on
// x86-64, AP/XN/AttrIdx on aarch64, §6) is out of this module's
// scope and is represented here only as the semantic access/cache
// flag set §6 requires every architecture to expose.
package pagetables

import "golang.org/x/sys/unix"

// Access is the semantic permission set of a mapping: MMU_ACCESS_{READ,
// WRITE,EXECUTE} from §6.
type Access uint8

const (
	Read Access = 1 << iota
	Write
	Execute
)

// CacheMode is the semantic cache policy of a mapping: MMU_CACHE_{NORMAL,
// DEVICE,UNCACHED,WRITE_COMBINE} from §6.
type CacheMode uint8

const (
	CacheNormal CacheMode = iota
	CacheDevice
	CacheUncached
	CacheWriteCombine
)

// MapFlags is the full semantic flag set passed to Map: access bits,
// cache mode, and whether the mapping is global (shared across every
// ASID, used only for kernel mappings, §3) or a large page (kernel
// sections only, §4.3).
type MapFlags struct {
	Access Access
	Cache  CacheMode
	Global bool
	Large  bool
	User   bool
}

// entryFlags is the architecture-neutral encoding this module uses
// internally for a present entry: one iota per semantic bit, not a
// real hardware encoding (the real encoding is architecture assembly,
// out of scope). calcEntryFlags is the uniform mapper §6 requires.
type entryFlags uint16

const (
	flagPresent entryFlags = 1 << iota
	flagWrite
	flagExecute
	flagUser
	flagGlobal
	flagLarge
	flagCacheDevice
	flagCacheUncached
	flagCacheWriteCombine
)

// calcEntryFlags maps MapFlags onto entryFlags, the uniform operation
// §6 names. The parallel unixProt below maps the same Access bits onto
// POSIX mmap protection bits, for tests that need a real backing arena.
func calcEntryFlags(f MapFlags) entryFlags {
	e := flagPresent
	if f.Access&Write != 0 {
		e |= flagWrite
	}
	if f.Access&Execute != 0 {
		e |= flagExecute
	}
	if f.User {
		e |= flagUser
	}
	if f.Global {
		e |= flagGlobal
	}
	if f.Large {
		e |= flagLarge
	}
	switch f.Cache {
	case CacheDevice:
		e |= flagCacheDevice
	case CacheUncached:
		e |= flagCacheUncached
	case CacheWriteCombine:
		e |= flagCacheWriteCombine
	}
	return e
}

// unixProt returns the golang.org/x/sys/unix PROT_* bits corresponding
// to f.Access, used by tests that back a context's "physical memory"
// with a real mmap arena and want matching protection bits.
func (f MapFlags) unixProt() int {
	prot := unix.PROT_NONE
	if f.Access&Read != 0 {
		prot |= unix.PROT_READ
	}
	if f.Access&Write != 0 {
		prot |= unix.PROT_WRITE
	}
	if f.Access&Execute != 0 {
		prot |= unix.PROT_EXEC
	}
	return prot
}

func (e entryFlags) toAccess() Access {
	var a Access
	// Presence implies read.
	if e&flagPresent != 0 {
		a |= Read
	}
	if e&flagWrite != 0 {
		a |= Write
	}
	if e&flagExecute != 0 {
		a |= Execute
	}
	return a
}

func (e entryFlags) toCache() CacheMode {
	switch {
	case e&flagCacheDevice != 0:
		return CacheDevice
	case e&flagCacheUncached != 0:
		return CacheUncached
	case e&flagCacheWriteCombine != 0:
		return CacheWriteCombine
	default:
		return CacheNormal
	}
}
