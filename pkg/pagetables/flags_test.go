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
	"golang.org/x/sys/unix"
)

// TestUnixProtMatchesMmapArena backs a page with a real mmap arena and
// drives it through unixProt for each Access combination Map accepts,
// checking that the derived PROT_* bits are ones Mprotect will actually
// take for that arena.
func TestUnixProtMatchesMmapArena(t *testing.T) {
	pageSize := unix.Getpagesize()
	mem, err := unix.Mmap(-1, 0, pageSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	require.NoError(t, err)
	defer func() { require.NoError(t, unix.Munmap(mem)) }()

	cases := []MapFlags{
		{Access: Read},
		{Access: Read | Write},
		{Access: Read | Execute},
		{Access: Read | Write | Execute},
	}
	for _, f := range cases {
		require.NoError(t, unix.Mprotect(mem, f.unixProt()))
	}

	// Leave the arena writable for Munmap's bookkeeping.
	require.NoError(t, unix.Mprotect(mem, unix.PROT_READ|unix.PROT_WRITE))
}

func TestUnixProtNoAccessIsProtNone(t *testing.T) {
	require.Equal(t, unix.PROT_NONE, MapFlags{}.unixProt())
}
