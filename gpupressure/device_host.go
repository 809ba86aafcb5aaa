// Copyright 2022-2025 The Parca Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package gpupressure

import (
	"context"
	"fmt"
	"sync"
	"unsafe"

	"github.com/pbnjay/memory"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// fillChunk bounds how much is filled between context checks.
const fillChunk = 64 * MiB

// hostDevice commits anonymous private mappings outside the Go heap. The
// mappings are never unmapped, the kernel reclaims them when the process
// exits, which is exactly the release semantics of a GPU allocation.
type hostDevice struct {
	mu       sync.Mutex
	mappings [][]byte
	// totalMemory reports physical memory, zero when unknown.
	totalMemory func() uint64
}

func newHostDevice() *hostDevice {
	return &hostDevice{totalMemory: memory.TotalMemory}
}

func (d *hostDevice) Allocate(ctx context.Context, size uint64) (*Allocation, error) {
	if size == 0 {
		return nil, ErrZeroSize
	}
	if total := d.totalMemory(); total != 0 && size > total {
		return nil, fmt.Errorf("allocating %d bytes: exceeds physical memory (%d bytes)", size, total)
	}
	b, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("mmap %d bytes: %w", size, err)
	}
	for off := 0; off < len(b); off += fillChunk {
		if err := ctx.Err(); err != nil {
			unix.Munmap(b)
			return nil, err
		}
		end := min(off+fillChunk, len(b))
		fill(b[off:end], fillPattern)
	}

	d.mu.Lock()
	d.mappings = append(d.mappings, b)
	d.mu.Unlock()

	handle := uint64(uintptr(unsafe.Pointer(&b[0])))
	log.Debugf("committed %d bytes of host memory at 0x%x", size, handle)
	return &Allocation{Size: size, Handle: handle}, nil
}

func (d *hostDevice) Close() error {
	return nil
}

// fill sets every byte of b to v, doubling the copied prefix each round.
func fill(b []byte, v byte) {
	if len(b) == 0 {
		return
	}
	b[0] = v
	for n := 1; n < len(b); n *= 2 {
		copy(b[n:], b[:n])
	}
}
