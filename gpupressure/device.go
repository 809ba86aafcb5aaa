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

// Package gpupressure applies controlled memory pressure to a GPU. It holds a
// fixed base allocation for the life of the process and can make additional
// memory oscillate by repeatedly re-executing itself as a short lived worker
// process that allocates, holds, and is then terminated.
//
// Workers are separate OS processes on purpose: device allocators cache freed
// regions inside a process, so only process exit reliably hands memory back to
// the device.
package gpupressure

import (
	"context"
	"errors"
	"fmt"
	"slices"
)

// MiB is the allocation granularity used on the command line.
const MiB = 1024 * 1024

const (
	// BackendGL allocates OpenGL buffer objects on the GPU.
	BackendGL = "gl"
	// BackendHost commits anonymous host memory. It behaves like the GL
	// backend from the controller's point of view and needs no GPU.
	BackendHost = "host"
)

// WindowTitle is the title of the window backing the GL context.
const WindowTitle = "Allocate GPU memory base"

var (
	// ErrZeroSize is returned when an allocation of zero bytes is requested.
	ErrZeroSize = errors.New("allocation size must be positive")
	// ErrUnknownBackend is returned by OpenDevice for unsupported backend names.
	ErrUnknownBackend = errors.New("unknown device backend")
	// ErrNoBackend is returned when a backend is not compiled into this binary.
	ErrNoBackend = errors.New("device backend not available in this build")
)

// Allocation is one committed, device resident memory reservation. There is
// no way to free it: the memory is returned when the owning process exits.
type Allocation struct {
	// Size of the reservation in bytes.
	Size uint64
	// Handle is the backend's opaque identifier (GL buffer name, host address).
	Handle uint64
}

//go:generate go run go.uber.org/mock/mockgen -source=device.go -destination=mock_device_test.go -package=gpupressure

// Device commits memory on some allocator.
type Device interface {
	// Allocate commits size bytes, fills them with a fixed byte pattern and
	// returns only after the device confirmed the work is complete.
	Allocate(ctx context.Context, size uint64) (*Allocation, error)
	// Close releases the device context. Allocations are not freed explicitly.
	Close() error
}

// OpenDevice initializes the named backend.
func OpenDevice(backend, title string) (Device, error) {
	switch backend {
	case BackendGL:
		return openGLDevice(title)
	case BackendHost:
		return newHostDevice(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, backend)
	}
}

// fillPattern is written to every byte of a fresh allocation so the allocator
// has to commit real pages instead of a lazy or copy-on-write reservation.
const fillPattern = byte(0x01)

const clearBufferExtension = "GL_ARB_clear_buffer_object"

// clearBufferSupported reports whether glClearBufferData is usable: core since
// OpenGL 4.3, an extension on the 3.3 contexts the GL backend asks for.
func clearBufferSupported(major, minor int32, extensions []string) bool {
	if major > 4 || (major == 4 && minor >= 3) {
		return true
	}
	return slices.Contains(extensions, clearBufferExtension)
}
