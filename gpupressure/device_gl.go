//go:build linux && cgo

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
	"unsafe"

	"github.com/go-gl/gl/all-core/gl"
	"github.com/go-gl/glfw/v3.3/glfw"
	log "github.com/sirupsen/logrus"
)

const (
	windowWidth  = 800
	windowHeight = 600
)

// glDevice owns an X window whose GL context is current on
// the calling OS thread. All methods must run on that thread.
type glDevice struct {
	window *glfw.Window
}

// openGLDevice initializes GLFW and an X window and makes the window's GL
// context current. The caller must have locked the OS thread.
func openGLDevice(title string) (Device, error) {
	if err := glfw.Init(); err != nil {
		return nil, fmt.Errorf("initializing glfw: %w", err)
	}
	glfw.WindowHint(glfw.ContextVersionMajor, 3)
	glfw.WindowHint(glfw.ContextVersionMinor, 3)
	glfw.WindowHint(glfw.OpenGLProfile, glfw.OpenGLCoreProfile)
	window, err := glfw.CreateWindow(windowWidth, windowHeight, title, nil, nil)
	if err != nil {
		glfw.Terminate()
		return nil, fmt.Errorf("creating glfw window: %w", err)
	}
	window.MakeContextCurrent()
	if err := gl.Init(); err != nil {
		glfw.Terminate()
		return nil, fmt.Errorf("loading gl functions: %w", err)
	}
	if major, minor, exts := contextInfo(); !clearBufferSupported(major, minor, exts) {
		version := gl.GoStr(gl.GetString(gl.VERSION))
		window.Destroy()
		glfw.Terminate()
		return nil, fmt.Errorf("%s: glClearBufferData needs OpenGL 4.3 or %s", version, clearBufferExtension)
	}
	gl.Viewport(0, 0, windowWidth, windowHeight)
	window.SetFramebufferSizeCallback(func(_ *glfw.Window, width, height int) {
		gl.Viewport(0, 0, int32(width), int32(height))
	})
	log.Debugf("GL context ready: %s (%s)", gl.GoStr(gl.GetString(gl.RENDERER)), gl.GoStr(gl.GetString(gl.VERSION)))
	return &glDevice{window: window}, nil
}

// contextInfo reports the version and extensions of the current context.
func contextInfo() (major, minor int32, extensions []string) {
	gl.GetIntegerv(gl.MAJOR_VERSION, &major)
	gl.GetIntegerv(gl.MINOR_VERSION, &minor)
	var n int32
	gl.GetIntegerv(gl.NUM_EXTENSIONS, &n)
	for i := int32(0); i < n; i++ {
		extensions = append(extensions, gl.GoStr(gl.GetStringi(gl.EXTENSIONS, uint32(i))))
	}
	return major, minor, extensions
}

func (d *glDevice) Allocate(ctx context.Context, size uint64) (*Allocation, error) {
	if size == 0 {
		return nil, ErrZeroSize
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var buf uint32
	gl.GenBuffers(1, &buf)
	gl.BindBuffer(gl.PIXEL_UNPACK_BUFFER, buf)
	gl.BufferData(gl.PIXEL_UNPACK_BUFFER, int(size), nil, gl.STATIC_DRAW)
	pattern := fillPattern
	gl.ClearBufferData(gl.PIXEL_UNPACK_BUFFER, gl.R8, gl.RED, gl.UNSIGNED_BYTE, unsafe.Pointer(&pattern))
	gl.Finish()
	if code := gl.GetError(); code != gl.NO_ERROR {
		return nil, fmt.Errorf("allocating %d bytes in gl buffer %d: gl error 0x%x", size, buf, code)
	}
	return &Allocation{Size: size, Handle: uint64(buf)}, nil
}

func (d *glDevice) Close() error {
	d.window.Destroy()
	glfw.Terminate()
	return nil
}
