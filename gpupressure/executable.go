// Copyright 2017 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Portions of this file are derived from Go's cmd/internal/buildid package.

package gpupressure

import (
	"bytes"
	"debug/elf"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
)

var (
	elfGoNote  = []byte("Go\x00\x00")
	elfGNUNote = []byte("GNU\x00")
)

const (
	elfGoBuildIDTag = 4
	gnuBuildIDTag   = 3
)

// Executable identifies the image workers are re-executed from. It is resolved
// once at startup and handed to the launcher.
type Executable struct {
	Path string
	// BuildID is the Go or GNU build ID, empty when the image carries none.
	BuildID string
}

// ResolveExecutable finds the running binary. os.Executable is preferred so a
// later PATH change cannot swap the worker image; argv0 is the fallback.
func ResolveExecutable(argv0 string) (Executable, error) {
	path, err := os.Executable()
	if err != nil {
		path, err = exec.LookPath(argv0)
		if err != nil {
			return Executable{}, fmt.Errorf("resolving executable %q: %w", argv0, err)
		}
	}
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	exe := Executable{Path: path}
	// Non-ELF images just have no build ID.
	if id, err := readBuildID(path); err == nil {
		exe.BuildID = id
	}
	return exe, nil
}

// readBuildID reads the build ID from the PT_NOTE segments of an ELF binary.
func readBuildID(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	ef, err := elf.NewFile(f)
	if err != nil {
		return "", err
	}

	var gnu string
	for _, p := range ef.Progs {
		if p.Type != elf.PT_NOTE || p.Filesz < 16 {
			continue
		}
		note := make([]byte, p.Filesz)
		if _, err := io.ReadFull(io.NewSectionReader(f, int64(p.Off), int64(p.Filesz)), note); err != nil {
			return "", err
		}

		for len(note) >= 16 {
			nameSize := ef.ByteOrder.Uint32(note)
			valSize := ef.ByteOrder.Uint32(note[4:])
			tag := ef.ByteOrder.Uint32(note[8:])
			nname := note[12:16]
			if nameSize == 4 && 16+uint64(valSize) <= uint64(len(note)) {
				switch {
				case tag == elfGoBuildIDTag && bytes.Equal(nname, elfGoNote):
					return string(note[16 : 16+valSize]), nil
				case tag == gnuBuildIDTag && bytes.Equal(nname, elfGNUNote):
					gnu = hex.EncodeToString(note[16 : 16+valSize])
				}
			}
			nameSize = (nameSize + 3) &^ 3
			valSize = (valSize + 3) &^ 3
			notesz := 12 + uint64(nameSize) + uint64(valSize)
			if uint64(len(note)) <= notesz {
				break
			}
			note = note[notesz:]
		}
	}
	// gccgo only writes a GNU note.
	return gnu, nil
}
