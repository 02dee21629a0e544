// SPDX-FileCopyrightText: 2022 Free Mobile
// SPDX-License-Identifier: AGPL-3.0-only

package pipeline

import (
	"bufio"
	"fmt"
	"io"
	"os"
)

// RawSink receives a copy of raw trace bytes. It may also implement
// io.Closer to be closed when replaced.
type RawSink interface {
	io.Writer
	Flush() error
}

// RawFile is a raw sink appending to a file.
type RawFile struct {
	path string
	file *os.File
	w    *bufio.Writer
}

// OpenRawFile opens a file in append mode, creating it if needed.
func OpenRawFile(path string) (*RawFile, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("cannot open raw file: %w", err)
	}
	return &RawFile{
		path: path,
		file: f,
		w:    bufio.NewWriter(f),
	}, nil
}

// Path returns the path of the file.
func (rf *RawFile) Path() string {
	return rf.path
}

// Write buffers bytes.
func (rf *RawFile) Write(p []byte) (int, error) {
	return rf.w.Write(p)
}

// Flush writes buffered bytes and syncs them to disk.
func (rf *RawFile) Flush() error {
	if err := rf.w.Flush(); err != nil {
		return err
	}
	return rf.file.Sync()
}

// Close flushes and closes the file.
func (rf *RawFile) Close() error {
	flushErr := rf.Flush()
	if err := rf.file.Close(); err != nil {
		return err
	}
	return flushErr
}
