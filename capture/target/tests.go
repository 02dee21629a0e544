// SPDX-FileCopyrightText: 2022 Free Mobile
// SPDX-License-Identifier: AGPL-3.0-only

//go:build !release

package target

import (
	"context"
	"sync"
	"testing"
)

// MockMemory is an in-memory register file. DWT.CTRL advertises four
// comparators.
type MockMemory struct {
	lock   sync.Mutex
	words  map[uint32]uint32
	writes []uint32
	err    error
}

// NewMockMemory creates a new mocked memory.
func NewMockMemory() *MockMemory {
	return &MockMemory{
		words: map[uint32]uint32{0xE0001000: 4 << 28},
	}
}

// ReadWord reads a word.
func (m *MockMemory) ReadWord(_ context.Context, addr uint32) (uint32, error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.err != nil {
		return 0, m.err
	}
	return m.words[addr], nil
}

// WriteWord writes a word.
func (m *MockMemory) WriteWord(_ context.Context, addr uint32, value uint32) error {
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.err != nil {
		return m.err
	}
	m.words[addr] = value
	m.writes = append(m.writes, addr)
	return nil
}

// Get returns the current value of a word.
func (m *MockMemory) Get(addr uint32) uint32 {
	m.lock.Lock()
	defer m.lock.Unlock()
	return m.words[addr]
}

// Put sets the current value of a word.
func (m *MockMemory) Put(addr uint32, value uint32) {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.words[addr] = value
}

// Fail makes all following accesses fail with the provided error. Use nil
// to restore access.
func (m *MockMemory) Fail(err error) {
	m.lock.Lock()
	defer m.lock.Unlock()
	m.err = err
}

// Writes returns the addresses written so far, in order.
func (m *MockMemory) Writes() []uint32 {
	m.lock.Lock()
	defer m.lock.Unlock()
	return append([]uint32{}, m.writes...)
}

// NewMock creates a target over a mocked memory.
func NewMock(t testing.TB) (*ARMv7M, *MockMemory) {
	t.Helper()
	mem := NewMockMemory()
	target, err := New(context.Background(), mem)
	if err != nil {
		t.Fatalf("New() error:\n%+v", err)
	}
	return target, mem
}
