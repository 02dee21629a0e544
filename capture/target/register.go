// SPDX-FileCopyrightText: 2022 Free Mobile
// SPDX-License-Identifier: AGPL-3.0-only

package target

import (
	"context"
	"fmt"
)

// Memory gives access to the 32-bit memory-mapped registers of a target.
type Memory interface {
	// ReadWord reads a single 32-bit word.
	ReadWord(ctx context.Context, addr uint32) (uint32, error)
	// WriteWord writes a single 32-bit word.
	WriteWord(ctx context.Context, addr uint32, value uint32) error
}

// Register is a 32-bit memory-mapped register.
type Register struct {
	mem  Memory
	Addr uint32
}

// Read reads the register.
func (r Register) Read(ctx context.Context) (uint32, error) {
	v, err := r.mem.ReadWord(ctx, r.Addr)
	if err != nil {
		return 0, fmt.Errorf("cannot read register 0x%08X: %w", r.Addr, err)
	}
	return v, nil
}

// Write writes the register.
func (r Register) Write(ctx context.Context, value uint32) error {
	if err := r.mem.WriteWord(ctx, r.Addr, value); err != nil {
		return fmt.Errorf("cannot write register 0x%08X: %w", r.Addr, err)
	}
	return nil
}

// Set sets the provided bits with a read-modify-write cycle.
func (r Register) Set(ctx context.Context, bits uint32) error {
	v, err := r.Read(ctx)
	if err != nil {
		return err
	}
	return r.Write(ctx, v|bits)
}

// Clear clears the provided bits with a read-modify-write cycle.
func (r Register) Clear(ctx context.Context, bits uint32) error {
	v, err := r.Read(ctx)
	if err != nil {
		return err
	}
	return r.Write(ctx, v&^bits)
}

// Update sets or clears the provided bits.
func (r Register) Update(ctx context.Context, bits uint32, set bool) error {
	if set {
		return r.Set(ctx, bits)
	}
	return r.Clear(ctx, bits)
}

// RegisterArray is a set of registers regularly spaced in memory.
type RegisterArray struct {
	mem    Memory
	Base   uint32
	Stride uint32
}

// At returns the register at the provided index.
func (a RegisterArray) At(i int) Register {
	return Register{mem: a.mem, Addr: a.Base + a.Stride*uint32(i)}
}
