// SPDX-FileCopyrightText: 2022 Free Mobile
// SPDX-License-Identifier: AGPL-3.0-only

// Package target programs the trace units of an ARMv7-M target through
// its memory-mapped registers.
package target

import (
	"context"
	"errors"
	"fmt"
	"math/bits"
	"sync"
)

// Bits of the trace registers.
const (
	DEMCRTraceEnable      = 1 << 24
	DHCSRHalted           = 1 << 17
	DWTCtrlExceptionTrace = 1 << 16
	ITMTCREnable          = 1 << 0
	ITMTCRTimestamps      = 1 << 1
	ITMTCRSync            = 1 << 2
	ITMTCRForwardDWT      = 1 << 3
	DBGMCUTraceIOEnable   = 1 << 5
	TPIUProtocolManchester = 0x1
	TPIUPortSizeByte      = 0x1

	// ITMUnlockKey is written to ITM.LAR to unlock ITM registers.
	ITMUnlockKey = 0xC5ACCE55
	// DefaultPrescaler is the default asynchronous clock prescaler.
	DefaultPrescaler = 0x10
)

// Comparator functions.
const (
	FunctionDisabled      = 0x0
	FunctionDataValue     = 0x2
	FunctionDataValuePC   = 0x3
	FunctionDataWriteOnly = 0x6
)

var (
	// ErrNoComparator is returned when all DWT comparators are in use.
	ErrNoComparator = errors.New("no DWT comparator available")
	// ErrInvalidSize is returned when a watched size is not a power of two.
	ErrInvalidSize = errors.New("size is not a power of two")
	// ErrInvalidComparator is returned for an out of range comparator.
	ErrInvalidComparator = errors.New("invalid comparator")
)

// TPIU is the Trace Port Interface Unit.
type TPIU struct {
	SSPSR, CSPSR, ACPR, SPPR, FFSR, FFCR, TYPE Register
}

// DWT is the Data Watchpoint and Trace unit.
type DWT struct {
	CTRL, CYCCNT, CPICNT, EXCCNT, SLEEPCNT, LSUCNT, FOLDCNT, PCSR Register
	COMP, MASK, FUNCTION                                         RegisterArray
}

// ITM is the Instrumentation Trace Macrocell.
type ITM struct {
	TER, TPR, TCR, LAR Register
}

// DBGMCU is the MCU debug component.
type DBGMCU struct {
	CR Register
}

// ARMv7M gives access to the trace units of a Cortex-M3/M4 target.
type ARMv7M struct {
	TPIU   TPIU
	DWT    DWT
	ITM    ITM
	DBGMCU DBGMCU
	DHCSR  Register
	DEMCR  Register

	// allocation of comparators
	lock sync.Mutex
}

// New maps the trace units over the provided memory and unlocks ITM.
func New(ctx context.Context, mem Memory) (*ARMv7M, error) {
	reg := func(addr uint32) Register { return Register{mem: mem, Addr: addr} }
	array := func(base uint32) RegisterArray { return RegisterArray{mem: mem, Base: base, Stride: 16} }
	t := &ARMv7M{
		TPIU: TPIU{
			SSPSR: reg(0xE0040000),
			CSPSR: reg(0xE0040004),
			ACPR:  reg(0xE0040010),
			SPPR:  reg(0xE00400F0),
			FFSR:  reg(0xE0040300),
			FFCR:  reg(0xE0040304),
			TYPE:  reg(0xE0040FC8),
		},
		DWT: DWT{
			CTRL:     reg(0xE0001000),
			CYCCNT:   reg(0xE0001004),
			CPICNT:   reg(0xE0001008),
			EXCCNT:   reg(0xE000100C),
			SLEEPCNT: reg(0xE0001010),
			LSUCNT:   reg(0xE0001014),
			FOLDCNT:  reg(0xE0001018),
			PCSR:     reg(0xE000101C),
			COMP:     array(0xE0001020),
			MASK:     array(0xE0001024),
			FUNCTION: array(0xE0001028),
		},
		ITM: ITM{
			TER: reg(0xE0000E00),
			TPR: reg(0xE0000E40),
			TCR: reg(0xE0000E80),
			LAR: reg(0xE0000FB0),
		},
		DBGMCU: DBGMCU{CR: reg(0xE0042004)},
		DHCSR:  reg(0xE000EDF0),
		DEMCR:  reg(0xE000EDFC),
	}
	if err := t.ITM.LAR.Write(ctx, ITMUnlockKey); err != nil {
		return nil, fmt.Errorf("cannot unlock ITM: %w", err)
	}
	return t, nil
}

// TraceInit enables the asynchronous trace port in Manchester mode.
func (t *ARMv7M) TraceInit(ctx context.Context, prescaler uint32) error {
	steps := []struct {
		what string
		do   func() error
	}{
		{"enable trace", func() error { return t.DEMCR.Set(ctx, DEMCRTraceEnable) }},
		{"select protocol", func() error { return t.TPIU.SPPR.Write(ctx, TPIUProtocolManchester) }},
		{"set prescaler", func() error { return t.TPIU.ACPR.Write(ctx, prescaler) }},
		{"set port size", func() error { return t.TPIU.CSPSR.Write(ctx, TPIUPortSizeByte) }},
		{"disable formatter", func() error { return t.TPIU.FFCR.Write(ctx, 0) }},
		{"enable trace pins", func() error { return t.DBGMCU.CR.Write(ctx, DBGMCUTraceIOEnable) }},
		{"enable ITM", func() error { return t.ITM.TCR.Write(ctx, ITMTCREnable|ITMTCRForwardDWT) }},
	}
	for _, step := range steps {
		if err := step.do(); err != nil {
			return fmt.Errorf("cannot %s: %w", step.what, err)
		}
	}
	return nil
}

// SetPrescaler changes the asynchronous clock prescaler.
func (t *ARMv7M) SetPrescaler(ctx context.Context, prescaler uint32) error {
	return t.TPIU.ACPR.Write(ctx, prescaler)
}

// SetTimestamps enables or disables local timestamps.
func (t *ARMv7M) SetTimestamps(ctx context.Context, enabled bool) error {
	return t.ITM.TCR.Update(ctx, ITMTCRTimestamps, enabled)
}

// SetExceptionTrace enables or disables exception trace.
func (t *ARMv7M) SetExceptionTrace(ctx context.Context, enabled bool) error {
	return t.DWT.CTRL.Update(ctx, DWTCtrlExceptionTrace, enabled)
}

// SetStimulus enables or disables a stimulus port.
func (t *ARMv7M) SetStimulus(ctx context.Context, channel int, enabled bool) error {
	if channel < 0 || channel > 31 {
		return fmt.Errorf("invalid stimulus port %d", channel)
	}
	return t.ITM.TER.Update(ctx, 1<<channel, enabled)
}

// Comparators returns the number of DWT comparators.
func (t *ARMv7M) Comparators(ctx context.Context) (int, error) {
	ctrl, err := t.DWT.CTRL.Read(ctx)
	if err != nil {
		return 0, err
	}
	return int(ctrl >> 28), nil
}

// maskFor returns the MASK value for a watched size.
func maskFor(size uint32) (uint32, error) {
	if size == 0 || size&(size-1) != 0 {
		return 0, ErrInvalidSize
	}
	return uint32(bits.TrailingZeros32(size)), nil
}

// AllocateComparator programs the first free DWT comparator to watch the
// provided range and returns its index.
func (t *ARMv7M) AllocateComparator(ctx context.Context, addr, size, function uint32) (int, error) {
	if _, err := maskFor(size); err != nil {
		return 0, err
	}
	t.lock.Lock()
	defer t.lock.Unlock()
	count, err := t.Comparators(ctx)
	if err != nil {
		return 0, err
	}
	for i := range count {
		f, err := t.DWT.FUNCTION.At(i).Read(ctx)
		if err != nil {
			return 0, err
		}
		if f&0xF != FunctionDisabled {
			continue
		}
		if err := t.programComparator(ctx, i, addr, size, function); err != nil {
			return 0, err
		}
		return i, nil
	}
	return 0, ErrNoComparator
}

// ProgramComparator programs the provided DWT comparator, whether it is
// in use or not.
func (t *ARMv7M) ProgramComparator(ctx context.Context, index int, addr, size, function uint32) error {
	t.lock.Lock()
	defer t.lock.Unlock()
	count, err := t.Comparators(ctx)
	if err != nil {
		return err
	}
	if index < 0 || index >= count {
		return fmt.Errorf("%w: %d", ErrInvalidComparator, index)
	}
	return t.programComparator(ctx, index, addr, size, function)
}

func (t *ARMv7M) programComparator(ctx context.Context, index int, addr, size, function uint32) error {
	mask, err := maskFor(size)
	if err != nil {
		return err
	}
	if err := t.DWT.COMP.At(index).Write(ctx, addr); err != nil {
		return err
	}
	if err := t.DWT.MASK.At(index).Write(ctx, mask); err != nil {
		return err
	}
	return t.DWT.FUNCTION.At(index).Write(ctx, function)
}

// ReleaseComparator disables a DWT comparator.
func (t *ARMv7M) ReleaseComparator(ctx context.Context, index int) error {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.DWT.FUNCTION.At(index).Write(ctx, FunctionDisabled)
}

// Halted tells if the core is halted.
func (t *ARMv7M) Halted(ctx context.Context) (bool, error) {
	v, err := t.DHCSR.Read(ctx)
	if err != nil {
		return false, err
	}
	return v&DHCSRHalted != 0, nil
}
