// SPDX-FileCopyrightText: 2022 Free Mobile
// SPDX-License-Identifier: AGPL-3.0-only

// Package decoder decodes the ITM/DWT unformatted trace protocol of ARM
// Cortex-M microcontrollers.
//
// Each packet starts with an opcode byte. Its two low bits select a fixed
// immediate of 1, 2 or 4 little-endian bytes. When they are zero and bit 7
// is set, the immediate is encoded 7 bits per byte, the most significant bit
// telling if another byte follows. Otherwise, the opcode has no immediate.
// Decoded events are dispatched to an ordered table of bindings, optionally
// after being correlated with the timestamp packets following them.
//
// A decoder is not safe for concurrent use.
package decoder

import (
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
)

// maxContinuationBytes is the maximum length of a continuation immediate
// (63 bits).
const maxContinuationBytes = 9

var fixedSizes = [4]int{0, 1, 2, 4}

// State is the state of the decoder state machine.
type State int

const (
	// StateIdle means no opcode is in progress.
	StateIdle State = iota
	// StateWaitSize means the decoder waits for the bytes of a fixed
	// immediate.
	StateWaitSize
	// StateWaitCont means the decoder waits for the bytes of a continuation
	// immediate.
	StateWaitCont
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateWaitSize:
		return "wait-size"
	case StateWaitCont:
		return "wait-cont"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ImmediateKind tells how the parameter of an event was encoded.
type ImmediateKind int

const (
	// ImmediateNone is used for opcodes without parameter.
	ImmediateNone ImmediateKind = iota
	// ImmediateFixed is used for 1, 2 or 4 bytes little-endian parameters.
	ImmediateFixed
	// ImmediateContinuation is used for 7-bit per byte parameters.
	ImmediateContinuation
)

func (k ImmediateKind) String() string {
	switch k {
	case ImmediateNone:
		return "none"
	case ImmediateFixed:
		return "fixed"
	case ImmediateContinuation:
		return "continuation"
	default:
		return "unknown"
	}
}

// Event is a decoded opcode with its parameter.
type Event struct {
	Opcode    byte
	Param     uint64
	Immediate ImmediateKind
	// Size is the number of bytes of the immediate.
	Size int
	// Time is the wall-clock time when the opcode byte was read.
	Time time.Time
	// Timestamp is the logical time accumulated from timestamp packets.
	Timestamp uint64
	// Correlated is true when Timestamp comes from the timestamp packet
	// covering the event.
	Correlated bool
}

// ErrProtocol is matched by all protocol errors with errors.Is().
var ErrProtocol = errors.New("trace protocol error")

// ProtocolError is returned when a byte cannot be reconciled with the opcode
// in progress. The in-flight event is lost and the decoder is back to idle.
type ProtocolError struct {
	Opcode byte
	State  State
	Byte   byte
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s: opcode 0x%02x, byte 0x%02x in %s state: %s",
		ErrProtocol, e.Opcode, e.Byte, e.State, e.Reason)
}

// Is makes errors.Is(err, ErrProtocol) true.
func (e *ProtocolError) Is(target error) bool {
	return target == ErrProtocol
}

// Stats are cumulative counters of the decoder.
type Stats struct {
	Dispatched     uint64
	Unmatched      uint64
	Discarded      uint64
	Queued         uint64
	Timestamps     uint64
	ProtocolErrors uint64
}

// Decoder is the trace decoder state machine.
type Decoder struct {
	clock clock.Clock
	table Table
	stats Stats

	state   State
	current Event
	// remaining is the number of immediate bytes still expected in
	// StateWaitSize, or the number of bytes read in StateWaitCont.
	remaining int

	paused bool
	timestamper
}

// New creates a new decoder. A nil clock uses the system clock.
func New(clk clock.Clock) *Decoder {
	if clk == nil {
		clk = clock.New()
	}
	d := &Decoder{clock: clk}
	// Synchronization packets are consumed silently.
	d.table.Register(0x00, 0xFF, func(Event, ...any) {})
	return d
}

// Register appends a binding to the dispatch table.
func (d *Decoder) Register(code, mask byte, h Handler, args ...any) error {
	return d.table.Register(code, mask, h, args...)
}

// Unregister removes the first binding with the exact same code and mask.
func (d *Decoder) Unregister(code, mask byte) bool {
	return d.table.Unregister(code, mask)
}

// Bindings returns a copy of the dispatch table.
func (d *Decoder) Bindings() []Binding {
	return d.table.Bindings()
}

// State returns the current state of the state machine.
func (d *Decoder) State() State {
	return d.state
}

// Stats returns the counters of the decoder.
func (d *Decoder) Stats() Stats {
	return d.stats
}

// SetPaused sets the pause flag. While paused, completed events are
// discarded. Pausing also drops the events waiting for a timestamp. An
// opcode in progress is not reset.
func (d *Decoder) SetPaused(paused bool) {
	if paused && !d.paused {
		d.stats.Discarded += uint64(len(d.pending))
		d.pending = d.pending[:0]
	}
	d.paused = paused
}

// Paused tells if the decoder is paused.
func (d *Decoder) Paused() bool {
	return d.paused
}

// Decode feeds a chunk to the decoder. Protocol errors do not stop decoding:
// all of them are returned joined together.
func (d *Decoder) Decode(data []byte) error {
	var errs []error
	for _, b := range data {
		if err := d.DecodeByte(b); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// DecodeByte feeds a single byte to the decoder.
func (d *Decoder) DecodeByte(b byte) error {
	switch d.state {
	case StateIdle:
		d.current = Event{
			Opcode: b,
			Time:   d.clock.Now(),
		}
		if size := fixedSizes[b&0x03]; size != 0 {
			d.current.Immediate = ImmediateFixed
			d.current.Size = size
			d.remaining = size
			d.state = StateWaitSize
		} else if b&0x80 != 0 {
			d.current.Immediate = ImmediateContinuation
			d.remaining = 0
			d.state = StateWaitCont
		} else {
			d.emit(d.current)
		}
	case StateWaitSize:
		d.current.Param |= uint64(b) << (8 * (d.current.Size - d.remaining))
		d.remaining--
		if d.remaining == 0 {
			d.state = StateIdle
			d.emit(d.current)
		}
	case StateWaitCont:
		d.current.Param |= uint64(b&0x7F) << (7 * d.remaining)
		d.remaining++
		d.current.Size = d.remaining
		if b&0x80 == 0 {
			d.state = StateIdle
			d.emit(d.current)
		} else if d.remaining >= maxContinuationBytes {
			return d.protocolError(b, "continuation immediate exceeds 63 bits")
		}
	default:
		return d.protocolError(b, "invalid state")
	}
	return nil
}

// protocolError resets the decoder and returns a protocol error.
func (d *Decoder) protocolError(b byte, reason string) error {
	err := &ProtocolError{
		Opcode: d.current.Opcode,
		State:  d.state,
		Byte:   b,
		Reason: reason,
	}
	d.stats.ProtocolErrors++
	d.state = StateIdle
	d.current = Event{}
	d.remaining = 0
	return err
}

// emit handles a completed event.
func (d *Decoder) emit(ev Event) {
	if d.paused {
		d.stats.Discarded++
		return
	}
	if !d.enabled {
		d.dispatch(ev, false)
		return
	}
	d.correlate(ev)
}

// dispatch sends an event to the dispatch table.
func (d *Decoder) dispatch(ev Event, correlated bool) {
	ev.Timestamp = d.timestamp
	ev.Correlated = correlated
	if d.table.Dispatch(ev) {
		d.stats.Dispatched++
	} else {
		d.stats.Unmatched++
	}
}
