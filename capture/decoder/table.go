// SPDX-FileCopyrightText: 2022 Free Mobile
// SPDX-License-Identifier: AGPL-3.0-only

package decoder

import (
	"errors"
	"fmt"
)

var (
	// ErrNilHandler is returned when registering a binding without handler.
	ErrNilHandler = errors.New("nil handler")
	// ErrUnmatchableBinding is returned when registering a binding whose code
	// has bits outside of its mask.
	ErrUnmatchableBinding = errors.New("binding code has bits outside of mask")
)

// Handler is invoked with a decoded event and the arguments bound at
// registration.
type Handler func(ev Event, args ...any)

// Binding associates an opcode predicate with a handler. The binding
// matches an opcode when opcode&Mask == Code.
type Binding struct {
	Code    byte
	Mask    byte
	Handler Handler
	Args    []any
}

// Matches tells if the binding matches the provided opcode.
func (b Binding) Matches(opcode byte) bool {
	return opcode&b.Mask == b.Code
}

// Table is an ordered list of bindings. Registration order is priority:
// an event is dispatched to the first matching binding only, so a binding
// shadows any later binding matching the same opcodes.
type Table struct {
	bindings []Binding
}

// Register appends a new binding. Identical bindings may coexist, the
// earliest one wins.
func (t *Table) Register(code, mask byte, h Handler, args ...any) error {
	if h == nil {
		return ErrNilHandler
	}
	if code&^mask != 0 {
		return fmt.Errorf("code 0x%02x, mask 0x%02x: %w", code, mask, ErrUnmatchableBinding)
	}
	t.bindings = append(t.bindings, Binding{
		Code:    code,
		Mask:    mask,
		Handler: h,
		Args:    args,
	})
	return nil
}

// Unregister removes the first binding with the exact same code and mask.
// It returns false when there is no such binding.
func (t *Table) Unregister(code, mask byte) bool {
	for i, b := range t.bindings {
		if b.Code == code && b.Mask == mask {
			t.bindings = append(t.bindings[:i:i], t.bindings[i+1:]...)
			return true
		}
	}
	return false
}

// Dispatch invokes the first binding matching the event opcode. It returns
// false when no binding matches.
func (t *Table) Dispatch(ev Event) bool {
	for _, b := range t.bindings {
		if b.Matches(ev.Opcode) {
			b.Handler(ev, b.Args...)
			return true
		}
	}
	return false
}

// Bindings returns a copy of the current bindings, in priority order.
func (t *Table) Bindings() []Binding {
	bindings := make([]Binding, len(t.bindings))
	copy(bindings, t.bindings)
	return bindings
}
