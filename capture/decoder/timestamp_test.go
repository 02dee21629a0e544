// SPDX-FileCopyrightText: 2022 Free Mobile
// SPDX-License-Identifier: AGPL-3.0-only

package decoder

import (
	"testing"

	"swotap/common/helpers"
)

// stamped is the opcode and logical time of a dispatched event.
type stamped struct {
	Opcode     byte
	Timestamp  uint64
	Correlated bool
}

func (c *collector) stamps() []stamped {
	result := []stamped{}
	for _, ev := range c.events {
		result = append(result, stamped{ev.Opcode, ev.Timestamp, ev.Correlated})
	}
	return result
}

func TestTimestampDelta(t *testing.T) {
	cases := []struct {
		Pos      helpers.Pos
		Event    Event
		Delta    uint64
		Expected bool
	}{
		{helpers.Mark(), Event{Opcode: 0x10}, 1, true},
		{helpers.Mark(), Event{Opcode: 0x60}, 6, true},
		{helpers.Mark(), Event{Opcode: 0x70}, 0, false}, // overflow
		{helpers.Mark(), Event{Opcode: 0x00}, 0, false}, // sync
		{helpers.Mark(), Event{Opcode: 0x08}, 0, false},
		{helpers.Mark(), Event{Opcode: 0x01, Param: 3}, 0, false},
		{helpers.Mark(), Event{Opcode: 0xC0, Param: 1000}, 1000, true},
		{helpers.Mark(), Event{Opcode: 0xF0, Param: 12}, 12, true},
		{helpers.Mark(), Event{Opcode: 0x80, Param: 12}, 0, false},
	}
	for _, tc := range cases {
		delta, ok := timestampDelta(tc.Event)
		if ok != tc.Expected || delta != tc.Delta {
			t.Errorf("%stimestampDelta(0x%02x) == %d, %v but expected %d, %v",
				tc.Pos, tc.Event.Opcode, delta, ok, tc.Delta, tc.Expected)
		}
	}
}

func TestTimestampCorrelation(t *testing.T) {
	d, c := newDecoder(t)
	d.EnableTimestamping(true)

	// E1, E2, T(5), E3, T(2)
	d.Decode([]byte{0x01, 0x11})
	d.Decode([]byte{0x02, 0x22, 0x00})
	if len(c.events) != 0 {
		t.Fatalf("events dispatched before their timestamp: %v", c.stamps())
	}
	d.Decode([]byte{0x50, 0x08, 0x20})

	expected := []stamped{
		{0x01, 5, true},
		{0x02, 5, true},
		{0x08, 7, true},
	}
	if diff := helpers.Diff(c.stamps(), expected); diff != "" {
		t.Fatalf("Decode() (-got, +want):\n%s", diff)
	}
	if d.Timestamp() != 7 {
		t.Fatalf("Timestamp() == %d, expected 7", d.Timestamp())
	}

	// A long timestamp carries its delta in its parameter.
	d.Decode([]byte{0x08, 0xC0, 0x90, 0x03})
	if diff := helpers.Diff(c.stamps()[3:], []stamped{{0x08, 407, true}}); diff != "" {
		t.Fatalf("Decode() (-got, +want):\n%s", diff)
	}
	if diff := helpers.Diff(d.Stats(), Stats{Dispatched: 4, Queued: 4, Timestamps: 3}); diff != "" {
		t.Fatalf("Stats() (-got, +want):\n%s", diff)
	}
}

func TestTimestampSyncNotQueued(t *testing.T) {
	d := New(nil)
	d.EnableTimestamping(true)
	d.Decode([]byte{0x00, 0x00})
	if diff := helpers.Diff(d.Stats(), Stats{Dispatched: 2}); diff != "" {
		t.Fatalf("Stats() (-got, +want):\n%s", diff)
	}
}

func TestTimestampToggle(t *testing.T) {
	t.Run("enabling resets", func(t *testing.T) {
		d, c := newDecoder(t)
		d.EnableTimestamping(true)
		d.Decode([]byte{0x30, 0x08})
		d.EnableTimestamping(true) // no-op
		if d.Timestamp() != 3 {
			t.Fatalf("Timestamp() == %d, expected 3", d.Timestamp())
		}
		d.EnableTimestamping(false)
		c.events = nil
		d.EnableTimestamping(true)
		if d.Timestamp() != 0 {
			t.Fatalf("Timestamp() == %d after enabling", d.Timestamp())
		}
		d.Decode([]byte{0x08, 0x20})
		if diff := helpers.Diff(c.stamps(), []stamped{{0x08, 2, true}}); diff != "" {
			t.Fatalf("Decode() (-got, +want):\n%s", diff)
		}
	})

	t.Run("disabling flushes", func(t *testing.T) {
		d, c := newDecoder(t)
		d.EnableTimestamping(true)
		d.Decode([]byte{0x40, 0x01, 0x11, 0x08})
		if len(c.events) != 0 {
			t.Fatalf("events dispatched before their timestamp: %v", c.stamps())
		}
		d.EnableTimestamping(false)
		if d.Timestamping() {
			t.Fatal("Timestamping() == true")
		}
		expected := []stamped{{0x01, 4, false}, {0x08, 4, false}}
		if diff := helpers.Diff(c.stamps(), expected); diff != "" {
			t.Fatalf("EnableTimestamping(false) (-got, +want):\n%s", diff)
		}

		// Timestamp packets are regular events when disabled.
		d.Decode([]byte{0x10, 0x08})
		expected = append(expected, stamped{0x10, 4, false}, stamped{0x08, 4, false})
		if diff := helpers.Diff(c.stamps(), expected); diff != "" {
			t.Fatalf("Decode() (-got, +want):\n%s", diff)
		}
	})
}
