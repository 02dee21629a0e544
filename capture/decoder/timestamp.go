// SPDX-FileCopyrightText: 2022 Free Mobile
// SPDX-License-Identifier: AGPL-3.0-only

package decoder

// timestamper holds events until the timestamp packet covering them.
type timestamper struct {
	enabled   bool
	timestamp uint64
	pending   []Event
}

// timestampDelta returns the delta carried by a timestamp packet. The
// second value is false when the event is not a timestamp.
func timestampDelta(ev Event) (uint64, bool) {
	switch {
	case ev.Opcode&0xC0 == 0xC0:
		return ev.Param, true
	case ev.Opcode != 0 && ev.Opcode&0x8F == 0 && ev.Opcode&0x70 != 0x70:
		return uint64(ev.Opcode >> 4), true
	}
	return 0, false
}

// EnableTimestamping switches timestamp correlation. Enabling it resets the
// logical time and the pending events. Disabling it dispatches the pending
// events with the last known time, flagged as not correlated.
func (d *Decoder) EnableTimestamping(enabled bool) {
	if enabled == d.enabled {
		return
	}
	if enabled {
		d.timestamp = 0
		d.pending = d.pending[:0]
	} else {
		pending := d.pending
		d.pending = nil
		for _, ev := range pending {
			d.dispatch(ev, false)
		}
	}
	d.enabled = enabled
}

// Timestamping tells if timestamp correlation is enabled.
func (d *Decoder) Timestamping() bool {
	return d.enabled
}

// Timestamp returns the current logical time.
func (d *Decoder) Timestamp() uint64 {
	return d.timestamp
}

// correlate queues an event or, for a timestamp packet, advances the logical
// time and dispatches the queued events in arrival order.
func (d *Decoder) correlate(ev Event) {
	if ev.Opcode == 0x00 {
		d.dispatch(ev, true)
		return
	}
	delta, ok := timestampDelta(ev)
	if !ok {
		d.pending = append(d.pending, ev)
		d.stats.Queued++
		return
	}
	d.timestamp += delta
	d.stats.Timestamps++
	pending := d.pending
	d.pending = d.pending[:0]
	for _, queued := range pending {
		d.dispatch(queued, true)
	}
}
