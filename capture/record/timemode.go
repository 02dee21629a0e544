// SPDX-FileCopyrightText: 2022 Free Mobile
// SPDX-License-Identifier: AGPL-3.0-only

package record

import "fmt"

// TimeMode tells how records are timestamped.
type TimeMode int

const (
	// TimeOff means records are not timestamped.
	TimeOff TimeMode = iota
	// TimeHost means records are timestamped with the host clock.
	TimeHost
	// TimeDelta means records are timestamped with the target local
	// timestamps.
	TimeDelta
)

var timeModeNames = map[TimeMode]string{
	TimeOff:   "off",
	TimeHost:  "host",
	TimeDelta: "delta",
}

// String turns a time mode into a string.
func (m TimeMode) String() string {
	if name, ok := timeModeNames[m]; ok {
		return name
	}
	return fmt.Sprintf("TimeMode(%d)", int(m))
}

// MarshalText turns a time mode into text.
func (m TimeMode) MarshalText() ([]byte, error) {
	if _, ok := timeModeNames[m]; !ok {
		return nil, fmt.Errorf("unknown time mode %d", int(m))
	}
	return []byte(m.String()), nil
}

// UnmarshalText parses a time mode.
func (m *TimeMode) UnmarshalText(text []byte) error {
	for mode, name := range timeModeNames {
		if name == string(text) {
			*m = mode
			return nil
		}
	}
	return fmt.Errorf("unknown time mode %q (should be off, host or delta)", string(text))
}
