// SPDX-FileCopyrightText: 2022 Free Mobile
// SPDX-License-Identifier: AGPL-3.0-only

package target

import "time"

// Configuration describes how to reach the target registers.
type Configuration struct {
	// GDBRemote is the address of a GDB remote server giving access to the
	// target memory. When empty, the trace units are not programmed.
	GDBRemote string `validate:"omitempty,dial"`
	// Prescaler is the asynchronous trace clock prescaler (TPIU.ACPR).
	Prescaler uint32 `validate:"max=8191"`
	// Timeout is the timeout for each register access.
	Timeout time.Duration `validate:"min=1ms"`
}

// DefaultConfiguration returns the default configuration for target access.
func DefaultConfiguration() Configuration {
	return Configuration{
		Prescaler: DefaultPrescaler,
		Timeout:   2 * time.Second,
	}
}
