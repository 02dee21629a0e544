// SPDX-FileCopyrightText: 2022 Free Mobile
// SPDX-License-Identifier: AGPL-3.0-only

package gate

import "time"

// Configuration describes the configuration of the gate.
type Configuration struct {
	// Enabled tells to pause decoding while the target is halted.
	Enabled bool
	// Interval is the polling interval of the target state.
	Interval time.Duration `validate:"min=10ms"`
	// BreakerErrors is the number of consecutive polling errors opening
	// the breaker.
	BreakerErrors int `validate:"min=1"`
	// BreakerTimeout is how long the breaker stays open.
	BreakerTimeout time.Duration `validate:"min=1s"`
}

// DefaultConfiguration represents the default configuration for the gate.
func DefaultConfiguration() Configuration {
	return Configuration{
		Enabled:        false,
		Interval:       200 * time.Millisecond,
		BreakerErrors:  5,
		BreakerTimeout: 10 * time.Second,
	}
}
