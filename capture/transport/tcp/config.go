// SPDX-FileCopyrightText: 2022 Free Mobile
// SPDX-License-Identifier: AGPL-3.0-only

package tcp

import (
	"time"

	"swotap/capture/transport"
)

// Configuration describes the configuration of a TCP trace client.
type Configuration struct {
	// Connect is the address of the trace server (for example, the SWO port
	// of a debug adapter server).
	Connect string `validate:"required,dial"`
	// DialTimeout is the timeout for a single connection attempt.
	DialTimeout time.Duration `validate:"min=0"`
	// ReadTimeout bounds each read. 0 means no timeout.
	ReadTimeout time.Duration `validate:"min=0"`
}

// DefaultConfiguration is the default configuration of a TCP trace client.
func DefaultConfiguration() transport.Configuration {
	return &Configuration{
		Connect:     "127.0.0.1:2332",
		DialTimeout: 5 * time.Second,
		ReadTimeout: time.Second,
	}
}
