// SPDX-FileCopyrightText: 2022 Free Mobile
// SPDX-License-Identifier: AGPL-3.0-only

package file

import "swotap/capture/transport"

// Configuration describes file input configuration.
type Configuration struct {
	// Path is the raw capture to read.
	Path string `validate:"required"`
	// Follow tells to wait for data appended to the file once the end is
	// reached.
	Follow bool
}

// DefaultConfiguration describes the default configuration for file input.
func DefaultConfiguration() transport.Configuration {
	return &Configuration{}
}
