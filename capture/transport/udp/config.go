// SPDX-FileCopyrightText: 2022 Free Mobile
// SPDX-License-Identifier: AGPL-3.0-only

package udp

import "swotap/capture/transport"

// Configuration describes the configuration of an UDP trace listener.
type Configuration struct {
	// Listen tells which port to listen to.
	Listen string `validate:"required,listen"`
	// ReceiveBuffer is the requested size of the socket receive buffer.
	// When 0, the kernel default is kept.
	ReceiveBuffer uint
}

// DefaultConfiguration is the default configuration of an UDP trace
// listener.
func DefaultConfiguration() transport.Configuration {
	return &Configuration{
		Listen: "127.0.0.1:2333",
	}
}
