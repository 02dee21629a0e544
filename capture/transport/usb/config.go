// SPDX-FileCopyrightText: 2022 Free Mobile
// SPDX-License-Identifier: AGPL-3.0-only

package usb

import (
	"time"

	"swotap/capture/transport"
)

// Configuration describes the configuration of the USB trace endpoint of a
// debug adapter.
type Configuration struct {
	// Vendor is the USB vendor ID of the adapter.
	Vendor uint16
	// Product is the USB product ID of the adapter.
	Product uint16
	// Serial selects an adapter by its serial number when several are
	// connected. Empty means the first one.
	Serial string
	// Interface is the USB interface exposing the trace endpoint.
	Interface int `validate:"min=0,max=255"`
	// Endpoint is the number of the IN endpoint to read. 0 means the first
	// IN endpoint of the interface.
	Endpoint int `validate:"min=0,max=15"`
	// ReadTimeout is the timeout of a bulk read.
	ReadTimeout time.Duration `validate:"min=1ms"`
}

// DefaultConfiguration is the default configuration for a Black Magic debug
// adapter.
func DefaultConfiguration() transport.Configuration {
	return &Configuration{
		Vendor:      0x1d50,
		Product:     0x6018,
		Interface:   5,
		ReadTimeout: time.Second,
	}
}
