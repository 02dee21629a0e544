// SPDX-FileCopyrightText: 2022 Free Mobile
// SPDX-License-Identifier: AGPL-3.0-only

package pipeline

import (
	"time"

	"swotap/capture/transport"
	"swotap/capture/transport/file"
	"swotap/capture/transport/tcp"
	"swotap/capture/transport/udp"
	"swotap/capture/transport/usb"
	"swotap/common/helpers"
)

// Configuration describes the configuration of the capture pipeline.
type Configuration struct {
	// Transport is where trace bytes come from.
	Transport TransportConfiguration
	// ChunkSize is the maximum number of bytes requested from the transport
	// at once.
	ChunkSize int `validate:"min=1,max=65536"`
	// RetryDelay is the delay before reading again after a read error.
	RetryDelay time.Duration `validate:"min=0"`
	// RawFile is a file where raw trace bytes are appended. Empty to
	// disable.
	RawFile string
	// StartPaused tells to start with the decoder paused. Gating or the
	// API resumes it.
	StartPaused bool
}

// DefaultConfiguration represents the default configuration for the
// capture pipeline.
func DefaultConfiguration() Configuration {
	return Configuration{
		Transport:   TransportConfiguration{Config: usb.DefaultConfiguration()},
		ChunkSize:   256,
		RetryDelay:  100 * time.Millisecond,
		StartPaused: true,
	}
}

// TransportConfiguration represents the configuration for a transport.
type TransportConfiguration struct {
	// Config is the actual configuration of the transport.
	Config transport.Configuration
}

// MarshalYAML undoes ConfigurationUnmarshallerHook().
func (tc TransportConfiguration) MarshalYAML() (any, error) {
	return helpers.ParametrizedConfigurationMarshalYAML(tc, transports)
}

var transports = map[string](func() transport.Configuration){
	"usb":  usb.DefaultConfiguration,
	"tcp":  tcp.DefaultConfiguration,
	"udp":  udp.DefaultConfiguration,
	"file": file.DefaultConfiguration,
}

func init() {
	helpers.RegisterMapstructureUnmarshallerHook(
		helpers.ParametrizedConfigurationUnmarshallerHook(TransportConfiguration{}, transports))
}
