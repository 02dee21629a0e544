// SPDX-FileCopyrightText: 2022 Free Mobile
// SPDX-License-Identifier: AGPL-3.0-only

package features

import "swotap/capture/record"

// Configuration describes the trace features enabled at start.
type Configuration struct {
	// TimeMode tells how records are timestamped.
	TimeMode record.TimeMode
	// Exceptions enables exception tracing.
	Exceptions bool
	// Stimulus is the list of stimulus channels to enable.
	Stimulus []int `validate:"dive,min=0,max=31"`
	// Watches is the list of data watches to set up.
	Watches []Watch `validate:"dive"`
}

// DefaultConfiguration represents the default configuration for trace
// features.
func DefaultConfiguration() Configuration {
	return Configuration{
		TimeMode: record.TimeOff,
		Stimulus: []int{0},
	}
}

// Watch describes a data watch.
type Watch struct {
	// Name is the name displayed with each value.
	Name string `json:"name" validate:"required"`
	// Address is the watched address.
	Address uint32 `json:"address"`
	// Size is the watched size in bytes. It should be a power of two.
	Size uint32 `json:"size" validate:"omitempty,oneof=1 2 4 8 16 32 64 128 256 512 1024 2048 4096 8192 16384 32768"`
	// PC tells to also trace the PC of each access.
	PC bool `json:"pc"`
	// Comparator is the DWT comparator to use. When missing, the first
	// free one is allocated on the target.
	Comparator *int `json:"comparator,omitempty" validate:"omitempty,min=0,max=3"`
}
