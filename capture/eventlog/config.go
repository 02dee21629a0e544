// SPDX-FileCopyrightText: 2022 Free Mobile
// SPDX-License-Identifier: AGPL-3.0-only

package eventlog

import "fmt"

// Configuration describes the configuration of the decoded trace log.
type Configuration struct {
	// File is the log file. When empty, records are written to stdout.
	File string
	// Echo also writes records to stdout when a file is configured.
	Echo bool
	// Format is the format of each line (text or json).
	Format Format
	// MaxSize is the size in megabytes triggering a rotation of the file.
	MaxSize int `validate:"min=0"`
	// MaxBackups is the number of rotated files to keep. 0 keeps them all.
	MaxBackups int `validate:"min=0"`
	// MaxAge is the number of days to keep rotated files. 0 keeps them
	// forever.
	MaxAge int `validate:"min=0"`
	// Compress tells to gzip rotated files.
	Compress bool
}

// DefaultConfiguration represents the default configuration of the decoded
// trace log.
func DefaultConfiguration() Configuration {
	return Configuration{
		Format:  FormatText,
		MaxSize: 100,
	}
}

// Format is the format of the log lines.
type Format int

const (
	// FormatText writes human-readable lines.
	FormatText Format = iota
	// FormatJSON writes one JSON object per line.
	FormatJSON
)

// MarshalText turns a format into text.
func (f Format) MarshalText() ([]byte, error) {
	switch f {
	case FormatText:
		return []byte("text"), nil
	case FormatJSON:
		return []byte("json"), nil
	}
	return nil, fmt.Errorf("unknown format %d", int(f))
}

// UnmarshalText parses a format.
func (f *Format) UnmarshalText(text []byte) error {
	switch string(text) {
	case "text":
		*f = FormatText
	case "json":
		*f = FormatJSON
	default:
		return fmt.Errorf("unknown format %q (should be text or json)", string(text))
	}
	return nil
}
