// SPDX-FileCopyrightText: 2022 Free Mobile
// SPDX-License-Identifier: AGPL-3.0-only

// Package record defines the decoded trace records handed to sinks.
package record

import (
	"fmt"
	"strings"
	"time"

	"swotap/capture/decoder"
)

// Kind is the kind of a record.
type Kind string

const (
	// KindOverflow is a trace overflow.
	KindOverflow Kind = "overflow"
	// KindException is an exception trace event.
	KindException Kind = "exception"
	// KindStimulus is a write to a stimulus port.
	KindStimulus Kind = "stimulus"
	// KindWatch is a data trace event from a watch.
	KindWatch Kind = "watch"
	// KindEvent is any other event.
	KindEvent Kind = "event"
)

// Record is a decoded trace event ready to be published.
type Record struct {
	Mode       TimeMode  `json:"-"`
	Time       time.Time `json:"time"`
	Timestamp  uint64    `json:"timestamp,omitempty"`
	Correlated bool      `json:"correlated,omitempty"`
	Kind       Kind      `json:"kind"`
	Opcode     uint8     `json:"opcode"`
	Name       string    `json:"name,omitempty"`
	Action     string    `json:"action,omitempty"`
	Value      uint64    `json:"value"`
	PC         *uint32   `json:"pc,omitempty"`
	Channel    int       `json:"channel,omitempty"`
	Exception  uint16    `json:"exception,omitempty"`
}

// FromEvent creates a record of the provided kind from a decoder event.
func FromEvent(ev decoder.Event, kind Kind, mode TimeMode) Record {
	return Record{
		Mode:       mode,
		Time:       ev.Time,
		Timestamp:  ev.Timestamp,
		Correlated: ev.Correlated,
		Kind:       kind,
		Opcode:     ev.Opcode,
		Value:      ev.Param,
	}
}

// prefix returns the time prefix of the record.
func (r Record) prefix() string {
	switch r.Mode {
	case TimeHost:
		return fmt.Sprintf("%.6f", float64(r.Time.UnixNano())/1e9)
	case TimeDelta:
		return fmt.Sprintf("%d", r.Timestamp)
	}
	return ""
}

// Format turns the record into a log line, without the trailing newline.
func (r Record) Format() string {
	var body string
	switch r.Kind {
	case KindOverflow:
		body = "OVERFLOW!"
	case KindException:
		body = fmt.Sprintf("%s %d", r.Action, r.Exception)
	case KindStimulus:
		body = fmt.Sprintf("STIM %d: 0x%X", r.Channel, r.Value)
	case KindWatch:
		pc := ""
		if r.PC != nil {
			pc = fmt.Sprintf("0x%08x", *r.PC)
		}
		body = fmt.Sprintf("%-25s %s", fmt.Sprintf("%5s %s=%d", r.Action, r.Name, r.Value), pc)
	default:
		body = fmt.Sprintf("EVENT 0x%02X 0x%X", r.Opcode, r.Value)
	}
	if prefix := r.prefix(); prefix != "" {
		body = prefix + " " + body
	}
	return strings.TrimRight(body, " ")
}

// Sink receives records.
type Sink interface {
	Publish(Record)
}

// Sinks fans out records to several sinks.
type Sinks []Sink

// Publish publishes a record to all sinks.
func (s Sinks) Publish(r Record) {
	for _, sink := range s {
		sink.Publish(r)
	}
}

// SinkFunc is a function usable as a sink.
type SinkFunc func(Record)

// Publish calls the function.
func (f SinkFunc) Publish(r Record) {
	f(r)
}
