// SPDX-FileCopyrightText: 2022 Free Mobile
// SPDX-License-Identifier: AGPL-3.0-only

package pipeline

import (
	"swotap/capture/decoder"
	"swotap/common/reporter"
)

type metrics struct {
	bytes          reporter.Counter
	chunks         reporter.Counter
	readErrors     reporter.Counter
	protocolErrors reporter.Counter
	teeErrors      reporter.Counter
	paused         reporter.Gauge
}

func (c *Component) initMetrics() {
	c.metrics.bytes = c.r.Counter(reporter.CounterOpts{
		Name: "received_bytes_total",
		Help: "Bytes received from the transport.",
	})
	c.metrics.chunks = c.r.Counter(reporter.CounterOpts{
		Name: "received_chunks_total",
		Help: "Chunks received from the transport.",
	})
	c.metrics.readErrors = c.r.Counter(reporter.CounterOpts{
		Name: "read_errors_total",
		Help: "Errors while reading from the transport.",
	})
	c.metrics.protocolErrors = c.r.Counter(reporter.CounterOpts{
		Name: "protocol_errors_total",
		Help: "Bytes not matching the trace protocol.",
	})
	c.metrics.teeErrors = c.r.Counter(reporter.CounterOpts{
		Name: "tee_errors_total",
		Help: "Errors while copying raw bytes.",
	})
	c.metrics.paused = c.r.Gauge(reporter.GaugeOpts{
		Name: "paused",
		Help: "1 when the decoder is paused.",
	})

	stat := func(get func(decoder.Stats) uint64) func() float64 {
		return func() float64 {
			c.lock.Lock()
			defer c.lock.Unlock()
			return float64(get(c.decoder.Stats()))
		}
	}
	c.r.CounterFunc(reporter.CounterOpts{
		Name: "dispatched_events_total",
		Help: "Events dispatched to a binding.",
	}, stat(func(s decoder.Stats) uint64 { return s.Dispatched }))
	c.r.CounterFunc(reporter.CounterOpts{
		Name: "unmatched_events_total",
		Help: "Events without a matching binding.",
	}, stat(func(s decoder.Stats) uint64 { return s.Unmatched }))
	c.r.CounterFunc(reporter.CounterOpts{
		Name: "discarded_events_total",
		Help: "Events discarded while paused.",
	}, stat(func(s decoder.Stats) uint64 { return s.Discarded }))
	c.r.CounterFunc(reporter.CounterOpts{
		Name: "timestamps_total",
		Help: "Timestamp packets received while correlating.",
	}, stat(func(s decoder.Stats) uint64 { return s.Timestamps }))
}
