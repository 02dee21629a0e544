// SPDX-FileCopyrightText: 2022 Free Mobile
// SPDX-License-Identifier: AGPL-3.0-only

// Package executor runs posted callbacks one at a time, in submission order,
// on a dedicated goroutine. Feature handlers run there, so they never run
// concurrently with each other nor on the capture goroutine.
package executor

import (
	"fmt"
	"sync"

	"gopkg.in/tomb.v2"

	"swotap/common/daemon"
	"swotap/common/reporter"
)

// Component represents the executor.
type Component struct {
	r *reporter.Reporter
	d *Dependencies
	t tomb.Tomb

	lock    sync.Mutex
	queue   []func()
	stopped bool
	wakeup  chan struct{}
	healthy chan reporter.ChannelHealthcheckFunc

	metrics struct {
		posted   reporter.Counter
		executed reporter.Counter
		dropped  reporter.Counter
		panics   reporter.Counter
		length   reporter.Gauge
	}
}

// Dependencies define the dependencies of the executor.
type Dependencies struct {
	Daemon daemon.Component
}

// New creates a new executor.
func New(r *reporter.Reporter, dependencies Dependencies) (*Component, error) {
	c := Component{
		r:       r,
		d:       &dependencies,
		wakeup:  make(chan struct{}, 1),
		healthy: make(chan reporter.ChannelHealthcheckFunc),
	}
	c.d.Daemon.Track(&c.t, "capture/executor")

	c.metrics.posted = c.r.Counter(reporter.CounterOpts{
		Name: "posted_callbacks_total",
		Help: "Number of callbacks posted.",
	})
	c.metrics.executed = c.r.Counter(reporter.CounterOpts{
		Name: "executed_callbacks_total",
		Help: "Number of callbacks executed.",
	})
	c.metrics.dropped = c.r.Counter(reporter.CounterOpts{
		Name: "dropped_callbacks_total",
		Help: "Number of callbacks posted after stop.",
	})
	c.metrics.panics = c.r.Counter(reporter.CounterOpts{
		Name: "panicked_callbacks_total",
		Help: "Number of callbacks which panicked.",
	})
	c.metrics.length = c.r.Gauge(reporter.GaugeOpts{
		Name: "queue_length",
		Help: "Number of callbacks waiting to be executed.",
	})
	return &c, nil
}

// Start starts the executor.
func (c *Component) Start() error {
	c.r.Info().Msg("starting executor")
	c.r.RegisterHealthcheck("capture/executor", reporter.ChannelHealthcheck(c.t.Context(nil), c.healthy))
	c.t.Go(c.run)
	return nil
}

// Stop stops the executor. Callbacks already posted are executed before
// returning. Callbacks posted afterwards are dropped.
func (c *Component) Stop() error {
	defer c.r.Info().Msg("executor stopped")
	c.lock.Lock()
	c.stopped = true
	c.lock.Unlock()
	c.t.Kill(nil)
	return c.t.Wait()
}

// Post queues a callback. It never blocks.
func (c *Component) Post(f func()) {
	c.lock.Lock()
	if c.stopped {
		c.lock.Unlock()
		c.metrics.dropped.Inc()
		return
	}
	c.queue = append(c.queue, f)
	c.metrics.length.Set(float64(len(c.queue)))
	c.lock.Unlock()
	c.metrics.posted.Inc()

	select {
	case c.wakeup <- struct{}{}:
	default:
	}
}

func (c *Component) run() error {
	for {
		select {
		case <-c.t.Dying():
			c.drain()
			return nil
		case cb := <-c.healthy:
			c.lock.Lock()
			length := len(c.queue)
			c.lock.Unlock()
			cb(reporter.HealthcheckOK, fmt.Sprintf("%d callbacks queued", length))
		case <-c.wakeup:
			c.drain()
		}
	}
}

// drain executes callbacks until the queue is empty.
func (c *Component) drain() {
	for {
		c.lock.Lock()
		if len(c.queue) == 0 {
			c.lock.Unlock()
			return
		}
		f := c.queue[0]
		c.queue[0] = nil
		c.queue = c.queue[1:]
		c.metrics.length.Set(float64(len(c.queue)))
		c.lock.Unlock()
		c.execute(f)
	}
}

func (c *Component) execute(f func()) {
	defer func() {
		if r := recover(); r != nil {
			c.metrics.panics.Inc()
			c.r.Error().Str("panic", fmt.Sprint(r)).Msg("callback panicked")
		}
	}()
	f()
	c.metrics.executed.Inc()
}
