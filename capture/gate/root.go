// SPDX-FileCopyrightText: 2022 Free Mobile
// SPDX-License-Identifier: AGPL-3.0-only

// Package gate pauses decoding while the target is halted.
package gate

import (
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/eapache/go-resiliency/breaker"
	"gopkg.in/tomb.v2"

	"swotap/capture/target"
	"swotap/common/daemon"
	"swotap/common/httpserver"
	"swotap/common/reporter"
)

// Pauser is the part of the pipeline controlled by the gate.
type Pauser interface {
	Pause()
	Resume()
}

// Component represents the gate.
type Component struct {
	r         *reporter.Reporter
	d         *Dependencies
	t         tomb.Tomb
	config    Configuration
	errLogger reporter.Logger
	breaker   *breaker.Breaker

	lock    sync.Mutex
	enabled bool
	known   bool
	halted  bool

	metrics struct {
		polls       reporter.Counter
		pollErrors  reporter.Counter
		breakerOpen reporter.Counter
		transitions *reporter.CounterVec
		halted      reporter.Gauge
	}
}

// Dependencies define the dependencies of the gate.
type Dependencies struct {
	Daemon   daemon.Component
	Pipeline Pauser
	// Target is nil when the target registers are not reachable. The
	// gate is inactive in this case.
	Target *target.ARMv7M
	Clock  clock.Clock
	HTTP   *httpserver.Component
}

// New creates a new gate.
func New(r *reporter.Reporter, configuration Configuration, dependencies Dependencies) (*Component, error) {
	if dependencies.Clock == nil {
		dependencies.Clock = clock.New()
	}
	c := Component{
		r:         r,
		d:         &dependencies,
		config:    configuration,
		errLogger: r.Sample(reporter.BurstSampler(time.Minute, 1)),
		breaker:   breaker.New(configuration.BreakerErrors, 1, configuration.BreakerTimeout),
		enabled:   configuration.Enabled,
	}
	c.d.Daemon.Track(&c.t, "capture/gate")

	c.metrics.polls = c.r.Counter(reporter.CounterOpts{
		Name: "polls_total",
		Help: "Number of polls of the target state.",
	})
	c.metrics.pollErrors = c.r.Counter(reporter.CounterOpts{
		Name: "poll_errors_total",
		Help: "Number of failed polls of the target state.",
	})
	c.metrics.breakerOpen = c.r.Counter(reporter.CounterOpts{
		Name: "breaker_open_count",
		Help: "Number of polls skipped because the breaker was open.",
	})
	c.metrics.transitions = c.r.CounterVec(reporter.CounterOpts{
		Name: "transitions_total",
		Help: "Number of target state transitions.",
	}, []string{"to"})
	c.metrics.halted = c.r.Gauge(reporter.GaugeOpts{
		Name: "halted",
		Help: "1 when the target is halted.",
	})

	if c.d.HTTP != nil {
		c.d.HTTP.GinRouter.GET("/api/v0/capture/gate", c.getGateHandlerFunc)
		c.d.HTTP.GinRouter.PUT("/api/v0/capture/gate", c.putGateHandlerFunc)
	}
	return &c, nil
}

// Start starts polling the target. Without a target, the pipeline is
// resumed and the gate does nothing.
func (c *Component) Start() error {
	if c.d.Target == nil {
		c.r.Info().Msg("no target, gate inactive")
		c.d.Pipeline.Resume()
		c.t.Go(func() error {
			<-c.t.Dying()
			return nil
		})
		return nil
	}
	c.r.Info().Msg("starting gate")
	if !c.Enabled() {
		c.d.Pipeline.Resume()
	}
	c.t.Go(c.run)
	return nil
}

// Stop stops polling.
func (c *Component) Stop() error {
	defer c.r.Info().Msg("gate stopped")
	c.t.Kill(nil)
	return c.t.Wait()
}

func (c *Component) run() error {
	ticker := c.d.Clock.Ticker(c.config.Interval)
	defer ticker.Stop()
	c.poll()
	for {
		select {
		case <-c.t.Dying():
			return nil
		case <-ticker.C:
			c.poll()
		}
	}
}

// poll reads the target state and updates the pipeline.
func (c *Component) poll() {
	var halted bool
	err := c.breaker.Run(func() error {
		var err error
		halted, err = c.d.Target.Halted(c.t.Context(nil))
		return err
	})
	if errors.Is(err, breaker.ErrBreakerOpen) {
		c.metrics.breakerOpen.Inc()
		c.errLogger.Warn().Msg("target poller breaker open")
		return
	}
	if err != nil {
		if !c.t.Alive() {
			return
		}
		c.metrics.pollErrors.Inc()
		c.errLogger.Err(err).Msg("cannot poll target state")
		return
	}
	c.metrics.polls.Inc()
	c.update(halted)
}

func (c *Component) update(halted bool) {
	c.lock.Lock()
	defer c.lock.Unlock()
	wasKnown, wasHalted := c.known, c.halted
	c.known, c.halted = true, halted
	if halted {
		c.metrics.halted.Set(1)
	} else {
		c.metrics.halted.Set(0)
	}
	if wasKnown && wasHalted == halted {
		return
	}
	if wasKnown {
		if halted {
			c.metrics.transitions.WithLabelValues("halted").Inc()
		} else {
			c.metrics.transitions.WithLabelValues("running").Inc()
		}
		c.r.Debug().Bool("halted", halted).Msg("target state changed")
	}
	if !c.enabled {
		return
	}
	if halted {
		c.d.Pipeline.Pause()
	} else {
		c.d.Pipeline.Resume()
	}
}

// Enabled tells if gating is enabled.
func (c *Component) Enabled() bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.enabled
}

// SetEnabled enables or disables gating. When the target is halted,
// enabling pauses the pipeline and disabling resumes it.
func (c *Component) SetEnabled(enabled bool) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.enabled == enabled {
		return
	}
	c.enabled = enabled
	if c.d.Target == nil || !c.known || !c.halted {
		return
	}
	if enabled {
		c.d.Pipeline.Pause()
	} else {
		c.d.Pipeline.Resume()
	}
}

// State is the state of the gate.
type State struct {
	Enabled bool `json:"enabled"`
	Active  bool `json:"active"`
	// Halted is nil when the target state is unknown.
	Halted *bool `json:"halted"`
}

// State returns the current state of the gate.
func (c *Component) State() State {
	c.lock.Lock()
	defer c.lock.Unlock()
	state := State{
		Enabled: c.enabled,
		Active:  c.d.Target != nil,
	}
	if c.known {
		halted := c.halted
		state.Halted = &halted
	}
	return state
}
