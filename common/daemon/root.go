// SPDX-FileCopyrightText: 2022 Free Mobile
// SPDX-License-Identifier: AGPL-3.0-only

// Package daemon handles the lifecycle of the capture process: it watches
// the goroutines of each component and terminates the process when one of
// them dies or when a termination signal is received.
package daemon

import (
	"os"
	"os/signal"
	"syscall"

	"gopkg.in/tomb.v2"

	"swotap/common/reporter"
)

// Component is the interface the daemon component provides.
type Component interface {
	Start() error
	Stop() error
	Track(t *tomb.Tomb, who string)

	// Lifecycle
	Terminated() <-chan struct{}
	Terminate()
}

// realComponent is a non-mock implementation of the Component
// interface.
type realComponent struct {
	r     *reporter.Reporter
	tombs []trackedTomb

	lifecycleComponent
}

// trackedTomb is a tomb with the name of the component owning it.
type trackedTomb struct {
	tomb *tomb.Tomb
	who  string
}

// New will create a new daemon component.
func New(r *reporter.Reporter) (Component, error) {
	return &realComponent{
		r: r,
		lifecycleComponent: lifecycleComponent{
			terminateChannel: make(chan struct{}),
		},
	}, nil
}

// Start will make the daemon component active.
func (c *realComponent) Start() error {
	for _, t := range c.tombs {
		go c.watch(t)
	}

	go func() {
		signals := make(chan os.Signal, 1)
		signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(signals)
		select {
		case s := <-signals:
			c.r.Info().Stringer("signal", s).Msg("signal received, quitting")
			c.Terminate()
		case <-c.Terminated():
		}
	}()
	return nil
}

// watch terminates the daemon once the tracked tomb is dying.
func (c *realComponent) watch(t trackedTomb) {
	select {
	case <-t.tomb.Dying():
	case <-c.Terminated():
		return
	}
	if err := t.tomb.Err(); err != nil {
		c.r.Err(err).Str("component", t.who).Msg("component error, quitting")
	} else {
		c.r.Debug().Str("component", t.who).Msg("component shutting down, quitting")
	}
	c.Terminate()
}

// Stop will stop the component.
func (c *realComponent) Stop() error {
	c.Terminate()
	return nil
}

// Track adds a new tomb to be watched. This is only used before Start().
func (c *realComponent) Track(t *tomb.Tomb, who string) {
	c.tombs = append(c.tombs, trackedTomb{tomb: t, who: who})
}
