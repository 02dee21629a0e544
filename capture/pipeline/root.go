// SPDX-FileCopyrightText: 2022 Free Mobile
// SPDX-License-Identifier: AGPL-3.0-only

// Package pipeline reads trace bytes from a transport, copies them to an
// optional raw sink and feeds them to the decoder. Decoded events are
// handed to their handlers through a poster, never on the capture
// goroutine.
package pipeline

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"gopkg.in/tomb.v2"

	"swotap/capture/decoder"
	"swotap/capture/transport"
	"swotap/common/daemon"
	"swotap/common/httpserver"
	"swotap/common/reporter"
)

// Poster runs callbacks outside the capture goroutine. Post should never
// block.
type Poster interface {
	Post(func())
}

// Component represents the capture pipeline.
type Component struct {
	r         *reporter.Reporter
	d         *Dependencies
	t         tomb.Tomb
	config    Configuration
	errLogger reporter.Logger

	transport transport.Transport
	healthy   chan reporter.ChannelHealthcheckFunc

	lock       sync.Mutex
	decoder    *decoder.Decoder
	tee        RawSink
	rawFile    string
	readFailed error

	metrics metrics
}

// Dependencies define the dependencies of the capture pipeline.
type Dependencies struct {
	Daemon   daemon.Component
	Executor Poster
	Clock    clock.Clock
	HTTP     *httpserver.Component
}

// New creates a new capture pipeline.
func New(r *reporter.Reporter, configuration Configuration, dependencies Dependencies) (*Component, error) {
	if dependencies.Clock == nil {
		dependencies.Clock = clock.New()
	}
	if configuration.Transport.Config == nil {
		return nil, fmt.Errorf("no transport configured")
	}
	c := Component{
		r:         r,
		d:         &dependencies,
		config:    configuration,
		errLogger: r.Sample(reporter.BurstSampler(time.Minute, 1)),
		healthy:   make(chan reporter.ChannelHealthcheckFunc),
		decoder:   decoder.New(dependencies.Clock),
	}
	c.decoder.SetPaused(configuration.StartPaused)
	c.initMetrics()
	c.updatePausedMetric()
	c.d.Daemon.Track(&c.t, "capture/pipeline")
	if c.d.HTTP != nil {
		c.d.HTTP.GinRouter.GET("/api/v0/capture/status", c.statusHandlerFunc)
		c.d.HTTP.GinRouter.POST("/api/v0/capture/pause", c.pauseHandlerFunc)
		c.d.HTTP.GinRouter.POST("/api/v0/capture/resume", c.resumeHandlerFunc)
		c.d.HTTP.GinRouter.PUT("/api/v0/capture/rawfile", c.rawFileHandlerFunc)
	}
	return &c, nil
}

// Start opens the raw file and the transport and starts reading.
func (c *Component) Start() error {
	c.r.Info().Msg("starting capture pipeline")
	if c.config.RawFile != "" {
		if err := c.SetRawFile(c.config.RawFile); err != nil {
			return err
		}
	}
	tr, err := c.config.Transport.Config.New(c.r)
	if err != nil {
		return fmt.Errorf("cannot create transport: %w", err)
	}
	c.transport = tr

	c.r.RegisterHealthcheck("capture/pipeline", reporter.ChannelHealthcheck(c.t.Context(nil), c.healthy))
	c.t.Go(c.healthLoop)
	c.t.Go(c.readLoop)
	return nil
}

// Stop stops reading, closes the transport and the raw sink.
func (c *Component) Stop() error {
	defer c.r.Info().Msg("capture pipeline stopped")
	c.t.Kill(nil)
	if c.transport != nil {
		if err := c.transport.Close(); err != nil {
			c.r.Warn().Err(err).Msg("cannot close transport")
		}
	}
	err := c.t.Wait()
	c.SetRawTee(nil)
	return err
}

func (c *Component) healthLoop() error {
	for {
		select {
		case <-c.t.Dying():
			return nil
		case cb := <-c.healthy:
			c.lock.Lock()
			failed := c.readFailed
			c.lock.Unlock()
			if failed != nil {
				cb(reporter.HealthcheckWarning, fmt.Sprintf("last read failed: %s", failed))
			} else {
				cb(reporter.HealthcheckOK, "ok")
			}
		}
	}
}

func (c *Component) readLoop() error {
	buf := make([]byte, c.config.ChunkSize)
	for {
		n, err := c.transport.Read(buf)
		if n > 0 {
			c.handleChunk(buf[:n])
		}
		if err == nil {
			c.setReadFailed(nil)
			continue
		}
		if !c.t.Alive() {
			return nil
		}
		if transport.IsTimeout(err) {
			continue
		}
		c.metrics.readErrors.Inc()
		c.errLogger.Err(err).Msg("cannot read from transport")
		c.setReadFailed(err)
		select {
		case <-c.t.Dying():
			return nil
		case <-c.d.Clock.After(c.config.RetryDelay):
		}
	}
}

func (c *Component) setReadFailed(err error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.readFailed = err
}

// handleChunk copies a chunk to the raw sink and decodes it.
func (c *Component) handleChunk(chunk []byte) {
	c.metrics.bytes.Add(float64(len(chunk)))
	c.metrics.chunks.Inc()

	c.lock.Lock()
	defer c.lock.Unlock()
	if c.tee != nil {
		_, err := c.tee.Write(chunk)
		if err == nil {
			err = c.tee.Flush()
		}
		if err != nil {
			c.metrics.teeErrors.Inc()
			c.errLogger.Err(err).Str("rawfile", c.rawFile).Msg("cannot copy raw trace")
		}
	}
	for _, b := range chunk {
		if err := c.decoder.DecodeByte(b); err != nil {
			c.metrics.protocolErrors.Inc()
			c.errLogger.Warn().Err(err).Msg("trace protocol error")
		}
	}
}

// Pause discards decoded events until Resume().
func (c *Component) Pause() {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.decoder.SetPaused(true)
	c.updatePausedMetricLocked()
}

// Resume resumes dispatching decoded events.
func (c *Component) Resume() {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.decoder.SetPaused(false)
	c.updatePausedMetricLocked()
}

// Paused tells if the pipeline is paused.
func (c *Component) Paused() bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.decoder.Paused()
}

func (c *Component) updatePausedMetric() {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.updatePausedMetricLocked()
}

func (c *Component) updatePausedMetricLocked() {
	if c.decoder.Paused() {
		c.metrics.paused.Set(1)
	} else {
		c.metrics.paused.Set(0)
	}
}

// SetRawTee replaces the raw sink. The previous one is closed if it is an
// io.Closer. A nil sink disables the copy.
func (c *Component) SetRawTee(sink RawSink) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.setRawTeeLocked(sink, "")
}

func (c *Component) setRawTeeLocked(sink RawSink, name string) {
	previous := c.tee
	c.tee = sink
	c.rawFile = name
	if previous != nil && previous != sink {
		if closer, ok := previous.(io.Closer); ok {
			if err := closer.Close(); err != nil {
				c.r.Warn().Err(err).Msg("cannot close raw sink")
			}
		}
	}
}

// SetRawFile copies raw trace bytes to the provided file, opened in append
// mode. An empty path disables the copy.
func (c *Component) SetRawFile(path string) error {
	if path == "" {
		c.SetRawTee(nil)
		c.r.Info().Msg("not copying raw trace")
		return nil
	}
	rf, err := OpenRawFile(path)
	if err != nil {
		return err
	}
	c.lock.Lock()
	defer c.lock.Unlock()
	c.setRawTeeLocked(rf, path)
	c.r.Info().Str("rawfile", path).Msg("copying raw trace")
	return nil
}

// Register binds a handler to the opcodes matching code under mask. The
// handler is posted with the event and the provided arguments.
func (c *Component) Register(code, mask byte, h decoder.Handler, args ...any) error {
	if h == nil {
		return decoder.ErrNilHandler
	}
	proxy := func(ev decoder.Event, args ...any) {
		c.d.Executor.Post(func() { h(ev, args...) })
	}
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.decoder.Register(code, mask, proxy, args...)
}

// Unregister removes the first binding with the provided code and mask.
func (c *Component) Unregister(code, mask byte) bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.decoder.Unregister(code, mask)
}

// EnableTimestamping switches timestamp correlation in the decoder.
func (c *Component) EnableTimestamping(enabled bool) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.decoder.EnableTimestamping(enabled)
}

// BindingStatus describes a binding.
type BindingStatus struct {
	Code string `json:"code"`
	Mask string `json:"mask"`
}

// Status is a snapshot of the pipeline state.
type Status struct {
	Paused       bool            `json:"paused"`
	Timestamping bool            `json:"timestamping"`
	Timestamp    uint64          `json:"timestamp"`
	State        string          `json:"state"`
	RawFile      string          `json:"rawfile"`
	Bindings     []BindingStatus `json:"bindings"`
}

// Status returns the current state of the pipeline.
func (c *Component) Status() Status {
	c.lock.Lock()
	defer c.lock.Unlock()
	status := Status{
		Paused:       c.decoder.Paused(),
		Timestamping: c.decoder.Timestamping(),
		Timestamp:    c.decoder.Timestamp(),
		State:        c.decoder.State().String(),
		RawFile:      c.rawFile,
		Bindings:     []BindingStatus{},
	}
	for _, b := range c.decoder.Bindings() {
		status.Bindings = append(status.Bindings, BindingStatus{
			Code: fmt.Sprintf("0x%02X", b.Code),
			Mask: fmt.Sprintf("0x%02X", b.Mask),
		})
	}
	return status
}
