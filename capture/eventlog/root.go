// SPDX-FileCopyrightText: 2022 Free Mobile
// SPDX-License-Identifier: AGPL-3.0-only

// Package eventlog writes decoded trace records to a rotating log file
// and/or to stdout.
package eventlog

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"swotap/capture/record"
	"swotap/common/httpserver"
	"swotap/common/reporter"
)

// Component represents the decoded trace log.
type Component struct {
	r         *reporter.Reporter
	d         *Dependencies
	config    Configuration
	errLogger reporter.Logger

	lock   sync.Mutex
	file   *lumberjack.Logger
	stdout io.Writer

	metrics struct {
		records     *reporter.CounterVec
		writeErrors reporter.Counter
	}
}

// Dependencies define the dependencies of the decoded trace log.
type Dependencies struct {
	HTTP *httpserver.Component
}

var _ record.Sink = &Component{}

// New creates a new decoded trace log.
func New(r *reporter.Reporter, configuration Configuration, dependencies Dependencies) (*Component, error) {
	c := Component{
		r:         r,
		d:         &dependencies,
		config:    configuration,
		errLogger: r.Sample(reporter.BurstSampler(time.Minute, 1)),
		stdout:    os.Stdout,
	}
	c.metrics.records = r.CounterVec(reporter.CounterOpts{
		Name: "records_total",
		Help: "Records written to the log.",
	}, []string{"kind"})
	c.metrics.writeErrors = r.Counter(reporter.CounterOpts{
		Name: "write_errors_total",
		Help: "Errors when writing records.",
	})
	if c.d.HTTP != nil {
		c.d.HTTP.GinRouter.GET("/api/v0/capture/log", c.getLogHandlerFunc)
		c.d.HTTP.GinRouter.PUT("/api/v0/capture/log", c.putLogHandlerFunc)
	}
	return &c, nil
}

// Start opens the log file, if any.
func (c *Component) Start() error {
	c.r.Info().Msg("starting trace log component")
	return c.SetFile(c.config.File)
}

// Stop closes the log file.
func (c *Component) Stop() error {
	c.r.Info().Msg("stopping trace log component")
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.closeFile()
}

func (c *Component) closeFile() error {
	if c.file == nil {
		return nil
	}
	err := c.file.Close()
	c.file = nil
	return err
}

// SetFile switches to another log file. An empty path writes records to
// stdout.
func (c *Component) SetFile(path string) error {
	c.lock.Lock()
	defer c.lock.Unlock()
	if err := c.closeFile(); err != nil {
		c.r.Err(err).Str("file", c.config.File).Msg("cannot close log file")
	}
	c.config.File = path
	if path == "" {
		return nil
	}
	c.file = &lumberjack.Logger{
		Filename:   path,
		MaxSize:    c.config.MaxSize,
		MaxBackups: c.config.MaxBackups,
		MaxAge:     c.config.MaxAge,
		Compress:   c.config.Compress,
	}
	if err := c.writeLine(c.file, c.openingLine()); err != nil {
		c.file = nil
		return fmt.Errorf("cannot open log file %q: %w", path, err)
	}
	c.r.Info().Str("file", path).Msg("logging trace records")
	return nil
}

// File returns the current log file.
func (c *Component) File() string {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.config.File
}

// SetEcho tells if records are also written to stdout when a file is used.
func (c *Component) SetEcho(echo bool) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.config.Echo = echo
}

// Echo tells if records are also written to stdout.
func (c *Component) Echo() bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.config.Echo
}

func (c *Component) openingLine() []byte {
	if c.config.Format == FormatJSON {
		line, _ := json.Marshal(map[string]any{
			"time":    time.Now(),
			"message": "trace log opened",
		})
		return line
	}
	return []byte("trace log opened")
}

func (c *Component) writeLine(w io.Writer, line []byte) error {
	_, err := w.Write(append(line, '\n'))
	return err
}

// Publish writes a record.
func (c *Component) Publish(rec record.Record) {
	var line []byte
	if c.config.Format == FormatJSON {
		var err error
		line, err = json.Marshal(rec)
		if err != nil {
			c.metrics.writeErrors.Inc()
			c.errLogger.Err(err).Msg("cannot encode record")
			return
		}
	} else {
		line = []byte(rec.Format())
	}

	c.lock.Lock()
	defer c.lock.Unlock()
	c.metrics.records.WithLabelValues(string(rec.Kind)).Inc()
	if c.file != nil {
		if err := c.writeLine(c.file, line); err != nil {
			c.metrics.writeErrors.Inc()
			c.errLogger.Err(err).Str("file", c.config.File).Msg("cannot write record")
		}
	}
	if c.file == nil || c.config.Echo {
		if err := c.writeLine(c.stdout, line); err != nil {
			c.metrics.writeErrors.Inc()
			c.errLogger.Err(err).Msg("cannot write record to stdout")
		}
	}
}
