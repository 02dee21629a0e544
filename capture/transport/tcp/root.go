// SPDX-FileCopyrightText: 2022 Free Mobile
// SPDX-License-Identifier: AGPL-3.0-only

// Package tcp reads trace bytes from a TCP trace server. The connection is
// reestablished with an exponential backoff when lost.
package tcp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"swotap/capture/transport"
	"swotap/common/reporter"
)

// Transport is a TCP trace client.
type Transport struct {
	r         *reporter.Reporter
	errLogger reporter.Logger
	config    *Configuration

	ctx    context.Context
	cancel context.CancelFunc

	lock sync.Mutex
	conn net.Conn

	metrics struct {
		connections   reporter.Counter
		connectErrors reporter.Counter
		bytes         reporter.Counter
	}
}

var _ transport.Transport = &Transport{}

// New creates a TCP trace client. Nothing happens until the first Read().
func (configuration *Configuration) New(r *reporter.Reporter) (transport.Transport, error) {
	t := &Transport{
		r:         r,
		errLogger: r.Sample(reporter.BurstSampler(time.Minute, 1)),
		config:    configuration,
	}
	t.ctx, t.cancel = context.WithCancel(context.Background())
	t.metrics.connections = r.Counter(reporter.CounterOpts{
		Name: "connections_total",
		Help: "Number of connections established to the trace server.",
	})
	t.metrics.connectErrors = r.Counter(reporter.CounterOpts{
		Name: "connect_errors_total",
		Help: "Number of failed connection attempts.",
	})
	t.metrics.bytes = r.Counter(reporter.CounterOpts{
		Name: "bytes_total",
		Help: "Bytes received from the trace server.",
	})
	return t, nil
}

// connection returns the current connection or connects, retrying until
// success or Close().
func (t *Transport) connection() (net.Conn, error) {
	t.lock.Lock()
	conn := t.conn
	t.lock.Unlock()
	if conn != nil {
		return conn, nil
	}

	dialer := net.Dialer{Timeout: t.config.DialTimeout}
	err := backoff.RetryNotify(func() error {
		var err error
		conn, err = dialer.DialContext(t.ctx, "tcp", t.config.Connect)
		return err
	}, backoff.WithContext(transport.NewBackOff(), t.ctx), func(err error, next time.Duration) {
		t.metrics.connectErrors.Inc()
		t.errLogger.Err(err).Str("connect", t.config.Connect).Dur("retry", next).
			Msg("cannot connect to trace server")
	})
	if err != nil {
		if t.ctx.Err() != nil {
			return nil, net.ErrClosed
		}
		return nil, fmt.Errorf("cannot connect to %s: %w", t.config.Connect, err)
	}

	t.lock.Lock()
	defer t.lock.Unlock()
	if t.ctx.Err() != nil {
		conn.Close()
		return nil, net.ErrClosed
	}
	t.conn = conn
	t.metrics.connections.Inc()
	t.r.Info().Str("connect", t.config.Connect).Msg("connected to trace server")
	return conn, nil
}

// drop closes the provided connection if it is still the current one.
func (t *Transport) drop(conn net.Conn) {
	t.lock.Lock()
	defer t.lock.Unlock()
	if t.conn == conn {
		t.conn.Close()
		t.conn = nil
	}
}

// Read reads trace bytes. A read timeout keeps the connection. Any other
// error closes it and the next Read() reconnects.
func (t *Transport) Read(p []byte) (int, error) {
	conn, err := t.connection()
	if err != nil {
		return 0, err
	}
	if t.config.ReadTimeout > 0 {
		conn.SetReadDeadline(time.Now().Add(t.config.ReadTimeout))
	}
	n, err := conn.Read(p)
	t.metrics.bytes.Add(float64(n))
	if err == nil {
		return n, nil
	}
	if t.ctx.Err() != nil {
		return n, net.ErrClosed
	}
	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		return n, err
	}
	t.drop(conn)
	return n, fmt.Errorf("connection to %s lost: %w", t.config.Connect, err)
}

// Close closes the connection. A blocked Read() returns net.ErrClosed.
func (t *Transport) Close() error {
	t.cancel()
	t.lock.Lock()
	defer t.lock.Unlock()
	if t.conn != nil {
		err := t.conn.Close()
		t.conn = nil
		return err
	}
	return nil
}
