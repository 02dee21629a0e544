// SPDX-FileCopyrightText: 2022 Free Mobile
// SPDX-License-Identifier: AGPL-3.0-only

// Package transport defines the sources of raw trace bytes.
package transport

import (
	"errors"
	"io"
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"

	"swotap/common/reporter"
)

// Transport is a source of raw trace bytes. Read blocks until some bytes
// are available, a timeout or an error. Errors are transient: the caller is
// expected to retry. Once the transport is closed, Read returns an error
// wrapping net.ErrClosed, including for a Read blocked during Close.
type Transport interface {
	io.ReadCloser
}

// ErrTimeout is returned by transports when no byte was received before
// their read timeout.
var ErrTimeout = errors.New("read timeout")

// IsTimeout tells if an error returned by Read is a timeout. The caller
// should retry immediately.
func IsTimeout(err error) bool {
	if errors.Is(err, ErrTimeout) {
		return true
	}
	var nerr net.Error
	return errors.As(err, &nerr) && nerr.Timeout()
}

// Configuration is the interface for the configuration of a transport.
type Configuration interface {
	// New instantiates a new transport from its configuration.
	New(r *reporter.Reporter) (Transport, error)
}

// NewBackOff returns the policy used by transports to reconnect: it
// retries forever, starting at 100ms and up to 5 seconds.
func NewBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = 0
	return b
}
