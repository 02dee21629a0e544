// SPDX-FileCopyrightText: 2022 Free Mobile
// SPDX-License-Identifier: AGPL-3.0-only

// Package udp receives trace bytes as UDP datagrams. A datagram larger than
// the buffer given to Read() is served over several reads.
package udp

import (
	"errors"
	"fmt"
	"net"

	"swotap/capture/transport"
	"swotap/common/reporter"
)

// Transport is an UDP trace listener.
type Transport struct {
	r      *reporter.Reporter
	config *Configuration
	conn   *net.UDPConn

	buf      []byte
	leftover []byte

	metrics struct {
		datagrams reporter.Counter
		bytes     reporter.Counter
	}
}

var _ transport.Transport = &Transport{}

// New starts listening for datagrams.
func (configuration *Configuration) New(r *reporter.Reporter) (transport.Transport, error) {
	addr, err := net.ResolveUDPAddr("udp", configuration.Listen)
	if err != nil {
		return nil, fmt.Errorf("unable to resolve %v: %w", configuration.Listen, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("unable to listen to %v: %w", addr, err)
	}
	if configuration.ReceiveBuffer > 0 {
		if err := conn.SetReadBuffer(int(configuration.ReceiveBuffer)); err != nil {
			r.Warn().Err(err).Uint("size", configuration.ReceiveBuffer).Msg("unable to set receive buffer size")
		}
	}
	r.Info().Str("listen", conn.LocalAddr().String()).Msg("listening for trace datagrams")

	t := &Transport{
		r:      r,
		config: configuration,
		conn:   conn,
		buf:    make([]byte, 65536),
	}
	t.metrics.datagrams = r.Counter(reporter.CounterOpts{
		Name: "datagrams_total",
		Help: "Datagrams received.",
	})
	t.metrics.bytes = r.Counter(reporter.CounterOpts{
		Name: "bytes_total",
		Help: "Bytes received.",
	})
	return t, nil
}

// LocalAddr returns the listening address.
func (t *Transport) LocalAddr() net.Addr {
	return t.conn.LocalAddr()
}

// Read returns the remaining bytes of the last datagram or waits for a new
// one.
func (t *Transport) Read(p []byte) (int, error) {
	if len(t.leftover) == 0 {
		n, _, err := t.conn.ReadFromUDP(t.buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return 0, net.ErrClosed
			}
			return 0, err
		}
		t.metrics.datagrams.Inc()
		t.metrics.bytes.Add(float64(n))
		t.leftover = t.buf[:n]
	}
	n := copy(p, t.leftover)
	t.leftover = t.leftover[n:]
	return n, nil
}

// Close stops listening. A blocked Read() returns net.ErrClosed.
func (t *Transport) Close() error {
	return t.conn.Close()
}
