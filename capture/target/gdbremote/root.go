// SPDX-FileCopyrightText: 2022 Free Mobile
// SPDX-License-Identifier: AGPL-3.0-only

// Package gdbremote is a minimal client for the GDB remote serial
// protocol, as exposed by debug adapters and GDB servers. It only accesses
// target memory, one word at a time.
package gdbremote

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"swotap/common/reporter"
)

const maxRetransmits = 3

var (
	// ErrUnsupported is returned when the remote replies with an empty
	// packet.
	ErrUnsupported = errors.New("request not supported by remote")
	// ErrChecksum is returned when a packet is received with a bad
	// checksum too many times.
	ErrChecksum = errors.New("checksum mismatch")
	// ErrNack is returned when the remote refuses a packet too many times.
	ErrNack = errors.New("packet not acknowledged")
	// ErrMalformed is returned for an unexpected reply.
	ErrMalformed = errors.New("malformed reply")
)

// RemoteError is an error reply (Exx) from the remote.
type RemoteError struct {
	Code uint8
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error E%02X", e.Code)
}

// Client is a GDB remote protocol client. It connects lazily and
// reconnects after an I/O error.
type Client struct {
	r         *reporter.Reporter
	errLogger reporter.Logger
	address   string
	timeout   time.Duration

	lock sync.Mutex
	conn net.Conn
	rd   *bufio.Reader

	metrics struct {
		requests    *reporter.CounterVec
		errors      *reporter.CounterVec
		connections reporter.Counter
	}
}

// New creates a new client for the remote at the provided address. Each
// request is bounded by timeout, in addition to the context.
func New(r *reporter.Reporter, address string, timeout time.Duration) *Client {
	c := &Client{
		r:         r,
		errLogger: r.Sample(reporter.BurstSampler(time.Minute, 3)),
		address:   address,
		timeout:   timeout,
	}
	c.metrics.requests = r.CounterVec(reporter.CounterOpts{
		Name: "requests_total",
		Help: "Requests sent to the GDB remote.",
	}, []string{"request"})
	c.metrics.errors = r.CounterVec(reporter.CounterOpts{
		Name: "errors_total",
		Help: "Failed requests to the GDB remote.",
	}, []string{"request"})
	c.metrics.connections = r.Counter(reporter.CounterOpts{
		Name: "connections_total",
		Help: "Connections established to the GDB remote.",
	})
	return c
}

// ReadWord reads a 32-bit little-endian word from target memory.
func (c *Client) ReadWord(ctx context.Context, addr uint32) (uint32, error) {
	reply, err := c.request(ctx, "read", fmt.Sprintf("m%x,4", addr))
	if err != nil {
		return 0, fmt.Errorf("cannot read 0x%08X: %w", addr, err)
	}
	raw, err := hex.DecodeString(reply)
	if err != nil || len(raw) != 4 {
		return 0, fmt.Errorf("cannot read 0x%08X: %w: %q", addr, ErrMalformed, reply)
	}
	return binary.LittleEndian.Uint32(raw), nil
}

// WriteWord writes a 32-bit little-endian word to target memory.
func (c *Client) WriteWord(ctx context.Context, addr uint32, value uint32) error {
	raw := binary.LittleEndian.AppendUint32(nil, value)
	reply, err := c.request(ctx, "write", fmt.Sprintf("M%x,4:%s", addr, hex.EncodeToString(raw)))
	if err != nil {
		return fmt.Errorf("cannot write 0x%08X: %w", addr, err)
	}
	if reply != "OK" {
		return fmt.Errorf("cannot write 0x%08X: %w: %q", addr, ErrMalformed, reply)
	}
	return nil
}

// Close closes the connection to the remote, if any.
func (c *Client) Close() error {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.disconnect()
}

func (c *Client) disconnect() error {
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	c.rd = nil
	return err
}

// request sends a packet and returns the reply payload.
func (c *Client) request(ctx context.Context, kind, payload string) (string, error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.metrics.requests.WithLabelValues(kind).Inc()

	reply, err := c.exchange(ctx, payload)
	if err != nil {
		c.metrics.errors.WithLabelValues(kind).Inc()
		var rerr *RemoteError
		if !errors.As(err, &rerr) && !errors.Is(err, ErrUnsupported) {
			c.errLogger.Err(err).Str("remote", c.address).Msg("GDB remote request failed")
			c.disconnect()
		}
		return "", err
	}
	return reply, nil
}

func (c *Client) exchange(ctx context.Context, payload string) (string, error) {
	if c.conn == nil {
		dialer := net.Dialer{Timeout: c.timeout}
		conn, err := dialer.DialContext(ctx, "tcp", c.address)
		if err != nil {
			return "", fmt.Errorf("cannot connect to %s: %w", c.address, err)
		}
		c.conn = conn
		c.rd = bufio.NewReader(conn)
		c.metrics.connections.Inc()
		c.r.Debug().Str("remote", c.address).Msg("connected to GDB remote")
	}

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.conn.SetDeadline(deadline)
	conn := c.conn
	stop := context.AfterFunc(ctx, func() { conn.SetDeadline(time.Now()) })
	defer stop()

	reply, err := c.roundTrip(payload)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if d, ok := ctx.Deadline(); ok && !time.Now().Before(d) {
			return "", context.DeadlineExceeded
		}
		return "", err
	}
	switch {
	case reply == "":
		return "", ErrUnsupported
	case len(reply) == 3 && reply[0] == 'E':
		code, err := strconv.ParseUint(reply[1:], 16, 8)
		if err == nil {
			return "", &RemoteError{Code: uint8(code)}
		}
	}
	return reply, nil
}

func (c *Client) roundTrip(payload string) (string, error) {
	if err := c.send(payload); err != nil {
		return "", err
	}
	return c.receive()
}

func checksum(data []byte) uint8 {
	var sum uint8
	for _, b := range data {
		sum += b
	}
	return sum
}

// send writes a packet and waits for its acknowledgment.
func (c *Client) send(payload string) error {
	packet := fmt.Sprintf("$%s#%02x", payload, checksum([]byte(payload)))
	for range maxRetransmits {
		if _, err := c.conn.Write([]byte(packet)); err != nil {
			return err
		}
		for {
			b, err := c.rd.ReadByte()
			if err != nil {
				return err
			}
			if b == '+' {
				return nil
			}
			if b == '-' {
				break
			}
		}
	}
	return ErrNack
}

// receive reads a packet, acknowledges it and returns its decoded payload.
func (c *Client) receive() (string, error) {
	for range maxRetransmits {
		for {
			b, err := c.rd.ReadByte()
			if err != nil {
				return "", err
			}
			if b == '$' {
				break
			}
		}
		data, err := c.rd.ReadBytes('#')
		if err != nil {
			return "", err
		}
		data = data[:len(data)-1]
		var sum [2]byte
		if _, err := io.ReadFull(c.rd, sum[:]); err != nil {
			return "", err
		}
		expected, err := strconv.ParseUint(string(sum[:]), 16, 8)
		if err != nil || uint8(expected) != checksum(data) {
			if _, err := c.conn.Write([]byte{'-'}); err != nil {
				return "", err
			}
			continue
		}
		if _, err := c.conn.Write([]byte{'+'}); err != nil {
			return "", err
		}
		return decode(data), nil
	}
	return "", ErrChecksum
}

// decode expands escaped bytes and run-length encoding.
func decode(data []byte) string {
	out := make([]byte, 0, len(data))
	for i := 0; i < len(data); i++ {
		switch data[i] {
		case '}':
			if i+1 < len(data) {
				i++
				out = append(out, data[i]^0x20)
			}
		case '*':
			if i+1 < len(data) && len(out) > 0 {
				i++
				last := out[len(out)-1]
				for range int(data[i]) - 29 {
					out = append(out, last)
				}
			}
		default:
			out = append(out, data[i])
		}
	}
	return string(out)
}
