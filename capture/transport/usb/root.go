// SPDX-FileCopyrightText: 2022 Free Mobile
// SPDX-License-Identifier: AGPL-3.0-only

// Package usb reads trace bytes from the bulk endpoint of a debug adapter
// through libusb. The device is reopened when an error happens.
package usb

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/gousb"

	"swotap/capture/transport"
	"swotap/common/reporter"
)

var (
	// ErrNoDevice is returned when no matching adapter is connected.
	ErrNoDevice = errors.New("no matching USB device")
	// ErrNoEndpoint is returned when the interface has no usable IN
	// endpoint.
	ErrNoEndpoint = errors.New("no IN endpoint")
)

// Transport is a USB trace reader.
type Transport struct {
	r         *reporter.Reporter
	errLogger reporter.Logger
	config    *Configuration

	ctx    context.Context
	cancel context.CancelFunc

	lock   sync.Mutex
	usb    *gousb.Context
	device *opened

	metrics struct {
		opens      reporter.Counter
		openErrors reporter.Counter
		bytes      reporter.Counter
	}
}

// opened is an opened trace endpoint.
type opened struct {
	dev      *gousb.Device
	cfg      *gousb.Config
	intf     *gousb.Interface
	endpoint *gousb.InEndpoint
}

func (o *opened) close() {
	if o.intf != nil {
		o.intf.Close()
	}
	if o.cfg != nil {
		o.cfg.Close()
	}
	if o.dev != nil {
		o.dev.Close()
	}
}

var _ transport.Transport = &Transport{}

// New initializes libusb. The adapter is opened on the first Read().
func (configuration *Configuration) New(r *reporter.Reporter) (transport.Transport, error) {
	t := &Transport{
		r:         r,
		errLogger: r.Sample(reporter.BurstSampler(time.Minute, 1)),
		config:    configuration,
		usb:       gousb.NewContext(),
	}
	t.ctx, t.cancel = context.WithCancel(context.Background())
	t.metrics.opens = r.Counter(reporter.CounterOpts{
		Name: "opens_total",
		Help: "Number of times the adapter was opened.",
	})
	t.metrics.openErrors = r.Counter(reporter.CounterOpts{
		Name: "open_errors_total",
		Help: "Number of failed attempts to open the adapter.",
	})
	t.metrics.bytes = r.Counter(reporter.CounterOpts{
		Name: "bytes_total",
		Help: "Bytes received from the adapter.",
	})
	return t, nil
}

// selectEndpoint returns the endpoint number to read from the interface
// descriptor: the configured one or the IN endpoint with the lowest number.
func selectEndpoint(endpoints map[gousb.EndpointAddress]gousb.EndpointDesc, wanted int) (int, error) {
	candidates := []int{}
	for _, desc := range endpoints {
		if desc.Direction != gousb.EndpointDirectionIn {
			continue
		}
		if wanted != 0 && desc.Number != wanted {
			continue
		}
		candidates = append(candidates, desc.Number)
	}
	if len(candidates) == 0 {
		return 0, ErrNoEndpoint
	}
	sort.Ints(candidates)
	return candidates[0], nil
}

// open opens the adapter and claims the trace interface.
func (t *Transport) open() (*opened, error) {
	t.lock.Lock()
	usb := t.usb
	t.lock.Unlock()
	if usb == nil {
		return nil, fmt.Errorf("USB context: %w", net.ErrClosed)
	}
	var serialErr error
	devs, err := usb.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return desc.Vendor == gousb.ID(t.config.Vendor) && desc.Product == gousb.ID(t.config.Product)
	})
	var dev *gousb.Device
	for _, d := range devs {
		if dev != nil {
			d.Close()
			continue
		}
		if t.config.Serial != "" {
			serial, err := d.SerialNumber()
			if err != nil {
				serialErr = err
				d.Close()
				continue
			}
			if serial != t.config.Serial {
				d.Close()
				continue
			}
		}
		dev = d
	}
	if dev == nil {
		if err != nil {
			return nil, fmt.Errorf("cannot enumerate USB devices: %w", err)
		}
		if serialErr != nil {
			return nil, fmt.Errorf("cannot get serial number: %w", serialErr)
		}
		return nil, ErrNoDevice
	}

	o := &opened{dev: dev}
	dev.SetAutoDetach(true)
	cfgNum, err := dev.ActiveConfigNum()
	if err != nil {
		o.close()
		return nil, fmt.Errorf("cannot get active configuration: %w", err)
	}
	o.cfg, err = dev.Config(cfgNum)
	if err != nil {
		o.close()
		return nil, fmt.Errorf("cannot select configuration %d: %w", cfgNum, err)
	}
	o.intf, err = o.cfg.Interface(t.config.Interface, 0)
	if err != nil {
		o.close()
		return nil, fmt.Errorf("cannot claim interface %d: %w", t.config.Interface, err)
	}
	number, err := selectEndpoint(o.intf.Setting.Endpoints, t.config.Endpoint)
	if err != nil {
		o.close()
		return nil, fmt.Errorf("interface %d: %w", t.config.Interface, err)
	}
	o.endpoint, err = o.intf.InEndpoint(number)
	if err != nil {
		o.close()
		return nil, fmt.Errorf("cannot open endpoint %d: %w", number, err)
	}
	return o, nil
}

// opened returns the current device or opens it, retrying until success
// or Close().
func (t *Transport) opened() (*opened, error) {
	t.lock.Lock()
	device := t.device
	t.lock.Unlock()
	if device != nil {
		return device, nil
	}

	err := backoff.RetryNotify(func() error {
		var err error
		device, err = t.open()
		if errors.Is(err, net.ErrClosed) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(transport.NewBackOff(), t.ctx), func(err error, next time.Duration) {
		t.metrics.openErrors.Inc()
		t.errLogger.Err(err).
			Str("device", fmt.Sprintf("%04x:%04x", t.config.Vendor, t.config.Product)).
			Dur("retry", next).
			Msg("cannot open adapter")
	})
	if err != nil {
		if t.ctx.Err() != nil {
			return nil, net.ErrClosed
		}
		return nil, err
	}

	t.lock.Lock()
	defer t.lock.Unlock()
	if t.ctx.Err() != nil {
		device.close()
		return nil, net.ErrClosed
	}
	t.device = device
	t.metrics.opens.Inc()
	t.r.Info().Str("endpoint", device.endpoint.String()).Msg("trace endpoint opened")
	return device, nil
}

// drop closes the provided device if it is still the current one.
func (t *Transport) drop(device *opened) {
	t.lock.Lock()
	defer t.lock.Unlock()
	if t.device == device {
		t.device.close()
		t.device = nil
	}
}

// Read issues a bulk read on the trace endpoint.
func (t *Transport) Read(p []byte) (int, error) {
	device, err := t.opened()
	if err != nil {
		return 0, err
	}
	ctx, cancel := context.WithTimeout(t.ctx, t.config.ReadTimeout)
	defer cancel()
	n, err := device.endpoint.ReadContext(ctx, p)
	t.metrics.bytes.Add(float64(n))
	if err == nil {
		return n, nil
	}
	if t.ctx.Err() != nil {
		return n, net.ErrClosed
	}
	if ctx.Err() != nil || errors.Is(err, gousb.TransferTimedOut) {
		return n, transport.ErrTimeout
	}
	t.drop(device)
	return n, fmt.Errorf("trace endpoint read error: %w", err)
}

// Close releases the adapter and libusb.
func (t *Transport) Close() error {
	t.cancel()
	t.lock.Lock()
	defer t.lock.Unlock()
	if t.device != nil {
		t.device.close()
		t.device = nil
	}
	if t.usb != nil {
		err := t.usb.Close()
		t.usb = nil
		return err
	}
	return nil
}
