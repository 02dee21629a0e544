// SPDX-FileCopyrightText: 2022 Free Mobile
// SPDX-License-Identifier: AGPL-3.0-only

// Package file replays a raw trace capture. It is mostly useful for
// development and testing.
package file

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"swotap/capture/transport"
	"swotap/common/reporter"
)

// Transport reads a raw capture file.
type Transport struct {
	r       *reporter.Reporter
	config  *Configuration
	file    *os.File
	watcher *fsnotify.Watcher

	done      chan struct{}
	closeOnce sync.Once

	metrics struct {
		bytes  reporter.Counter
		events reporter.Counter
	}
}

var _ transport.Transport = &Transport{}

// New opens the capture file.
func (configuration *Configuration) New(r *reporter.Reporter) (transport.Transport, error) {
	f, err := os.Open(configuration.Path)
	if err != nil {
		return nil, fmt.Errorf("unable to open %q: %w", configuration.Path, err)
	}
	t := &Transport{
		r:      r,
		config: configuration,
		file:   f,
		done:   make(chan struct{}),
	}
	if configuration.Follow {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("unable to create watcher: %w", err)
		}
		if err := watcher.Add(configuration.Path); err != nil {
			watcher.Close()
			f.Close()
			return nil, fmt.Errorf("unable to watch %q: %w", configuration.Path, err)
		}
		t.watcher = watcher
	}
	t.metrics.bytes = r.Counter(reporter.CounterOpts{
		Name: "bytes_total",
		Help: "Bytes read from the capture file.",
	})
	t.metrics.events = r.Counter(reporter.CounterOpts{
		Name: "watch_events_total",
		Help: "File system events received while following the capture file.",
	})
	r.Info().Str("path", configuration.Path).Bool("follow", configuration.Follow).
		Msg("reading trace capture")
	return t, nil
}

// Read returns the next bytes of the capture. Once the end is reached, it
// waits for appended data when following, or for Close() otherwise.
func (t *Transport) Read(p []byte) (int, error) {
	for {
		select {
		case <-t.done:
			return 0, net.ErrClosed
		default:
		}
		n, err := t.file.Read(p)
		if n > 0 {
			t.metrics.bytes.Add(float64(n))
			return n, nil
		}
		if err != nil && !errors.Is(err, io.EOF) {
			if errors.Is(err, os.ErrClosed) {
				return 0, net.ErrClosed
			}
			return 0, err
		}
		if err := t.wait(); err != nil {
			return 0, err
		}
	}
}

// wait blocks until the file may have grown or the transport is closed.
func (t *Transport) wait() error {
	if t.watcher == nil {
		<-t.done
		return net.ErrClosed
	}
	select {
	case <-t.done:
		return net.ErrClosed
	case event, ok := <-t.watcher.Events:
		if !ok {
			return net.ErrClosed
		}
		t.metrics.events.Inc()
		if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
			t.r.Warn().Str("path", t.config.Path).Msg("capture file is gone")
		}
	case err, ok := <-t.watcher.Errors:
		if !ok {
			return net.ErrClosed
		}
		return fmt.Errorf("error while watching %q: %w", t.config.Path, err)
	case <-time.After(time.Second):
	}
	return nil
}

// Close closes the capture file and unblocks any pending Read().
func (t *Transport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.done)
		if t.watcher != nil {
			t.watcher.Close()
		}
		err = t.file.Close()
	})
	return err
}
