// SPDX-FileCopyrightText: 2022 Free Mobile
// SPDX-License-Identifier: AGPL-3.0-only

package pipeline

import (
	"errors"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"swotap/capture/decoder"
	"swotap/capture/executor"
	"swotap/capture/transport"
	"swotap/common/daemon"
	"swotap/common/helpers"
	"swotap/common/httpserver"
	"swotap/common/reporter"
)

// fakeTransport serves chunks and errors pushed by the test.
type fakeTransport struct {
	chunks    chan []byte
	errs      chan error
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		chunks: make(chan []byte),
		errs:   make(chan error),
		closed: make(chan struct{}),
	}
}

func (f *fakeTransport) Read(p []byte) (int, error) {
	select {
	case chunk := <-f.chunks:
		return copy(p, chunk), nil
	case err := <-f.errs:
		return 0, err
	case <-f.closed:
		return 0, net.ErrClosed
	}
}

func (f *fakeTransport) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

type fakeConfiguration struct {
	tr *fakeTransport
}

func (fc *fakeConfiguration) New(*reporter.Reporter) (transport.Transport, error) {
	return fc.tr, nil
}

func newTestPipeline(t *testing.T, config Configuration, h *httpserver.Component) (*Component, *fakeTransport) {
	t.Helper()
	r := reporter.NewMock(t)
	ex, err := executor.New(r, executor.Dependencies{Daemon: daemon.NewMock(t)})
	if err != nil {
		t.Fatalf("executor.New() error:\n%+v", err)
	}
	helpers.StartStop(t, ex)

	tr := newFakeTransport()
	config.Transport = TransportConfiguration{Config: &fakeConfiguration{tr: tr}}
	c, err := New(r, config, Dependencies{
		Daemon:   daemon.NewMock(t),
		Executor: ex,
		HTTP:     h,
	})
	if err != nil {
		t.Fatalf("New() error:\n%+v", err)
	}
	helpers.StartStop(t, c)
	return c, tr
}

func collect(t *testing.T, c *Component, code, mask byte) chan decoder.Event {
	t.Helper()
	events := make(chan decoder.Event, 10)
	h := func(ev decoder.Event, args ...any) {
		if len(args) != 1 || args[0] != "tag" {
			t.Errorf("handler got args %v", args)
		}
		events <- ev
	}
	if err := c.Register(code, mask, h, "tag"); err != nil {
		t.Fatalf("Register() error:\n%+v", err)
	}
	return events
}

func receive(t *testing.T, events chan decoder.Event) decoder.Event {
	t.Helper()
	select {
	case ev := <-events:
		return ev
	case <-time.After(time.Second):
		t.Fatal("no event received")
	}
	return decoder.Event{}
}

func TestDecodeAndDispatch(t *testing.T) {
	config := DefaultConfiguration()
	config.StartPaused = false
	c, tr := newTestPipeline(t, config, nil)
	events := collect(t, c, 0x09, 0xFF)

	tr.chunks <- []byte{0x09, 0x41, 0x70}
	ev := receive(t, events)
	if ev.Opcode != 0x09 || ev.Param != 0x41 {
		t.Fatalf("received event %+v", ev)
	}

	gotMetrics := c.r.GetMetrics("swotap_capture_pipeline_")
	expectedMetrics := map[string]string{
		"received_bytes_total":    "3",
		"received_chunks_total":   "1",
		"read_errors_total":       "0",
		"protocol_errors_total":   "0",
		"tee_errors_total":        "0",
		"paused":                  "0",
		"dispatched_events_total": "1",
		"unmatched_events_total":  "1",
		"discarded_events_total":  "0",
		"timestamps_total":        "0",
	}
	if diff := helpers.Diff(gotMetrics, expectedMetrics); diff != "" {
		t.Fatalf("Metrics (-got, +want):\n%s", diff)
	}
}

func TestRegisterErrors(t *testing.T) {
	c, _ := newTestPipeline(t, DefaultConfiguration(), nil)
	if err := c.Register(0x09, 0xFF, nil); !errors.Is(err, decoder.ErrNilHandler) {
		t.Fatalf("Register(nil) error:\n%+v", err)
	}
	noop := func(decoder.Event, ...any) {}
	if err := c.Register(0x0F, 0xF0, noop); !errors.Is(err, decoder.ErrUnmatchableBinding) {
		t.Fatalf("Register(0x0F, 0xF0) error:\n%+v", err)
	}
	if err := c.Register(0x09, 0xFF, noop); err != nil {
		t.Fatalf("Register() error:\n%+v", err)
	}
	if !c.Unregister(0x09, 0xFF) {
		t.Fatal("Unregister() did not find the binding")
	}
	if c.Unregister(0x09, 0xFF) {
		t.Fatal("Unregister() found the binding twice")
	}
}

func TestPauseDiscards(t *testing.T) {
	c, tr := newTestPipeline(t, DefaultConfiguration(), nil)
	events := collect(t, c, 0x09, 0xFF)
	if !c.Paused() {
		t.Fatal("Paused() == false at start")
	}

	tr.chunks <- []byte{0x09, 0x01}
	tr.chunks <- []byte{0x09, 0x02}
	// An empty chunk is only read once the previous one is processed.
	tr.chunks <- []byte{}
	c.Resume()
	tr.chunks <- []byte{0x09, 0x03}
	if ev := receive(t, events); ev.Param != 3 {
		t.Fatalf("received event %+v after Resume()", ev)
	}
	c.Pause()
	tr.chunks <- []byte{0x09, 0x04}
	tr.chunks <- []byte{}

	gotMetrics := c.r.GetMetrics("swotap_capture_pipeline_",
		"paused", "discarded_events_total", "dispatched_events_total")
	expectedMetrics := map[string]string{
		"paused":                  "1",
		"discarded_events_total":  "3",
		"dispatched_events_total": "1",
	}
	if diff := helpers.Diff(gotMetrics, expectedMetrics); diff != "" {
		t.Fatalf("Metrics (-got, +want):\n%s", diff)
	}
}

func TestSplitPackets(t *testing.T) {
	config := DefaultConfiguration()
	config.StartPaused = false
	c, tr := newTestPipeline(t, config, nil)
	events := collect(t, c, 0x0B, 0xFF)

	tr.chunks <- []byte{0x0B, 0x78}
	tr.chunks <- []byte{0x56, 0x34}
	tr.chunks <- []byte{0x12}
	if ev := receive(t, events); ev.Param != 0x12345678 {
		t.Fatalf("received event %+v", ev)
	}
}

func TestRawTee(t *testing.T) {
	path := filepath.Join(t.TempDir(), "raw.bin")
	config := DefaultConfiguration()
	config.StartPaused = false
	config.RawFile = path
	c, tr := newTestPipeline(t, config, nil)
	events := collect(t, c, 0x09, 0xFF)

	tr.chunks <- []byte{0x00, 0x09, 0x41}
	receive(t, events)
	if err := c.SetRawFile(""); err != nil {
		t.Fatalf("SetRawFile() error:\n%+v", err)
	}
	tr.chunks <- []byte{0x09, 0x42}
	receive(t, events)

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error:\n%+v", err)
	}
	if diff := helpers.Diff(got, []byte{0x00, 0x09, 0x41}); diff != "" {
		t.Fatalf("raw file (-got, +want):\n%s", diff)
	}
	if got := c.Status().RawFile; got != "" {
		t.Fatalf("Status().RawFile == %q", got)
	}
}

func TestRawTeeAcrossChunks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "raw.bin")
	config := DefaultConfiguration()
	config.StartPaused = false
	config.RawFile = path
	c, tr := newTestPipeline(t, config, nil)
	events := collect(t, c, 0x0B, 0xFF)

	chunks := [][]byte{
		{0x00, 0x09, 0x41},
		{0x0B, 0x01},       // 4-byte immediate split...
		{0x02, 0x03, 0x04}, // ...across two chunks
		{0x70, 0x0B},
		{0xAA, 0xBB, 0xCC, 0xDD},
	}
	expected := []byte{}
	for _, chunk := range chunks {
		tr.chunks <- chunk
		expected = append(expected, chunk...)
	}
	// The previous chunk is handled once the next read happens.
	tr.chunks <- []byte{}

	if ev := receive(t, events); ev.Param != 0x04030201 {
		t.Fatalf("received event %+v", ev)
	}
	if ev := receive(t, events); ev.Param != 0xDDCCBBAA {
		t.Fatalf("received event %+v", ev)
	}
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error:\n%+v", err)
	}
	if diff := helpers.Diff(got, expected); diff != "" {
		t.Fatalf("raw file (-got, +want):\n%s", diff)
	}
	gotMetrics := c.r.GetMetrics("swotap_capture_pipeline_", "received_")
	expectedMetrics := map[string]string{
		"received_chunks_total": "5",
		"received_bytes_total":  "14",
	}
	if diff := helpers.Diff(gotMetrics, expectedMetrics); diff != "" {
		t.Fatalf("Metrics (-got, +want):\n%s", diff)
	}
}

type failingSink struct{}

func (failingSink) Write([]byte) (int, error) { return 0, errors.New("disk full") }
func (failingSink) Flush() error              { return nil }

func TestTeeErrors(t *testing.T) {
	config := DefaultConfiguration()
	config.StartPaused = false
	c, tr := newTestPipeline(t, config, nil)
	events := collect(t, c, 0x09, 0xFF)
	c.SetRawTee(failingSink{})

	tr.chunks <- []byte{0x09, 0x41}
	if ev := receive(t, events); ev.Param != 0x41 {
		t.Fatalf("received event %+v", ev)
	}
	gotMetrics := c.r.GetMetrics("swotap_capture_pipeline_", "tee_errors_total")
	if diff := helpers.Diff(gotMetrics, map[string]string{"tee_errors_total": "1"}); diff != "" {
		t.Fatalf("Metrics (-got, +want):\n%s", diff)
	}
}

func TestReadErrors(t *testing.T) {
	config := DefaultConfiguration()
	config.StartPaused = false
	config.RetryDelay = 10 * time.Millisecond
	c, tr := newTestPipeline(t, config, nil)
	events := collect(t, c, 0x70, 0xFF)

	tr.errs <- errors.New("cable unplugged")
	// Only received once the retry delay is over.
	tr.errs <- transport.ErrTimeout
	tr.errs <- transport.ErrTimeout
	tr.chunks <- []byte{0x70}
	receive(t, events)

	gotMetrics := c.r.GetMetrics("swotap_capture_pipeline_", "read_errors_total")
	if diff := helpers.Diff(gotMetrics, map[string]string{"read_errors_total": "1"}); diff != "" {
		t.Fatalf("Metrics (-got, +want):\n%s", diff)
	}
}

func TestProtocolErrors(t *testing.T) {
	config := DefaultConfiguration()
	config.StartPaused = false
	c, tr := newTestPipeline(t, config, nil)
	events := collect(t, c, 0x70, 0xFF)

	tr.chunks <- []byte{0x94, 0x80, 0x80, 0x80, 0x80, 0x80, 0x80, 0x80, 0x80, 0x80}
	tr.chunks <- []byte{0x70}
	receive(t, events)

	gotMetrics := c.r.GetMetrics("swotap_capture_pipeline_", "protocol_errors_total")
	if diff := helpers.Diff(gotMetrics, map[string]string{"protocol_errors_total": "1"}); diff != "" {
		t.Fatalf("Metrics (-got, +want):\n%s", diff)
	}
}

func TestHTTP(t *testing.T) {
	r := reporter.NewMock(t)
	h := httpserver.NewMock(t, r)
	path := filepath.Join(t.TempDir(), "raw.bin")
	newTestPipeline(t, DefaultConfiguration(), h)

	status := func(paused bool, rawfile string) map[string]any {
		return map[string]any{
			"paused":       paused,
			"timestamping": false,
			"timestamp":    0,
			"state":        "idle",
			"rawfile":      rawfile,
			"bindings": []map[string]any{
				{"code": "0x00", "mask": "0xFF"},
			},
		}
	}
	helpers.TestHTTPEndpoints(t, h.LocalAddr(), helpers.HTTPEndpointCases{
		{
			URL:        "/api/v0/capture/status",
			JSONOutput: status(true, ""),
		}, {
			Method:     "POST",
			URL:        "/api/v0/capture/resume",
			JSONOutput: status(false, ""),
		}, {
			Method:     "POST",
			URL:        "/api/v0/capture/pause",
			JSONOutput: status(true, ""),
		}, {
			Description: "set raw file",
			Method:      "PUT",
			URL:         "/api/v0/capture/rawfile",
			JSONInput:   map[string]any{"path": path},
			JSONOutput:  status(true, path),
		}, {
			Description: "clear raw file",
			Method:      "PUT",
			URL:         "/api/v0/capture/rawfile",
			JSONInput:   map[string]any{"path": ""},
			JSONOutput:  status(true, ""),
		}, {
			Description: "invalid raw file",
			Method:      "PUT",
			URL:         "/api/v0/capture/rawfile",
			JSONInput:   map[string]any{"path": filepath.Join(path, "nope", "raw.bin")},
			StatusCode:  500,
			ContentType: "application/json; charset=utf-8",
		},
	})
}
