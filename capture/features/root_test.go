// SPDX-FileCopyrightText: 2022 Free Mobile
// SPDX-License-Identifier: AGPL-3.0-only

package features

import (
	"context"
	"errors"
	"testing"

	"swotap/capture/decoder"
	"swotap/capture/record"
	"swotap/capture/target"
	"swotap/common/helpers"
	"swotap/common/reporter"
)

// fakeRegistrar dispatches events synchronously.
type fakeRegistrar struct {
	table        decoder.Table
	timestamping bool
}

func (f *fakeRegistrar) Register(code, mask byte, h decoder.Handler, args ...any) error {
	return f.table.Register(code, mask, h, args...)
}

func (f *fakeRegistrar) Unregister(code, mask byte) bool {
	return f.table.Unregister(code, mask)
}

func (f *fakeRegistrar) EnableTimestamping(enabled bool) {
	f.timestamping = enabled
}

// dispatch sends an event and returns false when nothing matched.
func (f *fakeRegistrar) dispatch(opcode byte, param uint64) bool {
	return f.table.Dispatch(decoder.Event{Opcode: opcode, Param: param})
}

type collected struct {
	records []record.Record
}

func (c *collected) lines() []string {
	lines := []string{}
	for _, r := range c.records {
		lines = append(lines, r.Format())
	}
	c.records = nil
	return lines
}

func newTestFeatures(t *testing.T, config Configuration, tgt *target.ARMv7M) (*Component, *fakeRegistrar, *collected) {
	t.Helper()
	r := reporter.NewMock(t)
	reg := &fakeRegistrar{}
	out := &collected{}
	c, err := New(r, config, Dependencies{
		Pipeline: reg,
		Target:   tgt,
		Sink: record.SinkFunc(func(rec record.Record) {
			out.records = append(out.records, rec)
		}),
	})
	if err != nil {
		t.Fatalf("New() error:\n%+v", err)
	}
	helpers.StartStop(t, c)
	return c, reg, out
}

func TestOverflow(t *testing.T) {
	_, reg, out := newTestFeatures(t, DefaultConfiguration(), nil)
	if !reg.dispatch(0x70, 0) {
		t.Fatal("overflow was not dispatched")
	}
	if diff := helpers.Diff(out.lines(), []string{"OVERFLOW!"}); diff != "" {
		t.Fatalf("records (-got, +want):\n%s", diff)
	}
}

func TestExceptions(t *testing.T) {
	ctx := context.Background()
	tgt, mem := target.NewMock(t)
	config := DefaultConfiguration()
	config.Exceptions = true
	c, reg, out := newTestFeatures(t, config, tgt)

	if got := mem.Get(0xE0001000); got != 4<<28|1<<16 {
		t.Fatalf("DWT.CTRL == 0x%08X", got)
	}
	reg.dispatch(0x0E, 0x100B)
	reg.dispatch(0x0E, 0x200B)
	reg.dispatch(0x0E, 0x3000)
	reg.dispatch(0x0E, 0x0F2F)
	expected := []string{"entered 11", "exited 11", "returned 0", "unknown 303"}
	if diff := helpers.Diff(out.lines(), expected); diff != "" {
		t.Fatalf("records (-got, +want):\n%s", diff)
	}

	if err := c.SetExceptionTrace(ctx, false); err != nil {
		t.Fatalf("SetExceptionTrace() error:\n%+v", err)
	}
	if c.Exceptions() {
		t.Fatal("Exceptions() == true after disabling")
	}
	if reg.dispatch(0x0E, 0x100B) {
		t.Fatal("exception dispatched after disabling")
	}
	if got := mem.Get(0xE0001000); got != 4<<28 {
		t.Fatalf("DWT.CTRL == 0x%08X", got)
	}
	// Disabling twice is harmless.
	if err := c.SetExceptionTrace(ctx, false); err != nil {
		t.Fatalf("SetExceptionTrace() error:\n%+v", err)
	}
}

func TestStimulus(t *testing.T) {
	ctx := context.Background()
	tgt, mem := target.NewMock(t)
	c, reg, out := newTestFeatures(t, DefaultConfiguration(), tgt)

	if err := c.EnableStimulus(ctx, 3); err != nil {
		t.Fatalf("EnableStimulus() error:\n%+v", err)
	}
	if err := c.EnableStimulus(ctx, 3); err != nil {
		t.Fatalf("EnableStimulus() error:\n%+v", err)
	}
	if diff := helpers.Diff(c.Stimulus(), []int{0, 3}); diff != "" {
		t.Fatalf("Stimulus() (-got, +want):\n%s", diff)
	}
	if got := mem.Get(0xE0000E00); got != 0x9 {
		t.Fatalf("ITM.TER == 0x%08X", got)
	}
	reg.dispatch(0x01, 0x41)
	reg.dispatch(0x19, 0x42)
	reg.dispatch(0x1A, 0x4344)
	reg.dispatch(0x1B, 0x45464748)
	expected := []string{
		"STIM 0: 0x41",
		"STIM 3: 0x42",
		"STIM 3: 0x4344",
		"STIM 3: 0x45464748",
	}
	if diff := helpers.Diff(out.lines(), expected); diff != "" {
		t.Fatalf("records (-got, +want):\n%s", diff)
	}

	if err := c.DisableStimulus(ctx, 0); err != nil {
		t.Fatalf("DisableStimulus() error:\n%+v", err)
	}
	if reg.dispatch(0x01, 0x41) {
		t.Fatal("stimulus 0 dispatched after disabling")
	}
	if got := mem.Get(0xE0000E00); got != 0x8 {
		t.Fatalf("ITM.TER == 0x%08X", got)
	}
	if err := c.EnableStimulus(ctx, 32); !errors.Is(err, ErrInvalidChannel) {
		t.Fatalf("EnableStimulus(32) error:\n%+v", err)
	}
}

func TestTargetErrors(t *testing.T) {
	ctx := context.Background()
	tgt, mem := target.NewMock(t)
	c, reg, _ := newTestFeatures(t, DefaultConfiguration(), tgt)

	mem.Fail(errors.New("target disconnected"))
	if err := c.EnableStimulus(ctx, 5); err == nil {
		t.Fatal("EnableStimulus() did not error")
	}
	if reg.dispatch(0x29, 0x41) {
		t.Fatal("stimulus 5 dispatched after a failed enable")
	}
	if _, err := c.AddWatch(ctx, Watch{Name: "x", Address: 0x20000000}); err == nil {
		t.Fatal("AddWatch() did not error")
	}
	if got := c.Watches(); len(got) != 0 {
		t.Fatalf("Watches() == %v", got)
	}
}

func TestWatches(t *testing.T) {
	ctx := context.Background()
	tgt, mem := target.NewMock(t)
	c, reg, out := newTestFeatures(t, DefaultConfiguration(), tgt)

	id, err := c.AddWatch(ctx, Watch{Name: "counter", Address: 0x20000000, PC: true})
	if err != nil {
		t.Fatalf("AddWatch() error:\n%+v", err)
	}
	if id != 1 {
		t.Fatalf("AddWatch() == %d", id)
	}
	id, err = c.AddWatch(ctx, Watch{Name: "second", Address: 0x20000100, Size: 2})
	if err != nil {
		t.Fatalf("AddWatch() error:\n%+v", err)
	}
	if id != 2 {
		t.Fatalf("AddWatch() == %d", id)
	}
	gotRegisters := map[string]uint32{
		"COMP0":     mem.Get(0xE0001020),
		"MASK0":     mem.Get(0xE0001024),
		"FUNCTION0": mem.Get(0xE0001028),
		"COMP1":     mem.Get(0xE0001030),
		"MASK1":     mem.Get(0xE0001034),
		"FUNCTION1": mem.Get(0xE0001038),
	}
	expectedRegisters := map[string]uint32{
		"COMP0":     0x20000000,
		"MASK0":     2,
		"FUNCTION0": 3,
		"COMP1":     0x20000100,
		"MASK1":     1,
		"FUNCTION1": 2,
	}
	if diff := helpers.Diff(gotRegisters, expectedRegisters); diff != "" {
		t.Fatalf("DWT registers (-got, +want):\n%s", diff)
	}

	reg.dispatch(0x47, 0x08000123)
	reg.dispatch(0x8E, 12)
	reg.dispatch(0x85, 7)
	reg.dispatch(0x96, 258)
	expected := []string{
		"write counter=12          0x08000123",
		" read counter=7",
		" read second=258",
	}
	if diff := helpers.Diff(out.lines(), expected); diff != "" {
		t.Fatalf("records (-got, +want):\n%s", diff)
	}

	zero, one := 0, 1
	expectedWatches := []WatchStatus{
		{ID: 1, Watch: Watch{Name: "counter", Address: 0x20000000, Size: 4, PC: true, Comparator: &zero}},
		{ID: 2, Watch: Watch{Name: "second", Address: 0x20000100, Size: 2, Comparator: &one}},
	}
	if diff := helpers.Diff(c.Watches(), expectedWatches); diff != "" {
		t.Fatalf("Watches() (-got, +want):\n%s", diff)
	}

	if err := c.DeleteWatch(ctx, 1); err != nil {
		t.Fatalf("DeleteWatch() error:\n%+v", err)
	}
	if got := mem.Get(0xE0001028); got != 0 {
		t.Fatalf("FUNCTION0 == %d after DeleteWatch()", got)
	}
	if reg.dispatch(0x47, 0x08000123) || reg.dispatch(0x8E, 12) {
		t.Fatal("deleted watch still dispatched")
	}
	if err := c.DeleteWatch(ctx, 1); !errors.Is(err, ErrUnknownWatch) {
		t.Fatalf("DeleteWatch() error:\n%+v", err)
	}

	// The freed comparator is reused and IDs are not.
	id, err = c.AddWatch(ctx, Watch{Name: "third", Address: 0x20000200})
	if err != nil {
		t.Fatalf("AddWatch() error:\n%+v", err)
	}
	if id != 3 {
		t.Fatalf("AddWatch() == %d", id)
	}
	if got := mem.Get(0xE0001020); got != 0x20000200 {
		t.Fatalf("COMP0 == 0x%08X", got)
	}

	if _, err := c.AddWatch(ctx, Watch{Name: "odd", Address: 0x20000300, Size: 3}); !errors.Is(err, target.ErrInvalidSize) {
		t.Fatalf("AddWatch() error:\n%+v", err)
	}
}

func TestWatchesExhausted(t *testing.T) {
	ctx := context.Background()
	tgt, _ := target.NewMock(t)
	c, _, _ := newTestFeatures(t, DefaultConfiguration(), tgt)
	for i := range 4 {
		if _, err := c.AddWatch(ctx, Watch{Name: "w", Address: uint32(0x20000000 + 4*i)}); err != nil {
			t.Fatalf("AddWatch() error:\n%+v", err)
		}
	}
	if _, err := c.AddWatch(ctx, Watch{Name: "w", Address: 0x20001000}); !errors.Is(err, target.ErrNoComparator) {
		t.Fatalf("AddWatch() error:\n%+v", err)
	}
}

func TestWatchesWithoutTarget(t *testing.T) {
	ctx := context.Background()
	c, reg, out := newTestFeatures(t, DefaultConfiguration(), nil)

	if _, err := c.AddWatch(ctx, Watch{Name: "x", Address: 0x20000000}); !errors.Is(err, ErrNoTarget) {
		t.Fatalf("AddWatch() error:\n%+v", err)
	}
	two := 2
	if _, err := c.AddWatch(ctx, Watch{Name: "x", Comparator: &two}); err != nil {
		t.Fatalf("AddWatch() error:\n%+v", err)
	}
	if _, err := c.AddWatch(ctx, Watch{Name: "y", Comparator: &two}); !errors.Is(err, ErrComparatorInUse) {
		t.Fatalf("AddWatch() error:\n%+v", err)
	}
	four := 4
	if _, err := c.AddWatch(ctx, Watch{Name: "y", Comparator: &four}); !errors.Is(err, target.ErrInvalidComparator) {
		t.Fatalf("AddWatch() error:\n%+v", err)
	}
	reg.dispatch(0xA5, 1)
	if diff := helpers.Diff(out.lines(), []string{" read x=1"}); diff != "" {
		t.Fatalf("records (-got, +want):\n%s", diff)
	}
}

func TestWatchWithHighStimulusChannel(t *testing.T) {
	ctx := context.Background()
	r := reporter.NewMock(t)
	d := decoder.New(nil)
	out := &collected{}
	c, err := New(r, Configuration{}, Dependencies{
		Pipeline: d,
		Sink: record.SinkFunc(func(rec record.Record) {
			out.records = append(out.records, rec)
		}),
	})
	if err != nil {
		t.Fatalf("New() error:\n%+v", err)
	}
	helpers.StartStop(t, c)

	zero := 0
	if _, err := c.AddWatch(ctx, Watch{Name: "x", Comparator: &zero}); err != nil {
		t.Fatalf("AddWatch() error:\n%+v", err)
	}
	if err := c.EnableStimulus(ctx, 16); err != nil {
		t.Fatalf("EnableStimulus() error:\n%+v", err)
	}
	if err := d.Decode([]byte{
		0x81, 0x41, // stimulus 16
		0x85, 0x07, // read on comparator 0
		0x8A, 0x42, 0x43, // stimulus 17, not enabled
	}); err != nil {
		t.Fatalf("Decode() error:\n%+v", err)
	}
	expected := []string{
		"STIM 16: 0x41",
		" read x=7",
	}
	if diff := helpers.Diff(out.lines(), expected); diff != "" {
		t.Fatalf("records (-got, +want):\n%s", diff)
	}
	if diff := helpers.Diff(d.Stats().Unmatched, uint64(1)); diff != "" {
		t.Fatalf("Stats().Unmatched (-got, +want):\n%s", diff)
	}
}

func TestTimeMode(t *testing.T) {
	ctx := context.Background()
	tgt, mem := target.NewMock(t)
	c, reg, out := newTestFeatures(t, DefaultConfiguration(), tgt)

	if err := c.SetTimeMode(ctx, record.TimeDelta); err != nil {
		t.Fatalf("SetTimeMode() error:\n%+v", err)
	}
	if !reg.timestamping {
		t.Fatal("timestamping not enabled in delta mode")
	}
	if got := mem.Get(0xE0000E80); got&target.ITMTCRTimestamps == 0 {
		t.Fatalf("ITM.TCR == 0x%08X", got)
	}
	reg.table.Dispatch(decoder.Event{Opcode: 0x70, Timestamp: 1234, Correlated: true})
	if diff := helpers.Diff(out.lines(), []string{"1234 OVERFLOW!"}); diff != "" {
		t.Fatalf("records (-got, +want):\n%s", diff)
	}

	if err := c.SetTimeMode(ctx, record.TimeHost); err != nil {
		t.Fatalf("SetTimeMode() error:\n%+v", err)
	}
	if reg.timestamping {
		t.Fatal("timestamping enabled in host mode")
	}
	if got := mem.Get(0xE0000E80); got&target.ITMTCRTimestamps != 0 {
		t.Fatalf("ITM.TCR == 0x%08X", got)
	}
	if c.TimeMode() != record.TimeHost {
		t.Fatalf("TimeMode() == %s", c.TimeMode())
	}
	if err := c.SetTimeMode(ctx, record.TimeMode(9)); err == nil {
		t.Fatal("SetTimeMode(9) did not error")
	}
}

func TestSpeed(t *testing.T) {
	ctx := context.Background()
	tgt, mem := target.NewMock(t)
	c, _, _ := newTestFeatures(t, DefaultConfiguration(), tgt)
	if err := c.SetSpeed(ctx, 0x20); err != nil {
		t.Fatalf("SetSpeed() error:\n%+v", err)
	}
	if got := mem.Get(0xE0040010); got != 0x20 {
		t.Fatalf("TPIU.ACPR == 0x%X", got)
	}
	if err := c.SetSpeed(ctx, 0x2000); !errors.Is(err, ErrInvalidPrescaler) {
		t.Fatalf("SetSpeed() error:\n%+v", err)
	}

	c, _, _ = newTestFeatures(t, DefaultConfiguration(), nil)
	if err := c.SetSpeed(ctx, 0x20); !errors.Is(err, ErrNoTarget) {
		t.Fatalf("SetSpeed() error:\n%+v", err)
	}
}

func TestStartFromConfiguration(t *testing.T) {
	tgt, mem := target.NewMock(t)
	comparator := 1
	config := Configuration{
		TimeMode:   record.TimeDelta,
		Exceptions: true,
		Stimulus:   []int{0, 1},
		Watches: []Watch{
			{Name: "state", Address: 0x20000010, Size: 1, Comparator: &comparator},
		},
	}
	c, reg, out := newTestFeatures(t, config, tgt)

	if got := mem.Get(0xE0000E00); got != 0x3 {
		t.Fatalf("ITM.TER == 0x%08X", got)
	}
	if got := mem.Get(0xE0001030); got != 0x20000010 {
		t.Fatalf("COMP1 == 0x%08X", got)
	}
	reg.dispatch(0x95, 4)
	reg.dispatch(0x09, 0x21)
	if diff := helpers.Diff(out.lines(), []string{"0  read state=4", "0 STIM 1: 0x21"}); diff != "" {
		t.Fatalf("records (-got, +want):\n%s", diff)
	}

	gotMetrics := c.r.GetMetrics("swotap_capture_features_")
	expectedMetrics := map[string]string{
		`records_total{kind="stimulus"}`: "1",
		`records_total{kind="watch"}`:    "1",
		"watches":                        "1",
	}
	if diff := helpers.Diff(gotMetrics, expectedMetrics); diff != "" {
		t.Fatalf("Metrics (-got, +want):\n%s", diff)
	}
}

func TestStop(t *testing.T) {
	ctx := context.Background()
	r := reporter.NewMock(t)
	reg := &fakeRegistrar{}
	config := DefaultConfiguration()
	config.Exceptions = true
	c, err := New(r, config, Dependencies{
		Pipeline: reg,
		Sink:     record.SinkFunc(func(record.Record) {}),
	})
	if err != nil {
		t.Fatalf("New() error:\n%+v", err)
	}
	if err := c.Start(); err != nil {
		t.Fatalf("Start() error:\n%+v", err)
	}
	three := 3
	if _, err := c.AddWatch(ctx, Watch{Name: "x", PC: true, Comparator: &three}); err != nil {
		t.Fatalf("AddWatch() error:\n%+v", err)
	}
	if err := c.Stop(); err != nil {
		t.Fatalf("Stop() error:\n%+v", err)
	}
	if got := reg.table.Bindings(); len(got) != 0 {
		t.Fatalf("Bindings() after Stop() == %v", got)
	}
}
