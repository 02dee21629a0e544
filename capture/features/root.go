// SPDX-FileCopyrightText: 2022 Free Mobile
// SPDX-License-Identifier: AGPL-3.0-only

// Package features binds trace events to records: overflows, exceptions,
// stimulus ports and data watches. It also programs the matching trace
// units on the target when one is available.
package features

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"swotap/capture/decoder"
	"swotap/capture/record"
	"swotap/capture/target"
	"swotap/common/httpserver"
	"swotap/common/reporter"
)

var (
	// ErrNoTarget is returned when an operation needs the target registers.
	ErrNoTarget = errors.New("no target available")
	// ErrInvalidChannel is returned for a stimulus channel outside 0..31.
	ErrInvalidChannel = errors.New("invalid stimulus channel")
	// ErrUnknownWatch is returned when deleting a missing watch.
	ErrUnknownWatch = errors.New("unknown watch")
	// ErrComparatorInUse is returned when a comparator is already used by
	// another watch.
	ErrComparatorInUse = errors.New("comparator already in use")
	// ErrInvalidPrescaler is returned for a prescaler not fitting in ACPR.
	ErrInvalidPrescaler = errors.New("invalid prescaler")
)

const (
	overflowCode   = 0x70
	exceptionCode  = 0x0E
	maxComparators = 4
	maxPrescaler   = 0x1FFF
)

var exceptionActions = [4]string{"unknown", "entered", "exited", "returned"}

// Registrar binds handlers to trace opcodes.
type Registrar interface {
	Register(code, mask byte, h decoder.Handler, args ...any) error
	Unregister(code, mask byte) bool
	EnableTimestamping(enabled bool)
}

// Component represents the trace features.
type Component struct {
	r      *reporter.Reporter
	d      *Dependencies
	config Configuration

	// ops serializes control operations. lock protects the state read
	// by event handlers.
	ops        sync.Mutex
	lock       sync.Mutex
	mode       record.TimeMode
	exceptions bool
	stimulus   map[int]bool
	watches    map[int]*watch
	nextID     int
	pcs        [maxComparators]*uint32

	metrics struct {
		records *reporter.CounterVec
	}
}

// Dependencies define the dependencies of the trace features.
type Dependencies struct {
	Pipeline Registrar
	// Target is nil when the target registers are not reachable.
	Target *target.ARMv7M
	Sink   record.Sink
	HTTP   *httpserver.Component
}

type watch struct {
	Watch
	id         int
	comparator int
	// allocated is true when the comparator was allocated on the target.
	allocated bool
}

// New creates the trace features.
func New(r *reporter.Reporter, configuration Configuration, dependencies Dependencies) (*Component, error) {
	c := Component{
		r:        r,
		d:        &dependencies,
		config:   configuration,
		stimulus: map[int]bool{},
		watches:  map[int]*watch{},
		nextID:   1,
	}
	c.metrics.records = c.r.CounterVec(reporter.CounterOpts{
		Name: "records_total",
		Help: "Number of records published.",
	}, []string{"kind"})
	c.r.GaugeFunc(reporter.GaugeOpts{
		Name: "watches",
		Help: "Number of data watches.",
	}, func() float64 {
		c.lock.Lock()
		defer c.lock.Unlock()
		return float64(len(c.watches))
	})
	if c.d.HTTP != nil {
		c.d.HTTP.GinRouter.GET("/api/v0/capture/time", c.getTimeHandlerFunc)
		c.d.HTTP.GinRouter.PUT("/api/v0/capture/time", c.putTimeHandlerFunc)
		c.d.HTTP.GinRouter.PUT("/api/v0/capture/speed", c.putSpeedHandlerFunc)
		c.d.HTTP.GinRouter.PUT("/api/v0/capture/exceptions", c.putExceptionsHandlerFunc)
		c.d.HTTP.GinRouter.POST("/api/v0/capture/stimulus/:channel", c.postStimulusHandlerFunc)
		c.d.HTTP.GinRouter.DELETE("/api/v0/capture/stimulus/:channel", c.deleteStimulusHandlerFunc)
		c.d.HTTP.GinRouter.GET("/api/v0/capture/watches", c.getWatchesHandlerFunc)
		c.d.HTTP.GinRouter.POST("/api/v0/capture/watches", c.postWatchHandlerFunc)
		c.d.HTTP.GinRouter.DELETE("/api/v0/capture/watches/:id", c.deleteWatchHandlerFunc)
	}
	return &c, nil
}

// Start registers the overflow binding and applies the configuration.
func (c *Component) Start() error {
	c.r.Info().Msg("starting trace features")
	ctx := context.Background()
	if err := c.d.Pipeline.Register(overflowCode, 0xFF, c.handleOverflow); err != nil {
		return fmt.Errorf("cannot register overflow binding: %w", err)
	}
	if err := c.SetTimeMode(ctx, c.config.TimeMode); err != nil {
		return fmt.Errorf("cannot set time mode: %w", err)
	}
	if c.config.Exceptions {
		if err := c.SetExceptionTrace(ctx, true); err != nil {
			return fmt.Errorf("cannot enable exception trace: %w", err)
		}
	}
	for _, channel := range c.config.Stimulus {
		if err := c.EnableStimulus(ctx, channel); err != nil {
			return fmt.Errorf("cannot enable stimulus channel %d: %w", channel, err)
		}
	}
	for _, w := range c.config.Watches {
		if _, err := c.AddWatch(ctx, w); err != nil {
			return fmt.Errorf("cannot add watch %q: %w", w.Name, err)
		}
	}
	return nil
}

// Stop removes all the bindings. The target is left as is.
func (c *Component) Stop() error {
	defer c.r.Info().Msg("trace features stopped")
	c.ops.Lock()
	defer c.ops.Unlock()
	c.lock.Lock()
	defer c.lock.Unlock()
	c.d.Pipeline.Unregister(overflowCode, 0xFF)
	if c.exceptions {
		c.d.Pipeline.Unregister(exceptionCode, 0xFF)
	}
	for channel := range c.stimulus {
		c.unregisterStimulus(channel)
	}
	for _, w := range c.watches {
		c.unregisterWatch(w)
	}
	return nil
}

func (c *Component) publish(ev decoder.Event, kind record.Kind, fill func(*record.Record)) {
	c.lock.Lock()
	rec := record.FromEvent(ev, kind, c.mode)
	if fill != nil {
		fill(&rec)
	}
	c.lock.Unlock()
	c.metrics.records.WithLabelValues(string(kind)).Inc()
	c.d.Sink.Publish(rec)
}

func (c *Component) handleOverflow(ev decoder.Event, _ ...any) {
	c.publish(ev, record.KindOverflow, nil)
}

// TimeMode returns the current time mode.
func (c *Component) TimeMode() record.TimeMode {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.mode
}

// SetTimeMode changes how records are timestamped. The delta mode enables
// local timestamps on the target and their correlation in the pipeline.
func (c *Component) SetTimeMode(ctx context.Context, mode record.TimeMode) error {
	if _, err := mode.MarshalText(); err != nil {
		return err
	}
	c.ops.Lock()
	defer c.ops.Unlock()
	delta := mode == record.TimeDelta
	if c.d.Target != nil {
		if err := c.d.Target.SetTimestamps(ctx, delta); err != nil {
			return err
		}
	}
	c.d.Pipeline.EnableTimestamping(delta)
	c.lock.Lock()
	c.mode = mode
	c.lock.Unlock()
	return nil
}

// SetSpeed changes the asynchronous trace clock prescaler.
func (c *Component) SetSpeed(ctx context.Context, prescaler uint32) error {
	if prescaler > maxPrescaler {
		return fmt.Errorf("%w: %d", ErrInvalidPrescaler, prescaler)
	}
	if c.d.Target == nil {
		return ErrNoTarget
	}
	c.ops.Lock()
	defer c.ops.Unlock()
	return c.d.Target.SetPrescaler(ctx, prescaler)
}

// Exceptions tells if exception trace is enabled.
func (c *Component) Exceptions() bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.exceptions
}

// SetExceptionTrace enables or disables exception trace.
func (c *Component) SetExceptionTrace(ctx context.Context, enabled bool) error {
	c.ops.Lock()
	defer c.ops.Unlock()
	if c.d.Target != nil {
		if err := c.d.Target.SetExceptionTrace(ctx, enabled); err != nil {
			return err
		}
	}
	c.lock.Lock()
	defer c.lock.Unlock()
	if enabled == c.exceptions {
		return nil
	}
	if enabled {
		if err := c.d.Pipeline.Register(exceptionCode, 0xFF, c.handleException); err != nil {
			return err
		}
	} else {
		c.d.Pipeline.Unregister(exceptionCode, 0xFF)
	}
	c.exceptions = enabled
	return nil
}

func (c *Component) handleException(ev decoder.Event, _ ...any) {
	c.publish(ev, record.KindException, func(rec *record.Record) {
		rec.Exception = uint16(ev.Param & 0x1FF)
		rec.Action = exceptionActions[(ev.Param>>12)&3]
	})
}

// Stimulus returns the enabled stimulus channels.
func (c *Component) Stimulus() []int {
	c.lock.Lock()
	defer c.lock.Unlock()
	channels := make([]int, 0, len(c.stimulus))
	for channel := range c.stimulus {
		channels = append(channels, channel)
	}
	sort.Ints(channels)
	return channels
}

// EnableStimulus enables a stimulus channel.
func (c *Component) EnableStimulus(ctx context.Context, channel int) error {
	return c.setStimulus(ctx, channel, true)
}

// DisableStimulus disables a stimulus channel.
func (c *Component) DisableStimulus(ctx context.Context, channel int) error {
	return c.setStimulus(ctx, channel, false)
}

func (c *Component) setStimulus(ctx context.Context, channel int, enabled bool) error {
	if channel < 0 || channel > 31 {
		return fmt.Errorf("%w: %d", ErrInvalidChannel, channel)
	}
	c.ops.Lock()
	defer c.ops.Unlock()
	if c.d.Target != nil {
		if err := c.d.Target.SetStimulus(ctx, channel, enabled); err != nil {
			return err
		}
	}
	c.lock.Lock()
	defer c.lock.Unlock()
	if enabled == c.stimulus[channel] {
		return nil
	}
	if !enabled {
		c.unregisterStimulus(channel)
		delete(c.stimulus, channel)
		return nil
	}
	for size := byte(1); size <= 3; size++ {
		if err := c.d.Pipeline.Register(byte(channel<<3)|size, 0xFF, c.handleStimulus, channel); err != nil {
			for s := byte(1); s < size; s++ {
				c.d.Pipeline.Unregister(byte(channel<<3)|s, 0xFF)
			}
			return err
		}
	}
	c.stimulus[channel] = true
	return nil
}

func (c *Component) unregisterStimulus(channel int) {
	for size := byte(1); size <= 3; size++ {
		c.d.Pipeline.Unregister(byte(channel<<3)|size, 0xFF)
	}
}

func (c *Component) handleStimulus(ev decoder.Event, args ...any) {
	channel := args[0].(int)
	c.publish(ev, record.KindStimulus, func(rec *record.Record) {
		rec.Channel = channel
	})
}

// WatchStatus describes an active watch.
type WatchStatus struct {
	ID int `json:"id"`
	Watch
}

// Watches returns the active watches, ordered by ID.
func (c *Component) Watches() []WatchStatus {
	c.lock.Lock()
	defer c.lock.Unlock()
	watches := make([]WatchStatus, 0, len(c.watches))
	for _, w := range c.watches {
		status := WatchStatus{ID: w.id, Watch: w.Watch}
		comparator := w.comparator
		status.Comparator = &comparator
		watches = append(watches, status)
	}
	sort.Slice(watches, func(i, j int) bool { return watches[i].ID < watches[j].ID })
	return watches
}

// AddWatch sets up a data watch and returns its ID.
func (c *Component) AddWatch(ctx context.Context, w Watch) (int, error) {
	if w.Size == 0 {
		w.Size = 4
	}
	if w.Comparator != nil && (*w.Comparator < 0 || *w.Comparator >= maxComparators) {
		return 0, fmt.Errorf("%w: %d", target.ErrInvalidComparator, *w.Comparator)
	}
	if w.Comparator == nil && c.d.Target == nil {
		return 0, fmt.Errorf("%w to allocate a comparator", ErrNoTarget)
	}
	function := uint32(target.FunctionDataValue)
	if w.PC {
		function = target.FunctionDataValuePC
	}

	c.ops.Lock()
	defer c.ops.Unlock()
	nw := &watch{Watch: w}
	if w.Comparator != nil {
		nw.comparator = *w.Comparator
		if c.comparatorInUse(nw.comparator) {
			return 0, fmt.Errorf("%w: %d", ErrComparatorInUse, nw.comparator)
		}
		if c.d.Target != nil {
			if err := c.d.Target.ProgramComparator(ctx, nw.comparator, w.Address, w.Size, function); err != nil {
				return 0, err
			}
		}
	} else {
		index, err := c.d.Target.AllocateComparator(ctx, w.Address, w.Size, function)
		if err != nil {
			return 0, err
		}
		nw.comparator = index
		nw.allocated = true
		if index >= maxComparators {
			c.release(ctx, nw)
			return 0, target.ErrNoComparator
		}
	}
	nw.Comparator = nil

	c.lock.Lock()
	defer c.lock.Unlock()
	if err := c.registerWatch(nw); err != nil {
		c.release(ctx, nw)
		return 0, err
	}
	nw.id = c.nextID
	c.nextID++
	c.watches[nw.id] = nw
	c.pcs[nw.comparator] = nil
	c.r.Info().
		Int("id", nw.id).
		Str("name", nw.Name).
		Int("comparator", nw.comparator).
		Msgf("watching 0x%08x", nw.Address)
	return nw.id, nil
}

// DeleteWatch removes a data watch and releases its comparator.
func (c *Component) DeleteWatch(ctx context.Context, id int) error {
	c.ops.Lock()
	defer c.ops.Unlock()
	c.lock.Lock()
	w, ok := c.watches[id]
	if !ok {
		c.lock.Unlock()
		return fmt.Errorf("%w: %d", ErrUnknownWatch, id)
	}
	c.unregisterWatch(w)
	delete(c.watches, id)
	c.pcs[w.comparator] = nil
	c.lock.Unlock()
	if c.d.Target != nil {
		return c.d.Target.ReleaseComparator(ctx, w.comparator)
	}
	return nil
}

// comparatorInUse tells if a watch already uses the comparator. It should
// be called with ops held.
func (c *Component) comparatorInUse(index int) bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	for _, w := range c.watches {
		if w.comparator == index {
			return true
		}
	}
	return false
}

func (c *Component) release(ctx context.Context, w *watch) {
	if c.d.Target == nil {
		return
	}
	if err := c.d.Target.ReleaseComparator(ctx, w.comparator); err != nil {
		c.r.Err(err).Int("comparator", w.comparator).Msg("cannot release comparator")
	}
}

// Data trace packets have bit 2 set, unlike stimulus headers of ports 16
// to 31 sharing the same high bits.
const dataMask = 0xF4

func dataCode(comparator int) byte {
	return 0x84 | byte(comparator<<4)
}

func pcCode(comparator int) byte {
	return 0x47 | byte(comparator<<4)
}

func (c *Component) registerWatch(w *watch) error {
	if err := c.d.Pipeline.Register(dataCode(w.comparator), dataMask, c.handleData, w); err != nil {
		return err
	}
	if w.PC {
		if err := c.d.Pipeline.Register(pcCode(w.comparator), 0xFF, c.handlePC, w.comparator); err != nil {
			c.d.Pipeline.Unregister(dataCode(w.comparator), dataMask)
			return err
		}
	}
	return nil
}

func (c *Component) unregisterWatch(w *watch) {
	c.d.Pipeline.Unregister(dataCode(w.comparator), dataMask)
	if w.PC {
		c.d.Pipeline.Unregister(pcCode(w.comparator), 0xFF)
	}
}

func (c *Component) handlePC(ev decoder.Event, args ...any) {
	comparator := args[0].(int)
	pc := uint32(ev.Param)
	c.lock.Lock()
	c.pcs[comparator] = &pc
	c.lock.Unlock()
}

func (c *Component) handleData(ev decoder.Event, args ...any) {
	w := args[0].(*watch)
	c.publish(ev, record.KindWatch, func(rec *record.Record) {
		rec.Name = w.Name
		if ev.Opcode&0x08 != 0 {
			rec.Action = "write"
		} else {
			rec.Action = "read"
		}
		rec.PC = c.pcs[w.comparator]
		c.pcs[w.comparator] = nil
	})
}
