// SPDX-FileCopyrightText: 2022 Free Mobile
// SPDX-License-Identifier: AGPL-3.0-only

package executor

import (
	"context"
	"sync"
	"testing"
	"time"

	"swotap/common/daemon"
	"swotap/common/helpers"
	"swotap/common/reporter"
)

func TestOrderAndDrainOnStop(t *testing.T) {
	r := reporter.NewMock(t)
	c, err := New(r, Dependencies{Daemon: daemon.NewMock(t)})
	if err != nil {
		t.Fatalf("New() error:\n%+v", err)
	}
	if err := c.Start(); err != nil {
		t.Fatalf("Start() error:\n%+v", err)
	}

	var lock sync.Mutex
	got := []int{}
	block := make(chan struct{})
	c.Post(func() { <-block })
	for i := range 100 {
		c.Post(func() {
			lock.Lock()
			got = append(got, i)
			lock.Unlock()
		})
	}
	close(block)
	if err := c.Stop(); err != nil {
		t.Fatalf("Stop() error:\n%+v", err)
	}

	expected := make([]int, 100)
	for i := range expected {
		expected[i] = i
	}
	if diff := helpers.Diff(got, expected); diff != "" {
		t.Fatalf("executed callbacks (-got, +want):\n%s", diff)
	}

	// Posting after stop does not run anything.
	c.Post(func() { t.Error("callback executed after Stop()") })

	gotMetrics := r.GetMetrics("swotap_capture_executor_")
	expectedMetrics := map[string]string{
		"posted_callbacks_total":   "101",
		"executed_callbacks_total": "101",
		"dropped_callbacks_total":  "1",
		"panicked_callbacks_total": "0",
		"queue_length":             "0",
	}
	if diff := helpers.Diff(gotMetrics, expectedMetrics); diff != "" {
		t.Fatalf("Metrics (-got, +want):\n%s", diff)
	}
}

func TestPanic(t *testing.T) {
	r := reporter.NewMock(t)
	c, err := New(r, Dependencies{Daemon: daemon.NewMock(t)})
	if err != nil {
		t.Fatalf("New() error:\n%+v", err)
	}
	helpers.StartStop(t, c)

	done := make(chan struct{})
	c.Post(func() { panic("handler bug") })
	c.Post(func() { close(done) })
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("callback after panic not executed")
	}

	gotMetrics := r.GetMetrics("swotap_capture_executor_", "panicked_")
	if diff := helpers.Diff(gotMetrics, map[string]string{"panicked_callbacks_total": "1"}); diff != "" {
		t.Fatalf("Metrics (-got, +want):\n%s", diff)
	}
}

func TestHealthcheck(t *testing.T) {
	r := reporter.NewMock(t)
	c, err := New(r, Dependencies{Daemon: daemon.NewMock(t)})
	if err != nil {
		t.Fatalf("New() error:\n%+v", err)
	}
	helpers.StartStop(t, c)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got := r.RunHealthchecks(ctx)
	expected := reporter.MultipleHealthcheckResults{
		Status: reporter.HealthcheckOK,
		Details: map[string]reporter.HealthcheckResult{
			"capture/executor": {Status: reporter.HealthcheckOK, Reason: "0 callbacks queued"},
		},
	}
	if diff := helpers.Diff(got, expected); diff != "" {
		t.Fatalf("RunHealthchecks() (-got, +want):\n%s", diff)
	}
}
