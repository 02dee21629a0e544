// SPDX-FileCopyrightText: 2022 Free Mobile
// SPDX-License-Identifier: AGPL-3.0-only

//go:build !release

package kafka

import (
	"testing"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/google/go-cmp/cmp"

	"swotap/common/daemon"
	"swotap/common/helpers"
	"swotap/common/reporter"
)

// NewMock creates a new Kafka component with a mocked Kafka. It will
// panic if it cannot be started.
func NewMock(t *testing.T, reporter *reporter.Reporter, configuration Configuration) (*Component, *mocks.AsyncProducer) {
	t.Helper()
	configuration.Enabled = true
	c, err := New(reporter, configuration, Dependencies{Daemon: daemon.NewMock(t)})
	if err != nil {
		t.Fatalf("New() error:\n%+v", err)
	}

	// Use a mocked Kafka producer
	var mockProducer *mocks.AsyncProducer
	c.createKafkaProducer = func() (sarama.AsyncProducer, error) {
		mockProducer = mocks.NewAsyncProducer(t, c.kafkaConfig)
		return mockProducer, nil
	}
	helpers.StartStop(t, c)
	return c, mockProducer
}

func init() {
	// sarama.KafkaVersion has unexported fields
	helpers.RegisterCmpOption(cmp.Comparer(func(a, b Version) bool {
		return a.String() == b.String()
	}))
}
