// SPDX-FileCopyrightText: 2022 Free Mobile
// SPDX-License-Identifier: AGPL-3.0-only

package kafka

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/IBM/sarama"
	gometrics "github.com/rcrowley/go-metrics"

	"swotap/capture/record"
	"swotap/common/daemon"
	"swotap/common/helpers"
	"swotap/common/reporter"
)

func TestKafka(t *testing.T) {
	r := reporter.NewMock(t)
	c, mockProducer := NewMock(t, r, DefaultConfiguration())

	// Send one message
	rec := record.Record{
		Time:   time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
		Kind:   record.KindStimulus,
		Opcode: 0x01,
		Value:  0x2A,
	}
	mockProducer.ExpectInputWithMessageCheckerFunctionAndSucceed(func(got *sarama.ProducerMessage) error {
		value, _ := got.Value.Encode()
		var decoded map[string]any
		if err := json.Unmarshal(value, &decoded); err != nil {
			t.Errorf("json.Unmarshal() error:\n%+v", err)
		}
		gotFields := map[string]any{
			"topic": got.Topic,
			"key":   got.Key,
			"value": decoded,
		}
		expected := map[string]any{
			"topic": "swotap",
			"key":   sarama.StringEncoder("stimulus"),
			"value": map[string]any{
				"time":   "2024-01-02T03:04:05Z",
				"kind":   "stimulus",
				"opcode": 1.,
				"value":  42.,
			},
		}
		if diff := helpers.Diff(gotFields, expected); diff != "" {
			t.Errorf("Publish() (-got, +want):\n%s", diff)
		}
		return nil
	})
	c.Publish(rec)

	// Another but with a fail
	mockProducer.ExpectInputAndFail(errors.New("noooo"))
	c.Publish(record.Record{Kind: record.KindOverflow})

	time.Sleep(10 * time.Millisecond)
	gotMetrics := r.GetMetrics("swotap_capture_kafka_", "sent_", "errors_")
	expectedMetrics := map[string]string{
		`sent_bytes_total{kind="overflow"}`:                                       "70",
		`sent_bytes_total{kind="stimulus"}`:                                       "71",
		`sent_messages_total{kind="overflow"}`:                                    "1",
		`sent_messages_total{kind="stimulus"}`:                                    "1",
		`errors_total{error="kafka: Failed to produce message to topic swotap: noooo"}`: "1",
	}
	if diff := helpers.Diff(gotMetrics, expectedMetrics); diff != "" {
		t.Fatalf("Metrics (-got, +want):\n%s", diff)
	}
}

func TestDisabled(t *testing.T) {
	r := reporter.NewMock(t)
	c, err := New(r, DefaultConfiguration(), Dependencies{Daemon: daemon.NewMock(t)})
	if err != nil {
		t.Fatalf("New() error:\n%+v", err)
	}
	c.createKafkaProducer = func() (sarama.AsyncProducer, error) {
		t.Fatal("createKafkaProducer() should not be called")
		return nil, nil
	}
	helpers.StartStop(t, c)
	c.Publish(record.Record{Kind: record.KindOverflow})
	if got := r.GetMetrics("swotap_capture_kafka_", "sent_"); len(got) != 0 {
		t.Fatalf("Metrics: %v", got)
	}
}

func TestKafkaMetrics(t *testing.T) {
	r := reporter.NewMock(t)
	c, err := New(r, DefaultConfiguration(), Dependencies{Daemon: daemon.NewMock(t)})
	if err != nil {
		t.Fatalf("New() error:\n%+v", err)
	}

	// Manually put some metrics
	gometrics.GetOrRegisterMeter("incoming-byte-rate-for-broker-1111", c.kafkaConfig.MetricRegistry).
		Mark(100)
	gometrics.GetOrRegisterMeter("incoming-byte-rate-for-broker-1112", c.kafkaConfig.MetricRegistry).
		Mark(200)
	gometrics.GetOrRegisterMeter("outgoing-byte-rate-for-broker-1111", c.kafkaConfig.MetricRegistry).
		Mark(199)
	gometrics.GetOrRegisterMeter("outgoing-byte-rate-for-broker-1112", c.kafkaConfig.MetricRegistry).
		Mark(20)
	gometrics.GetOrRegisterHistogram("request-size-for-broker-1111", c.kafkaConfig.MetricRegistry,
		gometrics.NewExpDecaySample(10, 1)).
		Update(100)
	gometrics.GetOrRegisterCounter("requests-in-flight-for-broker-1111", c.kafkaConfig.MetricRegistry).
		Inc(20)
	gometrics.GetOrRegisterCounter("requests-in-flight-for-broker-1112", c.kafkaConfig.MetricRegistry).
		Inc(20)

	gotMetrics := r.GetMetrics("swotap_capture_kafka_", "brokers_")
	expectedMetrics := map[string]string{
		`brokers_incoming_byte_rate{broker="1111"}`:            "0",
		`brokers_incoming_byte_rate{broker="1112"}`:            "0",
		`brokers_outgoing_byte_rate{broker="1111"}`:            "0",
		`brokers_outgoing_byte_rate{broker="1112"}`:            "0",
		`brokers_request_size_bucket{broker="1111",le="+Inf"}`: "1",
		`brokers_request_size_bucket{broker="1111",le="0.5"}`:  "100",
		`brokers_request_size_bucket{broker="1111",le="0.9"}`:  "100",
		`brokers_request_size_bucket{broker="1111",le="0.99"}`: "100",
		`brokers_request_size_count{broker="1111"}`:            "1",
		`brokers_request_size_sum{broker="1111"}`:              "100",
		`brokers_requests_in_flight{broker="1111"}`:            "20",
		`brokers_requests_in_flight{broker="1112"}`:            "20",
	}
	if diff := helpers.Diff(gotMetrics, expectedMetrics); diff != "" {
		t.Fatalf("Metrics (-got, +want):\n%s", diff)
	}
}
