// SPDX-FileCopyrightText: 2022 Free Mobile
// SPDX-License-Identifier: AGPL-3.0-only

// Package kafka exports decoded trace records to Kafka.
package kafka

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/IBM/sarama"
	"golang.org/x/time/rate"
	"gopkg.in/tomb.v2"

	"swotap/capture/record"
	"swotap/common/daemon"
	"swotap/common/reporter"
)

// Component represents the Kafka exporter.
type Component struct {
	r      *reporter.Reporter
	d      *Dependencies
	t      tomb.Tomb
	config Configuration

	kafkaConfig         *sarama.Config
	kafkaProducer       sarama.AsyncProducer
	createKafkaProducer func() (sarama.AsyncProducer, error)
	metrics             metrics
}

// Dependencies define the dependencies of the Kafka exporter.
type Dependencies struct {
	Daemon daemon.Component
}

var _ record.Sink = &Component{}

// New creates a new Kafka exporter component.
func New(r *reporter.Reporter, configuration Configuration, dependencies Dependencies) (*Component, error) {
	// Build Kafka configuration
	kafkaConfig := sarama.NewConfig()
	kafkaConfig.ClientID = "swotap"
	kafkaConfig.Version = sarama.KafkaVersion(configuration.Version)
	kafkaConfig.Metadata.AllowAutoTopicCreation = false
	kafkaConfig.Producer.MaxMessageBytes = configuration.MaxMessageBytes
	kafkaConfig.Producer.Compression = sarama.CompressionCodec(configuration.CompressionCodec)
	kafkaConfig.Producer.Return.Successes = false
	kafkaConfig.Producer.Return.Errors = true
	kafkaConfig.Producer.Flush.Bytes = configuration.FlushBytes
	kafkaConfig.Producer.Flush.Frequency = configuration.FlushInterval
	kafkaConfig.Producer.Partitioner = sarama.NewHashPartitioner
	if configuration.UseTLS {
		rootCAs, err := x509.SystemCertPool()
		if err != nil {
			return nil, fmt.Errorf("cannot initialize TLS: %w", err)
		}
		kafkaConfig.Net.TLS.Enable = true
		kafkaConfig.Net.TLS.Config = &tls.Config{RootCAs: rootCAs}
	}
	if err := kafkaConfig.Validate(); err != nil {
		return nil, fmt.Errorf("cannot validate Kafka configuration: %w", err)
	}

	c := Component{
		r:      r,
		d:      &dependencies,
		config: configuration,

		kafkaConfig: kafkaConfig,
	}
	c.initMetrics()
	c.createKafkaProducer = func() (sarama.AsyncProducer, error) {
		return sarama.NewAsyncProducer(c.config.Brokers, c.kafkaConfig)
	}
	c.d.Daemon.Track(&c.t, "capture/kafka")
	return &c, nil
}

// Start starts the Kafka component.
func (c *Component) Start() error {
	if !c.config.Enabled {
		c.t.Go(func() error {
			<-c.t.Dying()
			return nil
		})
		return nil
	}
	c.r.Info().Msg("starting Kafka component")
	globalKafkaLogger.r.Store(c.r)

	// Create producer
	kafkaProducer, err := c.createKafkaProducer()
	if err != nil {
		c.r.Err(err).
			Str("brokers", strings.Join(c.config.Brokers, ",")).
			Msg("unable to create async producer")
		return fmt.Errorf("unable to create Kafka async producer: %w", err)
	}
	c.kafkaProducer = kafkaProducer

	if err := c.createTopic(); err != nil {
		kafkaProducer.Close()
		return err
	}

	// Main loop
	c.t.Go(func() error {
		defer kafkaProducer.Close()
		defer c.kafkaConfig.MetricRegistry.UnregisterAll()
		errLimiter := rate.NewLimiter(rate.Every(10*time.Second), 3)
		for {
			select {
			case <-c.t.Dying():
				c.r.Debug().Msg("stop error logger")
				return nil
			case msg := <-kafkaProducer.Errors():
				c.metrics.errors.WithLabelValues(msg.Error()).Inc()
				if errLimiter.Allow() {
					c.r.Err(msg.Err).
						Str("topic", msg.Msg.Topic).
						Int64("offset", msg.Msg.Offset).
						Int32("partition", msg.Msg.Partition).
						Msg("Kafka producer error")
				}
			}
		}
	})
	return nil
}

// createTopic creates or updates the topic when a topic configuration is
// provided.
func (c *Component) createTopic() error {
	if c.config.TopicConfiguration == nil {
		return nil
	}
	l := c.r.With().
		Str("brokers", strings.Join(c.config.Brokers, ",")).
		Str("topic", c.config.Topic).
		Logger()
	client, err := sarama.NewClusterAdmin(c.config.Brokers, c.kafkaConfig)
	if err != nil {
		l.Err(err).Msg("unable to get admin client for topic creation")
		return fmt.Errorf("unable to get admin client for topic creation: %w", err)
	}
	defer client.Close()
	topics, err := client.ListTopics()
	if err != nil {
		l.Err(err).Msg("unable to get metadata for topics")
		return fmt.Errorf("unable to get metadata for topics: %w", err)
	}
	topicConfiguration := c.config.TopicConfiguration
	topic, ok := topics[c.config.Topic]
	if !ok {
		if err := client.CreateTopic(c.config.Topic,
			&sarama.TopicDetail{
				NumPartitions:     topicConfiguration.NumPartitions,
				ReplicationFactor: topicConfiguration.ReplicationFactor,
				ConfigEntries:     topicConfiguration.ConfigEntries,
			}, false); err != nil {
			l.Err(err).Msg("unable to create topic")
			return fmt.Errorf("unable to create topic %q: %w", c.config.Topic, err)
		}
		l.Info().Msg("topic created")
		return nil
	}
	if topic.NumPartitions != topicConfiguration.NumPartitions {
		l.Warn().Msgf("mismatch for number of partitions: got %d, want %d",
			topic.NumPartitions, topicConfiguration.NumPartitions)
	}
	if err := client.AlterConfig(sarama.TopicResource, c.config.Topic, topicConfiguration.ConfigEntries, false); err != nil {
		l.Err(err).Msg("unable to set topic configuration")
		return fmt.Errorf("unable to set topic configuration for %q: %w", c.config.Topic, err)
	}
	l.Info().Msg("topic updated")
	return nil
}

// Stop stops the Kafka component
func (c *Component) Stop() error {
	defer globalKafkaLogger.r.Store(nil)
	c.r.Info().Msg("stopping Kafka component")
	defer c.r.Info().Msg("Kafka component stopped")
	c.t.Kill(nil)
	return c.t.Wait()
}

// Publish sends a record to Kafka, keyed by its kind.
func (c *Component) Publish(rec record.Record) {
	if !c.config.Enabled {
		return
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		c.metrics.errors.WithLabelValues(err.Error()).Inc()
		return
	}
	kind := string(rec.Kind)
	msg := &sarama.ProducerMessage{
		Topic: c.config.Topic,
		Key:   sarama.StringEncoder(kind),
		Value: sarama.ByteEncoder(payload),
	}
	select {
	case <-c.t.Dying():
		c.metrics.dropped.Inc()
	case c.kafkaProducer.Input() <- msg:
		c.metrics.bytesSent.WithLabelValues(kind).Add(float64(len(payload)))
		c.metrics.messagesSent.WithLabelValues(kind).Inc()
	}
}
