// SPDX-FileCopyrightText: 2022 Free Mobile
// SPDX-License-Identifier: AGPL-3.0-only

package kafka

import (
	"fmt"
	"time"

	"github.com/IBM/sarama"
)

// Configuration describes the configuration for the Kafka exporter.
type Configuration struct {
	// Enabled tells if records are exported to Kafka.
	Enabled bool
	// Topic defines the topic to write records to.
	Topic string `validate:"required"`
	// Brokers is the list of brokers to connect to.
	Brokers []string `validate:"min=1,dive,dial"`
	// Version is the version of Kafka we assume to work
	Version Version
	// UseTLS tells if we should use TLS.
	UseTLS bool
	// FlushInterval tells how often to flush pending data to Kafka.
	FlushInterval time.Duration `validate:"min=100ms"`
	// FlushBytes tells to flush when there are many bytes to write
	FlushBytes int `validate:"min=1000"`
	// MaxMessageBytes is the maximum permitted size of a message.
	// Should be set equal or smaller than broker's
	// `message.max.bytes`.
	MaxMessageBytes int `validate:"min=1"`
	// CompressionCodec defines the compression to use.
	CompressionCodec CompressionCodec
	// TopicConfiguration describes the topic configuration. If none is
	// provided, it will not be created.
	TopicConfiguration *TopicConfiguration
}

// TopicConfiguration describes the configuration for a topic
type TopicConfiguration struct {
	// NumPartitions tells how many partitions should be used for the topic.
	NumPartitions int32 `validate:"min=1"`
	// ReplicationFactor tells the replication factor for the topic.
	ReplicationFactor int16 `validate:"min=1"`
	// ConfigEntries is a map to specify the topic overrides. Non-listed
	// overrides will be removed
	ConfigEntries map[string]*string
}

// DefaultConfiguration represents the default configuration for the Kafka
// exporter.
func DefaultConfiguration() Configuration {
	return Configuration{
		Topic:            "swotap",
		Brokers:          []string{"127.0.0.1:9092"},
		Version:          Version(sarama.V2_8_1_0),
		FlushInterval:    time.Second,
		FlushBytes:       int(sarama.MaxRequestSize),
		MaxMessageBytes:  1000000,
		CompressionCodec: CompressionCodec(sarama.CompressionNone),
	}
}

// Version represents a supported version of Kafka
type Version sarama.KafkaVersion

// UnmarshalText parses a version of Kafka
func (v *Version) UnmarshalText(text []byte) error {
	version, err := sarama.ParseKafkaVersion(string(text))
	if err != nil {
		return err
	}
	*v = Version(version)
	return nil
}

// String turns a Kafka version into a string
func (v Version) String() string {
	return sarama.KafkaVersion(v).String()
}

// MarshalText turns a Kafka version into a string
func (v Version) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

// CompressionCodec represents a compression codec.
type CompressionCodec sarama.CompressionCodec

var compressionCodecs = map[string]sarama.CompressionCodec{
	"none":   sarama.CompressionNone,
	"gzip":   sarama.CompressionGZIP,
	"snappy": sarama.CompressionSnappy,
	"lz4":    sarama.CompressionLZ4,
	"zstd":   sarama.CompressionZSTD,
}

// UnmarshalText produces a compression codec
func (c *CompressionCodec) UnmarshalText(text []byte) error {
	codec, ok := compressionCodecs[string(text)]
	if !ok {
		return fmt.Errorf("cannot parse %q as a compression codec", string(text))
	}
	*c = CompressionCodec(codec)
	return nil
}

// MarshalText turns a compression codec into text
func (c CompressionCodec) MarshalText() ([]byte, error) {
	for name, codec := range compressionCodecs {
		if codec == sarama.CompressionCodec(c) {
			return []byte(name), nil
		}
	}
	return nil, fmt.Errorf("unknown compression codec %d", c)
}
