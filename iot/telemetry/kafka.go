// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package telemetry

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/segmentio/kafka-go"
)

// KafkaWriter is the subset of kafka.Writer used by the KafkaSink
type KafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes records to a kafka topic, keyed by device id
type KafkaSink struct {
	writer KafkaWriter
}

// NewKafkaSink returns a sink which writes to the topic on the brokers
func NewKafkaSink(brokers []string, topic string) *KafkaSink {
	return NewKafkaSinkWithWriter(&kafka.Writer{
		Addr:     kafka.TCP(brokers...),
		Topic:    topic,
		Balancer: &kafka.LeastBytes{},
	})
}

// NewKafkaSinkWithWriter returns a sink on top of an existing writer
func NewKafkaSinkWithWriter(w KafkaWriter) *KafkaSink {
	return &KafkaSink{writer: w}
}

// Write implements Sink
func (k *KafkaSink) Write(ctx context.Context, r Record) error {
	value, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("cannot marshal record: %w", err)
	}
	msg := kafka.Message{
		Key:     []byte(r.DeviceID),
		Value:   value,
		Time:    r.ReceivedAt,
		Headers: []kafka.Header{{Key: "kind", Value: []byte(r.Kind)}},
	}
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("cannot write record of %s to kafka: %w", r.DeviceID, err)
	}
	return nil
}

// Close closes the underlying writer
func (k *KafkaSink) Close() error {
	return k.writer.Close()
}
