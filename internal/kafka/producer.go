// Package kafka carries accepted emails from workers to the
// store-writer, keyed by job id so one job's records stay ordered within
// a partition.
package kafka

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"mailsweep/internal/models"
)

// EmailProducer publishes accepted email records.
type EmailProducer interface {
	WriteEmail(ctx context.Context, email models.Email) error
}

// Producer wraps a Kafka writer for publishing email records.
type Producer struct {
	writer MessageWriter
}

// NewProducer creates a Kafka producer for the given broker and topic.
func NewProducer(broker, topic string) *Producer {
	return &Producer{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(broker),
			Topic:                  topic,
			Balancer:               &kafka.LeastBytes{},
			AllowAutoTopicCreation: false,
		},
	}
}

// NewProducerWithWriter builds a producer using a custom writer (tests).
func NewProducerWithWriter(writer MessageWriter) *Producer {
	return &Producer{writer: writer}
}

// Close shuts down the underlying writer.
func (p *Producer) Close() error {
	return p.writer.Close()
}

// WriteEmail publishes one accepted email to the topic.
func (p *Producer) WriteEmail(ctx context.Context, email models.Email) error {
	payload, err := json.Marshal(email)
	if err != nil {
		return err
	}
	msg := kafka.Message{
		Key:   []byte(email.JobID),
		Value: payload,
		Time:  time.Now().UTC(),
	}
	return p.writer.WriteMessages(ctx, msg)
}
