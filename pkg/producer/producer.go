// Package producer publishes JSON messages to a Kafka topic.
package producer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/andrej220/batchexec/internal/lg"
)

type Config struct {
	Brokers []string `validate:"required,min=1"`
	Topic   string   `validate:"required"`
}

type messageWriter interface {
	WriteMessages(context.Context, ...kafka.Message) error
	Close() error
}

type Producer struct {
	writer messageWriter
	topic  string
	lg     lg.Logger
}

func New(cfg Config, logger lg.Logger) *Producer {
	if logger == nil {
		logger = lg.Discard
	}
	return &Producer{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(cfg.Brokers...),
			Topic:                  cfg.Topic,
			Balancer:               &kafka.LeastBytes{},
			Async:                  false,
			AllowAutoTopicCreation: true,
		},
		topic: cfg.Topic,
		lg:    logger,
	}
}

// Publish writes value as JSON under key and waits for the acknowledgement.
func (p *Producer) Publish(ctx context.Context, key []byte, value any) error {
	message, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   key,
		Value: message,
		Time:  time.Now(),
	})
	if err != nil {
		if errors.Is(err, kafka.UnknownTopicOrPartition) {
			p.lg.Error("kafka topic does not exist",
				lg.String("topic", p.topic),
				lg.String("action", "create the topic or enable auto-creation"))
		}
		return fmt.Errorf("publish to %s: %w", p.topic, err)
	}
	return nil
}

func (p *Producer) Close() error {
	return p.writer.Close()
}
