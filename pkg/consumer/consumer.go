// Package consumer reads JSON messages from a Kafka topic.
package consumer

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"
)

type Config struct {
	Brokers []string `validate:"required,min=1"`
	GroupID string   `validate:"required"`
	Topic   string   `validate:"required"`
}

type messageReader interface {
	FetchMessage(context.Context) (kafka.Message, error)
	CommitMessages(context.Context, ...kafka.Message) error
	Close() error
}

// DecodeError reports a message whose value is not a valid T. The message
// is committed anyway so that it is not redelivered.
type DecodeError struct {
	Offset int64
	Key    []byte
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode message at offset %d: %v", e.Offset, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

type Consumer[T any] struct {
	reader messageReader
}

func NewConsumer[T any](cfg Config) *Consumer[T] {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers: cfg.Brokers,
		GroupID: cfg.GroupID,
		Topic:   cfg.Topic,
	})
	return &Consumer[T]{reader: r}
}

// Handle blocks until the next message arrives, decodes it and passes it to
// fn. The offset is committed only when fn returns nil, so a request that was
// not accepted is delivered again after a restart. Malformed messages are
// committed and reported as *DecodeError.
func (c *Consumer[T]) Handle(ctx context.Context, fn func(context.Context, T) error) error {
	msg, err := c.reader.FetchMessage(ctx)
	if err != nil {
		return err
	}

	var payload T
	if err := json.Unmarshal(msg.Value, &payload); err != nil {
		if cerr := c.reader.CommitMessages(ctx, msg); cerr != nil {
			return fmt.Errorf("commit offset %d: %w", msg.Offset, cerr)
		}
		return &DecodeError{Offset: msg.Offset, Key: msg.Key, Err: err}
	}
	if err := fn(ctx, payload); err != nil {
		return fmt.Errorf("handle offset %d: %w", msg.Offset, err)
	}
	if err := c.reader.CommitMessages(ctx, msg); err != nil {
		return fmt.Errorf("commit offset %d: %w", msg.Offset, err)
	}
	return nil
}

func (c *Consumer[T]) Close() error {
	return c.reader.Close()
}
