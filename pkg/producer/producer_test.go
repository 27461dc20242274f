package producer

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andrej220/batchexec/internal/lg"
)

type fakeWriter struct {
	messages []kafka.Message
	err      error
	closed   bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.messages = append(w.messages, msgs...)
	return w.err
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func TestPublish(t *testing.T) {
	w := &fakeWriter{}
	p := &Producer{writer: w, topic: "outcomes", lg: lg.Discard}

	require.NoError(t, p.Publish(context.Background(), []byte("id-1"), map[string]int{"exitCode": 3}))
	require.Len(t, w.messages, 1)
	assert.Equal(t, []byte("id-1"), w.messages[0].Key)
	var got map[string]int
	require.NoError(t, json.Unmarshal(w.messages[0].Value, &got))
	assert.Equal(t, 3, got["exitCode"])
	assert.False(t, w.messages[0].Time.IsZero())

	require.NoError(t, p.Close())
	assert.True(t, w.closed)
}

func TestPublishErrors(t *testing.T) {
	w := &fakeWriter{err: kafka.UnknownTopicOrPartition}
	p := &Producer{writer: w, topic: "outcomes", lg: lg.Discard}

	err := p.Publish(context.Background(), nil, "x")
	assert.ErrorIs(t, err, kafka.UnknownTopicOrPartition)

	err = p.Publish(context.Background(), nil, make(chan int))
	assert.Error(t, err)
	assert.Len(t, w.messages, 1)
}
