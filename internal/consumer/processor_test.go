package consumer

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func framed(schemaID uint32, payload string) []byte {
	value := make([]byte, 5+len(payload))
	binary.BigEndian.PutUint32(value[1:5], schemaID)
	copy(value[5:], payload)
	return value
}

func record(offset int64, eventType string, value []byte) kafka.Message {
	msg := kafka.Message{
		Topic:  "activity_facts",
		Offset: offset,
		Time:   time.Date(2025, 8, 12, 9, 0, 0, 0, time.UTC),
		Value:  value,
	}
	if eventType != "" {
		msg.Headers = []kafka.Header{
			{Key: "event_type", Value: []byte(eventType)},
			{Key: "aggregate_id", Value: []byte("user-1")},
		}
	}
	return msg
}

func TestProcessorCommitsOnSuccess(t *testing.T) {
	reader := &stubReader{messages: []kafka.Message{
		record(10, "steps.corrected", framed(42, `{"user_id":"user-1"}`)),
	}}
	handler := &stubHandler{}

	err := NewProcessor(reader, handler, WithLogger(zap.NewNop())).Run(context.Background())
	require.ErrorIs(t, err, context.Canceled)

	require.Equal(t, 1, handler.calls)
	assert.Equal(t, []int64{10}, reader.committed)
	assert.Equal(t, "steps.corrected", handler.last.EventType)
	assert.Equal(t, "user-1", handler.last.AggregateID)
	assert.Equal(t, 42, handler.last.SchemaID)
	assert.JSONEq(t, `{"user_id":"user-1"}`, string(handler.last.Payload))
}

func TestProcessorAcceptsPlainJSON(t *testing.T) {
	reader := &stubReader{messages: []kafka.Message{
		record(3, "location.allowlisted", []byte(`{"category":"gym"}`)),
	}}
	handler := &stubHandler{}

	require.ErrorIs(t, NewProcessor(reader, handler).Run(context.Background()), context.Canceled)

	require.Equal(t, 1, handler.calls)
	assert.Zero(t, handler.last.SchemaID)
	assert.JSONEq(t, `{"category":"gym"}`, string(handler.last.Payload))
}

func TestProcessorCommitsUndecodableMessages(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	reader := &stubReader{messages: []kafka.Message{
		record(1, "", framed(1, `{}`)),
		record(2, "steps.corrected", []byte{0, 1}),
		record(3, "steps.corrected", framed(1, `not json`)),
	}}
	handler := &stubHandler{}

	require.ErrorIs(t, NewProcessor(reader, handler, WithLogger(zap.New(core))).Run(context.Background()), context.Canceled)

	assert.Zero(t, handler.calls)
	assert.Equal(t, []int64{1, 2, 3}, reader.committed)
	assert.Equal(t, 3, logs.FilterMessage("decode failed").Len())
}

func TestProcessorHandlerErrors(t *testing.T) {
	t.Run("transient error leaves the offset uncommitted", func(t *testing.T) {
		reader := &stubReader{messages: []kafka.Message{record(20, "steps.corrected", framed(9, `{}`))}}
		handler := &stubHandler{err: errors.New("database unavailable")}

		err := NewProcessor(reader, handler, WithRetryDelay(0)).Run(context.Background())
		require.ErrorIs(t, err, context.Canceled)

		assert.Equal(t, 1, handler.calls)
		assert.Empty(t, reader.committed)
	})

	t.Run("unprocessable message is committed", func(t *testing.T) {
		core, logs := observer.New(zap.WarnLevel)
		reader := &stubReader{messages: []kafka.Message{record(21, "steps.corrected", framed(9, `{}`))}}
		handler := &stubHandler{err: fmt.Errorf("%w: bad date", ErrUnprocessable)}

		err := NewProcessor(reader, handler, WithLogger(zap.New(core))).Run(context.Background())
		require.ErrorIs(t, err, context.Canceled)

		assert.Equal(t, []int64{21}, reader.committed)
		assert.Equal(t, 1, logs.FilterMessage("dropping unprocessable message").Len())
	})
}

func TestProcessorStopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	reader := &stubReader{messages: []kafka.Message{record(1, "steps.corrected", framed(1, `{}`))}}
	handler := &stubHandler{}

	require.ErrorIs(t, NewProcessor(reader, handler).Run(ctx), context.Canceled)
	assert.Zero(t, handler.calls)
}

type stubReader struct {
	messages  []kafka.Message
	index     int
	committed []int64
}

func (r *stubReader) FetchMessage(context.Context) (kafka.Message, error) {
	if r.index >= len(r.messages) {
		return kafka.Message{}, context.Canceled
	}
	msg := r.messages[r.index]
	r.index++
	return msg, nil
}

func (r *stubReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *stubReader) Close() error { return nil }

type stubHandler struct {
	calls int
	err   error
	last  Message
}

func (h *stubHandler) Handle(_ context.Context, msg Message) error {
	h.calls++
	h.last = msg
	return h.err
}
