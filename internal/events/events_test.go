package events

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/busybox42/sendline/internal/config"
)

type fakeWriter struct {
	mu       sync.Mutex
	messages []kafka.Message
	err      error
	closed   bool
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.messages = append(f.messages, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.closed = true
	return nil
}

func sampleEvent() Event {
	return Event{
		ID:         "ev-1",
		JobID:      "job-1",
		CampaignID: "spring",
		Recipient:  "bob@example.com",
		Domain:     "example.com",
		Identity:   "192.0.2.1",
		State:      "DELIVERED",
		Outcome:    "sent",
		SMTPCode:   250,
		Attempt:    1,
		Timestamp:  time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
	}
}

func TestKafkaSinkPublish(t *testing.T) {
	w := &fakeWriter{}
	sink := newKafkaSink(w, "sendline.delivery")

	require.NoError(t, sink.Publish(context.Background(), sampleEvent()))
	require.Len(t, w.messages, 1)

	msg := w.messages[0]
	assert.Equal(t, []byte("example.com"), msg.Key)

	var decoded Event
	require.NoError(t, json.Unmarshal(msg.Value, &decoded))
	assert.Equal(t, sampleEvent(), decoded)

	headers := map[string]string{}
	for _, h := range msg.Headers {
		headers[h.Key] = string(h.Value)
	}
	assert.Equal(t, "sent", headers["outcome"])
	assert.Equal(t, "spring", headers["campaign-id"])

	written, failed := sink.Stats()
	assert.Equal(t, int64(1), written)
	assert.Equal(t, int64(0), failed)

	require.NoError(t, sink.Close())
	assert.True(t, w.closed)
	assert.Error(t, sink.Publish(context.Background(), sampleEvent()))
}

func TestKafkaSinkWriteError(t *testing.T) {
	w := &fakeWriter{err: errors.New("leader not available")}
	sink := newKafkaSink(w, "sendline.delivery")

	err := sink.Publish(context.Background(), sampleEvent())
	assert.Error(t, err)
	_, failed := sink.Stats()
	assert.Equal(t, int64(1), failed)
}

func TestNewKafkaSinkValidation(t *testing.T) {
	_, err := NewKafkaSink(KafkaConfig{Topic: "t"})
	assert.Error(t, err)
	_, err = NewKafkaSink(KafkaConfig{Brokers: []string{"localhost:9092"}})
	assert.Error(t, err)

	sink, err := NewKafkaSink(KafkaConfig{Brokers: []string{"localhost:9092"}, Topic: "t"})
	require.NoError(t, err)
	require.NoError(t, sink.Close())
}

func TestLogSink(t *testing.T) {
	var buf bytes.Buffer
	sink := NewLogSink(slog.New(slog.NewJSONHandler(&buf, nil)))

	require.NoError(t, sink.Publish(context.Background(), sampleEvent()))

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "delivery_event", record["msg"])
	assert.Equal(t, "delivery-events", record["component"])
	assert.Equal(t, "job-1", record["job_id"])
	assert.Equal(t, "sent", record["outcome"])
}

type failingSink struct{ NopSink }

func (failingSink) Publish(context.Context, Event) error { return errors.New("down") }

func TestMultiSink(t *testing.T) {
	w := &fakeWriter{}
	multi := NewMultiSink(failingSink{}, newKafkaSink(w, "t"))

	err := multi.Publish(context.Background(), sampleEvent())
	assert.Error(t, err)
	assert.Len(t, w.messages, 1, "later sinks still receive the event")
	assert.NoError(t, multi.Close())
}

func TestOpen(t *testing.T) {
	sink, err := Open(config.EventsConfig{Sink: "log"})
	require.NoError(t, err)
	assert.IsType(t, &LogSink{}, sink)

	sink, err = Open(config.EventsConfig{Sink: "none"})
	require.NoError(t, err)
	assert.IsType(t, NopSink{}, sink)

	_, err = Open(config.EventsConfig{Sink: "carrier-pigeon"})
	assert.Error(t, err)
}
