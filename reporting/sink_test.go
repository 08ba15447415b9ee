package reporting

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/LdDl/osm2sim"
	"github.com/LdDl/osm2sim/observability"
	"github.com/pkg/errors"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWriter struct {
	messages []kafkago.Message
	err      error
	closed   bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafkago.Message) error {
	if w.err != nil {
		return w.err
	}
	w.messages = append(w.messages, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func finalizedRun(t *testing.T) *osm2sim.PipelineRun {
	t.Helper()
	started := time.Date(2024, 4, 26, 15, 10, 0, 0, time.UTC)
	run := osm2sim.NewPipelineRun("run-1", []osm2sim.SourceRun{{Name: "collisions", Kind: "collision"}})
	require.NoError(t, run.Start(started))
	run.Sources[0].Status = osm2sim.STATUS_PARTIALLY_MATCHED
	run.Sources[0].Total = 10
	run.Sources[0].Unmatched = 2
	require.NoError(t, run.Finalize(started.Add(time.Minute), nil))
	return run
}

func TestSerializeToMessage(t *testing.T) {
	run := finalizedRun(t)
	msg, err := serializeToMessage(run)
	require.NoError(t, err)

	assert.Equal(t, []byte("run-1"), msg.Key)
	assert.Contains(t, string(msg.Value), `"status":"partially_matched"`)
	assert.Len(t, msg.Headers, 2)
	assert.Equal(t, "status", msg.Headers[0].Key)
	assert.Equal(t, []byte("partially_matched"), msg.Headers[0].Value)
	assert.Equal(t, "finished_at", msg.Headers[1].Key)
	assert.Equal(t, []byte("2024-04-26T15:11:00Z"), msg.Headers[1].Value)

	var decoded osm2sim.PipelineRun
	require.NoError(t, json.Unmarshal(msg.Value, &decoded))
	assert.Equal(t, 2, decoded.Sources[0].Unmatched)

	_, err = serializeToMessage(osm2sim.NewPipelineRun("pending", nil))
	assert.ErrorIs(t, err, osm2sim.ErrInvalidTransition)
	_, err = serializeToMessage(nil)
	assert.Error(t, err)
}

func TestKafkaSinkPublish(t *testing.T) {
	writer := &fakeWriter{}
	sink := newKafkaSink(writer, nil)
	require.NoError(t, sink.Publish(context.Background(), finalizedRun(t)))
	require.Len(t, writer.messages, 1)
	assert.Equal(t, []byte("run-1"), writer.messages[0].Key)

	writer.err = errors.New("broker is down")
	assert.Error(t, sink.Publish(context.Background(), finalizedRun(t)))

	require.NoError(t, sink.Close())
	assert.True(t, writer.closed)
}

func TestNewKafkaSinkErrors(t *testing.T) {
	_, err := NewKafkaSink(nil, "runs", nil)
	assert.Error(t, err)
	_, err = NewKafkaSink([]string{"localhost:9092"}, "", nil)
	assert.Error(t, err)

	sink, err := NewKafkaSink([]string{"localhost:9092"}, "runs", nil)
	require.NoError(t, err)
	assert.NoError(t, sink.Close())
}

func TestLogSink(t *testing.T) {
	var buf bytes.Buffer
	sink := NewLogSink(observability.NewLoggerTo(&buf, "info", "json"))
	require.NoError(t, sink.Publish(context.Background(), finalizedRun(t)))
	out := buf.String()
	assert.Contains(t, out, `"msg":"source report"`)
	assert.Contains(t, out, `"source":"collisions"`)
	assert.Contains(t, out, `"msg":"run report"`)
	assert.Contains(t, out, `"status":"partially_matched"`)
	assert.NoError(t, sink.Close())

	assert.Error(t, sink.Publish(context.Background(), nil))
}
