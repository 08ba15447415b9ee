// Package reporting publishes finalized pipeline run reports.
package reporting

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/LdDl/osm2sim"
	"github.com/pkg/errors"
	kafkago "github.com/segmentio/kafka-go"
)

// Sink receives finalized run reports
type Sink interface {
	Publish(ctx context.Context, run *osm2sim.PipelineRun) error
	Close() error
}

// LogSink writes run summary to logger
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink returns sink logging every report
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &LogSink{logger: logger}
}

// Publish logs overall status and per-source counters
func (sink *LogSink) Publish(_ context.Context, run *osm2sim.PipelineRun) error {
	if run == nil {
		return errors.New("Nil run report")
	}
	for i := range run.Sources {
		src := &run.Sources[i]
		sink.logger.Info("source report",
			"run_id", run.RunID,
			"source", src.Name,
			"status", src.Status.String(),
			"total", src.Total,
			"matched", src.Matched,
			"unmatched", src.Unmatched,
			"clipped", src.Clipped,
		)
	}
	sink.logger.Info("run report",
		"run_id", run.RunID,
		"status", run.Status.String(),
		"elapsed", run.FinishedAt.Sub(run.StartedAt),
		"report", run.Artifacts.Report,
	)
	return nil
}

// Close does nothing
func (sink *LogSink) Close() error {
	return nil
}

// messageWriter is the part of kafka-go writer used by KafkaSink
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// KafkaSink produces run reports to a Kafka topic
type KafkaSink struct {
	writer messageWriter
	logger *slog.Logger
}

// NewKafkaSink creates a Kafka producer for the given topic
func NewKafkaSink(brokers []string, topic string, logger *slog.Logger) (*KafkaSink, error) {
	if len(brokers) == 0 {
		return nil, errors.New("At least one Kafka broker is required")
	}
	if topic == "" {
		return nil, errors.New("Kafka topic is required")
	}
	w := &kafkago.Writer{
		Addr:         kafkago.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafkago.LeastBytes{},
		RequiredAcks: kafkago.RequireAll,
	}
	return newKafkaSink(w, logger), nil
}

func newKafkaSink(w messageWriter, logger *slog.Logger) *KafkaSink {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &KafkaSink{writer: w, logger: logger}
}

// Publish serializes report and writes it as a single message keyed by run ID
func (sink *KafkaSink) Publish(ctx context.Context, run *osm2sim.PipelineRun) error {
	msg, err := serializeToMessage(run)
	if err != nil {
		return err
	}
	if err := sink.writer.WriteMessages(ctx, msg); err != nil {
		return errors.Wrap(err, "Can't publish run report")
	}
	sink.logger.Debug("run report published", "run_id", run.RunID)
	return nil
}

// Close flushes pending messages
func (sink *KafkaSink) Close() error {
	return sink.writer.Close()
}

// serializeToMessage marshals finalized run into a Kafka message
func serializeToMessage(run *osm2sim.PipelineRun) (kafkago.Message, error) {
	if run == nil {
		return kafkago.Message{}, errors.New("Nil run report")
	}
	if !run.Finalized() {
		return kafkago.Message{}, errors.Wrapf(osm2sim.ErrInvalidTransition, "Run '%s' is not finalized", run.RunID)
	}
	data, err := json.Marshal(run)
	if err != nil {
		return kafkago.Message{}, errors.Wrap(err, "Can't serialize run report")
	}
	return kafkago.Message{
		Key:   []byte(run.RunID),
		Value: data,
		Headers: []kafkago.Header{
			{Key: "status", Value: []byte(run.Status.String())},
			{Key: "finished_at", Value: []byte(run.FinishedAt.Format(time.RFC3339))},
		},
	}, nil
}
