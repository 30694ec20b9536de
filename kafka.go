package hourtail

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"
)

// KafkaConfig configures the Kafka sink.
type KafkaConfig struct {
	Brokers      []string      `mapstructure:"brokers"`
	BatchSize    int           `mapstructure:"batch_size"`
	BatchTimeout time.Duration `mapstructure:"batch_timeout"`
	RequiredAcks string        `mapstructure:"required_acks"`
	Compression  string        `mapstructure:"compression"`
}

// DefaultKafkaConfig returns producer settings suited to many small records.
func DefaultKafkaConfig() KafkaConfig {
	return KafkaConfig{
		Brokers:      []string{"localhost:9092"},
		BatchSize:    100,
		BatchTimeout: time.Second,
		RequiredAcks: "one",
		Compression:  "snappy",
	}
}

func parseRequiredAcks(s string) (kafka.RequiredAcks, error) {
	switch strings.ToLower(s) {
	case "none", "0":
		return kafka.RequireNone, nil
	case "one", "1", "":
		return kafka.RequireOne, nil
	case "all", "-1":
		return kafka.RequireAll, nil
	}
	return 0, errors.Errorf("unknown required acks %q", s)
}

func parseCompression(s string) (kafka.Compression, error) {
	switch strings.ToLower(s) {
	case "none", "":
		return 0, nil
	case "gzip":
		return kafka.Gzip, nil
	case "snappy":
		return kafka.Snappy, nil
	case "lz4":
		return kafka.Lz4, nil
	case "zstd":
		return kafka.Zstd, nil
	}
	return 0, errors.Errorf("unknown compression %q", s)
}

// KafkaSink publishes each line as one Kafka message whose topic is the
// destination. Writes are asynchronous; delivery failures are logged and
// counted but never retried.
type KafkaSink struct {
	writer  *kafka.Writer
	logger  *slog.Logger
	metrics *Metrics
}

// NewKafkaSink builds an asynchronous producer. logger and metrics may be nil.
func NewKafkaSink(cfg KafkaConfig, logger *slog.Logger, metrics *Metrics) (*KafkaSink, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka sink needs at least one broker")
	}
	acks, err := parseRequiredAcks(cfg.RequiredAcks)
	if err != nil {
		return nil, err
	}
	compression, err := parseCompression(cfg.Compression)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &KafkaSink{logger: logger, metrics: metrics}
	s.writer = &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Balancer:     &kafka.RoundRobin{},
		BatchSize:    cfg.BatchSize,
		BatchTimeout: cfg.BatchTimeout,
		RequiredAcks: acks,
		Compression:  compression,
		Async:        true,
		Completion:   s.completed,
	}
	return s, nil
}

func (s *KafkaSink) completed(messages []kafka.Message, err error) {
	if err == nil {
		return
	}
	s.logger.Error("Failed to deliver records",
		slog.Int("count", len(messages)),
		slog.Any("error", err))
	s.metrics.sinkFailed("kafka", len(messages))
}

func (s *KafkaSink) Send(destination string, line []byte) {
	value := make([]byte, len(line))
	copy(value, line)
	msg := kafka.Message{Topic: destination, Value: value}
	if err := s.writer.WriteMessages(context.Background(), msg); err != nil {
		s.completed([]kafka.Message{msg}, err)
	}
}

// Close flushes pending batches and closes the producer.
func (s *KafkaSink) Close() error {
	return errors.Wrap(s.writer.Close(), "closing kafka writer")
}
