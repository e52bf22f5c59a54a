package broadcast

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

// kafkaEmitTimeout bounds a single asynchronous write.
const kafkaEmitTimeout = 5 * time.Second

// KafkaSink writes every event to a Kafka topic for the analytics pipeline.
// Writes are best-effort and never block the publisher.
type KafkaSink struct {
	writer *kafka.Writer
	logger zerolog.Logger
}

// NewKafkaSink creates a sink. It returns nil when brokers or topic are empty.
func NewKafkaSink(brokers []string, topic string, logger zerolog.Logger) *KafkaSink {
	if len(brokers) == 0 || topic == "" {
		return nil
	}
	return &KafkaSink{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			BatchTimeout: 50 * time.Millisecond,
		},
		logger: logger.With().Str("component", "kafka-sink").Logger(),
	}
}

// Emit writes ev keyed by child so a child's events stay ordered per partition
func (k *KafkaSink) Emit(ev Event) {
	if k == nil || k.writer == nil {
		return
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		k.logger.Error().Err(err).Msg("Failed to encode event")
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), kafkaEmitTimeout)
		defer cancel()
		err := k.writer.WriteMessages(ctx, kafka.Message{
			Key:   []byte(ev.ChildID),
			Value: payload,
		})
		if err != nil {
			k.logger.Warn().Err(err).Str("kind", string(ev.Kind)).Msg("Kafka emit failed")
		}
	}()
}

// Close flushes and closes the writer. Safe on a nil sink.
func (k *KafkaSink) Close() error {
	if k == nil || k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
