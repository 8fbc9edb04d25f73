package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/IBM/sarama"
	"github.com/lobby-ratings/internal/config"
	"github.com/lobby-ratings/internal/domain"
)

// Producer publishes match events keyed by match id
type Producer struct {
	topic    string
	producer sarama.SyncProducer
	logger   *slog.Logger
}

// NewProducer creates a synchronous producer for the configured topic
func NewProducer(cfg *config.KafkaConfig, logger *slog.Logger) (*Producer, error) {
	saramaConfig := sarama.NewConfig()
	saramaConfig.Version = sarama.V3_0_0_0
	saramaConfig.Producer.RequiredAcks = sarama.WaitForAll
	saramaConfig.Producer.Retry.Max = 3
	saramaConfig.Producer.Return.Successes = true
	saramaConfig.Producer.Partitioner = sarama.NewHashPartitioner

	producer, err := sarama.NewSyncProducer(cfg.Brokers, saramaConfig)
	if err != nil {
		return nil, fmt.Errorf("creating producer: %w", err)
	}
	return NewProducerFrom(producer, cfg.Topic, logger), nil
}

// NewProducerFrom wraps an existing sarama producer
func NewProducerFrom(producer sarama.SyncProducer, topic string, logger *slog.Logger) *Producer {
	return &Producer{topic: topic, producer: producer, logger: logger}
}

// Publish sends one match event. Its signature matches session.PublishFunc.
func (p *Producer) Publish(ctx context.Context, ev domain.MatchEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := EncodeEvent(ev)
	if err != nil {
		return err
	}

	partition, offset, err := p.producer.SendMessage(&sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(strconv.Itoa(ev.MatchID)),
		Value: sarama.ByteEncoder(payload),
	})
	if err != nil {
		return fmt.Errorf("publishing %s for match %d: %w", ev.Type, ev.MatchID, err)
	}

	p.logger.Debug("published match event",
		"type", ev.Type,
		"match_id", ev.MatchID,
		"partition", partition,
		"offset", offset,
	)
	return nil
}

// Close flushes and closes the underlying producer
func (p *Producer) Close() error {
	return p.producer.Close()
}

// EncodeEvent serializes a match event message.
func EncodeEvent(ev domain.MatchEvent) ([]byte, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encoding match event: %w", err)
	}
	return data, nil
}
