package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"github.com/IBM/sarama"
	"github.com/lobby-ratings/internal/config"
	"github.com/lobby-ratings/internal/domain"
)

// EventHandler processes match lifecycle events
type EventHandler interface {
	Handle(ctx context.Context, ev domain.MatchEvent) error
}

// Consumer consumes match events from Kafka. Events of one match share a
// partition key, so a match is handled in publish order.
type Consumer struct {
	config        *config.KafkaConfig
	handler       EventHandler
	logger        *slog.Logger
	consumerGroup sarama.ConsumerGroup
	ctx           context.Context
	cancel        context.CancelFunc
	wg            sync.WaitGroup
	ready         chan bool
}

// NewConsumer creates a new Kafka consumer
func NewConsumer(cfg *config.KafkaConfig, handler EventHandler, logger *slog.Logger) (*Consumer, error) {
	saramaConfig := sarama.NewConfig()
	saramaConfig.Version = sarama.V3_0_0_0
	saramaConfig.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	saramaConfig.Consumer.Offsets.Initial = sarama.OffsetNewest
	saramaConfig.Consumer.Return.Errors = true

	consumerGroup, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupID, saramaConfig)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Consumer{
		config:        cfg,
		handler:       handler,
		logger:        logger,
		consumerGroup: consumerGroup,
		ctx:           ctx,
		cancel:        cancel,
		ready:         make(chan bool),
	}, nil
}

// Start begins consuming messages from Kafka
func (c *Consumer) Start() error {
	c.logger.Info("starting Kafka consumer",
		"brokers", c.config.Brokers,
		"topic", c.config.Topic,
		"group_id", c.config.GroupID,
	)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			handler := &consumerGroupHandler{
				consumer: c,
				ready:    c.ready,
			}

			if err := c.consumerGroup.Consume(c.ctx, []string{c.config.Topic}, handler); err != nil {
				if errors.Is(err, sarama.ErrClosedConsumerGroup) {
					return
				}
				c.logger.Error("error from consumer", "error", err)
			}

			if c.ctx.Err() != nil {
				return
			}

			c.ready = make(chan bool)
		}
	}()

	select {
	case <-c.ready:
		c.logger.Info("Kafka consumer ready")
	case <-c.ctx.Done():
		return c.ctx.Err()
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			select {
			case <-c.ctx.Done():
				return
			case err, ok := <-c.consumerGroup.Errors():
				if !ok {
					return
				}
				c.logger.Error("consumer group error", "error", err)
			}
		}
	}()

	return nil
}

// Stop gracefully stops the consumer
func (c *Consumer) Stop() error {
	c.logger.Info("stopping Kafka consumer")
	c.cancel()
	c.wg.Wait()
	return c.consumerGroup.Close()
}

// consumerGroupHandler implements sarama.ConsumerGroupHandler
type consumerGroupHandler struct {
	consumer *Consumer
	ready    chan bool
}

// Setup is called at the beginning of a new session
func (h *consumerGroupHandler) Setup(sarama.ConsumerGroupSession) error {
	close(h.ready)
	return nil
}

// Cleanup is called at the end of a session
func (h *consumerGroupHandler) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

// ConsumeClaim hands each message of a partition to the event handler in
// order. Malformed and rejected events are logged and skipped.
func (h *consumerGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case <-session.Context().Done():
			return nil

		case message, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			h.consumer.process(session.Context(), message)
			session.MarkMessage(message, "")
		}
	}
}

func (c *Consumer) process(ctx context.Context, message *sarama.ConsumerMessage) {
	ev, err := DecodeEvent(message.Value)
	if err != nil {
		c.logger.Warn("failed to unmarshal message",
			"error", err,
			"offset", message.Offset,
			"partition", message.Partition,
		)
		return
	}

	ctx, cancel := context.WithTimeout(ctx, c.config.HandlerTimeout)
	defer cancel()

	if err := c.handler.Handle(ctx, ev); err != nil {
		c.logger.Error("failed to handle match event",
			"error", err,
			"type", ev.Type,
			"match_id", ev.MatchID,
			"offset", message.Offset,
		)
		return
	}
	c.logger.Debug("handled match event", "type", ev.Type, "match_id", ev.MatchID)
}

// DecodeEvent parses a match event message.
func DecodeEvent(data []byte) (domain.MatchEvent, error) {
	var ev domain.MatchEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return ev, err
	}
	if ev.Type == "" {
		return ev, errors.New("match event without type")
	}
	return ev, nil
}
