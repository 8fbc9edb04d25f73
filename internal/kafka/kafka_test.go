package kafka

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/lobby-ratings/internal/config"
	"github.com/lobby-ratings/internal/domain"
	. "github.com/smartystreets/goconvey/convey"
)

type recordingHandler struct {
	events   []domain.MatchEvent
	deadline bool
	err      error
}

func (h *recordingHandler) Handle(ctx context.Context, ev domain.MatchEvent) error {
	_, h.deadline = ctx.Deadline()
	h.events = append(h.events, ev)
	return h.err
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestProducer(t *testing.T) {
	Convey("Given a producer over a mock sarama producer", t, func() {
		mp := mocks.NewSyncProducer(t, nil)
		p := NewProducerFrom(mp, "match-events", testLogger())
		ev := domain.MatchEvent{
			Type:    domain.EventGameWillStart,
			MatchID: 42,
			GameID:  7,
			Rated:   true,
			Players: []*domain.Player{{BodyOID: 1, PlayerID: 101, Name: "carol"}},
		}

		Convey("When an event is published", func() {
			var sent *sarama.ProducerMessage
			mp.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
				sent = msg
				return nil
			})
			err := p.Publish(context.Background(), ev)

			Convey("Then it is keyed by match id and decodes back", func() {
				So(err, ShouldBeNil)
				So(sent.Topic, ShouldEqual, "match-events")
				key, _ := sent.Key.Encode()
				So(string(key), ShouldEqual, "42")
				value, _ := sent.Value.Encode()
				decoded, err := DecodeEvent(value)
				So(err, ShouldBeNil)
				So(decoded.MatchID, ShouldEqual, 42)
				So(decoded.Players[0].PlayerID, ShouldEqual, 101)
				So(p.Close(), ShouldBeNil)
			})
		})

		Convey("When the broker rejects the message", func() {
			mp.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)
			err := p.Publish(context.Background(), ev)

			Convey("Then the error is returned", func() {
				So(errors.Is(err, sarama.ErrOutOfBrokers), ShouldBeTrue)
				So(p.Close(), ShouldBeNil)
			})
		})

		Convey("When the context is already cancelled", func() {
			ctx, cancel := context.WithCancel(context.Background())
			cancel()

			Convey("Then nothing is sent", func() {
				So(errors.Is(p.Publish(ctx, ev), context.Canceled), ShouldBeTrue)
				So(p.Close(), ShouldBeNil)
			})
		})
	})
}

func TestConsumerProcess(t *testing.T) {
	Convey("Given a consumer with a recording handler", t, func() {
		handler := &recordingHandler{}
		c := &Consumer{
			config:  &config.KafkaConfig{HandlerTimeout: time.Second},
			handler: handler,
			logger:  testLogger(),
		}
		payload, err := EncodeEvent(domain.MatchEvent{
			Type:    domain.EventGameDidEnd,
			MatchID: 9,
			Winners: []bool{true, false},
		})
		So(err, ShouldBeNil)

		Convey("A valid message reaches the handler with a deadline", func() {
			c.process(context.Background(), &sarama.ConsumerMessage{Value: payload})
			So(handler.events, ShouldHaveLength, 1)
			So(handler.events[0].Winners, ShouldResemble, []bool{true, false})
			So(handler.deadline, ShouldBeTrue)
		})

		Convey("Malformed messages are skipped", func() {
			c.process(context.Background(), &sarama.ConsumerMessage{Value: []byte("{not json")})
			c.process(context.Background(), &sarama.ConsumerMessage{Value: []byte(`{"match_id": 3}`)})
			So(handler.events, ShouldBeEmpty)
		})

		Convey("A handler failure does not stop processing", func() {
			handler.err = domain.ErrInvalidRequest
			c.process(context.Background(), &sarama.ConsumerMessage{Value: payload})
			c.process(context.Background(), &sarama.ConsumerMessage{Value: payload})
			So(handler.events, ShouldHaveLength, 2)
		})
	})
}
