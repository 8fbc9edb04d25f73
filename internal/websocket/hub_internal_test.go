package websocket

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/lobby-ratings/internal/domain"
	. "github.com/smartystreets/goconvey/convey"
)

func TestHub_Lifecycle(t *testing.T) {
	Convey("Given a running hub without connections", t, func() {
		logger := slog.New(slog.NewTextHandler(io.Discard, nil))
		gone := make(chan *domain.Player, 4)
		hub := NewHub(func(p *domain.Player) { gone <- p }, logger)
		go hub.Run()
		defer hub.Stop()

		Convey("When clients unregister while their subscriptions are still queued", func() {
			for i := 0; i < 500; i++ {
				c := NewClient(hub, nil, nil, logger)
				hub.Register(c)
				hub.Subscribe(c, "L")
				hub.Unregister(c)
				hub.PublishTableEvent(domain.TableEvent{Kind: domain.TableRemoved, LobbyID: "L", TableID: i})
			}

			Convey("Then no removed client stays subscribed", func() {
				last := NewClient(hub, nil, nil, logger)
				hub.Register(last)
				hub.Subscribe(last, "L")
				So(waitUntil(func() bool { return hub.GetSubscriberCount("L") == 1 }), ShouldBeTrue)
				So(hub.GetTotalConnections(), ShouldEqual, 1)
			})
		})

		Convey("When a subscriber stops draining its queue", func() {
			slow := NewClient(hub, nil, &domain.Player{BodyOID: 7, PlayerID: 70, Name: "slow"}, logger)
			hub.Register(slow)
			hub.Subscribe(slow, "L")
			So(waitUntil(func() bool { return hub.GetSubscriberCount("L") == 1 }), ShouldBeTrue)

			for i := 0; i <= sendBufferSize; i++ {
				hub.PublishTableEvent(domain.TableEvent{Kind: domain.TableUpdated, LobbyID: "L", TableID: i})
			}

			Convey("Then it is disconnected instead of missing events", func() {
				So(waitUntil(func() bool { return hub.GetTotalConnections() == 0 }), ShouldBeTrue)
				So(len(slow.send), ShouldEqual, sendBufferSize)
				closed := false
				select {
				case <-slow.done:
					closed = true
				default:
				}
				So(closed, ShouldBeTrue)

				var p *domain.Player
				select {
				case p = <-gone:
				case <-time.After(2 * time.Second):
				}
				So(p, ShouldNotBeNil)
				So(p.BodyOID, ShouldEqual, 7)
			})

			Convey("And late acknowledgements to it do not panic", func() {
				So(waitUntil(func() bool { return hub.GetTotalConnections() == 0 }), ShouldBeTrue)
				So(func() { slow.sendAck(MessageTypeSubscribed, "L") }, ShouldNotPanic)
			})
		})
	})
}

func waitUntil(cond func() bool) bool {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}
