package session_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/lobby-ratings/internal/domain"
	"github.com/lobby-ratings/internal/session"
	. "github.com/smartystreets/goconvey/convey"
)

type recordingObserver struct {
	calls []string
	last  session.Match
}

func (r *recordingObserver) GameWillStart(_ context.Context, m session.Match, _ []*domain.Player) {
	r.calls = append(r.calls, "start")
	r.last = m
}

func (r *recordingObserver) BodyEntered(_ context.Context, m session.Match, _ *domain.Player, _ int) {
	r.calls = append(r.calls, "entered")
	r.last = m
}

func (r *recordingObserver) BodyLeft(_ context.Context, m session.Match, _ *domain.Player) {
	r.calls = append(r.calls, "left")
	r.last = m
}

func (r *recordingObserver) GameDidEnd(_ context.Context, m session.Match, _ domain.MatchOutcome) {
	r.calls = append(r.calls, "end")
	r.last = m
}

func TestManager_Dispatch(t *testing.T) {
	Convey("Given a manager with two observers", t, func() {
		ctx := context.Background()
		first := &recordingObserver{}
		second := &recordingObserver{}
		m := session.NewManager(testLogger(), first)
		m.Subscribe(second)

		Convey("When lifecycle events arrive", func() {
			events := []domain.MatchEvent{
				{Type: domain.EventGameWillStart, MatchID: 3, GameID: 1, Players: []*domain.Player{creator}},
				{Type: domain.EventBodyEntered, MatchID: 3, Player: defender, Position: 1},
				{Type: domain.EventBodyLeft, MatchID: 3, Player: defender},
				{Type: domain.EventGameDidEnd, MatchID: 3, Winners: []bool{true}, Timestamp: started},
			}
			for _, ev := range events {
				So(m.Handle(ctx, ev), ShouldBeNil)
			}

			Convey("Then every observer sees them in order", func() {
				want := []string{"start", "entered", "left", "end"}
				So(first.calls, ShouldResemble, want)
				So(second.calls, ShouldResemble, want)
				So(second.last.At, ShouldEqual, started)
			})
		})

		Convey("When an event has an unknown type", func() {
			err := m.Handle(ctx, domain.MatchEvent{Type: "game_paused", MatchID: 3})
			So(errors.Is(err, domain.ErrUnknownEventType), ShouldBeTrue)
			So(first.calls, ShouldBeEmpty)
		})

		Convey("When an occupant event has no occupant", func() {
			err := m.Handle(ctx, domain.MatchEvent{Type: domain.EventBodyLeft, MatchID: 3})
			So(errors.Is(err, domain.ErrInvalidRequest), ShouldBeTrue)
		})

		Convey("When an event has no match id", func() {
			err := m.Handle(ctx, domain.MatchEvent{Type: domain.EventGameWillStart})
			So(errors.Is(err, domain.ErrInvalidRequest), ShouldBeTrue)
		})
	})
}

func TestRatingObserver_EndToEnd(t *testing.T) {
	Convey("Given a launcher announcing games to a manager with a rating observer", t, func() {
		ctx := context.Background()
		store := newMemoryStore()
		ratings := session.NewRatingObserver(ctx, store, nil, goExecutor{}, ratingConfig(), testLogger())
		manager := session.NewManager(testLogger(), ratings)
		launcher := session.NewLauncher(manager.Handle, 1000, testLogger())

		table := &domain.Table{
			TableID: 1,
			Config:  domain.GameConfig{GameIdent: "chess", GameID: 4, Rated: true},
		}

		Convey("When a rated table's game is created and played out", func() {
			matchID, err := launcher.CreateGame(ctx, table, []*domain.Player{creator, defender})
			So(err, ShouldBeNil)
			So(matchID, ShouldEqual, 1001)
			So(ratings.ActiveMatches(), ShouldEqual, 1)
			So(ratings.Coordinator(matchID).Settle(ctx), ShouldBeNil)

			So(manager.Handle(ctx, domain.MatchEvent{
				Type:      domain.EventGameDidEnd,
				MatchID:   matchID,
				Winners:   []bool{true, false},
				Timestamp: time.Now().Add(200 * time.Second),
			}), ShouldBeNil)
			So(ratings.Close(ctx), ShouldBeNil)

			Convey("Then the new ratings are persisted and the match retired", func() {
				r1, _ := store.row(1)
				r2, _ := store.row(2)
				So(r1, ShouldResemble, domain.Rating{Rating: 1232, Experience: 1})
				So(r2, ShouldResemble, domain.Rating{Rating: 1168, Experience: 1})
				So(ratings.ActiveMatches(), ShouldEqual, 0)
			})

			Convey("And a redelivered start does not reopen the match", func() {
				So(manager.Handle(ctx, domain.MatchEvent{
					Type:      domain.EventGameWillStart,
					MatchID:   matchID,
					GameID:    4,
					Rated:     true,
					Players:   []*domain.Player{creator, defender},
					Timestamp: time.Now(),
				}), ShouldBeNil)
				So(ratings.Coordinator(matchID), ShouldBeNil)
				So(ratings.ActiveMatches(), ShouldEqual, 0)
			})
		})

		Convey("When an unrated table's game is created", func() {
			table.Config.Rated = false
			matchID, err := launcher.CreateGame(ctx, table, []*domain.Player{creator, defender})
			So(err, ShouldBeNil)

			Convey("Then no rating session is opened", func() {
				So(ratings.Coordinator(matchID), ShouldBeNil)
				So(ratings.ActiveMatches(), ShouldEqual, 0)
			})
		})

		Convey("When announcing the game fails", func() {
			failing := session.NewLauncher(func(context.Context, domain.MatchEvent) error {
				return errors.New("broker down")
			}, 0, testLogger())
			matchID, err := failing.CreateGame(ctx, table, nil)
			So(err, ShouldNotBeNil)
			So(matchID, ShouldEqual, domain.NoGame)
		})
	})
}
