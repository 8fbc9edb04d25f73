package session_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/lobby-ratings/internal/config"
	"github.com/lobby-ratings/internal/domain"
	"github.com/lobby-ratings/internal/session"
	"github.com/lobby-ratings/internal/worker"
	. "github.com/smartystreets/goconvey/convey"
)

type memoryStore struct {
	mu       sync.Mutex
	rows     map[int]domain.Rating
	sets     []domain.RatingRecord
	loads    int
	failSets int
	gate     chan struct{}
}

func newMemoryStore() *memoryStore {
	return &memoryStore{rows: make(map[int]domain.Rating)}
}

func (m *memoryStore) GetMany(ctx context.Context, _ int, playerIDs []int) (map[int]domain.Rating, error) {
	m.mu.Lock()
	gate := m.gate
	m.loads++
	m.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[int]domain.Rating)
	for _, id := range playerIDs {
		if r, ok := m.rows[id]; ok {
			out[id] = r
		}
	}
	return out, nil
}

func (m *memoryStore) Set(_ context.Context, rec domain.RatingRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failSets > 0 {
		m.failSets--
		return errors.New("connection reset")
	}
	m.rows[rec.PlayerID] = rec.Value()
	m.sets = append(m.sets, rec)
	return nil
}

func (m *memoryStore) row(id int) (domain.Rating, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rows[id]
	return r, ok
}

func (m *memoryStore) loadCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loads
}

type memoryScores struct {
	mu     sync.Mutex
	values []float64
}

func (m *memoryScores) Record(_ context.Context, _ int, _ string, v float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values = append(m.values, v)
	return nil
}

func (m *memoryScores) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.values)
}

type goExecutor struct{}

func (goExecutor) Go(ctx context.Context, task worker.Task) { go task(ctx) }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func ratingConfig() *config.RatingConfig {
	cfg := config.DefaultConfig().Rating
	return &cfg
}

var (
	creator  = &domain.Player{BodyOID: 101, PlayerID: 1, Name: "carol"}
	defender = &domain.Player{BodyOID: 102, PlayerID: 2, Name: "dave"}
	guest    = &domain.Player{BodyOID: 103, Name: "guest"}
	started  = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
)

func newCoordinator(store *memoryStore, scores *memoryScores) *session.Coordinator {
	c := session.NewCoordinator(9, 4, store, scores, goExecutor{}, ratingConfig(), testLogger())
	c.Start(context.Background())
	return c
}

func carolWins(after time.Duration) domain.MatchOutcome {
	return domain.MatchOutcome{Winners: []bool{true, false}, EndedAt: started.Add(after)}
}

func TestCoordinator_RatesMatch(t *testing.T) {
	Convey("Given two new players starting a rated match", t, func() {
		ctx := context.Background()
		store := newMemoryStore()
		scores := &memoryScores{}
		c := newCoordinator(store, scores)
		c.GameWillStart([]*domain.Player{creator, defender}, started)
		So(c.Settle(ctx), ShouldBeNil)

		Convey("Then both start from the default rating", func() {
			snap, err := c.Snapshot(ctx)
			So(err, ShouldBeNil)
			So(snap.State, ShouldEqual, session.Active)
			So(snap.Ratings[1].Rating, ShouldResemble, domain.Rating{Rating: 1200})
			So(snap.Ratings[2].BodyOID, ShouldEqual, 102)
		})

		Convey("When the creator wins after 200 seconds", func() {
			outcome := carolWins(200 * time.Second)
			outcome.Scores = []float64{40, 12}
			c.GameDidEnd(outcome)
			So(c.Settle(ctx), ShouldBeNil)

			Convey("Then both new ratings are persisted", func() {
				r1, _ := store.row(1)
				r2, _ := store.row(2)
				So(r1, ShouldResemble, domain.Rating{Rating: 1232, Experience: 1})
				So(r2, ShouldResemble, domain.Rating{Rating: 1168, Experience: 1})
			})

			Convey("And the session is done with nothing left unsaved", func() {
				snap, _ := c.Snapshot(ctx)
				So(snap.State, ShouldEqual, session.Done)
				So(snap.Ratings[1].Modified, ShouldBeFalse)
				So(snap.Ratings[2].Modified, ShouldBeFalse)
			})

			Convey("And the scores reach the percentile tracker", func() {
				So(scores.count(), ShouldEqual, 2)
			})
		})

		Convey("When the match ends too quickly", func() {
			c.GameDidEnd(carolWins(30 * time.Second))
			So(c.Settle(ctx), ShouldBeNil)

			Convey("Then nothing is rated or written", func() {
				_, ok := store.row(1)
				So(ok, ShouldBeFalse)
				snap, _ := c.Snapshot(ctx)
				So(snap.State, ShouldEqual, session.Done)
				So(snap.Ratings[1].Rating.Rating, ShouldEqual, 1200)
			})
		})

		Reset(func() {
			_ = c.Close(ctx)
		})
	})
}

func TestCoordinator_EstablishedPlayers(t *testing.T) {
	Convey("Given two established players of equal rating", t, func() {
		ctx := context.Background()
		store := newMemoryStore()
		store.rows[1] = domain.Rating{Rating: 1500, Experience: 50}
		store.rows[2] = domain.Rating{Rating: 1500, Experience: 50}
		c := newCoordinator(store, nil)
		defer func() { _ = c.Close(ctx) }()

		c.GameWillStart([]*domain.Player{creator, defender}, started)
		So(c.Settle(ctx), ShouldBeNil)
		c.GameDidEnd(carolWins(5 * time.Minute))
		So(c.Settle(ctx), ShouldBeNil)

		Convey("Then the exchange is zero-sum with K=32", func() {
			r1, _ := store.row(1)
			r2, _ := store.row(2)
			So(r1, ShouldResemble, domain.Rating{Rating: 1516, Experience: 51})
			So(r2, ShouldResemble, domain.Rating{Rating: 1484, Experience: 51})
		})
	})

	Convey("Given a rated player seated only with a guest", t, func() {
		ctx := context.Background()
		store := newMemoryStore()
		c := newCoordinator(store, nil)
		defer func() { _ = c.Close(ctx) }()

		c.GameWillStart([]*domain.Player{creator, guest}, started)
		So(c.Settle(ctx), ShouldBeNil)
		c.GameDidEnd(carolWins(5 * time.Minute))
		So(c.Settle(ctx), ShouldBeNil)

		Convey("Then there is no opponent and nothing is written", func() {
			_, ok := store.row(1)
			So(ok, ShouldBeFalse)
			snap, _ := c.Snapshot(ctx)
			So(snap.Ratings, ShouldHaveLength, 1)
			So(snap.Ratings[1].Modified, ShouldBeFalse)
		})
	})
}

func TestCoordinator_LateLoad(t *testing.T) {
	Convey("Given a match whose rating load is slow", t, func() {
		ctx := context.Background()
		store := newMemoryStore()
		store.gate = make(chan struct{})
		c := newCoordinator(store, nil)

		c.GameWillStart([]*domain.Player{creator, defender}, started)
		c.GameDidEnd(carolWins(5 * time.Minute))

		Convey("When the load completes after the match ended", func() {
			close(store.gate)
			So(c.Settle(ctx), ShouldBeNil)

			Convey("Then the result is discarded and nothing is written", func() {
				snap, _ := c.Snapshot(ctx)
				So(snap.State, ShouldEqual, session.Done)
				So(snap.Ratings, ShouldBeEmpty)
				_, ok := store.row(1)
				So(ok, ShouldBeFalse)
			})
		})

		Reset(func() {
			_ = c.Close(ctx)
		})
	})
}

func TestCoordinator_Persistence(t *testing.T) {
	Convey("Given a match whose first rating save fails", t, func() {
		ctx := context.Background()
		store := newMemoryStore()
		store.failSets = 1
		c := newCoordinator(store, nil)

		c.GameWillStart([]*domain.Player{creator, defender}, started)
		So(c.Settle(ctx), ShouldBeNil)
		c.GameDidEnd(carolWins(5 * time.Minute))
		So(c.Settle(ctx), ShouldBeNil)

		Convey("Then one rating stays modified in memory", func() {
			snap, _ := c.Snapshot(ctx)
			unsaved := 0
			for _, pr := range snap.Ratings {
				if pr.Modified {
					unsaved++
				}
			}
			So(unsaved, ShouldEqual, 1)
			So(store.sets, ShouldHaveLength, 1)
		})

		Convey("When the coordinator closes", func() {
			So(c.Close(ctx), ShouldBeNil)

			Convey("Then the failed save is retried", func() {
				r1, _ := store.row(1)
				r2, _ := store.row(2)
				So(r1.Rating, ShouldEqual, 1232)
				So(r2.Rating, ShouldEqual, 1168)
			})
		})

		Convey("When the unsaved player leaves", func() {
			snap, _ := c.Snapshot(ctx)
			var body int
			for _, pr := range snap.Ratings {
				if pr.Modified {
					body = pr.BodyOID
				}
			}
			c.BodyLeft(body)
			So(c.Settle(ctx), ShouldBeNil)

			Convey("Then their rating is written at once", func() {
				So(store.sets, ShouldHaveLength, 2)
				after, _ := c.Snapshot(ctx)
				for _, pr := range after.Ratings {
					So(pr.Modified, ShouldBeFalse)
				}
			})
		})

		Reset(func() {
			_ = c.Close(ctx)
		})
	})
}

func TestCoordinator_BodyEntered(t *testing.T) {
	Convey("Given a match in play", t, func() {
		ctx := context.Background()
		store := newMemoryStore()
		c := newCoordinator(store, nil)
		defer func() { _ = c.Close(ctx) }()

		c.GameWillStart([]*domain.Player{creator, nil}, started)
		So(c.Settle(ctx), ShouldBeNil)
		So(store.loadCount(), ShouldEqual, 1)

		Convey("When the same session re-enters", func() {
			c.BodyEntered(creator, 0)
			So(c.Settle(ctx), ShouldBeNil)

			Convey("Then no load is issued", func() {
				So(store.loadCount(), ShouldEqual, 1)
			})
		})

		Convey("When the player returns with a new session", func() {
			returned := &domain.Player{BodyOID: 201, PlayerID: 1, Name: "carol"}
			c.BodyEntered(returned, 0)
			So(c.Settle(ctx), ShouldBeNil)

			Convey("Then the rating is reloaded under the new session", func() {
				So(store.loadCount(), ShouldEqual, 2)
				snap, _ := c.Snapshot(ctx)
				So(snap.Ratings[1].BodyOID, ShouldEqual, 201)
			})
		})

		Convey("When a new player takes the empty seat and the match ends", func() {
			c.BodyEntered(defender, 1)
			So(c.Settle(ctx), ShouldBeNil)
			c.GameDidEnd(carolWins(5 * time.Minute))
			So(c.Settle(ctx), ShouldBeNil)

			Convey("Then they are rated from that seat", func() {
				r2, ok := store.row(2)
				So(ok, ShouldBeTrue)
				So(r2.Rating, ShouldEqual, 1168)
			})
		})

		Convey("When a guest enters", func() {
			c.BodyEntered(guest, 1)
			So(c.Settle(ctx), ShouldBeNil)
			So(store.loadCount(), ShouldEqual, 1)
		})
	})
}
