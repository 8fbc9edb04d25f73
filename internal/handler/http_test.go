package handler_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/lobby-ratings/internal/config"
	"github.com/lobby-ratings/internal/domain"
	"github.com/lobby-ratings/internal/handler"
	"github.com/lobby-ratings/internal/percentile"
	"github.com/lobby-ratings/internal/service"
	"github.com/lobby-ratings/internal/table"
	"github.com/lobby-ratings/internal/websocket"
	. "github.com/smartystreets/goconvey/convey"
)

type countingGames struct {
	mu   sync.Mutex
	next int
}

func (g *countingGames) CreateGame(context.Context, *domain.Table, []*domain.Player) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.next++
	return 900 + g.next, nil
}

// memoryRepo keeps rating rows in a map keyed by game then player.
type memoryRepo struct {
	mu   sync.Mutex
	rows map[int]map[int]domain.RatingRecord
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{rows: make(map[int]map[int]domain.RatingRecord)}
}

func (m *memoryRepo) GetRating(_ context.Context, gameID, playerID int) (domain.Rating, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.rows[gameID][playerID]
	if !ok {
		return domain.Rating{}, domain.ErrRatingNotFound
	}
	return rec.Value(), nil
}

func (m *memoryRepo) GetRatings(_ context.Context, gameID int, playerIDs []int) (map[int]domain.Rating, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[int]domain.Rating)
	for _, id := range playerIDs {
		if rec, ok := m.rows[gameID][id]; ok {
			out[id] = rec.Value()
		}
	}
	return out, nil
}

func (m *memoryRepo) SetRating(_ context.Context, rec domain.RatingRecord) (domain.RatingRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rows[rec.GameID] == nil {
		m.rows[rec.GameID] = make(map[int]domain.RatingRecord)
	}
	m.rows[rec.GameID][rec.PlayerID] = rec
	return rec, nil
}

func (m *memoryRepo) BatchSetRatings(ctx context.Context, recs []domain.RatingRecord) ([]domain.RatingRecord, error) {
	for _, rec := range recs {
		if _, err := m.SetRating(ctx, rec); err != nil {
			return nil, err
		}
	}
	return recs, nil
}

func (m *memoryRepo) GetTopRatings(_ context.Context, q domain.TopRatingsQuery) ([]domain.RatingRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.RatingRecord
	for _, rec := range m.rows[q.GameID] {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Rating > out[j].Rating })
	if len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (m *memoryRepo) DeleteRating(_ context.Context, gameID, playerID int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[gameID][playerID]; !ok {
		return domain.ErrRatingNotFound
	}
	delete(m.rows[gameID], playerID)
	return nil
}

func (m *memoryRepo) PurgeGame(_ context.Context, gameID int) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := int64(len(m.rows[gameID]))
	delete(m.rows, gameID)
	return n, nil
}

func (m *memoryRepo) PurgePlayers(_ context.Context, playerIDs []int) ([]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var games []int
	for gameID, rows := range m.rows {
		for _, id := range playerIDs {
			if _, ok := rows[id]; ok {
				delete(rows, id)
				games = append(games, gameID)
			}
		}
	}
	return games, nil
}

func (m *memoryRepo) LoadPercentile(context.Context, int, string) ([]byte, error) {
	return nil, domain.ErrPercentileNotFound
}

func (m *memoryRepo) SavePercentile(context.Context, int, string, []byte) error {
	return nil
}

type recordingEvents struct {
	mu     sync.Mutex
	events []domain.MatchEvent
}

func (r *recordingEvents) Handle(_ context.Context, ev domain.MatchEvent) error {
	if ev.MatchID <= 0 {
		return domain.ErrInvalidRequest
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

type fixture struct {
	server  *httptest.Server
	repo    *memoryRepo
	tracker *percentile.Tracker
	events  *recordingEvents
	ready   error
}

func newFixture() *fixture {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.DefaultConfig()
	f := &fixture{repo: newMemoryRepo(), events: &recordingEvents{}}

	ratings := service.NewRatingService(f.repo, nil, &cfg.Rating, logger)
	f.tracker = percentile.NewTracker(nil, logger)
	lobbies := table.NewLobbies(&countingGames{}, table.NewSimulantRegistry(), nil, &cfg.Tables, logger)

	h := handler.NewHandler(handler.Dependencies{
		Ratings:     ratings,
		Percentiles: f.tracker,
		Lobbies:     lobbies,
		Invitations: table.NewInvitations(lobbies, nil, logger),
		Hub:         websocket.NewHub(nil, logger),
		Events:      f.events,
		Checks: map[string]handler.ReadinessCheck{
			"postgres": func(context.Context) error { return f.ready },
		},
	}, logger)
	f.server = httptest.NewServer(h.Router())
	return f
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

func (f *fixture) do(method, path string, body int, payload string) (int, envelope) {
	var reader io.Reader
	if payload != "" {
		reader = strings.NewReader(payload)
	}
	req, _ := http.NewRequest(method, f.server.URL+path, reader)
	if body > 0 {
		req.Header.Set(handler.HeaderBodyOID, strconv.Itoa(body))
		req.Header.Set(handler.HeaderPlayerID, strconv.Itoa(body+100))
		req.Header.Set(handler.HeaderPlayerName, "p"+strconv.Itoa(body))
	}
	resp, err := http.DefaultClient.Do(req)
	So(err, ShouldBeNil)
	defer resp.Body.Close()

	var env envelope
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		So(json.NewDecoder(resp.Body).Decode(&env), ShouldBeNil)
	}
	return resp.StatusCode, env
}

func TestTableRoutes(t *testing.T) {
	Convey("Given the HTTP API over an auto-starting lobby", t, func() {
		f := newFixture()
		defer f.server.Close()
		const tables = "/api/v1/lobbies/main/tables"
		create := `{"table_config":{"desired_player_count":2},"game_config":{"game_ident":"chess","game_id":7,"rated":true}}`

		Convey("Creating without identity is unauthorized", func() {
			status, env := f.do(http.MethodPost, tables, 0, create)
			So(status, ShouldEqual, http.StatusUnauthorized)
			So(env.Success, ShouldBeFalse)
		})

		Convey("When a player creates a table", func() {
			status, env := f.do(http.MethodPost, tables, 1, create)
			So(status, ShouldEqual, http.StatusCreated)
			var created domain.Table
			So(json.Unmarshal(env.Data, &created), ShouldBeNil)
			So(created.TableID, ShouldEqual, 1)
			So(created.Players[0].BodyOID, ShouldEqual, 1)

			Convey("Then it is listed", func() {
				status, env := f.do(http.MethodGet, tables, 0, "")
				So(status, ShouldEqual, http.StatusOK)
				var list []domain.Table
				So(json.Unmarshal(env.Data, &list), ShouldBeNil)
				So(list, ShouldHaveLength, 1)
			})

			Convey("Then a second create is a conflict with a reason", func() {
				status, env := f.do(http.MethodPost, tables, 1, create)
				So(status, ShouldEqual, http.StatusConflict)
				So(env.Error, ShouldContainSubstring, "already seated")
			})

			Convey("Then an out-of-range seat is a bad request", func() {
				status, _ := f.do(http.MethodPost, tables+"/1/join", 2, `{"position":5}`)
				So(status, ShouldEqual, http.StatusBadRequest)
			})

			Convey("Then an unknown table is not found", func() {
				status, _ := f.do(http.MethodPost, tables+"/9/join", 2, `{"position":1}`)
				So(status, ShouldEqual, http.StatusNotFound)
			})

			Convey("Then only the owner may start it", func() {
				status, _ := f.do(http.MethodPost, tables+"/1/start", 2, "")
				So(status, ShouldEqual, http.StatusForbidden)
			})

			Convey("When a second player fills it", func() {
				status, env := f.do(http.MethodPost, tables+"/1/join", 2, `{"position":1}`)
				So(status, ShouldEqual, http.StatusOK)
				var started domain.Table
				So(json.Unmarshal(env.Data, &started), ShouldBeNil)

				Convey("Then the game starts and the table leaves the lobby", func() {
					So(started.GameOID, ShouldEqual, 901)
					status, env := f.do(http.MethodGet, tables+"/1", 0, "")
					So(status, ShouldEqual, http.StatusNotFound)
					So(env.Error, ShouldNotBeEmpty)
				})
			})

			Convey("When the owner leaves", func() {
				status, _ := f.do(http.MethodPost, tables+"/1/leave", 1, "")
				So(status, ShouldEqual, http.StatusOK)

				Convey("Then the empty table is gone", func() {
					_, env := f.do(http.MethodGet, tables, 0, "")
					So(string(env.Data), ShouldEqual, "[]")
				})
			})
		})

		Convey("Invitations flow between two players", func() {
			invite := `{"lobby_id":"main","invitee":{"body_oid":2,"player_id":102},"config":{"game_ident":"chess","game_id":7}}`
			status, env := f.do(http.MethodPost, "/api/v1/invitations", 1, invite)
			So(status, ShouldEqual, http.StatusCreated)
			var inv domain.Invitation
			So(json.Unmarshal(env.Data, &inv), ShouldBeNil)

			status, _ = f.do(http.MethodPost, "/api/v1/invitations/"+inv.InviteID+"/respond", 3, `{"state":"accepted"}`)
			So(status, ShouldEqual, http.StatusForbidden)

			status, env = f.do(http.MethodPost, "/api/v1/invitations/"+inv.InviteID+"/respond", 2, `{"state":"accepted"}`)
			So(status, ShouldEqual, http.StatusOK)
			So(json.Unmarshal(env.Data, &inv), ShouldBeNil)
			So(inv.State, ShouldEqual, domain.InvitationAccepted)
		})
	})
}

func TestRatingRoutes(t *testing.T) {
	Convey("Given stored ratings and recorded scores", t, func() {
		f := newFixture()
		defer f.server.Close()
		ctx := context.Background()
		for i, r := range []int{1300, 1500, 1250} {
			_, _ = f.repo.SetRating(ctx, domain.RatingRecord{GameID: 7, PlayerID: 101 + i, Rating: r, Experience: 25})
		}
		for i := 0; i < 100; i++ {
			So(f.tracker.Record(ctx, 7, percentile.ScoreTracker, float64(i)), ShouldBeNil)
		}

		Convey("The leaderboard is ordered and limited", func() {
			status, env := f.do(http.MethodGet, "/api/v1/games/7/ratings/top?limit=2", 0, "")
			So(status, ShouldEqual, http.StatusOK)
			var rows []handler.RatingView
			So(json.Unmarshal(env.Data, &rows), ShouldBeNil)
			So(rows, ShouldHaveLength, 2)
			So(rows[0].Rating, ShouldEqual, 1500)
			So(rows[0].Provisional, ShouldBeFalse)
		})

		Convey("A malformed max_age is rejected", func() {
			status, _ := f.do(http.MethodGet, "/api/v1/games/7/ratings/top?max_age=soon", 0, "")
			So(status, ShouldEqual, http.StatusBadRequest)
		})

		Convey("Single ratings are read and deleted", func() {
			status, _ := f.do(http.MethodGet, "/api/v1/games/7/ratings/102", 0, "")
			So(status, ShouldEqual, http.StatusOK)
			status, _ = f.do(http.MethodDelete, "/api/v1/games/7/ratings/102", 0, "")
			So(status, ShouldEqual, http.StatusOK)
			status, _ = f.do(http.MethodGet, "/api/v1/games/7/ratings/102", 0, "")
			So(status, ShouldEqual, http.StatusNotFound)
		})

		Convey("Players are purged across games", func() {
			status, _ := f.do(http.MethodPost, "/api/v1/ratings/purge", 0, `{"player_ids":[101,103]}`)
			So(status, ShouldEqual, http.StatusOK)
			_, err := f.repo.GetRating(ctx, 7, 101)
			So(errors.Is(err, domain.ErrRatingNotFound), ShouldBeTrue)

			status, _ = f.do(http.MethodPost, "/api/v1/ratings/purge", 0, `{"player_ids":[]}`)
			So(status, ShouldEqual, http.StatusBadRequest)
		})

		Convey("Percentiles answer both directions", func() {
			status, env := f.do(http.MethodGet, "/api/v1/games/7/percentiles/score?score=50", 0, "")
			So(status, ShouldEqual, http.StatusOK)
			So(string(env.Data), ShouldContainSubstring, `"percentile":`)

			status, env = f.do(http.MethodGet, "/api/v1/games/7/percentiles/score?percentile=90", 0, "")
			So(status, ShouldEqual, http.StatusOK)
			So(string(env.Data), ShouldContainSubstring, `"required_score":`)

			status, _ = f.do(http.MethodGet, "/api/v1/games/7/percentiles/score?percentile=150", 0, "")
			So(status, ShouldEqual, http.StatusBadRequest)
		})
	})
}

func TestOperationalRoutes(t *testing.T) {
	Convey("Given the HTTP API", t, func() {
		f := newFixture()
		defer f.server.Close()

		Convey("Health always answers", func() {
			status, env := f.do(http.MethodGet, "/health", 0, "")
			So(status, ShouldEqual, http.StatusOK)
			So(env.Success, ShouldBeTrue)
		})

		Convey("Readiness reflects the checks", func() {
			status, _ := f.do(http.MethodGet, "/ready", 0, "")
			So(status, ShouldEqual, http.StatusOK)

			f.ready = errors.New("connection refused")
			status, env := f.do(http.MethodGet, "/ready", 0, "")
			So(status, ShouldEqual, http.StatusServiceUnavailable)
			So(string(env.Data), ShouldContainSubstring, "postgres")
		})

		Convey("Match events are accepted or rejected", func() {
			status, _ := f.do(http.MethodPost, "/api/v1/matches/events", 0,
				`{"type":"game_did_end","match_id":12,"winners":[true,false]}`)
			So(status, ShouldEqual, http.StatusAccepted)
			So(f.events.events, ShouldHaveLength, 1)

			status, _ = f.do(http.MethodPost, "/api/v1/matches/events", 0, `{"type":"game_did_end"}`)
			So(status, ShouldEqual, http.StatusBadRequest)

			status, _ = f.do(http.MethodPost, "/api/v1/matches/events", 0, `{"match_id":3}`)
			So(status, ShouldEqual, http.StatusBadRequest)
		})

		Convey("Metrics are exposed", func() {
			resp, err := http.Get(f.server.URL + "/metrics")
			So(err, ShouldBeNil)
			defer resp.Body.Close()
			So(resp.StatusCode, ShouldEqual, http.StatusOK)
		})
	})
}
