package handler

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/lobby-ratings/internal/domain"
)

// RatingView is one leaderboard row.
type RatingView struct {
	domain.RatingRecord
	Provisional bool `json:"provisional"`
}

// PurgePlayersRequest is the body of a player purge.
type PurgePlayersRequest struct {
	PlayerIDs []int `json:"player_ids"`
}

// GetTopRatings returns a game's leaderboard. ?max_age= takes a duration
// and ?players= a comma-separated id list.
func (h *Handler) GetTopRatings(w http.ResponseWriter, r *http.Request) {
	gameID, err := intParam(r, "gameID")
	if err != nil {
		h.writeFailure(w, "top ratings", err)
		return
	}

	q := domain.TopRatingsQuery{GameID: gameID}
	query := r.URL.Query()
	if limitStr := query.Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 {
			q.Limit = l
		}
	}
	if ageStr := query.Get("max_age"); ageStr != "" {
		age, err := time.ParseDuration(ageStr)
		if err != nil || age < 0 {
			h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
			return
		}
		q.MaxAge = age
	}
	if playersStr := query.Get("players"); playersStr != "" {
		for _, raw := range strings.Split(playersStr, ",") {
			id, err := strconv.Atoi(strings.TrimSpace(raw))
			if err != nil {
				h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
				return
			}
			q.PlayerIDs = append(q.PlayerIDs, id)
		}
	}

	records, err := h.ratings.GetTopRatings(r.Context(), q)
	if err != nil {
		h.writeFailure(w, "top ratings", err)
		return
	}
	rows := make([]RatingView, len(records))
	for i, rec := range records {
		rows[i] = RatingView{RatingRecord: rec, Provisional: rec.Value().IsProvisional()}
	}
	h.writeSuccess(w, rows)
}

// GetRating returns one player's rating in a game
func (h *Handler) GetRating(w http.ResponseWriter, r *http.Request) {
	gameID, playerID, ok := h.ratingTarget(w, r, "get rating")
	if !ok {
		return
	}
	rating, err := h.ratings.Get(r.Context(), gameID, playerID)
	if err != nil {
		h.writeFailure(w, "get rating", err)
		return
	}
	h.writeSuccess(w, map[string]any{
		"game_id":     gameID,
		"player_id":   playerID,
		"rating":      rating.Rating,
		"experience":  rating.Experience,
		"provisional": rating.IsProvisional(),
	})
}

// DeleteRating removes one player's rating in a game
func (h *Handler) DeleteRating(w http.ResponseWriter, r *http.Request) {
	gameID, playerID, ok := h.ratingTarget(w, r, "delete rating")
	if !ok {
		return
	}
	if err := h.ratings.Delete(r.Context(), gameID, playerID); err != nil {
		h.writeFailure(w, "delete rating", err)
		return
	}
	h.writeSuccess(w, map[string]string{"status": "deleted"})
}

// PurgeGame removes every rating of a game
func (h *Handler) PurgeGame(w http.ResponseWriter, r *http.Request) {
	gameID, err := intParam(r, "gameID")
	if err != nil {
		h.writeFailure(w, "purge game", err)
		return
	}
	n, err := h.ratings.PurgeGame(r.Context(), gameID)
	if err != nil {
		h.writeFailure(w, "purge game", err)
		return
	}
	h.writeSuccess(w, map[string]any{"status": "purged", "removed": n})
}

// PurgePlayers removes every rating of the listed players
func (h *Handler) PurgePlayers(w http.ResponseWriter, r *http.Request) {
	var req PurgePlayersRequest
	if err := decode(r, &req); err != nil {
		h.writeFailure(w, "purge players", err)
		return
	}
	if err := h.ratings.PurgePlayers(r.Context(), req.PlayerIDs); err != nil {
		h.writeFailure(w, "purge players", err)
		return
	}
	h.writeSuccess(w, map[string]any{"status": "purged", "players": len(req.PlayerIDs)})
}

// GetPercentile answers ?score= with its percentile rank and ?percentile=
// with the score needed to reach it. Without either it describes the
// histogram.
func (h *Handler) GetPercentile(w http.ResponseWriter, r *http.Request) {
	gameID, err := intParam(r, "gameID")
	if err != nil {
		h.writeFailure(w, "percentile", err)
		return
	}
	name := chi.URLParam(r, "name")
	query := r.URL.Query()

	switch {
	case query.Has("score"):
		score, err := strconv.ParseFloat(query.Get("score"), 64)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
			return
		}
		pct, err := h.percentiles.Percentile(r.Context(), gameID, name, score)
		if err != nil {
			h.writeFailure(w, "percentile", err)
			return
		}
		h.writeSuccess(w, map[string]any{"game_id": gameID, "name": name, "score": score, "percentile": pct})

	case query.Has("percentile"):
		pct, err := strconv.Atoi(query.Get("percentile"))
		if err != nil || pct < 0 || pct > 100 {
			h.writeError(w, http.StatusBadRequest, domain.ErrInvalidRequest)
			return
		}
		score, err := h.percentiles.RequiredScore(r.Context(), gameID, name, pct)
		if err != nil {
			h.writeFailure(w, "percentile", err)
			return
		}
		h.writeSuccess(w, map[string]any{"game_id": gameID, "name": name, "percentile": pct, "required_score": score})

	default:
		summary, err := h.percentiles.Summary(r.Context(), gameID, name)
		if err != nil {
			h.writeFailure(w, "percentile", err)
			return
		}
		h.writeSuccess(w, summary)
	}
}

func (h *Handler) ratingTarget(w http.ResponseWriter, r *http.Request, op string) (int, int, bool) {
	gameID, err := intParam(r, "gameID")
	if err != nil {
		h.writeFailure(w, op, err)
		return 0, 0, false
	}
	playerID, err := intParam(r, "playerID")
	if err != nil {
		h.writeFailure(w, op, err)
		return 0, 0, false
	}
	return gameID, playerID, true
}
