// Package rating computes ELO-style rating adjustments for the players of a
// finished match.
//
// Everything here is pure: no I/O, no shared state, and identical inputs
// produce identical outputs.
package rating

import (
	"math"

	"github.com/lobby-ratings/internal/domain"
)

// Outcome values for a single seat.
const (
	Win  = 1.0
	Draw = 0.5
	Loss = 0.0
)

// Unrated is returned when a rating cannot be computed.
const Unrated = -1

// K-factor thresholds.
const (
	provisionalK = 64
	lowK         = 32
	midK         = 24
	highK        = 16

	lowKCeiling = 2100
	midKCeiling = 2400
)

// KFactor returns the maximum adjustment a single match can apply to r.
func KFactor(r domain.Rating) float64 {
	switch {
	case r.IsProvisional():
		return provisionalK
	case r.Rating < lowKCeiling:
		return lowK
	case r.Rating < midKCeiling:
		return midK
	default:
		return highK
	}
}

// ExpectedScore returns the probability that subject beats an opponent of
// the given rating.
func ExpectedScore(opponentRating int, subject domain.Rating) float64 {
	return 1.0 / (math.Pow(10, float64(opponentRating-subject.Rating)/400.0) + 1)
}

// ComputeAdjustment returns the rating delta for subject after scoring w
// against an opponent of the given rating.
func ComputeAdjustment(w float64, opponentRating int, subject domain.Rating) float64 {
	return KFactor(subject) * (w - ExpectedScore(opponentRating, subject))
}

// ComputeRating returns the new rating for the player at pidx, who scored w
// against every other non-nil entry of ratings. It returns Unrated when
// there is no eligible opponent.
func ComputeRating(ratings []*domain.Rating, pidx int, w float64) int {
	if pidx < 0 || pidx >= len(ratings) || ratings[pidx] == nil {
		return Unrated
	}
	subject := *ratings[pidx]

	var delta float64
	opponents := 0
	for i, opp := range ratings {
		if i == pidx || opp == nil {
			continue
		}
		oppRating := opp.Rating
		// an established player is not rewarded for beating a provisional
		// player's unproven high rating
		if opp.IsProvisional() && !subject.IsProvisional() {
			oppRating = min(oppRating, domain.DefaultRating)
		}
		delta += ComputeAdjustment(w, oppRating, subject)
		opponents++
	}
	if opponents == 0 {
		return Unrated
	}

	next := int(roundHalfUp(float64(subject.Rating) + delta/float64(opponents)))
	return Clamp(next)
}

// Clamp bounds a rating to the legal range.
func Clamp(r int) int {
	return max(domain.MinimumRating, min(r, domain.MaximumRating))
}

// Outcome returns the w value for seat pidx.
func Outcome(o domain.MatchOutcome, pidx int) float64 {
	switch {
	case o.Draw:
		return Draw
	case o.IsWinner(pidx):
		return Win
	default:
		return Loss
	}
}

// ComputeMatch returns the new rating of every seat, computed from the
// pre-match ratings. Seats that cannot be rated hold Unrated.
func ComputeMatch(ratings []*domain.Rating, o domain.MatchOutcome) []int {
	out := make([]int, len(ratings))
	for i := range ratings {
		out[i] = ComputeRating(ratings, i, Outcome(o, i))
	}
	return out
}

func roundHalfUp(x float64) float64 {
	return math.Floor(x + 0.5)
}
