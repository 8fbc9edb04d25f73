package rating_test

import (
	"math/rand"
	"testing"

	"github.com/lobby-ratings/internal/domain"
	"github.com/lobby-ratings/internal/rating"
	. "github.com/smartystreets/goconvey/convey"
)

func r(value, experience int) *domain.Rating {
	return &domain.Rating{Rating: value, Experience: experience}
}

func TestKFactor(t *testing.T) {
	Convey("Given ratings at each K-factor band", t, func() {
		So(rating.KFactor(domain.Rating{Rating: 2500, Experience: 3}), ShouldEqual, 64)
		So(rating.KFactor(domain.Rating{Rating: 1500, Experience: 20}), ShouldEqual, 32)
		So(rating.KFactor(domain.Rating{Rating: 2100, Experience: 20}), ShouldEqual, 24)
		So(rating.KFactor(domain.Rating{Rating: 2399, Experience: 40}), ShouldEqual, 24)
		So(rating.KFactor(domain.Rating{Rating: 2400, Experience: 40}), ShouldEqual, 16)
	})
}

func TestComputeAdjustment(t *testing.T) {
	Convey("Given two established players rated 1500", t, func() {
		a := domain.Rating{Rating: 1500, Experience: 50}
		b := domain.Rating{Rating: 1500, Experience: 50}

		Convey("When the first wins", func() {
			winner := rating.ComputeAdjustment(rating.Win, b.Rating, a)
			loser := rating.ComputeAdjustment(rating.Loss, a.Rating, b)

			Convey("Then the adjustments cancel out with K=32", func() {
				So(winner, ShouldEqual, 16)
				So(loser, ShouldEqual, -16)
				So(winner+loser, ShouldEqual, 0)
			})
		})

		Convey("When they draw", func() {
			So(rating.ComputeAdjustment(rating.Draw, b.Rating, a), ShouldEqual, 0)
		})
	})
}

func TestComputeRating(t *testing.T) {
	Convey("Given a match with a single rated player", t, func() {
		ratings := []*domain.Rating{nil, r(1400, 30)}

		Convey("Then the player cannot be rated", func() {
			So(rating.ComputeRating(ratings, 1, rating.Win), ShouldEqual, rating.Unrated)
		})

		Convey("And an empty seat cannot be rated", func() {
			So(rating.ComputeRating(ratings, 0, rating.Win), ShouldEqual, rating.Unrated)
		})
	})

	Convey("Given an established player against a provisional 1800", t, func() {
		established := r(1500, 25)
		provisional := r(1800, 5)

		Convey("Then the opponent counts as 1200", func() {
			capped := rating.ComputeRating([]*domain.Rating{established, provisional}, 0, rating.Win)
			manual := rating.ComputeRating([]*domain.Rating{established, r(1200, 40)}, 0, rating.Win)
			So(capped, ShouldEqual, manual)
		})

		Convey("And the provisional player sees the real rating", func() {
			got := rating.ComputeRating([]*domain.Rating{established, provisional}, 1, rating.Loss)
			// 1800 loses to 1500: We = 1/(10^(-300/400)+1), K = 64
			So(got, ShouldEqual, 1746)
		})
	})

	Convey("Given two fresh players at the default rating", t, func() {
		ratings := []*domain.Rating{r(1200, 0), r(1200, 0)}

		Convey("When the first wins", func() {
			next := rating.ComputeMatch(ratings, domain.MatchOutcome{Winners: []bool{true, false}})

			Convey("Then the winner gains 32 and the loser drops 32", func() {
				So(next, ShouldResemble, []int{1232, 1168})
			})
		})

		Convey("When the match is drawn", func() {
			next := rating.ComputeMatch(ratings, domain.MatchOutcome{Draw: true})
			So(next, ShouldResemble, []int{1200, 1200})
		})
	})

	Convey("Given several opponents", t, func() {
		ratings := []*domain.Rating{r(1500, 50), r(1500, 50), nil, r(1500, 50)}

		Convey("Then the adjustment is averaged", func() {
			So(rating.ComputeRating(ratings, 0, rating.Win), ShouldEqual, 1516)
		})
	})

	Convey("Given ratings at the edges of the legal range", t, func() {
		Convey("Then a win never exceeds the maximum", func() {
			So(rating.ComputeRating([]*domain.Rating{r(2999, 5), r(3000, 5)}, 0, rating.Win), ShouldEqual, domain.MaximumRating)
		})

		Convey("And a loss never drops below the minimum", func() {
			So(rating.ComputeRating([]*domain.Rating{r(1001, 0), r(1001, 0)}, 0, rating.Loss), ShouldEqual, domain.MinimumRating)
		})
	})

	Convey("Given a long random sequence of matches", t, func() {
		rng := rand.New(rand.NewSource(7))
		pool := make([]*domain.Rating, 12)
		for i := range pool {
			pool[i] = r(domain.MinimumRating+rng.Intn(domain.MaximumRating-domain.MinimumRating+1), rng.Intn(40))
		}

		inBounds := true
		for round := 0; round < 2000; round++ {
			size := 2 + rng.Intn(3)
			seats := make([]*domain.Rating, size)
			for i := range seats {
				seats[i] = pool[rng.Intn(len(pool))]
			}
			winners := make([]bool, size)
			winners[rng.Intn(size)] = true
			next := rating.ComputeMatch(seats, domain.MatchOutcome{Winners: winners})
			for i, nr := range next {
				if nr == rating.Unrated {
					continue
				}
				if nr < domain.MinimumRating || nr > domain.MaximumRating {
					inBounds = false
				}
				seats[i].Rating = nr
				seats[i].Experience++
			}
		}

		Convey("Then every rating stays within bounds", func() {
			So(inBounds, ShouldBeTrue)
		})
	})
}
