package redis

import (
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
)

func TestScoreEncoding(t *testing.T) {
	Convey("Given a rating and an update time", t, func() {
		updated := time.Date(2026, 3, 14, 15, 9, 26, 0, time.UTC)

		Convey("Then the score decodes back to both", func() {
			rating, at := decodeScore(encodeScore(1874, updated))
			So(rating, ShouldEqual, 1874)
			So(at.Equal(updated), ShouldBeTrue)
		})

		Convey("Then a higher rating always outranks a more recent update", func() {
			older := encodeScore(1500, updated)
			newer := encodeScore(1499, updated.Add(10*365*24*time.Hour))
			So(older, ShouldBeGreaterThan, newer)
		})

		Convey("Then equal ratings order by recency", func() {
			So(encodeScore(1500, updated.Add(time.Second)), ShouldBeGreaterThan, encodeScore(1500, updated))
		})

		Convey("Then the extreme rating is exact", func() {
			rating, at := decodeScore(encodeScore(3000, updated))
			So(rating, ShouldEqual, 3000)
			So(at.Equal(updated), ShouldBeTrue)
		})
	})

	Convey("Given keys for a game", t, func() {
		So(topKey(12), ShouldEqual, "ratings:12:top")
		So(experienceKey(12), ShouldEqual, "ratings:12:experience")
		So(percentileKey(12, "score"), ShouldEqual, "percentile:12:score")
	})
}
