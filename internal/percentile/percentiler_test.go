package percentile_test

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"math"
	"math/rand"
	"testing"

	"github.com/lobby-ratings/internal/domain"
	"github.com/lobby-ratings/internal/percentile"
	. "github.com/smartystreets/goconvey/convey"
)

func TestPercentiler_Empty(t *testing.T) {
	Convey("Given an empty percentiler", t, func() {
		p := percentile.New(percentile.WithRange(0, 100))

		Convey("Then every in-range value maps to the neutral percentile", func() {
			So(p.Percentile(0), ShouldEqual, 50)
			So(p.Percentile(42), ShouldEqual, 50)
			So(p.Percentile(100), ShouldEqual, 50)
		})

		Convey("And values outside the range clamp", func() {
			So(p.Percentile(-1), ShouldEqual, 0)
			So(p.Percentile(101), ShouldEqual, 100)
		})
	})
}

func TestPercentiler_Uniform(t *testing.T) {
	Convey("Given one value in each bucket of [0, 100]", t, func() {
		p := percentile.New(percentile.WithRange(0, 100))
		for i := 0; i < 100; i++ {
			p.RecordValue(float64(i) + 0.5)
		}
		p.RecomputePercentiles()

		Convey("Then the percentile equals the share of values below", func() {
			So(p.Count(), ShouldEqual, 100)
			So(p.Percentile(0.5), ShouldEqual, 0)
			So(p.Percentile(25.5), ShouldEqual, 25)
			So(p.Percentile(99.5), ShouldEqual, 99)
		})

		Convey("And the required score inverts the mapping", func() {
			So(p.RequiredScore(0), ShouldEqual, 0)
			So(p.RequiredScore(40), ShouldEqual, 40)
			So(p.RequiredScore(150), ShouldEqual, 99)
			So(p.RequiredScore(-3), ShouldEqual, 0)
		})
	})
}

func TestPercentiler_Rebalance(t *testing.T) {
	Convey("Given a percentiler over [0, 100] with some history", t, func() {
		p := percentile.New(percentile.WithRange(0, 100))
		for i := 0; i < 50; i++ {
			p.RecordValue(10)
		}

		Convey("When a value above the range arrives", func() {
			p.RecordValue(150)

			Convey("Then the range grows by 20% past the overflow", func() {
				So(p.Min(), ShouldEqual, 0)
				So(p.Max(), ShouldEqual, 160)
			})

			Convey("And existing counts are preserved", func() {
				So(p.Count(), ShouldEqual, 51)
				So(p.Percentile(150), ShouldBeGreaterThan, p.Percentile(10))
			})
		})

		Convey("When a value below the range arrives", func() {
			p.RecordValue(-10)

			Convey("Then the range grows downward", func() {
				So(p.Min(), ShouldEqual, -12)
				So(p.Max(), ShouldEqual, 100)
				So(p.Percentile(-10), ShouldEqual, 0)
				So(p.Percentile(10), ShouldBeGreaterThan, 0)
			})
		})
	})
}

func TestPercentiler_ExtremeValues(t *testing.T) {
	Convey("Given a percentiler over [0, 100] with some history", t, func() {
		p := percentile.New(percentile.WithRange(0, 100))
		for i := 0; i < 20; i++ {
			p.RecordValue(50)
		}

		Convey("When a score beyond int32 arrives", func() {
			p.RecordValue(3e9)

			Convey("Then the range saturates at the int32 maximum", func() {
				So(p.Max(), ShouldEqual, math.MaxInt32)
				So(p.Min(), ShouldBeLessThan, p.Max())
				So(p.Count(), ShouldEqual, 21)
			})

			Convey("And the blob still round-trips", func() {
				restored, err := percentile.FromBytes(p.ToBytes())
				So(err, ShouldBeNil)
				So(restored.Max(), ShouldEqual, math.MaxInt32)
				So(restored.Count(), ShouldEqual, p.Count())
			})
		})

		Convey("When scores overflow int64 in both directions", func() {
			p.RecordValue(1e19)
			p.RecordValue(-1e19)
			p.RecordValue(math.MaxFloat64)

			Convey("Then the range is the full int32 span and stays ordered", func() {
				So(p.Min(), ShouldEqual, math.MinInt32)
				So(p.Max(), ShouldEqual, math.MaxInt32)
				So(p.Count(), ShouldEqual, 23)
				So(p.Percentile(1e19), ShouldEqual, 100)
				So(p.Percentile(-1e19), ShouldEqual, 0)
			})

			Convey("And the blob round-trips at the int32 edges", func() {
				data := p.ToBytes()
				restored, err := percentile.FromBytes(data)
				So(err, ShouldBeNil)
				So(restored.Min(), ShouldEqual, math.MinInt32)
				So(restored.Max(), ShouldEqual, math.MaxInt32)
				So(restored.ToBytes(), ShouldResemble, data)
			})
		})
	})
}

func TestPercentiler_Monotonic(t *testing.T) {
	Convey("Given a percentiler fed a skewed random stream", t, func() {
		rng := rand.New(rand.NewSource(11))
		p := percentile.New()
		for i := 0; i < 5000; i++ {
			p.RecordValue(rng.ExpFloat64() * 300)
		}
		p.RecomputePercentiles()

		Convey("Then percentile never decreases with the value", func() {
			ok := true
			prev := -1
			for x := float64(p.Min()) - 5; x <= float64(p.Max())+5; x += 0.75 {
				cur := p.Percentile(x)
				if cur < prev {
					ok = false
				}
				prev = cur
			}
			So(ok, ShouldBeTrue)
		})

		Convey("And the required score never decreases with the percentile", func() {
			ok := true
			for pct := 1; pct < 100; pct++ {
				if p.RequiredScore(pct) < p.RequiredScore(pct-1) {
					ok = false
				}
			}
			So(ok, ShouldBeTrue)
		})
	})
}

func TestPercentiler_Bytes(t *testing.T) {
	Convey("Given a percentiler with a stale cache", t, func() {
		rng := rand.New(rand.NewSource(3))
		p := percentile.New()
		var seen []float64
		for i := 0; i < 777; i++ {
			v := rng.NormFloat64()*40 + 200
			seen = append(seen, v)
			p.RecordValue(v)
		}

		Convey("When it round-trips through bytes", func() {
			data := p.ToBytes()
			restored, err := percentile.FromBytes(data)

			Convey("Then the restored copy answers identically", func() {
				So(err, ShouldBeNil)
				So(len(data), ShouldEqual, 416)
				So(restored.Min(), ShouldEqual, p.Min())
				So(restored.Max(), ShouldEqual, p.Max())
				So(restored.Count(), ShouldEqual, p.Count())
				same := true
				for _, v := range seen {
					if restored.Percentile(v) != p.Percentile(v) {
						same = false
					}
				}
				So(same, ShouldBeTrue)
				So(restored.ToBytes(), ShouldResemble, data)
			})
		})
	})

	Convey("Given a legacy blob without a trailing min", t, func() {
		p := percentile.New(percentile.WithRange(0, 50))
		for i := 0; i < 10; i++ {
			p.RecordValue(float64(i * 5))
		}
		legacy := p.ToBytes()[:412]

		Convey("Then it restores with a zero min", func() {
			restored, err := percentile.FromBytes(legacy)
			So(err, ShouldBeNil)
			So(restored.Min(), ShouldEqual, 0)
			So(restored.Max(), ShouldEqual, 50)
			So(restored.Count(), ShouldEqual, 10)
		})
	})

	Convey("Given malformed blobs", t, func() {
		Convey("Then a wrong length is rejected", func() {
			_, err := percentile.FromBytes(make([]byte, 20))
			So(errors.Is(err, percentile.ErrInvalidBlob), ShouldBeTrue)
		})

		Convey("Then an inverted range is rejected", func() {
			data := make([]byte, 416)
			binary.BigEndian.PutUint32(data[0:4], 5)
			binary.BigEndian.PutUint32(data[412:416], 9)
			_, err := percentile.FromBytes(data)
			So(errors.Is(err, percentile.ErrInvalidBlob), ShouldBeTrue)
		})
	})
}

type memoryBlobStore struct {
	blobs map[percentile.Key][]byte
	saves int
}

func (m *memoryBlobStore) LoadPercentile(_ context.Context, gameID int, name string) ([]byte, error) {
	data, ok := m.blobs[percentile.Key{GameID: gameID, Name: name}]
	if !ok {
		return nil, domain.ErrPercentileNotFound
	}
	return data, nil
}

func (m *memoryBlobStore) SavePercentile(_ context.Context, gameID int, name string, data []byte) error {
	m.blobs[percentile.Key{GameID: gameID, Name: name}] = data
	m.saves++
	return nil
}

func TestTracker(t *testing.T) {
	Convey("Given a tracker over a blob store", t, func() {
		ctx := context.Background()
		store := &memoryBlobStore{blobs: make(map[percentile.Key][]byte)}
		tracker := percentile.NewTracker(store, testLogger())

		Convey("When scores are recorded and flushed", func() {
			for i := 1; i <= 40; i++ {
				So(tracker.Record(ctx, 7, percentile.ScoreTracker, float64(i)), ShouldBeNil)
			}
			written, err := tracker.Flush(ctx)

			Convey("Then the dirty percentiler is written once", func() {
				So(err, ShouldBeNil)
				So(written, ShouldEqual, 1)
				again, err := tracker.Flush(ctx)
				So(err, ShouldBeNil)
				So(again, ShouldEqual, 0)
			})

			Convey("And a fresh tracker restores it from the store", func() {
				other := percentile.NewTracker(store, testLogger())
				summary, err := other.Summary(ctx, 7, percentile.ScoreTracker)
				So(err, ShouldBeNil)
				So(summary.Count, ShouldEqual, 40)

				want, _ := tracker.Percentile(ctx, 7, percentile.ScoreTracker, 30)
				got, _ := other.Percentile(ctx, 7, percentile.ScoreTracker, 30)
				So(got, ShouldEqual, want)
			})
		})
	})
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
