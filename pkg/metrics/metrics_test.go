package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	. "github.com/smartystreets/goconvey/convey"
)

func TestManagerCreation(t *testing.T) {
	Convey("Given a fresh registry", t, func() {
		registry := prometheus.NewRegistry()

		Convey("When a manager is created with custom options", func() {
			m := NewManager(
				WithNamespace("test"),
				WithSubsystem("unit"),
				WithHistogramBuckets([]float64{0.01, 0.1, 1}),
				WithPrometheusRegistry(registry),
			)

			Convey("Then its metrics are registered on that registry", func() {
				So(m, ShouldNotBeNil)
				m.tablesCreated.Inc()
				So(value(m.tablesCreated), ShouldEqual, 1)
				families, err := registry.Gather()
				So(err, ShouldBeNil)
				So(len(families), ShouldBeGreaterThan, 0)
			})
		})
	})
}

func TestRecorders(t *testing.T) {
	Convey("Given the global manager", t, func() {
		Convey("Then table counters move together with the active gauge", func() {
			before := value(globalManager.activeTables)
			RecordTableCreated()
			RecordTableCreated()
			RecordTableRemoved()
			So(value(globalManager.activeTables), ShouldEqual, before+1)
		})

		Convey("Then rating saves are split by result", func() {
			before := value(globalManager.ratingSaves.WithLabelValues("error"))
			RecordRatingSave(false, 0.002)
			So(value(globalManager.ratingSaves.WithLabelValues("error")), ShouldEqual, before+1)
		})

		Convey("Then the remaining recorders do not panic", func() {
			So(func() {
				RecordTableStarted()
				RecordTableRejection("join")
				UpdateActiveMatches(1)
				UpdateActiveMatches(-1)
				RecordRatingComputed()
				RecordRatingSkipped("short_game")
				RecordRatingLoad(true)
				RecordPercentileObservation()
				RecordPercentileFlush(2, 1)
				RecordMatchEvent("game_did_end")
				UpdateWebsocketConnections(3)
				RecordHTTPRequest("/api/v1/lobbies/{lobbyID}/tables", "GET", "200", 0.01)
				UpdatePoolQueueDepth(4)
				RecordPoolTask("queued")
			}, ShouldNotPanic)
		})

		Convey("Then the custom registry is exposed", func() {
			So(GetRegistry(), ShouldNotBeNil)
		})
	})
}

func TestConfigure(t *testing.T) {
	Convey("Given metrics configured for another deployment", t, func() {
		Configure(
			WithNamespace("arena"),
			WithSubsystem("lobby"),
			WithHistogramBuckets([]float64{0.1, 1}),
		)
		defer Configure()

		Convey("When the package recorders run", func() {
			RecordTableCreated()
			RecordRatingSave(true, 0.5)

			Convey("Then they land on the new registry under the new names", func() {
				families, err := GetRegistry().Gather()
				So(err, ShouldBeNil)
				byName := make(map[string]*dto.MetricFamily, len(families))
				for _, fam := range families {
					byName[fam.GetName()] = fam
				}
				So(byName, ShouldContainKey, "arena_lobby_tables_created_total")
				So(byName["arena_lobby_tables_created_total"].GetMetric()[0].GetCounter().GetValue(), ShouldEqual, 1)
				So(byName, ShouldNotContainKey, "lobby_ratings_tables_created_total")
			})

			Convey("And histograms use the configured buckets", func() {
				So(len(globalManager.histogramBuckets), ShouldEqual, 2)
			})
		})
	})
}

func value(m prometheus.Metric) float64 {
	var out dto.Metric
	if err := m.Write(&out); err != nil {
		return -1
	}
	if out.Counter != nil {
		return out.GetCounter().GetValue()
	}
	return out.GetGauge().GetValue()
}
