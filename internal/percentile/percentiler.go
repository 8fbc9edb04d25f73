// Package percentile estimates score percentiles from a stream of
// observations using a fixed-size histogram whose range grows as needed.
package percentile

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
)

// BucketCount is the fixed number of histogram buckets.
const BucketCount = 100

// Serialized sizes: max, counts, total, then the optional min.
const (
	legacyBlobSize = 4 + 4*BucketCount + 8
	blobSize       = legacyBlobSize + 4
)

const (
	// growthFactor pads the range past an out-of-range value.
	growthFactor = 1.2
	// recomputeDivisor schedules the next recompute after total/recomputeDivisor inserts.
	recomputeDivisor = 20
	// neutralPercentile is reported by every bucket before any observation.
	neutralPercentile = 50
)

// Percentiler is a histogram over [min, max] that maps values to percentile
// ranks and back. It is not safe for concurrent use.
type Percentiler struct {
	min, max int
	counts   [BucketCount]int32
	total    int64

	// percentile maps bucket -> percentile and reverse maps percentile ->
	// bucket; both are valid as of the last recompute.
	percentile [BucketCount]int
	reverse    [BucketCount]int

	nextRecompute int64
	dirty         bool

	logger *slog.Logger
}

// Option configures a Percentiler.
type Option func(*Percentiler)

// WithRange sets the initial integer range. Ignored unless lo < hi and
// both fit in int32.
func WithRange(lo, hi int) Option {
	return func(p *Percentiler) {
		if lo < hi && lo >= math.MinInt32 && hi <= math.MaxInt32 {
			p.min, p.max = lo, hi
		}
	}
}

// WithLogger sets the logger used to report clamped bucket indexes.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Percentiler) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// New creates an empty percentiler over [0, 1].
func New(opts ...Option) *Percentiler {
	p := &Percentiler{min: 0, max: 1, logger: slog.Default()}
	for _, opt := range opts {
		opt(p)
	}
	p.RecomputePercentiles()
	return p
}

// FromBytes restores a percentiler serialized by ToBytes. Blobs without the
// trailing min are legacy and imply a min of zero.
func FromBytes(data []byte, opts ...Option) (*Percentiler, error) {
	if len(data) != legacyBlobSize && len(data) != blobSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrInvalidBlob, len(data))
	}
	p := New(opts...)

	p.max = int(int32(binary.BigEndian.Uint32(data[0:4])))
	off := 4
	for i := range p.counts {
		p.counts[i] = int32(binary.BigEndian.Uint32(data[off : off+4]))
		off += 4
	}
	p.total = int64(binary.BigEndian.Uint64(data[off : off+8]))
	off += 8
	p.min = 0
	if len(data) == blobSize {
		p.min = int(int32(binary.BigEndian.Uint32(data[off : off+4])))
	}
	if p.min >= p.max {
		return nil, fmt.Errorf("%w: min %d >= max %d", ErrInvalidBlob, p.min, p.max)
	}

	p.RecomputePercentiles()
	return p, nil
}

// ToBytes serializes the histogram. A stale percentile cache is refreshed
// first so that a restored copy answers identically.
func (p *Percentiler) ToBytes() []byte {
	if p.dirty {
		p.RecomputePercentiles()
	}
	data := make([]byte, blobSize)
	binary.BigEndian.PutUint32(data[0:4], uint32(int32(p.max)))
	off := 4
	for _, c := range p.counts {
		binary.BigEndian.PutUint32(data[off:off+4], uint32(c))
		off += 4
	}
	binary.BigEndian.PutUint64(data[off:off+8], uint64(p.total))
	off += 8
	binary.BigEndian.PutUint32(data[off:off+4], uint32(int32(p.min)))
	return data
}

// RecordValue adds an observation.
func (p *Percentiler) RecordValue(v float64) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		p.logger.Warn("ignoring non-finite percentile value", "value", v)
		return
	}

	if v > float64(p.max) && p.max < math.MaxInt32 {
		newMax := saturate(float64(p.max) + math.Ceil(growthFactor*(v-float64(p.max))))
		p.rebalance(p.min, newMax)
	} else if v < float64(p.min) && p.min > math.MinInt32 {
		newMin := saturate(float64(p.min) - math.Ceil(growthFactor*(float64(p.min)-v)))
		p.rebalance(newMin, p.max)
	}
	// the range stops growing at the int32 bounds of the blob format
	v = math.Max(float64(p.min), math.Min(v, float64(p.max)))

	p.counts[p.bucketIndex(v)]++
	p.total++
	p.dirty = true

	p.nextRecompute--
	if p.nextRecompute <= 0 {
		p.RecomputePercentiles()
	}
}

// Percentile returns the percentile rank of v in [0, 100].
func (p *Percentiler) Percentile(v float64) int {
	if v < float64(p.min) {
		return 0
	}
	if v > float64(p.max) {
		return 100
	}
	return p.percentile[p.bucketIndex(v)]
}

// RequiredScore returns the lowest value that reaches the given percentile.
func (p *Percentiler) RequiredScore(pct int) float64 {
	pct = max(0, min(pct, BucketCount-1))
	return float64(p.min) + float64(p.reverse[pct])*p.bucketWidth()
}

// RecomputePercentiles rebuilds the forward and reverse maps from the
// bucket counts.
func (p *Percentiler) RecomputePercentiles() {
	if p.total <= 0 {
		for i := range p.percentile {
			p.percentile[i] = neutralPercentile
		}
	} else {
		var below int64
		for i, c := range p.counts {
			p.percentile[i] = int(below * 100 / p.total)
			below += int64(c)
		}
	}

	bucket := 0
	for pct := range p.reverse {
		for bucket < BucketCount-1 && p.percentile[bucket] < pct {
			bucket++
		}
		p.reverse[pct] = bucket
	}

	p.nextRecompute = p.total / recomputeDivisor
	p.dirty = false
}

// Count returns the number of observations.
func (p *Percentiler) Count() int64 { return p.total }

// Min returns the lower bound of the range.
func (p *Percentiler) Min() int { return p.min }

// Max returns the upper bound of the range.
func (p *Percentiler) Max() int { return p.max }

// Counts returns a copy of the bucket counts.
func (p *Percentiler) Counts() []int32 {
	out := make([]int32, BucketCount)
	copy(out, p.counts[:])
	return out
}

func (p *Percentiler) bucketWidth() float64 {
	return (float64(p.max) - float64(p.min)) / BucketCount
}

// saturate rounds a range bound into int32.
func saturate(f float64) int {
	switch {
	case f >= math.MaxInt32:
		return math.MaxInt32
	case f <= math.MinInt32:
		return math.MinInt32
	}
	return int(f)
}

func (p *Percentiler) bucketIndex(v float64) int {
	f := (v - float64(p.min)) / p.bucketWidth()
	idx := int(f)
	switch {
	case math.IsNaN(f) || idx < 0:
		p.logger.Warn("percentile bucket below range", "value", v, "min", p.min, "max", p.max)
		return 0
	case idx == BucketCount:
		// v == max lands on the upper edge
		return BucketCount - 1
	case idx > BucketCount:
		p.logger.Warn("percentile bucket above range", "value", v, "min", p.min, "max", p.max)
		return BucketCount - 1
	}
	return idx
}

// rebalance widens the range to [lo, hi] and spreads each old bucket's count
// over the new buckets it overlaps.
func (p *Percentiler) rebalance(lo, hi int) {
	oldMin := float64(p.min)
	oldWidth := p.bucketWidth()
	newWidth := (float64(hi) - float64(lo)) / BucketCount

	var counts [BucketCount]int32
	for i, c := range p.counts {
		if c == 0 {
			continue
		}
		start := oldMin + float64(i)*oldWidth
		end := start + oldWidth

		first := int((start - float64(lo)) / newWidth)
		for j := max(0, first-1); j < BucketCount; j++ {
			bStart := float64(lo) + float64(j)*newWidth
			bEnd := bStart + newWidth
			if bStart >= end {
				break
			}
			overlap := math.Min(end, bEnd) - math.Max(start, bStart)
			if overlap <= 0 {
				continue
			}
			counts[j] += int32(math.Round(float64(c) * overlap / oldWidth))
		}
	}

	var total int64
	for _, c := range counts {
		total += int64(c)
	}

	p.logger.Debug("rebalanced percentiler",
		"old_min", p.min, "old_max", p.max,
		"new_min", lo, "new_max", hi,
	)

	p.min, p.max = lo, hi
	p.counts = counts
	p.total = total
	p.nextRecompute = 0
	p.dirty = true
}
