// Package downsample reduces raw sample streams into per-bucket aggregates
// for resolution-bearing queries. Aggregation is streaming: samples are
// folded into running statistics per (point, bucket) without holding the
// raw stream.
package downsample

import (
	"math"
	"sort"
	"strconv"
	"time"

	"github.com/DataDog/sketches-go/ddsketch"

	"github.com/buildingvitals/vitals/internal/model"
)

// Bucket holds aggregated statistics for one point over one time bucket.
type Bucket struct {
	PointID     int64
	BucketStart int64 // Unix milliseconds, inclusive
	BucketEnd   int64 // Unix milliseconds, exclusive

	Count   int64
	Sum     float64
	Min     float64
	Max     float64
	Avg     float64
	FirstTs int64
	LastTs  int64

	// Percentiles requested via Options.Percentiles, nil otherwise.
	Percentiles map[string]float64
}

// Options configures an aggregation run.
type Options struct {
	// Resolution is the bucket width. Must be positive.
	Resolution time.Duration

	// Percentiles to compute per bucket, as quantiles in (0, 1),
	// e.g. 0.95. Empty disables sketching.
	Percentiles []float64

	// Accuracy is the DDSketch relative accuracy; 0 means 0.01.
	Accuracy float64
}

// accumulator is the running state for one (point, bucket).
type accumulator struct {
	bucket Bucket
	sketch *ddsketch.DDSketch
}

// Aggregator folds samples into per-bucket statistics. Not safe for
// concurrent use; the query path owns one aggregator per request.
type Aggregator struct {
	opts  Options
	accum map[accumKey]*accumulator
}

type accumKey struct {
	pointID     int64
	bucketStart int64
}

// NewAggregator creates an aggregator. Resolution must be positive.
func NewAggregator(opts Options) *Aggregator {
	if opts.Accuracy <= 0 {
		opts.Accuracy = 0.01
	}
	return &Aggregator{
		opts:  opts,
		accum: make(map[accumKey]*accumulator),
	}
}

// Add folds one sample into its bucket.
func (a *Aggregator) Add(s model.Sample) {
	resMs := a.opts.Resolution.Milliseconds()
	bucketStart := (s.TimestampMs / resMs) * resMs
	if s.TimestampMs < 0 && s.TimestampMs%resMs != 0 {
		bucketStart -= resMs
	}

	key := accumKey{pointID: s.PointID, bucketStart: bucketStart}
	acc, ok := a.accum[key]
	if !ok {
		acc = &accumulator{
			bucket: Bucket{
				PointID:     s.PointID,
				BucketStart: bucketStart,
				BucketEnd:   bucketStart + resMs,
				Min:         math.MaxFloat64,
				Max:         -math.MaxFloat64,
			},
		}
		if len(a.opts.Percentiles) > 0 {
			if sketch, err := ddsketch.NewDefaultDDSketch(a.opts.Accuracy); err == nil {
				acc.sketch = sketch
			}
		}
		a.accum[key] = acc
	}

	b := &acc.bucket
	b.Count++
	b.Sum += s.Value
	if s.Value < b.Min {
		b.Min = s.Value
	}
	if s.Value > b.Max {
		b.Max = s.Value
	}
	if b.FirstTs == 0 || s.TimestampMs < b.FirstTs {
		b.FirstTs = s.TimestampMs
	}
	if s.TimestampMs > b.LastTs {
		b.LastTs = s.TimestampMs
	}
	if acc.sketch != nil {
		acc.sketch.Add(s.Value)
	}
}

// AddAll folds a slice of samples.
func (a *Aggregator) AddAll(samples []model.Sample) {
	for i := range samples {
		a.Add(samples[i])
	}
}

// Results finalizes and returns all buckets ordered by (point, bucket start).
func (a *Aggregator) Results() []Bucket {
	out := make([]Bucket, 0, len(a.accum))
	for _, acc := range a.accum {
		b := acc.bucket
		if b.Count > 0 {
			b.Avg = b.Sum / float64(b.Count)
		}
		if acc.sketch != nil && b.Count > 0 {
			b.Percentiles = make(map[string]float64, len(a.opts.Percentiles))
			for _, q := range a.opts.Percentiles {
				if v, err := acc.sketch.GetValueAtQuantile(q); err == nil {
					b.Percentiles[percentileLabel(q)] = v
				}
			}
		}
		out = append(out, b)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].PointID != out[j].PointID {
			return out[i].PointID < out[j].PointID
		}
		return out[i].BucketStart < out[j].BucketStart
	})
	return out
}

// Len returns the number of open buckets.
func (a *Aggregator) Len() int {
	return len(a.accum)
}

// percentileLabel formats a quantile as "p95" or "p99.9". Rounded to
// three decimals so float noise never leaks into the label.
func percentileLabel(q float64) string {
	pct := math.Round(q*100000) / 1000
	return "p" + strconv.FormatFloat(pct, 'f', -1, 64)
}
