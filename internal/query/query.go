// Package query provides the federation service: a single read API over
// the hot and cold tiers.
//
// The hot tier is consulted over the full requested range and the cold
// tier below the retention boundary, computed per call. A day can live in
// both tiers while the archival worker moves it across the seam; where
// both hold a sample for the same (point, timestamp), the hot copy wins.
package query

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/buildingvitals/vitals/internal/coldstore"
	"github.com/buildingvitals/vitals/internal/downsample"
	verrors "github.com/buildingvitals/vitals/internal/errors"
	"github.com/buildingvitals/vitals/internal/hotstore"
	"github.com/buildingvitals/vitals/internal/logging"
	"github.com/buildingvitals/vitals/internal/model"
	"github.com/buildingvitals/vitals/internal/registry"
)

// Options configures the federation service.
type Options struct {
	MaxRows         int
	ColdConcurrency int
	Timeout         time.Duration
	HotRetention    time.Duration
	Accuracy        float64
}

// Request is one federated read.
type Request struct {
	Site    string
	Points  []string
	StartMs int64
	EndMs   int64

	// Resolution, when positive, downsamples the result into buckets of
	// this width and lifts the raw row cap.
	Resolution  time.Duration
	Percentiles []float64
}

// Result is a federated read result. Either Samples or Buckets is set,
// depending on whether a resolution was requested.
type Result struct {
	Samples []model.Sample
	Buckets []downsample.Bucket

	// PointNames maps resolved ids back to request names.
	PointNames map[int64]string

	// Sources lists the tiers that contributed samples.
	Sources []string

	// Degraded is set when one tier failed and the other answered;
	// Warnings carries what was left out.
	Degraded bool
	Warnings []string
}

// Service federates reads across the tiers.
type Service struct {
	opts     Options
	registry *registry.Registry
	hot      *hotstore.Store
	cold     *coldstore.Store
	log      *slog.Logger

	nowFn func() time.Time
}

// New creates a federation service.
func New(opts Options, reg *registry.Registry, hot *hotstore.Store, cold *coldstore.Store) *Service {
	if opts.ColdConcurrency <= 0 {
		opts.ColdConcurrency = 1
	}
	return &Service{
		opts:     opts,
		registry: reg,
		hot:      hot,
		cold:     cold,
		log:      logging.Component("query"),
		nowFn:    time.Now,
	}
}

// Query answers one federated read.
func (s *Service) Query(ctx context.Context, req *Request) (*Result, error) {
	if err := validate(req); err != nil {
		return nil, err
	}

	if s.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.Timeout)
		defer cancel()
	}

	ids, missing, err := s.registry.LookupNames(ctx, req.Site, req.Points)
	if err != nil {
		return nil, fmt.Errorf("resolve points: %w", err)
	}
	if len(missing) > 0 {
		suggestions, _ := s.registry.Suggest(ctx, req.Site, missing[0], 5)
		return nil, verrors.NewPointNotFound(missing[0], suggestions)
	}

	pointIDs := make([]int64, 0, len(ids))
	idSet := make(map[int64]struct{}, len(ids))
	names := make(map[int64]string, len(ids))
	for name, id := range ids {
		pointIDs = append(pointIDs, id)
		idSet[id] = struct{}{}
		names[id] = name
	}
	sort.Slice(pointIDs, func(i, j int) bool { return pointIDs[i] < pointIDs[j] })

	// The boundary is computed here, not cached: a query that races the
	// archival worker may see a day in both tiers, which dedupe absorbs.
	boundaryMs := model.ArchiveBoundaryMillis(s.nowFn().UTC(), s.opts.HotRetention)

	result := &Result{PointNames: names}

	hotSamples, hotErr := s.queryHot(ctx, req, pointIDs)
	coldSamples, coldWarnings, coldErr := s.queryCold(ctx, req, idSet, boundaryMs)

	switch {
	case hotErr != nil && coldErr != nil:
		s.log.Error("both tiers failed", "site", req.Site, "hot", hotErr, "cold", coldErr)
		return nil, fmt.Errorf("hot: %v; cold: %v: %w", hotErr, coldErr, verrors.ErrStoreUnavailable)
	case hotErr != nil:
		result.Degraded = true
		result.Warnings = append(result.Warnings, "hot tier unavailable; recent samples omitted")
		s.log.Warn("hot tier failed", "site", req.Site, "error", hotErr)
	case coldErr != nil:
		result.Degraded = true
		result.Warnings = append(result.Warnings, "cold tier unavailable; archived samples omitted")
		s.log.Warn("cold tier failed", "site", req.Site, "error", coldErr)
	}
	result.Warnings = append(result.Warnings, coldWarnings...)
	if len(coldWarnings) > 0 {
		result.Degraded = true
	}

	merged := merge(hotSamples, coldSamples)
	if len(hotSamples) > 0 {
		result.Sources = append(result.Sources, "hot")
	}
	if len(coldSamples) > 0 {
		result.Sources = append(result.Sources, "cold")
	}

	if req.Resolution > 0 {
		agg := downsample.NewAggregator(downsample.Options{
			Resolution:  req.Resolution,
			Percentiles: req.Percentiles,
			Accuracy:    s.opts.Accuracy,
		})
		agg.AddAll(merged)
		result.Buckets = agg.Results()
		return result, nil
	}

	if s.opts.MaxRows > 0 && len(merged) > s.opts.MaxRows {
		return nil, fmt.Errorf("result rows %d exceed limit %d: %w",
			len(merged), s.opts.MaxRows, verrors.ErrSampleLimitExceeded)
	}
	result.Samples = merged
	return result, nil
}

// validate checks request shape.
func validate(req *Request) error {
	if req.Site == "" {
		return verrors.NewMissingField("site")
	}
	if len(req.Points) == 0 {
		return verrors.NewMissingField("points")
	}
	if req.EndMs < req.StartMs {
		return fmt.Errorf("end %d before start %d: %w", req.EndMs, req.StartMs, verrors.ErrInvalidRange)
	}
	return nil
}

// queryHot reads the full requested range from the hot store. The range
// is not clamped to the boundary: a day that drifted past it overnight
// may still live only in the hot tier until the archival sweep lands, and
// a day whose cold copy failed verification stays hot indefinitely. The
// transient double-residency this allows is resolved by merge.
func (s *Service) queryHot(ctx context.Context, req *Request, pointIDs []int64) ([]model.Sample, error) {
	return s.hot.Query(ctx, pointIDs, req.StartMs, req.EndMs, 0)
}

// queryCold reads the part of the range before the boundary, fanning out
// over day files with bounded concurrency. A day that fails to read is
// skipped with a warning rather than failing the whole query; an error is
// returned only when every day failed.
func (s *Service) queryCold(ctx context.Context, req *Request, idSet map[int64]struct{}, boundaryMs int64) ([]model.Sample, []string, error) {
	endMs := req.EndMs
	if endMs >= boundaryMs {
		endMs = boundaryMs - 1
	}
	if endMs < req.StartMs {
		return nil, nil, nil
	}

	days := s.cold.DaysInRange(req.Site, model.DayOfMillis(req.StartMs), model.DayOfMillis(endMs))
	if len(days) == 0 {
		return nil, nil, nil
	}

	perDay := make([][]model.Sample, len(days))
	var mu sync.Mutex
	var warnings []string
	failed := 0

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.ColdConcurrency)
	for i, day := range days {
		g.Go(func() error {
			samples, err := s.cold.ReadDayFiltered(req.Site, day, idSet, req.StartMs, endMs)
			if err != nil {
				mu.Lock()
				warnings = append(warnings, fmt.Sprintf("day %s unreadable: %v", day, err))
				failed++
				mu.Unlock()
				return nil
			}
			perDay[i] = samples
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return nil, warnings, err
	}
	if failed == len(days) {
		return nil, nil, fmt.Errorf("all %d cold days unreadable", len(days))
	}

	var all []model.Sample
	for _, samples := range perDay {
		all = append(all, samples...)
	}
	return all, warnings, nil
}

// merge combines the tiers into (point, ts) order. On a duplicate key the
// hot sample wins: while a day is resident in both tiers the hot copy
// carries the freshest write.
func merge(hot, cold []model.Sample) []model.Sample {
	if len(cold) == 0 {
		return hot
	}

	seen := make(map[sampleKey]struct{}, len(hot))
	for i := range hot {
		seen[sampleKey{hot[i].PointID, hot[i].TimestampMs}] = struct{}{}
	}

	merged := make([]model.Sample, 0, len(hot)+len(cold))
	merged = append(merged, hot...)
	for i := range cold {
		if _, dup := seen[sampleKey{cold[i].PointID, cold[i].TimestampMs}]; dup {
			continue
		}
		merged = append(merged, cold[i])
	}

	sort.Slice(merged, func(i, j int) bool {
		if merged[i].PointID != merged[j].PointID {
			return merged[i].PointID < merged[j].PointID
		}
		return merged[i].TimestampMs < merged[j].TimestampMs
	})
	return merged
}

type sampleKey struct {
	pointID int64
	tsMs    int64
}
