// Package ingest provides the ingestion sync worker: it pulls recent
// samples from the upstream feed and upserts them into the hot store.
//
// Progress is tracked by a durable per-site cursor. Each run re-fetches a
// lookback window behind the cursor, so a crashed or partial run is
// re-covered by the next one; idempotent upserts absorb the overlap. The
// cursor only advances when a run fetched its window completely, because
// upstream pagination carries no timestamp order and a cut-off run cannot
// bound what the unfetched pages hold.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	verrors "github.com/buildingvitals/vitals/internal/errors"
	"github.com/buildingvitals/vitals/internal/hotstore"
	"github.com/buildingvitals/vitals/internal/logging"
	"github.com/buildingvitals/vitals/internal/model"
	"github.com/buildingvitals/vitals/internal/registry"
	"github.com/buildingvitals/vitals/internal/statestore"
	"github.com/buildingvitals/vitals/internal/upstream"
)

// cursorKey is the durable state key for a site's sync cursor.
func cursorKey(site string) string { return "sync:cursor:" + site }

// lastRunKey is the durable state key for a site's last run record.
func lastRunKey(site string) string { return "sync:lastrun:" + site }

// Cursor is the durable sync position for a site.
type Cursor struct {
	LastSyncedMs int64     `json:"last_synced_ms"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Options configures the sync worker.
type Options struct {
	Interval       time.Duration
	LookbackBuffer time.Duration
	ChunkSize      int
	MaxPages       int
	ChunkRetries   int
	Budget         time.Duration

	// ExpectedSamplesPerDay per point, used for the run coverage score.
	ExpectedSamplesPerDay int
}

// Fetcher is the upstream surface the worker needs.
type Fetcher interface {
	FetchPage(ctx context.Context, site string, start, end time.Time, cursor string) (*upstream.Page, error)
}

// Worker pulls samples from the upstream into the hot store.
type Worker struct {
	opts     Options
	upstream Fetcher
	registry *registry.Registry
	hot      *hotstore.Store
	state    *statestore.Store
	log      *slog.Logger

	running atomic.Bool
	nowFn   func() time.Time
}

// Result describes one sync run. Coverage is written over the expected
// sample count for the window across the points that reported.
type Result struct {
	Site          string    `json:"site"`
	WindowStartMs int64     `json:"window_start_ms"`
	WindowEndMs   int64     `json:"window_end_ms"`
	Pages         int       `json:"pages"`
	Fetched       int       `json:"fetched"`
	Written       int       `json:"written"`
	Quarantined   int       `json:"quarantined"`
	Points        int       `json:"points"`
	Coverage      float64   `json:"coverage"`
	Partial       bool      `json:"partial"`
	Duration      int64     `json:"duration_ms"`
	CompletedAt   time.Time `json:"completed_at"`
}

// New creates a sync worker.
func New(opts Options, up Fetcher, reg *registry.Registry, hot *hotstore.Store, state *statestore.Store) *Worker {
	return &Worker{
		opts:     opts,
		upstream: up,
		registry: reg,
		hot:      hot,
		state:    state,
		log:      logging.Component("ingest"),
		nowFn:    time.Now,
	}
}

// Run performs one sync pass for a site. Only one run per worker executes
// at a time; overlapping invocations fail fast with ErrAlreadyRunning.
//
// A run that exhausts its budget or page cap mid-window is partial: the
// cursor stays where it was and the next run re-covers the whole window.
func (w *Worker) Run(ctx context.Context, site string) (*Result, error) {
	if !w.running.CompareAndSwap(false, true) {
		return nil, fmt.Errorf("sync for %s: %w", site, verrors.ErrAlreadyRunning)
	}
	defer w.running.Store(false)

	started := w.nowFn()

	var cursor Cursor
	version, err := w.state.GetJSON(ctx, cursorKey(site), &cursor)
	if err != nil {
		return nil, fmt.Errorf("load cursor: %w", err)
	}

	now := w.nowFn().UTC()
	windowEnd := now
	var windowStart time.Time
	if version > 0 {
		windowStart = time.UnixMilli(cursor.LastSyncedMs).Add(-w.opts.LookbackBuffer)
	} else {
		windowStart = now.Add(-w.opts.Interval - w.opts.LookbackBuffer)
	}

	runCtx := ctx
	if w.opts.Budget > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, w.opts.Budget)
		defer cancel()
	}

	result := &Result{
		Site:          site,
		WindowStartMs: windowStart.UnixMilli(),
		WindowEndMs:   windowEnd.UnixMilli(),
	}

	pageCursor := ""
	seenPoints := make(map[int64]struct{})
	complete := false

	for result.Pages < w.opts.MaxPages {
		page, err := w.upstream.FetchPage(runCtx, site, windowStart, windowEnd, pageCursor)
		if err != nil {
			if runCtx.Err() != nil && ctx.Err() == nil {
				break
			}
			return nil, w.finish(ctx, site, version, result, started,
				fmt.Errorf("fetch page %d: %w", result.Pages+1, err))
		}
		result.Pages++
		result.Fetched += len(page.Samples)

		written, quarantined, err := w.persistPage(runCtx, site, page.Samples, seenPoints)
		result.Written += written
		result.Quarantined += quarantined
		result.Points = len(seenPoints)
		if err != nil {
			if runCtx.Err() != nil && ctx.Err() == nil {
				break
			}
			return nil, w.finish(ctx, site, version, result, started,
				fmt.Errorf("persist page %d: %w", result.Pages, err))
		}

		if page.NextCursor == "" {
			complete = true
			break
		}
		pageCursor = page.NextCursor

		if runCtx.Err() != nil {
			break
		}
	}
	result.Partial = !complete

	return result, w.finish(ctx, site, version, result, started, nil)
}

// finish advances the cursor and records the run. The cursor moves to the
// window end only on a complete run: pagination is opaque, so a partial
// run cannot prove an unfetched page held nothing older than what was
// persisted, and the next run re-covers the window instead. Called with
// runErr set it records nothing and returns it.
func (w *Worker) finish(ctx context.Context, site string, version int64, result *Result, started time.Time, runErr error) error {
	if runErr != nil {
		w.log.Error("sync run failed", "site", site, "error", runErr)
		return runErr
	}

	if result.Partial {
		w.log.Warn("sync run partial; cursor unchanged", "site", site, "written", result.Written)
	} else {
		cursor := Cursor{LastSyncedMs: result.WindowEndMs, UpdatedAt: w.nowFn().UTC()}
		if err := w.state.Put(ctx, cursorKey(site), cursor, version, 0); err != nil {
			return fmt.Errorf("advance cursor: %w", err)
		}
	}

	if w.opts.ExpectedSamplesPerDay > 0 && result.Points > 0 {
		windowMs := result.WindowEndMs - result.WindowStartMs
		expected := float64(int64(result.Points)*int64(w.opts.ExpectedSamplesPerDay)*windowMs) /
			float64((24 * time.Hour).Milliseconds())
		if expected > 0 {
			result.Coverage = float64(result.Written) / expected
		}
	}

	result.Duration = w.nowFn().Sub(started).Milliseconds()
	result.CompletedAt = w.nowFn().UTC()
	if err := w.state.PutAny(ctx, lastRunKey(site), result, 0); err != nil {
		w.log.Warn("record sync run", "site", site, "error", err)
	}

	w.log.Info("sync run complete",
		"site", site,
		"pages", result.Pages,
		"fetched", result.Fetched,
		"written", result.Written,
		"quarantined", result.Quarantined,
		"points", result.Points,
		"coverage", result.Coverage,
		"partial", result.Partial,
		"duration_ms", result.Duration)
	return nil
}

// persistPage transforms one page and upserts it in bounded chunks.
// Returns the written and quarantined counts; persisted point ids are
// added to seen. Chunks are written in ascending timestamp order so a
// failure leaves a clean prefix of the page persisted.
func (w *Worker) persistPage(ctx context.Context, site string, raw []upstream.RawSample, seen map[int64]struct{}) (written, quarantined int, err error) {
	samples, quarantined := w.transform(ctx, site, raw)
	if len(samples) == 0 {
		return 0, quarantined, nil
	}

	sort.Slice(samples, func(i, j int) bool {
		return samples[i].TimestampMs < samples[j].TimestampMs
	})

	for start := 0; start < len(samples); start += w.opts.ChunkSize {
		end := start + w.opts.ChunkSize
		if end > len(samples) {
			end = len(samples)
		}
		chunk := samples[start:end]

		if err := w.upsertChunk(ctx, chunk); err != nil {
			return written, quarantined, err
		}
		written += len(chunk)
		for i := range chunk {
			seen[chunk[i].PointID] = struct{}{}
		}
	}
	return written, quarantined, nil
}

// upsertChunk writes one chunk with bounded retries.
func (w *Worker) upsertChunk(ctx context.Context, chunk []model.Sample) error {
	var err error
	for attempt := 0; attempt <= w.opts.ChunkRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * 200 * time.Millisecond):
			}
		}
		if err = w.hot.UpsertBatch(ctx, chunk); err == nil {
			return nil
		}
		w.log.Warn("chunk upsert failed", "attempt", attempt+1, "size", len(chunk), "error", err)
	}
	return fmt.Errorf("upsert chunk after %d attempts: %w", w.opts.ChunkRetries+1, err)
}

// transform converts raw upstream records to samples, resolving point ids
// and quarantining records that cannot be parsed. Quarantined records are
// counted and logged, never written.
func (w *Worker) transform(ctx context.Context, site string, raw []upstream.RawSample) ([]model.Sample, int) {
	quarantined := 0
	type parsed struct {
		name  string
		tsMs  int64
		value float64
	}
	ok := make([]parsed, 0, len(raw))
	names := make(map[string]struct{})

	for i := range raw {
		r := &raw[i]
		if r.Name == "" {
			quarantined++
			continue
		}
		tsMs, err := r.ParseTime()
		if err != nil {
			quarantined++
			w.log.Debug("quarantined sample", "site", site, "point", r.Name, "reason", err)
			continue
		}
		value, err := r.ParseValue()
		if err != nil {
			quarantined++
			w.log.Debug("quarantined sample", "site", site, "point", r.Name, "reason", err)
			continue
		}
		ok = append(ok, parsed{name: r.Name, tsMs: tsMs, value: value})
		names[r.Name] = struct{}{}
	}

	if len(ok) == 0 {
		return nil, quarantined
	}

	nameList := make([]string, 0, len(names))
	for name := range names {
		nameList = append(nameList, name)
	}
	ids, err := w.registry.ResolveBatch(ctx, site, nameList, model.SourceSync)
	if err != nil {
		w.log.Error("resolve points", "site", site, "error", err)
		return nil, quarantined + len(ok)
	}

	samples := make([]model.Sample, 0, len(ok))
	for _, p := range ok {
		id, found := ids[p.name]
		if !found {
			quarantined++
			continue
		}
		samples = append(samples, model.Sample{
			PointID:     id,
			TimestampMs: p.tsMs,
			Value:       p.value,
			Quality:     model.QualityGood,
		})
	}
	return samples, quarantined
}

// LastRun returns the most recent recorded run for a site, nil if none.
func (w *Worker) LastRun(ctx context.Context, site string) (*Result, error) {
	var r Result
	version, err := w.state.GetJSON(ctx, lastRunKey(site), &r)
	if err != nil || version == 0 {
		return nil, err
	}
	return &r, nil
}

// CursorFor returns the durable cursor for a site, nil if none.
func (w *Worker) CursorFor(ctx context.Context, site string) (*Cursor, error) {
	var c Cursor
	version, err := w.state.GetJSON(ctx, cursorKey(site), &c)
	if err != nil || version == 0 {
		return nil, err
	}
	return &c, nil
}
