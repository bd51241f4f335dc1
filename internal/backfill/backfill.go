// Package backfill provides the historical import worker: it pulls full
// days of past samples from the upstream and lands them in the right tier,
// one day at a time, with a durable resume pointer.
//
// Days older than the retention boundary are written straight to cold
// files; days still inside the hot window are upserted into the hot store.
// Every imported sample carries the backfilled flag, and a day whose
// sample count falls below the expected coverage is marked uncertain.
package backfill

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/buildingvitals/vitals/internal/coldstore"
	verrors "github.com/buildingvitals/vitals/internal/errors"
	"github.com/buildingvitals/vitals/internal/hotstore"
	"github.com/buildingvitals/vitals/internal/logging"
	"github.com/buildingvitals/vitals/internal/model"
	"github.com/buildingvitals/vitals/internal/registry"
	"github.com/buildingvitals/vitals/internal/statestore"
	"github.com/buildingvitals/vitals/internal/upstream"
)

// Status is a backfill job status.
type Status string

const (
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

func stateKey(id string) string { return "backfill:state:" + id }

func dayKey(site string, day model.Day) string {
	return "backfill:day:" + site + ":" + day.Key()
}

// JobState is the durable record of one backfill job. NextDay is the
// resume pointer: every day before it is done, so a restarted job picks
// up exactly where the last one stopped.
type JobState struct {
	ID       string `json:"id"`
	Site     string `json:"site"`
	StartDay string `json:"start_day"`
	EndDay   string `json:"end_day"`
	NextDay  string `json:"next_day"`
	Status   Status `json:"status"`
	Force    bool   `json:"force,omitempty"`

	DaysTotal   int    `json:"days_total"`
	DaysDone    int    `json:"days_done"`
	DaysSkipped int    `json:"days_skipped"`
	Samples     int64  `json:"samples"`
	Quarantined int64  `json:"quarantined"`
	Error       string `json:"error,omitempty"`

	StartedAt time.Time `json:"started_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DayRecord is the durable per-day import record. Its presence makes
// re-importing the day a no-op unless forced.
type DayRecord struct {
	Site        string    `json:"site"`
	Day         string    `json:"day"`
	JobID       string    `json:"job_id"`
	Samples     int64     `json:"samples"`
	Expected    int       `json:"expected"`
	Coverage    float64   `json:"coverage"`
	Uncertain   bool      `json:"uncertain"`
	Destination string    `json:"destination"`
	CompletedAt time.Time `json:"completed_at"`
}

// Options configures the backfill worker.
type Options struct {
	Throttle              time.Duration
	ExpectedSamplesPerDay int
	QualityThreshold      float64
	HotRetention          time.Duration
	PageSize              int
	MaxPages              int
	Budget                time.Duration
}

// Fetcher is the upstream surface the worker needs.
type Fetcher interface {
	FetchPage(ctx context.Context, site string, start, end time.Time, cursor string) (*upstream.Page, error)
}

// Worker imports historical days. One job runs at a time.
type Worker struct {
	opts     Options
	upstream Fetcher
	registry *registry.Registry
	hot      *hotstore.Store
	cold     *coldstore.Store
	state    *statestore.Store
	log      *slog.Logger

	running atomic.Bool
	nowFn   func() time.Time
}

// New creates a backfill worker.
func New(opts Options, up Fetcher, reg *registry.Registry, hot *hotstore.Store, cold *coldstore.Store, state *statestore.Store) *Worker {
	return &Worker{
		opts:     opts,
		upstream: up,
		registry: reg,
		hot:      hot,
		cold:     cold,
		state:    state,
		log:      logging.Component("backfill"),
		nowFn:    time.Now,
	}
}

// Start creates a job covering [start, end] and persists it in RUNNING
// state. The job does not execute until Run is called.
func (w *Worker) Start(ctx context.Context, site string, start, end model.Day, force bool) (*JobState, error) {
	if end.Before(start) {
		return nil, fmt.Errorf("end day %s before start day %s: %w", end, start, verrors.ErrInvalidRange)
	}

	job := &JobState{
		ID:        ulid.MustNew(ulid.Timestamp(w.nowFn()), rand.Reader).String(),
		Site:      site,
		StartDay:  start.String(),
		EndDay:    end.String(),
		NextDay:   start.String(),
		Status:    StatusRunning,
		Force:     force,
		DaysTotal: len(model.DaysBetween(start, end)),
		StartedAt: w.nowFn().UTC(),
		UpdatedAt: w.nowFn().UTC(),
	}
	if err := w.state.Put(ctx, stateKey(job.ID), job, 0, 0); err != nil {
		return nil, fmt.Errorf("create backfill job: %w", err)
	}
	return job, nil
}

// Status returns the durable state of a job.
func (w *Worker) Status(ctx context.Context, id string) (*JobState, error) {
	var job JobState
	version, err := w.state.GetJSON(ctx, stateKey(id), &job)
	if err != nil {
		return nil, err
	}
	if version == 0 {
		return nil, fmt.Errorf("backfill job %s: %w", id, verrors.ErrJobNotFound)
	}
	return &job, nil
}

// DayStatus returns the durable import record for a day, nil if none.
func (w *Worker) DayStatus(ctx context.Context, site string, day model.Day) (*DayRecord, error) {
	var rec DayRecord
	version, err := w.state.GetJSON(ctx, dayKey(site, day), &rec)
	if err != nil || version == 0 {
		return nil, err
	}
	return &rec, nil
}

// Run executes a job day by day until done or the budget runs out. Only
// one job executes per worker at a time. The resume pointer is persisted
// after every day, so an interrupted run continues at the next day.
func (w *Worker) Run(ctx context.Context, id string) error {
	if !w.running.CompareAndSwap(false, true) {
		return fmt.Errorf("backfill job %s: %w", id, verrors.ErrAlreadyRunning)
	}
	defer w.running.Store(false)

	job, err := w.Status(ctx, id)
	if err != nil {
		return err
	}
	if job.Status != StatusRunning {
		return nil
	}

	runCtx := ctx
	if w.opts.Budget > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, w.opts.Budget)
		defer cancel()
	}

	endDay, err := model.ParseDay(job.EndDay)
	if err != nil {
		return fmt.Errorf("backfill job %s: %w", id, err)
	}
	day, err := model.ParseDay(job.NextDay)
	if err != nil {
		return fmt.Errorf("backfill job %s: %w", id, err)
	}

	for !day.After(endDay) {
		if runCtx.Err() != nil {
			w.log.Info("backfill paused", "job", id, "next_day", day)
			return nil
		}

		imported, err := w.importDay(runCtx, job, day)
		if err != nil {
			if runCtx.Err() != nil && ctx.Err() == nil {
				w.log.Info("backfill paused", "job", id, "next_day", day)
				return nil
			}
			return w.fail(ctx, job, day, err)
		}
		if imported {
			job.DaysDone++
		} else {
			job.DaysSkipped++
		}

		day = day.Next()
		job.NextDay = day.String()
		if err := w.save(ctx, job); err != nil {
			return err
		}

		if w.opts.Throttle > 0 && !day.After(endDay) {
			select {
			case <-runCtx.Done():
			case <-time.After(w.opts.Throttle):
			}
		}
	}

	job.Status = StatusCompleted
	if err := w.save(ctx, job); err != nil {
		return err
	}
	w.log.Info("backfill complete",
		"job", id,
		"site", job.Site,
		"days_done", job.DaysDone,
		"days_skipped", job.DaysSkipped,
		"samples", job.Samples,
		"quarantined", job.Quarantined)
	return nil
}

// importDay fetches and lands one day. Returns false if the day was
// already imported and not forced.
func (w *Worker) importDay(ctx context.Context, job *JobState, day model.Day) (bool, error) {
	if !job.Force {
		rec, err := w.DayStatus(ctx, job.Site, day)
		if err != nil {
			return false, err
		}
		if rec != nil {
			return false, nil
		}
	}

	samples, quarantined, err := w.fetchDay(ctx, job.Site, day)
	if err != nil {
		return false, err
	}
	job.Quarantined += int64(quarantined)

	// ExpectedSamplesPerDay is per point, so the day's expectation scales
	// with the distinct points that reported.
	expected := 0
	coverage := 1.0
	uncertain := false
	if w.opts.ExpectedSamplesPerDay > 0 {
		points := make(map[int64]struct{}, len(samples))
		for i := range samples {
			points[samples[i].PointID] = struct{}{}
		}
		expected = len(points) * w.opts.ExpectedSamplesPerDay
		coverage = 0
		if expected > 0 {
			coverage = float64(len(samples)) / float64(expected)
		}
		uncertain = coverage < w.opts.QualityThreshold
	}

	quality := model.QualityGood
	if uncertain {
		quality = model.QualityUncertain
	}
	for i := range samples {
		samples[i].Quality = quality
		samples[i].Flags |= model.FlagBackfilled
	}

	dest, err := w.land(ctx, job, day, samples)
	if err != nil {
		return false, err
	}
	job.Samples += int64(len(samples))

	rec := DayRecord{
		Site:        job.Site,
		Day:         day.String(),
		JobID:       job.ID,
		Samples:     int64(len(samples)),
		Expected:    expected,
		Coverage:    coverage,
		Uncertain:   uncertain,
		Destination: dest,
		CompletedAt: w.nowFn().UTC(),
	}
	if err := w.state.PutAny(ctx, dayKey(job.Site, day), rec, 0); err != nil {
		return false, fmt.Errorf("record day %s: %w", day, err)
	}

	w.log.Info("day imported",
		"job", job.ID,
		"site", job.Site,
		"day", day,
		"samples", len(samples),
		"coverage", coverage,
		"dest", dest)
	return true, nil
}

// land writes a day's samples to the tier its age demands.
func (w *Worker) land(ctx context.Context, job *JobState, day model.Day, samples []model.Sample) (string, error) {
	boundary := model.ArchiveBoundary(w.nowFn().UTC(), w.opts.HotRetention)
	if !day.Start().Before(boundary) {
		if err := w.hot.UpsertBatch(ctx, samples); err != nil {
			return "", fmt.Errorf("upsert day %s: %w", day, err)
		}
		return "hot", nil
	}

	_, err := w.cold.WriteDay(job.Site, day, samples, job.Force)
	if errors.Is(err, verrors.ErrAlreadyArchived) {
		// Day already cold and not forced; nothing to rewrite.
		return "cold", nil
	}
	if err != nil {
		return "", fmt.Errorf("write day %s: %w", day, err)
	}
	return "cold", nil
}

// fetchDay pulls all pages for one day and transforms them.
func (w *Worker) fetchDay(ctx context.Context, site string, day model.Day) ([]model.Sample, int, error) {
	var raw []upstream.RawSample
	cursor := ""
	for page := 0; w.opts.MaxPages <= 0 || page < w.opts.MaxPages; page++ {
		p, err := w.upstream.FetchPage(ctx, site, day.Start(), day.End(), cursor)
		if err != nil {
			return nil, 0, fmt.Errorf("fetch day %s page %d: %w", day, page+1, err)
		}
		raw = append(raw, p.Samples...)
		if p.NextCursor == "" {
			break
		}
		cursor = p.NextCursor
	}

	samples, quarantined, err := w.transform(ctx, site, day, raw)
	if err != nil {
		return nil, quarantined, err
	}
	sort.Slice(samples, func(i, j int) bool {
		if samples[i].PointID != samples[j].PointID {
			return samples[i].PointID < samples[j].PointID
		}
		return samples[i].TimestampMs < samples[j].TimestampMs
	})
	return samples, quarantined, nil
}

// transform parses raw records into samples for one day, quarantining
// malformed records and any that fall outside the day's bounds.
func (w *Worker) transform(ctx context.Context, site string, day model.Day, raw []upstream.RawSample) ([]model.Sample, int, error) {
	startMs, endMs := day.StartMillis(), day.EndMillis()
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
			continue
		}
		value, err := r.ParseValue()
		if err != nil {
			quarantined++
			continue
		}
		if tsMs < startMs || tsMs >= endMs {
			quarantined++
			continue
		}
		ok = append(ok, parsed{name: r.Name, tsMs: tsMs, value: value})
		names[r.Name] = struct{}{}
	}

	if len(ok) == 0 {
		return nil, quarantined, nil
	}

	nameList := make([]string, 0, len(names))
	for name := range names {
		nameList = append(nameList, name)
	}
	ids, err := w.registry.ResolveBatch(ctx, site, nameList, model.SourceBackfill)
	if err != nil {
		return nil, quarantined, fmt.Errorf("resolve points: %w", err)
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
		})
	}
	return samples, quarantined, nil
}

// fail marks the job FAILED at the given day.
func (w *Worker) fail(ctx context.Context, job *JobState, day model.Day, cause error) error {
	job.Status = StatusFailed
	job.NextDay = day.String()
	job.Error = cause.Error()
	if err := w.save(ctx, job); err != nil {
		return err
	}
	w.log.Error("backfill failed", "job", job.ID, "site", job.Site, "day", day, "error", cause)
	return fmt.Errorf("backfill job %s day %s: %w", job.ID, day, cause)
}

// save persists the job state.
func (w *Worker) save(ctx context.Context, job *JobState) error {
	job.UpdatedAt = w.nowFn().UTC()
	if err := w.state.PutAny(ctx, stateKey(job.ID), job, 0); err != nil {
		return fmt.Errorf("save job state: %w", err)
	}
	return nil
}

// Report returns the per-day import records in [start, end], in order.
// Days without a record are omitted; callers treat gaps as not imported.
func (w *Worker) Report(ctx context.Context, site string, start, end model.Day) ([]DayRecord, error) {
	var out []DayRecord
	for _, day := range model.DaysBetween(start, end) {
		rec, err := w.DayStatus(ctx, site, day)
		if err != nil {
			return nil, err
		}
		if rec != nil {
			out = append(out, *rec)
		}
	}
	return out, nil
}
