// Package archive provides the archival worker: it moves whole days of
// samples from the hot store into immutable cold files, verifying the cold
// copy before any hot row is deleted.
//
// Each day moves through a durable state machine so a crash at any phase
// resumes without data loss. Hot deletion happens strictly after the cold
// file has been re-read and checksummed.
package archive

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/buildingvitals/vitals/internal/coldstore"
	verrors "github.com/buildingvitals/vitals/internal/errors"
	"github.com/buildingvitals/vitals/internal/hotstore"
	"github.com/buildingvitals/vitals/internal/logging"
	"github.com/buildingvitals/vitals/internal/model"
	"github.com/buildingvitals/vitals/internal/statestore"
)

// Phase is an archival job phase.
type Phase string

const (
	PhasePending     Phase = "PENDING"
	PhaseExtracting  Phase = "EXTRACTING"
	PhaseStagingCold Phase = "STAGING_COLD"
	PhaseVerifying   Phase = "VERIFYING"
	PhaseDeletingHot Phase = "DELETING_HOT"
	PhaseCompleted   Phase = "COMPLETED"
	PhaseFailed      Phase = "FAILED"
)

// transitions is the legal phase graph. Any step outside it is a bug.
var transitions = map[Phase]Phase{
	PhasePending:     PhaseExtracting,
	PhaseExtracting:  PhaseStagingCold,
	PhaseStagingCold: PhaseVerifying,
	PhaseVerifying:   PhaseDeletingHot,
	PhaseDeletingHot: PhaseCompleted,
}

// stateKey is the durable state key for a job.
func stateKey(id string) string { return "archive:state:" + id }

// ledgerKey is the durable state key for a completed day.
func ledgerKey(site string, day model.Day) string {
	return "archive:ledger:" + site + ":" + day.Key()
}

// JobState is the durable record of one archival job.
type JobState struct {
	ID    string `json:"id"`
	Site  string `json:"site"`
	Day   string `json:"day"`
	Phase Phase  `json:"phase"`
	Force bool   `json:"force,omitempty"`

	// Offset is the extraction checkpoint, rows staged durably so far.
	Offset    int    `json:"offset"`
	Extracted int64  `json:"extracted"`
	Deleted   int64  `json:"deleted"`
	Error     string `json:"error,omitempty"`

	StartedAt time.Time `json:"started_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// LedgerEntry records a day as durably archived. Its presence makes
// re-archiving the day a no-op unless forced.
type LedgerEntry struct {
	Site        string    `json:"site"`
	Day         string    `json:"day"`
	JobID       string    `json:"job_id"`
	Ref         string    `json:"ref,omitempty"`
	Checksum    string    `json:"checksum,omitempty"`
	RowCount    int64     `json:"row_count"`
	CompletedAt time.Time `json:"completed_at"`
}

// Options configures the archival worker.
type Options struct {
	BatchSize int
	Budget    time.Duration
}

// Worker executes archival jobs. One job runs at a time.
type Worker struct {
	opts  Options
	hot   *hotstore.Store
	cold  *coldstore.Store
	state *statestore.Store
	log   *slog.Logger

	running atomic.Bool
	nowFn   func() time.Time
}

// New creates an archival worker.
func New(opts Options, hot *hotstore.Store, cold *coldstore.Store, state *statestore.Store) *Worker {
	return &Worker{
		opts:  opts,
		hot:   hot,
		cold:  cold,
		state: state,
		log:   logging.Component("archive"),
		nowFn: time.Now,
	}
}

// Archived reports whether a day has a ledger entry, and returns it.
func (w *Worker) Archived(ctx context.Context, site string, day model.Day) (*LedgerEntry, error) {
	var entry LedgerEntry
	version, err := w.state.GetJSON(ctx, ledgerKey(site, day), &entry)
	if err != nil || version == 0 {
		return nil, err
	}
	return &entry, nil
}

// Status returns the durable state of a job.
func (w *Worker) Status(ctx context.Context, id string) (*JobState, error) {
	var job JobState
	version, err := w.state.GetJSON(ctx, stateKey(id), &job)
	if err != nil {
		return nil, err
	}
	if version == 0 {
		return nil, fmt.Errorf("archive job %s: %w", id, verrors.ErrJobNotFound)
	}
	return &job, nil
}

// Trigger creates a job for a day and runs it synchronously. An already
// ledgered day fails with ErrAlreadyArchived unless force is set; a forced
// run rewrites the cold file and supersedes the prior manifest.
func (w *Worker) Trigger(ctx context.Context, site string, day model.Day, force bool) (*JobState, error) {
	job, err := w.Create(ctx, site, day, force)
	if err != nil {
		return nil, err
	}
	if err := w.Run(ctx, job.ID); err != nil {
		return w.refresh(ctx, job.ID, err)
	}
	return w.refresh(ctx, job.ID, nil)
}

// Create persists a PENDING job for a day without executing it. Callers
// that want asynchronous execution follow up with Run.
func (w *Worker) Create(ctx context.Context, site string, day model.Day, force bool) (*JobState, error) {
	if !force {
		entry, err := w.Archived(ctx, site, day)
		if err != nil {
			return nil, err
		}
		if entry != nil {
			return nil, fmt.Errorf("%s/%s: %w", site, day, verrors.ErrAlreadyArchived)
		}
	}

	job := &JobState{
		ID:        ulid.MustNew(ulid.Timestamp(w.nowFn()), rand.Reader).String(),
		Site:      site,
		Day:       day.String(),
		Phase:     PhasePending,
		Force:     force,
		StartedAt: w.nowFn().UTC(),
		UpdatedAt: w.nowFn().UTC(),
	}
	if err := w.state.Put(ctx, stateKey(job.ID), job, 0, 0); err != nil {
		return nil, fmt.Errorf("create archive job: %w", err)
	}
	return job, nil
}

// refresh reloads a job's durable state, preferring runErr over load errors.
func (w *Worker) refresh(ctx context.Context, id string, runErr error) (*JobState, error) {
	job, err := w.Status(ctx, id)
	if err != nil && runErr == nil {
		return nil, err
	}
	return job, runErr
}

// Run executes a job's state machine until COMPLETED, FAILED or budget
// exhaustion. Only one job executes per worker at a time. Each extraction
// batch is staged durably before the checkpoint advances, so a resumed
// job reads the staged prefix back and continues extraction where the
// interrupted run stopped. No hot row is gone until the job reaches
// DELETING_HOT.
func (w *Worker) Run(ctx context.Context, id string) error {
	if !w.running.CompareAndSwap(false, true) {
		return fmt.Errorf("archive job %s: %w", id, verrors.ErrAlreadyRunning)
	}
	defer w.running.Store(false)

	runCtx := ctx
	if w.opts.Budget > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, w.opts.Budget)
		defer cancel()
	}

	job, err := w.Status(ctx, id)
	if err != nil {
		return err
	}
	if job.Phase == PhaseCompleted || job.Phase == PhaseFailed {
		return nil
	}

	day, err := model.ParseDay(job.Day)
	if err != nil {
		return fmt.Errorf("archive job %s: %w", id, err)
	}

	// A job interrupted after staging may resume with a manifest already
	// in place; the rewrite must then be allowed to proceed.
	resumedStaging := job.Phase == PhaseStagingCold

	var samples []model.Sample

	for job.Phase != PhaseCompleted && job.Phase != PhaseFailed {
		if runCtx.Err() != nil {
			w.log.Info("archive run paused", "job", id, "phase", job.Phase)
			return nil
		}

		var phaseErr error
		switch job.Phase {
		case PhasePending:
			// A fresh job never inherits batches staged by an earlier job
			// for the same day.
			phaseErr = w.cold.ClearStaged(job.Site, day)
			if phaseErr == nil {
				phaseErr = w.advance(ctx, job)
			}

		case PhaseExtracting:
			samples, phaseErr = w.extract(runCtx, job, day)
			if phaseErr == nil && len(samples) == 0 {
				phaseErr = w.complete(ctx, job, day)
			} else if phaseErr == nil {
				phaseErr = w.advance(ctx, job)
			}

		case PhaseStagingCold:
			if samples == nil {
				samples, phaseErr = w.extract(runCtx, job, day)
			}
			if phaseErr == nil {
				_, phaseErr = w.cold.WriteDay(job.Site, day, samples, job.Force || resumedStaging)
				if errors.Is(phaseErr, verrors.ErrAlreadyArchived) {
					phaseErr = nil
				}
			}
			if phaseErr == nil {
				phaseErr = w.cold.ClearStaged(job.Site, day)
			}
			if phaseErr == nil {
				phaseErr = w.advance(ctx, job)
			}

		case PhaseVerifying:
			_, phaseErr = w.cold.VerifyDay(job.Site, day)
			if phaseErr != nil && verrors.IsIntegrity(phaseErr) {
				// The cold copy is not trustworthy; the hot data stays.
				return w.fail(ctx, job, phaseErr)
			}
			if phaseErr == nil {
				phaseErr = w.advance(ctx, job)
			}

		case PhaseDeletingHot:
			var deleted int64
			deleted, phaseErr = w.hot.DeleteRange(runCtx, day.StartMillis(), day.EndMillis())
			if phaseErr == nil {
				job.Deleted = deleted
				phaseErr = w.complete(ctx, job, day)
			}

		default:
			return fmt.Errorf("phase %s: %w", job.Phase, verrors.ErrInvalidTransition)
		}

		if phaseErr != nil {
			if runCtx.Err() != nil && ctx.Err() == nil {
				w.log.Info("archive run paused", "job", id, "phase", job.Phase)
				return nil
			}
			return fmt.Errorf("archive job %s phase %s: %w", id, job.Phase, phaseErr)
		}
	}
	return nil
}

// extract reads the day's hot rows in durably staged batches. Batches
// staged by an interrupted run are read back from disk and extraction
// continues at the checkpoint. The staged parts are authoritative: a crash
// between staging a batch and saving the job leaves the offset behind the
// parts, and rederiving it from them closes that gap. Offsets stay valid
// across runs because the day is past the boundary and nothing else
// mutates its hot rows before DELETING_HOT.
func (w *Worker) extract(ctx context.Context, job *JobState, day model.Day) ([]model.Sample, error) {
	all, err := w.cold.ReadStaged(job.Site, day)
	if err != nil {
		return nil, err
	}
	offset := len(all)

	for {
		batch, err := w.hot.ExtractRange(ctx, day.StartMillis(), day.EndMillis(), offset, w.opts.BatchSize)
		if err != nil {
			return nil, err
		}
		if len(batch) > 0 {
			if err := w.cold.StageBatch(job.Site, day, offset, batch); err != nil {
				return nil, err
			}
			all = append(all, batch...)
			offset += len(batch)
		}

		job.Offset = offset
		job.Extracted = int64(offset)
		if err := w.save(ctx, job); err != nil {
			return nil, err
		}

		if len(batch) < w.opts.BatchSize {
			return all, nil
		}
	}
}

// advance moves the job to its next phase and persists it.
func (w *Worker) advance(ctx context.Context, job *JobState) error {
	next, ok := transitions[job.Phase]
	if !ok {
		return fmt.Errorf("from %s: %w", job.Phase, verrors.ErrInvalidTransition)
	}
	job.Phase = next
	return w.save(ctx, job)
}

// complete marks the job COMPLETED and appends the ledger entry. With an
// empty day there is no cold file and the ledger records zero rows.
func (w *Worker) complete(ctx context.Context, job *JobState, day model.Day) error {
	entry := LedgerEntry{
		Site:        job.Site,
		Day:         job.Day,
		JobID:       job.ID,
		RowCount:    job.Extracted,
		CompletedAt: w.nowFn().UTC(),
	}
	if job.Extracted > 0 {
		m, err := w.cold.Manifest(job.Site, day)
		if err != nil {
			return err
		}
		entry.Ref = w.cold.Ref(job.Site, day)
		entry.Checksum = m.Checksum
		entry.RowCount = m.RowCount
	}

	if err := w.state.PutAny(ctx, ledgerKey(job.Site, day), entry, 0); err != nil {
		return fmt.Errorf("write ledger: %w", err)
	}

	job.Phase = PhaseCompleted
	job.Offset = 0
	if err := w.save(ctx, job); err != nil {
		return err
	}

	w.log.Info("day archived",
		"job", job.ID,
		"site", job.Site,
		"day", job.Day,
		"rows", entry.RowCount,
		"deleted", job.Deleted)
	return nil
}

// fail marks the job FAILED with the cause. Hot data is left untouched.
func (w *Worker) fail(ctx context.Context, job *JobState, cause error) error {
	job.Phase = PhaseFailed
	job.Error = cause.Error()
	if err := w.save(ctx, job); err != nil {
		return err
	}
	w.log.Error("archive job failed", "job", job.ID, "site", job.Site, "day", job.Day, "error", cause)
	return fmt.Errorf("archive job %s: %w", job.ID, cause)
}

// save persists the job state.
func (w *Worker) save(ctx context.Context, job *JobState) error {
	job.UpdatedAt = w.nowFn().UTC()
	if err := w.state.PutAny(ctx, stateKey(job.ID), job, 0); err != nil {
		return fmt.Errorf("save job state: %w", err)
	}
	return nil
}

// NextDue returns the oldest day older than the retention boundary that
// still has hot rows and no ledger entry, false if no day is due.
func (w *Worker) NextDue(ctx context.Context, site string, retention time.Duration) (model.Day, bool, error) {
	boundary := model.ArchiveBoundary(w.nowFn().UTC(), retention)

	oldestMs, _, err := w.hot.TimeBounds(ctx)
	if err != nil {
		return model.Day{}, false, fmt.Errorf("hot bounds: %w", err)
	}
	if oldestMs == 0 || oldestMs >= boundary.UnixMilli() {
		return model.Day{}, false, nil
	}

	for day := model.DayOfMillis(oldestMs); day.Start().Before(boundary); day = day.Next() {
		entry, err := w.Archived(ctx, site, day)
		if err != nil {
			return model.Day{}, false, err
		}
		if entry == nil {
			return day, true, nil
		}
	}
	return model.Day{}, false, nil
}

// RunDue archives every fully-elapsed day older than the retention
// boundary that still has hot rows and no ledger entry. Called by the
// scheduler once per day and safe to call more often.
func (w *Worker) RunDue(ctx context.Context, site string, retention time.Duration) error {
	boundary := model.ArchiveBoundary(w.nowFn().UTC(), retention)

	oldestMs, _, err := w.hot.TimeBounds(ctx)
	if err != nil {
		return fmt.Errorf("hot bounds: %w", err)
	}
	if oldestMs == 0 || oldestMs >= boundary.UnixMilli() {
		return nil
	}

	for day := model.DayOfMillis(oldestMs); day.Start().Before(boundary); day = day.Next() {
		entry, err := w.Archived(ctx, site, day)
		if err != nil {
			return err
		}
		if entry != nil {
			continue
		}
		if _, err := w.Trigger(ctx, site, day, false); err != nil {
			if errors.Is(err, verrors.ErrAlreadyArchived) {
				continue
			}
			return err
		}
		if ctx.Err() != nil {
			return nil
		}
	}
	return nil
}
