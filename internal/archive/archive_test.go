package archive

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/buildingvitals/vitals/internal/coldstore"
	"github.com/buildingvitals/vitals/internal/db"
	verrors "github.com/buildingvitals/vitals/internal/errors"
	"github.com/buildingvitals/vitals/internal/hotstore"
	"github.com/buildingvitals/vitals/internal/model"
	"github.com/buildingvitals/vitals/internal/statestore"
)

type testEnv struct {
	worker *Worker
	hot    *hotstore.Store
	cold   *coldstore.Store
	state  *statestore.Store
}

func newTestEnv(t *testing.T, now time.Time) *testEnv {
	t.Helper()
	database, err := db.OpenMemory()
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	state, err := statestore.New(database)
	if err != nil {
		t.Fatalf("state store: %v", err)
	}
	hot, err := hotstore.New(database)
	if err != nil {
		t.Fatalf("hot store: %v", err)
	}
	cold, err := coldstore.New(t.TempDir(), "zstd", 0)
	if err != nil {
		t.Fatalf("cold store: %v", err)
	}

	worker := New(Options{BatchSize: 100}, hot, cold, state)
	worker.nowFn = func() time.Time { return now }
	return &testEnv{worker: worker, hot: hot, cold: cold, state: state}
}

func seedDay(t *testing.T, hot *hotstore.Store, day model.Day, pointID int64, n int) {
	t.Helper()
	samples := make([]model.Sample, n)
	for i := range samples {
		samples[i] = model.Sample{
			PointID:     pointID,
			TimestampMs: day.StartMillis() + int64(i)*1000,
			Value:       float64(i),
		}
	}
	if err := hot.UpsertBatch(context.Background(), samples); err != nil {
		t.Fatalf("seed hot: %v", err)
	}
}

func TestTriggerArchivesWholeDay(t *testing.T) {
	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	env := newTestEnv(t, now)
	ctx := context.Background()

	day := model.Day{Year: 2026, Month: 1, Dom: 10}
	seedDay(t, env.hot, day, 1, 250)
	// A neighboring day must stay untouched.
	other := day.Next()
	seedDay(t, env.hot, other, 1, 5)

	job, err := env.worker.Trigger(ctx, "site-a", day, false)
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if job.Phase != PhaseCompleted {
		t.Fatalf("phase = %s, want COMPLETED", job.Phase)
	}
	if job.Extracted != 250 || job.Deleted != 250 {
		t.Errorf("extracted=%d deleted=%d, want 250/250", job.Extracted, job.Deleted)
	}

	// Hot side: only the archived day is gone.
	inDay, _ := env.hot.CountRange(ctx, []int64{1}, day.StartMillis(), day.EndMillis()-1)
	if inDay != 0 {
		t.Errorf("hot rows left in archived day: %d", inDay)
	}
	nextDay, _ := env.hot.CountRange(ctx, []int64{1}, other.StartMillis(), other.EndMillis()-1)
	if nextDay != 5 {
		t.Errorf("neighboring day rows = %d, want 5", nextDay)
	}

	// Cold side: the day reads back complete.
	samples, m, err := env.cold.ReadDay("site-a", day)
	if err != nil {
		t.Fatalf("read cold: %v", err)
	}
	if len(samples) != 250 || m.RowCount != 250 {
		t.Errorf("cold rows = %d, manifest %d", len(samples), m.RowCount)
	}

	// Ledger entry makes the day durably done.
	entry, err := env.worker.Archived(ctx, "site-a", day)
	if err != nil {
		t.Fatalf("archived: %v", err)
	}
	if entry == nil || entry.RowCount != 250 || entry.JobID != job.ID {
		t.Errorf("ledger = %+v", entry)
	}
}

func TestTriggerLedgeredDayIsNoop(t *testing.T) {
	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	env := newTestEnv(t, now)
	ctx := context.Background()

	day := model.Day{Year: 2026, Month: 1, Dom: 10}
	seedDay(t, env.hot, day, 1, 10)

	if _, err := env.worker.Trigger(ctx, "site-a", day, false); err != nil {
		t.Fatalf("first trigger: %v", err)
	}

	_, err := env.worker.Trigger(ctx, "site-a", day, false)
	if !errors.Is(err, verrors.ErrAlreadyArchived) {
		t.Errorf("re-trigger: err = %v, want ErrAlreadyArchived", err)
	}
}

func TestForceRearchiveSupersedes(t *testing.T) {
	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	env := newTestEnv(t, now)
	ctx := context.Background()

	day := model.Day{Year: 2026, Month: 1, Dom: 10}
	seedDay(t, env.hot, day, 1, 10)
	if _, err := env.worker.Trigger(ctx, "site-a", day, false); err != nil {
		t.Fatalf("first trigger: %v", err)
	}
	first, _ := env.cold.Manifest("site-a", day)

	// New late-arriving rows for the same day.
	seedDay(t, env.hot, day, 2, 20)
	job, err := env.worker.Trigger(ctx, "site-a", day, true)
	if err != nil {
		t.Fatalf("forced trigger: %v", err)
	}
	if job.Phase != PhaseCompleted {
		t.Fatalf("phase = %s", job.Phase)
	}

	m, err := env.cold.Manifest("site-a", day)
	if err != nil {
		t.Fatalf("manifest: %v", err)
	}
	if m.RowCount != 20 {
		t.Errorf("rewritten rows = %d, want 20", m.RowCount)
	}
	if m.Supersedes != first.Checksum {
		t.Errorf("supersedes = %q, want %q", m.Supersedes, first.Checksum)
	}
}

func TestEmptyDayCompletesWithoutColdFile(t *testing.T) {
	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	env := newTestEnv(t, now)
	ctx := context.Background()

	day := model.Day{Year: 2026, Month: 1, Dom: 10}
	job, err := env.worker.Trigger(ctx, "site-a", day, false)
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if job.Phase != PhaseCompleted {
		t.Fatalf("phase = %s", job.Phase)
	}
	if env.cold.HasDay("site-a", day) {
		t.Error("cold file written for empty day")
	}

	entry, _ := env.worker.Archived(ctx, "site-a", day)
	if entry == nil || entry.RowCount != 0 || entry.Ref != "" {
		t.Errorf("ledger = %+v", entry)
	}
}

func TestVerifyFailureLeavesHotIntact(t *testing.T) {
	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	env := newTestEnv(t, now)
	ctx := context.Background()

	day := model.Day{Year: 2026, Month: 1, Dom: 10}
	seedDay(t, env.hot, day, 1, 50)

	// Stage the day ourselves and corrupt the staged file, then hand the
	// job to the worker at VERIFYING.
	samples, err := env.hot.ExtractRange(ctx, day.StartMillis(), day.EndMillis(), 0, 1000)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if _, err := env.cold.WriteDay("site-a", day, samples, false); err != nil {
		t.Fatalf("stage: %v", err)
	}
	path := env.cold.DataPath("site-a", day)
	data, _ := os.ReadFile(path)
	data[len(data)/2] ^= 0xff
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("corrupt: %v", err)
	}

	job := &JobState{
		ID:        "01TESTJOBVERIFYFAIL000000X",
		Site:      "site-a",
		Day:       day.String(),
		Phase:     PhaseVerifying,
		Extracted: 50,
		StartedAt: now,
	}
	if err := env.state.PutAny(ctx, "archive:state:"+job.ID, job, 0); err != nil {
		t.Fatalf("seed job: %v", err)
	}

	if err := env.worker.Run(ctx, job.ID); err == nil {
		t.Fatal("expected verify failure")
	}

	got, err := env.worker.Status(ctx, job.ID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if got.Phase != PhaseFailed || got.Error == "" {
		t.Errorf("job = %+v", got)
	}

	// The destructive step never ran.
	count, _ := env.hot.CountRange(ctx, []int64{1}, day.StartMillis(), day.EndMillis()-1)
	if count != 50 {
		t.Errorf("hot rows = %d, want 50 untouched", count)
	}
	if entry, _ := env.worker.Archived(ctx, "site-a", day); entry != nil {
		t.Errorf("ledger written despite failed verify: %+v", entry)
	}
}

func TestResumeFromStaging(t *testing.T) {
	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	env := newTestEnv(t, now)
	ctx := context.Background()

	day := model.Day{Year: 2026, Month: 1, Dom: 10}
	seedDay(t, env.hot, day, 1, 30)

	// Simulate a crash after the manifest was written but before the
	// phase advanced: the resumed job must push through to completion.
	samples, err := env.hot.ExtractRange(ctx, day.StartMillis(), day.EndMillis(), 0, 1000)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if _, err := env.cold.WriteDay("site-a", day, samples, false); err != nil {
		t.Fatalf("stage: %v", err)
	}

	job := &JobState{
		ID:        "01TESTJOBRESUMESTAGING000X",
		Site:      "site-a",
		Day:       day.String(),
		Phase:     PhaseStagingCold,
		Extracted: 30,
		StartedAt: now,
	}
	if err := env.state.PutAny(ctx, "archive:state:"+job.ID, job, 0); err != nil {
		t.Fatalf("seed job: %v", err)
	}

	if err := env.worker.Run(ctx, job.ID); err != nil {
		t.Fatalf("resume run: %v", err)
	}
	got, _ := env.worker.Status(ctx, job.ID)
	if got.Phase != PhaseCompleted {
		t.Errorf("phase = %s, want COMPLETED", got.Phase)
	}
	count, _ := env.hot.CountRange(ctx, []int64{1}, day.StartMillis(), day.EndMillis()-1)
	if count != 0 {
		t.Errorf("hot rows = %d after resumed archive", count)
	}
}

func TestExtractResumesFromStagedBatches(t *testing.T) {
	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	env := newTestEnv(t, now)
	ctx := context.Background()

	worker := New(Options{BatchSize: 2}, env.hot, env.cold, env.state)
	worker.nowFn = func() time.Time { return now }

	day := model.Day{Year: 2026, Month: 1, Dom: 10}
	seedDay(t, env.hot, day, 1, 5)

	// Simulate a run that staged its first batch and checkpointed before
	// being cut off. The staged copies carry a sentinel value so a restart
	// from zero would be visible in the final file.
	first, err := env.hot.ExtractRange(ctx, day.StartMillis(), day.EndMillis(), 0, 2)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	for i := range first {
		first[i].Value = 999
	}
	if err := env.cold.StageBatch("site-a", day, 0, first); err != nil {
		t.Fatalf("stage: %v", err)
	}

	job := &JobState{
		ID:        "01TESTJOBRESUMEEXTRACT000X",
		Site:      "site-a",
		Day:       day.String(),
		Phase:     PhaseExtracting,
		Offset:    2,
		Extracted: 2,
		StartedAt: now,
	}
	if err := env.state.PutAny(ctx, "archive:state:"+job.ID, job, 0); err != nil {
		t.Fatalf("seed job: %v", err)
	}

	if err := worker.Run(ctx, job.ID); err != nil {
		t.Fatalf("resume run: %v", err)
	}
	got, _ := worker.Status(ctx, job.ID)
	if got.Phase != PhaseCompleted || got.Extracted != 5 {
		t.Fatalf("job = %+v", got)
	}

	samples, m, err := env.cold.ReadDay("site-a", day)
	if err != nil {
		t.Fatalf("read cold: %v", err)
	}
	if m.RowCount != 5 {
		t.Fatalf("cold rows = %d, want 5", m.RowCount)
	}
	// The first two rows came from the staged batch, not re-extraction.
	for i, s := range samples {
		want := 999.0
		if i >= 2 {
			want = float64(i)
		}
		if s.Value != want {
			t.Errorf("row %d value = %v, want %v", i, s.Value, want)
		}
	}

	if staged, _ := env.cold.ReadStaged("site-a", day); staged != nil {
		t.Errorf("staging not cleared after completion: %d rows", len(staged))
	}
}

func TestFreshJobClearsStaleStaging(t *testing.T) {
	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	env := newTestEnv(t, now)
	ctx := context.Background()

	day := model.Day{Year: 2026, Month: 1, Dom: 10}
	seedDay(t, env.hot, day, 1, 10)

	// A part left behind by an abandoned job must not leak into a new one.
	stale := []model.Sample{{PointID: 9, TimestampMs: day.StartMillis(), Value: 999}}
	if err := env.cold.StageBatch("site-a", day, 0, stale); err != nil {
		t.Fatalf("stage: %v", err)
	}

	job, err := env.worker.Trigger(ctx, "site-a", day, false)
	if err != nil {
		t.Fatalf("trigger: %v", err)
	}
	if job.Phase != PhaseCompleted || job.Extracted != 10 {
		t.Fatalf("job = %+v", job)
	}

	samples, _, err := env.cold.ReadDay("site-a", day)
	if err != nil {
		t.Fatalf("read cold: %v", err)
	}
	for _, s := range samples {
		if s.PointID == 9 {
			t.Fatal("stale staged row leaked into the archive")
		}
	}
}

func TestRunDueArchivesOldDays(t *testing.T) {
	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	env := newTestEnv(t, now)
	ctx := context.Background()
	retention := 30 * 24 * time.Hour

	oldDay := model.DayOf(now.Add(-40 * 24 * time.Hour))
	recentDay := model.DayOf(now.Add(-2 * 24 * time.Hour))
	seedDay(t, env.hot, oldDay, 1, 10)
	seedDay(t, env.hot, recentDay, 1, 10)

	if err := env.worker.RunDue(ctx, "site-a", retention); err != nil {
		t.Fatalf("run due: %v", err)
	}

	if entry, _ := env.worker.Archived(ctx, "site-a", oldDay); entry == nil {
		t.Error("old day not archived")
	}
	if entry, _ := env.worker.Archived(ctx, "site-a", recentDay); entry != nil {
		t.Error("recent day archived too early")
	}

	count, _ := env.hot.CountRange(ctx, []int64{1}, recentDay.StartMillis(), recentDay.EndMillis()-1)
	if count != 10 {
		t.Errorf("recent hot rows = %d, want 10", count)
	}
}

func TestNextDue(t *testing.T) {
	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	env := newTestEnv(t, now)
	ctx := context.Background()
	retention := 30 * 24 * time.Hour

	oldDay := model.DayOf(now.Add(-40 * 24 * time.Hour))
	recentDay := model.DayOf(now.Add(-2 * 24 * time.Hour))
	seedDay(t, env.hot, oldDay, 1, 3)
	seedDay(t, env.hot, recentDay, 1, 3)

	due, ok, err := env.worker.NextDue(ctx, "site-a", retention)
	if err != nil {
		t.Fatalf("next due: %v", err)
	}
	if !ok || due != oldDay {
		t.Fatalf("due = %v (%v), want %v", due, ok, oldDay)
	}

	if _, err := env.worker.Trigger(ctx, "site-a", oldDay, false); err != nil {
		t.Fatalf("trigger: %v", err)
	}

	// The only remaining hot rows are inside the retention window.
	_, ok, err = env.worker.NextDue(ctx, "site-a", retention)
	if err != nil {
		t.Fatalf("next due: %v", err)
	}
	if ok {
		t.Error("day reported due inside the retention window")
	}
}

func TestStatusUnknownJob(t *testing.T) {
	env := newTestEnv(t, time.Now())

	_, err := env.worker.Status(context.Background(), "no-such-job")
	if !errors.Is(err, verrors.ErrJobNotFound) {
		t.Errorf("err = %v, want ErrJobNotFound", err)
	}
}
