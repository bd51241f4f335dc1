package hotstore

import (
	"context"
	"testing"

	"github.com/buildingvitals/vitals/internal/db"
	"github.com/buildingvitals/vitals/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	database, err := db.OpenMemory()
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	store, err := New(database)
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	return store
}

func sample(pointID, tsMs int64, value float64) model.Sample {
	return model.Sample{PointID: pointID, TimestampMs: tsMs, Value: value}
}

func TestUpsertIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	batch := []model.Sample{
		sample(1, 1000, 20.5),
		sample(1, 2000, 21.0),
		sample(2, 1000, 55.0),
	}
	if err := store.UpsertBatch(ctx, batch); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	// Redelivery with one changed value replaces, never duplicates.
	batch[1].Value = 21.5
	if err := store.UpsertBatch(ctx, batch); err != nil {
		t.Fatalf("re-upsert: %v", err)
	}

	got, err := store.Query(ctx, []int64{1, 2}, 0, 10000, 0)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("rows = %d, want 3", len(got))
	}
	if got[1].Value != 21.5 {
		t.Errorf("replaced value = %v, want 21.5", got[1].Value)
	}
}

func TestUpsertLargeBatchChunks(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	var batch []model.Sample
	for i := 0; i < maxSamplesPerInsert*2+17; i++ {
		batch = append(batch, sample(1, int64(i)*1000, float64(i)))
	}
	if err := store.UpsertBatch(ctx, batch); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	count, err := store.CountRange(ctx, []int64{1}, 0, int64(len(batch))*1000)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != int64(len(batch)) {
		t.Errorf("count = %d, want %d", count, len(batch))
	}
}

func TestQueryOrderAndBounds(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	batch := []model.Sample{
		sample(2, 3000, 3),
		sample(1, 2000, 2),
		sample(1, 1000, 1),
		sample(2, 1000, 1),
	}
	if err := store.UpsertBatch(ctx, batch); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, err := store.Query(ctx, []int64{1, 2}, 1000, 2500, 0)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	want := []struct {
		point int64
		ts    int64
	}{{1, 1000}, {1, 2000}, {2, 1000}}
	if len(got) != len(want) {
		t.Fatalf("rows = %d, want %d", len(got), len(want))
	}
	for i, w := range want {
		if got[i].PointID != w.point || got[i].TimestampMs != w.ts {
			t.Errorf("row %d = (%d, %d), want (%d, %d)", i, got[i].PointID, got[i].TimestampMs, w.point, w.ts)
		}
	}

	// Unrequested points stay out.
	got, err = store.Query(ctx, []int64{1}, 0, 10000, 0)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	for _, s := range got {
		if s.PointID != 1 {
			t.Errorf("unexpected point %d", s.PointID)
		}
	}
}

func TestExtractRangeCheckpointing(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	var batch []model.Sample
	for i := 0; i < 10; i++ {
		batch = append(batch, sample(1, int64(i)*1000, float64(i)))
	}
	if err := store.UpsertBatch(ctx, batch); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	// Two overlapping reads at consecutive offsets cover the range
	// exactly once.
	first, err := store.ExtractRange(ctx, 0, 10000, 0, 4)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	second, err := store.ExtractRange(ctx, 0, 10000, 4, 10)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if len(first) != 4 || len(second) != 6 {
		t.Fatalf("batch sizes = %d, %d", len(first), len(second))
	}
	if first[3].TimestampMs != 3000 || second[0].TimestampMs != 4000 {
		t.Errorf("batches not contiguous: %d then %d", first[3].TimestampMs, second[0].TimestampMs)
	}

	// Range bounds are [start, end).
	bounded, err := store.ExtractRange(ctx, 2000, 5000, 0, 100)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if len(bounded) != 3 {
		t.Errorf("bounded rows = %d, want 3", len(bounded))
	}
}

func TestDeleteRange(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		if err := store.UpsertBatch(ctx, []model.Sample{sample(1, int64(i)*1000, 0)}); err != nil {
			t.Fatalf("upsert: %v", err)
		}
	}

	deleted, err := store.DeleteRange(ctx, 0, 5000)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if deleted != 5 {
		t.Errorf("deleted = %d, want 5", deleted)
	}

	// Deleting the same range again is a no-op.
	deleted, err = store.DeleteRange(ctx, 0, 5000)
	if err != nil {
		t.Fatalf("re-delete: %v", err)
	}
	if deleted != 0 {
		t.Errorf("re-delete removed %d rows", deleted)
	}

	remaining, err := store.CountBefore(ctx, 100000)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if remaining != 5 {
		t.Errorf("remaining = %d, want 5", remaining)
	}
}

func TestTimeBounds(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	oldest, newest, err := store.TimeBounds(ctx)
	if err != nil {
		t.Fatalf("bounds: %v", err)
	}
	if oldest != 0 || newest != 0 {
		t.Errorf("empty bounds = %d, %d", oldest, newest)
	}

	if err := store.UpsertBatch(ctx, []model.Sample{sample(1, 5000, 0), sample(1, 9000, 0)}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	oldest, newest, err = store.TimeBounds(ctx)
	if err != nil {
		t.Fatalf("bounds: %v", err)
	}
	if oldest != 5000 || newest != 9000 {
		t.Errorf("bounds = %d, %d, want 5000, 9000", oldest, newest)
	}
}
