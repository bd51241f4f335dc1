package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/buildingvitals/vitals/internal/archive"
	"github.com/buildingvitals/vitals/internal/backfill"
	"github.com/buildingvitals/vitals/internal/coldstore"
	"github.com/buildingvitals/vitals/internal/db"
	"github.com/buildingvitals/vitals/internal/hotstore"
	"github.com/buildingvitals/vitals/internal/model"
	"github.com/buildingvitals/vitals/internal/query"
	"github.com/buildingvitals/vitals/internal/registry"
	"github.com/buildingvitals/vitals/internal/statestore"
	"github.com/buildingvitals/vitals/internal/upstream"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// stubFetcher serves a fixed sample count for any requested window.
type stubFetcher struct {
	perDay int
}

func (f *stubFetcher) FetchPage(_ context.Context, _ string, start, _ time.Time, _ string) (*upstream.Page, error) {
	day := model.DayOf(start)
	page := &upstream.Page{}
	for i := 0; i < f.perDay; i++ {
		payload := fmt.Sprintf(`{"name":"ahu1/sat","time":%d,"value":%d}`,
			day.StartMillis()+int64(i)*1000, i)
		var r upstream.RawSample
		if err := r.UnmarshalJSON([]byte(payload)); err != nil {
			return nil, err
		}
		page.Samples = append(page.Samples, r)
	}
	return page, nil
}

type env struct {
	ts     *httptest.Server
	client *http.Client

	reg  *registry.Registry
	hot  *hotstore.Store
	cold *coldstore.Store
}

func newTestServer(t *testing.T) *env {
	t.Helper()
	database, err := db.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	state, err := statestore.New(database)
	require.NoError(t, err)
	reg, err := registry.New(database)
	require.NoError(t, err)
	hot, err := hotstore.New(database)
	require.NoError(t, err)
	cold, err := coldstore.New(t.TempDir(), "zstd", 0)
	require.NoError(t, err)

	retention := 30 * 24 * time.Hour
	deps := Deps{
		Query: query.New(query.Options{
			MaxRows:         10000,
			ColdConcurrency: 2,
			HotRetention:    retention,
		}, reg, hot, cold),
		Archive: archive.New(archive.Options{BatchSize: 500}, hot, cold, state),
		Backfill: backfill.New(backfill.Options{
			ExpectedSamplesPerDay: 10,
			QualityThreshold:      0.8,
			HotRetention:          retention,
		}, &stubFetcher{perDay: 10}, reg, hot, cold, state),
		Registry:     reg,
		DefaultSite:  "site-a",
		HotRetention: retention,
	}

	srv := New("127.0.0.1:0", deps)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &env{ts: ts, client: ts.Client(), reg: reg, hot: hot, cold: cold}
}

func (e *env) post(t *testing.T, path string, body, out any) int {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := e.client.Post(e.ts.URL+path, "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func (e *env) get(t *testing.T, path string, out any) int {
	t.Helper()
	resp, err := e.client.Get(e.ts.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func (e *env) seedPoint(t *testing.T, name string) int64 {
	t.Helper()
	ids, err := e.reg.ResolveBatch(context.Background(), "site-a", []string{name}, model.SourceSync)
	require.NoError(t, err)
	return ids[name]
}

func (e *env) seedHot(t *testing.T, pointID int64, start time.Time, n int) {
	t.Helper()
	samples := make([]model.Sample, n)
	for i := range samples {
		samples[i] = model.Sample{
			PointID:     pointID,
			TimestampMs: start.Add(time.Duration(i) * time.Minute).UnixMilli(),
			Value:       float64(i),
			Quality:     model.QualityGood,
		}
	}
	require.NoError(t, e.hot.UpsertBatch(context.Background(), samples))
}

func TestHealth(t *testing.T) {
	env := newTestServer(t)

	var out map[string]any
	status := env.get(t, "/api/health", &out)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", out["status"])
}

func TestQueryEndpoint(t *testing.T) {
	env := newTestServer(t)
	id := env.seedPoint(t, "ahu1/sat")
	start := time.Now().UTC().Add(-time.Hour)
	env.seedHot(t, id, start, 5)

	var out queryResponse
	status := env.post(t, "/api/query", map[string]any{
		"points": []string{"ahu1/sat"},
		"start":  start.UnixMilli(),
		"end":    time.Now().UTC().Format(time.RFC3339),
	}, &out)
	require.Equal(t, http.StatusOK, status)

	require.Len(t, out.Series, 1)
	assert.Equal(t, "ahu1/sat", out.Series[0].Point)
	require.Len(t, out.Series[0].Samples, 5)
	assert.Equal(t, 5, out.Total)
	assert.Contains(t, out.Sources, "hot")
	assert.False(t, out.Degraded)

	for i := 1; i < len(out.Series[0].Samples); i++ {
		assert.Less(t, out.Series[0].Samples[i-1].Ts, out.Series[0].Samples[i].Ts)
	}
}

func TestQueryDownsampledEndpoint(t *testing.T) {
	env := newTestServer(t)
	id := env.seedPoint(t, "ahu1/sat")
	start := time.Now().UTC().Truncate(time.Hour).Add(-time.Hour)
	env.seedHot(t, id, start, 30)

	var out queryResponse
	status := env.post(t, "/api/query", map[string]any{
		"points":     []string{"ahu1/sat"},
		"start":      start.UnixMilli(),
		"end":        start.Add(30 * time.Minute).UnixMilli(),
		"resolution": "15m",
	}, &out)
	require.Equal(t, http.StatusOK, status)

	require.Len(t, out.Series, 1)
	require.NotEmpty(t, out.Series[0].Buckets)
	assert.Empty(t, out.Series[0].Samples)
	assert.EqualValues(t, 15, out.Series[0].Buckets[0].Count)
}

func TestQueryMissingPoints(t *testing.T) {
	env := newTestServer(t)

	var out errorBody
	status := env.post(t, "/api/query", map[string]any{
		"start": 0,
		"end":   time.Now().UnixMilli(),
	}, &out)
	require.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "INVALID_REQUEST", out.Code)
}

func TestQueryUnknownPointSuggests(t *testing.T) {
	env := newTestServer(t)
	env.seedPoint(t, "ahu1/sat")

	var out errorBody
	status := env.post(t, "/api/query", map[string]any{
		"points": []string{"ahu1/satt"},
		"start":  0,
		"end":    time.Now().UnixMilli(),
	}, &out)
	require.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "POINT_NOT_FOUND", out.Code)
	assert.Contains(t, out.Suggestions, "ahu1/sat")
}

func TestQueryBadResolution(t *testing.T) {
	env := newTestServer(t)

	var out errorBody
	status := env.post(t, "/api/query", map[string]any{
		"points":     []string{"p"},
		"end":        1,
		"resolution": "sideways",
	}, &out)
	require.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "INVALID_REQUEST", out.Code)
}

func TestQueryMalformedBody(t *testing.T) {
	env := newTestServer(t)

	resp, err := env.client.Post(env.ts.URL+"/api/query", "application/json",
		bytes.NewReader([]byte(`{"points": [`)))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestArchiveLifecycle(t *testing.T) {
	env := newTestServer(t)

	day := model.DayOf(time.Now().UTC().Add(-60 * 24 * time.Hour))
	samples := make([]model.Sample, 20)
	for i := range samples {
		samples[i] = model.Sample{
			PointID:     1,
			TimestampMs: day.StartMillis() + int64(i)*1000,
			Value:       float64(i),
		}
	}
	require.NoError(t, env.hot.UpsertBatch(context.Background(), samples))

	var job archive.JobState
	status := env.post(t, "/api/archive/trigger", map[string]any{
		"day": day.String(),
	}, &job)
	require.Equal(t, http.StatusAccepted, status)
	require.NotEmpty(t, job.ID)

	require.Eventually(t, func() bool {
		var polled archive.JobState
		if env.get(t, "/api/archive/status/"+job.ID, &polled) != http.StatusOK {
			return false
		}
		return polled.Phase == archive.PhaseCompleted
	}, 5*time.Second, 20*time.Millisecond, "archive job never completed")

	assert.True(t, env.cold.HasDay("site-a", day))
	count, err := env.hot.CountRange(context.Background(), []int64{1}, day.StartMillis(), day.EndMillis()-1)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestArchiveTriggerWithoutDayPicksOldestDue(t *testing.T) {
	env := newTestServer(t)

	day := model.DayOf(time.Now().UTC().Add(-45 * 24 * time.Hour))
	require.NoError(t, env.hot.UpsertBatch(context.Background(), []model.Sample{
		{PointID: 1, TimestampMs: day.StartMillis() + 1000, Value: 1},
	}))

	var job archive.JobState
	status := env.post(t, "/api/archive/trigger", map[string]any{}, &job)
	require.Equal(t, http.StatusAccepted, status)
	assert.Equal(t, day.String(), job.Day)

	require.Eventually(t, func() bool {
		var polled archive.JobState
		if env.get(t, "/api/archive/status/"+job.ID, &polled) != http.StatusOK {
			return false
		}
		return polled.Phase == archive.PhaseCompleted
	}, 5*time.Second, 20*time.Millisecond)
}

func TestArchiveTriggerNothingDue(t *testing.T) {
	env := newTestServer(t)

	var out map[string]any
	status := env.post(t, "/api/archive/trigger", map[string]any{}, &out)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "idle", out["status"])
}

func TestArchiveStatusUnknownJob(t *testing.T) {
	env := newTestServer(t)

	var out errorBody
	status := env.get(t, "/api/archive/status/no-such-job", &out)
	require.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "NOT_FOUND", out.Code)
}

func TestArchiveInvalidDay(t *testing.T) {
	env := newTestServer(t)

	var out errorBody
	status := env.post(t, "/api/archive/trigger", map[string]any{
		"day": "not-a-day",
	}, &out)
	require.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "INVALID_REQUEST", out.Code)
}

func TestBackfillLifecycle(t *testing.T) {
	env := newTestServer(t)
	day := model.DayOf(time.Now().UTC().Add(-60 * 24 * time.Hour))

	var job backfill.JobState
	status := env.post(t, "/api/backfill/start", map[string]any{
		"start_day": day.String(),
		"end_day":   day.String(),
	}, &job)
	require.Equal(t, http.StatusAccepted, status)
	require.NotEmpty(t, job.ID)

	require.Eventually(t, func() bool {
		var polled backfill.JobState
		if env.get(t, "/api/backfill/status/"+job.ID, &polled) != http.StatusOK {
			return false
		}
		return polled.Status == backfill.StatusCompleted
	}, 5*time.Second, 20*time.Millisecond, "backfill job never completed")

	var report struct {
		Days []backfill.DayRecord `json:"days"`
	}
	status = env.get(t, "/api/backfill/report?start="+day.String()+"&end="+day.String(), &report)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, report.Days, 1)
	assert.Equal(t, "cold", report.Days[0].Destination)
	assert.EqualValues(t, 10, report.Days[0].Samples)

	assert.True(t, env.cold.HasDay("site-a", day))
}

func TestBackfillInvalidRange(t *testing.T) {
	env := newTestServer(t)

	var out errorBody
	status := env.post(t, "/api/backfill/start", map[string]any{
		"start_day": "2026-01-10",
		"end_day":   "2026-01-05",
	}, &out)
	require.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "INVALID_REQUEST", out.Code)
}

func TestListPoints(t *testing.T) {
	env := newTestServer(t)
	env.seedPoint(t, "ahu1/sat")
	env.seedPoint(t, "ahu1/rat")

	var out struct {
		Points []model.Point `json:"points"`
	}
	status := env.get(t, "/api/points", &out)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, out.Points, 2)
	assert.Equal(t, "ahu1/rat", out.Points[0].Name)
}

func TestRequestIDEcho(t *testing.T) {
	env := newTestServer(t)

	req, err := http.NewRequest(http.MethodGet, env.ts.URL+"/api/health", nil)
	require.NoError(t, err)
	req.Header.Set("X-Request-ID", "req-123")

	resp, err := env.client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "req-123", resp.Header.Get("X-Request-ID"))
}
