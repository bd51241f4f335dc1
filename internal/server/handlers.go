package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/buildingvitals/vitals/internal/archive"
	"github.com/buildingvitals/vitals/internal/backfill"
	"github.com/buildingvitals/vitals/internal/downsample"
	verrors "github.com/buildingvitals/vitals/internal/errors"
	"github.com/buildingvitals/vitals/internal/logging"
	"github.com/buildingvitals/vitals/internal/model"
	"github.com/buildingvitals/vitals/internal/query"
)

type handlers struct {
	deps Deps
	log  *slog.Logger
}

func newHandlers(deps Deps) *handlers {
	return &handlers{deps: deps, log: logging.Component("api")}
}

// errorBody is the JSON error envelope.
type errorBody struct {
	Error       string   `json:"error"`
	Code        string   `json:"code"`
	Suggestions []string `json:"suggestions,omitempty"`
}

// writeError maps an error to its API code and HTTP status.
func (h *handlers) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := verrors.ErrorToCode(err)
	status := verrors.CodeToHTTPStatus(code)

	body := errorBody{Error: err.Error(), Code: code}
	var pnf *verrors.PointNotFoundError
	if errors.As(err, &pnf) {
		body.Suggestions = pnf.Suggestions
	}

	if status >= 500 {
		h.log.Error("request failed", "path", r.URL.Path, "status", status, "error", err)
	}
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (h *handlers) writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// site applies the configured default when the request omits one.
func (h *handlers) site(requested string) string {
	if requested != "" {
		return requested
	}
	return h.deps.DefaultSite
}

// timeField accepts either epoch milliseconds or an RFC3339 string.
type timeField int64

func (t *timeField) UnmarshalJSON(data []byte) error {
	raw := strings.TrimSpace(string(data))
	if raw == "" || raw == "null" {
		return nil
	}
	if strings.HasPrefix(raw, `"`) {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		parsed, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return err
		}
		*t = timeField(parsed.UnixMilli())
		return nil
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return err
	}
	*t = timeField(ms)
	return nil
}

// queryRequest is the POST /api/query payload.
type queryRequest struct {
	Site        string    `json:"site"`
	Points      []string  `json:"points"`
	Start       timeField `json:"start"`
	End         timeField `json:"end"`
	Resolution  string    `json:"resolution"`
	Percentiles []float64 `json:"percentiles"`
}

// samplePoint is one raw sample on the wire.
type samplePoint struct {
	Ts      int64   `json:"ts"`
	Value   float64 `json:"value"`
	Quality string  `json:"quality"`
	Flags   uint16  `json:"flags,omitempty"`
}

// bucketPoint is one downsampled bucket on the wire.
type bucketPoint struct {
	Start       int64              `json:"start"`
	End         int64              `json:"end"`
	Count       int64              `json:"count"`
	Avg         float64            `json:"avg"`
	Min         float64            `json:"min"`
	Max         float64            `json:"max"`
	Percentiles map[string]float64 `json:"percentiles,omitempty"`
}

type series struct {
	Point   string        `json:"point"`
	Samples []samplePoint `json:"samples,omitempty"`
	Buckets []bucketPoint `json:"buckets,omitempty"`
}

type queryResponse struct {
	Series      []series `json:"series"`
	Total       int      `json:"total"`
	Sources     []string `json:"sources,omitempty"`
	QueryTimeMs int64    `json:"query_time_ms"`
	Degraded    bool     `json:"degraded,omitempty"`
	Warnings    []string `json:"warnings,omitempty"`
}

// Query handles POST /api/query.
func (h *handlers) Query(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, verrors.Wrap(verrors.ErrInvalidRequest, "parse body"))
		return
	}

	qreq := &query.Request{
		Site:        h.site(req.Site),
		Points:      req.Points,
		StartMs:     int64(req.Start),
		EndMs:       int64(req.End),
		Percentiles: req.Percentiles,
	}
	if req.Resolution != "" {
		res, err := time.ParseDuration(req.Resolution)
		if err != nil || res <= 0 {
			h.writeError(w, r, verrors.NewValidation("resolution", "must be a positive duration"))
			return
		}
		qreq.Resolution = res
	}

	started := time.Now()
	result, err := h.deps.Query.Query(r.Context(), qreq)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	resp := buildQueryResponse(result)
	resp.QueryTimeMs = time.Since(started).Milliseconds()
	h.writeJSON(w, http.StatusOK, resp)
}

// buildQueryResponse groups a flat result into per-point series.
func buildQueryResponse(result *query.Result) queryResponse {
	resp := queryResponse{
		Series:   []series{},
		Sources:  result.Sources,
		Degraded: result.Degraded,
		Warnings: result.Warnings,
	}
	if result.Buckets != nil {
		resp.Total = len(result.Buckets)
	} else {
		resp.Total = len(result.Samples)
	}

	byPoint := make(map[int64]*series)
	ordered := []int64{}
	get := func(id int64) *series {
		if s, ok := byPoint[id]; ok {
			return s
		}
		s := &series{Point: result.PointNames[id]}
		byPoint[id] = s
		ordered = append(ordered, id)
		return s
	}

	for i := range result.Samples {
		sm := &result.Samples[i]
		s := get(sm.PointID)
		s.Samples = append(s.Samples, samplePoint{
			Ts:      sm.TimestampMs,
			Value:   sm.Value,
			Quality: sm.Quality.String(),
			Flags:   sm.Flags,
		})
	}
	for i := range result.Buckets {
		b := &result.Buckets[i]
		s := get(b.PointID)
		s.Buckets = append(s.Buckets, toBucketPoint(b))
	}

	for _, id := range ordered {
		resp.Series = append(resp.Series, *byPoint[id])
	}
	return resp
}

func toBucketPoint(b *downsample.Bucket) bucketPoint {
	return bucketPoint{
		Start:       b.BucketStart,
		End:         b.BucketEnd,
		Count:       b.Count,
		Avg:         b.Avg,
		Min:         b.Min,
		Max:         b.Max,
		Percentiles: b.Percentiles,
	}
}

// archiveRequest is the POST /api/archive/trigger payload. Day is
// optional; when absent the oldest due day is archived.
type archiveRequest struct {
	Site  string `json:"site"`
	Day   string `json:"day"`
	Force bool   `json:"force"`
}

// TriggerArchive handles POST /api/archive/trigger. The job executes in
// the background; the response carries its id for status polling.
func (h *handlers) TriggerArchive(w http.ResponseWriter, r *http.Request) {
	var req archiveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, verrors.Wrap(verrors.ErrInvalidRequest, "parse body"))
		return
	}
	site := h.site(req.Site)

	var day model.Day
	if req.Day == "" {
		due, ok, err := h.deps.Archive.NextDue(r.Context(), site, h.deps.HotRetention)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		if !ok {
			h.writeJSON(w, http.StatusOK, map[string]any{"status": "idle"})
			return
		}
		day = due
	} else {
		parsed, err := model.ParseDay(req.Day)
		if err != nil {
			h.writeError(w, r, verrors.NewValidation("day", "must be YYYY-MM-DD"))
			return
		}
		day = parsed
	}

	job, err := h.deps.Archive.Create(r.Context(), site, day, req.Force)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	go h.driveArchive(job.ID)

	h.writeJSON(w, http.StatusAccepted, job)
}

// driveArchive runs an archival job to a terminal phase. Each Run carries
// its own budget and checkpoints durably, so the job is re-run until it
// stops making progress or finishes.
func (h *handlers) driveArchive(id string) {
	ctx := context.Background()
	lastPhase, lastOffset := "", 0
	for {
		if err := h.deps.Archive.Run(ctx, id); err != nil {
			h.log.Error("archive run", "job", id, "error", err)
			return
		}
		job, err := h.deps.Archive.Status(ctx, id)
		if err != nil {
			h.log.Error("archive status", "job", id, "error", err)
			return
		}
		if job.Phase == archive.PhaseCompleted || job.Phase == archive.PhaseFailed {
			return
		}
		if string(job.Phase) == lastPhase && job.Offset == lastOffset {
			h.log.Warn("archive job stalled", "job", id, "phase", job.Phase)
			return
		}
		lastPhase, lastOffset = string(job.Phase), job.Offset
	}
}

// ArchiveStatus handles GET /api/archive/status/{jobID}.
func (h *handlers) ArchiveStatus(w http.ResponseWriter, r *http.Request) {
	job, err := h.deps.Archive.Status(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, job)
}

// backfillRequest is the POST /api/backfill/start payload.
type backfillRequest struct {
	Site     string `json:"site"`
	StartDay string `json:"start_day"`
	EndDay   string `json:"end_day"`
	Force    bool   `json:"force"`
}

// StartBackfill handles POST /api/backfill/start. The job executes in the
// background; the response carries its id for status polling.
func (h *handlers) StartBackfill(w http.ResponseWriter, r *http.Request) {
	var req backfillRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, verrors.Wrap(verrors.ErrInvalidRequest, "parse body"))
		return
	}
	start, err := model.ParseDay(req.StartDay)
	if err != nil {
		h.writeError(w, r, verrors.NewValidation("start_day", "must be YYYY-MM-DD"))
		return
	}
	end, err := model.ParseDay(req.EndDay)
	if err != nil {
		h.writeError(w, r, verrors.NewValidation("end_day", "must be YYYY-MM-DD"))
		return
	}

	job, err := h.deps.Backfill.Start(r.Context(), h.site(req.Site), start, end, req.Force)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	go h.driveBackfill(job.ID)

	h.writeJSON(w, http.StatusAccepted, job)
}

// driveBackfill runs a backfill job to a terminal status, re-running after
// each budget pause while the resume pointer still advances.
func (h *handlers) driveBackfill(id string) {
	ctx := context.Background()
	lastNext := ""
	for {
		if err := h.deps.Backfill.Run(ctx, id); err != nil {
			h.log.Error("backfill run", "job", id, "error", err)
			return
		}
		job, err := h.deps.Backfill.Status(ctx, id)
		if err != nil {
			h.log.Error("backfill status", "job", id, "error", err)
			return
		}
		if job.Status != backfill.StatusRunning {
			return
		}
		if job.NextDay == lastNext {
			h.log.Warn("backfill job stalled", "job", id, "next_day", job.NextDay)
			return
		}
		lastNext = job.NextDay
	}
}

// BackfillStatus handles GET /api/backfill/status/{jobID}.
func (h *handlers) BackfillStatus(w http.ResponseWriter, r *http.Request) {
	job, err := h.deps.Backfill.Status(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, job)
}

// BackfillReport handles GET /api/backfill/report?site=&start=&end=.
func (h *handlers) BackfillReport(w http.ResponseWriter, r *http.Request) {
	start, err := model.ParseDay(r.URL.Query().Get("start"))
	if err != nil {
		h.writeError(w, r, verrors.NewValidation("start", "must be YYYY-MM-DD"))
		return
	}
	end, err := model.ParseDay(r.URL.Query().Get("end"))
	if err != nil {
		h.writeError(w, r, verrors.NewValidation("end", "must be YYYY-MM-DD"))
		return
	}

	report, err := h.deps.Backfill.Report(r.Context(), h.site(r.URL.Query().Get("site")), start, end)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"days": report})
}

// ListPoints handles GET /api/points?site=.
func (h *handlers) ListPoints(w http.ResponseWriter, r *http.Request) {
	points, err := h.deps.Registry.PointsForSite(r.Context(), h.site(r.URL.Query().Get("site")))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"points": points})
}

// Health handles GET /api/health.
func (h *handlers) Health(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	}

	if sites, err := h.deps.Registry.Sites(r.Context()); err == nil {
		resp["sites"] = sites
	}
	if h.deps.Ingest != nil {
		if last, err := h.deps.Ingest.LastRun(r.Context(), h.deps.DefaultSite); err == nil && last != nil {
			resp["last_sync"] = last
		}
	}

	h.writeJSON(w, http.StatusOK, resp)
}
