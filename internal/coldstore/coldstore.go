// Package coldstore provides the cold archive store: immutable, compressed
// per-day Parquet files plus JSON manifests, laid out as
// {site}/{year}/{month}/{day}/data.parquet.
//
// Files are immutable once written; corrections write a new file and
// supersede the manifest, never mutate in place.
package coldstore

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	zstdlib "github.com/klauspost/compress/zstd"
	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/compress"
	zstdcodec "github.com/parquet-go/parquet-go/compress/zstd"

	verrors "github.com/buildingvitals/vitals/internal/errors"
	"github.com/buildingvitals/vitals/internal/model"
)

const (
	dataFileName     = "data.parquet"
	manifestFileName = "manifest.json"
)

// archiveRow is a sample in Parquet format.
type archiveRow struct {
	PointID int64   `parquet:"point_id"`
	TsMs    int64   `parquet:"ts_ms"`
	Value   float64 `parquet:"value"`
	Quality int32   `parquet:"quality"`
	Flags   int32   `parquet:"flags"`
}

func toRow(s *model.Sample) archiveRow {
	return archiveRow{
		PointID: s.PointID,
		TsMs:    s.TimestampMs,
		Value:   s.Value,
		Quality: int32(s.Quality),
		Flags:   int32(s.Flags),
	}
}

func fromRow(r *archiveRow) model.Sample {
	return model.Sample{
		PointID:     r.PointID,
		TimestampMs: r.TsMs,
		Value:       r.Value,
		Quality:     model.Quality(r.Quality),
		Flags:       uint16(r.Flags),
	}
}

// Store provides cold archive operations. Safe for concurrent use; writes
// to distinct days never collide and a day is written by one archival or
// backfill run at a time (enforced by durable job state).
type Store struct {
	root  string
	codec compress.Codec
}

// New creates a cold store rooted at dir. Level applies to algorithms
// that support it (zstd); zero picks the codec default.
func New(dir, compression string, level int) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("cold store dir is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cold dir: %w", err)
	}
	return &Store{
		root:  dir,
		codec: compressionCodec(compression, level),
	}, nil
}

// compressionCodec maps an algorithm name and level to a parquet codec.
func compressionCodec(name string, level int) compress.Codec {
	switch name {
	case "snappy":
		return &parquet.Snappy
	case "zstd":
		if level > 0 {
			return &zstdcodec.Codec{Level: zstdlib.EncoderLevelFromZstd(level)}
		}
		return &parquet.Zstd
	case "lz4":
		return &parquet.Lz4Raw
	case "gzip":
		return &parquet.Gzip
	case "none", "":
		return &parquet.Uncompressed
	default:
		return &parquet.Zstd
	}
}

// dayDir returns the directory for a site/day.
func (s *Store) dayDir(site string, day model.Day) string {
	return filepath.Join(s.root, site, day.Start().Format("2006"), day.Start().Format("01"), day.Start().Format("02"))
}

// DataPath returns the data file path for a site/day.
func (s *Store) DataPath(site string, day model.Day) string {
	return filepath.Join(s.dayDir(site, day), dataFileName)
}

// ManifestPath returns the manifest path for a site/day.
func (s *Store) ManifestPath(site string, day model.Day) string {
	return filepath.Join(s.dayDir(site, day), manifestFileName)
}

// Ref returns the stable reference recorded in ledger entries.
func (s *Store) Ref(site string, day model.Day) string {
	return filepath.ToSlash(filepath.Join(site, day.Start().Format("2006/01/02"), dataFileName))
}

// HasDay reports whether a manifest exists for a site/day.
func (s *Store) HasDay(site string, day model.Day) bool {
	_, err := os.Stat(s.ManifestPath(site, day))
	return err == nil
}

// Manifest loads the manifest for a site/day.
func (s *Store) Manifest(site string, day model.Day) (*Manifest, error) {
	m, err := readManifest(s.ManifestPath(site, day))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%s/%s: %w", site, day, verrors.ErrManifestNotFound)
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

// WriteDay writes one day's samples and its manifest.
//
// All samples must fall inside the day. The data file is written to a
// temp path, checksummed and renamed; the manifest is written last, so a
// crashed write never leaves a referenced half-file. Writing an
// already-manifested day fails with ErrAlreadyArchived unless force is
// set, in which case the new manifest supersedes the old file.
func (s *Store) WriteDay(site string, day model.Day, samples []model.Sample, force bool) (*Manifest, error) {
	var prior *Manifest
	if s.HasDay(site, day) {
		if !force {
			return nil, fmt.Errorf("%s/%s: %w", site, day, verrors.ErrAlreadyArchived)
		}
		prior, _ = readManifest(s.ManifestPath(site, day))
	}

	startMs, endMs := day.StartMillis(), day.EndMillis()
	for i := range samples {
		if samples[i].TimestampMs < startMs || samples[i].TimestampMs >= endMs {
			return nil, fmt.Errorf("sample ts %d outside day %s", samples[i].TimestampMs, day)
		}
	}

	sorted := make([]model.Sample, len(samples))
	copy(sorted, samples)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].PointID != sorted[j].PointID {
			return sorted[i].PointID < sorted[j].PointID
		}
		return sorted[i].TimestampMs < sorted[j].TimestampMs
	})

	if err := os.MkdirAll(s.dayDir(site, day), 0o755); err != nil {
		return nil, fmt.Errorf("create day dir: %w", err)
	}

	dataPath := s.DataPath(site, day)
	tmpPath := dataPath + ".tmp"

	if err := s.writeDataFile(tmpPath, sorted); err != nil {
		os.Remove(tmpPath)
		return nil, err
	}

	checksum, err := fileChecksum(tmpPath)
	if err != nil {
		os.Remove(tmpPath)
		return nil, err
	}

	if err := os.Rename(tmpPath, dataPath); err != nil {
		os.Remove(tmpPath)
		return nil, fmt.Errorf("rename data file: %w", err)
	}

	m := buildManifest(sorted, checksum)
	if prior != nil {
		m.Supersedes = prior.Checksum
	}

	if err := writeManifest(s.ManifestPath(site, day), m); err != nil {
		return nil, err
	}
	return m, nil
}

// writeDataFile writes samples to a Parquet file.
func (s *Store) writeDataFile(path string, samples []model.Sample) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create data file: %w", err)
	}

	writer := parquet.NewGenericWriter[archiveRow](f, parquet.Compression(s.codec))

	rows := make([]archiveRow, len(samples))
	for i := range samples {
		rows[i] = toRow(&samples[i])
	}

	if len(rows) > 0 {
		if _, err := writer.Write(rows); err != nil {
			writer.Close()
			f.Close()
			return fmt.Errorf("write rows: %w", err)
		}
	}
	if err := writer.Close(); err != nil {
		f.Close()
		return fmt.Errorf("close writer: %w", err)
	}
	return f.Close()
}

// buildManifest derives a manifest from the written samples.
func buildManifest(samples []model.Sample, checksum string) *Manifest {
	m := &Manifest{
		RowCount:  int64(len(samples)),
		Checksum:  checksum,
		CreatedAt: time.Now().UTC(),
	}

	points := make(map[int64]struct{})
	for i := range samples {
		ts := samples[i].TimestampMs
		if i == 0 || ts < m.MinTs {
			m.MinTs = ts
		}
		if i == 0 || ts > m.MaxTs {
			m.MaxTs = ts
		}
		points[samples[i].PointID] = struct{}{}
	}
	m.PointCount = len(points)
	return m
}

// ReadDay reads all samples for a site/day, verifying the decoded content
// against the manifest's row count and bounds. A missing day returns
// ErrManifestNotFound.
func (s *Store) ReadDay(site string, day model.Day) ([]model.Sample, *Manifest, error) {
	m, err := s.Manifest(site, day)
	if err != nil {
		return nil, nil, err
	}

	samples, err := s.readDataFile(s.DataPath(site, day))
	if err != nil {
		return nil, nil, err
	}

	if err := checkAgainstManifest(samples, m); err != nil {
		return nil, nil, fmt.Errorf("%s/%s: %w", site, day, err)
	}
	return samples, m, nil
}

// ReadDayFiltered reads a day and filters to the requested points and range.
func (s *Store) ReadDayFiltered(site string, day model.Day, pointIDs map[int64]struct{}, startMs, endMs int64) ([]model.Sample, error) {
	samples, _, err := s.ReadDay(site, day)
	if err != nil {
		return nil, err
	}

	filtered := samples[:0:0]
	for i := range samples {
		if _, ok := pointIDs[samples[i].PointID]; !ok {
			continue
		}
		if samples[i].TimestampMs < startMs || samples[i].TimestampMs > endMs {
			continue
		}
		filtered = append(filtered, samples[i])
	}
	return filtered, nil
}

// VerifyDay re-reads a written day and checks the data file checksum plus
// the manifest's row count and bounds. This is the archival VERIFYING
// step: any mismatch means hot-side deletion must not proceed.
func (s *Store) VerifyDay(site string, day model.Day) (*Manifest, error) {
	m, err := s.Manifest(site, day)
	if err != nil {
		return nil, err
	}

	checksum, err := fileChecksum(s.DataPath(site, day))
	if err != nil {
		return nil, err
	}
	if checksum != m.Checksum {
		return nil, fmt.Errorf("%s/%s: %w", site, day, verrors.ErrChecksumMismatch)
	}

	samples, err := s.readDataFile(s.DataPath(site, day))
	if err != nil {
		return nil, err
	}
	if err := checkAgainstManifest(samples, m); err != nil {
		return nil, fmt.Errorf("%s/%s: %w", site, day, err)
	}
	return m, nil
}

// checkAgainstManifest compares decoded samples against manifest claims.
func checkAgainstManifest(samples []model.Sample, m *Manifest) error {
	if int64(len(samples)) != m.RowCount {
		return fmt.Errorf("row count %d != manifest %d: %w", len(samples), m.RowCount, verrors.ErrManifestMismatch)
	}
	if len(samples) == 0 {
		return nil
	}

	minTs, maxTs := samples[0].TimestampMs, samples[0].TimestampMs
	for i := range samples {
		if samples[i].TimestampMs < minTs {
			minTs = samples[i].TimestampMs
		}
		if samples[i].TimestampMs > maxTs {
			maxTs = samples[i].TimestampMs
		}
	}
	if minTs != m.MinTs || maxTs != m.MaxTs {
		return fmt.Errorf("bounds [%d,%d] != manifest [%d,%d]: %w",
			minTs, maxTs, m.MinTs, m.MaxTs, verrors.ErrManifestMismatch)
	}
	return nil
}

// readDataFile reads all rows from a Parquet file.
func (s *Store) readDataFile(path string) ([]model.Sample, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open data file: %w", err)
	}
	defer f.Close()

	reader := parquet.NewGenericReader[archiveRow](f)
	defer reader.Close()

	numRows := reader.NumRows()
	if numRows == 0 {
		return nil, nil
	}

	rows := make([]archiveRow, numRows)
	n, err := reader.Read(rows)
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("read rows: %w", err)
	}

	samples := make([]model.Sample, n)
	for i := 0; i < n; i++ {
		samples[i] = fromRow(&rows[i])
	}
	return samples, nil
}

// stagingDir returns the extraction staging directory for a site/day.
// Staged part files are invisible to reads; only a manifest publishes a day.
func (s *Store) stagingDir(site string, day model.Day) string {
	return filepath.Join(s.dayDir(site, day), "staging")
}

// StageBatch durably stages one extraction batch for a day. The part file
// is named by the batch's starting row offset and written atomically, so
// re-staging the same offset after a crash overwrites rather than
// duplicates.
func (s *Store) StageBatch(site string, day model.Day, offset int, samples []model.Sample) error {
	dir := s.stagingDir(site, day)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create staging dir: %w", err)
	}

	path := filepath.Join(dir, fmt.Sprintf("part-%012d.parquet", offset))
	tmpPath := path + ".tmp"
	if err := s.writeDataFile(tmpPath, samples); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename staged part: %w", err)
	}
	return nil
}

// ReadStaged reads a day's staged batches back in offset order. A day with
// no staging area returns nil.
func (s *Store) ReadStaged(site string, day model.Day) ([]model.Sample, error) {
	entries, err := os.ReadDir(s.stagingDir(site, day))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read staging dir: %w", err)
	}

	var all []model.Sample
	for _, entry := range entries {
		// Offset-padded names sort lexically; half-written temp files are
		// leftovers from a crash mid-stage and their rows get re-extracted.
		if !strings.HasSuffix(entry.Name(), ".parquet") {
			continue
		}
		samples, err := s.readDataFile(filepath.Join(s.stagingDir(site, day), entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("read staged part %s: %w", entry.Name(), err)
		}
		all = append(all, samples...)
	}
	return all, nil
}

// ClearStaged removes a day's staging area. Clearing an absent area is a
// no-op.
func (s *Store) ClearStaged(site string, day model.Day) error {
	if err := os.RemoveAll(s.stagingDir(site, day)); err != nil {
		return fmt.Errorf("clear staging dir: %w", err)
	}
	return nil
}

// DaysInRange returns the days in [start, end] that have a manifest,
// ascending.
func (s *Store) DaysInRange(site string, start, end model.Day) []model.Day {
	var days []model.Day
	for _, d := range model.DaysBetween(start, end) {
		if s.HasDay(site, d) {
			days = append(days, d)
		}
	}
	return days
}
