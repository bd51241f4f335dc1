// Package registry provides the point registry: a bidirectional mapping
// between sensor point names and stable numeric ids.
//
// The registry is append-only. Ids are never reused once assigned and a
// point's name is immutable after creation. Resolve is race-safe under
// concurrent callers via insert-if-absent, else read.
package registry

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/buildingvitals/vitals/internal/model"
)

// Registry provides point operations. Safe for concurrent use.
type Registry struct {
	db *sql.DB
}

// New creates the registry and its schema.
func New(db *sql.DB) (*Registry, error) {
	stmts := []string{
		`CREATE SEQUENCE IF NOT EXISTS points_id_seq START 1`,
		`CREATE TABLE IF NOT EXISTS points (
			id         BIGINT PRIMARY KEY DEFAULT nextval('points_id_seq'),
			site       VARCHAR NOT NULL,
			name       VARCHAR NOT NULL,
			unit       VARCHAR NOT NULL DEFAULT '',
			source     VARCHAR NOT NULL,
			created_at TIMESTAMP NOT NULL,
			UNIQUE (site, name)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return nil, fmt.Errorf("create points schema: %w", err)
		}
	}
	return &Registry{db: db}, nil
}

// Resolve returns the id for (site, name), creating the point if absent.
//
// The insert uses ON CONFLICT DO NOTHING so concurrent resolvers of the
// same name race harmlessly; whichever insert wins, both read the same id.
func (r *Registry) Resolve(ctx context.Context, site, name, source string) (int64, error) {
	if name == "" {
		return 0, fmt.Errorf("resolve: empty point name")
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO points (site, name, source, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`, site, name, source, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("insert point %s/%s: %w", site, name, err)
	}

	var id int64
	err = r.db.QueryRowContext(ctx, `
		SELECT id FROM points WHERE site = ? AND name = ?
	`, site, name).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("read point %s/%s: %w", site, name, err)
	}
	return id, nil
}

// ResolveBatch resolves many names at once, creating absent points.
func (r *Registry) ResolveBatch(ctx context.Context, site string, names []string, source string) (map[string]int64, error) {
	ids := make(map[string]int64, len(names))
	for _, name := range names {
		if name == "" {
			continue
		}
		id, err := r.Resolve(ctx, site, name, source)
		if err != nil {
			return nil, err
		}
		ids[name] = id
	}
	return ids, nil
}

// LookupNames maps existing names to ids without creating anything.
// Unknown names are returned separately.
func (r *Registry) LookupNames(ctx context.Context, site string, names []string) (map[string]int64, []string, error) {
	ids := make(map[string]int64, len(names))
	var missing []string

	for _, name := range names {
		var id int64
		err := r.db.QueryRowContext(ctx, `
			SELECT id FROM points WHERE site = ? AND name = ?
		`, site, name).Scan(&id)
		if err == sql.ErrNoRows {
			missing = append(missing, name)
			continue
		}
		if err != nil {
			return nil, nil, fmt.Errorf("lookup point %s/%s: %w", site, name, err)
		}
		ids[name] = id
	}

	return ids, missing, nil
}

// Get retrieves a point by site and name. Returns nil if absent.
func (r *Registry) Get(ctx context.Context, site, name string) (*model.Point, error) {
	p := &model.Point{}
	err := r.db.QueryRowContext(ctx, `
		SELECT id, site, name, unit, source, created_at
		FROM points WHERE site = ? AND name = ?
	`, site, name).Scan(&p.ID, &p.Site, &p.Name, &p.Unit, &p.Source, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query point: %w", err)
	}
	return p, nil
}

// Lookup retrieves points by id. Unknown ids are skipped.
func (r *Registry) Lookup(ctx context.Context, ids []int64) ([]model.Point, error) {
	points := make([]model.Point, 0, len(ids))
	for _, id := range ids {
		p := model.Point{}
		err := r.db.QueryRowContext(ctx, `
			SELECT id, site, name, unit, source, created_at
			FROM points WHERE id = ?
		`, id).Scan(&p.ID, &p.Site, &p.Name, &p.Unit, &p.Source, &p.CreatedAt)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("lookup point %d: %w", id, err)
		}
		points = append(points, p)
	}
	return points, nil
}

// PointsForSite returns all points registered for a site, ordered by name.
func (r *Registry) PointsForSite(ctx context.Context, site string) ([]model.Point, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, site, name, unit, source, created_at
		FROM points WHERE site = ? ORDER BY name
	`, site)
	if err != nil {
		return nil, fmt.Errorf("query points: %w", err)
	}
	defer rows.Close()

	var points []model.Point
	for rows.Next() {
		p := model.Point{}
		if err := rows.Scan(&p.ID, &p.Site, &p.Name, &p.Unit, &p.Source, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan point: %w", err)
		}
		points = append(points, p)
	}
	return points, rows.Err()
}

// Sites returns the distinct sites known to the registry.
func (r *Registry) Sites(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT DISTINCT site FROM points ORDER BY site`)
	if err != nil {
		return nil, fmt.Errorf("query sites: %w", err)
	}
	defer rows.Close()

	var sites []string
	for rows.Next() {
		var site string
		if err := rows.Scan(&site); err != nil {
			return nil, fmt.Errorf("scan site: %w", err)
		}
		sites = append(sites, site)
	}
	return sites, rows.Err()
}

// CountForSite returns the number of points registered for a site.
func (r *Registry) CountForSite(ctx context.Context, site string) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM points WHERE site = ?
	`, site).Scan(&count)
	return count, err
}

// SeedPoints pre-registers configured points, skipping ones that exist.
// Returns the number created.
func (r *Registry) SeedPoints(ctx context.Context, points []model.Point) (int, error) {
	created := 0
	for _, p := range points {
		if p.Name == "" {
			continue
		}
		source := p.Source
		if source == "" {
			source = model.SourceSeed
		}
		res, err := r.db.ExecContext(ctx, `
			INSERT INTO points (site, name, unit, source, created_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT DO NOTHING
		`, p.Site, p.Name, p.Unit, source, time.Now().UTC())
		if err != nil {
			return created, fmt.Errorf("seed point %s/%s: %w", p.Site, p.Name, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			created++
		}
	}
	return created, nil
}

// Suggest returns up to n registered names closest to the given name,
// for POINT_NOT_FOUND responses.
func (r *Registry) Suggest(ctx context.Context, site, name string, n int) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT name FROM points WHERE site = ? ORDER BY name
	`, site)
	if err != nil {
		return nil, fmt.Errorf("query names: %w", err)
	}
	defer rows.Close()

	type scored struct {
		name  string
		score int
	}
	var candidates []scored

	target := strings.ToLower(name)
	for rows.Next() {
		var candidate string
		if err := rows.Scan(&candidate); err != nil {
			return nil, fmt.Errorf("scan name: %w", err)
		}
		if score := similarity(target, strings.ToLower(candidate)); score > 0 {
			candidates = append(candidates, scored{candidate, score})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].score > candidates[j].score
	})

	if len(candidates) > n {
		candidates = candidates[:n]
	}
	names := make([]string, len(candidates))
	for i, c := range candidates {
		names[i] = c.name
	}
	return names, nil
}

// similarity scores a candidate against a target name. Shared prefixes
// weigh more than substring containment; unrelated names score 0.
func similarity(target, candidate string) int {
	if target == candidate {
		return 1000
	}

	prefix := 0
	for prefix < len(target) && prefix < len(candidate) && target[prefix] == candidate[prefix] {
		prefix++
	}

	score := prefix * 10
	if strings.Contains(candidate, target) || strings.Contains(target, candidate) {
		score += 50
	}
	if score < 30 {
		return 0
	}
	return score
}
