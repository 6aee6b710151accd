package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/heliotrack/heliotrack/pkg/types"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/levenlabs/go-lflag"
)

// postgresSchema is applied on Init. Statements are idempotent so the
// one-shot binaries can run against a fresh or existing database.
const postgresSchema = `
CREATE TABLE IF NOT EXISTS sites (
	id                TEXT PRIMARY KEY,
	url_name          TEXT NOT NULL DEFAULT '',
	name              TEXT NOT NULL DEFAULT '',
	status            INTEGER NOT NULL DEFAULT 0,
	country           TEXT NOT NULL DEFAULT '',
	state             TEXT NOT NULL DEFAULT '',
	city              TEXT NOT NULL DEFAULT '',
	zip               TEXT NOT NULL DEFAULT '',
	address           TEXT NOT NULL DEFAULT '',
	secondary_address TEXT NOT NULL DEFAULT '',
	latitude          DOUBLE PRECISION NOT NULL DEFAULT 0,
	longitude         DOUBLE PRECISION NOT NULL DEFAULT 0,
	peak_power_w      DOUBLE PRECISION NOT NULL DEFAULT 0,
	installation_date TIMESTAMPTZ NOT NULL,
	last_reporting_at TIMESTAMPTZ NOT NULL,
	updated_at        TIMESTAMPTZ NOT NULL,
	stage             INTEGER NOT NULL DEFAULT 0,
	csv_downloaded_at TIMESTAMPTZ NOT NULL,
	uploaded_at       TIMESTAMPTZ NOT NULL,
	profiled_at       TIMESTAMPTZ NOT NULL,
	csv_path          TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS sites_stage_idx ON sites (stage);

CREATE TABLE IF NOT EXISTS production_points (
	site_id TEXT NOT NULL REFERENCES sites (id) ON DELETE CASCADE,
	ts      TIMESTAMPTZ NOT NULL,
	watts   DOUBLE PRECISION NOT NULL,
	PRIMARY KEY (site_id, ts)
);

CREATE TABLE IF NOT EXISTS reference_year_points (
	site_id TEXT NOT NULL REFERENCES sites (id) ON DELETE CASCADE,
	bucket  INTEGER NOT NULL,
	per_kw  DOUBLE PRECISION NOT NULL,
	PRIMARY KEY (site_id, bucket)
);

CREATE TABLE IF NOT EXISTS runs (
	id          TEXT PRIMARY KEY,
	stage       TEXT NOT NULL,
	started_at  TIMESTAMPTZ NOT NULL,
	finished_at TIMESTAMPTZ NOT NULL,
	summary     JSONB,
	error       TEXT NOT NULL DEFAULT ''
);
`

const siteColumns = `id, url_name, name, status, country, state, city, zip, address,
	secondary_address, latitude, longitude, peak_power_w, installation_date,
	last_reporting_at, updated_at, stage, csv_downloaded_at, uploaded_at,
	profiled_at, csv_path`

// stage, the stage timestamps, and csv_path are absent from the update
// list so pipeline progress survives re-imports. (xmax = 0) is true only
// for rows created by this statement.
const upsertSiteSQL = `
INSERT INTO sites (` + siteColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15,
	$16, $17, $18, $19, $20, $21)
ON CONFLICT (id) DO UPDATE SET
	url_name          = EXCLUDED.url_name,
	name              = EXCLUDED.name,
	status            = EXCLUDED.status,
	country           = EXCLUDED.country,
	state             = EXCLUDED.state,
	city              = EXCLUDED.city,
	zip               = EXCLUDED.zip,
	address           = EXCLUDED.address,
	secondary_address = EXCLUDED.secondary_address,
	latitude          = EXCLUDED.latitude,
	longitude         = EXCLUDED.longitude,
	peak_power_w      = EXCLUDED.peak_power_w,
	installation_date = EXCLUDED.installation_date,
	last_reporting_at = EXCLUDED.last_reporting_at,
	updated_at        = EXCLUDED.updated_at
RETURNING (xmax = 0)`

const updateSiteSQL = `
UPDATE sites SET
	url_name = $2, name = $3, status = $4, country = $5, state = $6,
	city = $7, zip = $8, address = $9, secondary_address = $10,
	latitude = $11, longitude = $12, peak_power_w = $13,
	installation_date = $14, last_reporting_at = $15, updated_at = $16,
	stage = $17, csv_downloaded_at = $18, uploaded_at = $19,
	profiled_at = $20, csv_path = $21
WHERE id = $1`

const insertProductionSQL = `
INSERT INTO production_points (site_id, ts, watts)
VALUES ($1, $2, $3)
ON CONFLICT (site_id, ts) DO NOTHING`

const insertReferenceSQL = `
INSERT INTO reference_year_points (site_id, bucket, per_kw)
VALUES ($1, $2, $3)`

const insertRunSQL = `
INSERT INTO runs (id, stage, started_at, finished_at, summary, error)
VALUES ($1, $2, $3, $4, $5, $6)`

// PostgresProvider implements the Database interface using PostgreSQL.
type PostgresProvider struct {
	pool *pgxpool.Pool
	url  string
}

// configuredPostgres sets up the Postgres provider.
// It registers flags for configuration.
func configuredPostgres() *PostgresProvider {
	url := lflag.String("postgres-url", "", "PostgreSQL connection string")

	p := &PostgresProvider{}

	lflag.Do(func() {
		p.url = *url
	})

	return p
}

// Validate checks if the provider is properly configured.
func (p *PostgresProvider) Validate() error {
	if p.url == "" {
		return fmt.Errorf("postgres-url is required")
	}
	return nil
}

// Init creates the connection pool and ensures the schema exists.
// This must be called before using the provider methods.
func (p *PostgresProvider) Init(ctx context.Context) error {
	pool, err := pgxpool.New(ctx, p.url)
	if err != nil {
		return fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return fmt.Errorf("failed to ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return fmt.Errorf("failed to ensure postgres schema: %w", err)
	}
	p.pool = pool
	return nil
}

// Close closes the connection pool.
func (p *PostgresProvider) Close() error {
	if p.pool != nil {
		p.pool.Close()
	}
	return nil
}

func siteArgs(s types.Site) []interface{} {
	return []interface{}{
		s.ID, s.URLName, s.Name, s.Status, s.Country, s.State, s.City, s.Zip,
		s.Address, s.SecondaryAddress, s.Latitude, s.Longitude, s.PeakPowerW,
		s.InstallationDate, s.LastReportingAt, s.UpdatedAt, int(s.Stage),
		s.CSVDownloadedAt, s.UploadedAt, s.ProfiledAt, s.CSVPath,
	}
}

func scanSite(row pgx.Row) (types.Site, error) {
	var s types.Site
	var stage int
	err := row.Scan(&s.ID, &s.URLName, &s.Name, &s.Status, &s.Country,
		&s.State, &s.City, &s.Zip, &s.Address, &s.SecondaryAddress,
		&s.Latitude, &s.Longitude, &s.PeakPowerW, &s.InstallationDate,
		&s.LastReportingAt, &s.UpdatedAt, &stage, &s.CSVDownloadedAt,
		&s.UploadedAt, &s.ProfiledAt, &s.CSVPath)
	if err != nil {
		return types.Site{}, err
	}
	s.Stage = types.SiteStage(stage)
	return s, nil
}

// UpsertSite inserts a site row or refreshes an existing one. Pipeline
// progress on an existing row is preserved.
func (p *PostgresProvider) UpsertSite(ctx context.Context, site types.Site) (bool, error) {
	if site.ID == "" {
		return false, fmt.Errorf("siteID cannot be empty")
	}
	var created bool
	if err := p.pool.QueryRow(ctx, upsertSiteSQL, siteArgs(site)...).Scan(&created); err != nil {
		return false, fmt.Errorf("failed to upsert site %s: %w", site.ID, err)
	}
	return created, nil
}

// GetSite retrieves a site row.
func (p *PostgresProvider) GetSite(ctx context.Context, siteID string) (types.Site, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+siteColumns+` FROM sites WHERE id = $1`, siteID)
	site, err := scanSite(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return types.Site{}, fmt.Errorf("%w: %s", ErrSiteNotFound, siteID)
	} else if err != nil {
		return types.Site{}, fmt.Errorf("failed to get site %s: %w", siteID, err)
	}
	return site, nil
}

// ListSites retrieves sites, optionally filtered to a single pipeline stage.
func (p *PostgresProvider) ListSites(ctx context.Context, filter types.SiteFilter) ([]types.Site, error) {
	query := `SELECT ` + siteColumns + ` FROM sites`
	var args []interface{}
	if filter.Stage != nil {
		query += ` WHERE stage = $1`
		args = append(args, int(*filter.Stage))
	}
	query += ` ORDER BY id`
	if filter.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, filter.Limit)
	}

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sites: %w", err)
	}
	defer rows.Close()

	var sites []types.Site
	for rows.Next() {
		site, err := scanSite(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan site: %w", err)
		}
		sites = append(sites, site)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sites: %w", err)
	}
	return sites, nil
}

// AdvanceSiteStage moves a site forward in the pipeline. Advancing to a
// stage the site already reached only updates the CSV path, if given.
func (p *PostgresProvider) AdvanceSiteStage(ctx context.Context, siteID string, stage types.SiteStage, at time.Time, csvPath string) error {
	site, err := p.GetSite(ctx, siteID)
	if err != nil {
		return err
	}
	advanced := site.AdvanceStage(stage, at)
	if csvPath != "" {
		site.CSVPath = csvPath
	} else if !advanced {
		return nil
	}
	site.UpdatedAt = at
	if _, err := p.pool.Exec(ctx, updateSiteSQL, siteArgs(site)...); err != nil {
		return fmt.Errorf("failed to update site %s: %w", siteID, err)
	}
	return nil
}

// ExistingProductionTimes returns the set of stored production timestamps
// for a site, keyed by Unix seconds.
func (p *PostgresProvider) ExistingProductionTimes(ctx context.Context, siteID string) (map[int64]struct{}, error) {
	rows, err := p.pool.Query(ctx, `SELECT ts FROM production_points WHERE site_id = $1`, siteID)
	if err != nil {
		return nil, fmt.Errorf("failed to query production times for site %s: %w", siteID, err)
	}
	defer rows.Close()

	times := make(map[int64]struct{})
	for rows.Next() {
		var ts time.Time
		if err := rows.Scan(&ts); err != nil {
			return nil, fmt.Errorf("failed to scan production time: %w", err)
		}
		times[ts.Unix()] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating production times: %w", err)
	}
	return times, nil
}

// InsertProductionBatch inserts production points in a single batch. Points
// whose timestamp is already stored are left untouched.
func (p *PostgresProvider) InsertProductionBatch(ctx context.Context, siteID string, points []types.ProductionPoint) error {
	if len(points) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, pt := range points {
		batch.Queue(insertProductionSQL, siteID, pt.Timestamp.UTC(), pt.Watts)
	}
	br := p.pool.SendBatch(ctx, batch)
	for range points {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return fmt.Errorf("failed to insert production point for site %s: %w", siteID, err)
		}
	}
	return br.Close()
}

// GetProductionHistory retrieves the full production history of a site in
// chronological order.
func (p *PostgresProvider) GetProductionHistory(ctx context.Context, siteID string) ([]types.ProductionPoint, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT ts, watts FROM production_points WHERE site_id = $1 ORDER BY ts`, siteID)
	if err != nil {
		return nil, fmt.Errorf("failed to query production history for site %s: %w", siteID, err)
	}
	defer rows.Close()

	var points []types.ProductionPoint
	for rows.Next() {
		var pt types.ProductionPoint
		if err := rows.Scan(&pt.Timestamp, &pt.Watts); err != nil {
			return nil, fmt.Errorf("failed to scan production point: %w", err)
		}
		points = append(points, pt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating production history: %w", err)
	}
	return points, nil
}

// ReplaceReferenceYear swaps the site's full curve inside a transaction.
func (p *PostgresProvider) ReplaceReferenceYear(ctx context.Context, siteID string, points []types.ReferenceYearPoint) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM reference_year_points WHERE site_id = $1`, siteID); err != nil {
		return fmt.Errorf("failed to clear reference year for site %s: %w", siteID, err)
	}

	batch := &pgx.Batch{}
	for _, pt := range points {
		batch.Queue(insertReferenceSQL, siteID, pt.Bucket, pt.PerKW)
	}
	br := tx.SendBatch(ctx, batch)
	for range points {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return fmt.Errorf("failed to insert reference year point for site %s: %w", siteID, err)
		}
	}
	if err := br.Close(); err != nil {
		return fmt.Errorf("failed to insert reference year for site %s: %w", siteID, err)
	}
	return tx.Commit(ctx)
}

// GetReferenceYear retrieves the site's normalized curve. It returns nil
// if no curve has been built yet.
func (p *PostgresProvider) GetReferenceYear(ctx context.Context, siteID string) ([]types.ReferenceYearPoint, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT bucket, per_kw FROM reference_year_points WHERE site_id = $1 ORDER BY bucket`, siteID)
	if err != nil {
		return nil, fmt.Errorf("failed to query reference year for site %s: %w", siteID, err)
	}
	defer rows.Close()

	var points []types.ReferenceYearPoint
	for rows.Next() {
		var pt types.ReferenceYearPoint
		if err := rows.Scan(&pt.Bucket, &pt.PerKW); err != nil {
			return nil, fmt.Errorf("failed to scan reference year point: %w", err)
		}
		points = append(points, pt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating reference year: %w", err)
	}
	return points, nil
}

// RecordRun inserts a run record.
func (p *PostgresProvider) RecordRun(ctx context.Context, run types.RunRecord) error {
	summary, err := json.Marshal(run.Summary)
	if err != nil {
		return fmt.Errorf("failed to marshal run summary: %w", err)
	}
	_, err = p.pool.Exec(ctx, insertRunSQL,
		run.ID, run.Stage, run.StartedAt, run.FinishedAt, string(summary), run.Error)
	if err != nil {
		return fmt.Errorf("failed to record run %s: %w", run.ID, err)
	}
	return nil
}
