package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/heliotrack/heliotrack/pkg/log"
	"github.com/heliotrack/heliotrack/pkg/monitor"
	"github.com/heliotrack/heliotrack/pkg/storage"
	"github.com/heliotrack/heliotrack/pkg/types"
	"github.com/klauspost/pgzip"
	"github.com/levenlabs/go-lflag"
	"github.com/sony/gobreaker"
)

const (
	// breakerFailures is how many consecutive portal failures open the
	// breaker. Each one already represents an exhausted retry loop in
	// the client, so by the fifth the portal is down, not unlucky.
	breakerFailures = 5
	breakerCooldown = 30 * time.Second
)

// PortalClient is the slice of the portal client the downloader uses.
type PortalClient interface {
	DownloadCSV(ctx context.Context, siteID string, start, end time.Time, w io.Writer) error
}

// Downloader exports each discovered site's production history from
// the portal into a local CSV tree.
type Downloader struct {
	client  PortalClient
	db      storage.Database
	dir     string
	floor   time.Time
	gzip    bool
	breaker *gobreaker.CircuitBreaker
}

// Configured sets up flags for a Downloader and returns the instance.
// The instance is only usable after lflag.Do callbacks have run.
func Configured(client PortalClient, db storage.Database) *Downloader {
	d := &Downloader{}
	dir := lflag.String("download-dir", "csv_data", "directory CSV exports are written under")
	gz := lflag.Bool("download-gzip", false, "gzip-compress downloaded CSVs")
	floor := lflag.String("download-start-floor", "2022-01-01", "earliest UTC date (YYYY-MM-DD) to request exports from")

	lflag.Do(func() {
		f, err := time.ParseInLocation("2006-01-02", *floor, time.UTC)
		if err != nil {
			panic(fmt.Errorf("failed to parse download-start-floor (%s): %w", *floor, err))
		}
		*d = *newDownloader(client, db, *dir, f, *gz)
	})
	return d
}

func newDownloader(client PortalClient, db storage.Database, dir string, floor time.Time, gz bool) *Downloader {
	return &Downloader{
		client: client,
		db:     db,
		dir:    dir,
		floor:  floor,
		gzip:   gz,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "portal-export",
			Timeout: breakerCooldown,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= breakerFailures
			},
			// Per-site rejections and local file errors must not poison
			// the breaker; only errors the client would have retried
			// mean the portal itself is unhealthy.
			IsSuccessful: func(err error) bool {
				var fe *monitor.FetchError
				if errors.As(err, &fe) {
					return !fe.Retryable
				}
				return true
			},
		}),
	}
}

// Run exports a CSV for every site still at the discovered stage. It
// stops early when the circuit breaker decides the portal is down;
// individual site failures are recorded and skipped.
func (d *Downloader) Run(ctx context.Context, limit int) (types.DownloadSummary, error) {
	var sum types.DownloadSummary
	filter := types.StageFilter(types.StageDiscovered)
	filter.Limit = limit
	sites, err := d.db.ListSites(ctx, filter)
	if err != nil {
		return sum, fmt.Errorf("listing sites: %w", err)
	}
	sum.Eligible = len(sites)
	now := time.Now().UTC()

	for _, site := range sites {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		start, end, ok := d.exportRange(site, now)
		if !ok {
			sum.Skipped++
			log.Ctx(ctx).InfoContext(ctx, "site has no exportable window",
				slog.String("siteID", site.ID),
				slog.Time("start", start),
				slog.Time("end", end))
			continue
		}

		path, err := d.export(ctx, site, start, end)
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			log.Ctx(ctx).ErrorContext(ctx, "portal circuit breaker open, aborting run",
				slog.Int("downloaded", sum.Downloaded),
				slog.Int("remaining", sum.Eligible-sum.Downloaded-sum.Skipped))
			return sum, fmt.Errorf("portal unhealthy: %w", err)
		}
		if err != nil {
			sum.Skipped++
			sum.Errors = append(sum.Errors, types.ItemError{Item: site.ID, Err: err.Error()})
			log.Ctx(ctx).ErrorContext(ctx, "failed to export site CSV",
				slog.String("siteID", site.ID),
				slog.String("error", err.Error()))
			continue
		}

		if err := d.db.AdvanceSiteStage(ctx, site.ID, types.StageCSVDownloaded, time.Now().UTC(), path); err != nil {
			sum.Skipped++
			sum.Errors = append(sum.Errors, types.ItemError{Item: site.ID, Err: err.Error()})
			log.Ctx(ctx).ErrorContext(ctx, "failed to advance site stage",
				slog.String("siteID", site.ID),
				slog.String("error", err.Error()))
			continue
		}
		sum.Downloaded++
		log.Ctx(ctx).InfoContext(ctx, "site CSV downloaded",
			slog.String("siteID", site.ID),
			slog.String("path", path),
			slog.Time("start", start),
			slog.Time("end", end))
	}

	log.Ctx(ctx).InfoContext(ctx, "download finished",
		slog.Int("eligible", sum.Eligible),
		slog.Int("downloaded", sum.Downloaded),
		slog.Int("skipped", sum.Skipped))
	return sum, nil
}

// exportRange picks the window to request for a site: from the later
// of its installation date and the configured floor, through its last
// reporting time (or now when it never reported one).
func (d *Downloader) exportRange(site types.Site, now time.Time) (time.Time, time.Time, bool) {
	start := site.InstallationDate
	if start.Before(d.floor) {
		start = d.floor
	}
	end := site.LastReportingAt
	if end.IsZero() {
		end = now
	}
	return start, end, !end.Before(start)
}

// export streams one site's chart export through the circuit breaker
// into a temp file and renames it into place only on success.
func (d *Downloader) export(ctx context.Context, site types.Site, start, end time.Time) (string, error) {
	path := d.sitePath(site)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("creating export directory: %w", err)
	}

	_, err := d.breaker.Execute(func() (interface{}, error) {
		return nil, d.fetchToFile(ctx, site.ID, start, end, path)
	})
	if err != nil {
		return "", err
	}
	return path, nil
}

func (d *Downloader) fetchToFile(ctx context.Context, siteID string, start, end time.Time, path string) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("creating %s: %w", tmp, err)
	}
	defer os.Remove(tmp)

	var w io.Writer = f
	var gz *pgzip.Writer
	if d.gzip {
		gz = pgzip.NewWriter(f)
		w = gz
	}

	if err := d.client.DownloadCSV(ctx, siteID, start, end, w); err != nil {
		if gz != nil {
			gz.Close()
		}
		f.Close()
		return err
	}
	if gz != nil {
		if err := gz.Close(); err != nil {
			f.Close()
			return fmt.Errorf("flushing gzip stream: %w", err)
		}
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", tmp, err)
	}
	return os.Rename(tmp, path)
}

// sitePath lays exports out by geography so the tree stays browsable:
// <dir>/<country>/<state>/<city>/<siteID>_<name>.csv[.gz].
func (d *Downloader) sitePath(site types.Site) string {
	name := site.URLName
	if name == "" {
		name = site.Name
	}
	file := fmt.Sprintf("%s_%s.csv", site.ID, sanitizePathPart(name))
	if d.gzip {
		file += ".gz"
	}
	return filepath.Join(
		d.dir,
		sanitizePathPart(site.Country),
		sanitizePathPart(site.State),
		sanitizePathPart(site.City),
		file,
	)
}

var (
	unsafeCharRE = regexp.MustCompile(`[^\w\s-]`)
	separatorRE  = regexp.MustCompile(`[-\s]+`)
)

// sanitizePathPart flattens free-form portal metadata into a single
// safe path segment. Anything that sanitizes away entirely becomes
// "unknown" so files never land in the tree root.
func sanitizePathPart(s string) string {
	s = unsafeCharRE.ReplaceAllString(s, "")
	s = separatorRE.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-")
	if s == "" {
		return "unknown"
	}
	return s
}
