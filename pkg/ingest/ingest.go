package ingest

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/pgzip"
	"github.com/levenlabs/go-lflag"

	"github.com/heliotrack/heliotrack/pkg/log"
	"github.com/heliotrack/heliotrack/pkg/storage"
	"github.com/heliotrack/heliotrack/pkg/types"
)

// DefaultBatchSize bounds how many production points go into one
// storage insert.
const DefaultBatchSize = 500

const (
	headerTime       = "Time"
	headerProduction = "System Production (W)"
)

// csvTimeFormats are the timestamp layouts seen in portal exports,
// most common first.
var csvTimeFormats = []string{
	"01/02/2006 15:04",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04",
}

// RowError describes one unusable CSV row. Row is 1-based counting
// the header, matching what an operator sees in a spreadsheet.
type RowError struct {
	Row int
	Err error
}

func (e *RowError) Error() string {
	return fmt.Sprintf("row %d: %s", e.Row, e.Err)
}

func (e *RowError) Unwrap() error { return e.Err }

// Ingestor parses production CSVs and persists their points.
type Ingestor struct {
	db        storage.Database
	zones     *ZoneMap
	override  *time.Location
	dir       string
	batchSize int
}

// Configured sets up the ingestor based on flags.
func Configured(db storage.Database) *Ingestor {
	dir := lflag.String("ingest-dir", "csv_data", "Directory searched for site CSVs when a site has no recorded path")
	zonePath := lflag.String("ingest-zone-map", "", "Path to the YAML timezone map (country/state to IANA zone)")
	tzName := lflag.String("ingest-timezone", "", "IANA timezone overriding the zone map for every site")
	batchSize := lflag.Int("ingest-batch-size", DefaultBatchSize, "Production points inserted per batch")

	ing := &Ingestor{db: db}

	lflag.Do(func() {
		ing.dir = *dir
		ing.batchSize = *batchSize
		if *zonePath != "" {
			zm, err := LoadZoneMap(*zonePath)
			if err != nil {
				panic(fmt.Sprintf("failed to load zone map: %s", err))
			}
			ing.zones = zm
		}
		if *tzName != "" {
			loc, err := time.LoadLocation(*tzName)
			if err != nil {
				panic(fmt.Sprintf("invalid ingest-timezone: %s", err))
			}
			ing.override = loc
		}
	})

	return ing
}

// Run ingests the CSV for every site waiting at the downloaded stage
// and advances each site that yielded data to the uploaded stage.
func (ing *Ingestor) Run(ctx context.Context, limit int) (types.IngestRunSummary, error) {
	var sum types.IngestRunSummary

	filter := types.StageFilter(types.StageCSVDownloaded)
	filter.Limit = limit
	sites, err := ing.db.ListSites(ctx, filter)
	if err != nil {
		return sum, fmt.Errorf("listing sites: %w", err)
	}
	sum.Eligible = len(sites)

	for _, site := range sites {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		path := site.CSVPath
		if path == "" {
			path, err = FindSiteCSV(ing.dir, site.ID)
			if err != nil {
				sum.Skipped++
				sum.Errors = append(sum.Errors, types.ItemError{Item: site.ID, Err: err.Error()})
				log.Ctx(ctx).WarnContext(ctx, "no CSV found for site",
					slog.String("siteID", site.ID), slog.Any("error", err))
				continue
			}
		}

		fileSum, err := ing.IngestFile(ctx, site, path)
		sum.RowsInserted += fileSum.RowsInserted
		if err != nil {
			sum.Skipped++
			sum.Errors = append(sum.Errors, types.ItemError{Item: site.ID, Err: err.Error()})
			log.Ctx(ctx).ErrorContext(ctx, "file ingest failed",
				slog.String("siteID", site.ID), slog.String("path", path), slog.Any("error", err))
			continue
		}
		if fileSum.RowsInserted+fileSum.RowsDuplicate == 0 {
			// nothing persisted and nothing previously persisted; leave
			// the site at this stage so a later export gets retried
			sum.Skipped++
			sum.Errors = append(sum.Errors, types.ItemError{Item: site.ID, Err: "no usable rows in file"})
			log.Ctx(ctx).WarnContext(ctx, "no usable rows in file",
				slog.String("siteID", site.ID), slog.String("path", path))
			continue
		}
		if err := ing.db.AdvanceSiteStage(ctx, site.ID, types.StageUploaded, time.Now().UTC(), ""); err != nil {
			sum.Skipped++
			sum.Errors = append(sum.Errors, types.ItemError{Item: site.ID, Err: err.Error()})
			log.Ctx(ctx).ErrorContext(ctx, "failed to advance site stage",
				slog.String("siteID", site.ID), slog.Any("error", err))
			continue
		}
		sum.Uploaded++
		log.Ctx(ctx).InfoContext(ctx, "ingested site CSV",
			slog.String("siteID", site.ID),
			slog.Int("rowsRead", fileSum.RowsRead),
			slog.Int("rowsInserted", fileSum.RowsInserted),
			slog.Int("rowsSkipped", fileSum.RowsSkipped),
			slog.Int("rowsDuplicate", fileSum.RowsDuplicate))
	}
	return sum, nil
}

// IngestFile parses one site's production CSV and inserts its points
// in batches. Unusable rows are counted, never fatal; timestamps
// already persisted for the site (or repeated within the file) are
// filtered out before inserting. A batch failure aborts the file but
// keeps earlier batches; rerunning is cheap because replayed rows
// dedupe away.
func (ing *Ingestor) IngestFile(ctx context.Context, site types.Site, path string) (types.IngestSummary, error) {
	var sum types.IngestSummary

	f, err := os.Open(path)
	if err != nil {
		return sum, err
	}
	defer f.Close()

	var src io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		zr, err := pgzip.NewReader(f)
		if err != nil {
			return sum, fmt.Errorf("opening gzip stream: %w", err)
		}
		defer zr.Close()
		src = zr
	}

	existing, err := ing.db.ExistingProductionTimes(ctx, site.ID)
	if err != nil {
		return sum, fmt.Errorf("fetching existing timestamps: %w", err)
	}
	if existing == nil {
		existing = make(map[int64]struct{})
	}

	loc := ing.location(site)
	reader := csv.NewReader(src)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	first, err := reader.Read()
	if err == io.EOF {
		return sum, errors.New("file is empty")
	}
	if err != nil {
		return sum, fmt.Errorf("reading first row: %w", err)
	}
	timeIdx, prodIdx, headerless, err := detectColumns(first, loc)
	if err != nil {
		return sum, err
	}

	batchSize := ing.batchSize
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	batch := make([]types.ProductionPoint, 0, batchSize)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := ing.db.InsertProductionBatch(ctx, site.ID, batch); err != nil {
			return fmt.Errorf("inserting batch of %d points: %w", len(batch), err)
		}
		sum.RowsInserted += len(batch)
		batch = batch[:0]
		return nil
	}

	row := 1
	consume := func(record []string) error {
		sum.RowsRead++
		pt, err := parseRow(record, timeIdx, prodIdx, loc)
		if err != nil {
			sum.RowsSkipped++
			sum.Errors = append(sum.Errors, types.ItemError{Item: strconv.Itoa(row), Err: err.Error()})
			log.Ctx(ctx).WarnContext(ctx, "skipping unusable row",
				slog.String("siteID", site.ID), slog.Any("error", &RowError{Row: row, Err: err}))
			return nil
		}
		unix := pt.Timestamp.Unix()
		if _, ok := existing[unix]; ok {
			sum.RowsDuplicate++
			return nil
		}
		existing[unix] = struct{}{}
		batch = append(batch, pt)
		if len(batch) >= batchSize {
			return flush()
		}
		return nil
	}

	if headerless {
		if err := consume(first); err != nil {
			return sum, err
		}
	}
	for {
		row++
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		var csvErr *csv.ParseError
		if errors.As(err, &csvErr) {
			sum.RowsRead++
			sum.RowsSkipped++
			sum.Errors = append(sum.Errors, types.ItemError{Item: strconv.Itoa(row), Err: err.Error()})
			continue
		}
		if err != nil {
			return sum, fmt.Errorf("reading row %d: %w", row, err)
		}
		if err := consume(record); err != nil {
			return sum, err
		}
	}
	if err := flush(); err != nil {
		return sum, err
	}
	return sum, nil
}

// location resolves the timezone CSV timestamps are written in:
// explicit override, then the zone map by country/state, then UTC.
func (ing *Ingestor) location(site types.Site) *time.Location {
	if ing.override != nil {
		return ing.override
	}
	if ing.zones != nil {
		if loc := ing.zones.Resolve(site.Country, site.State); loc != nil {
			return loc
		}
	}
	return time.UTC
}

// detectColumns figures out which columns hold the timestamp and
// production values. A header row naming both wins; otherwise a first
// row that already parses as data means the file is headerless and
// columns 0/1 apply.
func detectColumns(first []string, loc *time.Location) (timeIdx, prodIdx int, headerless bool, err error) {
	timeIdx, prodIdx = -1, -1
	for i, cell := range first {
		switch strings.TrimSpace(strings.TrimPrefix(cell, "\uFEFF")) {
		case headerTime:
			if timeIdx == -1 {
				timeIdx = i
			}
		case headerProduction:
			if prodIdx == -1 {
				prodIdx = i
			}
		}
	}
	if timeIdx >= 0 && prodIdx >= 0 {
		return timeIdx, prodIdx, false, nil
	}
	if _, err := parseRow(first, 0, 1, loc); err == nil {
		return 0, 1, true, nil
	}
	return 0, 0, false, fmt.Errorf("first row is neither a %q/%q header nor a data row", headerTime, headerProduction)
}

// parseRow converts one CSV record into a production point with a UTC
// timestamp.
func parseRow(record []string, timeIdx, prodIdx int, loc *time.Location) (types.ProductionPoint, error) {
	if len(record) <= timeIdx || len(record) <= prodIdx {
		return types.ProductionPoint{}, errors.New("not enough columns")
	}
	ts, err := parseCSVTime(strings.TrimSpace(record[timeIdx]), loc)
	if err != nil {
		return types.ProductionPoint{}, err
	}
	watts, err := parseProduction(record[prodIdx])
	if err != nil {
		return types.ProductionPoint{}, err
	}
	return types.ProductionPoint{Timestamp: ts.UTC(), Watts: watts}, nil
}

func parseCSVTime(s string, loc *time.Location) (time.Time, error) {
	for _, layout := range csvTimeFormats {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable timestamp %q", s)
}

// parseProduction reads a watt value, tolerating stray quotes. An
// empty cell means the meter reported nothing and counts as 0.
func parseProduction(s string) (float64, error) {
	s = strings.TrimSpace(strings.ReplaceAll(s, `"`, ""))
	if s == "" {
		return 0, nil
	}
	watts, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("unparseable production %q", s)
	}
	return watts, nil
}

// FindSiteCSV walks dir for a site's export, matching the
// <siteID>_<name>.csv[.gz] layout the download stage writes.
func FindSiteCSV(dir, siteID string) (string, error) {
	prefix := siteID + "_"
	var found string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			return nil
		}
		name := d.Name()
		if strings.HasPrefix(name, prefix) &&
			(strings.HasSuffix(name, ".csv") || strings.HasSuffix(name, ".csv.gz")) {
			found = path
			return fs.SkipAll
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("searching %s: %w", dir, err)
	}
	if found == "" {
		return "", fmt.Errorf("no CSV for site %s under %s", siteID, dir)
	}
	return found, nil
}
