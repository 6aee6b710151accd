package importer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/heliotrack/heliotrack/pkg/log"
	"github.com/heliotrack/heliotrack/pkg/monitor"
	"github.com/heliotrack/heliotrack/pkg/storage"
	"github.com/heliotrack/heliotrack/pkg/types"
)

// maxEmptyPages stops a run that keeps getting empty pages back even
// though the portal claims more records exist.
const maxEmptyPages = 3

// PortalClient is the slice of the portal client the importer uses.
type PortalClient interface {
	FetchPage(ctx context.Context, offset, limit int) ([]monitor.SiteRecord, int, error)
	PageSize() int
}

// Importer walks the portal's site listing and mirrors it into storage.
type Importer struct {
	client PortalClient
	db     storage.Database
}

// New creates a new Importer.
func New(client PortalClient, db storage.Database) *Importer {
	return &Importer{client: client, db: db}
}

// Run pages through the portal listing and upserts every record. It
// stops when the portal's totalCount is exhausted, when limit (if > 0)
// records have been fetched, or after too many consecutive empty
// pages. A page fetch failure aborts the run; the summary up to that
// point is returned alongside the error.
func (i *Importer) Run(ctx context.Context, limit int) (types.ImportSummary, error) {
	var sum types.ImportSummary
	pageSize := i.client.PageSize()
	offset := 0
	emptyPages := 0

	for {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		if limit > 0 && sum.Fetched >= limit {
			log.Ctx(ctx).InfoContext(ctx, "reached import limit", slog.Int("limit", limit))
			break
		}

		records, total, err := i.client.FetchPage(ctx, offset, pageSize)
		if err != nil {
			return sum, fmt.Errorf("fetching page at offset %d: %w", offset, err)
		}
		sum.Pages++

		if len(records) == 0 {
			emptyPages++
			if emptyPages >= maxEmptyPages {
				log.Ctx(ctx).WarnContext(ctx, "stopping after consecutive empty pages",
					slog.Int("emptyPages", emptyPages), slog.Int("offset", offset))
				break
			}
		} else {
			emptyPages = 0
			i.processPage(ctx, records, &sum)
		}

		offset += pageSize
		if total > 0 && offset >= total {
			break
		}
		if total == 0 && len(records) == 0 {
			break
		}
	}

	log.Ctx(ctx).InfoContext(ctx, "import finished",
		slog.Int("pages", sum.Pages),
		slog.Int("fetched", sum.Fetched),
		slog.Int("created", sum.Created),
		slog.Int("updated", sum.Updated),
		slog.Int("skipped", sum.Skipped))
	return sum, nil
}

func (i *Importer) processPage(ctx context.Context, records []monitor.SiteRecord, sum *types.ImportSummary) {
	now := time.Now().UTC()
	for _, rec := range records {
		sum.Fetched++
		site, err := mapRecord(rec, now)
		if err != nil {
			sum.Skipped++
			sum.Errors = append(sum.Errors, types.ItemError{Item: recordItem(rec), Err: err.Error()})
			log.Ctx(ctx).WarnContext(ctx, "skipping unmappable record",
				slog.String("record", recordItem(rec)), slog.Any("error", err))
			continue
		}
		created, err := i.db.UpsertSite(ctx, site)
		if err != nil {
			sum.Skipped++
			sum.Errors = append(sum.Errors, types.ItemError{Item: site.ID, Err: err.Error()})
			log.Ctx(ctx).ErrorContext(ctx, "failed to store site",
				slog.String("siteID", site.ID), slog.Any("error", err))
			continue
		}
		if created {
			sum.Created++
		} else {
			sum.Updated++
		}
	}
}

// mapRecord converts a raw portal record into a Site. Records without
// an id cannot be keyed and are rejected.
func mapRecord(rec monitor.SiteRecord, now time.Time) (types.Site, error) {
	if rec.ID == 0 {
		return types.Site{}, errors.New("record has no id")
	}
	name := rec.Name
	if name == "" {
		name = rec.URLName
	}
	return types.Site{
		ID:               strconv.FormatInt(rec.ID, 10),
		URLName:          rec.URLName,
		Name:             name,
		Status:           rec.Status,
		Country:          rec.Country,
		State:            rec.State,
		City:             rec.City,
		Zip:              rec.Zip,
		Address:          rec.Address,
		SecondaryAddress: rec.SecondaryAddress,
		Latitude:         rec.Latitude,
		Longitude:        rec.Longitude,
		PeakPowerW:       parsePeakPower(string(rec.PeakPower)),
		InstallationDate: parsePortalTime(rec.InstallationDate),
		LastReportingAt:  parsePortalTime(rec.LastReportingTime),
		UpdatedAt:        now,
		Stage:            types.StageDiscovered,
	}, nil
}

func recordItem(rec monitor.SiteRecord) string {
	if rec.ID != 0 {
		return strconv.FormatInt(rec.ID, 10)
	}
	if rec.URLName != "" {
		return rec.URLName
	}
	return "(no id)"
}

// portalTimeFormats are the date layouts the portal has been seen to
// use, most common first.
var portalTimeFormats = []string{
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02",
	"01/02/2006",
	"01/02/2006 15:04",
}

// parsePortalTime parses a portal date string, taking naive values as
// UTC. Unparseable or empty values come back as the zero time; later
// stages treat that as "unknown".
func parsePortalTime(raw string) time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}
	}
	for _, layout := range portalTimeFormats {
		if t, err := time.ParseInLocation(layout, raw, time.UTC); err == nil {
			return t
		}
	}
	return time.Time{}
}

var (
	kilowattRE = regexp.MustCompile(`([\d.]+)\s*k`)
	wattRE     = regexp.MustCompile(`([\d.]+)\s*w`)
)

// parsePeakPower converts the portal's capacity field to watts. Bare
// numbers are kW (the portal's unit); strings like "7.2 kWp" or
// "980 W" carry their own unit. Anything unparseable becomes 0 so the
// import never fails on capacity; the profile stage validates it.
func parsePeakPower(raw string) float64 {
	s := strings.ToLower(strings.TrimSpace(raw))
	if s == "" {
		return 0
	}
	if kw, err := strconv.ParseFloat(s, 64); err == nil {
		return kw * 1000
	}
	if m := kilowattRE.FindStringSubmatch(s); m != nil {
		if kw, err := strconv.ParseFloat(m[1], 64); err == nil {
			return kw * 1000
		}
	}
	if m := wattRE.FindStringSubmatch(s); m != nil {
		if w, err := strconv.ParseFloat(m[1], 64); err == nil {
			return w
		}
	}
	return 0
}
