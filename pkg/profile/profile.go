package profile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/heliotrack/heliotrack/pkg/log"
	"github.com/heliotrack/heliotrack/pkg/storage"
	"github.com/heliotrack/heliotrack/pkg/types"
)

// bucketsPerDay is the number of 15-minute slots in a day.
const bucketsPerDay = 96

// monthOffsets holds the cumulative day count before each month in a
// non-leap year. The reference year has no Feb 29; bucketIndex folds
// leap-day samples into Feb 28.
var monthOffsets = [12]int{0, 31, 59, 90, 120, 151, 181, 212, 243, 273, 304, 334}

// InsufficientDataError means a site's production history does not
// cover enough of the calendar to build a reference year. Months is
// how many distinct calendar months the usable history touched.
type InsufficientDataError struct {
	SiteID string
	Months int
}

func (e *InsufficientDataError) Error() string {
	return fmt.Sprintf("site %s: production covers %d of 12 calendar months", e.SiteID, e.Months)
}

// ConfigurationError means a site's metadata makes normalization
// impossible, today a missing or non-positive installed capacity.
type ConfigurationError struct {
	SiteID string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("site %s: %s", e.SiteID, e.Reason)
}

// Builder turns a site's raw production history into its per-kW
// reference year.
type Builder struct {
	db storage.Database
}

// New creates a new Builder.
func New(db storage.Database) *Builder {
	return &Builder{db: db}
}

// Compute derives the site's reference year from its production
// history. Days with zero total production are dropped first, every
// calendar month must be represented in what remains, and the result
// is one per-kW mean value for each of the 35,040 15-minute buckets.
// Buckets no sample ever landed in are filled by linear interpolation
// between their nearest populated neighbors, wrapping across the year
// boundary.
func Compute(site types.Site, points []types.ProductionPoint) ([]types.ReferenceYearPoint, error) {
	capacityKW := site.PeakPowerW / 1000
	if capacityKW <= 0 {
		return nil, &ConfigurationError{SiteID: site.ID, Reason: "installed capacity is unknown"}
	}

	live := liveDayPoints(points)

	months := make(map[time.Month]struct{}, 12)
	for _, p := range live {
		months[p.Timestamp.UTC().Month()] = struct{}{}
	}
	if len(months) < 12 {
		return nil, &InsufficientDataError{SiteID: site.ID, Months: len(months)}
	}

	var sums [types.ReferenceYearBuckets]float64
	var counts [types.ReferenceYearBuckets]int
	for _, p := range live {
		b := bucketIndex(p.Timestamp.UTC())
		sums[b] += p.Watts
		counts[b]++
	}

	curve := make([]float64, types.ReferenceYearBuckets)
	filled := make([]bool, types.ReferenceYearBuckets)
	for b, c := range counts[:] {
		if c > 0 {
			curve[b] = sums[b] / float64(c)
			filled[b] = true
		}
	}
	fillGaps(curve, filled)

	out := make([]types.ReferenceYearPoint, types.ReferenceYearBuckets)
	for b, watts := range curve {
		out[b] = types.ReferenceYearPoint{Bucket: b, PerKW: watts / capacityKW}
	}
	return out, nil
}

// Build computes and persists the reference year for one site, then
// advances it to Profiled.
func (b *Builder) Build(ctx context.Context, site types.Site) error {
	points, err := b.db.GetProductionHistory(ctx, site.ID)
	if err != nil {
		return fmt.Errorf("loading production history: %w", err)
	}
	curve, err := Compute(site, points)
	if err != nil {
		return err
	}
	if err := b.db.ReplaceReferenceYear(ctx, site.ID, curve); err != nil {
		return fmt.Errorf("storing reference year: %w", err)
	}
	if err := b.db.AdvanceSiteStage(ctx, site.ID, types.StageProfiled, time.Now().UTC(), ""); err != nil {
		return fmt.Errorf("advancing stage: %w", err)
	}
	return nil
}

// Run builds reference years for every site with uploaded production
// data. Per-site failures, including sites whose history is not yet
// profilable, are recorded in the summary and never abort the batch.
func (b *Builder) Run(ctx context.Context, limit int) (types.ProfileSummary, error) {
	var sum types.ProfileSummary
	filter := types.StageFilter(types.StageUploaded)
	filter.Limit = limit
	sites, err := b.db.ListSites(ctx, filter)
	if err != nil {
		return sum, fmt.Errorf("listing sites: %w", err)
	}
	sum.Considered = len(sites)

	for _, site := range sites {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		err := b.Build(ctx, site)
		switch {
		case err == nil:
			sum.Built++
			log.Ctx(ctx).InfoContext(ctx, "reference year built",
				slog.String("siteID", site.ID))
		case isDataError(err):
			sum.Skipped++
			sum.Errors = append(sum.Errors, types.ItemError{Item: site.ID, Err: err.Error()})
			log.Ctx(ctx).WarnContext(ctx, "site not profilable yet",
				slog.String("siteID", site.ID),
				slog.String("error", err.Error()))
		default:
			sum.Skipped++
			sum.Errors = append(sum.Errors, types.ItemError{Item: site.ID, Err: err.Error()})
			log.Ctx(ctx).ErrorContext(ctx, "failed to build reference year",
				slog.String("siteID", site.ID),
				slog.String("error", err.Error()))
		}
	}

	log.Ctx(ctx).InfoContext(ctx, "profile build finished",
		slog.Int("considered", sum.Considered),
		slog.Int("built", sum.Built),
		slog.Int("skipped", sum.Skipped))
	return sum, nil
}

// isDataError reports whether err is an expected, per-site data or
// metadata shortfall rather than an infrastructure failure.
func isDataError(err error) bool {
	var insufficient *InsufficientDataError
	var misconfigured *ConfigurationError
	return errors.As(err, &insufficient) || errors.As(err, &misconfigured)
}

// liveDayPoints drops every point belonging to a UTC day whose total
// production is zero. Meters that were offline report whole days of
// flat zeros, and averaging those in would drag the curve down.
func liveDayPoints(points []types.ProductionPoint) []types.ProductionPoint {
	totals := make(map[[3]int]float64, len(points)/bucketsPerDay+1)
	for _, p := range points {
		y, m, d := p.Timestamp.UTC().Date()
		totals[[3]int{y, int(m), d}] += p.Watts
	}
	live := make([]types.ProductionPoint, 0, len(points))
	for _, p := range points {
		y, m, d := p.Timestamp.UTC().Date()
		if totals[[3]int{y, int(m), d}] > 0 {
			live = append(live, p)
		}
	}
	return live
}

// bucketIndex maps a UTC timestamp onto the reference year, flooring
// to the containing 15-minute slot. Feb 29 folds into Feb 28.
func bucketIndex(ts time.Time) int {
	month, day := ts.Month(), ts.Day()
	if month == time.February && day == 29 {
		day = 28
	}
	dayOfYear := monthOffsets[month-1] + day - 1
	return dayOfYear*bucketsPerDay + ts.Hour()*4 + ts.Minute()/15
}

// fillGaps linearly interpolates empty buckets between their nearest
// filled neighbors, treating the timeline as circular so late December
// and early January inform each other.
func fillGaps(curve []float64, filled []bool) {
	n := len(curve)
	first, total := -1, 0
	for i, f := range filled {
		if f {
			if first < 0 {
				first = i
			}
			total++
		}
	}
	switch total {
	case 0:
		return
	case 1:
		for i := range curve {
			curve[i] = curve[first]
		}
		return
	}

	prev := first
	for off := 1; off <= n; off++ {
		i := (first + off) % n
		if !filled[i] {
			continue
		}
		gap := (i - prev + n) % n
		for k := 1; k < gap; k++ {
			frac := float64(k) / float64(gap)
			curve[(prev+k)%n] = curve[prev] + (curve[i]-curve[prev])*frac
		}
		prev = i
	}
}
