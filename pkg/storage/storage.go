package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/heliotrack/heliotrack/pkg/types"
	"github.com/levenlabs/go-lflag"
)

var ErrSiteNotFound = errors.New("site not found")

// Database defines the interface for persisting sites, production
// history, and reference-year curves.
type Database interface {
	// Sites
	// UpsertSite inserts the site or refreshes its portal-sourced
	// fields. Pipeline progress is preserved on update. It reports
	// whether the site was newly created.
	UpsertSite(ctx context.Context, site types.Site) (bool, error)
	GetSite(ctx context.Context, siteID string) (types.Site, error)
	ListSites(ctx context.Context, filter types.SiteFilter) ([]types.Site, error)
	// AdvanceSiteStage moves a site forward in the pipeline, stamping
	// the stage timestamp. Advancing to a stage the site already
	// reached is a no-op. csvPath, when non-empty, records where the
	// production export was written.
	AdvanceSiteStage(ctx context.Context, siteID string, stage types.SiteStage, at time.Time, csvPath string) error

	// Production history
	// ExistingProductionTimes returns the set of already-persisted
	// point timestamps for the site, keyed by Unix seconds.
	ExistingProductionTimes(ctx context.Context, siteID string) (map[int64]struct{}, error)
	// InsertProductionBatch inserts points, silently skipping any
	// whose timestamp is already persisted.
	InsertProductionBatch(ctx context.Context, siteID string, points []types.ProductionPoint) error
	GetProductionHistory(ctx context.Context, siteID string) ([]types.ProductionPoint, error)

	// Reference year
	// ReplaceReferenceYear atomically swaps the site's full curve.
	ReplaceReferenceYear(ctx context.Context, siteID string, points []types.ReferenceYearPoint) error
	GetReferenceYear(ctx context.Context, siteID string) ([]types.ReferenceYearPoint, error)

	// Runs
	RecordRun(ctx context.Context, run types.RunRecord) error

	// Lifecycle
	Close() error
}

// Configured sets up the Storage provider based on flags.
func Configured() Database {
	provider := lflag.String("storage-provider", "firestore", "Storage provider to use (available: firestore, postgres)")

	var p struct{ Database }

	fs := configuredFirestore()
	pg := configuredPostgres()

	lflag.Do(func() {
		switch *provider {
		case "firestore":
			if err := fs.Validate(); err != nil {
				panic(fmt.Sprintf("firestore validation failed: %v", err))
			}
			p.Database = fs
			if err := fs.Init(context.Background()); err != nil {
				panic(fmt.Sprintf("firestore init failed: %v", err))
			}
		case "postgres":
			if err := pg.Validate(); err != nil {
				panic(fmt.Sprintf("postgres validation failed: %v", err))
			}
			p.Database = pg
			if err := pg.Init(context.Background()); err != nil {
				panic(fmt.Sprintf("postgres init failed: %v", err))
			}
		default:
			panic(fmt.Sprintf("unknown storage provider: %s", *provider))
		}
	})

	return &p
}
