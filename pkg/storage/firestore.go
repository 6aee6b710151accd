package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/heliotrack/heliotrack/pkg/log"
	"github.com/heliotrack/heliotrack/pkg/types"
	"github.com/levenlabs/go-lflag"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreProvider implements the Database interface using Google Cloud
// Firestore. It persists sites, production history, reference-year curves,
// and run records to Firestore collections.
type FirestoreProvider struct {
	client    *firestore.Client
	projectID string
	database  string
}

// configuredFirestore sets up the Firestore provider.
// It registers flags for configuration.
func configuredFirestore() *FirestoreProvider {
	projectID := lflag.String("firestore-project-id", "", "Google Cloud Project ID for Firestore")
	database := lflag.String("firestore-database", "", "Google Cloud Firestore Database")
	emulator := lflag.String("firestore-emulator", "", "Use Firestore emulator")

	f := &FirestoreProvider{}

	lflag.Do(func() {
		f.projectID = *projectID
		f.database = *database

		// set this because that's how firestore client expects it
		if *emulator != "" {
			os.Setenv("FIRESTORE_EMULATOR_HOST", *emulator)
		}
	})

	return f
}

// Validate checks if the provider is properly configured.
func (f *FirestoreProvider) Validate() error {
	// Project ID verification could be here, but we allow empty if inferred.
	return nil
}

// Init initializes the Firestore client.
// This must be called before using the provider methods.
func (f *FirestoreProvider) Init(ctx context.Context) error {
	projectID := f.projectID
	if projectID == "" {
		projectID = firestore.DetectProjectID
	}
	database := f.database
	if database == "" {
		database = firestore.DefaultDatabaseID
	}
	client, err := firestore.NewClientWithDatabase(ctx, projectID, database)
	if err != nil {
		return fmt.Errorf("failed to create firestore client (project=%s, database=%s): %w", projectID, database, err)
	}
	f.client = client
	return nil
}

// Close closes the Firestore client connection.
func (f *FirestoreProvider) Close() error {
	if f.client != nil {
		return f.client.Close()
	}
	return nil
}

func (f *FirestoreProvider) getCollection(siteID, name string) (*firestore.CollectionRef, error) {
	if siteID == "" {
		return nil, fmt.Errorf("siteID cannot be empty")
	}
	return f.client.Collection("sites").Doc(siteID).Collection(name), nil
}

// docJSON extracts the "json" field every blob document carries.
func docJSON(doc *firestore.DocumentSnapshot) (string, error) {
	val, err := doc.DataAt("json")
	if err != nil {
		return "", fmt.Errorf("document %s missing 'json' field: %w", doc.Ref.ID, err)
	}
	jsonStr, ok := val.(string)
	if !ok {
		return "", fmt.Errorf("document %s 'json' field is not a string", doc.Ref.ID)
	}
	return jsonStr, nil
}

func siteFromDoc(doc *firestore.DocumentSnapshot) (types.Site, error) {
	jsonStr, err := docJSON(doc)
	if err != nil {
		return types.Site{}, err
	}
	var site types.Site
	if err := json.Unmarshal([]byte(jsonStr), &site); err != nil {
		return types.Site{}, fmt.Errorf("failed to unmarshal site %s: %w", doc.Ref.ID, err)
	}
	return site, nil
}

func (f *FirestoreProvider) writeSite(ctx context.Context, site types.Site) error {
	siteJSON, err := json.Marshal(site)
	if err != nil {
		return fmt.Errorf("failed to marshal site %s: %w", site.ID, err)
	}
	// the stage is duplicated as a top-level field so ListSites can
	// filter on it; firestore automatically creates indexes for
	// top-level fields
	_, err = f.client.Collection("sites").Doc(site.ID).Set(ctx, map[string]interface{}{
		"json":    string(siteJSON),
		"stage":   int(site.Stage),
		"updated": site.UpdatedAt,
	})
	if err != nil {
		return fmt.Errorf("failed to write site %s: %w", site.ID, err)
	}
	return nil
}

// UpsertSite inserts a site document or refreshes an existing one in the
// "sites" collection. Pipeline progress on an existing site is preserved.
func (f *FirestoreProvider) UpsertSite(ctx context.Context, site types.Site) (bool, error) {
	if site.ID == "" {
		return false, fmt.Errorf("siteID cannot be empty")
	}
	doc, err := f.client.Collection("sites").Doc(site.ID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return true, f.writeSite(ctx, site)
		}
		return false, fmt.Errorf("failed to get site %s: %w", site.ID, err)
	}
	existing, err := siteFromDoc(doc)
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "replacing malformed site doc", slog.String("siteID", site.ID), slog.Any("err", err))
		return false, f.writeSite(ctx, site)
	}
	site.PreserveProgressFrom(existing)
	return false, f.writeSite(ctx, site)
}

// GetSite retrieves a site from the "sites" collection.
func (f *FirestoreProvider) GetSite(ctx context.Context, siteID string) (types.Site, error) {
	doc, err := f.client.Collection("sites").Doc(siteID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return types.Site{}, fmt.Errorf("%w: %s", ErrSiteNotFound, siteID)
		}
		return types.Site{}, fmt.Errorf("failed to get site %s: %w", siteID, err)
	}
	return siteFromDoc(doc)
}

// ListSites retrieves sites from the "sites" collection, optionally
// filtered to a single pipeline stage.
func (f *FirestoreProvider) ListSites(ctx context.Context, filter types.SiteFilter) ([]types.Site, error) {
	q := f.client.Collection("sites").Query
	if filter.Stage != nil {
		q = q.Where("stage", "==", int(*filter.Stage))
	}
	q = q.OrderBy(firestore.DocumentID, firestore.Asc)
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}
	iter := q.Documents(ctx)
	defer iter.Stop()

	var sites []types.Site
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error iterating sites: %w", err)
		}

		site, err := siteFromDoc(doc)
		if err != nil {
			log.Ctx(ctx).WarnContext(ctx, "skipping malformed site doc", slog.String("siteID", doc.Ref.ID), slog.Any("err", err))
			// Skip malformed documents
			continue
		}
		sites = append(sites, site)
	}
	return sites, nil
}

// AdvanceSiteStage moves a site forward in the pipeline. Advancing to a
// stage the site already reached only updates the CSV path, if given.
func (f *FirestoreProvider) AdvanceSiteStage(ctx context.Context, siteID string, stage types.SiteStage, at time.Time, csvPath string) error {
	site, err := f.GetSite(ctx, siteID)
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
	return f.writeSite(ctx, site)
}

// ExistingProductionTimes returns the set of stored production timestamps
// for a site, keyed by Unix seconds. Document IDs carry the timestamp so
// only keys are fetched.
func (f *FirestoreProvider) ExistingProductionTimes(ctx context.Context, siteID string) (map[int64]struct{}, error) {
	coll, err := f.getCollection(siteID, "production_history")
	if err != nil {
		return nil, err
	}
	iter := coll.Select().Documents(ctx)
	defer iter.Stop()

	times := make(map[int64]struct{})
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error iterating production history: %w", err)
		}

		ts, err := time.Parse(time.RFC3339, doc.Ref.ID)
		if err != nil {
			return nil, fmt.Errorf("invalid production doc id %s: %w", doc.Ref.ID, err)
		}
		times[ts.Unix()] = struct{}{}
	}
	return times, nil
}

// InsertProductionBatch adds production records to the "production_history"
// sub-collection of the site as JSON blobs. The document ID is the RFC3339
// timestamp for lexicographic ordering and efficient range queries. Points
// whose timestamp is already stored are left untouched.
func (f *FirestoreProvider) InsertProductionBatch(ctx context.Context, siteID string, points []types.ProductionPoint) error {
	coll, err := f.getCollection(siteID, "production_history")
	if err != nil {
		return err
	}
	for _, p := range points {
		jsonBytes, err := json.Marshal(p)
		if err != nil {
			return fmt.Errorf("failed to marshal production point: %w", err)
		}
		docID := p.Timestamp.UTC().Format(time.RFC3339)
		_, err = coll.Doc(docID).Create(ctx, map[string]interface{}{
			"json":      string(jsonBytes),
			"timestamp": p.Timestamp,
		})
		if status.Code(err) == codes.AlreadyExists {
			// raced with another writer, never overwrite stored points
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to insert production point %s: %w", docID, err)
		}
	}
	return nil
}

// GetProductionHistory retrieves the full production history of a site in
// chronological order.
func (f *FirestoreProvider) GetProductionHistory(ctx context.Context, siteID string) ([]types.ProductionPoint, error) {
	coll, err := f.getCollection(siteID, "production_history")
	if err != nil {
		return nil, err
	}
	iter := coll.OrderBy(firestore.DocumentID, firestore.Asc).Documents(ctx)
	defer iter.Stop()

	var points []types.ProductionPoint
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error iterating production history: %w", err)
		}

		jsonStr, err := docJSON(doc)
		if err != nil {
			log.Ctx(ctx).WarnContext(ctx, "production doc missing json", slog.String("docID", doc.Ref.ID), slog.String("siteID", siteID), slog.Any("err", err))
			return nil, err
		}

		var p types.ProductionPoint
		if err := json.Unmarshal([]byte(jsonStr), &p); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to unmarshal production point", slog.String("docID", doc.Ref.ID), slog.String("siteID", siteID), slog.Any("err", err))
			return nil, fmt.Errorf("failed to unmarshal production point (id=%s): %w", doc.Ref.ID, err)
		}
		points = append(points, p)
	}
	return points, nil
}

// ReplaceReferenceYear saves the site's normalized curve to the
// "reference_year/current" document. The curve is stored as a JSON array
// of per-kW values indexed by bucket: 35,040 floats stays under the 1MiB
// document limit and a single Set keeps the replacement atomic.
func (f *FirestoreProvider) ReplaceReferenceYear(ctx context.Context, siteID string, points []types.ReferenceYearPoint) error {
	perKW := make([]float64, len(points))
	for i, p := range points {
		if p.Bucket != i {
			return fmt.Errorf("reference year is not dense: bucket %d at index %d", p.Bucket, i)
		}
		perKW[i] = p.PerKW
	}
	jsonBytes, err := json.Marshal(perKW)
	if err != nil {
		return fmt.Errorf("failed to marshal reference year: %w", err)
	}

	coll, err := f.getCollection(siteID, "reference_year")
	if err != nil {
		return err
	}
	_, err = coll.Doc("current").Set(ctx, map[string]interface{}{
		"json":    string(jsonBytes),
		"updated": time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to save reference year: %w", err)
	}
	return nil
}

// GetReferenceYear retrieves the site's normalized curve from the
// "reference_year/current" document. It returns nil if no curve has been
// built yet.
func (f *FirestoreProvider) GetReferenceYear(ctx context.Context, siteID string) ([]types.ReferenceYearPoint, error) {
	coll, err := f.getCollection(siteID, "reference_year")
	if err != nil {
		return nil, err
	}
	doc, err := coll.Doc("current").Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to fetch reference year doc: %w", err)
	}

	jsonStr, err := docJSON(doc)
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "reference year doc missing json", slog.String("siteID", siteID))
		return nil, err
	}

	var perKW []float64
	if err := json.Unmarshal([]byte(jsonStr), &perKW); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to unmarshal reference year", slog.String("siteID", siteID), slog.Any("err", err))
		return nil, fmt.Errorf("failed to unmarshal reference year: %w", err)
	}

	points := make([]types.ReferenceYearPoint, len(perKW))
	for i, v := range perKW {
		points[i] = types.ReferenceYearPoint{Bucket: i, PerKW: v}
	}
	return points, nil
}

// RecordRun adds a run record to the "runs" collection as a JSON blob.
// The document ID is the run's ULID so IDs order chronologically.
func (f *FirestoreProvider) RecordRun(ctx context.Context, run types.RunRecord) error {
	jsonBytes, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("failed to marshal run: %w", err)
	}
	_, err = f.client.Collection("runs").Doc(run.ID).Create(ctx, map[string]interface{}{
		"json":    string(jsonBytes),
		"stage":   run.Stage,
		"started": run.StartedAt,
	})
	if err != nil {
		return fmt.Errorf("failed to record run %s: %w", run.ID, err)
	}
	return nil
}
