package main

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"os"
	"time"

	"github.com/heliotrack/heliotrack/pkg/log"
	"github.com/heliotrack/heliotrack/pkg/storage"
	"github.com/heliotrack/heliotrack/pkg/types"
	"github.com/levenlabs/go-lflag"
)

func main() {
	os.Setenv("FIRESTORE_EMULATOR_HOST", "127.0.0.1:8087")
	s := storage.Configured()
	sites := lflag.Int("seed-sites", 3, "number of fake sites to create")
	months := lflag.Int("seed-months", 14, "months of production history per site")
	lflag.Configure()

	ctx := context.Background()

	log.Ctx(ctx).InfoContext(ctx, "seeding mock data")

	// Use a new random source
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	const batchSize = 500

	geos := []struct {
		country, state, city string
	}{
		{"United States", "California", "Fresno"},
		{"United States", "Arizona", "Phoenix"},
		{"Canada", "Ontario", "Ottawa"},
		{"Australia", "New South Wales", "Sydney"},
	}

	end := time.Now().UTC().Truncate(24 * time.Hour)
	start := end.AddDate(0, -*months, 0)

	for i := 0; i < *sites; i++ {
		geo := geos[i%len(geos)]
		peakKW := 4.0 + rng.Float64()*8.0 // residential systems, 4-12 kW

		site := types.Site{
			ID:               fmt.Sprintf("%d", 9000+i),
			URLName:          fmt.Sprintf("demo-site-%d", i+1),
			Name:             fmt.Sprintf("Demo Site %d", i+1),
			Country:          geo.country,
			State:            geo.state,
			City:             geo.city,
			PeakPowerW:       peakKW * 1000,
			InstallationDate: start,
			LastReportingAt:  end,
			UpdatedAt:        time.Now().UTC(),
			Stage:            types.StageUploaded,
			CSVDownloadedAt:  end,
			UploadedAt:       end,
		}
		if _, err := s.UpsertSite(ctx, site); err != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to seed site", "error", err)
			os.Exit(1)
		}

		// Generate a 15-minute production history so profile-build has
		// every calendar month to work with.
		batch := make([]types.ProductionPoint, 0, batchSize)
		inserted := 0
		for ts := start; ts.Before(end); ts = ts.Add(15 * time.Minute) {
			batch = append(batch, types.ProductionPoint{
				Timestamp: ts,
				Watts:     solarWatts(ts, site.PeakPowerW, rng),
			})
			if len(batch) >= batchSize {
				if err := s.InsertProductionBatch(ctx, site.ID, batch); err != nil {
					log.Ctx(ctx).ErrorContext(ctx, "failed to seed production", "error", err)
					os.Exit(1)
				}
				inserted += len(batch)
				batch = batch[:0]
			}
		}
		if len(batch) > 0 {
			if err := s.InsertProductionBatch(ctx, site.ID, batch); err != nil {
				log.Ctx(ctx).ErrorContext(ctx, "failed to seed production", "error", err)
				os.Exit(1)
			}
			inserted += len(batch)
		}

		fmt.Printf("Seeded site %s (%s, %.1f kW): %d points from %s\n",
			site.ID, site.City, peakKW, inserted, start.Format(time.DateOnly))
	}

	log.Ctx(ctx).InfoContext(ctx, "seeded mock data successfully")
}

// solarWatts fakes a clear-sky reading: a bell curve peaking at 13:00,
// scaled by a seasonal swing that bottoms out in late December, with a
// little noise so buckets do not average to suspiciously round values.
func solarWatts(ts time.Time, peakW float64, rng *rand.Rand) float64 {
	hour := float64(ts.Hour()) + float64(ts.Minute())/60
	if hour < 6 || hour > 20 {
		return 0
	}
	dist := hour - 13.0
	bell := math.Exp(-(dist * dist) / 12.0)
	season := 0.675 + 0.325*math.Cos(2*math.Pi*(float64(ts.YearDay())-172)/365)
	noise := 0.9 + rng.Float64()*0.2
	return peakW * bell * season * noise
}
