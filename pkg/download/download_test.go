package download

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/klauspost/pgzip"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/heliotrack/heliotrack/pkg/monitor"
	"github.com/heliotrack/heliotrack/pkg/storage/storagemock"
	"github.com/heliotrack/heliotrack/pkg/types"
)

type exportCall struct {
	siteID     string
	start, end time.Time
}

// fakeExporter writes a fixed payload unless told to fail, and records
// every call it sees.
type fakeExporter struct {
	payload   string
	failWith  error
	failSites map[string]error
	calls     []exportCall
}

func (f *fakeExporter) DownloadCSV(ctx context.Context, siteID string, start, end time.Time, w io.Writer) error {
	f.calls = append(f.calls, exportCall{siteID: siteID, start: start, end: end})
	if err := f.failSites[siteID]; err != nil {
		return err
	}
	if f.failWith != nil {
		return f.failWith
	}
	_, err := io.WriteString(w, f.payload)
	return err
}

func day(year int, month time.Month, d int) time.Time {
	return time.Date(year, month, d, 0, 0, 0, 0, time.UTC)
}

func discoveredSite(id string) types.Site {
	return types.Site{
		ID:               id,
		URLName:          "sunny-farm",
		Country:          "United States",
		State:            "California",
		City:             "Fresno",
		InstallationDate: day(2023, time.March, 15),
		LastReportingAt:  day(2024, time.June, 1),
		Stage:            types.StageDiscovered,
	}
}

func TestDownloaderRun(t *testing.T) {
	floor := day(2022, time.January, 1)

	t.Run("DownloadsAndAdvances", func(t *testing.T) {
		dir := t.TempDir()
		exporter := &fakeExporter{payload: "Time,System Production (W)\n"}
		db := &storagemock.MockDatabase{}
		expected := filepath.Join(dir, "United-States", "California", "Fresno", "42_sunny-farm.csv")
		db.On("ListSites", mock.Anything, mock.MatchedBy(func(f types.SiteFilter) bool {
			return f.Stage != nil && *f.Stage == types.StageDiscovered && f.Limit == 0
		})).Return([]types.Site{discoveredSite("42")}, nil)
		db.On("AdvanceSiteStage", mock.Anything, "42", types.StageCSVDownloaded, mock.Anything, expected).Return(nil)

		sum, err := newDownloader(exporter, db, dir, floor, false).Run(t.Context(), 0)
		require.NoError(t, err)
		assert.Equal(t, 1, sum.Eligible)
		assert.Equal(t, 1, sum.Downloaded)
		assert.Zero(t, sum.Skipped)

		body, err := os.ReadFile(expected)
		require.NoError(t, err)
		assert.Equal(t, exporter.payload, string(body))
		_, err = os.Stat(expected + ".tmp")
		assert.True(t, os.IsNotExist(err), "temp file must be renamed away")

		require.Len(t, exporter.calls, 1)
		assert.Equal(t, day(2023, time.March, 15), exporter.calls[0].start, "installation after the floor wins")
		assert.Equal(t, day(2024, time.June, 1), exporter.calls[0].end)
		db.AssertExpectations(t)
	})

	t.Run("FloorCapsEarlyInstallations", func(t *testing.T) {
		exporter := &fakeExporter{payload: "x"}
		db := &storagemock.MockDatabase{}
		early := discoveredSite("1")
		early.InstallationDate = day(2019, time.July, 1)
		unknown := discoveredSite("2")
		unknown.InstallationDate = time.Time{}
		unknown.LastReportingAt = time.Time{}
		db.On("ListSites", mock.Anything, mock.Anything).Return([]types.Site{early, unknown}, nil)
		db.On("AdvanceSiteStage", mock.Anything, mock.Anything, types.StageCSVDownloaded, mock.Anything, mock.Anything).Return(nil)

		_, err := newDownloader(exporter, db, t.TempDir(), floor, false).Run(t.Context(), 0)
		require.NoError(t, err)
		require.Len(t, exporter.calls, 2)
		assert.Equal(t, floor, exporter.calls[0].start)
		assert.Equal(t, floor, exporter.calls[1].start, "unknown installation date starts at the floor")
		assert.WithinDuration(t, time.Now().UTC(), exporter.calls[1].end, 5*time.Second,
			"a site that never reported gets exported through now")
	})

	t.Run("SiteDeadBeforeFloorSkipped", func(t *testing.T) {
		exporter := &fakeExporter{payload: "x"}
		db := &storagemock.MockDatabase{}
		dead := discoveredSite("9")
		dead.InstallationDate = day(2020, time.January, 1)
		dead.LastReportingAt = day(2021, time.December, 1)
		db.On("ListSites", mock.Anything, mock.Anything).Return([]types.Site{dead}, nil)

		sum, err := newDownloader(exporter, db, t.TempDir(), floor, false).Run(t.Context(), 0)
		require.NoError(t, err)
		assert.Equal(t, 1, sum.Skipped)
		assert.Zero(t, sum.Downloaded)
		assert.Empty(t, sum.Errors, "an empty window is not an error")
		assert.Empty(t, exporter.calls)
	})

	t.Run("GzipCompressesExport", func(t *testing.T) {
		dir := t.TempDir()
		exporter := &fakeExporter{payload: "Time,System Production (W)\n01/15/2023 12:00,1500\n"}
		db := &storagemock.MockDatabase{}
		expected := filepath.Join(dir, "United-States", "California", "Fresno", "42_sunny-farm.csv.gz")
		db.On("ListSites", mock.Anything, mock.Anything).Return([]types.Site{discoveredSite("42")}, nil)
		db.On("AdvanceSiteStage", mock.Anything, "42", types.StageCSVDownloaded, mock.Anything, expected).Return(nil)

		sum, err := newDownloader(exporter, db, dir, floor, true).Run(t.Context(), 0)
		require.NoError(t, err)
		assert.Equal(t, 1, sum.Downloaded)

		f, err := os.Open(expected)
		require.NoError(t, err)
		defer f.Close()
		gz, err := pgzip.NewReader(f)
		require.NoError(t, err)
		body, err := io.ReadAll(gz)
		require.NoError(t, err)
		assert.Equal(t, exporter.payload, string(body))
		db.AssertExpectations(t)
	})

	t.Run("PortalMetadataSanitizedIntoPath", func(t *testing.T) {
		dir := t.TempDir()
		exporter := &fakeExporter{payload: "x"}
		db := &storagemock.MockDatabase{}
		site := discoveredSite("7")
		site.Country = "Côte d'Ivoire"
		site.State = "St. Mary's / Annex"
		site.City = ""
		site.URLName = "Sunny Farm #2!"
		expected := filepath.Join(dir, "Cte-dIvoire", "St-Marys-Annex", "unknown", "7_Sunny-Farm-2.csv")
		db.On("ListSites", mock.Anything, mock.Anything).Return([]types.Site{site}, nil)
		db.On("AdvanceSiteStage", mock.Anything, "7", types.StageCSVDownloaded, mock.Anything, expected).Return(nil)

		_, err := newDownloader(exporter, db, dir, floor, false).Run(t.Context(), 0)
		require.NoError(t, err)
		_, err = os.Stat(expected)
		require.NoError(t, err)
		db.AssertExpectations(t)
	})

	t.Run("PerSiteFailureDoesNotAbort", func(t *testing.T) {
		dir := t.TempDir()
		exporter := &fakeExporter{
			payload: "x",
			failSites: map[string]error{
				"1": &monitor.FetchError{URL: "/x", Status: 403, Attempts: 1, Retryable: false, Err: errors.New("forbidden")},
			},
		}
		db := &storagemock.MockDatabase{}
		first := discoveredSite("1")
		second := discoveredSite("2")
		db.On("ListSites", mock.Anything, mock.Anything).Return([]types.Site{first, second}, nil)
		db.On("AdvanceSiteStage", mock.Anything, "2", types.StageCSVDownloaded, mock.Anything, mock.Anything).Return(nil)

		sum, err := newDownloader(exporter, db, dir, floor, false).Run(t.Context(), 0)
		require.NoError(t, err)
		assert.Equal(t, 1, sum.Downloaded)
		assert.Equal(t, 1, sum.Skipped)
		require.Len(t, sum.Errors, 1)
		assert.Equal(t, "1", sum.Errors[0].Item)

		_, statErr := os.Stat(filepath.Join(dir, "United-States", "California", "Fresno", "1_sunny-farm.csv.tmp"))
		assert.True(t, os.IsNotExist(statErr), "failed export must not leave a temp file")
		db.AssertExpectations(t)
	})

	t.Run("DeadPortalTripsBreaker", func(t *testing.T) {
		exporter := &fakeExporter{
			failWith: &monitor.FetchError{URL: "/x", Status: 502, Attempts: 4, Retryable: true, Err: errors.New("bad gateway")},
		}
		db := &storagemock.MockDatabase{}
		sites := make([]types.Site, 10)
		for i := range sites {
			sites[i] = discoveredSite(string(rune('a' + i)))
		}
		db.On("ListSites", mock.Anything, mock.Anything).Return(sites, nil)

		sum, err := newDownloader(exporter, db, t.TempDir(), floor, false).Run(t.Context(), 0)
		require.ErrorIs(t, err, gobreaker.ErrOpenState)
		assert.Contains(t, err.Error(), "portal unhealthy")
		assert.Zero(t, sum.Downloaded)
		assert.Equal(t, breakerFailures, sum.Skipped)
		assert.Len(t, exporter.calls, breakerFailures, "open breaker must stop hitting the portal")
	})

	t.Run("RejectionsDoNotTripBreaker", func(t *testing.T) {
		exporter := &fakeExporter{
			failWith: &monitor.FetchError{URL: "/x", Status: 403, Attempts: 1, Retryable: false, Err: errors.New("forbidden")},
		}
		db := &storagemock.MockDatabase{}
		sites := make([]types.Site, 8)
		for i := range sites {
			sites[i] = discoveredSite(string(rune('a' + i)))
		}
		db.On("ListSites", mock.Anything, mock.Anything).Return(sites, nil)

		sum, err := newDownloader(exporter, db, t.TempDir(), floor, false).Run(t.Context(), 0)
		require.NoError(t, err, "per-site rejections are not a portal outage")
		assert.Equal(t, 8, sum.Skipped)
		assert.Len(t, exporter.calls, 8)
	})

	t.Run("CancelledContextStops", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		exporter := &fakeExporter{payload: "x"}
		db := &storagemock.MockDatabase{}
		db.On("ListSites", mock.Anything, mock.Anything).Return([]types.Site{discoveredSite("1")}, nil)

		sum, err := newDownloader(exporter, db, t.TempDir(), floor, false).Run(ctx, 0)
		require.ErrorIs(t, err, context.Canceled)
		assert.Zero(t, sum.Downloaded)
		assert.Empty(t, exporter.calls)
	})
}

func TestSanitizePathPart(t *testing.T) {
	cases := map[string]string{
		"United States":  "United-States",
		"Fresno":         "Fresno",
		"St. Mary's":     "St-Marys",
		"Sunny Farm #2!": "Sunny-Farm-2",
		"a/b\\c":         "abc",
		"../../etc":      "etc",
		"under_score":    "under_score",
		"":               "unknown",
		"   ":            "unknown",
		"---":            "unknown",
	}
	for in, want := range cases {
		assert.Equal(t, want, sanitizePathPart(in), "input %q", in)
	}
}
