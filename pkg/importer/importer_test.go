package importer

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/heliotrack/heliotrack/pkg/monitor"
	"github.com/heliotrack/heliotrack/pkg/storage/storagemock"
	"github.com/heliotrack/heliotrack/pkg/types"
)

// fakePortal serves a fixed record set page by page and records every
// offset it was asked for.
type fakePortal struct {
	records  []monitor.SiteRecord
	total    int // reported totalCount; defaults to len(records)
	pageSize int
	failAt   int // offset that errors; -1 disables
	fetches  []int
}

func (f *fakePortal) PageSize() int { return f.pageSize }

func (f *fakePortal) FetchPage(ctx context.Context, offset, limit int) ([]monitor.SiteRecord, int, error) {
	f.fetches = append(f.fetches, offset)
	if f.failAt >= 0 && offset >= f.failAt {
		return nil, 0, &monitor.FetchError{Status: 502, Attempts: 4, Retryable: true, Err: errors.New("bad gateway")}
	}
	total := f.total
	if total == 0 {
		total = len(f.records)
	}
	if offset >= len(f.records) {
		return []monitor.SiteRecord{}, total, nil
	}
	end := offset + limit
	if end > len(f.records) {
		end = len(f.records)
	}
	return f.records[offset:end], total, nil
}

func portalRecords(n int) []monitor.SiteRecord {
	records := make([]monitor.SiteRecord, n)
	for i := range records {
		records[i] = monitor.SiteRecord{
			ID:      int64(i + 1),
			URLName: fmt.Sprintf("site-%d", i+1),
			Country: "United States",
		}
	}
	return records
}

func TestImporterRun(t *testing.T) {
	t.Run("PaginationExhaustsTotalCount", func(t *testing.T) {
		portal := &fakePortal{records: portalRecords(25), pageSize: 10, failAt: -1}
		db := &storagemock.MockDatabase{}
		db.On("UpsertSite", mock.Anything, mock.Anything).Return(true, nil)

		sum, err := New(portal, db).Run(t.Context(), 0)
		require.NoError(t, err)
		assert.Equal(t, []int{0, 10, 20}, portal.fetches, "25 records at page size 10 should take exactly 3 fetches")
		assert.Equal(t, 3, sum.Pages)
		assert.Equal(t, 25, sum.Fetched)
		assert.Equal(t, 25, sum.Created)
		assert.Zero(t, sum.Updated)
		assert.Zero(t, sum.Skipped)
	})

	t.Run("SecondRunOnlyUpdates", func(t *testing.T) {
		portal := &fakePortal{records: portalRecords(25), pageSize: 10, failAt: -1}
		db := &storagemock.MockDatabase{}
		db.On("UpsertSite", mock.Anything, mock.Anything).Return(false, nil)

		sum, err := New(portal, db).Run(t.Context(), 0)
		require.NoError(t, err)
		assert.Zero(t, sum.Created, "an unchanged listing should create nothing on a rerun")
		assert.Equal(t, 25, sum.Updated)
	})

	t.Run("LimitStopsFetching", func(t *testing.T) {
		portal := &fakePortal{records: portalRecords(50), pageSize: 10, failAt: -1}
		db := &storagemock.MockDatabase{}
		db.On("UpsertSite", mock.Anything, mock.Anything).Return(true, nil)

		sum, err := New(portal, db).Run(t.Context(), 12)
		require.NoError(t, err)
		assert.Equal(t, []int{0, 10}, portal.fetches, "the limit check happens before each fetch")
		assert.Equal(t, 20, sum.Fetched)
	})

	t.Run("ConsecutiveEmptyPagesStop", func(t *testing.T) {
		// the portal claims 100 records but only ever serves 10
		portal := &fakePortal{records: portalRecords(10), total: 100, pageSize: 10, failAt: -1}
		db := &storagemock.MockDatabase{}
		db.On("UpsertSite", mock.Anything, mock.Anything).Return(true, nil)

		sum, err := New(portal, db).Run(t.Context(), 0)
		require.NoError(t, err)
		assert.Equal(t, []int{0, 10, 20, 30}, portal.fetches)
		assert.Equal(t, 10, sum.Fetched)
	})

	t.Run("FetchFailureReturnsPartialSummary", func(t *testing.T) {
		portal := &fakePortal{records: portalRecords(25), pageSize: 10, failAt: 20}
		db := &storagemock.MockDatabase{}
		db.On("UpsertSite", mock.Anything, mock.Anything).Return(true, nil)

		sum, err := New(portal, db).Run(t.Context(), 0)
		require.Error(t, err)
		var fe *monitor.FetchError
		assert.ErrorAs(t, err, &fe)
		assert.Equal(t, 2, sum.Pages, "progress before the failure should be reported")
		assert.Equal(t, 20, sum.Fetched)
		assert.Equal(t, 20, sum.Created)
	})

	t.Run("RecordWithoutIDSkipped", func(t *testing.T) {
		records := portalRecords(3)
		records[1].ID = 0
		portal := &fakePortal{records: records, pageSize: 10, failAt: -1}
		db := &storagemock.MockDatabase{}
		db.On("UpsertSite", mock.Anything, mock.Anything).Return(true, nil)

		sum, err := New(portal, db).Run(t.Context(), 0)
		require.NoError(t, err)
		assert.Equal(t, 2, sum.Created)
		assert.Equal(t, 1, sum.Skipped)
		require.Len(t, sum.Errors, 1)
		assert.Equal(t, "site-2", sum.Errors[0].Item)
	})

	t.Run("StoreFailureCountedNotFatal", func(t *testing.T) {
		portal := &fakePortal{records: portalRecords(3), pageSize: 10, failAt: -1}
		db := &storagemock.MockDatabase{}
		db.On("UpsertSite", mock.Anything, mock.MatchedBy(func(s types.Site) bool {
			return s.ID == "2"
		})).Return(false, errors.New("boom"))
		db.On("UpsertSite", mock.Anything, mock.Anything).Return(true, nil)

		sum, err := New(portal, db).Run(t.Context(), 0)
		require.NoError(t, err, "a single bad upsert should not abort the run")
		assert.Equal(t, 2, sum.Created)
		assert.Equal(t, 1, sum.Skipped)
		require.Len(t, sum.Errors, 1)
		assert.Equal(t, "2", sum.Errors[0].Item)
	})

	t.Run("CancelledContextStops", func(t *testing.T) {
		portal := &fakePortal{records: portalRecords(25), pageSize: 10, failAt: -1}
		db := &storagemock.MockDatabase{}

		ctx, cancel := context.WithCancel(t.Context())
		cancel()
		_, err := New(portal, db).Run(ctx, 0)
		assert.ErrorIs(t, err, context.Canceled)
		assert.Empty(t, portal.fetches)
	})
}

func TestMapRecord(t *testing.T) {
	now := time.Date(2026, time.August, 25, 10, 0, 0, 0, time.UTC)

	t.Run("FullRecord", func(t *testing.T) {
		site, err := mapRecord(monitor.SiteRecord{
			ID:                98765,
			URLName:           "sunny-farm",
			Name:              "Sunny Farm",
			Status:            1,
			Country:           "Canada",
			State:             "Ontario",
			City:              "Ottawa",
			Zip:               "K1A 0A9",
			Address:           "1 Solar Way",
			Latitude:          45.42,
			Longitude:         -75.69,
			PeakPower:         "9.87",
			InstallationDate:  "2021-03-15",
			LastReportingTime: "2024-05-01 16:45:00",
		}, now)
		require.NoError(t, err)
		assert.Equal(t, "98765", site.ID)
		assert.Equal(t, "Sunny Farm", site.Name)
		assert.InDelta(t, 9870.0, site.PeakPowerW, 1e-9, "bare numbers are kW")
		assert.Equal(t, time.Date(2021, time.March, 15, 0, 0, 0, 0, time.UTC), site.InstallationDate)
		assert.Equal(t, time.Date(2024, time.May, 1, 16, 45, 0, 0, time.UTC), site.LastReportingAt)
		assert.Equal(t, types.StageDiscovered, site.Stage)
		assert.Equal(t, now, site.UpdatedAt)
	})

	t.Run("NameFallsBackToURLName", func(t *testing.T) {
		site, err := mapRecord(monitor.SiteRecord{ID: 5, URLName: "barn-roof"}, now)
		require.NoError(t, err)
		assert.Equal(t, "barn-roof", site.Name)
	})

	t.Run("MissingID", func(t *testing.T) {
		_, err := mapRecord(monitor.SiteRecord{URLName: "ghost"}, now)
		require.Error(t, err)
	})

	t.Run("UnparseableDatesStayZero", func(t *testing.T) {
		site, err := mapRecord(monitor.SiteRecord{
			ID:                7,
			InstallationDate:  "sometime in 2020",
			LastReportingTime: "",
		}, now)
		require.NoError(t, err)
		assert.True(t, site.InstallationDate.IsZero())
		assert.True(t, site.LastReportingAt.IsZero())
	})
}

func TestParsePeakPower(t *testing.T) {
	cases := []struct {
		in   string
		want float64
	}{
		{"9.87", 9870},
		{"7.2 kWp", 7200},
		{"4.5kW", 4500},
		{"980 W", 980},
		{"980W", 980},
		{"", 0},
		{"n/a", 0},
		{"k", 0},
	}
	for _, c := range cases {
		assert.InDelta(t, c.want, parsePeakPower(c.in), 1e-9, "input %q", c.in)
	}
}

func TestParsePortalTime(t *testing.T) {
	cases := []struct {
		in   string
		want time.Time
	}{
		{"2023-06-01 12:30:00", time.Date(2023, time.June, 1, 12, 30, 0, 0, time.UTC)},
		{"2023-06-01T12:30:00", time.Date(2023, time.June, 1, 12, 30, 0, 0, time.UTC)},
		{"2023-06-01", time.Date(2023, time.June, 1, 0, 0, 0, 0, time.UTC)},
		{"06/01/2023", time.Date(2023, time.June, 1, 0, 0, 0, 0, time.UTC)},
		{"06/01/2023 12:30", time.Date(2023, time.June, 1, 12, 30, 0, 0, time.UTC)},
		{"yesterday", time.Time{}},
		{"", time.Time{}},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, parsePortalTime(c.in), "input %q", c.in)
	}
}
