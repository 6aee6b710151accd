package storagemock

import (
	"context"
	"time"

	"github.com/heliotrack/heliotrack/pkg/storage"
	"github.com/heliotrack/heliotrack/pkg/types"
	"github.com/stretchr/testify/mock"
)

type MockDatabase struct {
	mock.Mock
}

var _ storage.Database = (*MockDatabase)(nil)

func (m *MockDatabase) UpsertSite(ctx context.Context, site types.Site) (bool, error) {
	args := m.Called(ctx, site)
	return args.Bool(0), args.Error(1)
}

func (m *MockDatabase) GetSite(ctx context.Context, siteID string) (types.Site, error) {
	args := m.Called(ctx, siteID)
	if len(args) > 0 {
		return args.Get(0).(types.Site), args.Error(1)
	}
	return types.Site{}, nil
}

func (m *MockDatabase) ListSites(ctx context.Context, filter types.SiteFilter) ([]types.Site, error) {
	args := m.Called(ctx, filter)
	if val := args.Get(0); val != nil {
		return val.([]types.Site), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockDatabase) AdvanceSiteStage(ctx context.Context, siteID string, stage types.SiteStage, at time.Time, csvPath string) error {
	args := m.Called(ctx, siteID, stage, at, csvPath)
	return args.Error(0)
}

func (m *MockDatabase) ExistingProductionTimes(ctx context.Context, siteID string) (map[int64]struct{}, error) {
	args := m.Called(ctx, siteID)
	if val := args.Get(0); val != nil {
		return val.(map[int64]struct{}), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockDatabase) InsertProductionBatch(ctx context.Context, siteID string, points []types.ProductionPoint) error {
	args := m.Called(ctx, siteID, points)
	return args.Error(0)
}

func (m *MockDatabase) GetProductionHistory(ctx context.Context, siteID string) ([]types.ProductionPoint, error) {
	args := m.Called(ctx, siteID)
	if val := args.Get(0); val != nil {
		return val.([]types.ProductionPoint), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockDatabase) ReplaceReferenceYear(ctx context.Context, siteID string, points []types.ReferenceYearPoint) error {
	args := m.Called(ctx, siteID, points)
	return args.Error(0)
}

func (m *MockDatabase) GetReferenceYear(ctx context.Context, siteID string) ([]types.ReferenceYearPoint, error) {
	args := m.Called(ctx, siteID)
	if val := args.Get(0); val != nil {
		return val.([]types.ReferenceYearPoint), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockDatabase) RecordRun(ctx context.Context, run types.RunRecord) error {
	args := m.Called(ctx, run)
	return args.Error(0)
}

func (m *MockDatabase) Close() error {
	args := m.Called()
	return args.Error(0)
}
