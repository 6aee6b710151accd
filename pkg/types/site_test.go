package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAdvanceStage(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	t.Run("advances in order", func(t *testing.T) {
		s := Site{ID: "1"}
		assert.True(t, s.AdvanceStage(StageCSVDownloaded, now))
		assert.Equal(t, StageCSVDownloaded, s.Stage)
		assert.Equal(t, now, s.CSVDownloadedAt)

		assert.True(t, s.AdvanceStage(StageUploaded, now.Add(time.Hour)))
		assert.Equal(t, StageUploaded, s.Stage)
		assert.Equal(t, now.Add(time.Hour), s.UploadedAt)

		assert.True(t, s.AdvanceStage(StageProfiled, now.Add(2*time.Hour)))
		assert.Equal(t, StageProfiled, s.Stage)
	})

	t.Run("never regresses", func(t *testing.T) {
		s := Site{ID: "1", Stage: StageUploaded, UploadedAt: now}
		assert.False(t, s.AdvanceStage(StageCSVDownloaded, now.Add(time.Hour)))
		assert.Equal(t, StageUploaded, s.Stage, "stage should not move backwards")
		assert.True(t, s.CSVDownloadedAt.IsZero(), "earlier stage timestamp should not be stamped")

		assert.False(t, s.AdvanceStage(StageUploaded, now.Add(time.Hour)))
		assert.Equal(t, now, s.UploadedAt, "re-advancing to the same stage should not restamp")
	})

	t.Run("can skip stages", func(t *testing.T) {
		// a caller-supplied CSV skips the download stage entirely
		s := Site{ID: "1"}
		assert.True(t, s.AdvanceStage(StageUploaded, now))
		assert.Equal(t, StageUploaded, s.Stage)
		assert.True(t, s.CSVDownloadedAt.IsZero())
	})
}

func TestPreserveProgressFrom(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	prev := Site{
		ID:              "1",
		Name:            "Old Name",
		Stage:           StageUploaded,
		CSVDownloadedAt: now.Add(-2 * time.Hour),
		UploadedAt:      now.Add(-time.Hour),
		CSVPath:         "csv_data/us/il/chicago/1_site.csv",
	}

	fresh := Site{ID: "1", Name: "New Name", PeakPowerW: 7200}
	fresh.PreserveProgressFrom(prev)

	assert.Equal(t, "New Name", fresh.Name, "portal fields should win")
	assert.Equal(t, 7200.0, fresh.PeakPowerW)
	assert.Equal(t, StageUploaded, fresh.Stage, "stage should carry over")
	assert.Equal(t, prev.CSVDownloadedAt, fresh.CSVDownloadedAt)
	assert.Equal(t, prev.UploadedAt, fresh.UploadedAt)
	assert.Equal(t, prev.CSVPath, fresh.CSVPath, "csv path should carry over")
}

func TestSiteStageString(t *testing.T) {
	assert.Equal(t, "discovered", StageDiscovered.String())
	assert.Equal(t, "csvDownloaded", StageCSVDownloaded.String())
	assert.Equal(t, "uploaded", StageUploaded.String())
	assert.Equal(t, "profiled", StageProfiled.String())
	assert.Equal(t, "unknown", SiteStage(99).String())
}
