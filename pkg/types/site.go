package types

import "time"

// SiteStage identifies how far a site has progressed through the
// pipeline. Stages are ordered and only ever advance; a site can never
// be profiled without having been uploaded first because the enum
// collapses the legal combinations into a single ordered value.
type SiteStage int

const (
	// StageDiscovered means the site was seen in the portal listing.
	StageDiscovered SiteStage = 0
	// StageCSVDownloaded means a production CSV was exported for the site.
	StageCSVDownloaded SiteStage = 1
	// StageUploaded means the CSV's production points were persisted.
	StageUploaded SiteStage = 2
	// StageProfiled means the reference-year curve was computed.
	StageProfiled SiteStage = 3
)

func (s SiteStage) String() string {
	switch s {
	case StageDiscovered:
		return "discovered"
	case StageCSVDownloaded:
		return "csvDownloaded"
	case StageUploaded:
		return "uploaded"
	case StageProfiled:
		return "profiled"
	}
	return "unknown"
}

// Site represents one solar installation tracked by the system.
type Site struct {
	ID               string    `json:"id"`
	URLName          string    `json:"urlName"`
	Name             string    `json:"name"`
	Status           int       `json:"status"`
	Country          string    `json:"country"`
	State            string    `json:"state"`
	City             string    `json:"city"`
	Zip              string    `json:"zip"`
	Address          string    `json:"address"`
	SecondaryAddress string    `json:"secondaryAddress,omitempty"`
	Latitude         float64   `json:"latitude"`
	Longitude        float64   `json:"longitude"`
	PeakPowerW       float64   `json:"peakPowerW"`
	InstallationDate time.Time `json:"installationDate"`
	LastReportingAt  time.Time `json:"lastReportingAt"`
	UpdatedAt        time.Time `json:"updatedAt"`

	// Pipeline progress. Stage is monotonic; the timestamps mark when
	// each stage completed and are never cleared by later imports.
	Stage           SiteStage `json:"stage"`
	CSVDownloadedAt time.Time `json:"csvDownloadedAt"`
	UploadedAt      time.Time `json:"uploadedAt"`
	ProfiledAt      time.Time `json:"profiledAt"`

	// CSVPath is where the download stage wrote the production export.
	CSVPath string `json:"csvPath,omitempty"`
}

// AdvanceStage moves the site to stage and stamps the matching
// timestamp. It returns false (and changes nothing) if the site is
// already at or past the stage.
func (s *Site) AdvanceStage(stage SiteStage, at time.Time) bool {
	if stage <= s.Stage {
		return false
	}
	s.Stage = stage
	switch stage {
	case StageCSVDownloaded:
		s.CSVDownloadedAt = at
	case StageUploaded:
		s.UploadedAt = at
	case StageProfiled:
		s.ProfiledAt = at
	}
	return true
}

// PreserveProgressFrom copies pipeline progress (stage, stage
// timestamps, CSV path) from prev onto s. Upserts driven by portal
// data call this so a metadata refresh never regresses a site.
func (s *Site) PreserveProgressFrom(prev Site) {
	s.Stage = prev.Stage
	s.CSVDownloadedAt = prev.CSVDownloadedAt
	s.UploadedAt = prev.UploadedAt
	s.ProfiledAt = prev.ProfiledAt
	if s.CSVPath == "" {
		s.CSVPath = prev.CSVPath
	}
}

// SiteFilter narrows ListSites results.
type SiteFilter struct {
	// Stage, when non-nil, only matches sites exactly at that stage.
	Stage *SiteStage
	// Limit caps the number of returned sites when > 0.
	Limit int
}

// StageFilter returns a filter matching sites exactly at stage.
func StageFilter(stage SiteStage) SiteFilter {
	return SiteFilter{Stage: &stage}
}
