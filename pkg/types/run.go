package types

import "time"

// ItemError records one non-fatal per-item failure inside a run
// summary. Item identifies the record, site, or row that failed.
type ItemError struct {
	Item string `json:"item"`
	Err  string `json:"err"`
}

// ImportSummary reports the outcome of one site-import run.
type ImportSummary struct {
	Pages   int         `json:"pages"`
	Fetched int         `json:"fetched"`
	Created int         `json:"created"`
	Updated int         `json:"updated"`
	Skipped int         `json:"skipped"`
	Errors  []ItemError `json:"errors,omitempty"`
}

// IngestSummary reports the outcome of ingesting one CSV file.
// RowsSkipped counts unparseable rows; RowsDuplicate counts rows whose
// timestamp was already persisted for the site.
type IngestSummary struct {
	RowsRead      int         `json:"rowsRead"`
	RowsInserted  int         `json:"rowsInserted"`
	RowsSkipped   int         `json:"rowsSkipped"`
	RowsDuplicate int         `json:"rowsDuplicate"`
	Errors        []ItemError `json:"errors,omitempty"`
}

// IngestRunSummary reports the outcome of one csv-ingest run across
// eligible sites.
type IngestRunSummary struct {
	Eligible     int         `json:"eligible"`
	Uploaded     int         `json:"uploaded"`
	Skipped      int         `json:"skipped"`
	RowsInserted int         `json:"rowsInserted"`
	Errors       []ItemError `json:"errors,omitempty"`
}

// DownloadSummary reports the outcome of one csv-download run.
type DownloadSummary struct {
	Eligible   int         `json:"eligible"`
	Downloaded int         `json:"downloaded"`
	Skipped    int         `json:"skipped"`
	Errors     []ItemError `json:"errors,omitempty"`
}

// ProfileSummary reports the outcome of one profile-build run across
// the eligible sites.
type ProfileSummary struct {
	Considered int         `json:"considered"`
	Built      int         `json:"built"`
	Skipped    int         `json:"skipped"`
	Errors     []ItemError `json:"errors,omitempty"`
}

// RunRecord captures one pipeline-stage run for auditing. ID is a
// ULID so records sort by start time. Summary holds the stage's
// summary struct and is persisted as JSON.
type RunRecord struct {
	ID         string    `json:"id"`
	Stage      string    `json:"stage"`
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`
	Summary    any       `json:"summary,omitempty"`
	Error      string    `json:"error,omitempty"`
}
