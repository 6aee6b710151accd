package types

import "time"

// ReferenceYearBuckets is the number of 15-minute slots in the
// canonical non-leap reference year (365 days * 96 slots).
const ReferenceYearBuckets = 365 * 96

// ProductionPoint is one timestamped power-output reading for a site.
// Timestamps are UTC and unique per site; points are immutable once
// inserted.
type ProductionPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Watts     float64   `json:"watts"`
}

// ReferenceYearPoint is one 15-minute bucket of the normalized
// reference-year curve. Bucket is in [0, ReferenceYearBuckets) and
// PerKW is averaged watts divided by the site's installed kW.
type ReferenceYearPoint struct {
	Bucket int     `json:"bucket"`
	PerKW  float64 `json:"perKW"`
}
