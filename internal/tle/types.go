package tle

import "time"

// Entry is one satellite's two-line element set.
type Entry struct {
	NORADID int
	Name    string
	PRN     int // ranging code number within its constellation
	Epoch   time.Time
	Line1   string
	Line2   string
}

// EpochRange represents the minimum and maximum epoch times in a dataset.
type EpochRange struct {
	Min time.Time
	Max time.Time
}

// Dataset is the almanac of one GNSS constellation.
type Dataset struct {
	System     string // lower-case system name, e.g. "gps"
	Source     string
	FetchedAt  time.Time
	EpochRange EpochRange
	Satellites []Entry
}

// NewDataset builds a dataset from parsed entries and fills in the epoch
// range.
func NewDataset(system, source string, fetchedAt time.Time, entries []Entry) *Dataset {
	ds := &Dataset{
		System:     system,
		Source:     source,
		FetchedAt:  fetchedAt,
		Satellites: entries,
	}
	for i, e := range entries {
		if i == 0 || e.Epoch.Before(ds.EpochRange.Min) {
			ds.EpochRange.Min = e.Epoch
		}
		if i == 0 || e.Epoch.After(ds.EpochRange.Max) {
			ds.EpochRange.Max = e.Epoch
		}
	}
	return ds
}
