// Package storage provides the collector's batched PostgreSQL persistence
// layer for scanners and the findings they stream in.
package storage

import "time"

// Scanner is a registered cryptoscan instance, identified by hostname.
// ScannerID is assigned on first registration and reused on every
// subsequent reconnect from the same hostname.
type Scanner struct {
	ScannerID      string    `json:"scanner_id"`
	Hostname       string    `json:"hostname"`
	Platform       string    `json:"platform"`
	ScannerVersion string    `json:"scanner_version"`
	FirstSeen      time.Time `json:"first_seen"`
	LastSeen       time.Time `json:"last_seen"`
}

// Finding is one persisted detector finding, carrying the ambient fields a
// [trace.Finding] gains once it is attributed to a scanner run.
type Finding struct {
	ID          int64     `json:"id"`
	ScannerID   string    `json:"scanner_id"`
	SourceFile  string    `json:"source_file"`
	DetectorTag string    `json:"detector_tag"`
	CodeAddress uint32    `json:"code_address"`
	MetricName  string    `json:"metric_name"`
	MetricValue float64   `json:"metric_value"`
	Note        string    `json:"note"`
	ObservedAt  time.Time `json:"observed_at"`
}

// FindingQuery filters a findings listing. Zero values are treated as "no
// filter" for that field.
type FindingQuery struct {
	ScannerID   string
	DetectorTag string
	Since       time.Time
	Until       time.Time
	Limit       int
	Offset      int
}
