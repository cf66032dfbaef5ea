//
// Copyright (C) 2021 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"time"
)

// Scanner is a fixed radio receiver. Scanners usually arrive via the
// service configuration, but one is auto-registered the first time an
// unknown scanner id reports an observation, so that ingestion never drops
// data. An auto-registered scanner has no assigned area and is excluded
// from area resolution until an operator assigns one.
type Scanner struct {
	ID string `json:"id"`

	// Area is the discrete zone this scanner's observations resolve to.
	// Empty means unassigned, which keeps the scanner out of resolution
	// and raises an issue.
	Area string `json:"area"`

	// LastSeen is the receipt time of the most recent advertisement
	// relayed by this scanner, for any device.
	LastSeen time.Time `json:"last_seen"`
}

// Online reports whether the scanner has relayed anything within the
// distance timeout.
func (s *Scanner) Online(now time.Time, timeout time.Duration) bool {
	return !s.LastSeen.IsZero() && now.Sub(s.LastSeen) <= timeout
}

// IssueCode classifies a structured operator warning.
type IssueCode string

const (
	// IssueScannerNoArea flags a scanner that is ingesting observations but
	// cannot take part in area resolution until an area is assigned.
	IssueScannerNoArea IssueCode = "scanner_without_area"
	// IssueNoScanners flags a configuration with nothing to resolve against.
	IssueNoScanners IssueCode = "no_scanners_configured"
	// IssueNoDevices flags that no device has ever been observed.
	IssueNoDevices IssueCode = "no_devices_reporting"
)

// Issue is a structured warning surfaced to the operator. The engine never
// guesses its way around these; it degrades and reports.
type Issue struct {
	Code      IssueCode `json:"code"`
	ScannerID string    `json:"scanner_id,omitempty"`
	Reason    string    `json:"reason"`
}
