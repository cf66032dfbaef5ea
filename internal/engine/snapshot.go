//
// Copyright (C) 2021 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"fmt"
	"sort"
	"time"
)

// ObservationSnapshot represents an Observation stuck in time for use with
// APIs and the diagnostic dump.
type ObservationSnapshot struct {
	ScannerID string `json:"scanner_id"`
	Area      string `json:"area,omitempty"`
	RSSI      float64 `json:"rssi"`
	// RawDistance is the unfiltered estimate from the latest reading.
	RawDistance float64 `json:"raw_distance"`
	// SmoothedDistance is nil when no current estimate exists.
	SmoothedDistance *float64 `json:"smoothed_distance"`
	LastSeen         int64    `json:"last_seen"`
	Stale            bool     `json:"stale"`

	HistRSSI     []float64 `json:"hist_rssi,omitempty"`
	HistDistance []float64 `json:"hist_distance,omitempty"`
	HistVelocity []float64 `json:"hist_velocity,omitempty"`

	StaleUpdates int `json:"stale_updates,omitempty"`
	Rejects      int `json:"rejects,omitempty"`
}

// DeviceSnapshot represents a Device stuck in time for use with APIs and
// the diagnostic dump.
type DeviceSnapshot struct {
	ID string `json:"id"`
	// Area is empty when the device is not currently within radius of any
	// scanner with an assigned area.
	Area          string        `json:"area,omitempty"`
	AreaScannerID string        `json:"area_scanner_id,omitempty"`
	AreaDistance  float64       `json:"area_distance,omitempty"`
	LastKnownArea string        `json:"last_known_area,omitempty"`
	Presence      PresenceState `json:"presence"`
	LastSeen      int64         `json:"last_seen"`
	LastHome      int64         `json:"last_home,omitempty"`
	LastAway      int64         `json:"last_away,omitempty"`

	Observations map[string]ObservationSnapshot `json:"observations"`
}

// newDeviceSnapshot flattens a Device and its observations. Staleness is
// evaluated against now on every call, never cached.
func (p *Processor) newDeviceSnapshot(d *Device, now time.Time) DeviceSnapshot {
	s := DeviceSnapshot{
		ID:            d.ID,
		Presence:      d.presence,
		LastKnownArea: d.lastKnownArea,
		LastSeen:      UnixMilli(d.LastSeen),
		LastHome:      UnixMilli(d.lastHome),
		LastAway:      UnixMilli(d.lastAway),
		Observations:  make(map[string]ObservationSnapshot, len(d.observations)),
	}
	if d.areaValid {
		s.Area = d.area
		s.AreaScannerID = d.areaScannerID
		s.AreaDistance = d.areaDistance
	}

	for scannerID, obs := range d.observations {
		osnap := ObservationSnapshot{
			ScannerID:    scannerID,
			RSSI:         obs.RSSI,
			RawDistance:  obs.RawDistance,
			LastSeen:     UnixMilli(obs.LastSeen),
			Stale:        obs.stale(now, p.cfg.DistanceTimeout()),
			HistRSSI:     append([]float64(nil), obs.histRSSI...),
			HistDistance: append([]float64(nil), obs.histDistance...),
			HistVelocity: append([]float64(nil), obs.histVelocity...),
			StaleUpdates: obs.staleUpdates,
			Rejects:      obs.rejects,
		}
		if scanner, ok := p.scanners[scannerID]; ok {
			osnap.Area = scanner.Area
		}
		if dist, known := obs.Distance(); known {
			osnap.SmoothedDistance = &dist
		}
		s.Observations[scannerID] = osnap
	}
	return s
}

// redactor builds a stable map of identifier pseudonyms so a dump can be
// shared without disclosing device or scanner identifiers while still
// letting entries be told apart across the whole output.
type redactor struct {
	replacements map[string]string
	scanners     int
	devices      int
}

func newRedactor() *redactor {
	return &redactor{replacements: make(map[string]string)}
}

// bookend keeps the first and last two characters of an identifier so the
// operator can still correlate a pseudonym with their own notes.
func bookend(id string) (string, string) {
	if len(id) < 4 {
		return "", ""
	}
	return id[:2], id[len(id)-2:]
}

func (r *redactor) scanner(id string) string {
	if pseudo, ok := r.replacements[id]; ok {
		return pseudo
	}
	r.scanners++
	head, tail := bookend(id)
	pseudo := fmt.Sprintf("%s::SCANNER_%d::%s", head, r.scanners, tail)
	r.replacements[id] = pseudo
	return pseudo
}

func (r *redactor) device(id string) string {
	if pseudo, ok := r.replacements[id]; ok {
		return pseudo
	}
	r.devices++
	head, tail := bookend(id)
	pseudo := fmt.Sprintf("%s::DEVICE_%d::%s", head, r.devices, tail)
	r.replacements[id] = pseudo
	return pseudo
}

// redactSnapshots rewrites every identifier in the given snapshots,
// preserving structure. Ordering stays deterministic so redacted output
// diffs cleanly between dumps.
func redactSnapshots(snapshots []DeviceSnapshot) []DeviceSnapshot {
	r := newRedactor()

	// Name scanners in a stable order first so pseudonym numbering does not
	// depend on map iteration.
	var scannerIDs []string
	seen := make(map[string]bool)
	for _, s := range snapshots {
		for id := range s.Observations {
			if !seen[id] {
				seen[id] = true
				scannerIDs = append(scannerIDs, id)
			}
		}
	}
	sort.Strings(scannerIDs)
	for _, id := range scannerIDs {
		r.scanner(id)
	}

	out := make([]DeviceSnapshot, 0, len(snapshots))
	for _, s := range snapshots {
		s.ID = r.device(s.ID)
		s.AreaScannerID = redactIfSet(s.AreaScannerID, r.scanner)

		obs := make(map[string]ObservationSnapshot, len(s.Observations))
		for id, o := range s.Observations {
			o.ScannerID = r.scanner(id)
			obs[r.scanner(id)] = o
		}
		s.Observations = obs
		out = append(out, s)
	}
	return out
}

func redactIfSet(id string, f func(string) string) string {
	if id == "" {
		return ""
	}
	return f(id)
}
