//
// Copyright (C) 2021 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"time"
)

// PresenceState is the coarse home/away verdict for a device.
type PresenceState string

const (
	PresenceUnknown PresenceState = "unknown"
	PresenceHome    PresenceState = "home"
	PresenceAway    PresenceState = "not_home"
)

// Device is an entity the engine maintains estimates for: one observation
// per scanner that has ever heard it, the currently resolved area, and the
// home/away state. All state is ephemeral and rebuilt from live traffic.
type Device struct {
	ID string

	// observations is keyed by scanner id. Entries are never removed; a
	// pairing that stops reporting goes stale and drops out of resolution.
	observations map[string]*Observation

	// Resolved area. areaValid distinguishes "no area" from area "".
	area          string
	areaValid     bool
	areaScannerID string
	areaDistance  float64

	// lastKnownArea survives the area going unknown, for away events and
	// the dump output.
	lastKnownArea string

	presence PresenceState

	// LastSeen is the most recent advertisement receipt across all
	// scanners, stale or not. Presence keys off this alone.
	LastSeen time.Time

	// transition stamps, kept for the dump output
	lastHome time.Time
	lastAway time.Time
}

func newDevice(id string) *Device {
	return &Device{
		ID:           id,
		observations: make(map[string]*Observation),
		presence:     PresenceUnknown,
	}
}

// observation returns the existing pairing for a scanner or creates one
// with the given smoothing window.
func (d *Device) observation(scannerID string, windowSize int) *Observation {
	obs, ok := d.observations[scannerID]
	if !ok {
		obs = newObservation(scannerID, d.ID, windowSize)
		d.observations[scannerID] = obs
	}
	return obs
}

// Area returns the resolved area and whether one is currently known.
func (d *Device) Area() (string, bool) {
	return d.area, d.areaValid
}

// Presence returns the current home/away state.
func (d *Device) Presence() PresenceState {
	return d.presence
}

// resolveArea picks the winning scanner for this device: among non-stale
// observations whose smoothed distance is within maxRadius (inclusive) and
// whose scanner has an assigned area, the smallest distance wins. An exact
// tie goes to the lexicographically smaller scanner id so repeated
// resolution is deterministic. Scanners without an area are skipped here;
// the processor reports them as issues.
//
// Returns the area-changed event to emit, if any.
func (d *Device) resolveArea(now time.Time, cfg Config, scanners map[string]*Scanner) Event {
	var winner *Observation
	var winnerArea string

	for _, obs := range d.observations {
		dist, known := obs.Distance()
		if !known || obs.stale(now, cfg.DistanceTimeout()) {
			continue
		}
		if dist > cfg.MaxAreaRadius {
			continue
		}
		scanner, ok := scanners[obs.ScannerID]
		if !ok || scanner.Area == "" {
			continue
		}
		if winner == nil {
			winner, winnerArea = obs, scanner.Area
			continue
		}
		winnerDist, _ := winner.Distance()
		if dist < winnerDist || (dist == winnerDist && obs.ScannerID < winner.ScannerID) {
			winner, winnerArea = obs, scanner.Area
		}
	}

	oldArea, oldValid := d.area, d.areaValid

	if winner == nil {
		d.area = ""
		d.areaValid = false
		d.areaScannerID = ""
		d.areaDistance = 0
		if oldValid {
			return AreaChangedEvent{
				BaseEvent: BaseEvent{DeviceID: d.ID, Timestamp: UnixMilli(now)},
				OldArea:   oldArea,
			}
		}
		return nil
	}

	d.area = winnerArea
	d.areaValid = true
	d.areaScannerID = winner.ScannerID
	d.areaDistance, _ = winner.Distance()
	d.lastKnownArea = winnerArea

	if !oldValid || oldArea != winnerArea {
		return AreaChangedEvent{
			BaseEvent: BaseEvent{DeviceID: d.ID, Timestamp: UnixMilli(now)},
			OldArea:   oldArea,
			NewArea:   winnerArea,
			ScannerID: winner.ScannerID,
			Distance:  d.areaDistance,
		}
	}
	return nil
}

// resolvePresence derives the home/away verdict from the freshness of the
// single most recent sighting by any scanner. The boundary is inclusive:
// exactly timeout seconds since the last sighting is still home. The
// away transition only ever fires from a tick; the home transition also
// fires from the ingest fast path via this same method.
func (d *Device) resolvePresence(now time.Time, timeout time.Duration) Event {
	state := PresenceAway
	if !d.LastSeen.IsZero() && now.Sub(d.LastSeen) <= timeout {
		state = PresenceHome
	}

	if state == d.presence {
		return nil
	}
	prev := d.presence
	d.presence = state

	switch state {
	case PresenceHome:
		d.lastHome = now
		return HomeEvent{
			BaseEvent: BaseEvent{DeviceID: d.ID, Timestamp: UnixMilli(now)},
			Area:      d.area,
		}
	default:
		d.lastAway = now
		// Suppress the event when we never knew the device was here: a
		// tracked-but-silent device settling to away is not a departure.
		if prev == PresenceUnknown {
			return nil
		}
		return AwayEvent{
			BaseEvent:     BaseEvent{DeviceID: d.ID, Timestamp: UnixMilli(now)},
			LastSeen:      UnixMilli(d.LastSeen),
			LastKnownArea: d.lastKnownArea,
		}
	}
}
