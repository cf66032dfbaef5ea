//
// Copyright (C) 2021 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"time"
)

// histKeepCount is how many recent readings to keep per (device, scanner)
// pairing for diagnostics and the velocity scan.
const histKeepCount = 10

// Observation is one scanner's view of one device: the latest raw reading,
// the filtered distance estimate derived from it, and a short history used
// by the outlier filter and the diagnostic dump.
//
// RSSI noise is very asymmetric. A closer reading is always more credible
// than the one before it, while a longer reading is usually multipath or
// attenuation. The filtering below therefore trusts decreases immediately
// and makes increases earn their way in through the smoothing window.
type Observation struct {
	ScannerID string
	DeviceID  string

	// RSSI is the most recent raw reading in dBm, before the per-scanner
	// offset. A new advertisement always overwrites it, even when the
	// filter rejects the implied distance.
	RSSI float64

	// LastSeen is the receipt time of the most recent advertisement.
	LastSeen time.Time

	// RawDistance is the unfiltered distance computed from the latest
	// effective RSSI. Kept for diagnostics; resolution uses the smoothed
	// value only.
	RawDistance float64

	smoothed      float64
	smoothedValid bool

	// window holds the accepted raw distances; its monotonic-min average
	// damps increases while leaving decreases untouched.
	window *CircularBuffer

	// diagnostic history, newest first
	histRSSI     []float64
	histDistance []float64
	histStamp    []time.Time
	histVelocity []float64

	// pending is set when a new advertisement has arrived and not yet been
	// run through the filters.
	pending bool

	// staleUpdates counts advertisements that arrived with a timestamp at
	// or before the previous one and were ignored.
	staleUpdates int

	// rejects counts readings discarded by the velocity filter.
	rejects int
}

func newObservation(scannerID, deviceID string, windowSize int) *Observation {
	return &Observation{
		ScannerID: scannerID,
		DeviceID:  deviceID,
		window:    NewCircularBuffer(windowSize),
	}
}

// update records a new advertisement. The timestamp must strictly increase;
// readings that do not are counted and dropped. Returns true when the
// reading was recorded.
func (obs *Observation) update(rssi float64, t time.Time, refPower, attenuation, offset float64) bool {
	if !obs.LastSeen.IsZero() && !t.After(obs.LastSeen) {
		obs.staleUpdates++
		return false
	}

	obs.RSSI = rssi
	obs.LastSeen = t
	obs.RawDistance = RSSIToMetres(rssi+offset, refPower, attenuation)

	obs.histRSSI = prependFloat(obs.histRSSI, rssi)
	obs.histDistance = prependFloat(obs.histDistance, obs.RawDistance)
	obs.histStamp = prependTime(obs.histStamp, t)

	obs.pending = true
	return true
}

// recalibrate re-derives the raw distance from the stored RSSI after a
// calibration change. It deliberately does not touch LastSeen: a settings
// change must not freshen a reading that was already going stale. The
// smoothed value, when present, is forced to the new figure so the change
// shows up without waiting out the smoothing window.
func (obs *Observation) recalibrate(refPower, attenuation, offset float64) {
	if obs.LastSeen.IsZero() {
		return
	}
	obs.RawDistance = RSSIToMetres(obs.RSSI+offset, refPower, attenuation)
	if len(obs.histDistance) > 0 {
		obs.histDistance[0] = obs.RawDistance
	}
	if obs.smoothedValid {
		obs.smoothed = obs.RawDistance
		obs.window.Reset()
		obs.window.AddValue(obs.RawDistance)
	}
}

// Distance returns the smoothed distance estimate and whether one is
// currently known. It is unknown before the first reading and again once
// the pairing has gone stale.
func (obs *Observation) Distance() (float64, bool) {
	return obs.smoothed, obs.smoothedValid
}

// stale reports whether the most recent advertisement is older than the
// distance timeout at the given instant.
func (obs *Observation) stale(now time.Time, timeout time.Duration) bool {
	return obs.LastSeen.IsZero() || now.Sub(obs.LastSeen) > timeout
}

// filterOutcome describes what a filter pass did with the pending reading.
type filterOutcome int

const (
	outcomeNoChange filterOutcome = iota
	outcomeAccepted
	outcomeRejected
	outcomeArrived
	outcomeWentStale
)

// filter runs the velocity and smoothing filters over the pending reading,
// if any, and otherwise handles staleness. Called once per tick for every
// pairing the device has ever had, whether or not the scanner reported in
// this cycle.
func (obs *Observation) filter(now time.Time, maxVelocity float64, timeout time.Duration) filterOutcome {
	if !obs.pending {
		if obs.smoothedValid && obs.stale(now, timeout) {
			// No reading long enough that the estimate is meaningless.
			// Clear it rather than advertise ancient data, and reset the
			// window so a reappearance starts fresh.
			obs.smoothed = 0
			obs.smoothedValid = false
			obs.window.Reset()
			return outcomeWentStale
		}
		return outcomeNoChange
	}
	obs.pending = false

	if !obs.smoothedValid {
		// First reading, or first after an absence: nothing to smooth
		// against, accept as-is and seed the window.
		obs.window.Reset()
		obs.accept(obs.RawDistance)
		return outcomeArrived
	}

	velocity := obs.peakVelocity()
	obs.histVelocity = prependFloat(obs.histVelocity, velocity)

	if velocity > maxVelocity {
		// The reading implies a retreat faster than anything we track can
		// move. Keep the raw figure for diagnostics but leave the smoothed
		// estimate exactly as it was.
		obs.rejects++
		return outcomeRejected
	}

	obs.accept(obs.RawDistance)
	return outcomeAccepted
}

// accept admits a raw distance into the smoothing window and updates the
// smoothed estimate: the monotonic-min average damps increases, and the
// final min() lets any reading closer than the average win outright.
func (obs *Observation) accept(raw float64) {
	obs.window.AddValue(raw)
	smoothed := obs.window.MonotonicMin()
	if raw < smoothed {
		smoothed = raw
	}
	obs.smoothed = smoothed
	obs.smoothedValid = true
}

// approaching reports whether the pending raw reading is closer than the
// current smoothed estimate, which qualifies it for the fast path.
func (obs *Observation) approaching() bool {
	return obs.pending && obs.smoothedValid && obs.RawDistance < obs.smoothed
}

// peakVelocity computes the implied retreat speed of the newest reading:
// first against the current smoothed estimate, then, if that shows a
// retreat, against each raw reading in the history, keeping the fastest.
// Approaches come back negative and are never rejected; a single glitched
// old sample therefore cannot veto a genuine approach.
func (obs *Observation) peakVelocity() float64 {
	if len(obs.histStamp) < 2 {
		return 0
	}

	newDist := obs.histDistance[0]
	newStamp := obs.histStamp[0]

	var peak float64
	if dt := newStamp.Sub(obs.histStamp[1]).Seconds(); dt > 0 {
		peak = (newDist - obs.smoothed) / dt
	}
	if peak < 0 {
		// Newest movement is an approach; no need to scan further.
		return peak
	}

	for i := 1; i < len(obs.histDistance); i++ {
		dt := newStamp.Sub(obs.histStamp[i]).Seconds()
		if dt <= 0 {
			continue
		}
		if v := (newDist - obs.histDistance[i]) / dt; v > peak {
			peak = v
		}
	}
	return peak
}

func prependFloat(hist []float64, v float64) []float64 {
	hist = append([]float64{v}, hist...)
	if len(hist) > histKeepCount {
		hist = hist[:histKeepCount]
	}
	return hist
}

func prependTime(hist []time.Time, t time.Time) []time.Time {
	hist = append([]time.Time{t}, hist...)
	if len(hist) > histKeepCount {
		hist = hist[:histKeepCount]
	}
	return hist
}
