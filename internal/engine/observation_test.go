//
// Copyright (C) 2021 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testRefPower    = -60.0
	testAttenuation = 2.0
	testMaxVelocity = 3.0
	testTimeout     = 30 * time.Second
)

// rssiAt inverts the path-loss model so tests can speak in metres.
func rssiAt(metres float64) float64 {
	return testRefPower - 10*testAttenuation*math.Log10(metres)
}

func feedMetres(obs *Observation, metres float64, t time.Time) {
	if !obs.update(rssiAt(metres), t, testRefPower, testAttenuation, 0) {
		panic("reading unexpectedly dropped")
	}
}

func TestObservation_FirstReadingArrives(t *testing.T) {
	obs := newObservation("kitchen-proxy", "watch", 10)
	t0 := time.Now()

	if _, known := obs.Distance(); known {
		t.Fatal("distance should be unknown before any reading")
	}

	feedMetres(obs, 3.0, t0)
	outcome := obs.filter(t0, testMaxVelocity, testTimeout)
	assert.Equal(t, outcomeArrived, outcome)

	dist, known := obs.Distance()
	require.True(t, known)
	assert.Equal(t, obs.RawDistance, dist)
	assert.InDelta(t, 3.0, dist, 0.001)
}

func TestObservation_DecreasesApplyImmediately(t *testing.T) {
	obs := newObservation("kitchen-proxy", "watch", 10)
	t0 := time.Now()

	for i, metres := range []float64{3.0, 2.0, 1.0} {
		now := t0.Add(time.Duration(i) * time.Second)
		feedMetres(obs, metres, now)
		obs.filter(now, testMaxVelocity, testTimeout)

		dist, known := obs.Distance()
		require.True(t, known)
		// a closer reading becomes the estimate with no smoothing lag
		assert.Equal(t, obs.RawDistance, dist)
		assert.InDelta(t, metres, dist, 0.001)
	}
}

func TestObservation_IncreasesAreDamped(t *testing.T) {
	obs := newObservation("kitchen-proxy", "watch", 10)
	t0 := time.Now()

	feedMetres(obs, 1.0, t0)
	obs.filter(t0, testMaxVelocity, testTimeout)

	feedMetres(obs, 2.0, t0.Add(time.Second))
	outcome := obs.filter(t0.Add(time.Second), testMaxVelocity, testTimeout)
	assert.Equal(t, outcomeAccepted, outcome)

	dist, known := obs.Distance()
	require.True(t, known)
	if dist <= 1.001 || dist >= 1.999 {
		t.Errorf("expected damped estimate strictly between 1 and 2 metres, got %v", dist)
	}
}

func TestObservation_VelocityRejection(t *testing.T) {
	obs := newObservation("kitchen-proxy", "watch", 10)
	t0 := time.Now()

	feedMetres(obs, 1.0, t0)
	obs.filter(t0, testMaxVelocity, testTimeout)
	before, _ := obs.Distance()

	// 9 m/s implied retreat, well past the 3 m/s cap
	feedMetres(obs, 10.0, t0.Add(time.Second))
	outcome := obs.filter(t0.Add(time.Second), testMaxVelocity, testTimeout)
	assert.Equal(t, outcomeRejected, outcome)
	assert.Equal(t, 1, obs.rejects)

	// the estimate is exactly what it was, as if the reading never happened
	after, known := obs.Distance()
	require.True(t, known)
	assert.Equal(t, before, after)

	// the raw figure is still recorded for diagnostics
	assert.InDelta(t, 10.0, obs.RawDistance, 0.001)

	// a plausible follow-up is accepted normally
	feedMetres(obs, 1.5, t0.Add(2*time.Second))
	outcome = obs.filter(t0.Add(2*time.Second), testMaxVelocity, testTimeout)
	assert.Equal(t, outcomeAccepted, outcome)
}

func TestObservation_ApproachesAreNeverRejected(t *testing.T) {
	obs := newObservation("kitchen-proxy", "watch", 10)
	t0 := time.Now()

	feedMetres(obs, 10.0, t0)
	obs.filter(t0, testMaxVelocity, testTimeout)

	// closing 9.5 metres in 100ms is absurd, but approaches are credible
	feedMetres(obs, 0.5, t0.Add(100*time.Millisecond))
	outcome := obs.filter(t0.Add(100*time.Millisecond), testMaxVelocity, testTimeout)
	assert.Equal(t, outcomeAccepted, outcome)

	dist, known := obs.Distance()
	require.True(t, known)
	assert.InDelta(t, 0.5, dist, 0.001)
}

func TestObservation_GoesStaleAndRecovers(t *testing.T) {
	obs := newObservation("kitchen-proxy", "watch", 10)
	t0 := time.Now()

	feedMetres(obs, 2.0, t0)
	obs.filter(t0, testMaxVelocity, testTimeout)

	// still fresh exactly at the timeout boundary
	outcome := obs.filter(t0.Add(testTimeout), testMaxVelocity, testTimeout)
	assert.Equal(t, outcomeNoChange, outcome)
	_, known := obs.Distance()
	assert.True(t, known)

	outcome = obs.filter(t0.Add(testTimeout+time.Second), testMaxVelocity, testTimeout)
	assert.Equal(t, outcomeWentStale, outcome)
	_, known = obs.Distance()
	assert.False(t, known)

	// subsequent ticks stay quiet rather than re-reporting staleness
	outcome = obs.filter(t0.Add(testTimeout+2*time.Second), testMaxVelocity, testTimeout)
	assert.Equal(t, outcomeNoChange, outcome)

	// a reappearance is treated as a fresh arrival
	feedMetres(obs, 5.0, t0.Add(testTimeout+3*time.Second))
	outcome = obs.filter(t0.Add(testTimeout+3*time.Second), testMaxVelocity, testTimeout)
	assert.Equal(t, outcomeArrived, outcome)
}

func TestObservation_OutOfOrderReadingsDropped(t *testing.T) {
	obs := newObservation("kitchen-proxy", "watch", 10)
	t0 := time.Now()

	feedMetres(obs, 2.0, t0)

	if obs.update(rssiAt(1.0), t0, testRefPower, testAttenuation, 0) {
		t.Error("reading with a non-increasing timestamp should be dropped")
	}
	if obs.update(rssiAt(1.0), t0.Add(-time.Second), testRefPower, testAttenuation, 0) {
		t.Error("reading with an older timestamp should be dropped")
	}
	assert.Equal(t, 2, obs.staleUpdates)
	assert.InDelta(t, 2.0, obs.RawDistance, 0.001)
}

func TestObservation_RSSIOffsetApplied(t *testing.T) {
	obs := newObservation("kitchen-proxy", "watch", 10)
	t0 := time.Now()

	// -66 dBm with a +6 offset reads like -60 dBm, i.e. one metre
	require.True(t, obs.update(-66, t0, testRefPower, testAttenuation, 6))
	assert.InDelta(t, 1.0, obs.RawDistance, 0.001)
	// the stored reading stays raw
	assert.Equal(t, -66.0, obs.RSSI)
}

func TestObservation_Recalibrate(t *testing.T) {
	obs := newObservation("kitchen-proxy", "watch", 10)
	t0 := time.Now()

	// -80 dBm is 10 metres at attenuation 2
	require.True(t, obs.update(-80, t0, testRefPower, testAttenuation, 0))
	obs.filter(t0, testMaxVelocity, testTimeout)
	assert.InDelta(t, 10.0, obs.RawDistance, 0.001)

	// doubling the attenuation shortens the same reading to sqrt(10) metres
	obs.recalibrate(testRefPower, 4.0, 0)
	assert.InDelta(t, 3.162, obs.RawDistance, 0.001)

	dist, known := obs.Distance()
	require.True(t, known)
	assert.Equal(t, obs.RawDistance, dist)

	// a calibration change must not freshen the reading
	assert.Equal(t, t0, obs.LastSeen)
}

func TestObservation_Approaching(t *testing.T) {
	obs := newObservation("kitchen-proxy", "watch", 10)
	t0 := time.Now()

	feedMetres(obs, 3.0, t0)
	// first ever reading has nothing to compare against
	assert.False(t, obs.approaching())
	obs.filter(t0, testMaxVelocity, testTimeout)

	feedMetres(obs, 1.0, t0.Add(time.Second))
	assert.True(t, obs.approaching())
	obs.filter(t0.Add(time.Second), testMaxVelocity, testTimeout)

	feedMetres(obs, 5.0, t0.Add(2*time.Second))
	assert.False(t, obs.approaching())
}

func TestObservation_HistoryBounded(t *testing.T) {
	obs := newObservation("kitchen-proxy", "watch", 10)
	t0 := time.Now()

	for i := 0; i < histKeepCount*3; i++ {
		now := t0.Add(time.Duration(i) * time.Second)
		feedMetres(obs, 2.0, now)
		obs.filter(now, testMaxVelocity, testTimeout)
	}

	assert.Equal(t, histKeepCount, len(obs.histRSSI))
	assert.Equal(t, histKeepCount, len(obs.histDistance))
	assert.Equal(t, histKeepCount, len(obs.histStamp))
	// newest first
	assert.Equal(t, t0.Add(time.Duration(histKeepCount*3-1)*time.Second), obs.histStamp[0])
}
