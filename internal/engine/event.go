//
// Copyright (C) 2021 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0

package engine

// EventType is an enum of the different kinds of engine events.
type EventType string

const (
	// AreaChangedType is generated when a device's resolved area moves from
	// one value to another, including to or from unknown.
	AreaChangedType EventType = "AreaChanged"
	// HomeType is generated when a device's presence flips to home.
	HomeType EventType = "Home"
	// AwayType is generated when a device's presence flips to away after the
	// not-home timeout elapses with no observation from any scanner.
	AwayType EventType = "Away"
	// DistanceType is generated when a scanner's distance estimate for a
	// device changes. Decreases are emitted immediately on receipt of the
	// qualifying advertisement; increases only surface on a tick.
	DistanceType EventType = "Distance"
)

// BaseEvent holds the values common to every engine event. Timestamps are
// milliseconds since the Unix epoch.
type BaseEvent struct {
	DeviceID  string `json:"device_id"`
	Timestamp int64  `json:"timestamp"`
}

// AreaChangedEvent reports a device settling on a new area. An empty
// NewArea means the device is no longer within radius of any scanner.
type AreaChangedEvent struct {
	BaseEvent
	OldArea string `json:"old_area"`
	NewArea string `json:"new_area"`
	// ScannerID is the winning scanner, empty when NewArea is empty.
	ScannerID string `json:"scanner_id,omitempty"`
	// Distance is the winning smoothed distance in metres.
	Distance float64 `json:"distance,omitempty"`
}

// HomeEvent reports a device being heard from again after an absence, or
// for the first time.
type HomeEvent struct {
	BaseEvent
	Area string `json:"area,omitempty"`
}

// AwayEvent reports that no scanner has heard a device for longer than the
// not-home timeout.
type AwayEvent struct {
	BaseEvent
	// LastSeen is the last time the device was heard, in epoch milliseconds.
	LastSeen int64 `json:"last_seen"`
	// LastKnownArea is the area the device resolved to before departing.
	LastKnownArea string `json:"last_known_area,omitempty"`
}

// DistanceEvent reports a per-scanner smoothed distance update.
type DistanceEvent struct {
	BaseEvent
	ScannerID string  `json:"scanner_id"`
	Area      string  `json:"area,omitempty"`
	Distance  float64 `json:"distance"`
}

// Event is an interface that maps event structs to their corresponding
// EventType strings.
type Event interface {
	OfType() EventType
}

// OfType for AreaChangedEvent returns AreaChangedType
func (e AreaChangedEvent) OfType() EventType {
	return AreaChangedType
}

// OfType for HomeEvent returns HomeType
func (e HomeEvent) OfType() EventType {
	return HomeType
}

// OfType for AwayEvent returns AwayType
func (e AwayEvent) OfType() EventType {
	return AwayType
}

// OfType for DistanceEvent returns DistanceType
func (e DistanceEvent) OfType() EventType {
	return DistanceType
}
