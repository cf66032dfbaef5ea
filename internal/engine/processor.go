//
// Copyright (C) 2021 Intel Corporation
//
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/edgexfoundry/go-mod-core-contracts/clients/logger"
	"github.com/pkg/errors"
)

// Processor holds the current observation store and runs the per-tick
// estimation passes. It is the single owner of all device and scanner
// state: ingestion is an O(1) overwrite keyed by (device, scanner), and
// everything expensive happens in Tick.
//
// All exported methods are safe for concurrent use. The task loop that
// drives production traffic serializes calls anyway, so the mutex is never
// contended there; it exists so tests and embedders can call the processor
// directly.
type Processor struct {
	lc logger.LoggingClient

	mu       sync.Mutex
	cfg      Config
	pending  *Config
	devices  map[string]*Device
	scanners map[string]*Scanner
}

// NewProcessor creates a processor with a validated config. Scanners named
// in the service configuration should be registered with SetScanner before
// traffic arrives; unknown scanners auto-register without an area.
func NewProcessor(lc logger.LoggingClient, cfg Config) (*Processor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid engine config")
	}
	return &Processor{
		lc:       lc,
		cfg:      cfg,
		devices:  make(map[string]*Device),
		scanners: make(map[string]*Scanner),
	}, nil
}

// Config returns the currently active configuration.
func (p *Processor) Config() Config {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfg
}

// UpdateConfig validates and stages a new configuration. It takes effect
// at the start of the next tick; in-flight estimates carry over, and any
// pairing whose calibration changed is re-derived at that point.
func (p *Processor) UpdateConfig(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return errors.Wrap(err, "invalid engine config")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending = &cfg
	p.lc.Info("Engine config update staged; applies on next tick.")
	return nil
}

// SetScanner registers a scanner or updates its assigned area.
func (p *Processor) SetScanner(id, area string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	scanner, ok := p.scanners[id]
	if !ok {
		scanner = &Scanner{ID: id}
		p.scanners[id] = scanner
	}
	if scanner.Area != area {
		scanner.Area = area
		p.lc.Info("Scanner area assigned.", "scanner", id, "area", area)
	}
}

// Scanners returns the registry, sorted by id.
func (p *Processor) Scanners() []Scanner {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]Scanner, 0, len(p.scanners))
	for _, s := range p.scanners {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Observe records one advertisement sighting. It must stay cheap: it
// overwrites the (device, scanner) pairing's raw state and returns. The
// only estimation work done inline is the fast path: a reading closer than
// the current smoothed distance is admitted immediately so arrivals do not
// wait out the tick interval. Retreating readings sit as pending until the
// next tick.
//
// The returned events (home transition, fast-path distance decrease) are
// for immediate publication.
func (p *Processor) Observe(scannerID, deviceID string, rssi int, t time.Time) []Event {
	p.mu.Lock()
	defer p.mu.Unlock()

	scanner, ok := p.scanners[scannerID]
	if !ok {
		// Never drop data over configuration: track the scanner, flag the
		// missing area via Issues.
		scanner = &Scanner{ID: scannerID}
		p.scanners[scannerID] = scanner
		p.lc.Warn("Observation from unregistered scanner; tracking without an area.",
			"scanner", scannerID)
	}
	if t.After(scanner.LastSeen) {
		scanner.LastSeen = t
	}

	device, ok := p.devices[deviceID]
	if !ok {
		device = newDevice(deviceID)
		p.devices[deviceID] = device
		p.lc.Debug("Tracking new device.", "device", deviceID, "scanner", scannerID)
	}

	obs := device.observation(scannerID, p.cfg.SmoothingSamples)
	refPower, attenuation := p.cfg.CalibrationFor(deviceID, scannerID)
	if !obs.update(float64(rssi), t, refPower, attenuation, p.cfg.OffsetFor(scannerID)) {
		p.lc.Debug("Ignoring out-of-order advertisement.",
			"device", deviceID, "scanner", scannerID)
		return nil
	}

	if t.After(device.LastSeen) {
		device.LastSeen = t
	}

	var events []Event

	// Away-to-home fires immediately on any observation, regardless of
	// distance.
	if device.presence != PresenceHome {
		if ev := device.resolvePresence(t, p.cfg.NotHomeTimeout()); ev != nil {
			events = append(events, ev)
		}
	}

	// Fast path: trust approaches straight away.
	if obs.approaching() {
		obs.filter(t, p.cfg.MaxVelocity, p.cfg.DistanceTimeout())
		if dist, known := obs.Distance(); known {
			events = append(events, DistanceEvent{
				BaseEvent: BaseEvent{DeviceID: deviceID, Timestamp: UnixMilli(t)},
				ScannerID: scannerID,
				Area:      scanner.Area,
				Distance:  dist,
			})
		}
	}

	return events
}

// Tick runs one full recomputation pass: apply any staged config, then for
// every device run the velocity and smoothing filters per scanner, resolve
// the area, and resolve presence. Ticks are self-contained per device, so
// a caller that abandons a tick between devices leaves no partial state.
func (p *Processor) Tick(now time.Time) []Event {
	started := time.Now()

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.pending != nil {
		p.applyPendingConfig()
	}

	var events []Event
	for _, deviceID := range p.sortedDeviceIDs() {
		device := p.devices[deviceID]

		for _, obs := range device.observations {
			outcome := obs.filter(now, p.cfg.MaxVelocity, p.cfg.DistanceTimeout())
			switch outcome {
			case outcomeRejected:
				p.lc.Debug("Reading implies too fast a retreat, ignoring.",
					"device", deviceID, "scanner", obs.ScannerID,
					"rawDistance", fmt.Sprintf("%.2f", obs.RawDistance))
			case outcomeAccepted, outcomeArrived:
				if dist, known := obs.Distance(); known {
					events = append(events, DistanceEvent{
						BaseEvent: BaseEvent{DeviceID: deviceID, Timestamp: UnixMilli(now)},
						ScannerID: obs.ScannerID,
						Area:      p.scannerArea(obs.ScannerID),
						Distance:  dist,
					})
				}
			case outcomeWentStale:
				p.lc.Debug("Distance estimate went stale.",
					"device", deviceID, "scanner", obs.ScannerID)
			}
		}

		if ev := device.resolveArea(now, p.cfg, p.scanners); ev != nil {
			events = append(events, ev)
		}
		if ev := device.resolvePresence(now, p.cfg.NotHomeTimeout()); ev != nil {
			events = append(events, ev)
		}
	}

	// Overrun is operationally interesting but never fatal; the next tick
	// proceeds regardless.
	if elapsed := time.Since(started); elapsed > p.cfg.UpdateInterval() {
		p.lc.Warn("Tick overran the update interval.",
			"elapsed", elapsed.String(),
			"interval", p.cfg.UpdateInterval().String(),
			"devices", len(p.devices))
	}

	return events
}

// applyPendingConfig swaps in the staged config and re-derives raw
// distances for any pairing whose effective calibration changed, without
// freshening those readings. Caller holds the lock.
func (p *Processor) applyPendingConfig() {
	old := p.cfg
	p.cfg = *p.pending
	p.pending = nil

	for deviceID, device := range p.devices {
		for scannerID, obs := range device.observations {
			oldRef, oldAtt := old.CalibrationFor(deviceID, scannerID)
			newRef, newAtt := p.cfg.CalibrationFor(deviceID, scannerID)
			oldOff, newOff := old.OffsetFor(scannerID), p.cfg.OffsetFor(scannerID)
			if oldRef != newRef || oldAtt != newAtt || oldOff != newOff {
				obs.recalibrate(newRef, newAtt, newOff)
			}
		}
	}
	p.lc.Info("Engine config applied.",
		"maxAreaRadius", p.cfg.MaxAreaRadius,
		"maxVelocity", p.cfg.MaxVelocity,
		"updateInterval", p.cfg.UpdateInterval().String())
}

func (p *Processor) scannerArea(scannerID string) string {
	if s, ok := p.scanners[scannerID]; ok {
		return s.Area
	}
	return ""
}

func (p *Processor) sortedDeviceIDs() []string {
	ids := make([]string, 0, len(p.devices))
	for id := range p.devices {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Snapshot returns the full internal state for the requested devices, or
// all devices when none are named. Staleness is computed against now on
// every call. With redact set, device and scanner identifiers are replaced
// by stable pseudonyms while the structure is preserved.
func (p *Processor) Snapshot(now time.Time, deviceIDs []string, redact bool) []DeviceSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	want := make(map[string]bool, len(deviceIDs))
	for _, id := range deviceIDs {
		want[id] = true
	}

	var out []DeviceSnapshot
	for _, id := range p.sortedDeviceIDs() {
		if len(want) > 0 && !want[id] {
			continue
		}
		out = append(out, p.newDeviceSnapshot(p.devices[id], now))
	}

	if redact {
		out = redactSnapshots(out)
	}
	return out
}

// Issues reports current configuration problems. A scanner without an area
// keeps ingesting but cannot vote in area resolution; that is surfaced
// here rather than guessed around.
func (p *Processor) Issues() []Issue {
	p.mu.Lock()
	defer p.mu.Unlock()

	var issues []Issue
	if len(p.scanners) == 0 {
		issues = append(issues, Issue{
			Code:   IssueNoScanners,
			Reason: "no scanners are configured or have reported; area and distance resolution are inactive",
		})
	}
	if len(p.devices) == 0 {
		issues = append(issues, Issue{
			Code:   IssueNoDevices,
			Reason: "no devices have been observed yet",
		})
	}

	for _, id := range p.sortedScannerIDs() {
		if p.scanners[id].Area == "" {
			issues = append(issues, Issue{
				Code:      IssueScannerNoArea,
				ScannerID: id,
				Reason:    "scanner has no assigned area and is excluded from area resolution",
			})
		}
	}
	return issues
}

func (p *Processor) sortedScannerIDs() []string {
	ids := make([]string, 0, len(p.scanners))
	for id := range p.scanners {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
